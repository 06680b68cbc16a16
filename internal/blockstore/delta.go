/*
Copyright (C) 2024-2026  Carl-Philip Hänsch

	This program is free software: you can redistribute it and/or modify
	it under the terms of the GNU General Public License as published by
	the Free Software Foundation, either version 3 of the License, or
	(at your option) any later version.

	This program is distributed in the hope that it will be useful,
	but WITHOUT ANY WARRANTY; without even the implied warranty of
	MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
	GNU General Public License for more details.

	You should have received a copy of the GNU General Public License
	along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

package blockstore

import (
	"github.com/google/btree"
)

// Delta is the common add/delete/split/finish contract both delta
// variants implement (§4.2.2).
type Delta interface {
	Add(key CompositeKey, value Value)
	Delete(key CompositeKey)
	// Size returns the accumulated size estimate in O(1), matching the
	// spec's "running size totals" requirement — needed on every add so
	// the writer can decide to split without rescanning.
	Size() uint64
	// Split finds the first key whose inclusion would push this delta's
	// left half over halfSize, returning the split key and a new delta
	// holding everything from the split key onward. The receiver keeps
	// everything before the split key.
	Split(halfSize uint64) (splitKey CompositeKey, rhs Delta)
	// Finish seals the delta into an immutable, sorted Block.
	Finish(keyType KeyType, valueType ValueType, meta map[string]string) (*Block, error)
}

// OrderedDelta is optimized for appending to the tail of a parent block:
// it remembers a cursor into the parent and streams a single linear pass
// over it, copying rows up to each insertion point. Grounded on the
// scan/build two-phase pass memcp's storageShard.rebuild performs over a
// parent column when folding delta storage into a new main column.
type OrderedDelta struct {
	parent      *Block
	parentIdx   int // next uncommitted row in parent
	rows        []Row
	deleted     map[CompositeKey]struct{}
	size        uint64
	parentBlock BlockID // preserved for the left half after a split, per §4.2.2
	hasParent   bool
}

// NewOrderedDelta starts an ordered delta over parent (nil for a brand
// new blockfile with no prior block).
func NewOrderedDelta(parent *Block) *OrderedDelta {
	d := &OrderedDelta{deleted: make(map[CompositeKey]struct{})}
	if parent != nil {
		d.parent = parent
		d.hasParent = true
		d.parentBlock = parent.ID
	}
	return d
}

// copyParentUpTo appends parent rows strictly less than key, advancing
// the cursor; a row in the parent whose key equals key is skipped
// (overwrite semantics — the cursor jumps past it).
func (d *OrderedDelta) copyParentUpTo(key CompositeKey) {
	if d.parent == nil {
		return
	}
	for d.parentIdx < len(d.parent.Rows) {
		row := d.parent.Rows[d.parentIdx]
		c := row.Key.Compare(key)
		if c > 0 {
			break
		}
		d.parentIdx++
		if c == 0 {
			continue // overwritten by the new row that will follow
		}
		if _, gone := d.deleted[row.Key]; gone {
			continue
		}
		d.append(row)
	}
}

func (d *OrderedDelta) append(row Row) {
	d.rows = append(d.rows, row)
	d.size += ComputeSize(d.rows) - ComputeSize(d.rows[:len(d.rows)-1])
}

// Add inserts key/value, first copying every parent row up to (but not
// including) key's position.
func (d *OrderedDelta) Add(key CompositeKey, value Value) {
	d.copyParentUpTo(key)
	d.append(Row{Key: key, Value: value})
}

// Delete marks key absent: if it is still pending in the parent, the
// cursor will skip it on its next advance; if it was already copied in
// (a prior Add in this delta), remove it from rows directly.
func (d *OrderedDelta) Delete(key CompositeKey) {
	d.deleted[key] = struct{}{}
	for i, row := range d.rows {
		if row.Key.Compare(key) == 0 {
			d.rows = append(d.rows[:i], d.rows[i+1:]...)
			break
		}
	}
	d.size = ComputeSize(d.rows)
}

// CopyToEnd copies every remaining parent row, used by Finish.
func (d *OrderedDelta) copyToEnd() {
	if d.parent == nil {
		return
	}
	for d.parentIdx < len(d.parent.Rows) {
		row := d.parent.Rows[d.parentIdx]
		d.parentIdx++
		if _, gone := d.deleted[row.Key]; gone {
			continue
		}
		d.append(row)
	}
}

// Size returns the current accumulated row-set size.
func (d *OrderedDelta) Size() uint64 {
	return d.size
}

// Split finds the first key whose inclusion pushes the accumulated
// prefix over halfSize, preferring to keep the left half non-empty.
// When no shorter prefix exceeds halfSize the split falls on the last
// row, so the right half always receives at least one row.
func (d *OrderedDelta) Split(halfSize uint64) (CompositeKey, Delta) {
	d.copyToEnd()
	idx := len(d.rows)
	for i := 1; i < len(d.rows); i++ {
		if ComputeSize(d.rows[:i]) > halfSize {
			idx = i
			break
		}
	}
	if idx <= 0 {
		idx = 1
	}
	if idx >= len(d.rows) {
		idx = len(d.rows) - 1
		if idx < 1 {
			idx = 1
		}
	}
	splitKey := d.rows[idx].Key
	rhsRows := append([]Row(nil), d.rows[idx:]...)
	d.rows = d.rows[:idx]
	d.size = ComputeSize(d.rows)

	rhs := &OrderedDelta{rows: rhsRows, deleted: make(map[CompositeKey]struct{}), size: ComputeSize(rhsRows)}
	// The left half keeps the parent-block reference per §4.2.2; the
	// right half starts fresh (it represents a brand new block).
	return splitKey, rhs
}

// Finish seals the delta into an immutable Block.
func (d *OrderedDelta) Finish(keyType KeyType, valueType ValueType, meta map[string]string) (*Block, error) {
	d.copyToEnd()
	return NewBlock(keyType, valueType, append([]Row(nil), d.rows...), meta)
}

// ParentBlock reports the block this delta was built on top of, for
// writers that need to know whether a committed block is a rewrite of
// an existing one or brand new.
func (d *OrderedDelta) ParentBlock() (BlockID, bool) {
	return d.parentBlock, d.hasParent
}

// UnorderedDelta buffers random mutations in a B-tree keyed by
// CompositeKey, matching memcp's storage/index.go StorageIndex, which
// keeps a btree.BTreeG[indexPair] delta buffer beside the sorted main
// column for exactly this purpose: fast overwrite/delete against an
// unordered stream of edits, sorted only once at Finish.
type UnorderedDelta struct {
	tree    *btree.BTreeG[deltaItem]
	deleted map[CompositeKey]struct{}

	// n/prefixBytes/keyBytes/valueBytes are running totals across every
	// row currently in tree, adjusted by the single changed row on each
	// Add/Delete so Size can derive the padded columnar total in O(1)
	// instead of re-folding the whole tree (§4.2.2).
	n           uint64
	prefixBytes uint64
	keyBytes    uint64
	valueBytes  uint64
}

type deltaItem struct {
	key   CompositeKey
	value Value
}

func deltaLess(a, b deltaItem) bool {
	return a.key.Compare(b.key) < 0
}

// NewUnorderedDelta starts an empty unordered delta, optionally seeded
// from parent's rows so Add/Delete can overwrite existing entries.
func NewUnorderedDelta(parent *Block) *UnorderedDelta {
	d := &UnorderedDelta{
		tree:    btree.NewG[deltaItem](32, deltaLess),
		deleted: make(map[CompositeKey]struct{}),
	}
	if parent != nil {
		for _, row := range parent.Rows {
			d.tree.ReplaceOrInsert(deltaItem{key: row.Key, value: row.Value})
			d.addRow(row)
		}
	}
	return d
}

// addRow and removeRow fold row's contribution into the running column
// totals; the reverse of one another, so Add can call removeRow for a
// row it's about to overwrite without forcing a full rescan.
func (d *UnorderedDelta) addRow(row Row) {
	p, k, v := rowContribution(row)
	d.n++
	d.prefixBytes += p
	d.keyBytes += k
	d.valueBytes += v
}

func (d *UnorderedDelta) removeRow(row Row) {
	p, k, v := rowContribution(row)
	d.n--
	d.prefixBytes -= p
	d.keyBytes -= k
	d.valueBytes -= v
}

func (d *UnorderedDelta) sortedRows() []Row {
	rows := make([]Row, 0, d.tree.Len())
	d.tree.Ascend(func(item deltaItem) bool {
		rows = append(rows, Row{Key: item.key, Value: item.value})
		return true
	})
	return rows
}

// Add inserts or overwrites key with value.
func (d *UnorderedDelta) Add(key CompositeKey, value Value) {
	delete(d.deleted, key)
	if old, ok := d.tree.Get(deltaItem{key: key}); ok {
		d.removeRow(Row{Key: old.key, Value: old.value})
	}
	d.tree.ReplaceOrInsert(deltaItem{key: key, value: value})
	d.addRow(Row{Key: key, Value: value})
}

// Delete removes key, recording the removal for cheap accounting.
func (d *UnorderedDelta) Delete(key CompositeKey) {
	if old, ok := d.tree.Delete(deltaItem{key: key}); ok {
		d.removeRow(Row{Key: old.key, Value: old.value})
	}
	d.deleted[key] = struct{}{}
}

// Size returns the current accumulated size, derived in O(1) from the
// running column totals Add/Delete maintain.
func (d *UnorderedDelta) Size() uint64 {
	return sizeFromTotals(d.n, d.prefixBytes, d.keyBytes, d.valueBytes)
}

// Split finds the first key whose inclusion pushes the left half over
// halfSize. The right half becomes a fresh UnorderedDelta with the
// remaining entries.
func (d *UnorderedDelta) Split(halfSize uint64) (CompositeKey, Delta) {
	rows := d.sortedRows()
	idx := len(rows)
	for i := 1; i < len(rows); i++ {
		if ComputeSize(rows[:i]) > halfSize {
			idx = i
			break
		}
	}
	if idx <= 0 {
		idx = 1
	}
	if idx >= len(rows) {
		idx = len(rows) - 1
		if idx < 1 {
			idx = 1
		}
	}
	splitKey := rows[idx].Key

	rhs := NewUnorderedDelta(nil)
	for _, r := range rows[idx:] {
		rhs.tree.ReplaceOrInsert(deltaItem{key: r.Key, value: r.Value})
		rhs.addRow(r)
	}

	lhs := btree.NewG[deltaItem](32, deltaLess)
	d.n, d.prefixBytes, d.keyBytes, d.valueBytes = 0, 0, 0, 0
	for _, r := range rows[:idx] {
		lhs.ReplaceOrInsert(deltaItem{key: r.Key, value: r.Value})
		d.addRow(r)
	}
	d.tree = lhs

	return splitKey, rhs
}

// Finish seals the delta into an immutable Block.
func (d *UnorderedDelta) Finish(keyType KeyType, valueType ValueType, meta map[string]string) (*Block, error) {
	return NewBlock(keyType, valueType, d.sortedRows(), meta)
}

var _ Delta = (*OrderedDelta)(nil)
var _ Delta = (*UnorderedDelta)(nil)
