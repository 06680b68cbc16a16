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
	"bytes"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/google/uuid"

	"github.com/vstorage/corestore/internal/codec"
)

// align64 rounds n up to the next multiple of 64, the padding boundary
// the columnar layout requires for every contributing column.
func align64(n uint64) uint64 {
	return (n + 63) &^ 63
}

// Block is an immutable, sorted run of (prefix, key, value) rows. Never
// mutated in place; a new Block is always produced by sealing a
// BlockDelta. Two Blocks are content-addressed independently — nothing
// deduplicates equal content across ids.
type Block struct {
	ID        BlockID
	KeyType   KeyType
	ValueType ValueType
	Rows      []Row
	SizeBytes uint64
	Meta      map[string]string
}

// NewBlockID mints a fresh random identifier.
func NewBlockID() BlockID { return uuid.New() }

// ComputeSize reproduces the padded columnar size formula of §4.2.1:
// each contributing column rounds up to a 64-byte multiple, offset
// arrays cost 4 bytes per row plus one, and a validity bitmap costs
// ceil(n/8) bytes, rounded, per nullable column.
func ComputeSize(rows []Row) uint64 {
	var prefixBytes, keyBytes, valueBytes uint64
	for _, r := range rows {
		prefixBytes += uint64(len(r.Key.Prefix))
		keyBytes += uint64(len(keyPayload(r.Key.Key)))
		valueBytes += uint64(len(r.Value.Bytes))
	}
	return sizeFromTotals(uint64(len(rows)), prefixBytes, keyBytes, valueBytes)
}

// sizeFromTotals applies the padded columnar size formula directly to
// running column totals, so a delta can keep Size() O(1) by maintaining
// prefixBytes/keyBytes/valueBytes incrementally on Add/Delete instead of
// re-summing every row through ComputeSize (§4.2.2's "running size
// totals").
func sizeFromTotals(n, prefixBytes, keyBytes, valueBytes uint64) uint64 {
	if n == 0 {
		return 0
	}

	var total uint64
	total += align64(prefixBytes)
	total += align64(keyBytes)
	total += align64(valueBytes)

	offsetArrayBytes := 4 * (n + 1)
	// prefix and value are variable-length columns; each gets its own
	// offset array. The key column is fixed-width per KeyType and needs
	// none.
	total += align64(offsetArrayBytes) * 2

	validityBytes := (n + 7) / 8
	total += align64(validityBytes)

	return total
}

// rowContribution returns the raw (unaligned) bytes row adds to each of
// the three running column totals sizeFromTotals folds together.
func rowContribution(r Row) (prefixBytes, keyBytes, valueBytes uint64) {
	return uint64(len(r.Key.Prefix)), uint64(len(keyPayload(r.Key.Key))), uint64(len(r.Value.Bytes))
}

func keyPayload(k Key) []byte {
	if k.Type == KeyComposite {
		var buf bytes.Buffer
		for _, sub := range k.Tuple {
			buf.Write(keyPayload(sub))
		}
		return buf.Bytes()
	}
	return k.Bytes
}

// checkSorted verifies the block-ordering invariant of §8: rows sorted
// by (prefix, key), no duplicate keys.
func checkSorted(rows []Row) error {
	for i := 1; i < len(rows); i++ {
		c := rows[i-1].Key.Compare(rows[i].Key)
		if c == 0 {
			return fmt.Errorf("blockstore: duplicate key at row %d", i)
		}
		if c > 0 {
			return fmt.Errorf("blockstore: rows not sorted at index %d", i)
		}
	}
	return nil
}

// NewBlock seals rows (already sorted — callers go through a BlockDelta
// to guarantee this) into an immutable Block.
func NewBlock(keyType KeyType, valueType ValueType, rows []Row, meta map[string]string) (*Block, error) {
	if err := checkSorted(rows); err != nil {
		return nil, err
	}
	return &Block{
		ID:        NewBlockID(),
		KeyType:   keyType,
		ValueType: valueType,
		Rows:      rows,
		SizeBytes: ComputeSize(rows),
		Meta:      meta,
	}, nil
}

// MinKey returns the block's minimum composite key, used as the sparse
// index's lookup key for this block. Panics on an empty block — callers
// never keep empty blocks alive in a sparse index.
func (b *Block) MinKey() CompositeKey {
	return b.Rows[0].Key
}

// Find performs a binary search for key within the block, returning the
// row and true if present.
func (b *Block) Find(key CompositeKey) (Row, bool) {
	i := sort.Search(len(b.Rows), func(i int) bool {
		return b.Rows[i].Key.Compare(key) >= 0
	})
	if i < len(b.Rows) && b.Rows[i].Key.Compare(key) == 0 {
		return b.Rows[i], true
	}
	return Row{}, false
}

// RangeScan returns every row whose key falls in [lo, hi) (hi exclusive;
// a nil hi means unbounded).
func (b *Block) RangeScan(lo CompositeKey, hi *CompositeKey) []Row {
	start := sort.Search(len(b.Rows), func(i int) bool {
		return b.Rows[i].Key.Compare(lo) >= 0
	})
	end := len(b.Rows)
	if hi != nil {
		end = sort.Search(len(b.Rows), func(i int) bool {
			return b.Rows[i].Key.Compare(*hi) >= 0
		})
	}
	if start > end {
		start = end
	}
	return b.Rows[start:end]
}

// wireBlock is the on-the-wire shape persisted under block/<id>.
type wireBlock struct {
	ID        BlockID           `json:"id"`
	KeyType   KeyType           `json:"key_type"`
	ValueType ValueType         `json:"value_type"`
	Meta      map[string]string `json:"meta"`
	Rows      []wireRow         `json:"rows"`
}

type wireRow struct {
	Prefix string    `json:"prefix"`
	Key    wireKey   `json:"key"`
	Value  wireValue `json:"value"`
}

type wireKey struct {
	Type  KeyType   `json:"type"`
	Bytes []byte    `json:"bytes,omitempty"`
	Tuple []wireKey `json:"tuple,omitempty"`
}

type wireValue struct {
	Type  ValueType `json:"type"`
	Bytes []byte    `json:"bytes"`
	Null  bool      `json:"null,omitempty"`
}

func toWireKey(k Key) wireKey {
	w := wireKey{Type: k.Type, Bytes: k.Bytes}
	for _, sub := range k.Tuple {
		w.Tuple = append(w.Tuple, toWireKey(sub))
	}
	return w
}

func fromWireKey(w wireKey) Key {
	k := Key{Type: w.Type, Bytes: w.Bytes}
	for _, sub := range w.Tuple {
		k.Tuple = append(k.Tuple, fromWireKey(sub))
	}
	return k
}

// Encode serializes the block for object-store storage, compressed with
// the given codec. The setsum-relevant content is the uncompressed JSON,
// so compression never affects content identity.
func (b *Block) Encode(kind codec.Kind) ([]byte, error) {
	w := wireBlock{ID: b.ID, KeyType: b.KeyType, ValueType: b.ValueType, Meta: b.Meta}
	for _, r := range b.Rows {
		w.Rows = append(w.Rows, wireRow{
			Prefix: r.Key.Prefix,
			Key:    toWireKey(r.Key.Key),
			Value:  wireValue{Type: r.Value.Type, Bytes: r.Value.Bytes, Null: r.Value.Null},
		})
	}
	raw, err := json.Marshal(w)
	if err != nil {
		return nil, fmt.Errorf("blockstore: encode block %s: %w", b.ID, err)
	}
	return codec.Compress(kind, raw)
}

// DecodeBlock reverses Encode.
func DecodeBlock(data []byte, kind codec.Kind) (*Block, error) {
	raw, err := codec.Decompress(kind, data)
	if err != nil {
		return nil, fmt.Errorf("blockstore: decode block: %w", err)
	}
	var w wireBlock
	if err := json.Unmarshal(raw, &w); err != nil {
		return nil, fmt.Errorf("blockstore: decode block: %w", err)
	}
	rows := make([]Row, len(w.Rows))
	for i, r := range w.Rows {
		rows[i] = Row{
			Key:   CompositeKey{Prefix: r.Prefix, Key: fromWireKey(r.Key)},
			Value: Value{Type: r.Value.Type, Bytes: r.Value.Bytes, Null: r.Value.Null},
		}
	}
	return &Block{
		ID:        w.ID,
		KeyType:   w.KeyType,
		ValueType: w.ValueType,
		Rows:      rows,
		SizeBytes: ComputeSize(rows),
		Meta:      w.Meta,
	}, nil
}

// ObjectPath is the object-store key a block is written under (§6).
func ObjectPath(id BlockID) string {
	return "block/" + id.String()
}
