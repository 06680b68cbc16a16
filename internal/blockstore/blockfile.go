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
	"context"
	"fmt"

	"github.com/vstorage/corestore/internal/codec"
	"github.com/vstorage/corestore/internal/objectstore"
)

// targetBlockSize is the soft ceiling a blockfile writer splits a block
// at, matching the "prefer to keep the current block non-empty, split at
// roughly half" policy of §4.2.2.
const targetBlockSize = 8 << 20 // 8 MiB

// Snapshot is an immutable, fully-resolved view of a blockfile: a sparse
// index plus the set of blocks it currently references. Two Snapshots
// from the same blockfile may share any number of unchanged blocks.
type Snapshot struct {
	Index  *SparseIndex
	Blocks map[BlockID]*Block
}

// Get resolves key against the snapshot, loading through the cache if
// the block isn't already materialized.
func (s *Snapshot) Get(ctx context.Context, cache *Cache, key CompositeKey) (Row, bool, error) {
	id, ok := s.Index.Lookup(key)
	if !ok {
		return Row{}, false, nil
	}
	blk, err := s.block(ctx, cache, id)
	if err != nil {
		return Row{}, false, err
	}
	row, ok := blk.Find(key)
	return row, ok, nil
}

// Scan resolves every row in [lo, hi) across however many blocks the
// range spans.
func (s *Snapshot) Scan(ctx context.Context, cache *Cache, lo CompositeKey, hi *CompositeKey) ([]Row, error) {
	var out []Row
	for _, id := range s.Index.LookupRange(lo, hi) {
		blk, err := s.block(ctx, cache, id)
		if err != nil {
			return nil, err
		}
		out = append(out, blk.RangeScan(lo, hi)...)
	}
	return out, nil
}

func (s *Snapshot) block(ctx context.Context, cache *Cache, id BlockID) (*Block, error) {
	if blk, ok := s.Blocks[id]; ok {
		return blk, nil
	}
	return cache.Get(ctx, id)
}

// Writer builds a new Snapshot from a base one plus a batch of
// mutations, the C11 transactional blockfile lifecycle of §4.2.4: open
// against a base snapshot, apply writes through per-block deltas,
// commit to a brand new set of immutable blocks and a forked sparse
// index, leaving the base snapshot (and every reader still using it)
// untouched.
type Writer struct {
	base      *Snapshot
	cache     *Cache
	keyType   KeyType
	valueType ValueType
	ordered   bool
	kind      codec.Kind

	index       *SparseIndex
	deltas      map[BlockID]Delta
	minKeyOf    map[BlockID]CompositeKey
	newBlockIDs []BlockID // blocks touched this transaction, in commit order
}

// NewWriter opens a write transaction against base.
func NewWriter(base *Snapshot, cache *Cache, keyType KeyType, valueType ValueType, ordered bool, kind codec.Kind) *Writer {
	w := &Writer{
		base:      base,
		cache:     cache,
		keyType:   keyType,
		valueType: valueType,
		ordered:   ordered,
		kind:      kind,
		index:     base.Index.Fork(),
		deltas:    make(map[BlockID]Delta),
		minKeyOf:  make(map[BlockID]CompositeKey),
	}
	return w
}

func (w *Writer) deltaFor(ctx context.Context, key CompositeKey) (BlockID, Delta, error) {
	id, ok := w.index.Lookup(key)
	if !ok {
		// Nothing in the index yet: this is the very first write to an
		// empty blockfile. Synthesize a fresh block under the sentinel.
		id = NewBlockID()
		w.index.Insert(MinSentinel, id)
		w.minKeyOf[id] = MinSentinel
		d := w.newDelta(nil)
		w.deltas[id] = d
		w.newBlockIDs = append(w.newBlockIDs, id)
		return id, d, nil
	}
	if d, ok := w.deltas[id]; ok {
		return id, d, nil
	}
	blk, err := w.cache.Get(ctx, id)
	if err != nil {
		return BlockID{}, nil, err
	}
	d := w.newDelta(blk)
	w.deltas[id] = d
	w.minKeyOf[id] = blk.MinKey()
	w.newBlockIDs = append(w.newBlockIDs, id)
	return id, d, nil
}

func (w *Writer) newDelta(parent *Block) Delta {
	if w.ordered {
		return NewOrderedDelta(parent)
	}
	return NewUnorderedDelta(parent)
}

// Put stages an insert/overwrite of key -> value.
func (w *Writer) Put(ctx context.Context, key CompositeKey, value Value) error {
	_, d, err := w.deltaFor(ctx, key)
	if err != nil {
		return err
	}
	d.Add(key, value)
	return nil
}

// Delete stages a removal of key.
func (w *Writer) Delete(ctx context.Context, key CompositeKey) error {
	_, d, err := w.deltaFor(ctx, key)
	if err != nil {
		return err
	}
	d.Delete(key)
	return nil
}

// Commit finalizes every touched delta into new immutable blocks,
// splitting any that grew past targetBlockSize, writes them to the
// object store, and returns the resulting Snapshot. The base Snapshot
// remains valid and unaffected.
func (w *Writer) Commit(ctx context.Context, store objectstore.Store) (*Snapshot, error) {
	newBlocks := make(map[BlockID]*Block, len(w.base.Blocks))
	for id, b := range w.base.Blocks {
		newBlocks[id] = b
	}

	for _, oldID := range w.newBlockIDs {
		delta := w.deltas[oldID]
		oldMinKey := w.minKeyOf[oldID]
		// oldID is superseded by whatever this delta commits to.
		delete(newBlocks, oldID)

		if delta.Size() <= targetBlockSize {
			blk, err := delta.Finish(w.keyType, w.valueType, nil)
			if err != nil {
				return nil, fmt.Errorf("blockstore: commit block: %w", err)
			}
			if len(blk.Rows) == 0 {
				w.index.Remove(oldMinKey)
				delete(newBlocks, oldID)
				continue
			}
			if err := w.persist(ctx, store, blk); err != nil {
				return nil, err
			}
			w.index.Remove(oldMinKey)
			w.index.Insert(blk.MinKey(), blk.ID)
			newBlocks[blk.ID] = blk
			continue
		}

		// Oversize: split repeatedly until every part fits, per §4.2.2.
		remaining := delta
		minKey := oldMinKey
		for {
			splitKey, rhs := remaining.Split(targetBlockSize / 2)
			blk, err := remaining.Finish(w.keyType, w.valueType, nil)
			if err != nil {
				return nil, fmt.Errorf("blockstore: commit split block: %w", err)
			}
			if len(blk.Rows) > 0 {
				if err := w.persist(ctx, store, blk); err != nil {
					return nil, err
				}
				w.index.Remove(minKey)
				w.index.Insert(blk.MinKey(), blk.ID)
				newBlocks[blk.ID] = blk
			} else {
				w.index.Remove(minKey)
			}
			if rhs.Size() <= targetBlockSize {
				rblk, err := rhs.Finish(w.keyType, w.valueType, nil)
				if err != nil {
					return nil, fmt.Errorf("blockstore: commit split block: %w", err)
				}
				if len(rblk.Rows) > 0 {
					if err := w.persist(ctx, store, rblk); err != nil {
						return nil, err
					}
					w.index.Insert(rblk.MinKey(), rblk.ID)
					newBlocks[rblk.ID] = rblk
				}
				break
			}
			remaining = rhs
			minKey = splitKey
		}
	}

	return &Snapshot{Index: w.index, Blocks: newBlocks}, nil
}

func (w *Writer) persist(ctx context.Context, store objectstore.Store, blk *Block) error {
	data, err := blk.Encode(w.kind)
	if err != nil {
		return err
	}
	if _, err := objectstore.Put(ctx, store, ObjectPath(blk.ID), data); err != nil {
		return fmt.Errorf("blockstore: persist block %s: %w", blk.ID, err)
	}
	return nil
}

// EmptySnapshot returns the snapshot of a brand new, empty blockfile.
func EmptySnapshot() *Snapshot {
	return &Snapshot{Index: emptySparseIndex(), Blocks: make(map[BlockID]*Block)}
}
