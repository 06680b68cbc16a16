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
	"fmt"

	"github.com/google/btree"
)

// SparseIndex maps the minimum key of every block to that block's id
// (§4.2.3): a B-tree keyed by CompositeKey, one entry per block. It is
// itself immutable once built — forking produces a shallow copy that
// shares the underlying btree node pages, matching the copy-on-write
// sharing memcp's StorageIndex gets for free from its persistent
// btree.BTreeG. Cache's L1 block map is the one read-mostly structure
// here backed by NonLockingReadMap; SparseIndex's own btree.Clone
// already gives readers a consistent snapshot without it.
type SparseIndex struct {
	tree *btree.BTreeG[indexEntry]
}

type indexEntry struct {
	minKey CompositeKey
	block  BlockID
}

func indexLess(a, b indexEntry) bool {
	return a.minKey.Compare(b.minKey) < 0
}

// NewSparseIndex builds an index over the given (minKey, blockID) pairs.
// The caller is responsible for having already inserted an entry with
// MinSentinel pointing at the first block, per §4.2.3's requirement that
// every key lookup resolve to exactly one block.
func NewSparseIndex(entries map[CompositeKey]BlockID) *SparseIndex {
	tree := btree.NewG[indexEntry](32, indexLess)
	for k, v := range entries {
		tree.ReplaceOrInsert(indexEntry{minKey: k, block: v})
	}
	return &SparseIndex{tree: tree}
}

func emptySparseIndex() *SparseIndex {
	return &SparseIndex{tree: btree.NewG[indexEntry](32, indexLess)}
}

// Fork returns a new SparseIndex sharing this one's structure; the
// returned index can be mutated independently (the underlying btree
// clones on first write via copy-on-write node sharing).
func (s *SparseIndex) Fork() *SparseIndex {
	return &SparseIndex{tree: s.tree.Clone()}
}

// Lookup returns the id of the block that owns key: the block whose
// minKey is the greatest minKey <= key.
func (s *SparseIndex) Lookup(key CompositeKey) (BlockID, bool) {
	var found indexEntry
	ok := false
	s.tree.DescendLessOrEqual(indexEntry{minKey: key}, func(item indexEntry) bool {
		found = item
		ok = true
		return false
	})
	if !ok {
		return BlockID{}, false
	}
	return found.block, true
}

// LookupRange returns every block id whose range intersects [lo, hi)
// (hi exclusive; nil hi means unbounded), in ascending order.
func (s *SparseIndex) LookupRange(lo CompositeKey, hi *CompositeKey) []BlockID {
	var ids []BlockID

	// Start one block before lo, since lo may fall inside the range
	// owned by the block whose minKey precedes it.
	var startEntry indexEntry
	haveStart := false
	s.tree.DescendLessOrEqual(indexEntry{minKey: lo}, func(item indexEntry) bool {
		startEntry = item
		haveStart = true
		return false
	})

	visit := func(item indexEntry) bool {
		if hi != nil && item.minKey.Compare(*hi) >= 0 {
			return false
		}
		ids = append(ids, item.block)
		return true
	}

	if haveStart {
		s.tree.AscendGreaterOrEqual(startEntry, visit)
	} else {
		s.tree.Ascend(visit)
	}
	return ids
}

// Insert records block as owning the range starting at minKey,
// replacing whatever block previously owned that exact minKey.
func (s *SparseIndex) Insert(minKey CompositeKey, block BlockID) {
	s.tree.ReplaceOrInsert(indexEntry{minKey: minKey, block: block})
}

// Remove drops the entry for minKey.
func (s *SparseIndex) Remove(minKey CompositeKey) {
	s.tree.Delete(indexEntry{minKey: minKey})
}

// Split replaces the entry for oldBlock's minKey with two entries: the
// left half keeps oldMinKey, the right half is registered under
// splitKey pointing at newBlock. Returns an error if oldMinKey is not
// present, which would indicate an index/blockfile inconsistency.
func (s *SparseIndex) Split(oldMinKey, splitKey CompositeKey, newBlock BlockID) error {
	if _, ok := s.tree.Get(indexEntry{minKey: oldMinKey}); !ok {
		return fmt.Errorf("blockstore: sparse index has no entry for %v", oldMinKey)
	}
	s.tree.ReplaceOrInsert(indexEntry{minKey: splitKey, block: newBlock})
	return nil
}

// Len returns the number of blocks tracked.
func (s *SparseIndex) Len() int {
	return s.tree.Len()
}

// Blocks returns every tracked block id in key order.
func (s *SparseIndex) Blocks() []BlockID {
	ids := make([]BlockID, 0, s.tree.Len())
	s.tree.Ascend(func(item indexEntry) bool {
		ids = append(ids, item.block)
		return true
	})
	return ids
}

// MinKeys returns the (minKey, blockID) pairs in ascending key order.
func (s *SparseIndex) MinKeys() []struct {
	MinKey CompositeKey
	Block  BlockID
} {
	out := make([]struct {
		MinKey CompositeKey
		Block  BlockID
	}, 0, s.tree.Len())
	s.tree.Ascend(func(item indexEntry) bool {
		out = append(out, struct {
			MinKey CompositeKey
			Block  BlockID
		}{item.minKey, item.block})
		return true
	})
	return out
}
