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

import "testing"

func TestSparseIndexLookup(t *testing.T) {
	b1, b2, b3 := NewBlockID(), NewBlockID(), NewBlockID()
	idx := NewSparseIndex(map[CompositeKey]BlockID{
		MinSentinel: b1,
		key("m"):    b2,
		key("t"):    b3,
	})

	cases := []struct {
		k    string
		want BlockID
	}{
		{"a", b1},
		{"m", b2},
		{"n", b2},
		{"t", b3},
		{"z", b3},
	}
	for _, c := range cases {
		got, ok := idx.Lookup(key(c.k))
		if !ok || got != c.want {
			t.Fatalf("lookup %q: want %v got %v (ok=%v)", c.k, c.want, got, ok)
		}
	}
}

func TestSparseIndexForkIsIndependent(t *testing.T) {
	b1 := NewBlockID()
	idx := NewSparseIndex(map[CompositeKey]BlockID{MinSentinel: b1})

	fork := idx.Fork()
	b2 := NewBlockID()
	fork.Insert(key("m"), b2)

	if _, ok := idx.Lookup(key("m")); ok {
		t.Fatalf("mutating fork should not affect original")
	}
	got, ok := fork.Lookup(key("m"))
	if !ok || got != b2 {
		t.Fatalf("fork lookup failed: %v %v", got, ok)
	}
}

func TestSparseIndexLookupRange(t *testing.T) {
	b1, b2, b3 := NewBlockID(), NewBlockID(), NewBlockID()
	idx := NewSparseIndex(map[CompositeKey]BlockID{
		MinSentinel: b1,
		key("m"):    b2,
		key("t"):    b3,
	})

	hi := key("t")
	ids := idx.LookupRange(key("a"), &hi)
	if len(ids) != 2 {
		t.Fatalf("expected 2 blocks in range, got %d: %v", len(ids), ids)
	}
	if ids[0] != b1 || ids[1] != b2 {
		t.Fatalf("unexpected range result: %v", ids)
	}
}

func TestSparseIndexSplit(t *testing.T) {
	b1 := NewBlockID()
	idx := NewSparseIndex(map[CompositeKey]BlockID{MinSentinel: b1})

	b2 := NewBlockID()
	if err := idx.Split(MinSentinel, key("m"), b2); err != nil {
		t.Fatal(err)
	}
	if idx.Len() != 2 {
		t.Fatalf("expected 2 entries after split, got %d", idx.Len())
	}
	got, ok := idx.Lookup(key("z"))
	if !ok || got != b2 {
		t.Fatalf("expected split key to route to new block, got %v %v", got, ok)
	}
}
