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

package catalog

import (
	"context"
	"testing"
)

func TestFlushCompactionAdvancesVersionAndCursor(t *testing.T) {
	ctx := context.Background()
	cat := NewMemoryCatalog()
	cat.PutCollection(Collection{TenantID: "t1", CollectionID: "c1", CollectionVersion: 0, LogPosition: 0})

	newVersion, err := cat.FlushCompaction(ctx, "t1", "c1", 100, 0, []SegmentFlushInfo{
		{SegmentID: "seg-record", Files: map[string][]string{"block": {"block/a", "block/b"}}},
	})
	if err != nil {
		t.Fatal(err)
	}
	if newVersion != 1 {
		t.Fatalf("expected version 1, got %d", newVersion)
	}

	cols, err := cat.GetCollections(ctx, "t1")
	if err != nil {
		t.Fatal(err)
	}
	if len(cols) != 1 || cols[0].LogPosition != 100 || cols[0].CollectionVersion != 1 {
		t.Fatalf("unexpected collection state: %+v", cols)
	}

	segs, err := cat.GetSegments(ctx, "c1")
	if err != nil {
		t.Fatal(err)
	}
	if len(segs) != 1 || segs[0].SegmentID != "seg-record" {
		t.Fatalf("unexpected segments: %+v", segs)
	}
}

func TestFlushCompactionRejectsStaleVersion(t *testing.T) {
	ctx := context.Background()
	cat := NewMemoryCatalog()
	cat.PutCollection(Collection{CollectionID: "c1", CollectionVersion: 3})

	_, err := cat.FlushCompaction(ctx, "t1", "c1", 10, 0, nil)
	if err != ErrVersionMismatch {
		t.Fatalf("expected ErrVersionMismatch, got %v", err)
	}
}

func TestFlushCompactionUnknownCollection(t *testing.T) {
	ctx := context.Background()
	cat := NewMemoryCatalog()
	_, err := cat.FlushCompaction(ctx, "t1", "missing", 10, 0, nil)
	if err != ErrCollectionNotFound {
		t.Fatalf("expected ErrCollectionNotFound, got %v", err)
	}
}

func TestMarkVersionsForDeletion(t *testing.T) {
	ctx := context.Background()
	cat := NewMemoryCatalog()
	cat.PutCollection(Collection{CollectionID: "c1"})
	cat.FlushCompaction(ctx, "t1", "c1", 10, 0, nil)
	cat.FlushCompaction(ctx, "t1", "c1", 20, 1, nil)

	if err := cat.MarkVersionsForDeletion(ctx, "c1", []int64{1}); err != nil {
		t.Fatal(err)
	}
	entries, err := cat.GetVersionFile(ctx, "c1")
	if err != nil {
		t.Fatal(err)
	}
	found := false
	for _, e := range entries {
		if e.Version == 1 {
			found = true
			if !e.MarkedDeleted {
				t.Fatalf("expected version 1 to be marked deleted")
			}
		}
		if e.Version == 2 && e.MarkedDeleted {
			t.Fatalf("version 2 should not be marked deleted")
		}
	}
	if !found {
		t.Fatalf("expected version 1 present in version file")
	}
}

func TestGetCollectionsWithNewDataRespectsMinSize(t *testing.T) {
	ctx := context.Background()
	cat := NewMemoryCatalog()
	cat.PutCollection(Collection{CollectionID: "c1", LogPosition: 0})
	cat.MarkNewData("c1", 5, 1000)

	out, err := cat.GetCollectionsWithNewData(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(out) != 0 {
		t.Fatalf("expected no collections below min_compaction_size, got %+v", out)
	}

	out, err = cat.GetCollectionsWithNewData(ctx, 3)
	if err != nil {
		t.Fatal(err)
	}
	if len(out) != 1 || out[0].CollectionID != "c1" {
		t.Fatalf("expected c1 to be returned, got %+v", out)
	}
}
