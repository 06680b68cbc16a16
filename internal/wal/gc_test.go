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

package wal

import (
	"context"
	"testing"

	"github.com/vstorage/corestore/internal/objectstore"
)

// TestGCRespectsIntrinsicCursor reproduces scenario 6: write 50
// batches, set an external cursor far ahead, set the intrinsic cursor
// at position 50. GC must advance oldest only as far as 50.
func TestGCRespectsIntrinsicCursor(t *testing.T) {
	ctx := context.Background()
	store, err := objectstore.NewFSStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	mgr, err := NewManifestManager(ctx, store, "writer-1")
	if err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 50; i++ {
		appendOneRecordFragment(t, ctx, store, mgr, []byte{byte(i), byte(i + 1), byte(i + 2), byte(i + 3)})
	}

	cursors := NewCursorStore(store)
	if err := cursors.Save(ctx, "external", 0, 1000, "tester", false); err != nil {
		t.Fatal(err)
	}

	intrinsic := &IntrinsicCursor{}
	if err := intrinsic.Advance(50); err != nil {
		t.Fatal(err)
	}

	cutoff, err := EffectiveCutoff(ctx, cursors, intrinsic, []string{"external"}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if cutoff != 50 {
		t.Fatalf("expected cutoff clamped to intrinsic cursor 50, got %d", cutoff)
	}

	g, err := ComputeGarbage(ctx, store, mgr.Current(), cutoff)
	if err != nil {
		t.Fatal(err)
	}
	if err := mgr.ApplyGarbage(ctx, g); err != nil {
		t.Fatal(err)
	}
	if got := mgr.Current().OldestTimestamp(); got != 50 {
		t.Fatalf("expected oldest=50, got %d", got)
	}
}

func TestGCRefusesWhenCutoffAheadOfLog(t *testing.T) {
	ctx := context.Background()
	store, _ := objectstore.NewFSStore(t.TempDir())
	mgr, err := NewManifestManager(ctx, store, "writer-1")
	if err != nil {
		t.Fatal(err)
	}
	appendOneRecordFragment(t, ctx, store, mgr, []byte{1, 2, 3, 4})

	_, err = ComputeGarbage(ctx, store, mgr.Current(), 1000)
	if err != ErrGCCutoffAheadOfLog {
		t.Fatalf("expected ErrGCCutoffAheadOfLog, got %v", err)
	}
}

func TestGCSetsumConservation(t *testing.T) {
	ctx := context.Background()
	store, _ := objectstore.NewFSStore(t.TempDir())
	mgr, err := NewManifestManager(ctx, store, "writer-1")
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 10; i++ {
		appendOneRecordFragment(t, ctx, store, mgr, []byte{byte(i)})
	}
	if err := mgr.GenerateSnapshot(ctx, RolloverPolicy{FragmentRolloverThreshold: 2, SnapshotRolloverThreshold: 2}); err != nil {
		t.Fatal(err)
	}

	before := mgr.Current()
	beforeSetsum := before.Setsum
	beforeCollected := before.Collected

	g, err := ComputeGarbage(ctx, store, before, 5)
	if err != nil {
		t.Fatal(err)
	}
	if err := mgr.ApplyGarbage(ctx, g); err != nil {
		t.Fatal(err)
	}
	after := mgr.Current()

	if !beforeSetsum.Equal(after.Setsum.Add(g.Dropped)) {
		t.Fatalf("setsum conservation violated: before=%s after+dropped=%s", beforeSetsum, after.Setsum.Add(g.Dropped))
	}
	if !beforeCollected.Add(g.Dropped).Equal(after.Collected) {
		t.Fatalf("collected conservation violated: before+dropped=%s after=%s", beforeCollected.Add(g.Dropped), after.Collected)
	}
}
