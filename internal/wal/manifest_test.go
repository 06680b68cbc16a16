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

	"github.com/vstorage/corestore/internal/codec"
	"github.com/vstorage/corestore/internal/objectstore"
)

// appendOneRecordFragment is a test helper that assigns a timestamp for
// a single record, writes its fragment, and applies it to the
// manifest — the minimal version of what ShardManager does per batch.
func appendOneRecordFragment(t *testing.T, ctx context.Context, store objectstore.Store, mgr *ManifestManager, payload []byte) Fragment {
	t.Helper()
	start, seqNo, err := mgr.AssignTimestamp(ctx, 1)
	if err != nil {
		t.Fatal(err)
	}
	frag, err := WriteFragment(ctx, store, codec.None, "b0", seqNo, start, [][]byte{payload})
	if err != nil {
		t.Fatal(err)
	}
	if err := mgr.ApplyFragment(ctx, frag); err != nil {
		t.Fatal(err)
	}
	return frag
}

// TestEmptyGCOnFreshLog reproduces the spec's concrete scenario 1:
// four 4-byte records appended one fragment at a time, fragment
// rollover 2, snapshot rollover 2, GC at cutoff=2.
func TestEmptyGCOnFreshLog(t *testing.T) {
	ctx := context.Background()
	store, err := objectstore.NewFSStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	mgr, err := NewManifestManager(ctx, store, "writer-1")
	if err != nil {
		t.Fatal(err)
	}

	frag1 := appendOneRecordFragment(t, ctx, store, mgr, []byte{10, 11, 12, 13})
	appendOneRecordFragment(t, ctx, store, mgr, []byte{20, 21, 22, 23})
	appendOneRecordFragment(t, ctx, store, mgr, []byte{30, 31, 32, 33})
	appendOneRecordFragment(t, ctx, store, mgr, []byte{40, 41, 42, 43})

	if err := mgr.GenerateSnapshot(ctx, RolloverPolicy{FragmentRolloverThreshold: 2, SnapshotRolloverThreshold: 2}); err != nil {
		t.Fatal(err)
	}

	m := mgr.Current()
	if len(m.Snapshots) != 1 || len(m.Fragments) != 2 {
		t.Fatalf("expected 1 snapshot + 2 tail fragments, got %d snapshots, %d fragments", len(m.Snapshots), len(m.Fragments))
	}
	if m.Snapshots[0].Start != 1 || m.Snapshots[0].Limit != 3 {
		t.Fatalf("unexpected snapshot range: %+v", m.Snapshots[0])
	}

	originalSetsum := m.Setsum

	g, err := ComputeGarbage(ctx, store, m, 2)
	if err != nil {
		t.Fatal(err)
	}
	if err := mgr.ApplyGarbage(ctx, g); err != nil {
		t.Fatal(err)
	}

	next := mgr.Current()
	if next.OldestTimestamp() != 2 {
		t.Fatalf("expected oldest=2, got %d", next.OldestTimestamp())
	}
	wantSetsum := originalSetsum.Sub(frag1.Setsum)
	if !next.Setsum.Equal(wantSetsum) {
		t.Fatalf("setsum mismatch: want %s got %s", wantSetsum, next.Setsum)
	}
	if len(next.Fragments) != 2 || next.Fragments[0].Start != 3 || next.Fragments[1].Start != 4 {
		t.Fatalf("expected tail fragments {3,4} unchanged, got %+v", next.Fragments)
	}
	if err := next.Scrub(); err != nil {
		t.Fatalf("post-GC manifest failed scrub: %v", err)
	}
}

// TestManifestPointerContentionRetried shows that a manager holding a
// stale pointer etag loses the race at commit time. AssignTimestamp
// never touches the object store (it's pure reservation bookkeeping),
// so contention can only ever surface from ApplyFragment, GenerateSnapshot
// or ApplyGarbage — the three methods that call commit.
func TestManifestPointerContentionRetried(t *testing.T) {
	ctx := context.Background()
	store, _ := objectstore.NewFSStore(t.TempDir())
	mgr, err := NewManifestManager(ctx, store, "writer-1")
	if err != nil {
		t.Fatal(err)
	}

	mgrStale, err := OpenManifestManager(ctx, store, "writer-2")
	if err != nil {
		t.Fatal(err)
	}

	appendOneRecordFragment(t, ctx, store, mgr, []byte{1, 2, 3, 4})

	// mgrStale's reservation counters and current manifest both still
	// reflect the pre-append state, so locally the fragment looks like
	// it abuts the tail; only the conditional-put against the now-moved
	// pointer etag can catch the staleness.
	start, seqNo, err := mgrStale.AssignTimestamp(ctx, 1)
	if err != nil {
		t.Fatal(err)
	}
	frag, err := WriteFragment(ctx, store, codec.None, "b0", seqNo, start, [][]byte{{9, 9, 9, 9}})
	if err != nil {
		t.Fatal(err)
	}
	if err := mgrStale.ApplyFragment(ctx, frag); err != ErrManifestContention {
		t.Fatalf("expected ErrManifestContention, got %v", err)
	}

	// Reloading picks up the winning writer's manifest, after which the
	// stale fragment no longer abuts the tail.
	if err := mgrStale.Reload(ctx); err != nil {
		t.Fatal(err)
	}
	if err := mgrStale.ApplyFragment(ctx, frag); err != ErrCannotApplyFragment {
		t.Fatalf("expected ErrCannotApplyFragment after reload, got %v", err)
	}
}

// TestGenerateSnapshotExternalizesBody confirms snapshots are written
// out as their own "snapshot/<uuid>" objects rather than growing the
// manifest inline, and that GC's third phase can actually delete them
// once they fall out of range.
func TestGenerateSnapshotExternalizesBody(t *testing.T) {
	ctx := context.Background()
	store, err := objectstore.NewFSStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	mgr, err := NewManifestManager(ctx, store, "writer-1")
	if err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 4; i++ {
		appendOneRecordFragment(t, ctx, store, mgr, []byte{byte(i), byte(i + 1), byte(i + 2), byte(i + 3)})
	}
	if err := mgr.GenerateSnapshot(ctx, RolloverPolicy{FragmentRolloverThreshold: 2, SnapshotRolloverThreshold: 2}); err != nil {
		t.Fatal(err)
	}

	m := mgr.Current()
	if len(m.Snapshots) != 1 {
		t.Fatalf("expected 1 rolled-up snapshot, got %d", len(m.Snapshots))
	}
	snap := m.Snapshots[0]
	if snap.Path == "" {
		t.Fatalf("expected snapshot to be externalized with a Path, got %+v", snap)
	}
	if len(snap.Fragments) != 0 {
		t.Fatalf("expected snapshot's inline fragments cleared once externalized, got %+v", snap.Fragments)
	}
	if _, err := store.Head(ctx, snap.Path); err != nil {
		t.Fatalf("expected snapshot object %s to exist in storage: %v", snap.Path, err)
	}

	reader := NewReader(store, codec.None)
	if err := reader.Scrub(ctx, m); err != nil {
		t.Fatalf("scrub over externalized snapshot failed: %v", err)
	}
	recs, err := reader.Scan(ctx, m, 1, 3)
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 2 {
		t.Fatalf("expected 2 records read back through the externalized snapshot, got %d", len(recs))
	}

	g, err := ComputeGarbage(ctx, store, m, 3)
	if err != nil {
		t.Fatal(err)
	}
	if len(g.SnapshotsToDrop) != 1 || g.SnapshotsToDrop[0].Path != snap.Path {
		t.Fatalf("expected snapshot %s marked for drop, got %+v", snap.Path, g.SnapshotsToDrop)
	}
	if err := mgr.ApplyGarbage(ctx, g); err != nil {
		t.Fatal(err)
	}
	if errs := DeleteGarbage(ctx, store, g); len(errs) != 0 {
		t.Fatalf("unexpected errors deleting garbage: %v", errs)
	}
	if _, err := store.Head(ctx, snap.Path); err == nil {
		t.Fatalf("expected snapshot object %s to be deleted after GC", snap.Path)
	}
}

func TestManifestScrubDetectsGapInTiling(t *testing.T) {
	m := &Manifest{
		NextWriteTimestamp: 5,
		NextFragmentSeqNo:  2,
		Fragments: []Fragment{
			{SeqNo: 0, Start: 1, Limit: 2},
			{SeqNo: 1, Start: 3, Limit: 5}, // gap: skips position 2
		},
	}
	if err := m.Scrub(); err == nil {
		t.Fatalf("expected scrub to detect tiling gap")
	}
}
