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

// TestCopyPreservesSetIdentity reproduces scenario 2: 100 batches of 10
// records written to a log, scrubbed to setsum S, then copied into a
// new log whose own scrub also yields S.
func TestCopyPreservesSetIdentity(t *testing.T) {
	ctx := context.Background()
	srcStore, err := objectstore.NewFSStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	mgr, err := NewManifestManager(ctx, srcStore, "writer-1")
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 100; i++ {
		payloads := make([][]byte, 10)
		for j := range payloads {
			payloads[j] = []byte{byte(i), byte(j)}
		}
		start, seqNo, err := mgr.AssignTimestamp(ctx, 1)
		if err != nil {
			t.Fatal(err)
		}
		frag, err := WriteFragment(ctx, srcStore, codec.None, "b0", seqNo, start, payloads)
		if err != nil {
			t.Fatal(err)
		}
		if err := mgr.ApplyFragment(ctx, frag); err != nil {
			t.Fatal(err)
		}
	}

	src := mgr.Current()
	if err := src.Scrub(); err != nil {
		t.Fatalf("source failed scrub: %v", err)
	}
	wantSetsum := src.Setsum

	dstStore, err := objectstore.NewFSStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	dstMgr, err := Copy(ctx, mgr, dstStore, "copier")
	if err != nil {
		t.Fatal(err)
	}
	dst := dstMgr.Current()
	if err := dst.Scrub(); err != nil {
		t.Fatalf("destination failed scrub: %v", err)
	}
	if !dst.Setsum.Equal(wantSetsum) {
		t.Fatalf("setsum mismatch after copy: want %s got %s", wantSetsum, dst.Setsum)
	}
}

// TestCopyNeverObservesAdvancedTailWithoutFragments reproduces scenario
// 3: a concurrent writer appends one record while a copy runs. Copy
// takes its read under the same lock ApplyFragment commits under, so
// it can only ever observe the manifest strictly before or strictly
// after the append — never a state with an advanced next_write_timestamp
// but no matching fragment.
func TestCopyNeverObservesAdvancedTailWithoutFragments(t *testing.T) {
	ctx := context.Background()
	srcStore, err := objectstore.NewFSStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	mgr, err := NewManifestManager(ctx, srcStore, "writer-1")
	if err != nil {
		t.Fatal(err)
	}

	dstStore, err := objectstore.NewFSStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}

	done := make(chan error, 1)
	go func() {
		done <- appendOneRecordFragmentErr(ctx, srcStore, mgr, []byte{1, 2, 3, 4})
	}()

	dstMgr, err := Copy(ctx, mgr, dstStore, "copier")
	if err != nil {
		t.Fatal(err)
	}
	if err := <-done; err != nil {
		t.Fatal(err)
	}

	dst := dstMgr.Current()
	fragCount := 0
	for _, s := range dst.Snapshots {
		fragCount += countFragmentsInSnapshot(s)
	}
	fragCount += len(dst.Fragments)

	if fragCount == 0 && dst.NextWriteTimestamp != 1 {
		t.Fatalf("copy observed advanced tail %d with zero fragments", dst.NextWriteTimestamp)
	}
	if err := dst.Scrub(); err != nil {
		t.Fatalf("copied manifest failed scrub: %v", err)
	}
}

func countFragmentsInSnapshot(s Snapshot) int {
	if s.Depth == 1 {
		return len(s.Fragments)
	}
	n := 0
	for _, child := range s.Snapshots {
		n += countFragmentsInSnapshot(child)
	}
	return n
}

func appendOneRecordFragmentErr(ctx context.Context, store objectstore.Store, mgr *ManifestManager, payload []byte) error {
	start, seqNo, err := mgr.AssignTimestamp(ctx, 1)
	if err != nil {
		return err
	}
	frag, err := WriteFragment(ctx, store, codec.None, "b0", seqNo, start, [][]byte{payload})
	if err != nil {
		return err
	}
	return mgr.ApplyFragment(ctx, frag)
}
