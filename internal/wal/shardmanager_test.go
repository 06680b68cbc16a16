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
	"sync"
	"testing"
	"time"

	"github.com/vstorage/corestore/internal/objectstore"
)

func TestShardManagerAppendAssignsMonotonicPositions(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	store, err := objectstore.NewFSStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	mgr, err := NewManifestManager(ctx, store, "writer-1")
	if err != nil {
		t.Fatal(err)
	}
	cfg := DefaultShardManagerConfig("b0")
	cfg.BatchInterval = time.Millisecond
	sm := NewShardManager(store, mgr, cfg)
	defer sm.Close()

	const n = 20
	positions := make([]Position, n)
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func(i int) {
			defer wg.Done()
			pos, err := sm.Append(ctx, i, []byte{byte(i)})
			if err != nil {
				t.Errorf("append %d failed: %v", i, err)
				return
			}
			positions[i] = pos
		}(i)
	}
	wg.Wait()

	seen := make(map[Position]bool)
	for _, p := range positions {
		if p == 0 {
			t.Fatalf("expected every append to get a nonzero position, got %v", positions)
		}
		if seen[p] {
			t.Fatalf("duplicate position assigned: %d", p)
		}
		seen[p] = true
	}

	m := mgr.Current()
	if err := m.Scrub(); err != nil {
		t.Fatalf("manifest failed scrub after concurrent appends: %v", err)
	}
	if m.NewestTimestamp() != Position(n+1) {
		t.Fatalf("expected next_write_timestamp=%d, got %d", n+1, m.NewestTimestamp())
	}
}
