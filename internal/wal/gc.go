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
	"errors"
	"fmt"

	"github.com/vstorage/corestore/internal/objectstore"
	"github.com/vstorage/corestore/internal/setsum"
)

// ErrGCCutoffAheadOfLog is returned when first_to_keep does not overlap
// the manifest's range: the cursor is ahead of the log's tail, which
// indicates either a bug or a pending rewrite. Callers should sleep and
// retry.
var ErrGCCutoffAheadOfLog = errors.New("wal: gc cutoff is ahead of the log's tail")

// Garbage is the result of phase 1 (ComputeGarbage): everything GC
// intends to drop, plus the setsum being removed so phase 2 can verify
// conservation.
type Garbage struct {
	FragmentsToDrop []Fragment
	SnapshotsToDrop []Snapshot
	// RewrittenSnapshot replaces a partially-covered snapshot subtree so
	// the remaining suffix stays tiled, or is the zero value if no
	// snapshot needed rewriting.
	RewrittenSnapshot *Snapshot
	Dropped           setsum.T
	FirstToKeep       Position
}

// ComputeGarbage is phase 1 of the three-phase GC protocol (§4.1.6):
// choose cutoff = min(all cursors, intrinsic cursor, optional caller
// hint), then walk the snapshot tree classifying what can be dropped.
func ComputeGarbage(ctx context.Context, store objectstore.Store, m *Manifest, cutoff Position) (Garbage, error) {
	if cutoff <= m.OldestTimestamp() {
		// Nothing to collect; not an error, just a no-op GC round.
		return Garbage{FirstToKeep: m.OldestTimestamp(), Dropped: setsum.T{}}, nil
	}
	if cutoff > m.NewestTimestamp() {
		return Garbage{}, ErrGCCutoffAheadOfLog
	}

	g := Garbage{FirstToKeep: cutoff}

	for _, s := range m.Snapshots {
		if s.Limit <= cutoff {
			g.SnapshotsToDrop = append(g.SnapshotsToDrop, s)
			g.Dropped = g.Dropped.Add(s.Setsum)
			continue
		}
		if s.Start < cutoff && cutoff < s.Limit {
			rewritten, dropped, err := rewriteSnapshot(ctx, store, s, cutoff)
			if err != nil {
				return Garbage{}, err
			}
			g.RewrittenSnapshot = &rewritten
			g.Dropped = g.Dropped.Add(dropped)
		}
		break
	}

	for _, f := range m.Fragments {
		if f.Limit <= cutoff {
			g.FragmentsToDrop = append(g.FragmentsToDrop, f)
			g.Dropped = g.Dropped.Add(f.Setsum)
		}
	}

	return g, nil
}

// rewriteSnapshot drops every child of s strictly below cutoff,
// returning a new snapshot covering [cutoff, s.Limit) plus the setsum
// of what was dropped. s must straddle cutoff (s.Start < cutoff <
// s.Limit). s's body is resolved through its Path when it has already
// been externalized by GenerateSnapshot, and the rewritten result is
// persisted to a fresh snapshot object of its own (its contents differ
// from s, so it cannot keep reusing s.Path).
func rewriteSnapshot(ctx context.Context, store objectstore.Store, s Snapshot, cutoff Position) (Snapshot, setsum.T, error) {
	fragments, snapshots, err := loadSnapshotBody(ctx, store, s)
	if err != nil {
		return Snapshot{}, setsum.T{}, err
	}

	dropped := setsum.T{}
	out := Snapshot{Depth: s.Depth, Writer: s.Writer}

	if s.Depth == 1 {
		for _, f := range fragments {
			if f.Limit <= cutoff {
				dropped = dropped.Add(f.Setsum)
				continue
			}
			out.Fragments = append(out.Fragments, f)
			out.NumBytes += f.NumBytes
			out.Setsum = out.Setsum.Add(f.Setsum)
		}
	} else {
		for i, child := range snapshots {
			if child.Limit <= cutoff {
				dropped = dropped.Add(child.Setsum)
				continue
			}
			if child.Start < cutoff && cutoff < child.Limit {
				rewritten, d, err := rewriteSnapshot(ctx, store, child, cutoff)
				if err != nil {
					return Snapshot{}, setsum.T{}, err
				}
				dropped = dropped.Add(d)
				out.Snapshots = append(out.Snapshots, rewritten)
				out.NumBytes += rewritten.NumBytes
				out.Setsum = out.Setsum.Add(rewritten.Setsum)
				out.Snapshots = append(out.Snapshots, snapshots[i+1:]...)
				for _, rest := range snapshots[i+1:] {
					out.NumBytes += rest.NumBytes
					out.Setsum = out.Setsum.Add(rest.Setsum)
				}
				break
			}
			out.Snapshots = append(out.Snapshots, child)
			out.NumBytes += child.NumBytes
			out.Setsum = out.Setsum.Add(child.Setsum)
		}
	}

	if len(out.Fragments) > 0 {
		out.Start = out.Fragments[0].Start
		out.Limit = out.Fragments[len(out.Fragments)-1].Limit
	} else if len(out.Snapshots) > 0 {
		out.Start = out.Snapshots[0].Start
		out.Limit = out.Snapshots[len(out.Snapshots)-1].Limit
	} else {
		out.Start, out.Limit = cutoff, cutoff
	}
	if err := writeSnapshotObject(ctx, store, &out); err != nil {
		return Snapshot{}, setsum.T{}, err
	}
	return out, dropped, nil
}

// ApplyGarbage is phase 2: conditionally advance the manifest pointer
// to a new version with g's substitutions applied. Returns
// ErrManifestContention if the manifest changed underneath us, in which
// case the caller must restart from phase 1.
func (mgr *ManifestManager) ApplyGarbage(ctx context.Context, g Garbage) error {
	mgr.mu.Lock()
	defer mgr.mu.Unlock()

	next := cloneManifest(mgr.current)

	if len(g.SnapshotsToDrop) > 0 {
		next.Snapshots = next.Snapshots[len(g.SnapshotsToDrop):]
	}
	if g.RewrittenSnapshot != nil {
		if len(next.Snapshots) == 0 {
			return fmt.Errorf("wal: apply garbage: rewritten snapshot has no matching slot")
		}
		next.Snapshots[0] = *g.RewrittenSnapshot
	}
	if len(g.FragmentsToDrop) > 0 {
		next.Fragments = next.Fragments[len(g.FragmentsToDrop):]
	}
	next.Collected = next.Collected.Add(g.Dropped)
	next.Setsum = next.Setsum.Sub(g.Dropped)

	return mgr.commit(ctx, next)
}

// DeleteGarbage is phase 3: delete the now-unreferenced fragment and
// snapshot objects. Failures here are logged and retried out-of-band by
// the caller; the manifest has already made the objects unreferenceable
// so a failure here never threatens correctness, only disk usage.
func DeleteGarbage(ctx context.Context, store objectstore.Store, g Garbage) []error {
	var errs []error
	for _, f := range g.FragmentsToDrop {
		if err := store.Delete(ctx, f.Path); err != nil {
			errs = append(errs, fmt.Errorf("wal: delete fragment %s: %w", f.Path, err))
		}
	}
	for _, s := range g.SnapshotsToDrop {
		if s.Path == "" {
			continue
		}
		if err := store.Delete(ctx, s.Path); err != nil {
			errs = append(errs, fmt.Errorf("wal: delete snapshot %s: %w", s.Path, err))
		}
	}
	return errs
}
