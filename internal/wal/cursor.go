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
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/vstorage/corestore/internal/objectstore"
)

// ErrCursorRollback is returned when Save is called with a position
// lower than the witnessed load, without AllowRollback set.
var ErrCursorRollback = errors.New("wal: cursor move would roll back without allow_rollback")

// Cursor is a named position plus epoch-microsecond timestamp and
// writer identity (§3).
type Cursor struct {
	Name      string
	Position  Position
	EpochUsec int64
	Writer    string
}

func cursorDir(name string) string  { return "cursor/" + name + "/" }
func cursorPath(name string, pos Position) string {
	return fmt.Sprintf("%s%020d", cursorDir(name), pos)
}

// CursorStore manages object-store-backed cursors: one directory per
// name, one object per saved position, pruned opportunistically
// (§4.1.5).
type CursorStore struct {
	store objectstore.Store
}

// NewCursorStore wraps store.
func NewCursorStore(store objectstore.Store) *CursorStore {
	return &CursorStore{store: store}
}

// Load lists name's directory and returns the cursor at the maximum
// position, or the zero Cursor with ok=false if none exists yet.
func (cs *CursorStore) Load(ctx context.Context, name string) (Cursor, bool, error) {
	entries, err := cs.store.List(ctx, cursorDir(name))
	if err != nil {
		return Cursor{}, false, fmt.Errorf("wal: load cursor %s: %w", name, err)
	}
	if len(entries) == 0 {
		return Cursor{}, false, nil
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Path < entries[j].Path })
	latest := entries[len(entries)-1]
	data, err := objectstore.Get(ctx, cs.store, latest.Path)
	if err != nil {
		return Cursor{}, false, fmt.Errorf("wal: load cursor %s: %w", name, err)
	}
	c, err := decodeCursor(name, latest.Path, data)
	if err != nil {
		return Cursor{}, false, err
	}
	return c, true, nil
}

func decodeCursor(name, path string, data []byte) (Cursor, error) {
	base := strings.TrimPrefix(path, cursorDir(name))
	pos, err := strconv.ParseUint(base, 10, 64)
	if err != nil {
		return Cursor{}, fmt.Errorf("wal: corrupt cursor path %s: %w", path, err)
	}
	parts := strings.SplitN(string(data), "\t", 2)
	var epoch int64
	var writer string
	if len(parts) == 2 {
		epoch, _ = strconv.ParseInt(parts[0], 10, 64)
		writer = parts[1]
	}
	return Cursor{Name: name, Position: pos, EpochUsec: epoch, Writer: writer}, nil
}

// Save writes a new cursor object at the new position. witness is the
// position the caller most recently Loaded; Save refuses a newPos below
// it (forward-only invariant) unless allowRollback is true. Save does
// not re-read storage to confirm witness is still the latest saved
// position. Pruning of strictly lower positions happens opportunistically
// after a successful save.
func (cs *CursorStore) Save(ctx context.Context, name string, witness Position, newPos Position, writer string, allowRollback bool) error {
	if newPos < witness && !allowRollback {
		return ErrCursorRollback
	}
	data := fmt.Sprintf("%d\t%s", time.Now().UnixMicro(), writer)
	if _, err := objectstore.Put(ctx, cs.store, cursorPath(name, newPos), []byte(data)); err != nil {
		return fmt.Errorf("wal: save cursor %s: %w", name, err)
	}
	cs.prune(ctx, name, newPos)
	return nil
}

// prune deletes every saved position strictly below keep. Best-effort:
// errors are swallowed since a stale cursor object left behind is a
// disk-usage concern, not a correctness one.
func (cs *CursorStore) prune(ctx context.Context, name string, keep Position) {
	entries, err := cs.store.List(ctx, cursorDir(name))
	if err != nil {
		return
	}
	for _, ent := range entries {
		c, err := decodeCursor(name, ent.Path, nil)
		if err != nil {
			continue
		}
		if c.Position < keep {
			_ = cs.store.Delete(ctx, ent.Path)
		}
	}
}

// IntrinsicCursor lives in the catalog alongside the collection,
// updated transactionally when flush_compaction commits (§4.1.5). This
// type is an in-process stand-in with the same forward-only contract
// behind a mutex. internal/catalog does not use it: its FlushCompaction
// advances the stored log position in the same transaction as the
// version bump.
type IntrinsicCursor struct {
	mu       sync.Mutex
	position Position
}

// Position returns the intrinsic cursor's current position.
func (ic *IntrinsicCursor) Position() Position {
	ic.mu.Lock()
	defer ic.mu.Unlock()
	return ic.position
}

// Advance moves the intrinsic cursor forward to pos. Forward-only:
// callers must already know pos >= current, since flush_compaction
// guards monotonic log_position advancement at the catalog layer.
func (ic *IntrinsicCursor) Advance(pos Position) error {
	ic.mu.Lock()
	defer ic.mu.Unlock()
	if pos < ic.position {
		return ErrCursorRollback
	}
	ic.position = pos
	return nil
}

// EffectiveCutoff computes min(intrinsic, every named cursor, optional
// hint), the value the GC orchestrator uses as its cutoff (§4.1.5: GC
// cutoffs are always the minimum across every retained cursor).
func EffectiveCutoff(ctx context.Context, cs *CursorStore, intrinsic *IntrinsicCursor, names []string, hint *Position) (Position, error) {
	cutoff := intrinsic.Position()
	for _, name := range names {
		c, ok, err := cs.Load(ctx, name)
		if err != nil {
			return 0, err
		}
		if ok && c.Position < cutoff {
			cutoff = c.Position
		}
	}
	if hint != nil && *hint < cutoff {
		cutoff = *hint
	}
	return cutoff, nil
}
