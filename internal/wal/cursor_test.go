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

func TestCursorSaveLoadRoundTrip(t *testing.T) {
	ctx := context.Background()
	store, err := objectstore.NewFSStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	cs := NewCursorStore(store)

	if _, ok, err := cs.Load(ctx, "compactor"); ok || err != nil {
		t.Fatalf("expected no cursor yet, got ok=%v err=%v", ok, err)
	}

	if err := cs.Save(ctx, "compactor", 0, 10, "writer-1", false); err != nil {
		t.Fatal(err)
	}
	c, ok, err := cs.Load(ctx, "compactor")
	if err != nil {
		t.Fatal(err)
	}
	if !ok || c.Position != 10 {
		t.Fatalf("expected position 10, got %+v (ok=%v)", c, ok)
	}
}

func TestCursorRejectsRollbackWithoutFlag(t *testing.T) {
	ctx := context.Background()
	store, _ := objectstore.NewFSStore(t.TempDir())
	cs := NewCursorStore(store)

	if err := cs.Save(ctx, "c", 0, 20, "w", false); err != nil {
		t.Fatal(err)
	}
	if err := cs.Save(ctx, "c", 20, 10, "w", false); err != ErrCursorRollback {
		t.Fatalf("expected ErrCursorRollback, got %v", err)
	}
	if err := cs.Save(ctx, "c", 20, 10, "w", true); err != nil {
		t.Fatalf("expected rollback to succeed with allow_rollback: %v", err)
	}
}

func TestCursorPruneRemovesOlderPositions(t *testing.T) {
	ctx := context.Background()
	store, _ := objectstore.NewFSStore(t.TempDir())
	cs := NewCursorStore(store)

	cs.Save(ctx, "c", 0, 10, "w", false)
	cs.Save(ctx, "c", 10, 20, "w", false)

	entries, err := store.List(ctx, cursorDir("c"))
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected pruning to leave exactly 1 object, got %d: %v", len(entries), entries)
	}
}

func TestIntrinsicCursorForwardOnly(t *testing.T) {
	ic := &IntrinsicCursor{}
	if err := ic.Advance(10); err != nil {
		t.Fatal(err)
	}
	if err := ic.Advance(5); err != ErrCursorRollback {
		t.Fatalf("expected ErrCursorRollback, got %v", err)
	}
	if ic.Position() != 10 {
		t.Fatalf("expected position to remain 10, got %d", ic.Position())
	}
}
