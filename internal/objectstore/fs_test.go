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

package objectstore

import (
	"bytes"
	"context"
	"testing"
)

func TestFSStorePutGet(t *testing.T) {
	s, err := NewFSStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	if _, err := Put(ctx, s, "a/b", []byte("hello")); err != nil {
		t.Fatal(err)
	}
	got, err := Get(ctx, s, "a/b")
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, []byte("hello")) {
		t.Fatalf("got %q", got)
	}
}

func TestFSStoreIfNotExists(t *testing.T) {
	s, _ := NewFSStore(t.TempDir())
	ctx := context.Background()

	if _, err := s.PutOpts(ctx, "ptr", []byte("v1"), PutOpts{IfNotExists: true}); err != nil {
		t.Fatal(err)
	}
	if _, err := s.PutOpts(ctx, "ptr", []byte("v2"), PutOpts{IfNotExists: true}); err != ErrAlreadyExists {
		t.Fatalf("expected ErrAlreadyExists, got %v", err)
	}
}

func TestFSStoreIfMatchETag(t *testing.T) {
	s, _ := NewFSStore(t.TempDir())
	ctx := context.Background()

	etag, err := Put(ctx, s, "manifest/ptr", []byte("v1"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.PutOpts(ctx, "manifest/ptr", []byte("v2"), PutOpts{IfMatchETag: "wrong"}); err != ErrPreconditionFailed {
		t.Fatalf("expected ErrPreconditionFailed, got %v", err)
	}
	if _, err := s.PutOpts(ctx, "manifest/ptr", []byte("v2"), PutOpts{IfMatchETag: etag}); err != nil {
		t.Fatalf("expected conditional put to succeed: %v", err)
	}
}

func TestFSStoreGetNotFound(t *testing.T) {
	s, _ := NewFSStore(t.TempDir())
	if _, err := Get(context.Background(), s, "missing"); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestFSStoreList(t *testing.T) {
	s, _ := NewFSStore(t.TempDir())
	ctx := context.Background()
	Put(ctx, s, "block/a", []byte("1"))
	Put(ctx, s, "block/b", []byte("22"))
	Put(ctx, s, "other/c", []byte("333"))

	entries, err := s.List(ctx, "block/")
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d: %v", len(entries), entries)
	}
	if entries[0].Path != "block/a" || entries[1].Path != "block/b" {
		t.Fatalf("unexpected order: %v", entries)
	}
}
