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
	"reflect"
	"testing"

	"github.com/vstorage/corestore/internal/codec"
	"github.com/vstorage/corestore/internal/objectstore"
)

func TestFragmentRoundTrip(t *testing.T) {
	ctx := context.Background()
	store, err := objectstore.NewFSStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}

	records := [][]byte{{10, 11, 12, 13}, {20, 21, 22, 23}, {30, 31, 32, 33}}
	frag, err := WriteFragment(ctx, store, codec.None, "b0", 0, 1, records)
	if err != nil {
		t.Fatal(err)
	}
	if frag.Start != 1 || frag.Limit != 4 {
		t.Fatalf("unexpected range: %+v", frag)
	}

	got, err := ReadFragment(ctx, store, codec.None, frag.Path, 1, 4)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 records, got %d", len(got))
	}
	for i, rec := range got {
		if rec.Position != Position(i+1) {
			t.Fatalf("record %d has position %d", i, rec.Position)
		}
		if !reflect.DeepEqual(rec.Payload, records[i]) {
			t.Fatalf("record %d payload mismatch", i)
		}
	}
}

func TestFragmentScrubDetectsCorruption(t *testing.T) {
	ctx := context.Background()
	store, _ := objectstore.NewFSStore(t.TempDir())

	frag, err := WriteFragment(ctx, store, codec.None, "b0", 0, 1, [][]byte{{1, 2, 3}})
	if err != nil {
		t.Fatal(err)
	}
	if err := ScrubFragment(ctx, store, codec.None, frag.Path, frag.Setsum); err != nil {
		t.Fatalf("expected scrub to pass: %v", err)
	}

	other, _ := WriteFragment(ctx, store, codec.None, "b0", 1, 2, [][]byte{{9, 9, 9}})
	if err := ScrubFragment(ctx, store, codec.None, frag.Path, other.Setsum); err == nil {
		t.Fatalf("expected scrub to detect setsum mismatch")
	}
}
