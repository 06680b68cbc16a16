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

package compactor

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/vstorage/corestore/internal/blockstore"
	"github.com/vstorage/corestore/internal/catalog"
	"github.com/vstorage/corestore/internal/codec"
	"github.com/vstorage/corestore/internal/dispatcher"
	"github.com/vstorage/corestore/internal/logservice"
	"github.com/vstorage/corestore/internal/objectstore"
	"github.com/vstorage/corestore/internal/wal"
)

func newTestOrchestrator(t *testing.T) (*Orchestrator, *logservice.Service, *catalog.MemoryCatalog) {
	t.Helper()
	ctx := context.Background()
	store, err := objectstore.NewFSStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	mgr, err := wal.NewManifestManager(ctx, store, "writer-1")
	if err != nil {
		t.Fatal(err)
	}
	cfg := wal.DefaultShardManagerConfig("b0")
	cfg.Codec = codec.None
	cfg.BatchInterval = time.Millisecond
	shards := wal.NewShardManager(store, mgr, cfg)
	t.Cleanup(shards.Close)
	reader := wal.NewReader(store, codec.None)
	log := logservice.New(shards, mgr, reader)
	cursors := wal.NewCursorStore(store)

	cat := catalog.NewMemoryCatalog()
	cat.PutCollection(catalog.Collection{TenantID: "t1", CollectionID: "c1"})

	cache := blockstore.NewCache(store, codec.LZ4, 1<<20)
	pool := dispatcher.New(2)
	t.Cleanup(pool.Close)

	return New(pool, log, cursors, cat, cache, store, 0), log, cat
}

func push(t *testing.T, ctx context.Context, log *logservice.Service, id string, op Op, metadata map[string]any) {
	t.Helper()
	pushOp(t, ctx, log, LogOperation{ID: id, Op: op, Metadata: metadata})
}

func pushOp(t *testing.T, ctx context.Context, log *logservice.Service, op LogOperation) {
	t.Helper()
	payload, err := EncodeOperation(op)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := log.PushLogs(ctx, 0, payload); err != nil {
		t.Fatal(err)
	}
}

func TestRunSkipsBelowMinCompactionSize(t *testing.T) {
	ctx := context.Background()
	orch, log, _ := newTestOrchestrator(t)
	push(t, ctx, log, "a", OpAdd, map[string]any{"k": "v"})

	res, err := orch.Run(ctx, Config{Tenant: "t1", CollectionID: "c1", MinCompactionSize: 10, CursorName: "compaction"},
		blockstore.EmptySnapshot(), blockstore.EmptySnapshot())
	if err != nil {
		t.Fatal(err)
	}
	if !res.Skipped {
		t.Fatalf("expected skip, got %+v", res)
	}
}

func TestRunMaterializesFlushesAndRegisters(t *testing.T) {
	ctx := context.Background()
	orch, log, cat := newTestOrchestrator(t)

	push(t, ctx, log, "a", OpAdd, map[string]any{"color": "red"})
	push(t, ctx, log, "b", OpAdd, map[string]any{"color": "blue"})
	push(t, ctx, log, "a", OpUpdate, map[string]any{"color": "green"})
	push(t, ctx, log, "c", OpAdd, map[string]any{"color": "teal"})
	push(t, ctx, log, "c", OpDelete, nil)

	res, err := orch.Run(ctx, Config{
		Tenant:            "t1",
		CollectionID:      "c1",
		CollectionVersion: 0,
		MinCompactionSize: 1,
		CursorName:        "compaction",
		Writer:            "compactor-1",
	}, blockstore.EmptySnapshot(), blockstore.EmptySnapshot())
	if err != nil {
		t.Fatal(err)
	}
	if res.Skipped {
		t.Fatalf("expected a real run, got skip: %s", res.SkipReason)
	}
	if res.MaterializedCount != 3 {
		t.Fatalf("expected 3 materialized ids (a,b,c), got %d", res.MaterializedCount)
	}
	if res.NewLogOffset != 6 {
		t.Fatalf("expected new log offset 6, got %d", res.NewLogOffset)
	}
	if res.NewCollectionVersion != 1 {
		t.Fatalf("expected catalog version 1, got %d", res.NewCollectionVersion)
	}

	readCache := blockstore.NewCache(orch.store, codec.LZ4, 1<<16)
	_, ok, err := res.RecordSnapshot.Get(ctx, readCache, blockstore.CompositeKey{Key: blockstore.TextKey("a")})
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatalf("expected id a present in record segment")
	}

	_, ok, err = res.RecordSnapshot.Get(ctx, readCache, blockstore.CompositeKey{Key: blockstore.TextKey("c")})
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatalf("expected id c absent from record segment after delete")
	}

	cols, err := cat.GetCollections(ctx, "t1")
	if err != nil {
		t.Fatal(err)
	}
	if len(cols) != 1 || cols[0].CollectionVersion != 1 || cols[0].LogPosition != 6 {
		t.Fatalf("unexpected catalog collection state: %+v", cols)
	}
}

// TestRunPreservesDocumentAcrossCompactionRounds guards against the
// Materialize call in Run seeing a nil Lookup: an id whose Add is
// compacted in one round, then only Updated (metadata only, no
// document/embedding) in a later round, must keep its originally
// flushed Document and Embedding rather than losing them.
func TestRunPreservesDocumentAcrossCompactionRounds(t *testing.T) {
	ctx := context.Background()
	orch, log, _ := newTestOrchestrator(t)

	doc := "hello world"
	pushOp(t, ctx, log, LogOperation{
		ID:        "a",
		Op:        OpAdd,
		Metadata:  map[string]any{"color": "red"},
		Document:  &doc,
		Embedding: []float32{1, 2, 3},
	})

	round1, err := orch.Run(ctx, Config{
		Tenant:            "t1",
		CollectionID:      "c1",
		CollectionVersion: 0,
		MinCompactionSize: 1,
		CursorName:        "compaction",
		Writer:            "compactor-1",
	}, blockstore.EmptySnapshot(), blockstore.EmptySnapshot())
	if err != nil {
		t.Fatal(err)
	}
	if round1.Skipped {
		t.Fatalf("expected round 1 to run, got skip: %s", round1.SkipReason)
	}

	pushOp(t, ctx, log, LogOperation{
		ID:       "a",
		Op:       OpUpdate,
		Metadata: map[string]any{"color": "green"},
	})

	round2, err := orch.Run(ctx, Config{
		Tenant:            "t1",
		CollectionID:      "c1",
		CollectionVersion: round1.NewCollectionVersion,
		MinCompactionSize: 1,
		CursorName:        "compaction",
		Writer:            "compactor-1",
	}, round1.RecordSnapshot, round1.MetadataSnapshot)
	if err != nil {
		t.Fatal(err)
	}
	if round2.Skipped {
		t.Fatalf("expected round 2 to run, got skip: %s", round2.SkipReason)
	}

	readCache := blockstore.NewCache(orch.store, codec.LZ4, 1<<16)
	row, ok, err := round2.RecordSnapshot.Get(ctx, readCache, blockstore.CompositeKey{Key: blockstore.TextKey("a")})
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatalf("expected id a still present in record segment after round 2")
	}
	var payload recordPayload
	if err := json.Unmarshal(row.Value.Bytes, &payload); err != nil {
		t.Fatal(err)
	}
	if payload.Document == nil || *payload.Document != doc {
		t.Fatalf("expected document %q preserved across rounds, got %+v", doc, payload.Document)
	}
	if len(payload.Embedding) != 3 || payload.Embedding[0] != 1 {
		t.Fatalf("expected embedding preserved across rounds, got %+v", payload.Embedding)
	}

	metaRow, ok, err := round2.MetadataSnapshot.Get(ctx, readCache, blockstore.CompositeKey{Key: blockstore.TextKey("a")})
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatalf("expected id a present in metadata segment after round 2")
	}
	var metadata map[string]any
	if err := json.Unmarshal(metaRow.Value.Bytes, &metadata); err != nil {
		t.Fatal(err)
	}
	if metadata["color"] != "green" {
		t.Fatalf("expected updated metadata color=green, got %+v", metadata)
	}
}

