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
	"fmt"

	"github.com/vstorage/corestore/internal/blockstore"
	"github.com/vstorage/corestore/internal/breaker"
	"github.com/vstorage/corestore/internal/catalog"
	"github.com/vstorage/corestore/internal/dispatcher"
	"github.com/vstorage/corestore/internal/logservice"
	"github.com/vstorage/corestore/internal/objectstore"
	"github.com/vstorage/corestore/internal/wal"
)

// Config is one compaction run's parameters: which collection, how
// much of its log to fold, and the catalog version the caller last
// observed (spec.md §4.3.1's FetchCollectionVersion precedes this and
// is assumed already done by whoever schedules the run).
type Config struct {
	Tenant            string
	CollectionID      string
	CollectionVersion int64
	MinCompactionSize int
	MaxCompactionSize int
	MaxPartitionSize  int
	CursorName        string
	Writer            string
}

// Result is what a completed (non-skipped) run produced.
type Result struct {
	Skipped              bool
	SkipReason           string
	NewCollectionVersion int64
	RecordSnapshot       *blockstore.Snapshot
	MetadataSnapshot     *blockstore.Snapshot
	NewLogOffset         wal.Position
	MaterializedCount    int
	DecodeErrors         []error
}

// Orchestrator runs the compaction state machine of spec.md §4.3.1:
//
//	Pending -> PullLogs -> Partition -> MaterializeLogs ->
//	{BlockfileFlush, MetadataFlush} -> RegisterAtCatalog ->
//	AdvanceCursor -> Finished
//
// Every edge after Partition is dispatched as a task on pool, so a
// cancelled token unwinds the run at its next suspension point instead
// of running to completion.
type Orchestrator struct {
	pool    *dispatcher.Pool
	log     *logservice.Service
	cursors *wal.CursorStore
	cat     catalog.Client
	cache   *blockstore.Cache
	store   objectstore.Store
	gate    *breaker.Breaker
}

// New wires an Orchestrator to its collaborators. Each is itself a
// process-wide singleton (pool, cache) or a per-collection handle
// (log, cursors point at the same collection's storage), matching the
// global-state rule of spec.md §5. gate admits at most concurrentRuns
// concurrent Run calls; pass 0 to disable it.
func New(pool *dispatcher.Pool, log *logservice.Service, cursors *wal.CursorStore, cat catalog.Client, cache *blockstore.Cache, store objectstore.Store, concurrentRuns int) *Orchestrator {
	return &Orchestrator{pool: pool, log: log, cursors: cursors, cat: cat, cache: cache, store: store, gate: breaker.New(concurrentRuns)}
}

// InUse reports how many Run calls are currently admitted, for the
// admin status stream.
func (o *Orchestrator) InUse() int {
	return o.gate.InUse()
}

// Run executes one compaction against recordBase/metadataBase, the
// collection's current blockfile snapshots. VectorIndexFlush has no
// edge here: this core ships no vector index (spec.md's Non-goals
// exclude query execution), so the state machine only has the two
// flush edges it can actually produce data for.
func (o *Orchestrator) Run(ctx context.Context, cfg Config, recordBase, metadataBase *blockstore.Snapshot) (Result, error) {
	if err := o.gate.AdmitWait(ctx); err != nil {
		return Result{}, fmt.Errorf("compactor: admission: %w", err)
	}
	defer o.gate.Release()

	token := dispatcher.NewToken(ctx)
	defer token.Cancel()

	scout := o.log.ScoutLogs(ctx)
	pending := int64(scout.FirstUninsertedOffset) - int64(scout.FirstUncompactedOffset)
	if pending < int64(cfg.MinCompactionSize) {
		return Result{Skipped: true, SkipReason: "below min_compaction_size"}, nil
	}
	batchSize := int(pending)
	if cfg.MaxCompactionSize > 0 && batchSize > cfg.MaxCompactionSize {
		batchSize = cfg.MaxCompactionSize
	}

	pulled := <-dispatcher.Submit(o.pool, token, func(ctx context.Context) ([]wal.LogRecord, error) {
		return o.log.PullLogs(ctx, scout.FirstUncompactedOffset, batchSize)
	})
	if pulled.Err != nil {
		return Result{}, fmt.Errorf("compactor: pull_logs: %w", pulled.Err)
	}
	records := pulled.Value
	if len(records) == 0 {
		return Result{Skipped: true, SkipReason: "empty window"}, nil
	}

	ops, decodeErrs := DecodeBatch(records)

	partitioned := <-dispatcher.Submit(o.pool, token, func(ctx context.Context) ([]Batch, error) {
		return Partition(ops, cfg.MaxPartitionSize), nil
	})
	if partitioned.Err != nil {
		return Result{}, fmt.Errorf("compactor: partition: %w", partitioned.Err)
	}

	materializedBatches := dispatcher.Fan(o.pool, token, partitioned.Value, func(ctx context.Context, b Batch) ([]MaterializedRecord, error) {
		lookup := snapshotLookup(ctx, o.cache, recordBase, metadataBase)
		out := make([]MaterializedRecord, 0, len(b.IDs))
		for _, id := range b.IDs {
			out = append(out, Materialize(id, b.Ops[id], lookup))
		}
		return out, nil
	})
	var materialized []MaterializedRecord
	for _, r := range materializedBatches {
		if r.Err != nil {
			return Result{}, fmt.Errorf("compactor: materialize_logs: %w", r.Err)
		}
		materialized = append(materialized, r.Value...)
	}

	flushKinds := []string{"record", "metadata"}
	flushed := dispatcher.Fan(o.pool, token, flushKinds, func(ctx context.Context, kind string) (*blockstore.Snapshot, error) {
		switch kind {
		case "record":
			return flushRecordSegment(ctx, recordBase, o.cache, o.store, materialized)
		default:
			return flushMetadataSegment(ctx, metadataBase, o.cache, o.store, materialized)
		}
	})
	if flushed[0].Err != nil {
		return Result{}, fmt.Errorf("compactor: blockfile_flush: %w", flushed[0].Err)
	}
	if flushed[1].Err != nil {
		return Result{}, fmt.Errorf("compactor: metadata_flush: %w", flushed[1].Err)
	}
	recordSnap, metadataSnap := flushed[0].Value, flushed[1].Value

	newTail := scout.FirstUncompactedOffset + wal.Position(len(records))

	registered := <-dispatcher.Submit(o.pool, token, func(ctx context.Context) (int64, error) {
		return o.cat.FlushCompaction(ctx, cfg.Tenant, cfg.CollectionID, uint64(newTail), cfg.CollectionVersion, []catalog.SegmentFlushInfo{
			{SegmentID: cfg.CollectionID + "-record", Files: map[string][]string{"block": blockIDs(recordSnap)}},
			{SegmentID: cfg.CollectionID + "-metadata", Files: map[string][]string{"block": blockIDs(metadataSnap)}},
		})
	})
	if registered.Err != nil {
		return Result{}, fmt.Errorf("compactor: register_at_catalog: %w", registered.Err)
	}

	witness, _, err := o.cursors.Load(ctx, cfg.CursorName)
	if err != nil {
		return Result{}, fmt.Errorf("compactor: advance_cursor: load witness: %w", err)
	}
	advanced := <-dispatcher.Submit(o.pool, token, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, o.log.UpdateCollectionLogOffset(ctx, o.cursors, cfg.CursorName, witness.Position, newTail, cfg.Writer)
	})
	if advanced.Err != nil {
		return Result{}, fmt.Errorf("compactor: advance_cursor: %w", advanced.Err)
	}

	return Result{
		NewCollectionVersion: registered.Value,
		RecordSnapshot:       recordSnap,
		MetadataSnapshot:     metadataSnap,
		NewLogOffset:         newTail,
		MaterializedCount:    len(materialized),
		DecodeErrors:         decodeErrs,
	}, nil
}
