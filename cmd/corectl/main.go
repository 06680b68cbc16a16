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

// Command corectl is the operator CLI for a corestore node: an
// interactive REPL for inspecting a collection's manifest and cursors,
// one-shot subcommands to trigger a compaction or GC pass, and an
// admin status stream other tooling can attach to over a websocket.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/vstorage/corestore/internal/blockstore"
	"github.com/vstorage/corestore/internal/catalog"
	"github.com/vstorage/corestore/internal/codec"
	"github.com/vstorage/corestore/internal/compactor"
	"github.com/vstorage/corestore/internal/config"
	"github.com/vstorage/corestore/internal/dispatcher"
	"github.com/vstorage/corestore/internal/gcorchestrator"
	"github.com/vstorage/corestore/internal/logservice"
	"github.com/vstorage/corestore/internal/objectstore"
	"github.com/vstorage/corestore/internal/telemetry"
	"github.com/vstorage/corestore/internal/wal"
)

// node bundles everything a running corestore process needs, assembled
// once at startup and shared by every subcommand (spec.md §5's rule
// that the dispatcher pool and block cache are process-wide
// singletons).
type node struct {
	store     objectstore.Store
	mgr       *wal.ManifestManager
	shards    *wal.ShardManager
	cursors   *wal.CursorStore
	log       *logservice.Service
	cat       catalog.Client
	cache     *blockstore.Cache
	pool      *dispatcher.Pool
	compactor *compactor.Orchestrator
	gc        *gcorchestrator.Orchestrator

	tenant       string
	collectionID string

	// segmentsMu guards the two blockfile snapshots a compaction run
	// reads as its base and replaces on success. One node compacts one
	// collection at a time, but the REPL and the -serve loop could both
	// reach here, so a mutex rather than a bare field.
	segmentsMu        sync.Mutex
	recordSnap        *blockstore.Snapshot
	metaSnap          *blockstore.Snapshot
	collectionVersion int64
}

func main() {
	baseDir := flag.String("base-dir", "./corestore-data", "object store base directory (filesystem backend)")
	settingsPath := flag.String("settings", "", "path to a settings JSON file, hot-reloaded while the process runs")
	pgDSN := flag.String("postgres", "", "catalog Postgres DSN; defaults to an in-process catalog when empty")
	mysqlDSN := flag.String("mysql", "", "catalog MySQL DSN; mutually exclusive with -postgres")
	tenant := flag.String("tenant", "default", "tenant id")
	collectionID := flag.String("collection", "default", "collection id")
	writer := flag.String("writer", hostnameOrFallback(), "writer identity recorded on manifests and cursors")
	flag.Parse()

	if *settingsPath != "" {
		if err := config.WatchAndReload(*settingsPath); err != nil {
			fmt.Fprintln(os.Stderr, "corectl: settings:", err)
			os.Exit(1)
		}
	}

	n, err := newNode(*baseDir, *pgDSN, *mysqlDSN, *tenant, *collectionID, *writer)
	if err != nil {
		fmt.Fprintln(os.Stderr, "corectl:", err)
		os.Exit(1)
	}
	defer n.pool.Close()

	args := flag.Args()
	cmd := "repl"
	if len(args) > 0 {
		cmd = args[0]
		args = args[1:]
	}

	switch cmd {
	case "repl":
		n.repl()
	case "compact":
		n.runCompact(args)
	case "gc":
		n.runGC(args)
	case "serve":
		n.runServe(args)
	default:
		fmt.Fprintf(os.Stderr, "corectl: unknown subcommand %q (want repl, compact, gc, serve)\n", cmd)
		os.Exit(1)
	}
}

func hostnameOrFallback() string {
	h, err := os.Hostname()
	if err != nil {
		return "corectl"
	}
	return h
}

func newNode(baseDir, pgDSN, mysqlDSN, tenant, collectionID, writer string) (*node, error) {
	ctx := context.Background()

	store, err := objectstore.NewFSStore(baseDir)
	if err != nil {
		return nil, fmt.Errorf("open object store: %w", err)
	}

	mgr, err := wal.OpenManifestManager(ctx, store, writer)
	if err != nil {
		mgr, err = wal.NewManifestManager(ctx, store, writer)
		if err != nil {
			return nil, fmt.Errorf("open manifest: %w", err)
		}
	}

	shardCfg := wal.DefaultShardManagerConfig(collectionID)
	shardCfg.Codec = logservice.DefaultCodec
	shards := wal.NewShardManager(store, mgr, shardCfg)
	reader := wal.NewReader(store, logservice.DefaultCodec)
	cursors := wal.NewCursorStore(store)
	logSvc := logservice.New(shards, mgr, reader)

	var cat catalog.Client
	switch {
	case pgDSN != "" && mysqlDSN != "":
		return nil, fmt.Errorf("specify only one of -postgres or -mysql")
	case pgDSN != "":
		cat, err = catalog.OpenPostgresCatalog(ctx, pgDSN)
	case mysqlDSN != "":
		cat, err = catalog.OpenMySQLCatalog(ctx, mysqlDSN)
	default:
		mc := catalog.NewMemoryCatalog()
		mc.PutCollection(catalog.Collection{TenantID: tenant, CollectionID: collectionID})
		cat = mc
	}
	if err != nil {
		return nil, fmt.Errorf("open catalog: %w", err)
	}

	cache := blockstore.NewCache(store, codec.LZ4, int(config.CacheBudgetBytes()))
	pool := dispatcher.New(0)

	return &node{
		store:        store,
		mgr:          mgr,
		shards:       shards,
		cursors:      cursors,
		log:          logSvc,
		cat:          cat,
		cache:        cache,
		pool:         pool,
		compactor:    compactor.New(pool, logSvc, cursors, cat, cache, store, 1),
		gc:           gcorchestrator.New(pool, cat, 1),
		tenant:       tenant,
		collectionID: collectionID,
		recordSnap:   blockstore.EmptySnapshot(),
		metaSnap:     blockstore.EmptySnapshot(),
	}, nil
}

// doCompact runs one compaction against this node's current blockfile
// snapshots, swapping them in for the next run on success. A failed or
// skipped run leaves both untouched.
func (n *node) doCompact(ctx context.Context, cfg compactor.Config) (compactor.Result, error) {
	n.segmentsMu.Lock()
	defer n.segmentsMu.Unlock()

	cfg.CollectionVersion = n.collectionVersion
	res, err := n.compactor.Run(ctx, cfg, n.recordSnap, n.metaSnap)
	if err != nil || res.Skipped {
		return res, err
	}
	n.recordSnap = res.RecordSnapshot
	n.metaSnap = res.MetadataSnapshot
	n.collectionVersion = res.NewCollectionVersion
	return res, nil
}

func (n *node) runCompact(args []string) {
	fs := flag.NewFlagSet("compact", flag.ExitOnError)
	minSize := fs.Int("min-size", 1, "minimum pending record count before a compaction runs")
	maxSize := fs.Int("max-size", 0, "maximum records pulled per compaction (0 = unbounded)")
	maxPartition := fs.Int("max-partition", 0, "soft cap on log operations per partition (0 = unbounded)")
	fs.Parse(args)

	res, err := n.doCompact(context.Background(), compactor.Config{
		Tenant:            n.tenant,
		CollectionID:      n.collectionID,
		MinCompactionSize: *minSize,
		MaxCompactionSize: *maxSize,
		MaxPartitionSize:  *maxPartition,
		CursorName:        logservice.CursorName,
		Writer:            "corectl",
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, "corectl: compact:", err)
		os.Exit(1)
	}
	if res.Skipped {
		fmt.Println("skipped:", res.SkipReason)
		return
	}
	fmt.Printf("compacted %d ids, new log offset %d, new collection version %d\n", res.MaterializedCount, res.NewLogOffset, res.NewCollectionVersion)
	for _, e := range res.DecodeErrors {
		fmt.Fprintln(os.Stderr, "warning:", e)
	}
}

func (n *node) runGC(args []string) {
	fs := flag.NewFlagSet("gc", flag.ExitOnError)
	cutoffHours := fs.Float64("cutoff-hours", 72, "age in hours a version must exceed to be eligible for deletion")
	minKeep := fs.Int("min-keep", 2, "newest versions always retained regardless of age")
	fs.Parse(args)

	res, err := n.gc.Run(context.Background(), gcorchestrator.Config{
		CollectionID:      n.collectionID,
		CutoffHours:       *cutoffHours,
		MinVersionsToKeep: *minKeep,
	}, time.Now())
	if err != nil {
		fmt.Fprintln(os.Stderr, "corectl: gc:", err)
		os.Exit(1)
	}
	fmt.Printf("marked %d versions deletable, retained %d\n", len(res.Deleted), len(res.Retained))
}

func init() {
	telemetry.SetTrace(os.Getenv("CORESTORE_TRACEDIR") != "")
}
