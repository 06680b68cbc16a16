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

// Package gcorchestrator implements the GC orchestrator (C14): the
// state machine that retires old collection versions at the catalog.
// Concrete object deletion of a retired version's files is a
// downstream worker's job, out of scope here — this package only ever
// marks a version deletable, durably, before anything is removed.
package gcorchestrator

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/vstorage/corestore/internal/breaker"
	"github.com/vstorage/corestore/internal/catalog"
	"github.com/vstorage/corestore/internal/dispatcher"
)

// Config is one GC pass's parameters (spec.md §4.3.2).
type Config struct {
	CollectionID string
	// CutoffHours is how far back a version must have been created to
	// even be considered for deletion.
	CutoffHours float64
	// MinVersionsToKeep always survives a pass regardless of age,
	// newest-first.
	MinVersionsToKeep int
}

// Result lists the versions a pass found deletable and the ones it
// retained.
type Result struct {
	Deleted  []int64
	Retained []int64
}

// Orchestrator runs the FetchVersionFile -> ComputeVersionsToDelete ->
// MarkVersionsAtSysDb -> Finished state machine.
type Orchestrator struct {
	pool *dispatcher.Pool
	cat  catalog.Client
	gate *breaker.Breaker
}

// New wires an Orchestrator to the catalog it marks deletions through.
// concurrentRuns caps how many GC passes may run at once; 0 disables
// the gate.
func New(pool *dispatcher.Pool, cat catalog.Client, concurrentRuns int) *Orchestrator {
	return &Orchestrator{pool: pool, cat: cat, gate: breaker.New(concurrentRuns)}
}

// InUse reports how many passes are currently admitted, for the admin
// status stream.
func (o *Orchestrator) InUse() int {
	return o.gate.InUse()
}

// Run executes one GC pass against cfg.CollectionID, as of now (a
// parameter rather than time.Now() so a pass is exactly reproducible
// in tests).
func (o *Orchestrator) Run(ctx context.Context, cfg Config, now time.Time) (Result, error) {
	if err := o.gate.AdmitWait(ctx); err != nil {
		return Result{}, fmt.Errorf("gcorchestrator: admission: %w", err)
	}
	defer o.gate.Release()

	token := dispatcher.NewToken(ctx)
	defer token.Cancel()

	fetched := <-dispatcher.Submit(o.pool, token, func(ctx context.Context) ([]catalog.VersionFileEntry, error) {
		return o.cat.GetVersionFile(ctx, cfg.CollectionID)
	})
	if fetched.Err != nil {
		return Result{}, fmt.Errorf("gcorchestrator: fetch_version_file: %w", fetched.Err)
	}

	computed := <-dispatcher.Submit(o.pool, token, func(ctx context.Context) (Result, error) {
		return ComputeVersionsToDelete(fetched.Value, cfg.CutoffHours, cfg.MinVersionsToKeep, now), nil
	})
	res := computed.Value
	if len(res.Deleted) == 0 {
		return res, nil
	}

	marked := <-dispatcher.Submit(o.pool, token, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, o.cat.MarkVersionsForDeletion(ctx, cfg.CollectionID, res.Deleted)
	})
	if marked.Err != nil {
		return Result{}, fmt.Errorf("gcorchestrator: mark_versions_at_sys_db: %w", marked.Err)
	}
	return res, nil
}

// ComputeVersionsToDelete classifies entries into deletable and
// retained sets: the newest minVersionsToKeep always survive, and of
// the rest, only ones created before now-cutoffHours and not already
// marked are deletable.
func ComputeVersionsToDelete(entries []catalog.VersionFileEntry, cutoffHours float64, minVersionsToKeep int, now time.Time) Result {
	sorted := make([]catalog.VersionFileEntry, len(entries))
	copy(sorted, entries)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Version > sorted[j].Version })

	cutoff := now.Add(-time.Duration(cutoffHours * float64(time.Hour))).Unix()

	var res Result
	for i, e := range sorted {
		if i < minVersionsToKeep {
			res.Retained = append(res.Retained, e.Version)
			continue
		}
		if e.MarkedDeleted {
			continue
		}
		if e.CreatedAtUnix <= cutoff {
			res.Deleted = append(res.Deleted, e.Version)
		} else {
			res.Retained = append(res.Retained, e.Version)
		}
	}
	return res
}
