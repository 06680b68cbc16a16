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

// Package config holds the process-wide Settings struct, hot-reloaded
// from a JSON file via fsnotify, with shutdown cleanup registered
// through onexit the same way the teacher flushes its trace file.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"github.com/dc0d/onexit"
	"github.com/docker/go-units"
	"github.com/fsnotify/fsnotify"

	"github.com/vstorage/corestore/internal/telemetry"
)

// SettingsT holds the knobs read from the settings file. The trace
// toggles take effect on every load and CacheBudget sizes corectl's L1
// block cache; the other fields are parsed and held here, and nothing
// outside this package reads them. Sizes are expressed as human strings
// ("64MiB") on disk and parsed to bytes with docker/go-units so ops can
// edit the file by hand.
type SettingsT struct {
	Backtrace  bool `json:"backtrace"`
	Trace      bool `json:"trace"`
	TracePrint bool `json:"trace_print"`

	MaxBlockSize     string `json:"max_block_size"`
	BatchSizeBytes   string `json:"batch_size_bytes"`
	LogShardCount    int    `json:"log_shard_count"`
	LogOutstanding   int    `json:"log_outstanding"`
	CacheBudget      string `json:"cache_budget"` // L1 block cache budget, e.g. "64MiB" — bounded by bytes, not block count
	BreakerRequests  int    `json:"breaker_requests"` // 0 disables the breaker
	FragmentRollover int    `json:"fragment_rollover_threshold"`
	SnapshotRollover int    `json:"snapshot_rollover_threshold"`

	maxBlockSizeBytes   uint64
	batchSizeBytesBytes uint64
	cacheBudgetBytes    uint64
}

// Settings is the single process-wide settings instance, one of the
// explicit singletons spec.md §5 allows alongside the block cache,
// sparse-index cache, and dispatcher.
var Settings = SettingsT{
	Backtrace:        false,
	Trace:            false,
	TracePrint:       false,
	MaxBlockSize:     "8MiB",
	BatchSizeBytes:   "4MiB",
	LogShardCount:    4,
	LogOutstanding:   2,
	CacheBudget:      "64MiB",
	BreakerRequests:  0,
	FragmentRollover: 2,
	SnapshotRollover: 2,
}

var mu sync.RWMutex
var watcher *fsnotify.Watcher
var shutdownHookOnce sync.Once

// MaxBlockSizeBytes returns the parsed byte ceiling for a sealed block.
func MaxBlockSizeBytes() uint64 {
	mu.RLock()
	defer mu.RUnlock()
	return Settings.maxBlockSizeBytes
}

// BatchSizeBytesBytes returns the parsed byte ceiling a shard batches up to.
func BatchSizeBytesBytes() uint64 {
	mu.RLock()
	defer mu.RUnlock()
	return Settings.batchSizeBytesBytes
}

// CacheBudgetBytes returns the parsed L1 block cache byte budget.
func CacheBudgetBytes() uint64 {
	mu.RLock()
	defer mu.RUnlock()
	return Settings.cacheBudgetBytes
}

func parseSizes(s *SettingsT) error {
	if s.MaxBlockSize != "" {
		n, err := units.RAMInBytes(s.MaxBlockSize)
		if err != nil {
			return fmt.Errorf("config: max_block_size: %w", err)
		}
		s.maxBlockSizeBytes = uint64(n)
	}
	if s.BatchSizeBytes != "" {
		n, err := units.RAMInBytes(s.BatchSizeBytes)
		if err != nil {
			return fmt.Errorf("config: batch_size_bytes: %w", err)
		}
		s.batchSizeBytesBytes = uint64(n)
	}
	if s.CacheBudget != "" {
		n, err := units.RAMInBytes(s.CacheBudget)
		if err != nil {
			return fmt.Errorf("config: cache_budget: %w", err)
		}
		s.cacheBudgetBytes = uint64(n)
	}
	return nil
}

// Load reads path once, applying it to Settings.
func Load(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: read %s: %w", path, err)
	}
	var s SettingsT
	mu.RLock()
	s = Settings
	mu.RUnlock()
	if err := json.Unmarshal(raw, &s); err != nil {
		return fmt.Errorf("config: parse %s: %w", path, err)
	}
	if err := parseSizes(&s); err != nil {
		return err
	}
	mu.Lock()
	Settings = s
	mu.Unlock()
	applyTrace()
	return nil
}

// WatchAndReload loads path immediately, then keeps reloading it on
// every write, matching the teacher's "settings can be changed at
// runtime" habit (storage/settings.go's ChangeSettings) but sourced
// from a file rather than a SQL ADMIN command. Call it once at
// startup; the returned error only reflects the first load.
func WatchAndReload(path string) error {
	if err := Load(path); err != nil {
		return err
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("config: create watcher: %w", err)
	}
	if err := w.Add(path); err != nil {
		w.Close()
		return fmt.Errorf("config: watch %s: %w", path, err)
	}
	watcher = w
	go func() {
		for {
			select {
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create) != 0 {
					if err := Load(path); err != nil {
						fmt.Println("config: reload failed:", err)
					}
				}
			case _, ok := <-w.Errors:
				if !ok {
					return
				}
			}
		}
	}()
	onexit.Register(func() {
		if watcher != nil {
			watcher.Close()
		}
	})
	return nil
}

func applyTrace() {
	mu.RLock()
	trace, tracePrint, backtrace := Settings.Trace, Settings.TracePrint, Settings.Backtrace
	mu.RUnlock()
	telemetry.TracePrint = tracePrint
	telemetry.SetTrace(trace)
	_ = backtrace // reserved: surfaced to panics the way scm.SettingsHaveGoodBacktraces does upstream
	shutdownHookOnce.Do(func() {
		onexit.Register(func() { telemetry.SetTrace(false) })
	})
}
