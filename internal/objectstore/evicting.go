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
	"context"
	"sort"
	"sync"
	"time"
)

// Evicting wraps a Store with a byte-budget, LRU eviction policy. It is
// the L2 disk-cache tier in §4.2.5: content-addressed blocks never need
// invalidation, only space reclamation, so eviction here just means
// "forget and delete," never "refresh."
//
// Single-goroutine actor over an op channel, same shape as memcp's
// storage/cache.go CacheManager: all budget bookkeeping happens on one
// goroutine so there is never a race between a concurrent touch and an
// eviction sweep.
type Evicting struct {
	backing Store
	budget  int64

	ops chan evictOp
	wg  sync.WaitGroup

	mu       sync.Mutex
	sizes    map[string]int64
	lastUsed map[string]time.Time
	total    int64
}

type evictOp struct {
	wrote   string
	size    int64
	touched string
	removed string
	done    chan struct{}
}

// NewEvicting wraps backing with an LRU eviction policy bounded by
// budgetBytes. Call Seed once at startup to account for objects already
// present (the cold-start reconstruction §4.2.5 requires).
func NewEvicting(backing Store, budgetBytes int64) *Evicting {
	e := &Evicting{
		backing:  backing,
		budget:   budgetBytes,
		ops:      make(chan evictOp, 256),
		sizes:    make(map[string]int64),
		lastUsed: make(map[string]time.Time),
	}
	e.wg.Add(1)
	go e.run()
	return e
}

// Seed scans entries already present in the backing store (e.g. after a
// process restart) and accounts for them without re-writing bytes,
// matching the cold-start directory scan the spec calls for.
func (e *Evicting) Seed(ctx context.Context, prefix string) error {
	entries, err := e.backing.List(ctx, prefix)
	if err != nil {
		return err
	}
	now := time.Now()
	e.mu.Lock()
	for _, ent := range entries {
		if _, ok := e.sizes[ent.Path]; ok {
			continue
		}
		e.sizes[ent.Path] = ent.Size
		e.lastUsed[ent.Path] = now
		e.total += ent.Size
	}
	e.mu.Unlock()
	e.submit(evictOp{})
	return nil
}

func (e *Evicting) run() {
	defer e.wg.Done()
	for op := range e.ops {
		if op.removed != "" {
			e.mu.Lock()
			delete(e.sizes, op.removed)
			delete(e.lastUsed, op.removed)
			e.mu.Unlock()
		}
		if op.touched != "" {
			e.mu.Lock()
			e.lastUsed[op.touched] = time.Now()
			e.mu.Unlock()
		}
		if op.wrote != "" {
			e.mu.Lock()
			if old, ok := e.sizes[op.wrote]; ok {
				e.total -= old
			}
			e.sizes[op.wrote] = op.size
			e.lastUsed[op.wrote] = time.Now()
			e.total += op.size
			e.mu.Unlock()
			e.cleanup()
		}
		if op.done != nil {
			close(op.done)
		}
	}
}

func (e *Evicting) submit(op evictOp) {
	done := make(chan struct{})
	op.done = done
	e.ops <- op
	<-done
}

// cleanup evicts the coldest objects until total is back under budget,
// same two-step sort-then-drain shape as memcp's CacheManager.cleanup.
func (e *Evicting) cleanup() {
	e.mu.Lock()
	if e.total <= e.budget {
		e.mu.Unlock()
		return
	}
	target := e.budget * 3 / 4
	type item struct {
		path string
		size int64
		used time.Time
	}
	items := make([]item, 0, len(e.sizes))
	for p, sz := range e.sizes {
		items = append(items, item{p, sz, e.lastUsed[p]})
	}
	sort.Slice(items, func(i, j int) bool { return items[i].used.Before(items[j].used) })
	var toDelete []string
	for _, it := range items {
		if e.total <= target {
			break
		}
		toDelete = append(toDelete, it.path)
		delete(e.sizes, it.path)
		delete(e.lastUsed, it.path)
		e.total -= it.size
	}
	e.mu.Unlock()

	for _, path := range toDelete {
		_ = e.backing.Delete(context.Background(), path)
	}
}

func (e *Evicting) PutOpts(ctx context.Context, path string, data []byte, opts PutOpts) (string, error) {
	etag, err := e.backing.PutOpts(ctx, path, data, opts)
	if err != nil {
		return "", err
	}
	e.submit(evictOp{wrote: path, size: int64(len(data))})
	return etag, nil
}

func (e *Evicting) GetOpts(ctx context.Context, path string, opts GetOpts) ([]byte, error) {
	data, err := e.backing.GetOpts(ctx, path, opts)
	if err != nil {
		return nil, err
	}
	e.submit(evictOp{touched: path})
	return data, nil
}

func (e *Evicting) Head(ctx context.Context, path string) (Metadata, error) {
	return e.backing.Head(ctx, path)
}

func (e *Evicting) Delete(ctx context.Context, path string) error {
	if err := e.backing.Delete(ctx, path); err != nil {
		return err
	}
	e.submit(evictOp{removed: path})
	return nil
}

func (e *Evicting) List(ctx context.Context, prefix string) ([]Entry, error) {
	return e.backing.List(ctx, prefix)
}

func (e *Evicting) CopyIfNotExists(ctx context.Context, src, dst string) error {
	return e.backing.CopyIfNotExists(ctx, src, dst)
}

// Close stops the background actor. Safe to call once.
func (e *Evicting) Close() {
	close(e.ops)
	e.wg.Wait()
}

// CurrentBytes reports bytes currently accounted for, for tests and
// metrics.
func (e *Evicting) CurrentBytes() int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.total
}

var _ Store = (*Evicting)(nil)
var _ Store = (*FSStore)(nil)
var _ Store = (*S3Store)(nil)
