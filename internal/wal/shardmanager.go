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
	"sync"
	"time"

	"github.com/jtolds/gls"

	"github.com/vstorage/corestore/internal/codec"
	"github.com/vstorage/corestore/internal/objectstore"
)

// shard is a virtual append lane. outstanding caps its concurrent batch
// writes; throughput is stored but not consulted, so no rate limit applies.
// Positions and sequence numbers come from the shared manifest (§4.1.3).
type shard struct {
	id          int
	writersActive int
	outstanding int
	nextWrite   time.Time
	throughput  float64

	// learned estimator: running average of records per batch.
	avgBatch float64
}

type enqueuedRecord struct {
	shardID int
	payload []byte
	reply   chan appendResult
}

type appendResult struct {
	position Position
	err      error
}

// ShardManagerConfig parameterizes the writer's batching policy.
type ShardManagerConfig struct {
	NumShards      int
	Outstanding    int           // per-shard concurrency cap
	BatchSizeBytes int           // max serialized batch size
	BatchInterval  time.Duration // max wait before flushing an under-full batch
	BucketID       string
	Codec          codec.Kind
	MaxRetries     int
}

// DefaultShardManagerConfig uses a fixed four shards with two
// outstanding writes each; it does not scale with the CPU count.
func DefaultShardManagerConfig(bucketID string) ShardManagerConfig {
	return ShardManagerConfig{
		NumShards:      4,
		Outstanding:    2,
		BatchSizeBytes: 4 << 20,
		BatchInterval:  50 * time.Millisecond,
		BucketID:       bucketID,
		Codec:          codec.None,
		MaxRetries:     8,
	}
}

// ErrLogContentionFailure surfaces after exhausting manifest-commit
// retries (§4.1.3).
type ErrLogContentionFailure struct{ Retries int }

func (e *ErrLogContentionFailure) Error() string {
	return "wal: log contention failure after exhausting retries"
}

// ShardManager is the C4 log writer: appends are serialized per shard
// but multiple shards execute in parallel, grounded on the teacher's
// iterateShards worker-pool pattern (storage/partition.go), here
// running gls.Go goroutines per shard instead of per storage shard.
type ShardManager struct {
	cfg     ShardManagerConfig
	store   objectstore.Store
	mgr     *ManifestManager

	mu       sync.Mutex
	shards   []*shard
	enqueued []enqueuedRecord
	lastBatch time.Time

	stop chan struct{}
	wg   sync.WaitGroup
}

// NewShardManager constructs a manager with cfg.NumShards lanes and
// starts its background driver task.
func NewShardManager(store objectstore.Store, mgr *ManifestManager, cfg ShardManagerConfig) *ShardManager {
	sm := &ShardManager{cfg: cfg, store: store, mgr: mgr, stop: make(chan struct{})}
	for i := 0; i < cfg.NumShards; i++ {
		sm.shards = append(sm.shards, &shard{id: i, outstanding: cfg.Outstanding})
	}
	sm.wg.Add(1)
	gls.Go(func() {
		defer sm.wg.Done()
		sm.driveLoop()
	})
	return sm
}

// Append enqueues record on shardID's lane and blocks until it is
// durably assigned a position or the log terminates the attempt with
// an error.
func (sm *ShardManager) Append(ctx context.Context, shardID int, payload []byte) (Position, error) {
	reply := make(chan appendResult, 1)
	sm.mu.Lock()
	sm.enqueued = append(sm.enqueued, enqueuedRecord{shardID: shardID % sm.cfg.NumShards, payload: payload, reply: reply})
	sm.mu.Unlock()

	select {
	case res := <-reply:
		return res.position, res.err
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// Close stops the driver loop and waits for it to exit.
func (sm *ShardManager) Close() {
	close(sm.stop)
	sm.wg.Wait()
}

func (sm *ShardManager) driveLoop() {
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-sm.stop:
			return
		case <-ticker.C:
			sm.takeWork(context.Background())
		}
	}
}

// takeWork implements §4.1.3's batching protocol: pick the idle shard
// with the smallest id among those ready to write, form a batch sized
// by the learned estimator, and either defer (under-full, not yet
// timed out) or reserve positions and write a fragment.
func (sm *ShardManager) takeWork(ctx context.Context) {
	sm.mu.Lock()
	now := time.Now()

	var chosen *shard
	for _, s := range sm.shards {
		if s.writersActive >= s.outstanding {
			continue
		}
		if s.nextWrite.After(now) {
			continue
		}
		if chosen == nil || s.id < chosen.id {
			chosen = s
		}
	}
	if chosen == nil {
		sm.mu.Unlock()
		return
	}

	var batch []enqueuedRecord
	var rest []enqueuedRecord
	for _, rec := range sm.enqueued {
		if rec.shardID == chosen.id {
			batch = append(batch, rec)
		} else {
			rest = append(rest, rec)
		}
	}

	estimate := chosen.avgBatch
	if estimate <= 0 {
		estimate = 16
	}
	overBackpressureThreshold := float64(len(batch)) > 2*estimate

	if !overBackpressureThreshold && len(batch) > 0 {
		limit := int(estimate)
		if limit < 1 {
			limit = 1
		}
		if len(batch) > limit {
			rest = append(rest, batch[limit:]...)
			batch = batch[:limit]
		}
	}

	if len(batch) == 0 {
		sm.mu.Unlock()
		return
	}

	underFull := float64(len(batch)) < estimate/2
	elapsed := now.Sub(sm.lastBatch)
	if underFull && elapsed < sm.cfg.BatchInterval && !overBackpressureThreshold {
		sm.mu.Unlock()
		return
	}

	sm.enqueued = rest
	chosen.writersActive++
	sm.lastBatch = now
	sm.mu.Unlock()

	gls.Go(func() {
		sm.writeBatch(ctx, chosen, batch)
	})
}

func (sm *ShardManager) writeBatch(ctx context.Context, s *shard, batch []enqueuedRecord) {
	defer func() {
		sm.mu.Lock()
		s.writersActive--
		alpha := 0.2
		s.avgBatch = s.avgBatch*(1-alpha) + float64(len(batch))*alpha
		s.nextWrite = time.Now()
		sm.mu.Unlock()
	}()

	payloads := make([][]byte, len(batch))
	for i, rec := range batch {
		payloads[i] = rec.payload
	}

	for attempt := 0; attempt <= sm.cfg.MaxRetries; attempt++ {
		start, seqNo, err := sm.mgr.AssignTimestamp(ctx, uint64(len(batch)))
		if err == ErrManifestContention {
			backoff(attempt)
			continue
		}
		if err != nil {
			replyAll(batch, 0, err)
			return
		}

		frag, err := WriteFragment(ctx, sm.store, sm.cfg.Codec, sm.cfg.BucketID, seqNo, start, payloads)
		if err != nil {
			replyAll(batch, 0, err)
			return
		}

		err = sm.mgr.ApplyFragment(ctx, frag)
		if err == ErrManifestContention {
			if rerr := sm.mgr.Reload(ctx); rerr != nil {
				replyAll(batch, 0, rerr)
				return
			}
			backoff(attempt)
			continue
		}
		if err != nil {
			replyAll(batch, 0, err)
			return
		}

		for i, rec := range batch {
			rec.reply <- appendResult{position: start + Position(i)}
		}
		return
	}
	replyAll(batch, 0, &ErrLogContentionFailure{Retries: sm.cfg.MaxRetries})
}

func replyAll(batch []enqueuedRecord, _ Position, err error) {
	for _, rec := range batch {
		rec.reply <- appendResult{err: err}
	}
}

func backoff(attempt int) {
	d := time.Duration(1<<uint(attempt)) * time.Millisecond
	if d > 200*time.Millisecond {
		d = 200 * time.Millisecond
	}
	time.Sleep(d)
}
