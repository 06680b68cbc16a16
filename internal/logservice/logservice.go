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

// Package logservice exposes the minimum log-service RPCs of spec.md
// §6 (push_logs, pull_logs, scout_logs, update_collection_log_offset)
// as a thin, per-collection wrapper over internal/wal so the
// compaction orchestrator never touches ManifestManager/ShardManager
// directly.
package logservice

import (
	"context"
	"fmt"

	"github.com/vstorage/corestore/internal/codec"
	"github.com/vstorage/corestore/internal/wal"
)

// Service is one collection's log: a shard manager for writes, a
// manifest manager both share, and a reader for materialization.
type Service struct {
	shards *wal.ShardManager
	mgr    *wal.ManifestManager
	reader *wal.Reader
}

// New wraps an already-open ShardManager/ManifestManager pair.
func New(shards *wal.ShardManager, mgr *wal.ManifestManager, reader *wal.Reader) *Service {
	return &Service{shards: shards, mgr: mgr, reader: reader}
}

// PushLogs appends payload to shardID, returning the position it was
// assigned.
func (s *Service) PushLogs(ctx context.Context, shardID int, payload []byte) (wal.Position, error) {
	return s.shards.Append(ctx, shardID, payload)
}

// PullLogs reads every record in [startOffset, startOffset+batchSize)
// from the collection's current manifest.
func (s *Service) PullLogs(ctx context.Context, startOffset wal.Position, batchSize int) ([]wal.LogRecord, error) {
	m := s.mgr.Current()
	limit := startOffset + wal.Position(batchSize)
	if limit > m.NewestTimestamp() {
		limit = m.NewestTimestamp()
	}
	if limit <= startOffset {
		return nil, nil
	}
	records, err := s.reader.Scan(ctx, m, startOffset, limit)
	if err != nil {
		return nil, fmt.Errorf("logservice: pull_logs: %w", err)
	}
	return records, nil
}

// ScoutResult is the reply to scout_logs.
type ScoutResult struct {
	FirstUncompactedOffset wal.Position
	FirstUninsertedOffset  wal.Position
}

// ScoutLogs reports the log's oldest retained position and its
// current write tail, letting a caller decide how much work remains
// without reading any record bytes.
func (s *Service) ScoutLogs(ctx context.Context) ScoutResult {
	m := s.mgr.Current()
	return ScoutResult{
		FirstUncompactedOffset: m.OldestTimestamp(),
		FirstUninsertedOffset:  m.NewestTimestamp(),
	}
}

// CursorName is the well-known name the compaction orchestrator's
// intrinsic cursor is persisted under.
const CursorName = "compaction"

// UpdateCollectionLogOffset advances the named external cursor to
// newOffset, matching spec.md §6's update_collection_log_offset RPC.
func (s *Service) UpdateCollectionLogOffset(ctx context.Context, cursors *wal.CursorStore, name string, witness wal.Position, newOffset wal.Position, writer string) error {
	return cursors.Save(ctx, name, witness, newOffset, writer, false)
}

// DefaultCodec is the fragment codec new Service instances should use
// unless a deployment overrides it for a higher-ratio cold path.
var DefaultCodec = codec.LZ4
