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
	"fmt"

	"github.com/vstorage/corestore/internal/blockstore"
	"github.com/vstorage/corestore/internal/codec"
	"github.com/vstorage/corestore/internal/objectstore"
)

// recordPayload is the record segment's value shape: resolved document
// and embedding, serialized as the blockfile's opaque ValueBytes.
type recordPayload struct {
	Document  *string   `json:"document,omitempty"`
	Embedding []float32 `json:"embedding,omitempty"`
}

// snapshotLookup builds a Lookup backed by the record and metadata
// segments' current snapshots, so Materialize can seed an OpUpdate-only
// batch with the state an earlier compaction round already flushed
// (§4.3.1's MaterializeLogs runs once per round; an id whose Add landed
// in an earlier round still needs its Document/Embedding preserved when
// a later round only sees an Update for it). A lookup miss — not found,
// or a row that fails to decode — is treated the same as "nothing
// flushed yet", matching DecodeBatch's own skip-on-corruption stance.
func snapshotLookup(ctx context.Context, cache *blockstore.Cache, recordBase, metadataBase *blockstore.Snapshot) Lookup {
	return func(id string) (MaterializedRecord, bool) {
		key := blockstore.CompositeKey{Key: blockstore.TextKey(id)}
		found := false
		rec := MaterializedRecord{ID: id, Op: OpAdd}

		if recordBase != nil {
			if row, ok, err := recordBase.Get(ctx, cache, key); err == nil && ok {
				var payload recordPayload
				if json.Unmarshal(row.Value.Bytes, &payload) == nil {
					rec.Document = payload.Document
					rec.Embedding = payload.Embedding
					found = true
				}
			}
		}
		if metadataBase != nil {
			if row, ok, err := metadataBase.Get(ctx, cache, key); err == nil && ok {
				var metadata map[string]any
				if json.Unmarshal(row.Value.Bytes, &metadata) == nil {
					rec.Metadata = metadata
					found = true
				}
			}
		}
		if !found {
			return MaterializedRecord{}, false
		}
		return rec, true
	}
}

// flushRecordSegment is the BlockfileFlush edge of spec.md §4.3.1: open
// a transactional Writer against base, apply every materialized
// record's final state, commit a new immutable Snapshot. Deleted ids
// are removed outright rather than written as tombstone rows, since
// the blockfile's own sparse index already makes "absent" the
// cheapest possible representation of "gone".
func flushRecordSegment(ctx context.Context, base *blockstore.Snapshot, cache *blockstore.Cache, store objectstore.Store, materialized []MaterializedRecord) (*blockstore.Snapshot, error) {
	w := blockstore.NewWriter(base, cache, blockstore.KeyText, blockstore.ValueBytes, true, codec.LZ4)
	for _, m := range materialized {
		key := blockstore.CompositeKey{Key: blockstore.TextKey(m.ID)}
		if m.Op == OpDelete {
			if err := w.Delete(ctx, key); err != nil {
				return nil, fmt.Errorf("compactor: flush record segment: delete %s: %w", m.ID, err)
			}
			continue
		}
		payload, err := json.Marshal(recordPayload{Document: m.Document, Embedding: m.Embedding})
		if err != nil {
			return nil, fmt.Errorf("compactor: flush record segment: encode %s: %w", m.ID, err)
		}
		if err := w.Put(ctx, key, blockstore.Value{Type: blockstore.ValueBytes, Bytes: payload}); err != nil {
			return nil, fmt.Errorf("compactor: flush record segment: put %s: %w", m.ID, err)
		}
	}
	snap, err := w.Commit(ctx, store)
	if err != nil {
		return nil, fmt.Errorf("compactor: flush record segment: commit: %w", err)
	}
	return snap, nil
}

// flushMetadataSegment is this core's stand-in for the metadata
// inverted index's MetadataFlush edge: each id's resolved metadata
// blob keyed by id, so a later metadata segment implementation can
// rebuild postings from it without re-reading the log. A full
// attribute-keyed posting list is out of scope here (spec.md's Non-
// goals exclude query execution); this keeps the edge exercised and
// the data it would need on hand.
func flushMetadataSegment(ctx context.Context, base *blockstore.Snapshot, cache *blockstore.Cache, store objectstore.Store, materialized []MaterializedRecord) (*blockstore.Snapshot, error) {
	w := blockstore.NewWriter(base, cache, blockstore.KeyText, blockstore.ValueBytes, true, codec.LZ4)
	for _, m := range materialized {
		key := blockstore.CompositeKey{Key: blockstore.TextKey(m.ID)}
		if m.Op == OpDelete || len(m.Metadata) == 0 {
			if err := w.Delete(ctx, key); err != nil {
				return nil, fmt.Errorf("compactor: flush metadata segment: delete %s: %w", m.ID, err)
			}
			continue
		}
		payload, err := json.Marshal(m.Metadata)
		if err != nil {
			return nil, fmt.Errorf("compactor: flush metadata segment: encode %s: %w", m.ID, err)
		}
		if err := w.Put(ctx, key, blockstore.Value{Type: blockstore.ValueBytes, Bytes: payload}); err != nil {
			return nil, fmt.Errorf("compactor: flush metadata segment: put %s: %w", m.ID, err)
		}
	}
	snap, err := w.Commit(ctx, store)
	if err != nil {
		return nil, fmt.Errorf("compactor: flush metadata segment: commit: %w", err)
	}
	return snap, nil
}

// blockIDs lists every block a snapshot's sparse index currently
// references, the file-path payload FlushCompaction's SegmentFlushInfo
// records at the catalog.
func blockIDs(snap *blockstore.Snapshot) []string {
	ids := make([]string, 0, len(snap.Blocks))
	for id := range snap.Blocks {
		ids = append(ids, id.String())
	}
	return ids
}
