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

// Package compactor implements the compaction orchestrator (C13): the
// state machine that folds a window of log records into new blockfile
// segments and registers them at the catalog.
package compactor

import (
	"encoding/json"
	"fmt"

	"github.com/vstorage/corestore/internal/wal"
)

// Op is the kind of write a log record represents. The log itself
// never interprets record bytes (wal.LogRecord.Payload is opaque); Op
// is this package's own wire vocabulary, JSON-encoded into that
// payload by whatever pushes records.
type Op uint8

const (
	OpAdd Op = iota
	OpUpdate
	OpOverwrite
	OpDelete
)

func (o Op) String() string {
	switch o {
	case OpAdd:
		return "add"
	case OpUpdate:
		return "update"
	case OpOverwrite:
		return "overwrite"
	case OpDelete:
		return "delete"
	default:
		return fmt.Sprintf("op(%d)", uint8(o))
	}
}

// LogOperation is one user-visible mutation against a single id.
type LogOperation struct {
	ID             string         `json:"id"`
	Op             Op             `json:"op"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	MetadataUnset  []string       `json:"metadata_unset,omitempty"`
	Document       *string        `json:"document,omitempty"`
	Embedding      []float32      `json:"embedding,omitempty"`
}

// EncodeOperation serializes op for use as a wal.LogRecord payload.
func EncodeOperation(op LogOperation) ([]byte, error) {
	return json.Marshal(op)
}

// DecodeOperation is the inverse of EncodeOperation.
func DecodeOperation(payload []byte) (LogOperation, error) {
	var op LogOperation
	if err := json.Unmarshal(payload, &op); err != nil {
		return LogOperation{}, fmt.Errorf("compactor: decode log operation: %w", err)
	}
	return op, nil
}

// PositionedOp pairs a decoded operation with the wal.Position it was
// appended at, so materialization can fold history in log order.
type PositionedOp struct {
	Position wal.Position
	Op       LogOperation
}

// DecodeBatch decodes every record in records, preserving position
// order. A record that fails to decode is skipped rather than
// aborting the whole batch — a single corrupt payload should not
// block compaction of everything else in the window.
func DecodeBatch(records []wal.LogRecord) ([]PositionedOp, []error) {
	out := make([]PositionedOp, 0, len(records))
	var errs []error
	for _, r := range records {
		op, err := DecodeOperation(r.Payload)
		if err != nil {
			errs = append(errs, fmt.Errorf("compactor: position %d: %w", r.Position, err))
			continue
		}
		out = append(out, PositionedOp{Position: r.Position, Op: op})
	}
	return out, errs
}

// MaterializedRecord is the resolved, final state of one id after
// folding every operation in a partition (spec.md §4.3.1's
// MaterializeLogs).
type MaterializedRecord struct {
	ID        string
	Op        Op // OpDelete means this id is being removed
	Metadata  map[string]any
	Document  *string
	Embedding []float32
}

// Lookup resolves an id's pre-existing state (e.g. from the current
// record segment reader), used to seed Update's metadata merge. A nil
// Lookup behaves as if nothing existed yet for any id.
type Lookup func(id string) (MaterializedRecord, bool)

// Materialize folds every op for a single id, later operations
// superseding earlier ones: Add/Overwrite replace state outright,
// Update merges metadata onto the existing (looked-up or
// already-folded) state, Delete tombstones the id regardless of what
// came before.
func Materialize(id string, ops []PositionedOp, lookup Lookup) MaterializedRecord {
	var cur MaterializedRecord
	cur.ID = id
	if lookup != nil {
		if existing, ok := lookup(id); ok {
			cur = existing
		}
	}
	for _, p := range ops {
		switch p.Op.Op {
		case OpAdd, OpOverwrite:
			cur = MaterializedRecord{
				ID:        id,
				Op:        p.Op.Op,
				Metadata:  cloneMetadata(p.Op.Metadata),
				Document:  p.Op.Document,
				Embedding: p.Op.Embedding,
			}
		case OpUpdate:
			if cur.Metadata == nil {
				cur.Metadata = make(map[string]any)
			}
			for k, v := range p.Op.Metadata {
				cur.Metadata[k] = v
			}
			for _, k := range p.Op.MetadataUnset {
				delete(cur.Metadata, k)
			}
			if p.Op.Document != nil {
				cur.Document = p.Op.Document
			}
			if p.Op.Embedding != nil {
				cur.Embedding = p.Op.Embedding
			}
			cur.Op = OpUpdate
			cur.ID = id
		case OpDelete:
			cur = MaterializedRecord{ID: id, Op: OpDelete}
		}
	}
	return cur
}

func cloneMetadata(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
