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

/*
Package wal implements the write-ahead log (C2-C7): fragment
writer/reader, the manifest and its manager, the shard-based log
writer, the log reader, the cursor store, and the three-phase garbage
collector.
*/
package wal

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/vstorage/corestore/internal/codec"
	"github.com/vstorage/corestore/internal/objectstore"
	"github.com/vstorage/corestore/internal/setsum"
)

// Position is a log offset. Position 0 is a reserved sentinel; 1 is the
// first valid record.
type Position = uint64

// LogRecord is an opaque payload assigned a position once appended.
// The log never interprets the bytes.
type LogRecord struct {
	Position Position
	Payload  []byte
}

// Fragment is an immutable object holding a contiguous range of
// positions (§3).
type Fragment struct {
	Path     string
	SeqNo    uint64
	Start    Position
	Limit    Position
	NumBytes uint64
	Setsum   setsum.T
}

// wireFragment is the on-the-wire shape written to the fragment object
// itself: the records plus their folded Setsum. NumBytes is not stored
// (it is the object's size), and ScrubFragment recomputes the setsum
// from the records rather than reading this field back.
type wireFragment struct {
	SeqNo   uint64          `json:"seq_no"`
	Start   Position        `json:"start"`
	Limit   Position        `json:"limit"`
	Records [][]byte        `json:"records"`
	Setsum  setsum.T        `json:"setsum"`
}

// FragmentPath is the object key a fragment with the given bucket id
// and seq_no is stored under (§6's on-storage layout).
func FragmentPath(bucketID string, seqNo uint64) string {
	return fmt.Sprintf("log/Bucket=%s/FragmentSeqNo=%d.parquet", bucketID, seqNo)
}

// WriteFragment serializes records (already assigned contiguous
// positions start..start+len(records)) into one object, computing the
// commutative setsum once during write and storing it alongside the
// records.
func WriteFragment(ctx context.Context, store objectstore.Store, kind codec.Kind, bucketID string, seqNo uint64, start Position, records [][]byte) (Fragment, error) {
	if len(records) == 0 {
		return Fragment{}, fmt.Errorf("wal: cannot write an empty fragment")
	}
	sum := setsum.T{}
	for _, r := range records {
		sum = sum.Add(setsum.Of(r))
	}
	w := wireFragment{
		SeqNo:   seqNo,
		Start:   start,
		Limit:   start + Position(len(records)),
		Records: records,
		Setsum:  sum,
	}
	raw, err := json.Marshal(w)
	if err != nil {
		return Fragment{}, fmt.Errorf("wal: encode fragment: %w", err)
	}
	data, err := codec.Compress(kind, raw)
	if err != nil {
		return Fragment{}, err
	}
	path := FragmentPath(bucketID, seqNo)
	if _, err := objectstore.Put(ctx, store, path, data); err != nil {
		return Fragment{}, fmt.Errorf("wal: write fragment %s: %w", path, err)
	}
	return Fragment{
		Path:     path,
		SeqNo:    seqNo,
		Start:    w.Start,
		Limit:    w.Limit,
		NumBytes: uint64(len(data)),
		Setsum:   sum,
	}, nil
}

// ReadFragment returns the records in [lo, hi) from the fragment stored
// at path (hi exclusive; a zero hi means unbounded — read to the
// fragment's limit).
func ReadFragment(ctx context.Context, store objectstore.Store, kind codec.Kind, path string, lo, hi Position) ([]LogRecord, error) {
	data, err := objectstore.Get(ctx, store, path)
	if err != nil {
		return nil, fmt.Errorf("wal: read fragment %s: %w", path, err)
	}
	raw, err := codec.Decompress(kind, data)
	if err != nil {
		return nil, fmt.Errorf("wal: decode fragment %s: %w", path, err)
	}
	var w wireFragment
	if err := json.Unmarshal(raw, &w); err != nil {
		return nil, fmt.Errorf("wal: decode fragment %s: %w", path, err)
	}
	if hi == 0 || hi > w.Limit {
		hi = w.Limit
	}
	var out []LogRecord
	for i, rec := range w.Records {
		pos := w.Start + Position(i)
		if pos < lo || pos >= hi {
			continue
		}
		out = append(out, LogRecord{Position: pos, Payload: rec})
	}
	return out, nil
}

// ScrubFragment recomputes the setsum of the fragment at path and
// compares it against want, the value recorded in the manifest.
func ScrubFragment(ctx context.Context, store objectstore.Store, kind codec.Kind, path string, want setsum.T) error {
	data, err := objectstore.Get(ctx, store, path)
	if err != nil {
		return fmt.Errorf("wal: scrub: %w", err)
	}
	raw, err := codec.Decompress(kind, data)
	if err != nil {
		return fmt.Errorf("wal: scrub: %w", err)
	}
	var w wireFragment
	if err := json.Unmarshal(raw, &w); err != nil {
		return fmt.Errorf("wal: scrub: %w", err)
	}
	got := setsum.T{}
	for _, r := range w.Records {
		got = got.Add(setsum.Of(r))
	}
	if !got.Equal(want) {
		return fmt.Errorf("wal: scrub: setsum mismatch for %s: fragment has %s, manifest expects %s", path, got, want)
	}
	return nil
}
