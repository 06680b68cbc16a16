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
Package objectstore gives the rest of the core one narrow contract for
keyed byte storage (§6 of the spec): put with optional conditions, get
with an optional byte range, head, delete, list by prefix, and an
opportunistic copy-if-not-exists. Every suspension point in the WAL and
blockstore funnels through this interface, same spirit as memcp's
PersistenceEngine: one small interface, several interchangeable backends
(files, S3, ceph).
*/
package objectstore

import (
	"context"
	"errors"
	"io"
)

// ErrNotFound is returned when a key does not exist.
var ErrNotFound = errors.New("objectstore: not found")

// ErrAlreadyExists is returned by a create-if-absent conditional put
// (PutOpts.IfNotExists) when the key is already present.
var ErrAlreadyExists = errors.New("objectstore: already exists")

// ErrPreconditionFailed is returned when an etag-match conditional put
// observes a different current etag than expected.
var ErrPreconditionFailed = errors.New("objectstore: precondition failed")

// PutOpts controls conditional-write semantics.
type PutOpts struct {
	// IfNotExists demands the put fail with ErrAlreadyExists if the key
	// is already present. Used for first-write-wins sentinels.
	IfNotExists bool
	// IfMatchETag demands the put fail with ErrPreconditionFailed unless
	// the object's current etag equals this value. Empty means no
	// etag check is performed. Used for manifest and cursor
	// conditional advance.
	IfMatchETag string
}

// GetOpts restricts a Get to a byte range; a RangeStart of -1 reads the
// whole object.
type GetOpts struct {
	RangeStart int64 // inclusive, -1 means "no range"
	RangeEnd   int64 // exclusive, -1 means "to EOF"
}

// NoRange is the GetOpts reading an entire object.
var NoRange = GetOpts{RangeStart: -1, RangeEnd: -1}

// Metadata describes an object without fetching its body.
type Metadata struct {
	Path string
	Size int64
	ETag string
}

// Entry is one item yielded by List.
type Entry struct {
	Path string
	Size int64
}

// Store is the conditional keyed byte store every suspension point in
// the WAL and blockstore funnels through.
type Store interface {
	// PutOpts writes bytes at path, honoring opts. Returns the new
	// object's etag on success.
	PutOpts(ctx context.Context, path string, data []byte, opts PutOpts) (etag string, err error)
	// GetOpts reads bytes at path, honoring opts. Returns ErrNotFound
	// if the key does not exist.
	GetOpts(ctx context.Context, path string, opts GetOpts) ([]byte, error)
	// Head returns metadata without transferring the body.
	Head(ctx context.Context, path string) (Metadata, error)
	// Delete removes path. Deleting a missing key is not an error.
	Delete(ctx context.Context, path string) error
	// List streams every key under prefix, lexicographically.
	List(ctx context.Context, prefix string) ([]Entry, error)
	// CopyIfNotExists copies src to dst only if dst is absent. Backends
	// that cannot do this server-side fall back to get+put.
	CopyIfNotExists(ctx context.Context, src, dst string) error
}

// Put is PutOpts with the zero-value options: an unconditional write.
func Put(ctx context.Context, s Store, path string, data []byte) (string, error) {
	return s.PutOpts(ctx, path, data, PutOpts{})
}

// Get is GetOpts reading the whole object.
func Get(ctx context.Context, s Store, path string) ([]byte, error) {
	return s.GetOpts(ctx, path, NoRange)
}

// Reader adapts a byte slice into an io.ReadCloser the way backends that
// naturally stream (S3, ceph) hand bytes to callers that want the
// io.ReadCloser shape memcp's PersistenceEngine.ReadColumn exposes.
type Reader struct {
	*io.SectionReader
	data []byte
}

// NewReader wraps data for streaming consumption.
func NewReader(data []byte) *Reader {
	return &Reader{SectionReader: io.NewSectionReader(byteReaderAt(data), 0, int64(len(data))), data: data}
}

// Close is a no-op; byte-slice readers own no external resource.
func (r *Reader) Close() error { return nil }

type byteReaderAt []byte

func (b byteReaderAt) ReadAt(p []byte, off int64) (int, error) {
	if off >= int64(len(b)) {
		return 0, io.EOF
	}
	n := copy(p, b[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}
