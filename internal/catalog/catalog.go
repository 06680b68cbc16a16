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

// Package catalog defines the client interface to the strongly
// consistent metadata store (spec.md §6's "Catalog service"): it owns
// collection/segment/version bookkeeping and the intrinsic cursor a
// collection's compactions advance. Two reference backends are
// provided, one per SQL driver carried over from the teacher's go.mod:
// sql_postgres.go (lib/pq) and sql_mysql.go (go-sql-driver/mysql).
package catalog

import (
	"context"
	"errors"
)

// ErrVersionMismatch is returned by FlushCompaction when the caller's
// CollectionVersion no longer matches the stored one: a concurrent
// compaction or admin operation already advanced it.
var ErrVersionMismatch = errors.New("catalog: version mismatch")

// ErrCollectionNotFound is returned whenever a collection id does not
// resolve to a row in the catalog.
var ErrCollectionNotFound = errors.New("catalog: collection not found")

// SegmentFlushInfo names the files a single segment's flush pass
// produced, grouped by file kind (e.g. "block", "sparse_index").
type SegmentFlushInfo struct {
	SegmentID string
	Files     map[string][]string
}

// CollectionWithNewData is one row of get_collections_with_new_data:
// a collection whose intrinsic cursor trails its log tail by at least
// one record.
type CollectionWithNewData struct {
	CollectionID  string
	FirstLogOffset uint64
	FirstLogTS     int64
}

// Collection is the catalog's view of one collection: its current
// version and intrinsic cursor position.
type Collection struct {
	TenantID         string
	CollectionID     string
	CollectionVersion int64
	LogPosition      uint64
}

// Segment is one of a collection's storage segments (e.g. the record,
// vector, or metadata segment).
type Segment struct {
	SegmentID    string
	CollectionID string
	Kind         string
	FilePaths    map[string][]string
}

// VersionFileEntry is one retained version of a collection's on-disk
// layout, as read back by GetVersionFile.
type VersionFileEntry struct {
	Version       int64
	CreatedAtUnix int64
	MarkedDeleted bool
}

// Client is everything the compaction and GC orchestrators need from
// the catalog (spec.md §6). Two SQL-backed implementations exist;
// production deployments may instead point this at a Spanner-like
// store, which is exactly why this stays an interface rather than a
// concrete type.
type Client interface {
	// FlushCompaction atomically installs new segment files, bumps
	// the collection's version, and advances its intrinsic cursor to
	// logPosition. It fails with ErrVersionMismatch if
	// collectionVersion does not match the stored value.
	FlushCompaction(ctx context.Context, tenant, collectionID string, logPosition uint64, collectionVersion int64, segments []SegmentFlushInfo) (newVersion int64, err error)

	GetCollectionsWithNewData(ctx context.Context, minCompactionSize int) ([]CollectionWithNewData, error)
	GetCollections(ctx context.Context, tenant string) ([]Collection, error)
	GetSegments(ctx context.Context, collectionID string) ([]Segment, error)
	GetVersionFile(ctx context.Context, collectionID string) ([]VersionFileEntry, error)

	// MarkVersionsForDeletion durably records that the given versions
	// are deletable; actual object deletion is a downstream concern
	// out of scope here (spec.md §4.3.2).
	MarkVersionsForDeletion(ctx context.Context, collectionID string, versions []int64) error
}
