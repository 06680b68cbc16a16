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

package catalog

import (
	"context"
	"sync"
	"time"
)

// MemoryCatalog is an in-process Client used by tests and by
// single-binary deployments that don't need a separate metadata
// store. It implements exactly the same atomicity contract as the SQL
// backends (a single mutex stands in for their transaction).
type MemoryCatalog struct {
	mu          sync.Mutex
	collections map[string]*Collection
	segments    map[string][]Segment // by collection id
	versions    map[string][]VersionFileEntry
	newData     map[string]CollectionWithNewData
}

// NewMemoryCatalog constructs an empty catalog.
func NewMemoryCatalog() *MemoryCatalog {
	return &MemoryCatalog{
		collections: make(map[string]*Collection),
		segments:    make(map[string][]Segment),
		versions:    make(map[string][]VersionFileEntry),
		newData:     make(map[string]CollectionWithNewData),
	}
}

// PutCollection seeds a collection, for test setup.
func (c *MemoryCatalog) PutCollection(col Collection) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cp := col
	c.collections[col.CollectionID] = &cp
}

// MarkNewData records that collectionID has unconsumed log records
// starting at firstLogOffset, for test setup of
// GetCollectionsWithNewData.
func (c *MemoryCatalog) MarkNewData(collectionID string, firstLogOffset uint64, firstLogTS int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.newData[collectionID] = CollectionWithNewData{CollectionID: collectionID, FirstLogOffset: firstLogOffset, FirstLogTS: firstLogTS}
}

func (c *MemoryCatalog) FlushCompaction(ctx context.Context, tenant, collectionID string, logPosition uint64, collectionVersion int64, segments []SegmentFlushInfo) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	col, ok := c.collections[collectionID]
	if !ok {
		return 0, ErrCollectionNotFound
	}
	if col.CollectionVersion != collectionVersion {
		return 0, ErrVersionMismatch
	}

	newVersion := col.CollectionVersion + 1
	c.versions[collectionID] = append(c.versions[collectionID], VersionFileEntry{Version: newVersion, CreatedAtUnix: time.Now().Unix()})

	existing := c.segments[collectionID]
	for _, s := range segments {
		replaced := false
		for i, e := range existing {
			if e.SegmentID == s.SegmentID {
				existing[i].FilePaths = s.Files
				replaced = true
				break
			}
		}
		if !replaced {
			existing = append(existing, Segment{SegmentID: s.SegmentID, CollectionID: collectionID, FilePaths: s.Files})
		}
	}
	c.segments[collectionID] = existing

	col.CollectionVersion = newVersion
	col.LogPosition = logPosition
	return newVersion, nil
}

func (c *MemoryCatalog) GetCollectionsWithNewData(ctx context.Context, minCompactionSize int) ([]CollectionWithNewData, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []CollectionWithNewData
	for id, nd := range c.newData {
		col, ok := c.collections[id]
		if !ok {
			continue
		}
		pending := nd.FirstLogOffset - col.LogPosition
		if nd.FirstLogOffset <= col.LogPosition || int(pending) < minCompactionSize {
			continue
		}
		out = append(out, nd)
	}
	return out, nil
}

func (c *MemoryCatalog) GetCollections(ctx context.Context, tenant string) ([]Collection, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []Collection
	for _, col := range c.collections {
		if tenant == "" || col.TenantID == tenant {
			out = append(out, *col)
		}
	}
	return out, nil
}

func (c *MemoryCatalog) GetSegments(ctx context.Context, collectionID string) ([]Segment, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Segment, len(c.segments[collectionID]))
	copy(out, c.segments[collectionID])
	return out, nil
}

func (c *MemoryCatalog) GetVersionFile(ctx context.Context, collectionID string) ([]VersionFileEntry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]VersionFileEntry, len(c.versions[collectionID]))
	copy(out, c.versions[collectionID])
	return out, nil
}

func (c *MemoryCatalog) MarkVersionsForDeletion(ctx context.Context, collectionID string, versions []int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	want := make(map[int64]bool, len(versions))
	for _, v := range versions {
		want[v] = true
	}
	entries := c.versions[collectionID]
	for i := range entries {
		if want[entries[i].Version] {
			entries[i].MarkedDeleted = true
		}
	}
	return nil
}

// BackdateVersionForTest rewrites a version's CreatedAtUnix, for tests
// that need to exercise age-based GC cutoffs without sleeping.
func (c *MemoryCatalog) BackdateVersionForTest(collectionID string, version int64, createdAtUnix int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entries := c.versions[collectionID]
	for i := range entries {
		if entries[i].Version == version {
			entries[i].CreatedAtUnix = createdAtUnix
		}
	}
}

var _ Client = (*MemoryCatalog)(nil)
