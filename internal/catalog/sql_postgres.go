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
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"
)

// PostgresCatalog is the reference catalog backend for deployments
// whose metadata store is a strongly consistent SQL database: stands
// in for the "Spanner-like" store spec.md §6 assumes the intrinsic
// cursor lives in, since both give FlushCompaction a single
// serializable transaction to commit segment installs, the version
// bump, and the cursor advance together.
type PostgresCatalog struct {
	db *sql.DB
}

// OpenPostgresCatalog connects to a Postgres catalog database and
// ensures its schema exists.
func OpenPostgresCatalog(ctx context.Context, dsn string) (*PostgresCatalog, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("catalog: open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("catalog: ping postgres: %w", err)
	}
	c := &PostgresCatalog{db: db}
	if err := c.ensureSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return c, nil
}

func (c *PostgresCatalog) ensureSchema(ctx context.Context) error {
	_, err := c.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS collections (
			collection_id TEXT PRIMARY KEY,
			tenant_id TEXT NOT NULL,
			collection_version BIGINT NOT NULL DEFAULT 0,
			log_position BIGINT NOT NULL DEFAULT 0,
			first_log_offset BIGINT NOT NULL DEFAULT 0,
			first_log_ts BIGINT NOT NULL DEFAULT 0
		);
		CREATE TABLE IF NOT EXISTS segments (
			segment_id TEXT PRIMARY KEY,
			collection_id TEXT NOT NULL REFERENCES collections(collection_id),
			kind TEXT NOT NULL,
			files JSONB NOT NULL
		);
		CREATE TABLE IF NOT EXISTS version_file (
			collection_id TEXT NOT NULL,
			version BIGINT NOT NULL,
			created_at_unix BIGINT NOT NULL,
			marked_deleted BOOLEAN NOT NULL DEFAULT false,
			PRIMARY KEY (collection_id, version)
		);
	`)
	if err != nil {
		return fmt.Errorf("catalog: ensure schema: %w", err)
	}
	return nil
}

// Close closes the underlying database handle.
func (c *PostgresCatalog) Close() error { return c.db.Close() }

func (c *PostgresCatalog) FlushCompaction(ctx context.Context, tenant, collectionID string, logPosition uint64, collectionVersion int64, segments []SegmentFlushInfo) (int64, error) {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("catalog: begin flush_compaction: %w", err)
	}
	defer tx.Rollback()

	var storedVersion int64
	err = tx.QueryRowContext(ctx, `SELECT collection_version FROM collections WHERE collection_id=$1 FOR UPDATE`, collectionID).Scan(&storedVersion)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrCollectionNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("catalog: read version: %w", err)
	}
	if storedVersion != collectionVersion {
		return 0, ErrVersionMismatch
	}

	newVersion := storedVersion + 1
	now := time.Now().Unix()
	if _, err := tx.ExecContext(ctx, `INSERT INTO version_file(collection_id, version, created_at_unix) VALUES ($1,$2,$3)`, collectionID, newVersion, now); err != nil {
		return 0, fmt.Errorf("catalog: record version file entry: %w", err)
	}

	for _, seg := range segments {
		raw, err := json.Marshal(seg.Files)
		if err != nil {
			return 0, fmt.Errorf("catalog: encode segment files: %w", err)
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO segments(segment_id, collection_id, kind, files) VALUES ($1,$2,$3,$4)
			ON CONFLICT (segment_id) DO UPDATE SET files = EXCLUDED.files
		`, seg.SegmentID, collectionID, "unspecified", raw)
		if err != nil {
			return 0, fmt.Errorf("catalog: install segment %s: %w", seg.SegmentID, err)
		}
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE collections SET collection_version=$1, log_position=$2 WHERE collection_id=$3
	`, newVersion, logPosition, collectionID)
	if err != nil {
		return 0, fmt.Errorf("catalog: bump version: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("catalog: commit flush_compaction: %w", err)
	}
	return newVersion, nil
}

func (c *PostgresCatalog) GetCollectionsWithNewData(ctx context.Context, minCompactionSize int) ([]CollectionWithNewData, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT collection_id, first_log_offset, first_log_ts FROM collections
		WHERE first_log_offset > log_position
	`)
	if err != nil {
		return nil, fmt.Errorf("catalog: get_collections_with_new_data: %w", err)
	}
	defer rows.Close()
	var out []CollectionWithNewData
	for rows.Next() {
		var c CollectionWithNewData
		if err := rows.Scan(&c.CollectionID, &c.FirstLogOffset, &c.FirstLogTS); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (c *PostgresCatalog) GetCollections(ctx context.Context, tenant string) ([]Collection, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT tenant_id, collection_id, collection_version, log_position FROM collections WHERE tenant_id=$1
	`, tenant)
	if err != nil {
		return nil, fmt.Errorf("catalog: get_collections: %w", err)
	}
	defer rows.Close()
	var out []Collection
	for rows.Next() {
		var col Collection
		if err := rows.Scan(&col.TenantID, &col.CollectionID, &col.CollectionVersion, &col.LogPosition); err != nil {
			return nil, err
		}
		out = append(out, col)
	}
	return out, rows.Err()
}

func (c *PostgresCatalog) GetSegments(ctx context.Context, collectionID string) ([]Segment, error) {
	rows, err := c.db.QueryContext(ctx, `SELECT segment_id, collection_id, kind, files FROM segments WHERE collection_id=$1`, collectionID)
	if err != nil {
		return nil, fmt.Errorf("catalog: get_segments: %w", err)
	}
	defer rows.Close()
	var out []Segment
	for rows.Next() {
		var s Segment
		var raw []byte
		if err := rows.Scan(&s.SegmentID, &s.CollectionID, &s.Kind, &raw); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(raw, &s.FilePaths); err != nil {
			return nil, fmt.Errorf("catalog: decode segment files: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (c *PostgresCatalog) GetVersionFile(ctx context.Context, collectionID string) ([]VersionFileEntry, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT version, created_at_unix, marked_deleted FROM version_file WHERE collection_id=$1 ORDER BY version
	`, collectionID)
	if err != nil {
		return nil, fmt.Errorf("catalog: get_version_file: %w", err)
	}
	defer rows.Close()
	var out []VersionFileEntry
	for rows.Next() {
		var v VersionFileEntry
		if err := rows.Scan(&v.Version, &v.CreatedAtUnix, &v.MarkedDeleted); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func (c *PostgresCatalog) MarkVersionsForDeletion(ctx context.Context, collectionID string, versions []int64) error {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("catalog: begin mark_versions_for_deletion: %w", err)
	}
	defer tx.Rollback()
	for _, v := range versions {
		if _, err := tx.ExecContext(ctx, `UPDATE version_file SET marked_deleted=true WHERE collection_id=$1 AND version=$2`, collectionID, v); err != nil {
			return fmt.Errorf("catalog: mark version %d: %w", v, err)
		}
	}
	return tx.Commit()
}

var _ Client = (*PostgresCatalog)(nil)
