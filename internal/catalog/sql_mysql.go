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

	_ "github.com/go-sql-driver/mysql"
)

// MySQLCatalog is the second reference catalog backend, grounded on
// the teacher's own MySQL client usage in storage/mysql_import.go
// (database/sql plus the go-sql-driver/mysql import-for-side-effects
// pattern). Semantically identical to PostgresCatalog; the two exist
// to show the catalog boundary is a real interface, not a Postgres-
// shaped afterthought.
type MySQLCatalog struct {
	db *sql.DB
}

// OpenMySQLCatalog connects to a MySQL catalog database and ensures
// its schema exists. dsn follows go-sql-driver/mysql's DSN format.
func OpenMySQLCatalog(ctx context.Context, dsn string) (*MySQLCatalog, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("catalog: open mysql: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("catalog: ping mysql: %w", err)
	}
	c := &MySQLCatalog{db: db}
	if err := c.ensureSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return c, nil
}

func (c *MySQLCatalog) ensureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS collections (
			collection_id VARCHAR(191) PRIMARY KEY,
			tenant_id VARCHAR(191) NOT NULL,
			collection_version BIGINT NOT NULL DEFAULT 0,
			log_position BIGINT NOT NULL DEFAULT 0,
			first_log_offset BIGINT NOT NULL DEFAULT 0,
			first_log_ts BIGINT NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS segments (
			segment_id VARCHAR(191) PRIMARY KEY,
			collection_id VARCHAR(191) NOT NULL,
			kind VARCHAR(64) NOT NULL,
			files JSON NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS version_file (
			collection_id VARCHAR(191) NOT NULL,
			version BIGINT NOT NULL,
			created_at_unix BIGINT NOT NULL,
			marked_deleted BOOLEAN NOT NULL DEFAULT false,
			PRIMARY KEY (collection_id, version)
		)`,
	}
	for _, s := range stmts {
		if _, err := c.db.ExecContext(ctx, s); err != nil {
			return fmt.Errorf("catalog: ensure schema: %w", err)
		}
	}
	return nil
}

// Close closes the underlying database handle.
func (c *MySQLCatalog) Close() error { return c.db.Close() }

func (c *MySQLCatalog) FlushCompaction(ctx context.Context, tenant, collectionID string, logPosition uint64, collectionVersion int64, segments []SegmentFlushInfo) (int64, error) {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("catalog: begin flush_compaction: %w", err)
	}
	defer tx.Rollback()

	var storedVersion int64
	err = tx.QueryRowContext(ctx, `SELECT collection_version FROM collections WHERE collection_id=? FOR UPDATE`, collectionID).Scan(&storedVersion)
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
	if _, err := tx.ExecContext(ctx, `INSERT INTO version_file(collection_id, version, created_at_unix) VALUES (?,?,?)`, collectionID, newVersion, time.Now().Unix()); err != nil {
		return 0, fmt.Errorf("catalog: record version file entry: %w", err)
	}

	for _, seg := range segments {
		raw, err := json.Marshal(seg.Files)
		if err != nil {
			return 0, fmt.Errorf("catalog: encode segment files: %w", err)
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO segments(segment_id, collection_id, kind, files) VALUES (?,?,?,?)
			ON DUPLICATE KEY UPDATE files = VALUES(files)
		`, seg.SegmentID, collectionID, "unspecified", raw)
		if err != nil {
			return 0, fmt.Errorf("catalog: install segment %s: %w", seg.SegmentID, err)
		}
	}

	_, err = tx.ExecContext(ctx, `UPDATE collections SET collection_version=?, log_position=? WHERE collection_id=?`, newVersion, logPosition, collectionID)
	if err != nil {
		return 0, fmt.Errorf("catalog: bump version: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("catalog: commit flush_compaction: %w", err)
	}
	return newVersion, nil
}

func (c *MySQLCatalog) GetCollectionsWithNewData(ctx context.Context, minCompactionSize int) ([]CollectionWithNewData, error) {
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

func (c *MySQLCatalog) GetCollections(ctx context.Context, tenant string) ([]Collection, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT tenant_id, collection_id, collection_version, log_position FROM collections WHERE tenant_id=?
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

func (c *MySQLCatalog) GetSegments(ctx context.Context, collectionID string) ([]Segment, error) {
	rows, err := c.db.QueryContext(ctx, `SELECT segment_id, collection_id, kind, files FROM segments WHERE collection_id=?`, collectionID)
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

func (c *MySQLCatalog) GetVersionFile(ctx context.Context, collectionID string) ([]VersionFileEntry, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT version, created_at_unix, marked_deleted FROM version_file WHERE collection_id=? ORDER BY version
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

func (c *MySQLCatalog) MarkVersionsForDeletion(ctx context.Context, collectionID string, versions []int64) error {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("catalog: begin mark_versions_for_deletion: %w", err)
	}
	defer tx.Rollback()
	for _, v := range versions {
		if _, err := tx.ExecContext(ctx, `UPDATE version_file SET marked_deleted=true WHERE collection_id=? AND version=?`, collectionID, v); err != nil {
			return fmt.Errorf("catalog: mark version %d: %w", v, err)
		}
	}
	return tx.Commit()
}

var _ Client = (*MySQLCatalog)(nil)
