// Package sqlitestore provides the SQLite-backed local store, mutation log,
// and sync-state store for the overstore engine. A single Store value
// implements all three storage contracts over one database handle, so an
// application keeps records, queued mutations, and sync checkpoints in one
// durable file.
// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package sqlitestore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/mobiletoly/go-overstore/overstore"
)

// Store implements overstore.LocalStore, overstore.MutationLog, and
// overstore.SyncStateStore on a SQLite database.
type Store struct {
	db *sql.DB

	// Serialize write operations to prevent SQLite locking issues.
	writeMu sync.Mutex
}

// Open opens (creating if needed) the database at path and initializes the
// engine tables.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// SQLite handles one writer at a time; a single pooled connection keeps
	// transactions and in-memory databases coherent.
	db.SetMaxOpenConns(1)
	s := &Store{db: db}
	if err := s.initialize(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// OpenInMemory opens a fresh in-memory database (used heavily in tests).
func OpenInMemory() (*Store, error) {
	return Open(":memory:")
}

// DB exposes the underlying handle for application-level queries.
func (s *Store) DB() *sql.DB { return s.db }

// Close closes the database handle.
func (s *Store) Close() error { return s.db.Close() }

func (s *Store) initialize() error {
	if _, err := s.db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		return fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := s.db.Exec(`PRAGMA foreign_keys=ON`); err != nil {
		return fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	tables := []string{
		`CREATE TABLE IF NOT EXISTS overstore_records (
			model_type TEXT NOT NULL,
			id         TEXT NOT NULL,
			fields     TEXT NOT NULL, -- JSON field map
			PRIMARY KEY (model_type, id)
		)`,

		// Server-assigned version bookkeeping, kept even for deleted rows so
		// reconciliation stays idempotent under re-delivery.
		`CREATE TABLE IF NOT EXISTS overstore_row_meta (
			model_type      TEXT NOT NULL,
			id              TEXT NOT NULL,
			server_version  INTEGER NOT NULL DEFAULT 0,
			last_changed_at TEXT NOT NULL DEFAULT '',
			deleted         INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (model_type, id)
		)`,

		// Pending mutation queue. The outbox coalesces to one queued row per
		// record, but a second row is legal while the first is in flight, so
		// the record key is deliberately not unique here.
		`CREATE TABLE IF NOT EXISTS overstore_pending (
			event_id     TEXT PRIMARY KEY,
			model_type   TEXT NOT NULL,
			model_id     TEXT NOT NULL,
			op           TEXT NOT NULL CHECK (op IN ('CREATE','UPDATE','DELETE')),
			base_version INTEGER NOT NULL DEFAULT 0,
			fields       TEXT, -- JSON, NULL for DELETE
			in_flight    INTEGER NOT NULL DEFAULT 0,
			created_at   TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS overstore_pending_key
			ON overstore_pending (model_type, model_id)`,

		`CREATE TABLE IF NOT EXISTS overstore_sync_state (
			model_type     TEXT PRIMARY KEY,
			last_sync_time TEXT NOT NULL DEFAULT '',
			schema_version TEXT NOT NULL DEFAULT '',
			fully_synced   INTEGER NOT NULL DEFAULT 0
		)`,
	}
	for _, table := range tables {
		if _, err := s.db.Exec(table); err != nil {
			return fmt.Errorf("failed to create engine table: %w", err)
		}
	}
	return nil
}

// ---- overstore.LocalStore ----

func (s *Store) Get(ctx context.Context, modelType, id string) (*overstore.Record, *overstore.SyncMetadata, error) {
	var fieldsJSON string
	var rec *overstore.Record
	err := s.db.QueryRowContext(ctx, `
		SELECT fields FROM overstore_records WHERE model_type = ? AND id = ?
	`, modelType, id).Scan(&fieldsJSON)
	switch {
	case err == sql.ErrNoRows:
	case err != nil:
		return nil, nil, fmt.Errorf("failed to query record: %w", err)
	default:
		fields := make(map[string]any)
		if err := json.Unmarshal([]byte(fieldsJSON), &fields); err != nil {
			return nil, nil, fmt.Errorf("failed to decode record fields: %w", err)
		}
		rec = &overstore.Record{ModelType: modelType, ID: id, Fields: fields}
	}

	var version int64
	var changedAt string
	var deleted int
	err = s.db.QueryRowContext(ctx, `
		SELECT server_version, last_changed_at, deleted
		FROM overstore_row_meta WHERE model_type = ? AND id = ?
	`, modelType, id).Scan(&version, &changedAt, &deleted)
	switch {
	case err == sql.ErrNoRows:
		return rec, nil, nil
	case err != nil:
		return nil, nil, fmt.Errorf("failed to query row meta: %w", err)
	}

	meta := &overstore.SyncMetadata{
		Version: version,
		Deleted: deleted != 0,
	}
	if changedAt != "" {
		t, err := time.Parse(time.RFC3339Nano, changedAt)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to parse last_changed_at: %w", err)
		}
		meta.LastChangedAt = t
	}
	return rec, meta, nil
}

func (s *Store) Save(ctx context.Context, record overstore.Record, meta *overstore.SyncMetadata) error {
	fieldsJSON, err := json.Marshal(record.Fields)
	if err != nil {
		return fmt.Errorf("failed to encode record fields: %w", err)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO overstore_records (model_type, id, fields) VALUES (?, ?, ?)
		ON CONFLICT (model_type, id) DO UPDATE SET fields = excluded.fields
	`, record.ModelType, record.ID, string(fieldsJSON)); err != nil {
		return fmt.Errorf("failed to upsert record: %w", err)
	}

	if meta != nil {
		if err := upsertMetaInTx(ctx, tx, record.ModelType, record.ID, meta); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *Store) Delete(ctx context.Context, modelType, id string, meta *overstore.SyncMetadata) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		DELETE FROM overstore_records WHERE model_type = ? AND id = ?
	`, modelType, id); err != nil {
		return fmt.Errorf("failed to delete record: %w", err)
	}
	if meta != nil {
		if err := upsertMetaInTx(ctx, tx, modelType, id, meta); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func upsertMetaInTx(ctx context.Context, tx *sql.Tx, modelType, id string, meta *overstore.SyncMetadata) error {
	changedAt := ""
	if !meta.LastChangedAt.IsZero() {
		changedAt = meta.LastChangedAt.UTC().Format(time.RFC3339Nano)
	}
	deleted := 0
	if meta.Deleted {
		deleted = 1
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO overstore_row_meta (model_type, id, server_version, last_changed_at, deleted)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (model_type, id) DO UPDATE SET
			server_version = excluded.server_version,
			last_changed_at = excluded.last_changed_at,
			deleted = excluded.deleted
	`, modelType, id, meta.Version, changedAt, deleted); err != nil {
		return fmt.Errorf("failed to upsert row meta: %w", err)
	}
	return nil
}

func (s *Store) Query(ctx context.Context, modelType string, predicate overstore.Predicate, sortBy *overstore.Sort) ([]overstore.Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, fields FROM overstore_records WHERE model_type = ? ORDER BY id
	`, modelType)
	if err != nil {
		return nil, fmt.Errorf("failed to query records: %w", err)
	}
	defer rows.Close()

	var out []overstore.Record
	for rows.Next() {
		var id, fieldsJSON string
		if err := rows.Scan(&id, &fieldsJSON); err != nil {
			return nil, fmt.Errorf("failed to scan record: %w", err)
		}
		fields := make(map[string]any)
		if err := json.Unmarshal([]byte(fieldsJSON), &fields); err != nil {
			return nil, fmt.Errorf("failed to decode record fields: %w", err)
		}
		rec := overstore.Record{ModelType: modelType, ID: id, Fields: fields}
		if predicate == nil || predicate(rec) {
			out = append(out, rec)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating records: %w", err)
	}

	if sortBy != nil {
		sort.SliceStable(out, func(i, j int) bool { return sortBy.Less(out[i], out[j]) })
	}
	return out, nil
}

// Clear erases every engine table. One Store backs the record store, the
// mutation log, and the sync-state store, so a single call wipes all local
// sync state.
func (s *Store) Clear(ctx context.Context) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	for _, stmt := range []string{
		`DELETE FROM overstore_records`,
		`DELETE FROM overstore_row_meta`,
		`DELETE FROM overstore_pending`,
		`DELETE FROM overstore_sync_state`,
	} {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to clear local state: %w", err)
		}
	}
	return nil
}
