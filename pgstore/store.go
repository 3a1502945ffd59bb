// Package pgstore provides a PostgreSQL-backed local store, mutation log, and
// sync-state store for the overstore engine, for deployments where the "local"
// replica lives in a server-side database rather than an embedded file.
// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package pgstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mobiletoly/go-overstore/overstore"
)

const txRetryAttempts = 3

// Store implements overstore.LocalStore, overstore.MutationLog, and
// overstore.SyncStateStore on a PostgreSQL connection pool.
type Store struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// New wraps an existing pool and creates the engine tables.
func New(ctx context.Context, pool *pgxpool.Pool, logger *slog.Logger) (*Store, error) {
	if pool == nil {
		return nil, fmt.Errorf("pgstore: pool is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &Store{pool: pool, logger: logger}
	if err := s.initialize(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// Connect opens a pool for dsn and creates the engine tables.
func Connect(ctx context.Context, dsn string, logger *slog.Logger) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	s, err := New(ctx, pool, logger)
	if err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// Pool exposes the underlying pool for application queries.
func (s *Store) Pool() *pgxpool.Pool { return s.pool }

// Close releases the connection pool.
func (s *Store) Close() { s.pool.Close() }

func (s *Store) initialize(ctx context.Context) error {
	tables := []string{
		`CREATE TABLE IF NOT EXISTS overstore_records (
			model_type TEXT NOT NULL,
			id         TEXT NOT NULL,
			fields     JSONB NOT NULL,
			PRIMARY KEY (model_type, id)
		)`,
		`CREATE TABLE IF NOT EXISTS overstore_row_meta (
			model_type      TEXT NOT NULL,
			id              TEXT NOT NULL,
			server_version  BIGINT NOT NULL DEFAULT 0,
			last_changed_at TIMESTAMPTZ,
			deleted         BOOLEAN NOT NULL DEFAULT FALSE,
			PRIMARY KEY (model_type, id)
		)`,
		// The outbox coalesces to one queued row per record, but a second row
		// is legal while the first is in flight, so the record key is
		// deliberately not unique here.
		`CREATE TABLE IF NOT EXISTS overstore_pending (
			event_id     TEXT PRIMARY KEY,
			model_type   TEXT NOT NULL,
			model_id     TEXT NOT NULL,
			op           TEXT NOT NULL CHECK (op IN ('CREATE','UPDATE','DELETE')),
			base_version BIGINT NOT NULL DEFAULT 0,
			fields       JSONB,
			in_flight    BOOLEAN NOT NULL DEFAULT FALSE,
			created_at   TIMESTAMPTZ NOT NULL,
			seq          BIGSERIAL
		)`,
		`CREATE INDEX IF NOT EXISTS overstore_pending_key
			ON overstore_pending (model_type, model_id)`,
		`CREATE TABLE IF NOT EXISTS overstore_sync_state (
			model_type     TEXT PRIMARY KEY,
			last_sync_time TIMESTAMPTZ,
			schema_version TEXT NOT NULL DEFAULT '',
			fully_synced   BOOLEAN NOT NULL DEFAULT FALSE
		)`,
	}
	for _, table := range tables {
		if _, err := s.pool.Exec(ctx, table); err != nil {
			return fmt.Errorf("failed to create engine table: %w", err)
		}
	}
	return nil
}

func isRetryablePGTxError(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	switch pgErr.SQLState() {
	case "40001", // serialization_failure
		"40P01", // deadlock_detected
		"55P03": // lock_not_available (incl. lock_timeout)
		return true
	default:
		return false
	}
}

// withWriteTx runs fn in a transaction, retrying serialization and deadlock
// failures a few times before giving up.
func (s *Store) withWriteTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	var err error
	for attempt := 0; attempt < txRetryAttempts; attempt++ {
		err = pgx.BeginFunc(ctx, s.pool, fn)
		if err == nil || !isRetryablePGTxError(err) {
			return err
		}
		s.logger.Warn("retrying transaction", "attempt", attempt+1, "error", err)
		select {
		case <-time.After(time.Duration(attempt+1) * 20 * time.Millisecond):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}

// ---- overstore.LocalStore ----

func (s *Store) Get(ctx context.Context, modelType, id string) (*overstore.Record, *overstore.SyncMetadata, error) {
	var fieldsJSON []byte
	var rec *overstore.Record
	err := s.pool.QueryRow(ctx, `
		SELECT fields FROM overstore_records WHERE model_type = $1 AND id = $2
	`, modelType, id).Scan(&fieldsJSON)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
	case err != nil:
		return nil, nil, fmt.Errorf("failed to query record: %w", err)
	default:
		fields := make(map[string]any)
		if err := json.Unmarshal(fieldsJSON, &fields); err != nil {
			return nil, nil, fmt.Errorf("failed to decode record fields: %w", err)
		}
		rec = &overstore.Record{ModelType: modelType, ID: id, Fields: fields}
	}

	var version int64
	var changedAt *time.Time
	var deleted bool
	err = s.pool.QueryRow(ctx, `
		SELECT server_version, last_changed_at, deleted
		FROM overstore_row_meta WHERE model_type = $1 AND id = $2
	`, modelType, id).Scan(&version, &changedAt, &deleted)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		return rec, nil, nil
	case err != nil:
		return nil, nil, fmt.Errorf("failed to query row meta: %w", err)
	}

	meta := &overstore.SyncMetadata{Version: version, Deleted: deleted}
	if changedAt != nil {
		meta.LastChangedAt = changedAt.UTC()
	}
	return rec, meta, nil
}

func (s *Store) Save(ctx context.Context, record overstore.Record, meta *overstore.SyncMetadata) error {
	fieldsJSON, err := json.Marshal(record.Fields)
	if err != nil {
		return fmt.Errorf("failed to encode record fields: %w", err)
	}
	return s.withWriteTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `
			INSERT INTO overstore_records (model_type, id, fields) VALUES ($1, $2, $3)
			ON CONFLICT (model_type, id) DO UPDATE SET fields = EXCLUDED.fields
		`, record.ModelType, record.ID, fieldsJSON); err != nil {
			return fmt.Errorf("failed to upsert record: %w", err)
		}
		if meta != nil {
			return upsertMetaInTx(ctx, tx, record.ModelType, record.ID, meta)
		}
		return nil
	})
}

func (s *Store) Delete(ctx context.Context, modelType, id string, meta *overstore.SyncMetadata) error {
	return s.withWriteTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `
			DELETE FROM overstore_records WHERE model_type = $1 AND id = $2
		`, modelType, id); err != nil {
			return fmt.Errorf("failed to delete record: %w", err)
		}
		if meta != nil {
			return upsertMetaInTx(ctx, tx, modelType, id, meta)
		}
		return nil
	})
}

func upsertMetaInTx(ctx context.Context, tx pgx.Tx, modelType, id string, meta *overstore.SyncMetadata) error {
	var changedAt *time.Time
	if !meta.LastChangedAt.IsZero() {
		t := meta.LastChangedAt.UTC()
		changedAt = &t
	}
	if _, err := tx.Exec(ctx, `
		INSERT INTO overstore_row_meta (model_type, id, server_version, last_changed_at, deleted)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (model_type, id) DO UPDATE SET
			server_version = EXCLUDED.server_version,
			last_changed_at = EXCLUDED.last_changed_at,
			deleted = EXCLUDED.deleted
	`, modelType, id, meta.Version, changedAt, meta.Deleted); err != nil {
		return fmt.Errorf("failed to upsert row meta: %w", err)
	}
	return nil
}

func (s *Store) Query(ctx context.Context, modelType string, predicate overstore.Predicate, sortBy *overstore.Sort) ([]overstore.Record, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, fields FROM overstore_records WHERE model_type = $1 ORDER BY id
	`, modelType)
	if err != nil {
		return nil, fmt.Errorf("failed to query records: %w", err)
	}
	defer rows.Close()

	var out []overstore.Record
	for rows.Next() {
		var id string
		var fieldsJSON []byte
		if err := rows.Scan(&id, &fieldsJSON); err != nil {
			return nil, fmt.Errorf("failed to scan record: %w", err)
		}
		fields := make(map[string]any)
		if err := json.Unmarshal(fieldsJSON, &fields); err != nil {
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

// Clear erases every engine table.
func (s *Store) Clear(ctx context.Context) error {
	return s.withWriteTx(ctx, func(tx pgx.Tx) error {
		for _, stmt := range []string{
			`DELETE FROM overstore_records`,
			`DELETE FROM overstore_row_meta`,
			`DELETE FROM overstore_pending`,
			`DELETE FROM overstore_sync_state`,
		} {
			if _, err := tx.Exec(ctx, stmt); err != nil {
				return fmt.Errorf("failed to clear local state: %w", err)
			}
		}
		return nil
	})
}
