// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package pgstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/mobiletoly/go-overstore/overstore"
)

// ---- overstore.SyncStateStore ----

func (s *Store) Load(ctx context.Context, modelType string) (*overstore.SyncState, error) {
	var lastSync *time.Time
	var schemaVersion string
	var fullySynced bool
	err := s.pool.QueryRow(ctx, `
		SELECT last_sync_time, schema_version, fully_synced
		FROM overstore_sync_state WHERE model_type = $1
	`, modelType).Scan(&lastSync, &schemaVersion, &fullySynced)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load sync state: %w", err)
	}

	st := &overstore.SyncState{
		ModelType:     modelType,
		SchemaVersion: schemaVersion,
		FullySynced:   fullySynced,
	}
	if lastSync != nil {
		st.LastSyncTime = lastSync.UTC()
	}
	return st, nil
}

func (s *Store) SaveState(ctx context.Context, state *overstore.SyncState) error {
	var lastSync *time.Time
	if !state.LastSyncTime.IsZero() {
		t := state.LastSyncTime.UTC()
		lastSync = &t
	}
	if _, err := s.pool.Exec(ctx, `
		INSERT INTO overstore_sync_state (model_type, last_sync_time, schema_version, fully_synced)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (model_type) DO UPDATE SET
			last_sync_time = EXCLUDED.last_sync_time,
			schema_version = EXCLUDED.schema_version,
			fully_synced = EXCLUDED.fully_synced
	`, state.ModelType, lastSync, state.SchemaVersion, state.FullySynced); err != nil {
		return fmt.Errorf("failed to save sync state: %w", err)
	}
	return nil
}
