// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package sqlitestore

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/mobiletoly/go-overstore/overstore"
)

// ---- overstore.SyncStateStore ----

func (s *Store) Load(ctx context.Context, modelType string) (*overstore.SyncState, error) {
	var lastSync, schemaVersion string
	var fullySynced int
	err := s.db.QueryRowContext(ctx, `
		SELECT last_sync_time, schema_version, fully_synced
		FROM overstore_sync_state WHERE model_type = ?
	`, modelType).Scan(&lastSync, &schemaVersion, &fullySynced)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load sync state: %w", err)
	}

	st := &overstore.SyncState{
		ModelType:     modelType,
		SchemaVersion: schemaVersion,
		FullySynced:   fullySynced != 0,
	}
	if lastSync != "" {
		t, err := time.Parse(time.RFC3339Nano, lastSync)
		if err != nil {
			return nil, fmt.Errorf("failed to parse last_sync_time: %w", err)
		}
		st.LastSyncTime = t
	}
	return st, nil
}

func (s *Store) SaveState(ctx context.Context, state *overstore.SyncState) error {
	lastSync := ""
	if !state.LastSyncTime.IsZero() {
		lastSync = state.LastSyncTime.UTC().Format(time.RFC3339Nano)
	}
	fullySynced := 0
	if state.FullySynced {
		fullySynced = 1
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO overstore_sync_state (model_type, last_sync_time, schema_version, fully_synced)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (model_type) DO UPDATE SET
			last_sync_time = excluded.last_sync_time,
			schema_version = excluded.schema_version,
			fully_synced = excluded.fully_synced
	`, state.ModelType, lastSync, state.SchemaVersion, fullySynced); err != nil {
		return fmt.Errorf("failed to save sync state: %w", err)
	}
	return nil
}
