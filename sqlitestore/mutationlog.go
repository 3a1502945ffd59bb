// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package sqlitestore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mobiletoly/go-overstore/overstore"
)

// ---- overstore.MutationLog ----

func (s *Store) Append(ctx context.Context, ev overstore.MutationEvent) error {
	fieldsJSON, err := encodeEventFields(ev)
	if err != nil {
		return err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO overstore_pending
			(event_id, model_type, model_id, op, base_version, fields, in_flight, created_at)
		VALUES (?, ?, ?, ?, ?, ?, 0, ?)
	`, ev.ID, ev.ModelType, ev.ModelID, string(ev.Type), ev.BaseVersion, fieldsJSON,
		ev.CreatedAt.UTC().Format(time.RFC3339Nano)); err != nil {
		return fmt.Errorf("failed to append mutation: %w", err)
	}
	return nil
}

func (s *Store) Update(ctx context.Context, ev overstore.MutationEvent) error {
	fieldsJSON, err := encodeEventFields(ev)
	if err != nil {
		return err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	res, err := s.db.ExecContext(ctx, `
		UPDATE overstore_pending
		SET op = ?, base_version = ?, fields = ?
		WHERE event_id = ?
	`, string(ev.Type), ev.BaseVersion, fieldsJSON, ev.ID)
	if err != nil {
		return fmt.Errorf("failed to update mutation: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check update result: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("mutation %s not found", ev.ID)
	}
	return nil
}

func (s *Store) Remove(ctx context.Context, eventID string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if _, err := s.db.ExecContext(ctx, `
		DELETE FROM overstore_pending WHERE event_id = ?
	`, eventID); err != nil {
		return fmt.Errorf("failed to remove mutation: %w", err)
	}
	return nil
}

// PendingForKey prefers the queued (not in-flight) row: that is the one
// collapsing and conflict rebasing operate on. The in-flight row is returned
// only when it is all there is.
func (s *Store) PendingForKey(ctx context.Context, modelType, modelID string) (*overstore.MutationEvent, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT event_id, model_type, model_id, op, base_version, fields, in_flight, created_at
		FROM overstore_pending WHERE model_type = ? AND model_id = ?
		ORDER BY in_flight ASC, created_at DESC, rowid DESC
		LIMIT 1
	`, modelType, modelID)
	ev, err := scanEvent(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return ev, nil
}

// NextEligible returns the oldest pending mutation whose record key is not in
// exclude and that is not already in flight.
func (s *Store) NextEligible(ctx context.Context, exclude map[string]struct{}) (*overstore.MutationEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT event_id, model_type, model_id, op, base_version, fields, in_flight, created_at
		FROM overstore_pending WHERE in_flight = 0
		ORDER BY created_at, rowid
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query pending mutations: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		if _, busy := exclude[ev.Key()]; busy {
			continue
		}
		return ev, nil
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating pending mutations: %w", err)
	}
	return nil, nil
}

func (s *Store) MarkInFlight(ctx context.Context, eventID string, inFlight bool) error {
	v := 0
	if inFlight {
		v = 1
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if _, err := s.db.ExecContext(ctx, `
		UPDATE overstore_pending SET in_flight = ? WHERE event_id = ?
	`, v, eventID); err != nil {
		return fmt.Errorf("failed to mark mutation in flight: %w", err)
	}
	return nil
}

func (s *Store) ResetInFlight(ctx context.Context) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if _, err := s.db.ExecContext(ctx, `
		UPDATE overstore_pending SET in_flight = 0 WHERE in_flight = 1
	`); err != nil {
		return fmt.Errorf("failed to reset in-flight mutations: %w", err)
	}
	return nil
}

func (s *Store) PendingCount(ctx context.Context, modelType string) (int, error) {
	var n int
	var err error
	if modelType == "" {
		err = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM overstore_pending`).Scan(&n)
	} else {
		err = s.db.QueryRowContext(ctx, `
			SELECT COUNT(*) FROM overstore_pending WHERE model_type = ?
		`, modelType).Scan(&n)
	}
	if err != nil {
		return 0, fmt.Errorf("failed to count pending mutations: %w", err)
	}
	return n, nil
}

func encodeEventFields(ev overstore.MutationEvent) (any, error) {
	if ev.Fields == nil {
		return nil, nil
	}
	b, err := json.Marshal(ev.Fields)
	if err != nil {
		return nil, fmt.Errorf("failed to encode mutation fields: %w", err)
	}
	return string(b), nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEvent(row rowScanner) (*overstore.MutationEvent, error) {
	var ev overstore.MutationEvent
	var op string
	var fieldsJSON sql.NullString
	var inFlight int
	var createdAt string
	if err := row.Scan(&ev.ID, &ev.ModelType, &ev.ModelID, &op, &ev.BaseVersion,
		&fieldsJSON, &inFlight, &createdAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan mutation: %w", err)
	}
	ev.Type = overstore.MutationType(op)
	ev.InFlight = inFlight != 0
	if fieldsJSON.Valid {
		fields := make(map[string]any)
		if err := json.Unmarshal([]byte(fieldsJSON.String), &fields); err != nil {
			return nil, fmt.Errorf("failed to decode mutation fields: %w", err)
		}
		ev.Fields = fields
	}
	t, err := time.Parse(time.RFC3339Nano, createdAt)
	if err != nil {
		return nil, fmt.Errorf("failed to parse mutation created_at: %w", err)
	}
	ev.CreatedAt = t
	return &ev, nil
}
