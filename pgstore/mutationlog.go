// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package pgstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/mobiletoly/go-overstore/overstore"
)

// ---- overstore.MutationLog ----

func (s *Store) Append(ctx context.Context, ev overstore.MutationEvent) error {
	fieldsJSON, err := encodeEventFields(ev)
	if err != nil {
		return err
	}
	if _, err := s.pool.Exec(ctx, `
		INSERT INTO overstore_pending
			(event_id, model_type, model_id, op, base_version, fields, in_flight, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, FALSE, $7)
	`, ev.ID, ev.ModelType, ev.ModelID, string(ev.Type), ev.BaseVersion, fieldsJSON,
		ev.CreatedAt.UTC()); err != nil {
		return fmt.Errorf("failed to append mutation: %w", err)
	}
	return nil
}

func (s *Store) Update(ctx context.Context, ev overstore.MutationEvent) error {
	fieldsJSON, err := encodeEventFields(ev)
	if err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE overstore_pending
		SET op = $1, base_version = $2, fields = $3
		WHERE event_id = $4
	`, string(ev.Type), ev.BaseVersion, fieldsJSON, ev.ID)
	if err != nil {
		return fmt.Errorf("failed to update mutation: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("mutation %s not found", ev.ID)
	}
	return nil
}

func (s *Store) Remove(ctx context.Context, eventID string) error {
	if _, err := s.pool.Exec(ctx, `
		DELETE FROM overstore_pending WHERE event_id = $1
	`, eventID); err != nil {
		return fmt.Errorf("failed to remove mutation: %w", err)
	}
	return nil
}

// PendingForKey prefers the queued (not in-flight) row: that is the one
// collapsing and conflict rebasing operate on. The in-flight row is returned
// only when it is all there is.
func (s *Store) PendingForKey(ctx context.Context, modelType, modelID string) (*overstore.MutationEvent, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT event_id, model_type, model_id, op, base_version, fields, in_flight, created_at
		FROM overstore_pending WHERE model_type = $1 AND model_id = $2
		ORDER BY in_flight ASC, created_at DESC, seq DESC
		LIMIT 1
	`, modelType, modelID)
	ev, err := scanEvent(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return ev, nil
}

func (s *Store) NextEligible(ctx context.Context, exclude map[string]struct{}) (*overstore.MutationEvent, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT event_id, model_type, model_id, op, base_version, fields, in_flight, created_at
		FROM overstore_pending WHERE NOT in_flight
		ORDER BY created_at, seq
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
	if _, err := s.pool.Exec(ctx, `
		UPDATE overstore_pending SET in_flight = $1 WHERE event_id = $2
	`, inFlight, eventID); err != nil {
		return fmt.Errorf("failed to mark mutation in flight: %w", err)
	}
	return nil
}

func (s *Store) ResetInFlight(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, `
		UPDATE overstore_pending SET in_flight = FALSE WHERE in_flight
	`); err != nil {
		return fmt.Errorf("failed to reset in-flight mutations: %w", err)
	}
	return nil
}

func (s *Store) PendingCount(ctx context.Context, modelType string) (int, error) {
	var n int
	var err error
	if modelType == "" {
		err = s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM overstore_pending`).Scan(&n)
	} else {
		err = s.pool.QueryRow(ctx, `
			SELECT COUNT(*) FROM overstore_pending WHERE model_type = $1
		`, modelType).Scan(&n)
	}
	if err != nil {
		return 0, fmt.Errorf("failed to count pending mutations: %w", err)
	}
	return n, nil
}

func encodeEventFields(ev overstore.MutationEvent) ([]byte, error) {
	if ev.Fields == nil {
		return nil, nil
	}
	b, err := json.Marshal(ev.Fields)
	if err != nil {
		return nil, fmt.Errorf("failed to encode mutation fields: %w", err)
	}
	return b, nil
}

func scanEvent(row pgx.Row) (*overstore.MutationEvent, error) {
	var ev overstore.MutationEvent
	var op string
	var fieldsJSON []byte
	var createdAt time.Time
	if err := row.Scan(&ev.ID, &ev.ModelType, &ev.ModelID, &op, &ev.BaseVersion,
		&fieldsJSON, &ev.InFlight, &createdAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan mutation: %w", err)
	}
	ev.Type = overstore.MutationType(op)
	if fieldsJSON != nil {
		fields := make(map[string]any)
		if err := json.Unmarshal(fieldsJSON, &fields); err != nil {
			return nil, fmt.Errorf("failed to decode mutation fields: %w", err)
		}
		ev.Fields = fields
	}
	ev.CreatedAt = createdAt.UTC()
	return &ev, nil
}
