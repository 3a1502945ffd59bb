// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package overstore

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// SyncProcessor pulls remote state through paged sync queries: a full sync
// from an empty cursor when no checkpoint exists, a delta sync of records
// changed since the checkpoint otherwise. Pages are strictly sequential per
// model type and every page is fully reconciled before the checkpoint
// advances, so partial progress is durable even if interrupted.
type SyncProcessor struct {
	remote     RemoteClient
	reconciler *Reconciler
	states     SyncStateStore
	hub        *Hub
	logger     *slog.Logger
	cfg        *Config
}

func newSyncProcessor(remote RemoteClient, reconciler *Reconciler, states SyncStateStore,
	hub *Hub, logger *slog.Logger, cfg *Config) *SyncProcessor {
	return &SyncProcessor{
		remote:     remote,
		reconciler: reconciler,
		states:     states,
		hub:        hub,
		logger:     logger,
		cfg:        cfg,
	}
}

// SyncModel selects full vs delta sync from the stored checkpoint and runs it.
// Schema-version mismatches are handled by the orchestrator (which clears
// local state before calling in); here an unknown or mismatched checkpoint
// simply means full sync.
func (p *SyncProcessor) SyncModel(ctx context.Context, modelType, schemaVersion string) error {
	st, err := p.states.Load(ctx, modelType)
	if err != nil {
		return storageErr("sync state load", err)
	}
	if st == nil || !st.FullySynced || st.SchemaVersion != schemaVersion || st.LastSyncTime.IsZero() {
		return p.RunFullSync(ctx, modelType, schemaVersion)
	}
	since := st.LastSyncTime
	return p.RunDeltaSync(ctx, modelType, schemaVersion, since)
}

// RunFullSync pulls every record of modelType from an empty cursor.
func (p *SyncProcessor) RunFullSync(ctx context.Context, modelType, schemaVersion string) error {
	return p.syncPages(ctx, modelType, schemaVersion, nil)
}

// RunDeltaSync pulls records of modelType changed after since.
func (p *SyncProcessor) RunDeltaSync(ctx context.Context, modelType, schemaVersion string, since time.Time) error {
	return p.syncPages(ctx, modelType, schemaVersion, &since)
}

func (p *SyncProcessor) syncPages(ctx context.Context, modelType, schemaVersion string, since *time.Time) error {
	full := since == nil
	stats := ModelSyncedPayload{ModelType: modelType, Full: full}
	cursor := ""
	var serverTime time.Time

	for {
		page, err := p.fetchPageWithRetry(ctx, modelType, cursor, since)
		if err != nil {
			return fmt.Errorf("sync of %s failed: %w", modelType, err)
		}

		for _, rec := range page.Records {
			outcome, err := p.reconciler.Reconcile(ctx, rec)
			if err != nil {
				return fmt.Errorf("failed to reconcile %s/%s: %w", rec.ModelType, rec.ID, err)
			}
			switch outcome {
			case OutcomeApplied:
				stats.Added++
			case OutcomeConflictResolved:
				stats.Updated++
			case OutcomeDeleted:
				stats.Deleted++
			}
		}

		// The page is fully merged; advance the checkpoint to the
		// server-reported sync time (never local wall clock).
		if !page.ServerSyncTime.IsZero() {
			serverTime = page.ServerSyncTime
		}
		done := page.NextCursor == ""
		if err := p.saveState(ctx, modelType, schemaVersion, serverTime, done); err != nil {
			return err
		}
		if done {
			break
		}
		cursor = page.NextCursor
	}

	p.hub.publish(EventModelSynced, modelType, stats)
	p.logger.Info("Model synced",
		"model", modelType, "full", full,
		"added", stats.Added, "updated", stats.Updated, "deleted", stats.Deleted)
	return nil
}

func (p *SyncProcessor) saveState(ctx context.Context, modelType, schemaVersion string, serverTime time.Time, done bool) error {
	st := &SyncState{
		ModelType:     modelType,
		LastSyncTime:  serverTime,
		SchemaVersion: schemaVersion,
		FullySynced:   done,
	}
	if !done {
		// Keep the prior fully-synced flag while a delta pass is mid-flight;
		// an interrupted delta does not demote the model to unsynced.
		if prev, err := p.states.Load(ctx, modelType); err == nil && prev != nil {
			st.FullySynced = prev.FullySynced && prev.SchemaVersion == schemaVersion
		}
	}
	if err := p.states.SaveState(ctx, st); err != nil {
		return storageErr("sync state save", err)
	}
	return nil
}

// fetchPageWithRetry retries the current page on transient errors with capped
// backoff, up to Config.MaxPageAttempts.
func (p *SyncProcessor) fetchPageWithRetry(ctx context.Context, modelType, cursor string, since *time.Time) (*Page, error) {
	var lastErr error
	for attempt := 0; attempt < p.cfg.MaxPageAttempts; attempt++ {
		page, err := p.remote.FetchPage(ctx, modelType, cursor, since, p.cfg.PageLimit)
		if err == nil {
			return page, nil
		}
		if !IsNetworkError(err) {
			return nil, err
		}
		lastErr = err
		p.logger.Warn("Sync page fetch failed, retrying",
			"model", modelType, "attempt", attempt+1, "error", err)
		if attempt+1 < p.cfg.MaxPageAttempts {
			if err := sleepWithContext(ctx, nextBackoff(attempt, p.cfg.BackoffMin, p.cfg.BackoffMax)); err != nil {
				return nil, err
			}
		}
	}
	return nil, fmt.Errorf("page fetch retries exhausted: %w", lastErr)
}

// SyncAll runs the selected sync for every model. A model whose sync
// permanently fails is reported and skipped; it does not block the others.
// The returned error joins the per-model failures, if any.
func (p *SyncProcessor) SyncAll(ctx context.Context, models []string, schemaVersion string) error {
	p.hub.publish(EventSyncQueriesStarted, "", models)
	var failed []error
	for _, m := range models {
		if err := p.SyncModel(ctx, m, schemaVersion); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			p.logger.Error("Model sync failed", "model", m, "error", err)
			failed = append(failed, err)
		}
	}
	p.hub.publish(EventSyncQueriesReady, "", nil)
	if len(failed) > 0 {
		return fmt.Errorf("%d of %d model syncs failed: %w", len(failed), len(models), failed[0])
	}
	return nil
}
