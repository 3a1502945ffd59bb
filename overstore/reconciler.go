// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package overstore

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// Reconciler is the single merge authority: every candidate remote record
// (sync query page, subscription notification, or mutation response) passes
// through Reconcile before touching the local store. Writes for the same
// (modelType, id) are serialized through a per-key lock; distinct keys
// reconcile concurrently.
type Reconciler struct {
	store  LocalStore
	log    MutationLog
	policy ConflictPolicy
	notify func(ChangeNotification)
	logger *slog.Logger
	keys   keyedMutex

	// requeue re-issues a rebuilt mutation through the outbox. Wired by the
	// engine to keep the outbox the sole writer of new log entries.
	requeue func(ctx context.Context, ev MutationEvent) error
}

func newReconciler(store LocalStore, log MutationLog, policy ConflictPolicy,
	notify func(ChangeNotification), logger *slog.Logger) *Reconciler {
	return &Reconciler{
		store:  store,
		log:    log,
		policy: policy,
		notify: notify,
		logger: logger,
	}
}

// Reconcile merges one candidate remote record into the local store and
// reports what happened. It is idempotent under at-least-once delivery: a
// candidate whose version is not newer than the locally known version is
// dropped without any state change, and a record's stored version never
// regresses.
func (r *Reconciler) Reconcile(ctx context.Context, candidate RemoteRecord) (ReconcileOutcome, error) {
	if candidate.ModelType == "" || candidate.ID == "" {
		return "", &ValidationError{Msg: "remote record missing model type or id"}
	}

	unlock := r.keys.lock(recordKey(candidate.ModelType, candidate.ID))
	defer unlock()

	existing, meta, err := r.store.Get(ctx, candidate.ModelType, candidate.ID)
	if err != nil {
		return "", storageErr("reconcile lookup", err)
	}

	// Monotonic version guard: stale or already-applied candidates are no-ops.
	if meta != nil && meta.Version >= candidate.Version {
		r.logger.Debug("Dropping stale remote record",
			"model", candidate.ModelType, "id", candidate.ID,
			"localVersion", meta.Version, "candidateVersion", candidate.Version)
		return OutcomeDropped, nil
	}

	if candidate.Deleted {
		return r.applyTombstone(ctx, candidate, existing != nil)
	}

	pending, err := r.log.PendingForKey(ctx, candidate.ModelType, candidate.ID)
	if err != nil {
		return "", storageErr("reconcile pending lookup", err)
	}

	if pending == nil {
		if err := r.applyCandidate(ctx, candidate); err != nil {
			return "", err
		}
		return OutcomeApplied, nil
	}

	if err := r.resolveConflict(ctx, candidate, pending); err != nil {
		return "", err
	}
	return OutcomeConflictResolved, nil
}

// applyCandidate writes the candidate and its metadata, then notifies.
func (r *Reconciler) applyCandidate(ctx context.Context, candidate RemoteRecord) error {
	rec := candidate.Record
	rec.Deleted = false
	meta := &SyncMetadata{
		Version:       candidate.Version,
		LastChangedAt: candidate.LastChangedAt,
	}
	if err := r.store.Save(ctx, rec, meta); err != nil {
		return storageErr("reconcile save", err)
	}
	r.notify(ChangeNotification{
		ModelType: rec.ModelType,
		ModelID:   rec.ID,
		Type:      ChangeUpserted,
		Origin:    OriginRemote,
		Record:    &rec,
	})
	return nil
}

// applyTombstone removes the record from the queryable surface while retaining
// tombstone metadata, so re-delivered deletions and stale upserts stay no-ops.
// Any queued (not in-flight) local mutation for the key is discarded; the
// record is gone remotely and re-creating it takes a fresh save.
func (r *Reconciler) applyTombstone(ctx context.Context, candidate RemoteRecord, existed bool) (ReconcileOutcome, error) {
	pending, err := r.log.PendingForKey(ctx, candidate.ModelType, candidate.ID)
	if err != nil {
		return "", storageErr("tombstone pending lookup", err)
	}
	if pending != nil && !pending.InFlight {
		r.logger.Info("Discarding pending local mutation superseded by remote delete",
			"model", candidate.ModelType, "id", candidate.ID, "op", pending.Type)
		if err := r.log.Remove(ctx, pending.ID); err != nil {
			return "", storageErr("tombstone pending remove", err)
		}
	}

	meta := &SyncMetadata{
		Version:       candidate.Version,
		LastChangedAt: candidate.LastChangedAt,
		Deleted:       true,
	}
	if err := r.store.Delete(ctx, candidate.ModelType, candidate.ID, meta); err != nil {
		return "", storageErr("tombstone delete", err)
	}
	if existed {
		r.notify(ChangeNotification{
			ModelType: candidate.ModelType,
			ModelID:   candidate.ID,
			Type:      ChangeDeleted,
			Origin:    OriginRemote,
		})
	}
	return OutcomeDeleted, nil
}

// resolveConflict handles a candidate that is newer than the local version
// while a local mutation is still pending for the same key. The candidate is
// applied as the new baseline first (remote is authoritative), then the
// pending mutation is rebased, dropped, or left to the conditional-save path
// depending on policy and flight status.
func (r *Reconciler) resolveConflict(ctx context.Context, candidate RemoteRecord, pending *MutationEvent) error {
	if err := r.applyCandidate(ctx, candidate); err != nil {
		return err
	}

	if pending.InFlight {
		// The transmission already left carrying a stale expected version. The
		// backend will reject it with a conditional save failure, which
		// re-enters conflict resolution with the server's row. Rebasing here
		// would race the in-flight payload.
		r.logger.Debug("Conflict with in-flight mutation deferred to conditional-save path",
			"model", candidate.ModelType, "id", candidate.ID)
		return nil
	}

	switch r.policy.Kind {
	case ConflictRemoteWins:
		r.logger.Info("Conflict resolved: remote wins, local edit abandoned",
			"model", candidate.ModelType, "id", candidate.ID, "op", pending.Type)
		if err := r.log.Remove(ctx, pending.ID); err != nil {
			return storageErr("conflict remove pending", err)
		}
	case ConflictMerge:
		return r.rebasePending(ctx, candidate, pending, r.policy.Merge(candidate, *pending))
	case ConflictCustom:
		res := r.policy.Resolve(candidate, *pending)
		switch res.Action {
		case ResolutionRetryLocal:
			fields := res.Fields
			if fields == nil {
				fields = pending.Fields
			}
			return r.rebasePending(ctx, candidate, pending, fields)
		default:
			r.logger.Info("Conflict resolved by custom resolver: remote applied",
				"model", candidate.ModelType, "id", candidate.ID)
			if err := r.log.Remove(ctx, pending.ID); err != nil {
				return storageErr("conflict remove pending", err)
			}
		}
	default:
		return &ConfigurationError{Msg: fmt.Sprintf("unknown conflict policy kind %d", r.policy.Kind)}
	}
	return nil
}

// rebasePending restamps the queued mutation against the just-applied server
// version. A queued create becomes an update, since the record now exists
// remotely.
func (r *Reconciler) rebasePending(ctx context.Context, candidate RemoteRecord, pending *MutationEvent, fields map[string]any) error {
	pending.BaseVersion = candidate.Version
	if pending.Type != MutationDelete {
		pending.Fields = fields
		if pending.Type == MutationCreate {
			pending.Type = MutationUpdate
		}
	}
	r.logger.Info("Conflict resolved: local mutation rebased onto server version",
		"model", candidate.ModelType, "id", candidate.ID,
		"op", pending.Type, "baseVersion", pending.BaseVersion)
	if err := r.log.Update(ctx, *pending); err != nil {
		return storageErr("conflict rebase pending", err)
	}
	return nil
}

// ResolveMutationConflict is the entry point for conditional save failures:
// the backend rejected ev because its expected version was stale. The server's
// current row becomes the new baseline and, per policy, the local change is
// re-issued as a brand new mutation built against it. The rejected event has
// already been removed from the log by the outbox.
func (r *Reconciler) ResolveMutationConflict(ctx context.Context, ev MutationEvent, server *RemoteRecord) error {
	if server == nil {
		r.logger.Warn("Conditional save failure without server row; local change dropped",
			"model", ev.ModelType, "id", ev.ModelID, "op", ev.Type)
		return nil
	}

	if _, err := r.Reconcile(ctx, *server); err != nil {
		return fmt.Errorf("failed to apply server row after conditional save failure: %w", err)
	}

	if server.Deleted {
		// A queued delete is already satisfied; an edit has nothing left to
		// apply against. Recreating the record takes a fresh save.
		if ev.Type != MutationDelete {
			r.logger.Info("Local change dropped: record deleted remotely",
				"model", ev.ModelType, "id", ev.ModelID)
		}
		return nil
	}

	var fields map[string]any
	switch r.policy.Kind {
	case ConflictRemoteWins:
		r.logger.Info("Conditional save failure resolved: remote wins",
			"model", ev.ModelType, "id", ev.ModelID, "op", ev.Type)
		return nil
	case ConflictMerge:
		fields = r.policy.Merge(*server, ev)
	case ConflictCustom:
		res := r.policy.Resolve(*server, ev)
		if res.Action != ResolutionRetryLocal {
			return nil
		}
		fields = res.Fields
		if fields == nil {
			fields = ev.Fields
		}
	default:
		return &ConfigurationError{Msg: fmt.Sprintf("unknown conflict policy kind %d", r.policy.Kind)}
	}

	retry := MutationEvent{
		ModelType:   ev.ModelType,
		ModelID:     ev.ModelID,
		Type:        ev.Type,
		Fields:      fields,
		BaseVersion: server.Version,
	}
	if retry.Type == MutationCreate {
		retry.Type = MutationUpdate
	}
	if retry.Type == MutationDelete {
		retry.Fields = nil
	}
	if err := r.requeue(ctx, retry); err != nil {
		return fmt.Errorf("failed to re-issue mutation after conflict: %w", err)
	}
	r.logger.Info("Conditional save failure resolved: mutation re-issued against server version",
		"model", ev.ModelType, "id", ev.ModelID, "op", retry.Type, "baseVersion", retry.BaseVersion)
	return nil
}

// keyedMutex serializes work per record key while letting distinct keys
// proceed concurrently. Entries are reference-counted so the map does not grow
// with the store.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyLock
}

type keyLock struct {
	mu   sync.Mutex
	refs int
}

func (k *keyedMutex) lock(key string) (unlock func()) {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = make(map[string]*keyLock)
	}
	l, ok := k.locks[key]
	if !ok {
		l = &keyLock{}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
