// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package overstore

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Outbox owns the durable mutation log. Enqueue persists and collapses
// caller mutations; drain workers transmit eligible events to the backend with
// at most one event in flight per record key and at most
// Config.MaxConcurrentMutations in flight overall. Per-key enqueue order is
// preserved; distinct keys have no cross-ordering guarantee.
type Outbox struct {
	log        MutationLog
	store      LocalStore
	remote     RemoteClient
	reconciler *Reconciler
	registry   ModelRegistry
	hub        *Hub
	logger     *slog.Logger
	cfg        *Config

	// mu guards the in-flight key set and makes collapsing atomic with the
	// in-flight snapshot, so a create can never be annihilated after its
	// transmission has already left.
	mu       sync.Mutex
	inFlight map[string]struct{}

	wake      chan struct{}
	paused    int32
	lastEmpty int32 // 0 unknown, 1 empty, 2 non-empty

	wg sync.WaitGroup
}

func newOutbox(log MutationLog, store LocalStore, remote RemoteClient, registry ModelRegistry,
	hub *Hub, logger *slog.Logger, cfg *Config) *Outbox {
	return &Outbox{
		log:      log,
		store:    store,
		remote:   remote,
		registry: registry,
		hub:      hub,
		logger:   logger,
		cfg:      cfg,
		inFlight: make(map[string]struct{}),
		wake:     make(chan struct{}, 1),
	}
}

// Pause suspends draining (network loss). Queued events stay durable.
func (o *Outbox) Pause() { atomic.StoreInt32(&o.paused, 1) }

// Resume re-enables draining and wakes the workers.
func (o *Outbox) Resume() {
	atomic.StoreInt32(&o.paused, 0)
	o.signal()
}

func (o *Outbox) signal() {
	select {
	case o.wake <- struct{}{}:
	default:
	}
}

// Enqueue validates, collapses, and durably persists one caller mutation. It
// returns once the event is logged, not once transmitted; later delivery
// failures surface via hub events only.
func (o *Outbox) Enqueue(ctx context.Context, ev MutationEvent) error {
	if err := o.validate(&ev); err != nil {
		return err
	}

	o.mu.Lock()
	existing, err := o.log.PendingForKey(ctx, ev.ModelType, ev.ModelID)
	if err != nil {
		o.mu.Unlock()
		return storageErr("outbox pending lookup", err)
	}

	if existing != nil && !existing.InFlight {
		err = o.collapse(ctx, existing, &ev)
		o.mu.Unlock()
		if err != nil {
			return err
		}
	} else {
		// No queued event, or the queued one already left for the network; a
		// new row keeps per-key transmit order.
		ev.ID = uuid.New().String()
		ev.CreatedAt = time.Now().UTC()
		ev.InFlight = false
		err = o.log.Append(ctx, ev)
		o.mu.Unlock()
		if err != nil {
			return storageErr("outbox append", err)
		}
		o.hub.publish(EventMutationEnqueued, ev.ModelType, MutationPayload{Event: ev})
	}

	o.emitStatus(ctx)
	o.signal()
	return nil
}

func (o *Outbox) validate(ev *MutationEvent) error {
	if ev.ModelType == "" || ev.ModelID == "" {
		return &ValidationError{Msg: "mutation missing model type or id"}
	}
	if !registeredModel(o.registry, ev.ModelType) {
		return &ValidationError{Msg: fmt.Sprintf("model type %q is not registered", ev.ModelType)}
	}
	switch ev.Type {
	case MutationCreate, MutationUpdate:
		if len(ev.Fields) == 0 {
			return &ValidationError{Msg: fmt.Sprintf("%s mutation requires fields", ev.Type)}
		}
	case MutationDelete:
		ev.Fields = nil
	default:
		return &ValidationError{Msg: fmt.Sprintf("unknown mutation type %q", ev.Type)}
	}
	return nil
}

// collapse folds the incoming mutation into the queued one. The collapsed row
// preserves the final observable effect of the queued sequence; intermediate
// states are suppressed.
func (o *Outbox) collapse(ctx context.Context, existing *MutationEvent, incoming *MutationEvent) error {
	if existing.Type == MutationDelete {
		return &ValidationError{Msg: fmt.Sprintf("record %s/%s has a pending delete", incoming.ModelType, incoming.ModelID)}
	}

	if incoming.Type == MutationDelete {
		if existing.Type == MutationCreate {
			// The create never left the device: net effect is that nothing
			// ever existed remotely. No tombstone is transmitted.
			if err := o.log.Remove(ctx, existing.ID); err != nil {
				return storageErr("outbox collapse remove", err)
			}
			o.logger.Debug("Collapsed create+delete to no-op",
				"model", incoming.ModelType, "id", incoming.ModelID)
			return nil
		}
		existing.Type = MutationDelete
		existing.Fields = nil
	} else {
		// create+update keeps the create; update+update keeps the latest
		// payload. The original base version assumption is unchanged.
		existing.Fields = incoming.Fields
	}

	if err := o.log.Update(ctx, *existing); err != nil {
		return storageErr("outbox collapse update", err)
	}
	o.hub.publish(EventMutationEnqueued, existing.ModelType, MutationPayload{Event: *existing})
	return nil
}

// Start launches the drain workers. They exit when ctx is cancelled; queued
// events survive for the next start.
func (o *Outbox) Start(ctx context.Context) error {
	// A prior process may have died mid-transmission; those events are simply
	// eligible again (at-least-once, the backend dedupes by version).
	if err := o.log.ResetInFlight(ctx); err != nil {
		return storageErr("outbox reset in-flight", err)
	}
	o.emitStatus(ctx)
	for i := 0; i < o.cfg.MaxConcurrentMutations; i++ {
		o.wg.Add(1)
		go o.drainLoop(ctx)
	}
	o.signal()
	return nil
}

// Wait blocks until all drain workers have exited.
func (o *Outbox) Wait() { o.wg.Wait() }

func (o *Outbox) drainLoop(ctx context.Context) {
	defer o.wg.Done()
	timer := time.NewTimer(o.cfg.OutboxPollInterval)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-o.wake:
		case <-timer.C:
		}
		timer.Reset(o.cfg.OutboxPollInterval)

		if atomic.LoadInt32(&o.paused) == 1 {
			continue
		}
		for o.processNext(ctx) {
			if ctx.Err() != nil || atomic.LoadInt32(&o.paused) == 1 {
				break
			}
		}
	}
}

// processNext claims and transmits one eligible event. Returns false when the
// queue has nothing eligible (or the worker should back off entirely).
func (o *Outbox) processNext(ctx context.Context) bool {
	o.mu.Lock()
	ev, err := o.log.NextEligible(ctx, o.inFlight)
	if err != nil {
		o.mu.Unlock()
		o.logger.Error("Failed to read next eligible mutation", "error", err)
		return false
	}
	if ev == nil {
		o.mu.Unlock()
		return false
	}
	key := ev.Key()
	o.inFlight[key] = struct{}{}
	if err := o.log.MarkInFlight(ctx, ev.ID, true); err != nil {
		delete(o.inFlight, key)
		o.mu.Unlock()
		o.logger.Error("Failed to mark mutation in flight", "error", err, "event", ev.ID)
		return false
	}
	ev.InFlight = true
	o.mu.Unlock()

	defer func() {
		o.mu.Lock()
		delete(o.inFlight, key)
		o.mu.Unlock()
	}()

	o.transmit(ctx, ev)
	return true
}

// transmit sends one event with bounded transient retries. Per-key ordering is
// preserved because the key stays claimed for the whole attempt sequence.
func (o *Outbox) transmit(ctx context.Context, ev *MutationEvent) {
	for attempt := 0; ; attempt++ {
		o.stampBaseVersion(ctx, ev)

		rec, err := o.remote.Mutate(ctx, *ev)
		if err == nil {
			o.complete(ctx, ev, rec)
			return
		}
		if csf, ok := AsConditionalSaveFailure(err); ok {
			o.completeConflict(ctx, ev, csf)
			return
		}
		if !IsNetworkError(err) {
			o.completeFailure(ctx, ev, err)
			return
		}

		if attempt+1 >= o.cfg.MaxMutationAttempts {
			o.completeFailure(ctx, ev, fmt.Errorf("retries exhausted after %d attempts: %w", attempt+1, err))
			return
		}
		o.logger.Warn("Transient mutation failure, backing off",
			"model", ev.ModelType, "id", ev.ModelID, "attempt", attempt+1, "error", err)
		if sleepWithContext(ctx, nextBackoff(attempt, o.cfg.BackoffMin, o.cfg.BackoffMax)) != nil ||
			atomic.LoadInt32(&o.paused) == 1 {
			// Cancelled or paused mid-retry: release the claim so the event
			// is eligible again on resume/restart.
			o.releaseClaim(ev)
			return
		}
	}
}

// stampBaseVersion refreshes the expected version from local metadata right
// before transmission. Creates always go out version-less.
func (o *Outbox) stampBaseVersion(ctx context.Context, ev *MutationEvent) {
	if ev.Type == MutationCreate {
		return
	}
	_, meta, err := o.store.Get(ctx, ev.ModelType, ev.ModelID)
	if err != nil || meta == nil {
		return
	}
	if meta.Version > ev.BaseVersion {
		ev.BaseVersion = meta.Version
	}
}

func (o *Outbox) complete(ctx context.Context, ev *MutationEvent, rec *RemoteRecord) {
	// Remove before reconciling so the merge does not see its own mutation as
	// a pending conflict. A crash in between is recovered by the next delta
	// sync; the backend already holds the authoritative row.
	if err := o.log.Remove(ctx, ev.ID); err != nil {
		o.logger.Error("Failed to remove acknowledged mutation", "error", err, "event", ev.ID)
		return
	}
	if rec != nil {
		if _, err := o.reconciler.Reconcile(ctx, *rec); err != nil {
			o.logger.Error("Failed to reconcile mutation response",
				"error", err, "model", ev.ModelType, "id", ev.ModelID)
		}
	}
	o.hub.publish(EventMutationProcessed, ev.ModelType, MutationPayload{Event: *ev})
	o.emitStatus(ctx)
}

func (o *Outbox) completeConflict(ctx context.Context, ev *MutationEvent, csf *ConditionalSaveFailure) {
	if err := o.log.Remove(ctx, ev.ID); err != nil {
		o.logger.Error("Failed to remove rejected mutation", "error", err, "event", ev.ID)
		return
	}
	o.hub.publish(EventConditionalSaveFailed, ev.ModelType, MutationPayload{Event: *ev})
	if err := o.reconciler.ResolveMutationConflict(ctx, *ev, csf.ServerRecord); err != nil {
		o.logger.Error("Failed to resolve conditional save failure",
			"error", err, "model", ev.ModelType, "id", ev.ModelID)
	}
	o.emitStatus(ctx)
	o.signal()
}

// completeFailure drops the event so a permanently failing mutation cannot
// poison the queue, and emits a terminal failure event for it.
func (o *Outbox) completeFailure(ctx context.Context, ev *MutationEvent, cause error) {
	o.logger.Error("Mutation permanently failed",
		"model", ev.ModelType, "id", ev.ModelID, "op", ev.Type, "error", cause)
	if err := o.log.Remove(ctx, ev.ID); err != nil {
		o.logger.Error("Failed to remove failed mutation", "error", err, "event", ev.ID)
		return
	}
	o.hub.publish(EventMutationFailed, ev.ModelType, MutationPayload{Event: *ev, Error: cause.Error()})
	o.emitStatus(ctx)
}

func (o *Outbox) releaseClaim(ev *MutationEvent) {
	// Best effort with a fresh context: the claim must not survive the worker.
	if err := o.log.MarkInFlight(context.Background(), ev.ID, false); err != nil {
		o.logger.Error("Failed to release mutation claim", "error", err, "event", ev.ID)
	}
}

// requeue re-issues a rebuilt mutation from the conflict path. The record key
// is still claimed by the transmitting worker, but a newer edit may have been
// queued while the rejected mutation was in flight; that edit supersedes the
// rebuilt payload, which then only contributes its version assumption.
func (o *Outbox) requeue(ctx context.Context, ev MutationEvent) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	existing, err := o.log.PendingForKey(ctx, ev.ModelType, ev.ModelID)
	if err != nil {
		return storageErr("outbox requeue lookup", err)
	}
	if existing != nil && !existing.InFlight {
		if ev.BaseVersion > existing.BaseVersion {
			existing.BaseVersion = ev.BaseVersion
			if existing.Type == MutationCreate {
				existing.Type = MutationUpdate
			}
			if err := o.log.Update(ctx, *existing); err != nil {
				return storageErr("outbox requeue update", err)
			}
		}
		o.logger.Debug("Rebuilt mutation superseded by newer queued edit",
			"model", ev.ModelType, "id", ev.ModelID)
		return nil
	}
	ev.ID = uuid.New().String()
	ev.CreatedAt = time.Now().UTC()
	ev.InFlight = false
	if err := o.log.Append(ctx, ev); err != nil {
		return storageErr("outbox requeue", err)
	}
	o.hub.publish(EventMutationEnqueued, ev.ModelType, MutationPayload{Event: ev})
	return nil
}

// PendingCount reports queued mutations for a model type ("" = all).
func (o *Outbox) PendingCount(ctx context.Context, modelType string) (int, error) {
	n, err := o.log.PendingCount(ctx, modelType)
	if err != nil {
		return 0, storageErr("outbox pending count", err)
	}
	return n, nil
}

// emitStatus publishes an outbox-status event on every empty<->non-empty
// transition (and once at startup).
func (o *Outbox) emitStatus(ctx context.Context) {
	n, err := o.log.PendingCount(ctx, "")
	if err != nil {
		return
	}
	state := int32(2)
	if n == 0 {
		state = 1
	}
	if atomic.SwapInt32(&o.lastEmpty, state) != state {
		o.hub.publish(EventOutboxStatus, "", OutboxStatusPayload{IsEmpty: n == 0})
	}
}
