// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package overstore

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// Dependencies are the external collaborators the engine is composed from.
// Store, Log, States, Registry, and Remote are required; Network and Logger
// have working defaults.
type Dependencies struct {
	Store    LocalStore
	Log      MutationLog
	States   SyncStateStore
	Registry ModelRegistry
	Remote   RemoteClient
	Network  NetworkMonitor
	Logger   *slog.Logger
}

// Engine is the local-first sync engine façade. It is explicitly constructed
// and owned by the caller's composition root; there are no process-wide
// singletons. Save/Delete return once the change is durably persisted locally
// (optimistic); synchronization progress is observable via the Hub and via
// ObserveQuery's IsSynced flag, never by blocking the original call.
type Engine struct {
	cfg      *Config
	store    LocalStore
	registry ModelRegistry
	logger   *slog.Logger

	hub      *Hub
	notifier *notifier

	reconciler *Reconciler
	outbox     *Outbox
	syncproc   *SyncProcessor
	subs       *SubscriptionManager
	orch       *Orchestrator

	mu        sync.Mutex
	observers map[int]*queryObserver
	obsNext   int
	closed    bool
}

// New builds an engine from its collaborators. A nil cfg uses DefaultConfig.
func New(deps Dependencies, cfg *Config) (*Engine, error) {
	switch {
	case deps.Store == nil:
		return nil, &ConfigurationError{Msg: "local store is required"}
	case deps.Log == nil:
		return nil, &ConfigurationError{Msg: "mutation log is required"}
	case deps.States == nil:
		return nil, &ConfigurationError{Msg: "sync state store is required"}
	case deps.Registry == nil:
		return nil, &ConfigurationError{Msg: "model registry is required"}
	case deps.Remote == nil:
		return nil, &ConfigurationError{Msg: "remote client is required"}
	}
	if len(deps.Registry.ModelTypes()) == 0 {
		return nil, &ConfigurationError{Msg: "model registry has no model types"}
	}

	if cfg == nil {
		cfg = DefaultConfig()
	} else {
		c := *cfg
		cfg = &c
	}
	cfg.normalize()

	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	network := deps.Network
	if network == nil {
		network = &alwaysOnline{ch: make(chan bool)}
	}

	e := &Engine{
		cfg:       cfg,
		store:     deps.Store,
		registry:  deps.Registry,
		logger:    logger,
		hub:       newHub(logger),
		notifier:  newNotifier(logger),
		observers: make(map[int]*queryObserver),
	}

	e.reconciler = newReconciler(deps.Store, deps.Log, cfg.Conflict, e.notifier.publish, logger)
	e.outbox = newOutbox(deps.Log, deps.Store, deps.Remote, deps.Registry, e.hub, logger, cfg)
	e.outbox.reconciler = e.reconciler
	e.reconciler.requeue = e.outbox.requeue
	e.syncproc = newSyncProcessor(deps.Remote, e.reconciler, deps.States, e.hub, logger, cfg)
	e.subs = newSubscriptionManager(deps.Remote, e.reconciler, e.hub, logger, cfg)
	e.orch = newOrchestrator(deps.Store, deps.Log, deps.States, deps.Registry,
		e.outbox, e.syncproc, e.subs, network, e.hub, logger, cfg)
	e.orch.onClear = e.rebaselineObservers

	return e, nil
}

// Hub exposes the lifecycle/telemetry event stream.
func (e *Engine) Hub() *Hub { return e.hub }

// State reports the orchestrator's lifecycle state.
func (e *Engine) State() State { return e.orch.State() }

// Start brings the engine up: configure, subscribe, run sync queries, then
// drain the outbox continuously.
func (e *Engine) Start(ctx context.Context) error {
	return e.orch.Start(ctx)
}

// Stop cancels network activity but keeps all durable local state, including
// queued mutations.
func (e *Engine) Stop() error {
	err := e.orch.Stop()
	e.rebaselineObservers()
	return err
}

// Clear stops the engine and erases records, queued mutations, and sync
// checkpoints. Observations stay open and re-baseline on the emptied store.
func (e *Engine) Clear(ctx context.Context) error {
	return e.orch.Clear(ctx)
}

// Save validates and persists a record locally, then queues its mutation for
// transmission. It returns once both writes are durable; delivery outcomes
// surface via hub events.
func (e *Engine) Save(ctx context.Context, rec Record) error {
	if rec.ModelType == "" || rec.ID == "" {
		return &ValidationError{Msg: "record missing model type or id"}
	}
	if !registeredModel(e.registry, rec.ModelType) {
		return &ValidationError{Msg: fmt.Sprintf("model type %q is not registered", rec.ModelType)}
	}
	if len(rec.Fields) == 0 {
		return &ValidationError{Msg: "record has no fields"}
	}
	rec.Deleted = false

	existing, meta, err := e.store.Get(ctx, rec.ModelType, rec.ID)
	if err != nil {
		return storageErr("save lookup", err)
	}

	mtype := MutationCreate
	var baseVersion int64
	if meta != nil && meta.Version > 0 && !meta.Deleted {
		mtype = MutationUpdate
		baseVersion = meta.Version
	} else if existing != nil {
		// Locally new record with a queued create; the outbox collapses this
		// update into it.
		mtype = MutationUpdate
	}

	// Optimistic local write; existing sync metadata is preserved until the
	// backend acknowledges.
	if err := e.store.Save(ctx, rec, nil); err != nil {
		return storageErr("save record", err)
	}
	e.notifier.publish(ChangeNotification{
		ModelType: rec.ModelType,
		ModelID:   rec.ID,
		Type:      ChangeUpserted,
		Origin:    OriginLocal,
		Record:    &rec,
	})

	return e.outbox.Enqueue(ctx, MutationEvent{
		ModelType:   rec.ModelType,
		ModelID:     rec.ID,
		Type:        mtype,
		Fields:      rec.Fields,
		BaseVersion: baseVersion,
	})
}

// Delete removes a record locally and queues the deletion. Deleting a record
// the store has never seen is a no-op.
func (e *Engine) Delete(ctx context.Context, modelType, id string) error {
	if modelType == "" || id == "" {
		return &ValidationError{Msg: "delete missing model type or id"}
	}
	if !registeredModel(e.registry, modelType) {
		return &ValidationError{Msg: fmt.Sprintf("model type %q is not registered", modelType)}
	}

	existing, meta, err := e.store.Get(ctx, modelType, id)
	if err != nil {
		return storageErr("delete lookup", err)
	}
	if existing == nil {
		return nil
	}

	if err := e.store.Delete(ctx, modelType, id, nil); err != nil {
		return storageErr("delete record", err)
	}
	e.notifier.publish(ChangeNotification{
		ModelType: modelType,
		ModelID:   id,
		Type:      ChangeDeleted,
		Origin:    OriginLocal,
	})

	var baseVersion int64
	if meta != nil {
		baseVersion = meta.Version
	}
	return e.outbox.Enqueue(ctx, MutationEvent{
		ModelType:   modelType,
		ModelID:     id,
		Type:        MutationDelete,
		BaseVersion: baseVersion,
	})
}

// Query evaluates predicate/sort against the local store, optionally applying
// offset/limit paging.
func (e *Engine) Query(ctx context.Context, modelType string, pred Predicate, sort *Sort, page *PageInput) ([]Record, error) {
	items, err := e.store.Query(ctx, modelType, pred, sort)
	if err != nil {
		return nil, storageErr("query", err)
	}
	if page == nil {
		return items, nil
	}
	start := page.Offset
	if start > len(items) {
		start = len(items)
	}
	end := len(items)
	if page.Limit > 0 && start+page.Limit < end {
		end = start + page.Limit
	}
	return items[start:end], nil
}

// Observe streams raw change notifications for a model type. The returned
// cancel func releases the stream.
func (e *Engine) Observe(modelType string) (<-chan ChangeNotification, func()) {
	return e.notifier.subscribe(modelType)
}

// ObserveQuery opens a live query. The first snapshot is emitted immediately;
// later ones are debounced re-evaluations triggered by local saves, remote
// reconciliations, and sync/outbox status changes.
func (e *Engine) ObserveQuery(modelType string, pred Predicate, sort *Sort) (*QueryObservation, error) {
	if !registeredModel(e.registry, modelType) {
		return nil, &ValidationError{Msg: fmt.Sprintf("model type %q is not registered", modelType)}
	}

	q := newQueryObserver(e.store, e.orch.states, e.outbox, modelType, pred, sort,
		e.cfg.ObserveDebounce, e.logger)

	changes, cancelChanges := e.notifier.subscribe(modelType)
	hubCh, cancelHub := e.hub.Subscribe()

	e.mu.Lock()
	id := e.obsNext
	e.obsNext++
	e.observers[id] = q
	e.mu.Unlock()

	go q.run()
	go func() {
		for {
			select {
			case _, ok := <-changes:
				if !ok {
					return
				}
				q.poke()
			case ev, ok := <-hubCh:
				if !ok {
					return
				}
				switch ev.Type {
				case EventOutboxStatus, EventSyncQueriesReady:
					q.poke()
				case EventModelSynced, EventMutationProcessed, EventMutationFailed:
					if ev.ModelType == modelType {
						q.poke()
					}
				}
			case <-q.stop:
				return
			}
		}
	}()

	return &QueryObservation{
		snapshots: q.out,
		cancel: func() {
			e.mu.Lock()
			delete(e.observers, id)
			e.mu.Unlock()
			cancelChanges()
			cancelHub()
			q.shutdown()
		},
	}, nil
}

func (e *Engine) rebaselineObservers() {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, q := range e.observers {
		q.poke()
	}
}

// Close tears the engine down entirely: stops if running, ends every
// observation stream, and closes the hub. The engine is unusable afterwards.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()

	var err error
	if e.orch.State() == StateOutboxActive {
		err = e.orch.Stop()
	}

	e.mu.Lock()
	observers := make(map[int]*queryObserver, len(e.observers))
	for id, q := range e.observers {
		observers[id] = q
	}
	e.observers = make(map[int]*queryObserver)
	e.mu.Unlock()
	for _, q := range observers {
		q.shutdown()
	}

	e.notifier.close()
	e.hub.close()
	return err
}
