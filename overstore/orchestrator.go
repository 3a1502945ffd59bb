// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package overstore

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// State is the orchestrator lifecycle state.
type State string

const (
	StateNotConfigured  State = "notConfigured"
	StateConfiguring    State = "configuring"
	StateSubscribing    State = "subscribing"
	StateSyncingQueries State = "syncingQueries"
	StateOutboxActive   State = "outboxActive"
	StateStopping       State = "stopping"
	StateStopped        State = "stopped"
	StateError          State = "error"
)

// stateTransitions is the explicit transition table; transition() is the
// single dispatch point. StateError is additionally reachable from any state.
var stateTransitions = map[State][]State{
	StateNotConfigured:  {StateConfiguring},
	StateConfiguring:    {StateSubscribing},
	StateSubscribing:    {StateSyncingQueries},
	StateSyncingQueries: {StateOutboxActive},
	StateOutboxActive:   {StateStopping},
	StateStopping:       {StateStopped},
	StateStopped:        {StateConfiguring},
	StateError:          {StateConfiguring},
}

// Orchestrator sequences startup (configure -> subscribe -> sync queries ->
// outbox active) and handles stop/clear/network-loss/subscription-loss. It is
// the sole owner of SyncState and of the engine lifecycle; transient network
// trouble never moves it out of the steady state.
type Orchestrator struct {
	store    LocalStore
	mlog     MutationLog
	states   SyncStateStore
	registry ModelRegistry
	outbox   *Outbox
	syncproc *SyncProcessor
	subs     *SubscriptionManager
	network  NetworkMonitor
	hub      *Hub
	logger   *slog.Logger
	cfg      *Config

	mu     sync.Mutex
	state  State
	cancel context.CancelFunc

	wg   sync.WaitGroup
	lost chan string

	// onClear re-baselines observers after a local wipe. Wired by the engine.
	onClear func()
}

func newOrchestrator(store LocalStore, mlog MutationLog, states SyncStateStore,
	registry ModelRegistry, outbox *Outbox, syncproc *SyncProcessor,
	subs *SubscriptionManager, network NetworkMonitor, hub *Hub,
	logger *slog.Logger, cfg *Config) *Orchestrator {
	o := &Orchestrator{
		store:    store,
		mlog:     mlog,
		states:   states,
		registry: registry,
		outbox:   outbox,
		syncproc: syncproc,
		subs:     subs,
		network:  network,
		hub:      hub,
		logger:   logger,
		cfg:      cfg,
		state:    StateNotConfigured,
		lost:     make(chan string, 64),
	}
	subs.onLost = o.subscriptionLost
	return o
}

// State returns the current lifecycle state.
func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

func (o *Orchestrator) transition(to State) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if to != StateError {
		allowed := false
		for _, s := range stateTransitions[o.state] {
			if s == to {
				allowed = true
				break
			}
		}
		if !allowed {
			return &ConfigurationError{Msg: fmt.Sprintf("invalid state transition %s -> %s", o.state, to)}
		}
	}
	o.logger.Info("Sync engine state change", "from", o.state, "to", to)
	o.state = to
	return nil
}

// Start brings the engine to the steady state. Unrecoverable configuration
// problems move to StateError and are returned; per-model sync failures are
// reported via the hub but do not abort startup.
func (o *Orchestrator) Start(ctx context.Context) error {
	if err := o.transition(StateConfiguring); err != nil {
		return err
	}
	models := o.registry.ModelTypes()
	if len(models) == 0 {
		o.fail()
		return &ConfigurationError{Msg: "model registry has no model types"}
	}

	if err := o.checkSchemaVersion(ctx); err != nil {
		o.fail()
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	o.mu.Lock()
	o.cancel = cancel
	o.mu.Unlock()

	if err := o.transition(StateSubscribing); err != nil {
		return err
	}
	o.subs.Start(runCtx, models)

	if err := o.transition(StateSyncingQueries); err != nil {
		return err
	}
	if err := o.syncproc.SyncAll(runCtx, models, o.registry.SchemaVersion()); err != nil {
		if runCtx.Err() != nil {
			return runCtx.Err()
		}
		// Reported, not fatal: the failed models retry via delta on the next
		// network recovery or subscription loss; the rest of the engine runs.
		o.logger.Error("Startup sync completed with failures", "error", err)
	}

	if err := o.transition(StateOutboxActive); err != nil {
		return err
	}
	if err := o.outbox.Start(runCtx); err != nil {
		o.fail()
		return err
	}

	o.wg.Add(2)
	go o.watchNetwork(runCtx)
	go o.deltaWorker(runCtx)
	return nil
}

func (o *Orchestrator) fail() {
	_ = o.transition(StateError)
}

// checkSchemaVersion clears all local state when any stored checkpoint was
// built against a different schema version.
func (o *Orchestrator) checkSchemaVersion(ctx context.Context) error {
	current := o.registry.SchemaVersion()
	for _, m := range o.registry.ModelTypes() {
		st, err := o.states.Load(ctx, m)
		if err != nil {
			return storageErr("schema version check", err)
		}
		if st != nil && st.SchemaVersion != "" && st.SchemaVersion != current {
			o.logger.Warn("Schema version changed, clearing local store",
				"model", m, "stored", st.SchemaVersion, "current", current)
			return o.clearLocal(ctx)
		}
	}
	return nil
}

func (o *Orchestrator) clearLocal(ctx context.Context) error {
	if err := o.store.Clear(ctx); err != nil {
		return storageErr("clear records", err)
	}
	if err := o.mlog.Clear(ctx); err != nil {
		return storageErr("clear mutation log", err)
	}
	if err := o.states.Clear(ctx); err != nil {
		return storageErr("clear sync state", err)
	}
	if o.onClear != nil {
		o.onClear()
	}
	return nil
}

// Stop cancels all in-flight network work and waits for the workers. The
// local store and mutation log are left intact: queued mutations survive for
// the next Start.
func (o *Orchestrator) Stop() error {
	if err := o.transition(StateStopping); err != nil {
		return err
	}
	o.mu.Lock()
	cancel := o.cancel
	o.cancel = nil
	o.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	o.outbox.Wait()
	o.subs.Wait()
	o.wg.Wait()
	return o.transition(StateStopped)
}

// Clear stops the engine (when running) and erases records, the mutation log,
// and all sync checkpoints. Used for schema changes or an explicit reset.
func (o *Orchestrator) Clear(ctx context.Context) error {
	if o.State() == StateOutboxActive {
		if err := o.Stop(); err != nil {
			return err
		}
	}
	return o.clearLocal(ctx)
}

func (o *Orchestrator) subscriptionLost(modelType string) {
	select {
	case o.lost <- modelType:
	default:
		o.logger.Warn("Delta resync queue full, dropping signal", "model", modelType)
	}
}

// watchNetwork pauses/resumes outbox draining on reachability changes without
// leaving the steady state, and schedules a full round of delta syncs on
// recovery to cover the offline window.
func (o *Orchestrator) watchNetwork(ctx context.Context) {
	defer o.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case online, ok := <-o.network.Changes():
			if !ok {
				return
			}
			o.hub.publish(EventNetworkStatus, "", NetworkStatusPayload{Active: online})
			if online {
				o.logger.Info("Network regained, resuming outbox and scheduling delta sync")
				o.outbox.Resume()
				for _, m := range o.registry.ModelTypes() {
					o.subscriptionLost(m)
				}
			} else {
				o.logger.Info("Network lost, pausing outbox")
				o.outbox.Pause()
			}
		}
	}
}

// deltaWorker runs a delta sync for every model whose subscription dropped or
// whose coverage lapsed, once the network allows it.
func (o *Orchestrator) deltaWorker(ctx context.Context) {
	defer o.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case model := <-o.lost:
			for !o.network.Online() {
				if sleepWithContext(ctx, o.cfg.BackoffMin) != nil {
					return
				}
			}
			if err := o.syncproc.SyncModel(ctx, model, o.registry.SchemaVersion()); err != nil {
				if ctx.Err() != nil {
					return
				}
				o.logger.Error("Delta resync failed", "model", model, "error", err)
			}
		}
	}
}
