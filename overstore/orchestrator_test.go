// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package overstore

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type orchFixture struct {
	orch    *Orchestrator
	store   *memStore
	log     *memLog
	states  *memStates
	remote  *fakeRemote
	network *fakeNetwork
	events  *hubSink
}

func newOrchFixture(t *testing.T, models ...string) *orchFixture {
	t.Helper()
	if len(models) == 0 {
		models = []string{"Todo"}
	}
	logger := testLogger()
	cfg := fastConfig()

	store := newMemStore()
	log := &memLog{}
	states := newMemStates()
	remote := &fakeRemote{}
	network := newFakeNetwork(true)
	hub := newHub(logger)
	sink := &hubSink{}
	t.Cleanup(sink.watch(hub))

	registry := &StaticRegistry{Models: models, Version: "v1"}
	reconciler := newReconciler(store, log, cfg.Conflict, func(ChangeNotification) {}, logger)
	outbox := newOutbox(log, store, remote, registry, hub, logger, cfg)
	outbox.reconciler = reconciler
	reconciler.requeue = outbox.requeue
	syncproc := newSyncProcessor(remote, reconciler, states, hub, logger, cfg)
	subs := newSubscriptionManager(remote, reconciler, hub, logger, cfg)
	orch := newOrchestrator(store, log, states, registry, outbox, syncproc, subs, network, hub, logger, cfg)

	return &orchFixture{
		orch: orch, store: store, log: log, states: states,
		remote: remote, network: network, events: sink,
	}
}

func TestStartupSequenceReachesSteadyState(t *testing.T) {
	f := newOrchFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.Equal(t, StateNotConfigured, f.orch.State())
	require.NoError(t, f.orch.Start(ctx))
	require.Equal(t, StateOutboxActive, f.orch.State())

	require.True(t, waitFor(time.Second, func() bool {
		return len(f.events.ofType(EventSubscriptionsEstablished)) == 1 &&
			len(f.events.ofType(EventSyncQueriesStarted)) == 1 &&
			len(f.events.ofType(EventSyncQueriesReady)) == 1
	}))

	require.NoError(t, f.orch.Stop())
	require.Equal(t, StateStopped, f.orch.State())
}

func TestStopBeforeStartIsInvalid(t *testing.T) {
	f := newOrchFixture(t)

	err := f.orch.Stop()
	var cerr *ConfigurationError
	require.ErrorAs(t, err, &cerr)
	require.Equal(t, StateNotConfigured, f.orch.State())
}

func TestRestartAfterStop(t *testing.T) {
	f := newOrchFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, f.orch.Start(ctx))
	require.NoError(t, f.orch.Stop())
	require.NoError(t, f.orch.Start(ctx))
	require.Equal(t, StateOutboxActive, f.orch.State())
	require.NoError(t, f.orch.Stop())
}

func TestSchemaVersionChangeClearsLocalState(t *testing.T) {
	f := newOrchFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Seed state from a previous schema version.
	require.NoError(t, f.store.Save(ctx,
		Record{ModelType: "Todo", ID: "t1", Fields: map[string]any{"title": "old"}},
		&SyncMetadata{Version: 3}))
	require.NoError(t, f.log.Append(ctx, MutationEvent{
		ID: "ev1", ModelType: "Todo", ModelID: "t1",
		Type: MutationUpdate, Fields: map[string]any{"title": "old"},
	}))
	require.NoError(t, f.states.SaveState(ctx, &SyncState{
		ModelType: "Todo", LastSyncTime: time.Now().UTC(),
		SchemaVersion: "v0", FullySynced: true,
	}))

	cleared := false
	f.orch.onClear = func() { cleared = true }

	require.NoError(t, f.orch.Start(ctx))
	defer f.orch.Stop()

	require.True(t, cleared)
	rec, meta, err := f.store.Get(ctx, "Todo", "t1")
	require.NoError(t, err)
	require.Nil(t, rec)
	require.Nil(t, meta)
	n, err := f.log.PendingCount(ctx, "")
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestNetworkLossPausesOutboxAndRecoveryDeltaSyncs(t *testing.T) {
	f := newOrchFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, f.orch.Start(ctx))
	defer f.orch.Stop()

	f.network.set(false)
	require.True(t, waitFor(time.Second, func() bool {
		return atomic.LoadInt32(&f.orch.outbox.paused) == 1
	}))
	require.True(t, waitFor(time.Second, func() bool {
		evs := f.events.ofType(EventNetworkStatus)
		return len(evs) >= 1 && !evs[len(evs)-1].Payload.(NetworkStatusPayload).Active
	}))

	// With the outbox paused, an enqueued mutation stays queued.
	require.NoError(t, f.orch.outbox.Enqueue(ctx, MutationEvent{
		ModelType: "Todo", ModelID: "t1", Type: MutationCreate,
		Fields: map[string]any{"title": "offline edit"},
	}))
	time.Sleep(50 * time.Millisecond)
	require.Empty(t, f.remote.sentMutations())

	f.network.set(true)

	// Recovery drains the queue and runs a delta sync round.
	require.True(t, waitFor(2*time.Second, func() bool {
		return len(f.remote.sentMutations()) == 1
	}))
	require.True(t, waitFor(2*time.Second, func() bool {
		// Startup sync + recovery delta.
		return len(f.events.ofType(EventModelSynced)) >= 2
	}))
}

func TestSubscriptionLossSchedulesDeltaSync(t *testing.T) {
	f := newOrchFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, f.orch.Start(ctx))
	defer f.orch.Stop()

	require.True(t, waitFor(time.Second, func() bool {
		return len(f.events.ofType(EventModelSynced)) == 1
	}))

	f.orch.subscriptionLost("Todo")
	require.True(t, waitFor(2*time.Second, func() bool {
		return len(f.events.ofType(EventModelSynced)) >= 2
	}))
}

func TestClearStopsAndWipes(t *testing.T) {
	f := newOrchFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, f.orch.Start(ctx))
	require.NoError(t, f.store.Save(ctx,
		Record{ModelType: "Todo", ID: "t1", Fields: map[string]any{"title": "a"}},
		&SyncMetadata{Version: 1}))

	require.NoError(t, f.orch.Clear(ctx))
	require.Equal(t, StateStopped, f.orch.State())

	rec, _, err := f.store.Get(ctx, "Todo", "t1")
	require.NoError(t, err)
	require.Nil(t, rec)
	st, err := f.states.Load(ctx, "Todo")
	require.NoError(t, err)
	require.Nil(t, st)
}

func TestStartWithEmptyRegistryFails(t *testing.T) {
	logger := testLogger()
	cfg := fastConfig()
	store := newMemStore()
	log := &memLog{}
	states := newMemStates()
	remote := &fakeRemote{}
	hub := newHub(logger)
	registry := &StaticRegistry{Models: nil, Version: "v1"}

	reconciler := newReconciler(store, log, cfg.Conflict, func(ChangeNotification) {}, logger)
	outbox := newOutbox(log, store, remote, registry, hub, logger, cfg)
	outbox.reconciler = reconciler
	syncproc := newSyncProcessor(remote, reconciler, states, hub, logger, cfg)
	subs := newSubscriptionManager(remote, reconciler, hub, logger, cfg)
	orch := newOrchestrator(store, log, states, registry, outbox, syncproc, subs,
		newFakeNetwork(true), hub, logger, cfg)

	err := orch.Start(context.Background())
	var cerr *ConfigurationError
	require.ErrorAs(t, err, &cerr)
	require.Equal(t, StateError, orch.State())
}
