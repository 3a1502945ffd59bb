// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package overstore

import (
	"context"
	"log/slog"
	"sync"
)

// ChannelState is the per-model subscription channel state.
type ChannelState string

const (
	ChannelDisconnected ChannelState = "disconnected"
	ChannelConnecting   ChannelState = "connecting"
	ChannelConnected    ChannelState = "connected"
)

// SubscriptionManager holds one realtime subscription per model type, each
// independently reconnectable with capped jittered backoff. Subscriptions are
// a liveness optimization, not the sync source of truth: every
// connected->disconnected transition raises a loss signal and the orchestrator
// runs a delta sync before the model is considered caught up again, so an
// outage never leaves a permanent gap.
type SubscriptionManager struct {
	remote     RemoteClient
	reconciler *Reconciler
	hub        *Hub
	logger     *slog.Logger
	cfg        *Config

	// onLost is invoked (not on the delivery goroutine's critical path) when
	// a connected channel drops. Wired by the orchestrator.
	onLost func(modelType string)

	mu     sync.Mutex
	states map[string]ChannelState
	wg     sync.WaitGroup
}

func newSubscriptionManager(remote RemoteClient, reconciler *Reconciler, hub *Hub,
	logger *slog.Logger, cfg *Config) *SubscriptionManager {
	return &SubscriptionManager{
		remote:     remote,
		reconciler: reconciler,
		hub:        hub,
		logger:     logger,
		cfg:        cfg,
		states:     make(map[string]ChannelState),
	}
}

// Start launches one channel worker per model and returns once every channel
// has reached connecting. It deliberately does not wait for connected, so a
// slow network cannot stall startup; sync queries recover anything missed.
func (m *SubscriptionManager) Start(ctx context.Context, models []string) {
	var connecting sync.WaitGroup
	for _, model := range models {
		model := model
		m.setState(model, ChannelDisconnected)
		connecting.Add(1)
		m.wg.Add(1)
		go m.runChannel(ctx, model, &connecting)
	}
	connecting.Wait()
	m.hub.publish(EventSubscriptionsEstablished, "", models)
}

// Wait blocks until all channel workers have exited.
func (m *SubscriptionManager) Wait() { m.wg.Wait() }

// State reports a channel's current state (for tests and diagnostics).
func (m *SubscriptionManager) State(modelType string) ChannelState {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.states[modelType]; ok {
		return s
	}
	return ChannelDisconnected
}

func (m *SubscriptionManager) setState(modelType string, s ChannelState) {
	m.mu.Lock()
	m.states[modelType] = s
	m.mu.Unlock()
}

func (m *SubscriptionManager) runChannel(ctx context.Context, model string, connecting *sync.WaitGroup) {
	defer m.wg.Done()
	signalled := false
	markConnecting := func() {
		m.setState(model, ChannelConnecting)
		if !signalled {
			signalled = true
			connecting.Done()
		}
	}

	attempt := 0
	for {
		if ctx.Err() != nil {
			if !signalled {
				signalled = true
				connecting.Done()
			}
			m.setState(model, ChannelDisconnected)
			return
		}

		markConnecting()
		ch, errCh, err := m.remote.Subscribe(ctx, model)
		if err != nil {
			m.setState(model, ChannelDisconnected)
			if ctx.Err() != nil {
				return
			}
			m.logger.Warn("Subscription connect failed", "model", model, "attempt", attempt+1, "error", err)
			if sleepWithContext(ctx, nextBackoff(attempt, m.cfg.BackoffMin, m.cfg.BackoffMax)) != nil {
				return
			}
			attempt++
			continue
		}

		attempt = 0
		m.setState(model, ChannelConnected)
		m.logger.Debug("Subscription connected", "model", model)

		m.deliver(ctx, model, ch, errCh)
		if ctx.Err() != nil {
			m.setState(model, ChannelDisconnected)
			return
		}

		// connected -> disconnected: raise the loss so the orchestrator
		// schedules a delta sync to cover the outage window.
		m.setState(model, ChannelDisconnected)
		m.hub.publish(EventSubscriptionLost, model, nil)
		if m.onLost != nil {
			m.onLost(model)
		}
		if sleepWithContext(ctx, nextBackoff(0, m.cfg.BackoffMin, m.cfg.BackoffMax)) != nil {
			return
		}
	}
}

// deliver feeds inbound changes to the reconciliation engine in arrival order
// until the channel drops.
func (m *SubscriptionManager) deliver(ctx context.Context, model string, ch <-chan RemoteChange, errCh <-chan error) {
	for {
		select {
		case <-ctx.Done():
			return
		case change, ok := <-ch:
			if !ok {
				return
			}
			if _, err := m.reconciler.Reconcile(ctx, change); err != nil {
				m.logger.Error("Failed to reconcile subscription change",
					"model", model, "id", change.ID, "error", err)
			}
		case err, ok := <-errCh:
			if ok && err != nil {
				m.logger.Warn("Subscription channel error", "model", model, "error", err)
			}
			return
		}
	}
}
