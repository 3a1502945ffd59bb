// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package overstore

import (
	"log/slog"
	"sync"
	"time"
)

// HubEventType identifies a lifecycle/telemetry event.
type HubEventType string

const (
	EventMutationEnqueued         HubEventType = "outbox_mutation_enqueued"
	EventMutationProcessed        HubEventType = "outbox_mutation_processed"
	EventMutationFailed           HubEventType = "outbox_mutation_failed"
	EventOutboxStatus             HubEventType = "outbox_status"
	EventSubscriptionsEstablished HubEventType = "subscriptions_established"
	EventSubscriptionLost         HubEventType = "subscription_lost"
	EventSyncQueriesStarted       HubEventType = "sync_queries_started"
	EventSyncQueriesReady         HubEventType = "sync_queries_ready"
	EventModelSynced              HubEventType = "model_synced"
	EventConditionalSaveFailed    HubEventType = "conditional_save_failed"
	EventNetworkStatus            HubEventType = "network_status"
)

// HubEvent is one emitted lifecycle/telemetry event. Payload type depends on
// the event type (see the payload structs below); it may be nil.
type HubEvent struct {
	Type      HubEventType
	ModelType string
	At        time.Time
	Payload   any
}

// OutboxStatusPayload accompanies EventOutboxStatus.
type OutboxStatusPayload struct {
	IsEmpty bool
}

// MutationPayload accompanies the outbox mutation events.
type MutationPayload struct {
	Event MutationEvent
	Error string // set on EventMutationFailed
}

// ModelSyncedPayload accompanies EventModelSynced.
type ModelSyncedPayload struct {
	ModelType string
	Full      bool
	Added     int
	Updated   int
	Deleted   int
}

// NetworkStatusPayload accompanies EventNetworkStatus.
type NetworkStatusPayload struct {
	Active bool
}

// Hub fans lifecycle events out to external listeners. Publishing never
// blocks: a subscriber that falls behind its buffer drops events with a logged
// warning, so a stuck listener cannot stall the engine.
type Hub struct {
	mu     sync.Mutex
	subs   map[int]chan HubEvent
	nextID int
	logger *slog.Logger
}

func newHub(logger *slog.Logger) *Hub {
	return &Hub{
		subs:   make(map[int]chan HubEvent),
		logger: logger,
	}
}

// Subscribe registers a listener. The returned cancel func unregisters it and
// closes the channel.
func (h *Hub) Subscribe() (<-chan HubEvent, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()
	id := h.nextID
	h.nextID++
	ch := make(chan HubEvent, 64)
	h.subs[id] = ch
	return ch, func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if c, ok := h.subs[id]; ok {
			delete(h.subs, id)
			close(c)
		}
	}
}

// Publish delivers ev to all current subscribers.
func (h *Hub) Publish(ev HubEvent) {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, ch := range h.subs {
		select {
		case ch <- ev:
		default:
			h.logger.Warn("Dropping hub event for slow subscriber",
				"event", ev.Type, "model", ev.ModelType)
		}
	}
}

func (h *Hub) publish(t HubEventType, modelType string, payload any) {
	h.Publish(HubEvent{Type: t, ModelType: modelType, Payload: payload})
}

func (h *Hub) close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, ch := range h.subs {
		delete(h.subs, id)
		close(ch)
	}
}
