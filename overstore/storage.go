// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package overstore

import "context"

// LocalStore is the durable record storage consumed by the engine. The
// reconciliation engine is the sole writer of records and their SyncMetadata;
// local optimistic saves flow through it as well (via the engine façade).
//
// Get returns (nil, nil, nil) when the record has never been seen. A deleted
// record may return a nil Record with non-nil metadata (retained tombstone).
type LocalStore interface {
	Get(ctx context.Context, modelType, id string) (*Record, *SyncMetadata, error)

	// Save writes the record and, when meta is non-nil, its sync metadata.
	// A nil meta preserves whatever metadata is already stored (optimistic
	// local write awaiting server acknowledgement).
	Save(ctx context.Context, record Record, meta *SyncMetadata) error

	// Delete removes the record from the queryable surface. When meta is
	// non-nil the tombstone metadata is retained so reconciliation stays
	// idempotent under re-delivery; a nil meta preserves existing metadata.
	Delete(ctx context.Context, modelType, id string, meta *SyncMetadata) error

	// Query returns records of modelType matching predicate (nil = all),
	// ordered by sort when non-nil. Deleted records are never returned.
	Query(ctx context.Context, modelType string, predicate Predicate, sort *Sort) ([]Record, error)

	// Clear erases all records and metadata.
	Clear(ctx context.Context) error
}

// MutationLog is the durable append-only table of pending local mutations,
// owned exclusively by the outbox. At most one pending event exists per
// (modelType, modelID): enqueue collapses into the existing row.
type MutationLog interface {
	Append(ctx context.Context, ev MutationEvent) error
	Update(ctx context.Context, ev MutationEvent) error
	Remove(ctx context.Context, eventID string) error

	// PendingForKey returns the queued event for the record key, or nil.
	PendingForKey(ctx context.Context, modelType, modelID string) (*MutationEvent, error)

	// NextEligible returns the oldest event whose record key is not in
	// exclude and which is not marked in flight, or nil when none qualifies.
	NextEligible(ctx context.Context, exclude map[string]struct{}) (*MutationEvent, error)

	// MarkInFlight persists the in-flight marker for an event.
	MarkInFlight(ctx context.Context, eventID string, inFlight bool) error

	// ResetInFlight clears stale in-flight markers left by a dead process.
	ResetInFlight(ctx context.Context) error

	// PendingCount reports queued events for a model type ("" = all).
	PendingCount(ctx context.Context, modelType string) (int, error)

	Clear(ctx context.Context) error
}

// SyncStateStore persists per-model sync checkpoints. Owned by the
// orchestrator; the sync query processor updates checkpoints through it.
type SyncStateStore interface {
	Load(ctx context.Context, modelType string) (*SyncState, error)
	SaveState(ctx context.Context, state *SyncState) error
	Clear(ctx context.Context) error
}

// ModelRegistry provides the set of model types to synchronize and the schema
// version they were generated from. A schema version change clears local state
// and forces a fresh full sync.
type ModelRegistry interface {
	ModelTypes() []string
	SchemaVersion() string
}

// StaticRegistry is a fixed ModelRegistry.
type StaticRegistry struct {
	Models  []string
	Version string
}

func (r *StaticRegistry) ModelTypes() []string { return r.Models }

func (r *StaticRegistry) SchemaVersion() string { return r.Version }

// Has reports whether modelType is registered.
func (r *StaticRegistry) Has(modelType string) bool {
	for _, m := range r.Models {
		if m == modelType {
			return true
		}
	}
	return false
}

// NetworkMonitor reports reachability of the backend. The orchestrator pauses
// outbox draining while offline and triggers delta syncs on recovery.
type NetworkMonitor interface {
	Online() bool
	Changes() <-chan bool
}

// alwaysOnline is the default monitor for environments without reachability
// signals.
type alwaysOnline struct{ ch chan bool }

func (a *alwaysOnline) Online() bool { return true }

func (a *alwaysOnline) Changes() <-chan bool { return a.ch }

func registeredModel(registry ModelRegistry, modelType string) bool {
	for _, m := range registry.ModelTypes() {
		if m == modelType {
			return true
		}
	}
	return false
}
