// Package overstore implements a local-first synchronization engine: it keeps a
// durable local copy of application records consistent with a remote
// GraphQL-shaped backend across offline periods, restarts, and concurrent
// local/remote writes.
//
// The engine exposes a save/query/observe surface and internally coordinates a
// durable mutation outbox, full/delta sync queries, realtime subscription
// reconciliation, and debounced live query snapshots.
// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package overstore

import (
	"fmt"
	"strings"
	"time"
)

// Record is one application entity instance stored locally.
type Record struct {
	ModelType string         `json:"modelType"`
	ID        string         `json:"id"`
	Fields    map[string]any `json:"fields"`
	Deleted   bool           `json:"deleted,omitempty"`
}

// SyncMetadata carries the server-assigned bookkeeping for a Record.
// Version is authoritative only once assigned by the backend; a record with no
// SyncMetadata (or Version 0) is locally new and unsynced.
type SyncMetadata struct {
	Version       int64     `json:"version"`
	LastChangedAt time.Time `json:"lastChangedAt"`
	Deleted       bool      `json:"deleted"`
}

// MutationType identifies the kind of a queued local mutation.
type MutationType string

const (
	MutationCreate MutationType = "CREATE"
	MutationUpdate MutationType = "UPDATE"
	MutationDelete MutationType = "DELETE"
)

// MutationEvent is a durable, queued representation of one local write awaiting
// transmission. BaseVersion is the server version this mutation expects to
// apply on top of (0 = unknown / locally new). Fields is nil for deletes.
type MutationEvent struct {
	ID          string         `json:"id"`
	ModelType   string         `json:"modelType"`
	ModelID     string         `json:"modelId"`
	Type        MutationType   `json:"type"`
	Fields      map[string]any `json:"fields,omitempty"`
	BaseVersion int64          `json:"baseVersion"`
	CreatedAt   time.Time      `json:"createdAt"`
	InFlight    bool           `json:"inFlight"`
}

// Key returns the per-record coalescing key for this event.
func (e *MutationEvent) Key() string {
	return recordKey(e.ModelType, e.ModelID)
}

func recordKey(modelType, id string) string {
	return modelType + "/" + id
}

// RemoteRecord is a candidate record received from the backend, either from a
// sync query page, a subscription notification, or a mutation response.
type RemoteRecord struct {
	Record
	Version       int64     `json:"version"`
	LastChangedAt time.Time `json:"lastChangedAt"`
}

// RemoteChange is an inbound create/update/delete notification delivered by a
// realtime subscription channel. Deletions arrive with Deleted=true.
type RemoteChange = RemoteRecord

// Page is one page of a sync query response. NextCursor is empty on the last
// page. ServerSyncTime is the server-reported sync time used to advance the
// delta checkpoint (never local wall clock, to avoid clock-skew gaps).
type Page struct {
	Records        []RemoteRecord `json:"records"`
	NextCursor     string         `json:"nextCursor,omitempty"`
	ServerSyncTime time.Time      `json:"serverSyncTime"`
}

// ChangeType identifies the effect of a change notification.
type ChangeType string

const (
	ChangeUpserted ChangeType = "upserted"
	ChangeDeleted  ChangeType = "deleted"
)

// ChangeOrigin identifies whether a change came from a local save or from the
// reconciliation of a remote record.
type ChangeOrigin string

const (
	OriginLocal  ChangeOrigin = "local"
	OriginRemote ChangeOrigin = "remote"
)

// ChangeNotification is published whenever the queryable local state of a
// record changes. Record is nil for deletions.
type ChangeNotification struct {
	ModelType string
	ModelID   string
	Type      ChangeType
	Origin    ChangeOrigin
	Record    *Record
}

// QuerySnapshot is a materialized view of a live query's current matching
// records plus sync status. IsSynced is true once the model type has completed
// a full sync and the outbox holds no pending mutations for it.
type QuerySnapshot struct {
	Items    []Record
	IsSynced bool
}

// SyncState tracks per-model sync progress. LastSyncTime is zero until the
// first successful full sync. SchemaVersion records the schema the state was
// built against; a mismatch forces a local clear and a fresh full sync.
type SyncState struct {
	ModelType     string
	LastSyncTime  time.Time
	SchemaVersion string
	FullySynced   bool
}

// ReconcileOutcome reports what the reconciliation engine did with a candidate.
type ReconcileOutcome string

const (
	OutcomeApplied          ReconcileOutcome = "applied"
	OutcomeDropped          ReconcileOutcome = "dropped"
	OutcomeConflictResolved ReconcileOutcome = "conflict_resolved"
	OutcomeDeleted          ReconcileOutcome = "deleted"
)

// Predicate filters records in queries. A nil Predicate matches everything.
type Predicate func(Record) bool

// FieldEquals returns a predicate matching records whose field equals value.
func FieldEquals(field string, value any) Predicate {
	return func(r Record) bool {
		v, ok := r.Fields[field]
		if !ok {
			return false
		}
		return compareFieldValues(v, value) == 0
	}
}

// FieldAtLeast returns a predicate matching records whose numeric or string
// field is greater than or equal to value.
func FieldAtLeast(field string, value any) Predicate {
	return func(r Record) bool {
		v, ok := r.Fields[field]
		if !ok {
			return false
		}
		return compareFieldValues(v, value) >= 0
	}
}

// Sort orders query results by a single field.
type Sort struct {
	Field      string
	Descending bool
}

// Less reports whether record a sorts before record b under this sort.
// Records missing the field sort last. Ties break on record ID so snapshots
// are stable across re-evaluation.
func (s *Sort) Less(a, b Record) bool {
	av, aok := a.Fields[s.Field]
	bv, bok := b.Fields[s.Field]
	if aok != bok {
		return aok
	}
	cmp := 0
	if aok {
		cmp = compareFieldValues(av, bv)
	}
	if cmp == 0 {
		cmp = strings.Compare(a.ID, b.ID)
	}
	if s.Descending {
		return cmp > 0
	}
	return cmp < 0
}

// compareFieldValues compares two JSON-shaped field values. Numbers compare
// numerically across int/int64/float64, everything else falls back to the
// string form.
func compareFieldValues(a, b any) int {
	af, aNum := toFloat(a)
	bf, bNum := toFloat(b)
	if aNum && bNum {
		switch {
		case af < bf:
			return -1
		case af > bf:
			return 1
		default:
			return 0
		}
	}
	return strings.Compare(fmt.Sprintf("%v", a), fmt.Sprintf("%v", b))
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case float64:
		return n, true
	case float32:
		return float64(n), true
	default:
		return 0, false
	}
}

// PageInput selects a window of query results.
type PageInput struct {
	Offset int
	Limit  int
}
