// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package sqlitestore

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/mobiletoly/go-overstore/overstore"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSaveAndGetRecord(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	rec := overstore.Record{
		ModelType: "Todo",
		ID:        "t1",
		Fields:    map[string]any{"title": "buy milk", "done": false},
	}
	meta := &overstore.SyncMetadata{Version: 3, LastChangedAt: time.Now().UTC()}
	require.NoError(t, s.Save(ctx, rec, meta))

	got, gotMeta, err := s.Get(ctx, "Todo", "t1")
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Equal(t, "buy milk", got.Fields["title"])
	require.NotNil(t, gotMeta)
	require.Equal(t, int64(3), gotMeta.Version)
	require.False(t, gotMeta.Deleted)
}

func TestGetUnknownRecord(t *testing.T) {
	s := newTestStore(t)

	rec, meta, err := s.Get(context.Background(), "Todo", "missing")
	require.NoError(t, err)
	require.Nil(t, rec)
	require.Nil(t, meta)
}

func TestSaveNilMetaPreservesExisting(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	rec := overstore.Record{ModelType: "Todo", ID: "t1", Fields: map[string]any{"title": "a"}}
	require.NoError(t, s.Save(ctx, rec, &overstore.SyncMetadata{Version: 5}))

	rec.Fields = map[string]any{"title": "b"}
	require.NoError(t, s.Save(ctx, rec, nil))

	got, meta, err := s.Get(ctx, "Todo", "t1")
	require.NoError(t, err)
	require.Equal(t, "b", got.Fields["title"])
	require.NotNil(t, meta)
	require.Equal(t, int64(5), meta.Version)
}

func TestDeleteKeepsTombstoneMeta(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	rec := overstore.Record{ModelType: "Todo", ID: "t1", Fields: map[string]any{"title": "a"}}
	require.NoError(t, s.Save(ctx, rec, &overstore.SyncMetadata{Version: 1}))

	tomb := &overstore.SyncMetadata{Version: 2, Deleted: true, LastChangedAt: time.Now().UTC()}
	require.NoError(t, s.Delete(ctx, "Todo", "t1", tomb))

	got, meta, err := s.Get(ctx, "Todo", "t1")
	require.NoError(t, err)
	require.Nil(t, got)
	require.NotNil(t, meta)
	require.True(t, meta.Deleted)
	require.Equal(t, int64(2), meta.Version)
}

func TestQueryPredicateAndSort(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for _, r := range []overstore.Record{
		{ModelType: "Todo", ID: "a", Fields: map[string]any{"prio": float64(3), "done": false}},
		{ModelType: "Todo", ID: "b", Fields: map[string]any{"prio": float64(1), "done": false}},
		{ModelType: "Todo", ID: "c", Fields: map[string]any{"prio": float64(2), "done": true}},
		{ModelType: "Note", ID: "n1", Fields: map[string]any{"prio": float64(9)}},
	} {
		require.NoError(t, s.Save(ctx, r, nil))
	}

	recs, err := s.Query(ctx, "Todo",
		overstore.FieldEquals("done", false),
		&overstore.Sort{Field: "prio"})
	require.NoError(t, err)
	require.Len(t, recs, 2)
	require.Equal(t, "b", recs[0].ID)
	require.Equal(t, "a", recs[1].ID)
}

func TestMutationLogLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	ev := overstore.MutationEvent{
		ID:        uuid.NewString(),
		ModelType: "Todo",
		ModelID:   "t1",
		Type:      overstore.MutationCreate,
		Fields:    map[string]any{"title": "a"},
		CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, s.Append(ctx, ev))

	got, err := s.PendingForKey(ctx, "Todo", "t1")
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Equal(t, ev.ID, got.ID)
	require.Equal(t, overstore.MutationCreate, got.Type)
	require.Equal(t, "a", got.Fields["title"])

	ev.Type = overstore.MutationUpdate
	ev.Fields = map[string]any{"title": "b"}
	ev.BaseVersion = 4
	require.NoError(t, s.Update(ctx, ev))

	got, err = s.PendingForKey(ctx, "Todo", "t1")
	require.NoError(t, err)
	require.Equal(t, overstore.MutationUpdate, got.Type)
	require.Equal(t, int64(4), got.BaseVersion)
	require.Equal(t, "b", got.Fields["title"])

	require.NoError(t, s.Remove(ctx, ev.ID))
	got, err = s.PendingForKey(ctx, "Todo", "t1")
	require.NoError(t, err)
	require.Nil(t, got)
}

func TestUpdateMissingMutation(t *testing.T) {
	s := newTestStore(t)

	err := s.Update(context.Background(), overstore.MutationEvent{
		ID: "nope", ModelType: "Todo", ModelID: "x", Type: overstore.MutationUpdate,
	})
	require.Error(t, err)
}

func TestDeleteMutationStoresNullFields(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	ev := overstore.MutationEvent{
		ID:        uuid.NewString(),
		ModelType: "Todo",
		ModelID:   "t1",
		Type:      overstore.MutationDelete,
		CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, s.Append(ctx, ev))

	got, err := s.PendingForKey(ctx, "Todo", "t1")
	require.NoError(t, err)
	require.Nil(t, got.Fields)
}

func TestNextEligibleOrderAndExclude(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	base := time.Now().UTC()
	first := overstore.MutationEvent{
		ID: uuid.NewString(), ModelType: "Todo", ModelID: "t1",
		Type: overstore.MutationCreate, Fields: map[string]any{},
		CreatedAt: base,
	}
	second := overstore.MutationEvent{
		ID: uuid.NewString(), ModelType: "Todo", ModelID: "t2",
		Type: overstore.MutationCreate, Fields: map[string]any{},
		CreatedAt: base.Add(time.Second),
	}
	require.NoError(t, s.Append(ctx, first))
	require.NoError(t, s.Append(ctx, second))

	got, err := s.NextEligible(ctx, nil)
	require.NoError(t, err)
	require.Equal(t, first.ID, got.ID)

	got, err = s.NextEligible(ctx, map[string]struct{}{first.Key(): {}})
	require.NoError(t, err)
	require.Equal(t, second.ID, got.ID)

	got, err = s.NextEligible(ctx, map[string]struct{}{
		first.Key():  {},
		second.Key(): {},
	})
	require.NoError(t, err)
	require.Nil(t, got)
}

func TestInFlightFlags(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	ev := overstore.MutationEvent{
		ID: uuid.NewString(), ModelType: "Todo", ModelID: "t1",
		Type: overstore.MutationCreate, Fields: map[string]any{},
		CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, s.Append(ctx, ev))
	require.NoError(t, s.MarkInFlight(ctx, ev.ID, true))

	got, err := s.NextEligible(ctx, nil)
	require.NoError(t, err)
	require.Nil(t, got)

	pend, err := s.PendingForKey(ctx, "Todo", "t1")
	require.NoError(t, err)
	require.True(t, pend.InFlight)

	require.NoError(t, s.ResetInFlight(ctx))
	got, err = s.NextEligible(ctx, nil)
	require.NoError(t, err)
	require.Equal(t, ev.ID, got.ID)
}

func TestQueuedRowBehindInFlightRow(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	inFlight := overstore.MutationEvent{
		ID: uuid.NewString(), ModelType: "Todo", ModelID: "t1",
		Type: overstore.MutationCreate, Fields: map[string]any{"title": "first"},
		CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, s.Append(ctx, inFlight))
	require.NoError(t, s.MarkInFlight(ctx, inFlight.ID, true))

	// A second row for the same record must be accepted while the first is in
	// flight.
	queued := overstore.MutationEvent{
		ID: uuid.NewString(), ModelType: "Todo", ModelID: "t1",
		Type: overstore.MutationUpdate, Fields: map[string]any{"title": "second"},
		CreatedAt: time.Now().UTC().Add(time.Millisecond),
	}
	require.NoError(t, s.Append(ctx, queued))

	n, err := s.PendingCount(ctx, "Todo")
	require.NoError(t, err)
	require.Equal(t, 2, n)

	// Collapsing and conflict rebasing operate on the queued row, never the
	// in-flight one.
	pend, err := s.PendingForKey(ctx, "Todo", "t1")
	require.NoError(t, err)
	require.Equal(t, queued.ID, pend.ID)
	require.False(t, pend.InFlight)

	require.NoError(t, s.Remove(ctx, queued.ID))
	pend, err = s.PendingForKey(ctx, "Todo", "t1")
	require.NoError(t, err)
	require.Equal(t, inFlight.ID, pend.ID)
	require.True(t, pend.InFlight)
}

func TestPendingCount(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i, mt := range []string{"Todo", "Todo", "Note"} {
		ev := overstore.MutationEvent{
			ID: uuid.NewString(), ModelType: mt, ModelID: string(rune('a' + i)),
			Type: overstore.MutationCreate, Fields: map[string]any{},
			CreatedAt: time.Now().UTC(),
		}
		require.NoError(t, s.Append(ctx, ev))
	}

	n, err := s.PendingCount(ctx, "")
	require.NoError(t, err)
	require.Equal(t, 3, n)

	n, err = s.PendingCount(ctx, "Todo")
	require.NoError(t, err)
	require.Equal(t, 2, n)
}

func TestSyncStateRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	st, err := s.Load(ctx, "Todo")
	require.NoError(t, err)
	require.Nil(t, st)

	now := time.Now().UTC().Truncate(time.Millisecond)
	require.NoError(t, s.SaveState(ctx, &overstore.SyncState{
		ModelType:     "Todo",
		LastSyncTime:  now,
		SchemaVersion: "v1",
		FullySynced:   true,
	}))

	st, err = s.Load(ctx, "Todo")
	require.NoError(t, err)
	require.NotNil(t, st)
	require.True(t, st.FullySynced)
	require.Equal(t, "v1", st.SchemaVersion)
	require.True(t, st.LastSyncTime.Equal(now))
}

func TestClearWipesEverything(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	rec := overstore.Record{ModelType: "Todo", ID: "t1", Fields: map[string]any{"title": "a"}}
	require.NoError(t, s.Save(ctx, rec, &overstore.SyncMetadata{Version: 1}))
	require.NoError(t, s.Append(ctx, overstore.MutationEvent{
		ID: uuid.NewString(), ModelType: "Todo", ModelID: "t1",
		Type: overstore.MutationCreate, Fields: map[string]any{},
		CreatedAt: time.Now().UTC(),
	}))
	require.NoError(t, s.SaveState(ctx, &overstore.SyncState{ModelType: "Todo", FullySynced: true}))

	require.NoError(t, s.Clear(ctx))

	got, meta, err := s.Get(ctx, "Todo", "t1")
	require.NoError(t, err)
	require.Nil(t, got)
	require.Nil(t, meta)

	n, err := s.PendingCount(ctx, "")
	require.NoError(t, err)
	require.Zero(t, n)

	st, err := s.Load(ctx, "Todo")
	require.NoError(t, err)
	require.Nil(t, st)
}
