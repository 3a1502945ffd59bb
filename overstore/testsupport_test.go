// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package overstore

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fastConfig keeps retry/debounce timing sub-millisecond so tests run quickly.
func fastConfig() *Config {
	cfg := DefaultConfig()
	cfg.BackoffMin = time.Millisecond
	cfg.BackoffMax = 5 * time.Millisecond
	cfg.OutboxPollInterval = 10 * time.Millisecond
	cfg.ObserveDebounce = 5 * time.Millisecond
	cfg.MaxMutationAttempts = 3
	cfg.MaxPageAttempts = 3
	cfg.normalize()
	return cfg
}

// memStore is an in-memory LocalStore.
type memStore struct {
	mu      sync.Mutex
	records map[string]Record
	metas   map[string]SyncMetadata
}

func newMemStore() *memStore {
	return &memStore{
		records: make(map[string]Record),
		metas:   make(map[string]SyncMetadata),
	}
}

func cloneFields(f map[string]any) map[string]any {
	if f == nil {
		return nil
	}
	out := make(map[string]any, len(f))
	for k, v := range f {
		out[k] = v
	}
	return out
}

func (s *memStore) Get(_ context.Context, modelType, id string) (*Record, *SyncMetadata, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := recordKey(modelType, id)
	var rec *Record
	if r, ok := s.records[key]; ok {
		r.Fields = cloneFields(r.Fields)
		rec = &r
	}
	var meta *SyncMetadata
	if m, ok := s.metas[key]; ok {
		meta = &m
	}
	return rec, meta, nil
}

func (s *memStore) Save(_ context.Context, record Record, meta *SyncMetadata) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	record.Fields = cloneFields(record.Fields)
	key := recordKey(record.ModelType, record.ID)
	s.records[key] = record
	if meta != nil {
		s.metas[key] = *meta
	}
	return nil
}

func (s *memStore) Delete(_ context.Context, modelType, id string, meta *SyncMetadata) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := recordKey(modelType, id)
	delete(s.records, key)
	if meta != nil {
		s.metas[key] = *meta
	}
	return nil
}

func (s *memStore) Query(_ context.Context, modelType string, predicate Predicate, sortBy *Sort) ([]Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Record
	for _, r := range s.records {
		if r.ModelType != modelType {
			continue
		}
		r.Fields = cloneFields(r.Fields)
		if predicate == nil || predicate(r) {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if sortBy != nil {
		sort.SliceStable(out, func(i, j int) bool { return sortBy.Less(out[i], out[j]) })
	}
	return out, nil
}

func (s *memStore) Clear(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = make(map[string]Record)
	s.metas = make(map[string]SyncMetadata)
	return nil
}

// memLog is an in-memory MutationLog preserving append order.
type memLog struct {
	mu     sync.Mutex
	events []MutationEvent
}

func (l *memLog) Append(_ context.Context, ev MutationEvent) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	ev.Fields = cloneFields(ev.Fields)
	l.events = append(l.events, ev)
	return nil
}

func (l *memLog) Update(_ context.Context, ev MutationEvent) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i := range l.events {
		if l.events[i].ID == ev.ID {
			ev.Fields = cloneFields(ev.Fields)
			ev.InFlight = l.events[i].InFlight
			l.events[i] = ev
			return nil
		}
	}
	return fmt.Errorf("mutation %s not found", ev.ID)
}

func (l *memLog) Remove(_ context.Context, eventID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i := range l.events {
		if l.events[i].ID == eventID {
			l.events = append(l.events[:i], l.events[i+1:]...)
			return nil
		}
	}
	return nil
}

// PendingForKey prefers the queued (not in-flight) row, newest first, like the
// SQL-backed logs.
func (l *memLog) PendingForKey(_ context.Context, modelType, modelID string) (*MutationEvent, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var found *MutationEvent
	for i := range l.events {
		if l.events[i].ModelType != modelType || l.events[i].ModelID != modelID {
			continue
		}
		if found == nil || (found.InFlight && !l.events[i].InFlight) ||
			(found.InFlight == l.events[i].InFlight && !l.events[i].CreatedAt.Before(found.CreatedAt)) {
			found = &l.events[i]
		}
	}
	if found == nil {
		return nil, nil
	}
	ev := *found
	ev.Fields = cloneFields(ev.Fields)
	return &ev, nil
}

func (l *memLog) NextEligible(_ context.Context, exclude map[string]struct{}) (*MutationEvent, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i := range l.events {
		if l.events[i].InFlight {
			continue
		}
		if _, busy := exclude[l.events[i].Key()]; busy {
			continue
		}
		ev := l.events[i]
		ev.Fields = cloneFields(ev.Fields)
		return &ev, nil
	}
	return nil, nil
}

func (l *memLog) MarkInFlight(_ context.Context, eventID string, inFlight bool) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i := range l.events {
		if l.events[i].ID == eventID {
			l.events[i].InFlight = inFlight
			return nil
		}
	}
	return nil
}

func (l *memLog) ResetInFlight(context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i := range l.events {
		l.events[i].InFlight = false
	}
	return nil
}

func (l *memLog) PendingCount(_ context.Context, modelType string) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if modelType == "" {
		return len(l.events), nil
	}
	n := 0
	for i := range l.events {
		if l.events[i].ModelType == modelType {
			n++
		}
	}
	return n, nil
}

func (l *memLog) Clear(context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = nil
	return nil
}

// memStates is an in-memory SyncStateStore.
type memStates struct {
	mu     sync.Mutex
	states map[string]SyncState
}

func newMemStates() *memStates {
	return &memStates{states: make(map[string]SyncState)}
}

func (m *memStates) Load(_ context.Context, modelType string) (*SyncState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if st, ok := m.states[modelType]; ok {
		return &st, nil
	}
	return nil, nil
}

func (m *memStates) SaveState(_ context.Context, state *SyncState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.states[state.ModelType] = *state
	return nil
}

func (m *memStates) Clear(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.states = make(map[string]SyncState)
	return nil
}

// fakeRemote is a scriptable RemoteClient. Each behavior defaults to a benign
// success; tests override the function fields they care about.
type fakeRemote struct {
	mu        sync.Mutex
	mutations []MutationEvent

	mutateFn    func(ctx context.Context, ev MutationEvent) (*RemoteRecord, error)
	fetchFn     func(ctx context.Context, modelType, cursor string, since *time.Time, limit int) (*Page, error)
	subscribeFn func(ctx context.Context, modelType string) (<-chan RemoteChange, <-chan error, error)
}

func (f *fakeRemote) sentMutations() []MutationEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]MutationEvent, len(f.mutations))
	copy(out, f.mutations)
	return out
}

func (f *fakeRemote) Mutate(ctx context.Context, ev MutationEvent) (*RemoteRecord, error) {
	f.mu.Lock()
	f.mutations = append(f.mutations, ev)
	fn := f.mutateFn
	f.mu.Unlock()
	if fn != nil {
		return fn(ctx, ev)
	}
	rec := &RemoteRecord{
		Record:        Record{ModelType: ev.ModelType, ID: ev.ModelID, Fields: cloneFields(ev.Fields)},
		Version:       ev.BaseVersion + 1,
		LastChangedAt: time.Now().UTC(),
	}
	if ev.Type == MutationDelete {
		rec.Deleted = true
		rec.Fields = nil
	}
	return rec, nil
}

func (f *fakeRemote) FetchPage(ctx context.Context, modelType, cursor string, since *time.Time, limit int) (*Page, error) {
	f.mu.Lock()
	fn := f.fetchFn
	f.mu.Unlock()
	if fn != nil {
		return fn(ctx, modelType, cursor, since, limit)
	}
	return &Page{ServerSyncTime: time.Now().UTC()}, nil
}

func (f *fakeRemote) Subscribe(ctx context.Context, modelType string) (<-chan RemoteChange, <-chan error, error) {
	f.mu.Lock()
	fn := f.subscribeFn
	f.mu.Unlock()
	if fn != nil {
		return fn(ctx, modelType)
	}
	ch := make(chan RemoteChange)
	errCh := make(chan error, 1)
	go func() {
		<-ctx.Done()
		close(ch)
		close(errCh)
	}()
	return ch, errCh, nil
}

// fakeNetwork is a switchable NetworkMonitor.
type fakeNetwork struct {
	mu      sync.Mutex
	online  bool
	changes chan bool
}

func newFakeNetwork(online bool) *fakeNetwork {
	return &fakeNetwork{online: online, changes: make(chan bool, 8)}
}

func (n *fakeNetwork) Online() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.online
}

func (n *fakeNetwork) Changes() <-chan bool { return n.changes }

func (n *fakeNetwork) set(online bool) {
	n.mu.Lock()
	n.online = online
	n.mu.Unlock()
	n.changes <- online
}

// collectNotifications captures reconciler change notifications.
type notificationSink struct {
	mu    sync.Mutex
	items []ChangeNotification
}

func (s *notificationSink) add(c ChangeNotification) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items = append(s.items, c)
}

func (s *notificationSink) all() []ChangeNotification {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ChangeNotification, len(s.items))
	copy(out, s.items)
	return out
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(timeout time.Duration, cond func() bool) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(2 * time.Millisecond)
	}
	return cond()
}
