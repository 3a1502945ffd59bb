// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package overstore

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// QueryObservation is a live query: a stream of debounced snapshots
// re-evaluated whenever a relevant record changes. The stream never completes
// on its own; Cancel releases it, and tearing the engine down closes every
// observation. Stop/Clear do not end the stream, they re-baseline it.
type QueryObservation struct {
	snapshots chan QuerySnapshot
	cancel    func()
	once      sync.Once
}

// Snapshots is the stream of query snapshots. The latest snapshot wins: if
// the consumer lags, stale snapshots are replaced rather than queued.
func (q *QueryObservation) Snapshots() <-chan QuerySnapshot { return q.snapshots }

// Cancel releases the observation and closes the stream.
func (q *QueryObservation) Cancel() {
	q.once.Do(q.cancel)
}

// queryObserver re-evaluates one predicate/sort against the local store on
// change triggers, coalescing bursts within the debounce window so bulk sync
// cannot flood the consumer.
type queryObserver struct {
	store     LocalStore
	states    SyncStateStore
	outbox    *Outbox
	modelType string
	pred      Predicate
	sort      *Sort
	debounce  time.Duration
	logger    *slog.Logger

	trigger  chan struct{}
	stop     chan struct{}
	stopOnce sync.Once
	out      chan QuerySnapshot
}

// shutdown ends the observer; safe to call more than once (observation cancel
// and engine teardown may race).
func (q *queryObserver) shutdown() {
	q.stopOnce.Do(func() { close(q.stop) })
}

func newQueryObserver(store LocalStore, states SyncStateStore, outbox *Outbox,
	modelType string, pred Predicate, sort *Sort, debounce time.Duration,
	logger *slog.Logger) *queryObserver {
	return &queryObserver{
		store:     store,
		states:    states,
		outbox:    outbox,
		modelType: modelType,
		pred:      pred,
		sort:      sort,
		debounce:  debounce,
		logger:    logger,
		trigger:   make(chan struct{}, 1),
		stop:      make(chan struct{}),
		out:       make(chan QuerySnapshot, 8),
	}
}

// poke requests a re-evaluation; coalesced if one is already requested.
func (q *queryObserver) poke() {
	select {
	case q.trigger <- struct{}{}:
	default:
	}
}

func (q *queryObserver) run() {
	defer close(q.out)

	// First emission reflects current state immediately, before any change.
	q.emit()

	for {
		select {
		case <-q.stop:
			return
		case <-q.trigger:
		}

		// Debounce: swallow further triggers for the window, then evaluate
		// once for the whole burst.
		timer := time.NewTimer(q.debounce)
	drain:
		for {
			select {
			case <-q.stop:
				timer.Stop()
				return
			case <-q.trigger:
			case <-timer.C:
				break drain
			}
		}
		q.emit()
	}
}

func (q *queryObserver) emit() {
	ctx := context.Background()
	items, err := q.store.Query(ctx, q.modelType, q.pred, q.sort)
	if err != nil {
		q.logger.Error("Query snapshot evaluation failed", "model", q.modelType, "error", err)
		return
	}
	snap := QuerySnapshot{
		Items:    items,
		IsSynced: q.isSynced(ctx),
	}

	for {
		select {
		case q.out <- snap:
			return
		default:
		}
		// Consumer lagging: displace the oldest queued snapshot.
		select {
		case <-q.out:
		default:
		}
	}
}

func (q *queryObserver) isSynced(ctx context.Context) bool {
	st, err := q.states.Load(ctx, q.modelType)
	if err != nil || st == nil || !st.FullySynced {
		return false
	}
	pending, err := q.outbox.PendingCount(ctx, q.modelType)
	if err != nil {
		return false
	}
	return pending == 0
}
