// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package overstore

import (
	"context"
	"time"
)

// RemoteClient is the narrow interface the engine consumes from the backend.
// The protocol is GraphQL-shaped (query/mutation/subscription) but the engine
// treats it as an abstract page/record/version protocol; see the gqlremote
// package for the HTTP implementation.
type RemoteClient interface {
	// FetchPage returns one page of records for modelType. An empty cursor
	// starts from the beginning; a non-nil since restricts the page to records
	// changed after that checkpoint (delta sync).
	FetchPage(ctx context.Context, modelType, cursor string, since *time.Time, limit int) (*Page, error)

	// Mutate transmits one mutation and returns the server-authoritative
	// record (with its newly assigned version). A version mismatch returns a
	// *ConditionalSaveFailure carrying the server's current row; transient
	// transport failures return a *NetworkError.
	Mutate(ctx context.Context, ev MutationEvent) (*RemoteRecord, error)

	// Subscribe opens a realtime change channel for modelType. Delivery stops
	// and an error is sent on the second channel when the channel drops; the
	// caller reconnects with backoff. Changes are at-least-once: the
	// reconciliation engine's version guard makes re-delivery harmless.
	Subscribe(ctx context.Context, modelType string) (<-chan RemoteChange, <-chan error, error)
}
