// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package overstore

import "time"

// Config holds tuning knobs for the sync engine.
type Config struct {
	// PageLimit is the maximum number of records requested per sync query page.
	PageLimit int

	// MaxConcurrentMutations bounds how many outbox events may be in flight to
	// the backend at once (always across distinct record keys; per-key traffic
	// is strictly serialized). Keep this small to bound burst load.
	MaxConcurrentMutations int

	// MaxMutationAttempts bounds transient retries per outbox event before the
	// event is dropped and a terminal failure event is emitted.
	MaxMutationAttempts int

	// MaxPageAttempts bounds transient retries for a single sync query page.
	MaxPageAttempts int

	// BackoffMin/BackoffMax bound the exponential retry backoff.
	BackoffMin time.Duration
	BackoffMax time.Duration

	// OutboxPollInterval is the fallback drain poll when no wake signal fires.
	OutboxPollInterval time.Duration

	// ObserveDebounce coalesces rapid store changes into one emitted snapshot.
	ObserveDebounce time.Duration

	// Conflict selects the conflict resolution policy. The zero value retries
	// the local change rebased onto the server version.
	Conflict ConflictPolicy
}

// DefaultConfig returns the engine defaults.
func DefaultConfig() *Config {
	return &Config{
		PageLimit:              100,
		MaxConcurrentMutations: 1,
		MaxMutationAttempts:    10,
		MaxPageAttempts:        5,
		BackoffMin:             time.Second,
		BackoffMax:             60 * time.Second,
		OutboxPollInterval:     time.Second,
		ObserveDebounce:        50 * time.Millisecond,
		Conflict:               RetryWithServerVersion(),
	}
}

func (c *Config) normalize() {
	d := DefaultConfig()
	if c.PageLimit <= 0 {
		c.PageLimit = d.PageLimit
	}
	if c.MaxConcurrentMutations <= 0 {
		c.MaxConcurrentMutations = d.MaxConcurrentMutations
	}
	if c.MaxMutationAttempts <= 0 {
		c.MaxMutationAttempts = d.MaxMutationAttempts
	}
	if c.MaxPageAttempts <= 0 {
		c.MaxPageAttempts = d.MaxPageAttempts
	}
	if c.BackoffMin <= 0 {
		c.BackoffMin = d.BackoffMin
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = d.BackoffMax
	}
	if c.OutboxPollInterval <= 0 {
		c.OutboxPollInterval = d.OutboxPollInterval
	}
	if c.ObserveDebounce <= 0 {
		c.ObserveDebounce = d.ObserveDebounce
	}
	if c.Conflict.Kind == 0 {
		c.Conflict = RetryWithServerVersion()
	}
}
