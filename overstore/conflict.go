// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package overstore

// ConflictPolicyKind selects how a conflict between a pending local mutation
// and a newer server version is resolved.
type ConflictPolicyKind int

const (
	// ConflictRemoteWins abandons the local edit and accepts the server row.
	ConflictRemoteWins ConflictPolicyKind = iota + 1

	// ConflictMerge applies the server row as the new baseline, then re-issues
	// the local change with fields produced by the Merge function.
	ConflictMerge

	// ConflictCustom delegates the whole decision to a Resolver function.
	ConflictCustom
)

// MergeFn produces the field set for the re-issued local mutation, given the
// server's current row and the pending local event.
type MergeFn func(server RemoteRecord, local MutationEvent) map[string]any

// ResolutionAction is the decision returned by a custom resolver.
type ResolutionAction int

const (
	// ResolutionApplyRemote accepts the server row and drops the local change.
	ResolutionApplyRemote ResolutionAction = iota + 1

	// ResolutionRetryLocal re-issues the local change against the server
	// version, with Fields as its payload.
	ResolutionRetryLocal
)

// Resolution is a custom resolver's verdict.
type Resolution struct {
	Action ResolutionAction
	Fields map[string]any
}

// ResolverFn decides a conflict outright.
type ResolverFn func(server RemoteRecord, local MutationEvent) Resolution

// ConflictPolicy is a tagged variant over the three resolution strategies.
// Select it at configuration time; the engine never type-switches on caller
// data at runtime.
type ConflictPolicy struct {
	Kind    ConflictPolicyKind
	Merge   MergeFn
	Resolve ResolverFn
}

// RemoteWins returns the policy that always accepts the server row.
func RemoteWins() ConflictPolicy {
	return ConflictPolicy{Kind: ConflictRemoteWins}
}

// MergePolicy returns a merge policy using fn to rebuild the local change.
func MergePolicy(fn MergeFn) ConflictPolicy {
	return ConflictPolicy{Kind: ConflictMerge, Merge: fn}
}

// CustomPolicy returns a policy fully delegated to fn.
func CustomPolicy(fn ResolverFn) ConflictPolicy {
	return ConflictPolicy{Kind: ConflictCustom, Resolve: fn}
}

// RetryWithServerVersion is the default policy: the local edit is re-issued
// as-is, rebased onto the server version. The caller's intended field values
// survive; only the stale version assumption is discarded.
func RetryWithServerVersion() ConflictPolicy {
	return MergePolicy(func(_ RemoteRecord, local MutationEvent) map[string]any {
		return local.Fields
	})
}

// MergeFields is a field-level merge helper: the server row is taken as the
// base and the local event's fields are overlaid on top, so untouched server
// fields survive and local edits win on collision. Products that need a
// different precedence (e.g. remote metadata wins on key collision) pass their
// own MergeFn instead; precedence is never hard-coded in the engine.
func MergeFields(server RemoteRecord, local MutationEvent) map[string]any {
	merged := make(map[string]any, len(server.Fields)+len(local.Fields))
	for k, v := range server.Fields {
		merged[k] = v
	}
	for k, v := range local.Fields {
		merged[k] = v
	}
	return merged
}
