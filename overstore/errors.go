// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package overstore

import (
	"errors"
	"fmt"
)

// ConfigurationError is unrecoverable: it is surfaced immediately and halts
// startup (missing endpoint, nil store, unregistered model, ...).
type ConfigurationError struct {
	Msg string
}

func (e *ConfigurationError) Error() string {
	return "configuration error: " + e.Msg
}

// NetworkError wraps a transient transport failure. Callers retry with backoff
// at the call site that produced it; it never fails an already-queued save.
type NetworkError struct {
	Op  string
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("network error during %s: %v", e.Op, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// ConditionalSaveFailure means the backend rejected a mutation because its
// expected version no longer matches. ServerRecord carries the backend's
// current row so the conflict path can rebase against it.
type ConditionalSaveFailure struct {
	ModelType    string
	ModelID      string
	ServerRecord *RemoteRecord
}

func (e *ConditionalSaveFailure) Error() string {
	return fmt.Sprintf("conditional save failed for %s/%s: expected version no longer matches", e.ModelType, e.ModelID)
}

// ValidationError means caller-provided data is malformed; it is rejected
// before reaching the mutation log.
type ValidationError struct {
	Msg string
}

func (e *ValidationError) Error() string {
	return "validation error: " + e.Msg
}

// StorageError wraps a local store or mutation log I/O failure. It is fatal to
// the current operation but does not corrupt other pending entries.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage error during %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// IsNetworkError reports whether err classifies as transient.
func IsNetworkError(err error) bool {
	var ne *NetworkError
	return errors.As(err, &ne)
}

// AsConditionalSaveFailure extracts a conditional save failure, if any.
func AsConditionalSaveFailure(err error) (*ConditionalSaveFailure, bool) {
	var csf *ConditionalSaveFailure
	if errors.As(err, &csf) {
		return csf, true
	}
	return nil, false
}

func storageErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return &StorageError{Op: op, Err: err}
}
