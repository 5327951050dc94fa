package models

import (
	"errors"
	"fmt"
)

// Error taxonomy for the sync core. Callers classify with errors.As and
// the Retryable predicate; nothing else inspects error strings.

// NetworkError is a transport-level failure. Always retryable; it drives
// sync backoff and realtime reconnects.
type NetworkError struct {
	Op  string
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("network: %s: %v", e.Op, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// ValidationError is a non-retryable caller mistake, surfaced immediately.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation: %s: %s", e.Field, e.Reason)
}

// StorageError wraps local store failures. Fatal errors (corruption,
// failed migration) must abort init; non-fatal ones (conflict, transient
// IO) may be retried.
type StorageError struct {
	Op    string
	Fatal bool
	Err   error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage: %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// PermissionError means the platform denied a capability (notification
// permission). The feature is silently disabled, never surfaced as a
// failure.
type PermissionError struct {
	Capability string
}

func (e *PermissionError) Error() string {
	return fmt.Sprintf("permission denied: %s", e.Capability)
}

// ErrConflict marks a version-stamped write that lost to a concurrent
// writer. Wrapped inside a non-fatal StorageError.
var ErrConflict = errors.New("write conflict: stale rev")

// ErrNotFound marks a missing record lookup.
var ErrNotFound = errors.New("not found")

// IsNotFound reports whether err wraps ErrNotFound.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// Retryable reports whether err is worth retrying with backoff.
func Retryable(err error) bool {
	var ne *NetworkError
	if errors.As(err, &ne) {
		return true
	}
	var se *StorageError
	if errors.As(err, &se) {
		return !se.Fatal && !errors.Is(err, ErrConflict)
	}
	return false
}
