// Package sync implements the preference sync engine: a durable local cache
// of the user's settings document, a change-feed subscriber delivering
// normalized remote updates, and a coordinator that debounces local edits
// into remote writes. Conflict resolution is last-writer-wins by the
// server-assigned UpdatedAt; concurrent writers within the same timestamp
// granularity resolve arbitrarily.
package sync

import (
	"errors"
	"fmt"
)

// ErrUnauthenticated is returned when no active session exists; operations
// short-circuit without any network or store call
var ErrUnauthenticated = errors.New("no active session")

// TransportError wraps a network or store failure. Retryable, but only by
// explicit caller action, never automatically.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// DecryptWarning records one provider credential that failed to decrypt
// during normalization. The rest of the document is still delivered with
// that provider omitted.
type DecryptWarning struct {
	Provider string
	Err      error
}

func (w DecryptWarning) String() string {
	return fmt.Sprintf("credential for %s not decrypted: %v", w.Provider, w.Err)
}

// PersistenceWarning records a failed durable cache write. Non-fatal, the
// cache keeps serving from memory.
type PersistenceWarning struct {
	Path string
	Err  error
}

func (w PersistenceWarning) String() string {
	return fmt.Sprintf("cache persist to %s failed: %v", w.Path, w.Err)
}
