package memory

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound indicates an operation on an unknown memory id.
	ErrNotFound = errors.New("memory item not found")
	// ErrCapacity indicates a bounded structure refused a write under the
	// reject-on-full policy. Under the default evict policy overflow is
	// resolved silently and this error is never returned.
	ErrCapacity = errors.New("memory capacity exceeded")
	// ErrClosed indicates the store has been closed.
	ErrClosed = errors.New("memory store closed")
)

// ValidationError rejects a single malformed item or argument. One rejected
// item never halts a batch.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// NotFoundError wraps ErrNotFound with the missing id.
type NotFoundError struct {
	SessionID string
	ID        string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("memory item %q not found in session %q", e.ID, e.SessionID)
}

func (e *NotFoundError) Unwrap() error { return ErrNotFound }

// PersistenceError marks a long-term store write that could not complete.
// The affected item stays in the pending queue for a later attempt.
type PersistenceError struct {
	ID  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persist memory item %q: %v", e.ID, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }
