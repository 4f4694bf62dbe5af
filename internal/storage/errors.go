package storage

import (
	"errors"
	"fmt"
)

// NotFoundError indicates a read miss in the document store. A miss is a
// valid outcome for callers, distinct from a store that could not be reached.
type NotFoundError struct {
	Key string
}

func (e NotFoundError) Error() string {
	return fmt.Sprintf("key '%s' not found", e.Key)
}

// IsNotFound checks if an error is a store not found error.
func IsNotFound(err error) bool {
	var nf NotFoundError
	return errors.As(err, &nf)
}

// NewNotFound creates a new NotFoundError.
func NewNotFound(key string) NotFoundError {
	return NotFoundError{Key: key}
}

// LockHeldError indicates an advisory lock is held by another owner.
// Callers treat this as "retry later", never as fatal.
type LockHeldError struct {
	Key   string
	Owner string
}

func (e LockHeldError) Error() string {
	if e.Owner != "" {
		return fmt.Sprintf("lock '%s' already held by '%s'", e.Key, e.Owner)
	}
	return fmt.Sprintf("lock '%s' already held", e.Key)
}

// IsLockHeld checks if an error is a lock contention error.
func IsLockHeld(err error) bool {
	var lh LockHeldError
	return errors.As(err, &lh)
}

// TransientError wraps a storage failure that is expected to clear on retry:
// timeouts, throttling, connection resets. The retry layer only retries
// errors classified this way.
type TransientError struct {
	Op  string
	Err error
}

func (e TransientError) Error() string {
	return fmt.Sprintf("transient storage error during %s: %v", e.Op, e.Err)
}

func (e TransientError) Unwrap() error {
	return e.Err
}

// IsTransient checks if an error is a transient storage error.
func IsTransient(err error) bool {
	var te TransientError
	return errors.As(err, &te)
}

// NewTransient creates a new TransientError.
func NewTransient(op string, err error) TransientError {
	return TransientError{Op: op, Err: err}
}
