// Package storage defines the persistence ports the storage core is built on:
// a JSON document store, a set store for secondary-index buckets, and a
// TTL-bounded advisory lock store. Implementations live in the memory and
// dynamo subpackages.
package storage

import (
	"context"
	"time"
)

// DocumentStore is a key to JSON-document mapping with prefix scans.
type DocumentStore interface {
	// Get returns the raw document bytes for key, or NotFoundError.
	Get(ctx context.Context, key string) ([]byte, error)

	// Set writes the document bytes under key, creating or replacing it.
	Set(ctx context.Context, key string, value []byte) error

	// Delete removes the document. Deleting an absent key is a no-op.
	Delete(ctx context.Context, key string) error

	// List returns up to limit keys beginning with prefix, starting after
	// cursor. An empty next cursor means the scan is complete.
	List(ctx context.Context, prefix, cursor string, limit int) (keys []string, next string, err error)

	// BatchGet returns the documents that exist; absent keys are simply
	// omitted from the result, never an error.
	BatchGet(ctx context.Context, keys []string) (map[string][]byte, error)
}

// SetStore maintains named sets of member strings. All mutations are
// idempotent: adding an existing member or removing an absent one is a no-op.
type SetStore interface {
	Add(ctx context.Context, set, member string) error
	Remove(ctx context.Context, set, member string) error
	Members(ctx context.Context, set string) ([]string, error)
	Contains(ctx context.Context, set, member string) (bool, error)
	Cardinality(ctx context.Context, set string) (int64, error)

	// DeleteSet removes the whole set and all its members.
	DeleteSet(ctx context.Context, set string) error

	// ListSets returns the names of all non-empty sets beginning with prefix.
	ListSets(ctx context.Context, prefix string) ([]string, error)
}

// Lock is a handle to an acquired advisory lock. The token fences releases:
// a lock that expired and was re-acquired by another owner cannot be released
// with a stale handle.
type Lock struct {
	Key       string
	Owner     string
	Token     string
	ExpiresAt time.Time
}

// Expired reports whether the lock's TTL has lapsed.
func (l *Lock) Expired() bool {
	return time.Now().After(l.ExpiresAt)
}

// LockStore provides TTL-bounded advisory locks. Acquire fails fast with
// LockHeldError when the lock is held by a live owner; it never blocks.
type LockStore interface {
	Acquire(ctx context.Context, key, owner string, ttl time.Duration) (*Lock, error)
	Release(ctx context.Context, lock *Lock) error
}

// Stores bundles the three ports a backend must provide.
type Stores struct {
	Documents DocumentStore
	Sets      SetStore
	Locks     LockStore
}
