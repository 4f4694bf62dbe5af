// Package memory provides mutex-guarded in-memory implementations of the
// storage ports, used by tests and local development.
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/alisharafiiii/kol-discord-sub004/internal/storage"
)

// Backend holds all three in-memory stores behind a single mutex so tests
// can inspect a consistent snapshot.
type Backend struct {
	mu    sync.RWMutex
	docs  map[string][]byte
	sets  map[string]map[string]struct{}
	locks map[string]*storage.Lock
}

// New creates an empty in-memory backend.
func New() *Backend {
	return &Backend{
		docs:  make(map[string][]byte),
		sets:  make(map[string]map[string]struct{}),
		locks: make(map[string]*storage.Lock),
	}
}

// Stores returns the backend as the three storage ports.
func (b *Backend) Stores() storage.Stores {
	return storage.Stores{Documents: b, Sets: b, Locks: b}
}

// ---- DocumentStore ----

func (b *Backend) Get(_ context.Context, key string) ([]byte, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	value, ok := b.docs[key]
	if !ok {
		return nil, storage.NewNotFound(key)
	}
	out := make([]byte, len(value))
	copy(out, value)
	return out, nil
}

func (b *Backend) Set(_ context.Context, key string, value []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	stored := make([]byte, len(value))
	copy(stored, value)
	b.docs[key] = stored
	return nil
}

func (b *Backend) Delete(_ context.Context, key string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.docs, key)
	return nil
}

func (b *Backend) List(_ context.Context, prefix, cursor string, limit int) ([]string, string, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	matched := make([]string, 0)
	for key := range b.docs {
		if strings.HasPrefix(key, prefix) && key > cursor {
			matched = append(matched, key)
		}
	}
	sort.Strings(matched)

	if limit <= 0 || limit > len(matched) {
		limit = len(matched)
	}
	page := matched[:limit]

	next := ""
	if limit < len(matched) && limit > 0 {
		next = page[len(page)-1]
	}
	return page, next, nil
}

func (b *Backend) BatchGet(_ context.Context, keys []string) (map[string][]byte, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make(map[string][]byte, len(keys))
	for _, key := range keys {
		if value, ok := b.docs[key]; ok {
			stored := make([]byte, len(value))
			copy(stored, value)
			out[key] = stored
		}
	}
	return out, nil
}

// ---- SetStore ----

func (b *Backend) Add(_ context.Context, set, member string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	members, ok := b.sets[set]
	if !ok {
		members = make(map[string]struct{})
		b.sets[set] = members
	}
	members[member] = struct{}{}
	return nil
}

func (b *Backend) Remove(_ context.Context, set, member string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if members, ok := b.sets[set]; ok {
		delete(members, member)
		if len(members) == 0 {
			delete(b.sets, set)
		}
	}
	return nil
}

func (b *Backend) Members(_ context.Context, set string) ([]string, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	members := make([]string, 0, len(b.sets[set]))
	for member := range b.sets[set] {
		members = append(members, member)
	}
	sort.Strings(members)
	return members, nil
}

func (b *Backend) Contains(_ context.Context, set, member string) (bool, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, ok := b.sets[set][member]
	return ok, nil
}

func (b *Backend) Cardinality(_ context.Context, set string) (int64, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return int64(len(b.sets[set])), nil
}

func (b *Backend) DeleteSet(_ context.Context, set string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.sets, set)
	return nil
}

func (b *Backend) ListSets(_ context.Context, prefix string) ([]string, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	names := make([]string, 0)
	for name, members := range b.sets {
		if strings.HasPrefix(name, prefix) && len(members) > 0 {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names, nil
}

// ---- LockStore ----

func (b *Backend) Acquire(_ context.Context, key, owner string, ttl time.Duration) (*storage.Lock, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if held, ok := b.locks[key]; ok && !held.Expired() {
		return nil, storage.LockHeldError{Key: key, Owner: held.Owner}
	}

	lock := &storage.Lock{
		Key:       key,
		Owner:     owner,
		Token:     uuid.NewString(),
		ExpiresAt: time.Now().Add(ttl),
	}
	b.locks[key] = lock
	return lock, nil
}

func (b *Backend) Release(_ context.Context, lock *storage.Lock) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	held, ok := b.locks[lock.Key]
	if !ok || held.Token != lock.Token {
		// Expired and re-acquired, or already released. Either way the
		// caller's lock is gone.
		return nil
	}
	delete(b.locks, lock.Key)
	return nil
}
