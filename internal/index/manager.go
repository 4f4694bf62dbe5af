// Package index maintains the secondary indexes derived from entity fields:
// named sets of primary keys bucketed by attribute value. It owns the
// invariant "index membership == current document field value" that the CRM's
// repair scripts existed to restore by hand.
package index

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/alisharafiiii/kol-discord-sub004/internal/storage"
)

// InitialVersion is the version label every index starts at before its first
// rebuild swap.
const InitialVersion = "v0"

// WriteError indicates an index update that failed after the owning document
// write already succeeded. It is retryable: the entity is queued for repair
// rather than the document write being rolled back.
type WriteError struct {
	Kind  string
	Field string
	Value string
	Key   string
	Err   error
}

func (e WriteError) Error() string {
	return fmt.Sprintf("index write failed for %s.%s=%q member %s: %v", e.Kind, e.Field, e.Value, e.Key, e.Err)
}

func (e WriteError) Unwrap() error {
	return e.Err
}

// IsWriteError checks if an error is an index write failure.
func IsWriteError(err error) bool {
	var we WriteError
	return errors.As(err, &we)
}

// versionPointer is the persisted shape of an idxver document.
type versionPointer struct {
	Version   string    `json:"version"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Manager maintains one or more secondary indexes per entity kind.
type Manager struct {
	docs   storage.DocumentStore
	sets   storage.SetStore
	cache  *versionCache
	logger *zap.Logger
}

// NewManager creates an index manager. The version cache TTL bounds how long
// a reader on another instance can see a just-retired index version.
func NewManager(docs storage.DocumentStore, sets storage.SetStore, cacheTTL time.Duration, logger *zap.Logger) *Manager {
	return &Manager{
		docs:   docs,
		sets:   sets,
		cache:  newVersionCache(cacheTTL),
		logger: logger,
	}
}

// LiveVersion returns the live version label for an index, defaulting to
// InitialVersion for indexes that have never been rebuilt.
func (m *Manager) LiveVersion(ctx context.Context, kind, field string) (string, error) {
	pointerKey := storage.IndexVersionKey(kind, field)
	if version, ok := m.cache.get(pointerKey); ok {
		return version, nil
	}

	data, err := m.docs.Get(ctx, pointerKey)
	if err != nil {
		if storage.IsNotFound(err) {
			m.cache.put(pointerKey, InitialVersion)
			return InitialVersion, nil
		}
		return "", fmt.Errorf("failed to read index version pointer: %w", err)
	}

	var pointer versionPointer
	if err := json.Unmarshal(data, &pointer); err != nil {
		return "", fmt.Errorf("corrupt index version pointer %s: %w", pointerKey, err)
	}
	m.cache.put(pointerKey, pointer.Version)
	return pointer.Version, nil
}

// SwapVersion atomically relabels the live version of an index and returns
// the previous label. Callers must hold the index's rebuild lock.
func (m *Manager) SwapVersion(ctx context.Context, kind, field, newVersion string) (string, error) {
	previous, err := m.LiveVersion(ctx, kind, field)
	if err != nil {
		return "", err
	}

	pointer := versionPointer{Version: newVersion, UpdatedAt: time.Now().UTC()}
	data, err := json.Marshal(pointer)
	if err != nil {
		return "", err
	}
	pointerKey := storage.IndexVersionKey(kind, field)
	if err := m.docs.Set(ctx, pointerKey, data); err != nil {
		return "", fmt.Errorf("failed to swap index version: %w", err)
	}
	m.cache.invalidate(pointerKey)

	m.logger.Info("index version swapped",
		zap.String("kind", kind),
		zap.String("field", field),
		zap.String("previous", previous),
		zap.String("live", newVersion),
	)
	return previous, nil
}

// AddMember adds a primary key to the live bucket for a value. Idempotent;
// empty values are never indexed.
func (m *Manager) AddMember(ctx context.Context, kind, field, value, primaryKey string) error {
	if value == "" {
		return nil
	}
	version, err := m.LiveVersion(ctx, kind, field)
	if err != nil {
		return WriteError{Kind: kind, Field: field, Value: value, Key: primaryKey, Err: err}
	}
	bucket := storage.IndexBucketKey(kind, field, version, value)
	if err := m.sets.Add(ctx, bucket, primaryKey); err != nil {
		return WriteError{Kind: kind, Field: field, Value: value, Key: primaryKey, Err: err}
	}
	return nil
}

// RemoveMember removes a primary key from the live bucket for a value.
// Idempotent; removing an absent member is a no-op.
func (m *Manager) RemoveMember(ctx context.Context, kind, field, value, primaryKey string) error {
	if value == "" {
		return nil
	}
	version, err := m.LiveVersion(ctx, kind, field)
	if err != nil {
		return WriteError{Kind: kind, Field: field, Value: value, Key: primaryKey, Err: err}
	}
	bucket := storage.IndexBucketKey(kind, field, version, value)
	if err := m.sets.Remove(ctx, bucket, primaryKey); err != nil {
		return WriteError{Kind: kind, Field: field, Value: value, Key: primaryKey, Err: err}
	}
	return nil
}

// MoveMember moves a primary key between value buckets. Remove-then-add, so
// an interrupted move leaves the member in at most one bucket and the repair
// queue restores the add half.
func (m *Manager) MoveMember(ctx context.Context, kind, field, oldValue, newValue, primaryKey string) error {
	if oldValue == newValue {
		return nil
	}
	if err := m.RemoveMember(ctx, kind, field, oldValue, primaryKey); err != nil {
		return err
	}
	return m.AddMember(ctx, kind, field, newValue, primaryKey)
}

// SyncMember reconciles one primary key's full membership for a field: after
// a successful call the key sits in exactly the live bucket for value, or in
// no bucket when value is empty, regardless of which buckets held it before.
// The repair drain uses this because a queued entity's failed write does not
// say which half of a move was lost.
func (m *Manager) SyncMember(ctx context.Context, kind, field, value, primaryKey string) error {
	buckets, err := m.LiveBuckets(ctx, kind, field)
	if err != nil {
		return WriteError{Kind: kind, Field: field, Value: value, Key: primaryKey, Err: err}
	}
	for bucketValue, setKey := range buckets {
		if bucketValue == value {
			continue
		}
		if err := m.sets.Remove(ctx, setKey, primaryKey); err != nil {
			return WriteError{Kind: kind, Field: field, Value: bucketValue, Key: primaryKey, Err: err}
		}
	}
	return m.AddMember(ctx, kind, field, value, primaryKey)
}

// MembersOf returns the primary keys currently indexed under a value.
func (m *Manager) MembersOf(ctx context.Context, kind, field, value string) ([]string, error) {
	version, err := m.LiveVersion(ctx, kind, field)
	if err != nil {
		return nil, err
	}
	return m.sets.Members(ctx, storage.IndexBucketKey(kind, field, version, value))
}

// IsMember reports whether a primary key is indexed under a value.
func (m *Manager) IsMember(ctx context.Context, kind, field, value, primaryKey string) (bool, error) {
	version, err := m.LiveVersion(ctx, kind, field)
	if err != nil {
		return false, err
	}
	return m.sets.Contains(ctx, storage.IndexBucketKey(kind, field, version, value), primaryKey)
}

// CountMembers returns the cardinality of a value bucket.
func (m *Manager) CountMembers(ctx context.Context, kind, field, value string) (int64, error) {
	version, err := m.LiveVersion(ctx, kind, field)
	if err != nil {
		return 0, err
	}
	return m.sets.Cardinality(ctx, storage.IndexBucketKey(kind, field, version, value))
}

// LiveBuckets returns every non-empty bucket of the live index version as a
// value -> set-key mapping.
func (m *Manager) LiveBuckets(ctx context.Context, kind, field string) (map[string]string, error) {
	version, err := m.LiveVersion(ctx, kind, field)
	if err != nil {
		return nil, err
	}
	prefix := storage.IndexBucketPrefix(kind, field, version)
	names, err := m.sets.ListSets(ctx, prefix)
	if err != nil {
		return nil, err
	}
	buckets := make(map[string]string, len(names))
	for _, name := range names {
		buckets[name[len(prefix):]] = name
	}
	return buckets, nil
}

// EnqueueRepair records an entity whose index memberships could not be
// updated, for later resync. A failure to enqueue is logged and surfaced to
// the caller; it is never silently dropped.
func (m *Manager) EnqueueRepair(ctx context.Context, kind, primaryKey string) error {
	if err := m.sets.Add(ctx, storage.RepairQueueKey(kind), primaryKey); err != nil {
		m.logger.Error("failed to enqueue index repair",
			zap.String("kind", kind),
			zap.String("primaryKey", primaryKey),
			zap.Error(err),
		)
		return err
	}
	m.logger.Warn("entity queued for index repair",
		zap.String("kind", kind),
		zap.String("primaryKey", primaryKey),
	)
	return nil
}

// PendingRepairs returns the primary keys waiting for an index resync.
func (m *Manager) PendingRepairs(ctx context.Context, kind string) ([]string, error) {
	return m.sets.Members(ctx, storage.RepairQueueKey(kind))
}

// ClearRepair removes an entity from the repair queue after a successful
// resync.
func (m *Manager) ClearRepair(ctx context.Context, kind, primaryKey string) error {
	return m.sets.Remove(ctx, storage.RepairQueueKey(kind), primaryKey)
}
