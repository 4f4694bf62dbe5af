// Package service is the storage core's facade: the write/read paths the web
// and bot layers call, plus the administrative maintenance operations. Every
// write routes through the identity resolver and the index manager in one
// logical operation, under a per-entity TTL lock.
package service

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/alisharafiiii/kol-discord-sub004/internal/audit"
	"github.com/alisharafiiii/kol-discord-sub004/internal/entity"
	"github.com/alisharafiiii/kol-discord-sub004/internal/identity"
	"github.com/alisharafiiii/kol-discord-sub004/internal/index"
	"github.com/alisharafiiii/kol-discord-sub004/internal/rebuild"
	"github.com/alisharafiiii/kol-discord-sub004/internal/reconcile"
	"github.com/alisharafiiii/kol-discord-sub004/internal/storage"
)

// Options assembles the tunables for a Service and its subcomponents.
type Options struct {
	EntityLockTTL   time.Duration
	LockWaitTimeout time.Duration
	IndexCacheTTL   time.Duration
	Audit           audit.Config
	Rebuild         rebuild.Config
	Reconcile       reconcile.Config
}

// DefaultOptions returns production defaults.
func DefaultOptions() Options {
	return Options{
		EntityLockTTL:   30 * time.Second,
		LockWaitTimeout: 2 * time.Second,
		IndexCacheTTL:   5 * time.Second,
		Audit:           audit.DefaultConfig(),
		Rebuild:         rebuild.DefaultConfig(),
		Reconcile:       reconcile.DefaultConfig(),
	}
}

// PutResult carries the written entity. EventuallyConsistent is set when the
// document write succeeded but one or more index updates failed and were
// queued for repair: the value is durably stored, the index will catch up.
type PutResult struct {
	Entity               *entity.Entity
	Created              bool
	EventuallyConsistent bool
}

// Service is the storage core facade.
type Service struct {
	stores     storage.Stores
	indexes    *index.Manager
	registry   *entity.Registry
	auditor    *audit.Auditor
	rebuilds   *rebuild.Coordinator
	reconciler *reconcile.Reconciler
	options    Options
	owner      string
	metrics    *storage.Metrics
	logger     *zap.Logger
}

// New wires a Service over the given stores.
func New(stores storage.Stores, registry *entity.Registry, options Options, metrics *storage.Metrics, logger *zap.Logger) *Service {
	indexes := index.NewManager(stores.Documents, stores.Sets, options.IndexCacheTTL, logger)
	return &Service{
		stores:     stores,
		indexes:    indexes,
		registry:   registry,
		auditor:    audit.NewAuditor(stores.Documents, stores.Sets, indexes, options.Audit, metrics, logger),
		rebuilds:   rebuild.NewCoordinator(stores, indexes, options.Rebuild, metrics, logger),
		reconciler: reconcile.NewReconciler(stores, indexes, registry, options.Reconcile, metrics, logger),
		options:    options,
		owner:      uuid.NewString(),
		metrics:    metrics,
		logger:     logger,
	}
}

// Indexes exposes the index manager for read paths that want raw membership.
func (s *Service) Indexes() *index.Manager {
	return s.indexes
}

// Put upserts an entity by natural key. The primary key is derived
// deterministically, so concurrent writers for the same natural key converge
// on one document instead of forking identity.
func (s *Service) Put(ctx context.Context, kind, naturalKey string, fields map[string]any) (*PutResult, error) {
	schema, err := s.registry.Get(kind)
	if err != nil {
		return nil, err
	}
	keyType := schema.PrimaryKeyType()
	normalized, err := identity.Normalize(keyType, naturalKey)
	if err != nil {
		return nil, err
	}
	primaryKey, err := identity.ResolvePrimaryKey(keyType, naturalKey)
	if err != nil {
		return nil, err
	}
	if err := schema.ValidateFields(fields); err != nil {
		return nil, err
	}

	lock, err := s.acquireEntityLock(ctx, storage.EntityLockKey(kind, primaryKey))
	if err != nil {
		return nil, err
	}
	defer s.release(ctx, lock)

	now := time.Now().UTC()
	previous, err := s.loadLive(ctx, kind, primaryKey)
	if err != nil && !storage.IsNotFound(err) {
		return nil, err
	}

	var e *entity.Entity
	created := previous == nil
	if created {
		e = &entity.Entity{
			PrimaryKey:  primaryKey,
			Kind:        kind,
			NaturalKeys: map[string]string{keyType: normalized},
			Fields:      make(map[string]any, len(fields)),
			Version:     1,
			CreatedAt:   now,
		}
	} else {
		e = previous.Clone()
		e.Version++
	}
	for name, value := range fields {
		e.Fields[name] = value
	}
	e.NaturalKeys[keyType] = normalized
	e.UpdatedAt = now

	data, err := e.Marshal()
	if err != nil {
		return nil, err
	}
	if err := s.stores.Documents.Set(ctx, storage.DocKey(kind, primaryKey), data); err != nil {
		return nil, fmt.Errorf("failed to write document: %w", err)
	}

	result := &PutResult{Entity: e, Created: created}
	for _, field := range schema.IndexedFields {
		oldValue := ""
		if previous != nil {
			oldValue = previous.StringField(field)
		}
		newValue := e.StringField(field)
		if oldValue == newValue {
			continue
		}
		if err := s.indexes.MoveMember(ctx, kind, field, oldValue, newValue, primaryKey); err != nil {
			// The document write already succeeded; rolling it back would
			// be worse than a transient index lag. Queue the entity for
			// resync and flag the response.
			if enqueueErr := s.indexes.EnqueueRepair(ctx, kind, primaryKey); enqueueErr != nil {
				return result, err
			}
			result.EventuallyConsistent = true
		}
	}
	return result, nil
}

// GetByNaturalKey resolves a natural key across the kind's accepted key
// types and returns the live entity, or storage.NotFoundError.
func (s *Service) GetByNaturalKey(ctx context.Context, kind, naturalKey string) (*entity.Entity, error) {
	schema, err := s.registry.Get(kind)
	if err != nil {
		return nil, err
	}
	for _, keyType := range schema.NaturalKeyTypes {
		primaryKey, err := identity.ResolvePrimaryKey(keyType, naturalKey)
		if err != nil {
			return nil, err
		}
		e, err := s.loadLive(ctx, kind, primaryKey)
		if err != nil {
			if storage.IsNotFound(err) {
				continue
			}
			return nil, err
		}
		return e, nil
	}
	return nil, storage.NewNotFound(naturalKey)
}

// GetByPrimaryKey returns the live entity for a primary key.
func (s *Service) GetByPrimaryKey(ctx context.Context, kind, primaryKey string) (*entity.Entity, error) {
	e, err := s.loadLive(ctx, kind, primaryKey)
	if err != nil {
		return nil, err
	}
	return e, nil
}

// GetByIndexedAttribute lists the live entities whose field currently holds
// value, via the secondary index. Stale index entries are filtered out, not
// returned.
func (s *Service) GetByIndexedAttribute(ctx context.Context, kind, field, value string) ([]*entity.Entity, error) {
	schema, err := s.registry.Get(kind)
	if err != nil {
		return nil, err
	}
	if !schema.IsIndexed(field) {
		return nil, fmt.Errorf("field '%s' is not indexed for kind '%s'", field, kind)
	}

	members, err := s.indexes.MembersOf(ctx, kind, field, value)
	if err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(members))
	for _, member := range members {
		keys = append(keys, storage.DocKey(kind, member))
	}
	docs, err := s.stores.Documents.BatchGet(ctx, keys)
	if err != nil {
		return nil, err
	}

	entities := make([]*entity.Entity, 0, len(members))
	for _, member := range members {
		data, ok := docs[storage.DocKey(kind, member)]
		if !ok {
			continue
		}
		e, err := entity.Unmarshal(data)
		if err != nil || e.Deleted || e.StringField(field) != value {
			continue
		}
		entities = append(entities, e)
	}
	sort.Slice(entities, func(i, j int) bool { return entities[i].PrimaryKey < entities[j].PrimaryKey })
	return entities, nil
}

// Delete removes an entity and all index memberships derived from it.
// Tombstone-then-erase; deleting an absent entity is a no-op.
func (s *Service) Delete(ctx context.Context, kind, primaryKey string) error {
	schema, err := s.registry.Get(kind)
	if err != nil {
		return err
	}

	lock, err := s.acquireEntityLock(ctx, storage.EntityLockKey(kind, primaryKey))
	if err != nil {
		return err
	}
	defer s.release(ctx, lock)

	e, err := s.loadLive(ctx, kind, primaryKey)
	if err != nil {
		if storage.IsNotFound(err) {
			return nil
		}
		return err
	}

	tombstone := e.Clone()
	tombstone.Deleted = true
	tombstone.UpdatedAt = time.Now().UTC()
	data, err := tombstone.Marshal()
	if err != nil {
		return err
	}
	docKey := storage.DocKey(kind, primaryKey)
	if err := s.stores.Documents.Set(ctx, docKey, data); err != nil {
		return fmt.Errorf("failed to tombstone %s: %w", primaryKey, err)
	}

	removalFailed := false
	for _, field := range schema.IndexedFields {
		if value := e.StringField(field); value != "" {
			if err := s.indexes.RemoveMember(ctx, kind, field, value, primaryKey); err != nil {
				if enqueueErr := s.indexes.EnqueueRepair(ctx, kind, primaryKey); enqueueErr != nil {
					return err
				}
				removalFailed = true
			}
		}
	}
	if removalFailed {
		// Keep the tombstone so the repair drain can finish removing the
		// index footprint before the final erase. Readers already see the
		// entity as gone.
		return nil
	}

	return s.stores.Documents.Delete(ctx, docKey)
}

// RunAudit audits every secondary index of a kind.
func (s *Service) RunAudit(ctx context.Context, kind string) ([]*audit.Report, error) {
	schema, err := s.registry.Get(kind)
	if err != nil {
		return nil, err
	}
	reports := make([]*audit.Report, 0, len(schema.IndexedFields))
	for _, field := range schema.IndexedFields {
		report, err := s.auditor.Audit(ctx, kind, field)
		if report != nil {
			reports = append(reports, report)
		}
		if err != nil {
			return reports, err
		}
	}
	return reports, nil
}

// RunRebuild rebuilds one secondary index of a kind.
func (s *Service) RunRebuild(ctx context.Context, kind, field string) (*rebuild.Report, error) {
	schema, err := s.registry.Get(kind)
	if err != nil {
		return nil, err
	}
	if !schema.IsIndexed(field) {
		return nil, fmt.Errorf("field '%s' is not indexed for kind '%s'", field, kind)
	}
	return s.rebuilds.Rebuild(ctx, kind, field)
}

// RunReconciliation merges duplicate entities for a kind.
func (s *Service) RunReconciliation(ctx context.Context, kind string) ([]*reconcile.MergeRecord, error) {
	return s.reconciler.Run(ctx, kind)
}

// RepairIndexes drains the kind's index repair queue, re-syncing the index
// memberships of every queued entity from its current document.
func (s *Service) RepairIndexes(ctx context.Context, kind string) (int, error) {
	schema, err := s.registry.Get(kind)
	if err != nil {
		return 0, err
	}
	pending, err := s.indexes.PendingRepairs(ctx, kind)
	if err != nil {
		return 0, err
	}

	repaired := 0
	for _, primaryKey := range pending {
		e, err := s.loadAny(ctx, kind, primaryKey)
		if err != nil {
			if storage.IsNotFound(err) {
				// Document is fully erased; orphaned index entries are the
				// audit and rebuild paths' job.
				if err := s.indexes.ClearRepair(ctx, kind, primaryKey); err != nil {
					return repaired, err
				}
				continue
			}
			return repaired, err
		}

		if e.Deleted {
			// Finish an interrupted delete: clear the remaining index
			// footprint, then erase the tombstone.
			for _, field := range schema.IndexedFields {
				if err := s.indexes.SyncMember(ctx, kind, field, "", primaryKey); err != nil {
					return repaired, err
				}
			}
			if err := s.stores.Documents.Delete(ctx, storage.DocKey(kind, primaryKey)); err != nil {
				return repaired, err
			}
		} else {
			// A queued entity may still sit in the bucket of a value it no
			// longer holds when the remove half of a move failed, so sync
			// the full membership rather than only re-adding.
			for _, field := range schema.IndexedFields {
				if err := s.indexes.SyncMember(ctx, kind, field, e.StringField(field), primaryKey); err != nil {
					return repaired, err
				}
			}
		}
		if err := s.indexes.ClearRepair(ctx, kind, primaryKey); err != nil {
			return repaired, err
		}
		repaired++
		s.metrics.Repairs.Inc()
	}
	return repaired, nil
}

// loadLive returns the entity for a primary key, treating tombstones as
// misses.
func (s *Service) loadLive(ctx context.Context, kind, primaryKey string) (*entity.Entity, error) {
	e, err := s.loadAny(ctx, kind, primaryKey)
	if err != nil {
		return nil, err
	}
	if e.Deleted {
		return nil, storage.NewNotFound(primaryKey)
	}
	return e, nil
}

// loadAny returns the entity for a primary key, tombstoned or not.
func (s *Service) loadAny(ctx context.Context, kind, primaryKey string) (*entity.Entity, error) {
	data, err := s.stores.Documents.Get(ctx, storage.DocKey(kind, primaryKey))
	if err != nil {
		return nil, err
	}
	e, err := entity.Unmarshal(data)
	if err != nil {
		return nil, fmt.Errorf("corrupt document for %s: %w", primaryKey, err)
	}
	return e, nil
}

// acquireEntityLock waits briefly for a contended per-entity lock before
// surfacing the contention to the caller as retryable.
func (s *Service) acquireEntityLock(ctx context.Context, key string) (*storage.Lock, error) {
	deadline := time.Now().Add(s.options.LockWaitTimeout)
	interval := 50 * time.Millisecond

	for {
		lock, err := s.stores.Locks.Acquire(ctx, key, s.owner, s.options.EntityLockTTL)
		if err == nil {
			return lock, nil
		}
		if !storage.IsLockHeld(err) {
			return nil, err
		}
		if time.Now().After(deadline) {
			return nil, err
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(interval):
			if interval < time.Second {
				interval = time.Duration(float64(interval) * 1.5)
			}
		}
	}
}

func (s *Service) release(ctx context.Context, lock *storage.Lock) {
	if err := s.stores.Locks.Release(ctx, lock); err != nil {
		s.logger.Warn("failed to release entity lock", zap.String("key", lock.Key), zap.Error(err))
	}
}
