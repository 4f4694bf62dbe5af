// Package reconcile detects and merges duplicate entities: multiple live
// documents resolving to the same natural key. It replaces the CRM's
// clean-duplicate scripts with one canonical scoring policy, a field-wise
// merge that never silently drops data, and a persisted audit record that
// makes every merge explainable and reversible.
package reconcile

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/alisharafiiii/kol-discord-sub004/internal/entity"
	"github.com/alisharafiiii/kol-discord-sub004/internal/identity"
	"github.com/alisharafiiii/kol-discord-sub004/internal/index"
	"github.com/alisharafiiii/kol-discord-sub004/internal/storage"
)

// Config tunes the reconciler.
type Config struct {
	// LockTTL bounds the per-kind reconcile lock and the per-field rebuild
	// locks held for the duration of a run.
	LockTTL time.Duration

	// EntityLockTTL bounds the per-entity write locks taken during a merge.
	EntityLockTTL time.Duration

	// PageSize bounds each document scan page.
	PageSize int
}

// DefaultConfig returns the default reconciler configuration.
func DefaultConfig() Config {
	return Config{
		LockTTL:       5 * time.Minute,
		EntityLockTTL: 30 * time.Second,
		PageSize:      250,
	}
}

// Member is one entity in a duplicate group, with its merge-priority score.
type Member struct {
	Entity *entity.Entity `json:"entity"`
	Score  float64        `json:"score"`
}

// Group is a transient finding: the live entities sharing a natural key that
// should be unique, ordered by merge priority descending.
type Group struct {
	Kind    string   `json:"kind"`
	KeyType string   `json:"keyType"`
	Value   string   `json:"value"`
	Members []Member `json:"members"`
}

// Conflict records an identity-bearing field two duplicates disagreed on.
// Conflicting fields are never auto-merged; they are surfaced here for
// manual resolution while the rest of the merge proceeds.
type Conflict struct {
	Field  string         `json:"field"`
	Values map[string]any `json:"values"`
}

// MergeRecord is the persisted audit trail of one merge: scores, the chosen
// survivor, fields copied, conflicts flagged, and full copies of the removed
// documents so a bad merge can be reconstructed by hand.
type MergeRecord struct {
	ID              string             `json:"id"`
	Kind            string             `json:"kind"`
	KeyType         string             `json:"keyType"`
	NaturalKey      string             `json:"naturalKey"`
	SurvivorKey     string             `json:"survivorKey"`
	Scores          map[string]float64 `json:"scores"`
	MergedFields    []string           `json:"mergedFields"`
	Conflicts       []Conflict         `json:"conflicts,omitempty"`
	RemovedEntities []*entity.Entity   `json:"removedEntities"`
	CreatedAt       time.Time          `json:"createdAt"`
}

// Reconciler finds and merges duplicate entities.
type Reconciler struct {
	docs     storage.DocumentStore
	locks    storage.LockStore
	indexes  *index.Manager
	registry *entity.Registry
	config   Config
	metrics  *storage.Metrics
	logger   *zap.Logger
}

// NewReconciler creates a duplicate reconciler.
func NewReconciler(stores storage.Stores, indexes *index.Manager, registry *entity.Registry, config Config, metrics *storage.Metrics, logger *zap.Logger) *Reconciler {
	if config.PageSize <= 0 {
		config.PageSize = DefaultConfig().PageSize
	}
	return &Reconciler{
		docs:     stores.Documents,
		locks:    stores.Locks,
		indexes:  indexes,
		registry: registry,
		config:   config,
		metrics:  metrics,
		logger:   logger,
	}
}

// Run reconciles every natural key type of a kind. It holds the per-kind
// reconcile lock plus the rebuild lock of every indexed field, so a merge
// never interleaves with a rebuild of the same index.
func (r *Reconciler) Run(ctx context.Context, kind string) ([]*MergeRecord, error) {
	schema, err := r.registry.Get(kind)
	if err != nil {
		return nil, err
	}

	owner := uuid.NewString()
	held, err := r.acquireRunLocks(ctx, schema, owner)
	if err != nil {
		return nil, err
	}
	defer func() {
		for _, lock := range held {
			if releaseErr := r.locks.Release(ctx, lock); releaseErr != nil {
				r.logger.Warn("failed to release reconcile lock", zap.Error(releaseErr))
			}
		}
	}()

	var records []*MergeRecord
	for _, keyType := range schema.NaturalKeyTypes {
		groups, err := r.FindDuplicates(ctx, kind, keyType)
		if err != nil {
			return records, err
		}
		for _, group := range groups {
			record, err := r.Merge(ctx, group)
			if err != nil {
				return records, err
			}
			records = append(records, record)
		}
	}

	r.logger.Info("reconciliation finished",
		zap.String("kind", kind),
		zap.Int("merges", len(records)),
	)
	return records, nil
}

func (r *Reconciler) acquireRunLocks(ctx context.Context, schema *entity.Schema, owner string) ([]*storage.Lock, error) {
	keys := []string{storage.ReconcileLockKey(schema.Kind)}
	for _, field := range schema.IndexedFields {
		keys = append(keys, storage.RebuildLockKey(schema.Kind, field))
	}

	held := make([]*storage.Lock, 0, len(keys))
	for _, key := range keys {
		lock, err := r.locks.Acquire(ctx, key, owner, r.config.LockTTL)
		if err != nil {
			for _, acquired := range held {
				_ = r.locks.Release(ctx, acquired)
			}
			return nil, err
		}
		held = append(held, lock)
	}
	return held, nil
}

// FindDuplicates scans all live entities of a kind and groups those sharing
// a normalized natural key of the given type. Groups are ordered by merge
// priority, survivor first.
func (r *Reconciler) FindDuplicates(ctx context.Context, kind, keyType string) ([]*Group, error) {
	schema, err := r.registry.Get(kind)
	if err != nil {
		return nil, err
	}

	byValue := make(map[string][]*entity.Entity)
	cursor := ""
	for {
		keys, next, err := r.docs.List(ctx, storage.DocPrefix(kind), cursor, r.config.PageSize)
		if err != nil {
			return nil, fmt.Errorf("document scan failed: %w", err)
		}
		for _, key := range keys {
			data, err := r.docs.Get(ctx, key)
			if err != nil {
				if storage.IsNotFound(err) {
					continue
				}
				return nil, fmt.Errorf("failed to load %s: %w", key, err)
			}
			e, err := entity.Unmarshal(data)
			if err != nil || e.Deleted {
				continue
			}
			value := r.naturalKeyValue(schema, keyType, e)
			if value == "" {
				continue
			}
			byValue[value] = append(byValue[value], e)
		}
		if next == "" {
			break
		}
		cursor = next
	}

	now := time.Now()
	var groups []*Group
	for value, entities := range byValue {
		if len(entities) < 2 {
			continue
		}
		members := make([]Member, 0, len(entities))
		for _, e := range entities {
			members = append(members, Member{Entity: e, Score: score(schema, keyType, value, e, now)})
		}
		sort.Slice(members, func(i, j int) bool {
			if members[i].Score != members[j].Score {
				return members[i].Score > members[j].Score
			}
			ci, cj := members[i].Entity.CreatedAt, members[j].Entity.CreatedAt
			if !ci.Equal(cj) {
				return ci.Before(cj)
			}
			return members[i].Entity.PrimaryKey < members[j].Entity.PrimaryKey
		})
		groups = append(groups, &Group{Kind: kind, KeyType: keyType, Value: value, Members: members})
	}
	sort.Slice(groups, func(i, j int) bool { return groups[i].Value < groups[j].Value })
	return groups, nil
}

// naturalKeyValue extracts and normalizes the entity's natural key of a
// type, falling back to the schema's backing field for documents written
// before the natural-key map existed.
func (r *Reconciler) naturalKeyValue(schema *entity.Schema, keyType string, e *entity.Entity) string {
	raw := e.NaturalKeys[keyType]
	if raw == "" {
		if field := schema.NaturalKeyField(keyType); field != "" {
			raw = e.StringField(field)
		}
	}
	if raw == "" {
		return ""
	}
	normalized, err := identity.Normalize(keyType, raw)
	if err != nil {
		return ""
	}
	return normalized
}

// Merge merges a duplicate group into its highest-scored member. The audit
// record is persisted before any document is touched, non-survivors are
// tombstoned before erasure, and every index the group touched ends up
// reflecting only the survivor.
func (r *Reconciler) Merge(ctx context.Context, group *Group) (*MergeRecord, error) {
	if len(group.Members) < 2 {
		return nil, fmt.Errorf("duplicate group for %q has fewer than two members", group.Value)
	}
	schema, err := r.registry.Get(group.Kind)
	if err != nil {
		return nil, err
	}

	held, err := r.lockMembers(ctx, group)
	if err != nil {
		return nil, err
	}
	defer func() {
		for _, lock := range held {
			_ = r.locks.Release(ctx, lock)
		}
	}()

	survivor := group.Members[0].Entity.Clone()
	losers := group.Members[1:]

	record := &MergeRecord{
		ID:          uuid.NewString(),
		Kind:        group.Kind,
		KeyType:     group.KeyType,
		NaturalKey:  group.Value,
		SurvivorKey: survivor.PrimaryKey,
		Scores:      make(map[string]float64, len(group.Members)),
		CreatedAt:   time.Now().UTC(),
	}
	for _, member := range group.Members {
		record.Scores[member.Entity.PrimaryKey] = member.Score
	}
	for _, loser := range losers {
		record.RemovedEntities = append(record.RemovedEntities, loser.Entity.Clone())
	}

	r.mergeFields(schema, survivor, losers, record)
	r.mergeNaturalKeys(survivor, losers)
	survivor.NaturalKeys[group.KeyType] = group.Value

	earliest := survivor.CreatedAt
	for _, loser := range losers {
		created := loser.Entity.CreatedAt
		if !created.IsZero() && (earliest.IsZero() || created.Before(earliest)) {
			earliest = created
		}
	}
	survivor.CreatedAt = earliest
	survivor.Version++
	survivor.UpdatedAt = time.Now().UTC()

	// The audit record goes down first: if anything below fails midway the
	// merge is reconstructable from the record plus idempotent retries.
	if err := r.persistRecord(ctx, record); err != nil {
		return nil, err
	}

	data, err := survivor.Marshal()
	if err != nil {
		return nil, err
	}
	if err := r.docs.Set(ctx, storage.DocKey(group.Kind, survivor.PrimaryKey), data); err != nil {
		return nil, fmt.Errorf("failed to persist merged survivor: %w", err)
	}

	for _, loser := range losers {
		if err := r.removeEntity(ctx, schema, loser.Entity); err != nil {
			return record, err
		}
	}

	for _, field := range schema.IndexedFields {
		if value := survivor.StringField(field); value != "" {
			if err := r.indexes.AddMember(ctx, group.Kind, field, value, survivor.PrimaryKey); err != nil {
				return record, err
			}
		}
	}

	r.metrics.Merges.Inc()
	r.logger.Info("duplicate group merged",
		zap.String("kind", group.Kind),
		zap.String("naturalKey", group.Value),
		zap.String("survivor", survivor.PrimaryKey),
		zap.Int("removed", len(losers)),
		zap.Int("conflicts", len(record.Conflicts)),
	)
	return record, nil
}

// mergeFields copies field values from losers onto the survivor: populated
// survivor scalars are never overwritten, list fields are unioned, and
// identity fields with disagreeing loser values are flagged instead of
// merged.
func (r *Reconciler) mergeFields(schema *entity.Schema, survivor *entity.Entity, losers []Member, record *MergeRecord) {
	fieldNames := make(map[string]struct{})
	for _, loser := range losers {
		for name := range loser.Entity.Fields {
			fieldNames[name] = struct{}{}
		}
	}
	names := make([]string, 0, len(fieldNames))
	for name := range fieldNames {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		if schema.IsList(name) {
			merged := unionLists(survivor, losers, name)
			if len(merged) > 0 {
				survivor.Fields[name] = merged
				record.MergedFields = append(record.MergedFields, name)
			}
			continue
		}

		distinct := distinctValues(losers, name)
		if len(distinct) == 0 {
			continue
		}

		if schema.IsIdentity(name) {
			if survivor.FieldPopulated(name) {
				// The survivor keeps its own value; a disagreeing loser
				// value is flagged, never overwritten.
				if len(distinct) > 1 || !sameJSON(survivor.Fields[name], distinct[0]) {
					record.Conflicts = append(record.Conflicts, identityConflict(name, survivor, losers))
				}
				continue
			}
			if len(distinct) > 1 {
				record.Conflicts = append(record.Conflicts, identityConflict(name, nil, losers))
				continue
			}
		} else if survivor.FieldPopulated(name) {
			continue
		}

		survivor.Fields[name] = distinct[0]
		record.MergedFields = append(record.MergedFields, name)
	}
}

// identityConflict collects every populated value of a disputed identity
// field, keyed by the entity that carried it.
func identityConflict(name string, survivor *entity.Entity, losers []Member) Conflict {
	conflict := Conflict{Field: name, Values: make(map[string]any)}
	if survivor != nil {
		conflict.Values[survivor.PrimaryKey] = survivor.Fields[name]
	}
	for _, loser := range losers {
		if loser.Entity.FieldPopulated(name) {
			conflict.Values[loser.Entity.PrimaryKey] = loser.Entity.Fields[name]
		}
	}
	return conflict
}

func sameJSON(a, b any) bool {
	ra, errA := json.Marshal(a)
	rb, errB := json.Marshal(b)
	return errA == nil && errB == nil && string(ra) == string(rb)
}

func (r *Reconciler) mergeNaturalKeys(survivor *entity.Entity, losers []Member) {
	for _, loser := range losers {
		for keyType, value := range loser.Entity.NaturalKeys {
			if survivor.NaturalKeys[keyType] == "" && value != "" {
				survivor.NaturalKeys[keyType] = value
			}
		}
	}
}

// removeEntity tombstones a non-survivor, removes its index footprint, then
// erases the document. Tombstone-then-erase: an interruption leaves an
// inspectable tombstone, never an index entry pointing at nothing.
func (r *Reconciler) removeEntity(ctx context.Context, schema *entity.Schema, e *entity.Entity) error {
	tombstone := e.Clone()
	tombstone.Deleted = true
	tombstone.UpdatedAt = time.Now().UTC()
	data, err := tombstone.Marshal()
	if err != nil {
		return err
	}
	docKey := storage.DocKey(schema.Kind, e.PrimaryKey)
	if err := r.docs.Set(ctx, docKey, data); err != nil {
		return fmt.Errorf("failed to tombstone %s: %w", e.PrimaryKey, err)
	}

	for _, field := range schema.IndexedFields {
		if value := e.StringField(field); value != "" {
			if err := r.indexes.RemoveMember(ctx, schema.Kind, field, value, e.PrimaryKey); err != nil {
				return err
			}
		}
	}

	if err := r.docs.Delete(ctx, docKey); err != nil {
		return fmt.Errorf("failed to erase %s: %w", e.PrimaryKey, err)
	}
	return nil
}

func (r *Reconciler) lockMembers(ctx context.Context, group *Group) ([]*storage.Lock, error) {
	keys := make([]string, 0, len(group.Members))
	for _, member := range group.Members {
		keys = append(keys, storage.EntityLockKey(group.Kind, member.Entity.PrimaryKey))
	}
	sort.Strings(keys)

	owner := uuid.NewString()
	held := make([]*storage.Lock, 0, len(keys))
	for _, key := range keys {
		lock, err := r.locks.Acquire(ctx, key, owner, r.config.EntityLockTTL)
		if err != nil {
			for _, acquired := range held {
				_ = r.locks.Release(ctx, acquired)
			}
			return nil, err
		}
		held = append(held, lock)
	}
	return held, nil
}

func (r *Reconciler) persistRecord(ctx context.Context, record *MergeRecord) error {
	data, err := json.Marshal(record)
	if err != nil {
		return err
	}
	if err := r.docs.Set(ctx, storage.ReportKey("merge", record.ID), data); err != nil {
		return fmt.Errorf("failed to persist merge record: %w", err)
	}
	return nil
}

func unionLists(survivor *entity.Entity, losers []Member, name string) []string {
	seen := make(map[string]struct{})
	merged := make([]string, 0)
	appendAll := func(values []string) {
		for _, value := range values {
			if _, ok := seen[value]; !ok {
				seen[value] = struct{}{}
				merged = append(merged, value)
			}
		}
	}
	appendAll(survivor.StringListField(name))
	for _, loser := range losers {
		appendAll(loser.Entity.StringListField(name))
	}
	sort.Strings(merged)
	return merged
}

// distinctValues returns the populated values losers carry for a field, in
// merge-priority order, deduplicated by JSON representation.
func distinctValues(losers []Member, name string) []any {
	seen := make(map[string]struct{})
	var values []any
	for _, loser := range losers {
		if !loser.Entity.FieldPopulated(name) {
			continue
		}
		value := loser.Entity.Fields[name]
		repr, err := json.Marshal(value)
		if err != nil {
			continue
		}
		if _, ok := seen[string(repr)]; !ok {
			seen[string(repr)] = struct{}{}
			values = append(values, value)
		}
	}
	return values
}
