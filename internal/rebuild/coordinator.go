// Package rebuild rebuilds secondary indexes from live documents using a
// versioned-build + verify + atomic-swap strategy. Readers keep the old
// version until the swap, so a rebuild in progress never exposes a
// partially-empty index, the defect baked into the CRM's
// delete-then-repopulate scripts this package supersedes.
package rebuild

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/alisharafiiii/kol-discord-sub004/internal/entity"
	"github.com/alisharafiiii/kol-discord-sub004/internal/index"
	"github.com/alisharafiiii/kol-discord-sub004/internal/storage"
)

// State is a rebuild state-machine phase.
type State string

const (
	StateIdle       State = "idle"
	StateBuilding   State = "building"
	StateVerifying  State = "verifying"
	StateSwapped    State = "swapped"
	StateRolledBack State = "rolled_back"
)

// InProgressError indicates another rebuild holds the index's advisory lock.
// Callers fail fast and retry later rather than queueing.
type InProgressError struct {
	Kind  string
	Field string
}

func (e InProgressError) Error() string {
	return fmt.Sprintf("rebuild already in progress for %s.%s", e.Kind, e.Field)
}

// IsInProgress checks if an error is a rebuild contention error.
func IsInProgress(err error) bool {
	var ip InProgressError
	return errors.As(err, &ip)
}

// VerificationError indicates the freshly built version looked smaller than
// the live index beyond tolerance. The swap is aborted and the live index is
// left byte-for-byte untouched.
type VerificationError struct {
	Kind    string
	Field   string
	Buckets []BucketShrink
}

func (e VerificationError) Error() string {
	return fmt.Sprintf("rebuild verification failed for %s.%s: %d bucket(s) shrank beyond tolerance", e.Kind, e.Field, len(e.Buckets))
}

// BucketShrink records one bucket that failed verification.
type BucketShrink struct {
	Value         string `json:"value"`
	PreviousCount int64  `json:"previousCount"`
	NewCount      int64  `json:"newCount"`
}

// Config tunes the rebuild coordinator.
type Config struct {
	// ShrinkTolerance is the fractional per-bucket shrink allowed before the
	// rebuild refuses to swap (0.05 = 5%).
	ShrinkTolerance float64

	// LockTTL bounds the advisory rebuild lock so a crashed rebuild cannot
	// wedge the index.
	LockTTL time.Duration

	// BackupRetention is how long a retired index version stays recoverable
	// by a pointer swap before its buckets are purged.
	BackupRetention time.Duration

	// PageSize bounds each document scan page.
	PageSize int
}

// DefaultConfig returns the default rebuild configuration.
func DefaultConfig() Config {
	return Config{
		ShrinkTolerance: 0.05,
		LockTTL:         5 * time.Minute,
		BackupRetention: 24 * time.Hour,
		PageSize:        250,
	}
}

// Report is the outcome of one rebuild. Persisted under report:rebuild:*
// even on rollback or partial failure.
type Report struct {
	ID              string         `json:"id"`
	Kind            string         `json:"kind"`
	Field           string         `json:"field"`
	State           State          `json:"state"`
	PreviousVersion string         `json:"previousVersion"`
	NewVersion      string         `json:"newVersion"`
	PreviousCount   int64          `json:"previousCount"`
	NewCount        int64          `json:"newCount"`
	Verified        bool           `json:"verified"`
	ShrunkBuckets   []BucketShrink `json:"shrunkBuckets,omitempty"`
	StartedAt       time.Time      `json:"startedAt"`
	Duration        time.Duration  `json:"duration"`
	Errors          []string       `json:"errors,omitempty"`
}

// backupRecord marks a retired index version and when it was retired.
type backupRecord struct {
	Version   string    `json:"version"`
	RetiredAt time.Time `json:"retiredAt"`
}

// Coordinator performs safe index rebuilds.
type Coordinator struct {
	docs    storage.DocumentStore
	sets    storage.SetStore
	locks   storage.LockStore
	indexes *index.Manager
	config  Config
	metrics *storage.Metrics
	logger  *zap.Logger
}

// NewCoordinator creates a rebuild coordinator.
func NewCoordinator(stores storage.Stores, indexes *index.Manager, config Config, metrics *storage.Metrics, logger *zap.Logger) *Coordinator {
	if config.PageSize <= 0 {
		config.PageSize = DefaultConfig().PageSize
	}
	return &Coordinator{
		docs:    stores.Documents,
		sets:    stores.Sets,
		locks:   stores.Locks,
		indexes: indexes,
		config:  config,
		metrics: metrics,
		logger:  logger,
	}
}

// Rebuild rebuilds one secondary index from live documents.
func (c *Coordinator) Rebuild(ctx context.Context, kind, field string) (*Report, error) {
	report := &Report{
		ID:        uuid.NewString(),
		Kind:      kind,
		Field:     field,
		State:     StateIdle,
		StartedAt: time.Now().UTC(),
	}

	lock, err := c.locks.Acquire(ctx, storage.RebuildLockKey(kind, field), uuid.NewString(), c.config.LockTTL)
	if err != nil {
		if storage.IsLockHeld(err) {
			return nil, InProgressError{Kind: kind, Field: field}
		}
		return nil, fmt.Errorf("failed to acquire rebuild lock: %w", err)
	}
	defer func() {
		if releaseErr := c.locks.Release(ctx, lock); releaseErr != nil {
			c.logger.Warn("failed to release rebuild lock", zap.Error(releaseErr))
		}
	}()

	err = c.run(ctx, report)
	c.persist(ctx, report)
	c.metrics.Rebuilds.WithLabelValues(string(report.State)).Inc()
	return report, err
}

func (c *Coordinator) run(ctx context.Context, report *Report) error {
	previous, err := c.indexes.LiveVersion(ctx, report.Kind, report.Field)
	if err != nil {
		return c.fail(report, err)
	}
	report.PreviousVersion = previous
	report.NewVersion = newVersionLabel()
	c.sweepAbandoned(ctx, report.Kind, report.Field, previous)

	report.State = StateBuilding
	newCounts, err := c.build(ctx, report)
	if err != nil {
		c.discard(ctx, report)
		return c.fail(report, err)
	}

	report.State = StateVerifying
	shrunk, err := c.verify(ctx, report, newCounts)
	if err != nil {
		c.discard(ctx, report)
		return c.fail(report, err)
	}
	if len(shrunk) > 0 {
		report.State = StateRolledBack
		report.ShrunkBuckets = shrunk
		c.discard(ctx, report)
		c.logger.Warn("rebuild rolled back, live index untouched",
			zap.String("kind", report.Kind),
			zap.String("field", report.Field),
			zap.Int("shrunkBuckets", len(shrunk)),
		)
		return VerificationError{Kind: report.Kind, Field: report.Field, Buckets: shrunk}
	}
	report.Verified = true

	if _, err := c.indexes.SwapVersion(ctx, report.Kind, report.Field, report.NewVersion); err != nil {
		c.discard(ctx, report)
		return c.fail(report, err)
	}
	report.State = StateSwapped

	c.retirePrevious(ctx, report)
	report.Duration = time.Since(report.StartedAt)
	return nil
}

// build streams all live documents into freshly-versioned buckets, never
// touching the live index. Returns per-value member counts.
func (c *Coordinator) build(ctx context.Context, report *Report) (map[string]int64, error) {
	counts := make(map[string]int64)
	cursor := ""
	for {
		keys, next, err := c.docs.List(ctx, storage.DocPrefix(report.Kind), cursor, c.config.PageSize)
		if err != nil {
			return nil, fmt.Errorf("document scan failed: %w", err)
		}
		for _, key := range keys {
			data, err := c.docs.Get(ctx, key)
			if err != nil {
				if storage.IsNotFound(err) {
					continue
				}
				return nil, fmt.Errorf("failed to load %s: %w", key, err)
			}
			e, err := entity.Unmarshal(data)
			if err != nil {
				report.Errors = append(report.Errors, fmt.Sprintf("skipping corrupt document %s: %v", key, err))
				continue
			}
			if e.Deleted {
				continue
			}
			value := e.StringField(report.Field)
			if value == "" {
				continue
			}
			bucket := storage.IndexBucketKey(report.Kind, report.Field, report.NewVersion, value)
			if err := c.sets.Add(ctx, bucket, e.PrimaryKey); err != nil {
				return nil, fmt.Errorf("failed to build bucket %q: %w", value, err)
			}
			counts[value]++
			report.NewCount++
		}
		if next == "" {
			return counts, nil
		}
		cursor = next
	}
}

// verify compares new-version counts per value against the live version and
// returns the buckets that shrank beyond tolerance.
func (c *Coordinator) verify(ctx context.Context, report *Report, newCounts map[string]int64) ([]BucketShrink, error) {
	prefix := storage.IndexBucketPrefix(report.Kind, report.Field, report.PreviousVersion)
	names, err := c.sets.ListSets(ctx, prefix)
	if err != nil {
		return nil, fmt.Errorf("failed to list live buckets: %w", err)
	}

	var shrunk []BucketShrink
	for _, name := range names {
		value := name[len(prefix):]
		oldCount, err := c.sets.Cardinality(ctx, name)
		if err != nil {
			return nil, fmt.Errorf("failed to count bucket %q: %w", value, err)
		}
		report.PreviousCount += oldCount

		newCount := newCounts[value]
		if float64(newCount) < float64(oldCount)*(1-c.config.ShrinkTolerance) {
			shrunk = append(shrunk, BucketShrink{Value: value, PreviousCount: oldCount, NewCount: newCount})
		}
	}
	return shrunk, nil
}

// discard deletes the new version's buckets after a rollback or failure.
func (c *Coordinator) discard(ctx context.Context, report *Report) {
	prefix := storage.IndexBucketPrefix(report.Kind, report.Field, report.NewVersion)
	names, err := c.sets.ListSets(ctx, prefix)
	if err != nil {
		c.logger.Error("failed to list discarded rebuild buckets", zap.Error(err))
		return
	}
	for _, name := range names {
		if err := c.sets.DeleteSet(ctx, name); err != nil {
			c.logger.Error("failed to delete discarded bucket", zap.String("bucket", name), zap.Error(err))
		}
	}
}

// sweepAbandoned deletes buckets of versions that are neither live nor a
// recorded backup, the leftovers of a rebuild that died mid-build and never
// reached its own discard. Runs under the rebuild lock, before the new
// version's label exists, so everything unrecognized is safe to drop.
func (c *Coordinator) sweepAbandoned(ctx context.Context, kind, field, live string) {
	keep := map[string]struct{}{live: {}}
	backupPrefix := storage.IndexBackupPrefix(kind, field)
	backupKeys, _, err := c.docs.List(ctx, backupPrefix, "", 0)
	if err != nil {
		c.logger.Error("failed to list retired index versions", zap.Error(err))
		return
	}
	for _, key := range backupKeys {
		keep[key[len(backupPrefix):]] = struct{}{}
	}

	prefix := storage.IndexFieldPrefix(kind, field)
	names, err := c.sets.ListSets(ctx, prefix)
	if err != nil {
		c.logger.Error("failed to list index buckets", zap.Error(err))
		return
	}
	for _, name := range names {
		rest := name[len(prefix):]
		i := strings.Index(rest, ":")
		if i < 0 {
			continue
		}
		if _, ok := keep[rest[:i]]; ok {
			continue
		}
		if err := c.sets.DeleteSet(ctx, name); err != nil {
			c.logger.Error("failed to delete abandoned bucket", zap.String("bucket", name), zap.Error(err))
			continue
		}
		c.logger.Warn("deleted abandoned rebuild bucket",
			zap.String("kind", kind),
			zap.String("field", field),
			zap.String("bucket", name),
		)
	}
}

// retirePrevious records the prior version as a recoverable backup and
// purges backups past retention. Recovery from a bad swap is a pointer write
// back to the retired version, not a restore from snapshot.
func (c *Coordinator) retirePrevious(ctx context.Context, report *Report) {
	record := backupRecord{Version: report.PreviousVersion, RetiredAt: time.Now().UTC()}
	data, err := json.Marshal(record)
	if err == nil {
		key := storage.IndexBackupKey(report.Kind, report.Field, report.PreviousVersion)
		if err := c.docs.Set(ctx, key, data); err != nil {
			c.logger.Error("failed to record retired index version", zap.Error(err))
		}
	}

	keys, _, err := c.docs.List(ctx, storage.IndexBackupPrefix(report.Kind, report.Field), "", 0)
	if err != nil {
		c.logger.Error("failed to list retired index versions", zap.Error(err))
		return
	}
	for _, key := range keys {
		data, err := c.docs.Get(ctx, key)
		if err != nil {
			continue
		}
		var old backupRecord
		if err := json.Unmarshal(data, &old); err != nil {
			continue
		}
		if time.Since(old.RetiredAt) < c.config.BackupRetention {
			continue
		}
		prefix := storage.IndexBucketPrefix(report.Kind, report.Field, old.Version)
		names, err := c.sets.ListSets(ctx, prefix)
		if err != nil {
			continue
		}
		for _, name := range names {
			if err := c.sets.DeleteSet(ctx, name); err != nil {
				c.logger.Error("failed to purge expired bucket", zap.String("bucket", name), zap.Error(err))
			}
		}
		if err := c.docs.Delete(ctx, key); err != nil {
			c.logger.Error("failed to delete expired backup record", zap.Error(err))
		}
	}
}

func (c *Coordinator) fail(report *Report, err error) error {
	report.Errors = append(report.Errors, err.Error())
	report.Duration = time.Since(report.StartedAt)
	return err
}

func (c *Coordinator) persist(ctx context.Context, report *Report) {
	report.Duration = time.Since(report.StartedAt)
	data, err := json.Marshal(report)
	if err != nil {
		return
	}
	if err := c.docs.Set(ctx, storage.ReportKey("rebuild", report.ID), data); err != nil {
		c.logger.Error("failed to persist rebuild report", zap.String("id", report.ID), zap.Error(err))
	}
}

func newVersionLabel() string {
	return fmt.Sprintf("r%s-%s", time.Now().UTC().Format("20060102t150405"), uuid.NewString()[:8])
}
