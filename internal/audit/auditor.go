// Package audit implements the read-only consistency scan comparing index
// contents against live documents. It is the standing, automatable
// replacement for the pile of one-off diagnostic scripts the CRM accumulated
// (check-*, analyze-*, diagnose-*).
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/alisharafiiii/kol-discord-sub004/internal/entity"
	"github.com/alisharafiiii/kol-discord-sub004/internal/index"
	"github.com/alisharafiiii/kol-discord-sub004/internal/storage"
)

// Config tunes the auditor.
type Config struct {
	// SampleRatio is the fraction of live documents checked during the gap
	// pass. The orphan pass always covers every index member.
	SampleRatio float64

	// DriftThreshold is the drift percentage above which the report
	// recommends a rebuild.
	DriftThreshold float64

	// PageSize bounds each document scan page.
	PageSize int
}

// DefaultConfig returns the default audit configuration.
func DefaultConfig() Config {
	return Config{
		SampleRatio:    1.0,
		DriftThreshold: 2.0,
		PageSize:       250,
	}
}

// Report is the outcome of one index audit. Audits are side-effect free
// apart from persisting the report itself.
type Report struct {
	ID      string `json:"id"`
	Kind    string `json:"kind"`
	Field   string `json:"field"`
	Version string `json:"version"`

	// OrphanedMembers are index entries whose document no longer exists.
	OrphanedMembers []string `json:"orphanedMembers"`

	// MissingMembers are documents absent from the bucket their field value
	// implies.
	MissingMembers []string `json:"missingMembers"`

	// MismatchedMembers sit in a bucket that disagrees with their current
	// field value.
	MismatchedMembers []string `json:"mismatchedMembers"`

	TotalMembers       int64         `json:"totalMembers"`
	SampledDocuments   int64         `json:"sampledDocuments"`
	SampleRatio        float64       `json:"sampleRatio"`
	DriftPercent       float64       `json:"driftPercent"`
	RebuildRecommended bool          `json:"rebuildRecommended"`
	StartedAt          time.Time     `json:"startedAt"`
	Duration           time.Duration `json:"duration"`
	Errors             []string      `json:"errors,omitempty"`

	// ResumeCursor is the gap-pass page the scan was on when it failed, empty
	// on a completed scan. AuditFrom picks the scan back up from it.
	ResumeCursor string `json:"resumeCursor,omitempty"`
}

// Auditor performs read-only consistency scans.
type Auditor struct {
	docs    storage.DocumentStore
	sets    storage.SetStore
	indexes *index.Manager
	config  Config
	metrics *storage.Metrics
	logger  *zap.Logger
}

// NewAuditor creates a consistency auditor.
func NewAuditor(docs storage.DocumentStore, sets storage.SetStore, indexes *index.Manager, config Config, metrics *storage.Metrics, logger *zap.Logger) *Auditor {
	if config.SampleRatio <= 0 || config.SampleRatio > 1 {
		config.SampleRatio = 1.0
	}
	if config.PageSize <= 0 {
		config.PageSize = DefaultConfig().PageSize
	}
	return &Auditor{
		docs:    docs,
		sets:    sets,
		indexes: indexes,
		config:  config,
		metrics: metrics,
		logger:  logger,
	}
}

// Audit scans one secondary index of a kind. The report is persisted under
// report:audit:* even when the scan ends early with an error.
func (a *Auditor) Audit(ctx context.Context, kind, field string) (*Report, error) {
	return a.AuditFrom(ctx, kind, field, "")
}

// AuditFrom resumes a gap-pass scan from the cursor a failed audit recorded
// in its report's ResumeCursor. The orphan pass is cheap relative to the
// document scan and reruns in full.
func (a *Auditor) AuditFrom(ctx context.Context, kind, field, cursor string) (*Report, error) {
	report := &Report{
		ID:                uuid.NewString(),
		Kind:              kind,
		Field:             field,
		SampleRatio:       a.config.SampleRatio,
		StartedAt:         time.Now().UTC(),
		OrphanedMembers:   []string{},
		MissingMembers:    []string{},
		MismatchedMembers: []string{},
	}

	version, err := a.indexes.LiveVersion(ctx, kind, field)
	if err != nil {
		return a.finish(ctx, report, err)
	}
	report.Version = version

	if err := a.orphanPass(ctx, report); err != nil {
		return a.finish(ctx, report, err)
	}
	if err := a.gapPass(ctx, report, cursor); err != nil {
		return a.finish(ctx, report, err)
	}
	return a.finish(ctx, report, nil)
}

// orphanPass walks every member of every live bucket and flags members whose
// document is gone (orphaned) or whose field value no longer matches the
// bucket (mismatched).
func (a *Auditor) orphanPass(ctx context.Context, report *Report) error {
	buckets, err := a.indexes.LiveBuckets(ctx, report.Kind, report.Field)
	if err != nil {
		return fmt.Errorf("failed to list index buckets: %w", err)
	}

	for value, setKey := range buckets {
		members, err := a.sets.Members(ctx, setKey)
		if err != nil {
			return fmt.Errorf("failed to read bucket %q: %w", value, err)
		}
		report.TotalMembers += int64(len(members))

		keys := make([]string, 0, len(members))
		for _, member := range members {
			keys = append(keys, storage.DocKey(report.Kind, member))
		}
		docs, err := a.docs.BatchGet(ctx, keys)
		if err != nil {
			return fmt.Errorf("failed to load documents for bucket %q: %w", value, err)
		}

		for _, member := range members {
			data, ok := docs[storage.DocKey(report.Kind, member)]
			if !ok {
				report.OrphanedMembers = append(report.OrphanedMembers, member)
				continue
			}
			e, err := entity.Unmarshal(data)
			if err != nil || e.Deleted {
				report.OrphanedMembers = append(report.OrphanedMembers, member)
				continue
			}
			if e.StringField(report.Field) != value {
				report.MismatchedMembers = append(report.MismatchedMembers, member)
			}
		}
	}
	return nil
}

// gapPass samples live documents and flags those missing from the bucket
// their field value implies. The scan is cursor-paged; the page being worked
// on is recorded in the report's ResumeCursor, so an interrupted audit can be
// picked up via AuditFrom instead of restarting.
func (a *Auditor) gapPass(ctx context.Context, report *Report, cursor string) error {
	for {
		report.ResumeCursor = cursor
		keys, next, err := a.docs.List(ctx, storage.DocPrefix(report.Kind), cursor, a.config.PageSize)
		if err != nil {
			return fmt.Errorf("document scan failed: %w", err)
		}
		for _, key := range keys {
			if !a.sampled(key) {
				continue
			}
			data, err := a.docs.Get(ctx, key)
			if err != nil {
				if storage.IsNotFound(err) {
					continue
				}
				return fmt.Errorf("failed to load %s: %w", key, err)
			}
			e, err := entity.Unmarshal(data)
			if err != nil {
				report.Errors = append(report.Errors, fmt.Sprintf("corrupt document %s: %v", key, err))
				continue
			}
			if e.Deleted {
				continue
			}
			report.SampledDocuments++

			value := e.StringField(report.Field)
			if value == "" {
				continue
			}
			member, err := a.indexes.IsMember(ctx, report.Kind, report.Field, value, e.PrimaryKey)
			if err != nil {
				return fmt.Errorf("membership check failed for %s: %w", e.PrimaryKey, err)
			}
			if !member {
				report.MissingMembers = append(report.MissingMembers, e.PrimaryKey)
			}
		}
		if next == "" {
			report.ResumeCursor = ""
			return nil
		}
		cursor = next
	}
}

// finish computes drift, persists the report and updates metrics. The
// persisted report survives partial failures so operators can see how far a
// scan got.
func (a *Auditor) finish(ctx context.Context, report *Report, scanErr error) (*Report, error) {
	if scanErr != nil {
		report.Errors = append(report.Errors, scanErr.Error())
	}
	report.Duration = time.Since(report.StartedAt)

	// Missing members are extrapolated from the sample; orphans and
	// mismatches come from a full index walk.
	checked := float64(report.TotalMembers) + float64(report.SampledDocuments)/a.config.SampleRatio
	if checked > 0 {
		issues := float64(len(report.OrphanedMembers)) + float64(len(report.MismatchedMembers)) +
			float64(len(report.MissingMembers))/a.config.SampleRatio
		report.DriftPercent = 100 * issues / checked
	}
	report.RebuildRecommended = report.DriftPercent > a.config.DriftThreshold

	a.metrics.Drift.WithLabelValues(report.Kind, report.Field).Set(report.DriftPercent)

	if data, err := marshalReport(report); err == nil {
		if setErr := a.docs.Set(ctx, storage.ReportKey("audit", report.ID), data); setErr != nil {
			a.logger.Error("failed to persist audit report", zap.String("id", report.ID), zap.Error(setErr))
		}
	}

	a.logger.Info("index audit finished",
		zap.String("kind", report.Kind),
		zap.String("field", report.Field),
		zap.Int("orphaned", len(report.OrphanedMembers)),
		zap.Int("missing", len(report.MissingMembers)),
		zap.Int("mismatched", len(report.MismatchedMembers)),
		zap.Float64("driftPercent", report.DriftPercent),
		zap.Bool("rebuildRecommended", report.RebuildRecommended),
		zap.Duration("duration", report.Duration),
	)

	return report, scanErr
}

func marshalReport(report *Report) ([]byte, error) {
	return json.Marshal(report)
}

// sampled deterministically selects documents for the gap pass, so a
// resumed audit samples the same population.
func (a *Auditor) sampled(key string) bool {
	if a.config.SampleRatio >= 1.0 {
		return true
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return float64(h.Sum32()%1000) < a.config.SampleRatio*1000
}
