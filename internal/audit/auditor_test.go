package audit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/alisharafiiii/kol-discord-sub004/internal/entity"
	"github.com/alisharafiiii/kol-discord-sub004/internal/index"
	"github.com/alisharafiiii/kol-discord-sub004/internal/storage"
	"github.com/alisharafiiii/kol-discord-sub004/internal/storage/memory"
)

type fixture struct {
	backend *memory.Backend
	indexes *index.Manager
	auditor *Auditor
}

func newFixture(t *testing.T, config Config) *fixture {
	t.Helper()
	backend := memory.New()
	logger := zaptest.NewLogger(t)
	indexes := index.NewManager(backend, backend, 0, logger)
	return &fixture{
		backend: backend,
		indexes: indexes,
		auditor: NewAuditor(backend, backend, indexes, config, storage.NopMetrics(), logger),
	}
}

// writeUser stores a user document and, when indexed is true, its role
// bucket membership.
func (f *fixture) writeUser(t *testing.T, pk, role string, indexed bool) {
	t.Helper()
	ctx := context.Background()
	e := &entity.Entity{
		PrimaryKey:  pk,
		Kind:        "user",
		NaturalKeys: map[string]string{},
		Fields:      map[string]any{"role": role},
		Version:     1,
		CreatedAt:   time.Now().UTC(),
	}
	data, err := e.Marshal()
	require.NoError(t, err)
	require.NoError(t, f.backend.Set(ctx, storage.DocKey("user", pk), data))
	if indexed {
		require.NoError(t, f.indexes.AddMember(ctx, "user", "role", role, pk))
	}
}

func TestAuditCleanIndex(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, DefaultConfig())

	f.writeUser(t, "handle_alice", "kol", true)
	f.writeUser(t, "handle_bob", "admin", true)

	report, err := f.auditor.Audit(ctx, "user", "role")
	require.NoError(t, err)
	assert.Empty(t, report.OrphanedMembers)
	assert.Empty(t, report.MissingMembers)
	assert.Empty(t, report.MismatchedMembers)
	assert.Zero(t, report.DriftPercent)
	assert.False(t, report.RebuildRecommended)
	assert.Equal(t, int64(2), report.TotalMembers)
	assert.Equal(t, int64(2), report.SampledDocuments)
}

func TestAuditFindsOrphans(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, DefaultConfig())

	f.writeUser(t, "handle_alice", "kol", true)
	// Index entry with no document behind it.
	require.NoError(t, f.indexes.AddMember(ctx, "user", "role", "kol", "handle_ghost"))

	report, err := f.auditor.Audit(ctx, "user", "role")
	require.NoError(t, err)
	assert.Equal(t, []string{"handle_ghost"}, report.OrphanedMembers)
	assert.Positive(t, report.DriftPercent)
}

func TestAuditTreatsTombstonesAsOrphans(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, DefaultConfig())

	e := &entity.Entity{
		PrimaryKey: "handle_gone",
		Kind:       "user",
		Fields:     map[string]any{"role": "kol"},
		Deleted:    true,
	}
	data, err := e.Marshal()
	require.NoError(t, err)
	require.NoError(t, f.backend.Set(ctx, storage.DocKey("user", "handle_gone"), data))
	require.NoError(t, f.indexes.AddMember(ctx, "user", "role", "kol", "handle_gone"))

	report, err := f.auditor.Audit(ctx, "user", "role")
	require.NoError(t, err)
	assert.Equal(t, []string{"handle_gone"}, report.OrphanedMembers)
}

func TestAuditFindsMissingMembers(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, DefaultConfig())

	f.writeUser(t, "handle_alice", "kol", true)
	f.writeUser(t, "handle_carol", "kol", false)

	report, err := f.auditor.Audit(ctx, "user", "role")
	require.NoError(t, err)
	assert.Equal(t, []string{"handle_carol"}, report.MissingMembers)
}

func TestAuditFindsMismatches(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, DefaultConfig())

	f.writeUser(t, "handle_dave", "admin", false)
	// Stale membership from before the role change.
	require.NoError(t, f.indexes.AddMember(ctx, "user", "role", "kol", "handle_dave"))

	report, err := f.auditor.Audit(ctx, "user", "role")
	require.NoError(t, err)
	assert.Equal(t, []string{"handle_dave"}, report.MismatchedMembers)
	// The document itself is fine and indexed nowhere else, so the gap pass
	// also flags it.
	assert.Equal(t, []string{"handle_dave"}, report.MissingMembers)
}

func TestAuditRecommendsRebuildAboveThreshold(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{SampleRatio: 1.0, DriftThreshold: 2.0, PageSize: 10})

	f.writeUser(t, "handle_alice", "kol", true)
	require.NoError(t, f.indexes.AddMember(ctx, "user", "role", "kol", "handle_ghost"))

	report, err := f.auditor.Audit(ctx, "user", "role")
	require.NoError(t, err)
	assert.True(t, report.RebuildRecommended)
}

func TestAuditIsReadOnly(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, DefaultConfig())

	f.writeUser(t, "handle_alice", "kol", true)
	require.NoError(t, f.indexes.AddMember(ctx, "user", "role", "kol", "handle_ghost"))
	f.writeUser(t, "handle_carol", "kol", false)

	_, err := f.auditor.Audit(ctx, "user", "role")
	require.NoError(t, err)

	// Neither the orphan nor the gap got repaired; audits only observe.
	members, err := f.indexes.MembersOf(ctx, "user", "role", "kol")
	require.NoError(t, err)
	assert.Equal(t, []string{"handle_alice", "handle_ghost"}, members)
}

func TestAuditPersistsReport(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, DefaultConfig())

	f.writeUser(t, "handle_alice", "kol", true)
	report, err := f.auditor.Audit(ctx, "user", "role")
	require.NoError(t, err)

	data, err := f.backend.Get(ctx, storage.ReportKey("audit", report.ID))
	require.NoError(t, err)
	assert.Contains(t, string(data), report.ID)
}

// flakyDocs fails document scans after a set number of pages, the way a
// throttled backend kills a long audit partway through.
type flakyDocs struct {
	storage.DocumentStore
	allowListCalls int
	listCalls      int
}

func (f *flakyDocs) List(ctx context.Context, prefix, cursor string, limit int) ([]string, string, error) {
	f.listCalls++
	if f.listCalls > f.allowListCalls {
		return nil, "", storage.NewTransient("doc_list", errors.New("injected failure"))
	}
	return f.DocumentStore.List(ctx, prefix, cursor, limit)
}

func TestAuditResumesFromPersistedCursor(t *testing.T) {
	ctx := context.Background()
	config := Config{SampleRatio: 1.0, DriftThreshold: 2.0, PageSize: 2}
	f := newFixture(t, config)

	for _, pk := range []string{"handle_alice", "handle_bob", "handle_carol", "handle_dave", "handle_erin"} {
		f.writeUser(t, pk, "kol", true)
	}

	logger := zaptest.NewLogger(t)
	flaky := &flakyDocs{DocumentStore: f.backend, allowListCalls: 1}
	failing := NewAuditor(flaky, f.backend, f.indexes, config, storage.NopMetrics(), logger)

	report, err := failing.Audit(ctx, "user", "role")
	require.Error(t, err)
	require.NotNil(t, report)
	require.NotEmpty(t, report.ResumeCursor, "a failed scan must record where it stopped")
	assert.Equal(t, int64(2), report.SampledDocuments, "one full page before the failure")

	// The persisted report carries the cursor too.
	data, err := f.backend.Get(ctx, storage.ReportKey("audit", report.ID))
	require.NoError(t, err)
	assert.Contains(t, string(data), report.ResumeCursor)

	// Resuming covers exactly the documents the failed scan never reached.
	resumed, err := f.auditor.AuditFrom(ctx, "user", "role", report.ResumeCursor)
	require.NoError(t, err)
	assert.Empty(t, resumed.ResumeCursor)
	assert.Equal(t, int64(3), resumed.SampledDocuments)
	assert.Empty(t, resumed.MissingMembers)
}

func TestSampledIsDeterministic(t *testing.T) {
	auditor := newFixture(t, Config{SampleRatio: 0.5, DriftThreshold: 2.0, PageSize: 10}).auditor

	first := auditor.sampled("doc:user:handle_alice")
	for i := 0; i < 10; i++ {
		assert.Equal(t, first, auditor.sampled("doc:user:handle_alice"))
	}
}
