package reconcile

import (
	"context"
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
	backend    *memory.Backend
	indexes    *index.Manager
	reconciler *Reconciler
	registry   *entity.Registry
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	backend := memory.New()
	logger := zaptest.NewLogger(t)
	indexes := index.NewManager(backend, backend, 0, logger)
	registry := entity.DefaultRegistry()
	return &fixture{
		backend:    backend,
		indexes:    indexes,
		registry:   registry,
		reconciler: NewReconciler(backend.Stores(), indexes, registry, DefaultConfig(), storage.NopMetrics(), logger),
	}
}

func (f *fixture) write(t *testing.T, e *entity.Entity) {
	t.Helper()
	ctx := context.Background()
	if e.Kind == "" {
		e.Kind = "user"
	}
	if e.NaturalKeys == nil {
		e.NaturalKeys = map[string]string{}
	}
	if e.Fields == nil {
		e.Fields = map[string]any{}
	}
	data, err := e.Marshal()
	require.NoError(t, err)
	require.NoError(t, f.backend.Set(ctx, storage.DocKey(e.Kind, e.PrimaryKey), data))

	schema, err := f.registry.Get(e.Kind)
	require.NoError(t, err)
	for _, field := range schema.IndexedFields {
		if value := e.StringField(field); value != "" {
			require.NoError(t, f.indexes.AddMember(ctx, e.Kind, field, value, e.PrimaryKey))
		}
	}
}

func TestFindDuplicatesGroupsHandleVariants(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	// The canonical entity and a legacy randomized-ID entity carrying the
	// decorated form of the same handle.
	f.write(t, &entity.Entity{
		PrimaryKey:  "handle_alice",
		NaturalKeys: map[string]string{"handle": "alice"},
		Fields:      map[string]any{"approvalStatus": "approved"},
		CreatedAt:   time.Now().Add(-48 * time.Hour).UTC(),
	})
	f.write(t, &entity.Entity{
		PrimaryKey: "user_1699999999_x7k2",
		Fields:     map[string]any{"twitterHandle": "@Alice", "approvalStatus": "pending"},
		CreatedAt:  time.Now().Add(-24 * time.Hour).UTC(),
	})
	f.write(t, &entity.Entity{
		PrimaryKey:  "handle_bob",
		NaturalKeys: map[string]string{"handle": "bob"},
	})

	groups, err := f.reconciler.FindDuplicates(ctx, "user", "handle")
	require.NoError(t, err)
	require.Len(t, groups, 1)

	group := groups[0]
	assert.Equal(t, "alice", group.Value)
	require.Len(t, group.Members, 2)
	assert.Equal(t, "handle_alice", group.Members[0].Entity.PrimaryKey,
		"approved canonical entity must rank first")
	assert.Greater(t, group.Members[0].Score, group.Members[1].Score)
}

func TestFindDuplicatesIgnoresTombstones(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	f.write(t, &entity.Entity{PrimaryKey: "handle_alice", NaturalKeys: map[string]string{"handle": "alice"}})
	f.write(t, &entity.Entity{PrimaryKey: "user_123_dup", Fields: map[string]any{"twitterHandle": "alice"}, Deleted: true})

	groups, err := f.reconciler.FindDuplicates(ctx, "user", "handle")
	require.NoError(t, err)
	assert.Empty(t, groups)
}

func TestMergePreservesData(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	f.write(t, &entity.Entity{
		PrimaryKey:  "handle_alice",
		NaturalKeys: map[string]string{"handle": "alice"},
		Fields: map[string]any{
			"approvalStatus": "approved",
			"role":           "kol",
			"chains":         []string{"ethereum"},
		},
		Version:   2,
		CreatedAt: time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC),
	})
	f.write(t, &entity.Entity{
		PrimaryKey: "user_1699999999_x7k2",
		Fields: map[string]any{
			"twitterHandle":  "@Alice",
			"approvalStatus": "pending",
			"country":        "br", // survivor lacks this
			"role":           "user",
			"chains":         []string{"solana", "ethereum"},
		},
		CreatedAt: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
	})

	records, err := f.reconciler.Run(ctx, "user")
	require.NoError(t, err)
	require.Len(t, records, 1)
	record := records[0]
	assert.Equal(t, "handle_alice", record.SurvivorKey)
	assert.Len(t, record.RemovedEntities, 1)
	assert.Equal(t, "user_1699999999_x7k2", record.RemovedEntities[0].PrimaryKey)

	data, err := f.backend.Get(ctx, storage.DocKey("user", "handle_alice"))
	require.NoError(t, err)
	survivor, err := entity.Unmarshal(data)
	require.NoError(t, err)

	// Populated survivor scalars win; gaps fill from the loser; lists union.
	assert.Equal(t, "kol", survivor.StringField("role"))
	assert.Equal(t, "approved", survivor.StringField("approvalStatus"))
	assert.Equal(t, "br", survivor.StringField("country"))
	assert.Equal(t, []string{"ethereum", "solana"}, survivor.StringListField("chains"))

	// Earliest creation time survives, version advances.
	assert.Equal(t, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), survivor.CreatedAt)
	assert.Equal(t, int64(3), survivor.Version)

	// The loser is fully gone.
	_, err = f.backend.Get(ctx, storage.DocKey("user", "user_1699999999_x7k2"))
	assert.True(t, storage.IsNotFound(err))
}

func TestMergeUpdatesIndexes(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	f.write(t, &entity.Entity{
		PrimaryKey:  "handle_alice",
		NaturalKeys: map[string]string{"handle": "alice"},
		Fields:      map[string]any{"approvalStatus": "approved", "role": "kol"},
	})
	f.write(t, &entity.Entity{
		PrimaryKey: "user_123_dup",
		Fields:     map[string]any{"twitterHandle": "alice", "approvalStatus": "pending", "role": "kol"},
	})

	_, err := f.reconciler.Run(ctx, "user")
	require.NoError(t, err)

	members, err := f.indexes.MembersOf(ctx, "user", "role", "kol")
	require.NoError(t, err)
	assert.Equal(t, []string{"handle_alice"}, members)

	pending, err := f.indexes.MembersOf(ctx, "user", "approvalStatus", "pending")
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestMergeRecordsIdentityConflicts(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	f.write(t, &entity.Entity{
		PrimaryKey:  "handle_alice",
		NaturalKeys: map[string]string{"handle": "alice"},
		Fields:      map[string]any{"approvalStatus": "approved"},
	})
	f.write(t, &entity.Entity{
		PrimaryKey: "user_123_a",
		Fields:     map[string]any{"twitterHandle": "alice", "discordId": "111"},
	})
	f.write(t, &entity.Entity{
		PrimaryKey: "user_456_b",
		Fields:     map[string]any{"twitterHandle": "alice", "discordId": "222"},
	})

	records, err := f.reconciler.Run(ctx, "user")
	require.NoError(t, err)
	require.Len(t, records, 1)
	record := records[0]

	require.Len(t, record.Conflicts, 1)
	conflict := record.Conflicts[0]
	assert.Equal(t, "discordId", conflict.Field)
	assert.Len(t, conflict.Values, 2)

	// The disagreeing field was not auto-merged.
	data, err := f.backend.Get(ctx, storage.DocKey("user", "handle_alice"))
	require.NoError(t, err)
	survivor, err := entity.Unmarshal(data)
	require.NoError(t, err)
	assert.False(t, survivor.FieldPopulated("discordId"))
}

func TestMergeKeepsSurvivorIdentityValueOnDisagreement(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	f.write(t, &entity.Entity{
		PrimaryKey:  "handle_alice",
		NaturalKeys: map[string]string{"handle": "alice"},
		Fields:      map[string]any{"approvalStatus": "approved", "discordId": "999"},
	})
	f.write(t, &entity.Entity{
		PrimaryKey: "user_123_dup",
		Fields:     map[string]any{"twitterHandle": "alice", "discordId": "111"},
	})

	records, err := f.reconciler.Run(ctx, "user")
	require.NoError(t, err)
	require.Len(t, records, 1)

	require.Len(t, records[0].Conflicts, 1)
	conflict := records[0].Conflicts[0]
	assert.Equal(t, "discordId", conflict.Field)
	assert.Equal(t, "999", conflict.Values["handle_alice"])
	assert.Equal(t, "111", conflict.Values["user_123_dup"])

	data, err := f.backend.Get(ctx, storage.DocKey("user", "handle_alice"))
	require.NoError(t, err)
	survivor, err := entity.Unmarshal(data)
	require.NoError(t, err)
	assert.Equal(t, "999", survivor.StringField("discordId"))
}

func TestMergeRecordPersistedWithRemovedCopies(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	f.write(t, &entity.Entity{
		PrimaryKey:  "handle_alice",
		NaturalKeys: map[string]string{"handle": "alice"},
		Fields:      map[string]any{"approvalStatus": "approved"},
	})
	f.write(t, &entity.Entity{
		PrimaryKey: "user_123_dup",
		Fields:     map[string]any{"twitterHandle": "alice", "country": "br"},
	})

	records, err := f.reconciler.Run(ctx, "user")
	require.NoError(t, err)
	require.Len(t, records, 1)

	data, err := f.backend.Get(ctx, storage.ReportKey("merge", records[0].ID))
	require.NoError(t, err)
	// The persisted record carries a full copy of the removed document.
	assert.Contains(t, string(data), "user_123_dup")
	assert.Contains(t, string(data), "br")
}

func TestRunIsIdempotent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	f.write(t, &entity.Entity{
		PrimaryKey:  "handle_alice",
		NaturalKeys: map[string]string{"handle": "alice"},
		Fields:      map[string]any{"approvalStatus": "approved"},
	})
	f.write(t, &entity.Entity{
		PrimaryKey: "user_123_dup",
		Fields:     map[string]any{"twitterHandle": "alice"},
	})

	records, err := f.reconciler.Run(ctx, "user")
	require.NoError(t, err)
	assert.Len(t, records, 1)

	records, err = f.reconciler.Run(ctx, "user")
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestRunBlockedByRebuildLock(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	_, err := f.backend.Acquire(ctx, storage.RebuildLockKey("user", "role"), "rebuild", time.Minute)
	require.NoError(t, err)

	_, err = f.reconciler.Run(ctx, "user")
	assert.True(t, storage.IsLockHeld(err))
}

func TestScoring(t *testing.T) {
	registry := entity.DefaultRegistry()
	schema, err := registry.Get("user")
	require.NoError(t, err)
	now := time.Now()

	base := func(fields map[string]any) *entity.Entity {
		return &entity.Entity{PrimaryKey: "handle_alice", Fields: fields, UpdatedAt: now}
	}

	t.Run("approval dominates role", func(t *testing.T) {
		approved := score(schema, "handle", "alice", base(map[string]any{"approvalStatus": "approved"}), now)
		pendingAdmin := score(schema, "handle", "alice", base(map[string]any{"approvalStatus": "pending", "role": "admin"}), now)
		assert.Greater(t, approved, pendingAdmin)
	})

	t.Run("canonical key outranks randomized", func(t *testing.T) {
		canonical := score(schema, "handle", "alice", base(map[string]any{}), now)
		randomized := score(schema, "handle", "alice",
			&entity.Entity{PrimaryKey: "user_123_rand", Fields: map[string]any{}, UpdatedAt: now}, now)
		assert.Greater(t, canonical, randomized)
	})

	t.Run("identity fields add weight", func(t *testing.T) {
		linked := score(schema, "handle", "alice", base(map[string]any{"discordId": "111"}), now)
		bare := score(schema, "handle", "alice", base(map[string]any{}), now)
		assert.Greater(t, linked, bare)
	})

	t.Run("recency decays", func(t *testing.T) {
		fresh := base(map[string]any{})
		stale := base(map[string]any{})
		stale.UpdatedAt = now.Add(-200 * 24 * time.Hour)
		assert.Greater(t,
			score(schema, "handle", "alice", fresh, now),
			score(schema, "handle", "alice", stale, now))
	})
}
