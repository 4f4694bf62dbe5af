package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alisharafiiii/kol-discord-sub004/internal/storage"
)

func TestDocumentStore(t *testing.T) {
	ctx := context.Background()
	backend := New()

	t.Run("get miss is not found", func(t *testing.T) {
		_, err := backend.Get(ctx, "doc:user:missing")
		assert.True(t, storage.IsNotFound(err))
	})

	t.Run("set then get", func(t *testing.T) {
		require.NoError(t, backend.Set(ctx, "doc:user:handle_alice", []byte(`{"a":1}`)))
		data, err := backend.Get(ctx, "doc:user:handle_alice")
		require.NoError(t, err)
		assert.JSONEq(t, `{"a":1}`, string(data))
	})

	t.Run("returned bytes are copies", func(t *testing.T) {
		require.NoError(t, backend.Set(ctx, "doc:user:handle_bob", []byte("abc")))
		data, err := backend.Get(ctx, "doc:user:handle_bob")
		require.NoError(t, err)
		data[0] = 'x'
		again, err := backend.Get(ctx, "doc:user:handle_bob")
		require.NoError(t, err)
		assert.Equal(t, []byte("abc"), again)
	})

	t.Run("delete is idempotent", func(t *testing.T) {
		require.NoError(t, backend.Delete(ctx, "doc:user:handle_bob"))
		require.NoError(t, backend.Delete(ctx, "doc:user:handle_bob"))
		_, err := backend.Get(ctx, "doc:user:handle_bob")
		assert.True(t, storage.IsNotFound(err))
	})

	t.Run("batch get omits absent keys", func(t *testing.T) {
		docs, err := backend.BatchGet(ctx, []string{"doc:user:handle_alice", "doc:user:gone"})
		require.NoError(t, err)
		assert.Len(t, docs, 1)
		assert.Contains(t, docs, "doc:user:handle_alice")
	})
}

func TestDocumentListPagination(t *testing.T) {
	ctx := context.Background()
	backend := New()

	keys := []string{
		"doc:user:handle_a",
		"doc:user:handle_b",
		"doc:user:handle_c",
		"doc:user:handle_d",
		"doc:user:handle_e",
		"doc:message:m1",
	}
	for _, key := range keys {
		require.NoError(t, backend.Set(ctx, key, []byte("{}")))
	}

	var collected []string
	cursor := ""
	pages := 0
	for {
		page, next, err := backend.List(ctx, "doc:user:", cursor, 2)
		require.NoError(t, err)
		collected = append(collected, page...)
		pages++
		if next == "" {
			break
		}
		cursor = next
	}

	assert.Equal(t, []string{
		"doc:user:handle_a",
		"doc:user:handle_b",
		"doc:user:handle_c",
		"doc:user:handle_d",
		"doc:user:handle_e",
	}, collected)
	assert.Equal(t, 3, pages)

	all, next, err := backend.List(ctx, "doc:user:", "", 0)
	require.NoError(t, err)
	assert.Empty(t, next)
	assert.Len(t, all, 5)
}

func TestSetStore(t *testing.T) {
	ctx := context.Background()
	backend := New()

	require.NoError(t, backend.Add(ctx, "idx:user:role:v0:kol", "handle_alice"))
	require.NoError(t, backend.Add(ctx, "idx:user:role:v0:kol", "handle_bob"))
	require.NoError(t, backend.Add(ctx, "idx:user:role:v0:kol", "handle_alice"))

	members, err := backend.Members(ctx, "idx:user:role:v0:kol")
	require.NoError(t, err)
	assert.Equal(t, []string{"handle_alice", "handle_bob"}, members)

	count, err := backend.Cardinality(ctx, "idx:user:role:v0:kol")
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)

	ok, err := backend.Contains(ctx, "idx:user:role:v0:kol", "handle_alice")
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, backend.Remove(ctx, "idx:user:role:v0:kol", "handle_alice"))
	require.NoError(t, backend.Remove(ctx, "idx:user:role:v0:kol", "handle_alice"))
	ok, err = backend.Contains(ctx, "idx:user:role:v0:kol", "handle_alice")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, backend.Add(ctx, "idx:user:role:v0:admin", "handle_carol"))
	names, err := backend.ListSets(ctx, "idx:user:role:v0:")
	require.NoError(t, err)
	assert.Equal(t, []string{"idx:user:role:v0:admin", "idx:user:role:v0:kol"}, names)

	require.NoError(t, backend.DeleteSet(ctx, "idx:user:role:v0:kol"))
	count, err = backend.Cardinality(ctx, "idx:user:role:v0:kol")
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestEmptySetsDisappear(t *testing.T) {
	ctx := context.Background()
	backend := New()

	require.NoError(t, backend.Add(ctx, "idx:user:role:v0:kol", "handle_alice"))
	require.NoError(t, backend.Remove(ctx, "idx:user:role:v0:kol", "handle_alice"))

	names, err := backend.ListSets(ctx, "idx:user:role:v0:")
	require.NoError(t, err)
	assert.Empty(t, names)
}

func TestLockStore(t *testing.T) {
	ctx := context.Background()
	backend := New()

	t.Run("second acquire fails fast", func(t *testing.T) {
		lock, err := backend.Acquire(ctx, "lock:rebuild:user:role", "owner-a", time.Minute)
		require.NoError(t, err)

		_, err = backend.Acquire(ctx, "lock:rebuild:user:role", "owner-b", time.Minute)
		assert.True(t, storage.IsLockHeld(err))

		require.NoError(t, backend.Release(ctx, lock))
		_, err = backend.Acquire(ctx, "lock:rebuild:user:role", "owner-b", time.Minute)
		assert.NoError(t, err)
	})

	t.Run("expired locks are reacquirable", func(t *testing.T) {
		_, err := backend.Acquire(ctx, "lock:doc:user:handle_a", "owner-a", time.Nanosecond)
		require.NoError(t, err)
		time.Sleep(time.Millisecond)

		_, err = backend.Acquire(ctx, "lock:doc:user:handle_a", "owner-b", time.Minute)
		assert.NoError(t, err)
	})

	t.Run("stale release cannot evict the new holder", func(t *testing.T) {
		stale, err := backend.Acquire(ctx, "lock:doc:user:handle_b", "owner-a", time.Nanosecond)
		require.NoError(t, err)
		time.Sleep(time.Millisecond)

		_, err = backend.Acquire(ctx, "lock:doc:user:handle_b", "owner-b", time.Minute)
		require.NoError(t, err)

		require.NoError(t, backend.Release(ctx, stale))
		_, err = backend.Acquire(ctx, "lock:doc:user:handle_b", "owner-c", time.Minute)
		assert.True(t, storage.IsLockHeld(err), "token fencing must protect the live lock")
	})
}
