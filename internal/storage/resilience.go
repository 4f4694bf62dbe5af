package storage

import (
	"context"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

// Resilient wraps a backend's stores with bounded-backoff retry, a shared
// circuit breaker and Prometheus instrumentation. Transient failures are
// retried and, when persistent, trip the breaker; read misses and caller
// errors pass through untouched and never count against the breaker.
func Resilient(stores Stores, retry RetryConfig, metrics *Metrics, logger *zap.Logger) Stores {
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "kolstore",
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("store circuit breaker state change",
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	})
	return Stores{
		Documents: &resilientDocumentStore{inner: stores.Documents, guard: guard{breaker, retry, metrics}},
		Sets:      &resilientSetStore{inner: stores.Sets, guard: guard{breaker, retry, metrics}},
		Locks:     stores.Locks,
	}
}

type guard struct {
	breaker *gobreaker.CircuitBreaker
	retry   RetryConfig
	metrics *Metrics
}

// do runs fn through retry and the breaker. Only transient errors feed the
// breaker's failure counts.
func (g guard) do(ctx context.Context, store, op string, fn func() error) error {
	start := time.Now()
	var opErr error
	_, cbErr := g.breaker.Execute(func() (interface{}, error) {
		opErr = RetryWithBackoff(ctx, g.retry, fn)
		if opErr != nil && IsTransient(opErr) {
			return nil, opErr
		}
		return nil, nil
	})
	if cbErr != nil && opErr == nil {
		// Breaker rejected the call before fn ran.
		opErr = NewTransient(op, cbErr)
	}
	g.metrics.observe(store, op, start, opErr)
	return opErr
}

type resilientDocumentStore struct {
	inner DocumentStore
	guard guard
}

func (s *resilientDocumentStore) Get(ctx context.Context, key string) ([]byte, error) {
	var out []byte
	err := s.guard.do(ctx, "documents", "get", func() error {
		var err error
		out, err = s.inner.Get(ctx, key)
		return err
	})
	return out, err
}

func (s *resilientDocumentStore) Set(ctx context.Context, key string, value []byte) error {
	return s.guard.do(ctx, "documents", "set", func() error {
		return s.inner.Set(ctx, key, value)
	})
}

func (s *resilientDocumentStore) Delete(ctx context.Context, key string) error {
	return s.guard.do(ctx, "documents", "delete", func() error {
		return s.inner.Delete(ctx, key)
	})
}

func (s *resilientDocumentStore) List(ctx context.Context, prefix, cursor string, limit int) ([]string, string, error) {
	var keys []string
	var next string
	err := s.guard.do(ctx, "documents", "list", func() error {
		var err error
		keys, next, err = s.inner.List(ctx, prefix, cursor, limit)
		return err
	})
	return keys, next, err
}

func (s *resilientDocumentStore) BatchGet(ctx context.Context, keys []string) (map[string][]byte, error) {
	var out map[string][]byte
	err := s.guard.do(ctx, "documents", "batch_get", func() error {
		var err error
		out, err = s.inner.BatchGet(ctx, keys)
		return err
	})
	return out, err
}

type resilientSetStore struct {
	inner SetStore
	guard guard
}

func (s *resilientSetStore) Add(ctx context.Context, set, member string) error {
	return s.guard.do(ctx, "sets", "add", func() error {
		return s.inner.Add(ctx, set, member)
	})
}

func (s *resilientSetStore) Remove(ctx context.Context, set, member string) error {
	return s.guard.do(ctx, "sets", "remove", func() error {
		return s.inner.Remove(ctx, set, member)
	})
}

func (s *resilientSetStore) Members(ctx context.Context, set string) ([]string, error) {
	var out []string
	err := s.guard.do(ctx, "sets", "members", func() error {
		var err error
		out, err = s.inner.Members(ctx, set)
		return err
	})
	return out, err
}

func (s *resilientSetStore) Contains(ctx context.Context, set, member string) (bool, error) {
	var out bool
	err := s.guard.do(ctx, "sets", "contains", func() error {
		var err error
		out, err = s.inner.Contains(ctx, set, member)
		return err
	})
	return out, err
}

func (s *resilientSetStore) Cardinality(ctx context.Context, set string) (int64, error) {
	var out int64
	err := s.guard.do(ctx, "sets", "cardinality", func() error {
		var err error
		out, err = s.inner.Cardinality(ctx, set)
		return err
	})
	return out, err
}

func (s *resilientSetStore) DeleteSet(ctx context.Context, set string) error {
	return s.guard.do(ctx, "sets", "delete_set", func() error {
		return s.inner.DeleteSet(ctx, set)
	})
}

func (s *resilientSetStore) ListSets(ctx context.Context, prefix string) ([]string, error) {
	var out []string
	err := s.guard.do(ctx, "sets", "list_sets", func() error {
		var err error
		out, err = s.inner.ListSets(ctx, prefix)
		return err
	})
	return out, err
}
