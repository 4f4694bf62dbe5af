package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:   3,
		BaseDelay:     time.Millisecond,
		MaxDelay:      5 * time.Millisecond,
		BackoffFactor: 2.0,
		JitterFactor:  0.1,
	}
}

func TestRetryWithBackoff(t *testing.T) {
	ctx := context.Background()

	t.Run("succeeds first try", func(t *testing.T) {
		calls := 0
		err := RetryWithBackoff(ctx, fastRetryConfig(), func() error {
			calls++
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, 1, calls)
	})

	t.Run("retries transient errors", func(t *testing.T) {
		calls := 0
		err := RetryWithBackoff(ctx, fastRetryConfig(), func() error {
			calls++
			if calls < 3 {
				return NewTransient("get", errors.New("throttled"))
			}
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, 3, calls)
	})

	t.Run("does not retry permanent errors", func(t *testing.T) {
		calls := 0
		err := RetryWithBackoff(ctx, fastRetryConfig(), func() error {
			calls++
			return NewNotFound("doc:user:handle_x")
		})
		assert.True(t, IsNotFound(err))
		assert.Equal(t, 1, calls)
	})

	t.Run("gives up after max attempts", func(t *testing.T) {
		calls := 0
		err := RetryWithBackoff(ctx, fastRetryConfig(), func() error {
			calls++
			return NewTransient("set", errors.New("still throttled"))
		})
		require.Error(t, err)
		assert.True(t, IsTransient(err))
		assert.Equal(t, 3, calls)
	})

	t.Run("honors context cancellation", func(t *testing.T) {
		cancelled, cancel := context.WithCancel(ctx)
		cancel()
		err := RetryWithBackoff(cancelled, fastRetryConfig(), func() error {
			return NewTransient("get", errors.New("slow"))
		})
		assert.ErrorIs(t, err, context.Canceled)
	})
}

func TestCalculateDelayCapped(t *testing.T) {
	config := RetryConfig{
		BaseDelay:     time.Second,
		MaxDelay:      2 * time.Second,
		BackoffFactor: 10,
		JitterFactor:  0,
	}
	assert.Equal(t, 2*time.Second, config.calculateDelay(5))
}
