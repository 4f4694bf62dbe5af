package storage

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"time"
)

// RetryConfig defines retry behavior for transient storage failures.
type RetryConfig struct {
	MaxAttempts   int           // Maximum number of attempts including the first
	BaseDelay     time.Duration // Base delay between retries
	MaxDelay      time.Duration // Maximum delay between retries
	BackoffFactor float64       // Exponential backoff multiplier
	JitterFactor  float64       // Jitter factor to prevent thundering herd
}

// DefaultRetryConfig returns the default retry configuration.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:   3,
		BaseDelay:     100 * time.Millisecond,
		MaxDelay:      5 * time.Second,
		BackoffFactor: 2.0,
		JitterFactor:  0.1,
	}
}

// RetryWithBackoff executes operation with exponential backoff. Only errors
// classified as transient (see IsTransient) are retried; everything else is
// returned to the caller immediately.
func RetryWithBackoff(ctx context.Context, config RetryConfig, operation func() error) error {
	var lastErr error

	for attempt := 0; attempt < config.MaxAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		err := operation()
		if err == nil {
			return nil
		}
		lastErr = err

		if !IsTransient(err) {
			return err
		}
		if attempt == config.MaxAttempts-1 {
			break
		}

		timer := time.NewTimer(config.calculateDelay(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}

	return fmt.Errorf("operation failed after %d attempts: %w", config.MaxAttempts, lastErr)
}

// calculateDelay calculates the delay for the given attempt number.
func (c RetryConfig) calculateDelay(attempt int) time.Duration {
	backoff := float64(c.BaseDelay) * math.Pow(c.BackoffFactor, float64(attempt))
	jitter := backoff * c.JitterFactor * (rand.Float64() - 0.5) * 2
	delay := time.Duration(backoff + jitter)
	if delay > c.MaxDelay {
		delay = c.MaxDelay
	}
	return delay
}
