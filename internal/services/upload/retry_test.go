package upload

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"summeval-sync/internal/logging"
)

var fastBackoff = backoff{base: time.Millisecond, max: 2 * time.Millisecond}

func TestRetryWithBackoff(t *testing.T) {
	ctx := context.Background()
	logger := logging.Discard()

	t.Run("Should succeed on first attempt", func(t *testing.T) {
		attemptCount := 0
		operation := func(context.Context) error {
			attemptCount++
			return nil
		}

		attempts, err := retryWithBackoff(ctx, "test", operation, 3, fastBackoff, logger)

		assert.NoError(t, err)
		assert.Equal(t, 1, attempts)
		assert.Equal(t, 1, attemptCount, "Should only attempt once on success")
	})

	t.Run("Should retry up to maxAttempts times", func(t *testing.T) {
		attemptCount := 0
		operation := func(context.Context) error {
			attemptCount++
			return errors.New("temporary error")
		}

		attempts, err := retryWithBackoff(ctx, "test", operation, 3, fastBackoff, logger)

		assert.Error(t, err)
		assert.Equal(t, 3, attempts)
		assert.Equal(t, 3, attemptCount, "Should attempt exactly 3 times")
		assert.Contains(t, err.Error(), "failed after 3 attempts")
	})

	t.Run("Should succeed on second attempt", func(t *testing.T) {
		attemptCount := 0
		operation := func(context.Context) error {
			attemptCount++
			if attemptCount < 2 {
				return errors.New("temporary error")
			}
			return nil
		}

		attempts, err := retryWithBackoff(ctx, "test", operation, 3, fastBackoff, logger)

		assert.NoError(t, err)
		assert.Equal(t, 2, attempts)
	})

	t.Run("Should not start another attempt once cancelled", func(t *testing.T) {
		cctx, cancel := context.WithCancel(ctx)
		attemptCount := 0
		operation := func(context.Context) error {
			attemptCount++
			cancel()
			return errors.New("temporary error")
		}

		attempts, err := retryWithBackoff(cctx, "test", operation, 3, backoff{base: time.Hour, max: time.Hour}, logger)

		assert.ErrorIs(t, err, context.Canceled)
		assert.Equal(t, 1, attempts)
		assert.Equal(t, 1, attemptCount)
	})

	t.Run("Should not attempt at all with a done context", func(t *testing.T) {
		cctx, cancel := context.WithCancel(ctx)
		cancel()

		attempts, err := retryWithBackoff(cctx, "test", func(context.Context) error { return nil }, 3, fastBackoff, logger)

		assert.ErrorIs(t, err, context.Canceled)
		assert.Zero(t, attempts)
	})
}

func TestBackoffDelay(t *testing.T) {
	b := backoff{base: 100 * time.Millisecond, max: time.Second}

	t.Run("Should grow exponentially within jitter bounds", func(t *testing.T) {
		for attempt, ceiling := range map[int]time.Duration{1: 100 * time.Millisecond, 2: 200 * time.Millisecond, 3: 400 * time.Millisecond} {
			for i := 0; i < 20; i++ {
				d := b.delay(attempt)
				assert.GreaterOrEqual(t, d, ceiling/2)
				assert.LessOrEqual(t, d, ceiling)
			}
		}
	})

	t.Run("Should cap at max", func(t *testing.T) {
		for i := 0; i < 20; i++ {
			assert.LessOrEqual(t, b.delay(10), time.Second)
			assert.GreaterOrEqual(t, b.delay(10), 500*time.Millisecond)
		}
	})
}
