package upload

import (
	"context"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/charmbracelet/log"
)

// backoff computes exponential delays with equal jitter: the n-th retry waits
// between half and all of min(base*2^(n-1), max).
type backoff struct {
	base time.Duration
	max  time.Duration
}

func (b backoff) delay(attempt int) time.Duration {
	d := b.base
	for i := 1; i < attempt && d < b.max; i++ {
		d *= 2
	}
	if d > b.max {
		d = b.max
	}
	if d <= 0 {
		return 0
	}
	half := d / 2
	return half + rand.N(d-half+1)
}

// retryWithBackoff runs operation up to maxAttempts times. It stops as soon as
// ctx is done, without starting another attempt, and returns ctx.Err().
// The number of attempts made is returned in every case.
func retryWithBackoff(ctx context.Context, label string, operation func(ctx context.Context) error, maxAttempts int, b backoff, logger *log.Logger) (int, error) {
	var lastErr error
	attempts := 0

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return attempts, err
		}

		attempts++
		err := operation(ctx)
		if err == nil {
			if attempt > 1 {
				logger.Info(fmt.Sprintf("✓ %s succeeded on retry %d/%d", label, attempt, maxAttempts))
			}
			return attempts, nil
		}
		lastErr = err

		if ctx.Err() != nil {
			return attempts, ctx.Err()
		}

		// Don't sleep after last attempt
		if attempt < maxAttempts {
			wait := b.delay(attempt)
			logger.Warn(fmt.Sprintf("⚠ %s attempt %d/%d failed, retrying", label, attempt, maxAttempts), "wait", wait, "err", err)

			timer := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				timer.Stop()
				return attempts, ctx.Err()
			case <-timer.C:
			}
		} else {
			logger.Error(fmt.Sprintf("✗ %s: all %d attempts failed", label, maxAttempts), "err", err)
		}
	}

	return attempts, fmt.Errorf("failed after %d attempts: %w", maxAttempts, lastErr)
}
