package errors

import (
	"context"
	"time"

	"github.com/universal-console/agentlink/internal/logging"
)

// RetryContext tracks a bounded sequence of attempts at one operation.
type RetryContext struct {
	AttemptCount int
	MaxAttempts  int
	RetryDelay   time.Duration
	// Growth multiplies RetryDelay after every attempt. Values <= 1 keep
	// the delay fixed.
	Growth float64
	Logger *logging.Logger

	// Sleep waits for d or until ctx ends. Defaults to a timer.
	Sleep func(ctx context.Context, d time.Duration) error
}

// NewRetryContext creates a retry context with a fixed delay.
func NewRetryContext(maxAttempts int, delay time.Duration) *RetryContext {
	return &RetryContext{MaxAttempts: maxAttempts, RetryDelay: delay, Growth: 1}
}

// CanRetry reports whether another attempt is allowed
func (rc *RetryContext) CanRetry(ctx context.Context) bool {
	if ctx.Err() != nil {
		return false
	}
	return rc.AttemptCount < rc.MaxAttempts
}

// WaitForRetry waits for the current retry delay
func (rc *RetryContext) WaitForRetry(ctx context.Context) error {
	if rc.Sleep != nil {
		return rc.Sleep(ctx, rc.RetryDelay)
	}
	return SleepContext(ctx, rc.RetryDelay)
}

// IncrementAttempt records an attempt and grows the delay
func (rc *RetryContext) IncrementAttempt() {
	rc.AttemptCount++
	if rc.Growth > 1 {
		rc.RetryDelay = time.Duration(float64(rc.RetryDelay) * rc.Growth)
	}

	if rc.Logger != nil {
		rc.Logger.Debug("Retry attempt incremented",
			"attempt", rc.AttemptCount,
			"max_attempts", rc.MaxAttempts,
			"next_delay", rc.RetryDelay)
	}
}

// Do runs op until it succeeds or the attempts are used up. The last error
// is returned when every attempt fails.
func (rc *RetryContext) Do(ctx context.Context, op func(ctx context.Context) error) error {
	var lastErr error
	for rc.CanRetry(ctx) {
		if rc.AttemptCount > 0 {
			if err := rc.WaitForRetry(ctx); err != nil {
				if lastErr != nil {
					return lastErr
				}
				return err
			}
		}
		rc.IncrementAttempt()
		if lastErr = op(ctx); lastErr == nil {
			return nil
		}
	}
	if lastErr == nil {
		return ctx.Err()
	}
	return lastErr
}

// SleepContext waits for d, returning early with ctx.Err() if ctx ends.
func SleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
