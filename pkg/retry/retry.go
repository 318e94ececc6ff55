package retry

import (
	"context"
	"errors"
	"math/rand"
	"strings"
	"time"
)

// SleepFunc waits for d or until ctx is done, whichever comes first.
// Tests inject a fake to make backoff deterministic and instant.
type SleepFunc func(ctx context.Context, d time.Duration) error

// Policy defines retry behavior with exponential backoff.
type Policy struct {
	MaxAttempts  int // total attempts including the first one
	BaseDelay    time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	JitterFactor float64 // 0.0-1.0, +/- jitter applied to each delay

	// Sleep defaults to a context-aware timer.
	Sleep SleepFunc
	// OnRetry, if set, is called before each backoff wait.
	OnRetry func(attempt int, err error, delay time.Duration)
}

// DefaultPolicy returns the catalog ingestion defaults:
// 3 attempts, 500ms initial delay doubling each time, capped at 10s, with 10% jitter.
func DefaultPolicy() *Policy {
	return &Policy{
		MaxAttempts:  3,
		BaseDelay:    500 * time.Millisecond,
		MaxDelay:     10 * time.Second,
		Multiplier:   2.0,
		JitterFactor: 0.1,
	}
}

// SleepContext is the default SleepFunc.
func SleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Delay returns the un-jittered backoff after the given (1-based) failed attempt.
func (p *Policy) Delay(attempt int) time.Duration {
	multiplier := p.Multiplier
	if multiplier < 1 {
		multiplier = 1
	}
	delay := float64(p.BaseDelay)
	for i := 1; i < attempt; i++ {
		delay *= multiplier
		if p.MaxDelay > 0 && delay >= float64(p.MaxDelay) {
			return p.MaxDelay
		}
	}
	if p.MaxDelay > 0 && time.Duration(delay) > p.MaxDelay {
		return p.MaxDelay
	}
	return time.Duration(delay)
}

// applyJitter adds random jitter to a delay to prevent thundering herd.
// Jitter is calculated as: delay +/- (delay * jitterFactor * random(-1 to +1))
func applyJitter(delay time.Duration, jitterFactor float64) time.Duration {
	if jitterFactor <= 0 {
		return delay
	}
	jitter := float64(delay) * jitterFactor * (rand.Float64()*2 - 1)
	return time.Duration(float64(delay) + jitter)
}

func (p *Policy) sleep() SleepFunc {
	if p.Sleep != nil {
		return p.Sleep
	}
	return SleepContext
}

// Do executes fn until it succeeds, returns a non-retryable error, or the
// attempt budget is spent. fn receives the 1-based attempt number.
// Returns the last error; a context error is returned if ctx ends during a wait.
func Do(ctx context.Context, p *Policy, fn func(attempt int) error) error {
	_, err := DoWithResult(ctx, p, func(attempt int) (struct{}, error) {
		return struct{}{}, fn(attempt)
	})
	return err
}

// DoWithResult executes fn and returns both result and error, retrying like Do.
func DoWithResult[T any](ctx context.Context, p *Policy, fn func(attempt int) (T, error)) (T, error) {
	if p == nil {
		p = DefaultPolicy()
	}
	maxAttempts := p.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	var result T
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		r, err := fn(attempt)
		if err == nil {
			return r, nil
		}
		result, lastErr = r, err

		if !IsRetryable(err) || attempt == maxAttempts {
			break
		}

		delay := applyJitter(p.Delay(attempt), p.JitterFactor)
		if p.OnRetry != nil {
			p.OnRetry(attempt, err, delay)
		}
		if err := p.sleep()(ctx, delay); err != nil {
			return result, err
		}
	}

	return result, lastErr
}

// RetryableError is an interface for errors that explicitly declare their retryability.
// Classified pipeline errors implement this interface.
type RetryableError interface {
	error
	IsRetryable() bool
}

// IsRetryable determines if an error is transient and worth retrying.
// This prevents wasting retries on permanent failures (auth errors, bad payloads, etc.)
//
// The function checks errors in this order:
// 1. Context cancellation is never retryable
// 2. If the error implements RetryableError, use its IsRetryable() method
// 3. Otherwise, pattern-match against known retryable error strings
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}

	var r RetryableError
	if errors.As(err, &r) {
		return r.IsRetryable()
	}

	errStr := strings.ToLower(err.Error())
	retryablePatterns := []string{
		// Connection errors
		"connection refused",
		"connection reset",
		"broken pipe",
		"no such host",
		"timeout",
		"timed out",
		"temporary failure",
		"too many connections",
		"deadlock",
		"network is unreachable",
		"deadline exceeded",
		// HTTP status codes
		"429",
		"500",
		"502",
		"503",
		"504",
		// HTTP error messages
		"rate limit",
		"service busy",
		"service unavailable",
		"too many requests",
	}

	for _, pattern := range retryablePatterns {
		if strings.Contains(errStr, pattern) {
			return true
		}
	}

	return false
}
