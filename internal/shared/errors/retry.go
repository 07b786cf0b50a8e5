package errors

import (
	"context"
	"fmt"
	"time"

	"chainreport/internal/shared/logging"

	backoff "github.com/cenkalti/backoff/v4"
)

// RetryPolicy wraps a single external call with bounded exponential backoff.
// It is a plain value: build one at startup and apply it at call sites.
type RetryPolicy struct {
	// MaxRetries is the total number of attempts, including the first one.
	MaxRetries int
	// MinDelay is the backoff before the second attempt.
	MinDelay time.Duration
	// MaxDelay caps every computed backoff.
	MaxDelay time.Duration
	// Multiplier grows the delay between consecutive attempts.
	Multiplier float64
	// Retryable decides whether a failure may be retried. Defaults to IsRetryable.
	Retryable func(error) bool
	// Logger receives one line per retry with the attempt number and backoff.
	Logger logging.Logger
	// OnRetry is an optional hook invoked before sleeping.
	OnRetry func(attempt int, delay time.Duration, err error)

	sleep func(ctx context.Context, d time.Duration) error
}

// DefaultRetryPolicy returns sensible defaults
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries: 3,
		MinDelay:   1 * time.Second,
		MaxDelay:   10 * time.Second,
		Multiplier: 2,
	}
}

// RetryStats tracks retry statistics
type RetryStats struct {
	Attempts   int
	TotalDelay time.Duration
	Delays     []time.Duration
}

func (p RetryPolicy) normalized() RetryPolicy {
	if p.MaxRetries <= 0 {
		p.MaxRetries = 1
	}
	if p.MinDelay < 0 {
		p.MinDelay = 0
	}
	if p.MaxDelay <= 0 || p.MaxDelay < p.MinDelay {
		p.MaxDelay = p.MinDelay
	}
	if p.Multiplier < 1 {
		p.Multiplier = 2
	}
	if p.Retryable == nil {
		p.Retryable = IsRetryable
	}
	p.Logger = logging.OrNop(p.Logger)
	if p.sleep == nil {
		p.sleep = sleepContext
	}
	return p
}

func (p RetryPolicy) newBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.MinDelay
	b.MaxInterval = p.MaxDelay
	b.Multiplier = p.Multiplier
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// Delays returns the backoff sequence the policy would apply between its
// attempts, which is useful for logging configuration at startup.
func (p RetryPolicy) Delays() []time.Duration {
	p = p.normalized()
	b := p.newBackOff()
	out := make([]time.Duration, 0, p.MaxRetries-1)
	for i := 1; i < p.MaxRetries; i++ {
		out = append(out, b.NextBackOff())
	}
	return out
}

// Do executes fn under the policy.
func (p RetryPolicy) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	_, _, err := ExecuteWithStats(ctx, p, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// Execute runs fn under the policy and returns its result.
func Execute[T any](ctx context.Context, p RetryPolicy, fn func(ctx context.Context) (T, error)) (T, error) {
	result, _, err := ExecuteWithStats(ctx, p, fn)
	return result, err
}

// ExecuteWithStats runs fn under the policy and reports how many attempts
// were made. Non-retryable failures are returned unchanged; exhausted retries
// wrap the last failure so errors.Is/As still match it.
func ExecuteWithStats[T any](ctx context.Context, p RetryPolicy, fn func(ctx context.Context) (T, error)) (T, RetryStats, error) {
	p = p.normalized()
	b := p.newBackOff()

	var (
		zero    T
		stats   RetryStats
		lastErr error
	)

	for attempt := 1; attempt <= p.MaxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			if lastErr != nil {
				return zero, stats, fmt.Errorf("retry aborted after %d attempts: %w", stats.Attempts, lastErr)
			}
			return zero, stats, err
		}

		stats.Attempts = attempt
		result, err := fn(ctx)
		if err == nil {
			if attempt > 1 {
				p.Logger.Info("Retry succeeded on attempt %d/%d", attempt, p.MaxRetries)
			}
			return result, stats, nil
		}
		lastErr = err

		if !p.Retryable(err) {
			p.Logger.Debug("Attempt %d/%d failed with non-retryable error: %v", attempt, p.MaxRetries, err)
			return zero, stats, err
		}

		if attempt == p.MaxRetries {
			p.Logger.Warn("Max retries (%d) exhausted: %v", p.MaxRetries, err)
			break
		}

		delay := b.NextBackOff()
		p.Logger.Warn("Attempt %d/%d failed: %v; retrying in %s", attempt, p.MaxRetries, err, delay)
		if p.OnRetry != nil {
			p.OnRetry(attempt, delay, err)
		}

		if err := p.sleep(ctx, delay); err != nil {
			return zero, stats, fmt.Errorf("retry aborted after %d attempts: %w", stats.Attempts, lastErr)
		}
		stats.Delays = append(stats.Delays, delay)
		stats.TotalDelay += delay
	}

	return zero, stats, fmt.Errorf("retry exhausted after %d attempts: %w", stats.Attempts, lastErr)
}

func sleepContext(ctx context.Context, d time.Duration) error {
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
