package errors

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func instantPolicy(maxRetries int) RetryPolicy {
	p := RetryPolicy{
		MaxRetries: maxRetries,
		MinDelay:   10 * time.Millisecond,
		MaxDelay:   40 * time.Millisecond,
		Multiplier: 2,
	}
	p.sleep = func(ctx context.Context, d time.Duration) error { return ctx.Err() }
	return p
}

func TestExecuteSucceedsAfterTransientFailures(t *testing.T) {
	p := instantPolicy(4)
	calls := 0
	result, stats, err := ExecuteWithStats(context.Background(), p, func(ctx context.Context) (string, error) {
		calls++
		if calls <= 2 {
			return "", NewTransientError(errors.New("flaky"), "")
		}
		return "ok", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "ok", result)
	assert.Equal(t, 3, calls)
	assert.Equal(t, 3, stats.Attempts)
	assert.Equal(t, []time.Duration{10 * time.Millisecond, 20 * time.Millisecond}, stats.Delays)
}

func TestExecuteReturnsLastFailureWhenExhausted(t *testing.T) {
	p := instantPolicy(3)
	calls := 0
	var last error
	_, stats, err := ExecuteWithStats(context.Background(), p, func(ctx context.Context) (int, error) {
		calls++
		last = &HTTPStatusError{StatusCode: 500 + calls}
		return 0, last
	})
	require.Error(t, err)
	assert.Equal(t, 3, calls)
	assert.Equal(t, 3, stats.Attempts)
	assert.ErrorIs(t, err, last)

	var statusErr *HTTPStatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, 503, statusErr.StatusCode)
}

func TestExecuteDoesNotRetryPermanentFailures(t *testing.T) {
	p := instantPolicy(5)
	calls := 0
	permanent := &HTTPStatusError{StatusCode: 404}
	_, err := Execute(context.Background(), p, func(ctx context.Context) (int, error) {
		calls++
		return 0, permanent
	})
	assert.Equal(t, 1, calls)
	assert.Same(t, permanent, err)
}

func TestExecuteHonoursCustomClassifier(t *testing.T) {
	p := instantPolicy(3)
	p.Retryable = func(error) bool { return true }
	calls := 0
	err := p.Do(context.Background(), func(ctx context.Context) error {
		calls++
		return errors.New("anything")
	})
	require.Error(t, err)
	assert.Equal(t, 3, calls)
}

func TestExecuteSingleAttemptWhenMaxRetriesIsOne(t *testing.T) {
	p := instantPolicy(1)
	calls := 0
	_, err := Execute(context.Background(), p, func(ctx context.Context) (int, error) {
		calls++
		return 0, NewTransientError(errors.New("x"), "")
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestExecuteStopsOnCancelledContext(t *testing.T) {
	p := instantPolicy(5)
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	_, err := Execute(ctx, p, func(ctx context.Context) (int, error) {
		calls++
		cancel()
		return 0, NewTransientError(errors.New("x"), "")
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestDelaysAreCapped(t *testing.T) {
	p := RetryPolicy{MaxRetries: 6, MinDelay: time.Second, MaxDelay: 5 * time.Second, Multiplier: 2}
	assert.Equal(t, []time.Duration{
		time.Second,
		2 * time.Second,
		4 * time.Second,
		5 * time.Second,
		5 * time.Second,
	}, p.Delays())
}

func TestOnRetryHookReceivesAttempts(t *testing.T) {
	p := instantPolicy(3)
	var attempts []int
	p.OnRetry = func(attempt int, delay time.Duration, err error) {
		attempts = append(attempts, attempt)
	}
	_ = p.Do(context.Background(), func(ctx context.Context) error {
		return NewTransientError(errors.New("x"), "")
	})
	assert.Equal(t, []int{1, 2}, attempts)
}
