package sweeper

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"chainreport/internal/app/reportstate"
	reportdomain "chainreport/internal/domain/report"
	"chainreport/internal/infra/reportstore"
	"chainreport/internal/shared/config"
	"chainreport/internal/shared/logging"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingRecoverer struct {
	calls   atomic.Int32
	timeout atomic.Int32
	changed int
	err     error
}

func (r *countingRecoverer) RecoverStalled(_ context.Context, timeoutMinutes int) (int, error) {
	r.calls.Add(1)
	r.timeout.Store(int32(timeoutMinutes))
	return r.changed, r.err
}

type sweepMetrics struct {
	mu    sync.Mutex
	total int
}

func (m *sweepMetrics) RecordSweep(_ context.Context, changed int) {
	m.mu.Lock()
	m.total += changed
	m.mu.Unlock()
}

func TestRunOnceTimesOutStalledReports(t *testing.T) {
	now := time.Date(2025, 7, 1, 8, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	state := reportstate.New(reportstore.NewMemoryStore(), reportstate.WithClock(clock), reportstate.WithLogger(logging.Nop()))
	ctx := context.Background()

	for _, id := range []string{"stalled", "fresh", "pending"} {
		_, err := state.CreateInitial(ctx, id, "btc")
		require.NoError(t, err)
	}
	_, err := state.Transition(ctx, "stalled", reportdomain.StatusRunningAgents)
	require.NoError(t, err)
	now = now.Add(45 * time.Minute)
	_, err = state.Transition(ctx, "fresh", reportdomain.StatusRunningAgents)
	require.NoError(t, err)

	metrics := &sweepMetrics{}
	s := New(state, config.SweepConfig{TimeoutMinutes: 30}, WithLogger(logging.Nop()), WithMetrics(metrics))
	changed, err := s.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, changed)
	assert.Equal(t, 1, metrics.total)

	stalled, err := state.Get(ctx, "stalled")
	require.NoError(t, err)
	assert.Equal(t, reportdomain.StatusTimedOut, stalled.Status)
	fresh, err := state.Get(ctx, "fresh")
	require.NoError(t, err)
	assert.Equal(t, reportdomain.StatusRunningAgents, fresh.Status)
	pending, err := state.Get(ctx, "pending")
	require.NoError(t, err)
	assert.Equal(t, reportdomain.StatusPending, pending.Status)
}

func TestRunOnceReturnsRecovererError(t *testing.T) {
	rec := &countingRecoverer{err: errors.New("db down")}
	s := New(rec, config.SweepConfig{}, WithLogger(logging.Nop()))

	_, err := s.RunOnce(context.Background())
	assert.EqualError(t, err, "db down")
	assert.Equal(t, int32(config.DefaultSweepTimeoutMinutes), rec.timeout.Load())
}

func TestStartRunsOnSchedule(t *testing.T) {
	rec := &countingRecoverer{}
	s := New(rec, config.SweepConfig{Schedule: "@every 1s", TimeoutMinutes: 5}, WithLogger(logging.Nop()))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, s.Start(ctx))
	require.NoError(t, s.Start(ctx))

	assert.Eventually(t, func() bool { return rec.calls.Load() >= 1 }, 5*time.Second, 50*time.Millisecond)

	drainCtx, drainCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer drainCancel()
	require.NoError(t, s.Drain(drainCtx))
	s.Stop()

	select {
	case <-s.Done():
	default:
		t.Fatal("sweeper not stopped")
	}
}

func TestStartStopsWithContext(t *testing.T) {
	s := New(&countingRecoverer{}, config.SweepConfig{Schedule: "*/5 * * * *"}, WithLogger(logging.Nop()))
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, s.Start(ctx))
	cancel()

	select {
	case <-s.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("sweeper did not stop after context cancellation")
	}
}

func TestStartRejectsBadSchedule(t *testing.T) {
	s := New(&countingRecoverer{}, config.SweepConfig{Schedule: "not a schedule"}, WithLogger(logging.Nop()))
	assert.Error(t, s.Start(context.Background()))
}
