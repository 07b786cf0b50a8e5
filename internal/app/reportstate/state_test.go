package reportstate

import (
	"context"
	"sync"
	"testing"
	"time"

	reportdomain "chainreport/internal/domain/report"
	"chainreport/internal/infra/reportstore"
	"chainreport/internal/shared/logging"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestStore(t *testing.T) (*Store, *fakeClock) {
	t.Helper()
	clock := &fakeClock{now: time.Date(2025, 5, 1, 9, 0, 0, 0, time.UTC)}
	return New(reportstore.NewMemoryStore(), WithClock(clock.Now), WithLogger(logging.Nop())), clock
}

func TestCreateInitialIsIdempotent(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	first, err := s.CreateInitial(ctx, "r1", "btc")
	require.NoError(t, err)
	assert.Equal(t, reportdomain.StatusPending, first.Status)

	_, err = s.Transition(ctx, "r1", reportdomain.StatusRunningAgents)
	require.NoError(t, err)

	second, err := s.CreateInitial(ctx, "r1", "btc")
	require.NoError(t, err)
	assert.Equal(t, reportdomain.StatusRunningAgents, second.Status)
}

func TestTransitionRefreshesUpdatedAt(t *testing.T) {
	s, clock := newTestStore(t)
	ctx := context.Background()
	created, err := s.CreateInitial(ctx, "r1", "btc")
	require.NoError(t, err)

	clock.Advance(time.Minute)
	moved, err := s.Transition(ctx, "r1", reportdomain.StatusRunningAgents)
	require.NoError(t, err)
	assert.Equal(t, reportdomain.StatusRunningAgents, moved.Status)
	assert.True(t, moved.UpdatedAt.After(created.UpdatedAt))
}

func TestTransitionRejectsIllegalMoves(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	_, err := s.CreateInitial(ctx, "r1", "btc")
	require.NoError(t, err)

	_, err = s.Transition(ctx, "r1", reportdomain.StatusGeneratingSummary)
	assert.ErrorIs(t, err, reportdomain.ErrInvalidTransition)

	got, err := s.Get(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, reportdomain.StatusPending, got.Status)
}

func TestTransitionOnMissingReportFails(t *testing.T) {
	s, _ := newTestStore(t)
	_, err := s.Transition(context.Background(), "nope", reportdomain.StatusRunningAgents)
	assert.ErrorIs(t, err, reportdomain.ErrNotFound)

	_, err = s.MergePartial(context.Background(), "nope", reportdomain.Patch{Errors: map[string]bool{"a": true}})
	assert.ErrorIs(t, err, reportdomain.ErrNotFound)
}

func TestTerminalStatusNeverRegresses(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	_, err := s.CreateInitial(ctx, "r1", "btc")
	require.NoError(t, err)
	_, err = s.Transition(ctx, "r1", reportdomain.StatusRunningAgents)
	require.NoError(t, err)
	_, err = s.Finalize(ctx, "r1", map[string]any{"a": 1}, reportdomain.StatusFailed, "boom")
	require.NoError(t, err)

	for _, next := range reportdomain.AllStatuses {
		got, err := s.Transition(ctx, "r1", next)
		require.NoError(t, err)
		assert.Equal(t, reportdomain.StatusFailed, got.Status)
	}

	got, err := s.MergePartial(ctx, "r1", reportdomain.Patch{PartialAgentOutput: map[string]any{"late": true}})
	require.NoError(t, err)
	assert.Equal(t, reportdomain.StatusFailed, got.Status)
	assert.Equal(t, true, got.PartialAgentOutput["late"])

	_, err = s.Finalize(ctx, "r1", map[string]any{"b": 2}, reportdomain.StatusCompleted, "")
	assert.ErrorIs(t, err, reportdomain.ErrAlreadyFinalized)

	got, err = s.Get(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"a": 1}, got.FinalReport)
	require.NotNil(t, got.ErrorMessage)
	assert.Equal(t, "boom", *got.ErrorMessage)
}

func TestFinalizeRequiresTerminalStatus(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	_, err := s.CreateInitial(ctx, "r1", "btc")
	require.NoError(t, err)

	_, err = s.Finalize(ctx, "r1", nil, reportdomain.StatusNLGCompleted, "")
	assert.ErrorIs(t, err, reportdomain.ErrNotTerminal)

	_, err = s.Finalize(ctx, "r1", nil, reportdomain.StatusCompleted, "")
	assert.ErrorIs(t, err, reportdomain.ErrInvalidTransition, "COMPLETED is only reachable from SUMMARY_COMPLETED")
}

func TestMergePartialDoesNotClobber(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	_, err := s.CreateInitial(ctx, "r1", "btc")
	require.NoError(t, err)

	_, err = s.MergePartial(ctx, "r1", reportdomain.Patch{PartialAgentOutput: map[string]any{"x": 1}})
	require.NoError(t, err)
	_, err = s.MergePartial(ctx, "r1", reportdomain.Patch{Errors: map[string]bool{"b": true}})
	require.NoError(t, err)
	require.NoError(t, s.AppendTimingAlert(ctx, "r1", reportdomain.TimingAlert{Message: "slow", Threshold: 300}))
	require.NoError(t, s.SetGenerationTime(ctx, "r1", 7.25))

	got, err := s.Get(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"x": 1}, got.PartialAgentOutput)
	assert.Equal(t, map[string]bool{"b": true}, got.Errors)
	assert.Len(t, got.TimingAlerts, 1)
	require.NotNil(t, got.GenerationTime)
	assert.Equal(t, 7.25, *got.GenerationTime)
}

func TestRecordAgentResultsSingleWrite(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	_, err := s.CreateInitial(ctx, "r1", "btc")
	require.NoError(t, err)
	_, err = s.Transition(ctx, "r1", reportdomain.StatusRunningAgents)
	require.NoError(t, err)

	got, err := s.RecordAgentResults(ctx, "r1", reportdomain.StatusAgentsPartialSuccess, reportdomain.Patch{
		PartialAgentOutput: map[string]any{"x": 1, "y": 2},
		Errors:             map[string]bool{"B": true},
	})
	require.NoError(t, err)
	assert.Equal(t, reportdomain.StatusAgentsPartialSuccess, got.Status)
	assert.Equal(t, map[string]bool{"B": true}, got.Errors)

	_, err = s.RecordAgentResults(ctx, "missing", reportdomain.StatusAgentsCompleted, reportdomain.Patch{})
	assert.ErrorIs(t, err, reportdomain.ErrNotFound)
}

func TestRecordAgentResultsKeepsTerminalStatus(t *testing.T) {
	s, clock := newTestStore(t)
	ctx := context.Background()
	_, err := s.CreateInitial(ctx, "r1", "btc")
	require.NoError(t, err)
	_, err = s.Transition(ctx, "r1", reportdomain.StatusRunningAgents)
	require.NoError(t, err)

	clock.Advance(time.Hour)
	changed, err := s.RecoverStalled(ctx, 30)
	require.NoError(t, err)
	require.Equal(t, 1, changed)

	got, err := s.RecordAgentResults(ctx, "r1", reportdomain.StatusAgentsCompleted, reportdomain.Patch{
		PartialAgentOutput: map[string]any{"x": 1},
	})
	require.NoError(t, err)
	assert.Equal(t, reportdomain.StatusTimedOut, got.Status)
	assert.Equal(t, 1, got.PartialAgentOutput["x"])
}

func TestRecoverStalledChangesExactlyStaleInProgressReports(t *testing.T) {
	s, clock := newTestStore(t)
	ctx := context.Background()

	mk := func(id string, path ...reportdomain.Status) {
		t.Helper()
		_, err := s.CreateInitial(ctx, id, "tok")
		require.NoError(t, err)
		for _, st := range path {
			_, err := s.Transition(ctx, id, st)
			require.NoError(t, err)
		}
	}

	mk("pending")
	mk("running", reportdomain.StatusRunningAgents)
	mk("nlg", reportdomain.StatusRunningAgents, reportdomain.StatusAgentsCompleted, reportdomain.StatusGeneratingNLG)
	mk("summary", reportdomain.StatusRunningAgents, reportdomain.StatusAgentsCompleted, reportdomain.StatusGeneratingNLG,
		reportdomain.StatusNLGCompleted, reportdomain.StatusGeneratingSummary)
	mk("nlg-done", reportdomain.StatusRunningAgents, reportdomain.StatusAgentsCompleted, reportdomain.StatusGeneratingNLG,
		reportdomain.StatusNLGCompleted)
	mk("failed", reportdomain.StatusRunningAgents)
	_, err := s.Finalize(ctx, "failed", nil, reportdomain.StatusFailed, "x")
	require.NoError(t, err)

	clock.Advance(31 * time.Minute)
	mk("fresh", reportdomain.StatusRunningAgents)

	changed, err := s.RecoverStalled(ctx, 30)
	require.NoError(t, err)
	assert.Equal(t, 3, changed)

	want := map[string]reportdomain.Status{
		"pending":  reportdomain.StatusPending,
		"running":  reportdomain.StatusTimedOut,
		"nlg":      reportdomain.StatusTimedOut,
		"summary":  reportdomain.StatusTimedOut,
		"nlg-done": reportdomain.StatusNLGCompleted,
		"failed":   reportdomain.StatusFailed,
		"fresh":    reportdomain.StatusRunningAgents,
	}
	for id, status := range want {
		got, err := s.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, status, got.Status, id)
	}

	timedOut, err := s.Get(ctx, "running")
	require.NoError(t, err)
	require.NotNil(t, timedOut.ErrorMessage)
	assert.Equal(t, StalledMessage, *timedOut.ErrorMessage)

	again, err := s.RecoverStalled(ctx, 30)
	require.NoError(t, err)
	assert.Zero(t, again)
}

func TestRecoverStalledRejectsNonPositiveTimeout(t *testing.T) {
	s, _ := newTestStore(t)
	_, err := s.RecoverStalled(context.Background(), 0)
	assert.Error(t, err)
}
