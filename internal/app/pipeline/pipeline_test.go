package pipeline

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"chainreport/internal/app/narrative"
	"chainreport/internal/app/orchestrator"
	"chainreport/internal/app/reportstate"
	"chainreport/internal/app/summary"
	"chainreport/internal/app/timetracker"
	"chainreport/internal/app/validation"
	reportdomain "chainreport/internal/domain/report"
	"chainreport/internal/infra/kv"
	"chainreport/internal/infra/reportstore"
	"chainreport/internal/shared/logging"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type harness struct {
	svc     *Service
	state   *reportstate.Store
	orch    *orchestrator.Orchestrator
	metrics *pipelineMetrics
}

type pipelineMetrics struct {
	mu       sync.Mutex
	statuses []string
}

func (m *pipelineMetrics) RecordPipeline(_ context.Context, status string, _ time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.statuses = append(m.statuses, status)
}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()
	state := reportstate.New(reportstore.NewMemoryStore(), reportstate.WithLogger(logging.Nop()))
	orch := orchestrator.New(state, orchestrator.WithLogger(logging.Nop()), orchestrator.WithTimeout(time.Second))
	tracker := timetracker.New(kv.NewMemoryStore(64), state, timetracker.WithLogger(logging.Nop()))
	metrics := &pipelineMetrics{}
	base := []Option{WithLogger(logging.Nop()), WithTimer(tracker), WithMetrics(metrics)}
	svc := New(state, orch, append(base, opts...)...)
	return &harness{svc: svc, state: state, orch: orch, metrics: metrics}
}

func agentReturning(data map[string]any) orchestrator.AgentFunc {
	return func(context.Context, string, string) (map[string]any, error) { return data, nil }
}

func agentFailing(msg string) orchestrator.AgentFunc {
	return func(context.Context, string, string) (map[string]any, error) { return nil, errors.New(msg) }
}

func TestGenerateCompletesWithPartialSuccess(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.orch.Register("tokenomics", agentReturning(map[string]any{
		"tokenomics":      map[string]any{"supply": 100},
		"tokenomics_data": map[string]any{"distribution_score": 0.9, "utility_score": 0.9},
	})))
	require.NoError(t, h.orch.Register("social", agentFailing("rate limited")))

	report, err := h.svc.Generate(context.Background(), "btc")
	require.NoError(t, err)

	assert.Equal(t, reportdomain.StatusCompleted, report.Status)
	assert.Nil(t, report.ErrorMessage)
	assert.Equal(t, map[string]bool{"social": true}, report.Errors)
	require.NotNil(t, report.GenerationTime)
	assert.GreaterOrEqual(t, *report.GenerationTime, 0.0)

	final := report.FinalReport
	assert.Equal(t, "btc", final["token_id"])
	assert.Equal(t, string(reportdomain.StatusAgentsPartialSuccess), final["agent_status"])
	assert.Equal(t, map[string]any{"social": "rate limited"}, final["agent_errors"])
	sections, ok := final["narrative"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "Tokenomics overview: supply is 100.", sections[narrative.SectionTokenomics])
	sum, ok := final["summary"].(map[string]any)
	require.True(t, ok)
	assert.Contains(t, sum["strengths"], "Tokenomics Strength")
	assert.Contains(t, final, "validation")

	assert.Equal(t, []string{string(reportdomain.StatusCompleted)}, h.metrics.statuses)
}

type schemaFunc func(map[string]any) error

func (f schemaFunc) Check(report map[string]any) error { return f(report) }

func TestRunRecordsReportSchemaResult(t *testing.T) {
	checker, err := validation.DefaultSchemaChecker()
	require.NoError(t, err)
	h := newHarness(t, WithSchemaChecker(checker))
	require.NoError(t, h.orch.Register("tokenomics", agentReturning(map[string]any{
		"tokenomics_data": map[string]any{"distribution_score": 0.4, "utility_score": 0.6},
	})))

	report, err := h.svc.Generate(context.Background(), "btc")
	require.NoError(t, err)
	checks, ok := report.FinalReport["validation"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, validation.Passed, checks["report_schema"])
}

func TestRunSchemaViolationDoesNotFailReport(t *testing.T) {
	h := newHarness(t, WithSchemaChecker(schemaFunc(func(map[string]any) error {
		return errors.New("summary: missing scores")
	})))
	require.NoError(t, h.orch.Register("a", agentReturning(map[string]any{"price": 1.0})))

	report, err := h.svc.Generate(context.Background(), "eth")
	require.NoError(t, err)
	assert.Equal(t, reportdomain.StatusCompleted, report.Status)
	checks := report.FinalReport["validation"].(map[string]any)
	assert.Equal(t, "FAILED: summary: missing scores", checks["report_schema"])
}

func TestRunFailsWhenAllAgentsFail(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.orch.Register("a", agentFailing("x")))
	require.NoError(t, h.orch.Register("b", agentFailing("y")))

	report, err := h.svc.Generate(context.Background(), "eth")
	require.NoError(t, err)
	assert.Equal(t, reportdomain.StatusFailed, report.Status)
	require.NotNil(t, report.ErrorMessage)
	assert.Equal(t, AllAgentsFailedMessage, *report.ErrorMessage)
	assert.Equal(t, map[string]bool{"a": true, "b": true}, report.Errors)
}

func TestRunMarksFailedWhenNarrativeFails(t *testing.T) {
	narrator := narrative.NewEngine(narrative.GeneratorFunc(func(context.Context, string, map[string]any) (string, error) {
		return "", errors.New("model offline")
	}), narrative.WithLogger(logging.Nop()))
	h := newHarness(t, WithNarrator(narrator))
	require.NoError(t, h.orch.Register("a", agentReturning(map[string]any{"tokenomics": map[string]any{"supply": 1}})))

	report, err := h.svc.Generate(context.Background(), "sol")
	assert.ErrorIs(t, err, narrative.ErrAllSectionsFailed)
	assert.Equal(t, reportdomain.StatusFailed, report.Status)
	require.NotNil(t, report.ErrorMessage)
	assert.Contains(t, *report.ErrorMessage, "narrative generation failed")
}

type failingSummarizer struct{}

func (failingSummarizer) Summarize(context.Context, summary.Input) (summary.Summary, error) {
	return summary.Summary{}, errors.New("scoring exploded")
}

func TestRunMarksFailedWhenSummaryFails(t *testing.T) {
	h := newHarness(t, WithSummarizer(failingSummarizer{}))
	require.NoError(t, h.orch.Register("a", agentReturning(map[string]any{"k": "v"})))

	report, err := h.svc.Generate(context.Background(), "ada")
	require.Error(t, err)
	assert.Equal(t, reportdomain.StatusFailed, report.Status)
	assert.Contains(t, *report.ErrorMessage, "scoring exploded")

	stored, err := h.state.Get(context.Background(), report.ReportID)
	require.NoError(t, err)
	assert.Equal(t, reportdomain.StatusFailed, stored.Status)
}

func TestRunStopsWhenReportTimedOutMidway(t *testing.T) {
	var (
		h        *harness
		reportID string
	)
	sweeping := narratorFunc(func(ctx context.Context, _ map[string]any) (map[string]string, error) {
		if _, err := h.state.Finalize(ctx, reportID, nil, reportdomain.StatusTimedOut, reportstate.StalledMessage); err != nil {
			return nil, err
		}
		return map[string]string{narrative.SectionTokenomics: "text"}, nil
	})
	h = newHarness(t, WithNarrator(sweeping))
	require.NoError(t, h.orch.Register("a", agentReturning(map[string]any{"k": "v"})))

	submitted, err := h.svc.Submit(context.Background(), "dot")
	require.NoError(t, err)
	reportID = submitted.ReportID

	_, err = h.svc.Run(context.Background(), reportID, "dot")
	assert.ErrorIs(t, err, reportdomain.ErrTerminal)

	stored, err := h.state.Get(context.Background(), reportID)
	require.NoError(t, err)
	assert.Equal(t, reportdomain.StatusTimedOut, stored.Status)
	assert.Equal(t, reportstate.StalledMessage, *stored.ErrorMessage)
}

type narratorFunc func(ctx context.Context, data map[string]any) (map[string]string, error)

func (f narratorFunc) Generate(ctx context.Context, data map[string]any) (map[string]string, error) {
	return f(ctx, data)
}

func TestRunCancelledKeepsLastCommittedStatus(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	cancelling := narratorFunc(func(ctx context.Context, _ map[string]any) (map[string]string, error) {
		cancel()
		return nil, ctx.Err()
	})
	h := newHarness(t, WithNarrator(cancelling))
	require.NoError(t, h.orch.Register("a", agentReturning(map[string]any{"k": "v"})))

	submitted, err := h.svc.Submit(context.Background(), "btc")
	require.NoError(t, err)

	_, err = h.svc.Run(ctx, submitted.ReportID, "btc")
	assert.ErrorIs(t, err, context.Canceled)

	stored, err := h.state.Get(context.Background(), submitted.ReportID)
	require.NoError(t, err)
	assert.Equal(t, reportdomain.StatusGeneratingNLG, stored.Status)
	assert.Nil(t, stored.ErrorMessage)
	assert.Equal(t, []string{"ABORTED"}, h.metrics.statuses)
}

func TestRunUnknownReportIsSurfaced(t *testing.T) {
	h := newHarness(t)
	_, err := h.svc.Run(context.Background(), "missing", "btc")
	assert.ErrorIs(t, err, reportdomain.ErrNotFound)
}

func TestSubmitRejectsBlankToken(t *testing.T) {
	h := newHarness(t)
	_, err := h.svc.Submit(context.Background(), "   ")
	assert.ErrorIs(t, err, ErrEmptyToken)

	r, err := h.svc.Submit(context.Background(), " btc ")
	require.NoError(t, err)
	assert.Equal(t, "btc", r.TokenID)
	assert.Equal(t, reportdomain.StatusPending, r.Status)
	assert.NotEmpty(t, r.ReportID)
}
