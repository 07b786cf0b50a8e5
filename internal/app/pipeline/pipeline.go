// Package pipeline drives a report from PENDING through agent execution,
// narrative generation and summarization to a terminal status.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"chainreport/internal/app/narrative"
	"chainreport/internal/app/orchestrator"
	"chainreport/internal/app/summary"
	"chainreport/internal/app/validation"
	reportdomain "chainreport/internal/domain/report"
	"chainreport/internal/infra/observability"
	"chainreport/internal/shared/logging"
	"chainreport/internal/shared/utils/id"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// AllAgentsFailedMessage is the error_message of a report whose agents all
// failed.
const AllAgentsFailedMessage = "All agents failed; report cannot be generated"

// ErrEmptyToken is returned by Submit for a blank token id.
var ErrEmptyToken = errors.New("token id is required")

// StateStore is the subset of reportstate.Store the pipeline writes through.
type StateStore interface {
	CreateInitial(ctx context.Context, reportID, tokenID string) (reportdomain.Report, error)
	Get(ctx context.Context, reportID string) (reportdomain.Report, error)
	Transition(ctx context.Context, reportID string, next reportdomain.Status) (reportdomain.Report, error)
	Finalize(ctx context.Context, reportID string, final map[string]any, status reportdomain.Status, errorMessage string) (reportdomain.Report, error)
	SetGenerationTime(ctx context.Context, reportID string, seconds float64) error
}

// Executor runs the agent phase.
type Executor interface {
	Execute(ctx context.Context, reportID, tokenID string) (orchestrator.Execution, error)
}

// Timer measures whole-pipeline duration.
type Timer interface {
	Start(ctx context.Context, reportID string) error
	Finish(ctx context.Context, reportID string) (time.Duration, bool)
}

// Narrator produces section text from merged agent data.
type Narrator interface {
	Generate(ctx context.Context, data map[string]any) (map[string]string, error)
}

// Summarizer builds the summary structure.
type Summarizer interface {
	Summarize(ctx context.Context, in summary.Input) (summary.Summary, error)
}

// SchemaChecker validates a completed final report.
type SchemaChecker interface {
	Check(report map[string]any) error
}

// Metrics receives one sample per finished run.
type Metrics interface {
	RecordPipeline(ctx context.Context, status string, duration time.Duration)
}

// Option customizes a Service.
type Option func(*Service)

func WithTimer(timer Timer) Option {
	return func(s *Service) { s.timer = timer }
}

func WithNarrator(n Narrator) Option {
	return func(s *Service) {
		if n != nil {
			s.narrator = n
		}
	}
}

func WithSummarizer(sum Summarizer) Option {
	return func(s *Service) {
		if sum != nil {
			s.summarizer = sum
		}
	}
}

// WithSchemaChecker checks every completed report. Violations are recorded
// under validation.report_schema and logged; they never fail the report.
func WithSchemaChecker(checker SchemaChecker) Option {
	return func(s *Service) { s.schema = checker }
}

func WithMetrics(m Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

func WithTracer(tracer trace.Tracer) Option {
	return func(s *Service) {
		if tracer != nil {
			s.tracer = tracer
		}
	}
}

func WithLogger(logger logging.Logger) Option {
	return func(s *Service) { s.logger = logging.OrNop(logger) }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// Service wires the pipeline stages together.
type Service struct {
	state      StateStore
	executor   Executor
	timer      Timer
	narrator   Narrator
	summarizer Summarizer
	schema     SchemaChecker
	metrics    Metrics
	tracer     trace.Tracer
	logger     logging.Logger
	now        func() time.Time
}

// New returns a Service. The template narrative engine and default summary
// engine are used unless replaced by options.
func New(state StateStore, executor Executor, opts ...Option) *Service {
	s := &Service{
		state:    state,
		executor: executor,
		tracer:   noop.NewTracerProvider().Tracer("chainreport"),
		logger:   logging.NewComponentLogger("Pipeline"),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.narrator == nil {
		s.narrator = narrative.NewEngine(nil, narrative.WithLogger(s.logger))
	}
	if s.summarizer == nil {
		s.summarizer = summary.NewEngine(s.logger)
	}
	return s
}

// Submit creates a PENDING report for tokenID under a fresh report id.
func (s *Service) Submit(ctx context.Context, tokenID string) (reportdomain.Report, error) {
	tokenID = strings.TrimSpace(tokenID)
	if tokenID == "" {
		return reportdomain.Report{}, ErrEmptyToken
	}
	return s.state.CreateInitial(ctx, id.NewReportID(), tokenID)
}

// Generate submits a report for tokenID and runs it to completion.
func (s *Service) Generate(ctx context.Context, tokenID string) (reportdomain.Report, error) {
	r, err := s.Submit(ctx, tokenID)
	if err != nil {
		return reportdomain.Report{}, err
	}
	return s.Run(ctx, r.ReportID, r.TokenID)
}

// Run drives the report to a terminal status. Stage failures finalize the
// report as FAILED with the cause in error_message. A cancelled ctx leaves
// the report at its last committed status.
func (s *Service) Run(ctx context.Context, reportID, tokenID string) (reportdomain.Report, error) {
	ctx, span := s.tracer.Start(ctx, observability.SpanPipeline,
		trace.WithAttributes(observability.ReportAttrs(reportID, tokenID)...))
	defer span.End()

	if s.timer != nil {
		if err := s.timer.Start(ctx, reportID); err != nil {
			s.logger.Warn("Failed to start timer for report %s: %v", reportID, err)
		}
	}

	report, runErr := s.run(ctx, reportID, tokenID)
	report = s.finish(ctx, reportID, report)

	if runErr != nil {
		span.RecordError(runErr)
		span.SetStatus(codes.Error, runErr.Error())
		return report, runErr
	}
	span.SetAttributes(attribute.String(observability.AttrStatus, string(report.Status)))
	return report, nil
}

func (s *Service) run(ctx context.Context, reportID, tokenID string) (reportdomain.Report, error) {
	exec, err := s.executor.Execute(ctx, reportID, tokenID)
	if err != nil {
		if failable(ctx, err) {
			return s.fail(ctx, reportID, fmt.Sprintf("agent execution failed: %v", err), err)
		}
		return reportdomain.Report{}, err
	}

	failures := failureMessages(exec.Outcomes)
	if exec.Status == reportdomain.StatusAgentsFailed {
		final := map[string]any{
			"report_id":    reportID,
			"token_id":     tokenID,
			"agent_status": string(exec.Status),
			"agent_errors": toAnyMap(failures),
		}
		return s.finalize(ctx, reportID, final, reportdomain.StatusFailed, AllAgentsFailedMessage)
	}

	checks := validation.Validate(validation.Input{
		ReportID: reportID,
		TokenID:  tokenID,
		Outcomes: exec.Outcomes,
		Merged:   exec.Merged,
	})
	if !checks.OK() {
		s.logger.Warn("Validation findings for report %s: %+v", reportID, checks)
	}

	if err := s.advance(ctx, reportID, reportdomain.StatusGeneratingNLG); err != nil {
		return s.stageError(ctx, reportID, "narrative generation", err)
	}
	sections, err := s.stage(ctx, "narrative", func(ctx context.Context) (map[string]string, error) {
		return s.narrator.Generate(ctx, exec.Merged)
	})
	if err != nil {
		return s.stageError(ctx, reportID, "narrative generation", err)
	}
	if err := s.advance(ctx, reportID, reportdomain.StatusNLGCompleted); err != nil {
		return s.stageError(ctx, reportID, "narrative generation", err)
	}

	if err := s.advance(ctx, reportID, reportdomain.StatusGeneratingSummary); err != nil {
		return s.stageError(ctx, reportID, "summary generation", err)
	}
	sum, err := s.summarize(ctx, summary.Input{
		Data:      exec.Merged,
		Sections:  sections,
		Failures:  failures,
		Timestamp: s.now(),
	})
	if err != nil {
		return s.stageError(ctx, reportID, "summary generation", err)
	}
	if err := s.advance(ctx, reportID, reportdomain.StatusSummaryCompleted); err != nil {
		return s.stageError(ctx, reportID, "summary generation", err)
	}

	validationResult := checks.Map()
	final := map[string]any{
		"report_id":    reportID,
		"token_id":     tokenID,
		"agent_status": string(exec.Status),
		"data":         exec.Merged,
		"narrative":    toAnyMap(sections),
		"summary":      sum.Map(),
		"validation":   validationResult,
		"agent_errors": toAnyMap(failures),
	}
	if s.schema != nil {
		if err := s.schema.Check(final); err != nil {
			s.logger.Warn("Report %s does not match the report schema: %v", reportID, err)
			validationResult["report_schema"] = "FAILED: " + err.Error()
		} else {
			validationResult["report_schema"] = validation.Passed
		}
	}
	return s.finalize(ctx, reportID, final, reportdomain.StatusCompleted, "")
}

func (s *Service) stage(ctx context.Context, name string, fn func(context.Context) (map[string]string, error)) (map[string]string, error) {
	ctx, span := s.tracer.Start(ctx, observability.SpanStage,
		trace.WithAttributes(attribute.String(observability.AttrStage, name)))
	defer span.End()
	out, err := fn(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return out, err
}

func (s *Service) summarize(ctx context.Context, in summary.Input) (summary.Summary, error) {
	ctx, span := s.tracer.Start(ctx, observability.SpanStage,
		trace.WithAttributes(attribute.String(observability.AttrStage, "summary")))
	defer span.End()
	out, err := s.summarizer.Summarize(ctx, in)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return out, err
}

// advance transitions to next and fails with ErrTerminal when the report was
// finalized elsewhere, e.g. by the recovery sweep.
func (s *Service) advance(ctx context.Context, reportID string, next reportdomain.Status) error {
	r, err := s.state.Transition(ctx, reportID, next)
	if err != nil {
		return err
	}
	if r.Status != next {
		return fmt.Errorf("%w: report %s is %s", reportdomain.ErrTerminal, reportID, r.Status)
	}
	return nil
}

func (s *Service) stageError(ctx context.Context, reportID, stage string, err error) (reportdomain.Report, error) {
	if !failable(ctx, err) {
		return reportdomain.Report{}, fmt.Errorf("%s for report %s: %w", stage, reportID, err)
	}
	return s.fail(ctx, reportID, fmt.Sprintf("%s failed: %v", stage, err), err)
}

func (s *Service) fail(ctx context.Context, reportID, message string, cause error) (reportdomain.Report, error) {
	s.logger.Error("Report %s failed: %s", reportID, message)
	r, err := s.state.Finalize(ctx, reportID, nil, reportdomain.StatusFailed, message)
	if err != nil && !errors.Is(err, reportdomain.ErrAlreadyFinalized) {
		s.logger.Error("Failed to mark report %s as failed: %v", reportID, err)
		return reportdomain.Report{}, errors.Join(cause, err)
	}
	if err != nil {
		r, _ = s.state.Get(ctx, reportID)
	}
	return r, cause
}

func (s *Service) finalize(ctx context.Context, reportID string, final map[string]any, status reportdomain.Status, message string) (reportdomain.Report, error) {
	r, err := s.state.Finalize(ctx, reportID, final, status, message)
	if err != nil {
		return reportdomain.Report{}, fmt.Errorf("finalize report %s: %w", reportID, err)
	}
	s.logger.Info("Report %s finalized as %s", reportID, status)
	return r, nil
}

// finish stops the timer, records generation_time and emits the run metric.
// It runs even when ctx is cancelled.
func (s *Service) finish(ctx context.Context, reportID string, report reportdomain.Report) reportdomain.Report {
	ctx = context.WithoutCancel(ctx)
	var elapsed time.Duration
	if s.timer != nil {
		d, ok := s.timer.Finish(ctx, reportID)
		if ok {
			elapsed = d
			if err := s.state.SetGenerationTime(ctx, reportID, d.Seconds()); err != nil {
				s.logger.Warn("Failed to record generation time for report %s: %v", reportID, err)
			} else if report.ReportID != "" {
				if latest, err := s.state.Get(ctx, reportID); err == nil {
					report = latest
				}
			}
		}
	}
	if s.metrics != nil {
		status := string(report.Status)
		if status == "" {
			status = "ABORTED"
		}
		s.metrics.RecordPipeline(ctx, status, elapsed)
	}
	return report
}

// failable reports whether err should finalize the report as FAILED. Caller
// cancellation, duplicate execution and already-terminal reports leave the
// stored status alone.
func failable(ctx context.Context, err error) bool {
	if ctx.Err() != nil {
		return false
	}
	switch {
	case errors.Is(err, context.Canceled),
		errors.Is(err, orchestrator.ErrExecutionInFlight),
		errors.Is(err, reportdomain.ErrTerminal),
		errors.Is(err, reportdomain.ErrNotFound),
		errors.Is(err, reportdomain.ErrAlreadyFinalized):
		return false
	}
	return true
}

func failureMessages(outcomes map[string]reportdomain.AgentOutcome) map[string]string {
	failures := make(map[string]string)
	for name, outcome := range outcomes {
		if outcome.Status != reportdomain.OutcomeCompleted {
			failures[name] = outcome.Error
		}
	}
	return failures
}

func toAnyMap(m map[string]string) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
