// Package orchestrator dispatches registered agents concurrently for one
// report, isolates their failures and timeouts, and records the aggregated
// outcome through the report state store.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	reportdomain "chainreport/internal/domain/report"
	"chainreport/internal/infra/observability"
	"chainreport/internal/shared/async"
	"chainreport/internal/shared/config"
	"chainreport/internal/shared/logging"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"golang.org/x/sync/errgroup"
)

// TimeoutMessage is the outcome error for an agent that exceeded its budget.
const TimeoutMessage = "Agent timed out"

var (
	// ErrExecutionInFlight is returned when Execute is already running for the
	// same report in this process.
	ErrExecutionInFlight = errors.New("execution already in flight for report")
	// ErrRegistrationLocked is returned by Register while agents are running.
	ErrRegistrationLocked = errors.New("cannot register agents while an execution is in flight")
	// ErrInvalidAgent is returned for an empty name or nil agent.
	ErrInvalidAgent = errors.New("agent registration requires a name and an agent")
)

// Agent gathers one piece of report content for a token.
type Agent interface {
	Run(ctx context.Context, reportID, tokenID string) (map[string]any, error)
}

// AgentFunc adapts a function to Agent.
type AgentFunc func(ctx context.Context, reportID, tokenID string) (map[string]any, error)

func (f AgentFunc) Run(ctx context.Context, reportID, tokenID string) (map[string]any, error) {
	return f(ctx, reportID, tokenID)
}

// StateWriter is the subset of reportstate.Store the orchestrator writes
// through.
type StateWriter interface {
	Transition(ctx context.Context, reportID string, next reportdomain.Status) (reportdomain.Report, error)
	RecordAgentResults(ctx context.Context, reportID string, status reportdomain.Status, patch reportdomain.Patch) (reportdomain.Report, error)
}

// Metrics receives one sample per settled agent.
type Metrics interface {
	RecordAgentRun(ctx context.Context, agent, status string, duration time.Duration)
}

type registration struct {
	name    string
	agent   Agent
	timeout time.Duration
}

// AgentOption customizes a single registration.
type AgentOption func(*registration)

// AgentTimeout overrides the default per-agent timeout for one agent.
func AgentTimeout(d time.Duration) AgentOption {
	return func(r *registration) {
		if d > 0 {
			r.timeout = d
		}
	}
}

// Option customizes an Orchestrator.
type Option func(*Orchestrator)

// WithTimeout sets the default per-agent timeout.
func WithTimeout(d time.Duration) Option {
	return func(o *Orchestrator) {
		if d > 0 {
			o.timeout = d
		}
	}
}

// WithMaxConcurrency bounds how many agents run at once. Zero means no limit.
func WithMaxConcurrency(n int) Option {
	return func(o *Orchestrator) { o.maxConcurrency = n }
}

func WithLogger(logger logging.Logger) Option {
	return func(o *Orchestrator) { o.logger = logging.OrNop(logger) }
}

func WithMetrics(metrics Metrics) Option {
	return func(o *Orchestrator) { o.metrics = metrics }
}

func WithTracer(tracer trace.Tracer) Option {
	return func(o *Orchestrator) {
		if tracer != nil {
			o.tracer = tracer
		}
	}
}

// WithClock replaces time.Now for duration measurements.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) {
		if now != nil {
			o.now = now
		}
	}
}

// Orchestrator holds an ordered agent registry. Registration order decides
// merge collisions: the agent registered last wins.
type Orchestrator struct {
	state          StateWriter
	timeout        time.Duration
	maxConcurrency int
	logger         logging.Logger
	metrics        Metrics
	tracer         trace.Tracer
	now            func() time.Time

	mu       sync.Mutex
	agents   []registration
	index    map[string]int
	inFlight int
	running  map[string]struct{}
}

// New returns an Orchestrator that records results through state.
func New(state StateWriter, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		state:   state,
		timeout: config.DefaultAgentTimeout,
		logger:  logging.NewComponentLogger("Orchestrator"),
		tracer:  noop.NewTracerProvider().Tracer("chainreport"),
		now:     time.Now,
		index:   make(map[string]int),
		running: make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Register adds agent under name. Re-registering a name replaces the agent in
// place and keeps its original position.
func (o *Orchestrator) Register(name string, agent Agent, opts ...AgentOption) error {
	if name == "" || agent == nil {
		return ErrInvalidAgent
	}
	reg := registration{name: name, agent: agent}
	for _, opt := range opts {
		opt(&reg)
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if o.inFlight > 0 {
		return fmt.Errorf("%w: %s", ErrRegistrationLocked, name)
	}
	if i, ok := o.index[name]; ok {
		o.logger.Info("Replacing agent registration %s", name)
		o.agents[i] = reg
		return nil
	}
	o.index[name] = len(o.agents)
	o.agents = append(o.agents, reg)
	return nil
}

// Names returns the registered agent names in registration order.
func (o *Orchestrator) Names() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	names := make([]string, len(o.agents))
	for i, reg := range o.agents {
		names[i] = reg.name
	}
	return names
}

// ExecuteAll runs every registered agent concurrently and returns exactly one
// outcome per agent. Agent failures, panics and timeouts are recorded as
// failed outcomes and never affect sibling agents.
func (o *Orchestrator) ExecuteAll(ctx context.Context, reportID, tokenID string) map[string]reportdomain.AgentOutcome {
	agents := o.acquire()
	defer o.release()

	results := make([]reportdomain.AgentOutcome, len(agents))
	var g errgroup.Group
	if o.maxConcurrency > 0 {
		g.SetLimit(o.maxConcurrency)
	}
	for i, reg := range agents {
		g.Go(func() error {
			results[i] = o.runAgent(ctx, reg, reportID, tokenID)
			return nil
		})
	}
	_ = g.Wait()

	outcomes := make(map[string]reportdomain.AgentOutcome, len(agents))
	for i, reg := range agents {
		outcomes[reg.name] = results[i]
	}
	return outcomes
}

// Aggregate shallow-merges the data of every completed outcome. Agents are
// visited in registration order so the last registered agent wins a key
// collision; outcomes for unregistered names are merged afterwards in name
// order.
func (o *Orchestrator) Aggregate(outcomes map[string]reportdomain.AgentOutcome) map[string]any {
	return Merge(o.Names(), outcomes)
}

// Merge is Aggregate with an explicit order.
func Merge(order []string, outcomes map[string]reportdomain.AgentOutcome) map[string]any {
	merged := make(map[string]any)
	seen := make(map[string]bool, len(order))
	for _, name := range order {
		seen[name] = true
		if outcome, ok := outcomes[name]; ok && outcome.Status == reportdomain.OutcomeCompleted {
			maps.Copy(merged, outcome.Data)
		}
	}
	for _, name := range slices.Sorted(maps.Keys(outcomes)) {
		if seen[name] {
			continue
		}
		if outcome := outcomes[name]; outcome.Status == reportdomain.OutcomeCompleted {
			maps.Copy(merged, outcome.Data)
		}
	}
	return merged
}

// Execution is the result of one Execute call.
type Execution struct {
	Outcomes map[string]reportdomain.AgentOutcome
	Merged   map[string]any
	Status   reportdomain.Status
	Report   reportdomain.Report
}

// Execute moves the report to RUNNING_AGENTS, runs every agent and writes the
// overall agent status, per-agent output and failure flags in a single
// update. A missing report is returned as an error rather than ignored. A
// cancelled ctx leaves the report at its last committed status.
func (o *Orchestrator) Execute(ctx context.Context, reportID, tokenID string) (Execution, error) {
	if !o.claim(reportID) {
		return Execution{}, fmt.Errorf("%w: %s", ErrExecutionInFlight, reportID)
	}
	defer o.unclaim(reportID)

	ctx, span := o.tracer.Start(ctx, observability.SpanStage,
		trace.WithAttributes(observability.ReportAttrs(reportID, tokenID)...),
		trace.WithAttributes(attribute.String(observability.AttrStage, "agents")))
	defer span.End()

	current, err := o.state.Transition(ctx, reportID, reportdomain.StatusRunningAgents)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return Execution{}, fmt.Errorf("start agents for report %s: %w", reportID, err)
	}
	if current.Status != reportdomain.StatusRunningAgents {
		err := fmt.Errorf("%w: report %s is %s", reportdomain.ErrTerminal, reportID, current.Status)
		span.SetStatus(codes.Error, err.Error())
		return Execution{}, err
	}

	outcomes := o.ExecuteAll(ctx, reportID, tokenID)
	if err := ctx.Err(); err != nil {
		span.SetStatus(codes.Error, "cancelled")
		return Execution{Outcomes: outcomes}, fmt.Errorf("execute agents for report %s: %w", reportID, err)
	}

	status := reportdomain.OverallStatus(outcomes)
	perAgent := make(map[string]any, len(outcomes))
	for name, outcome := range outcomes {
		if outcome.Status == reportdomain.OutcomeCompleted {
			perAgent[name] = outcome.Data
		}
	}
	patch := reportdomain.Patch{
		PartialAgentOutput: perAgent,
		Errors:             reportdomain.FailureFlags(outcomes),
	}

	saved, err := o.state.RecordAgentResults(ctx, reportID, status, patch)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return Execution{Outcomes: outcomes}, fmt.Errorf("record agent results for report %s: %w", reportID, err)
	}

	span.SetAttributes(attribute.String(observability.AttrStatus, string(status)))
	o.logger.Info("Report %s agents settled: %d agent(s), %d failed, status %s",
		reportID, len(outcomes), len(patch.Errors), status)

	return Execution{
		Outcomes: outcomes,
		Merged:   o.Aggregate(outcomes),
		Status:   status,
		Report:   saved,
	}, nil
}

func (o *Orchestrator) runAgent(ctx context.Context, reg registration, reportID, tokenID string) reportdomain.AgentOutcome {
	timeout := reg.timeout
	if timeout <= 0 {
		timeout = o.timeout
	}
	agentCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	agentCtx, span := o.tracer.Start(agentCtx, observability.SpanAgent,
		trace.WithAttributes(observability.ReportAttrs(reportID, tokenID)...),
		trace.WithAttributes(attribute.String(observability.AttrAgent, reg.name)))
	defer span.End()

	started := o.now()
	type result struct {
		data map[string]any
		err  error
	}
	// Buffered so an agent that ignores cancellation can finish later
	// without blocking.
	done := make(chan result, 1)
	go func() {
		var data map[string]any
		err := async.Call(o.logger, "agent."+reg.name, func() error {
			var runErr error
			data, runErr = reg.agent.Run(agentCtx, reportID, tokenID)
			return runErr
		})
		done <- result{data: data, err: err}
	}()

	var outcome reportdomain.AgentOutcome
	select {
	case res := <-done:
		switch {
		case res.err == nil:
			outcome = reportdomain.Completed(res.data)
		case errors.Is(agentCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil:
			outcome = reportdomain.Failed(TimeoutMessage)
		default:
			outcome = reportdomain.Failed(res.err.Error())
		}
	case <-agentCtx.Done():
		if ctx.Err() != nil {
			outcome = reportdomain.Failed(ctx.Err().Error())
		} else {
			outcome = reportdomain.Failed(TimeoutMessage)
		}
	}

	elapsed := o.now().Sub(started)
	if outcome.Status == reportdomain.OutcomeFailed {
		o.logger.Warn("Agent %s failed for report %s after %s: %s", reg.name, reportID, elapsed, outcome.Error)
		span.SetStatus(codes.Error, outcome.Error)
	}
	span.SetAttributes(attribute.String(observability.AttrStatus, string(outcome.Status)))
	if o.metrics != nil {
		o.metrics.RecordAgentRun(ctx, reg.name, string(outcome.Status), elapsed)
	}
	return outcome
}

func (o *Orchestrator) acquire() []registration {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.inFlight++
	return slices.Clone(o.agents)
}

func (o *Orchestrator) release() {
	o.mu.Lock()
	o.inFlight--
	o.mu.Unlock()
}

func (o *Orchestrator) claim(reportID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, busy := o.running[reportID]; busy {
		return false
	}
	o.running[reportID] = struct{}{}
	return true
}

func (o *Orchestrator) unclaim(reportID string) {
	o.mu.Lock()
	delete(o.running, reportID)
	o.mu.Unlock()
}
