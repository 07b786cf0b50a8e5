package observability

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"chainreport/internal/shared/async"
	"chainreport/internal/shared/logging"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/attribute"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

const meterName = "chainreport"

// MetricsCollector records pipeline metrics and exposes them for Prometheus.
// A zero MetricsCollector is valid and records nothing.
type MetricsCollector struct {
	registry *prometheus.Registry
	provider *sdkmetric.MeterProvider

	agentRuns        metric.Int64Counter
	agentDuration    metric.Float64Histogram
	pipelineRuns     metric.Int64Counter
	pipelineDuration metric.Float64Histogram
	rateLimitChecks  metric.Int64Counter
	cacheLookups     metric.Int64Counter
	reportsTimedOut  metric.Int64Counter

	server *http.Server
	logger logging.Logger
}

// NewMetricsCollector wires an OpenTelemetry meter to a private Prometheus
// registry.
func NewMetricsCollector() (*MetricsCollector, error) {
	registry := prometheus.NewRegistry()
	exporter, err := otelprom.New(otelprom.WithRegisterer(registry))
	if err != nil {
		return nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	meter := provider.Meter(meterName)

	m := &MetricsCollector{
		registry: registry,
		provider: provider,
		logger:   logging.NewComponentLogger("Metrics"),
	}

	if m.agentRuns, err = meter.Int64Counter("chainreport.agent.runs",
		metric.WithDescription("Agent executions by agent and outcome")); err != nil {
		return nil, fmt.Errorf("failed to create agent runs counter: %w", err)
	}
	if m.agentDuration, err = meter.Float64Histogram("chainreport.agent.duration",
		metric.WithDescription("Agent execution latency in seconds"),
		metric.WithUnit("s")); err != nil {
		return nil, fmt.Errorf("failed to create agent duration histogram: %w", err)
	}
	if m.pipelineRuns, err = meter.Int64Counter("chainreport.pipeline.runs",
		metric.WithDescription("Report pipeline runs by final status")); err != nil {
		return nil, fmt.Errorf("failed to create pipeline runs counter: %w", err)
	}
	if m.pipelineDuration, err = meter.Float64Histogram("chainreport.pipeline.duration",
		metric.WithDescription("End-to-end report generation time in seconds"),
		metric.WithUnit("s")); err != nil {
		return nil, fmt.Errorf("failed to create pipeline duration histogram: %w", err)
	}
	if m.rateLimitChecks, err = meter.Int64Counter("chainreport.ratelimit.checks",
		metric.WithDescription("Rate limit decisions by service, backend and result")); err != nil {
		return nil, fmt.Errorf("failed to create rate limit counter: %w", err)
	}
	if m.cacheLookups, err = meter.Int64Counter("chainreport.cache.lookups",
		metric.WithDescription("Response cache lookups by result")); err != nil {
		return nil, fmt.Errorf("failed to create cache counter: %w", err)
	}
	if m.reportsTimedOut, err = meter.Int64Counter("chainreport.reports.timed_out",
		metric.WithDescription("Reports moved to TIMED_OUT by the recovery sweep")); err != nil {
		return nil, fmt.Errorf("failed to create sweep counter: %w", err)
	}
	return m, nil
}

// Handler serves the private registry.
func (m *MetricsCollector) Handler() http.Handler {
	if m == nil || m.registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// StartServer exposes /metrics on addr in the background.
func (m *MetricsCollector) StartServer(addr string) {
	if m == nil || addr == "" {
		return
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	m.server = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	async.Go(m.logger, "observability.prometheus", func() {
		m.logger.Info("Prometheus metrics server listening on %s", addr)
		if err := m.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			m.logger.Error("Prometheus server error: %v", err)
		}
	})
}

// Shutdown stops the metrics server and flushes the meter provider.
func (m *MetricsCollector) Shutdown(ctx context.Context) error {
	if m == nil {
		return nil
	}
	var errs []error
	if m.server != nil {
		errs = append(errs, m.server.Shutdown(ctx))
	}
	if m.provider != nil {
		errs = append(errs, m.provider.Shutdown(ctx))
	}
	return errors.Join(errs...)
}

// RecordAgentRun records one settled agent execution.
func (m *MetricsCollector) RecordAgentRun(ctx context.Context, agent, status string, duration time.Duration) {
	if m == nil || m.agentRuns == nil {
		return
	}
	m.agentRuns.Add(ctx, 1, metric.WithAttributes(
		attribute.String("agent", agent),
		attribute.String("status", status),
	))
	m.agentDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attribute.String("agent", agent)))
}

// RecordPipeline records one finished report pipeline.
func (m *MetricsCollector) RecordPipeline(ctx context.Context, status string, duration time.Duration) {
	if m == nil || m.pipelineRuns == nil {
		return
	}
	m.pipelineRuns.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
	if duration > 0 {
		m.pipelineDuration.Record(ctx, duration.Seconds())
	}
}

// RecordSweep records how many reports a recovery sweep timed out.
func (m *MetricsCollector) RecordSweep(ctx context.Context, changed int) {
	if m == nil || m.reportsTimedOut == nil || changed <= 0 {
		return
	}
	m.reportsTimedOut.Add(ctx, int64(changed))
}

// ObserveRateLimit satisfies ratelimit.Observer.
func (m *MetricsCollector) ObserveRateLimit(service string, allowed bool, backend string) {
	if m == nil || m.rateLimitChecks == nil {
		return
	}
	result := "allowed"
	if !allowed {
		result = "denied"
	}
	m.rateLimitChecks.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("service", service),
		attribute.String("backend", backend),
		attribute.String("result", result),
	))
}

// ObserveCache satisfies cache.Observer.
func (m *MetricsCollector) ObserveCache(hit bool) {
	if m == nil || m.cacheLookups == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.cacheLookups.Add(context.Background(), 1, metric.WithAttributes(attribute.String("result", result)))
}
