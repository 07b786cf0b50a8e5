package observability

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"chainreport/internal/shared/config"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func scrape(t *testing.T, m *MetricsCollector) string {
	t.Helper()
	srv := httptest.NewServer(m.Handler())
	defer srv.Close()
	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return string(body)
}

func TestMetricsAreExposedForPrometheus(t *testing.T) {
	m, err := NewMetricsCollector()
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Shutdown(context.Background()) })

	ctx := context.Background()
	m.RecordAgentRun(ctx, "market", "completed", 150*time.Millisecond)
	m.RecordAgentRun(ctx, "social", "failed", time.Second)
	m.RecordPipeline(ctx, "COMPLETED", 3*time.Second)
	m.RecordSweep(ctx, 2)
	m.ObserveRateLimit("coingecko", false, "redis")
	m.ObserveCache(true)

	body := scrape(t, m)
	assert.Contains(t, body, "chainreport_agent_runs_total")
	assert.Contains(t, body, `agent="market"`)
	assert.Contains(t, body, "chainreport_pipeline_runs_total")
	assert.Contains(t, body, "chainreport_reports_timed_out_total")
	assert.Contains(t, body, "chainreport_ratelimit_checks_total")
	assert.Contains(t, body, `result="denied"`)
	assert.Contains(t, body, "chainreport_cache_lookups_total")
}

func TestNilCollectorIsSafe(t *testing.T) {
	var m *MetricsCollector
	m.RecordAgentRun(context.Background(), "a", "completed", time.Second)
	m.ObserveCache(false)
	m.ObserveRateLimit("s", true, "memory")
	assert.NoError(t, m.Shutdown(context.Background()))

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestTracerProviderDefaultsToNoop(t *testing.T) {
	tp, err := NewTracerProvider(context.Background(), "", config.TracingConfig{})
	require.NoError(t, err)
	_, span := tp.Tracer().Start(context.Background(), SpanPipeline)
	assert.False(t, span.SpanContext().IsValid())
	span.End()
	assert.NoError(t, tp.Shutdown(context.Background()))
}

func TestTracerProviderRejectsUnknownExporter(t *testing.T) {
	_, err := NewTracerProvider(context.Background(), "svc", config.TracingConfig{Exporter: "carrier-pigeon"})
	assert.Error(t, err)
}

func TestTracerProviderExportsSpans(t *testing.T) {
	exporter := tracetest.NewInMemoryExporter()
	tp, err := NewTracerProvider(context.Background(), "svc", config.TracingConfig{}, WithSpanExporter(exporter))
	require.NoError(t, err)

	_, span := tp.Tracer().Start(context.Background(), SpanAgent)
	span.SetAttributes(ReportAttrs("r1", "btc")...)
	span.End()

	spans := exporter.GetSpans()
	require.Len(t, spans, 1)
	assert.Equal(t, SpanAgent, spans[0].Name)
	require.NoError(t, tp.Shutdown(context.Background()))
}
