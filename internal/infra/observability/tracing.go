package observability

import (
	"context"
	"fmt"

	"chainreport/internal/shared/config"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/zipkin"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

const tracerName = "chainreport"

// Span names
const (
	SpanPipeline = "chainreport.pipeline.run"
	SpanAgent    = "chainreport.agent.run"
	SpanStage    = "chainreport.pipeline.stage"
)

// Attribute keys
const (
	AttrReportID = "chainreport.report_id"
	AttrTokenID  = "chainreport.token_id"
	AttrAgent    = "chainreport.agent"
	AttrStage    = "chainreport.stage"
	AttrStatus   = "chainreport.status"
)

// TracerProvider wraps the OpenTelemetry tracer provider.
type TracerProvider struct {
	provider *sdktrace.TracerProvider
	tracer   trace.Tracer
}

// TracerOption customizes NewTracerProvider.
type TracerOption func(*tracerOptions)

type tracerOptions struct {
	exporter sdktrace.SpanExporter
	sync     bool
}

// WithSpanExporter bypasses the configured exporter, e.g. for an in-memory
// exporter in tests. Spans are exported synchronously.
func WithSpanExporter(exporter sdktrace.SpanExporter) TracerOption {
	return func(o *tracerOptions) {
		o.exporter = exporter
		o.sync = true
	}
}

// NewTracerProvider builds a provider for cfg. An empty or "none" exporter
// yields a no-op tracer.
func NewTracerProvider(ctx context.Context, serviceName string, cfg config.TracingConfig, opts ...TracerOption) (*TracerProvider, error) {
	var options tracerOptions
	for _, opt := range opts {
		opt(&options)
	}
	if serviceName == "" {
		serviceName = config.DefaultServiceName
	}

	exporter := options.exporter
	if exporter == nil {
		var err error
		switch cfg.Exporter {
		case "", "none":
			return &TracerProvider{tracer: noop.NewTracerProvider().Tracer(tracerName)}, nil
		case "otlp":
			endpoint := cfg.Endpoint
			if endpoint == "" {
				endpoint = "localhost:4318"
			}
			httpOpts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(endpoint)}
			if cfg.Insecure {
				httpOpts = append(httpOpts, otlptracehttp.WithInsecure())
			}
			exporter, err = otlptracehttp.New(ctx, httpOpts...)
		case "zipkin":
			endpoint := cfg.Endpoint
			if endpoint == "" {
				endpoint = "http://localhost:9411/api/v2/spans"
			}
			exporter, err = zipkin.New(endpoint)
		default:
			return nil, fmt.Errorf("unsupported exporter: %s", cfg.Exporter)
		}
		if err != nil {
			return nil, fmt.Errorf("failed to create exporter: %w", err)
		}
	}

	ratio := cfg.SampleRatio
	if ratio <= 0 || ratio > 1 {
		ratio = 1
	}

	spanProcessor := sdktrace.WithBatcher(exporter)
	if options.sync {
		spanProcessor = sdktrace.WithSyncer(exporter)
	}
	provider := sdktrace.NewTracerProvider(
		spanProcessor,
		sdktrace.WithResource(resource.NewSchemaless(attribute.String("service.name", serviceName))),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(ratio))),
	)
	if options.exporter == nil {
		otel.SetTracerProvider(provider)
	}

	return &TracerProvider{
		provider: provider,
		tracer:   provider.Tracer(tracerName),
	}, nil
}

// Tracer returns the tracer; never nil.
func (tp *TracerProvider) Tracer() trace.Tracer {
	if tp == nil || tp.tracer == nil {
		return noop.NewTracerProvider().Tracer(tracerName)
	}
	return tp.tracer
}

// Shutdown flushes pending spans.
func (tp *TracerProvider) Shutdown(ctx context.Context) error {
	if tp != nil && tp.provider != nil {
		return tp.provider.Shutdown(ctx)
	}
	return nil
}

// ReportAttrs returns the attributes identifying a report run.
func ReportAttrs(reportID, tokenID string) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(AttrReportID, reportID),
		attribute.String(AttrTokenID, tokenID),
	}
}
