// Package telemetry wires OpenTelemetry tracing and metrics for runs, worker
// tasks and provider calls. When disabled every instrument is a no-op.
package telemetry

import (
	"context"
	"fmt"

	"github.com/mtzanidakis/sitescope/internal/config"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"
)

const scopeName = "sitescope"

// Provider bundles the tracer, meter and instruments used across the service.
type Provider struct {
	Tracer  trace.Tracer
	Meter   metric.Meter
	Metrics *Metrics

	shutdown func(context.Context) error
}

// Noop returns a provider whose spans and instruments discard everything.
func Noop() *Provider {
	meter := noop.NewMeterProvider().Meter(scopeName)
	m, _ := NewMetrics(meter) // noop instruments never fail
	return &Provider{
		Tracer:   nooptrace.NewTracerProvider().Tracer(scopeName),
		Meter:    meter,
		Metrics:  m,
		shutdown: func(context.Context) error { return nil },
	}
}

// OrNoop returns p, or a no-op provider when p is nil.
func OrNoop(p *Provider) *Provider {
	if p == nil {
		return Noop()
	}
	return p
}

// Init sets up tracing and metrics from config. The returned provider must
// be shut down on exit.
func Init(ctx context.Context, cfg config.TelemetryConfig) (*Provider, error) {
	if !cfg.Enabled {
		return Noop(), nil
	}

	serviceName := cfg.ServiceName
	if serviceName == "" {
		serviceName = scopeName
	}
	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(serviceName),
			attribute.String("sitescope.component", "dispatcher"),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("create resource: %w", err)
	}

	exporter, err := newExporter(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create exporter: %w", err)
	}

	sampleRate := cfg.SampleRate
	if sampleRate <= 0 {
		sampleRate = 1.0
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(sampleRate))),
	)
	otel.SetTracerProvider(tp)

	mp := sdkmetric.NewMeterProvider(sdkmetric.WithResource(res))
	meter := mp.Meter(scopeName)
	metrics, err := NewMetrics(meter)
	if err != nil {
		_ = tp.Shutdown(ctx)
		return nil, fmt.Errorf("create metrics: %w", err)
	}

	return &Provider{
		Tracer:  tp.Tracer(scopeName),
		Meter:   meter,
		Metrics: metrics,
		shutdown: func(ctx context.Context) error {
			tErr := tp.Shutdown(ctx)
			mErr := mp.Shutdown(ctx)
			if tErr != nil {
				return tErr
			}
			return mErr
		},
	}, nil
}

func (p *Provider) Shutdown(ctx context.Context) error {
	if p.shutdown == nil {
		return nil
	}
	return p.shutdown(ctx)
}

func newExporter(ctx context.Context, cfg config.TelemetryConfig) (sdktrace.SpanExporter, error) {
	switch cfg.Exporter {
	case "otlp-http", "":
		endpoint := cfg.Endpoint
		if endpoint == "" {
			endpoint = "localhost:4318"
		}
		return otlptracehttp.New(ctx,
			otlptracehttp.WithEndpoint(endpoint),
			otlptracehttp.WithInsecure(),
		)
	case "stdout":
		return stdouttrace.New(stdouttrace.WithPrettyPrint())
	default:
		return nil, fmt.Errorf("unknown exporter: %s (supported: otlp-http, stdout)", cfg.Exporter)
	}
}

// Span attribute keys.
var (
	AttrRunID    = attribute.Key("sitescope.run.id")
	AttrTenant   = attribute.Key("sitescope.tenant")
	AttrKind     = attribute.Key("sitescope.worker.kind")
	AttrProvider = attribute.Key("sitescope.provider")
	AttrOutcome  = attribute.Key("sitescope.outcome")
)

// StartSpan starts an internal span with the given attributes.
func (p *Provider) StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return p.Tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// StartClientSpan starts a span for an outbound provider call.
func (p *Provider) StartClientSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return p.Tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindClient),
	)
}
