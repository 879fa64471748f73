// Package telemetry wires OpenTelemetry tracing and Prometheus
// metrics behind the core.Telemetry interface.
package telemetry

import (
	"context"
	"fmt"
	"os"
	"strconv"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/maestroflow/maestro/core"
)

// Provider implements core.Telemetry over an OTel tracer and the
// Prometheus metric set.
type Provider struct {
	traceProvider *sdktrace.TracerProvider
	tracer        trace.Tracer
	metrics       *Metrics
}

// Config selects the trace exporter and service identity.
type Config struct {
	ServiceName  string
	OTLPEndpoint string // empty: fall through to stdout/no-op
	StdoutTraces bool
	SampleRatio  float64 // 0 or 1 means always sample
}

// ConfigFromEnv reads the standard OTel environment variables.
func ConfigFromEnv(serviceName string) Config {
	cfg := Config{
		ServiceName:  serviceName,
		OTLPEndpoint: os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		StdoutTraces: os.Getenv("MAESTRO_TRACE_STDOUT") == "true",
	}
	if name := os.Getenv("OTEL_SERVICE_NAME"); name != "" {
		cfg.ServiceName = name
	}
	if os.Getenv("OTEL_TRACES_SAMPLER") == "traceidratio" {
		if ratio, err := strconv.ParseFloat(os.Getenv("OTEL_TRACES_SAMPLER_ARG"), 64); err == nil {
			cfg.SampleRatio = ratio
		}
	}
	return cfg
}

// NewProvider builds the tracer pipeline and registers it globally.
// Without an OTLP endpoint it falls back to stdout traces when asked,
// otherwise spans stay in-process (no exporter).
func NewProvider(cfg Config, metrics *Metrics) (*Provider, error) {
	if cfg.ServiceName == "" {
		cfg.ServiceName = "maestro"
	}
	if metrics == nil {
		metrics = NewMetrics()
	}

	res := resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceNameKey.String(cfg.ServiceName),
		attribute.String("maestro.component", "engine"),
	)

	opts := []sdktrace.TracerProviderOption{sdktrace.WithResource(res)}
	switch {
	case cfg.OTLPEndpoint != "":
		exporter, err := otlptracegrpc.New(context.Background(),
			otlptracegrpc.WithEndpoint(cfg.OTLPEndpoint),
			otlptracegrpc.WithInsecure(),
		)
		if err != nil {
			return nil, fmt.Errorf("otlp exporter: %w", err)
		}
		opts = append(opts, sdktrace.WithBatcher(exporter))
	case cfg.StdoutTraces:
		exporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
		if err != nil {
			return nil, fmt.Errorf("stdout exporter: %w", err)
		}
		opts = append(opts, sdktrace.WithBatcher(exporter))
	}

	sampler := sdktrace.AlwaysSample()
	if cfg.SampleRatio > 0 && cfg.SampleRatio < 1 {
		sampler = sdktrace.TraceIDRatioBased(cfg.SampleRatio)
	}
	opts = append(opts, sdktrace.WithSampler(sampler))

	tp := sdktrace.NewTracerProvider(opts...)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{}, propagation.Baggage{}))

	return &Provider{
		traceProvider: tp,
		tracer:        tp.Tracer("maestro"),
		metrics:       metrics,
	}, nil
}

// StartSpan opens a child span under the context's current span.
func (p *Provider) StartSpan(ctx context.Context, name string) (context.Context, core.Span) {
	ctx, span := p.tracer.Start(ctx, name)
	return ctx, &otelSpan{span: span}
}

// RecordMetric routes a named measurement to the Prometheus set.
func (p *Provider) RecordMetric(name string, value float64, labels map[string]string) {
	p.metrics.Record(name, value, labels)
}

// Metrics exposes the Prometheus metric set.
func (p *Provider) Metrics() *Metrics {
	return p.metrics
}

// Shutdown flushes pending spans.
func (p *Provider) Shutdown(ctx context.Context) error {
	return p.traceProvider.Shutdown(ctx)
}

type otelSpan struct {
	span trace.Span
}

func (s *otelSpan) End() { s.span.End() }

func (s *otelSpan) SetAttribute(key string, value interface{}) {
	switch v := value.(type) {
	case string:
		s.span.SetAttributes(attribute.String(key, v))
	case bool:
		s.span.SetAttributes(attribute.Bool(key, v))
	case int:
		s.span.SetAttributes(attribute.Int(key, v))
	case int64:
		s.span.SetAttributes(attribute.Int64(key, v))
	case float64:
		s.span.SetAttributes(attribute.Float64(key, v))
	default:
		s.span.SetAttributes(attribute.String(key, fmt.Sprintf("%v", v)))
	}
}

func (s *otelSpan) RecordError(err error) {
	if err != nil {
		s.span.RecordError(err)
	}
}
