// Package telemetry sets up OpenTelemetry tracing for the proxy.
package telemetry

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"gemini-edge-proxy/internal/config"
)

const instrumentationName = "gemini-edge-proxy"

// Telemetry owns the tracer provider. A zero-config (disabled) Telemetry
// hands out no-op spans and never touches outbound headers.
type Telemetry struct {
	provider   *sdktrace.TracerProvider
	tracer     trace.Tracer
	propagator propagation.TextMapPropagator
}

// New builds a Telemetry from the tracing section of cfg.
func New(cfg *config.Config, logger *slog.Logger) (*Telemetry, error) {
	if !cfg.Tracing.Enabled {
		return Disabled(), nil
	}

	exp, err := newExporter(cfg.Tracing)
	if err != nil {
		return nil, err
	}

	ratio := 1.0
	if cfg.Tracing.SampleRatio != nil {
		ratio = *cfg.Tracing.SampleRatio
	}

	t := NewWithExporter(exp, cfg.Tracing.ServiceName, ratio)
	otel.SetTracerProvider(t.provider)
	otel.SetTextMapPropagator(t.propagator)

	logger.Info("tracing enabled",
		"exporter", cfg.Tracing.Exporter,
		"service_name", cfg.Tracing.ServiceName,
		"sample_ratio", ratio,
	)
	return t, nil
}

// NewWithExporter builds an enabled Telemetry around exp. It does not touch
// the otel globals.
func NewWithExporter(exp sdktrace.SpanExporter, serviceName string, sampleRatio float64) *Telemetry {
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(sampleRatio))),
		sdktrace.WithResource(resource.NewSchemaless(
			attribute.String("service.name", serviceName),
		)),
	)

	return &Telemetry{
		provider: tp,
		tracer:   tp.Tracer(instrumentationName),
		propagator: propagation.NewCompositeTextMapPropagator(
			propagation.TraceContext{},
			propagation.Baggage{},
		),
	}
}

// Disabled returns a Telemetry that records nothing.
func Disabled() *Telemetry {
	return &Telemetry{tracer: noop.NewTracerProvider().Tracer(instrumentationName)}
}

func newExporter(cfg config.TracingConfig) (sdktrace.SpanExporter, error) {
	switch strings.ToLower(cfg.Exporter) {
	case "otlp":
		opts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(cfg.Endpoint)}
		if cfg.Insecure {
			opts = append(opts, otlptracehttp.WithInsecure())
		}
		exp, err := otlptracehttp.New(context.Background(), opts...)
		if err != nil {
			return nil, fmt.Errorf("otlp exporter: %w", err)
		}
		return exp, nil
	default:
		// stdout carries the JSON request log, so spans go to stderr.
		exp, err := stdouttrace.New(stdouttrace.WithWriter(os.Stderr))
		if err != nil {
			return nil, fmt.Errorf("stdout exporter: %w", err)
		}
		return exp, nil
	}
}

// Enabled reports whether spans are exported.
func (t *Telemetry) Enabled() bool {
	return t.provider != nil
}

// Shutdown flushes pending spans.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	if t.provider == nil {
		return nil
	}
	return t.provider.Shutdown(ctx)
}

// StartServerSpan starts a span for an inbound request, continuing any trace
// context the caller sent.
func (t *Telemetry) StartServerSpan(r *http.Request) (context.Context, trace.Span) {
	ctx := r.Context()
	if t.propagator != nil {
		ctx = t.propagator.Extract(ctx, propagation.HeaderCarrier(r.Header))
	}

	return t.tracer.Start(ctx,
		fmt.Sprintf("%s %s", r.Method, r.URL.Path),
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			attribute.String("http.request.method", r.Method),
			attribute.String("url.path", r.URL.Path),
			attribute.String("user_agent.original", r.UserAgent()),
			attribute.String("client.address", r.RemoteAddr),
		),
	)
}

// StartClientSpan starts a span for the upstream call and injects its trace
// context into req's headers.
func (t *Telemetry) StartClientSpan(req *http.Request) (context.Context, trace.Span) {
	ctx, span := t.tracer.Start(req.Context(),
		fmt.Sprintf("%s %s", req.Method, req.URL.Host),
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("http.request.method", req.Method),
			attribute.String("server.address", req.URL.Host),
			attribute.String("url.path", req.URL.Path),
		),
	)

	if t.propagator != nil {
		t.propagator.Inject(ctx, propagation.HeaderCarrier(req.Header))
	}
	return ctx, span
}

// EndSpan records the outcome and ends span. statusCode is ignored when err
// is non-nil.
func EndSpan(span trace.Span, statusCode int, err error) {
	defer span.End()
	if !span.IsRecording() {
		return
	}

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return
	}

	span.SetAttributes(attribute.Int("http.response.status_code", statusCode))
	if statusCode >= 500 {
		span.SetStatus(codes.Error, fmt.Sprintf("HTTP %d", statusCode))
	}
}
