package tracing

import (
	"context"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/zipkin"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

// Exporters
const (
	ExporterNone   = ""
	ExporterOTLP   = "otlp"
	ExporterZipkin = "zipkin"
)

const (
	defaultOTLPEndpoint   = "localhost:4318"
	defaultZipkinEndpoint = "http://localhost:9411/api/v2/spans"
)

// Options configures the process tracer provider. Without an exporter spans
// are still created, so trace ids reach logs and audit events.
type Options struct {
	ServiceName    string
	ServiceVersion string
	Exporter       string
	Endpoint       string
	// SampleRate outside (0, 1] means sample everything.
	SampleRate float64
}

var (
	providerMu sync.Mutex
	provider   *sdktrace.TracerProvider
)

// InitOpenTelemetry installs the global tracer provider. A second call while
// a provider is installed is a no-op.
func InitOpenTelemetry(opts Options) error {
	providerMu.Lock()
	defer providerMu.Unlock()
	if provider != nil {
		return nil
	}

	exporter, err := newExporter(opts)
	if err != nil {
		return err
	}

	res, err := resource.New(context.Background(), resource.WithAttributes(
		semconv.ServiceName(opts.ServiceName),
		semconv.ServiceVersion(opts.ServiceVersion),
	))
	if err != nil {
		return fmt.Errorf("failed to create trace resource: %w", err)
	}

	rate := opts.SampleRate
	if rate <= 0 || rate > 1 {
		rate = 1
	}
	tpOpts := []sdktrace.TracerProviderOption{
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(rate))),
		sdktrace.WithResource(res),
	}
	if exporter != nil {
		tpOpts = append(tpOpts, sdktrace.WithBatcher(exporter))
	}

	provider = sdktrace.NewTracerProvider(tpOpts...)
	otel.SetTracerProvider(provider)
	return nil
}

func newExporter(opts Options) (sdktrace.SpanExporter, error) {
	switch opts.Exporter {
	case ExporterNone:
		return nil, nil
	case ExporterOTLP:
		endpoint := opts.Endpoint
		if endpoint == "" {
			endpoint = defaultOTLPEndpoint
		}
		exp, err := otlptracehttp.New(context.Background(),
			otlptracehttp.WithEndpoint(endpoint),
			otlptracehttp.WithInsecure(),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to create otlp exporter: %w", err)
		}
		return exp, nil
	case ExporterZipkin:
		endpoint := opts.Endpoint
		if endpoint == "" {
			endpoint = defaultZipkinEndpoint
		}
		exp, err := zipkin.New(endpoint)
		if err != nil {
			return nil, fmt.Errorf("failed to create zipkin exporter: %w", err)
		}
		return exp, nil
	}
	return nil, fmt.Errorf("unsupported trace exporter: %q", opts.Exporter)
}

// ShutdownOpenTelemetry flushes pending spans and removes the provider so a
// later InitOpenTelemetry installs a fresh one.
func ShutdownOpenTelemetry(ctx context.Context) error {
	providerMu.Lock()
	tp := provider
	provider = nil
	providerMu.Unlock()

	if tp == nil {
		return nil
	}
	return tp.Shutdown(ctx)
}

// Tracer names
const (
	TracerEngine    = "agentrelay/engine"
	TracerQueue     = "agentrelay/commandqueue"
	TracerWorker    = "agentrelay/worker"
	TracerScheduler = "agentrelay/subagent"
	TracerWebhook   = "agentrelay/webhook"
)

// StartSpan starts a span. When ctx has no trace id yet it adopts the span's,
// so log records and audit events line up with exported traces.
func StartSpan(ctx context.Context, tracerName, spanName string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	if ctx == nil {
		ctx = context.Background()
	}

	tc := FromContext(ctx)
	attrs = append(attrs, idAttrs(tc)...)

	ctx, span := otel.Tracer(tracerName).Start(ctx, spanName, trace.WithAttributes(attrs...))
	if tc.TraceID == "" {
		if sc := span.SpanContext(); sc.IsValid() {
			ctx = WithTraceID(ctx, sc.TraceID().String())
		}
	}
	return ctx, span
}

// idAttrs turns the correlation ids carried by ctx into span attributes
func idAttrs(tc *TraceContext) []attribute.KeyValue {
	var attrs []attribute.KeyValue
	for _, f := range tc.fields() {
		if f.key == string(TraceIDKey) {
			continue
		}
		attrs = append(attrs, attribute.String("agentrelay."+f.key, f.value))
	}
	return attrs
}
