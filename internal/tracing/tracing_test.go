package tracing

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
)

func TestContextValues(t *testing.T) {
	ctx := context.Background()
	ctx = WithTraceID(ctx, "trace-1")
	ctx = WithTaskID(ctx, "task-abc")
	ctx = WithFlowID(ctx, "flow-def")
	ctx = WithExecutionID(ctx, "subagent-123")
	ctx = WithDeliveryID(ctx, "delivery-9")

	tc := FromContext(ctx)
	assert.Equal(t, "trace-1", tc.TraceID)
	assert.Equal(t, "task-abc", tc.TaskID)
	assert.Equal(t, "flow-def", tc.FlowID)
	assert.Equal(t, "subagent-123", tc.ExecutionID)
	assert.Equal(t, "delivery-9", tc.DeliveryID)

	t.Run("should skip empty values", func(t *testing.T) {
		base := context.Background()
		assert.Equal(t, base, WithTaskID(base, ""))
		assert.Equal(t, "", GetTaskID(base))
	})

	t.Run("should detach from cancellation but keep ids", func(t *testing.T) {
		parent, cancel := context.WithCancel(ctx)
		cancel()
		detached := Detach(parent)
		assert.NoError(t, detached.Err())
		assert.Equal(t, "task-abc", GetTaskID(detached))
	})

	t.Run("should generate distinct trace ids", func(t *testing.T) {
		a := NewRequestContext(context.Background())
		b := NewRequestContext(context.Background())
		assert.NotEqual(t, GetTraceID(a), GetTraceID(b))
	})
}

func TestLoggerFromContext(t *testing.T) {
	var buf bytes.Buffer
	base := zerolog.New(&buf)

	ctx := WithFlowID(WithTaskID(context.Background(), "task-1"), "flow-1")
	logger := LoggerFromContext(ctx, base)
	logger.Info().Msg("hello")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "task-1", entry["task_id"])
	assert.Equal(t, "flow-1", entry["flow_id"])
	_, hasExec := entry["execution_id"]
	assert.False(t, hasExec)
}

func TestStartSpan(t *testing.T) {
	require.NoError(t, InitOpenTelemetry(Options{ServiceName: "agentrelay-test"}))
	t.Cleanup(func() { _ = ShutdownOpenTelemetry(context.Background()) })

	t.Run("should adopt the span trace id", func(t *testing.T) {
		ctx, span := StartSpan(context.Background(), "agentrelay/test", "unit", attribute.String("k", "v"))
		defer span.End()

		assert.True(t, span.SpanContext().IsValid())
		assert.Equal(t, span.SpanContext().TraceID().String(), GetTraceID(ctx))
	})

	t.Run("should keep an existing trace id", func(t *testing.T) {
		ctx, span := StartSpan(WithTraceID(context.Background(), "trace-7"), "agentrelay/test", "unit")
		defer span.End()

		assert.Equal(t, "trace-7", GetTraceID(ctx))
	})

	t.Run("should be reinstallable after shutdown", func(t *testing.T) {
		require.NoError(t, ShutdownOpenTelemetry(context.Background()))
		require.NoError(t, InitOpenTelemetry(Options{ServiceName: "agentrelay-test", SampleRate: 5}))

		_, span := StartSpan(context.Background(), "agentrelay/test", "unit")
		defer span.End()
		assert.True(t, span.SpanContext().IsValid())
	})
}

func TestInitOpenTelemetryExporter(t *testing.T) {
	t.Run("should reject an unknown exporter", func(t *testing.T) {
		err := InitOpenTelemetry(Options{ServiceName: "agentrelay-test", Exporter: "jaeger"})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "unsupported trace exporter")
	})

	t.Run("should build the zipkin exporter", func(t *testing.T) {
		exp, err := newExporter(Options{Exporter: ExporterZipkin})
		require.NoError(t, err)
		require.NotNil(t, exp)
		assert.NoError(t, exp.Shutdown(context.Background()))
	})

	t.Run("should build the otlp exporter", func(t *testing.T) {
		exp, err := newExporter(Options{Exporter: ExporterOTLP, Endpoint: "127.0.0.1:4318"})
		require.NoError(t, err)
		require.NotNil(t, exp)
		assert.NoError(t, exp.Shutdown(context.Background()))
	})
}

func TestIDAttrs(t *testing.T) {
	ctx := WithTraceID(context.Background(), "trace-1")
	ctx = WithTaskID(ctx, "task-1")
	ctx = WithExecutionID(ctx, "subagent-1")

	attrs := idAttrs(FromContext(ctx))
	require.Len(t, attrs, 2)
	assert.Equal(t, attribute.String("agentrelay.task_id", "task-1"), attrs[0])
	assert.Equal(t, attribute.String("agentrelay.execution_id", "subagent-1"), attrs[1])
}

func TestLoggerFromContextEmpty(t *testing.T) {
	var buf bytes.Buffer
	logger := LoggerFromContext(context.Background(), zerolog.New(&buf))
	logger.Info().Msg("bare")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Len(t, entry, 2, "only level and message")
}
