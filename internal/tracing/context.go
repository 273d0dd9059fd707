package tracing

import (
	"context"

	"github.com/google/uuid"
)

// ContextKey is the type for context keys
type ContextKey string

const (
	// TraceIDKey is the context key for trace ID
	TraceIDKey ContextKey = "trace_id"
	// DeliveryIDKey is the context key for the platform delivery id of a webhook
	DeliveryIDKey ContextKey = "delivery_id"
	// TaskIDKey is the context key for task ID
	TaskIDKey ContextKey = "task_id"
	// FlowIDKey is the context key for flow ID
	FlowIDKey ContextKey = "flow_id"
	// ExecutionIDKey is the context key for subagent execution ID
	ExecutionIDKey ContextKey = "execution_id"
)

// TraceContext holds tracing information
type TraceContext struct {
	TraceID     string
	DeliveryID  string
	TaskID      string
	FlowID      string
	ExecutionID string
}

// NewTraceID generates a new trace ID
func NewTraceID() string {
	return uuid.New().String()
}

func withValue(ctx context.Context, key ContextKey, value string) context.Context {
	if value == "" {
		return ctx
	}
	return context.WithValue(ctx, key, value)
}

func getValue(ctx context.Context, key ContextKey) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(key).(string); ok {
		return v
	}
	return ""
}

// WithTraceID adds a trace ID to the context
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return withValue(ctx, TraceIDKey, traceID)
}

// WithDeliveryID adds a webhook delivery ID to the context
func WithDeliveryID(ctx context.Context, deliveryID string) context.Context {
	return withValue(ctx, DeliveryIDKey, deliveryID)
}

// WithTaskID adds a task ID to the context
func WithTaskID(ctx context.Context, taskID string) context.Context {
	return withValue(ctx, TaskIDKey, taskID)
}

// WithFlowID adds a flow ID to the context
func WithFlowID(ctx context.Context, flowID string) context.Context {
	return withValue(ctx, FlowIDKey, flowID)
}

// WithExecutionID adds a subagent execution ID to the context
func WithExecutionID(ctx context.Context, executionID string) context.Context {
	return withValue(ctx, ExecutionIDKey, executionID)
}

// GetTraceID retrieves the trace ID from the context
func GetTraceID(ctx context.Context) string { return getValue(ctx, TraceIDKey) }

// GetDeliveryID retrieves the delivery ID from the context
func GetDeliveryID(ctx context.Context) string { return getValue(ctx, DeliveryIDKey) }

// GetTaskID retrieves the task ID from the context
func GetTaskID(ctx context.Context) string { return getValue(ctx, TaskIDKey) }

// GetFlowID retrieves the flow ID from the context
func GetFlowID(ctx context.Context) string { return getValue(ctx, FlowIDKey) }

// GetExecutionID retrieves the execution ID from the context
func GetExecutionID(ctx context.Context) string { return getValue(ctx, ExecutionIDKey) }

// FromContext extracts all tracing information from the context
func FromContext(ctx context.Context) *TraceContext {
	return &TraceContext{
		TraceID:     GetTraceID(ctx),
		DeliveryID:  GetDeliveryID(ctx),
		TaskID:      GetTaskID(ctx),
		FlowID:      GetFlowID(ctx),
		ExecutionID: GetExecutionID(ctx),
	}
}

// NewContext creates a new context with tracing information
func NewContext(ctx context.Context, tc *TraceContext) context.Context {
	ctx = WithTraceID(ctx, tc.TraceID)
	ctx = WithDeliveryID(ctx, tc.DeliveryID)
	ctx = WithTaskID(ctx, tc.TaskID)
	ctx = WithFlowID(ctx, tc.FlowID)
	return WithExecutionID(ctx, tc.ExecutionID)
}

// NewRequestContext creates a new context for a request with a new trace ID
func NewRequestContext(ctx context.Context) context.Context {
	return WithTraceID(ctx, NewTraceID())
}
