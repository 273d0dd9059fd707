package observability

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/harun/agentrelay/internal/tracing"
)

// Audit statuses
const (
	AuditSuccess = "success"
	AuditFailure = "failure"
)

// AuditEvent is one line of the audit log
type AuditEvent struct {
	Type      string                 `json:"event_type"`
	Timestamp time.Time              `json:"timestamp"`
	Actor     string                 `json:"actor,omitempty"`
	Action    string                 `json:"action"`
	Status    string                 `json:"status"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	TraceID   string                 `json:"trace_id,omitempty"`
}

// AuditLogger writes audit events as JSON lines. Records are also attached
// to the active span as span events.
type AuditLogger struct {
	mu     sync.Mutex
	logger zerolog.Logger
	closer io.Closer
}

var audit atomic.Pointer[AuditLogger]

func newAuditLogger(w io.Writer, closer io.Closer) *AuditLogger {
	return &AuditLogger{
		logger: zerolog.New(w),
		closer: closer,
	}
}

// GetAuditLogger returns the process audit logger. Until InitAuditLogger is
// called events go to stderr.
func GetAuditLogger() *AuditLogger {
	if a := audit.Load(); a != nil {
		return a
	}
	audit.CompareAndSwap(nil, newAuditLogger(os.Stderr, nil))
	return audit.Load()
}

// InitAuditLogger sends audit events to path, closing any previous file
func InitAuditLogger(path string) error {
	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("failed to open audit log: %w", err)
	}

	if old := audit.Swap(newAuditLogger(file, file)); old != nil {
		_ = old.Close()
	}
	return nil
}

// Record writes event. The trace id comes from the active span, or from the
// correlation ids in ctx when no span is recording.
func (a *AuditLogger) Record(ctx context.Context, event AuditEvent) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	if span := trace.SpanFromContext(ctx); span.SpanContext().IsValid() {
		event.TraceID = span.SpanContext().TraceID().String()
		span.AddEvent(event.Action, trace.WithAttributes(
			attribute.String("audit.type", event.Type),
			attribute.String("audit.status", event.Status),
			attribute.String("audit.actor", event.Actor),
		))
	} else if event.TraceID == "" {
		event.TraceID = tracing.GetTraceID(ctx)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	entry := a.logger.Log().
		Time("timestamp", event.Timestamp).
		Str("type", event.Type).
		Str("actor", event.Actor).
		Str("action", event.Action).
		Str("status", event.Status)
	if event.TraceID != "" {
		entry = entry.Str("trace_id", event.TraceID)
	}
	if len(event.Metadata) > 0 {
		entry = entry.Interface("metadata", event.Metadata)
	}
	entry.Send()
}

// Close closes the underlying file, if any. Later records are dropped.
func (a *AuditLogger) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.logger = zerolog.Nop()
	if a.closer == nil {
		return nil
	}
	err := a.closer.Close()
	a.closer = nil
	return err
}

func statusOf(ok bool) string {
	if ok {
		return AuditSuccess
	}
	return AuditFailure
}

// RecordTaskCreatedAudit records a task persisted from a webhook
func RecordTaskCreatedAudit(ctx context.Context, taskID, source string, metadata map[string]interface{}) {
	md := make(map[string]interface{}, len(metadata)+1)
	for k, v := range metadata {
		md[k] = v
	}
	md["task_id"] = taskID

	GetAuditLogger().Record(ctx, AuditEvent{
		Type:     "task",
		Actor:    source,
		Action:   "task_created",
		Status:   AuditSuccess,
		Metadata: md,
	})
}

// RecordTaskCancelAudit records a cancellation request from the API
func RecordTaskCancelAudit(ctx context.Context, taskID string, cancelled bool) {
	GetAuditLogger().Record(ctx, AuditEvent{
		Type:     "task",
		Actor:    "api",
		Action:   "task_cancelled",
		Status:   statusOf(cancelled),
		Metadata: map[string]interface{}{"task_id": taskID},
	})
}

// RecordCompletionAudit records a completion handler dispatch
func RecordCompletionAudit(ctx context.Context, taskID, handler string, delivered bool) {
	GetAuditLogger().Record(ctx, AuditEvent{
		Type:     "completion",
		Actor:    handler,
		Action:   "completion_dispatched",
		Status:   statusOf(delivered),
		Metadata: map[string]interface{}{"task_id": taskID},
	})
}

// RecordSubagentStopAudit records a stopped subagent execution
func RecordSubagentStopAudit(ctx context.Context, executionID, actor, status string) {
	GetAuditLogger().Record(ctx, AuditEvent{
		Type:     "subagent",
		Actor:    actor,
		Action:   "subagent_stopped",
		Status:   status,
		Metadata: map[string]interface{}{"execution_id": executionID},
	})
}

// RecordApprovalAudit records a Slack approval button click
func RecordApprovalAudit(ctx context.Context, taskID, action, actor string, forwarded bool) {
	GetAuditLogger().Record(ctx, AuditEvent{
		Type:     "approval",
		Actor:    actor,
		Action:   "approval_" + action,
		Status:   statusOf(forwarded),
		Metadata: map[string]interface{}{"task_id": taskID},
	})
}

// RecordConfigAudit records a configuration change
func RecordConfigAudit(ctx context.Context, action, actor string, metadata map[string]interface{}) {
	GetAuditLogger().Record(ctx, AuditEvent{
		Type:     "config",
		Actor:    actor,
		Action:   action,
		Status:   AuditSuccess,
		Metadata: metadata,
	})
}
