// Package engine turns an inbound webhook payload into a task.
package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"

	"github.com/harun/agentrelay/internal/observability"
	"github.com/harun/agentrelay/internal/tracing"
	"github.com/harun/agentrelay/pkg/command"
	"github.com/harun/agentrelay/pkg/ids"
	"github.com/harun/agentrelay/pkg/provider"
	"github.com/harun/agentrelay/pkg/task"
)

// Status is the result class of one delivery
type Status string

const (
	StatusProcessed Status = "processed"
	StatusRejected  Status = "rejected"
	StatusIgnored   Status = "ignored"
)

// Outcome describes what the engine did with a delivery
type Outcome struct {
	Status  Status `json:"status"`
	TaskID  string `json:"task_id,omitempty"`
	Command string `json:"command,omitempty"`
	Reason  string `json:"reason,omitempty"`
}

// Matcher recognizes commands in a payload
type Matcher interface {
	Match(p provider.Provider, eventType string, data map[string]any) command.Result
	Table(p provider.Provider) (*command.Table, bool)
}

// TaskCreator persists and enqueues a task for a matched command
type TaskCreator interface {
	CreateTask(ctx context.Context, source provider.Provider, cmd *command.Command, data map[string]any, handlerKey string, opts ...task.CreateOption) (string, error)
}

// Acknowledger reacts to the originating event once a task exists. It
// reports whether an acknowledgment was sent.
type Acknowledger interface {
	Acknowledge(ctx context.Context, source provider.Provider, routing map[string]any) bool
}

// Engine matches commands and creates tasks
type Engine struct {
	matcher Matcher
	tasks   TaskCreator
	events  task.EventRecorder
	ack     Acknowledger
	logger  zerolog.Logger
	now     func() time.Time
}

// Config holds engine configuration
type Config struct {
	Matcher Matcher
	Tasks   TaskCreator
	// Events records processed deliveries; optional.
	Events task.EventRecorder
	// Acknowledger is optional.
	Acknowledger Acknowledger
	Logger       zerolog.Logger
}

// New creates an engine
func New(cfg Config) (*Engine, error) {
	if cfg.Matcher == nil {
		return nil, fmt.Errorf("matcher is required")
	}
	if cfg.Tasks == nil {
		return nil, fmt.Errorf("task factory is required")
	}
	return &Engine{
		matcher: cfg.Matcher,
		tasks:   cfg.Tasks,
		events:  cfg.Events,
		ack:     cfg.Acknowledger,
		logger:  cfg.Logger,
		now:     time.Now,
	}, nil
}

// MatchAndCreateTask matches raw against the provider's command table and,
// on a match, creates a task. Rejected and ignored deliveries are not errors.
func (e *Engine) MatchAndCreateTask(ctx context.Context, p provider.Provider, eventType string, raw map[string]any) (Outcome, error) {
	ctx, span := tracing.StartSpan(ctx, tracing.TracerEngine, "engine.match_and_create_task",
		attribute.String("provider", string(p)),
		attribute.String("event_type", eventType),
	)
	defer span.End()
	logger := tracing.LoggerFromContext(ctx, e.logger)

	if !p.Valid() {
		return Outcome{}, fmt.Errorf("unknown provider: %q", p)
	}
	if raw == nil {
		return Outcome{}, &task.ValidationError{Field: "payload", Reason: "is required"}
	}

	res := e.matcher.Match(p, eventType, raw)
	switch res.Outcome {
	case command.Ignored:
		observability.RecordWebhookEvent(string(p), string(StatusIgnored))
		logger.Debug().Str("eventType", eventType).Str("reason", res.Reason).Msg("Webhook ignored")
		return Outcome{Status: StatusIgnored, Reason: res.Reason}, nil
	case command.Rejected:
		observability.RecordWebhookEvent(string(p), string(StatusRejected))
		logger.Info().
			Str("eventType", eventType).
			Str("keyword", res.Keyword).
			Str("reason", res.Reason).
			Msg("Webhook rejected")
		return Outcome{Status: StatusRejected, Reason: res.Reason}, nil
	}

	var opts []task.CreateOption
	if table, ok := e.matcher.Table(p); ok && table.MaxFieldBytes > 0 {
		opts = append(opts, task.WithMaxFieldBytes(table.MaxFieldBytes))
	}

	taskID, err := e.tasks.CreateTask(ctx, p, res.Command, res.Payload, "", opts...)
	if err != nil {
		observability.RecordWebhookEvent(string(p), "error")
		span.RecordError(err)
		if taskID == "" {
			return Outcome{}, fmt.Errorf("failed to create task: %w", err)
		}
		// Persisted but not enqueued; the reconciler picks it up.
		logger.Warn().Err(err).Str("taskId", taskID).Msg("Task created without enqueue")
	} else {
		observability.RecordWebhookEvent(string(p), string(StatusProcessed))
	}

	acked := false
	if e.ack != nil {
		acked = e.ack.Acknowledge(ctx, p, provider.Routing(p, raw))
	}

	if e.events != nil {
		evt := &task.WebhookEvent{
			ID:             ids.EventID(),
			Provider:       string(p),
			EventType:      eventType,
			DeliveryID:     tracing.GetDeliveryID(ctx),
			MatchedCommand: res.Command.Name,
			TaskID:         taskID,
			ResponseSent:   acked,
			ReceivedAt:     e.now(),
		}
		if err := e.events.RecordWebhookEvent(ctx, evt); err != nil {
			logger.Warn().Err(err).Str("taskId", taskID).Msg("Failed to record webhook event")
		}
	}

	logger.Info().
		Str("taskId", taskID).
		Str("command", res.Command.Name).
		Bool("implicit", res.Implicit).
		Msg("Webhook processed")

	return Outcome{Status: StatusProcessed, TaskID: taskID, Command: res.Command.Name}, nil
}
