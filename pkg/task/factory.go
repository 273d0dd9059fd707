// Package task creates persisted work items from matched webhook commands.
package task

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/harun/agentrelay/internal/observability"
	"github.com/harun/agentrelay/internal/tracing"
	"github.com/harun/agentrelay/pkg/command"
	"github.com/harun/agentrelay/pkg/ids"
	"github.com/harun/agentrelay/pkg/provider"
	"github.com/harun/agentrelay/pkg/template"
)

// Factory builds tasks, persists them and hands them to the queue.
type Factory struct {
	store         Store
	queue         Queue
	maxFieldBytes int
	logger        zerolog.Logger
	now           func() time.Time
}

// FactoryConfig holds factory configuration
type FactoryConfig struct {
	Store Store
	Queue Queue
	// MaxFieldBytes bounds each value substituted into a prompt. Zero
	// disables the bound.
	MaxFieldBytes int
	Logger        zerolog.Logger
}

// NewFactory creates a new task factory
func NewFactory(cfg FactoryConfig) (*Factory, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("task store is required")
	}
	if cfg.Queue == nil {
		return nil, fmt.Errorf("task queue is required")
	}
	return &Factory{
		store:         cfg.Store,
		queue:         cfg.Queue,
		maxFieldBytes: cfg.MaxFieldBytes,
		logger:        cfg.Logger,
		now:           time.Now,
	}, nil
}

// CreateOption adjusts a single CreateTask call.
type CreateOption func(*createOptions)

type createOptions struct {
	maxFieldBytes int
	overrideBytes bool
}

// WithMaxFieldBytes overrides the factory's substitution bound.
func WithMaxFieldBytes(n int) CreateOption {
	return func(o *createOptions) {
		o.maxFieldBytes = n
		o.overrideBytes = true
	}
}

// CreateTask persists a task for cmd and enqueues it, returning the task id.
// data should be the annotated payload produced by the matcher. An empty
// handlerKey uses the source's default completion handler.
func (f *Factory) CreateTask(ctx context.Context, source provider.Provider, cmd *command.Command, data map[string]any, handlerKey string, opts ...CreateOption) (string, error) {
	if cmd == nil {
		return "", &ValidationError{Field: "command", Reason: "is required"}
	}
	if data == nil {
		return "", &ValidationError{Field: "payload", Reason: "is required"}
	}

	o := createOptions{maxFieldBytes: f.maxFieldBytes}
	for _, opt := range opts {
		opt(&o)
	}

	taskID := ids.TaskID()
	sessionID := ids.SessionID()
	externalID := provider.ExternalID(source, data)
	flowID := FlowID(externalID)
	routing := provider.Routing(source, data)

	if handlerKey == "" {
		handlerKey = string(source)
		if d, ok := provider.Describe(source); ok {
			handlerKey = string(d.CompletionKey)
		}
	}

	ctx = tracing.WithFlowID(tracing.WithTaskID(ctx, taskID), flowID)
	logger := tracing.LoggerFromContext(ctx, f.logger)

	message := template.Render(cmd.PromptTemplate, data, template.WithMaxFieldBytes(o.maxFieldBytes))
	userContent, _ := data[command.KeyUserContent].(string)

	meta, err := json.Marshal(SourceMetadata{
		WebhookSource:       string(source),
		WebhookName:         string(source) + "-webhook",
		Command:             cmd.Name,
		OriginalTargetAgent: cmd.TargetAgent,
		RequiresApproval:    cmd.RequiresApproval,
		Routing:             routing,
		Payload:             data,
		CompletionHandler:   handlerKey,
		FlowID:              flowID,
		ExternalID:          externalID,
		UserContent:         userContent,
	})
	if err != nil {
		return "", fmt.Errorf("failed to encode source metadata: %w", err)
	}

	now := f.now()
	session := &Session{ID: sessionID, UserID: SystemUserID, CreatedAt: now}
	t := &Task{
		ID:            taskID,
		SessionID:     sessionID,
		Source:        string(source),
		Status:        StatusQueued,
		ExternalID:    externalID,
		FlowID:        flowID,
		AssignedAgent: cmd.TargetAgent,
		InputMessage:  message,
		Routing:       routing,
		Metadata:      meta,
		CreatedAt:     now,
	}

	if err := f.store.CreateSessionAndTask(ctx, session, t); err != nil {
		return "", fmt.Errorf("failed to persist task: %w", err)
	}

	if err := f.queue.Enqueue(ctx, taskID); err != nil {
		logger.Error().Err(err).Msg("Task persisted but enqueue failed, leaving it to the reconciler")
		return taskID, fmt.Errorf("failed to enqueue task %s: %w", taskID, err)
	}

	observability.RecordTaskCreated(string(source))
	observability.RecordTaskCreatedAudit(ctx, taskID, string(source), map[string]interface{}{
		"command":     cmd.Name,
		"external_id": externalID,
		"flow_id":     flowID,
	})

	logger.Info().
		Str("source", string(source)).
		Str("command", cmd.Name).
		Str("agent", cmd.TargetAgent).
		Str("externalId", externalID).
		Msg("Task created")

	return taskID, nil
}
