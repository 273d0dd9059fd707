package task

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Status represents the lifecycle state of a task
type Status string

const (
	StatusQueued     Status = "queued"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// IsTerminal returns true if the status is terminal
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// SystemUserID owns every session created from a webhook.
const SystemUserID = "webhook-system"

// Task is a persisted unit of work created from a matched command.
type Task struct {
	ID            string          `json:"task_id"`
	SessionID     string          `json:"session_id"`
	Source        string          `json:"source"`
	Status        Status          `json:"status"`
	ExternalID    string          `json:"external_id"`
	FlowID        string          `json:"flow_id"`
	AssignedAgent string          `json:"assigned_agent"`
	InputMessage  string          `json:"input_message"`
	Routing       map[string]any  `json:"routing,omitempty"`
	Metadata      json.RawMessage `json:"source_metadata,omitempty"`
	Result        string          `json:"result,omitempty"`
	Error         string          `json:"error,omitempty"`
	CostUSD       float64         `json:"cost_usd"`
	InputTokens   int64           `json:"input_tokens"`
	OutputTokens  int64           `json:"output_tokens"`
	CreatedAt     time.Time       `json:"created_at"`
	StartedAt     *time.Time      `json:"started_at,omitempty"`
	CompletedAt   *time.Time      `json:"completed_at,omitempty"`
}

// SourceMetadata is stored with every task and carries what a completion
// handler needs to post results back.
type SourceMetadata struct {
	WebhookSource       string         `json:"webhook_source"`
	WebhookName         string         `json:"webhook_name"`
	Command             string         `json:"command"`
	OriginalTargetAgent string         `json:"original_target_agent"`
	RequiresApproval    bool           `json:"requires_approval"`
	Routing             map[string]any `json:"routing"`
	Payload             map[string]any `json:"payload"`
	CompletionHandler   string         `json:"completion_handler"`
	FlowID              string         `json:"flow_id"`
	ExternalID          string         `json:"external_id"`
	UserContent         string         `json:"user_content,omitempty"`
}

// DecodeMetadata parses the stored source metadata.
func (t *Task) DecodeMetadata() (*SourceMetadata, error) {
	var meta SourceMetadata
	if len(t.Metadata) == 0 {
		return &meta, nil
	}
	if err := json.Unmarshal(t.Metadata, &meta); err != nil {
		return nil, fmt.Errorf("failed to decode source metadata for %s: %w", t.ID, err)
	}
	return &meta, nil
}

// Session groups tasks from one originating conversation.
type Session struct {
	ID        string    `json:"session_id"`
	UserID    string    `json:"user_id"`
	CreatedAt time.Time `json:"created_at"`
}

// Result is the outcome of running a task.
type Result struct {
	Status       Status
	Output       string
	Error        string
	CostUSD      float64
	InputTokens  int64
	OutputTokens int64
}

// ErrNotFound is returned by stores for unknown task ids.
var ErrNotFound = errors.New("task not found")

// Store persists sessions and tasks.
type Store interface {
	// CreateSessionAndTask writes the session (when absent) and the task in
	// one transaction.
	CreateSessionAndTask(ctx context.Context, session *Session, task *Task) error
	GetTask(ctx context.Context, id string) (*Task, error)
	// UpdateTaskStatus moves a task from one status to another. It reports
	// false when the task was not in the from status.
	UpdateTaskStatus(ctx context.Context, id string, from, to Status) (bool, error)
	// SaveTaskResult records a terminal result for an in-progress task. It
	// reports false when the task was no longer in progress.
	SaveTaskResult(ctx context.Context, id string, result Result) (bool, error)
	// ListStaleQueued returns queued tasks created before cutoff.
	ListStaleQueued(ctx context.Context, cutoff time.Time, limit int) ([]*Task, error)
}

// Queue hands task ids to the execution worker.
type Queue interface {
	Enqueue(ctx context.Context, taskID string) error
}

// QueueFunc adapts a function to Queue.
type QueueFunc func(ctx context.Context, taskID string) error

func (f QueueFunc) Enqueue(ctx context.Context, taskID string) error { return f(ctx, taskID) }

// WebhookEvent records an inbound delivery that produced a task.
type WebhookEvent struct {
	ID             string    `json:"event_id"`
	Provider       string    `json:"provider"`
	EventType      string    `json:"event_type"`
	DeliveryID     string    `json:"delivery_id,omitempty"`
	MatchedCommand string    `json:"matched_command"`
	TaskID         string    `json:"task_id"`
	ResponseSent   bool      `json:"response_sent"`
	ReceivedAt     time.Time `json:"received_at"`
}

// EventRecorder persists webhook events.
type EventRecorder interface {
	RecordWebhookEvent(ctx context.Context, e *WebhookEvent) error
}
