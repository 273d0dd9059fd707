package subagent

import (
	"context"
	"time"
)

// MaxParallel is the default cap on concurrently active executions.
const MaxParallel = 10

// Mode describes how a subagent was started
type Mode string

const (
	ModeForeground Mode = "foreground"
	ModeBackground Mode = "background"
	ModeParallel   Mode = "parallel"
)

// Valid reports whether m is a known mode
func (m Mode) Valid() bool {
	return m == ModeForeground || m == ModeBackground || m == ModeParallel
}

// Status represents the execution state of a subagent
type Status string

const (
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusStopped   Status = "stopped"
	StatusFailed    Status = "failed"
)

// IsTerminal returns true if the status is terminal
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusStopped || s == StatusFailed
}

// PermissionMode controls whether the agent may prompt for tool approval
type PermissionMode string

const (
	PermissionDefault  PermissionMode = "default"
	PermissionAutoDeny PermissionMode = "auto-deny"
)

// PermissionFor returns the permission mode of a single spawn: background
// runs cannot answer prompts, so they auto-deny.
func PermissionFor(m Mode) PermissionMode {
	if m == ModeBackground {
		return PermissionAutoDeny
	}
	return PermissionDefault
}

// Execution is the durable record of one subagent run
type Execution struct {
	ID             string         `json:"execution_id"`
	AgentType      string         `json:"agent_type"`
	Mode           Mode           `json:"mode"`
	Status         Status         `json:"status"`
	PermissionMode PermissionMode `json:"permission_mode"`
	GroupID        string         `json:"group_id,omitempty"`
	TaskID         string         `json:"task_id,omitempty"`
	ConversationID string         `json:"conversation_id,omitempty"`
	Prompt         string         `json:"prompt,omitempty"`
	Output         string         `json:"output,omitempty"`
	Error          string         `json:"error,omitempty"`
	StartedAt      time.Time      `json:"started_at"`
	CompletedAt    *time.Time     `json:"completed_at,omitempty"`
}

// ActiveEntry is a member of the coordination store's active set
type ActiveEntry struct {
	ExecutionID string    `json:"execution_id"`
	AgentType   string    `json:"agent_type"`
	Mode        Mode      `json:"mode"`
	GroupID     string    `json:"group_id,omitempty"`
	StartedAt   time.Time `json:"started_at"`
}

// MemberStatus is the per-member blob stored for a parallel group
type MemberStatus struct {
	ExecutionID string `json:"execution_id"`
	AgentType   string `json:"agent_type,omitempty"`
	Status      Status `json:"status"`
	Output      string `json:"output,omitempty"`
	Error       string `json:"error,omitempty"`
}

// Coordinator is the shared coordination store. Reserve must check the limit
// and insert in one atomic step.
type Coordinator interface {
	// Reserve adds all entries to the active set, or none of them when the
	// set would exceed max. It returns an error wrapping ErrCapacity then.
	Reserve(ctx context.Context, entries []ActiveEntry, max int) error
	// Release removes an entry and reports whether it was present.
	Release(ctx context.Context, executionID string) (bool, error)
	ActiveEntries(ctx context.Context) ([]ActiveEntry, error)
	AddGroup(ctx context.Context, groupID string, memberIDs []string) error
	// GroupMembers returns an error wrapping ErrNotFound for unknown groups.
	GroupMembers(ctx context.Context, groupID string) ([]string, error)
	SetMemberStatus(ctx context.Context, groupID string, status MemberStatus) error
	MemberStatuses(ctx context.Context, groupID string) (map[string]MemberStatus, error)
}

// ExecutionStore persists execution records
type ExecutionStore interface {
	Create(ctx context.Context, e *Execution) error
	// Get returns an error wrapping ErrNotFound for unknown ids.
	Get(ctx context.Context, id string) (*Execution, error)
	// MarkStopped moves a running execution to stopped.
	MarkStopped(ctx context.Context, id string) (bool, error)
	// MarkFinished records a terminal result for a running execution. It
	// reports false when the execution was no longer running.
	MarkFinished(ctx context.Context, id string, status Status, output, errMsg string) (bool, error)
}

// Launcher starts the actual work of a spawned execution.
type Launcher interface {
	Launch(ctx context.Context, e *Execution)
}

// SpawnRequest describes a single subagent to start
type SpawnRequest struct {
	AgentType      string `json:"agent_type"`
	Mode           Mode   `json:"mode"`
	TaskID         string `json:"task_id,omitempty"`
	ConversationID string `json:"conversation_id,omitempty"`
	Prompt         string `json:"prompt,omitempty"`
}

// SpawnResult is returned by Spawn
type SpawnResult struct {
	ExecutionID    string         `json:"execution_id"`
	Mode           Mode           `json:"mode"`
	PermissionMode PermissionMode `json:"permission_mode"`
	Status         Status         `json:"status"`
}

// AgentConfig describes one member of a parallel spawn
type AgentConfig struct {
	AgentType      string `json:"agent_type"`
	Prompt         string `json:"prompt,omitempty"`
	TaskID         string `json:"task_id,omitempty"`
	ConversationID string `json:"conversation_id,omitempty"`
}

// GroupResult is returned by SpawnParallel
type GroupResult struct {
	GroupID   string   `json:"group_id"`
	MemberIDs []string `json:"member_ids"`
}

// StopResult is returned by Stop
type StopResult struct {
	ExecutionID string `json:"execution_id"`
	Status      Status `json:"status"`
}

// GroupStatus aggregates a parallel group. It is always derived from member
// statuses.
type GroupStatus struct {
	GroupID   string         `json:"group_id"`
	Status    Status         `json:"status"`
	Total     int            `json:"total"`
	Completed int            `json:"completed"`
	Results   []MemberStatus `json:"results"`
}

// Event names
const (
	EventSpawned   = "subagent.spawned"
	EventStopped   = "subagent.stopped"
	EventCompleted = "subagent.completed"
	EventFailed    = "subagent.failed"
)

// EventHandler is a function that handles scheduler events
type EventHandler func(event interface{})
