// Package worker runs queued tasks through an executor and dispatches their
// completion handler.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"

	"github.com/harun/agentrelay/internal/observability"
	"github.com/harun/agentrelay/internal/tracing"
	"github.com/harun/agentrelay/pkg/completion"
	"github.com/harun/agentrelay/pkg/events"
	"github.com/harun/agentrelay/pkg/executor"
	"github.com/harun/agentrelay/pkg/task"
)

// DefaultTaskTimeout bounds a single execution
const DefaultTaskTimeout = 30 * time.Minute

// Completer dispatches the completion handler of a finished task
type Completer interface {
	InvokeCompletion(ctx context.Context, t *task.Task, outcome completion.Outcome) bool
}

// Broadcaster publishes task lifecycle events
type Broadcaster interface {
	BroadcastTask(ctx context.Context, event string, e events.TaskEvent)
}

// Worker executes tasks handed over by the task queue
type Worker struct {
	store       task.Store
	exec        executor.Executor
	completions Completer
	events      Broadcaster
	timeout     time.Duration
	logger      zerolog.Logger

	mu      sync.Mutex
	running map[string]context.CancelFunc
}

// Config holds worker configuration
type Config struct {
	Store       task.Store
	Executor    executor.Executor
	Completions Completer
	Events      Broadcaster
	Timeout     time.Duration
	Logger      zerolog.Logger
}

// New creates a worker
func New(cfg Config) (*Worker, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("task store is required")
	}
	if cfg.Executor == nil {
		return nil, fmt.Errorf("executor is required")
	}
	if cfg.Completions == nil {
		return nil, fmt.Errorf("completion registry is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTaskTimeout
	}

	return &Worker{
		store:       cfg.Store,
		exec:        cfg.Executor,
		completions: cfg.Completions,
		events:      cfg.Events,
		timeout:     cfg.Timeout,
		logger:      cfg.Logger,
		running:     make(map[string]context.CancelFunc),
	}, nil
}

// Process runs one task. A task that is no longer queued is skipped, so
// redelivery of the same id is harmless.
func (w *Worker) Process(ctx context.Context, taskID string) error {
	ctx = tracing.WithTaskID(ctx, taskID)
	ctx, span := tracing.StartSpan(ctx, tracing.TracerWorker, "worker.process",
		attribute.String("task_id", taskID),
	)
	defer span.End()
	logger := tracing.LoggerFromContext(ctx, w.logger)

	claimed, err := w.store.UpdateTaskStatus(ctx, taskID, task.StatusQueued, task.StatusInProgress)
	if err != nil {
		return fmt.Errorf("failed to claim task %s: %w", taskID, err)
	}
	if !claimed {
		logger.Debug().Msg("Task no longer queued, skipping")
		return nil
	}

	t, err := w.store.GetTask(ctx, taskID)
	if err != nil {
		return fmt.Errorf("failed to load task %s: %w", taskID, err)
	}
	ctx = tracing.WithFlowID(ctx, t.FlowID)
	logger = tracing.LoggerFromContext(ctx, w.logger)

	meta, err := t.DecodeMetadata()
	if err != nil {
		logger.Warn().Err(err).Msg("Task metadata unreadable")
		meta = &task.SourceMetadata{}
	}
	w.publish(ctx, events.TaskStatus, t, meta.Command)

	runCtx, cancel := context.WithTimeout(ctx, w.timeout)
	w.track(taskID, cancel)
	defer func() {
		w.untrack(taskID)
		cancel()
	}()

	logger.Info().
		Str("agent", t.AssignedAgent).
		Str("command", meta.Command).
		Str("executor", w.exec.Kind()).
		Msg("Executing task")

	start := time.Now()
	res, runErr := w.exec.Execute(runCtx, executor.Request{
		TaskID:         taskID,
		Agent:          t.AssignedAgent,
		Prompt:         t.InputMessage,
		PermissionMode: executor.PermissionDefault,
	})
	observability.RecordExecutorRun(w.exec.Kind(), time.Since(start), runErr == nil)

	result := task.Result{Status: task.StatusCompleted}
	if runErr != nil {
		result.Status = task.StatusFailed
		result.Error = runErr.Error()
		if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
			result.Error = fmt.Sprintf("task timed out after %s", w.timeout)
		}
		span.RecordError(runErr)
		logger.Error().Err(runErr).Msg("Task execution failed")
	} else {
		result.Output = res.Output
		result.CostUSD = res.CostUSD
		result.InputTokens = res.InputTokens
		result.OutputTokens = res.OutputTokens
	}

	saved, err := w.store.SaveTaskResult(ctx, taskID, result)
	if err != nil {
		return fmt.Errorf("failed to save result of task %s: %w", taskID, err)
	}
	if !saved {
		logger.Warn().Msg("Task left in_progress before its result arrived, discarding result")
		return nil
	}

	t.Status = result.Status
	t.Result = result.Output
	t.Error = result.Error
	t.CostUSD = result.CostUSD
	t.InputTokens = result.InputTokens
	t.OutputTokens = result.OutputTokens

	delivered := w.completions.InvokeCompletion(ctx, t, completion.Outcome{
		Success: result.Status == task.StatusCompleted,
		Result:  result.Output,
		Error:   result.Error,
		CostUSD: result.CostUSD,
	})

	event := events.TaskCompleted
	if result.Status == task.StatusFailed {
		event = events.TaskFailed
	}
	w.publish(ctx, event, t, meta.Command)

	logger.Info().
		Str("status", string(result.Status)).
		Float64("costUsd", result.CostUSD).
		Bool("delivered", delivered).
		Dur("duration", time.Since(start)).
		Msg("Task finished")
	return nil
}

// Cancel moves a queued or running task to cancelled. A running execution
// has its context cancelled; its late result is discarded.
func (w *Worker) Cancel(ctx context.Context, taskID string) (bool, error) {
	for _, from := range []task.Status{task.StatusQueued, task.StatusInProgress} {
		ok, err := w.store.UpdateTaskStatus(ctx, taskID, from, task.StatusCancelled)
		if err != nil {
			return false, fmt.Errorf("failed to cancel task %s: %w", taskID, err)
		}
		if !ok {
			continue
		}

		w.mu.Lock()
		cancel := w.running[taskID]
		w.mu.Unlock()
		if cancel != nil {
			cancel()
		}

		if t, err := w.store.GetTask(ctx, taskID); err == nil {
			w.publish(ctx, events.TaskStatus, t, "")
		}
		logger := tracing.LoggerFromContext(ctx, w.logger)
		logger.Info().
			Str("taskId", taskID).
			Str("from", string(from)).
			Msg("Task cancelled")
		return true, nil
	}
	return false, nil
}

// Running returns the number of tasks currently executing
func (w *Worker) Running() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.running)
}

func (w *Worker) track(taskID string, cancel context.CancelFunc) {
	w.mu.Lock()
	w.running[taskID] = cancel
	w.mu.Unlock()
}

func (w *Worker) untrack(taskID string) {
	w.mu.Lock()
	delete(w.running, taskID)
	w.mu.Unlock()
}

func (w *Worker) publish(ctx context.Context, event string, t *task.Task, command string) {
	if w.events == nil {
		return
	}
	w.events.BroadcastTask(ctx, event, events.TaskEvent{
		TaskID:  t.ID,
		FlowID:  t.FlowID,
		Source:  t.Source,
		Status:  string(t.Status),
		Command: command,
		Error:   t.Error,
		CostUSD: t.CostUSD,
	})
}
