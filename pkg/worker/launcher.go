package worker

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/harun/agentrelay/internal/observability"
	"github.com/harun/agentrelay/internal/tracing"
	"github.com/harun/agentrelay/pkg/commandqueue"
	"github.com/harun/agentrelay/pkg/executor"
	"github.com/harun/agentrelay/pkg/subagent"
)

// Completion is the scheduler surface the launcher reports to
type Completion interface {
	RegisterCancel(ctx context.Context, id string, cancel context.CancelFunc)
	Complete(ctx context.Context, id, output string, runErr error) (bool, error)
}

// Launcher runs spawned subagent executions on the subagents lane
type Launcher struct {
	queue     *commandqueue.CommandQueue
	scheduler Completion
	exec      executor.Executor
	timeout   time.Duration
	logger    zerolog.Logger
}

// LauncherConfig holds launcher configuration
type LauncherConfig struct {
	Queue     *commandqueue.CommandQueue
	Scheduler Completion
	Executor  executor.Executor
	Timeout   time.Duration
	Logger    zerolog.Logger
}

// NewLauncher creates a launcher; install it with Scheduler.SetLauncher.
func NewLauncher(cfg LauncherConfig) *Launcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTaskTimeout
	}
	return &Launcher{
		queue:     cfg.Queue,
		scheduler: cfg.Scheduler,
		exec:      cfg.Executor,
		timeout:   cfg.Timeout,
		logger:    cfg.Logger,
	}
}

// Launch queues the execution. Stop on the scheduler cancels its context.
func (l *Launcher) Launch(ctx context.Context, e *subagent.Execution) {
	ctx = tracing.WithExecutionID(ctx, e.ID)
	runCtx, cancel := context.WithTimeout(ctx, l.timeout)
	l.scheduler.RegisterCancel(ctx, e.ID, cancel)

	req := executor.Request{
		TaskID:         e.TaskID,
		Agent:          e.AgentType,
		Prompt:         e.Prompt,
		PermissionMode: string(e.PermissionMode),
	}

	err := l.queue.Submit(ctx, commandqueue.LaneSubagents, func(context.Context) (interface{}, error) {
		defer cancel()

		start := time.Now()
		res, runErr := l.exec.Execute(runCtx, req)
		observability.RecordExecutorRun(l.exec.Kind(), time.Since(start), runErr == nil)

		output := ""
		if res != nil {
			output = res.Output
		}
		l.finish(ctx, e.ID, output, runErr)
		return nil, runErr
	}, &commandqueue.Options{Key: e.ID})

	if err != nil {
		cancel()
		l.finish(ctx, e.ID, "", err)
	}
}

func (l *Launcher) finish(ctx context.Context, id, output string, runErr error) {
	logger := tracing.LoggerFromContext(ctx, l.logger)
	applied, err := l.scheduler.Complete(ctx, id, output, runErr)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to record subagent result")
		return
	}
	if !applied {
		logger.Info().Msg("Subagent result discarded, execution already finished")
	}
}
