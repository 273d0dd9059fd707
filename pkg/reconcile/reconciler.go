// Package reconcile re-enqueues tasks that were persisted but never picked
// up, for example after a crash between persist and enqueue.
package reconcile

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/harun/agentrelay/internal/observability"
	"github.com/harun/agentrelay/internal/tracing"
	"github.com/harun/agentrelay/pkg/task"
)

const (
	DefaultSchedule   = "@every 1m"
	DefaultStaleAfter = 5 * time.Minute
	DefaultBatchSize  = 100
)

// StaleLister finds queued tasks older than a cutoff
type StaleLister interface {
	ListStaleQueued(ctx context.Context, cutoff time.Time, limit int) ([]*task.Task, error)
}

// Config holds reconciler configuration
type Config struct {
	Store StaleLister
	Queue task.Queue
	// Schedule is a cron expression or descriptor such as "@every 1m".
	Schedule   string
	StaleAfter time.Duration
	BatchSize  int
	Logger     zerolog.Logger
}

// Reconciler periodically re-enqueues stale queued tasks. Redelivery is
// safe because the worker only claims a task that is still queued.
type Reconciler struct {
	store      StaleLister
	queue      task.Queue
	schedule   string
	staleAfter time.Duration
	batchSize  int
	logger     zerolog.Logger
	now        func() time.Time

	cron    *cron.Cron
	mu      sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	started bool
}

// New creates a reconciler. The schedule is validated here.
func New(cfg Config) (*Reconciler, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if cfg.Queue == nil {
		return nil, fmt.Errorf("queue is required")
	}
	if cfg.Schedule == "" {
		cfg.Schedule = DefaultSchedule
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = DefaultStaleAfter
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if _, err := cron.ParseStandard(cfg.Schedule); err != nil {
		return nil, fmt.Errorf("invalid reconcile schedule %q: %w", cfg.Schedule, err)
	}

	r := &Reconciler{
		store:      cfg.Store,
		queue:      cfg.Queue,
		schedule:   cfg.Schedule,
		staleAfter: cfg.StaleAfter,
		batchSize:  cfg.BatchSize,
		logger:     cfg.Logger,
		now:        time.Now,
	}
	cl := cronLogger{logger: cfg.Logger}
	r.cron = cron.New(
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)
	return r, nil
}

// Start schedules the reconcile job
func (r *Reconciler) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.started {
		return fmt.Errorf("reconciler already started")
	}
	r.ctx, r.cancel = context.WithCancel(ctx)

	if _, err := r.cron.AddFunc(r.schedule, func() {
		if _, err := r.RunOnce(r.ctx); err != nil {
			r.logger.Error().Err(err).Msg("Reconcile run failed")
		}
	}); err != nil {
		r.cancel()
		return fmt.Errorf("failed to schedule reconcile job: %w", err)
	}

	r.cron.Start()
	r.started = true

	r.logger.Info().
		Str("schedule", r.schedule).
		Dur("staleAfter", r.staleAfter).
		Msg("Reconciler started")
	return nil
}

// Stop halts scheduling and waits for a running pass to return
func (r *Reconciler) Stop() {
	r.mu.Lock()
	if !r.started {
		r.mu.Unlock()
		return
	}
	r.started = false
	r.cancel()
	r.mu.Unlock()

	<-r.cron.Stop().Done()
	r.logger.Info().Msg("Reconciler stopped")
}

// RunOnce re-enqueues up to one batch of stale tasks and returns how many
// were enqueued.
func (r *Reconciler) RunOnce(ctx context.Context) (int, error) {
	cutoff := r.now().Add(-r.staleAfter)
	stale, err := r.store.ListStaleQueued(ctx, cutoff, r.batchSize)
	if err != nil {
		return 0, fmt.Errorf("failed to list stale tasks: %w", err)
	}
	if len(stale) == 0 {
		return 0, nil
	}

	requeued := 0
	for _, t := range stale {
		if ctx.Err() != nil {
			break
		}
		tctx := tracing.WithFlowID(tracing.WithTaskID(ctx, t.ID), t.FlowID)
		if err := r.queue.Enqueue(tctx, t.ID); err != nil {
			logger := tracing.LoggerFromContext(tctx, r.logger)
			logger.Warn().
				Err(err).
				Msg("Failed to re-enqueue stale task")
			continue
		}
		requeued++
	}

	observability.RecordTasksRequeued(requeued)
	r.logger.Info().
		Int("stale", len(stale)).
		Int("requeued", requeued).
		Time("cutoff", cutoff).
		Msg("Re-enqueued stale tasks")

	return requeued, nil
}

// cronLogger routes robfig/cron's logging through zerolog
type cronLogger struct {
	logger zerolog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug().Fields(keysAndValues).Msg(msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error().Err(err).Fields(keysAndValues).Msg(msg)
}
