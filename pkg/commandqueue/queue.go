package commandqueue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/harun/agentrelay/internal/observability"
	"github.com/harun/agentrelay/internal/tracing"
)

// Default lane names
const (
	LaneTasks     = "tasks"
	LaneSubagents = "subagents"
)

var (
	// ErrClosed is returned when submitting to a closed queue
	ErrClosed = errors.New("command queue closed")
	// ErrDrained finishes jobs removed from a lane by Drain before they ran
	ErrDrained = errors.New("job drained before it started")
)

// Job is a unit of queued work
type Job func(ctx context.Context) (interface{}, error)

// Options configures a single job
type Options struct {
	// Key identifies the job in events and logs. A sequence id is used when empty.
	Key       string
	WarnAfter time.Duration
	OnWait    func(wait time.Duration, queuePos int)
}

type jobRecord struct {
	id         string
	job        Job
	ctx        context.Context
	enqueuedAt time.Time
	options    Options
	result     chan jobResult
}

type jobResult struct {
	value interface{}
	err   error
}

func (r *jobRecord) finish(res jobResult) {
	r.result <- res
	close(r.result)
}

// laneState manages execution state for a single lane
type laneState struct {
	concurrency int
	queue       []*jobRecord
	running     int
	mu          sync.Mutex
}

// EventHandler is a function that handles queue events
type EventHandler func(event Event)

// Event represents a queue event
type Event struct {
	Type  string                 // "enqueued" or "completed"
	Lane  string                 // Lane name
	JobID string                 // Job key or sequence id
	Data  map[string]interface{} // Additional event data
}

// Config holds queue configuration. Lanes maps lane names to concurrency.
type Config struct {
	Lanes  map[string]int
	Logger zerolog.Logger
}

// CommandQueue runs jobs in named lanes, FIFO within a lane and with a
// concurrency limit per lane.
type CommandQueue struct {
	lanes  map[string]*laneState
	seq    int
	closed bool
	mu     sync.RWMutex
	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
	logger zerolog.Logger

	// Event handling
	eventHandlers map[string][]EventHandler
	eventMu       sync.RWMutex
}

// New creates a new CommandQueue. Without configured lanes the tasks lane
// runs 4 jobs at once and the subagents lane 10.
func New(cfg Config) *CommandQueue {
	observability.EnsureRegistered()

	ctx, cancel := context.WithCancel(context.Background())

	cq := &CommandQueue{
		lanes:         make(map[string]*laneState),
		ctx:           ctx,
		cancel:        cancel,
		logger:        cfg.Logger,
		eventHandlers: make(map[string][]EventHandler),
	}

	lanes := cfg.Lanes
	if len(lanes) == 0 {
		lanes = map[string]int{LaneTasks: 4, LaneSubagents: 10}
	}
	for name, concurrency := range lanes {
		cq.initLane(name, concurrency)
	}

	return cq
}

func (cq *CommandQueue) initLane(lane string, concurrency int) *laneState {
	cq.mu.Lock()
	defer cq.mu.Unlock()

	if ls, exists := cq.lanes[lane]; exists {
		return ls
	}
	if concurrency <= 0 {
		concurrency = 1
	}
	ls := &laneState{
		concurrency: concurrency,
	}
	cq.lanes[lane] = ls
	cq.logger.Debug().Str("lane", lane).Int("concurrency", concurrency).Msg("Lane initialized")
	return ls
}

// lane returns the state of a lane, creating it with concurrency 1
func (cq *CommandQueue) lane(name string) *laneState {
	cq.mu.RLock()
	ls, exists := cq.lanes[name]
	cq.mu.RUnlock()
	if exists {
		return ls
	}
	return cq.initLane(name, 1)
}

// Submit queues a job and returns without waiting for it.
func (cq *CommandQueue) Submit(ctx context.Context, lane string, job Job, options *Options) error {
	_, err := cq.submit(ctx, lane, job, options)
	return err
}

// Run queues a job and waits for its result or ctx cancellation.
func (cq *CommandQueue) Run(ctx context.Context, lane string, job Job, options *Options) (interface{}, error) {
	record, err := cq.submit(ctx, lane, job, options)
	if err != nil {
		return nil, err
	}
	select {
	case res := <-record.result:
		return res.value, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (cq *CommandQueue) submit(ctx context.Context, lane string, job Job, options *Options) (*jobRecord, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	ctx, span := tracing.StartSpan(ctx, tracing.TracerQueue, "commandqueue.enqueue",
		attribute.String("lane", lane),
	)
	defer span.End()

	opts := Options{}
	if options != nil {
		opts = *options
	}

	cq.mu.Lock()
	if cq.closed {
		cq.mu.Unlock()
		return nil, ErrClosed
	}
	cq.seq++
	id := opts.Key
	if id == "" {
		id = fmt.Sprintf("%s-%d", lane, cq.seq)
	}
	cq.mu.Unlock()

	ls := cq.lane(lane)

	ls.mu.Lock()
	record := &jobRecord{
		id:         id,
		job:        job,
		ctx:        tracing.Detach(ctx),
		enqueuedAt: time.Now(),
		options:    opts,
		result:     make(chan jobResult, 1),
	}
	ls.queue = append(ls.queue, record)
	queueSize := len(ls.queue)
	ls.mu.Unlock()

	logger := tracing.LoggerFromContext(ctx, cq.logger)
	logger.Debug().
		Str("lane", lane).
		Str("jobId", id).
		Int("queueSize", queueSize).
		Msg("Job enqueued")

	observability.RecordQueueEnqueue(lane, queueSize)

	cq.emit(Event{
		Type:  "enqueued",
		Lane:  lane,
		JobID: id,
		Data: map[string]interface{}{
			"queueSize": queueSize,
		},
	})

	if opts.WarnAfter > 0 {
		go cq.startWarnTimer(record, lane)
	}

	go cq.processLane(lane)

	return record, nil
}

// processLane starts queued jobs while the lane has capacity
func (cq *CommandQueue) processLane(lane string) {
	ls := cq.lane(lane)
	ls.mu.Lock()
	defer ls.mu.Unlock()

	for ls.running < ls.concurrency && len(ls.queue) > 0 {
		record := ls.queue[0]
		ls.queue = ls.queue[1:]

		ls.running++

		logger := tracing.LoggerFromContext(record.ctx, cq.logger)
		logger.Debug().
			Str("lane", lane).
			Str("jobId", record.id).
			Int("running", ls.running).
			Msg("Job started")

		cq.wg.Add(1)
		go cq.execute(lane, record)
	}
}

func (cq *CommandQueue) execute(lane string, record *jobRecord) {
	defer cq.wg.Done()

	jobCtx, span := tracing.StartSpan(record.ctx, tracing.TracerQueue, "commandqueue.execute",
		attribute.String("lane", lane),
		attribute.String("job_id", record.id),
	)
	defer span.End()

	logger := tracing.LoggerFromContext(jobCtx, cq.logger)

	runCtx, cancel := context.WithCancel(jobCtx)
	stopCancel := context.AfterFunc(cq.ctx, cancel)
	defer func() {
		stopCancel()
		cancel()
	}()

	startTime := time.Now()
	value, err := cq.safeRun(runCtx, record.job)
	duration := time.Since(startTime)

	ls := cq.lane(lane)
	ls.mu.Lock()
	ls.running--
	queueSize := len(ls.queue)
	ls.mu.Unlock()

	record.finish(jobResult{value: value, err: err})

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		logger.Error().
			Str("lane", lane).
			Str("jobId", record.id).
			Dur("duration", duration).
			Err(err).
			Msg("Job failed")
	} else {
		logger.Debug().
			Str("lane", lane).
			Str("jobId", record.id).
			Dur("duration", duration).
			Msg("Job completed")
	}

	observability.RecordQueueCompletion(lane, duration, err == nil, queueSize)

	cq.emit(Event{
		Type:  "completed",
		Lane:  lane,
		JobID: record.id,
		Data: map[string]interface{}{
			"duration": duration.Milliseconds(),
			"success":  err == nil,
		},
	})

	go cq.processLane(lane)
}

func (cq *CommandQueue) safeRun(ctx context.Context, job Job) (value interface{}, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job panicked: %v", r)
		}
	}()
	return job(ctx)
}

func (cq *CommandQueue) startWarnTimer(record *jobRecord, lane string) {
	timer := time.NewTimer(record.options.WarnAfter)
	defer timer.Stop()

	select {
	case <-timer.C:
		ls := cq.lane(lane)
		ls.mu.Lock()
		queuePos := -1
		for i, r := range ls.queue {
			if r == record {
				queuePos = i
				break
			}
		}
		ls.mu.Unlock()

		if queuePos >= 0 {
			wait := time.Since(record.enqueuedAt)
			cq.logger.Warn().
				Str("lane", lane).
				Str("jobId", record.id).
				Dur("wait", wait).
				Int("queuePos", queuePos).
				Msg("Job waiting longer than expected")

			if record.options.OnWait != nil {
				record.options.OnWait(wait, queuePos)
			}
		}
	case <-cq.ctx.Done():
		return
	}
}

// LaneStats is a snapshot of one lane
type LaneStats struct {
	Queued      int `json:"queued"`
	Running     int `json:"running"`
	Concurrency int `json:"concurrency"`
}

// Stats returns a snapshot of every lane
func (cq *CommandQueue) Stats() map[string]LaneStats {
	cq.mu.RLock()
	defer cq.mu.RUnlock()

	stats := make(map[string]LaneStats, len(cq.lanes))
	for name, ls := range cq.lanes {
		ls.mu.Lock()
		stats[name] = LaneStats{Queued: len(ls.queue), Running: ls.running, Concurrency: ls.concurrency}
		ls.mu.Unlock()
	}
	return stats
}

// Drain removes the jobs of lane that have not started and finishes them
// with ErrDrained. Running jobs are left alone. It returns how many were
// removed.
func (cq *CommandQueue) Drain(lane string) int {
	cq.mu.RLock()
	ls, exists := cq.lanes[lane]
	cq.mu.RUnlock()
	if !exists {
		return 0
	}

	ls.mu.Lock()
	pending := ls.queue
	ls.queue = nil
	ls.mu.Unlock()

	for _, record := range pending {
		record.finish(jobResult{err: ErrDrained})
	}
	observability.SetQueueSize(lane, 0)
	if len(pending) > 0 {
		cq.logger.Info().Str("lane", lane).Int("drained", len(pending)).Msg("Lane drained")
	}
	return len(pending)
}

// WaitIdle blocks until no lane has queued or running jobs. It returns
// ctx.Err() when ctx ends first.
func (cq *CommandQueue) WaitIdle(ctx context.Context) error {
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()

	for {
		busy := 0
		for _, st := range cq.Stats() {
			busy += st.Queued + st.Running
		}
		if busy == 0 {
			return nil
		}

		select {
		case <-ctx.Done():
			cq.logger.Warn().Int("busy", busy).Msg("Gave up waiting for queue to go idle")
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Close stops accepting jobs, cancels running ones and waits for them
func (cq *CommandQueue) Close() error {
	cq.mu.Lock()
	cq.closed = true
	cq.mu.Unlock()

	cq.cancel()
	cq.wg.Wait()
	return nil
}

// On registers an event handler for a specific event type
func (cq *CommandQueue) On(eventType string, handler EventHandler) {
	cq.eventMu.Lock()
	defer cq.eventMu.Unlock()

	cq.eventHandlers[eventType] = append(cq.eventHandlers[eventType], handler)
}

// emit calls handlers synchronously
func (cq *CommandQueue) emit(event Event) {
	cq.eventMu.RLock()
	handlers := cq.eventHandlers[event.Type]
	cq.eventMu.RUnlock()

	for _, handler := range handlers {
		handler(event)
	}
}
