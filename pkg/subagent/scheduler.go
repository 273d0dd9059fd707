// Package subagent schedules bounded-concurrency LLM subagent executions.
package subagent

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/harun/agentrelay/internal/observability"
	"github.com/harun/agentrelay/internal/tracing"
	"github.com/harun/agentrelay/pkg/ids"
)

// Scheduler spawns, tracks, stops and aggregates subagent executions
type Scheduler struct {
	coord       Coordinator
	execs       ExecutionStore
	maxParallel int
	logger      zerolog.Logger
	now         func() time.Time

	launcher Launcher
	cancels  map[string]context.CancelFunc
	mu       sync.Mutex

	// Event handlers
	eventHandlers map[string][]EventHandler
	eventMu       sync.RWMutex
}

// Config holds scheduler configuration
type Config struct {
	Coordinator Coordinator
	Executions  ExecutionStore
	MaxParallel int
	Logger      zerolog.Logger
}

// NewScheduler creates a new subagent scheduler
func NewScheduler(cfg Config) (*Scheduler, error) {
	if cfg.Coordinator == nil {
		return nil, fmt.Errorf("coordinator is required")
	}
	if cfg.Executions == nil {
		return nil, fmt.Errorf("execution store is required")
	}
	if cfg.MaxParallel <= 0 {
		cfg.MaxParallel = MaxParallel
	}

	return &Scheduler{
		coord:         cfg.Coordinator,
		execs:         cfg.Executions,
		maxParallel:   cfg.MaxParallel,
		logger:        cfg.Logger,
		now:           time.Now,
		cancels:       make(map[string]context.CancelFunc),
		eventHandlers: make(map[string][]EventHandler),
	}, nil
}

// SetLauncher installs the component that runs spawned executions.
func (s *Scheduler) SetLauncher(l Launcher) {
	s.mu.Lock()
	s.launcher = l
	s.mu.Unlock()
}

// MaxParallel returns the concurrency cap
func (s *Scheduler) MaxParallel() int {
	return s.maxParallel
}

// Spawn starts a single subagent
func (s *Scheduler) Spawn(ctx context.Context, req SpawnRequest) (*SpawnResult, error) {
	if req.AgentType == "" {
		return nil, &ValidationError{Reason: "agent_type is required"}
	}
	if req.Mode == "" {
		req.Mode = ModeForeground
	}
	if !req.Mode.Valid() {
		return nil, &ValidationError{Reason: fmt.Sprintf("unknown mode %q", req.Mode)}
	}

	execID := ids.ExecutionID()
	ctx, span := tracing.StartSpan(tracing.WithExecutionID(ctx, execID), tracing.TracerScheduler, "subagent.spawn",
		attribute.String("agent_type", req.AgentType),
		attribute.String("mode", string(req.Mode)),
	)
	defer span.End()

	now := s.now()
	entry := ActiveEntry{ExecutionID: execID, AgentType: req.AgentType, Mode: req.Mode, StartedAt: now}
	if err := s.reserve(ctx, []ActiveEntry{entry}); err != nil {
		return nil, err
	}

	exec := &Execution{
		ID:             execID,
		AgentType:      req.AgentType,
		Mode:           req.Mode,
		Status:         StatusRunning,
		PermissionMode: PermissionFor(req.Mode),
		TaskID:         req.TaskID,
		ConversationID: req.ConversationID,
		Prompt:         req.Prompt,
		StartedAt:      now,
	}
	if err := s.execs.Create(ctx, exec); err != nil {
		s.release(ctx, execID)
		observability.RecordSubagentSpawn("error", 1)
		return nil, fmt.Errorf("failed to record execution: %w", err)
	}

	observability.RecordSubagentSpawn("success", 1)
	s.refreshActive(ctx)

	logger := tracing.LoggerFromContext(ctx, s.logger)
	logger.Info().
		Str("agentType", req.AgentType).
		Str("mode", string(req.Mode)).
		Str("permissionMode", string(exec.PermissionMode)).
		Msg("Subagent spawned")

	s.emit(EventSpawned, exec)
	s.launch(ctx, exec)

	return &SpawnResult{
		ExecutionID:    execID,
		Mode:           exec.Mode,
		PermissionMode: exec.PermissionMode,
		Status:         StatusRunning,
	}, nil
}

// SpawnParallel starts every config as one parallel group. Either all of
// them get a slot or none do.
func (s *Scheduler) SpawnParallel(ctx context.Context, configs []AgentConfig) (*GroupResult, error) {
	if len(configs) == 0 {
		return nil, &ValidationError{Reason: "at least one agent config is required"}
	}
	for i, c := range configs {
		if c.AgentType == "" {
			return nil, &ValidationError{Reason: fmt.Sprintf("agent %d: agent_type is required", i)}
		}
	}

	groupID := ids.GroupID()
	ctx, span := tracing.StartSpan(ctx, tracing.TracerScheduler, "subagent.spawn_parallel",
		attribute.String("group_id", groupID),
		attribute.Int("members", len(configs)),
	)
	defer span.End()

	now := s.now()
	entries := make([]ActiveEntry, len(configs))
	execs := make([]*Execution, len(configs))
	memberIDs := make([]string, len(configs))
	for i, c := range configs {
		id := ids.ExecutionID()
		memberIDs[i] = id
		entries[i] = ActiveEntry{ExecutionID: id, AgentType: c.AgentType, Mode: ModeParallel, GroupID: groupID, StartedAt: now}
		execs[i] = &Execution{
			ID:             id,
			AgentType:      c.AgentType,
			Mode:           ModeParallel,
			Status:         StatusRunning,
			// group members run unattended
			PermissionMode: PermissionAutoDeny,
			GroupID:        groupID,
			TaskID:         c.TaskID,
			ConversationID: c.ConversationID,
			Prompt:         c.Prompt,
			StartedAt:      now,
		}
	}

	if err := s.reserve(ctx, entries); err != nil {
		return nil, err
	}

	rollback := func() {
		for _, id := range memberIDs {
			s.release(ctx, id)
		}
	}

	if err := s.coord.AddGroup(ctx, groupID, memberIDs); err != nil {
		rollback()
		return nil, fmt.Errorf("failed to register group: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, e := range execs {
		e := e
		g.Go(func() error {
			if err := s.execs.Create(gctx, e); err != nil {
				return fmt.Errorf("failed to record execution %s: %w", e.ID, err)
			}
			return s.coord.SetMemberStatus(gctx, groupID, MemberStatus{
				ExecutionID: e.ID,
				AgentType:   e.AgentType,
				Status:      StatusRunning,
			})
		})
	}
	if err := g.Wait(); err != nil {
		rollback()
		for _, e := range execs {
			_, _ = s.execs.MarkFinished(ctx, e.ID, StatusFailed, "", "group spawn aborted")
			_ = s.coord.SetMemberStatus(ctx, groupID, MemberStatus{ExecutionID: e.ID, AgentType: e.AgentType, Status: StatusFailed, Error: "group spawn aborted"})
		}
		observability.RecordSubagentSpawn("error", len(execs))
		return nil, err
	}

	observability.RecordSubagentSpawn("success", len(execs))
	s.refreshActive(ctx)

	s.logger.Info().
		Str("groupId", groupID).
		Int("members", len(memberIDs)).
		Msg("Parallel group spawned")

	for _, e := range execs {
		s.emit(EventSpawned, e)
		s.launch(tracing.WithExecutionID(ctx, e.ID), e)
	}

	return &GroupResult{GroupID: groupID, MemberIDs: memberIDs}, nil
}

// Stop marks a running execution stopped and frees its slot. Stopping an
// already finished execution returns its final status unchanged.
func (s *Scheduler) Stop(ctx context.Context, id string) (*StopResult, error) {
	ctx = tracing.WithExecutionID(ctx, id)
	logger := tracing.LoggerFromContext(ctx, s.logger)

	exec, err := s.get(ctx, id)
	if err != nil {
		return nil, err
	}
	if exec.Status.IsTerminal() {
		return &StopResult{ExecutionID: id, Status: exec.Status}, nil
	}

	stopped, err := s.execs.MarkStopped(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to mark execution stopped: %w", err)
	}
	if !stopped {
		// Finished between the read and the update.
		current, err := s.get(ctx, id)
		if err != nil {
			return nil, err
		}
		return &StopResult{ExecutionID: id, Status: current.Status}, nil
	}

	s.release(ctx, id)
	if exec.GroupID != "" {
		if err := s.coord.SetMemberStatus(ctx, exec.GroupID, MemberStatus{
			ExecutionID: id,
			AgentType:   exec.AgentType,
			Status:      StatusStopped,
		}); err != nil {
			logger.Error().Err(err).Str("groupId", exec.GroupID).Msg("Failed to record stopped group member")
		}
	}

	if cancel := s.takeCancel(id); cancel != nil {
		cancel()
	}

	s.refreshActive(ctx)
	observability.RecordSubagentStopAudit(ctx, id, exec.AgentType, string(StatusStopped))
	logger.Info().Str("agentType", exec.AgentType).Msg("Subagent stopped")

	exec.Status = StatusStopped
	s.emit(EventStopped, exec)

	return &StopResult{ExecutionID: id, Status: StatusStopped}, nil
}

// Complete records the result of a running execution. A result for an
// execution that is no longer running is discarded and reported as false.
func (s *Scheduler) Complete(ctx context.Context, id, output string, runErr error) (bool, error) {
	ctx = tracing.WithExecutionID(ctx, id)
	logger := tracing.LoggerFromContext(ctx, s.logger)

	status := StatusCompleted
	errMsg := ""
	if runErr != nil {
		status = StatusFailed
		errMsg = runErr.Error()
	}

	s.takeCancel(id)

	finished, err := s.execs.MarkFinished(ctx, id, status, output, errMsg)
	if err != nil {
		return false, fmt.Errorf("failed to record execution result: %w", err)
	}
	if !finished {
		logger.Warn().Str("status", string(status)).Msg("Discarding result for execution that is no longer running")
		return false, nil
	}

	s.release(ctx, id)

	exec, err := s.get(ctx, id)
	if err != nil {
		return true, err
	}
	if exec.GroupID != "" {
		if err := s.coord.SetMemberStatus(ctx, exec.GroupID, MemberStatus{
			ExecutionID: id,
			AgentType:   exec.AgentType,
			Status:      status,
			Output:      output,
			Error:       errMsg,
		}); err != nil {
			logger.Error().Err(err).Str("groupId", exec.GroupID).Msg("Failed to record group member result")
		}
	}

	s.refreshActive(ctx)
	logger.Info().Str("status", string(status)).Msg("Subagent finished")

	if status == StatusCompleted {
		s.emit(EventCompleted, exec)
	} else {
		s.emit(EventFailed, exec)
	}
	return true, nil
}

// GetGroupResults returns member results and the derived aggregate
func (s *Scheduler) GetGroupResults(ctx context.Context, groupID string) (*GroupStatus, error) {
	members, err := s.coord.GroupMembers(ctx, groupID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, &NotFoundError{Kind: "group", ID: groupID}
		}
		return nil, fmt.Errorf("failed to load group members: %w", err)
	}
	if len(members) == 0 {
		return nil, &NotFoundError{Kind: "group", ID: groupID}
	}

	statuses, err := s.coord.MemberStatuses(ctx, groupID)
	if err != nil {
		return nil, fmt.Errorf("failed to load member statuses: %w", err)
	}

	result := &GroupStatus{
		GroupID: groupID,
		Total:   len(members),
		Results: make([]MemberStatus, 0, len(members)),
	}
	for _, id := range members {
		ms, ok := statuses[id]
		if !ok {
			ms = MemberStatus{ExecutionID: id, Status: StatusRunning}
		}
		if ms.Status.IsTerminal() {
			result.Completed++
		}
		result.Results = append(result.Results, ms)
	}

	result.Status = StatusRunning
	if result.Completed == result.Total {
		result.Status = StatusCompleted
	}
	return result, nil
}

// Active lists the executions currently holding a slot
func (s *Scheduler) Active(ctx context.Context) ([]ActiveEntry, error) {
	entries, err := s.coord.ActiveEntries(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list active executions: %w", err)
	}
	return entries, nil
}

// Get retrieves an execution by ID
func (s *Scheduler) Get(ctx context.Context, id string) (*Execution, error) {
	return s.get(ctx, id)
}

// Output returns the output and status of an execution
func (s *Scheduler) Output(ctx context.Context, id string) (string, Status, error) {
	exec, err := s.get(ctx, id)
	if err != nil {
		return "", "", err
	}
	return exec.Output, exec.Status, nil
}

// RegisterCancel attaches a cancel func to a running execution so Stop can
// interrupt it. When the execution is already finished cancel runs at once.
func (s *Scheduler) RegisterCancel(ctx context.Context, id string, cancel context.CancelFunc) {
	s.mu.Lock()
	s.cancels[id] = cancel
	s.mu.Unlock()

	exec, err := s.execs.Get(ctx, id)
	if err == nil && exec.Status.IsTerminal() {
		if c := s.takeCancel(id); c != nil {
			c()
		}
	}
}

func (s *Scheduler) reserve(ctx context.Context, entries []ActiveEntry) error {
	err := s.coord.Reserve(ctx, entries, s.maxParallel)
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrCapacity) {
		active := -1
		if current, lerr := s.coord.ActiveEntries(ctx); lerr == nil {
			active = len(current)
		}
		observability.RecordSubagentSpawn("capacity", len(entries))
		s.logger.Warn().
			Int("requested", len(entries)).
			Int("active", active).
			Int("limit", s.maxParallel).
			Msg("Subagent spawn rejected at capacity")
		return &CapacityError{Requested: len(entries), Active: active, Limit: s.maxParallel}
	}
	observability.RecordSubagentSpawn("error", len(entries))
	return fmt.Errorf("failed to reserve subagent slot: %w", err)
}

func (s *Scheduler) release(ctx context.Context, id string) {
	if _, err := s.coord.Release(ctx, id); err != nil {
		s.logger.Error().Err(err).Str("executionId", id).Msg("Failed to release subagent slot")
	}
}

func (s *Scheduler) get(ctx context.Context, id string) (*Execution, error) {
	exec, err := s.execs.Get(ctx, id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, &NotFoundError{Kind: "execution", ID: id}
		}
		return nil, fmt.Errorf("failed to load execution: %w", err)
	}
	return exec, nil
}

func (s *Scheduler) takeCancel(id string) context.CancelFunc {
	s.mu.Lock()
	defer s.mu.Unlock()
	cancel := s.cancels[id]
	delete(s.cancels, id)
	return cancel
}

func (s *Scheduler) launch(ctx context.Context, e *Execution) {
	s.mu.Lock()
	l := s.launcher
	s.mu.Unlock()
	if l != nil && e.Prompt != "" {
		l.Launch(tracing.Detach(ctx), e)
	}
}

func (s *Scheduler) refreshActive(ctx context.Context) {
	entries, err := s.coord.ActiveEntries(ctx)
	if err != nil {
		return
	}
	observability.SetSubagentActive(len(entries))
}

// On registers an event handler
func (s *Scheduler) On(eventType string, handler EventHandler) {
	s.eventMu.Lock()
	defer s.eventMu.Unlock()

	s.eventHandlers[eventType] = append(s.eventHandlers[eventType], handler)
}

// Off removes all handlers for an event type
func (s *Scheduler) Off(eventType string) {
	s.eventMu.Lock()
	defer s.eventMu.Unlock()

	delete(s.eventHandlers, eventType)
}

// emit emits an event to all registered handlers
func (s *Scheduler) emit(eventType string, data interface{}) {
	s.eventMu.RLock()
	handlers := s.eventHandlers[eventType]
	s.eventMu.RUnlock()

	for _, handler := range handlers {
		handler(data)
	}
}
