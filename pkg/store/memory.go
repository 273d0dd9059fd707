package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/harun/agentrelay/pkg/subagent"
	"github.com/harun/agentrelay/pkg/task"
)

// Memory is an in-process store. One mutex guards every table, so the
// capacity check and insert of Reserve are atomic.
type Memory struct {
	mu         sync.Mutex
	sessions   map[string]*task.Session
	tasks      map[string]*task.Task
	events     []*task.WebhookEvent
	executions map[string]*subagent.Execution
	active     map[string]subagent.ActiveEntry
	groups     map[string][]string
	members    map[string]map[string]subagent.MemberStatus
	now        func() time.Time
}

// NewMemory creates an empty in-memory store
func NewMemory() *Memory {
	return &Memory{
		sessions:   make(map[string]*task.Session),
		tasks:      make(map[string]*task.Task),
		executions: make(map[string]*subagent.Execution),
		active:     make(map[string]subagent.ActiveEntry),
		groups:     make(map[string][]string),
		members:    make(map[string]map[string]subagent.MemberStatus),
		now:        time.Now,
	}
}

func (m *Memory) CreateSessionAndTask(_ context.Context, session *task.Session, t *task.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.tasks[t.ID]; exists {
		return fmt.Errorf("task %s already exists", t.ID)
	}
	if _, exists := m.sessions[session.ID]; !exists {
		s := *session
		m.sessions[session.ID] = &s
	}
	cp := *t
	m.tasks[t.ID] = &cp
	return nil
}

func (m *Memory) GetTask(_ context.Context, id string) (*task.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.tasks[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", task.ErrNotFound, id)
	}
	cp := *t
	return &cp, nil
}

func (m *Memory) UpdateTaskStatus(_ context.Context, id string, from, to task.Status) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.tasks[id]
	if !ok || t.Status != from {
		return false, nil
	}
	now := m.now()
	t.Status = to
	if to == task.StatusInProgress {
		t.StartedAt = &now
	}
	if to.IsTerminal() {
		t.CompletedAt = &now
	}
	return true, nil
}

func (m *Memory) SaveTaskResult(_ context.Context, id string, r task.Result) (bool, error) {
	if !r.Status.IsTerminal() {
		return false, fmt.Errorf("result status %q is not terminal", r.Status)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.tasks[id]
	if !ok || t.Status != task.StatusInProgress {
		return false, nil
	}
	now := m.now()
	t.Status = r.Status
	t.Result = r.Output
	t.Error = r.Error
	t.CostUSD = r.CostUSD
	t.InputTokens = r.InputTokens
	t.OutputTokens = r.OutputTokens
	t.CompletedAt = &now
	return true, nil
}

func (m *Memory) ListStaleQueued(_ context.Context, cutoff time.Time, limit int) ([]*task.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*task.Task
	for _, t := range m.tasks {
		if t.Status == task.StatusQueued && t.CreatedAt.Before(cutoff) {
			cp := *t
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) RecordWebhookEvent(_ context.Context, e *task.WebhookEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *e
	m.events = append(m.events, &cp)
	return nil
}

// WebhookEvents returns every recorded event in insertion order
func (m *Memory) WebhookEvents() []*task.WebhookEvent {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]*task.WebhookEvent, len(m.events))
	copy(out, m.events)
	return out
}

func (m *Memory) Reserve(_ context.Context, entries []subagent.ActiveEntry, max int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.active)+len(entries) > max {
		return fmt.Errorf("%w: %d requested, limit %d", subagent.ErrCapacity, len(entries), max)
	}
	for _, e := range entries {
		m.active[e.ExecutionID] = e
	}
	return nil
}

func (m *Memory) Release(_ context.Context, executionID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	_, ok := m.active[executionID]
	delete(m.active, executionID)
	return ok, nil
}

func (m *Memory) ActiveEntries(_ context.Context) ([]subagent.ActiveEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]subagent.ActiveEntry, 0, len(m.active))
	for _, e := range m.active {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].ExecutionID < out[j].ExecutionID
		}
		return out[i].StartedAt.Before(out[j].StartedAt)
	})
	return out, nil
}

func (m *Memory) AddGroup(_ context.Context, groupID string, memberIDs []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.groups[groupID]; exists {
		return fmt.Errorf("group %s already exists", groupID)
	}
	m.groups[groupID] = append([]string(nil), memberIDs...)
	m.members[groupID] = make(map[string]subagent.MemberStatus)
	return nil
}

func (m *Memory) GroupMembers(_ context.Context, groupID string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ids, ok := m.groups[groupID]
	if !ok {
		return nil, fmt.Errorf("%w: group %s", subagent.ErrNotFound, groupID)
	}
	return append([]string(nil), ids...), nil
}

func (m *Memory) SetMemberStatus(_ context.Context, groupID string, st subagent.MemberStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	statuses, ok := m.members[groupID]
	if !ok {
		return fmt.Errorf("%w: group %s", subagent.ErrNotFound, groupID)
	}
	statuses[st.ExecutionID] = st
	return nil
}

func (m *Memory) MemberStatuses(_ context.Context, groupID string) (map[string]subagent.MemberStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[string]subagent.MemberStatus, len(m.members[groupID]))
	for k, v := range m.members[groupID] {
		out[k] = v
	}
	return out, nil
}

// Executions returns the durable execution record store
func (m *Memory) Executions() subagent.ExecutionStore {
	return &memoryExecutions{m: m}
}

type memoryExecutions struct {
	m *Memory
}

func (e *memoryExecutions) Create(_ context.Context, x *subagent.Execution) error {
	e.m.mu.Lock()
	defer e.m.mu.Unlock()

	if _, exists := e.m.executions[x.ID]; exists {
		return fmt.Errorf("execution %s already exists", x.ID)
	}
	cp := *x
	e.m.executions[x.ID] = &cp
	return nil
}

func (e *memoryExecutions) Get(_ context.Context, id string) (*subagent.Execution, error) {
	e.m.mu.Lock()
	defer e.m.mu.Unlock()

	x, ok := e.m.executions[id]
	if !ok {
		return nil, fmt.Errorf("%w: execution %s", subagent.ErrNotFound, id)
	}
	cp := *x
	return &cp, nil
}

func (e *memoryExecutions) MarkStopped(ctx context.Context, id string) (bool, error) {
	return e.finish(id, subagent.StatusStopped, "", "")
}

func (e *memoryExecutions) MarkFinished(_ context.Context, id string, status subagent.Status, output, errMsg string) (bool, error) {
	if !status.IsTerminal() {
		return false, fmt.Errorf("status %q is not terminal", status)
	}
	return e.finish(id, status, output, errMsg)
}

func (e *memoryExecutions) finish(id string, status subagent.Status, output, errMsg string) (bool, error) {
	e.m.mu.Lock()
	defer e.m.mu.Unlock()

	x, ok := e.m.executions[id]
	if !ok || x.Status != subagent.StatusRunning {
		return false, nil
	}
	now := e.m.now()
	x.Status = status
	x.Output = output
	x.Error = errMsg
	x.CompletedAt = &now
	return true, nil
}
