package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/harun/agentrelay/pkg/subagent"
)

// Reserve inserts all entries into the active set when the set has room for
// them. The first insert carries the capacity check so count and insert are
// one statement.
func (s *SQLite) Reserve(ctx context.Context, entries []subagent.ActiveEntry, max int) error {
	if len(entries) == 0 {
		return nil
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		first := entries[0]
		res, err := tx.ExecContext(ctx, `
			INSERT INTO active_subagents (execution_id, agent_type, mode, group_id, started_at)
			SELECT ?, ?, ?, ?, ?
			WHERE (SELECT COUNT(*) FROM active_subagents) + ? <= ?;
		`, first.ExecutionID, first.AgentType, string(first.Mode), first.GroupID, toUnix(first.StartedAt), len(entries), max)
		if err != nil {
			return fmt.Errorf("failed to reserve slot: %w", err)
		}
		ok, err := affectedOne(res)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: %d requested, limit %d", subagent.ErrCapacity, len(entries), max)
		}

		for _, e := range entries[1:] {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO active_subagents (execution_id, agent_type, mode, group_id, started_at)
				VALUES (?, ?, ?, ?, ?);
			`, e.ExecutionID, e.AgentType, string(e.Mode), e.GroupID, toUnix(e.StartedAt)); err != nil {
				return fmt.Errorf("failed to reserve slot: %w", err)
			}
		}
		return nil
	})
}

// Release removes an entry from the active set
func (s *SQLite) Release(ctx context.Context, executionID string) (bool, error) {
	var (
		res sql.Result
		err error
	)
	err = retryOnBusy(ctx, 5, func() error {
		res, err = s.db.ExecContext(ctx, `DELETE FROM active_subagents WHERE execution_id = ?;`, executionID)
		return err
	})
	if err != nil {
		return false, fmt.Errorf("failed to release slot: %w", err)
	}
	return affectedOne(res)
}

// ActiveEntries lists the active set, oldest first
func (s *SQLite) ActiveEntries(ctx context.Context) ([]subagent.ActiveEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT execution_id, agent_type, mode, group_id, started_at
		FROM active_subagents ORDER BY started_at ASC, execution_id ASC;
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list active subagents: %w", err)
	}
	defer rows.Close()

	out := []subagent.ActiveEntry{}
	for rows.Next() {
		var (
			e       subagent.ActiveEntry
			mode    string
			started int64
		)
		if err := rows.Scan(&e.ExecutionID, &e.AgentType, &mode, &e.GroupID, &started); err != nil {
			return nil, fmt.Errorf("failed to scan active subagent: %w", err)
		}
		e.Mode = subagent.Mode(mode)
		e.StartedAt = fromUnix(started)
		out = append(out, e)
	}
	return out, rows.Err()
}

// AddGroup registers the members of a parallel group
func (s *SQLite) AddGroup(ctx context.Context, groupID string, memberIDs []string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		for i, id := range memberIDs {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO subagent_group_members (group_id, execution_id, position) VALUES (?, ?, ?);
			`, groupID, id, i); err != nil {
				return fmt.Errorf("failed to add group member: %w", err)
			}
		}
		return nil
	})
}

// GroupMembers returns member ids in spawn order
func (s *SQLite) GroupMembers(ctx context.Context, groupID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT execution_id FROM subagent_group_members WHERE group_id = ? ORDER BY position ASC;
	`, groupID)
	if err != nil {
		return nil, fmt.Errorf("failed to list group members: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan group member: %w", err)
		}
		out = append(out, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: group %s", subagent.ErrNotFound, groupID)
	}
	return out, nil
}

// SetMemberStatus stores the status blob of one group member
func (s *SQLite) SetMemberStatus(ctx context.Context, groupID string, st subagent.MemberStatus) error {
	blob, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("failed to encode member status: %w", err)
	}
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			UPDATE subagent_group_members SET status_json = ? WHERE group_id = ? AND execution_id = ?;
		`, string(blob), groupID, st.ExecutionID)
		if err != nil {
			return fmt.Errorf("failed to update member status: %w", err)
		}
		return nil
	})
}

// MemberStatuses returns the stored status blobs keyed by execution id
func (s *SQLite) MemberStatuses(ctx context.Context, groupID string) (map[string]subagent.MemberStatus, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT execution_id, status_json FROM subagent_group_members WHERE group_id = ?;
	`, groupID)
	if err != nil {
		return nil, fmt.Errorf("failed to load member statuses: %w", err)
	}
	defer rows.Close()

	out := make(map[string]subagent.MemberStatus)
	for rows.Next() {
		var id, blob string
		if err := rows.Scan(&id, &blob); err != nil {
			return nil, fmt.Errorf("failed to scan member status: %w", err)
		}
		if blob == "" {
			continue
		}
		var st subagent.MemberStatus
		if err := json.Unmarshal([]byte(blob), &st); err != nil {
			return nil, fmt.Errorf("failed to decode member status: %w", err)
		}
		out[id] = st
	}
	return out, rows.Err()
}

// Executions returns the durable execution record store
func (s *SQLite) Executions() subagent.ExecutionStore {
	return &sqliteExecutions{s: s}
}

type sqliteExecutions struct {
	s *SQLite
}

func (e *sqliteExecutions) Create(ctx context.Context, x *subagent.Execution) error {
	return retryOnBusy(ctx, 5, func() error {
		_, err := e.s.db.ExecContext(ctx, `
			INSERT INTO subagent_executions (id, agent_type, mode, status, permission_mode, group_id, task_id,
				conversation_id, prompt, started_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?);
		`, x.ID, x.AgentType, string(x.Mode), string(x.Status), string(x.PermissionMode), x.GroupID, x.TaskID,
			x.ConversationID, x.Prompt, toUnix(x.StartedAt))
		if err != nil {
			return fmt.Errorf("failed to insert execution: %w", err)
		}
		return nil
	})
}

func (e *sqliteExecutions) Get(ctx context.Context, id string) (*subagent.Execution, error) {
	var (
		x                  subagent.Execution
		mode, status, perm string
		started            int64
		completed          sql.NullInt64
	)
	err := e.s.db.QueryRowContext(ctx, `
		SELECT id, agent_type, mode, status, permission_mode, group_id, task_id, conversation_id,
			prompt, output, error, started_at, completed_at
		FROM subagent_executions WHERE id = ?;
	`, id).Scan(&x.ID, &x.AgentType, &mode, &status, &perm, &x.GroupID, &x.TaskID, &x.ConversationID,
		&x.Prompt, &x.Output, &x.Error, &started, &completed)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: execution %s", subagent.ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load execution: %w", err)
	}
	x.Mode = subagent.Mode(mode)
	x.Status = subagent.Status(status)
	x.PermissionMode = subagent.PermissionMode(perm)
	x.StartedAt = fromUnix(started)
	x.CompletedAt = timePtr(completed)
	return &x, nil
}

func (e *sqliteExecutions) MarkStopped(ctx context.Context, id string) (bool, error) {
	return e.finish(ctx, id, subagent.StatusStopped, "", "")
}

func (e *sqliteExecutions) MarkFinished(ctx context.Context, id string, status subagent.Status, output, errMsg string) (bool, error) {
	if !status.IsTerminal() {
		return false, fmt.Errorf("status %q is not terminal", status)
	}
	return e.finish(ctx, id, status, output, errMsg)
}

func (e *sqliteExecutions) finish(ctx context.Context, id string, status subagent.Status, output, errMsg string) (bool, error) {
	var (
		res sql.Result
		err error
	)
	err = retryOnBusy(ctx, 5, func() error {
		res, err = e.s.db.ExecContext(ctx, `
			UPDATE subagent_executions
			SET status = ?, output = ?, error = ?, completed_at = ?
			WHERE id = ? AND status = 'running';
		`, string(status), output, errMsg, time.Now().UnixNano(), id)
		return err
	})
	if err != nil {
		return false, fmt.Errorf("failed to update execution: %w", err)
	}
	return affectedOne(res)
}
