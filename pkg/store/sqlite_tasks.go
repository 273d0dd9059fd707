package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/harun/agentrelay/pkg/task"
)

const taskColumns = `id, session_id, source, status, external_id, flow_id, assigned_agent, input_message,
	routing_json, metadata_json, result, error, cost_usd, input_tokens, output_tokens,
	created_at, started_at, completed_at`

// CreateSessionAndTask writes the session (when absent) and the task in one
// transaction.
func (s *SQLite) CreateSessionAndTask(ctx context.Context, session *task.Session, t *task.Task) error {
	routing, err := json.Marshal(t.Routing)
	if err != nil {
		return fmt.Errorf("failed to encode routing: %w", err)
	}
	metadata := string(t.Metadata)
	if metadata == "" {
		metadata = "{}"
	}

	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			INSERT OR IGNORE INTO sessions (id, user_id, created_at) VALUES (?, ?, ?);
		`, session.ID, session.UserID, toUnix(session.CreatedAt)); err != nil {
			return fmt.Errorf("failed to insert session: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO tasks (id, session_id, source, status, external_id, flow_id, assigned_agent,
				input_message, routing_json, metadata_json, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);
		`, t.ID, t.SessionID, t.Source, string(t.Status), t.ExternalID, t.FlowID, t.AssignedAgent,
			t.InputMessage, string(routing), metadata, toUnix(t.CreatedAt)); err != nil {
			return fmt.Errorf("failed to insert task: %w", err)
		}
		return nil
	})
}

// GetTask returns a task by id
func (s *SQLite) GetTask(ctx context.Context, id string) (*task.Task, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?;`, id)
	t, err := scanTask(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", task.ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load task: %w", err)
	}
	return t, nil
}

// UpdateTaskStatus moves a task between statuses with a conditional update.
func (s *SQLite) UpdateTaskStatus(ctx context.Context, id string, from, to task.Status) (bool, error) {
	var (
		res sql.Result
		err error
	)
	now := time.Now().UnixNano()
	err = retryOnBusy(ctx, 5, func() error {
		res, err = s.db.ExecContext(ctx, `
			UPDATE tasks
			SET status = ?,
				started_at = CASE WHEN ? = 'in_progress' THEN ? ELSE started_at END,
				completed_at = CASE WHEN ? IN ('completed', 'failed', 'cancelled') THEN ? ELSE completed_at END
			WHERE id = ? AND status = ?;
		`, string(to), string(to), now, string(to), now, id, string(from))
		return err
	})
	if err != nil {
		return false, fmt.Errorf("failed to update task status: %w", err)
	}
	return affectedOne(res)
}

// SaveTaskResult stores a terminal result for an in-progress task.
func (s *SQLite) SaveTaskResult(ctx context.Context, id string, r task.Result) (bool, error) {
	if !r.Status.IsTerminal() {
		return false, fmt.Errorf("result status %q is not terminal", r.Status)
	}
	var (
		res sql.Result
		err error
	)
	err = retryOnBusy(ctx, 5, func() error {
		res, err = s.db.ExecContext(ctx, `
			UPDATE tasks
			SET status = ?, result = ?, error = ?, cost_usd = ?, input_tokens = ?, output_tokens = ?, completed_at = ?
			WHERE id = ? AND status = 'in_progress';
		`, string(r.Status), r.Output, r.Error, r.CostUSD, r.InputTokens, r.OutputTokens, time.Now().UnixNano(), id)
		return err
	})
	if err != nil {
		return false, fmt.Errorf("failed to save task result: %w", err)
	}
	return affectedOne(res)
}

// ListStaleQueued returns queued tasks created before cutoff, oldest first.
func (s *SQLite) ListStaleQueued(ctx context.Context, cutoff time.Time, limit int) ([]*task.Task, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+taskColumns+`
		FROM tasks
		WHERE status = 'queued' AND created_at < ?
		ORDER BY created_at ASC
		LIMIT ?;
	`, cutoff.UnixNano(), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list stale tasks: %w", err)
	}
	defer rows.Close()

	var out []*task.Task
	for rows.Next() {
		t, err := scanTask(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("failed to scan task: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// ListTasksByFlow returns every task sharing a flow id, oldest first.
func (s *SQLite) ListTasksByFlow(ctx context.Context, flowID string) ([]*task.Task, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+taskColumns+` FROM tasks WHERE flow_id = ? ORDER BY created_at ASC;
	`, flowID)
	if err != nil {
		return nil, fmt.Errorf("failed to list flow tasks: %w", err)
	}
	defer rows.Close()

	var out []*task.Task
	for rows.Next() {
		t, err := scanTask(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("failed to scan task: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// RecordWebhookEvent stores a webhook event row.
func (s *SQLite) RecordWebhookEvent(ctx context.Context, e *task.WebhookEvent) error {
	sent := 0
	if e.ResponseSent {
		sent = 1
	}
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO webhook_events (id, provider, event_type, delivery_id, matched_command, task_id, response_sent, received_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?);
		`, e.ID, e.Provider, e.EventType, e.DeliveryID, e.MatchedCommand, e.TaskID, sent, toUnix(e.ReceivedAt))
		if err != nil {
			return fmt.Errorf("failed to insert webhook event: %w", err)
		}
		return nil
	})
}

// WebhookEventsForTask returns the events that produced a task.
func (s *SQLite) WebhookEventsForTask(ctx context.Context, taskID string) ([]*task.WebhookEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, provider, event_type, delivery_id, matched_command, task_id, response_sent, received_at
		FROM webhook_events WHERE task_id = ? ORDER BY received_at ASC;
	`, taskID)
	if err != nil {
		return nil, fmt.Errorf("failed to list webhook events: %w", err)
	}
	defer rows.Close()

	var out []*task.WebhookEvent
	for rows.Next() {
		var (
			e        task.WebhookEvent
			sent     int
			received int64
		)
		if err := rows.Scan(&e.ID, &e.Provider, &e.EventType, &e.DeliveryID, &e.MatchedCommand, &e.TaskID, &sent, &received); err != nil {
			return nil, fmt.Errorf("failed to scan webhook event: %w", err)
		}
		e.ResponseSent = sent == 1
		e.ReceivedAt = fromUnix(received)
		out = append(out, &e)
	}
	return out, rows.Err()
}

func scanTask(scanFn func(dest ...any) error) (*task.Task, error) {
	var (
		t         task.Task
		status    string
		routing   string
		metadata  string
		created   int64
		started   sql.NullInt64
		completed sql.NullInt64
	)
	if err := scanFn(
		&t.ID,
		&t.SessionID,
		&t.Source,
		&status,
		&t.ExternalID,
		&t.FlowID,
		&t.AssignedAgent,
		&t.InputMessage,
		&routing,
		&metadata,
		&t.Result,
		&t.Error,
		&t.CostUSD,
		&t.InputTokens,
		&t.OutputTokens,
		&created,
		&started,
		&completed,
	); err != nil {
		return nil, err
	}

	t.Status = task.Status(status)
	t.CreatedAt = fromUnix(created)
	t.StartedAt = timePtr(started)
	t.CompletedAt = timePtr(completed)
	if strings.TrimSpace(routing) != "" {
		if err := json.Unmarshal([]byte(routing), &t.Routing); err != nil {
			return nil, fmt.Errorf("failed to decode routing: %w", err)
		}
	}
	t.Metadata = json.RawMessage(metadata)
	return &t, nil
}

func affectedOne(res sql.Result) (bool, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read rows affected: %w", err)
	}
	return n == 1, nil
}
