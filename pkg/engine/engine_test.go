package engine

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harun/agentrelay/internal/tracing"
	"github.com/harun/agentrelay/pkg/command"
	"github.com/harun/agentrelay/pkg/provider"
	"github.com/harun/agentrelay/pkg/store"
	"github.com/harun/agentrelay/pkg/task"
)

var testLogger = zerolog.New(os.Stdout).Level(zerolog.ErrorLevel)

type recordingQueue struct {
	mu  sync.Mutex
	ids []string
	err error
}

func (q *recordingQueue) Enqueue(_ context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return q.err
	}
	q.ids = append(q.ids, id)
	return nil
}

type recordingAck struct{ routings []map[string]any }

func (a *recordingAck) Acknowledge(_ context.Context, _ provider.Provider, routing map[string]any) bool {
	a.routings = append(a.routings, routing)
	return true
}

func testTable() *command.Table {
	return &command.Table{
		Provider:       provider.GitHub,
		DefaultCommand: "analyze",
		BotNames:       []string{"agentrelay"},
		EventTypes:     []string{"issue_comment", "issues"},
		MaxFieldBytes:  64,
		Commands: []command.Command{
			{Name: "analyze", TargetAgent: "planning", PromptTemplate: "Analyze {{issue.title}}"},
			{Name: "review", TargetAgent: "planning", PromptTemplate: "Review {{_user_content}}"},
		},
	}
}

func comment(body string) map[string]any {
	return map[string]any{
		"action":     "created",
		"comment":    map[string]any{"id": float64(555), "body": body, "user": map[string]any{"login": "alice", "type": "User"}},
		"issue":      map[string]any{"number": float64(123), "title": "Crash"},
		"repository": map[string]any{"full_name": "org/repo", "name": "repo", "owner": map[string]any{"login": "org"}},
		"sender":     map[string]any{"login": "alice", "type": "User"},
	}
}

func setupTestEngine(t *testing.T) (*Engine, *store.Memory, *recordingQueue, *recordingAck) {
	t.Helper()

	matcher, err := command.NewMatcher(testTable())
	require.NoError(t, err)
	mem := store.NewMemory()
	queue := &recordingQueue{}
	factory, err := task.NewFactory(task.FactoryConfig{Store: mem, Queue: queue, Logger: testLogger})
	require.NoError(t, err)
	ack := &recordingAck{}

	e, err := New(Config{Matcher: matcher, Tasks: factory, Events: mem, Acknowledger: ack, Logger: testLogger})
	require.NoError(t, err)
	return e, mem, queue, ack
}

func TestNew(t *testing.T) {
	t.Run("should require a matcher and a factory", func(t *testing.T) {
		_, err := New(Config{})
		assert.Error(t, err)
	})
}

func TestMatchAndCreateTask(t *testing.T) {
	ctx := context.Background()

	t.Run("should create a task for a matched command", func(t *testing.T) {
		e, mem, queue, ack := setupTestEngine(t)

		dctx := tracing.WithDeliveryID(ctx, "delivery-1")
		out, err := e.MatchAndCreateTask(dctx, provider.GitHub, "issue_comment.created", comment("@agent review this PR"))
		require.NoError(t, err)

		assert.Equal(t, StatusProcessed, out.Status)
		assert.Equal(t, "review", out.Command)
		assert.Regexp(t, `^task-[0-9a-f]{12}$`, out.TaskID)
		assert.Equal(t, []string{out.TaskID}, queue.ids)

		got, err := mem.GetTask(ctx, out.TaskID)
		require.NoError(t, err)
		assert.Equal(t, "Review this PR", got.InputMessage)
		assert.Equal(t, "github:org/repo:123", got.ExternalID)

		evts := mem.WebhookEvents()
		require.Len(t, evts, 1)
		assert.Equal(t, out.TaskID, evts[0].TaskID)
		assert.Equal(t, "delivery-1", evts[0].DeliveryID)
		assert.Equal(t, "review", evts[0].MatchedCommand)
		assert.True(t, evts[0].ResponseSent)
		assert.Regexp(t, `^evt-[0-9a-f]{12}$`, evts[0].ID)

		require.Len(t, ack.routings, 1)
		assert.Equal(t, "555", ack.routings[0]["comment_id"])
	})

	t.Run("should give two deliveries of one issue the same flow", func(t *testing.T) {
		e, mem, _, _ := setupTestEngine(t)

		first, err := e.MatchAndCreateTask(ctx, provider.GitHub, "issue_comment.created", comment("@agent review this"))
		require.NoError(t, err)
		second, err := e.MatchAndCreateTask(ctx, provider.GitHub, "issue_comment.created", comment("@agent review that"))
		require.NoError(t, err)

		assert.NotEqual(t, first.TaskID, second.TaskID)
		a, _ := mem.GetTask(ctx, first.TaskID)
		b, _ := mem.GetTask(ctx, second.TaskID)
		assert.Equal(t, a.FlowID, b.FlowID)
		assert.Equal(t, task.FlowID("github:org/repo:123"), a.FlowID)
	})

	t.Run("should reject without creating a task", func(t *testing.T) {
		e, mem, queue, ack := setupTestEngine(t)

		out, err := e.MatchAndCreateTask(ctx, provider.GitHub, "issue_comment.created", comment("@agent dance"))
		require.NoError(t, err)
		assert.Equal(t, StatusRejected, out.Status)
		assert.Equal(t, command.ReasonUnknownCommand, out.Reason)
		assert.Empty(t, out.TaskID)
		assert.Empty(t, queue.ids)
		assert.Empty(t, mem.WebhookEvents())
		assert.Empty(t, ack.routings)
	})

	t.Run("should ignore unhandled events and providers without a table", func(t *testing.T) {
		e, _, queue, _ := setupTestEngine(t)

		out, err := e.MatchAndCreateTask(ctx, provider.GitHub, "push", comment("@agent review"))
		require.NoError(t, err)
		assert.Equal(t, StatusIgnored, out.Status)

		out, err = e.MatchAndCreateTask(ctx, provider.Jira, "comment_created", map[string]any{})
		require.NoError(t, err)
		assert.Equal(t, StatusIgnored, out.Status)
		assert.Equal(t, command.ReasonNoTable, out.Reason)
		assert.Empty(t, queue.ids)
	})

	t.Run("should bound substituted values by the table budget", func(t *testing.T) {
		e, mem, _, _ := setupTestEngine(t)

		long := "@agent review "
		for i := 0; i < 50; i++ {
			long += "word "
		}
		out, err := e.MatchAndCreateTask(ctx, provider.GitHub, "issue_comment.created", comment(long))
		require.NoError(t, err)
		got, _ := mem.GetTask(ctx, out.TaskID)
		assert.Less(t, len(got.InputMessage), len(long))
	})

	t.Run("should report the task when only the enqueue fails", func(t *testing.T) {
		e, mem, queue, _ := setupTestEngine(t)
		queue.err = errors.New("queue closed")

		out, err := e.MatchAndCreateTask(ctx, provider.GitHub, "issue_comment.created", comment("@agent review"))
		require.NoError(t, err)
		assert.Equal(t, StatusProcessed, out.Status)
		got, err := mem.GetTask(ctx, out.TaskID)
		require.NoError(t, err)
		assert.Equal(t, task.StatusQueued, got.Status)
	})

	t.Run("should validate its input", func(t *testing.T) {
		e, _, _, _ := setupTestEngine(t)

		_, err := e.MatchAndCreateTask(ctx, provider.Provider("telegram"), "message", map[string]any{})
		assert.Error(t, err)

		_, err = e.MatchAndCreateTask(ctx, provider.GitHub, "issue_comment.created", nil)
		var verr *task.ValidationError
		assert.True(t, errors.As(err, &verr))
	})
}
