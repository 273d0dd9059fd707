package observability

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harun/agentrelay/internal/tracing"
)

func TestMetricsHandler(t *testing.T) {
	RecordWebhookEvent("github", "processed")
	RecordTaskCreated("github")
	RecordQueueEnqueue("webhook", 1)
	RecordQueueCompletion("webhook", 20*time.Millisecond, true, 0)
	RecordSubagentSpawn("capacity", 2)
	SetSubagentActive(3)
	RecordHandlerDispatch("jira", false)
	RecordNotification("sent")
	RecordExecutorRun("cli", time.Second, true)

	rec := httptest.NewRecorder()
	MetricsHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	for _, want := range []string{
		`webhook_events_total{outcome="processed",provider="github"}`,
		`tasks_created_total{provider="github"}`,
		`subagent_spawn_total{result="capacity"} 2`,
		`subagent_active 3`,
		`handler_dispatch_total{provider="jira",result="error"}`,
		`notifications_total{result="sent"}`,
	} {
		assert.Contains(t, string(body), want)
	}
}

func TestAuditLogger(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.log")
	require.NoError(t, InitAuditLogger(path))
	t.Cleanup(func() { _ = GetAuditLogger().Close() })

	RecordTaskCreatedAudit(context.Background(), "task-1", "github", map[string]interface{}{"command": "fix"})
	RecordSubagentStopAudit(context.Background(), "subagent-1", "api", "stopped")

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 2)
	assert.Contains(t, lines[0], `"action":"task_created"`)
	assert.Contains(t, lines[0], `"task_id":"task-1"`)
	assert.Contains(t, lines[1], `"action":"subagent_stopped"`)

	t.Run("should take the trace id from the context", func(t *testing.T) {
		ctx := tracing.WithTraceID(context.Background(), "trace-42")
		RecordTaskCancelAudit(ctx, "task-2", false)

		data, err := os.ReadFile(path)
		require.NoError(t, err)
		lines := strings.Split(strings.TrimSpace(string(data)), "\n")
		last := lines[len(lines)-1]
		assert.Contains(t, last, `"action":"task_cancelled"`)
		assert.Contains(t, last, `"status":"failure"`)
		assert.Contains(t, last, `"trace_id":"trace-42"`)
	})

	t.Run("should record approval clicks with the acting user", func(t *testing.T) {
		RecordApprovalAudit(context.Background(), "task-3", "approve", "alice", true)

		data, err := os.ReadFile(path)
		require.NoError(t, err)
		lines := strings.Split(strings.TrimSpace(string(data)), "\n")
		last := lines[len(lines)-1]
		assert.Contains(t, last, `"event_type":"approval"`)
		assert.Contains(t, last, `"actor":"alice"`)
		assert.Contains(t, last, `"action":"approval_approve"`)
		assert.Contains(t, last, `"status":"success"`)
		assert.Contains(t, last, `"task_id":"task-3"`)
	})

	t.Run("should drop records after close", func(t *testing.T) {
		require.NoError(t, GetAuditLogger().Close())
		before, err := os.ReadFile(path)
		require.NoError(t, err)

		RecordConfigAudit(context.Background(), "command_table_reloaded", "watcher", nil)

		after, err := os.ReadFile(path)
		require.NoError(t, err)
		assert.Equal(t, before, after)
	})
}
