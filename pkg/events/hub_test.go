package events

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harun/agentrelay/internal/tracing"
)

func setupTestHub(t *testing.T, cfg Config) (*Hub, string, func()) {
	t.Helper()

	cfg.Logger = zerolog.Nop()
	hub := NewHub(cfg)
	srv := httptest.NewServer(hub)
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")

	return hub, wsURL, func() {
		hub.Close()
		srv.Close()
	}
}

func dial(t *testing.T, hub *Hub, url string, header http.Header) *websocket.Conn {
	t.Helper()

	conn, _, err := websocket.DefaultDialer.Dial(url, header)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return hub.Count() > 0 }, 2*time.Second, 10*time.Millisecond)
	return conn
}

func readMessage(t *testing.T, conn *websocket.Conn) Message {
	t.Helper()

	var msg Message
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	require.NoError(t, conn.ReadJSON(&msg))
	return msg
}

func TestHubBroadcast(t *testing.T) {
	t.Run("should deliver task events in sequence", func(t *testing.T) {
		hub, url, cleanup := setupTestHub(t, Config{})
		defer cleanup()

		conn := dial(t, hub, url, nil)
		defer conn.Close()

		ctx := tracing.WithTraceID(context.Background(), "trace-1")
		hub.BroadcastTask(ctx, TaskStatus, TaskEvent{TaskID: "task-1", Status: "in_progress"})
		hub.BroadcastTask(ctx, TaskCompleted, TaskEvent{TaskID: "task-1", Status: "completed", CostUSD: 0.2})

		first := readMessage(t, conn)
		second := readMessage(t, conn)

		assert.Equal(t, "event", first.Type)
		assert.Equal(t, TaskStatus, first.Event)
		assert.Equal(t, "trace-1", first.TraceID)
		assert.NotZero(t, first.Timestamp)
		assert.Equal(t, TaskCompleted, second.Event)
		assert.Greater(t, second.Seq, first.Seq)

		data, ok := second.Data.(map[string]interface{})
		require.True(t, ok)
		assert.Equal(t, "task-1", data["task_id"])
	})

	t.Run("should adapt scheduler events", func(t *testing.T) {
		hub, url, cleanup := setupTestHub(t, Config{})
		defer cleanup()

		conn := dial(t, hub, url, nil)
		defer conn.Close()

		hub.BroadcastSubagent("subagent.spawned")(map[string]string{"execution_id": "exec-1"})
		assert.Equal(t, "subagent.spawned", readMessage(t, conn).Event)
	})

	t.Run("should not fail without clients", func(t *testing.T) {
		hub := NewHub(Config{Logger: zerolog.Nop()})
		defer hub.Close()

		assert.NotPanics(t, func() {
			hub.Broadcast(context.Background(), TaskFailed, nil)
		})
	})
}

func TestHubAuth(t *testing.T) {
	t.Run("should reject a missing token", func(t *testing.T) {
		_, url, cleanup := setupTestHub(t, Config{Token: "secret"})
		defer cleanup()

		_, resp, err := websocket.DefaultDialer.Dial(url, nil)
		require.Error(t, err)
		require.NotNil(t, resp)
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	})

	t.Run("should accept a bearer or query token", func(t *testing.T) {
		hub, url, cleanup := setupTestHub(t, Config{Token: "secret"})
		defer cleanup()

		conn := dial(t, hub, url, http.Header{"Authorization": []string{"Bearer secret"}})
		defer conn.Close()

		other, _, err := websocket.DefaultDialer.Dial(url+"?token=secret", nil)
		require.NoError(t, err)
		defer other.Close()
	})
}

func TestHubClose(t *testing.T) {
	t.Run("should announce shutdown and drop clients", func(t *testing.T) {
		hub, url, cleanup := setupTestHub(t, Config{})
		defer cleanup()

		conn := dial(t, hub, url, nil)
		defer conn.Close()

		hub.Close()
		assert.Equal(t, Shutdown, readMessage(t, conn).Event)
		assert.Equal(t, 0, hub.Count())
	})

	t.Run("should emit ticks", func(t *testing.T) {
		hub, url, cleanup := setupTestHub(t, Config{TickInterval: 20 * time.Millisecond})
		defer cleanup()

		conn := dial(t, hub, url, nil)
		defer conn.Close()

		assert.Equal(t, Tick, readMessage(t, conn).Event)
	})
}
