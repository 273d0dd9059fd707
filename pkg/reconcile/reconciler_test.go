package reconcile

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harun/agentrelay/pkg/store"
	"github.com/harun/agentrelay/pkg/task"
)

var testLogger = zerolog.New(os.Stdout).Level(zerolog.ErrorLevel)

type recordingQueue struct {
	mu   sync.Mutex
	ids  []string
	fail map[string]bool
}

func (q *recordingQueue) Enqueue(_ context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.fail[id] {
		return errors.New("queue closed")
	}
	q.ids = append(q.ids, id)
	return nil
}

func (q *recordingQueue) enqueued() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]string(nil), q.ids...)
}

func seed(t *testing.T, mem *store.Memory, id string, status task.Status, age time.Duration) {
	t.Helper()
	err := mem.CreateSessionAndTask(context.Background(),
		&task.Session{ID: "sess-" + id, UserID: task.SystemUserID, CreatedAt: time.Now()},
		&task.Task{ID: id, SessionID: "sess-" + id, Status: status, CreatedAt: time.Now().Add(-age)},
	)
	require.NoError(t, err)
}

func setupTestReconciler(t *testing.T, cfg Config) (*Reconciler, *store.Memory, *recordingQueue) {
	t.Helper()

	mem := store.NewMemory()
	queue := &recordingQueue{fail: map[string]bool{}}
	cfg.Store = mem
	cfg.Queue = queue
	cfg.Logger = testLogger
	r, err := New(cfg)
	require.NoError(t, err)
	return r, mem, queue
}

func TestNew(t *testing.T) {
	t.Run("should apply defaults", func(t *testing.T) {
		r, _, _ := setupTestReconciler(t, Config{})
		assert.Equal(t, DefaultSchedule, r.schedule)
		assert.Equal(t, DefaultStaleAfter, r.staleAfter)
		assert.Equal(t, DefaultBatchSize, r.batchSize)
	})

	t.Run("should reject an invalid schedule", func(t *testing.T) {
		_, err := New(Config{Store: store.NewMemory(), Queue: &recordingQueue{}, Schedule: "every minute"})
		assert.Error(t, err)
	})

	t.Run("should require a store and a queue", func(t *testing.T) {
		_, err := New(Config{Queue: &recordingQueue{}})
		assert.Error(t, err)
		_, err = New(Config{Store: store.NewMemory()})
		assert.Error(t, err)
	})
}

func TestRunOnce(t *testing.T) {
	t.Run("should re-enqueue only stale queued tasks", func(t *testing.T) {
		r, mem, queue := setupTestReconciler(t, Config{StaleAfter: time.Minute})
		seed(t, mem, "task-old", task.StatusQueued, 10*time.Minute)
		seed(t, mem, "task-fresh", task.StatusQueued, time.Second)
		seed(t, mem, "task-running", task.StatusInProgress, 10*time.Minute)

		n, err := r.RunOnce(context.Background())
		require.NoError(t, err)
		assert.Equal(t, 1, n)
		assert.Equal(t, []string{"task-old"}, queue.enqueued())
	})

	t.Run("should honour the batch size oldest first", func(t *testing.T) {
		r, mem, queue := setupTestReconciler(t, Config{StaleAfter: time.Minute, BatchSize: 2})
		seed(t, mem, "task-a", task.StatusQueued, 30*time.Minute)
		seed(t, mem, "task-b", task.StatusQueued, 20*time.Minute)
		seed(t, mem, "task-c", task.StatusQueued, 10*time.Minute)

		n, err := r.RunOnce(context.Background())
		require.NoError(t, err)
		assert.Equal(t, 2, n)
		assert.Equal(t, []string{"task-a", "task-b"}, queue.enqueued())
	})

	t.Run("should continue past enqueue failures", func(t *testing.T) {
		r, mem, queue := setupTestReconciler(t, Config{StaleAfter: time.Minute})
		seed(t, mem, "task-a", task.StatusQueued, 30*time.Minute)
		seed(t, mem, "task-b", task.StatusQueued, 20*time.Minute)
		queue.fail["task-a"] = true

		n, err := r.RunOnce(context.Background())
		require.NoError(t, err)
		assert.Equal(t, 1, n)
		assert.Equal(t, []string{"task-b"}, queue.enqueued())
	})
}

func TestStartStop(t *testing.T) {
	r, mem, queue := setupTestReconciler(t, Config{Schedule: "@every 1s", StaleAfter: time.Minute})
	seed(t, mem, "task-old", task.StatusQueued, 10*time.Minute)

	require.NoError(t, r.Start(context.Background()))
	assert.Error(t, r.Start(context.Background()))

	assert.Eventually(t, func() bool { return len(queue.enqueued()) > 0 }, 5*time.Second, 50*time.Millisecond)

	r.Stop()
	r.Stop()
}
