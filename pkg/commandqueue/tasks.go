package commandqueue

import (
	"context"
	"fmt"

	"github.com/harun/agentrelay/internal/tracing"
)

// TaskHandler processes one queued task id
type TaskHandler func(ctx context.Context, taskID string) error

// TaskQueue feeds task ids into one lane of a CommandQueue. It satisfies
// task.Queue.
type TaskQueue struct {
	cq      *CommandQueue
	lane    string
	handler TaskHandler
}

// NewTaskQueue creates a task queue on lane
func NewTaskQueue(cq *CommandQueue, lane string, handler TaskHandler) *TaskQueue {
	if lane == "" {
		lane = LaneTasks
	}
	return &TaskQueue{cq: cq, lane: lane, handler: handler}
}

// Enqueue hands a task id to the lane without waiting for it to run.
func (q *TaskQueue) Enqueue(ctx context.Context, taskID string) error {
	if taskID == "" {
		return fmt.Errorf("task id is required")
	}
	ctx = tracing.WithTaskID(ctx, taskID)
	err := q.cq.Submit(ctx, q.lane, func(ctx context.Context) (interface{}, error) {
		return nil, q.handler(ctx, taskID)
	}, &Options{Key: taskID})
	if err != nil {
		return fmt.Errorf("failed to enqueue task %s: %w", taskID, err)
	}
	return nil
}
