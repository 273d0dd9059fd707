// Package commandqueue provides lane-based job execution with FIFO ordering per lane.
//
// Invariants:
// - Jobs in the same lane start in FIFO order, at most the lane concurrency at once.
// - Jobs in different lanes may execute concurrently.
// - Queue activity is observable through enqueued/completed events and metrics.
//
// Usage:
//
//	queue := commandqueue.New(commandqueue.Config{Logger: logger})
//	defer queue.Close()
//	tasks := commandqueue.NewTaskQueue(queue, commandqueue.LaneTasks, worker.Process)
//	_ = tasks.Enqueue(ctx, "task-0123456789ab")
package commandqueue
