// Package events streams task and subagent lifecycle events to websocket clients.
package events

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Event names broadcast by the hub
const (
	TaskStatus    = "task.status"
	TaskCompleted = "task.completed"
	TaskFailed    = "task.failed"
	Tick          = "tick"
	Shutdown      = "server.shutdown"
)

// Message is a server-initiated event frame
type Message struct {
	Type      string      `json:"type"`
	Event     string      `json:"event"`
	Seq       int64       `json:"seq"`
	Data      interface{} `json:"data"`
	Timestamp int64       `json:"timestamp"`
	TraceID   string      `json:"trace_id,omitempty"`
}

// TaskEvent is the payload of task.* events
type TaskEvent struct {
	TaskID  string  `json:"task_id"`
	FlowID  string  `json:"flow_id,omitempty"`
	Source  string  `json:"source"`
	Status  string  `json:"status"`
	Command string  `json:"command,omitempty"`
	Error   string  `json:"error,omitempty"`
	CostUSD float64 `json:"cost_usd,omitempty"`
}

// Client is a connected websocket subscriber
type Client struct {
	ID          string
	Conn        *websocket.Conn
	IPAddress   string
	ConnectedAt time.Time

	writeMu sync.Mutex
}

// WriteMessage serializes writes; gorilla connections allow one writer.
func (c *Client) WriteMessage(messageType int, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	_ = c.Conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return c.Conn.WriteMessage(messageType, data)
}

// ClientInfo is the public view of a client
type ClientInfo struct {
	ID          string    `json:"id"`
	IPAddress   string    `json:"ip_address"`
	ConnectedAt time.Time `json:"connected_at"`
}
