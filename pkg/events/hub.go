package events

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog"

	"github.com/harun/agentrelay/internal/tracing"
)

// Hub fans lifecycle events out to every connected websocket client
type Hub struct {
	token        string
	tickInterval time.Duration
	upgrader     websocket.Upgrader
	logger       zerolog.Logger
	seq          uint64

	mu      sync.RWMutex
	clients map[string]*Client
	closed  bool

	tickCancel context.CancelFunc
	tickWG     sync.WaitGroup
}

// Config holds hub configuration
type Config struct {
	// Token, when set, must be presented as a bearer header or ?token=.
	Token        string
	TickInterval time.Duration
	Logger       zerolog.Logger
}

// NewHub creates a hub. It starts the keepalive ticker when TickInterval > 0.
func NewHub(cfg Config) *Hub {
	h := &Hub{
		token:        cfg.Token,
		tickInterval: cfg.TickInterval,
		logger:       cfg.Logger,
		clients:      make(map[string]*Client),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
	h.startTicker()
	return h
}

// Broadcast sends an event to all clients
func (h *Hub) Broadcast(ctx context.Context, event string, data interface{}) {
	msg := Message{
		Type:      "event",
		Event:     event,
		Data:      data,
		Timestamp: time.Now().UnixMilli(),
		Seq:       int64(atomic.AddUint64(&h.seq, 1)),
	}
	if ctx != nil {
		msg.TraceID = tracing.GetTraceID(ctx)
	}

	payload, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error().Err(err).Str("event", event).Msg("Failed to marshal event")
		return
	}

	clients := h.snapshot()
	if len(clients) == 0 {
		return
	}

	failed := 0
	for _, client := range clients {
		if err := client.WriteMessage(websocket.TextMessage, payload); err != nil {
			h.logger.Warn().
				Err(err).
				Str("clientId", client.ID).
				Str("event", event).
				Msg("Failed to broadcast to client")
			failed++
			h.remove(client.ID)
			_ = client.Conn.Close()
		}
	}

	h.logger.Debug().
		Str("event", event).
		Int64("seq", msg.Seq).
		Int("success", len(clients)-failed).
		Int("failed", failed).
		Msg("Event broadcast complete")
}

// BroadcastTask emits a task.* event
func (h *Hub) BroadcastTask(ctx context.Context, event string, e TaskEvent) {
	h.Broadcast(ctx, event, e)
}

// BroadcastSubagent adapts scheduler events; pass it to Scheduler.On.
func (h *Hub) BroadcastSubagent(event string) func(data interface{}) {
	return func(data interface{}) {
		h.Broadcast(context.Background(), event, data)
	}
}

// ServeHTTP upgrades the request and registers the client
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	closed := h.closed
	h.mu.RUnlock()
	if closed {
		http.Error(w, "Server is shutting down", http.StatusServiceUnavailable)
		return
	}

	if !h.authorized(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to upgrade connection")
		return
	}

	clientID, _ := gonanoid.New()
	client := &Client{
		ID:          clientID,
		Conn:        conn,
		IPAddress:   r.RemoteAddr,
		ConnectedAt: time.Now(),
	}

	h.mu.Lock()
	h.clients[clientID] = client
	h.mu.Unlock()

	h.logger.Info().
		Str("clientId", clientID).
		Str("ip", r.RemoteAddr).
		Msg("Client connected")

	go h.readLoop(client)
}

// readLoop drains client frames until the connection closes
func (h *Hub) readLoop(client *Client) {
	defer func() {
		_ = client.Conn.Close()
		h.remove(client.ID)
		h.logger.Info().Str("clientId", client.ID).Msg("Client disconnected")
	}()

	for {
		if _, _, err := client.Conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) authorized(r *http.Request) bool {
	if h.token == "" {
		return true
	}
	presented := r.URL.Query().Get("token")
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		presented = strings.TrimPrefix(auth, "Bearer ")
	}
	return subtle.ConstantTimeCompare([]byte(presented), []byte(h.token)) == 1
}

// Clients returns the connected clients
func (h *Hub) Clients() []ClientInfo {
	clients := h.snapshot()
	infos := make([]ClientInfo, 0, len(clients))
	for _, c := range clients {
		infos = append(infos, ClientInfo{ID: c.ID, IPAddress: c.IPAddress, ConnectedAt: c.ConnectedAt})
	}
	return infos
}

// Count returns the number of connected clients
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Close announces shutdown and disconnects every client
func (h *Hub) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	h.mu.Unlock()

	h.stopTicker()
	h.Broadcast(context.Background(), Shutdown, map[string]interface{}{
		"message": "Server is shutting down",
	})

	for _, client := range h.snapshot() {
		_ = client.Conn.Close()
		h.remove(client.ID)
	}
}

func (h *Hub) snapshot() []*Client {
	h.mu.RLock()
	defer h.mu.RUnlock()

	clients := make([]*Client, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	return clients
}

func (h *Hub) remove(id string) {
	h.mu.Lock()
	delete(h.clients, id)
	h.mu.Unlock()
}

func (h *Hub) startTicker() {
	if h.tickInterval <= 0 {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	h.tickCancel = cancel
	h.tickWG.Add(1)

	go func() {
		defer h.tickWG.Done()

		ticker := time.NewTicker(h.tickInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				h.Broadcast(context.Background(), Tick, map[string]interface{}{"status": "alive"})
			}
		}
	}()
}

func (h *Hub) stopTicker() {
	if h.tickCancel != nil {
		h.tickCancel()
		h.tickCancel = nil
	}
	h.tickWG.Wait()
}
