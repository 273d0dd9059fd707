// Package api exposes the subagent scheduler and task cancellation over HTTP.
package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/harun/agentrelay/internal/observability"
	"github.com/harun/agentrelay/internal/tracing"
	"github.com/harun/agentrelay/pkg/subagent"
)

// HeaderIdempotencyKey makes a spawn request safe to retry
const HeaderIdempotencyKey = "Idempotency-Key"

// Scheduler is the subset of subagent.Scheduler served by the API
type Scheduler interface {
	Spawn(ctx context.Context, req subagent.SpawnRequest) (*subagent.SpawnResult, error)
	SpawnParallel(ctx context.Context, configs []subagent.AgentConfig) (*subagent.GroupResult, error)
	Stop(ctx context.Context, id string) (*subagent.StopResult, error)
	GetGroupResults(ctx context.Context, groupID string) (*subagent.GroupStatus, error)
	Active(ctx context.Context) ([]subagent.ActiveEntry, error)
	Get(ctx context.Context, id string) (*subagent.Execution, error)
	Output(ctx context.Context, id string) (string, subagent.Status, error)
	MaxParallel() int
}

// TaskCanceller cancels queued or running tasks
type TaskCanceller interface {
	Cancel(ctx context.Context, taskID string) (bool, error)
}

// Config holds handler configuration
type Config struct {
	Scheduler Scheduler
	Tasks     TaskCanceller
	// Token, when set, is required as a bearer token on every request.
	Token          string
	IdempotencyTTL time.Duration
	Logger         zerolog.Logger
}

// Handler serves /api/subagents/... and /api/tasks/...
type Handler struct {
	scheduler   Scheduler
	tasks       TaskCanceller
	token       string
	idempotency *idempotencyCache
	mux         *http.ServeMux
	logger      zerolog.Logger
}

// ErrorResponse is the body of every non-2xx answer
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// ParallelRequest is the body of POST /api/subagents/parallel
type ParallelRequest struct {
	Agents []subagent.AgentConfig `json:"agents"`
}

// OutputResponse is the body of GET /api/subagents/{id}/output
type OutputResponse struct {
	ExecutionID string          `json:"execution_id"`
	Status      subagent.Status `json:"status"`
	Output      string          `json:"output"`
}

// ActiveResponse is the body of GET /api/subagents/active
type ActiveResponse struct {
	Count       int                    `json:"count"`
	MaxParallel int                    `json:"max_parallel"`
	Active      []subagent.ActiveEntry `json:"active"`
}

// NewHandler creates the API handler
func NewHandler(cfg Config) (*Handler, error) {
	if cfg.Scheduler == nil {
		return nil, fmt.Errorf("scheduler is required")
	}
	if cfg.IdempotencyTTL == 0 {
		cfg.IdempotencyTTL = 5 * time.Minute
	}

	h := &Handler{
		scheduler:   cfg.Scheduler,
		tasks:       cfg.Tasks,
		token:       cfg.Token,
		idempotency: newIdempotencyCache(1024, cfg.IdempotencyTTL),
		mux:         http.NewServeMux(),
		logger:      cfg.Logger,
	}

	h.mux.HandleFunc("POST /api/subagents/spawn", h.handleSpawn)
	h.mux.HandleFunc("POST /api/subagents/parallel", h.handleParallel)
	h.mux.HandleFunc("GET /api/subagents/active", h.handleActive)
	h.mux.HandleFunc("GET /api/subagents/{id}", h.handleGet)
	// groups/{id} and {id}/output overlap as mux patterns.
	h.mux.HandleFunc("GET /api/subagents/{first}/{second}", h.handleSubresource)
	h.mux.HandleFunc("POST /api/subagents/{id}/stop", h.handleStop)
	if cfg.Tasks != nil {
		h.mux.HandleFunc("POST /api/tasks/{id}/cancel", h.handleCancelTask)
	}

	return h, nil
}

// ServeHTTP implements http.Handler
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h.token != "" && !h.authorized(r) {
		writeError(w, http.StatusUnauthorized, "unauthorized", "missing or invalid token")
		return
	}
	h.mux.ServeHTTP(w, r)
}

func (h *Handler) authorized(r *http.Request) bool {
	token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	return subtle.ConstantTimeCompare([]byte(token), []byte(h.token)) == 1
}

func (h *Handler) handleSpawn(w http.ResponseWriter, r *http.Request) {
	var req subagent.SpawnRequest
	if !decodeBody(w, r, &req) {
		return
	}
	h.idempotent(w, r, "spawn", func(ctx context.Context) (int, interface{}, error) {
		res, err := h.scheduler.Spawn(ctx, req)
		return http.StatusCreated, res, err
	})
}

func (h *Handler) handleParallel(w http.ResponseWriter, r *http.Request) {
	var req ParallelRequest
	if !decodeBody(w, r, &req) {
		return
	}
	h.idempotent(w, r, "parallel", func(ctx context.Context) (int, interface{}, error) {
		res, err := h.scheduler.SpawnParallel(ctx, req.Agents)
		return http.StatusCreated, res, err
	})
}

func (h *Handler) handleActive(w http.ResponseWriter, r *http.Request) {
	entries, err := h.scheduler.Active(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ActiveResponse{
		Count:       len(entries),
		MaxParallel: h.scheduler.MaxParallel(),
		Active:      entries,
	})
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	exec, err := h.scheduler.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, exec)
}

func (h *Handler) handleSubresource(w http.ResponseWriter, r *http.Request) {
	first, second := r.PathValue("first"), r.PathValue("second")
	switch {
	case first == "groups":
		h.handleGroup(w, r, second)
	case second == "output":
		h.handleOutput(w, r, first)
	default:
		writeError(w, http.StatusNotFound, "not_found", "no such resource")
	}
}

func (h *Handler) handleOutput(w http.ResponseWriter, r *http.Request, id string) {
	output, status, err := h.scheduler.Output(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, OutputResponse{ExecutionID: id, Status: status, Output: output})
}

func (h *Handler) handleStop(w http.ResponseWriter, r *http.Request) {
	res, err := h.scheduler.Stop(r.Context(), r.PathValue("id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *Handler) handleGroup(w http.ResponseWriter, r *http.Request, groupID string) {
	res, err := h.scheduler.GetGroupResults(r.Context(), groupID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *Handler) handleCancelTask(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	cancelled, err := h.tasks.Cancel(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	observability.RecordTaskCancelAudit(r.Context(), id, cancelled)
	if !cancelled {
		writeError(w, http.StatusConflict, "not_cancellable", "task is not queued or in progress")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"task_id": id, "status": "cancelled"})
}

// idempotent runs fn once per Idempotency-Key and replays the stored answer
// for retries with the same key.
func (h *Handler) idempotent(w http.ResponseWriter, r *http.Request, op string, fn func(context.Context) (int, interface{}, error)) {
	key := r.Header.Get(HeaderIdempotencyKey)
	if key != "" {
		if cached, ok := h.idempotency.get(op, key); ok {
			w.Header().Set("Idempotent-Replayed", "true")
			writeRaw(w, cached.status, cached.body)
			return
		}
	}

	ctx := tracing.NewRequestContext(r.Context())
	status, result, err := fn(ctx)
	if err != nil {
		h.fail(w, r.WithContext(ctx), err)
		return
	}

	body, err := json.Marshal(result)
	if err != nil {
		h.fail(w, r, fmt.Errorf("failed to encode response: %w", err))
		return
	}
	if key != "" {
		h.idempotency.put(op, key, cachedResponse{status: status, body: body})
	}
	writeRaw(w, status, body)
}

// fail maps scheduler errors to status codes
func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	var (
		capErr   *subagent.CapacityError
		notFound *subagent.NotFoundError
		invalid  *subagent.ValidationError
	)
	switch {
	case errors.As(err, &capErr):
		writeError(w, http.StatusTooManyRequests, "capacity_exceeded", err.Error())
	case errors.As(err, &notFound), errors.Is(err, subagent.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", err.Error())
	case errors.As(err, &invalid):
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
	default:
		logger := tracing.LoggerFromContext(r.Context(), h.logger)
		logger.Error().
			Err(err).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Msg("API request failed")
		writeError(w, http.StatusInternalServerError, "internal", "internal error")
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<20))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "failed to read request body")
		return false
	}
	if err := json.Unmarshal(data, v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid JSON body")
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeRaw(w http.ResponseWriter, status int, body []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, ErrorResponse{Error: msg, Code: code})
}
