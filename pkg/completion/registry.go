// Package completion resolves and invokes the provider-specific callback that
// reports a finished task back to its origin.
package completion

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"github.com/harun/agentrelay/internal/observability"
	"github.com/harun/agentrelay/internal/tracing"
	"github.com/harun/agentrelay/pkg/provider"
	"github.com/harun/agentrelay/pkg/task"
)

// ErrAlreadyRegistered is returned when a key already has a handler
var ErrAlreadyRegistered = errors.New("completion handler already registered")

// Context is built fresh for every invocation and never persisted
type Context struct {
	TaskID   string
	Command  string
	Payload  map[string]any
	Routing  map[string]any
	Message  string
	Success  bool
	Result   string
	Error    string
	CostUSD  float64
	Metadata *task.SourceMetadata
}

// Outcome is what the worker knows about a finished task
type Outcome struct {
	Success bool
	Result  string
	Error   string
	CostUSD float64
}

// Handler posts a result back. It reports whether the result was delivered.
type Handler func(ctx context.Context, cc Context) (bool, error)

// DispatchError describes a failed resolution or invocation. It is logged,
// never returned from InvokeCompletion.
type DispatchError struct {
	TaskID  string
	Handler string
	Err     error
}

func (e *DispatchError) Error() string {
	return fmt.Sprintf("completion dispatch for task %s via %q: %v", e.TaskID, e.Handler, e.Err)
}

func (e *DispatchError) Unwrap() error { return e.Err }

// Registry maps providers to completion handlers
type Registry struct {
	handlers map[provider.Provider]Handler
	mu       sync.RWMutex
	logger   zerolog.Logger
}

// NewRegistry creates an empty registry
func NewRegistry(logger zerolog.Logger) *Registry {
	return &Registry{
		handlers: make(map[provider.Provider]Handler),
		logger:   logger,
	}
}

// Register adds a handler for key
func (r *Registry) Register(key provider.Provider, h Handler, overwrite bool) error {
	if h == nil {
		return fmt.Errorf("handler for %q is nil", key)
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.handlers[key]; exists && !overwrite {
		return fmt.Errorf("%w: %s", ErrAlreadyRegistered, key)
	}
	r.handlers[key] = h
	r.logger.Debug().Str("handler", string(key)).Msg("Completion handler registered")
	return nil
}

// Get returns the handler for key
func (r *Registry) Get(key provider.Provider) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[key]
	return h, ok
}

// GetOrDefault returns the handler for key, or fallback
func (r *Registry) GetOrDefault(key provider.Provider, fallback Handler) Handler {
	if h, ok := r.Get(key); ok {
		return h
	}
	return fallback
}

// Has reports whether key has a handler
func (r *Registry) Has(key provider.Provider) bool {
	_, ok := r.Get(key)
	return ok
}

// List returns the registered keys, sorted
func (r *Registry) List() []provider.Provider {
	r.mu.RLock()
	defer r.mu.RUnlock()

	keys := make([]provider.Provider, 0, len(r.handlers))
	for k := range r.handlers {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}

// Unregister removes the handler for key and reports whether it existed
func (r *Registry) Unregister(key provider.Provider) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, ok := r.handlers[key]
	delete(r.handlers, key)
	return ok
}

// InvokeCompletion resolves the handler named by the task's stored metadata
// and calls it. Every failure, panics included, becomes false plus an error
// log record. Task state is never written here.
func (r *Registry) InvokeCompletion(ctx context.Context, t *task.Task, outcome Outcome) bool {
	ctx = tracing.WithFlowID(tracing.WithTaskID(ctx, t.ID), t.FlowID)
	logger := tracing.LoggerFromContext(ctx, r.logger)

	meta, err := t.DecodeMetadata()
	if err != nil {
		r.fail(logger, &DispatchError{TaskID: t.ID, Err: err}, "")
		return false
	}

	key := meta.CompletionHandler
	if key == "" {
		key = t.Source
	}
	p, err := provider.Parse(key)
	if err != nil {
		r.fail(logger, &DispatchError{TaskID: t.ID, Handler: key, Err: err}, key)
		return false
	}
	h, ok := r.Get(p)
	if !ok {
		r.fail(logger, &DispatchError{TaskID: t.ID, Handler: key, Err: errors.New("no handler registered")}, key)
		return false
	}

	message := outcome.Result
	if !outcome.Success {
		message = outcome.Error
	}
	cc := Context{
		TaskID:   t.ID,
		Command:  meta.Command,
		Payload:  meta.Payload,
		Routing:  meta.Routing,
		Message:  message,
		Success:  outcome.Success,
		Result:   outcome.Result,
		Error:    outcome.Error,
		CostUSD:  outcome.CostUSD,
		Metadata: meta,
	}
	if cc.Routing == nil {
		cc.Routing = t.Routing
	}

	delivered, err := safeCall(ctx, h, cc)
	if err != nil {
		r.fail(logger, &DispatchError{TaskID: t.ID, Handler: key, Err: err}, key)
		observability.RecordCompletionAudit(ctx, t.ID, key, false)
		return false
	}

	observability.RecordHandlerDispatch(key, delivered)
	observability.RecordCompletionAudit(ctx, t.ID, key, delivered)
	logger.Info().
		Str("handler", key).
		Bool("delivered", delivered).
		Bool("success", outcome.Success).
		Msg("Completion handler invoked")
	return delivered
}

func (r *Registry) fail(logger zerolog.Logger, err *DispatchError, key string) {
	observability.RecordHandlerDispatch(key, false)
	logger.Error().Err(err).Str("handler", err.Handler).Msg("Completion dispatch failed")
}

func safeCall(ctx context.Context, h Handler, cc Context) (delivered bool, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			delivered = false
			err = fmt.Errorf("handler panicked: %v", rec)
		}
	}()
	return h(ctx, cc)
}
