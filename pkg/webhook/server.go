// Package webhook receives signed provider deliveries over HTTP.
package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"

	"github.com/harun/agentrelay/internal/observability"
	"github.com/harun/agentrelay/internal/tracing"
	"github.com/harun/agentrelay/pkg/provider"
	"github.com/harun/agentrelay/pkg/task"
)

// Server is the webhook HTTP server
type Server struct {
	options        ServerOptions
	processor      Processor
	server         *http.Server
	mux            *http.ServeMux
	rateLimiter    *RateLimiter
	dedup          *Deduplicator
	interactions   *Interactions
	metricsTracker *MetricsTracker
	logger         zerolog.Logger
	startTime      time.Time
	now            func() time.Time
	isShuttingDown bool
	shutdownMu     sync.RWMutex
	inFlightReqs   sync.WaitGroup
}

// NewServer creates a new webhook server
func NewServer(options ServerOptions, processor Processor, logger zerolog.Logger) (*Server, error) {
	if processor == nil {
		return nil, fmt.Errorf("processor is required")
	}
	if options.Port == 0 {
		options.Port = 8080
	}
	if options.Host == "" {
		options.Host = "0.0.0.0"
	}
	if options.RateLimitPerMinute == 0 {
		options.RateLimitPerMinute = 100
	}
	if options.Timeout == 0 {
		options.Timeout = 30 * time.Second
	}
	if options.MaxBodyBytes == 0 {
		options.MaxBodyBytes = 5 << 20
	}
	if options.DedupTTL == 0 {
		options.DedupTTL = time.Hour
	}
	if options.DedupSize == 0 {
		options.DedupSize = 10000
	}
	if options.Providers == nil {
		options.Providers = map[provider.Provider]ProviderOptions{}
		for _, p := range provider.All {
			options.Providers[p] = ProviderOptions{Enabled: true}
		}
	}

	s := &Server{
		options:        options,
		processor:      processor,
		mux:            http.NewServeMux(),
		rateLimiter:    NewRateLimiter(options.RateLimitPerMinute),
		dedup:          NewDeduplicator(options.DedupSize, options.DedupTTL),
		metricsTracker: NewMetricsTracker(),
		logger:         logger,
		startTime:      time.Now(),
		now:            time.Now,
	}

	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.Handle("GET /metrics", observability.MetricsHandler())
	s.mux.HandleFunc("POST /webhooks/{provider}", s.handleWebhook)

	return s, nil
}

// Mount adds another handler, such as the subagent API or the event stream,
// to the server's mux.
func (s *Server) Mount(pattern string, h http.Handler) {
	s.mux.Handle(pattern, h)
}

// Handler returns the server's routes
func (s *Server) Handler() http.Handler {
	return s.mux
}

// Start serves until Stop is called
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", s.options.Host, s.options.Port),
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.logger.Info().
		Str("host", s.options.Host).
		Int("port", s.options.Port).
		Msg("Starting webhook server")

	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("failed to start webhook server: %w", err)
	}
	return nil
}

// Stop drains in-flight deliveries and shuts the server down
func (s *Server) Stop(ctx context.Context) error {
	s.shutdownMu.Lock()
	s.isShuttingDown = true
	s.shutdownMu.Unlock()

	s.logger.Info().Msg("Shutting down webhook server")

	done := make(chan struct{})
	go func() {
		s.inFlightReqs.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info().Msg("All in-flight requests completed")
	case <-ctx.Done():
		s.logger.Warn().Msg("Shutdown timeout reached, forcing close")
	}

	s.rateLimiter.Stop()

	if s.server == nil {
		return nil
	}
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown webhook server: %w", err)
	}

	s.logger.Info().Msg("Webhook server stopped")
	return nil
}

// GetMetrics returns the per-provider counters
func (s *Server) GetMetrics() []ProviderMetrics {
	return s.metricsTracker.GetMetrics()
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	providers := make([]string, 0, len(s.options.Providers))
	for _, p := range provider.All {
		if s.options.Providers[p].Enabled {
			providers = append(providers, string(p))
		}
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "ok",
		"uptime":    time.Since(s.startTime).Seconds(),
		"providers": providers,
		"metrics":   s.metricsTracker.GetMetrics(),
		"timestamp": time.Now().UnixMilli(),
	})
}

func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	s.shutdownMu.RLock()
	if s.isShuttingDown {
		s.shutdownMu.RUnlock()
		http.Error(w, "Server is shutting down", http.StatusServiceUnavailable)
		return
	}
	s.inFlightReqs.Add(1)
	s.shutdownMu.RUnlock()
	defer s.inFlightReqs.Done()

	ip := clientIP(r)
	if !s.rateLimiter.CheckLimit(ip) {
		retryAfter := s.rateLimiter.GetRetryAfter(ip)
		s.logger.Warn().
			Str("ip", ip).
			Str("path", r.URL.Path).
			Int("retryAfter", retryAfter).
			Msg("Rate limit exceeded")

		w.Header().Set("Retry-After", fmt.Sprintf("%d", retryAfter))
		http.Error(w, "Too Many Requests", http.StatusTooManyRequests)
		return
	}

	p, err := provider.Parse(r.PathValue("provider"))
	if err != nil || !s.options.Providers[p].Enabled {
		http.Error(w, "Not Found", http.StatusNotFound)
		return
	}

	rawBody, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.options.MaxBodyBytes))
	if err != nil {
		s.logger.Warn().Err(err).Str("provider", string(p)).Msg("Failed to read request body")
		http.Error(w, "Bad Request", http.StatusBadRequest)
		return
	}

	if err := VerifySignature(p, r.Header, rawBody, s.options.Providers[p].Secret, s.now()); err != nil {
		observability.RecordWebhookEvent(string(p), "unauthorized")
		s.logger.Warn().
			Err(err).
			Str("provider", string(p)).
			Str("ip", ip).
			Msg("Webhook signature rejected")
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	var body map[string]any
	if err := json.Unmarshal(rawBody, &body); err != nil || body == nil {
		s.logger.Warn().Err(err).Str("provider", string(p)).Msg("Failed to parse webhook body")
		http.Error(w, "Bad Request", http.StatusBadRequest)
		return
	}

	eventType := EventType(p, r.Header, body)
	if p == provider.Slack && eventType == SlackURLVerification {
		writeJSON(w, http.StatusOK, map[string]any{"challenge": body["challenge"]})
		return
	}

	deliveryID := DeliveryID(p, r.Header, body)
	if !s.dedup.Claim(deliveryID) {
		observability.RecordWebhookEvent(string(p), OutcomeDuplicate)
		s.metricsTracker.Track(string(p), OutcomeDuplicate, time.Since(start))
		s.logger.Info().
			Str("provider", string(p)).
			Str("deliveryId", deliveryID).
			Str("retryNum", r.Header.Get(HeaderSlackRetryNum)).
			Msg("Duplicate delivery ignored")
		writeJSON(w, http.StatusOK, Response{Status: OutcomeDuplicate})
		return
	}

	ctx := tracing.NewRequestContext(r.Context())
	if deliveryID != "" {
		ctx = tracing.WithDeliveryID(ctx, deliveryID)
	}
	ctx, span := tracing.StartSpan(ctx, tracing.TracerWebhook, "webhook.receive",
		attribute.String("provider", string(p)),
		attribute.String("event_type", eventType),
	)
	defer span.End()
	ctx, cancel := context.WithTimeout(ctx, s.options.Timeout)
	defer cancel()

	logger := tracing.LoggerFromContext(ctx, s.logger)
	outcome, err := s.processor.MatchAndCreateTask(ctx, p, eventType, body)
	if err != nil {
		s.dedup.Release(deliveryID)
		s.metricsTracker.Track(string(p), OutcomeError, time.Since(start))
		span.RecordError(err)
		logger.Error().
			Err(err).
			Str("provider", string(p)).
			Str("eventType", eventType).
			Msg("Webhook processing failed")

		var verr *task.ValidationError
		if errors.As(err, &verr) {
			http.Error(w, "Bad Request", http.StatusBadRequest)
			return
		}
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}

	s.metricsTracker.Track(string(p), string(outcome.Status), time.Since(start))
	logger.Info().
		Str("provider", string(p)).
		Str("eventType", eventType).
		Str("status", string(outcome.Status)).
		Str("ip", ip).
		Dur("duration", time.Since(start)).
		Msg("Webhook request completed")

	writeJSON(w, http.StatusOK, Response{
		Status:  string(outcome.Status),
		TaskID:  outcome.TaskID,
		Command: outcome.Command,
		Reason:  outcome.Reason,
	})
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// clientIP extracts the client IP from the request
func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		return strings.TrimSpace(strings.Split(xff, ",")[0])
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
