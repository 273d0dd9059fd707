package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harun/agentrelay/internal/tracing"
	"github.com/harun/agentrelay/pkg/engine"
	"github.com/harun/agentrelay/pkg/provider"
	"github.com/harun/agentrelay/pkg/task"
)

var testLogger = zerolog.New(os.Stdout).Level(zerolog.ErrorLevel)

type delivery struct {
	provider   provider.Provider
	eventType  string
	deliveryID string
	body       map[string]any
}

type fakeProcessor struct {
	mu      sync.Mutex
	calls   []delivery
	outcome engine.Outcome
	err     error
}

func (f *fakeProcessor) MatchAndCreateTask(ctx context.Context, p provider.Provider, eventType string, raw map[string]any) (engine.Outcome, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, delivery{provider: p, eventType: eventType, deliveryID: tracing.GetDeliveryID(ctx), body: raw})
	return f.outcome, f.err
}

func setupTestServer(t *testing.T, opts ServerOptions) (*Server, *fakeProcessor, func()) {
	t.Helper()

	proc := &fakeProcessor{outcome: engine.Outcome{Status: engine.StatusProcessed, TaskID: "task-0123456789ab", Command: "review"}}
	s, err := NewServer(opts, proc, testLogger)
	require.NoError(t, err)

	return s, proc, func() { s.rateLimiter.Stop() }
}

func post(t *testing.T, s *Server, path string, body string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()

	req := httptest.NewRequest(http.MethodPost, path, bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) Response {
	t.Helper()

	var resp Response
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp
}

func TestNewServer(t *testing.T) {
	t.Run("should require a processor", func(t *testing.T) {
		_, err := NewServer(ServerOptions{}, nil, testLogger)
		assert.Error(t, err)
	})

	t.Run("should enable every provider by default", func(t *testing.T) {
		s, _, cleanup := setupTestServer(t, ServerOptions{})
		defer cleanup()

		assert.Equal(t, 8080, s.options.Port)
		for _, p := range provider.All {
			assert.True(t, s.options.Providers[p].Enabled)
		}
	})
}

func TestHandleWebhook(t *testing.T) {
	t.Run("should process a github comment", func(t *testing.T) {
		s, proc, cleanup := setupTestServer(t, ServerOptions{})
		defer cleanup()

		rec := post(t, s, "/webhooks/github", `{"action":"created","comment":{"body":"@agent review"}}`, map[string]string{
			HeaderGitHubEvent:    "issue_comment",
			HeaderGitHubDelivery: "d-1",
		})
		require.Equal(t, http.StatusOK, rec.Code)

		resp := decode(t, rec)
		assert.Equal(t, "processed", resp.Status)
		assert.Equal(t, "task-0123456789ab", resp.TaskID)

		require.Len(t, proc.calls, 1)
		assert.Equal(t, provider.GitHub, proc.calls[0].provider)
		assert.Equal(t, "issue_comment.created", proc.calls[0].eventType)
		assert.Equal(t, "github:d-1", proc.calls[0].deliveryID)
	})

	t.Run("should answer redeliveries as duplicates", func(t *testing.T) {
		s, proc, cleanup := setupTestServer(t, ServerOptions{})
		defer cleanup()

		headers := map[string]string{HeaderGitHubEvent: "issues", HeaderGitHubDelivery: "d-1"}
		post(t, s, "/webhooks/github", `{"action":"opened"}`, headers)
		rec := post(t, s, "/webhooks/github", `{"action":"opened"}`, headers)

		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, OutcomeDuplicate, decode(t, rec).Status)
		assert.Len(t, proc.calls, 1)

		headers[HeaderGitHubDelivery] = "d-2"
		post(t, s, "/webhooks/github", `{"action":"opened"}`, headers)
		assert.Len(t, proc.calls, 2)
	})

	t.Run("should pass through rejected and ignored outcomes", func(t *testing.T) {
		s, proc, cleanup := setupTestServer(t, ServerOptions{})
		defer cleanup()

		proc.outcome = engine.Outcome{Status: engine.StatusRejected, Reason: "unknown command"}
		rec := post(t, s, "/webhooks/jira", `{"webhookEvent":"comment_created"}`, nil)
		assert.Equal(t, http.StatusOK, rec.Code)
		resp := decode(t, rec)
		assert.Equal(t, "rejected", resp.Status)
		assert.Equal(t, "unknown command", resp.Reason)
		assert.Equal(t, "comment_created", proc.calls[0].eventType)

		proc.outcome = engine.Outcome{Status: engine.StatusIgnored, Reason: "event type not handled"}
		rec = post(t, s, "/webhooks/sentry", `{"action":"resolved"}`, map[string]string{HeaderSentryResource: "issue"})
		assert.Equal(t, "ignored", decode(t, rec).Status)
		assert.Equal(t, "issue.resolved", proc.calls[1].eventType)
	})

	t.Run("should echo the slack url verification challenge", func(t *testing.T) {
		s, proc, cleanup := setupTestServer(t, ServerOptions{})
		defer cleanup()

		rec := post(t, s, "/webhooks/slack", `{"type":"url_verification","challenge":"abc"}`, nil)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.JSONEq(t, `{"challenge":"abc"}`, rec.Body.String())
		assert.Empty(t, proc.calls)
	})

	t.Run("should use the slack event type and event id", func(t *testing.T) {
		s, proc, cleanup := setupTestServer(t, ServerOptions{})
		defer cleanup()

		body := `{"type":"event_callback","event_id":"Ev1","event":{"type":"app_mention","text":"@agent help"}}`
		post(t, s, "/webhooks/slack", body, nil)
		rec := post(t, s, "/webhooks/slack", body, map[string]string{HeaderSlackRetryNum: "1"})

		assert.Equal(t, OutcomeDuplicate, decode(t, rec).Status)
		require.Len(t, proc.calls, 1)
		assert.Equal(t, "app_mention", proc.calls[0].eventType)
		assert.Equal(t, "slack:Ev1", proc.calls[0].deliveryID)
	})

	t.Run("should reject bad signatures", func(t *testing.T) {
		s, proc, cleanup := setupTestServer(t, ServerOptions{Providers: map[provider.Provider]ProviderOptions{
			provider.GitHub: {Enabled: true, Secret: "s3cret"},
		}})
		defer cleanup()

		body := `{"action":"created"}`
		rec := post(t, s, "/webhooks/github", body, map[string]string{HeaderGitHubSignature: "sha256=deadbeef"})
		assert.Equal(t, http.StatusUnauthorized, rec.Code)

		rec = post(t, s, "/webhooks/github", body, map[string]string{
			HeaderGitHubSignature: "sha256=" + computeHMACSHA256([]byte(body), "s3cret"),
			HeaderGitHubEvent:     "issue_comment",
		})
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Len(t, proc.calls, 1)
	})

	t.Run("should 404 unknown and disabled providers", func(t *testing.T) {
		s, _, cleanup := setupTestServer(t, ServerOptions{Providers: map[provider.Provider]ProviderOptions{
			provider.GitHub: {Enabled: true},
		}})
		defer cleanup()

		assert.Equal(t, http.StatusNotFound, post(t, s, "/webhooks/telegram", `{}`, nil).Code)
		assert.Equal(t, http.StatusNotFound, post(t, s, "/webhooks/jira", `{}`, nil).Code)
	})

	t.Run("should reject malformed bodies", func(t *testing.T) {
		s, _, cleanup := setupTestServer(t, ServerOptions{})
		defer cleanup()

		assert.Equal(t, http.StatusBadRequest, post(t, s, "/webhooks/github", `not json`, nil).Code)
		assert.Equal(t, http.StatusBadRequest, post(t, s, "/webhooks/github", `[1,2]`, nil).Code)
	})

	t.Run("should map processor errors and release the delivery id", func(t *testing.T) {
		s, proc, cleanup := setupTestServer(t, ServerOptions{})
		defer cleanup()

		headers := map[string]string{HeaderGitHubDelivery: "d-9"}
		proc.err = errors.New("database locked")
		assert.Equal(t, http.StatusInternalServerError, post(t, s, "/webhooks/github", `{}`, headers).Code)

		proc.err = &task.ValidationError{Field: "payload", Reason: "is required"}
		assert.Equal(t, http.StatusBadRequest, post(t, s, "/webhooks/github", `{}`, headers).Code)
		assert.Len(t, proc.calls, 2)
	})

	t.Run("should rate limit per ip", func(t *testing.T) {
		s, _, cleanup := setupTestServer(t, ServerOptions{RateLimitPerMinute: 2})
		defer cleanup()

		post(t, s, "/webhooks/github", `{}`, nil)
		post(t, s, "/webhooks/github", `{}`, nil)
		rec := post(t, s, "/webhooks/github", `{}`, nil)
		assert.Equal(t, http.StatusTooManyRequests, rec.Code)
		assert.NotEmpty(t, rec.Header().Get("Retry-After"))
	})
}

func TestHealthAndMetrics(t *testing.T) {
	s, _, cleanup := setupTestServer(t, ServerOptions{})
	defer cleanup()

	post(t, s, "/webhooks/github", `{}`, nil)

	t.Run("should report providers and counters", func(t *testing.T) {
		rec := httptest.NewRecorder()
		s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
		require.Equal(t, http.StatusOK, rec.Code)

		var body map[string]interface{}
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		assert.Equal(t, "ok", body["status"])
		assert.Len(t, body["providers"], 4)
		assert.Len(t, s.GetMetrics(), 1)
	})

	t.Run("should serve prometheus metrics", func(t *testing.T) {
		rec := httptest.NewRecorder()
		s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
		assert.Equal(t, http.StatusOK, rec.Code)
	})

	t.Run("should serve mounted handlers", func(t *testing.T) {
		s.Mount("GET /extra", http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusTeapot)
		}))
		rec := httptest.NewRecorder()
		s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/extra", nil))
		assert.Equal(t, http.StatusTeapot, rec.Code)
	})

	t.Run("should refuse deliveries while stopping", func(t *testing.T) {
		require.NoError(t, s.Stop(context.Background()))
		assert.Equal(t, http.StatusServiceUnavailable, post(t, s, "/webhooks/github", `{}`, nil).Code)
	})
}

type fakeReactions struct{ got []string }

func (f *fakeReactions) AddReaction(_ context.Context, owner, repo, commentID, reaction string) error {
	f.got = append(f.got, owner+"/"+repo+":"+commentID+":"+reaction)
	return nil
}

func TestGitHubAcknowledger(t *testing.T) {
	ctx := context.Background()

	t.Run("should react with eyes to github comments", func(t *testing.T) {
		f := &fakeReactions{}
		a := NewGitHubAcknowledger(f, testLogger)

		assert.True(t, a.Acknowledge(ctx, provider.GitHub, map[string]any{"owner": "org", "repo": "repo", "comment_id": "42"}))
		assert.Equal(t, []string{"org/repo:42:eyes"}, f.got)
	})

	t.Run("should skip other sources and events without a comment", func(t *testing.T) {
		f := &fakeReactions{}
		a := NewGitHubAcknowledger(f, testLogger)

		assert.False(t, a.Acknowledge(ctx, provider.Jira, map[string]any{"comment_id": "1"}))
		assert.False(t, a.Acknowledge(ctx, provider.GitHub, map[string]any{"owner": "org"}))
		assert.False(t, NewGitHubAcknowledger(nil, testLogger).Acknowledge(ctx, provider.GitHub, map[string]any{"comment_id": "1"}))
		assert.Empty(t, f.got)
	})
}
