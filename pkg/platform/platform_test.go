package platform

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type capturedRequest struct {
	Method string
	Path   string
	Header http.Header
	Body   map[string]any
}

func setupTestServer(t *testing.T, status int, response string) (*httptest.Server, *[]capturedRequest, func()) {
	var captured []capturedRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		var body map[string]any
		_ = json.Unmarshal(raw, &body)
		captured = append(captured, capturedRequest{Method: r.Method, Path: r.URL.Path, Header: r.Header.Clone(), Body: body})
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(response))
	}))
	return srv, &captured, srv.Close
}

func TestGitHub(t *testing.T) {
	ctx := context.Background()

	t.Run("should post an issue comment", func(t *testing.T) {
		srv, reqs, cleanup := setupTestServer(t, http.StatusCreated, `{"id": 42, "html_url": "https://github.com/org/repo/issues/7#c42"}`)
		defer cleanup()

		gh := NewGitHub(GitHubConfig{Token: "ghp_test", BaseURL: srv.URL})
		c, err := gh.PostComment(ctx, "org", "repo", "7", "hello")
		require.NoError(t, err)
		assert.Equal(t, int64(42), c.ID)

		require.Len(t, *reqs, 1)
		r := (*reqs)[0]
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/repos/org/repo/issues/7/comments", r.Path)
		assert.Equal(t, "Bearer ghp_test", r.Header.Get("Authorization"))
		assert.Equal(t, "application/vnd.github+json", r.Header.Get("Accept"))
		assert.Equal(t, "hello", r.Body["body"])
	})

	t.Run("should add a reaction", func(t *testing.T) {
		srv, reqs, cleanup := setupTestServer(t, http.StatusCreated, `{}`)
		defer cleanup()

		gh := NewGitHub(GitHubConfig{Token: "ghp_test", BaseURL: srv.URL})
		require.NoError(t, gh.AddReaction(ctx, "org", "repo", "99", "eyes"))
		assert.Equal(t, "/repos/org/repo/issues/comments/99/reactions", (*reqs)[0].Path)
		assert.Equal(t, "eyes", (*reqs)[0].Body["content"])
	})

	t.Run("should surface API errors", func(t *testing.T) {
		srv, _, cleanup := setupTestServer(t, http.StatusNotFound, `{"message":"Not Found"}`)
		defer cleanup()

		gh := NewGitHub(GitHubConfig{Token: "ghp_test", BaseURL: srv.URL})
		_, err := gh.PostComment(ctx, "org", "repo", "7", "hello")
		var apiErr *APIError
		require.ErrorAs(t, err, &apiErr)
		assert.Equal(t, http.StatusNotFound, apiErr.Status)
	})

	t.Run("should require a token", func(t *testing.T) {
		_, err := NewGitHub(GitHubConfig{}).PostComment(ctx, "org", "repo", "7", "x")
		assert.True(t, errors.Is(err, ErrNotConfigured))
	})
}

func TestJira(t *testing.T) {
	ctx := context.Background()

	t.Run("should post a document comment with basic auth", func(t *testing.T) {
		srv, reqs, cleanup := setupTestServer(t, http.StatusCreated, `{"id":"10001"}`)
		defer cleanup()

		j := NewJira(JiraConfig{BaseURL: srv.URL, Email: "bot@example.com", Token: "secret"})
		id, err := j.AddComment(ctx, "PROJ-1", "first\n\nsecond")
		require.NoError(t, err)
		assert.Equal(t, "10001", id)

		r := (*reqs)[0]
		assert.Equal(t, "/rest/api/3/issue/PROJ-1/comment", r.Path)
		user, pass, ok := (&http.Request{Header: r.Header}).BasicAuth()
		require.True(t, ok)
		assert.Equal(t, "bot@example.com", user)
		assert.Equal(t, "secret", pass)

		body := r.Body["body"].(map[string]any)
		assert.Equal(t, "doc", body["type"])
		assert.Len(t, body["content"], 2)
	})

	t.Run("should require credentials", func(t *testing.T) {
		_, err := NewJira(JiraConfig{BaseURL: "http://x"}).AddComment(ctx, "PROJ-1", "x")
		assert.True(t, errors.Is(err, ErrNotConfigured))
	})
}

func TestSlack(t *testing.T) {
	ctx := context.Background()

	t.Run("should post a message with blocks", func(t *testing.T) {
		srv, reqs, cleanup := setupTestServer(t, http.StatusOK, `{"ok":true,"ts":"1.2"}`)
		defer cleanup()

		s := NewSlack(SlackConfig{BotToken: "xoxb-test", BaseURL: srv.URL})
		err := s.PostMessage(ctx, "#ai-agent-activity", "done", []map[string]any{{"type": "section"}})
		require.NoError(t, err)

		r := (*reqs)[0]
		assert.Equal(t, "/chat.postMessage", r.Path)
		assert.Equal(t, "Bearer xoxb-test", r.Header.Get("Authorization"))
		assert.Equal(t, "#ai-agent-activity", r.Body["channel"])
		assert.Len(t, r.Body["blocks"], 1)
	})

	t.Run("should post a thread reply", func(t *testing.T) {
		srv, reqs, cleanup := setupTestServer(t, http.StatusOK, `{"ok":true}`)
		defer cleanup()

		s := NewSlack(SlackConfig{BotToken: "xoxb-test", BaseURL: srv.URL})
		require.NoError(t, s.PostThreadReply(ctx, "C1", "1700000000.000100", "reply"))
		assert.Equal(t, "1700000000.000100", (*reqs)[0].Body["thread_ts"])
	})

	t.Run("should update a message in place", func(t *testing.T) {
		srv, reqs, cleanup := setupTestServer(t, http.StatusOK, `{"ok":true}`)
		defer cleanup()

		s := NewSlack(SlackConfig{BotToken: "xoxb-test", BaseURL: srv.URL})
		require.NoError(t, s.UpdateMessage(ctx, "C1", "1.2", "approved", []map[string]any{{"type": "section"}}))

		r := (*reqs)[0]
		assert.Equal(t, "/chat.update", r.Path)
		assert.Equal(t, "C1", r.Body["channel"])
		assert.Equal(t, "1.2", r.Body["ts"])
		assert.Equal(t, "approved", r.Body["text"])

		assert.Error(t, s.UpdateMessage(ctx, "C1", "", "x", nil), "ts is required")
	})

	t.Run("should lift ok false into an API error", func(t *testing.T) {
		srv, _, cleanup := setupTestServer(t, http.StatusOK, `{"ok":false,"error":"channel_not_found"}`)
		defer cleanup()

		s := NewSlack(SlackConfig{BotToken: "xoxb-test", BaseURL: srv.URL})
		err := s.PostMessage(ctx, "#missing", "x", nil)
		require.Error(t, err)
		assert.True(t, IsChannelNotFound(err))
	})
}

func TestSentry(t *testing.T) {
	ctx := context.Background()

	t.Run("should add a note", func(t *testing.T) {
		srv, reqs, cleanup := setupTestServer(t, http.StatusCreated, `{"id":"1"}`)
		defer cleanup()

		s := NewSentry(SentryConfig{Org: "acme", Token: "sntrys_test", BaseURL: srv.URL})
		require.NoError(t, s.AddNote(ctx, "", "123", "analysis"))
		assert.Equal(t, "/organizations/acme/issues/123/notes/", (*reqs)[0].Path)
		assert.Equal(t, "analysis", (*reqs)[0].Body["text"])
	})

	t.Run("should prefer the routed org", func(t *testing.T) {
		srv, reqs, cleanup := setupTestServer(t, http.StatusCreated, `{}`)
		defer cleanup()

		s := NewSentry(SentryConfig{Org: "acme", Token: "t", BaseURL: srv.URL})
		require.NoError(t, s.AddNote(ctx, "other", "5", "x"))
		assert.Equal(t, "/organizations/other/issues/5/notes/", (*reqs)[0].Path)
	})
}
