package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testLogger = zerolog.New(os.Stdout).Level(zerolog.ErrorLevel)

// writeFakeCLI writes a shell script that prints body and exits with code
func writeFakeCLI(t *testing.T, body string, code int) string {
	dir := t.TempDir()
	path := filepath.Join(dir, "claude")
	script := fmt.Sprintf("#!/bin/sh\ncat <<'EOF'\n%s\nEOF\nexit %d\n", body, code)
	require.NoError(t, os.WriteFile(path, []byte(script), 0o755))
	return path
}

func TestCLIArgs(t *testing.T) {
	t.Run("should place the prompt after the separator", func(t *testing.T) {
		c := NewCLI(Config{Model: "sonnet"}, testLogger)
		args, err := c.Args(Request{Prompt: "--help me"})
		require.NoError(t, err)

		assert.Equal(t, []string{"-p", "--output-format", "stream-json", "--verbose"}, args[:4])
		assert.Contains(t, args, "--dangerously-skip-permissions")
		assert.Equal(t, "--", args[len(args)-2])
		assert.Equal(t, "--help me", args[len(args)-1])
		assert.Contains(t, strings.Join(args, " "), "--model sonnet")
	})

	t.Run("should restrict tools in auto-deny mode", func(t *testing.T) {
		c := NewCLI(Config{}, testLogger)
		args, err := c.Args(Request{Prompt: "x", PermissionMode: PermissionAutoDeny})
		require.NoError(t, err)
		assert.NotContains(t, args, "--dangerously-skip-permissions")
		assert.Contains(t, args, "--allowedTools")
	})

	t.Run("should load subagent definitions for the agent", func(t *testing.T) {
		root := t.TempDir()
		require.NoError(t, os.MkdirAll(filepath.Join(root, "reviewer"), 0o755))
		require.NoError(t, os.WriteFile(filepath.Join(root, "reviewer", subagentsFileName), []byte("{\n  \"linter\": {\"description\": \"lint\"}\n}"), 0o644))

		c := NewCLI(Config{AgentDirs: []string{t.TempDir(), root}}, testLogger)
		args, err := c.Args(Request{Agent: "reviewer", Prompt: "x"})
		require.NoError(t, err)
		assert.Contains(t, args, `{"linter":{"description":"lint"}}`)
		assert.Equal(t, filepath.Join(root, "reviewer"), c.workDir("reviewer"))
	})

	t.Run("should reject malformed subagent definitions", func(t *testing.T) {
		root := t.TempDir()
		require.NoError(t, os.MkdirAll(filepath.Join(root, "bad"), 0o755))
		require.NoError(t, os.WriteFile(filepath.Join(root, "bad", subagentsFileName), []byte("{"), 0o644))

		_, err := NewCLI(Config{AgentDirs: []string{root}}, testLogger).Args(Request{Agent: "bad", Prompt: "x"})
		assert.Error(t, err)
	})
}

func TestCLIExecute(t *testing.T) {
	ctx := context.Background()

	t.Run("should parse the result line", func(t *testing.T) {
		out := `{"type":"system","subtype":"init"}
not json
{"type":"assistant","message":{}}
{"type":"result","subtype":"success","is_error":false,"result":"All good","total_cost_usd":0.0421,"usage":{"input_tokens":120,"output_tokens":45}}`
		c := NewCLI(Config{Binary: writeFakeCLI(t, out, 0)}, testLogger)

		res, err := c.Execute(ctx, Request{TaskID: "task-1", Prompt: "review"})
		require.NoError(t, err)
		assert.Equal(t, "All good", res.Output)
		assert.InDelta(t, 0.0421, res.CostUSD, 1e-9)
		assert.Equal(t, int64(120), res.InputTokens)
		assert.Equal(t, int64(45), res.OutputTokens)
	})

	t.Run("should fall back to the legacy cost field", func(t *testing.T) {
		out := `{"type":"result","result":"ok","cost_usd":0.5}`
		res, err := NewCLI(Config{Binary: writeFakeCLI(t, out, 0)}, testLogger).Execute(ctx, Request{Prompt: "x"})
		require.NoError(t, err)
		assert.Equal(t, 0.5, res.CostUSD)
	})

	t.Run("should fail on an error result", func(t *testing.T) {
		out := `{"type":"result","is_error":true,"result":"quota"}`
		_, err := NewCLI(Config{Binary: writeFakeCLI(t, out, 0)}, testLogger).Execute(ctx, Request{Prompt: "x"})
		assert.ErrorContains(t, err, "quota")
	})

	t.Run("should fail without a result line", func(t *testing.T) {
		_, err := NewCLI(Config{Binary: writeFakeCLI(t, `{"type":"system"}`, 0)}, testLogger).Execute(ctx, Request{Prompt: "x"})
		assert.ErrorContains(t, err, "no result line")
	})

	t.Run("should fail on a non-zero exit", func(t *testing.T) {
		_, err := NewCLI(Config{Binary: writeFakeCLI(t, "", 3)}, testLogger).Execute(ctx, Request{Prompt: "x"})
		assert.ErrorContains(t, err, "exited")
	})

	t.Run("should fail for a missing binary", func(t *testing.T) {
		_, err := NewCLI(Config{Binary: filepath.Join(t.TempDir(), "nope")}, testLogger).Execute(ctx, Request{Prompt: "x"})
		assert.Error(t, err)
	})
}

func TestAnthropicExecute(t *testing.T) {
	t.Run("should return text and usage", func(t *testing.T) {
		var body map[string]any
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "/v1/messages", r.URL.Path)
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"id":"msg_1","type":"message","role":"assistant","model":"claude-test","content":[{"type":"text","text":"Looks fine"}],"stop_reason":"end_turn","usage":{"input_tokens":1000000,"output_tokens":1000000}}`))
		}))
		defer server.Close()

		exec, err := NewAnthropic(Config{APIKey: "sk-test", BaseURL: server.URL, Model: "claude-test", SystemPrompt: "be brief", Pricing: Pricing{InputPerMTok: 3, OutputPerMTok: 15}})
		require.NoError(t, err)

		res, err := exec.Execute(context.Background(), Request{Prompt: "review"})
		require.NoError(t, err)
		assert.Equal(t, "Looks fine", res.Output)
		assert.Equal(t, int64(1000000), res.InputTokens)
		assert.InDelta(t, 18.0, res.CostUSD, 1e-9)
		assert.Equal(t, "claude-test", body["model"])
		assert.NotNil(t, body["system"])
	})

	t.Run("should require an api key", func(t *testing.T) {
		_, err := NewAnthropic(Config{})
		assert.Error(t, err)
	})
}

func TestOpenAIExecute(t *testing.T) {
	t.Run("should return the first choice", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "/chat/completions", r.URL.Path)
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"id":"c1","object":"chat.completion","created":1,"model":"gpt-test","choices":[{"index":0,"message":{"role":"assistant","content":"Done"},"finish_reason":"stop"}],"usage":{"prompt_tokens":10,"completion_tokens":5,"total_tokens":15}}`))
		}))
		defer server.Close()

		exec, err := NewOpenAI(Config{APIKey: "sk-test", BaseURL: server.URL})
		require.NoError(t, err)

		res, err := exec.Execute(context.Background(), Request{Prompt: "fix"})
		require.NoError(t, err)
		assert.Equal(t, "Done", res.Output)
		assert.Equal(t, int64(10), res.InputTokens)
		assert.Equal(t, int64(5), res.OutputTokens)
	})
}

type flakyExecutor struct {
	errs  []error
	calls int
}

func (f *flakyExecutor) Kind() string { return "fake" }

func (f *flakyExecutor) Execute(context.Context, Request) (*Result, error) {
	f.calls++
	if f.calls <= len(f.errs) {
		return nil, f.errs[f.calls-1]
	}
	return &Result{Output: "ok"}, nil
}

func TestWithRetry(t *testing.T) {
	ctx := context.Background()

	t.Run("should retry retryable errors", func(t *testing.T) {
		f := &flakyExecutor{errs: []error{errors.New("429 too many requests"), errors.New("503")}}
		res, err := WithRetry(f, 3, time.Millisecond, testLogger).Execute(ctx, Request{})
		require.NoError(t, err)
		assert.Equal(t, "ok", res.Output)
		assert.Equal(t, 3, f.calls)
	})

	t.Run("should not retry permanent errors", func(t *testing.T) {
		f := &flakyExecutor{errs: []error{errors.New("invalid api key")}}
		_, err := WithRetry(f, 3, time.Millisecond, testLogger).Execute(ctx, Request{})
		assert.Error(t, err)
		assert.Equal(t, 1, f.calls)
	})

	t.Run("should give up after max retries", func(t *testing.T) {
		f := &flakyExecutor{errs: []error{errors.New("503"), errors.New("503"), errors.New("503")}}
		_, err := WithRetry(f, 2, time.Millisecond, testLogger).Execute(ctx, Request{})
		assert.ErrorContains(t, err, "max retries (2) exceeded")
		assert.Equal(t, 2, f.calls)
	})
}

func TestNew(t *testing.T) {
	t.Run("should default to the cli backend", func(t *testing.T) {
		exec, err := New(Config{}, testLogger)
		require.NoError(t, err)
		assert.Equal(t, KindCLI, exec.Kind())
	})

	t.Run("should reject unknown kinds", func(t *testing.T) {
		_, err := New(Config{Kind: "gemini"}, testLogger)
		assert.Error(t, err)
	})

	t.Run("should classify retryable errors", func(t *testing.T) {
		assert.True(t, IsRetryableError(errors.New("read: ECONNRESET")))
		assert.True(t, IsRetryableError(errors.New("anthropic: overloaded_error")))
		assert.False(t, IsRetryableError(errors.New("bad request")))
		assert.False(t, IsRetryableError(nil))
	})
}
