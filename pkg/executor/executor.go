// Package executor runs a rendered task prompt through an LLM backend.
package executor

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Backend kinds
const (
	KindCLI       = "cli"
	KindAnthropic = "anthropic"
	KindOpenAI    = "openai"
)

// Permission modes understood by executors
const (
	PermissionDefault  = "default"
	PermissionAutoDeny = "auto-deny"
)

// Request is a single prompt execution
type Request struct {
	TaskID         string
	Agent          string
	Prompt         string
	Model          string
	SystemPrompt   string
	MaxTokens      int
	PermissionMode string
}

// Result is the output of an execution
type Result struct {
	Output       string  `json:"output"`
	CostUSD      float64 `json:"cost_usd"`
	InputTokens  int64   `json:"input_tokens"`
	OutputTokens int64   `json:"output_tokens"`
}

// Executor runs a prompt. Implementations honor ctx cancellation.
type Executor interface {
	Execute(ctx context.Context, req Request) (*Result, error)
	Kind() string
}

// Pricing converts token usage into dollars, per million tokens
type Pricing struct {
	InputPerMTok  float64 `json:"input_per_mtok" mapstructure:"input_per_mtok"`
	OutputPerMTok float64 `json:"output_per_mtok" mapstructure:"output_per_mtok"`
}

// Cost returns the dollar cost of a token count
func (p Pricing) Cost(input, output int64) float64 {
	return (float64(input)*p.InputPerMTok + float64(output)*p.OutputPerMTok) / 1e6
}

// Config selects and configures a backend
type Config struct {
	Kind         string        `json:"kind" mapstructure:"kind"`
	Model        string        `json:"model" mapstructure:"model"`
	MaxTokens    int           `json:"max_tokens" mapstructure:"max_tokens"`
	APIKey       string        `json:"api_key" mapstructure:"api_key"`
	BaseURL      string        `json:"base_url" mapstructure:"base_url"`
	Binary       string        `json:"binary" mapstructure:"binary"`
	AgentDirs    []string      `json:"agent_dirs" mapstructure:"agent_dirs"`
	SystemPrompt string        `json:"system_prompt" mapstructure:"system_prompt"`
	MaxRetries   int           `json:"max_retries" mapstructure:"max_retries"`
	RetryBase    time.Duration `json:"retry_base" mapstructure:"retry_base"`
	Pricing      Pricing       `json:"pricing" mapstructure:"pricing"`
}

// New builds the executor named by cfg.Kind, wrapped with retries
func New(cfg Config, logger zerolog.Logger) (Executor, error) {
	var (
		exec Executor
		err  error
	)
	switch strings.ToLower(cfg.Kind) {
	case "", KindCLI:
		exec = NewCLI(cfg, logger)
	case KindAnthropic:
		exec, err = NewAnthropic(cfg)
	case KindOpenAI:
		exec, err = NewOpenAI(cfg)
	default:
		return nil, fmt.Errorf("unsupported executor kind: %s", cfg.Kind)
	}
	if err != nil {
		return nil, err
	}
	return WithRetry(exec, cfg.MaxRetries, cfg.RetryBase, logger), nil
}

// IsRetryableError checks if an error should be retried
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range []string{"econnreset", "etimedout", "connection reset", "429", "rate limit", "overloaded", "500", "502", "503", "504", "529"} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

type retrying struct {
	next       Executor
	maxRetries int
	base       time.Duration
	logger     zerolog.Logger
}

// WithRetry retries retryable errors with exponential backoff: base, 2*base, 4*base...
func WithRetry(next Executor, maxRetries int, base time.Duration, logger zerolog.Logger) Executor {
	if maxRetries <= 0 {
		maxRetries = 3
	}
	if base <= 0 {
		base = time.Second
	}
	return &retrying{next: next, maxRetries: maxRetries, base: base, logger: logger}
}

func (r *retrying) Kind() string { return r.next.Kind() }

func (r *retrying) Execute(ctx context.Context, req Request) (*Result, error) {
	var lastErr error

	for attempt := 0; attempt < r.maxRetries; attempt++ {
		res, err := r.next.Execute(ctx, req)
		if err == nil {
			return res, nil
		}
		lastErr = err

		if !IsRetryableError(err) || ctx.Err() != nil {
			return nil, err
		}
		if attempt == r.maxRetries-1 {
			break
		}

		delay := r.base * time.Duration(1<<attempt)
		r.logger.Info().
			Str("taskId", req.TaskID).
			Int("attempt", attempt+1).
			Dur("delay", delay).
			Msg("Retrying after error")

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
	}

	return nil, fmt.Errorf("max retries (%d) exceeded: %w", r.maxRetries, lastErr)
}
