// Package notify posts task completion summaries to chat channels.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/rs/zerolog"

	"github.com/harun/agentrelay/internal/observability"
	"github.com/harun/agentrelay/internal/tracing"
	"github.com/harun/agentrelay/pkg/provider"
	"github.com/harun/agentrelay/pkg/template"
)

// Default channels
const (
	DefaultSuccessChannel = "#ai-agent-activity"
	DefaultFailureChannel = "#ai-agent-errors"
)

// Poster sends a chat message. platform.Slack satisfies it.
type Poster interface {
	PostMessage(ctx context.Context, channel, text string, blocks []map[string]any) error
}

// ChannelNotFound classifies poster errors caused by a missing channel
type ChannelNotFound func(err error) bool

// Config holds notification settings
type Config struct {
	Enabled        bool   `json:"enabled" mapstructure:"enabled"`
	SuccessChannel string `json:"success_channel" mapstructure:"success_channel"`
	FailureChannel string `json:"failure_channel" mapstructure:"failure_channel"`
}

// DefaultConfig returns notifications enabled on the default channels
func DefaultConfig() Config {
	return Config{Enabled: true, SuccessChannel: DefaultSuccessChannel, FailureChannel: DefaultFailureChannel}
}

// Completion describes one finished task
type Completion struct {
	TaskID           string
	Source           provider.Provider
	Command          string
	Success          bool
	Result           string
	Error            string
	CostUSD          float64
	Classification   string
	RequiresApproval bool
	Routing          map[string]any
}

// Service sends completion notifications
type Service struct {
	cfg        Config
	poster     Poster
	isNotFound ChannelNotFound
	logger     zerolog.Logger
}

// Option configures a Service
type Option func(*Service)

// WithChannelNotFound installs the classifier for missing-channel errors
func WithChannelNotFound(fn ChannelNotFound) Option {
	return func(s *Service) { s.isNotFound = fn }
}

// NewService creates a notification service
func NewService(cfg Config, poster Poster, logger zerolog.Logger, opts ...Option) *Service {
	if cfg.SuccessChannel == "" {
		cfg.SuccessChannel = DefaultSuccessChannel
	}
	if cfg.FailureChannel == "" {
		cfg.FailureChannel = DefaultFailureChannel
	}
	s := &Service{cfg: cfg, poster: poster, logger: logger}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Channel returns the channel a completion is posted to
func (s *Service) Channel(success bool) string {
	if success {
		return s.cfg.SuccessChannel
	}
	return s.cfg.FailureChannel
}

// NotifyTaskCompletion posts the summary of c. It reports whether the
// message was sent. Poster errors are logged, never returned.
func (s *Service) NotifyTaskCompletion(ctx context.Context, c Completion) bool {
	logger := tracing.LoggerFromContext(ctx, s.logger).With().Str("taskId", c.TaskID).Logger()

	if !s.cfg.Enabled || s.poster == nil {
		logger.Debug().Msg("Notifications disabled")
		observability.RecordNotification("disabled")
		return false
	}

	channel := s.Channel(c.Success)
	blocks, err := BuildBlocks(c)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to build notification blocks")
		observability.RecordNotification("failed")
		return false
	}

	if err := s.poster.PostMessage(ctx, channel, SummaryText(c), blocks); err != nil {
		if s.isNotFound != nil && s.isNotFound(err) {
			logger.Warn().
				Str("channel", channel).
				Bool("success", c.Success).
				Msg("Notification channel not found")
		} else {
			logger.Error().Err(err).Str("channel", channel).Msg("Failed to send notification")
		}
		observability.RecordNotification("failed")
		return false
	}

	logger.Info().
		Str("source", string(c.Source)).
		Str("channel", channel).
		Bool("success", c.Success).
		Msg("Notification sent")
	observability.RecordNotification("sent")
	return true
}

func statusParts(success bool) (string, string) {
	if success {
		return "✅", "Completed"
	}
	return "❌", "Failed"
}

const (
	// maxHeaderField bounds the command and task id echoed in the header so
	// the detail always keeps most of the block.
	maxHeaderField = 200
	// minDetailBudget keeps Truncate from seeing a non-positive budget, which
	// would disable truncation.
	minDetailBudget = 64
)

// clip cuts s to at most n bytes on a rune boundary
func clip(s string, n int) string {
	if len(s) <= n {
		return s
	}
	const ellipsis = "…"
	cut := n - len(ellipsis)
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + ellipsis
}

// SummaryText returns the one-line summary used as the message text
func SummaryText(c Completion) string {
	emoji, status := statusParts(c.Success)
	return fmt.Sprintf("%s Task %s - %s - %s", emoji, status, c.Source.Title(), c.Command)
}

// BuildBlocks returns the Block Kit blocks for c
func BuildBlocks(c Completion) ([]map[string]any, error) {
	emoji, status := statusParts(c.Success)

	var b strings.Builder
	fmt.Fprintf(&b, "%s *Task %s*\n*Source:* %s\n*Command:* %s\n*Task ID:* `%s`",
		emoji, status, c.Source.Title(), clip(c.Command, maxHeaderField), clip(c.TaskID, maxHeaderField))

	detail := c.Result
	label := "Result"
	if !c.Success {
		detail, label = c.Error, "Error"
	}
	if detail != "" {
		const frame = len("\n*:*\n``````")
		budget := template.SlackBlockLimit - b.Len() - frame - len(label) - len(template.Marker)
		if budget < minDetailBudget {
			budget = minDetailBudget
		}
		fmt.Fprintf(&b, "\n*%s:*\n```%s```", label, template.Truncate(detail, budget))
	}

	blocks := []map[string]any{section(b.String())}

	var ctxElems []any
	if c.Classification != "" {
		ctxElems = append(ctxElems, mrkdwn("🏷️ "+c.Classification))
	}
	if c.CostUSD > 0 {
		ctxElems = append(ctxElems, mrkdwn(fmt.Sprintf("💰 Cost: $%.4f", c.CostUSD)))
	}
	if len(ctxElems) > 0 {
		blocks = append(blocks, map[string]any{"type": "context", "elements": ctxElems})
	}

	if c.RequiresApproval {
		actions, err := approvalActions(c)
		if err != nil {
			return nil, err
		}
		blocks = append(blocks, actions)
	}
	return blocks, nil
}

// ButtonValue is the JSON carried by each approval button
type ButtonValue struct {
	OriginalTaskID string         `json:"original_task_id"`
	Command        string         `json:"command"`
	Source         string         `json:"source"`
	Routing        map[string]any `json:"routing,omitempty"`
	Action         string         `json:"action"`
}

func approvalActions(c Completion) (map[string]any, error) {
	buttons := []struct {
		action, label, style string
	}{
		{"approve", "✅ Approve", "primary"},
		{"review", "👀 Review", ""},
		{"reject", "❌ Reject", "danger"},
	}

	elements := make([]any, 0, len(buttons))
	for _, btn := range buttons {
		value, err := json.Marshal(ButtonValue{
			OriginalTaskID: c.TaskID,
			Command:        c.Command,
			Source:         string(c.Source),
			Routing:        c.Routing,
			Action:         btn.action,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to encode button value: %w", err)
		}
		el := map[string]any{
			"type":      "button",
			"text":      map[string]any{"type": "plain_text", "text": btn.label, "emoji": true},
			"action_id": btn.action + "_task",
			"value":     string(value),
		}
		if btn.style != "" {
			el["style"] = btn.style
		}
		elements = append(elements, el)
	}
	return map[string]any{"type": "actions", "elements": elements}, nil
}

func section(text string) map[string]any {
	return map[string]any{"type": "section", "text": mrkdwn(text)}
}

func mrkdwn(text string) map[string]any {
	return map[string]any{"type": "mrkdwn", "text": text}
}
