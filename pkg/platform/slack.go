package platform

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

// DefaultSlackURL is the Slack Web API endpoint
const DefaultSlackURL = "https://slack.com/api"

// SlackConfig configures the Slack client
type SlackConfig struct {
	BotToken   string
	BaseURL    string
	HTTPClient *http.Client
}

// Slack posts messages and thread replies
type Slack struct {
	c     client
	token string
}

// NewSlack creates a Slack client
func NewSlack(cfg SlackConfig) *Slack {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultSlackURL
	}
	return &Slack{c: newClient("slack", cfg.BaseURL, cfg.HTTPClient, bearer(cfg.BotToken)), token: cfg.BotToken}
}

// IsChannelNotFound reports whether err is Slack's channel_not_found
func IsChannelNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Code == "channel_not_found"
}

// PostMessage posts text with optional Block Kit blocks to channel
func (s *Slack) PostMessage(ctx context.Context, channel, text string, blocks []map[string]any) error {
	req := map[string]any{"channel": channel, "text": text}
	if len(blocks) > 0 {
		req["blocks"] = blocks
	}
	_, err := s.apiCall(ctx, "chat.postMessage", req)
	return err
}

// PostThreadReply posts text as a reply in the thread rooted at threadTS
func (s *Slack) PostThreadReply(ctx context.Context, channel, threadTS, text string) error {
	if threadTS == "" {
		return fmt.Errorf("slack: thread ts is required")
	}
	_, err := s.apiCall(ctx, "chat.postMessage", map[string]any{
		"channel":   channel,
		"thread_ts": threadTS,
		"text":      text,
	})
	return err
}

// UpdateMessage replaces the text and blocks of the message at ts
func (s *Slack) UpdateMessage(ctx context.Context, channel, ts, text string, blocks []map[string]any) error {
	if channel == "" || ts == "" {
		return fmt.Errorf("slack: channel and ts are required")
	}
	req := map[string]any{"channel": channel, "ts": ts, "text": text}
	if len(blocks) > 0 {
		req["blocks"] = blocks
	}
	_, err := s.apiCall(ctx, "chat.update", req)
	return err
}

// AddReaction reacts to a message
func (s *Slack) AddReaction(ctx context.Context, channel, ts, name string) error {
	_, err := s.apiCall(ctx, "reactions.add", map[string]any{"channel": channel, "timestamp": ts, "name": name})
	return err
}

// apiCall posts to a Web API method. Slack answers 200 with ok=false on
// failure, so the error code is lifted into APIError.
func (s *Slack) apiCall(ctx context.Context, method string, payload map[string]any) (json.RawMessage, error) {
	if s.token == "" {
		return nil, fmt.Errorf("slack: %w", ErrNotConfigured)
	}
	if ch, _ := payload["channel"].(string); ch == "" && method == "chat.postMessage" {
		return nil, fmt.Errorf("slack: channel is required")
	}

	var raw json.RawMessage
	if err := s.c.doJSON(ctx, http.MethodPost, "/"+method, payload, &raw); err != nil {
		return nil, err
	}

	var result struct {
		OK    bool   `json:"ok"`
		Error string `json:"error"`
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("slack: failed to decode %s response: %w", method, err)
	}
	if !result.OK {
		return nil, &APIError{Service: "slack", Method: method, Status: http.StatusOK, Code: result.Error}
	}
	return raw, nil
}
