package platform

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

// JiraConfig configures the Jira Cloud client
type JiraConfig struct {
	BaseURL    string
	Email      string
	Token      string
	HTTPClient *http.Client
}

// Jira posts issue comments
type Jira struct {
	c          client
	configured bool
}

// NewJira creates a Jira client using basic auth with an API token
func NewJira(cfg JiraConfig) *Jira {
	auth := base64.StdEncoding.EncodeToString([]byte(cfg.Email + ":" + cfg.Token))
	c := newClient("jira", cfg.BaseURL, cfg.HTTPClient, func(r *http.Request) {
		r.Header.Set("Authorization", "Basic "+auth)
	})
	return &Jira{c: c, configured: cfg.BaseURL != "" && cfg.Email != "" && cfg.Token != ""}
}

// AddComment posts text as an Atlassian document comment. Blank lines split
// paragraphs. It returns the comment id.
func (j *Jira) AddComment(ctx context.Context, issueKey, text string) (string, error) {
	if !j.configured {
		return "", fmt.Errorf("jira: %w", ErrNotConfigured)
	}
	if issueKey == "" {
		return "", fmt.Errorf("jira: issue key is required")
	}

	path := fmt.Sprintf("/rest/api/3/issue/%s/comment", url.PathEscape(issueKey))
	var out struct {
		ID string `json:"id"`
	}
	if err := j.c.doJSON(ctx, http.MethodPost, path, map[string]any{"body": adfDocument(text)}, &out); err != nil {
		return "", err
	}
	return out.ID, nil
}

func adfDocument(text string) map[string]any {
	var content []any
	for _, para := range strings.Split(text, "\n\n") {
		if strings.TrimSpace(para) == "" {
			continue
		}
		content = append(content, map[string]any{
			"type":    "paragraph",
			"content": []any{map[string]any{"type": "text", "text": para}},
		})
	}
	if content == nil {
		content = []any{map[string]any{"type": "paragraph", "content": []any{}}}
	}
	return map[string]any{"type": "doc", "version": 1, "content": content}
}
