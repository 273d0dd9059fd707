package platform

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
)

// DefaultGitHubURL is the public GitHub REST endpoint
const DefaultGitHubURL = "https://api.github.com"

// GitHubConfig configures the GitHub client
type GitHubConfig struct {
	Token      string
	BaseURL    string
	HTTPClient *http.Client
}

// GitHub posts issue and pull request comments and reactions
type GitHub struct {
	c     client
	token string
}

// NewGitHub creates a GitHub client
func NewGitHub(cfg GitHubConfig) *GitHub {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultGitHubURL
	}
	c := newClient("github", cfg.BaseURL, cfg.HTTPClient, bearer(cfg.Token))
	c.headers["Accept"] = "application/vnd.github+json"
	c.headers["User-Agent"] = "agentrelay"
	return &GitHub{c: c, token: cfg.Token}
}

// Comment is a created issue comment
type Comment struct {
	ID      int64  `json:"id"`
	HTMLURL string `json:"html_url"`
}

// PostComment comments on an issue or pull request. Both share the issues
// comment endpoint.
func (g *GitHub) PostComment(ctx context.Context, owner, repo, number, body string) (*Comment, error) {
	if g.token == "" {
		return nil, fmt.Errorf("github: %w", ErrNotConfigured)
	}
	if owner == "" || repo == "" || number == "" {
		return nil, fmt.Errorf("github: owner, repo and number are required")
	}
	path := fmt.Sprintf("/repos/%s/%s/issues/%s/comments", url.PathEscape(owner), url.PathEscape(repo), url.PathEscape(number))

	var out Comment
	if err := g.c.doJSON(ctx, http.MethodPost, path, map[string]string{"body": body}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// AddReaction reacts to an issue comment, e.g. with "eyes" or "+1"
func (g *GitHub) AddReaction(ctx context.Context, owner, repo, commentID, reaction string) error {
	if g.token == "" {
		return fmt.Errorf("github: %w", ErrNotConfigured)
	}
	if owner == "" || repo == "" || commentID == "" {
		return fmt.Errorf("github: owner, repo and comment id are required")
	}
	path := fmt.Sprintf("/repos/%s/%s/issues/comments/%s/reactions", url.PathEscape(owner), url.PathEscape(repo), url.PathEscape(commentID))
	return g.c.doJSON(ctx, http.MethodPost, path, map[string]string{"content": reaction}, nil)
}
