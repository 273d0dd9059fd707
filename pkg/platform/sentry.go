package platform

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
)

// DefaultSentryURL is the sentry.io API root
const DefaultSentryURL = "https://sentry.io/api/0"

// SentryConfig configures the Sentry client
type SentryConfig struct {
	Org        string
	Token      string
	BaseURL    string
	HTTPClient *http.Client
}

// Sentry posts issue notes
type Sentry struct {
	c     client
	org   string
	token string
}

// NewSentry creates a Sentry client
func NewSentry(cfg SentryConfig) *Sentry {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultSentryURL
	}
	return &Sentry{c: newClient("sentry", cfg.BaseURL, cfg.HTTPClient, bearer(cfg.Token)), org: cfg.Org, token: cfg.Token}
}

// AddNote adds a comment note to an issue. org overrides the configured
// organization when non-empty.
func (s *Sentry) AddNote(ctx context.Context, org, issueID, text string) error {
	if org == "" {
		org = s.org
	}
	if s.token == "" || org == "" {
		return fmt.Errorf("sentry: %w", ErrNotConfigured)
	}
	if issueID == "" {
		return fmt.Errorf("sentry: issue id is required")
	}
	path := fmt.Sprintf("/organizations/%s/issues/%s/notes/", url.PathEscape(org), url.PathEscape(issueID))
	return s.c.doJSON(ctx, http.MethodPost, path, map[string]string{"text": text}, nil)
}
