package daemon

import (
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/harun/agentrelay/internal/config"
	"github.com/harun/agentrelay/pkg/completion"
	"github.com/harun/agentrelay/pkg/notify"
	"github.com/harun/agentrelay/pkg/platform"
	"github.com/harun/agentrelay/pkg/webhook"
)

// platformClients holds the outbound clients of the providers that have
// credentials. A provider without credentials keeps a nil client.
type platformClients struct {
	github *platform.GitHub
	jira   *platform.Jira
	slack  *platform.Slack
	sentry *platform.Sentry
}

// newPlatformClients builds every configured client on one shared
// http.Client
func newPlatformClients(cfg *config.Config) platformClients {
	httpClient := &http.Client{Timeout: 30 * time.Second}
	p := cfg.Providers

	var c platformClients
	if p.GitHub.Token != "" {
		c.github = platform.NewGitHub(platform.GitHubConfig{
			Token:      p.GitHub.Token,
			BaseURL:    p.GitHub.BaseURL,
			HTTPClient: httpClient,
		})
	}
	if p.Jira.BaseURL != "" && p.Jira.Token != "" {
		c.jira = platform.NewJira(platform.JiraConfig{
			BaseURL:    p.Jira.BaseURL,
			Email:      p.Jira.Email,
			Token:      p.Jira.Token,
			HTTPClient: httpClient,
		})
	}
	if p.Slack.BotToken != "" {
		c.slack = platform.NewSlack(platform.SlackConfig{
			BotToken:   p.Slack.BotToken,
			BaseURL:    p.Slack.BaseURL,
			HTTPClient: httpClient,
		})
	}
	if p.Sentry.Token != "" {
		c.sentry = platform.NewSentry(platform.SentryConfig{
			Org:        p.Sentry.Org,
			Token:      p.Sentry.Token,
			BaseURL:    p.Sentry.BaseURL,
			HTTPClient: httpClient,
		})
	}
	return c
}

// deps converts the clients into handler dependencies. Only non-nil clients
// are assigned so a missing one stays a nil interface.
func (c platformClients) deps(notifier *notify.Service, logger zerolog.Logger) completion.Deps {
	deps := completion.Deps{Notifier: notifier, Logger: logger}
	if c.github != nil {
		deps.GitHub = c.github
	}
	if c.jira != nil {
		deps.Jira = c.jira
	}
	if c.slack != nil {
		deps.Slack = c.slack
	}
	if c.sentry != nil {
		deps.Sentry = c.sentry
	}
	return deps
}

// interactions wires the clients that act on Slack approval buttons
func (c platformClients) interactions() *webhook.Interactions {
	in := &webhook.Interactions{}
	if c.github != nil {
		in.GitHub = c.github
	}
	if c.jira != nil {
		in.Jira = c.jira
	}
	if c.slack != nil {
		in.Slack = c.slack
	}
	return in
}
