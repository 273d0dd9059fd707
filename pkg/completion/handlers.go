package completion

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/harun/agentrelay/internal/tracing"
	"github.com/harun/agentrelay/pkg/notify"
	"github.com/harun/agentrelay/pkg/platform"
	"github.com/harun/agentrelay/pkg/provider"
	"github.com/harun/agentrelay/pkg/template"
)

// GitHubPoster is the GitHub surface the handler needs
type GitHubPoster interface {
	PostComment(ctx context.Context, owner, repo, number, body string) (*platform.Comment, error)
	AddReaction(ctx context.Context, owner, repo, commentID, reaction string) error
}

// JiraPoster is the Jira surface the handler needs
type JiraPoster interface {
	AddComment(ctx context.Context, issueKey, text string) (string, error)
}

// SlackPoster is the Slack surface the handler needs
type SlackPoster interface {
	PostThreadReply(ctx context.Context, channel, threadTS, text string) error
}

// SentryPoster is the Sentry surface the handler needs
type SentryPoster interface {
	AddNote(ctx context.Context, org, issueID, text string) error
}

// Notifier sends the chat summary after a handler posts back
type Notifier interface {
	NotifyTaskCompletion(ctx context.Context, c notify.Completion) bool
}

// Deps are the collaborators of the built-in handlers. A nil client makes
// its handler report false.
type Deps struct {
	GitHub   GitHubPoster
	Jira     JiraPoster
	Slack    SlackPoster
	Sentry   SentryPoster
	Notifier Notifier
	Logger   zerolog.Logger
}

// RegisterDefaults registers the GitHub, Jira, Slack and Sentry handlers
func RegisterDefaults(r *Registry, deps Deps) error {
	handlers := map[provider.Provider]Handler{
		provider.GitHub: deps.github,
		provider.Jira:   deps.jira,
		provider.Slack:  deps.slack,
		provider.Sentry: deps.sentry,
	}
	for _, p := range provider.All {
		if err := r.Register(p, handlers[p], false); err != nil {
			return fmt.Errorf("failed to register %s handler: %w", p, err)
		}
	}
	return nil
}

// FormatMessage returns the text posted back for cc
func FormatMessage(cc Context) string {
	if cc.Success {
		return cc.Message
	}
	return "❌ Task Failed\n\n" + cc.Error
}

func routed(cc Context, key string) string {
	if v, ok := cc.Routing[key]; ok && v != nil {
		return fmt.Sprint(v)
	}
	return ""
}

func (d Deps) notify(ctx context.Context, source provider.Provider, cc Context) {
	if d.Notifier == nil {
		return
	}
	c := notify.Completion{
		TaskID:  cc.TaskID,
		Source:  source,
		Command: cc.Command,
		Success: cc.Success,
		Result:  cc.Result,
		Error:   cc.Error,
		CostUSD: cc.CostUSD,
		Routing: cc.Routing,
	}
	if cc.Metadata != nil {
		c.RequiresApproval = cc.Metadata.RequiresApproval
	}
	d.Notifier.NotifyTaskCompletion(ctx, c)
}

func (d Deps) github(ctx context.Context, cc Context) (bool, error) {
	defer d.notify(ctx, provider.GitHub, cc)
	if d.GitHub == nil {
		return false, fmt.Errorf("github client: %w", platform.ErrNotConfigured)
	}

	owner, repo := routed(cc, "owner"), routed(cc, "repo")
	number := routed(cc, "pr_number")
	if number == "" {
		number = routed(cc, "issue_number")
	}

	limit := template.GitHubSuccessCommentLimit
	if !cc.Success {
		limit = template.GitHubCommentLimit
	}
	body := template.Truncate(FormatMessage(cc), limit)
	if cc.CostUSD > 0 {
		body += fmt.Sprintf("\n\n---\n💰 Cost: $%.4f", cc.CostUSD)
	}

	if _, err := d.GitHub.PostComment(ctx, owner, repo, number, body); err != nil {
		return false, fmt.Errorf("failed to post github comment: %w", err)
	}

	if commentID := routed(cc, "comment_id"); commentID != "" {
		reaction := "rocket"
		if !cc.Success {
			reaction = "confused"
		}
		if err := d.GitHub.AddReaction(ctx, owner, repo, commentID, reaction); err != nil {
			logger := tracing.LoggerFromContext(ctx, d.Logger)
			logger.Warn().Err(err).Str("commentId", commentID).Msg("Failed to add completion reaction")
		}
	}
	return true, nil
}

func (d Deps) jira(ctx context.Context, cc Context) (bool, error) {
	defer d.notify(ctx, provider.Jira, cc)
	if d.Jira == nil {
		return false, fmt.Errorf("jira client: %w", platform.ErrNotConfigured)
	}

	key := routed(cc, "ticket_key")
	if _, err := d.Jira.AddComment(ctx, key, template.Truncate(FormatMessage(cc), template.JiraCommentLimit)); err != nil {
		return false, fmt.Errorf("failed to post jira comment: %w", err)
	}
	return true, nil
}

func (d Deps) slack(ctx context.Context, cc Context) (bool, error) {
	defer d.notify(ctx, provider.Slack, cc)
	if d.Slack == nil {
		return false, fmt.Errorf("slack client: %w", platform.ErrNotConfigured)
	}

	channel, thread := routed(cc, "channel"), routed(cc, "thread_ts")
	if err := d.Slack.PostThreadReply(ctx, channel, thread, template.Truncate(FormatMessage(cc), template.SlackMessageLimit)); err != nil {
		return false, fmt.Errorf("failed to post slack reply: %w", err)
	}
	return true, nil
}

func (d Deps) sentry(ctx context.Context, cc Context) (bool, error) {
	defer d.notify(ctx, provider.Sentry, cc)
	if d.Sentry == nil {
		return false, fmt.Errorf("sentry client: %w", platform.ErrNotConfigured)
	}

	if err := d.Sentry.AddNote(ctx, routed(cc, "org"), routed(cc, "issue_id"), FormatMessage(cc)); err != nil {
		return false, fmt.Errorf("failed to post sentry note: %w", err)
	}
	return true, nil
}
