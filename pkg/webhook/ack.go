package webhook

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/harun/agentrelay/internal/tracing"
	"github.com/harun/agentrelay/pkg/provider"
)

// ReactionAdder adds a reaction to a GitHub comment
type ReactionAdder interface {
	AddReaction(ctx context.Context, owner, repo, commentID, reaction string) error
}

// GitHubAcknowledger reacts with eyes to the comment that created a task
type GitHubAcknowledger struct {
	client ReactionAdder
	logger zerolog.Logger
}

// NewGitHubAcknowledger creates an acknowledger; it satisfies engine.Acknowledger.
func NewGitHubAcknowledger(client ReactionAdder, logger zerolog.Logger) *GitHubAcknowledger {
	return &GitHubAcknowledger{client: client, logger: logger}
}

// Acknowledge reports whether a reaction was added. Only GitHub comments
// are acknowledged.
func (a *GitHubAcknowledger) Acknowledge(ctx context.Context, source provider.Provider, routing map[string]any) bool {
	if a.client == nil || source != provider.GitHub {
		return false
	}
	commentID := fmt.Sprint(routing["comment_id"])
	if routing["comment_id"] == nil || commentID == "" {
		return false
	}

	owner, _ := routing["owner"].(string)
	repo, _ := routing["repo"].(string)
	if err := a.client.AddReaction(ctx, owner, repo, commentID, "eyes"); err != nil {
		logger := tracing.LoggerFromContext(ctx, a.logger)
		logger.Warn().
			Err(err).
			Str("commentId", commentID).
			Msg("Failed to acknowledge comment")
		return false
	}
	return true
}
