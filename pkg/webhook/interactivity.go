package webhook

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"go.opentelemetry.io/otel/attribute"

	"github.com/harun/agentrelay/internal/observability"
	"github.com/harun/agentrelay/internal/tracing"
	"github.com/harun/agentrelay/pkg/notify"
	"github.com/harun/agentrelay/pkg/platform"
	"github.com/harun/agentrelay/pkg/provider"
)

// InteractivityPath receives Slack button clicks
const InteractivityPath = "/webhooks/slack/interactivity"

// Button action ids. The *_plan ids come from plan messages posted before the
// generic approval buttons existed; their value carries repo and pr_number.
const (
	actionApproveTask = "approve_task"
	actionReviewTask  = "review_task"
	actionRejectTask  = "reject_task"
	actionApprovePlan = "approve_plan"
	actionRejectPlan  = "reject_plan"
)

// GitHubCommenter posts issue and pull request comments
type GitHubCommenter interface {
	PostComment(ctx context.Context, owner, repo, number, body string) (*platform.Comment, error)
}

// JiraCommenter posts issue comments
type JiraCommenter interface {
	AddComment(ctx context.Context, issueKey, text string) (string, error)
}

// MessageUpdater rewrites a posted Slack message
type MessageUpdater interface {
	UpdateMessage(ctx context.Context, channel, ts, text string, blocks []map[string]any) error
}

// Interactions acts on approval buttons by posting "@agent <action>" to the
// routed GitHub pull request or Jira ticket, which comes back as an ordinary
// webhook and starts the follow-up task. Nil clients skip their step.
type Interactions struct {
	GitHub GitHubCommenter
	Jira   JiraCommenter
	Slack  MessageUpdater
}

type interactionPayload struct {
	Type string `json:"type"`
	User struct {
		ID       string `json:"id"`
		Name     string `json:"name"`
		Username string `json:"username"`
	} `json:"user"`
	Channel struct {
		ID string `json:"id"`
	} `json:"channel"`
	Message struct {
		TS string `json:"ts"`
	} `json:"message"`
	Actions []struct {
		ActionID string `json:"action_id"`
		Value    string `json:"value"`
	} `json:"actions"`
}

func (p *interactionPayload) userName() string {
	switch {
	case p.User.Name != "":
		return p.User.Name
	case p.User.Username != "":
		return p.User.Username
	case p.User.ID != "":
		return p.User.ID
	}
	return "unknown"
}

// EnableInteractivity routes Slack button clicks to in. Requests are verified
// with the Slack signing secret.
func (s *Server) EnableInteractivity(in *Interactions) {
	s.interactions = in
	s.mux.HandleFunc("POST "+InteractivityPath, s.handleInteraction)
}

func (s *Server) handleInteraction(w http.ResponseWriter, r *http.Request) {
	s.shutdownMu.RLock()
	if s.isShuttingDown {
		s.shutdownMu.RUnlock()
		http.Error(w, "Server is shutting down", http.StatusServiceUnavailable)
		return
	}
	s.inFlightReqs.Add(1)
	s.shutdownMu.RUnlock()
	defer s.inFlightReqs.Done()

	ip := clientIP(r)
	if !s.rateLimiter.CheckLimit(ip) {
		w.Header().Set("Retry-After", fmt.Sprintf("%d", s.rateLimiter.GetRetryAfter(ip)))
		http.Error(w, "Too Many Requests", http.StatusTooManyRequests)
		return
	}

	opts := s.options.Providers[provider.Slack]
	if !opts.Enabled {
		http.Error(w, "Not Found", http.StatusNotFound)
		return
	}

	rawBody, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.options.MaxBodyBytes))
	if err != nil {
		http.Error(w, "Bad Request", http.StatusBadRequest)
		return
	}
	if err := VerifySignature(provider.Slack, r.Header, rawBody, opts.Secret, s.now()); err != nil {
		observability.RecordWebhookEvent(string(provider.Slack), "unauthorized")
		s.logger.Warn().Err(err).Str("ip", ip).Msg("Slack interaction signature rejected")
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	form, err := url.ParseQuery(string(rawBody))
	if err != nil || form.Get("payload") == "" {
		http.Error(w, "Missing payload", http.StatusBadRequest)
		return
	}
	var payload interactionPayload
	if err := json.Unmarshal([]byte(form.Get("payload")), &payload); err != nil {
		http.Error(w, "Bad Request", http.StatusBadRequest)
		return
	}
	if len(payload.Actions) == 0 {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	value, ok := buttonValue(payload.Actions[0].ActionID, payload.Actions[0].Value)
	if !ok {
		s.logger.Info().Str("actionId", payload.Actions[0].ActionID).Msg("Ignoring unknown Slack action")
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	ctx := tracing.WithTaskID(tracing.NewRequestContext(r.Context()), value.OriginalTaskID)
	ctx, span := tracing.StartSpan(ctx, tracing.TracerWebhook, "webhook.interaction",
		attribute.String("action", value.Action),
		attribute.String("source", value.Source),
	)
	defer span.End()
	ctx, cancel := context.WithTimeout(ctx, s.options.Timeout)
	defer cancel()

	logger := tracing.LoggerFromContext(ctx, s.logger)
	user := payload.userName()

	target, err := s.interactions.forward(ctx, value, user)
	observability.RecordApprovalAudit(ctx, value.OriginalTaskID, value.Action, user, err == nil)
	if err != nil {
		span.RecordError(err)
		observability.RecordWebhookEvent(string(provider.Slack), "interaction_failed")
		logger.Error().Err(err).Str("action", value.Action).Str("source", value.Source).Msg("Failed to forward Slack action")
		writeJSON(w, http.StatusBadGateway, map[string]any{"ok": false, "error": err.Error()})
		return
	}
	observability.RecordWebhookEvent(string(provider.Slack), "interaction")

	if s.interactions.Slack != nil && payload.Channel.ID != "" && payload.Message.TS != "" {
		text := actionSummary(value, user, target)
		blocks := []map[string]any{{"type": "section", "text": map[string]any{"type": "mrkdwn", "text": text}}}
		if err := s.interactions.Slack.UpdateMessage(ctx, payload.Channel.ID, payload.Message.TS, text, blocks); err != nil {
			logger.Warn().Err(err).Msg("Failed to update Slack message")
		}
	}

	logger.Info().
		Str("action", value.Action).
		Str("source", value.Source).
		Str("user", user).
		Str("target", target).
		Msg("Slack action forwarded")
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

// buttonValue decodes the value of a known button. Plan buttons are mapped
// onto the generic shape with GitHub routing.
func buttonValue(actionID, raw string) (notify.ButtonValue, bool) {
	switch actionID {
	case actionApproveTask, actionReviewTask, actionRejectTask:
		var v notify.ButtonValue
		if err := json.Unmarshal([]byte(raw), &v); err != nil || v.Action == "" {
			return v, false
		}
		return v, true
	case actionApprovePlan, actionRejectPlan:
		var plan struct {
			Repo     string `json:"repo"`
			PRNumber any    `json:"pr_number"`
			TicketID string `json:"ticket_id"`
		}
		if err := json.Unmarshal([]byte(raw), &plan); err != nil {
			return notify.ButtonValue{}, false
		}
		owner, repo, _ := strings.Cut(plan.Repo, "/")
		action := "approve"
		if actionID == actionRejectPlan {
			action = "reject"
		}
		return notify.ButtonValue{
			Source:  string(provider.GitHub),
			Command: "plan",
			Action:  action,
			Routing: map[string]any{"owner": owner, "repo": repo, "pr_number": plan.PRNumber, "ticket_key": plan.TicketID},
		}, true
	}
	return notify.ButtonValue{}, false
}

// forward posts the follow-up command to the routed target and returns a
// description of it. Sources without a commentable target only get the Slack
// message update.
func (in *Interactions) forward(ctx context.Context, v notify.ButtonValue, user string) (string, error) {
	body := fmt.Sprintf("@agent %s\n\n_%s via Slack by @%s_", v.Action, actionLabel(v.Action), user)

	switch provider.Provider(v.Source) {
	case provider.GitHub:
		owner, repo := routingValue(v.Routing, "owner"), routingValue(v.Routing, "repo")
		number := routingValue(v.Routing, "pr_number")
		if number == "" {
			number = routingValue(v.Routing, "issue_number")
		}
		if owner == "" || repo == "" || number == "" {
			return "", nil
		}
		if in.GitHub == nil {
			return "", fmt.Errorf("github client: %w", platform.ErrNotConfigured)
		}
		if _, err := in.GitHub.PostComment(ctx, owner, repo, number, body); err != nil {
			return "", fmt.Errorf("failed to post github comment: %w", err)
		}
		return fmt.Sprintf("PR #%s", number), nil
	case provider.Jira:
		key := routingValue(v.Routing, "ticket_key")
		if key == "" {
			return "", nil
		}
		if in.Jira == nil {
			return "", fmt.Errorf("jira client: %w", platform.ErrNotConfigured)
		}
		if _, err := in.Jira.AddComment(ctx, key, body); err != nil {
			return "", fmt.Errorf("failed to post jira comment: %w", err)
		}
		return fmt.Sprintf("ticket `%s`", key), nil
	}
	return "", nil
}

func routingValue(routing map[string]any, key string) string {
	v, ok := routing[key]
	if !ok || v == nil {
		return ""
	}
	if f, ok := v.(float64); ok {
		return fmt.Sprintf("%.0f", f)
	}
	return fmt.Sprint(v)
}

func actionLabel(action string) string {
	switch action {
	case "approve":
		return "Approved"
	case "review":
		return "Review requested"
	case "reject":
		return "Rejected"
	}
	return "Processed"
}

func actionEmoji(action string) string {
	switch action {
	case "approve":
		return "✅"
	case "review":
		return "👀"
	case "reject":
		return "❌"
	}
	return "⚙️"
}

// actionSummary is the text that replaces the approval message
func actionSummary(v notify.ButtonValue, user, target string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s *%s* by %s", actionEmoji(v.Action), actionLabel(v.Action), user)
	if target != "" {
		fmt.Fprintf(&b, "\n`@agent %s` posted to %s", v.Action, target)
	}
	if v.OriginalTaskID != "" {
		fmt.Fprintf(&b, "\nOriginal task: `%s`", v.OriginalTaskID)
	}
	return b.String()
}
