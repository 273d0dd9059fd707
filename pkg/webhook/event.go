package webhook

import (
	"net/http"

	"github.com/harun/agentrelay/pkg/payload"
	"github.com/harun/agentrelay/pkg/provider"
)

// Event and delivery headers per provider
const (
	HeaderGitHubEvent    = "X-GitHub-Event"
	HeaderGitHubDelivery = "X-GitHub-Delivery"
	HeaderJiraDelivery   = "X-Atlassian-Webhook-Identifier"
	HeaderSlackRetryNum  = "X-Slack-Retry-Num"
	HeaderSentryResource = "Sentry-Hook-Resource"
	HeaderSentryRequest  = "Request-ID"
)

// SlackURLVerification is the Slack endpoint handshake event type
const SlackURLVerification = "url_verification"

// EventType derives the dotted event type of a delivery, for example
// "issue_comment.created" or "comment_created".
func EventType(p provider.Provider, h http.Header, body map[string]any) string {
	switch p {
	case provider.GitHub:
		return withAction(h.Get(HeaderGitHubEvent), body)
	case provider.Jira:
		return payload.String(body, "webhookEvent")
	case provider.Slack:
		if t := payload.String(body, "type"); t == SlackURLVerification {
			return t
		}
		if t := payload.String(body, "event.type"); t != "" {
			return t
		}
		return payload.String(body, "type")
	case provider.Sentry:
		return withAction(h.Get(HeaderSentryResource), body)
	}
	return ""
}

func withAction(base string, body map[string]any) string {
	if base == "" {
		return ""
	}
	if action := payload.String(body, "action"); action != "" {
		return base + "." + action
	}
	return base
}

// DeliveryID returns the provider's redelivery-stable id, or "" when the
// delivery carries none.
func DeliveryID(p provider.Provider, h http.Header, body map[string]any) string {
	var id string
	switch p {
	case provider.GitHub:
		id = h.Get(HeaderGitHubDelivery)
	case provider.Jira:
		id = h.Get(HeaderJiraDelivery)
	case provider.Slack:
		// Retries carry X-Slack-Retry-Num and repeat the event_id.
		id = payload.String(body, "event_id")
	case provider.Sentry:
		id = h.Get(HeaderSentryRequest)
	}
	if id == "" {
		return ""
	}
	return string(p) + ":" + id
}
