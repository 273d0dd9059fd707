// Package provider defines the closed set of webhook sources and the
// per-source descriptors used to derive identifiers and routing metadata.
package provider

import (
	"fmt"
	"strings"

	"github.com/harun/agentrelay/pkg/ids"
	"github.com/harun/agentrelay/pkg/payload"
)

// Provider identifies a webhook source platform.
type Provider string

const (
	GitHub Provider = "github"
	Jira   Provider = "jira"
	Slack  Provider = "slack"
	Sentry Provider = "sentry"
)

// All lists every supported provider in a stable order.
var All = []Provider{GitHub, Jira, Slack, Sentry}

// Parse converts a source name into a Provider.
func Parse(s string) (Provider, error) {
	p := Provider(strings.ToLower(strings.TrimSpace(s)))
	if p.Valid() {
		return p, nil
	}
	return "", fmt.Errorf("unknown provider: %q", s)
}

// Valid reports whether p is one of the supported providers.
func (p Provider) Valid() bool {
	switch p {
	case GitHub, Jira, Slack, Sentry:
		return true
	}
	return false
}

// Title returns the display name used in notifications.
func (p Provider) Title() string {
	switch p {
	case GitHub:
		return "GitHub"
	case Jira:
		return "Jira"
	case Slack:
		return "Slack"
	case Sentry:
		return "Sentry"
	}
	return string(p)
}

func (p Provider) String() string { return string(p) }

// Descriptor captures everything that differs between providers when a task
// is created from one of their payloads.
type Descriptor struct {
	Provider Provider
	// ExternalID returns the natural key of the originating event, or "" when
	// the payload lacks it.
	ExternalID func(p map[string]any) string
	// Routing extracts the flat metadata used to post results back.
	Routing func(p map[string]any) map[string]any
	// CompletionKey names the completion handler for tasks from this source.
	CompletionKey Provider
}

var descriptors = map[Provider]Descriptor{
	GitHub: {Provider: GitHub, ExternalID: githubExternalID, Routing: githubRouting, CompletionKey: GitHub},
	Jira:   {Provider: Jira, ExternalID: jiraExternalID, Routing: jiraRouting, CompletionKey: Jira},
	Slack:  {Provider: Slack, ExternalID: slackExternalID, Routing: slackRouting, CompletionKey: Slack},
	Sentry: {Provider: Sentry, ExternalID: sentryExternalID, Routing: sentryRouting, CompletionKey: Sentry},
}

// Describe returns the descriptor for p.
func Describe(p Provider) (Descriptor, bool) {
	d, ok := descriptors[p]
	return d, ok
}

// ExternalID derives the external id for a payload from source. Payloads
// without natural keys, and unknown sources, get a random suffix.
func ExternalID(source Provider, p map[string]any) string {
	if d, ok := descriptors[source]; ok {
		if id := d.ExternalID(p); id != "" {
			return id
		}
	}
	name := string(source)
	if name == "" {
		name = "unknown"
	}
	return name + ":" + ids.Hex(12)
}

// Routing extracts routing metadata for p and always includes "source".
func Routing(source Provider, p map[string]any) map[string]any {
	routing := map[string]any{}
	if d, ok := descriptors[source]; ok {
		routing = d.Routing(p)
	}
	routing["source"] = string(source)
	return routing
}

func githubExternalID(p map[string]any) string {
	repo := payload.String(p, "repository.full_name")
	number := payload.FirstString(p, "issue.number", "pull_request.number", "number")
	if repo == "" || number == "" {
		return ""
	}
	return fmt.Sprintf("github:%s:%s", repo, number)
}

func jiraExternalID(p map[string]any) string {
	key := payload.String(p, "issue.key")
	if key == "" {
		return ""
	}
	return "jira:" + key
}

func slackExternalID(p map[string]any) string {
	channel := payload.FirstString(p, "event.channel", "channel.id", "channel_id")
	ts := payload.FirstString(p, "event.thread_ts", "event.ts", "message.ts")
	if channel == "" || ts == "" {
		return ""
	}
	return fmt.Sprintf("slack:%s:%s", channel, ts)
}

func sentryExternalID(p map[string]any) string {
	id := payload.FirstString(p, "data.issue.id", "data.event.issue_id", "issue.id", "id")
	if id == "" {
		return ""
	}
	return "sentry:" + id
}

func githubRouting(p map[string]any) map[string]any {
	m := map[string]any{}
	if full := payload.String(p, "repository.full_name"); strings.Contains(full, "/") {
		parts := strings.SplitN(full, "/", 2)
		m["owner"] = parts[0]
		m["repo"] = parts[1]
		m["repo_full_name"] = full
	}
	if n := payload.String(p, "issue.number"); n != "" {
		m["issue_number"] = n
		if _, isPR := payload.Lookup(p, "issue.pull_request"); isPR {
			m["pr_number"] = n
		}
	}
	if n := payload.String(p, "pull_request.number"); n != "" {
		m["pr_number"] = n
	}
	if id := payload.String(p, "comment.id"); id != "" {
		m["comment_id"] = id
	}
	if login := payload.String(p, "sender.login"); login != "" {
		m["sender"] = login
	}
	return m
}

func jiraRouting(p map[string]any) map[string]any {
	m := map[string]any{}
	if key := payload.String(p, "issue.key"); key != "" {
		m["ticket_key"] = key
		if i := strings.Index(key, "-"); i > 0 {
			m["project_key"] = key[:i]
		}
	}
	if id := payload.String(p, "issue.id"); id != "" {
		m["issue_id"] = id
	}
	if pk := payload.String(p, "issue.fields.project.key"); pk != "" {
		m["project_key"] = pk
	}
	if id := payload.String(p, "comment.id"); id != "" {
		m["comment_id"] = id
	}
	if uid := payload.FirstString(p, "user.accountId", "comment.author.accountId"); uid != "" {
		m["user_id"] = uid
	}
	return m
}

func slackRouting(p map[string]any) map[string]any {
	m := map[string]any{}
	if ch := payload.FirstString(p, "event.channel", "channel.id", "channel_id"); ch != "" {
		m["channel"] = ch
	}
	if ts := payload.FirstString(p, "event.thread_ts", "event.ts", "message.ts"); ts != "" {
		m["thread_ts"] = ts
	}
	if u := payload.FirstString(p, "event.user", "user.id", "user_id"); u != "" {
		m["user"] = u
	}
	if team := payload.FirstString(p, "team_id", "team.id"); team != "" {
		m["team"] = team
	}
	return m
}

func sentryRouting(p map[string]any) map[string]any {
	m := map[string]any{}
	if id := payload.FirstString(p, "data.issue.id", "data.event.issue_id", "issue.id", "id"); id != "" {
		m["issue_id"] = id
	}
	if proj := payload.FirstString(p, "data.issue.project.slug", "data.event.project", "project"); proj != "" {
		m["project"] = proj
	}
	if org := payload.FirstString(p, "installation.organization.slug", "data.issue.organization.slug"); org != "" {
		m["org"] = org
	}
	if url := payload.FirstString(p, "data.issue.web_url", "data.event.web_url", "url"); url != "" {
		m["url"] = url
	}
	return m
}
