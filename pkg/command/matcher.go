// Package command recognizes bot commands in webhook payloads.
package command

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"
	"unicode"

	"github.com/harun/agentrelay/pkg/payload"
	"github.com/harun/agentrelay/pkg/provider"
)

// Matcher holds one compiled table per provider. Tables can be replaced at
// runtime; each Match call sees a single consistent table.
type Matcher struct {
	mu     sync.RWMutex
	tables map[provider.Provider]*compiled
}

type compiled struct {
	table   *Table
	pattern *regexp.Regexp
	// ordered holds indexes into table.Commands sorted by ascending
	// priority (0 first), keeping declaration order for ties.
	ordered []int
}

// NewMatcher builds a Matcher from tables. Each table is validated.
func NewMatcher(tables ...*Table) (*Matcher, error) {
	m := &Matcher{tables: make(map[provider.Provider]*compiled)}
	for _, t := range tables {
		if err := m.SetTable(t); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// SetTable validates t and installs it for its provider.
func (m *Matcher) SetTable(t *Table) error {
	c, err := compile(t)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.tables[t.Provider] = c
	m.mu.Unlock()
	return nil
}

// Table returns the installed table for p.
func (m *Matcher) Table(p provider.Provider) (*Table, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.tables[p]
	if !ok {
		return nil, false
	}
	return c.table, true
}

// Match classifies a payload received from p.
func (m *Matcher) Match(p provider.Provider, eventType string, data map[string]any) Result {
	m.mu.RLock()
	c, ok := m.tables[p]
	m.mu.RUnlock()
	if !ok {
		return Result{Outcome: Ignored, Reason: ReasonNoTable}
	}
	return c.match(eventType, data)
}

// Match classifies a payload against a single table. It is a pure function
// of its inputs.
func Match(t *Table, eventType string, data map[string]any) (Result, error) {
	c, err := compile(t)
	if err != nil {
		return Result{}, err
	}
	return c.match(eventType, data), nil
}

func compile(t *Table) (*compiled, error) {
	if t == nil {
		return nil, fmt.Errorf("command table is nil")
	}
	if err := t.Validate(); err != nil {
		return nil, fmt.Errorf("invalid command table: %w", err)
	}

	prefixes := t.Prefixes
	if len(prefixes) == 0 {
		prefixes = DefaultPrefixes
	}
	quoted := make([]string, len(prefixes))
	for i, p := range prefixes {
		quoted[i] = regexp.QuoteMeta(p)
	}
	pattern, err := regexp.Compile(`(?is)(?:^|\s)(` + strings.Join(quoted, "|") + `)\s+(\w[\w-]*)(?:\s+(.*))?`)
	if err != nil {
		return nil, fmt.Errorf("failed to compile activation pattern: %w", err)
	}

	ordered := make([]int, len(t.Commands))
	for i := range ordered {
		ordered[i] = i
	}
	sort.SliceStable(ordered, func(a, b int) bool {
		return t.Commands[ordered[a]].Priority < t.Commands[ordered[b]].Priority
	})

	return &compiled{table: t, pattern: pattern, ordered: ordered}, nil
}

func (c *compiled) match(eventType string, data map[string]any) Result {
	t := c.table
	if len(t.EventTypes) > 0 && !eventMatchesAny(eventType, t.EventTypes) {
		return Result{Outcome: Ignored, Reason: ReasonEventNotHandled}
	}
	if isBotAuthor(t, data) {
		return Result{Outcome: Ignored, Reason: ReasonBotAuthor}
	}

	text := payload.Text(textField(t.Provider, eventType, data))

	if sub := c.pattern.FindStringSubmatch(text); sub != nil {
		keyword := strings.ToLower(sub[2])
		content := strings.TrimSpace(sub[3])
		if t.Find(keyword) == nil {
			return Result{Outcome: Rejected, Reason: ReasonUnknownCommand, Keyword: keyword}
		}
		cmd := c.resolve(keyword, eventType, data)
		if cmd == nil {
			return Result{Outcome: Rejected, Reason: ReasonConditionsUnmet, Keyword: keyword}
		}
		return matched(cmd, keyword, content, false, data)
	}

	if c.implicit(eventType, data) {
		if t.DefaultCommand == "" {
			return Result{Outcome: Rejected, Reason: ReasonNoDefaultCommand}
		}
		cmd := t.Find(t.DefaultCommand)
		return matched(cmd, strings.ToLower(cmd.Name), strings.TrimSpace(text), true, data)
	}

	return Result{Outcome: Rejected, Reason: ReasonNoActivation}
}

// resolve returns the first command in priority order answering to keyword whose
// triggers and conditions accept the event.
func (c *compiled) resolve(keyword, eventType string, data map[string]any) *Command {
	for _, i := range c.ordered {
		cmd := &c.table.Commands[i]
		if !answersTo(cmd, keyword) {
			continue
		}
		if len(cmd.Triggers) > 0 && !eventMatchesAny(eventType, cmd.Triggers) {
			continue
		}
		if !conditionsHold(cmd.Conditions, data) {
			continue
		}
		return cmd
	}
	return nil
}

func (c *compiled) implicit(eventType string, data map[string]any) bool {
	t := c.table
	if eventMatchesAny(eventType, t.ImplicitEvents) {
		return true
	}
	switch t.Provider {
	case provider.Jira:
		switch eventType {
		case "jira:issue_updated":
			items, _ := payload.Lookup(data, "changelog.items")
			list, _ := items.([]any)
			for _, it := range list {
				item, ok := it.(map[string]any)
				if !ok || !strings.EqualFold(payload.String(item, "field"), "assignee") {
					continue
				}
				if isBotIdentity(t, payload.FirstString(item, "toString", "to")) {
					return true
				}
			}
		case "jira:issue_created":
			return isBotIdentity(t, payload.FirstString(data,
				"issue.fields.assignee.displayName",
				"issue.fields.assignee.name",
				"issue.fields.assignee.emailAddress"))
		}
	case provider.GitHub:
		if eventType == "issues.assigned" {
			return isBotIdentity(t, payload.String(data, "assignee.login"))
		}
	}
	return false
}

func matched(cmd *Command, keyword, content string, implicit bool, data map[string]any) Result {
	annotated := payload.Clone(data)
	if annotated == nil {
		annotated = map[string]any{}
	}
	annotated[KeyUserContent] = content
	annotated[KeyCommand] = cmd.Name
	return Result{
		Outcome:     Matched,
		Command:     cmd,
		Keyword:     keyword,
		UserContent: content,
		Implicit:    implicit,
		Payload:     annotated,
	}
}

func answersTo(cmd *Command, keyword string) bool {
	for _, n := range cmd.Names() {
		if n == keyword {
			return true
		}
	}
	return false
}

// textField selects the raw value carrying the user's text for an event.
func textField(p provider.Provider, eventType string, data map[string]any) any {
	first := func(paths ...string) any {
		for _, path := range paths {
			if v, ok := payload.Lookup(data, path); ok && payload.Text(v) != "" {
				return v
			}
		}
		return nil
	}

	switch p {
	case provider.GitHub:
		switch {
		case strings.HasPrefix(eventType, "issue_comment"),
			strings.HasPrefix(eventType, "pull_request_review_comment"),
			strings.HasPrefix(eventType, "commit_comment"):
			return first("comment.body")
		case strings.HasPrefix(eventType, "pull_request_review"):
			return first("review.body")
		case strings.HasPrefix(eventType, "pull_request"):
			return first("pull_request.body", "pull_request.title")
		case strings.HasPrefix(eventType, "issues"):
			return first("issue.body", "issue.title")
		}
		return first("comment.body", "issue.body", "pull_request.body")
	case provider.Jira:
		if strings.HasPrefix(eventType, "comment_") {
			return first("comment.body")
		}
		return first("comment.body", "issue.fields.description", "issue.fields.summary")
	case provider.Slack:
		return first("event.text", "text")
	case provider.Sentry:
		return first("data.issue.title", "data.event.title", "data.error.title", "message")
	}
	return first("text", "body", "content")
}

// eventMatches reports whether eventType is covered by pattern. A pattern
// covers itself, "*", and any dotted refinement ("issues" covers
// "issues.opened").
func eventMatches(eventType, pattern string) bool {
	return pattern == "*" || eventType == pattern || strings.HasPrefix(eventType, pattern+".")
}

func eventMatchesAny(eventType string, patterns []string) bool {
	for _, p := range patterns {
		if eventMatches(eventType, p) {
			return true
		}
	}
	return false
}

// conditionsHold compares each dotted key against the payload. "label" is
// shorthand for "label.name".
func conditionsHold(conds map[string]any, data map[string]any) bool {
	for key, want := range conds {
		path := key
		if key == "label" {
			path = "label.name"
		}
		got, ok := payload.Lookup(data, path)
		if !ok || !valueEquals(got, want) {
			return false
		}
	}
	return true
}

func valueEquals(got, want any) bool {
	if list, ok := want.([]any); ok {
		for _, w := range list {
			if valueEquals(got, w) {
				return true
			}
		}
		return false
	}
	g, gok := payload.Format(got)
	w, wok := payload.Format(want)
	return gok && wok && g == w
}

func isBotAuthor(t *Table, data map[string]any) bool {
	switch t.Provider {
	case provider.GitHub:
		for _, prefix := range []string{"sender", "comment.user", "review.user"} {
			if strings.EqualFold(payload.String(data, prefix+".type"), "Bot") {
				return true
			}
			if isBotName(t, payload.String(data, prefix+".login")) {
				return true
			}
		}
	case provider.Jira:
		for _, prefix := range []string{"comment.author", "comment.updateAuthor"} {
			if strings.EqualFold(payload.String(data, prefix+".accountType"), "app") {
				return true
			}
			if isBotName(t, payload.String(data, prefix+".displayName")) {
				return true
			}
		}
		if strings.HasPrefix(payload.String(data, "webhookEvent"), "comment_") &&
			strings.EqualFold(payload.String(data, "user.accountType"), "app") {
			return true
		}
	case provider.Slack:
		if payload.String(data, "event.bot_id") != "" || payload.String(data, "event.subtype") == "bot_message" {
			return true
		}
		return isBotName(t, payload.String(data, "event.username"))
	}
	return false
}

func isBotName(t *Table, name string) bool {
	if name == "" {
		return false
	}
	lower := strings.ToLower(name)
	if strings.Contains(lower, "[bot]") {
		return true
	}
	for _, word := range strings.FieldsFunc(lower, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	}) {
		if word == "bot" {
			return true
		}
	}
	for _, b := range t.BotNames {
		if b != "" && strings.EqualFold(b, name) {
			return true
		}
	}
	return false
}

func isBotIdentity(t *Table, value string) bool {
	if value == "" {
		return false
	}
	lower := strings.ToLower(value)
	for _, b := range t.BotNames {
		if b != "" && strings.Contains(lower, strings.ToLower(b)) {
			return true
		}
	}
	return false
}
