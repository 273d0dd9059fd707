package command

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harun/agentrelay/pkg/provider"
)

func githubTable() *Table {
	return &Table{
		Provider:       provider.GitHub,
		DefaultCommand: "analyze",
		BotNames:       []string{"agentrelay"},
		EventTypes:     []string{"issue_comment", "issues", "pull_request", "pull_request_review_comment"},
		Commands: []Command{
			{Name: "analyze", Aliases: []string{"analysis"}, TargetAgent: "planning", PromptTemplate: "Analyze {{issue.title}}"},
			{Name: "review", Aliases: []string{"code-review"}, TargetAgent: "planning", PromptTemplate: "Review {{_user_content}}"},
			{Name: "fix", Aliases: []string{"implement"}, TargetAgent: "executor", PromptTemplate: "Fix it", RequiresApproval: true, Priority: 1},
			{Name: "triage", TargetAgent: "planning", PromptTemplate: "Triage bug", Conditions: map[string]any{"label": "bug"}},
		},
	}
}

func commentPayload(body any) map[string]any {
	return map[string]any{
		"action":  "created",
		"comment": map[string]any{"body": body, "user": map[string]any{"login": "alice", "type": "User"}},
		"issue":   map[string]any{"number": float64(123), "title": "Crash"},
		"sender":  map[string]any{"login": "alice", "type": "User"},
	}
}

func setupTestMatcher(t *testing.T) *Matcher {
	m, err := NewMatcher(githubTable())
	require.NoError(t, err)
	return m
}

func TestMatcher_ExplicitCommands(t *testing.T) {
	m := setupTestMatcher(t)

	t.Run("should match a keyword after the activation prefix", func(t *testing.T) {
		res := m.Match(provider.GitHub, "issue_comment.created", commentPayload("@agent review this PR"))
		require.Equal(t, Matched, res.Outcome)
		assert.Equal(t, "review", res.Command.Name)
		assert.Equal(t, "this PR", res.UserContent)
		assert.False(t, res.Implicit)
		assert.Equal(t, "this PR", res.Payload[KeyUserContent])
		assert.Equal(t, "review", res.Payload[KeyCommand])
	})

	t.Run("should match a token list like the equivalent string", func(t *testing.T) {
		list := m.Match(provider.GitHub, "issue_comment.created", commentPayload([]any{"@agent", "review", "this", "PR"}))
		str := m.Match(provider.GitHub, "issue_comment.created", commentPayload("@agent review this PR"))
		require.Equal(t, Matched, list.Outcome)
		assert.Equal(t, str.Command.Name, list.Command.Name)
		assert.Equal(t, str.UserContent, list.UserContent)
	})

	t.Run("should resolve aliases case-insensitively", func(t *testing.T) {
		res := m.Match(provider.GitHub, "issue_comment.created", commentPayload("Hey /Claude Code-Review please"))
		require.Equal(t, Matched, res.Outcome)
		assert.Equal(t, "review", res.Command.Name)
		assert.Equal(t, "code-review", res.Keyword)
	})

	t.Run("should not mutate the caller payload", func(t *testing.T) {
		p := commentPayload("@agent fix the crash")
		res := m.Match(provider.GitHub, "issue_comment.created", p)
		require.Equal(t, Matched, res.Outcome)
		assert.True(t, res.Command.RequiresApproval)
		_, annotated := p[KeyUserContent]
		assert.False(t, annotated)
	})

	t.Run("should reject an unknown keyword", func(t *testing.T) {
		res := m.Match(provider.GitHub, "issue_comment.created", commentPayload("@agent dance now"))
		assert.Equal(t, Rejected, res.Outcome)
		assert.Equal(t, ReasonUnknownCommand, res.Reason)
		assert.Equal(t, "dance", res.Keyword)
	})

	t.Run("should reject text without an activation token", func(t *testing.T) {
		res := m.Match(provider.GitHub, "issue_comment.created", commentPayload("looks good to me"))
		assert.Equal(t, Rejected, res.Outcome)
		assert.Equal(t, ReasonNoActivation, res.Reason)
		assert.Nil(t, res.Payload)
	})

	t.Run("should require an activation prefix at a word boundary", func(t *testing.T) {
		res := m.Match(provider.GitHub, "issue_comment.created", commentPayload("mail@agent review"))
		assert.Equal(t, Rejected, res.Outcome)
		assert.Equal(t, ReasonNoActivation, res.Reason)
	})
}

func TestMatcher_Conditions(t *testing.T) {
	m := setupTestMatcher(t)

	t.Run("should honor the label shorthand", func(t *testing.T) {
		p := commentPayload("@agent triage")
		p["label"] = map[string]any{"name": "bug"}
		res := m.Match(provider.GitHub, "issue_comment.created", p)
		require.Equal(t, Matched, res.Outcome)
		assert.Equal(t, "triage", res.Command.Name)
	})

	t.Run("should reject when conditions fail", func(t *testing.T) {
		p := commentPayload("@agent triage")
		p["label"] = map[string]any{"name": "feature"}
		res := m.Match(provider.GitHub, "issue_comment.created", p)
		assert.Equal(t, Rejected, res.Outcome)
		assert.Equal(t, ReasonConditionsUnmet, res.Reason)
	})

	t.Run("should compare numbers across encodings", func(t *testing.T) {
		assert.True(t, conditionsHold(map[string]any{"issue.number": 123}, map[string]any{
			"issue": map[string]any{"number": float64(123)},
		}))
		assert.True(t, conditionsHold(map[string]any{"action": []any{"opened", "edited"}}, map[string]any{
			"action": "edited",
		}))
	})
}

func TestMatcher_PriorityOrder(t *testing.T) {
	table := &Table{
		Provider: provider.Slack,
		Commands: []Command{
			{Name: "run", PromptTemplate: "late", Priority: 5},
			{Name: "do", Aliases: []string{"go"}, PromptTemplate: "first"},
		},
	}
	res, err := Match(table, "app_mention", map[string]any{"event": map[string]any{"text": "@agent go"}})
	require.NoError(t, err)
	require.Equal(t, Matched, res.Outcome)
	assert.Equal(t, "do", res.Command.Name)

	t.Run("should keep registration order for equal priorities", func(t *testing.T) {
		c, err := compile(githubTable())
		require.NoError(t, err)
		assert.Equal(t, []int{0, 1, 3, 2}, c.ordered)
	})
}

func TestMatcher_Ignored(t *testing.T) {
	m := setupTestMatcher(t)

	t.Run("should ignore events outside the accepted set", func(t *testing.T) {
		res := m.Match(provider.GitHub, "push", commentPayload("@agent review"))
		assert.Equal(t, Ignored, res.Outcome)
		assert.Equal(t, ReasonEventNotHandled, res.Reason)
	})

	t.Run("should ignore bot authors", func(t *testing.T) {
		for _, sender := range []map[string]any{
			{"login": "dependabot[bot]", "type": "User"},
			{"login": "ci-bot", "type": "User"},
			{"login": "helper", "type": "Bot"},
			{"login": "AgentRelay", "type": "User"},
		} {
			p := commentPayload("@agent review")
			p["sender"] = sender
			res := m.Match(provider.GitHub, "issue_comment.created", p)
			assert.Equal(t, Ignored, res.Outcome, sender["login"])
			assert.Equal(t, ReasonBotAuthor, res.Reason)
		}
	})

	t.Run("should not treat words containing bot as bots", func(t *testing.T) {
		p := commentPayload("@agent review")
		p["sender"] = map[string]any{"login": "abbott", "type": "User"}
		p["comment"].(map[string]any)["user"] = p["sender"]
		res := m.Match(provider.GitHub, "issue_comment.created", p)
		assert.Equal(t, Matched, res.Outcome)
	})

	t.Run("should ignore providers without a table", func(t *testing.T) {
		res := m.Match(provider.Sentry, "issue.created", map[string]any{})
		assert.Equal(t, Ignored, res.Outcome)
		assert.Equal(t, ReasonNoTable, res.Reason)
	})
}

func TestMatcher_Implicit(t *testing.T) {
	jira := &Table{
		Provider:       provider.Jira,
		DefaultCommand: "analyze",
		BotNames:       []string{"AI Agent"},
		Commands: []Command{
			{Name: "analyze", TargetAgent: "planning", PromptTemplate: "Analyze {{issue.key}}"},
		},
	}
	sentry := &Table{
		Provider:       provider.Sentry,
		Prefixes:       []string{"@sentry-agent"},
		DefaultCommand: "analyze-error",
		ImplicitEvents: []string{"*"},
		Commands: []Command{
			{Name: "analyze-error", TargetAgent: "planning", PromptTemplate: "Investigate {{data.issue.title}}"},
		},
	}
	m, err := NewMatcher(jira, sentry, githubTable())
	require.NoError(t, err)

	t.Run("should activate on jira assignment to the bot", func(t *testing.T) {
		p := map[string]any{
			"webhookEvent": "jira:issue_updated",
			"issue":        map[string]any{"key": "PROJ-1", "fields": map[string]any{"description": "Broken login"}},
			"changelog": map[string]any{"items": []any{
				map[string]any{"field": "status", "toString": "In Progress"},
				map[string]any{"field": "assignee", "toString": "ai agent"},
			}},
		}
		res := m.Match(provider.Jira, "jira:issue_updated", p)
		require.Equal(t, Matched, res.Outcome)
		assert.True(t, res.Implicit)
		assert.Equal(t, "analyze", res.Command.Name)
		assert.Equal(t, "Broken login", res.UserContent)
	})

	t.Run("should activate on jira creation assigned to the bot", func(t *testing.T) {
		p := map[string]any{"issue": map[string]any{"key": "PROJ-2", "fields": map[string]any{
			"assignee": map[string]any{"displayName": "AI Agent"},
		}}}
		res := m.Match(provider.Jira, "jira:issue_created", p)
		assert.Equal(t, Matched, res.Outcome)
		assert.True(t, res.Implicit)
	})

	t.Run("should reject assignment to someone else", func(t *testing.T) {
		p := map[string]any{"changelog": map[string]any{"items": []any{
			map[string]any{"field": "assignee", "toString": "Bob"},
		}}}
		res := m.Match(provider.Jira, "jira:issue_updated", p)
		assert.Equal(t, Rejected, res.Outcome)
	})

	t.Run("should activate on github assignment to the bot", func(t *testing.T) {
		p := map[string]any{
			"issue":    map[string]any{"number": float64(4), "title": "Bug", "body": "It fails"},
			"assignee": map[string]any{"login": "agentrelay"},
			"sender":   map[string]any{"login": "alice", "type": "User"},
		}
		res := m.Match(provider.GitHub, "issues.assigned", p)
		require.Equal(t, Matched, res.Outcome)
		assert.True(t, res.Implicit)
		assert.Equal(t, "analyze", res.Command.Name)
	})

	t.Run("should activate every sentry event", func(t *testing.T) {
		p := map[string]any{"data": map[string]any{"issue": map[string]any{"id": "9", "title": "TypeError in checkout"}}}
		res := m.Match(provider.Sentry, "issue.created", p)
		require.Equal(t, Matched, res.Outcome)
		assert.Equal(t, "analyze-error", res.Command.Name)
		assert.Equal(t, "TypeError in checkout", res.UserContent)
	})

	t.Run("should flatten jira document comments", func(t *testing.T) {
		p := map[string]any{
			"comment": map[string]any{
				"author": map[string]any{"displayName": "Dana", "accountType": "atlassian"},
				"body": map[string]any{"type": "doc", "content": []any{
					map[string]any{"type": "paragraph", "content": []any{
						map[string]any{"type": "text", "text": "@agent analyze"},
						map[string]any{"type": "text", "text": " the outage"},
					}},
				}},
			},
		}
		res := m.Match(provider.Jira, "comment_created", p)
		require.Equal(t, Matched, res.Outcome)
		assert.Equal(t, "the outage", res.UserContent)
	})

	t.Run("should ignore jira comments from apps", func(t *testing.T) {
		p := map[string]any{"comment": map[string]any{
			"author": map[string]any{"displayName": "Automation", "accountType": "app"},
			"body":   "@agent analyze",
		}}
		res := m.Match(provider.Jira, "comment_created", p)
		assert.Equal(t, Ignored, res.Outcome)
	})
}

func TestMatcher_SetTable(t *testing.T) {
	m := setupTestMatcher(t)

	t.Run("should reject invalid tables and keep the old one", func(t *testing.T) {
		err := m.SetTable(&Table{Provider: provider.GitHub, DefaultCommand: "missing", Commands: []Command{
			{Name: "a", PromptTemplate: "x"},
		}})
		assert.Error(t, err)
		tbl, ok := m.Table(provider.GitHub)
		require.True(t, ok)
		assert.Equal(t, "analyze", tbl.DefaultCommand)
	})

	t.Run("should swap tables under concurrent matching", func(t *testing.T) {
		var wg sync.WaitGroup
		for i := 0; i < 20; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				res := m.Match(provider.GitHub, "issue_comment.created", commentPayload("@agent analyze"))
				assert.Equal(t, Matched, res.Outcome)
			}()
		}
		require.NoError(t, m.SetTable(githubTable()))
		wg.Wait()
	})
}

func TestTable_Validate(t *testing.T) {
	t.Run("should reject duplicate keywords", func(t *testing.T) {
		tbl := &Table{Provider: provider.Slack, Commands: []Command{
			{Name: "run", PromptTemplate: "x"},
			{Name: "execute", Aliases: []string{"RUN"}, PromptTemplate: "y"},
		}}
		assert.ErrorContains(t, tbl.Validate(), "keyword")
	})

	t.Run("should require a prompt template", func(t *testing.T) {
		tbl := &Table{Provider: provider.Slack, Commands: []Command{{Name: "run"}}}
		assert.ErrorContains(t, tbl.Validate(), "prompt_template")
	})
}
