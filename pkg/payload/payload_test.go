package payload

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func adfDoc(texts ...string) map[string]any {
	leaves := make([]any, 0, len(texts))
	for _, t := range texts {
		leaves = append(leaves, map[string]any{"type": "text", "text": t})
	}
	return map[string]any{
		"type":    "doc",
		"version": float64(1),
		"content": []any{
			map[string]any{"type": "paragraph", "content": leaves},
		},
	}
}

func TestText(t *testing.T) {
	t.Run("should produce the same string for all four shapes", func(t *testing.T) {
		want := "@agent review this PR"
		shapes := map[string]any{
			"plain":    "@agent review this PR",
			"tokens":   []any{"@agent", "review", "this", "PR"},
			"text key": map[string]any{"body": "@agent review this PR"},
			"document": adfDoc("@agent review ", "this PR"),
		}

		for name, shape := range shapes {
			assert.Equal(t, want, Text(shape), name)
		}
	})

	t.Run("should collapse irregular whitespace in every shape", func(t *testing.T) {
		want := "@agent review this"
		shapes := map[string]any{
			"plain":    "@agent  review\nthis",
			"tokens":   []any{"@agent ", " review", "this"},
			"text key": map[string]any{"text": " @agent\treview   this "},
			"document": adfDoc("@agent ", " review\n", "this"),
		}

		for name, shape := range shapes {
			assert.Equal(t, want, Text(shape), name)
		}
	})

	t.Run("should normalize nil to empty string", func(t *testing.T) {
		assert.Equal(t, "", Text(nil))
		assert.Equal(t, "", Text(map[string]any{"unrelated": "x"}))
	})

	t.Run("should extract text keys recursively in order", func(t *testing.T) {
		v := map[string]any{
			"body": map[string]any{"content": []any{"hello", "world"}},
		}
		assert.Equal(t, "hello world", Text(v))

		both := map[string]any{"text": "first", "body": "second"}
		assert.Equal(t, "first", Text(both))
	})

	t.Run("should separate document blocks and skip markup", func(t *testing.T) {
		doc := map[string]any{
			"type": "doc",
			"content": []any{
				map[string]any{
					"type":  "heading",
					"attrs": map[string]any{"level": float64(2)},
					"content": []any{
						map[string]any{"type": "text", "text": "Title", "marks": []any{map[string]any{"type": "strong"}}},
					},
				},
				map[string]any{
					"type": "paragraph",
					"content": []any{
						map[string]any{"type": "mention", "attrs": map[string]any{"id": "123", "text": "@agent"}},
						map[string]any{"type": "text", "text": " fix it"},
						map[string]any{"type": "hardBreak"},
						map[string]any{"type": "text", "text": "now"},
					},
				},
			},
		}
		assert.Equal(t, "Title @agent fix it now", Text(doc))
	})

	t.Run("should flatten a bare list of nodes", func(t *testing.T) {
		nodes := []any{
			map[string]any{"type": "paragraph", "content": []any{map[string]any{"type": "text", "text": "a"}}},
			map[string]any{"type": "paragraph", "content": []any{map[string]any{"type": "text", "text": "b"}}},
		}
		assert.True(t, IsDocument(nodes))
		assert.Equal(t, "a b", Text(nodes))
	})

	t.Run("should not treat ordinary objects as documents", func(t *testing.T) {
		sender := map[string]any{"type": "Bot", "login": "dependabot[bot]"}
		assert.False(t, IsDocument(sender))
	})
}

func TestLookup(t *testing.T) {
	var root map[string]any
	require.NoError(t, json.Unmarshal([]byte(`{
		"issue": {"number": 123, "labels": [{"name": "bug"}, {"name": "ai"}]},
		"repository": {"full_name": "org/repo"},
		"score": 1.5
	}`), &root))

	t.Run("should resolve nested and indexed paths", func(t *testing.T) {
		assert.Equal(t, "org/repo", String(root, "repository.full_name"))
		assert.Equal(t, "ai", String(root, "issue.labels.1.name"))
		assert.Equal(t, "123", String(root, "issue.number"))
		assert.Equal(t, "1.5", String(root, "score"))
	})

	t.Run("should report missing paths", func(t *testing.T) {
		_, ok := Lookup(root, "issue.labels.5.name")
		assert.False(t, ok)
		_, ok = Lookup(root, "issue.number.value")
		assert.False(t, ok)
		_, ok = Lookup(root, "")
		assert.False(t, ok)
	})

	t.Run("should return first non-empty string", func(t *testing.T) {
		assert.Equal(t, "123", FirstString(root, "pull_request.number", "issue.number"))
	})
}

func TestClone(t *testing.T) {
	orig := map[string]any{"a": "b"}
	c := Clone(orig)
	c["x"] = "y"

	_, exists := orig["x"]
	assert.False(t, exists)
	assert.Equal(t, "b", c["a"])
}
