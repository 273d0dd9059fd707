// Package payload normalizes heterogeneous webhook payload values.
//
// Text-bearing fields arrive in four shapes: a plain string, a list of tokens,
// a mapping with a text/body/content key, or a rich-text document tree such as
// Atlassian Document Format. Text reduces all of them to one flat string.
package payload

import (
	"strings"
)

// textKeys are tried in order when a mapping carries its text under a key.
var textKeys = []string{"text", "body", "content"}

// blockNodes are document-tree node types that start a new block of text.
var blockNodes = map[string]bool{
	"doc":         true,
	"paragraph":   true,
	"heading":     true,
	"blockquote":  true,
	"bulletList":  true,
	"orderedList": true,
	"listItem":    true,
	"codeBlock":   true,
	"panel":       true,
	"table":       true,
	"tableRow":    true,
	"tableCell":   true,
	"tableHeader": true,
	"rule":        true,
}

// Text flattens v into a single string with whitespace runs collapsed to one
// space, so every shape of the same content yields the same string. nil and
// unsupported values give "".
func Text(v any) string {
	return strings.Join(strings.Fields(text(v)), " ")
}

func text(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case []string:
		return strings.Join(val, " ")
	case []any:
		if isNodeList(val) {
			return flattenTree(val)
		}
		parts := make([]string, 0, len(val))
		for _, item := range val {
			if s := text(item); s != "" {
				parts = append(parts, s)
			}
		}
		return strings.Join(parts, " ")
	case map[string]any:
		if isNode(val) {
			return flattenTree(val)
		}
		for _, key := range textKeys {
			if inner, ok := val[key]; ok && inner != nil {
				return text(inner)
			}
		}
		return ""
	default:
		if s, ok := Format(v); ok {
			return s
		}
		return ""
	}
}

// IsDocument reports whether v looks like a rich-text document tree.
func IsDocument(v any) bool {
	switch val := v.(type) {
	case map[string]any:
		return isNode(val)
	case []any:
		return isNodeList(val)
	}
	return false
}

func isNode(m map[string]any) bool {
	t, ok := m["type"].(string)
	if !ok || t == "" {
		return false
	}
	if _, ok := m["content"].([]any); ok {
		return true
	}
	if _, ok := m["text"].(string); ok {
		return true
	}
	return blockNodes[t] || t == "hardBreak" || t == "mention"
}

func isNodeList(items []any) bool {
	if len(items) == 0 {
		return false
	}
	for _, item := range items {
		m, ok := item.(map[string]any)
		if !ok || !isNode(m) {
			return false
		}
	}
	return true
}

// flattenTree concatenates text leaves in document order. Block boundaries
// and hard breaks become a space.
func flattenTree(root any) string {
	var b strings.Builder
	walkNode(&b, root)
	return b.String()
}

func walkNode(b *strings.Builder, v any) {
	switch node := v.(type) {
	case []any:
		for _, child := range node {
			walkNode(b, child)
		}
	case map[string]any:
		nodeType, _ := node["type"].(string)
		switch nodeType {
		case "text":
			if s, ok := node["text"].(string); ok {
				b.WriteString(s)
			}
			return
		case "hardBreak":
			b.WriteByte(' ')
			return
		case "mention", "emoji":
			if attrs, ok := node["attrs"].(map[string]any); ok {
				if s, ok := attrs["text"].(string); ok {
					b.WriteString(s)
				}
			}
			return
		}
		if blockNodes[nodeType] {
			b.WriteByte(' ')
		}
		if children, ok := node["content"].([]any); ok {
			walkNode(b, children)
		} else if s, ok := node["text"].(string); ok {
			b.WriteString(s)
		}
		if blockNodes[nodeType] {
			b.WriteByte(' ')
		}
	}
}
