// Package template renders {{dotted.path}} prompt templates against webhook payloads.
package template

import (
	"encoding/json"
	"regexp"

	"github.com/harun/agentrelay/pkg/payload"
)

var placeholder = regexp.MustCompile(`\{\{\s*([^{}]+?)\s*\}\}`)

type renderOptions struct {
	maxFieldBytes int
}

// Option configures Render.
type Option func(*renderOptions)

// WithMaxFieldBytes bounds every substituted value with Truncate.
func WithMaxFieldBytes(n int) Option {
	return func(o *renderOptions) {
		o.maxFieldBytes = n
	}
}

// Render substitutes placeholders in tmpl with values looked up in data.
// Unresolved placeholders are left in the output verbatim.
func Render(tmpl string, data map[string]any, opts ...Option) string {
	var o renderOptions
	for _, opt := range opts {
		opt(&o)
	}

	return placeholder.ReplaceAllStringFunc(tmpl, func(match string) string {
		sub := placeholder.FindStringSubmatch(match)
		if len(sub) < 2 {
			return match
		}
		value, ok := payload.Lookup(data, sub[1])
		if !ok {
			return match
		}
		rendered, ok := formatValue(value)
		if !ok {
			return match
		}
		return Truncate(rendered, o.maxFieldBytes)
	})
}

// Placeholders returns the distinct paths referenced by tmpl, in order.
func Placeholders(tmpl string) []string {
	seen := make(map[string]bool)
	var paths []string
	for _, m := range placeholder.FindAllStringSubmatch(tmpl, -1) {
		if !seen[m[1]] {
			seen[m[1]] = true
			paths = append(paths, m[1])
		}
	}
	return paths
}

func formatValue(v any) (string, bool) {
	if payload.IsDocument(v) {
		return payload.Text(v), true
	}
	if s, ok := payload.Format(v); ok {
		return s, true
	}
	switch v.(type) {
	case map[string]any, []any:
		data, err := json.Marshal(v)
		if err != nil {
			return "", false
		}
		return string(data), true
	}
	return "", false
}
