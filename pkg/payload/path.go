package payload

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"
)

// Lookup resolves a dotted path such as "issue.labels.0.name" against root.
// Numeric segments index into lists.
func Lookup(root any, path string) (any, bool) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, false
	}

	current := root
	for _, part := range strings.Split(path, ".") {
		if current == nil {
			return nil, false
		}
		switch node := current.(type) {
		case map[string]any:
			next, ok := node[part]
			if !ok {
				return nil, false
			}
			current = next
		case []any:
			idx, err := strconv.Atoi(part)
			if err != nil || idx < 0 || idx >= len(node) {
				return nil, false
			}
			current = node[idx]
		case []string:
			idx, err := strconv.Atoi(part)
			if err != nil || idx < 0 || idx >= len(node) {
				return nil, false
			}
			current = node[idx]
		default:
			return nil, false
		}
	}

	if current == nil {
		return nil, false
	}
	return current, true
}

// String resolves path and formats a scalar result. Missing paths and
// non-scalar values give "".
func String(root any, path string) string {
	v, ok := Lookup(root, path)
	if !ok {
		return ""
	}
	s, _ := Format(v)
	return s
}

// FirstString returns the first non-empty String among paths.
func FirstString(root any, paths ...string) string {
	for _, p := range paths {
		if s := String(root, p); s != "" {
			return s
		}
	}
	return ""
}

// Format renders scalar JSON values. Integral floats print without a
// fractional part so issue numbers decoded as float64 stay "123".
func Format(v any) (string, bool) {
	switch val := v.(type) {
	case string:
		return val, true
	case float64:
		if val == math.Trunc(val) && math.Abs(val) < 1e15 {
			return strconv.FormatInt(int64(val), 10), true
		}
		return strconv.FormatFloat(val, 'f', -1, 64), true
	case float32:
		return Format(float64(val))
	case int:
		return strconv.Itoa(val), true
	case int64:
		return strconv.FormatInt(val, 10), true
	case int32:
		return strconv.FormatInt(int64(val), 10), true
	case uint64:
		return strconv.FormatUint(val, 10), true
	case json.Number:
		return val.String(), true
	case bool:
		return strconv.FormatBool(val), true
	}
	return "", false
}

// Clone returns a shallow copy of m so callers can annotate it without
// mutating the original payload.
func Clone(m map[string]any) map[string]any {
	out := make(map[string]any, len(m)+2)
	for k, v := range m {
		out[k] = v
	}
	return out
}
