package logger

import (
	"io"
	"regexp"
)

const redacted = "[REDACTED]"

// rule replaces every match of re with repl. repl may reference groups so a
// key survives while its value is masked.
type rule struct {
	re   *regexp.Regexp
	repl string
}

func mask(pattern string) rule {
	return rule{re: regexp.MustCompile(pattern), repl: redacted}
}

// maskValue keeps group 1 (the key and separator) and masks the rest
func maskValue(pattern string) rule {
	return rule{re: regexp.MustCompile(pattern), repl: "${1}" + redacted}
}

// Redactor masks credentials in log output. Key/value rules keep the key
// and its quoting so JSON records stay parseable.
type Redactor struct {
	rules []rule
}

// NewRedactor creates a redactor for the platform and LLM credentials the
// service handles
func NewRedactor() *Redactor {
	return &Redactor{
		rules: []rule{
			mask(`sk-ant-[a-zA-Z0-9_-]{20,}`),
			mask(`sk-[a-zA-Z0-9_-]{20,}`),
			mask(`gh[pousr]_[A-Za-z0-9]{30,}`),
			mask(`github_pat_[A-Za-z0-9_]{40,}`),
			mask(`xox[abpr]-[A-Za-z0-9-]{10,}`),
			mask(`sntrys_[A-Za-z0-9_=+/]{20,}`),

			// Authorization header values
			maskValue(`(Bearer\s+)[a-zA-Z0-9._~+/=-]+`),
			maskValue(`(Basic\s+)[A-Za-z0-9+/=]{8,}`),

			// GitHub and Slack webhook signatures
			maskValue(`(sha256=)[a-f0-9]{64}`),
			maskValue(`(v0=)[a-f0-9]{64}`),

			// key/value secrets: password=..., "secret":"...", token: ...
			maskValue(`((?i)(?:password|secret|api_key|apikey)"?\s*[:=]\s*"?)[^\s",}]+`),
			maskValue(`((?i)token"?\s*[:=]\s*"?)[a-zA-Z0-9._-]{20,}`),
		},
	}
}

// AddPattern masks every match of pattern
func (r *Redactor) AddPattern(pattern string) error {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return err
	}
	r.rules = append(r.rules, rule{re: re, repl: redacted})
	return nil
}

// Redact masks credentials in s
func (r *Redactor) Redact(s string) string {
	for _, rl := range r.rules {
		s = rl.re.ReplaceAllString(s, rl.repl)
	}
	return s
}

// Wrap returns a writer that redacts before writing to w
func (r *Redactor) Wrap(w io.Writer) io.Writer {
	return &redactingWriter{w: w, r: r}
}

type redactingWriter struct {
	w io.Writer
	r *Redactor
}

// Write reports len(p) on success; the redacted record is usually a
// different length.
func (rw *redactingWriter) Write(p []byte) (int, error) {
	if _, err := rw.w.Write([]byte(rw.r.Redact(string(p)))); err != nil {
		return 0, err
	}
	return len(p), nil
}
