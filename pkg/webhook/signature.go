package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/harun/agentrelay/pkg/provider"
)

// Signature headers per provider
const (
	HeaderGitHubSignature = "X-Hub-Signature-256"
	HeaderJiraSignature   = "X-Hub-Signature"
	HeaderSlackSignature  = "X-Slack-Signature"
	HeaderSlackTimestamp  = "X-Slack-Request-Timestamp"
	HeaderSentrySignature = "Sentry-Hook-Signature"
)

// SlackTimestampTolerance bounds the age of a signed Slack request
const SlackTimestampTolerance = 5 * time.Minute

var (
	ErrMissingSignature = errors.New("missing signature")
	ErrInvalidSignature = errors.New("invalid signature")
)

// VerifySignature checks the provider-specific HMAC of body. An empty
// secret disables verification.
func VerifySignature(p provider.Provider, h http.Header, body []byte, secret string, now time.Time) error {
	if secret == "" {
		return nil
	}

	switch p {
	case provider.GitHub:
		return compare(h.Get(HeaderGitHubSignature), "sha256="+computeHMACSHA256(body, secret))
	case provider.Jira:
		return compare(h.Get(HeaderJiraSignature), "sha256="+computeHMACSHA256(body, secret))
	case provider.Sentry:
		return compare(h.Get(HeaderSentrySignature), computeHMACSHA256(body, secret))
	case provider.Slack:
		ts := h.Get(HeaderSlackTimestamp)
		if ts == "" {
			return ErrMissingSignature
		}
		sec, err := strconv.ParseInt(ts, 10, 64)
		if err != nil {
			return fmt.Errorf("%w: bad timestamp", ErrInvalidSignature)
		}
		if age := now.Sub(time.Unix(sec, 0)); age > SlackTimestampTolerance || age < -SlackTimestampTolerance {
			return fmt.Errorf("%w: stale timestamp", ErrInvalidSignature)
		}
		base := append([]byte("v0:"+ts+":"), body...)
		return compare(h.Get(HeaderSlackSignature), "v0="+computeHMACSHA256(base, secret))
	}
	return fmt.Errorf("no signature scheme for %s", p)
}

func compare(got, expected string) error {
	if got == "" {
		return ErrMissingSignature
	}
	if subtle.ConstantTimeCompare([]byte(strings.TrimSpace(got)), []byte(expected)) != 1 {
		return ErrInvalidSignature
	}
	return nil
}

// computeHMACSHA256 returns the hex HMAC-SHA256 of body
func computeHMACSHA256(body []byte, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(body)
	return hex.EncodeToString(h.Sum(nil))
}
