// Package platform holds the thin REST clients used to post task results
// back to GitHub, Jira, Slack and Sentry.
package platform

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// ErrNotConfigured is returned when a client lacks the credentials it needs
var ErrNotConfigured = errors.New("platform client not configured")

const defaultTimeout = 30 * time.Second

// maxErrorBody bounds how much of a failed response is kept in APIError
const maxErrorBody = 512

// APIError is a non-success response from a platform API
type APIError struct {
	Service string
	Method  string
	Status  int
	// Code is the platform error code when the API reports one (Slack "error").
	Code string
	Body string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s: %s: %s", e.Service, e.Method, e.Code)
	}
	return fmt.Sprintf("%s: %s: status %d: %s", e.Service, e.Method, e.Status, e.Body)
}

// client is the shared JSON-over-HTTP plumbing
type client struct {
	service   string
	baseURL   string
	http      *http.Client
	authorize func(r *http.Request)
	headers   map[string]string
}

func newClient(service, baseURL string, httpClient *http.Client, authorize func(*http.Request)) client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultTimeout}
	}
	return client{
		service:   service,
		baseURL:   strings.TrimRight(baseURL, "/"),
		http:      httpClient,
		authorize: authorize,
		headers:   map[string]string{},
	}
}

// doJSON sends in as a JSON body and decodes the response into out when
// out is non-nil.
func (c *client) doJSON(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		buf, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("%s: failed to marshal %s: %w", c.service, path, err)
		}
		body = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("%s: failed to create request for %s: %w", c.service, path, err)
	}
	req.Header.Set("Content-Type", "application/json; charset=utf-8")
	req.Header.Set("Accept", "application/json")
	for k, v := range c.headers {
		req.Header.Set(k, v)
	}
	if c.authorize != nil {
		c.authorize(req)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %s request failed: %w", c.service, path, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%s: failed to read %s response: %w", c.service, path, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet := string(respBody)
		if len(snippet) > maxErrorBody {
			snippet = snippet[:maxErrorBody]
		}
		return &APIError{Service: c.service, Method: path, Status: resp.StatusCode, Body: snippet}
	}

	if out != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, out); err != nil {
			return fmt.Errorf("%s: failed to decode %s response: %w", c.service, path, err)
		}
	}
	return nil
}

func bearer(token string) func(*http.Request) {
	return func(r *http.Request) {
		r.Header.Set("Authorization", "Bearer "+token)
	}
}
