package webhook

import (
	"context"
	"time"

	"github.com/harun/agentrelay/pkg/engine"
	"github.com/harun/agentrelay/pkg/provider"
)

// Outcomes reported by the server in addition to the engine's
const (
	OutcomeDuplicate = "duplicate"
	OutcomeError     = "error"
)

// Processor turns a verified delivery into a task
type Processor interface {
	MatchAndCreateTask(ctx context.Context, p provider.Provider, eventType string, raw map[string]any) (engine.Outcome, error)
}

// ProviderOptions configures a single provider endpoint
type ProviderOptions struct {
	Enabled bool
	// Secret verifies signatures; empty disables verification.
	Secret string
}

// ServerOptions configures the webhook server
type ServerOptions struct {
	Host               string        // default "0.0.0.0"
	Port               int           // default 8080
	RateLimitPerMinute int           // requests per minute per IP (default 100)
	Timeout            time.Duration // processing timeout per delivery (default 30s)
	MaxBodyBytes       int64         // default 5 MiB
	DedupTTL           time.Duration // default 1h
	DedupSize          int           // default 10000
	Providers          map[provider.Provider]ProviderOptions
}

// Response is the JSON body of a webhook reply
type Response struct {
	Status  string `json:"status"`
	TaskID  string `json:"task_id,omitempty"`
	Command string `json:"command,omitempty"`
	Reason  string `json:"reason,omitempty"`
}

// ProviderMetrics tracks per-provider request counters
type ProviderMetrics struct {
	Provider            string           `json:"provider"`
	TotalRequests       int64            `json:"totalRequests"`
	Outcomes            map[string]int64 `json:"outcomes"`
	AverageResponseTime float64          `json:"averageResponseTime"` // milliseconds
	LastRequestAt       int64            `json:"lastRequestAt,omitempty"`
}
