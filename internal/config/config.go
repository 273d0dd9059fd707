package config

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/harun/agentrelay/pkg/executor"
	"github.com/harun/agentrelay/pkg/notify"
	"github.com/harun/agentrelay/pkg/provider"
)

// Config represents the agentrelay configuration
type Config struct {
	// Webhook server
	Server ServerConfig `json:"server" mapstructure:"server"`

	// Subagent REST API
	API APIConfig `json:"api" mapstructure:"api"`

	// Lifecycle event stream
	Events EventsConfig `json:"events" mapstructure:"events"`

	Providers ProvidersConfig `json:"providers" mapstructure:"providers"`

	Subagents SubagentsConfig `json:"subagents" mapstructure:"subagents"`

	Worker WorkerConfig `json:"worker" mapstructure:"worker"`

	Notifications notify.Config `json:"notifications" mapstructure:"notifications"`

	Store StoreConfig `json:"store" mapstructure:"store"`

	Reconcile ReconcileConfig `json:"reconcile" mapstructure:"reconcile"`

	Logging LoggingConfig `json:"logging" mapstructure:"logging"`

	Tracing TracingConfig `json:"tracing" mapstructure:"tracing"`

	// Data directory
	DataDir string `json:"data_dir" mapstructure:"data_dir"`
}

// ServerConfig holds webhook server configuration
type ServerConfig struct {
	Host               string        `json:"host" mapstructure:"host"`
	Port               int           `json:"port" mapstructure:"port"`
	Timeout            time.Duration `json:"timeout" mapstructure:"timeout"`
	ShutdownTimeout    time.Duration `json:"shutdown_timeout" mapstructure:"shutdown_timeout"`
	RateLimitPerMinute int           `json:"rate_limit_per_minute" mapstructure:"rate_limit_per_minute"`
	MaxBodyBytes       int64         `json:"max_body_bytes" mapstructure:"max_body_bytes"`
	DedupTTL           time.Duration `json:"dedup_ttl" mapstructure:"dedup_ttl"`
	DedupSize          int           `json:"dedup_size" mapstructure:"dedup_size"`
}

// APIConfig holds subagent API configuration
type APIConfig struct {
	Enabled bool   `json:"enabled" mapstructure:"enabled"`
	Token   string `json:"token" mapstructure:"token"`
}

// EventsConfig holds websocket event stream configuration
type EventsConfig struct {
	Enabled      bool          `json:"enabled" mapstructure:"enabled"`
	Token        string        `json:"token" mapstructure:"token"`
	TickInterval time.Duration `json:"tick_interval" mapstructure:"tick_interval"`
}

// ProviderConfig is common to every provider
type ProviderConfig struct {
	Enabled bool   `json:"enabled" mapstructure:"enabled"`
	Secret  string `json:"secret" mapstructure:"secret"`
	// CommandsFile replaces the built-in command table when set.
	CommandsFile string `json:"commands_file" mapstructure:"commands_file"`
	// BotNames are added to the table's bot identities.
	BotNames []string `json:"bot_names" mapstructure:"bot_names"`
}

// GitHubConfig holds GitHub webhook and API configuration
type GitHubConfig struct {
	ProviderConfig `mapstructure:",squash"`
	Token          string `json:"token" mapstructure:"token"`
	BaseURL        string `json:"base_url" mapstructure:"base_url"`
}

// JiraConfig holds Jira webhook and API configuration
type JiraConfig struct {
	ProviderConfig `mapstructure:",squash"`
	BaseURL        string `json:"base_url" mapstructure:"base_url"`
	Email          string `json:"email" mapstructure:"email"`
	Token          string `json:"token" mapstructure:"token"`
}

// SlackConfig holds Slack webhook and API configuration
type SlackConfig struct {
	ProviderConfig `mapstructure:",squash"`
	BotToken       string `json:"bot_token" mapstructure:"bot_token"`
	BaseURL        string `json:"base_url" mapstructure:"base_url"`
}

// SentryConfig holds Sentry webhook and API configuration
type SentryConfig struct {
	ProviderConfig `mapstructure:",squash"`
	Org            string `json:"org" mapstructure:"org"`
	Token          string `json:"token" mapstructure:"token"`
	BaseURL        string `json:"base_url" mapstructure:"base_url"`
}

// ProvidersConfig holds per-provider configuration
type ProvidersConfig struct {
	GitHub GitHubConfig `json:"github" mapstructure:"github"`
	Jira   JiraConfig   `json:"jira" mapstructure:"jira"`
	Slack  SlackConfig  `json:"slack" mapstructure:"slack"`
	Sentry SentryConfig `json:"sentry" mapstructure:"sentry"`
}

// Get returns the common configuration of p
func (c ProvidersConfig) Get(p provider.Provider) ProviderConfig {
	switch p {
	case provider.GitHub:
		return c.GitHub.ProviderConfig
	case provider.Jira:
		return c.Jira.ProviderConfig
	case provider.Slack:
		return c.Slack.ProviderConfig
	case provider.Sentry:
		return c.Sentry.ProviderConfig
	}
	return ProviderConfig{}
}

// SubagentsConfig holds subagent scheduler configuration
type SubagentsConfig struct {
	MaxParallel int           `json:"max_parallel" mapstructure:"max_parallel"`
	Timeout     time.Duration `json:"timeout" mapstructure:"timeout"`
}

// WorkerConfig holds task worker configuration
type WorkerConfig struct {
	Concurrency int             `json:"concurrency" mapstructure:"concurrency"`
	TaskTimeout time.Duration   `json:"task_timeout" mapstructure:"task_timeout"`
	Executor    executor.Config `json:"executor" mapstructure:"executor"`
}

// StoreConfig holds persistence configuration
type StoreConfig struct {
	// Path of the SQLite database. Empty means <data_dir>/agentrelay.db.
	Path string `json:"path" mapstructure:"path"`
}

// ReconcileConfig holds stale task reconciliation configuration
type ReconcileConfig struct {
	Enabled    bool          `json:"enabled" mapstructure:"enabled"`
	Schedule   string        `json:"schedule" mapstructure:"schedule"`
	StaleAfter time.Duration `json:"stale_after" mapstructure:"stale_after"`
	BatchSize  int           `json:"batch_size" mapstructure:"batch_size"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level     string `json:"level" mapstructure:"level"`
	File      string `json:"file" mapstructure:"file"`
	Console   bool   `json:"console" mapstructure:"console"`
	Pretty    bool   `json:"pretty" mapstructure:"pretty"`
	MaxSize   int    `json:"max_size" mapstructure:"max_size"` // MB
	MaxAge    int    `json:"max_age" mapstructure:"max_age"`   // days
	Compress  bool   `json:"compress" mapstructure:"compress"`
	Redaction bool   `json:"redaction" mapstructure:"redaction"`
}

// TracingConfig holds OpenTelemetry and audit configuration
type TracingConfig struct {
	Enabled     bool   `json:"enabled" mapstructure:"enabled"`
	ServiceName string `json:"service_name" mapstructure:"service_name"`
	// Exporter is otlp, zipkin or empty for in-process spans only.
	Exporter   string  `json:"exporter" mapstructure:"exporter"`
	Endpoint   string  `json:"endpoint" mapstructure:"endpoint"`
	SampleRate float64 `json:"sample_rate" mapstructure:"sample_rate"`
	AuditLog   string  `json:"audit_log" mapstructure:"audit_log"`
}

// DefaultConfig returns a config with default values
func DefaultConfig() *Config {
	enabled := ProviderConfig{Enabled: true}
	return &Config{
		Server: ServerConfig{
			Host:               "0.0.0.0",
			Port:               8080,
			Timeout:            30 * time.Second,
			ShutdownTimeout:    30 * time.Second,
			RateLimitPerMinute: 100,
			MaxBodyBytes:       5 << 20,
			DedupTTL:           time.Hour,
			DedupSize:          10000,
		},
		API:    APIConfig{Enabled: true},
		Events: EventsConfig{Enabled: true, TickInterval: 30 * time.Second},
		Providers: ProvidersConfig{
			GitHub: GitHubConfig{ProviderConfig: enabled},
			Jira:   JiraConfig{ProviderConfig: enabled},
			Slack:  SlackConfig{ProviderConfig: enabled},
			Sentry: SentryConfig{ProviderConfig: enabled},
		},
		Subagents: SubagentsConfig{
			MaxParallel: 10,
			Timeout:     30 * time.Minute,
		},
		Worker: WorkerConfig{
			Concurrency: 2,
			TaskTimeout: 30 * time.Minute,
			Executor: executor.Config{
				Kind:       executor.KindCLI,
				MaxRetries: 3,
				RetryBase:  time.Second,
			},
		},
		Notifications: notify.DefaultConfig(),
		Reconcile: ReconcileConfig{
			Enabled:    true,
			Schedule:   "@every 1m",
			StaleAfter: 5 * time.Minute,
			BatchSize:  100,
		},
		Logging: LoggingConfig{
			Level:     "info",
			Console:   true,
			MaxSize:   100,
			MaxAge:    7,
			Compress:  true,
			Redaction: true,
		},
		Tracing: TracingConfig{
			ServiceName: "agentrelay",
			SampleRate:  1,
		},
	}
}

// String returns a JSON representation of the config
func (c *Config) String() string {
	data, _ := json.MarshalIndent(c, "", "  ")
	return string(data)
}

// EnabledProviders returns the providers accepting webhooks
func (c *Config) EnabledProviders() []provider.Provider {
	var out []provider.Provider
	for _, p := range provider.All {
		if c.Providers.Get(p).Enabled {
			out = append(out, p)
		}
	}
	return out
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server port must be between 1 and 65535, got %d", c.Server.Port)
	}
	if c.Server.RateLimitPerMinute < 0 {
		return fmt.Errorf("server rate_limit_per_minute must be >= 0")
	}
	if len(c.EnabledProviders()) == 0 {
		return fmt.Errorf("at least one provider must be enabled")
	}

	if c.Subagents.MaxParallel <= 0 {
		return fmt.Errorf("subagents max_parallel must be positive, got %d", c.Subagents.MaxParallel)
	}
	if c.Worker.Concurrency <= 0 {
		return fmt.Errorf("worker concurrency must be positive, got %d", c.Worker.Concurrency)
	}

	validator := NewValidator()
	switch kind := c.Worker.Executor.Kind; kind {
	case "", executor.KindCLI:
	case executor.KindAnthropic, executor.KindOpenAI:
		if err := validator.ValidateAPIKey(c.Worker.Executor.APIKey, kind); err != nil {
			return fmt.Errorf("worker executor: %w", err)
		}
	default:
		return fmt.Errorf("worker executor: invalid kind %s (must be: cli, anthropic, openai)", kind)
	}

	if c.Reconcile.Enabled {
		if _, err := cron.ParseStandard(c.Reconcile.Schedule); err != nil {
			return fmt.Errorf("reconcile schedule %q: %w", c.Reconcile.Schedule, err)
		}
	}

	switch c.Tracing.Exporter {
	case "", "otlp", "zipkin":
	default:
		return fmt.Errorf("tracing exporter: invalid kind %s (must be: otlp, zipkin)", c.Tracing.Exporter)
	}

	if _, err := zerolog.ParseLevel(c.Logging.Level); err != nil {
		return fmt.Errorf("invalid log level: %s", c.Logging.Level)
	}

	return nil
}
