package config

import (
	"fmt"
	"net/url"
	"regexp"
	"sort"
	"strings"

	"github.com/harun/agentrelay/pkg/executor"
)

var (
	githubTokenPattern = regexp.MustCompile(`^(ghp_|gho_|ghs_|github_pat_)[A-Za-z0-9_]+$`)
	slackTokenPattern  = regexp.MustCompile(`^xoxb-[A-Za-z0-9-]+$`)
)

// Validator validates configuration values
type Validator struct{}

// NewValidator creates a new validator
func NewValidator() *Validator {
	return &Validator{}
}

// ValidateAPIKey validates an LLM API key format for an executor kind
func (v *Validator) ValidateAPIKey(key string, kind string) error {
	if key == "" {
		return fmt.Errorf("%s API key cannot be empty", kind)
	}

	switch kind {
	case executor.KindAnthropic:
		if !strings.HasPrefix(key, "sk-ant-") {
			return fmt.Errorf("invalid Anthropic API key format (should start with sk-ant-)")
		}
	case executor.KindOpenAI:
		if !strings.HasPrefix(key, "sk-") {
			return fmt.Errorf("invalid OpenAI API key format (should start with sk-)")
		}
	}

	return nil
}

// ValidateGitHubToken validates a GitHub personal access or app token
func (v *Validator) ValidateGitHubToken(token string) error {
	if token == "" {
		return nil
	}
	if !githubTokenPattern.MatchString(token) {
		return fmt.Errorf("invalid GitHub token format (should start with ghp_, gho_, ghs_ or github_pat_)")
	}
	return nil
}

// ValidateSlackToken validates a Slack bot token
func (v *Validator) ValidateSlackToken(token string) error {
	if token == "" {
		return nil
	}
	if !slackTokenPattern.MatchString(token) {
		return fmt.Errorf("invalid Slack bot token format (should start with xoxb-)")
	}
	return nil
}

// ValidateBaseURL validates an optional API base URL
func (v *Validator) ValidateBaseURL(raw string) error {
	if raw == "" {
		return nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid URL %q: %w", raw, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("invalid URL %q: scheme must be http or https", raw)
	}
	if u.Host == "" {
		return fmt.Errorf("invalid URL %q: host is required", raw)
	}
	return nil
}

// ValidateExecutorKind validates an executor kind
func (v *Validator) ValidateExecutorKind(kind string) error {
	validKinds := []string{executor.KindCLI, executor.KindAnthropic, executor.KindOpenAI}
	for _, valid := range validKinds {
		if kind == valid {
			return nil
		}
	}
	return fmt.Errorf("invalid executor kind: %s (must be one of: %s)", kind, strings.Join(validKinds, ", "))
}

// ValidateLogLevel validates log level
func (v *Validator) ValidateLogLevel(level string) error {
	validLevels := []string{"debug", "info", "warn", "error"}
	for _, valid := range validLevels {
		if level == valid {
			return nil
		}
	}
	return fmt.Errorf("invalid log level: %s (must be one of: %s)", level, strings.Join(validLevels, ", "))
}

// ValidateConfig collects every problem, unlike Config.Validate which stops
// at the first one.
func (v *Validator) ValidateConfig(cfg *Config) []error {
	var errors []error

	if err := cfg.Validate(); err != nil {
		errors = append(errors, err)
	}

	if err := v.ValidateGitHubToken(cfg.Providers.GitHub.Token); err != nil {
		errors = append(errors, fmt.Errorf("providers.github: %w", err))
	}
	if err := v.ValidateSlackToken(cfg.Providers.Slack.BotToken); err != nil {
		errors = append(errors, fmt.Errorf("providers.slack: %w", err))
	}

	urls := map[string]string{
		"providers.github.base_url": cfg.Providers.GitHub.BaseURL,
		"providers.jira.base_url":   cfg.Providers.Jira.BaseURL,
		"providers.slack.base_url":  cfg.Providers.Slack.BaseURL,
		"providers.sentry.base_url": cfg.Providers.Sentry.BaseURL,
		"worker.executor.base_url":  cfg.Worker.Executor.BaseURL,
	}
	for _, key := range sortedKeys(urls) {
		if err := v.ValidateBaseURL(urls[key]); err != nil {
			errors = append(errors, fmt.Errorf("%s: %w", key, err))
		}
	}

	jira := cfg.Providers.Jira
	if jira.BaseURL != "" && (jira.Email == "" || jira.Token == "") {
		errors = append(errors, fmt.Errorf("providers.jira: email and token are required with base_url"))
	}

	if err := v.ValidateLogLevel(cfg.Logging.Level); err != nil {
		errors = append(errors, err)
	}

	return errors
}

// Warnings reports settings that are valid but probably unintended
func (v *Validator) Warnings(cfg *Config) []string {
	var warnings []string
	for _, p := range cfg.EnabledProviders() {
		if cfg.Providers.Get(p).Secret == "" {
			warnings = append(warnings, fmt.Sprintf("providers.%s: secret is empty, signatures will not be verified", p))
		}
	}
	if cfg.Providers.GitHub.Enabled && cfg.Providers.GitHub.Token == "" {
		warnings = append(warnings, "providers.github: token is empty, results cannot be posted back")
	}
	if cfg.Providers.Slack.BotToken == "" && (cfg.Providers.Slack.Enabled || cfg.Notifications.Enabled) {
		warnings = append(warnings, "providers.slack: bot_token is empty, replies and notifications are disabled")
	}
	if cfg.API.Enabled && cfg.API.Token == "" {
		warnings = append(warnings, "api: token is empty, the subagent API is unauthenticated")
	}
	return warnings
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
