package config

import (
	"bufio"
	"fmt"
	"io"
	"strings"

	"github.com/harun/agentrelay/pkg/executor"
)

// Wizard provides an interactive configuration wizard
type Wizard struct {
	reader *bufio.Reader
	out    io.Writer
}

// NewWizard creates a wizard reading answers from in
func NewWizard(in io.Reader, out io.Writer) *Wizard {
	return &Wizard{
		reader: bufio.NewReader(in),
		out:    out,
	}
}

// Run asks for the settings that have no sensible default and returns the
// resulting config, starting from base.
func (w *Wizard) Run(base *Config) (*Config, error) {
	fmt.Fprintln(w.out, "=== agentrelay Configuration Wizard ===")
	fmt.Fprintln(w.out)

	cfg := base
	if cfg == nil {
		cfg = DefaultConfig()
	}
	validator := NewValidator()

	// Executor
	fmt.Fprintln(w.out, "Executor (cli runs the claude binary, anthropic and openai call the API):")
	for {
		kind, err := w.ask("Executor kind", cfg.Worker.Executor.Kind)
		if err != nil {
			return nil, err
		}
		if err := validator.ValidateExecutorKind(kind); err != nil {
			fmt.Fprintf(w.out, "Error: %v\n", err)
			continue
		}
		cfg.Worker.Executor.Kind = kind
		break
	}

	if cfg.Worker.Executor.Kind != executor.KindCLI {
		for {
			key, err := w.ask("API key", "")
			if err != nil {
				return nil, err
			}
			if err := validator.ValidateAPIKey(key, cfg.Worker.Executor.Kind); err != nil {
				fmt.Fprintf(w.out, "Error: %v\n", err)
				continue
			}
			cfg.Worker.Executor.APIKey = key
			break
		}
	}

	model, err := w.ask("Model (empty for the executor default)", cfg.Worker.Executor.Model)
	if err != nil {
		return nil, err
	}
	cfg.Worker.Executor.Model = model

	fmt.Fprintln(w.out)

	// GitHub
	if cfg.Providers.GitHub.Enabled, err = w.confirm("Enable GitHub webhooks?", cfg.Providers.GitHub.Enabled); err != nil {
		return nil, err
	}
	if cfg.Providers.GitHub.Enabled {
		if cfg.Providers.GitHub.Secret, err = w.ask("GitHub webhook secret", cfg.Providers.GitHub.Secret); err != nil {
			return nil, err
		}
		for {
			token, err := w.ask("GitHub token", cfg.Providers.GitHub.Token)
			if err != nil {
				return nil, err
			}
			if err := validator.ValidateGitHubToken(token); err != nil {
				fmt.Fprintf(w.out, "Error: %v\n", err)
				continue
			}
			cfg.Providers.GitHub.Token = token
			break
		}
	}

	// Jira
	if cfg.Providers.Jira.Enabled, err = w.confirm("Enable Jira webhooks?", cfg.Providers.Jira.Enabled); err != nil {
		return nil, err
	}
	if cfg.Providers.Jira.Enabled {
		if cfg.Providers.Jira.Secret, err = w.ask("Jira webhook secret", cfg.Providers.Jira.Secret); err != nil {
			return nil, err
		}
		for {
			baseURL, err := w.ask("Jira base URL", cfg.Providers.Jira.BaseURL)
			if err != nil {
				return nil, err
			}
			if err := validator.ValidateBaseURL(baseURL); err != nil {
				fmt.Fprintf(w.out, "Error: %v\n", err)
				continue
			}
			cfg.Providers.Jira.BaseURL = baseURL
			break
		}
		if cfg.Providers.Jira.BaseURL != "" {
			if cfg.Providers.Jira.Email, err = w.ask("Jira email", cfg.Providers.Jira.Email); err != nil {
				return nil, err
			}
			if cfg.Providers.Jira.Token, err = w.ask("Jira API token", cfg.Providers.Jira.Token); err != nil {
				return nil, err
			}
		}
	}

	// Slack
	if cfg.Providers.Slack.Enabled, err = w.confirm("Enable Slack events?", cfg.Providers.Slack.Enabled); err != nil {
		return nil, err
	}
	if cfg.Providers.Slack.Enabled {
		if cfg.Providers.Slack.Secret, err = w.ask("Slack signing secret", cfg.Providers.Slack.Secret); err != nil {
			return nil, err
		}
	}
	if cfg.Providers.Slack.Enabled || cfg.Notifications.Enabled {
		for {
			token, err := w.ask("Slack bot token", cfg.Providers.Slack.BotToken)
			if err != nil {
				return nil, err
			}
			if err := validator.ValidateSlackToken(token); err != nil {
				fmt.Fprintf(w.out, "Error: %v\n", err)
				continue
			}
			cfg.Providers.Slack.BotToken = token
			break
		}
	}

	// Sentry
	if cfg.Providers.Sentry.Enabled, err = w.confirm("Enable Sentry alerts?", cfg.Providers.Sentry.Enabled); err != nil {
		return nil, err
	}
	if cfg.Providers.Sentry.Enabled {
		if cfg.Providers.Sentry.Secret, err = w.ask("Sentry client secret", cfg.Providers.Sentry.Secret); err != nil {
			return nil, err
		}
		if cfg.Providers.Sentry.Org, err = w.ask("Sentry organization", cfg.Providers.Sentry.Org); err != nil {
			return nil, err
		}
		if cfg.Providers.Sentry.Token, err = w.ask("Sentry auth token", cfg.Providers.Sentry.Token); err != nil {
			return nil, err
		}
	}

	fmt.Fprintln(w.out)

	// Log Level
	level, err := w.ask("Log level (debug/info/warn/error)", cfg.Logging.Level)
	if err != nil {
		return nil, err
	}
	if err := validator.ValidateLogLevel(level); err != nil {
		fmt.Fprintf(w.out, "Warning: %v, using default (info)\n", err)
		level = "info"
	}
	cfg.Logging.Level = level

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration is invalid: %w", err)
	}

	fmt.Fprintln(w.out)
	fmt.Fprintln(w.out, "Configuration complete!")

	return cfg, nil
}

// ask prints a prompt and returns the answer, or def for an empty answer
func (w *Wizard) ask(prompt, def string) (string, error) {
	if def != "" {
		fmt.Fprintf(w.out, "%s [%s]: ", prompt, def)
	} else {
		fmt.Fprintf(w.out, "%s: ", prompt)
	}
	line, err := w.readLine()
	if err != nil {
		return "", err
	}
	if line == "" {
		return def, nil
	}
	return line, nil
}

func (w *Wizard) confirm(prompt string, def bool) (bool, error) {
	hint := "y/N"
	if def {
		hint = "Y/n"
	}
	fmt.Fprintf(w.out, "%s (%s): ", prompt, hint)
	line, err := w.readLine()
	if err != nil {
		return false, err
	}
	switch strings.ToLower(line) {
	case "":
		return def, nil
	case "y", "yes":
		return true, nil
	}
	return false, nil
}

func (w *Wizard) readLine() (string, error) {
	line, err := w.reader.ReadString('\n')
	if err != nil && !(err == io.EOF && line != "") {
		return "", err
	}
	return strings.TrimSpace(line), nil
}
