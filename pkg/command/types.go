package command

import (
	"fmt"
	"strings"

	"github.com/harun/agentrelay/pkg/provider"
)

// DefaultPrefixes are the activation tokens recognized when a table does not
// declare its own.
var DefaultPrefixes = []string{"@agent", "/agent", "@claude", "/claude"}

// Command is a recognized bot instruction. Commands are built at
// configuration time and never mutated afterwards.
type Command struct {
	Name             string         `json:"name" yaml:"name"`
	Aliases          []string       `json:"aliases,omitempty" yaml:"aliases,omitempty"`
	Description      string         `json:"description,omitempty" yaml:"description,omitempty"`
	TargetAgent      string         `json:"target_agent" yaml:"target_agent"`
	PromptTemplate   string         `json:"prompt_template" yaml:"prompt_template"`
	RequiresApproval bool           `json:"requires_approval" yaml:"requires_approval"`
	Triggers         []string       `json:"triggers,omitempty" yaml:"triggers,omitempty"`
	Conditions       map[string]any `json:"conditions,omitempty" yaml:"conditions,omitempty"`
	Priority         int            `json:"priority,omitempty" yaml:"priority,omitempty"`
}

// Names returns the command name followed by its aliases, lowercased.
func (c *Command) Names() []string {
	names := make([]string, 0, len(c.Aliases)+1)
	names = append(names, strings.ToLower(c.Name))
	for _, a := range c.Aliases {
		names = append(names, strings.ToLower(a))
	}
	return names
}

// Table is the command configuration of a single provider.
type Table struct {
	Provider       provider.Provider `json:"provider" yaml:"provider"`
	Prefixes       []string          `json:"prefixes,omitempty" yaml:"prefixes,omitempty"`
	DefaultCommand string            `json:"default_command" yaml:"default_command"`
	BotNames       []string          `json:"bot_names,omitempty" yaml:"bot_names,omitempty"`
	EventTypes     []string          `json:"event_types,omitempty" yaml:"event_types,omitempty"`
	ImplicitEvents []string          `json:"implicit_events,omitempty" yaml:"implicit_events,omitempty"`
	MaxFieldBytes  int               `json:"max_field_bytes,omitempty" yaml:"max_field_bytes,omitempty"`
	Commands       []Command         `json:"commands" yaml:"commands"`
}

// Validate checks the table for missing names and ambiguous keywords.
func (t *Table) Validate() error {
	if !t.Provider.Valid() {
		return fmt.Errorf("invalid provider %q", t.Provider)
	}
	if len(t.Commands) == 0 {
		return fmt.Errorf("%s: at least one command is required", t.Provider)
	}

	seen := make(map[string]string)
	for i, c := range t.Commands {
		if strings.TrimSpace(c.Name) == "" {
			return fmt.Errorf("%s: command %d: name is required", t.Provider, i)
		}
		if c.PromptTemplate == "" {
			return fmt.Errorf("%s: command %s: prompt_template is required", t.Provider, c.Name)
		}
		for _, n := range c.Names() {
			if owner, dup := seen[n]; dup {
				return fmt.Errorf("%s: keyword %q is used by both %s and %s", t.Provider, n, owner, c.Name)
			}
			seen[n] = c.Name
		}
	}

	if t.DefaultCommand != "" && t.Find(t.DefaultCommand) == nil {
		return fmt.Errorf("%s: default_command %q is not defined", t.Provider, t.DefaultCommand)
	}
	return nil
}

// Find returns the command whose name or alias equals keyword.
func (t *Table) Find(keyword string) *Command {
	keyword = strings.ToLower(keyword)
	for i := range t.Commands {
		for _, n := range t.Commands[i].Names() {
			if n == keyword {
				return &t.Commands[i]
			}
		}
	}
	return nil
}

// Outcome classifies a match attempt.
type Outcome string

const (
	Matched  Outcome = "matched"
	Rejected Outcome = "rejected"
	Ignored  Outcome = "ignored"
)

// Rejection and ignore reasons.
const (
	ReasonNoTable          = "provider has no command table"
	ReasonEventNotHandled  = "event type not handled"
	ReasonBotAuthor        = "event authored by a bot"
	ReasonNoActivation     = "no activation token"
	ReasonUnknownCommand   = "unknown command"
	ReasonConditionsUnmet  = "command conditions not met"
	ReasonNoDefaultCommand = "no default command configured"
)

// Result is the outcome of matching one payload.
type Result struct {
	Outcome     Outcome
	Command     *Command
	Reason      string
	Keyword     string
	UserContent string
	Implicit    bool
	// Payload is a copy of the input annotated with _user_content and
	// _command. It is set only when Outcome is Matched.
	Payload map[string]any
}

// Payload keys written on a match.
const (
	KeyUserContent = "_user_content"
	KeyCommand     = "_command"
)
