package config

import (
	"bytes"
	"embed"
	"fmt"
	"os"
	"strings"

	"github.com/xeipuuv/gojsonschema"
	"gopkg.in/yaml.v3"

	"github.com/harun/agentrelay/pkg/command"
	"github.com/harun/agentrelay/pkg/provider"
)

//go:embed commands/*.yaml schema/commands.schema.json
var embedded embed.FS

var commandSchema = mustSchema()

func mustSchema() *gojsonschema.Schema {
	data, err := embedded.ReadFile("schema/commands.schema.json")
	if err != nil {
		panic(fmt.Sprintf("command schema missing: %v", err))
	}
	schema, err := gojsonschema.NewSchema(gojsonschema.NewBytesLoader(data))
	if err != nil {
		panic(fmt.Sprintf("command schema invalid: %v", err))
	}
	return schema
}

// ParseCommandTable validates YAML against the command table schema and
// decodes it. A table without a provider is assigned p; a table naming a
// different provider is an error.
func ParseCommandTable(data []byte, p provider.Provider) (*command.Table, error) {
	var doc interface{}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse command table: %w", err)
	}
	if doc == nil {
		return nil, fmt.Errorf("command table is empty")
	}

	result, err := commandSchema.Validate(gojsonschema.NewGoLoader(doc))
	if err != nil {
		return nil, fmt.Errorf("schema validation error: %w", err)
	}
	if !result.Valid() {
		msgs := make([]string, 0, len(result.Errors()))
		for _, e := range result.Errors() {
			msgs = append(msgs, e.String())
		}
		return nil, fmt.Errorf("command table schema validation errors: %s", strings.Join(msgs, "; "))
	}

	var table command.Table
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&table); err != nil {
		return nil, fmt.Errorf("failed to decode command table: %w", err)
	}

	if table.Provider == "" {
		table.Provider = p
	} else if table.Provider != p {
		return nil, fmt.Errorf("command table is for %s, expected %s", table.Provider, p)
	}
	if err := table.Validate(); err != nil {
		return nil, fmt.Errorf("invalid command table: %w", err)
	}
	return &table, nil
}

// LoadCommandTable reads and parses a command table file
func LoadCommandTable(path string, p provider.Provider) (*command.Table, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read command table: %w", err)
	}
	table, err := ParseCommandTable(data, p)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return table, nil
}

// DefaultCommandTable returns the built-in table of p
func DefaultCommandTable(p provider.Provider) (*command.Table, error) {
	data, err := embedded.ReadFile("commands/" + string(p) + ".yaml")
	if err != nil {
		return nil, fmt.Errorf("no built-in command table for %s", p)
	}
	return ParseCommandTable(data, p)
}

// CommandTable returns the table configured for p: its commands_file when
// set, otherwise the built-in one, with the configured bot names added.
func (c *Config) CommandTable(p provider.Provider) (*command.Table, error) {
	pc := c.Providers.Get(p)

	var (
		table *command.Table
		err   error
	)
	if pc.CommandsFile != "" {
		table, err = LoadCommandTable(pc.CommandsFile, p)
	} else {
		table, err = DefaultCommandTable(p)
	}
	if err != nil {
		return nil, err
	}

	table.BotNames = append(table.BotNames, pc.BotNames...)
	return table, nil
}

// CommandTables returns the tables of every enabled provider
func (c *Config) CommandTables() ([]*command.Table, error) {
	var tables []*command.Table
	for _, p := range c.EnabledProviders() {
		t, err := c.CommandTable(p)
		if err != nil {
			return nil, fmt.Errorf("failed to load %s command table: %w", p, err)
		}
		tables = append(tables, t)
	}
	return tables, nil
}
