package executor

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"
)

const (
	defaultBinary     = "claude"
	subagentsFileName = "subagents.json"
)

// readOnlyTools is the allowlist applied in auto-deny mode
var readOnlyTools = []string{"Read", "Glob", "Grep", "WebFetch", "WebSearch"}

// CLI runs prompts through the claude command line in stream-json mode
type CLI struct {
	binary    string
	model     string
	agentDirs []string
	logger    zerolog.Logger
}

// NewCLI creates a CLI executor
func NewCLI(cfg Config, logger zerolog.Logger) *CLI {
	binary := cfg.Binary
	if binary == "" {
		binary = defaultBinary
	}
	return &CLI{
		binary:    binary,
		model:     cfg.Model,
		agentDirs: cfg.AgentDirs,
		logger:    logger,
	}
}

// Kind returns the backend name
func (c *CLI) Kind() string { return KindCLI }

type streamLine struct {
	Type         string  `json:"type"`
	Subtype      string  `json:"subtype"`
	IsError      bool    `json:"is_error"`
	Result       string  `json:"result"`
	TotalCostUSD float64 `json:"total_cost_usd"`
	CostUSD      float64 `json:"cost_usd"`
	Usage        struct {
		InputTokens  int64 `json:"input_tokens"`
		OutputTokens int64 `json:"output_tokens"`
	} `json:"usage"`
}

// Args returns the argument list for req. The prompt always follows "--".
func (c *CLI) Args(req Request) ([]string, error) {
	args := []string{"-p", "--output-format", "stream-json", "--verbose"}

	if req.PermissionMode == PermissionAutoDeny {
		args = append(args, "--allowedTools", strings.Join(readOnlyTools, ","))
	} else {
		args = append(args, "--dangerously-skip-permissions")
	}

	model := req.Model
	if model == "" {
		model = c.model
	}
	if model != "" {
		args = append(args, "--model", model)
	}
	if req.SystemPrompt != "" {
		args = append(args, "--append-system-prompt", req.SystemPrompt)
	}

	agents, err := c.loadSubagents(req.Agent)
	if err != nil {
		return nil, err
	}
	if agents != "" {
		args = append(args, "--agents", agents)
	}

	return append(args, "--", req.Prompt), nil
}

// loadSubagents returns the compacted subagents.json of the first agent
// directory that has one
func (c *CLI) loadSubagents(agent string) (string, error) {
	if agent == "" {
		return "", nil
	}
	for _, dir := range c.agentDirs {
		path := filepath.Join(dir, agent, subagentsFileName)
		data, err := os.ReadFile(path)
		if os.IsNotExist(err) {
			continue
		}
		if err != nil {
			return "", fmt.Errorf("failed to read %s: %w", path, err)
		}
		var buf bytes.Buffer
		if err := json.Compact(&buf, data); err != nil {
			return "", fmt.Errorf("invalid subagent definitions in %s: %w", path, err)
		}
		return buf.String(), nil
	}
	return "", nil
}

func (c *CLI) workDir(agent string) string {
	if agent == "" {
		return ""
	}
	for _, dir := range c.agentDirs {
		path := filepath.Join(dir, agent)
		if info, err := os.Stat(path); err == nil && info.IsDir() {
			return path
		}
	}
	return ""
}

// Execute runs the binary and reads the final result line
func (c *CLI) Execute(ctx context.Context, req Request) (*Result, error) {
	args, err := c.Args(req)
	if err != nil {
		return nil, err
	}

	cmd := exec.CommandContext(ctx, c.binary, args...)
	cmd.Dir = c.workDir(req.Agent)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open stdout: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start %s: %w", c.binary, err)
	}

	var final *streamLine
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var sl streamLine
		if err := json.Unmarshal(line, &sl); err != nil {
			c.logger.Debug().Str("taskId", req.TaskID).Msg("Skipping non-JSON output line")
			continue
		}
		if sl.Type == "result" {
			s := sl
			final = &s
		}
	}
	scanErr := scanner.Err()
	waitErr := cmd.Wait()

	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if waitErr != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" && final != nil {
			msg = final.Result
		}
		return nil, fmt.Errorf("%s exited: %w: %s", c.binary, waitErr, msg)
	}
	if scanErr != nil {
		return nil, fmt.Errorf("failed to read output: %w", scanErr)
	}
	if final == nil {
		return nil, fmt.Errorf("no result line in %s output", c.binary)
	}
	if final.IsError {
		return nil, fmt.Errorf("execution failed: %s", final.Result)
	}

	cost := final.TotalCostUSD
	if cost == 0 {
		cost = final.CostUSD
	}
	return &Result{
		Output:       final.Result,
		CostUSD:      cost,
		InputTokens:  final.Usage.InputTokens,
		OutputTokens: final.Usage.OutputTokens,
	}, nil
}
