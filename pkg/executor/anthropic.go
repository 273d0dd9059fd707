package executor

import (
	"context"
	"fmt"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

const defaultAnthropicModel = "claude-sonnet-4-20250514"

// Anthropic executes prompts through the Messages API
type Anthropic struct {
	client       anthropic.Client
	model        string
	maxTokens    int
	systemPrompt string
	pricing      Pricing
}

// NewAnthropic creates an Anthropic executor
func NewAnthropic(cfg Config) (*Anthropic, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("anthropic executor requires an api key")
	}
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey), option.WithMaxRetries(0)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	if cfg.Model == "" {
		cfg.Model = defaultAnthropicModel
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 8192
	}
	return &Anthropic{
		client:       anthropic.NewClient(opts...),
		model:        cfg.Model,
		maxTokens:    cfg.MaxTokens,
		systemPrompt: cfg.SystemPrompt,
		pricing:      cfg.Pricing,
	}, nil
}

// Kind returns the backend name
func (a *Anthropic) Kind() string { return KindAnthropic }

// Execute sends the prompt as a single user turn
func (a *Anthropic) Execute(ctx context.Context, req Request) (*Result, error) {
	model := req.Model
	if model == "" {
		model = a.model
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = a.maxTokens
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		MaxTokens: int64(maxTokens),
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(req.Prompt)),
		},
	}
	system := req.SystemPrompt
	if system == "" {
		system = a.systemPrompt
	}
	if system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}

	response, err := a.client.Messages.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("anthropic request failed: %w", err)
	}

	content := ""
	for _, block := range response.Content {
		if b, ok := block.AsAny().(anthropic.TextBlock); ok {
			content += b.Text
		}
	}

	in, out := response.Usage.InputTokens, response.Usage.OutputTokens
	return &Result{
		Output:       content,
		InputTokens:  in,
		OutputTokens: out,
		CostUSD:      a.pricing.Cost(in, out),
	}, nil
}
