package executor

import (
	"context"
	"fmt"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

const defaultOpenAIModel = "gpt-4o"

// OpenAI executes prompts through the Chat Completions API
type OpenAI struct {
	client       openai.Client
	model        string
	maxTokens    int
	systemPrompt string
	pricing      Pricing
}

// NewOpenAI creates an OpenAI executor
func NewOpenAI(cfg Config) (*OpenAI, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("openai executor requires an api key")
	}
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey), option.WithMaxRetries(0)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	if cfg.Model == "" {
		cfg.Model = defaultOpenAIModel
	}
	return &OpenAI{
		client:       openai.NewClient(opts...),
		model:        cfg.Model,
		maxTokens:    cfg.MaxTokens,
		systemPrompt: cfg.SystemPrompt,
		pricing:      cfg.Pricing,
	}, nil
}

// Kind returns the backend name
func (o *OpenAI) Kind() string { return KindOpenAI }

// Execute sends the prompt as a single user message
func (o *OpenAI) Execute(ctx context.Context, req Request) (*Result, error) {
	model := req.Model
	if model == "" {
		model = o.model
	}

	messages := []openai.ChatCompletionMessageParamUnion{}
	system := req.SystemPrompt
	if system == "" {
		system = o.systemPrompt
	}
	if system != "" {
		messages = append(messages, openai.SystemMessage(system))
	}
	messages = append(messages, openai.UserMessage(req.Prompt))

	params := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(model),
		Messages: messages,
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = o.maxTokens
	}
	if maxTokens > 0 {
		params.MaxTokens = openai.Int(int64(maxTokens))
	}

	response, err := o.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("openai request failed: %w", err)
	}
	if len(response.Choices) == 0 {
		return nil, fmt.Errorf("no response choices returned")
	}

	in, out := response.Usage.PromptTokens, response.Usage.CompletionTokens
	return &Result{
		Output:       response.Choices[0].Message.Content,
		InputTokens:  in,
		OutputTokens: out,
		CostUSD:      o.pricing.Cost(in, out),
	}, nil
}
