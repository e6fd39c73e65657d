package reflector

import (
	"context"
	"fmt"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/openai"
)

// OpenAIClientConfig holds configuration for an OpenAI-compatible chat
// backend.
type OpenAIClientConfig struct {
	// BaseURL overrides the API endpoint, for OpenAI-compatible servers.
	BaseURL string

	// Model is the chat model, default gpt-4o-mini.
	Model string

	// APIKey authenticates requests.
	APIKey string

	// Temperature controls sampling. Reflection wants it low.
	Temperature float64
}

// OpenAIClient implements Client over an OpenAI-compatible chat API.
type OpenAIClient struct {
	llm         llms.Model
	temperature float64
}

// NewOpenAIClient creates an OpenAI-backed completion client.
func NewOpenAIClient(cfg OpenAIClientConfig) (*OpenAIClient, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("API key required")
	}
	model := cfg.Model
	if model == "" {
		model = "gpt-4o-mini"
	}

	opts := []openai.Option{
		openai.WithToken(cfg.APIKey),
		openai.WithModel(model),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, openai.WithBaseURL(cfg.BaseURL))
	}

	llm, err := openai.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("creating OpenAI client: %w", err)
	}

	return &OpenAIClient{llm: llm, temperature: cfg.Temperature}, nil
}

// Complete generates a completion from the given prompt.
func (c *OpenAIClient) Complete(ctx context.Context, prompt string) (string, error) {
	out, err := llms.GenerateFromSinglePrompt(ctx, c.llm, prompt,
		llms.WithTemperature(c.temperature),
	)
	if err != nil {
		return "", fmt.Errorf("generating completion: %w", err)
	}
	return out, nil
}
