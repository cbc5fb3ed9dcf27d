// Package llm wraps the language-model providers behind a small completion
// interface and provides tolerant parsing for the JSON the models return.
package llm

import (
	"context"
	"fmt"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/anthropic"
	"github.com/tmc/langchaingo/llms/openai"

	"github.com/gbrigandi/soctalk/pkg/config"
)

// Generation parameters per role. The supervisor routes with a fast model
// and a short budget; the verdict runs on the reasoning model with a low
// temperature and room for full analysis. Chat inquiries sit in between.
const (
	SupervisorTemperature = 0.1
	SupervisorMaxTokens   = 1024

	VerdictTemperature = 0.1
	VerdictMaxTokens   = 2048

	InquiryTemperature = 0.3
	InquiryMaxTokens   = 1024
)

// Completer produces one completion for a system/user prompt pair.
type Completer interface {
	Complete(ctx context.Context, system, prompt string, temperature float64, maxTokens int) (string, error)
}

// Client holds the fast and reasoning models for one provider.
type Client struct {
	fast      llms.Model
	reasoning llms.Model
}

// NewClient builds models for the configured provider.
func NewClient(cfg config.LLMConfig) (*Client, error) {
	fast, err := newModel(cfg, cfg.FastModel)
	if err != nil {
		return nil, fmt.Errorf("creating fast model: %w", err)
	}
	reasoning, err := newModel(cfg, cfg.ReasoningModel)
	if err != nil {
		return nil, fmt.Errorf("creating reasoning model: %w", err)
	}
	return &Client{fast: fast, reasoning: reasoning}, nil
}

func newModel(cfg config.LLMConfig, model string) (llms.Model, error) {
	switch cfg.Provider {
	case "anthropic":
		opts := []anthropic.Option{anthropic.WithModel(model)}
		if cfg.APIKey != "" {
			opts = append(opts, anthropic.WithToken(cfg.APIKey))
		}
		if cfg.BaseURL != "" {
			opts = append(opts, anthropic.WithBaseURL(cfg.BaseURL))
		}
		return anthropic.New(opts...)
	case "openai":
		opts := []openai.Option{openai.WithModel(model)}
		if cfg.APIKey != "" {
			opts = append(opts, openai.WithToken(cfg.APIKey))
		}
		if cfg.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(cfg.BaseURL))
		}
		return openai.New(opts...)
	default:
		return nil, fmt.Errorf("unsupported provider %q", cfg.Provider)
	}
}

// Fast returns a completer over the fast model.
func (c *Client) Fast() Completer {
	return modelCompleter{model: c.fast}
}

// Reasoning returns a completer over the reasoning model.
func (c *Client) Reasoning() Completer {
	return modelCompleter{model: c.reasoning}
}

type modelCompleter struct {
	model llms.Model
}

func (m modelCompleter) Complete(ctx context.Context, system, prompt string, temperature float64, maxTokens int) (string, error) {
	messages := []llms.MessageContent{
		llms.TextParts(llms.ChatMessageTypeSystem, system),
		llms.TextParts(llms.ChatMessageTypeHuman, prompt),
	}
	resp, err := m.model.GenerateContent(ctx, messages,
		llms.WithTemperature(temperature),
		llms.WithMaxTokens(maxTokens),
	)
	if err != nil {
		return "", fmt.Errorf("llm completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("llm returned no choices")
	}
	return resp.Choices[0].Content, nil
}
