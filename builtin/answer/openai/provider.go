// Package openai implements AnswerProvider using OpenAI's chat API.
package openai

import (
	"context"
	"fmt"
	"os"

	"github.com/sashabaranov/go-openai"

	"github.com/docuquery/docuquery/pkg/provider"
	"github.com/docuquery/docuquery/pkg/types"
)

// DefaultModel is used when no model is configured.
const DefaultModel = "gpt-4o-mini"

const systemPrompt = "You answer questions using only the provided document excerpts. " +
	"Provide a clear, concise answer based on the context. " +
	"If the context does not contain the answer, say so."

// Config contains OpenAI answer provider configuration.
type Config struct {
	Model   string
	APIKey  string // If empty, uses OPENAI_API_KEY env var
	BaseURL string // Optional: custom API endpoint (for Azure, etc.)
}

// Provider implements the AnswerProvider interface for OpenAI-compatible
// chat APIs. With BaseURL set it also serves Azure-style gateways.
type Provider struct {
	config Config
	client *openai.Client
}

// New creates a new OpenAI answer provider.
func New(cfg Config) *Provider {
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}

	apiKey := cfg.APIKey
	if apiKey == "" {
		apiKey = os.Getenv("OPENAI_API_KEY")
	}

	clientConfig := openai.DefaultConfig(apiKey)
	if cfg.BaseURL != "" {
		clientConfig.BaseURL = cfg.BaseURL
	}

	return &Provider{
		config: cfg,
		client: openai.NewClientWithConfig(clientConfig),
	}
}

// Name returns the provider name.
func (p *Provider) Name() string {
	return "openai"
}

// GenerateAnswer produces an answer grounded in docContext. The attempt runs
// under the caller's deadline; there is no internal retry.
func (p *Provider) GenerateAnswer(ctx context.Context, query, docContext string) (string, error) {
	req := openai.ChatCompletionRequest{
		Model:       p.config.Model,
		Temperature: 0.1,
		Messages: []openai.ChatCompletionMessage{
			{
				Role:    openai.ChatMessageRoleSystem,
				Content: systemPrompt,
			},
			{
				Role:    openai.ChatMessageRoleUser,
				Content: fmt.Sprintf("Context:\n%s\n\nQuestion: %s\n\nAnswer:", docContext, query),
			},
		},
	}

	resp, err := p.client.CreateChatCompletion(ctx, req)
	if err != nil {
		return "", fmt.Errorf("%w: openai: %v", types.ErrAnswerFailed, err)
	}

	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("%w: openai returned no choices", types.ErrAnswerFailed)
	}

	return resp.Choices[0].Message.Content, nil
}

// Close releases resources.
func (p *Provider) Close() error {
	return nil
}

// Ensure Provider implements AnswerProvider interface
var _ provider.AnswerProvider = (*Provider)(nil)
