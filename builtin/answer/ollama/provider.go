// Package ollama implements AnswerProvider using Ollama's chat API.
package ollama

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/docuquery/docuquery/pkg/provider"
	"github.com/docuquery/docuquery/pkg/types"
)

// Default values
const (
	DefaultModel    = "phi4"
	DefaultEndpoint = "http://localhost:11434"
)

const systemPrompt = "You answer questions using only the provided document excerpts. " +
	"Provide a clear, concise answer based on the context. " +
	"If the context does not contain the answer, say so."

// Config contains Ollama answer provider configuration.
type Config struct {
	Model    string
	Endpoint string
}

// Provider implements the AnswerProvider interface for Ollama.
type Provider struct {
	config Config
	client *http.Client
}

// New creates a new Ollama answer provider.
func New(cfg Config) *Provider {
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.Endpoint == "" {
		cfg.Endpoint = DefaultEndpoint
	}

	return &Provider{
		config: cfg,
		// No client timeout: the per-attempt deadline comes from ctx so the
		// fallback protocol owns the latency budget.
		client: &http.Client{},
	}
}

// Name returns the provider name.
func (p *Provider) Name() string {
	return "ollama"
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// GenerateAnswer produces an answer grounded in docContext.
func (p *Provider) GenerateAnswer(ctx context.Context, query, docContext string) (string, error) {
	reqBody := map[string]any{
		"model":  p.config.Model,
		"stream": false,
		"messages": []chatMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: fmt.Sprintf("Context:\n%s\n\nQuestion: %s\n\nAnswer:", docContext, query)},
		},
		"options": map[string]any{
			"temperature": 0.1,
		},
	}

	jsonBody, err := json.Marshal(reqBody)
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, "POST", p.config.Endpoint+"/api/chat", bytes.NewReader(jsonBody))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: ollama request failed: %v", types.ErrAnswerFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("%w: ollama returned status %d: %s", types.ErrAnswerFailed, resp.StatusCode, string(body))
	}

	var result struct {
		Message chatMessage `json:"message"`
	}

	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("%w: failed to decode response: %v", types.ErrAnswerFailed, err)
	}

	return result.Message.Content, nil
}

// Close releases resources.
func (p *Provider) Close() error {
	return nil
}

// Ensure Provider implements AnswerProvider interface
var _ provider.AnswerProvider = (*Provider)(nil)
