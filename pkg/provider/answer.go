package provider

import (
	"context"
)

// AnswerProvider generates a natural-language answer from a query and a
// retrieved context block.
//
// A provider attempt runs under its caller's context deadline. Timeouts and
// errors are reported to the caller; the fallback protocol, not the
// provider, decides what happens next. Providers never retry internally so
// worst-case latency stays bounded by the per-attempt timeout.
type AnswerProvider interface {
	// Name returns the provider name (e.g., "openai", "ollama").
	Name() string

	// GenerateAnswer produces an answer to query grounded in context.
	GenerateAnswer(ctx context.Context, query, context string) (string, error)

	// Close releases any resources.
	Close() error
}

// AnswerConfig contains configuration for one answer provider.
type AnswerConfig struct {
	Provider string // "openai", "ollama"
	Model    string // Model name
	Endpoint string // API endpoint (Ollama, Azure-style gateways)
	APIKey   string // API key (OpenAI)
}
