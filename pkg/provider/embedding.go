// Package provider defines interfaces for pluggable components.
package provider

import (
	"context"
)

// EmbeddingProvider generates vector embeddings from text.
//
// Providers L2-normalize every vector before returning it, so cosine
// similarity and inner product agree downstream and similarity scores stay
// in the store's [0,1] floor range. The same text always yields the same
// vector for a fixed provider configuration.
type EmbeddingProvider interface {
	// Name returns the provider name (e.g., "ollama", "openai").
	Name() string

	// Embed generates embeddings for the given texts. The i-th output
	// vector corresponds to the i-th input text and every vector has
	// Dimensions() elements.
	Embed(ctx context.Context, texts []string) ([][]float32, error)

	// Dimensions returns the embedding dimension size.
	Dimensions() int

	// MaxBatchSize returns the maximum number of texts per batch.
	MaxBatchSize() int

	// Warmup pre-loads the model (optional, for Ollama).
	Warmup(ctx context.Context) error

	// Close releases any resources.
	Close() error
}

// EmbeddingConfig contains configuration for embedding providers.
type EmbeddingConfig struct {
	Provider   string // "ollama", "openai"
	Model      string // Model name
	Endpoint   string // API endpoint (for Ollama, Azure-style gateways)
	APIKey     string // API key (for OpenAI)
	BatchSize  int    // Texts per batch
	Dimensions int    // Expected dimension; 0 = model default
}
