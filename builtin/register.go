// Package builtin registers all built-in providers with the default registry.
package builtin

import (
	ollamaAnswer "github.com/docuquery/docuquery/builtin/answer/ollama"
	openaiAnswer "github.com/docuquery/docuquery/builtin/answer/openai"
	ollamaEmbed "github.com/docuquery/docuquery/builtin/embedding/ollama"
	openaiEmbed "github.com/docuquery/docuquery/builtin/embedding/openai"
	"github.com/docuquery/docuquery/builtin/vectorstore/sqlitevec"
	"github.com/docuquery/docuquery/pkg/provider"
)

func init() {
	// Register embedding providers
	provider.RegisterEmbedding("ollama", func(cfg provider.EmbeddingConfig) (provider.EmbeddingProvider, error) {
		return ollamaEmbed.New(ollamaEmbed.Config{
			Endpoint:   cfg.Endpoint,
			Model:      cfg.Model,
			BatchSize:  cfg.BatchSize,
			Dimensions: cfg.Dimensions,
		}), nil
	})

	provider.RegisterEmbedding("openai", func(cfg provider.EmbeddingConfig) (provider.EmbeddingProvider, error) {
		return openaiEmbed.New(openaiEmbed.Config{
			APIKey:     cfg.APIKey,
			BaseURL:    cfg.Endpoint,
			Model:      cfg.Model,
			BatchSize:  cfg.BatchSize,
			Dimensions: cfg.Dimensions,
		}), nil
	})

	// Register answer providers
	provider.RegisterAnswer("ollama", func(cfg provider.AnswerConfig) (provider.AnswerProvider, error) {
		return ollamaAnswer.New(ollamaAnswer.Config{
			Endpoint: cfg.Endpoint,
			Model:    cfg.Model,
		}), nil
	})

	provider.RegisterAnswer("openai", func(cfg provider.AnswerConfig) (provider.AnswerProvider, error) {
		return openaiAnswer.New(openaiAnswer.Config{
			APIKey:  cfg.APIKey,
			BaseURL: cfg.Endpoint,
			Model:   cfg.Model,
		}), nil
	})

	// Register vector stores
	provider.RegisterVectorStore("sqlitevec", func() (provider.VectorStore, error) {
		return sqlitevec.New(), nil
	})
}
