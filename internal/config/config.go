// Package config handles configuration loading and validation.
package config

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
)

// Config represents the complete configuration.
type Config struct {
	Store     StoreConfig     `mapstructure:"store" yaml:"store"`
	Embedding EmbeddingConfig `mapstructure:"embedding" yaml:"embedding"`
	Index     IndexConfig     `mapstructure:"index" yaml:"index"`
	Ingest    IngestConfig    `mapstructure:"ingest" yaml:"ingest"`
	Retrieval RetrievalConfig `mapstructure:"retrieval" yaml:"retrieval"`
	Answer    AnswerConfig    `mapstructure:"answer" yaml:"answer"`
	Logging   LoggingConfig   `mapstructure:"logging" yaml:"logging"`
}

// StoreConfig contains vector store configuration.
type StoreConfig struct {
	Provider string `mapstructure:"provider" yaml:"provider"` // sqlitevec
	Path     string `mapstructure:"path" yaml:"path"`         // database file path
	Name     string `mapstructure:"name" yaml:"name"`         // active store name
}

// EmbeddingConfig contains embedding provider configuration.
type EmbeddingConfig struct {
	Provider   string        `mapstructure:"provider" yaml:"provider"`     // ollama, openai
	Model      string        `mapstructure:"model" yaml:"model"`           // model name
	Endpoint   string        `mapstructure:"endpoint" yaml:"endpoint"`     // API endpoint
	APIKey     string        `mapstructure:"api_key" yaml:"api_key"`       // API key
	BatchSize  int           `mapstructure:"batch_size" yaml:"batch_size"` // texts per batch
	Dimensions int           `mapstructure:"dimensions" yaml:"dimensions"` // embedding dimension
	Timeout    time.Duration `mapstructure:"timeout" yaml:"timeout"`       // per-call timeout
}

// IndexConfig carries the similarity index operating point. The sqlite-vec
// backend scans exactly; the values are recorded in store metadata and
// search_breadth bounds the candidate limit.
type IndexConfig struct {
	MaxDegree           int `mapstructure:"max_degree" yaml:"max_degree"`
	ConstructionBreadth int `mapstructure:"construction_breadth" yaml:"construction_breadth"`
	SearchBreadth       int `mapstructure:"search_breadth" yaml:"search_breadth"`
}

// IngestConfig contains ingestion pipeline configuration.
type IngestConfig struct {
	BatchSize    int           `mapstructure:"batch_size" yaml:"batch_size"`       // lines per batch
	MaxRetries   int           `mapstructure:"max_retries" yaml:"max_retries"`     // attempts per batch
	RetryBackoff time.Duration `mapstructure:"retry_backoff" yaml:"retry_backoff"` // initial backoff, doubles per attempt
	WatchDir     string        `mapstructure:"watch_dir" yaml:"watch_dir"`         // drop directory for auto-ingest
}

// RetrievalConfig contains query-path configuration.
type RetrievalConfig struct {
	TopK int `mapstructure:"top_k" yaml:"top_k"`
	// MinSimilarity is the similarity floor in [0,1]. 0 disables it.
	MinSimilarity     float32 `mapstructure:"min_similarity" yaml:"min_similarity"`
	MaxContextChars   int     `mapstructure:"max_context_chars" yaml:"max_context_chars"`
	MaxContextSources int     `mapstructure:"max_context_sources" yaml:"max_context_sources"`
}

// AnswerProviderConfig configures one answer provider attempt.
type AnswerProviderConfig struct {
	Provider string        `mapstructure:"provider" yaml:"provider"` // openai, ollama
	Model    string        `mapstructure:"model" yaml:"model"`
	Endpoint string        `mapstructure:"endpoint" yaml:"endpoint"`
	APIKey   string        `mapstructure:"api_key" yaml:"api_key"`
	Timeout  time.Duration `mapstructure:"timeout" yaml:"timeout"` // per-attempt timeout
}

// AnswerConfig contains the primary/backup answer provider pair.
type AnswerConfig struct {
	Primary AnswerProviderConfig `mapstructure:"primary" yaml:"primary"`
	Backup  AnswerProviderConfig `mapstructure:"backup" yaml:"backup"`
}

// LoggingConfig contains logging configuration.
type LoggingConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`   // debug, info, warn, error
	Format string `mapstructure:"format" yaml:"format"` // text, json
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Store: StoreConfig{
			Provider: "sqlitevec",
			Path:     filepath.Join(".docuquery", "store.db"),
			Name:     "documents",
		},
		Embedding: EmbeddingConfig{
			Provider:   "ollama",
			Model:      "bge-large",
			Endpoint:   "http://localhost:11434",
			BatchSize:  32,
			Dimensions: 1024,
			Timeout:    30 * time.Second,
		},
		Index: IndexConfig{
			MaxDegree:           16,
			ConstructionBreadth: 200,
			SearchBreadth:       100,
		},
		Ingest: IngestConfig{
			BatchSize:    20,
			MaxRetries:   3,
			RetryBackoff: 500 * time.Millisecond,
		},
		Retrieval: RetrievalConfig{
			TopK:              50,
			MinSimilarity:     0.3,
			MaxContextChars:   2000,
			MaxContextSources: 8,
		},
		Answer: AnswerConfig{
			Primary: AnswerProviderConfig{
				Provider: "ollama",
				Model:    "phi4",
				Endpoint: "http://localhost:11434",
				Timeout:  30 * time.Second,
			},
			Backup: AnswerProviderConfig{
				Provider: "openai",
				Model:    "gpt-4o-mini",
				Timeout:  30 * time.Second,
			},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// ConfigDir returns the path to the .docuquery directory.
func ConfigDir(projectRoot string) string {
	return filepath.Join(projectRoot, ".docuquery")
}

// ConfigPath returns the path to config.yaml.
func ConfigPath(projectRoot string) string {
	return filepath.Join(ConfigDir(projectRoot), "config.yaml")
}

// StoreDBPath returns the path to the store database.
func StoreDBPath(projectRoot string) string {
	return filepath.Join(ConfigDir(projectRoot), "store.db")
}

// Load loads configuration from file, falling back to defaults.
// API keys may also come from the environment (OPENAI_API_KEY).
func Load(projectRoot string) (*Config, []string, error) {
	cfg := DefaultConfig()
	warnings := []string{}

	configPath := ConfigPath(projectRoot)

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		warnings = append(warnings, "No config file found, using defaults")
		return cfg, warnings, nil
	}

	v := viper.New()
	v.SetConfigFile(configPath)
	v.SetConfigType("yaml")

	if err := v.ReadInConfig(); err != nil {
		return nil, nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, nil, fmt.Errorf("failed to parse config: %w", err)
	}

	// Apply defaults for missing values
	if cfg.Store.Provider == "" {
		cfg.Store.Provider = "sqlitevec"
	}
	if cfg.Store.Name == "" {
		cfg.Store.Name = "documents"
		warnings = append(warnings, "Using default store name: documents")
	}
	if cfg.Store.Path == "" {
		cfg.Store.Path = StoreDBPath(projectRoot)
	}

	if cfg.Embedding.Provider == "" {
		cfg.Embedding.Provider = "ollama"
		warnings = append(warnings, "Using default embedding provider: ollama")
	}
	if cfg.Embedding.BatchSize == 0 {
		cfg.Embedding.BatchSize = 32
	}
	if cfg.Embedding.Dimensions == 0 {
		cfg.Embedding.Dimensions = 1024
	}
	if cfg.Embedding.Timeout == 0 {
		cfg.Embedding.Timeout = 30 * time.Second
	}

	if cfg.Index.MaxDegree == 0 {
		cfg.Index.MaxDegree = 16
	}
	if cfg.Index.ConstructionBreadth == 0 {
		cfg.Index.ConstructionBreadth = 200
	}
	if cfg.Index.SearchBreadth == 0 {
		cfg.Index.SearchBreadth = 100
	}

	if cfg.Ingest.BatchSize == 0 {
		cfg.Ingest.BatchSize = 20
	}
	if cfg.Ingest.MaxRetries == 0 {
		cfg.Ingest.MaxRetries = 3
	}
	if cfg.Ingest.RetryBackoff == 0 {
		cfg.Ingest.RetryBackoff = 500 * time.Millisecond
	}

	if cfg.Retrieval.TopK == 0 {
		cfg.Retrieval.TopK = 50
	}
	// An explicit 0 disables the floor; only an absent key gets the default.
	if cfg.Retrieval.MinSimilarity == 0 && !v.IsSet("retrieval.min_similarity") {
		cfg.Retrieval.MinSimilarity = 0.3
	}
	if cfg.Retrieval.MaxContextChars == 0 {
		cfg.Retrieval.MaxContextChars = 2000
	}
	if cfg.Retrieval.MaxContextSources == 0 {
		cfg.Retrieval.MaxContextSources = 8
	}

	if cfg.Answer.Primary.Timeout == 0 {
		cfg.Answer.Primary.Timeout = 30 * time.Second
	}
	if cfg.Answer.Backup.Timeout == 0 {
		cfg.Answer.Backup.Timeout = 30 * time.Second
	}

	return cfg, warnings, nil
}

// Save saves configuration to file.
func Save(projectRoot string, cfg *Config) error {
	configDir := ConfigDir(projectRoot)
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return fmt.Errorf("failed to create config dir: %w", err)
	}

	v := viper.New()
	v.SetConfigFile(ConfigPath(projectRoot))
	v.SetConfigType("yaml")

	v.Set("store", cfg.Store)
	v.Set("embedding", cfg.Embedding)
	v.Set("index", cfg.Index)
	v.Set("ingest", cfg.Ingest)
	v.Set("retrieval", cfg.Retrieval)
	v.Set("answer", cfg.Answer)
	v.Set("logging", cfg.Logging)

	return v.WriteConfig()
}

// Validate validates the configuration.
func Validate(cfg *Config) []error {
	var errs []error

	validStoreProviders := map[string]bool{
		"sqlitevec": true,
	}
	if !validStoreProviders[cfg.Store.Provider] {
		errs = append(errs, fmt.Errorf("invalid store provider: %s", cfg.Store.Provider))
	}
	if cfg.Store.Name == "" {
		errs = append(errs, fmt.Errorf("store name must not be empty"))
	}

	validEmbeddingProviders := map[string]bool{
		"ollama": true, "openai": true,
	}
	if !validEmbeddingProviders[cfg.Embedding.Provider] {
		errs = append(errs, fmt.Errorf("invalid embedding provider: %s", cfg.Embedding.Provider))
	}
	if cfg.Embedding.Dimensions <= 0 {
		errs = append(errs, fmt.Errorf("embedding dimensions must be positive: %d", cfg.Embedding.Dimensions))
	}
	if cfg.Embedding.BatchSize <= 0 {
		errs = append(errs, fmt.Errorf("embedding batch size must be positive: %d", cfg.Embedding.BatchSize))
	}

	if cfg.Index.MaxDegree <= 0 {
		errs = append(errs, fmt.Errorf("index max degree must be positive: %d", cfg.Index.MaxDegree))
	}
	if cfg.Index.ConstructionBreadth <= 0 {
		errs = append(errs, fmt.Errorf("index construction breadth must be positive: %d", cfg.Index.ConstructionBreadth))
	}
	if cfg.Index.SearchBreadth <= 0 {
		errs = append(errs, fmt.Errorf("index search breadth must be positive: %d", cfg.Index.SearchBreadth))
	}

	if cfg.Ingest.BatchSize <= 0 {
		errs = append(errs, fmt.Errorf("ingest batch size must be positive: %d", cfg.Ingest.BatchSize))
	}
	if cfg.Ingest.MaxRetries <= 0 {
		errs = append(errs, fmt.Errorf("ingest max retries must be positive: %d", cfg.Ingest.MaxRetries))
	}

	if cfg.Retrieval.TopK <= 0 {
		errs = append(errs, fmt.Errorf("retrieval top_k must be positive: %d", cfg.Retrieval.TopK))
	}
	if cfg.Retrieval.MinSimilarity < 0 || cfg.Retrieval.MinSimilarity > 1 {
		errs = append(errs, fmt.Errorf("retrieval min_similarity must be in [0,1]: %v", cfg.Retrieval.MinSimilarity))
	}

	validAnswerProviders := map[string]bool{
		"ollama": true, "openai": true,
	}
	if !validAnswerProviders[cfg.Answer.Primary.Provider] {
		errs = append(errs, fmt.Errorf("invalid primary answer provider: %s", cfg.Answer.Primary.Provider))
	}
	if !validAnswerProviders[cfg.Answer.Backup.Provider] {
		errs = append(errs, fmt.Errorf("invalid backup answer provider: %s", cfg.Answer.Backup.Provider))
	}

	return errs
}

// Hash returns a hash of configuration that affects stored embeddings.
// Recorded in store metadata to detect when reingestion is needed.
func (c *Config) Hash() string {
	data := fmt.Sprintf("%s:%s:%d:%d:%d:%d",
		c.Embedding.Provider,
		c.Embedding.Model,
		c.Embedding.Dimensions,
		c.Index.MaxDegree,
		c.Index.ConstructionBreadth,
		c.Index.SearchBreadth,
	)
	h := sha256.Sum256([]byte(data))
	return hex.EncodeToString(h[:])
}
