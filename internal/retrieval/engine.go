// Package retrieval implements the query path: embed the question, search
// the store, and synthesize an answer with a primary/backup provider pair.
package retrieval

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/docuquery/docuquery/pkg/provider"
	"github.com/docuquery/docuquery/pkg/types"
)

// Options configures the query path.
type Options struct {
	// Store is the active store name within the vector store.
	Store string
	// TopK is the maximum number of records returned per search.
	TopK int
	// MinSimilarity is the similarity floor in [0,1]; results below it are
	// discarded. 0 is a real floor of zero, not a request for the default;
	// defaults are the config layer's concern.
	MinSimilarity float32
	// MaxContextChars caps the total size of the context handed to the
	// answer provider.
	MaxContextChars int
	// MaxContextSources caps how many sources the context is built from.
	MaxContextSources int
	// PrimaryTimeout and BackupTimeout bound each generation attempt.
	PrimaryTimeout time.Duration
	BackupTimeout  time.Duration
	// EmbedTimeout bounds each query embedding call.
	EmbedTimeout time.Duration
}

// Engine answers questions over a vector store.
//
// Generation degrades but never takes retrieval down with it: when both
// answer providers fail, the response still carries the retrieved sources.
type Engine struct {
	store    provider.VectorStore
	embedder provider.EmbeddingProvider
	primary  provider.AnswerProvider
	backup   provider.AnswerProvider
	opts     Options
	logger   *slog.Logger

	queryCount atomic.Int64
}

// New creates an engine. backup may be nil when no fallback is configured.
func New(store provider.VectorStore, embedder provider.EmbeddingProvider, primary, backup provider.AnswerProvider, opts Options, logger *slog.Logger) *Engine {
	if opts.TopK <= 0 {
		opts.TopK = 50
	}
	if opts.MinSimilarity < 0 {
		opts.MinSimilarity = 0.3
	}
	if opts.MaxContextChars <= 0 {
		opts.MaxContextChars = 2000
	}
	if opts.MaxContextSources <= 0 {
		opts.MaxContextSources = 8
	}
	if opts.PrimaryTimeout <= 0 {
		opts.PrimaryTimeout = 30 * time.Second
	}
	if opts.BackupTimeout <= 0 {
		opts.BackupTimeout = 30 * time.Second
	}
	if opts.EmbedTimeout <= 0 {
		opts.EmbedTimeout = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Engine{
		store:    store,
		embedder: embedder,
		primary:  primary,
		backup:   backup,
		opts:     opts,
		logger:   logger,
	}
}

// QueryCount returns the number of Answer calls served since startup.
func (e *Engine) QueryCount() int64 {
	return e.queryCount.Load()
}

// Retrieve embeds the query and returns matching sources, best first.
// k <= 0 and a negative minSimilarity select the configured defaults;
// minSimilarity 0 is an explicit floor of zero.
func (e *Engine) Retrieve(ctx context.Context, query string, k int, minSimilarity float32) ([]types.Source, error) {
	if k <= 0 {
		k = e.opts.TopK
	}
	if minSimilarity < 0 {
		minSimilarity = e.opts.MinSimilarity
	}

	embedCtx, cancel := context.WithTimeout(ctx, e.opts.EmbedTimeout)
	embeddings, err := e.embedder.Embed(embedCtx, []string{query})
	cancel()
	if err != nil {
		return nil, fmt.Errorf("failed to embed query: %w", err)
	}

	results, err := e.store.Search(ctx, e.opts.Store, types.SearchRequest{
		QueryVec:      embeddings[0],
		K:             k,
		MinSimilarity: minSimilarity,
	})
	if err != nil {
		return nil, fmt.Errorf("search failed: %w", err)
	}

	sources := make([]types.Source, len(results))
	for i, res := range results {
		sources[i] = types.Source{
			Content:    res.Record.Content,
			Similarity: res.Similarity,
			Filename:   res.Record.Metadata.Filename(),
			LineNumber: res.Record.Metadata.LineNumber(),
			Store:      e.opts.Store,
		}
	}
	return sources, nil
}

// Answer retrieves sources for the query and synthesizes an answer.
//
// The primary provider gets one attempt under its timeout; on failure the
// backup gets one attempt under its own timeout. A provider is never
// retried against itself. When retrieval finds nothing, a deterministic
// answer is returned without invoking any provider.
func (e *Engine) Answer(ctx context.Context, query string) (*types.AnswerResult, error) {
	start := time.Now()
	count := e.queryCount.Add(1)

	result := &types.AnswerResult{
		Query:      query,
		QueryCount: count,
	}

	sources, err := e.Retrieve(ctx, query, e.opts.TopK, e.opts.MinSimilarity)
	if err != nil {
		return nil, err
	}
	result.Sources = sources

	if len(sources) == 0 {
		result.Answer = fmt.Sprintf("No relevant information found for '%s'. Try rephrasing the question or ingesting more documents.", query)
		result.Elapsed = time.Since(start)
		return result, nil
	}

	docContext := e.buildContext(sources)

	answer, providerName, err := e.generate(ctx, query, docContext)
	if err != nil {
		e.logger.Error("all answer providers failed", "query_count", count, "error", err)
		result.Degraded = true
		result.Answer = "Answer generation is currently unavailable. The retrieved sources below may contain the information you need."
		result.Elapsed = time.Since(start)
		return result, nil
	}

	result.Answer = answer
	result.Provider = providerName
	result.Elapsed = time.Since(start)
	return result, nil
}

// generate runs the fallback protocol: primary once, then backup once.
func (e *Engine) generate(ctx context.Context, query, docContext string) (string, string, error) {
	answer, err := e.attempt(ctx, e.primary, e.opts.PrimaryTimeout, query, docContext)
	if err == nil {
		return answer, e.primary.Name(), nil
	}

	e.logger.Warn("primary answer provider failed",
		"provider", e.primary.Name(), "error", err)

	if e.backup == nil {
		return "", "", fmt.Errorf("%w: primary failed and no backup configured: %v", types.ErrAnswerFailed, err)
	}

	answer, backupErr := e.attempt(ctx, e.backup, e.opts.BackupTimeout, query, docContext)
	if backupErr == nil {
		return answer, e.backup.Name(), nil
	}

	e.logger.Warn("backup answer provider failed",
		"provider", e.backup.Name(), "error", backupErr)

	return "", "", fmt.Errorf("%w: primary: %v; backup: %v", types.ErrAnswerFailed, err, backupErr)
}

func (e *Engine) attempt(ctx context.Context, p provider.AnswerProvider, timeout time.Duration, query, docContext string) (string, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	answer, err := p.GenerateAnswer(attemptCtx, query, docContext)
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(answer) == "" {
		return "", fmt.Errorf("%w: provider returned empty answer", types.ErrAnswerFailed)
	}
	return answer, nil
}

// buildContext assembles the provider context from the best sources,
// dropping the lowest ranked first when the character budget runs out.
func (e *Engine) buildContext(sources []types.Source) string {
	var sb strings.Builder

	limit := len(sources)
	if limit > e.opts.MaxContextSources {
		limit = e.opts.MaxContextSources
	}

	for i := 0; i < limit; i++ {
		src := sources[i]
		block := fmt.Sprintf("[Document: %s] [Line: %d] %s\n", src.Filename, src.LineNumber, src.Content)
		if sb.Len()+len(block) > e.opts.MaxContextChars && sb.Len() > 0 {
			break
		}
		sb.WriteString(block)
	}

	return strings.TrimRight(sb.String(), "\n")
}
