// Package ingest turns extracted documents into persisted, searchable
// records: line splitting, batched embedding, atomic store writes with
// bounded retries.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/docuquery/docuquery/internal/extract"
	"github.com/docuquery/docuquery/pkg/provider"
	"github.com/docuquery/docuquery/pkg/types"
)

// Options configures pipeline behavior.
type Options struct {
	// Store is the active store name within the vector store.
	Store string
	// BatchSize is the number of lines embedded and inserted per batch.
	BatchSize int
	// MaxRetries is the number of attempts per batch, including the first.
	MaxRetries int
	// RetryBackoff is the delay before the second attempt; it doubles on
	// each subsequent attempt.
	RetryBackoff time.Duration
	// EmbedTimeout bounds each embedding call. A stuck embedding backend
	// fails the attempt instead of hanging the pipeline.
	EmbedTimeout time.Duration
}

// Pipeline ingests documents into a vector store.
//
// Batches commit in source order. When a batch fails after all retries,
// processing stops so the persisted records always form a gap-free prefix
// of the document's lines.
type Pipeline struct {
	store    provider.VectorStore
	embedder provider.EmbeddingProvider
	opts     Options
	logger   *slog.Logger

	progressMu sync.RWMutex
	progress   map[string]types.IngestProgress
}

// New creates a pipeline writing to the given store.
func New(store provider.VectorStore, embedder provider.EmbeddingProvider, opts Options, logger *slog.Logger) *Pipeline {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 20
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 3
	}
	if opts.RetryBackoff <= 0 {
		opts.RetryBackoff = 500 * time.Millisecond
	}
	if opts.EmbedTimeout <= 0 {
		opts.EmbedTimeout = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Pipeline{
		store:    store,
		embedder: embedder,
		opts:     opts,
		logger:   logger,
		progress: make(map[string]types.IngestProgress),
	}
}

// line is one non-empty source line with its 1-based position.
type line struct {
	number  int
	content string
}

// SplitLines splits text into non-empty lines. Line numbers count every
// source line, so numbering is stable even when blank lines are dropped.
func SplitLines(text string) []line {
	var lines []line
	for i, raw := range strings.Split(text, "\n") {
		content := strings.TrimSpace(raw)
		if content == "" {
			continue
		}
		lines = append(lines, line{number: i + 1, content: content})
	}
	return lines
}

// ProcessDocument ingests one extracted document and returns its final
// status. A document whose filename already has records in the store is
// skipped rather than duplicated.
func (p *Pipeline) ProcessDocument(ctx context.Context, doc extract.Document) (*types.Document, error) {
	result := &types.Document{
		Filename:     doc.Filename,
		DocumentType: doc.DocumentType,
		Status:       types.DocumentProcessing,
	}

	exists, err := p.store.HasDocument(ctx, p.opts.Store, doc.Filename)
	if err != nil {
		return nil, fmt.Errorf("failed to check for existing document: %w", err)
	}
	if exists {
		count, err := p.store.CountDocument(ctx, p.opts.Store, doc.Filename)
		if err != nil {
			return nil, fmt.Errorf("failed to count existing records: %w", err)
		}
		p.logger.Info("document already ingested, skipping",
			"filename", doc.Filename, "records", count)
		result.Status = types.DocumentCompleted
		result.LinesTotal = count
		result.LinesPersisted = count
		result.Message = "already ingested"
		return result, nil
	}

	p.setProgress(doc.Filename, types.PhaseSplitting, 0, 0)
	defer p.clearProgress(doc.Filename)

	lines := SplitLines(doc.Text)
	result.LinesTotal = len(lines)

	if len(lines) == 0 {
		result.Status = types.DocumentCompleted
		result.Message = "document contains no text"
		return result, nil
	}

	p.logger.Info("ingesting document",
		"filename", doc.Filename,
		"type", doc.DocumentType,
		"lines", len(lines))

	persisted := 0
	for start := 0; start < len(lines); start += p.opts.BatchSize {
		end := start + p.opts.BatchSize
		if end > len(lines) {
			end = len(lines)
		}
		batch := lines[start:end]

		if err := p.processBatch(ctx, doc, batch, persisted, len(lines)); err != nil {
			p.logger.Error("batch failed after retries",
				"filename", doc.Filename,
				"batch_start", batch[0].number,
				"persisted", persisted,
				"error", err)
			result.Status = types.DocumentFailed
			result.LinesPersisted = persisted
			result.Message = fmt.Sprintf("failed at line %d: %v", batch[0].number, err)
			return result, fmt.Errorf("%w: %s: %v", types.ErrIngestionFailed, doc.Filename, err)
		}
		persisted += len(batch)
	}

	p.setProgress(doc.Filename, types.PhaseDone, len(lines), len(lines))

	result.Status = types.DocumentCompleted
	result.LinesPersisted = persisted
	p.logger.Info("document ingested",
		"filename", doc.Filename, "records", persisted)
	return result, nil
}

// processBatch embeds and inserts one batch, retrying the whole batch on
// failure. Retrying from the embedding step keeps a transient embedding
// error and a transient store error on the same recovery path.
func (p *Pipeline) processBatch(ctx context.Context, doc extract.Document, batch []line, done, total int) error {
	var lastErr error

	backoff := p.opts.RetryBackoff
	for attempt := 1; attempt <= p.opts.MaxRetries; attempt++ {
		if attempt > 1 {
			p.logger.Warn("retrying batch",
				"filename", doc.Filename,
				"attempt", attempt,
				"backoff", backoff,
				"error", lastErr)
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return ctx.Err()
			}
			backoff *= 2
		}

		lastErr = p.tryBatch(ctx, doc, batch, done, total)
		if lastErr == nil {
			return nil
		}
		// Invariant violations will not heal on retry.
		if errors.Is(lastErr, types.ErrDimensionMismatch) || errors.Is(lastErr, types.ErrInvalidMetadata) {
			return lastErr
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}

	return lastErr
}

func (p *Pipeline) tryBatch(ctx context.Context, doc extract.Document, batch []line, done, total int) error {
	p.setProgress(doc.Filename, types.PhaseEmbedding, done, total)

	texts := make([]string, len(batch))
	for i, ln := range batch {
		texts[i] = ln.content
	}

	embedCtx, cancel := context.WithTimeout(ctx, p.opts.EmbedTimeout)
	embeddings, err := p.embedder.Embed(embedCtx, texts)
	cancel()
	if err != nil {
		return fmt.Errorf("embedding failed: %w", err)
	}
	if len(embeddings) != len(batch) {
		return fmt.Errorf("%w: got %d embeddings for %d lines",
			types.ErrEmbeddingFailed, len(embeddings), len(batch))
	}

	p.setProgress(doc.Filename, types.PhaseStoring, done, total)

	recs := make([]types.NewRecord, len(batch))
	for i, ln := range batch {
		recs[i] = types.NewRecord{
			Content:   ln.content,
			Embedding: embeddings[i],
			Metadata: types.Metadata{
				types.MetaFilename:     doc.Filename,
				types.MetaLineNumber:   ln.number,
				types.MetaType:         types.TypeDocumentLine,
				types.MetaDocumentType: doc.DocumentType,
			},
		}
	}

	if _, err := p.store.InsertBatch(ctx, p.opts.Store, recs); err != nil {
		return fmt.Errorf("insert failed: %w", err)
	}

	p.setProgress(doc.Filename, types.PhaseStoring, done+len(batch), total)
	return nil
}

// Progress returns a snapshot of the document's ingestion state and whether
// one is in flight.
func (p *Pipeline) Progress(filename string) (types.IngestProgress, bool) {
	p.progressMu.RLock()
	defer p.progressMu.RUnlock()
	prog, ok := p.progress[filename]
	return prog, ok
}

func (p *Pipeline) setProgress(filename string, phase types.IngestPhase, processed, total int) {
	p.progressMu.Lock()
	defer p.progressMu.Unlock()
	p.progress[filename] = types.IngestProgress{
		Filename:       filename,
		Phase:          phase,
		LinesTotal:     total,
		LinesProcessed: processed,
	}
}

func (p *Pipeline) clearProgress(filename string) {
	p.progressMu.Lock()
	defer p.progressMu.Unlock()
	delete(p.progress, filename)
}
