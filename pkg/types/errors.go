package types

import "errors"

// Sentinel errors for common error conditions. User-visible messages carry
// the kind plus a human-readable summary; never credentials or DSNs.
var (
	// ErrDimensionMismatch is returned when a batch contains an embedding
	// whose length differs from the store's configured dimension. The whole
	// batch is rejected; the store is left unchanged.
	ErrDimensionMismatch = errors.New("embedding dimension mismatch")

	// ErrInvalidMetadata is returned when a record is missing one of the
	// required metadata keys.
	ErrInvalidMetadata = errors.New("invalid record metadata")

	// ErrEmbeddingFailed is returned when an embedding provider is
	// unreachable, times out, or produces malformed output.
	ErrEmbeddingFailed = errors.New("embedding failed")

	// ErrStoreFailed is returned when a vector store operation fails.
	ErrStoreFailed = errors.New("store operation failed")

	// ErrIngestionFailed wraps embedding/store errors scoped to a single
	// document. It never aborts other in-flight documents.
	ErrIngestionFailed = errors.New("document ingestion failed")

	// ErrAnswerFailed is returned by an answer provider attempt. It is
	// consumed by the fallback protocol and only surfaces as a degraded
	// response marker, never as a hard query failure when sources exist.
	ErrAnswerFailed = errors.New("answer generation failed")

	// ErrStoreNotFound is returned when a named store does not exist.
	ErrStoreNotFound = errors.New("store not found")

	// ErrInvalidConfig is returned when configuration is invalid.
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrProviderNotAvailable is returned when a provider is not registered.
	ErrProviderNotAvailable = errors.New("provider not available")
)
