package provider

import (
	"context"

	"github.com/docuquery/docuquery/pkg/types"
)

// VectorStore persists (content, embedding, metadata) records in named
// stores and answers similarity searches over them.
//
// InsertBatch is atomic per batch: either every record in the batch becomes
// visible to subsequent searches, or none does. A search running
// concurrently with an insert observes the pre-commit or post-commit state,
// never a torn batch. Records become searchable when InsertBatch returns.
type VectorStore interface {
	// Name returns the store implementation name (e.g., "sqlitevec").
	Name() string

	// Init opens or creates the backing database at path.
	Init(path string) error

	// Close releases resources and closes connections.
	Close() error

	// CreateStore creates a named store with a fixed embedding dimension.
	// Creating an existing store with the same dimension is a no-op.
	CreateStore(name string, dimensions int) error

	// InsertBatch inserts records atomically and returns their assigned ids
	// in input order. Any embedding whose length differs from the store's
	// dimension fails the whole batch with types.ErrDimensionMismatch; any
	// record missing a required metadata key fails it with
	// types.ErrInvalidMetadata. Assigned ids are monotonically increasing.
	InsertBatch(ctx context.Context, store string, recs []types.NewRecord) ([]int64, error)

	// Search returns at most req.K records with similarity >= req.MinSimilarity,
	// ordered by similarity descending, ties broken by ascending id.
	Search(ctx context.Context, store string, req types.SearchRequest) ([]types.SearchResult, error)

	// Count returns the number of records in the store.
	Count(ctx context.Context, store string) (int, error)

	// CountDocument returns the number of records for one filename.
	CountDocument(ctx context.Context, store, filename string) (int, error)

	// HasDocument reports whether any record exists for filename.
	HasDocument(ctx context.Context, store, filename string) (bool, error)

	// Clear removes all records from the store. Idempotent: clearing an
	// already-empty store succeeds.
	Clear(ctx context.Context, store string) error

	// GetMetadata returns store-level metadata, or nil if never set.
	GetMetadata(store string) (*types.StoreMetadata, error)

	// SetMetadata stores store-level metadata.
	SetMetadata(store string, meta *types.StoreMetadata) error

	// Stats returns statistics for the store.
	Stats(ctx context.Context, store string) (*types.StoreStats, error)
}

// VectorStoreConfig contains configuration for vector stores.
type VectorStoreConfig struct {
	Provider string // "sqlitevec"
	Path     string // Path to database file
	Store    string // Active store name ("documents")
}
