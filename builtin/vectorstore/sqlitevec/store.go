// Package sqlitevec implements VectorStore using sqlite-vec for vector
// similarity search over document-line records.
package sqlitevec

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"

	"github.com/docuquery/docuquery/pkg/provider"
	"github.com/docuquery/docuquery/pkg/types"

	sqlite_vec "github.com/asg017/sqlite-vec-go-bindings/cgo"
	_ "github.com/mattn/go-sqlite3"
)

var (
	// Ensure sqlite-vec Auto() is called exactly once before any db connection
	vecAutoOnce sync.Once
)

// SchemaVersion is incremented when schema changes require reingestion.
const SchemaVersion = 1

var storeNameRe = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)

// Store implements the VectorStore interface using sqlite-vec.
//
// Each named store is one records table plus one vec0 virtual table keyed by
// record id. A batch insert runs in a single transaction; WAL readers see
// the pre-commit or post-commit snapshot, never a torn batch, and records
// are searchable as soon as InsertBatch returns (zero visibility lag).
type Store struct {
	db   *sql.DB
	path string

	mu     sync.RWMutex
	stores map[string]int // store name -> embedding dimensions
}

// New creates a new sqlite-vec store.
func New() *Store {
	return &Store{
		stores: make(map[string]int),
	}
}

// Name returns the store implementation name.
func (s *Store) Name() string {
	return "sqlitevec"
}

// Init initializes the store at the given path.
func (s *Store) Init(path string) error {
	s.path = path

	// Register sqlite-vec extension before opening any database connection.
	// This must be called once before sql.Open() to ensure vec_* functions are available.
	vecAutoOnce.Do(func() {
		sqlite_vec.Auto()
	})

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	// WAL mode for concurrent reads, busy_timeout to wait for locks instead
	// of failing immediately when inserts overlap.
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000")
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	s.db = db

	if _, err := db.Exec("SELECT vec_version()"); err != nil {
		return fmt.Errorf("sqlite-vec extension not available: %w", err)
	}

	if err := s.createSchema(); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}

	return s.loadStores()
}

// createSchema creates the catalog tables shared by all named stores.
func (s *Store) createSchema() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS stores (
			name TEXT PRIMARY KEY,
			dimensions INTEGER NOT NULL,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)
	`)
	if err != nil {
		return err
	}

	_, err = s.db.Exec(`
		CREATE TABLE IF NOT EXISTS store_metadata (
			store TEXT PRIMARY KEY,
			value TEXT NOT NULL
		)
	`)
	return err
}

// loadStores reloads the named-store catalog after a restart.
func (s *Store) loadStores() error {
	rows, err := s.db.Query("SELECT name, dimensions FROM stores")
	if err != nil {
		return err
	}
	defer rows.Close()

	s.mu.Lock()
	defer s.mu.Unlock()
	for rows.Next() {
		var name string
		var dims int
		if err := rows.Scan(&name, &dims); err != nil {
			return err
		}
		s.stores[name] = dims
	}
	return rows.Err()
}

// Close releases resources and closes connections.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// CreateStore creates a named store with a fixed embedding dimension.
// Recreating an existing store with the same dimension is a no-op.
func (s *Store) CreateStore(name string, dimensions int) error {
	if !storeNameRe.MatchString(name) {
		return fmt.Errorf("%w: invalid store name %q", types.ErrInvalidConfig, name)
	}
	if dimensions <= 0 {
		return fmt.Errorf("%w: dimensions must be positive, got %d", types.ErrInvalidConfig, dimensions)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.stores[name]; ok {
		if existing != dimensions {
			return fmt.Errorf("%w: store %q has dimension %d, requested %d",
				types.ErrDimensionMismatch, name, existing, dimensions)
		}
		return nil
	}

	_, err := s.db.Exec(fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS records_%s (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			content TEXT NOT NULL,
			filename TEXT NOT NULL,
			metadata TEXT NOT NULL,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)
	`, name))
	if err != nil {
		return fmt.Errorf("%w: failed to create records table: %v", types.ErrStoreFailed, err)
	}

	// Index on filename for document-scoped queries and deletes.
	_, err = s.db.Exec(fmt.Sprintf(
		`CREATE INDEX IF NOT EXISTS idx_records_%s_filename ON records_%s(filename)`, name, name))
	if err != nil {
		return fmt.Errorf("%w: failed to create filename index: %v", types.ErrStoreFailed, err)
	}

	_, err = s.db.Exec(fmt.Sprintf(`
		CREATE VIRTUAL TABLE IF NOT EXISTS embeddings_%s USING vec0(
			record_id INTEGER PRIMARY KEY,
			embedding float[%d]
		)
	`, name, dimensions))
	if err != nil {
		return fmt.Errorf("%w: failed to create vector table: %v", types.ErrStoreFailed, err)
	}

	_, err = s.db.Exec("INSERT OR REPLACE INTO stores (name, dimensions) VALUES (?, ?)", name, dimensions)
	if err != nil {
		return fmt.Errorf("%w: failed to register store: %v", types.ErrStoreFailed, err)
	}

	s.stores[name] = dimensions
	return nil
}

// dimensionsOf returns the configured dimension of a named store.
func (s *Store) dimensionsOf(store string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	dims, ok := s.stores[store]
	if !ok {
		return 0, fmt.Errorf("%w: %q", types.ErrStoreNotFound, store)
	}
	return dims, nil
}

// InsertBatch inserts records atomically and returns their assigned ids in
// input order. The batch is validated in full before anything is written:
// a dimension mismatch or missing required metadata key anywhere rejects
// the whole batch and leaves the store unchanged.
func (s *Store) InsertBatch(ctx context.Context, store string, recs []types.NewRecord) ([]int64, error) {
	if len(recs) == 0 {
		return nil, nil
	}

	dims, err := s.dimensionsOf(store)
	if err != nil {
		return nil, err
	}

	for i, rec := range recs {
		if len(rec.Embedding) != dims {
			return nil, fmt.Errorf("%w: record %d has %d dimensions, store %q expects %d",
				types.ErrDimensionMismatch, i, len(rec.Embedding), store, dims)
		}
		if missing := rec.Metadata.MissingKeys(); len(missing) > 0 {
			return nil, fmt.Errorf("%w: record %d missing keys: %s",
				types.ErrInvalidMetadata, i, strings.Join(missing, ", "))
		}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrStoreFailed, err)
	}
	defer tx.Rollback()

	recordStmt, err := tx.PrepareContext(ctx, fmt.Sprintf(`
		INSERT INTO records_%s (content, filename, metadata) VALUES (?, ?, ?)
	`, store))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrStoreFailed, err)
	}
	defer recordStmt.Close()

	embeddingStmt, err := tx.PrepareContext(ctx, fmt.Sprintf(`
		INSERT INTO embeddings_%s (record_id, embedding) VALUES (?, ?)
	`, store))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrStoreFailed, err)
	}
	defer embeddingStmt.Close()

	ids := make([]int64, len(recs))
	for i, rec := range recs {
		metaJSON, err := json.Marshal(rec.Metadata)
		if err != nil {
			return nil, fmt.Errorf("%w: failed to encode metadata: %v", types.ErrInvalidMetadata, err)
		}

		res, err := recordStmt.ExecContext(ctx, rec.Content, rec.Metadata.Filename(), string(metaJSON))
		if err != nil {
			return nil, fmt.Errorf("%w: failed to insert record: %v", types.ErrStoreFailed, err)
		}

		id, err := res.LastInsertId()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", types.ErrStoreFailed, err)
		}
		ids[i] = id

		if _, err := embeddingStmt.ExecContext(ctx, id, floatsToBytes(rec.Embedding)); err != nil {
			return nil, fmt.Errorf("%w: failed to insert embedding for record %d: %v", types.ErrStoreFailed, id, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrStoreFailed, err)
	}

	return ids, nil
}

// Search returns at most req.K records with similarity >= req.MinSimilarity,
// ordered by similarity descending, ties broken by ascending id.
//
// Similarity is 1 - cosine distance. Providers hand over normalized vectors,
// so this matches inner-product similarity; negative values (antipodal
// vectors) are clamped to 0 to keep the floor comparison total.
func (s *Store) Search(ctx context.Context, store string, req types.SearchRequest) ([]types.SearchResult, error) {
	dims, err := s.dimensionsOf(store)
	if err != nil {
		return nil, err
	}
	if len(req.QueryVec) != dims {
		return nil, fmt.Errorf("%w: query vector has %d dimensions, store %q expects %d",
			types.ErrDimensionMismatch, len(req.QueryVec), store, dims)
	}
	if req.K <= 0 {
		return nil, fmt.Errorf("%w: k must be positive, got %d", types.ErrInvalidConfig, req.K)
	}
	if req.MinSimilarity < 0 || req.MinSimilarity > 1 {
		return nil, fmt.Errorf("%w: min similarity %v outside [0,1]", types.ErrInvalidConfig, req.MinSimilarity)
	}

	// The recorded search breadth is the operating point for candidate
	// scanning; it caps how many rows a single search may return.
	limit := req.K
	if meta, err := s.GetMetadata(store); err == nil && meta != nil &&
		meta.IndexSearchBreadth > 0 && limit > meta.IndexSearchBreadth {
		limit = meta.IndexSearchBreadth
	}

	embBytes := floatsToBytes(req.QueryVec)

	query := fmt.Sprintf(`
		SELECT r.id, r.content, r.metadata,
			(1.0 - vec_distance_cosine(e.embedding, ?)) AS similarity
		FROM embeddings_%s e
		JOIN records_%s r ON r.id = e.record_id
		WHERE (1.0 - vec_distance_cosine(e.embedding, ?)) >= ?
	`, store, store)

	args := []any{embBytes, embBytes, req.MinSimilarity}

	if req.Filename != "" {
		query += " AND r.filename = ?"
		args = append(args, req.Filename)
	}

	query += " ORDER BY similarity DESC, r.id ASC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: search failed: %v", types.ErrStoreFailed, err)
	}
	defer rows.Close()

	var results []types.SearchResult
	for rows.Next() {
		var (
			rec        types.Record
			metaJSON   string
			similarity float64
		)

		if err := rows.Scan(&rec.ID, &rec.Content, &metaJSON, &similarity); err != nil {
			return nil, fmt.Errorf("%w: %v", types.ErrStoreFailed, err)
		}

		if err := json.Unmarshal([]byte(metaJSON), &rec.Metadata); err != nil {
			return nil, fmt.Errorf("%w: corrupt metadata for record %d: %v", types.ErrStoreFailed, rec.ID, err)
		}

		if similarity < 0 {
			similarity = 0
		}

		results = append(results, types.SearchResult{
			Record:     &rec,
			Similarity: float32(similarity),
		})
	}

	return results, rows.Err()
}

// Count returns the number of records in the store.
func (s *Store) Count(ctx context.Context, store string) (int, error) {
	if _, err := s.dimensionsOf(store); err != nil {
		return 0, err
	}

	var count int
	err := s.db.QueryRowContext(ctx,
		fmt.Sprintf("SELECT COUNT(*) FROM records_%s", store)).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", types.ErrStoreFailed, err)
	}
	return count, nil
}

// CountDocument returns the number of records for one filename.
func (s *Store) CountDocument(ctx context.Context, store, filename string) (int, error) {
	if _, err := s.dimensionsOf(store); err != nil {
		return 0, err
	}

	var count int
	err := s.db.QueryRowContext(ctx,
		fmt.Sprintf("SELECT COUNT(*) FROM records_%s WHERE filename = ?", store), filename).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", types.ErrStoreFailed, err)
	}
	return count, nil
}

// HasDocument reports whether any record exists for filename.
func (s *Store) HasDocument(ctx context.Context, store, filename string) (bool, error) {
	count, err := s.CountDocument(ctx, store, filename)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// Clear removes all records from the store. Idempotent.
func (s *Store) Clear(ctx context.Context, store string) error {
	if _, err := s.dimensionsOf(store); err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", types.ErrStoreFailed, err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, fmt.Sprintf("DELETE FROM embeddings_%s", store)); err != nil {
		return fmt.Errorf("%w: %v", types.ErrStoreFailed, err)
	}
	if _, err := tx.ExecContext(ctx, fmt.Sprintf("DELETE FROM records_%s", store)); err != nil {
		return fmt.Errorf("%w: %v", types.ErrStoreFailed, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: %v", types.ErrStoreFailed, err)
	}
	return nil
}

// GetMetadata returns store-level metadata, or nil if never set.
func (s *Store) GetMetadata(store string) (*types.StoreMetadata, error) {
	row := s.db.QueryRow("SELECT value FROM store_metadata WHERE store = ?", store)

	var jsonData string
	err := row.Scan(&jsonData)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrStoreFailed, err)
	}

	var meta types.StoreMetadata
	if err := json.Unmarshal([]byte(jsonData), &meta); err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrStoreFailed, err)
	}
	return &meta, nil
}

// SetMetadata stores store-level metadata.
func (s *Store) SetMetadata(store string, meta *types.StoreMetadata) error {
	jsonData, err := json.Marshal(meta)
	if err != nil {
		return err
	}

	_, err = s.db.Exec(`
		INSERT OR REPLACE INTO store_metadata (store, value) VALUES (?, ?)
	`, store, string(jsonData))
	if err != nil {
		return fmt.Errorf("%w: %v", types.ErrStoreFailed, err)
	}
	return nil
}

// Stats returns statistics for the store.
func (s *Store) Stats(ctx context.Context, store string) (*types.StoreStats, error) {
	count, err := s.Count(ctx, store)
	if err != nil {
		return nil, err
	}

	stats := &types.StoreStats{
		Store:        store,
		TotalRecords: count,
	}

	if info, err := os.Stat(s.path); err == nil {
		stats.DBSizeBytes = info.Size()
	}

	if meta, err := s.GetMetadata(store); err == nil && meta != nil {
		stats.LastUpdated = meta.LastUpdated
	}

	return stats, nil
}

// floatsToBytes converts float32 slice to bytes for sqlite-vec.
func floatsToBytes(floats []float32) []byte {
	bytes := make([]byte, len(floats)*4)
	for i, f := range floats {
		bits := math.Float32bits(f)
		bytes[i*4] = byte(bits)
		bytes[i*4+1] = byte(bits >> 8)
		bytes[i*4+2] = byte(bits >> 16)
		bytes[i*4+3] = byte(bits >> 24)
	}
	return bytes
}

// Ensure Store implements VectorStore interface
var _ provider.VectorStore = (*Store)(nil)
