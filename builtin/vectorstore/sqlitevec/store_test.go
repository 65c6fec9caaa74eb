package sqlitevec

import (
	"context"
	"errors"
	"math"
	"os"
	"testing"
	"time"

	"github.com/docuquery/docuquery/pkg/types"
)

const testDims = 4

// vec returns an L2-normalized vector for test inserts.
func vec(values ...float32) []float32 {
	var sum float64
	for _, v := range values {
		sum += float64(v) * float64(v)
	}
	norm := float32(math.Sqrt(sum))
	out := make([]float32, len(values))
	for i, v := range values {
		out[i] = v / norm
	}
	return out
}

func meta(filename string, line int) types.Metadata {
	return types.Metadata{
		types.MetaFilename:     filename,
		types.MetaLineNumber:   line,
		types.MetaType:         types.TypeDocumentLine,
		types.MetaDocumentType: "text",
	}
}

func newTestStore(t *testing.T) *Store {
	t.Helper()

	tmpDir, err := os.MkdirTemp("", "sqlitevectest")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { os.RemoveAll(tmpDir) })

	store := New()
	if err := store.Init(tmpDir + "/test.db"); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })

	if err := store.CreateStore("documents", testDims); err != nil {
		t.Fatal(err)
	}
	return store
}

func TestInsertBatchAndSearch(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	recs := []types.NewRecord{
		{Content: "first line", Embedding: vec(1, 0, 0, 0), Metadata: meta("doc.txt", 1)},
		{Content: "second line", Embedding: vec(0.9, 0.1, 0, 0), Metadata: meta("doc.txt", 2)},
		{Content: "unrelated", Embedding: vec(0, 0, 1, 0), Metadata: meta("doc.txt", 3)},
	}

	ids, err := store.InsertBatch(ctx, "documents", recs)
	if err != nil {
		t.Fatalf("InsertBatch failed: %v", err)
	}
	if len(ids) != 3 {
		t.Fatalf("expected 3 ids, got %d", len(ids))
	}
	for i := 1; i < len(ids); i++ {
		if ids[i] <= ids[i-1] {
			t.Errorf("ids not monotonically increasing: %v", ids)
		}
	}

	results, err := store.Search(ctx, "documents", types.SearchRequest{
		QueryVec:      vec(1, 0, 0, 0),
		K:             10,
		MinSimilarity: 0.3,
	})
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}

	if len(results) != 2 {
		t.Fatalf("expected 2 results above floor, got %d", len(results))
	}
	if results[0].Record.Content != "first line" {
		t.Errorf("best match should be exact: got %q", results[0].Record.Content)
	}
	if results[0].Similarity < results[1].Similarity {
		t.Error("results not ordered by similarity descending")
	}
	if results[0].Record.Metadata.Filename() != "doc.txt" {
		t.Errorf("metadata filename lost: got %q", results[0].Record.Metadata.Filename())
	}
	if results[0].Record.Metadata.LineNumber() != 1 {
		t.Errorf("metadata line number lost: got %d", results[0].Record.Metadata.LineNumber())
	}
}

func TestSearchTieBreakByID(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	// Identical embeddings produce identical similarity; order must fall
	// back to ascending id.
	same := vec(1, 1, 0, 0)
	recs := []types.NewRecord{
		{Content: "a", Embedding: same, Metadata: meta("doc.txt", 1)},
		{Content: "b", Embedding: same, Metadata: meta("doc.txt", 2)},
		{Content: "c", Embedding: same, Metadata: meta("doc.txt", 3)},
	}

	ids, err := store.InsertBatch(ctx, "documents", recs)
	if err != nil {
		t.Fatal(err)
	}

	for run := 0; run < 3; run++ {
		results, err := store.Search(ctx, "documents", types.SearchRequest{
			QueryVec:      same,
			K:             10,
			MinSimilarity: 0.3,
		})
		if err != nil {
			t.Fatal(err)
		}
		if len(results) != 3 {
			t.Fatalf("expected 3 results, got %d", len(results))
		}
		for i, r := range results {
			if r.Record.ID != ids[i] {
				t.Fatalf("run %d: ties not broken by ascending id: got %d at position %d, want %d",
					run, r.Record.ID, i, ids[i])
			}
		}
	}
}

func TestSearchSimilarityFloor(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	recs := []types.NewRecord{
		{Content: "close", Embedding: vec(1, 0.2, 0, 0), Metadata: meta("doc.txt", 1)},
		{Content: "orthogonal", Embedding: vec(0, 0, 0, 1), Metadata: meta("doc.txt", 2)},
	}
	if _, err := store.InsertBatch(ctx, "documents", recs); err != nil {
		t.Fatal(err)
	}

	query := vec(1, 0, 0, 0)

	// Low floor admits both, high floor only the close one. Fewer than K
	// results are never padded.
	low, err := store.Search(ctx, "documents", types.SearchRequest{QueryVec: query, K: 10, MinSimilarity: 0})
	if err != nil {
		t.Fatal(err)
	}
	high, err := store.Search(ctx, "documents", types.SearchRequest{QueryVec: query, K: 10, MinSimilarity: 0.3})
	if err != nil {
		t.Fatal(err)
	}

	if len(low) != 2 {
		t.Errorf("floor 0: expected 2 results, got %d", len(low))
	}
	if len(high) != 1 {
		t.Fatalf("floor 0.3: expected 1 result, got %d", len(high))
	}
	if high[0].Record.Content != "close" {
		t.Errorf("wrong result above floor: %q", high[0].Record.Content)
	}
	for _, r := range low {
		if r.Similarity < 0 || r.Similarity > 1 {
			t.Errorf("similarity outside [0,1]: %v", r.Similarity)
		}
	}
}

func TestSearchKLimit(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	var recs []types.NewRecord
	for i := 0; i < 10; i++ {
		recs = append(recs, types.NewRecord{
			Content:   "line",
			Embedding: vec(1, float32(i)*0.01, 0, 0),
			Metadata:  meta("doc.txt", i+1),
		})
	}
	if _, err := store.InsertBatch(ctx, "documents", recs); err != nil {
		t.Fatal(err)
	}

	results, err := store.Search(ctx, "documents", types.SearchRequest{
		QueryVec:      vec(1, 0, 0, 0),
		K:             3,
		MinSimilarity: 0.3,
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 3 {
		t.Errorf("expected K=3 results, got %d", len(results))
	}
}

func TestSearchFilenameFilter(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	same := vec(1, 0, 0, 0)
	recs := []types.NewRecord{
		{Content: "from a", Embedding: same, Metadata: meta("a.txt", 1)},
		{Content: "from b", Embedding: same, Metadata: meta("b.txt", 1)},
	}
	if _, err := store.InsertBatch(ctx, "documents", recs); err != nil {
		t.Fatal(err)
	}

	results, err := store.Search(ctx, "documents", types.SearchRequest{
		QueryVec:      same,
		K:             10,
		MinSimilarity: 0.3,
		Filename:      "b.txt",
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 1 || results[0].Record.Content != "from b" {
		t.Errorf("filename filter not applied: %+v", results)
	}
}

func TestInsertBatchDimensionMismatch(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	recs := []types.NewRecord{
		{Content: "ok", Embedding: vec(1, 0, 0, 0), Metadata: meta("doc.txt", 1)},
		{Content: "wrong dims", Embedding: []float32{1, 0}, Metadata: meta("doc.txt", 2)},
	}

	_, err := store.InsertBatch(ctx, "documents", recs)
	if !errors.Is(err, types.ErrDimensionMismatch) {
		t.Fatalf("expected ErrDimensionMismatch, got %v", err)
	}

	// The valid record must not have been committed.
	count, err := store.Count(ctx, "documents")
	if err != nil {
		t.Fatal(err)
	}
	if count != 0 {
		t.Errorf("batch was not atomic: %d records committed", count)
	}
}

func TestInsertBatchInvalidMetadata(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	recs := []types.NewRecord{
		{Content: "ok", Embedding: vec(1, 0, 0, 0), Metadata: meta("doc.txt", 1)},
		{
			Content:   "missing keys",
			Embedding: vec(0, 1, 0, 0),
			Metadata:  types.Metadata{types.MetaFilename: "doc.txt"},
		},
	}

	_, err := store.InsertBatch(ctx, "documents", recs)
	if !errors.Is(err, types.ErrInvalidMetadata) {
		t.Fatalf("expected ErrInvalidMetadata, got %v", err)
	}

	count, _ := store.Count(ctx, "documents")
	if count != 0 {
		t.Errorf("batch was not atomic: %d records committed", count)
	}
}

func TestInsertBatchRollsBackMidTransaction(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	// The third record passes required-key validation but its metadata
	// extension cannot be encoded, so the failure happens inside the
	// transaction after two records have already been written to it.
	badMeta := meta("doc.txt", 3)
	badMeta["note"] = make(chan int)

	recs := []types.NewRecord{
		{Content: "first", Embedding: vec(1, 0, 0, 0), Metadata: meta("doc.txt", 1)},
		{Content: "second", Embedding: vec(0, 1, 0, 0), Metadata: meta("doc.txt", 2)},
		{Content: "third", Embedding: vec(0, 0, 1, 0), Metadata: badMeta},
	}

	if _, err := store.InsertBatch(ctx, "documents", recs); err == nil {
		t.Fatal("expected error from unencodable metadata")
	}

	count, err := store.Count(ctx, "documents")
	if err != nil {
		t.Fatal(err)
	}
	if count != 0 {
		t.Errorf("rollback left %d records visible, want 0", count)
	}

	// The store stays usable after the rollback.
	ids, err := store.InsertBatch(ctx, "documents", recs[:2])
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 2 {
		t.Errorf("insert after rollback returned %d ids, want 2", len(ids))
	}
}

func TestSearchBreadthCapsResults(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if err := store.SetMetadata("documents", &types.StoreMetadata{IndexSearchBreadth: 2}); err != nil {
		t.Fatal(err)
	}

	same := vec(1, 0, 0, 0)
	var recs []types.NewRecord
	for i := 1; i <= 5; i++ {
		recs = append(recs, types.NewRecord{
			Content:   "dup",
			Embedding: same,
			Metadata:  meta("doc.txt", i),
		})
	}
	if _, err := store.InsertBatch(ctx, "documents", recs); err != nil {
		t.Fatal(err)
	}

	results, err := store.Search(ctx, "documents", types.SearchRequest{
		QueryVec:      same,
		K:             10,
		MinSimilarity: 0,
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 2 {
		t.Fatalf("got %d results, want search breadth cap of 2", len(results))
	}
	// The cap keeps the best-ranked candidates, lowest ids on ties.
	if results[0].Record.ID != 1 || results[1].Record.ID != 2 {
		t.Errorf("capped results are not the top ranked: ids %d, %d",
			results[0].Record.ID, results[1].Record.ID)
	}
}

func TestDocumentCounts(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	recs := []types.NewRecord{
		{Content: "a1", Embedding: vec(1, 0, 0, 0), Metadata: meta("a.txt", 1)},
		{Content: "a2", Embedding: vec(0, 1, 0, 0), Metadata: meta("a.txt", 2)},
		{Content: "b1", Embedding: vec(0, 0, 1, 0), Metadata: meta("b.txt", 1)},
	}
	if _, err := store.InsertBatch(ctx, "documents", recs); err != nil {
		t.Fatal(err)
	}

	count, err := store.CountDocument(ctx, "documents", "a.txt")
	if err != nil {
		t.Fatal(err)
	}
	if count != 2 {
		t.Errorf("CountDocument(a.txt) = %d, want 2", count)
	}

	has, err := store.HasDocument(ctx, "documents", "b.txt")
	if err != nil {
		t.Fatal(err)
	}
	if !has {
		t.Error("HasDocument(b.txt) = false, want true")
	}

	has, err = store.HasDocument(ctx, "documents", "missing.txt")
	if err != nil {
		t.Fatal(err)
	}
	if has {
		t.Error("HasDocument(missing.txt) = true, want false")
	}
}

func TestClearIsIdempotent(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	recs := []types.NewRecord{
		{Content: "a", Embedding: vec(1, 0, 0, 0), Metadata: meta("doc.txt", 1)},
	}
	if _, err := store.InsertBatch(ctx, "documents", recs); err != nil {
		t.Fatal(err)
	}

	if err := store.Clear(ctx, "documents"); err != nil {
		t.Fatalf("Clear failed: %v", err)
	}
	count, _ := store.Count(ctx, "documents")
	if count != 0 {
		t.Errorf("store not empty after clear: %d records", count)
	}

	// Clearing an empty store succeeds.
	if err := store.Clear(ctx, "documents"); err != nil {
		t.Fatalf("second Clear failed: %v", err)
	}
}

func TestCreateStoreValidation(t *testing.T) {
	store := newTestStore(t)

	// Same name and dimension is a no-op.
	if err := store.CreateStore("documents", testDims); err != nil {
		t.Errorf("recreating with same dimension should succeed: %v", err)
	}

	// Same name with a different dimension is rejected.
	err := store.CreateStore("documents", testDims+1)
	if !errors.Is(err, types.ErrDimensionMismatch) {
		t.Errorf("expected ErrDimensionMismatch, got %v", err)
	}

	if err := store.CreateStore("bad name!", testDims); err == nil {
		t.Error("expected error for invalid store name")
	}
	if err := store.CreateStore("valid_store_2", 8); err != nil {
		t.Errorf("valid name rejected: %v", err)
	}
}

func TestUnknownStore(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, err := store.Search(ctx, "missing", types.SearchRequest{
		QueryVec: vec(1, 0, 0, 0), K: 1, MinSimilarity: 0,
	})
	if !errors.Is(err, types.ErrStoreNotFound) {
		t.Errorf("expected ErrStoreNotFound, got %v", err)
	}
}

func TestMetadataRoundTrip(t *testing.T) {
	store := newTestStore(t)

	now := time.Now().UTC().Truncate(time.Second)
	want := &types.StoreMetadata{
		SchemaVersion:            SchemaVersion,
		CreatedAt:                now,
		LastUpdated:              now,
		ConfigHash:               "abc123",
		EmbeddingProvider:        "ollama",
		EmbeddingModel:           "bge-large",
		EmbeddingDimensions:      testDims,
		IndexMaxDegree:           16,
		IndexConstructionBreadth: 200,
		IndexSearchBreadth:       100,
	}

	if err := store.SetMetadata("documents", want); err != nil {
		t.Fatal(err)
	}

	got, err := store.GetMetadata("documents")
	if err != nil {
		t.Fatal(err)
	}
	if got == nil {
		t.Fatal("expected metadata, got nil")
	}
	if got.EmbeddingModel != want.EmbeddingModel {
		t.Errorf("embedding model: got %q, want %q", got.EmbeddingModel, want.EmbeddingModel)
	}
	if got.IndexMaxDegree != 16 || got.IndexConstructionBreadth != 200 || got.IndexSearchBreadth != 100 {
		t.Errorf("index parameters lost: %+v", got)
	}

	missing, err := store.GetMetadata("never_set")
	if err != nil {
		t.Fatal(err)
	}
	if missing != nil {
		t.Error("expected nil metadata for unknown store")
	}
}

func TestPersistenceAcrossReopen(t *testing.T) {
	tmpDir, err := os.MkdirTemp("", "sqlitevectest")
	if err != nil {
		t.Fatal(err)
	}
	defer os.RemoveAll(tmpDir)

	dbPath := tmpDir + "/test.db"
	ctx := context.Background()

	store := New()
	if err := store.Init(dbPath); err != nil {
		t.Fatal(err)
	}
	if err := store.CreateStore("documents", testDims); err != nil {
		t.Fatal(err)
	}
	if _, err := store.InsertBatch(ctx, "documents", []types.NewRecord{
		{Content: "survives restart", Embedding: vec(1, 0, 0, 0), Metadata: meta("doc.txt", 1)},
	}); err != nil {
		t.Fatal(err)
	}
	store.Close()

	reopened := New()
	if err := reopened.Init(dbPath); err != nil {
		t.Fatal(err)
	}
	defer reopened.Close()

	results, err := reopened.Search(ctx, "documents", types.SearchRequest{
		QueryVec: vec(1, 0, 0, 0), K: 1, MinSimilarity: 0.3,
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 1 || results[0].Record.Content != "survives restart" {
		t.Errorf("records lost after reopen: %+v", results)
	}
}
