package retrieval

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/docuquery/docuquery/pkg/types"
)

// fakeEmbedder returns one fixed vector per query. With hang set it blocks
// until the context is cancelled, like a stuck backend.
type fakeEmbedder struct {
	err  error
	hang bool
}

func (f *fakeEmbedder) Name() string      { return "fake" }
func (f *fakeEmbedder) Dimensions() int   { return 4 }
func (f *fakeEmbedder) MaxBatchSize() int { return 32 }

func (f *fakeEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if f.hang {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if f.err != nil {
		return nil, f.err
	}
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{1, 0, 0, 0}
	}
	return out, nil
}

func (f *fakeEmbedder) Warmup(ctx context.Context) error { return nil }
func (f *fakeEmbedder) Close() error                     { return nil }

// fakeSearchStore serves canned search results; only Search matters here.
type fakeSearchStore struct {
	results []types.SearchResult
	gotReq  types.SearchRequest
}

func (f *fakeSearchStore) Name() string                                  { return "fake" }
func (f *fakeSearchStore) Init(path string) error                        { return nil }
func (f *fakeSearchStore) Close() error                                  { return nil }
func (f *fakeSearchStore) CreateStore(name string, dimensions int) error { return nil }

func (f *fakeSearchStore) InsertBatch(ctx context.Context, store string, recs []types.NewRecord) ([]int64, error) {
	return nil, nil
}

func (f *fakeSearchStore) Search(ctx context.Context, store string, req types.SearchRequest) ([]types.SearchResult, error) {
	f.gotReq = req
	return f.results, nil
}

func (f *fakeSearchStore) Count(ctx context.Context, store string) (int, error) { return 0, nil }
func (f *fakeSearchStore) CountDocument(ctx context.Context, store, filename string) (int, error) {
	return 0, nil
}
func (f *fakeSearchStore) HasDocument(ctx context.Context, store, filename string) (bool, error) {
	return false, nil
}
func (f *fakeSearchStore) Clear(ctx context.Context, store string) error { return nil }
func (f *fakeSearchStore) GetMetadata(store string) (*types.StoreMetadata, error) {
	return nil, nil
}
func (f *fakeSearchStore) SetMetadata(store string, meta *types.StoreMetadata) error { return nil }
func (f *fakeSearchStore) Stats(ctx context.Context, store string) (*types.StoreStats, error) {
	return &types.StoreStats{Store: store}, nil
}

// scriptedAnswer is an AnswerProvider that fails, hangs, or answers.
type scriptedAnswer struct {
	name   string
	answer string
	err    error
	hang   bool
	calls  int
}

func (s *scriptedAnswer) Name() string { return s.name }

func (s *scriptedAnswer) GenerateAnswer(ctx context.Context, query, docContext string) (string, error) {
	s.calls++
	if s.hang {
		<-ctx.Done()
		return "", ctx.Err()
	}
	if s.err != nil {
		return "", s.err
	}
	return s.answer, nil
}

func (s *scriptedAnswer) Close() error { return nil }

func source(filename string, line int, similarity float32, content string) types.SearchResult {
	return types.SearchResult{
		Record: &types.Record{
			Content: content,
			Metadata: types.Metadata{
				types.MetaFilename:     filename,
				types.MetaLineNumber:   line,
				types.MetaType:         types.TypeDocumentLine,
				types.MetaDocumentType: "text",
			},
		},
		Similarity: similarity,
	}
}

func testOptions() Options {
	return Options{
		Store:             "documents",
		TopK:              50,
		MinSimilarity:     0.3,
		MaxContextChars:   2000,
		MaxContextSources: 8,
		PrimaryTimeout:    100 * time.Millisecond,
		BackupTimeout:     100 * time.Millisecond,
		EmbedTimeout:      time.Second,
	}
}

func TestAnswerPrimarySucceeds(t *testing.T) {
	store := &fakeSearchStore{results: []types.SearchResult{
		source("doc.txt", 2, 0.9, "the relevant line"),
	}}
	primary := &scriptedAnswer{name: "primary", answer: "primary answer"}
	backup := &scriptedAnswer{name: "backup", answer: "backup answer"}

	engine := New(store, &fakeEmbedder{}, primary, backup, testOptions(), nil)

	result, err := engine.Answer(context.Background(), "what is relevant?")
	if err != nil {
		t.Fatalf("Answer failed: %v", err)
	}

	if result.Answer != "primary answer" {
		t.Errorf("answer = %q", result.Answer)
	}
	if result.Provider != "primary" {
		t.Errorf("provider = %q, want primary", result.Provider)
	}
	if result.Degraded {
		t.Error("result should not be degraded")
	}
	if backup.calls != 0 {
		t.Error("backup must not be invoked when primary succeeds")
	}
	if len(result.Sources) != 1 {
		t.Fatalf("sources = %d, want 1", len(result.Sources))
	}
	if result.Sources[0].Filename != "doc.txt" || result.Sources[0].LineNumber != 2 {
		t.Errorf("source citation wrong: %+v", result.Sources[0])
	}
	if result.Elapsed <= 0 {
		t.Error("elapsed not recorded")
	}
}

func TestAnswerFallsBackToBackup(t *testing.T) {
	store := &fakeSearchStore{results: []types.SearchResult{
		source("doc.txt", 1, 0.8, "line"),
	}}
	primary := &scriptedAnswer{name: "primary", err: errors.New("model overloaded")}
	backup := &scriptedAnswer{name: "backup", answer: "backup answer"}

	engine := New(store, &fakeEmbedder{}, primary, backup, testOptions(), nil)

	result, err := engine.Answer(context.Background(), "q")
	if err != nil {
		t.Fatalf("Answer failed: %v", err)
	}

	if result.Answer != "backup answer" {
		t.Errorf("answer = %q", result.Answer)
	}
	if result.Provider != "backup" {
		t.Errorf("provider = %q, want backup", result.Provider)
	}
	if result.Degraded {
		t.Error("backup success is not degraded")
	}
	// Each provider gets exactly one attempt, never a same-provider retry.
	if primary.calls != 1 || backup.calls != 1 {
		t.Errorf("calls: primary=%d backup=%d, want 1/1", primary.calls, backup.calls)
	}
}

func TestAnswerPrimaryTimeoutTriggersBackup(t *testing.T) {
	store := &fakeSearchStore{results: []types.SearchResult{
		source("doc.txt", 1, 0.8, "line"),
	}}
	primary := &scriptedAnswer{name: "primary", hang: true}
	backup := &scriptedAnswer{name: "backup", answer: "backup answer"}

	opts := testOptions()
	opts.PrimaryTimeout = 20 * time.Millisecond

	engine := New(store, &fakeEmbedder{}, primary, backup, opts, nil)

	start := time.Now()
	result, err := engine.Answer(context.Background(), "q")
	if err != nil {
		t.Fatalf("Answer failed: %v", err)
	}

	if result.Provider != "backup" {
		t.Errorf("provider = %q, want backup", result.Provider)
	}
	// The hung primary must be abandoned at its timeout, not waited out.
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("primary timeout not enforced: took %v", elapsed)
	}
}

func TestAnswerDegradedKeepsSources(t *testing.T) {
	store := &fakeSearchStore{results: []types.SearchResult{
		source("doc.txt", 1, 0.9, "first"),
		source("doc.txt", 2, 0.7, "second"),
	}}
	primary := &scriptedAnswer{name: "primary", err: errors.New("down")}
	backup := &scriptedAnswer{name: "backup", err: errors.New("also down")}

	engine := New(store, &fakeEmbedder{}, primary, backup, testOptions(), nil)

	result, err := engine.Answer(context.Background(), "q")
	if err != nil {
		t.Fatalf("degraded response must not be an error: %v", err)
	}

	if !result.Degraded {
		t.Error("expected degraded result")
	}
	if result.Provider != "" {
		t.Errorf("degraded result names a provider: %q", result.Provider)
	}
	if len(result.Sources) != 2 {
		t.Errorf("retrieval value lost: %d sources, want 2", len(result.Sources))
	}
	if result.Answer == "" {
		t.Error("degraded result still needs an answer text")
	}
	if primary.calls != 1 || backup.calls != 1 {
		t.Errorf("calls: primary=%d backup=%d, want 1/1", primary.calls, backup.calls)
	}
}

func TestAnswerEmptyRetrievalSkipsProviders(t *testing.T) {
	store := &fakeSearchStore{} // no results
	primary := &scriptedAnswer{name: "primary", answer: "should not be used"}
	backup := &scriptedAnswer{name: "backup", answer: "should not be used"}

	engine := New(store, &fakeEmbedder{}, primary, backup, testOptions(), nil)

	result, err := engine.Answer(context.Background(), "unknown topic")
	if err != nil {
		t.Fatalf("Answer failed: %v", err)
	}

	if primary.calls != 0 || backup.calls != 0 {
		t.Error("no provider may be invoked for empty retrieval")
	}
	if result.Degraded {
		t.Error("empty retrieval is not a degraded response")
	}
	if !strings.Contains(result.Answer, "unknown topic") {
		t.Errorf("deterministic answer should echo the query: %q", result.Answer)
	}
	if len(result.Sources) != 0 {
		t.Errorf("expected no sources, got %d", len(result.Sources))
	}

	// The answer is deterministic across calls.
	again, _ := engine.Answer(context.Background(), "unknown topic")
	if again.Answer != result.Answer {
		t.Error("no-information answer must be deterministic")
	}
}

func TestAnswerQueryCounter(t *testing.T) {
	store := &fakeSearchStore{}
	engine := New(store, &fakeEmbedder{}, &scriptedAnswer{name: "p", answer: "a"}, nil, testOptions(), nil)

	for i := 1; i <= 3; i++ {
		result, err := engine.Answer(context.Background(), "q")
		if err != nil {
			t.Fatal(err)
		}
		if result.QueryCount != int64(i) {
			t.Errorf("query count = %d, want %d", result.QueryCount, i)
		}
	}
	if engine.QueryCount() != 3 {
		t.Errorf("QueryCount() = %d, want 3", engine.QueryCount())
	}
}

func TestAnswerNoBackupConfigured(t *testing.T) {
	store := &fakeSearchStore{results: []types.SearchResult{
		source("doc.txt", 1, 0.8, "line"),
	}}
	primary := &scriptedAnswer{name: "primary", err: errors.New("down")}

	engine := New(store, &fakeEmbedder{}, primary, nil, testOptions(), nil)

	result, err := engine.Answer(context.Background(), "q")
	if err != nil {
		t.Fatalf("Answer failed: %v", err)
	}
	if !result.Degraded {
		t.Error("expected degraded result when primary fails with no backup")
	}
	if len(result.Sources) != 1 {
		t.Errorf("sources lost: %d", len(result.Sources))
	}
}

func TestRetrievePassesConfiguredDefaults(t *testing.T) {
	store := &fakeSearchStore{}
	engine := New(store, &fakeEmbedder{}, nil, nil, testOptions(), nil)

	if _, err := engine.Retrieve(context.Background(), "q", 0, -1); err != nil {
		t.Fatal(err)
	}

	if store.gotReq.K != 50 {
		t.Errorf("K = %d, want configured default 50", store.gotReq.K)
	}
	if store.gotReq.MinSimilarity != 0.3 {
		t.Errorf("MinSimilarity = %v, want configured default 0.3", store.gotReq.MinSimilarity)
	}

	if _, err := engine.Retrieve(context.Background(), "q", 5, 0.6); err != nil {
		t.Fatal(err)
	}
	if store.gotReq.K != 5 || store.gotReq.MinSimilarity != 0.6 {
		t.Errorf("overrides not passed: %+v", store.gotReq)
	}

	// 0 is an explicit floor of zero, not a request for the default.
	if _, err := engine.Retrieve(context.Background(), "q", 5, 0); err != nil {
		t.Fatal(err)
	}
	if store.gotReq.MinSimilarity != 0 {
		t.Errorf("explicit zero floor rewritten to %v", store.gotReq.MinSimilarity)
	}
}

func TestRetrieveEmbedTimeout(t *testing.T) {
	store := &fakeSearchStore{}
	opts := testOptions()
	opts.EmbedTimeout = 20 * time.Millisecond
	engine := New(store, &fakeEmbedder{hang: true}, nil, nil, opts, nil)

	start := time.Now()
	_, err := engine.Retrieve(context.Background(), "q", 0, -1)
	if err == nil {
		t.Fatal("expected failure from a stuck embedding backend")
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("error = %v, want deadline exceeded", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("stuck embedder held the query path for %v", elapsed)
	}
}

func TestBuildContextFormat(t *testing.T) {
	engine := New(&fakeSearchStore{}, &fakeEmbedder{}, nil, nil, testOptions(), nil)

	ctx := engine.buildContext([]types.Source{
		{Content: "alpha", Filename: "a.txt", LineNumber: 3},
		{Content: "beta", Filename: "b.md", LineNumber: 7},
	})

	want := "[Document: a.txt] [Line: 3] alpha\n[Document: b.md] [Line: 7] beta"
	if ctx != want {
		t.Errorf("context = %q, want %q", ctx, want)
	}
}

func TestBuildContextCaps(t *testing.T) {
	opts := testOptions()
	opts.MaxContextSources = 3
	engine := New(&fakeSearchStore{}, &fakeEmbedder{}, nil, nil, opts, nil)

	var sources []types.Source
	for i := 0; i < 10; i++ {
		sources = append(sources, types.Source{
			Content:  fmt.Sprintf("line %d", i),
			Filename: "doc.txt", LineNumber: i + 1,
		})
	}

	ctx := engine.buildContext(sources)
	if got := strings.Count(ctx, "[Document:"); got != 3 {
		t.Errorf("context holds %d sources, want cap of 3", got)
	}
	// Highest ranked sources are kept.
	if !strings.Contains(ctx, "line 0") || strings.Contains(ctx, "line 3") {
		t.Errorf("wrong sources kept: %q", ctx)
	}
}

func TestBuildContextCharBudget(t *testing.T) {
	opts := testOptions()
	opts.MaxContextChars = 120
	engine := New(&fakeSearchStore{}, &fakeEmbedder{}, nil, nil, opts, nil)

	long := strings.Repeat("x", 80)
	ctx := engine.buildContext([]types.Source{
		{Content: long, Filename: "doc.txt", LineNumber: 1},
		{Content: long, Filename: "doc.txt", LineNumber: 2},
	})

	if len(ctx) > 120 {
		t.Errorf("context exceeds budget: %d chars", len(ctx))
	}
	// The best source is always included even near the budget.
	if !strings.Contains(ctx, "[Line: 1]") {
		t.Error("top source dropped")
	}
	if strings.Contains(ctx, "[Line: 2]") {
		t.Error("second source should not fit the budget")
	}
}
