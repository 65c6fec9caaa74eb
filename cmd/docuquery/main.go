// docuquery is a document question answering engine: ingest documents,
// search them semantically, and ask questions over them via CLI or MCP.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	_ "github.com/docuquery/docuquery/builtin"
	"github.com/docuquery/docuquery/internal/config"
	"github.com/docuquery/docuquery/internal/extract"
	"github.com/docuquery/docuquery/internal/ingest"
	"github.com/docuquery/docuquery/internal/mcp"
	"github.com/docuquery/docuquery/internal/retrieval"
	"github.com/docuquery/docuquery/pkg/provider"
	"github.com/docuquery/docuquery/pkg/types"
)

var (
	version   = "0.1.0"
	logLevel  string
	logFormat string
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "docuquery",
	Short: "Document question answering with semantic retrieval",
	Long: `docuquery ingests documents line by line into a vector store and
answers questions over them with cited sources.

It supports:
- Multiple embedding providers (Ollama, OpenAI)
- Primary/backup answer providers with automatic fallback
- An MCP server surface for AI assistants`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		setupLogging()
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("docuquery %s\n", version)
		fmt.Printf("Go version: %s\n", runtime.Version())
		fmt.Printf("OS/Arch: %s/%s\n", runtime.GOOS, runtime.GOARCH)
	},
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Create default configuration",
	Run: func(cmd *cobra.Command, args []string) {
		runInit()
	},
}

var ingestCmd = &cobra.Command{
	Use:   "ingest <file>...",
	Short: "Ingest documents",
	Long:  `Ingest one or more .txt or .md files so their lines become searchable.`,
	Args:  cobra.MinimumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		runIngest(args)
	},
}

var askCmd = &cobra.Command{
	Use:   "ask <question>",
	Short: "Ask a question over the ingested documents",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		showSources, _ := cmd.Flags().GetBool("sources")
		runAsk(args[0], showSources)
	},
}

var searchCmd = &cobra.Command{
	Use:   "search <query>",
	Short: "Search document lines without generating an answer",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		limit, _ := cmd.Flags().GetInt("limit")
		minSim, _ := cmd.Flags().GetFloat32("min-similarity")
		runSearch(args[0], limit, minSim)
	},
}

var watchCmd = &cobra.Command{
	Use:   "watch <dir>",
	Short: "Watch a directory and ingest dropped documents",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		debounce, _ := cmd.Flags().GetInt("debounce")
		runWatch(args[0], debounce)
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start MCP server",
	Run: func(cmd *cobra.Command, args []string) {
		runServe()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show store status",
	Run: func(cmd *cobra.Command, args []string) {
		verbose, _ := cmd.Flags().GetBool("verbose")
		runStatus(verbose)
	},
}

var clearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Remove all records from the store",
	Run: func(cmd *cobra.Command, args []string) {
		force, _ := cmd.Flags().GetBool("force")
		runClear(force)
	},
}

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate configuration",
	Run: func(cmd *cobra.Command, args []string) {
		runValidate()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "text", "log format (text, json)")

	askCmd.Flags().BoolP("sources", "s", false, "show cited sources")

	searchCmd.Flags().IntP("limit", "l", 0, "maximum results (default from config)")
	searchCmd.Flags().Float32("min-similarity", -1, "similarity floor in [0,1]; 0 disables it (default from config)")

	watchCmd.Flags().Int("debounce", 500, "debounce time in milliseconds")

	statusCmd.Flags().BoolP("verbose", "v", false, "show store metadata")

	clearCmd.Flags().BoolP("force", "f", false, "clear without confirmation")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(ingestCmd)
	rootCmd.AddCommand(askCmd)
	rootCmd.AddCommand(searchCmd)
	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(clearCmd)
	rootCmd.AddCommand(validateCmd)
}

func setupLogging() {
	var level slog.Level
	switch logLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: level}

	if logFormat == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}

	slog.SetDefault(slog.New(handler))
}

// app bundles the wired components behind the CLI commands.
type app struct {
	cfg      *config.Config
	store    provider.VectorStore
	embedder provider.EmbeddingProvider
	primary  provider.AnswerProvider
	backup   provider.AnswerProvider
	pipeline *ingest.Pipeline
	engine   *retrieval.Engine
}

func (a *app) close() {
	if a.store != nil {
		a.store.Close()
	}
	if a.embedder != nil {
		a.embedder.Close()
	}
	if a.primary != nil {
		a.primary.Close()
	}
	if a.backup != nil {
		a.backup.Close()
	}
}

func loadConfig() *config.Config {
	cwd, _ := os.Getwd()

	cfg, warnings, err := config.Load(cwd)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	for _, w := range warnings {
		slog.Warn(w)
	}

	if errs := config.Validate(cfg); len(errs) > 0 {
		for _, e := range errs {
			slog.Error("invalid config", "error", e)
		}
		os.Exit(1)
	}

	if cfg.Embedding.APIKey == "" {
		cfg.Embedding.APIKey = os.Getenv("OPENAI_API_KEY")
	}
	if cfg.Answer.Backup.APIKey == "" {
		cfg.Answer.Backup.APIKey = os.Getenv("OPENAI_API_KEY")
	}
	if cfg.Answer.Primary.APIKey == "" {
		cfg.Answer.Primary.APIKey = os.Getenv("OPENAI_API_KEY")
	}

	return cfg
}

// newApp builds all providers from config and opens the store.
// withAnswer controls whether the answer providers are constructed;
// ingest-only commands skip them.
func newApp(cfg *config.Config, withAnswer bool) *app {
	reg := provider.DefaultRegistry

	store, err := reg.CreateVectorStore(cfg.Store.Provider)
	if err != nil {
		slog.Error("failed to create vector store", "error", err)
		os.Exit(1)
	}

	embedder, err := reg.CreateEmbedding(cfg.Embedding.Provider, provider.EmbeddingConfig{
		Provider:   cfg.Embedding.Provider,
		Model:      cfg.Embedding.Model,
		Endpoint:   cfg.Embedding.Endpoint,
		APIKey:     cfg.Embedding.APIKey,
		BatchSize:  cfg.Embedding.BatchSize,
		Dimensions: cfg.Embedding.Dimensions,
	})
	if err != nil {
		slog.Error("failed to create embedding provider", "error", err)
		os.Exit(1)
	}

	a := &app{cfg: cfg, store: store, embedder: embedder}

	if withAnswer {
		a.primary, err = reg.CreateAnswer(cfg.Answer.Primary.Provider, provider.AnswerConfig{
			Provider: cfg.Answer.Primary.Provider,
			Model:    cfg.Answer.Primary.Model,
			Endpoint: cfg.Answer.Primary.Endpoint,
			APIKey:   cfg.Answer.Primary.APIKey,
		})
		if err != nil {
			slog.Error("failed to create primary answer provider", "error", err)
			os.Exit(1)
		}

		a.backup, err = reg.CreateAnswer(cfg.Answer.Backup.Provider, provider.AnswerConfig{
			Provider: cfg.Answer.Backup.Provider,
			Model:    cfg.Answer.Backup.Model,
			Endpoint: cfg.Answer.Backup.Endpoint,
			APIKey:   cfg.Answer.Backup.APIKey,
		})
		if err != nil {
			slog.Error("failed to create backup answer provider", "error", err)
			os.Exit(1)
		}
	}

	if err := os.MkdirAll(filepath.Dir(cfg.Store.Path), 0755); err != nil {
		slog.Error("failed to create store directory", "error", err)
		os.Exit(1)
	}
	if err := store.Init(cfg.Store.Path); err != nil {
		slog.Error("failed to init store", "error", err)
		os.Exit(1)
	}
	if err := store.CreateStore(cfg.Store.Name, cfg.Embedding.Dimensions); err != nil {
		slog.Error("failed to create store", "error", err)
		os.Exit(1)
	}

	if meta, _ := store.GetMetadata(cfg.Store.Name); meta == nil {
		now := time.Now()
		if err := store.SetMetadata(cfg.Store.Name, &types.StoreMetadata{
			SchemaVersion:            1,
			CreatedAt:                now,
			LastUpdated:              now,
			ConfigHash:               cfg.Hash(),
			EmbeddingProvider:        cfg.Embedding.Provider,
			EmbeddingModel:           cfg.Embedding.Model,
			EmbeddingDimensions:      cfg.Embedding.Dimensions,
			IndexMaxDegree:           cfg.Index.MaxDegree,
			IndexConstructionBreadth: cfg.Index.ConstructionBreadth,
			IndexSearchBreadth:       cfg.Index.SearchBreadth,
		}); err != nil {
			slog.Warn("failed to record store metadata", "error", err)
		}
	}

	a.pipeline = ingest.New(store, embedder, ingest.Options{
		Store:        cfg.Store.Name,
		BatchSize:    cfg.Ingest.BatchSize,
		MaxRetries:   cfg.Ingest.MaxRetries,
		RetryBackoff: cfg.Ingest.RetryBackoff,
		EmbedTimeout: cfg.Embedding.Timeout,
	}, slog.Default())

	a.engine = retrieval.New(store, embedder, a.primary, a.backup, retrieval.Options{
		Store:             cfg.Store.Name,
		TopK:              cfg.Retrieval.TopK,
		MinSimilarity:     cfg.Retrieval.MinSimilarity,
		MaxContextChars:   cfg.Retrieval.MaxContextChars,
		MaxContextSources: cfg.Retrieval.MaxContextSources,
		PrimaryTimeout:    cfg.Answer.Primary.Timeout,
		BackupTimeout:     cfg.Answer.Backup.Timeout,
		EmbedTimeout:      cfg.Embedding.Timeout,
	}, slog.Default())

	return a
}

// signalContext returns a context cancelled on SIGINT/SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func runInit() {
	cwd, _ := os.Getwd()
	cfg := config.DefaultConfig()
	cfg.Store.Path = config.StoreDBPath(cwd)

	if _, err := os.Stat(config.ConfigPath(cwd)); err == nil {
		fmt.Printf("Config already exists at %s\n", config.ConfigPath(cwd))
		return
	}

	if err := config.Save(cwd, cfg); err != nil {
		slog.Error("failed to save config", "error", err)
		os.Exit(1)
	}

	fmt.Printf("Created config at %s\n", config.ConfigPath(cwd))
}

func runIngest(paths []string) {
	cfg := loadConfig()
	a := newApp(cfg, false)
	defer a.close()

	ctx, cancel := signalContext()
	defer cancel()

	if err := a.embedder.Warmup(ctx); err != nil {
		slog.Warn("embedding warmup failed", "error", err)
	}

	failed := 0
	for _, path := range paths {
		doc, err := extract.FromFile(path)
		if err != nil {
			slog.Error("failed to read document", "path", path, "error", err)
			failed++
			continue
		}

		result, err := a.pipeline.ProcessDocument(ctx, doc)
		if err != nil {
			if result != nil {
				fmt.Printf("%s: %s (%d/%d lines persisted)\n",
					result.Filename, result.Status, result.LinesPersisted, result.LinesTotal)
			}
			failed++
			if ctx.Err() != nil {
				break
			}
			continue
		}

		fmt.Printf("%s: %s (%d lines)\n", result.Filename, result.Status, result.LinesPersisted)
	}

	if failed > 0 {
		os.Exit(1)
	}
}

func runAsk(question string, showSources bool) {
	cfg := loadConfig()
	a := newApp(cfg, true)
	defer a.close()

	ctx, cancel := signalContext()
	defer cancel()

	result, err := a.engine.Answer(ctx, question)
	if err != nil {
		slog.Error("ask failed", "error", err)
		os.Exit(1)
	}

	fmt.Println(result.Answer)

	if result.Degraded {
		fmt.Println("\n(answer generation unavailable, showing retrieved sources)")
		showSources = true
	}

	if showSources && len(result.Sources) > 0 {
		fmt.Println("\nSources:")
		for i, src := range result.Sources {
			fmt.Printf("  %d. [%s:%d] (%.3f) %s\n",
				i+1, src.Filename, src.LineNumber, src.Similarity, src.Content)
		}
	}

	if result.Provider != "" {
		slog.Debug("answered", "provider", result.Provider, "elapsed", result.Elapsed)
	}
}

func runSearch(query string, limit int, minSim float32) {
	cfg := loadConfig()
	a := newApp(cfg, false)
	defer a.close()

	ctx, cancel := signalContext()
	defer cancel()

	engine := retrieval.New(a.store, a.embedder, nil, nil, retrieval.Options{
		Store:         cfg.Store.Name,
		TopK:          cfg.Retrieval.TopK,
		MinSimilarity: cfg.Retrieval.MinSimilarity,
		EmbedTimeout:  cfg.Embedding.Timeout,
	}, slog.Default())

	sources, err := engine.Retrieve(ctx, query, limit, minSim)
	if err != nil {
		slog.Error("search failed", "error", err)
		os.Exit(1)
	}

	if len(sources) == 0 {
		fmt.Println("No results found")
		return
	}

	for i, src := range sources {
		fmt.Printf("\n=== Result %d (similarity: %.3f) ===\n", i+1, src.Similarity)
		fmt.Printf("%s:%d\n", src.Filename, src.LineNumber)
		fmt.Printf("%s\n", src.Content)
	}
}

func runWatch(dir string, debounceMs int) {
	cfg := loadConfig()
	a := newApp(cfg, false)
	defer a.close()

	ctx, cancel := signalContext()
	defer cancel()

	absDir, err := filepath.Abs(dir)
	if err != nil {
		slog.Error("invalid directory", "error", err)
		os.Exit(1)
	}

	watcher, err := ingest.NewWatcher(ingest.WatcherConfig{
		Dir:          absDir,
		Pipeline:     a.pipeline,
		Logger:       slog.Default(),
		DebounceTime: time.Duration(debounceMs) * time.Millisecond,
	})
	if err != nil {
		slog.Error("failed to create watcher", "error", err)
		os.Exit(1)
	}

	if err := watcher.Watch(ctx); err != nil {
		slog.Error("watcher failed", "error", err)
		os.Exit(1)
	}
}

func runServe() {
	cfg := loadConfig()
	a := newApp(cfg, true)
	defer a.close()

	ctx, cancel := signalContext()
	defer cancel()

	if err := a.embedder.Warmup(ctx); err != nil {
		slog.Warn("embedding warmup failed", "error", err)
	}

	server, err := mcp.New(mcp.Config{
		Store:     a.store,
		StoreName: cfg.Store.Name,
		Pipeline:  a.pipeline,
		Engine:    a.engine,
	})
	if err != nil {
		slog.Error("failed to create server", "error", err)
		os.Exit(1)
	}

	slog.Info("MCP server running (press Ctrl+C to stop)")
	if err := server.ServeStdio(); err != nil {
		if ctx.Err() != nil {
			slog.Info("server stopped")
		} else {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}
}

func runStatus(verbose bool) {
	cfg := loadConfig()
	a := newApp(cfg, false)
	defer a.close()

	ctx, cancel := signalContext()
	defer cancel()

	stats, err := a.store.Stats(ctx, cfg.Store.Name)
	if err != nil {
		slog.Error("failed to get stats", "error", err)
		os.Exit(1)
	}

	fmt.Println("=== Store Status ===")
	fmt.Printf("Store:         %s\n", stats.Store)
	fmt.Printf("Total records: %d\n", stats.TotalRecords)
	fmt.Printf("Database size: %d bytes\n", stats.DBSizeBytes)
	if !stats.LastUpdated.IsZero() {
		fmt.Printf("Last updated:  %s\n", stats.LastUpdated.Format("2006-01-02 15:04:05"))
	}

	if verbose {
		if meta, _ := a.store.GetMetadata(cfg.Store.Name); meta != nil {
			fmt.Println("\n=== Configuration ===")
			fmt.Printf("Embedding:  %s/%s\n", meta.EmbeddingProvider, meta.EmbeddingModel)
			fmt.Printf("Dimensions: %d\n", meta.EmbeddingDimensions)
			fmt.Printf("Index:      degree=%d construction=%d search=%d\n",
				meta.IndexMaxDegree, meta.IndexConstructionBreadth, meta.IndexSearchBreadth)
		}
	}
}

func runClear(force bool) {
	cfg := loadConfig()

	if !force {
		fmt.Print("Remove all records? (y/N): ")
		var response string
		_, _ = fmt.Scanln(&response)
		if response != "y" && response != "Y" {
			fmt.Println("Aborted.")
			return
		}
	}

	a := newApp(cfg, false)
	defer a.close()

	ctx, cancel := signalContext()
	defer cancel()

	if err := a.store.Clear(ctx, cfg.Store.Name); err != nil {
		slog.Error("failed to clear store", "error", err)
		os.Exit(1)
	}

	fmt.Println("Store cleared")
}

func runValidate() {
	cwd, _ := os.Getwd()

	cfg, warnings, err := config.Load(cwd)
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		os.Exit(1)
	}

	for _, w := range warnings {
		fmt.Printf("Warning: %s\n", w)
	}

	errs := config.Validate(cfg)
	if len(errs) > 0 {
		for _, e := range errs {
			fmt.Printf("Error: %v\n", e)
		}
		os.Exit(1)
	}

	fmt.Println("Configuration is valid")
}
