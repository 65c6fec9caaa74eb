// Package mcp exposes document ingestion and question answering as MCP
// tools over stdio.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/docuquery/docuquery/internal/extract"
	"github.com/docuquery/docuquery/internal/ingest"
	"github.com/docuquery/docuquery/internal/retrieval"
	"github.com/docuquery/docuquery/pkg/provider"
)

// Server implements the MCP server.
type Server struct {
	mcpServer *server.MCPServer
	store     provider.VectorStore
	storeName string
	pipeline  *ingest.Pipeline
	engine    *retrieval.Engine
}

// Config contains server configuration.
type Config struct {
	Store     provider.VectorStore
	StoreName string
	Pipeline  *ingest.Pipeline
	Engine    *retrieval.Engine
}

// New creates a new MCP server.
func New(cfg Config) (*Server, error) {
	s := &Server{
		store:     cfg.Store,
		storeName: cfg.StoreName,
		pipeline:  cfg.Pipeline,
		engine:    cfg.Engine,
	}

	mcpServer := server.NewMCPServer(
		"docuquery",
		"0.1.0",
		server.WithLogging(),
	)

	s.registerTools(mcpServer)

	s.mcpServer = mcpServer
	return s, nil
}

// registerTools registers all MCP tools.
func (s *Server) registerTools(mcpServer *server.MCPServer) {
	// ingest_document - Ingest a document into the store
	mcpServer.AddTool(mcp.NewTool("ingest_document",
		mcp.WithDescription("Ingest a document so its lines become searchable"),
		mcp.WithString("path", mcp.Description("Path to a .txt or .md file")),
		mcp.WithString("filename", mcp.Description("Document name (when passing text inline)")),
		mcp.WithString("text", mcp.Description("Extracted document text (alternative to path)")),
		mcp.WithString("document_type", mcp.Description("Document type for inline text (default: text)")),
	), s.handleIngestDocument)

	// ask - Answer a question over the ingested documents
	mcpServer.AddTool(mcp.NewTool("ask",
		mcp.WithDescription("Answer a question using the ingested documents, with cited sources"),
		mcp.WithString("query", mcp.Required(), mcp.Description("The question to answer")),
	), s.handleAsk)

	// retrieve - Raw similarity search without answer synthesis
	mcpServer.AddTool(mcp.NewTool("retrieve",
		mcp.WithDescription("Retrieve document lines relevant to a query, without generating an answer"),
		mcp.WithString("query", mcp.Required(), mcp.Description("Search query")),
		mcp.WithNumber("limit", mcp.Description("Maximum results (default 50)")),
		mcp.WithNumber("min_similarity", mcp.Description("Similarity floor in [0,1]; 0 disables it (default from config)")),
	), s.handleRetrieve)

	// store_status - Store statistics
	mcpServer.AddTool(mcp.NewTool("store_status",
		mcp.WithDescription("Get store statistics and configuration metadata"),
	), s.handleStoreStatus)

	// clear_store - Remove all records
	mcpServer.AddTool(mcp.NewTool("clear_store",
		mcp.WithDescription("Remove all records from the store"),
	), s.handleClearStore)
}

// Tool handlers

func (s *Server) handleIngestDocument(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	path := req.GetString("path", "")
	text := req.GetString("text", "")

	var doc extract.Document
	var err error

	switch {
	case path != "":
		doc, err = extract.FromFile(path)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("failed to read document: %v", err)), nil
		}
	case text != "":
		filename := req.GetString("filename", "")
		if filename == "" {
			return mcp.NewToolResultError("filename is required when passing text"), nil
		}
		docType := req.GetString("document_type", "text")
		doc = extract.FromText(filename, docType, text)
	default:
		return mcp.NewToolResultError("either path or text is required"), nil
	}

	slog.Info("ingesting via mcp", "filename", doc.Filename)

	result, err := s.pipeline.ProcessDocument(ctx, doc)
	if err != nil && result == nil {
		return mcp.NewToolResultError(fmt.Sprintf("ingestion failed: %v", err)), nil
	}

	response := map[string]any{
		"filename":        result.Filename,
		"document_type":   result.DocumentType,
		"status":          result.Status,
		"lines_total":     result.LinesTotal,
		"lines_persisted": result.LinesPersisted,
	}
	if result.Message != "" {
		response["message"] = result.Message
	}

	jsonResult, _ := json.MarshalIndent(response, "", "  ")
	return mcp.NewToolResultText(string(jsonResult)), nil
}

func (s *Server) handleAsk(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	query := req.GetString("query", "")
	if query == "" {
		return mcp.NewToolResultError("query is required"), nil
	}

	result, err := s.engine.Answer(ctx, query)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("ask failed: %v", err)), nil
	}

	response := map[string]any{
		"query":       result.Query,
		"answer":      result.Answer,
		"sources":     result.Sources,
		"degraded":    result.Degraded,
		"elapsed_ms":  result.Elapsed.Milliseconds(),
		"query_count": result.QueryCount,
	}
	if result.Provider != "" {
		response["provider"] = result.Provider
	}

	jsonResult, _ := json.MarshalIndent(response, "", "  ")
	return mcp.NewToolResultText(string(jsonResult)), nil
}

func (s *Server) handleRetrieve(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	query := req.GetString("query", "")
	if query == "" {
		return mcp.NewToolResultError("query is required"), nil
	}

	limit := req.GetInt("limit", 0)
	minSimilarity := req.GetFloat("min_similarity", -1)

	sources, err := s.engine.Retrieve(ctx, query, limit, float32(minSimilarity))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("retrieve failed: %v", err)), nil
	}

	response := map[string]any{
		"query":   query,
		"count":   len(sources),
		"results": sources,
	}

	jsonResult, _ := json.MarshalIndent(response, "", "  ")
	return mcp.NewToolResultText(string(jsonResult)), nil
}

func (s *Server) handleStoreStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	stats, err := s.store.Stats(ctx, s.storeName)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to get stats: %v", err)), nil
	}

	result := map[string]any{
		"store":         stats.Store,
		"total_records": stats.TotalRecords,
		"db_size":       formatBytes(stats.DBSizeBytes),
		"queries":       s.engine.QueryCount(),
	}
	if !stats.LastUpdated.IsZero() {
		result["last_updated"] = stats.LastUpdated.Format("2006-01-02 15:04:05")
	}

	meta, _ := s.store.GetMetadata(s.storeName)
	if meta != nil {
		result["embedding_provider"] = meta.EmbeddingProvider
		result["embedding_model"] = meta.EmbeddingModel
		result["embedding_dimensions"] = meta.EmbeddingDimensions
	}

	jsonResult, _ := json.MarshalIndent(result, "", "  ")
	return mcp.NewToolResultText(string(jsonResult)), nil
}

func (s *Server) handleClearStore(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if err := s.store.Clear(ctx, s.storeName); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to clear store: %v", err)), nil
	}

	return mcp.NewToolResultText(`{"success": true, "message": "Store cleared"}`), nil
}

// ServeStdio starts the MCP server using stdio transport.
func (s *Server) ServeStdio() error {
	return server.ServeStdio(s.mcpServer)
}

// formatBytes formats bytes to human readable string.
func formatBytes(bytes int64) string {
	const (
		KB = 1024
		MB = KB * 1024
		GB = MB * 1024
	)

	switch {
	case bytes >= GB:
		return fmt.Sprintf("%.2f GB", float64(bytes)/GB)
	case bytes >= MB:
		return fmt.Sprintf("%.2f MB", float64(bytes)/MB)
	case bytes >= KB:
		return fmt.Sprintf("%.2f KB", float64(bytes)/KB)
	default:
		return fmt.Sprintf("%d B", bytes)
	}
}
