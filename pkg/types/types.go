// Package types contains shared data types used across the docuquery project.
package types

import "time"

// Metadata keys that every record must carry. Additional keys are allowed
// and preserved; consumers must not assume the key set is exhaustive.
const (
	MetaFilename     = "filename"
	MetaLineNumber   = "line_number"
	MetaType         = "type"
	MetaDocumentType = "document_type"
)

// TypeDocumentLine is the record type discriminator for line-granular records.
const TypeDocumentLine = "document_line"

// Metadata is the open key/value mapping attached to each record.
// The required keys above are validated at the store boundary on insert.
type Metadata map[string]any

// Filename returns the source document name, or "" if absent.
func (m Metadata) Filename() string {
	s, _ := m[MetaFilename].(string)
	return s
}

// LineNumber returns the 1-based line number, or 0 if absent.
// JSON round-trips turn numbers into float64, so both forms are accepted.
func (m Metadata) LineNumber() int {
	switch v := m[MetaLineNumber].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return 0
}

// MissingKeys returns the required metadata keys not present in m.
func (m Metadata) MissingKeys() []string {
	var missing []string
	for _, key := range []string{MetaFilename, MetaLineNumber, MetaType, MetaDocumentType} {
		if _, ok := m[key]; !ok {
			missing = append(missing, key)
		}
	}
	return missing
}

// NewRecord is a record as submitted to the store, before an ID is assigned.
type NewRecord struct {
	Content   string
	Embedding []float32
	Metadata  Metadata
}

// Record is one persisted, indexed unit: the exact text of one source line
// with its embedding and metadata. Immutable once inserted.
type Record struct {
	ID        int64
	Content   string
	Embedding []float32
	Metadata  Metadata
}

// DocumentStatus is the processing state of an uploaded document.
type DocumentStatus string

const (
	DocumentPending    DocumentStatus = "pending"
	DocumentProcessing DocumentStatus = "processing"
	DocumentCompleted  DocumentStatus = "completed"
	DocumentFailed     DocumentStatus = "failed"
)

// Document is a logical upload unit. It is not persisted as a row of its
// own; it is reconstructable by filtering records on metadata filename.
type Document struct {
	ID           string
	Filename     string
	DocumentType string
	Status       DocumentStatus
	LinesTotal   int
	// LinesPersisted counts records durably committed. For a failed
	// document this is a gap-free prefix of the source lines.
	LinesPersisted int
	Message        string
}

// SearchRequest is a similarity search against one store.
type SearchRequest struct {
	QueryVec []float32
	K        int
	// MinSimilarity is the similarity floor in [0,1]. Results below it are
	// never returned; fewer than K results is not padded.
	MinSimilarity float32
	// Filename, if set, restricts results to records of one document.
	Filename string
}

// SearchResult is one record with its similarity score.
type SearchResult struct {
	Record     *Record
	Similarity float32
}

// Source is one cited retrieval unit in an answer.
type Source struct {
	Content    string  `json:"content"`
	Similarity float32 `json:"similarity"`
	Filename   string  `json:"filename"`
	LineNumber int     `json:"line_number"`
	Store      string  `json:"store"`
}

// AnswerResult is the full response of the answer synthesis protocol.
type AnswerResult struct {
	Query   string   `json:"query"`
	Answer  string   `json:"answer"`
	Sources []Source `json:"sources"`
	// Provider names the answer provider that produced the text, or "" when
	// no provider was invoked (empty retrieval or degraded response).
	Provider string `json:"provider,omitempty"`
	// Degraded is set when both answer providers failed; Sources are still
	// populated so retrieval value survives generation failure.
	Degraded   bool          `json:"degraded"`
	Elapsed    time.Duration `json:"elapsed"`
	QueryCount int64         `json:"query_count"`
}

// IngestPhase describes where the pipeline currently is for one document.
type IngestPhase string

const (
	PhaseSplitting IngestPhase = "splitting"
	PhaseEmbedding IngestPhase = "embedding"
	PhaseStoring   IngestPhase = "storing"
	PhaseDone      IngestPhase = "done"
)

// IngestProgress is a mid-run snapshot of one document's ingestion.
type IngestProgress struct {
	Filename       string
	Phase          IngestPhase
	LinesTotal     int
	LinesProcessed int
}

// StoreMetadata describes a store's configuration at creation time.
type StoreMetadata struct {
	SchemaVersion       int       `json:"schema_version"`
	CreatedAt           time.Time `json:"created_at"`
	LastUpdated         time.Time `json:"last_updated"`
	ConfigHash          string    `json:"config_hash"`
	EmbeddingProvider   string    `json:"embedding_provider"`
	EmbeddingModel      string    `json:"embedding_model"`
	EmbeddingDimensions int       `json:"embedding_dimensions"`

	// Approximate-index operating point. The sqlite-vec backend scans
	// exactly; these are recorded so a future ANN backend inherits the
	// documented recall/latency trade-off.
	IndexMaxDegree           int `json:"index_max_degree"`
	IndexConstructionBreadth int `json:"index_construction_breadth"`
	IndexSearchBreadth       int `json:"index_search_breadth"`
}

// StoreStats contains statistics about one store.
type StoreStats struct {
	Store        string
	TotalRecords int
	DBSizeBytes  int64
	LastUpdated  time.Time
}
