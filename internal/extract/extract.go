// Package extract is the boundary to the text extraction collaborator.
// Binary formats (PDF) are extracted outside this process; what crosses the
// boundary is always a filename, a document type, and the full extracted
// text.
package extract

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Document is one extracted upload unit handed to the ingestion pipeline.
type Document struct {
	Filename     string
	DocumentType string // "pdf", "text", "markdown"
	Text         string
}

// FromText wraps already-extracted text, as delivered by an external
// extractor for binary formats.
func FromText(filename, documentType, text string) Document {
	return Document{
		Filename:     filename,
		DocumentType: documentType,
		Text:         text,
	}
}

// FromFile reads a plain-text document from disk. Only text formats are
// handled here; anything else must arrive through FromText.
func FromFile(path string) (Document, error) {
	docType, err := DetectType(path)
	if err != nil {
		return Document{}, err
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return Document{}, fmt.Errorf("failed to read %s: %w", filepath.Base(path), err)
	}

	return Document{
		Filename:     filepath.Base(path),
		DocumentType: docType,
		Text:         string(content),
	}, nil
}

// DetectType maps a file extension to a document type.
func DetectType(path string) (string, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".txt":
		return "text", nil
	case ".md", ".markdown":
		return "markdown", nil
	default:
		return "", fmt.Errorf("unsupported file type: %s", filepath.Base(path))
	}
}

// Supported reports whether FromFile can handle the path.
func Supported(path string) bool {
	_, err := DetectType(path)
	return err == nil
}
