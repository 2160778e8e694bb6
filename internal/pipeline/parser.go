// Package pipeline implements per-file indexing: parse -> chunk -> embed ->
// persist, with per-stage retry policies and per-file atomicity.
package pipeline

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"unicode/utf8"

	semerrors "github.com/standardbeagle/semfold/internal/errors"
)

// Format tags extracted text with its source document family.
type Format string

const (
	FormatText         Format = "text"
	FormatMarkdown     Format = "markdown"
	FormatPDF          Format = "pdf"
	FormatWord         Format = "word"
	FormatSpreadsheet  Format = "spreadsheet"
	FormatPresentation Format = "presentation"
	FormatOther        Format = "other"
)

// ParsedContent is the parse stage's output: plain text plus its format tag.
// It lives only between parse and chunk.
type ParsedContent struct {
	Text   string
	Format Format
}

// Parser extracts plain text from one document family. Format-specific
// parsers (PDF, Office) are external collaborators registered at daemon
// wiring time; the built-in parser covers plain text and markdown.
type Parser interface {
	Parse(ctx context.Context, path string) (ParsedContent, error)
}

// DetectFormat maps a file extension to its document family.
func DetectFormat(path string) Format {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".md", ".markdown":
		return FormatMarkdown
	case ".txt", ".rst", ".text", ".log":
		return FormatText
	case ".pdf":
		return FormatPDF
	case ".doc", ".docx", ".rtf", ".odt":
		return FormatWord
	case ".xls", ".xlsx", ".csv", ".ods":
		return FormatSpreadsheet
	case ".ppt", ".pptx", ".odp":
		return FormatPresentation
	default:
		return FormatOther
	}
}

// TextParser reads UTF-8 text files directly. Invalid UTF-8 is rejected so
// binary files mislabelled as text fail the parse stage instead of
// producing garbage chunks.
type TextParser struct{}

func (TextParser) Parse(_ context.Context, path string) (ParsedContent, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return ParsedContent{}, err
	}
	if !utf8.Valid(data) {
		return ParsedContent{}, fmt.Errorf("%s is not valid UTF-8 text", path)
	}
	return ParsedContent{Text: string(data), Format: DetectFormat(path)}, nil
}

// ParserSet routes files to the parser registered for their format. Formats
// without a registered parser fail with a non-retriable error.
type ParserSet struct {
	parsers map[Format]Parser
}

// NewParserSet builds the default routing: text and markdown use the
// built-in TextParser; extra parsers extend or override it.
func NewParserSet(extra map[Format]Parser) *ParserSet {
	ps := &ParserSet{parsers: map[Format]Parser{
		FormatText:     TextParser{},
		FormatMarkdown: TextParser{},
	}}
	for format, p := range extra {
		ps.parsers[format] = p
	}
	return ps
}

// Parse extracts text from path using the parser for its detected format.
func (ps *ParserSet) Parse(ctx context.Context, path string) (ParsedContent, error) {
	format := DetectFormat(path)
	p, ok := ps.parsers[format]
	if !ok {
		return ParsedContent{}, semerrors.Internal("pipeline.parse",
			"no parser registered for %s files (%s)", format, path)
	}
	content, err := p.Parse(ctx, path)
	if err != nil {
		return ParsedContent{}, err
	}
	content.Format = format
	return content, nil
}
