package pipeline

import (
	"strings"
)

// chars per estimated token, the usual BPE rule of thumb for English prose.
const charsPerToken = 4

// TextChunk is one contiguous span of a parsed document. Offsets are byte
// positions into the parsed text; ordinals are dense from zero and chunks
// in ordinal order cover the whole text.
type TextChunk struct {
	Ordinal       int
	StartOffset   int
	EndOffset     int
	Text          string
	TokenEstimate int
}

// Chunker splits parsed text into overlapping spans sized in estimated
// tokens. Markdown input is split preferentially at heading and paragraph
// boundaries so chunks track document structure.
type Chunker struct {
	chunkSize int // target size in estimated tokens
	overlap   int // backward overlap in estimated tokens
}

func NewChunker(chunkSize, overlap int) *Chunker {
	if overlap >= chunkSize {
		overlap = chunkSize / 4
	}
	return &Chunker{chunkSize: chunkSize, overlap: overlap}
}

// Chunk splits text into spans of at most chunkSize estimated tokens.
// Empty or whitespace-only text yields a single empty chunk so the file
// still gets a document row and a zero-vector embedding.
func (c *Chunker) Chunk(content ParsedContent) []TextChunk {
	text := content.Text
	if strings.TrimSpace(text) == "" {
		return []TextChunk{{Ordinal: 0, StartOffset: 0, EndOffset: 0, Text: "", TokenEstimate: 0}}
	}

	budget := c.chunkSize * charsPerToken
	overlapBytes := c.overlap * charsPerToken

	var chunks []TextChunk
	start := 0
	for start < len(text) {
		end := start + budget
		if end >= len(text) {
			end = len(text)
		} else {
			end = c.splitPoint(text, start, end, content.Format)
		}

		chunkText := text[start:end]
		chunks = append(chunks, TextChunk{
			Ordinal:       len(chunks),
			StartOffset:   start,
			EndOffset:     end,
			Text:          chunkText,
			TokenEstimate: estimateTokens(chunkText),
		})

		if end == len(text) {
			break
		}
		next := end - overlapBytes
		if next <= start {
			next = end
		}
		start = next
	}
	return chunks
}

// splitPoint picks a boundary at or before limit. Preference order:
// markdown heading, blank line, line break, word break, hard cut. The
// returned offset is always past start so progress is guaranteed.
func (c *Chunker) splitPoint(text string, start, limit int, format Format) int {
	window := text[start:limit]

	if format == FormatMarkdown {
		if idx := lastHeading(window); idx > 0 {
			return start + idx
		}
	}
	if idx := strings.LastIndex(window, "\n\n"); idx > 0 {
		return start + idx + 2
	}
	if idx := strings.LastIndexByte(window, '\n'); idx > 0 {
		return start + idx + 1
	}
	if idx := strings.LastIndexByte(window, ' '); idx > 0 {
		return start + idx + 1
	}
	return limit
}

// lastHeading returns the offset of the last markdown ATX heading line in
// window, or -1. Headings start a new chunk rather than end one, so the
// split lands just before the '#'.
func lastHeading(window string) int {
	idx := len(window)
	for {
		nl := strings.LastIndexByte(window[:idx], '\n')
		if nl < 0 {
			return -1
		}
		lineStart := nl + 1
		if strings.HasPrefix(window[lineStart:], "#") {
			return lineStart
		}
		idx = nl
	}
}

func estimateTokens(text string) int {
	if text == "" {
		return 0
	}
	n := len(text) / charsPerToken
	if n == 0 {
		n = 1
	}
	return n
}
