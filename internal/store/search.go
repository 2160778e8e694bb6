package store

import (
	"context"
	"fmt"
	"sort"
	"strings"

	semerrors "github.com/standardbeagle/semfold/internal/errors"
)

// SearchFilter optionally restricts search to a document subset.
type SearchFilter struct {
	// PathPrefix keeps only documents whose absolute path has this prefix.
	PathPrefix string

	// SummaryContains keeps only documents whose semantic summary contains
	// this substring (case-insensitive).
	SummaryContains string
}

// Hit is one search result.
type Hit struct {
	ChunkID      string  `json:"chunkId"`
	DocumentPath string  `json:"documentPath"`
	ChunkOrdinal int     `json:"chunkOrdinal"`
	Similarity   float64 `json:"similarity"`
	Preview      string  `json:"preview"`
	Location     string  `json:"location"`
}

const previewLength = 160

// Search returns the top-k chunks by cosine similarity to the query vector.
// Ties are broken by (documentPath, chunkOrdinal) ascending so results are
// deterministic. The scan is brute force over the folder's embeddings; a
// folder's index is small enough that this beats maintaining an ANN
// structure.
func (s *Store) Search(ctx context.Context, query []float32, k int, filter *SearchFilter) ([]Hit, error) {
	if k <= 0 {
		k = 10
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT e.chunk_id, e.vector, c.ordinal, c.start_offset, c.end_offset, c.text,
		       d.path, COALESCE(d.semantic_summary, '')
		FROM embeddings e
		JOIN chunks c ON c.id = e.chunk_id
		JOIN documents d ON d.id = c.document_id`)
	if err != nil {
		return nil, semerrors.Transient("store.search", err)
	}
	defer rows.Close()

	var hits []Hit
	for rows.Next() {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		var (
			chunkID, text, path, summary string
			blob                         []byte
			ordinal, start, end          int
		)
		if err := rows.Scan(&chunkID, &blob, &ordinal, &start, &end, &text, &path, &summary); err != nil {
			return nil, semerrors.Transient("store.search", err)
		}

		if filter != nil {
			if filter.PathPrefix != "" && !strings.HasPrefix(path, filter.PathPrefix) {
				continue
			}
			if filter.SummaryContains != "" &&
				!strings.Contains(strings.ToLower(summary), strings.ToLower(filter.SummaryContains)) {
				continue
			}
		}

		vec, err := decodeVector(blob)
		if err != nil {
			return nil, semerrors.Corruption(s.path, err)
		}

		hits = append(hits, Hit{
			ChunkID:      chunkID,
			DocumentPath: path,
			ChunkOrdinal: ordinal,
			Similarity:   cosineSimilarity(query, vec),
			Preview:      preview(text),
			Location:     fmt.Sprintf("%s:%d-%d", path, start, end),
		})
	}
	if err := rows.Err(); err != nil {
		return nil, semerrors.Transient("store.search", err)
	}

	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Similarity != hits[j].Similarity {
			return hits[i].Similarity > hits[j].Similarity
		}
		if hits[i].DocumentPath != hits[j].DocumentPath {
			return hits[i].DocumentPath < hits[j].DocumentPath
		}
		return hits[i].ChunkOrdinal < hits[j].ChunkOrdinal
	})

	if len(hits) > k {
		hits = hits[:k]
	}
	return hits, nil
}

// EmbeddingDim returns the dimension recorded for this store, or 0 when the
// store has never been pinned to a model.
func (s *Store) EmbeddingDim(ctx context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var dim int
	err := s.db.QueryRowContext(ctx, "SELECT value FROM meta WHERE key = 'dim'").Scan(&dim)
	if err != nil {
		return 0, nil
	}
	return dim, nil
}

func preview(text string) string {
	text = strings.Join(strings.Fields(text), " ")
	if len(text) <= previewLength {
		return text
	}
	cut := text[:previewLength]
	if idx := strings.LastIndexByte(cut, ' '); idx > previewLength/2 {
		cut = cut[:idx]
	}
	return cut + "…"
}
