package store

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	semerrors "github.com/standardbeagle/semfold/internal/errors"
	"github.com/standardbeagle/semfold/internal/fingerprint"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	require.NoError(t, s.EnsureModel(context.Background(), "test-model", 3))
	return s
}

func fp(path, hash string) fingerprint.Fingerprint {
	return fingerprint.Fingerprint{Path: path, Hash: hash, Size: 42, ModTime: time.Now()}
}

func persistOne(t *testing.T, s *Store, path, hash string, texts []string, vectors [][]float32) {
	t.Helper()
	chunks := make([]Chunk, len(texts))
	offset := 0
	for i, text := range texts {
		chunks[i] = Chunk{
			Ordinal:       i,
			StartOffset:   offset,
			EndOffset:     offset + len(text),
			TokenEstimate: len(text) / 4,
			Text:          text,
		}
		offset += len(text)
	}
	require.NoError(t, s.PersistFile(context.Background(), fp(path, hash), chunks, vectors, "test-model", 3))
}

func TestOpenDetectsCorruption(t *testing.T) {
	folder := t.TempDir()
	metaDir := filepath.Join(folder, ".semfold")
	require.NoError(t, os.MkdirAll(metaDir, 0o755))
	// A database whose header is garbage fails the integrity probe.
	require.NoError(t, os.WriteFile(filepath.Join(metaDir, DatabaseName), []byte("not a database at all"), 0o644))

	_, err := Open(folder)
	require.Error(t, err)
	assert.Equal(t, semerrors.KindCorruption, semerrors.KindOf(err))
}

func TestUpsertDocumentIdempotent(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	path := filepath.Join(s.Folder(), "a.md")
	persistOne(t, s, path, "hash-1", []string{"hello world"}, [][]float32{{1, 0, 0}})

	before, err := s.Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, before.EmbeddingCount)

	// Same fingerprint twice: embeddings untouched.
	require.NoError(t, s.UpsertDocument(ctx, fp(path, "hash-1")))
	require.NoError(t, s.UpsertDocument(ctx, fp(path, "hash-1")))

	after, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestUpsertDocumentDropsStaleChunksOnChange(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	path := filepath.Join(s.Folder(), "a.md")
	persistOne(t, s, path, "hash-1", []string{"hello"}, [][]float32{{1, 0, 0}})

	require.NoError(t, s.UpsertDocument(ctx, fp(path, "hash-2")))

	st, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, st.DocumentCount)
	assert.Equal(t, 0, st.ChunkCount, "fingerprint change must remove stale chunks in the same transaction")
	assert.Equal(t, 0, st.EmbeddingCount)
}

func TestSearchRanksAndBreaksTies(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	pathA := filepath.Join(s.Folder(), "a.md")
	pathB := filepath.Join(s.Folder(), "b.md")
	persistOne(t, s, pathA, "hash-a", []string{"close match", "exact match"},
		[][]float32{{0.9, 0.1, 0}, {1, 0, 0}})
	// Same vector as a.md chunk 0: similarity ties, path breaks it.
	persistOne(t, s, pathB, "hash-b", []string{"tied"}, [][]float32{{0.9, 0.1, 0}})

	hits, err := s.Search(ctx, []float32{1, 0, 0}, 10, nil)
	require.NoError(t, err)
	require.Len(t, hits, 3)

	assert.Equal(t, pathA, hits[0].DocumentPath)
	assert.Equal(t, 1, hits[0].ChunkOrdinal)
	assert.InDelta(t, 1.0, hits[0].Similarity, 1e-9)

	// Tied pair ordered by (documentPath, chunkOrdinal) ascending.
	assert.Equal(t, pathA, hits[1].DocumentPath)
	assert.Equal(t, 0, hits[1].ChunkOrdinal)
	assert.Equal(t, pathB, hits[2].DocumentPath)
	assert.Equal(t, hits[1].Similarity, hits[2].Similarity)

	// k caps the result count.
	hits, err = s.Search(ctx, []float32{1, 0, 0}, 1, nil)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "exact match", hits[0].Preview)
}

func TestSearchFilterByPath(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	sub := filepath.Join(s.Folder(), "docs")
	persistOne(t, s, filepath.Join(sub, "in.md"), "hash-in", []string{"inside"}, [][]float32{{1, 0, 0}})
	persistOne(t, s, filepath.Join(s.Folder(), "out.md"), "hash-out", []string{"outside"}, [][]float32{{1, 0, 0}})

	hits, err := s.Search(ctx, []float32{1, 0, 0}, 10, &SearchFilter{PathPrefix: sub})
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, filepath.Join(sub, "in.md"), hits[0].DocumentPath)
}

func TestPersistWritesSummaryAndFilterUsesIt(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	pathA := filepath.Join(s.Folder(), "recipes.md")
	pathB := filepath.Join(s.Folder(), "notes.md")
	persistOne(t, s, pathA, "hash-a",
		[]string{"Sourdough   baking\nguide for beginners", "second chunk"},
		[][]float32{{1, 0, 0}, {0.5, 0.5, 0}})
	persistOne(t, s, pathB, "hash-b", []string{"meeting notes"}, [][]float32{{1, 0, 0}})

	// the summary is the document's leading text, whitespace-collapsed
	doc, err := s.GetDocument(ctx, pathA)
	require.NoError(t, err)
	require.NotNil(t, doc)
	assert.Equal(t, "Sourdough baking guide for beginners", doc.SemanticSummary)

	// filter match is case-insensitive and scoped to the document
	hits, err := s.Search(ctx, []float32{1, 0, 0}, 10, &SearchFilter{SummaryContains: "SOURDOUGH"})
	require.NoError(t, err)
	require.Len(t, hits, 2)
	for _, h := range hits {
		assert.Equal(t, pathA, h.DocumentPath)
	}

	hits, err = s.Search(ctx, []float32{1, 0, 0}, 10, &SearchFilter{SummaryContains: "no such text"})
	require.NoError(t, err)
	assert.Empty(t, hits)
}

func TestChunkTextRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	path := filepath.Join(s.Folder(), "a.md")
	persistOne(t, s, path, "hash-1", []string{"the exact chunk text"}, [][]float32{{0, 1, 0}})

	hits, err := s.Search(ctx, []float32{0, 1, 0}, 1, nil)
	require.NoError(t, err)
	require.Len(t, hits, 1)

	text, err := s.ChunkText(ctx, hits[0].ChunkID)
	require.NoError(t, err)
	assert.Equal(t, "the exact chunk text", text)
}

func TestDeleteDocumentRemovesArtifacts(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	path := filepath.Join(s.Folder(), "a.md")
	persistOne(t, s, path, "hash-1", []string{"hello"}, [][]float32{{1, 0, 0}})

	require.NoError(t, s.DeleteDocument(ctx, path))
	st, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, Stats{ApproxSize: st.ApproxSize}, st)

	// Unknown path is a no-op.
	require.NoError(t, s.DeleteDocument(ctx, filepath.Join(s.Folder(), "missing.md")))
}

func TestModelChangeInvalidatesFolderWide(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	path := filepath.Join(s.Folder(), "a.md")
	persistOne(t, s, path, "hash-1", []string{"hello"}, [][]float32{{1, 0, 0}})

	require.NoError(t, s.EnsureModel(ctx, "other-model", 4))

	st, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, st.DocumentCount)
	assert.Equal(t, 0, st.EmbeddingCount, "model change must invalidate embeddings folder-wide")

	docs, err := s.ListDocuments(ctx)
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.True(t, docs[0].NeedsReindex)
	assert.True(t, docs[0].LastIndexed.IsZero())
}

func TestNeedsReindexFlag(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	path := filepath.Join(s.Folder(), "a.md")
	persistOne(t, s, path, "hash-1", []string{"hello"}, [][]float32{{1, 0, 0}})

	require.NoError(t, s.SetNeedsReindex(ctx, path))
	doc, err := s.GetDocument(ctx, path)
	require.NoError(t, err)
	require.NotNil(t, doc)
	assert.True(t, doc.NeedsReindex)

	// Persisting clears the flag.
	persistOne(t, s, path, "hash-2", []string{"hello again"}, [][]float32{{1, 0, 0}})
	doc, err = s.GetDocument(ctx, path)
	require.NoError(t, err)
	assert.False(t, doc.NeedsReindex)
}

func TestPersistIdenticalContentAtTwoPaths(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	// Two copies of the same document: equal hash, equal chunk text.
	pathA := filepath.Join(s.Folder(), "copy-a.md")
	pathB := filepath.Join(s.Folder(), "copy-b.md")
	persistOne(t, s, pathA, "hash-same", []string{"duplicated text"}, [][]float32{{1, 0, 0}})
	persistOne(t, s, pathB, "hash-same", []string{"duplicated text"}, [][]float32{{1, 0, 0}})

	docs, err := s.ListDocuments(ctx)
	require.NoError(t, err)
	require.Len(t, docs, 2)

	hits, err := s.Search(ctx, []float32{1, 0, 0}, 10, nil)
	require.NoError(t, err)
	require.Len(t, hits, 2)
	assert.NotEqual(t, hits[0].ChunkID, hits[1].ChunkID)

	// Removing one copy leaves the other's chunks intact.
	require.NoError(t, s.DeleteDocument(ctx, pathA))
	hits, err = s.Search(ctx, []float32{1, 0, 0}, 10, nil)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, pathB, hits[0].DocumentPath)
}

func TestVectorCodecRoundTrip(t *testing.T) {
	in := []float32{0.25, -1.5, 3.75, 0}
	out, err := decodeVector(encodeVector(in))
	require.NoError(t, err)
	assert.Equal(t, in, out)

	_, err = decodeVector([]byte{1, 2, 3})
	assert.Error(t, err)
}
