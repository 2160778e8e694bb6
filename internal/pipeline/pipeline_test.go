package pipeline

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	semerrors "github.com/standardbeagle/semfold/internal/errors"
	"github.com/standardbeagle/semfold/internal/fingerprint"
	"github.com/standardbeagle/semfold/internal/models"
	"github.com/standardbeagle/semfold/internal/store"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// testEmbedder adapts the mock model to the pipeline's Embedder interface.
type testEmbedder struct {
	*models.MockEmbedder
	failures int // errors returned before succeeding
	calls    int
}

func (e *testEmbedder) ModelID() string { return "mock-small" }

func (e *testEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	e.calls++
	if e.failures > 0 {
		e.failures--
		return nil, semerrors.Model("pipeline.embed", e.ModelID(), context.DeadlineExceeded)
	}
	return e.MockEmbedder.EmbedBatch(ctx, texts)
}

func newTestPipeline(t *testing.T, opts Options) (*Pipeline, *store.Store, *testEmbedder, string) {
	t.Helper()
	folder := t.TempDir()
	st, err := store.Open(folder)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	embedder := &testEmbedder{MockEmbedder: models.NewMockEmbedder(8)}
	require.NoError(t, st.EnsureModel(context.Background(), embedder.ModelID(), 8))

	return New(st, embedder, opts), st, embedder, folder
}

func writeFile(t *testing.T, folder, name, content string) fingerprint.Fingerprint {
	t.Helper()
	path := filepath.Join(folder, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	fp, err := fingerprint.Compute(path)
	require.NoError(t, err)
	return fp
}

func TestProcessFilePersistsChunksAndEmbeddings(t *testing.T) {
	p, st, _, folder := newTestPipeline(t, Options{ChunkSize: 400, Overlap: 50})
	fp := writeFile(t, folder, "notes.md", "# Heading\n\nsome prose about gardens\n")

	res, err := p.ProcessFile(context.Background(), fp, false)
	require.NoError(t, err)
	assert.False(t, res.Skipped)
	assert.Equal(t, 1, res.Chunks)
	assert.Positive(t, res.TokensUsed)

	stats, err := st.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.DocumentCount)
	assert.Equal(t, 1, stats.ChunkCount)
	assert.Equal(t, 1, stats.EmbeddingCount)

	doc, err := st.GetDocument(context.Background(), fp.Path)
	require.NoError(t, err)
	require.NotNil(t, doc)
	assert.False(t, doc.LastIndexed.IsZero())
	assert.False(t, doc.NeedsReindex)
}

func TestProcessFileSkipsUnchangedFingerprint(t *testing.T) {
	p, _, embedder, folder := newTestPipeline(t, Options{})
	fp := writeFile(t, folder, "a.txt", "stable content")

	_, err := p.ProcessFile(context.Background(), fp, false)
	require.NoError(t, err)
	callsAfterFirst := embedder.calls

	res, err := p.ProcessFile(context.Background(), fp, false)
	require.NoError(t, err)
	assert.True(t, res.Skipped)
	assert.Equal(t, callsAfterFirst, embedder.calls, "skip must not touch the embedder")

	// force re-runs all stages even when nothing changed
	res, err = p.ProcessFile(context.Background(), fp, true)
	require.NoError(t, err)
	assert.False(t, res.Skipped)
	assert.Greater(t, embedder.calls, callsAfterFirst)
}

func TestProcessFileEmptyTextZeroVector(t *testing.T) {
	p, st, embedder, folder := newTestPipeline(t, Options{})
	fp := writeFile(t, folder, "empty.txt", "   \n\n  ")

	res, err := p.ProcessFile(context.Background(), fp, false)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Chunks)
	assert.Zero(t, res.TokensUsed)
	assert.Zero(t, embedder.calls, "empty chunks must not be sent to the model")

	stats, err := st.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.EmbeddingCount)
}

func TestEmbedFailureSurfacesStageForRedispatch(t *testing.T) {
	p, st, embedder, folder := newTestPipeline(t, Options{})
	embedder.failures = 1

	// An embed failure must come back after a single model call, tagged with
	// the failed stage; the task queue owns the redispatch schedule.
	fp := writeFile(t, folder, "flaky.txt", "eventually embedded")
	res, err := p.ProcessFile(context.Background(), fp, false)
	require.Error(t, err)
	assert.Equal(t, StageEmbed, res.Stage)
	assert.Equal(t, 1, embedder.calls)
	assert.True(t, semerrors.IsRetriable(err))

	// a failed file must leave no partial index state
	doc, derr := st.GetDocument(context.Background(), fp.Path)
	require.NoError(t, derr)
	if doc != nil {
		assert.True(t, doc.LastIndexed.IsZero())
	}

	// a later dispatch picks up where the schedule decides
	res, err = p.ProcessFile(context.Background(), fp, false)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Chunks)
	assert.Equal(t, 2, embedder.calls)
}

func TestParseFailureIsNotSilent(t *testing.T) {
	p, _, _, folder := newTestPipeline(t, Options{})
	fp := fingerprint.Fingerprint{Path: filepath.Join(folder, "missing.txt"), Hash: "deadbeef"}

	res, err := p.ProcessFile(context.Background(), fp, false)
	require.Error(t, err)
	assert.Equal(t, StageParse, res.Stage)
}

func TestUnparseableFormatFailsWithoutRetry(t *testing.T) {
	p, _, _, folder := newTestPipeline(t, Options{})
	fp := writeFile(t, folder, "report.pdf", "%PDF-1.4 binary goo")

	start := time.Now()
	res, err := p.ProcessFile(context.Background(), fp, false)
	require.Error(t, err)
	assert.Equal(t, StageParse, res.Stage)
	assert.Contains(t, err.Error(), "no parser registered")
	// transient wrapping would retry; a missing parser must fail fast
	assert.Less(t, time.Since(start), 500*time.Millisecond)
}

func TestRemoveFileDeletesIndexEntries(t *testing.T) {
	p, st, _, folder := newTestPipeline(t, Options{})
	fp := writeFile(t, folder, "gone.txt", "soon deleted")

	_, err := p.ProcessFile(context.Background(), fp, false)
	require.NoError(t, err)

	require.NoError(t, p.RemoveFile(context.Background(), fp.Path))
	stats, err := st.Stats(context.Background())
	require.NoError(t, err)
	assert.Zero(t, stats.DocumentCount)
	assert.Zero(t, stats.ChunkCount)
	assert.Zero(t, stats.EmbeddingCount)

	// deleting an unknown path is a no-op
	require.NoError(t, p.RemoveFile(context.Background(), fp.Path))
}

func TestChunkerSplitsLongMarkdownAtHeadings(t *testing.T) {
	var b strings.Builder
	for i := 0; i < 6; i++ {
		b.WriteString("# Section\n\n")
		b.WriteString(strings.Repeat("lorem ipsum dolor sit amet ", 40))
		b.WriteString("\n\n")
	}
	chunker := NewChunker(200, 20)
	chunks := chunker.Chunk(ParsedContent{Text: b.String(), Format: FormatMarkdown})

	require.Greater(t, len(chunks), 1)
	for i, c := range chunks {
		assert.Equal(t, i, c.Ordinal, "ordinals must be dense from zero")
		assert.Equal(t, c.Text, b.String()[c.StartOffset:c.EndOffset])
		assert.LessOrEqual(t, c.TokenEstimate, 200)
	}
	assert.Zero(t, chunks[0].StartOffset)
	assert.Equal(t, len(b.String()), chunks[len(chunks)-1].EndOffset)
	// chunks overlap or abut, never leave gaps
	for i := 1; i < len(chunks); i++ {
		assert.LessOrEqual(t, chunks[i].StartOffset, chunks[i-1].EndOffset)
	}
}

func TestChunkerSingleChunkForShortText(t *testing.T) {
	chunker := NewChunker(400, 50)
	chunks := chunker.Chunk(ParsedContent{Text: "a short note", Format: FormatText})
	require.Len(t, chunks, 1)
	assert.Equal(t, "a short note", chunks[0].Text)
	assert.Equal(t, 0, chunks[0].StartOffset)
	assert.Equal(t, len("a short note"), chunks[0].EndOffset)
}

func TestDetectFormat(t *testing.T) {
	assert.Equal(t, FormatMarkdown, DetectFormat("/x/README.md"))
	assert.Equal(t, FormatText, DetectFormat("/x/notes.TXT"))
	assert.Equal(t, FormatPDF, DetectFormat("/x/paper.pdf"))
	assert.Equal(t, FormatSpreadsheet, DetectFormat("/x/data.csv"))
	assert.Equal(t, FormatOther, DetectFormat("/x/archive.tar.gz"))
}
