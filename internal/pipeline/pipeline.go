package pipeline

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	semerrors "github.com/standardbeagle/semfold/internal/errors"
	"github.com/standardbeagle/semfold/internal/fingerprint"
	"github.com/standardbeagle/semfold/internal/logging"
	"github.com/standardbeagle/semfold/internal/models"
	"github.com/standardbeagle/semfold/internal/store"
)

// Stage names one step of per-file processing.
type Stage string

const (
	StageParse   Stage = "parse"
	StageChunk   Stage = "chunk"
	StageEmbed   Stage = "embed"
	StagePersist Stage = "persist"
)

// StagePolicy is one stage's retry budget. The pipeline runs every stage at
// most once per dispatch; the task queue consults the failed stage's policy
// to decide how many times the whole file is redispatched, so the task's
// retry counter and the queue's backoff schedule are the single source of
// truth. Retries apply only to transient and model errors; validation and
// corruption errors fail immediately.
type StagePolicy struct {
	CanRetry   bool
	MaxRetries int
}

// DefaultPolicies reflects each stage's failure profile: I/O and network
// stages retry, the pure-computation chunk stage gets one retry for the
// rare case its input file changed mid-read.
func DefaultPolicies() map[Stage]StagePolicy {
	return map[Stage]StagePolicy{
		StageParse:   {CanRetry: true, MaxRetries: 2},
		StageChunk:   {CanRetry: true, MaxRetries: 1},
		StageEmbed:   {CanRetry: true, MaxRetries: 3},
		StagePersist: {CanRetry: true, MaxRetries: 2},
	}
}

// Embedder is what the embed stage needs from a loaded model handle.
// *models.Handle satisfies it.
type Embedder interface {
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	Dimensions() int
	ModelID() string
}

// Options configures a Pipeline.
type Options struct {
	ChunkSize int
	Overlap   int
	BatchSize int
	Parsers   map[Format]Parser
}

// Result summarizes one processed file.
type Result struct {
	Chunks     int
	TokensUsed int
	Skipped    bool
	Stage      Stage // stage that failed, empty on success
}

// Pipeline turns one file into persisted chunks and embeddings. It is
// stateless across files; concurrency is bounded by the caller.
type Pipeline struct {
	store     *store.Store
	embedder  Embedder
	parsers   *ParserSet
	chunker   *Chunker
	batchSize int
	log       *zap.Logger
}

func New(st *store.Store, embedder Embedder, opts Options) *Pipeline {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 32
	}
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = 400
	}
	return &Pipeline{
		store:     st,
		embedder:  embedder,
		parsers:   NewParserSet(opts.Parsers),
		chunker:   NewChunker(opts.ChunkSize, opts.Overlap),
		batchSize: opts.BatchSize,
		log:       logging.Named("pipeline"),
	}
}

// ProcessFile runs all four stages for one file. When force is false and
// the stored fingerprint already matches with no reindex flag set, the file
// is skipped untouched. Persistence is atomic per file: a failure at any
// stage leaves the previous index state in place.
func (p *Pipeline) ProcessFile(ctx context.Context, fp fingerprint.Fingerprint, force bool) (Result, error) {
	if !force {
		doc, err := p.store.GetDocument(ctx, fp.Path)
		if err != nil {
			return Result{Stage: StagePersist}, err
		}
		if doc != nil && doc.Hash == fp.Hash && !doc.NeedsReindex && !doc.LastIndexed.IsZero() {
			return Result{Skipped: true}, nil
		}
	}

	var content ParsedContent
	err := p.runStage(ctx, StageParse, fp.Path, func() error {
		var perr error
		content, perr = p.parsers.Parse(ctx, fp.Path)
		if perr != nil {
			var se *semerrors.Error
			if errors.As(perr, &se) {
				return perr
			}
			return semerrors.Transient("pipeline.parse", perr).WithPath(fp.Path)
		}
		return nil
	})
	if err != nil {
		return Result{Stage: StageParse}, err
	}

	var chunks []TextChunk
	err = p.runStage(ctx, StageChunk, fp.Path, func() error {
		chunks = p.chunker.Chunk(content)
		return nil
	})
	if err != nil {
		return Result{Stage: StageChunk}, err
	}

	var vectors [][]float32
	var tokens int
	err = p.runStage(ctx, StageEmbed, fp.Path, func() error {
		var eerr error
		vectors, tokens, eerr = p.embedChunks(ctx, chunks)
		return eerr
	})
	if err != nil {
		return Result{Stage: StageEmbed}, err
	}

	storeChunks := make([]store.Chunk, len(chunks))
	for i, c := range chunks {
		storeChunks[i] = store.Chunk{
			Ordinal:       c.Ordinal,
			StartOffset:   c.StartOffset,
			EndOffset:     c.EndOffset,
			TokenEstimate: c.TokenEstimate,
			Text:          c.Text,
		}
	}
	err = p.runStage(ctx, StagePersist, fp.Path, func() error {
		return p.store.PersistFile(ctx, fp, storeChunks, vectors, p.embedder.ModelID(), p.embedder.Dimensions())
	})
	if err != nil {
		return Result{Stage: StagePersist}, err
	}

	p.log.Debug("indexed file",
		zap.String("path", fp.Path),
		zap.Int("chunks", len(chunks)),
		zap.Int("tokens", tokens))
	return Result{Chunks: len(chunks), TokensUsed: tokens}, nil
}

// RemoveFile deletes a vanished file's index entries. Unknown paths are a
// no-op so delete tasks are idempotent.
func (p *Pipeline) RemoveFile(ctx context.Context, path string) error {
	return p.runStage(ctx, StagePersist, path, func() error {
		return p.store.DeleteDocument(ctx, path)
	})
}

// embedChunks embeds chunk texts in batches. Empty chunks get a zero vector
// without calling the model, so empty files index successfully at zero
// token cost.
func (p *Pipeline) embedChunks(ctx context.Context, chunks []TextChunk) ([][]float32, int, error) {
	vectors := make([][]float32, len(chunks))
	tokens := 0

	var pendingTexts []string
	var pendingIdx []int
	flush := func() error {
		if len(pendingTexts) == 0 {
			return nil
		}
		batch, err := p.embedder.EmbedBatch(ctx, pendingTexts)
		if err != nil {
			return err
		}
		if len(batch) != len(pendingTexts) {
			return semerrors.Model("pipeline.embed", p.embedder.ModelID(),
				fmt.Errorf("embedder returned %d vectors for %d texts", len(batch), len(pendingTexts)))
		}
		for i, idx := range pendingIdx {
			vectors[idx] = batch[i]
		}
		pendingTexts = pendingTexts[:0]
		pendingIdx = pendingIdx[:0]
		return nil
	}

	for i, c := range chunks {
		if c.Text == "" {
			vectors[i] = models.ZeroVector(p.embedder.Dimensions())
			continue
		}
		tokens += c.TokenEstimate
		pendingTexts = append(pendingTexts, c.Text)
		pendingIdx = append(pendingIdx, i)
		if len(pendingTexts) >= p.batchSize {
			if err := flush(); err != nil {
				return nil, 0, err
			}
		}
	}
	if err := flush(); err != nil {
		return nil, 0, err
	}
	return vectors, tokens, nil
}

// runStage executes fn once, tagging failures with the stage name so the
// dispatcher can apply that stage's retry budget. The pipeline itself never
// sleeps: retry scheduling belongs to the task queue.
func (p *Pipeline) runStage(ctx context.Context, stage Stage, path string, fn func() error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := fn(); err != nil {
		p.log.Debug("stage failed",
			zap.String("stage", string(stage)),
			zap.String("path", path),
			zap.Error(err))
		return err
	}
	return nil
}
