package store

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/standardbeagle/semfold/pkg/pathutil"

	semerrors "github.com/standardbeagle/semfold/internal/errors"
	"github.com/standardbeagle/semfold/internal/fingerprint"
)

// Document is one indexed file's row.
type Document struct {
	ID              string
	Path            string // absolute path
	Hash            string
	Size            int64
	ModTime         time.Time
	LastIndexed     time.Time // zero when never indexed
	NeedsReindex    bool
	SemanticSummary string
}

// Chunk is a contiguous sub-range of a document's text. Ordinals are 0-based
// and dense; chunks of a file form a contiguous cover of its text.
type Chunk struct {
	ID            string
	DocumentID    string
	Ordinal       int
	StartOffset   int
	EndOffset     int
	TokenEstimate int
	Text          string
}

// UpsertDocument records a file's fingerprint, keyed by path. Idempotent:
// re-upserting an identical fingerprint changes nothing. When the
// fingerprint differs from the stored one, the prior document's chunks and
// embeddings are removed in the same transaction.
func (s *Store) UpsertDocument(ctx context.Context, fp fingerprint.Fingerprint) error {
	docID, err := documentID(s.folder, fp.Path)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return semerrors.Transient("store.upsert", err).WithPath(fp.Path)
	}
	defer tx.Rollback()

	var prevHash string
	err = tx.QueryRowContext(ctx, "SELECT hash FROM documents WHERE path = ?", fp.Path).Scan(&prevHash)
	switch {
	case err == sql.ErrNoRows:
		// New document.
	case err != nil:
		return semerrors.Transient("store.upsert", err).WithPath(fp.Path)
	case prevHash == fp.Hash:
		return tx.Commit() // identical fingerprint, nothing to do
	default:
		if err := deleteDocumentArtifacts(ctx, tx, docID); err != nil {
			return semerrors.Transient("store.upsert", err).WithPath(fp.Path)
		}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO documents (id, path, hash, size, mtime, needs_reindex)
		VALUES (?, ?, ?, ?, ?, 0)
		ON CONFLICT(path) DO UPDATE SET
			hash = excluded.hash, size = excluded.size, mtime = excluded.mtime,
			last_indexed = NULL`,
		docID, fp.Path, fp.Hash, fp.Size, fp.ModTime.UnixNano()); err != nil {
		return semerrors.Transient("store.upsert", err).WithPath(fp.Path)
	}
	return tx.Commit()
}

// PersistFile atomically replaces a document's chunks and embeddings and
// marks it indexed with the given fingerprint. This is the pipeline's
// persist stage: either everything for the file lands, or nothing does.
func (s *Store) PersistFile(ctx context.Context, fp fingerprint.Fingerprint, chunks []Chunk, vectors [][]float32, modelID string, dim int) error {
	if len(chunks) != len(vectors) {
		return semerrors.Internal("store.persist", "chunk/vector count mismatch: %d vs %d", len(chunks), len(vectors))
	}
	docID, err := documentID(s.folder, fp.Path)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return semerrors.Transient("store.persist", err).WithPath(fp.Path)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO documents (id, path, hash, size, mtime, last_indexed, needs_reindex, semantic_summary)
		VALUES (?, ?, ?, ?, ?, ?, 0, ?)
		ON CONFLICT(path) DO UPDATE SET
			hash = excluded.hash, size = excluded.size, mtime = excluded.mtime,
			last_indexed = excluded.last_indexed, needs_reindex = 0,
			semantic_summary = excluded.semantic_summary`,
		docID, fp.Path, fp.Hash, fp.Size, fp.ModTime.UnixNano(), time.Now().UnixNano(),
		summarize(chunks)); err != nil {
		return semerrors.Transient("store.persist", err).WithPath(fp.Path)
	}

	if err := deleteDocumentArtifacts(ctx, tx, docID); err != nil {
		return semerrors.Transient("store.persist", err).WithPath(fp.Path)
	}

	insertChunk, err := tx.PrepareContext(ctx, `
		INSERT INTO chunks (id, document_id, ordinal, start_offset, end_offset, token_estimate, text)
		VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return semerrors.Transient("store.persist", err).WithPath(fp.Path)
	}
	defer insertChunk.Close()

	insertEmbedding, err := tx.PrepareContext(ctx, `
		INSERT INTO embeddings (chunk_id, vector, model_id, dim) VALUES (?, ?, ?, ?)`)
	if err != nil {
		return semerrors.Transient("store.persist", err).WithPath(fp.Path)
	}
	defer insertEmbedding.Close()

	for i, c := range chunks {
		chunkID := ChunkID(docID, fp.Hash, c.Ordinal)
		if _, err := insertChunk.ExecContext(ctx,
			chunkID, docID, c.Ordinal, c.StartOffset, c.EndOffset, c.TokenEstimate, c.Text); err != nil {
			return semerrors.Transient("store.persist", err).WithPath(fp.Path)
		}
		if _, err := insertEmbedding.ExecContext(ctx,
			chunkID, encodeVector(vectors[i]), modelID, dim); err != nil {
			return semerrors.Transient("store.persist", err).WithPath(fp.Path)
		}
	}

	if err := tx.Commit(); err != nil {
		return semerrors.Transient("store.persist", err).WithPath(fp.Path)
	}
	return nil
}

// summaryMaxLen bounds the stored per-document summary.
const summaryMaxLen = 240

// summarize derives a document's summary from its leading text: the first
// chunk, whitespace-collapsed and truncated. Empty for empty files.
func summarize(chunks []Chunk) string {
	if len(chunks) == 0 {
		return ""
	}
	lead := strings.Join(strings.Fields(chunks[0].Text), " ")
	runes := []rune(lead)
	if len(runes) > summaryMaxLen {
		return string(runes[:summaryMaxLen])
	}
	return lead
}

// GetDocument looks up a document by absolute path. Returns nil when the
// path is not indexed.
func (s *Store) GetDocument(ctx context.Context, path string) (*Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx, `
		SELECT id, path, hash, size, mtime, COALESCE(last_indexed, 0), needs_reindex, COALESCE(semantic_summary, '')
		FROM documents WHERE path = ?`, path)
	doc, err := scanDocument(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, semerrors.Transient("store.get", err).WithPath(path)
	}
	return doc, nil
}

// ListDocuments returns every indexed document, ordered by path.
func (s *Store) ListDocuments(ctx context.Context) ([]Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, path, hash, size, mtime, COALESCE(last_indexed, 0), needs_reindex, COALESCE(semantic_summary, '')
		FROM documents ORDER BY path`)
	if err != nil {
		return nil, semerrors.Transient("store.list", err)
	}
	defer rows.Close()

	var docs []Document
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, semerrors.Transient("store.list", err)
		}
		docs = append(docs, *doc)
	}
	return docs, rows.Err()
}

// DeleteDocument removes a document together with its chunks and embeddings.
// Deleting an unknown path is a no-op.
func (s *Store) DeleteDocument(ctx context.Context, path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return semerrors.Transient("store.delete", err).WithPath(path)
	}
	defer tx.Rollback()

	var docID string
	err = tx.QueryRowContext(ctx, "SELECT id FROM documents WHERE path = ?", path).Scan(&docID)
	if err == sql.ErrNoRows {
		return tx.Commit()
	}
	if err != nil {
		return semerrors.Transient("store.delete", err).WithPath(path)
	}
	if err := deleteDocumentArtifacts(ctx, tx, docID); err != nil {
		return semerrors.Transient("store.delete", err).WithPath(path)
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM documents WHERE id = ?", docID); err != nil {
		return semerrors.Transient("store.delete", err).WithPath(path)
	}
	return tx.Commit()
}

// deleteDocumentArtifacts removes a document's chunks and embeddings inside
// an open transaction.
func deleteDocumentArtifacts(ctx context.Context, tx *sql.Tx, docID string) error {
	if _, err := tx.ExecContext(ctx,
		"DELETE FROM embeddings WHERE chunk_id IN (SELECT id FROM chunks WHERE document_id = ?)", docID); err != nil {
		return err
	}
	_, err := tx.ExecContext(ctx, "DELETE FROM chunks WHERE document_id = ?", docID)
	return err
}

// SetNeedsReindex flags a document for reindexing regardless of fingerprint.
func (s *Store) SetNeedsReindex(ctx context.Context, path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.ExecContext(ctx,
		"UPDATE documents SET needs_reindex = 1 WHERE path = ?", path); err != nil {
		return semerrors.Transient("store.reindex", err).WithPath(path)
	}
	return nil
}

// ChunkText loads a chunk's text by id. Returns sql.ErrNoRows wrapped when
// the id is unknown.
func (s *Store) ChunkText(ctx context.Context, chunkID string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var text string
	if err := s.db.QueryRowContext(ctx, "SELECT text FROM chunks WHERE id = ?", chunkID).Scan(&text); err != nil {
		return "", semerrors.Transient("store.chunk", err)
	}
	return text, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDocument(row rowScanner) (*Document, error) {
	var doc Document
	var mtime, lastIndexed int64
	var needsReindex int
	if err := row.Scan(&doc.ID, &doc.Path, &doc.Hash, &doc.Size, &mtime, &lastIndexed, &needsReindex, &doc.SemanticSummary); err != nil {
		return nil, err
	}
	doc.ModTime = time.Unix(0, mtime)
	if lastIndexed != 0 {
		doc.LastIndexed = time.Unix(0, lastIndexed)
	}
	doc.NeedsReindex = needsReindex != 0
	return &doc, nil
}

// documentID derives the stable URL-safe id for a path relative to the
// store's folder root.
func documentID(folder, path string) (string, error) {
	id, err := pathutil.GenerateDocumentID(pathutil.ToRelative(path, folder))
	if err != nil {
		return "", semerrors.Internal("store.docid", "cannot derive document id for %s: %v", path, err)
	}
	return id, nil
}
