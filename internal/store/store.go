// Package store implements the per-folder persistent index: documents,
// chunks, and embeddings in a SQLite database under the folder's metadata
// directory.
//
// All mutations are transactional per file; a partially embedded file leaves
// no stale chunks behind. Internally the store serializes writers and allows
// concurrent readers.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	_ "modernc.org/sqlite"

	"github.com/standardbeagle/semfold/internal/config"
	semerrors "github.com/standardbeagle/semfold/internal/errors"
)

// DatabaseName is the index database file inside the metadata directory.
const DatabaseName = "index.db"

// Store is one folder's index database.
type Store struct {
	db     *sql.DB
	mu     sync.RWMutex
	path   string // database file path
	folder string // folder root this store indexes
}

const schema = `
CREATE TABLE IF NOT EXISTS meta (
	key   TEXT PRIMARY KEY,
	value TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS documents (
	id               TEXT PRIMARY KEY,
	path             TEXT NOT NULL UNIQUE,
	hash             TEXT NOT NULL,
	size             INTEGER NOT NULL,
	mtime            INTEGER NOT NULL,
	last_indexed     INTEGER,
	needs_reindex    INTEGER NOT NULL DEFAULT 0,
	semantic_summary TEXT
);
CREATE INDEX IF NOT EXISTS idx_documents_hash ON documents(hash);

CREATE TABLE IF NOT EXISTS chunks (
	id             TEXT PRIMARY KEY,
	document_id    TEXT NOT NULL REFERENCES documents(id) ON DELETE CASCADE,
	ordinal        INTEGER NOT NULL,
	start_offset   INTEGER NOT NULL,
	end_offset     INTEGER NOT NULL,
	token_estimate INTEGER NOT NULL,
	text           TEXT NOT NULL,
	UNIQUE(document_id, ordinal)
);
CREATE INDEX IF NOT EXISTS idx_chunks_document ON chunks(document_id);

CREATE TABLE IF NOT EXISTS embeddings (
	chunk_id TEXT PRIMARY KEY REFERENCES chunks(id) ON DELETE CASCADE,
	vector   BLOB NOT NULL,
	model_id TEXT NOT NULL,
	dim      INTEGER NOT NULL
);
`

// Open opens (creating if necessary) the index database for folder. A
// database that fails the integrity check is reported as a corruption error
// so the caller can fail the folder into its error state instead of silently
// truncating.
func Open(folder string) (*Store, error) {
	metaDir := filepath.Join(folder, config.DaemonDirName)
	if err := os.MkdirAll(metaDir, 0o755); err != nil {
		return nil, semerrors.Transient("store.open", err).WithPath(folder)
	}
	dbPath := filepath.Join(metaDir, DatabaseName)

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, semerrors.Transient("store.open", err).WithPath(dbPath)
	}
	// modernc/sqlite serializes at the connection level; one writer
	// connection avoids SQLITE_BUSY churn.
	db.SetMaxOpenConns(1)

	s := &Store{db: db, path: dbPath, folder: folder}
	if err := s.checkIntegrity(); err != nil {
		db.Close()
		return nil, err
	}
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, semerrors.Transient("store.open", err).WithPath(dbPath)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, semerrors.Transient("store.init", err).WithPath(dbPath)
	}
	return s, nil
}

// checkIntegrity runs SQLite's own integrity check on an existing database.
func (s *Store) checkIntegrity() error {
	var result string
	err := s.db.QueryRow("PRAGMA integrity_check(1)").Scan(&result)
	if err != nil {
		return semerrors.Corruption(s.path, err)
	}
	if result != "ok" {
		return semerrors.Corruption(s.path, fmt.Errorf("integrity check: %s", result))
	}
	return nil
}

// Folder returns the folder root this store indexes.
func (s *Store) Folder() string {
	return s.folder
}

// Close releases the database handle.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Close()
}

// EnsureModel pins the store to a model id and dimension. If the store was
// previously populated with a different model, every embedding is invalidated
// folder-wide and all documents are flagged for reindex.
func (s *Store) EnsureModel(ctx context.Context, modelID string, dim int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var current string
	err := s.db.QueryRowContext(ctx, "SELECT value FROM meta WHERE key = 'model_id'").Scan(&current)
	switch {
	case err == sql.ErrNoRows:
		// First open: record the model.
	case err != nil:
		return semerrors.Transient("store.meta", err)
	case current == modelID:
		return nil
	default:
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return semerrors.Transient("store.invalidate", err)
		}
		defer tx.Rollback()
		for _, stmt := range []string{
			"DELETE FROM embeddings",
			"DELETE FROM chunks",
			"UPDATE documents SET needs_reindex = 1, last_indexed = NULL",
		} {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				return semerrors.Transient("store.invalidate", err)
			}
		}
		if _, err := tx.ExecContext(ctx,
			"UPDATE meta SET value = ? WHERE key = 'model_id'", modelID); err != nil {
			return semerrors.Transient("store.invalidate", err)
		}
		if _, err := tx.ExecContext(ctx,
			"INSERT OR REPLACE INTO meta (key, value) VALUES ('dim', ?)", fmt.Sprint(dim)); err != nil {
			return semerrors.Transient("store.invalidate", err)
		}
		return tx.Commit()
	}

	_, err = s.db.ExecContext(ctx,
		"INSERT OR REPLACE INTO meta (key, value) VALUES ('model_id', ?), ('dim', ?)",
		modelID, fmt.Sprint(dim))
	if err != nil {
		return semerrors.Transient("store.meta", err)
	}
	return nil
}

// Stats summarizes store contents.
type Stats struct {
	DocumentCount  int   `json:"documentCount"`
	ChunkCount     int   `json:"chunkCount"`
	EmbeddingCount int   `json:"embeddingCount"`
	ApproxSize     int64 `json:"approxSizeBytes"`
}

// Stats reports document/chunk/embedding counts and the on-disk size.
func (s *Store) Stats(ctx context.Context) (Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var st Stats
	row := s.db.QueryRowContext(ctx, `
		SELECT
			(SELECT COUNT(*) FROM documents),
			(SELECT COUNT(*) FROM chunks),
			(SELECT COUNT(*) FROM embeddings)`)
	if err := row.Scan(&st.DocumentCount, &st.ChunkCount, &st.EmbeddingCount); err != nil {
		return Stats{}, semerrors.Transient("store.stats", err)
	}
	if fi, err := os.Stat(s.path); err == nil {
		st.ApproxSize = fi.Size()
	}
	return st, nil
}
