// Package fingerprint computes content-derived file identities and
// enumerates folder contents with ignore-pattern support.
//
// A fingerprint is the triple (content hash, size, mtime); the hash alone
// identifies content, so two files with equal hashes may share embeddings.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"time"
)

// Fingerprint is the content-derived identity of one file.
type Fingerprint struct {
	Path    string    `json:"path"` // absolute path
	Hash    string    `json:"hash"` // hex SHA-256 of file bytes
	Size    int64     `json:"size"`
	ModTime time.Time `json:"mtime"`
}

// ShortHash returns a display-truncated prefix of the content hash.
func (f Fingerprint) ShortHash() string {
	if len(f.Hash) <= 12 {
		return f.Hash
	}
	return f.Hash[:12]
}

// Equal reports whether two fingerprints identify the same file state.
func (f Fingerprint) Equal(other Fingerprint) bool {
	return f.Hash == other.Hash && f.Size == other.Size && f.ModTime.Equal(other.ModTime)
}

// Compute fingerprints a single file, streaming its bytes through SHA-256
// rather than buffering the whole file.
func Compute(path string) (Fingerprint, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return Fingerprint{}, fmt.Errorf("stat %s: %w", path, err)
	}
	if fi.IsDir() {
		return Fingerprint{}, fmt.Errorf("cannot fingerprint directory %s", path)
	}

	f, err := os.Open(path)
	if err != nil {
		return Fingerprint{}, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return Fingerprint{}, fmt.Errorf("hash %s: %w", path, err)
	}

	return Fingerprint{
		Path:    path,
		Hash:    hex.EncodeToString(h.Sum(nil)),
		Size:    fi.Size(),
		ModTime: fi.ModTime(),
	}, nil
}
