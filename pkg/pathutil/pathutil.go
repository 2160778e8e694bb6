// Package pathutil provides path normalization and identity helpers.
//
// Architecture Pattern:
// semfold uses absolute, canonical paths internally for consistency and to
// avoid ambiguity; user-facing output uses relative paths for readability.
// This package is the conversion layer between the two representations, and
// is the single place where folder identity (canonical path) and document
// identity (URL-safe id) are defined.
package pathutil

import (
	"errors"
	"net/url"
	"path/filepath"
	"runtime"
	"strings"
	"unicode"
)

// ErrEmptyDocumentID is returned when a relative path reduces to nothing
// after URL-safe collapsing.
var ErrEmptyDocumentID = errors.New("document id is empty after normalization")

// caseInsensitiveFS reports whether the host filesystem folds case.
// Darwin (APFS/HFS+ default) and Windows (NTFS) are case-insensitive;
// everything else is treated as case-sensitive.
func caseInsensitiveFS() bool {
	return runtime.GOOS == "darwin" || runtime.GOOS == "windows"
}

// Normalize converts a path to its canonical form used for folder identity:
// URL-decoded when decodable, absolute, case-folded on case-insensitive
// filesystems, with any trailing separator stripped (except at the root).
func Normalize(path string) (string, error) {
	if path == "" {
		return "", errors.New("path cannot be empty")
	}

	// Editors and transports occasionally hand us percent-encoded paths.
	if decoded, err := url.PathUnescape(path); err == nil {
		path = decoded
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	abs = filepath.Clean(abs)

	if caseInsensitiveFS() {
		abs = strings.ToLower(abs)
	}

	// Clean already strips trailing separators except for the root itself.
	return abs, nil
}

// IsSubPath reports whether child is a strict descendant of parent. Both
// paths are expected to be normalized. The root of a folder is not its own
// descendant.
func IsSubPath(child, parent string) bool {
	rel, err := filepath.Rel(parent, child)
	if err != nil {
		return false
	}
	if rel == "" || rel == "." {
		return false
	}
	if filepath.IsAbs(rel) {
		return false
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return false
	}
	return true
}

// GenerateDocumentID derives a stable URL-safe id from a folder-relative
// path. Separators and other non-alphanumeric runs collapse to a single '-';
// leading and trailing dashes are trimmed.
//
// Examples:
//   - GenerateDocumentID("docs/API Guide.md") → "docs-api-guide-md"
//   - GenerateDocumentID("a//b.txt") → "a-b-txt"
func GenerateDocumentID(relativePath string) (string, error) {
	var b strings.Builder
	lastDash := true // trims leading dashes
	for _, r := range strings.ToLower(relativePath) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
			lastDash = false
		} else if !lastDash {
			b.WriteByte('-')
			lastDash = true
		}
	}
	id := strings.TrimRight(b.String(), "-")
	if id == "" {
		return "", ErrEmptyDocumentID
	}
	return id, nil
}

// ToRelative converts an absolute path to relative based on a root directory.
// Falls back to the original path if conversion fails or the path is outside
// the root.
func ToRelative(absPath, rootDir string) string {
	if absPath == "" || rootDir == "" {
		return absPath
	}
	if !filepath.IsAbs(absPath) {
		return absPath
	}

	absPath = filepath.Clean(absPath)
	rootDir = filepath.Clean(rootDir)

	relPath, err := filepath.Rel(rootDir, absPath)
	if err != nil {
		// Conversion failed (e.g., different drives on Windows).
		return absPath
	}
	if strings.HasPrefix(relPath, "..") {
		return absPath
	}
	return relPath
}
