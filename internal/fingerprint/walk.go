package fingerprint

import (
	"context"
	"io/fs"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"go.uber.org/zap"

	"github.com/standardbeagle/semfold/internal/logging"
)

// WalkOptions controls folder enumeration.
type WalkOptions struct {
	// Extensions restricts results to files with these extensions
	// (lower-case, dot-prefixed). Empty means all files.
	Extensions []string

	// IgnorePatterns are doublestar globs matched against the path relative
	// to the walk root.
	IgnorePatterns []string
}

// Matches reports whether a file under root passes the extension and ignore
// filters. Watcher events go through the same predicate as the walk so a
// filtered file can never enter the index through either door.
func (o WalkOptions) Matches(root, path string) bool {
	rel, err := filepath.Rel(root, path)
	if err != nil || strings.HasPrefix(rel, "..") {
		return false
	}
	if ignored(rel, o.IgnorePatterns) {
		return false
	}
	if len(o.Extensions) == 0 {
		return true
	}
	ext := strings.ToLower(filepath.Ext(path))
	for _, allowed := range o.Extensions {
		if strings.ToLower(allowed) == ext {
			return true
		}
	}
	return false
}

// Walk enumerates root and streams a fingerprint per matching file. Files
// that vanish or fail to hash mid-walk are logged and skipped; the error
// channel carries at most one terminal error (unreadable root, cancelled
// context). Both channels close when the walk ends.
func Walk(ctx context.Context, root string, opts WalkOptions) (<-chan Fingerprint, <-chan error) {
	results := make(chan Fingerprint, 32)
	errc := make(chan error, 1)
	log := logging.Named("fingerprint")

	extSet := make(map[string]struct{}, len(opts.Extensions))
	for _, ext := range opts.Extensions {
		extSet[strings.ToLower(ext)] = struct{}{}
	}

	go func() {
		defer close(results)
		defer close(errc)

		err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				if path == root {
					return err
				}
				log.Debug("skipping unreadable entry", zap.String("path", path), zap.Error(err))
				return nil
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}

			rel, relErr := filepath.Rel(root, path)
			if relErr != nil {
				return nil
			}

			if d.IsDir() {
				if path != root && ignored(rel+"/", opts.IgnorePatterns) {
					return filepath.SkipDir
				}
				return nil
			}

			if ignored(rel, opts.IgnorePatterns) {
				return nil
			}
			if len(extSet) > 0 {
				if _, ok := extSet[strings.ToLower(filepath.Ext(path))]; !ok {
					return nil
				}
			}

			fp, fpErr := Compute(path)
			if fpErr != nil {
				// Files may vanish between enumeration and hashing.
				log.Debug("skipping unhashable file", zap.String("path", path), zap.Error(fpErr))
				return nil
			}

			select {
			case results <- fp:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		})
		if err != nil {
			errc <- err
		}
	}()

	return results, errc
}

// ignored reports whether the root-relative path matches any ignore glob. A
// directory pattern like "node_modules/**" also suppresses the directory
// itself so the walk can prune it.
func ignored(rel string, patterns []string) bool {
	rel = filepath.ToSlash(rel)
	for _, pattern := range patterns {
		if matched, err := doublestar.Match(pattern, rel); err == nil && matched {
			return true
		}
		// "dir/**" should prune "dir" and "dir/".
		if base, ok := strings.CutSuffix(pattern, "/**"); ok {
			if matched, err := doublestar.Match(base, strings.TrimSuffix(rel, "/")); err == nil && matched {
				return true
			}
		}
	}
	return false
}
