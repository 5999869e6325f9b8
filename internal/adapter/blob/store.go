// Package blob stores binary artifacts on the shared data volume.
//
// Paths are content addressed: the sha256 of the bytes names the file, so
// identical artifacts written twice by redelivered events land on the same
// path and never duplicate.
package blob

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/gabriel-vasile/mimetype"

	"github.com/fairyhunter13/product-video-matcher/internal/domain"
)

// Store is a filesystem BlobStore rooted at a data directory.
type Store struct {
	root    string
	baseURL string
}

// New constructs a Store. baseURL prefixes the public URLs returned for
// stored paths.
func New(root, baseURL string) *Store {
	return &Store{root: root, baseURL: strings.TrimRight(baseURL, "/")}
}

// Put writes data under the category and returns the relative path. When ext
// is empty the extension is sniffed from the content.
func (s *Store) Put(_ context.Context, category string, data []byte, ext string) (string, error) {
	if ext == "" {
		ext = mimetype.Detect(data).Extension()
	}
	if ext != "" && !strings.HasPrefix(ext, ".") {
		ext = "." + ext
	}
	sum := sha256.Sum256(data)
	name := hex.EncodeToString(sum[:])
	// Two-level fanout keeps directories small.
	rel := filepath.Join(category, name[:2], name+ext)
	abs := filepath.Join(s.root, rel)
	if _, err := os.Stat(abs); err == nil {
		return rel, nil
	}
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return "", fmt.Errorf("op=blob.put: %w", err)
	}
	tmp := abs + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return "", fmt.Errorf("op=blob.put: %w", err)
	}
	if err := os.Rename(tmp, abs); err != nil {
		return "", fmt.Errorf("op=blob.put: %w", err)
	}
	return rel, nil
}

// Get reads a previously stored artifact by its relative path.
func (s *Store) Get(_ context.Context, path string) ([]byte, error) {
	abs, err := s.abs(path)
	if err != nil {
		return nil, err
	}
	b, err := os.ReadFile(abs)
	if err != nil {
		// A missing artifact is a permanent failure for the asset, not a
		// transient fault worth redelivering.
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("op=blob.get: %w: %s", domain.ErrNotFound, path)
		}
		return nil, fmt.Errorf("op=blob.get: %w", err)
	}
	return b, nil
}

// Delete removes one artifact. Missing files are not an error; purge retries
// must be able to run to completion.
func (s *Store) Delete(_ context.Context, path string) error {
	abs, err := s.abs(path)
	if err != nil {
		return err
	}
	if err := os.Remove(abs); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("op=blob.delete: %w", err)
	}
	return nil
}

// URL returns the public URL for a stored path.
func (s *Store) URL(path string) string {
	return s.baseURL + "/" + filepath.ToSlash(path)
}

// Root returns the absolute data root, for the static file handler.
func (s *Store) Root() string { return s.root }

func (s *Store) abs(path string) (string, error) {
	abs := filepath.Join(s.root, filepath.FromSlash(path))
	// Reject traversal out of the root.
	if rel, err := filepath.Rel(s.root, abs); err != nil || strings.HasPrefix(rel, "..") {
		return "", fmt.Errorf("op=blob.path: invalid path %q", path)
	}
	return abs, nil
}
