// Package localfs deletes job artifacts stored under a local directory.
package localfs

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/ineyio/quotaledger"
)

// ErrOutsideRoot is returned for paths that resolve outside the root.
var ErrOutsideRoot = errors.New("quotaledger/localfs: path escapes root")

// Store is a quotaledger.BlobStore rooted at a directory.
type Store struct {
	root string
}

var _ quotaledger.BlobStore = (*Store)(nil)

// New creates a Store rooted at dir.
func New(dir string) *Store {
	return &Store{root: filepath.Clean(dir)}
}

// DeleteBlob removes root/path. A missing file is not an error.
func (s *Store) DeleteBlob(ctx context.Context, path string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	full, err := s.resolve(path)
	if err != nil {
		return err
	}
	if err := os.Remove(full); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("quotaledger/localfs: delete %s: %w", path, err)
	}
	return nil
}

func (s *Store) resolve(path string) (string, error) {
	full := filepath.Join(s.root, filepath.FromSlash(path))
	rel, err := filepath.Rel(s.root, full)
	if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %q", ErrOutsideRoot, path)
	}
	return full, nil
}
