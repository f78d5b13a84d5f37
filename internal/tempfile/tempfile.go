// Package tempfile hands out staging paths under a single directory and
// removes them again, refusing anything that lives outside of it.
package tempfile

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// ErrInvalidFile is returned by Remove for paths outside the temp directory.
var ErrInvalidFile = errors.New("Invalid file")

// Dir is a staging directory for downloads and spooled uploads.
type Dir struct {
	root string
}

// New resolves root to an absolute path and creates it if necessary.
func New(root string) (*Dir, error) {
	if root == "" {
		root = os.TempDir()
	}

	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve temp dir: %w", err)
	}

	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create temp dir: %w", err)
	}

	return &Dir{root: abs}, nil
}

// Root returns the absolute path of the directory.
func (d *Dir) Root() string {
	return d.root
}

// Path returns a new, collision resistant path of the form
// <root>/<name>.<uuid>. Only the base name of name is used.
func (d *Dir) Path(name string) string {
	base := filepath.Base(filepath.Clean("/" + name))
	if base == "/" || base == "." {
		base = "file"
	}
	return filepath.Join(d.root, base+"."+uuid.NewString())
}

// Remove deletes the file at path. Paths that do not resolve to a file
// strictly inside the directory are rejected without touching the
// filesystem. A file that is already gone is not an error.
func (d *Dir) Remove(path string) error {
	rel, err := d.relative(path)
	if err != nil {
		return err
	}

	root, err := os.OpenRoot(d.root)
	if err != nil {
		return fmt.Errorf("open temp dir: %w", err)
	}
	defer root.Close()

	if err := root.Remove(rel); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove temp file: %w", err)
	}

	return nil
}

func (d *Dir) relative(path string) (string, error) {
	if path == "" {
		return "", fmt.Errorf("%w: empty path", ErrInvalidFile)
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrInvalidFile, err)
	}

	rel, err := filepath.Rel(d.root, abs)
	if err != nil {
		return "", fmt.Errorf("%w: %s", ErrInvalidFile, path)
	}

	if rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %s is outside %s", ErrInvalidFile, path, d.root)
	}

	return rel, nil
}
