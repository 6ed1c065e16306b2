// Package workspace manages the on-disk tree where tools and abilities
// read and write files: outputs/ (optionally per session), uploads/ for
// incoming media, temp/ for scratch.
package workspace

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
)

type Workspace struct {
	root string
}

// New ensures the workspace tree under dir exists.
func New(dir string) (*Workspace, error) {
	w := &Workspace{root: dir}
	for _, sub := range []string{"outputs", "uploads", "temp"} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o755); err != nil {
			return nil, errors.Wrapf(err, "create %s", sub)
		}
	}
	return w, nil
}

// Root returns the workspace base directory.
func (w *Workspace) Root() string { return w.root }

// OutputsDir returns (creating if needed) the output directory for a
// session, or the shared outputs/ root when sessionID is 0.
func (w *Workspace) OutputsDir(sessionID int64) (string, error) {
	dir := filepath.Join(w.root, "outputs")
	if sessionID != 0 {
		dir = filepath.Join(dir, fmt.Sprintf("session_%d", sessionID))
	}
	return dir, os.MkdirAll(dir, 0o755)
}

// UploadsDir returns the directory for incoming media.
func (w *Workspace) UploadsDir() string {
	return filepath.Join(w.root, "uploads")
}

// TempDir returns the scratch directory.
func (w *Workspace) TempDir() string {
	return filepath.Join(w.root, "temp")
}

// SaveUpload writes incoming bytes under uploads/ and returns the path.
func (w *Workspace) SaveUpload(name string, data []byte) (string, error) {
	path := filepath.Join(w.UploadsDir(), filepath.Base(name))
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", errors.Wrap(err, "save upload")
	}
	return path, nil
}

// Contains reports whether path sits inside the workspace tree. File
// tools refuse writes outside it.
func (w *Workspace) Contains(path string) bool {
	abs, err := filepath.Abs(path)
	if err != nil {
		return false
	}
	root, err := filepath.Abs(w.root)
	if err != nil {
		return false
	}
	rel, err := filepath.Rel(root, abs)
	if err != nil {
		return false
	}
	return rel == "." || filepath.IsLocal(rel)
}
