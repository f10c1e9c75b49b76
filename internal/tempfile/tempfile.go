// Package tempfile implements the backing-file creation policy: transient,
// uniquely named files in the host's temporary area, opened for read and
// write, removed when the session ends.
package tempfile

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/spf13/afero"
)

const prefix = "streamdl-"

// Create opens a fresh backing file on fs. When dir is empty the host's
// temporary directory is used. The returned name is later passed to Remove.
func Create(fs afero.Fs, dir string) (afero.File, string, error) {
	if dir == "" {
		dir = os.TempDir()
	}
	if err := fs.MkdirAll(dir, 0o755); err != nil {
		return nil, "", fmt.Errorf("create temp dir: %w", err)
	}

	name := filepath.Join(dir, prefix+uuid.NewString()+".tmp")
	f, err := fs.OpenFile(name, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return nil, "", fmt.Errorf("create backing file: %w", err)
	}
	return f, name, nil
}

// Remove unlinks a backing file. Best effort: the file may already be gone.
func Remove(fs afero.Fs, name string) {
	_ = fs.Remove(name)
}
