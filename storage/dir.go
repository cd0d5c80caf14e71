package storage

import (
	"fmt"
	"os"
)

// Dir is a user data directory for a browser process.
type Dir struct {
	Dir string

	remove bool
}

// Make sets Dir to dir when dir is a non-empty string. Otherwise it creates a
// fresh temporary directory under tmpDir (the system default when empty)
// that Cleanup removes.
func (d *Dir) Make(tmpDir string, dir interface{}) error {
	if s, ok := dir.(string); ok && s != "" {
		d.Dir = s
		return nil
	}

	td, err := os.MkdirTemp(tmpDir, "cdpdriver-data-*")
	if err != nil {
		return fmt.Errorf("creating a temporary data directory: %w", err)
	}
	d.Dir = td
	d.remove = true

	return nil
}

// Cleanup removes the directory if Make created it.
func (d *Dir) Cleanup() error {
	if !d.remove {
		return nil
	}
	if err := os.RemoveAll(d.Dir); err != nil {
		return fmt.Errorf("removing data directory %q: %w", d.Dir, err)
	}
	d.remove = false

	return nil
}
