// Package upload stages request uploads on disk for the lifetime of a
// single request.
package upload

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/google/uuid"
)

// ErrTooLarge is returned when the staged content exceeds the ceiling.
var ErrTooLarge = errors.New("upload exceeds size limit")

// Stager writes uploads into a directory under generated names.
type Stager struct {
	dir      string
	maxBytes int64
}

// NewStager creates dir if needed.
func NewStager(dir string, maxBytes int64) (*Stager, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create upload dir %s: %w", dir, err)
	}
	return &Stager{dir: dir, maxBytes: maxBytes}, nil
}

// File is a staged upload. Release must be called on every path; it is
// safe to call more than once.
type File struct {
	Path string
	Size int64
}

// Stage copies r to a new file, refusing content beyond the size ceiling.
func (s *Stager) Stage(r io.Reader) (*File, error) {
	f, err := os.CreateTemp(s.dir, "upload-"+uuid.NewString()+"-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create staged file: %w", err)
	}
	staged := &File{Path: f.Name()}

	n, err := io.Copy(f, io.LimitReader(r, s.maxBytes+1))
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		staged.Release()
		return nil, fmt.Errorf("failed to write staged file: %w", err)
	}
	if n > s.maxBytes {
		staged.Release()
		return nil, ErrTooLarge
	}
	staged.Size = n
	return staged, nil
}

// Read returns the staged bytes.
func (f *File) Read() ([]byte, error) {
	return os.ReadFile(f.Path)
}

// Release deletes the staged file.
func (f *File) Release() error {
	if f == nil || f.Path == "" {
		return nil
	}
	err := os.Remove(f.Path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}

// Dir returns the staging directory.
func (s *Stager) Dir() string {
	return filepath.Clean(s.dir)
}
