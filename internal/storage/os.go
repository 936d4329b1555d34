package storage

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/vdm-project/vdm/internal/record"
)

// OSStorage keeps download output files in a single directory on the local
// file system.
type OSStorage struct {
	dir string
}

// NewOSStorage creates the directory if needed and returns a storage rooted
// at it.
func NewOSStorage(dir string) (*OSStorage, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create download directory: %w", err)
	}

	return &OSStorage{dir: dir}, nil
}

func (s *OSStorage) pathFor(fileName string) string {
	return filepath.Join(s.dir, record.SanitizeFileName(fileName))
}

// CreateOrGetFile resolves the output file for fileName.
func (s *OSStorage) CreateOrGetFile(fileName, _ string, resuming bool, resumeOffset int64) (Handle, bool, error) {
	h := &osHandle{path: s.pathFor(fileName)}

	length, err := h.Length()
	if err != nil {
		return nil, false, err
	}

	shouldAppend := resuming && length > 0 && length >= resumeOffset

	return h, shouldAppend, nil
}

// Length reports the current on-disk size for fileName.
func (s *OSStorage) Length(fileName string) int64 {
	info, err := os.Stat(s.pathFor(fileName))
	if err != nil {
		return 0
	}

	return info.Size()
}

// Remove deletes the output file for fileName.
func (s *OSStorage) Remove(fileName string) error {
	err := os.Remove(s.pathFor(fileName))
	if err != nil && !os.IsNotExist(err) {
		return err
	}

	return nil
}

type osHandle struct {
	path string
}

func (h *osHandle) OpenWriter(append bool) (io.WriteCloser, error) {
	flags := os.O_CREATE | os.O_WRONLY
	if append {
		flags |= os.O_APPEND
	} else {
		flags |= os.O_TRUNC
	}

	return os.OpenFile(h.path, flags, 0o644)
}

func (h *osHandle) Length() (int64, error) {
	info, err := os.Stat(h.path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}

		return 0, err
	}

	return info.Size(), nil
}

func (h *osHandle) Path() string {
	return h.path
}
