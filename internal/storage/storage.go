package storage

import (
	"io"
)

// Handle is one output file owned by a single running download.
type Handle interface {
	// OpenWriter opens the output sink. Append mode continues a previous
	// partial write; otherwise the file is truncated to empty.
	OpenWriter(append bool) (io.WriteCloser, error)
	// Length returns the current size on disk, 0 when the file is absent.
	Length() (int64, error)
	// Path is the absolute local path of the output file.
	Path() string
}

// Storage creates and removes download output files.
type Storage interface {
	// CreateOrGetFile resolves the output file for fileName. shouldAppend is
	// true when resuming and a partial file already exists at or beyond the
	// resume offset.
	CreateOrGetFile(fileName, mimeType string, resuming bool, resumeOffset int64) (Handle, bool, error)
	// Length reports the current on-disk size for fileName, 0 when absent.
	Length(fileName string) int64
	// Remove deletes the output file for fileName, if any.
	Remove(fileName string) error
}
