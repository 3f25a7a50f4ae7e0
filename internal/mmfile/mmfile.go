// Package mmfile provides platform-specific helpers for mapping pool files
// read-write.
package mmfile

import (
	"errors"
	"fmt"
	"os"
)

var (
	// ErrLocked indicates another process holds the pool file.
	ErrLocked = errors.New("mmfile: pool is locked by another process")
	// ErrClosed indicates use of a mapping after Close.
	ErrClosed = errors.New("mmfile: mapping closed")
)

// Create makes a new zero-filled file of the given size. It fails if path
// already exists.
func Create(path string, size int64) error {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return err
	}
	if err := f.Truncate(size); err != nil {
		f.Close()
		os.Remove(path)
		return fmt.Errorf("mmfile: truncate: %w", err)
	}
	if err := SyncFile(f); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
