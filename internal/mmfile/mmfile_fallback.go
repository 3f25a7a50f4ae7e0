//go:build !unix

package mmfile

import (
	"fmt"
	"os"
)

// Mapping is an in-memory copy of a file written back on Sync, used where
// mmap is not available.
type Mapping struct {
	Data []byte
	f    *os.File
}

// Map reads the entire file into memory.
func Map(path string) (*Mapping, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		f.Close()
		return nil, err
	}
	if len(data) == 0 {
		f.Close()
		return nil, fmt.Errorf("mmfile: %s is empty", path)
	}
	return &Mapping{Data: data, f: f}, nil
}

// Sync writes data[off:off+n] back to the file and fsyncs it.
func (m *Mapping) Sync(off, n int64) error {
	if m.Data == nil {
		return ErrClosed
	}
	if n <= 0 {
		return nil
	}
	if _, err := m.f.WriteAt(m.Data[off:off+n], off); err != nil {
		return err
	}
	return m.f.Sync()
}

// Close releases the file. Closing twice is a no-op.
func (m *Mapping) Close() error {
	if m.Data == nil {
		return nil
	}
	m.Data = nil
	return m.f.Close()
}

// SyncFile flushes f to stable storage.
func SyncFile(f *os.File) error {
	return f.Sync()
}
