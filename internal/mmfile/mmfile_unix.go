//go:build unix

package mmfile

import (
	"errors"
	"fmt"
	"os"

	"golang.org/x/sys/unix"

	"github.com/joshuapare/pmemkit/internal/format"
)

// Mapping is a shared read-write mapping of a whole file, held under an
// exclusive advisory lock for its lifetime.
type Mapping struct {
	Data []byte
	f    *os.File
}

// Map opens path read-write, takes an exclusive non-blocking flock and maps
// the whole file MAP_SHARED. ErrLocked is returned when another process
// holds the pool.
func Map(path string) (*Mapping, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, err
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		if errors.Is(err, unix.EWOULDBLOCK) {
			return nil, fmt.Errorf("%w: %s", ErrLocked, path)
		}
		return nil, fmt.Errorf("mmfile: flock: %w", err)
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	size := info.Size()
	if size == 0 {
		f.Close()
		return nil, fmt.Errorf("mmfile: %s is empty", path)
	}
	if size > int64(^uint(0)>>1) {
		f.Close()
		return nil, fmt.Errorf("mmfile: file too large to map (%d bytes)", size)
	}
	data, err := unix.Mmap(int(f.Fd()), 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("mmfile: mmap: %w", err)
	}
	return &Mapping{Data: data, f: f}, nil
}

// Sync pushes data[off:off+n] to stable storage with msync(MS_SYNC).
// The span is widened to page boundaries as msync requires.
func (m *Mapping) Sync(off, n int64) error {
	if m.Data == nil {
		return ErrClosed
	}
	if n <= 0 {
		return nil
	}
	start := format.PageDown(off)
	end := format.PageUp(off + n)
	if end > int64(len(m.Data)) {
		end = int64(len(m.Data))
	}
	if err := unix.Msync(m.Data[start:end], unix.MS_SYNC); err != nil {
		return fmt.Errorf("mmfile: msync: %w", err)
	}
	return nil
}

// Close unmaps the file, releases the lock and closes the descriptor.
// Closing twice is a no-op.
func (m *Mapping) Close() error {
	if m.Data == nil {
		return nil
	}
	err := unix.Munmap(m.Data)
	m.Data = nil
	if errors.Is(err, unix.EINVAL) {
		err = nil
	}
	_ = unix.Flock(int(m.f.Fd()), unix.LOCK_UN)
	if cerr := m.f.Close(); err == nil {
		err = cerr
	}
	return err
}

// SyncFile flushes f's data blocks with fdatasync.
func SyncFile(f *os.File) error {
	return unix.Fdatasync(int(f.Fd()))
}
