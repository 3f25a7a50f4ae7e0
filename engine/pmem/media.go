package pmem

import "github.com/joshuapare/pmemkit/internal/mmfile"

// media is the byte store under a pool.
type media interface {
	Bytes() []byte
	Sync(off, n int64) error
	Close() error
}

// fileMedia is a shared mapping of a pool file.
type fileMedia struct {
	m *mmfile.Mapping
}

func (f *fileMedia) Bytes() []byte          { return f.m.Data }
func (f *fileMedia) Sync(off, n int64) error { return f.m.Sync(off, n) }
func (f *fileMedia) Close() error            { return f.m.Close() }

// memMedia is a volatile arena. Sync is a no-op.
type memMedia struct {
	data []byte
}

func (m *memMedia) Bytes() []byte        { return m.data }
func (m *memMedia) Sync(_, _ int64) error { return nil }
func (m *memMedia) Close() error          { m.data = nil; return nil }
