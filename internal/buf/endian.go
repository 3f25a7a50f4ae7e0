// Package buf contains bounds arithmetic and short-safe decoding helpers.
package buf

import "encoding/binary"

// Cursor decodes little-endian fields from a byte slice that may be
// truncated (a torn journal tail, for instance). Once a read runs past the
// end, the cursor latches Short and every later read returns zero.
type Cursor struct {
	b     []byte
	off   int
	Short bool
}

// NewCursor returns a cursor positioned at the start of b.
func NewCursor(b []byte) *Cursor { return &Cursor{b: b} }

func (c *Cursor) take(n int) []byte {
	if c.Short || n < 0 || len(c.b)-c.off < n {
		c.Short = true
		return nil
	}
	p := c.b[c.off : c.off+n]
	c.off += n
	return p
}

// U8 reads one byte.
func (c *Cursor) U8() uint8 {
	p := c.take(1)
	if p == nil {
		return 0
	}
	return p[0]
}

// U32 reads a little-endian uint32.
func (c *Cursor) U32() uint32 {
	p := c.take(4)
	if p == nil {
		return 0
	}
	return binary.LittleEndian.Uint32(p)
}

// U64 reads a little-endian uint64.
func (c *Cursor) U64() uint64 {
	p := c.take(8)
	if p == nil {
		return 0
	}
	return binary.LittleEndian.Uint64(p)
}

// Bytes returns the next n bytes without copying.
func (c *Cursor) Bytes(n int) []byte { return c.take(n) }

// Remaining returns the number of unread bytes.
func (c *Cursor) Remaining() int {
	if c.Short {
		return 0
	}
	return len(c.b) - c.off
}
