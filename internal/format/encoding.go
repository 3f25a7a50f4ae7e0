package format

import "encoding/binary"

// Little-endian integer codecs over byte slices.
//
// All on-media integers (pool header, block headers, region headers, user
// fields) are little-endian. Callers are expected to bounds-check first;
// these helpers panic on short slices like the encoding/binary calls they wrap.

// PutU32 writes a uint32 value to the buffer at the specified offset.
func PutU32(b []byte, off int, v uint32) {
	binary.LittleEndian.PutUint32(b[off:off+4], v)
}

// PutU64 writes a uint64 value to the buffer at the specified offset.
func PutU64(b []byte, off int, v uint64) {
	binary.LittleEndian.PutUint64(b[off:off+8], v)
}

// ReadU32 reads a uint32 value from the buffer at the specified offset.
func ReadU32(b []byte, off int) uint32 {
	return binary.LittleEndian.Uint32(b[off : off+4])
}

// ReadU64 reads a uint64 value from the buffer at the specified offset.
func ReadU64(b []byte, off int) uint64 {
	return binary.LittleEndian.Uint64(b[off : off+8])
}

// ValidWidth reports whether width is one of the scalar widths 1, 2, 4, 8.
func ValidWidth(width int) bool {
	switch width {
	case 1, 2, 4, 8:
		return true
	}
	return false
}

// PutUint stores the low width bytes of v at b[off:]. Width must be valid.
func PutUint(b []byte, off, width int, v uint64) {
	switch width {
	case 1:
		b[off] = byte(v)
	case 2:
		binary.LittleEndian.PutUint16(b[off:off+2], uint16(v))
	case 4:
		binary.LittleEndian.PutUint32(b[off:off+4], uint32(v))
	case 8:
		binary.LittleEndian.PutUint64(b[off:off+8], v)
	}
}

// ReadUint loads width bytes at b[off:] zero-extended to 64 bits.
func ReadUint(b []byte, off, width int) uint64 {
	switch width {
	case 1:
		return uint64(b[off])
	case 2:
		return uint64(binary.LittleEndian.Uint16(b[off : off+2]))
	case 4:
		return uint64(binary.LittleEndian.Uint32(b[off : off+4]))
	case 8:
		return binary.LittleEndian.Uint64(b[off : off+8])
	}
	return 0
}

// Extend widens the low width bytes of v to 64 bits, sign-extending when
// signed is set and zero-extending otherwise.
func Extend(v uint64, width int, signed bool) int64 {
	shift := uint(64 - 8*width)
	if signed {
		return int64(v<<shift) >> shift
	}
	return int64((v << shift) >> shift)
}
