package format

import "errors"

var (
	// ErrSignatureMismatch indicates a pool header had an unexpected magic.
	ErrSignatureMismatch = errors.New("format: signature mismatch")
	// ErrTruncated indicates the buffer lacked the bytes required for a structure.
	ErrTruncated = errors.New("format: truncated buffer")
	// ErrChecksum indicates the pool header checksum did not match.
	ErrChecksum = errors.New("format: header checksum mismatch")
	// ErrUnsupported indicates a layout version this package does not read.
	ErrUnsupported = errors.New("format: unsupported version")
	// ErrBadBlock indicates a block header that does not parse.
	ErrBadBlock = errors.New("format: bad block header")
)
