package pmem

import "errors"

var (
	// ErrNoSpace indicates that no free block large enough was found and the
	// bump region is exhausted.
	ErrNoSpace = errors.New("pmem: no free block large enough")

	// ErrBadSize indicates a negative or overflowing size request.
	ErrBadSize = errors.New("pmem: invalid allocation size")

	// ErrNotAllocated indicates a handle that does not name a live allocation.
	ErrNotAllocated = errors.New("pmem: handle is not allocated")

	// ErrRange indicates an access outside an allocation's payload.
	ErrRange = errors.New("pmem: access outside allocation")

	// ErrWidth indicates a scalar width other than 1, 2, 4 or 8.
	ErrWidth = errors.New("pmem: invalid width")

	// ErrSlot indicates a root slot index out of range.
	ErrSlot = errors.New("pmem: invalid root slot")

	// ErrTxDone indicates use of a transaction after End or Abort.
	ErrTxDone = errors.New("pmem: transaction already finished")

	// ErrClosed indicates use of a pool after Close.
	ErrClosed = errors.New("pmem: pool closed")

	// ErrCorrupt indicates a block chain or journal that cannot be parsed.
	ErrCorrupt = errors.New("pmem: pool corrupt")
)
