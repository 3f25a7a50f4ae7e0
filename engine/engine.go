// Package engine defines the narrow boundary between the pmemkit runtime and
// the durable storage engine that actually allocates, flushes and logs.
//
// The runtime packages (heap, tx, object, lifecycle, directory) depend only
// on these interfaces. engine/pmem provides the concrete implementation over
// a memory-mapped pool file or a volatile arena.
//
// All calls are synchronous and may fail. Implementations never retry.
package engine

import "github.com/google/uuid"

// Handle identifies one allocation. It is stable across process restarts.
type Handle uint64

// Null is the sentinel for "no allocation".
const Null Handle = 0

// IsNull reports whether h is the null sentinel.
func (h Handle) IsNull() bool { return h == Null }

// Slot selects a persistent root pointer.
type Slot int

const (
	// UserRoot is the single well-known recovery entry point for callers.
	UserRoot Slot = 0
	// SystemRoot anchors the runtime's own bookkeeping (directory, registration set).
	SystemRoot Slot = 1
)

// Stats is a point-in-time summary of pool usage.
type Stats struct {
	PoolSize    int64 // total bytes including headers
	Used        int64 // bytes in allocated blocks
	Free        int64 // bytes in free blocks plus untouched tail
	Allocations int   // live allocations
	FreeBlocks  int   // blocks on the free lists
	ActiveTx    int   // engine transactions in flight
}

// Engine is the backing store.
type Engine interface {
	// Allocate returns a zeroed allocation of at least size payload bytes.
	Allocate(size int64) (Handle, error)
	// Open returns the direct view of h's payload. The slice aliases the
	// mapping and is valid until Close.
	Open(h Handle) ([]byte, error)
	// Free releases h.
	Free(h Handle) error
	// IsAllocated reports whether h names a live allocation.
	IsAllocated(h Handle) bool

	// Read loads width bytes at off within h's payload, zero-extended.
	Read(h Handle, off int64, width int) (uint64, error)
	// Write stores width bytes atomically and durably.
	Write(h Handle, off int64, width int, v uint64) error
	// WriteBytes stores p atomically and durably.
	WriteBytes(h Handle, off int64, p []byte) error
	// Flush pushes [off, off+n) of h's payload to the media.
	Flush(h Handle, off, n int64) error

	// Begin opens an engine transaction.
	Begin() (Log, error)

	Root(slot Slot) (Handle, error)
	SetRoot(slot Slot, h Handle) error

	Stats() Stats
	UUID() uuid.UUID
	Close() error
}

// Log is one engine transaction. Every mutation made through it is undone
// by Abort. Frees are deferred until End.
type Log interface {
	Allocate(size int64) (Handle, error)
	Free(h Handle) error
	Write(h Handle, off int64, width int, v uint64) error
	WriteBytes(h Handle, off int64, p []byte) error
	SetRoot(slot Slot, h Handle) error

	// End commits the transaction durably.
	End() error
	// Abort restores every pre-image and releases allocations made in it.
	Abort() error
}
