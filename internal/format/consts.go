package format

// On-media layout constants for pmemkit pools.
//
// A pool is a fixed-size file (or volatile arena) laid out as:
//
//	[0, PoolHeaderSize)           pool header
//	[PoolHeaderSize, bump)        chain of 16-byte aligned blocks
//	[bump, pool size)             untouched tail
//
// Every block starts with a BlockHeaderSize header; the payload that follows
// is what the engine hands out as a Handle (payload offset from pool start).

const (
	// PoolMagic identifies a pmemkit pool file.
	PoolMagic = "PMKPOOL1"

	// PoolVersion is the only layout version this package writes.
	PoolVersion = 1

	// PoolHeaderSize is the size of the pool header page.
	PoolHeaderSize = 4096

	// MinPoolSize is the smallest pool that can hold a header and one block.
	MinPoolSize = 64 * 1024

	// NumRootSlots is the number of persistent root slots.
	NumRootSlots = 2
)

// Pool header field offsets.
const (
	PoolMagicOffset    = 0x00 // [8]byte
	PoolVersionOffset  = 0x08 // uint32
	PoolFlagsOffset    = 0x0C // uint32
	PoolUUIDOffset     = 0x10 // [16]byte
	PoolSizeOffset     = 0x20 // uint64
	PoolChecksumOffset = 0x28 // uint32, CRC32 over [0, PoolChecksumOffset)
	PoolBumpOffset     = 0x30 // uint64
	PoolRootsOffset    = 0x38 // NumRootSlots x uint64

	// PoolChecksumSpan covers the immutable identity fields only. The bump
	// pointer and root slots are single 8-byte stores and stay outside it.
	PoolChecksumSpan = PoolChecksumOffset
)

// Block layout.
const (
	BlockHeaderSize  = 16
	BlockAlign       = 16
	BlockAlignMask   = BlockAlign - 1
	BlockSizeOffset  = 0x00 // uint64, total block size including header
	BlockStateOffset = 0x08 // uint32

	// MinBlockSize is the smallest block the allocator hands out or leaves
	// behind after a split.
	MinBlockSize = 48

	BlockStateAllocated uint32 = 0xA110CA7E
	BlockStateFree      uint32 = 0xF4EEB10C
)

// Region header, stored at the start of every block payload.
const (
	RegionSizeOffset     = 0  // uint64, logical user size
	RegionRefCountOffset = 8  // uint32
	RegionKindOffset     = 12 // uint32 kind magic
	RegionTypeTagOffset  = 16 // uint64 layout type id, 0 when untyped
	RegionDirtyOffset    = 24 // uint64 dirty flag word, Flushable only

	RawBaseOffset           = 24
	TransactionalBaseOffset = 24
	FlushableBaseOffset     = 32
)

// Region kind magics.
const (
	KindMagicRaw           uint32 = 0x52415721 // "RAW!"
	KindMagicFlushable     uint32 = 0x464c5348 // "FLSH"
	KindMagicTransactional uint32 = 0x54584e4c // "TXNL"
)

// Dirty flag values for Flushable regions.
const (
	DirtyFlagFlushed uint64 = 0
	DirtyFlagDirty   uint64 = 1
)

const (
	// CacheLineSize is the granularity of Flushable dirty tracking.
	CacheLineSize = 64

	// PageSize is the msync granularity.
	PageSize = 4096
)
