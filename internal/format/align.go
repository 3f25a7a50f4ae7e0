package format

// Alignment utilities for pool blocks, cache lines and msync pages.

// AlignBlock returns n aligned up to the next 16-byte block boundary.
//
// Example:
//
//	AlignBlock(1)  = 16
//	AlignBlock(16) = 16
//	AlignBlock(17) = 32
func AlignBlock(n int64) int64 {
	return (n + BlockAlignMask) &^ BlockAlignMask
}

// LineDown returns off rounded down to its cache line.
func LineDown(off int64) int64 {
	return off &^ (CacheLineSize - 1)
}

// LineUp returns off rounded up to the next cache line boundary.
func LineUp(off int64) int64 {
	return (off + CacheLineSize - 1) &^ (CacheLineSize - 1)
}

// PageDown returns off rounded down to its page.
func PageDown(off int64) int64 {
	return off &^ (PageSize - 1)
}

// PageUp returns off rounded up to the next page boundary.
func PageUp(off int64) int64 {
	return (off + PageSize - 1) &^ (PageSize - 1)
}
