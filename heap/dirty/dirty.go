// Package dirty tracks the cache lines written to a Flushable region since
// its last flush.
//
// Writes are recorded as line-aligned ranges in the region's user-offset
// space. At flush time the ranges are sorted and fully coalesced into
// non-overlapping spans, so each dirty line is pushed to the media exactly
// once no matter how many writes touched it.
package dirty

import (
	"slices"
	"sync"

	"github.com/joshuapare/pmemkit/internal/format"
)

// defaultRangeCapacity is the pre-allocated capacity for dirty ranges.
const defaultRangeCapacity = 16

// Range is a dirty byte range in user-offset space.
type Range struct {
	Off int64
	Len int64
}

// End returns the exclusive end offset.
func (r Range) End() int64 { return r.Off + r.Len }

// FlushFunc pushes [off, off+n) to the media.
type FlushFunc func(off, n int64) error

// Tracker accumulates dirty lines for one region.
//
// Safe for concurrent use: Add and Flush serialize on an internal mutex.
// Ordering between a write and a flush issued from different goroutines is
// still the caller's concern.
type Tracker struct {
	mu     sync.Mutex
	ranges []Range
}

// NewTracker returns an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{ranges: make([]Range, 0, defaultRangeCapacity)}
}

// Add records the lines covering [off, off+length). It reports whether the
// tracker was clean before the call, which starts a new dirty epoch.
func (t *Tracker) Add(off, length int64) bool {
	if length <= 0 {
		return false
	}
	start := format.LineDown(off)
	end := format.LineUp(off + length)

	t.mu.Lock()
	defer t.mu.Unlock()
	first := len(t.ranges) == 0
	t.ranges = append(t.ranges, Range{Off: start, Len: end - start})
	return first
}

// Empty reports whether nothing is pending.
func (t *Tracker) Empty() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.ranges) == 0
}

// Flush passes every coalesced pending span to fn, then clears the set.
// On error the set is left intact so a later Flush retries every span.
func (t *Tracker) Flush(fn FlushFunc) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, r := range coalesce(t.ranges) {
		if err := fn(r.Off, r.Len); err != nil {
			return err
		}
	}
	t.ranges = t.ranges[:0]
	return nil
}

// Reset drops every pending range without flushing.
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.ranges = t.ranges[:0]
}

// Pending returns the coalesced spans the next Flush would push.
func (t *Tracker) Pending() []Range {
	t.mu.Lock()
	defer t.mu.Unlock()
	return coalesce(t.ranges)
}

// Lines returns each pending cache line individually, in order.
func (t *Tracker) Lines() []Range {
	var out []Range
	for _, r := range t.Pending() {
		for off := r.Off; off < r.End(); off += format.CacheLineSize {
			out = append(out, Range{Off: off, Len: format.CacheLineSize})
		}
	}
	return out
}

// coalesce sorts ranges and merges overlapping or adjacent ones.
func coalesce(ranges []Range) []Range {
	if len(ranges) == 0 {
		return nil
	}
	sorted := slices.Clone(ranges)
	slices.SortFunc(sorted, func(a, b Range) int {
		switch {
		case a.Off < b.Off:
			return -1
		case a.Off > b.Off:
			return 1
		}
		return 0
	})

	merged := make([]Range, 0, len(sorted))
	current := sorted[0]
	for _, next := range sorted[1:] {
		if next.Off <= current.End() {
			if next.End() > current.End() {
				current.Len = next.End() - current.Off
			}
			continue
		}
		merged = append(merged, current)
		current = next
	}
	return append(merged, current)
}
