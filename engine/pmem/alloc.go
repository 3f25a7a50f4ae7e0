package pmem

import (
	"container/heap"
	"fmt"

	"github.com/joshuapare/pmemkit/engine"
	"github.com/joshuapare/pmemkit/internal/format"
)

// freeBlock is one entry on a size-class free list.
type freeBlock struct {
	off       int64 // block offset (header start)
	size      int64 // total size including header
	sc        int   // size class
	heapIndex int   // position in heap, for heap.Remove
}

// freeBlockHeap implements heap.Interface as a min-heap keyed on size, so the
// top of each class is its best fit.
type freeBlockHeap []*freeBlock

func (h *freeBlockHeap) Len() int { return len(*h) }

func (h *freeBlockHeap) Less(i, j int) bool {
	if (*h)[i].size == (*h)[j].size {
		return (*h)[i].off < (*h)[j].off
	}
	return (*h)[i].size < (*h)[j].size
}

func (h *freeBlockHeap) Swap(i, j int) {
	(*h)[i], (*h)[j] = (*h)[j], (*h)[i]
	(*h)[i].heapIndex = i
	(*h)[j].heapIndex = j
}

func (h *freeBlockHeap) Push(x any) {
	b := x.(*freeBlock) //nolint:errcheck // heap.Interface contract guarantees type
	b.heapIndex = len(*h)
	*h = append(*h, b)
}

func (h *freeBlockHeap) Pop() any {
	old := *h
	n := len(old)
	b := old[n-1]
	b.heapIndex = -1
	*h = old[:n-1]
	return b
}

// allocator manages the block chain inside a pool. It is not safe for
// concurrent use; Pool serializes access with its mutex.
//
// Metadata writes are ordered so that a crash at any point leaves a chain
// that scan can walk: a split writes the tail header before shrinking the
// head, and the bump pointer only advances after the new block's header is
// durable.
type allocator struct {
	data  []byte
	sync  func(off, n int64) error
	table *sizeClassTable
	lists []freeBlockHeap // numClasses + 1, last is the large list

	byOff map[int64]*freeBlock
	live  map[engine.Handle]int64 // handle -> total block size

	bump      int64
	usedBytes int64
}

func newAllocator(data []byte, sync func(off, n int64) error, cfg SizeClassConfig) *allocator {
	t := newSizeClassTable(cfg)
	return &allocator{
		data:  data,
		sync:  sync,
		table: t,
		lists: make([]freeBlockHeap, t.numClasses+1),
		byOff: make(map[int64]*freeBlock),
		live:  make(map[engine.Handle]int64),
		bump:  format.PoolHeaderSize,
	}
}

func (a *allocator) poolSize() int64 { return int64(len(a.data)) }

func (a *allocator) writeHeader(off, size int64, state uint32) {
	format.PutU64(a.data, int(off)+format.BlockSizeOffset, uint64(size))
	format.PutU32(a.data, int(off)+format.BlockStateOffset, state)
	format.PutU32(a.data, int(off)+format.BlockStateOffset+4, 0)
}

// blockSizeFor converts a payload request into an aligned block size.
func (a *allocator) blockSizeFor(payload int64) (int64, error) {
	if payload < 0 || payload > a.poolSize() {
		return 0, fmt.Errorf("%w: %d", ErrBadSize, payload)
	}
	need := format.AlignBlock(payload + format.BlockHeaderSize)
	if need < format.MinBlockSize {
		need = format.MinBlockSize
	}
	return need, nil
}

// alloc returns the handle of a zeroed block with at least payload bytes.
func (a *allocator) alloc(payload int64) (engine.Handle, error) {
	need, err := a.blockSizeFor(payload)
	if err != nil {
		return engine.Null, err
	}

	off, size, ok := a.takeFree(need)
	if ok {
		if rem := size - need; rem >= format.MinBlockSize {
			tail := off + need
			a.writeHeader(tail, rem, format.BlockStateFree)
			if err := a.sync(tail, format.BlockHeaderSize); err != nil {
				a.pushFree(off, size)
				return engine.Null, err
			}
			a.pushFree(tail, rem)
			size = need
		}
	} else {
		if a.bump+need > a.poolSize() {
			return engine.Null, fmt.Errorf("%w: need %d bytes", ErrNoSpace, need)
		}
		off, size = a.bump, need
	}

	clear(a.data[off+format.BlockHeaderSize : off+size])
	a.writeHeader(off, size, format.BlockStateAllocated)
	if err := a.sync(off, size); err != nil {
		return engine.Null, err
	}

	if off == a.bump {
		a.bump += size
		format.PutU64(a.data, format.PoolBumpOffset, uint64(a.bump))
		if err := a.sync(format.PoolBumpOffset, 8); err != nil {
			return engine.Null, err
		}
	}

	h := engine.Handle(off + format.BlockHeaderSize)
	a.live[h] = size
	a.usedBytes += size
	return h, nil
}

// takeFree removes the best-fitting free block of at least need bytes.
func (a *allocator) takeFree(need int64) (int64, int64, bool) {
	for sc := a.table.classOf(need); sc < len(a.lists); sc++ {
		list := &a.lists[sc]
		if list.Len() == 0 {
			continue
		}
		best := -1
		if (*list)[0].size >= need {
			best = 0
		} else {
			// The starting class spans sizes on both sides of need.
			for i, b := range *list {
				if b.size >= need && (best < 0 || b.size < (*list)[best].size) {
					best = i
				}
			}
		}
		if best < 0 {
			continue
		}
		b := heap.Remove(list, best).(*freeBlock) //nolint:errcheck // heap holds *freeBlock
		delete(a.byOff, b.off)
		return b.off, b.size, true
	}
	return 0, 0, false
}

func (a *allocator) pushFree(off, size int64) {
	b := &freeBlock{off: off, size: size, sc: a.table.classOf(size)}
	heap.Push(&a.lists[b.sc], b)
	a.byOff[off] = b
}

// free marks h's block free and makes it available for reuse.
func (a *allocator) free(h engine.Handle) error {
	size, ok := a.live[h]
	if !ok {
		return fmt.Errorf("%w: %#x", ErrNotAllocated, uint64(h))
	}
	off := int64(h) - format.BlockHeaderSize
	format.PutU32(a.data, int(off)+format.BlockStateOffset, format.BlockStateFree)
	if err := a.sync(off, format.BlockHeaderSize); err != nil {
		return err
	}
	delete(a.live, h)
	a.usedBytes -= size
	a.pushFree(off, size)
	return nil
}

func (a *allocator) isAllocated(h engine.Handle) bool {
	_, ok := a.live[h]
	return ok
}

// payloadSize returns the usable payload bytes behind h.
func (a *allocator) payloadSize(h engine.Handle) (int64, bool) {
	size, ok := a.live[h]
	if !ok {
		return 0, false
	}
	return size - format.BlockHeaderSize, true
}

// scan walks the block chain from the header to bump, rebuilding the live
// set and free lists. Runs of adjacent free blocks are merged on media.
func (a *allocator) scan(bump int64) error {
	if bump < format.PoolHeaderSize || bump > a.poolSize() {
		return fmt.Errorf("%w: bump %d outside pool", ErrCorrupt, bump)
	}
	a.bump = bump
	a.lists = make([]freeBlockHeap, a.table.numClasses+1)
	a.byOff = make(map[int64]*freeBlock)
	a.live = make(map[engine.Handle]int64)
	a.usedBytes = 0

	runOff, runSize := int64(-1), int64(0)
	flushRun := func() error {
		if runOff < 0 {
			return nil
		}
		cur := int64(format.ReadU64(a.data, int(runOff)+format.BlockSizeOffset))
		if cur != runSize {
			a.writeHeader(runOff, runSize, format.BlockStateFree)
			if err := a.sync(runOff, format.BlockHeaderSize); err != nil {
				return err
			}
		}
		a.pushFree(runOff, runSize)
		runOff, runSize = -1, 0
		return nil
	}

	for off := int64(format.PoolHeaderSize); off < bump; {
		size := int64(format.ReadU64(a.data, int(off)+format.BlockSizeOffset))
		state := format.ReadU32(a.data, int(off)+format.BlockStateOffset)
		if size < format.MinBlockSize || size&format.BlockAlignMask != 0 || off+size > bump {
			return fmt.Errorf("%w: %w at %#x (size %d)", ErrCorrupt, format.ErrBadBlock, off, size)
		}
		switch state {
		case format.BlockStateAllocated:
			if err := flushRun(); err != nil {
				return err
			}
			a.live[engine.Handle(off+format.BlockHeaderSize)] = size
			a.usedBytes += size
		case format.BlockStateFree:
			if runOff < 0 {
				runOff = off
			}
			runSize += size
		default:
			return fmt.Errorf("%w: %w at %#x (state %#x)", ErrCorrupt, format.ErrBadBlock, off, state)
		}
		off += size
	}
	return flushRun()
}

func (a *allocator) stats() (freeBytes int64, freeBlocks int) {
	for i := range a.lists {
		for _, b := range a.lists[i] {
			freeBytes += b.size
		}
		freeBlocks += a.lists[i].Len()
	}
	freeBytes += a.poolSize() - a.bump
	return freeBytes, freeBlocks
}
