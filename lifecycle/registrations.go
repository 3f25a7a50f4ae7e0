package lifecycle

import (
	"context"
	"fmt"
	"math/bits"
	"slices"

	"github.com/joshuapare/pmemkit/engine"
	"github.com/joshuapare/pmemkit/heap"
	"github.com/joshuapare/pmemkit/internal/format"
	"github.com/joshuapare/pmemkit/object"
	"github.com/joshuapare/pmemkit/tx"
)

// The registration table is an open-addressing hash table in a
// Transactional region anchored at heap.SlotRegistrations:
//
//	[0:8)    capacity in slots, a power of two
//	[8:16)   live entries
//	[16:...) slots of {handle u64, count u64}; handle 0 marks an empty slot
//
// Lookups probe linearly from a Fibonacci hash of the handle. Deletes shift
// the rest of the cluster back, so the table never collects tombstones. An
// update touches a few words in place; only a grow rewrites the table.
const (
	regCapOffset   = 0
	regLiveOffset  = 8
	regHeaderSize  = 16
	regSlotSize    = 16
	regMinCapacity = 64

	fibMul = 0x9E3779B97F4A7C15
)

type regEntry struct {
	handle engine.Handle
	count  uint64
}

type regTable struct {
	r     heap.Region
	cap   int64
	live  int64
	shift uint
}

func slotOffset(i int64) int64 { return regHeaderSize + i*regSlotSize }

func homeSlot(h engine.Handle, shift uint) int64 {
	return int64((uint64(h) * fibMul) >> shift)
}

func shiftFor(capacity int64) uint {
	return uint(64 - bits.TrailingZeros64(uint64(capacity)))
}

// loadTable opens the table, or returns nil when none exists.
func loadTable(h *heap.Heap) (*regTable, error) {
	handle, err := h.SystemSlot(heap.SlotRegistrations)
	if err != nil || handle.IsNull() {
		return nil, err
	}
	r, err := h.Open(heap.Transactional, handle)
	if err != nil {
		return nil, fmt.Errorf("lifecycle: open registrations: %w", err)
	}
	capacity, err := r.GetLong(regCapOffset)
	if err != nil {
		return nil, err
	}
	live, err := r.GetLong(regLiveOffset)
	if err != nil {
		return nil, err
	}
	if capacity < regMinCapacity || capacity&(capacity-1) != 0 ||
		r.Size() < slotOffset(capacity) || live < 0 || live > capacity/2 {
		return nil, fmt.Errorf("lifecycle: registrations: capacity %d, live %d in %d bytes: %w",
			capacity, live, r.Size(), format.ErrTruncated)
	}
	return &regTable{r: r, cap: capacity, live: live, shift: shiftFor(capacity)}, nil
}

// createTable allocates a table holding ents and publishes it, all in ctx's
// transaction. The slot array is written in one piece.
func createTable(ctx context.Context, h *heap.Heap, capacity int64, ents []regEntry) (*regTable, error) {
	r, err := h.Allocate(ctx, heap.Transactional, slotOffset(capacity))
	if err != nil {
		return nil, err
	}
	t := &regTable{r: r, cap: capacity, live: int64(len(ents)), shift: shiftFor(capacity)}
	img := make([]byte, slotOffset(capacity))
	format.PutU64(img, regCapOffset, uint64(capacity))
	format.PutU64(img, regLiveOffset, uint64(len(ents)))
	mask := capacity - 1
	for _, e := range ents {
		i := homeSlot(e.handle, t.shift)
		for format.ReadU64(img, int(slotOffset(i))) != 0 {
			i = (i + 1) & mask
		}
		format.PutU64(img, int(slotOffset(i)), uint64(e.handle))
		format.PutU64(img, int(slotOffset(i))+8, e.count)
	}
	if err := r.CopyFromBytes(ctx, img, 0); err != nil {
		return nil, err
	}
	if err := h.SetSystemSlot(ctx, heap.SlotRegistrations, r.Handle()); err != nil {
		return nil, err
	}
	return t, nil
}

// find returns the slot holding handle, or the empty slot that ends its
// probe sequence.
func (t *regTable) find(handle engine.Handle) (int64, bool, error) {
	mask := t.cap - 1
	i := homeSlot(handle, t.shift)
	for range t.cap {
		v, err := t.r.GetLong(slotOffset(i))
		if err != nil {
			return 0, false, err
		}
		switch engine.Handle(v) {
		case engine.Null:
			return i, false, nil
		case handle:
			return i, true, nil
		}
		i = (i + 1) & mask
	}
	return 0, false, fmt.Errorf("lifecycle: registrations: no empty slot in %d: %w", t.cap, format.ErrTruncated)
}

func (t *regTable) count(i int64) (uint64, error) {
	v, err := t.r.GetLong(slotOffset(i) + 8)
	return uint64(v), err
}

func (t *regTable) setCount(ctx context.Context, i int64, n uint64) error {
	return t.r.PutLong(ctx, slotOffset(i)+8, int64(n))
}

func (t *regTable) setLive(ctx context.Context, n int64) error {
	if err := t.r.PutLong(ctx, regLiveOffset, n); err != nil {
		return err
	}
	t.live = n
	return nil
}

func (t *regTable) insert(ctx context.Context, i int64, handle engine.Handle, n uint64) error {
	var slot [regSlotSize]byte
	format.PutU64(slot[:], 0, uint64(handle))
	format.PutU64(slot[:], 8, n)
	if err := t.r.CopyFromBytes(ctx, slot[:], slotOffset(i)); err != nil {
		return err
	}
	return t.setLive(ctx, t.live+1)
}

// remove empties slot i and pulls later members of its cluster back so
// every remaining entry stays reachable from its home slot.
func (t *regTable) remove(ctx context.Context, i int64) error {
	mask := t.cap - 1
	var slot [regSlotSize]byte
	for j := (i + 1) & mask; ; j = (j + 1) & mask {
		if err := t.r.ReadBytes(slotOffset(j), slot[:]); err != nil {
			return err
		}
		h := engine.Handle(format.ReadU64(slot[:], 0))
		if h.IsNull() {
			break
		}
		if inCyclic(i, homeSlot(h, t.shift), j) {
			continue
		}
		if err := t.r.CopyFromBytes(ctx, slot[:], slotOffset(i)); err != nil {
			return err
		}
		i = j
	}
	if err := t.r.SetMemory(ctx, 0, slotOffset(i), regSlotSize); err != nil {
		return err
	}
	return t.setLive(ctx, t.live-1)
}

// inCyclic reports whether k lies in the cyclic range (i, j].
func inCyclic(i, k, j int64) bool {
	if i <= j {
		return i < k && k <= j
	}
	return i < k || k <= j
}

// entries returns every live entry ordered by handle.
func (t *regTable) entries() ([]regEntry, error) {
	img := make([]byte, t.cap*regSlotSize)
	if err := t.r.ReadBytes(regHeaderSize, img); err != nil {
		return nil, err
	}
	var out []regEntry
	for off := 0; off < len(img); off += regSlotSize {
		if h := engine.Handle(format.ReadU64(img, off)); !h.IsNull() {
			out = append(out, regEntry{handle: h, count: format.ReadU64(img, off+8)})
		}
	}
	slices.SortFunc(out, func(a, b regEntry) int {
		switch {
		case a.handle < b.handle:
			return -1
		case a.handle > b.handle:
			return 1
		}
		return 0
	})
	return out, nil
}

// grow rehashes the table into one twice the size and frees the old region.
func (t *regTable) grow(ctx context.Context, h *heap.Heap) (*regTable, error) {
	ents, err := t.entries()
	if err != nil {
		return nil, err
	}
	n, err := createTable(ctx, h, t.cap*2, ents)
	if err != nil {
		return nil, err
	}
	if err := h.FreeHandle(ctx, t.r.Handle()); err != nil {
		return nil, err
	}
	return n, nil
}

// adjust applies delta to handle's registration count inside ctx's
// transaction, or its own. The in-memory mirror follows on commit.
func (b *Bridge) adjust(ctx context.Context, handle engine.Handle, delta int) error {
	return tx.Run(ctx, b.heap.Engine(), func(ctx context.Context) error {
		t, err := loadTable(b.heap)
		if err != nil {
			return err
		}
		var (
			i     int64
			found bool
			cur   uint64
		)
		if t != nil {
			if i, found, err = t.find(handle); err != nil {
				return err
			}
			if found {
				if cur, err = t.count(i); err != nil {
					return err
				}
			}
		}
		n := int64(cur) + int64(delta)
		switch {
		case n < 0:
			return fmt.Errorf("lifecycle: registration count of %#x would become %d", uint64(handle), n)
		case n == 0 && found:
			err = t.remove(ctx, i)
		case n == 0:
		case found:
			err = t.setCount(ctx, i, uint64(n))
		case t == nil:
			_, err = createTable(ctx, b.heap, regMinCapacity, []regEntry{{handle: handle, count: uint64(n)}})
		default:
			if (t.live+1)*2 > t.cap {
				if t, err = t.grow(ctx, b.heap); err != nil {
					return err
				}
				if i, _, err = t.find(handle); err != nil {
					return err
				}
			}
			err = t.insert(ctx, i, handle, uint64(n))
		}
		if err != nil {
			return err
		}
		tx.FromContext(ctx).OnCommit(func() { b.mirror(handle, delta) })
		return nil
	})
}

// mirror applies a committed delta to the in-memory counts.
func (b *Bridge) mirror(handle engine.Handle, delta int) {
	b.regMu.Lock()
	defer b.regMu.Unlock()
	if n := int64(b.regs[handle]) + int64(delta); n > 0 {
		b.regs[handle] = uint32(n)
	} else {
		delete(b.regs, handle)
	}
}

// recover releases every reference an earlier process left registered.
// Each handle is released and removed from the table in one transaction;
// the emptied table is freed at the end.
func (b *Bridge) recover(ctx context.Context) error {
	t, err := loadTable(b.heap)
	if err != nil {
		return fmt.Errorf("lifecycle: load registrations: %w", err)
	}
	if t == nil {
		return nil
	}
	ents, err := t.entries()
	if err != nil {
		return fmt.Errorf("lifecycle: load registrations: %w", err)
	}

	b.regMu.Lock()
	for _, e := range ents {
		b.regs[e.handle] = uint32(e.count)
	}
	b.regMu.Unlock()

	var released uint64
	for _, e := range ents {
		err := tx.Run(ctx, b.heap.Engine(), func(ctx context.Context) error {
			if b.heap.IsAllocated(e.handle) {
				for range e.count {
					if _, err := object.Release(ctx, b.heap, e.handle); err != nil {
						return err
					}
				}
			}
			return b.adjust(ctx, e.handle, -int(e.count))
		})
		if err != nil {
			return fmt.Errorf("lifecycle: recover %#x: %w", uint64(e.handle), err)
		}
		released += e.count
	}

	err = tx.Run(ctx, b.heap.Engine(), func(ctx context.Context) error {
		t, err := loadTable(b.heap)
		if err != nil || t == nil || t.live > 0 {
			return err
		}
		if err := b.heap.SetSystemSlot(ctx, heap.SlotRegistrations, engine.Null); err != nil {
			return err
		}
		return b.heap.FreeHandle(ctx, t.r.Handle())
	})
	if err != nil {
		return fmt.Errorf("lifecycle: free registrations: %w", err)
	}
	if len(ents) > 0 {
		b.log.Info("recovered registrations", "handles", len(ents), "references", released)
	}
	return nil
}
