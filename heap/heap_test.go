package heap

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joshuapare/pmemkit/engine"
	"github.com/joshuapare/pmemkit/engine/pmem"
	"github.com/joshuapare/pmemkit/internal/format"
	"github.com/joshuapare/pmemkit/internal/testutil"
	"github.com/joshuapare/pmemkit/pkg/types"
	"github.com/joshuapare/pmemkit/tx"
)

var allKinds = []Kind{Raw, Flushable, Transactional}

func newTestHeap(t *testing.T) *Heap {
	t.Helper()
	h := NewVolatile(Options{Size: 1 << 20})
	t.Cleanup(func() { h.Close() })
	return h
}

func newFaultyHeap(t *testing.T) (*Heap, *testutil.FaultyEngine) {
	t.Helper()
	f := testutil.NewFaultyEngine(pmem.NewVolatile(pmem.Options{Size: 1 << 20}))
	h := FromEngine("faulty", f, Options{})
	t.Cleanup(func() { h.Close() })
	return h, f
}

func Test_Region_Bits_RoundTrip(t *testing.T) {
	ctx := context.Background()
	h := newTestHeap(t)
	values := []int64{0, 1, -1, 127, -128, 0x7FFF, -0x8000, 0x12345678, -0x12345678, 0x7FFFFFFFFFFFFFFF, -0x8000000000000000}

	for _, kind := range allKinds {
		t.Run(kind.String(), func(t *testing.T) {
			r, err := h.Allocate(ctx, kind, 32)
			require.NoError(t, err)

			for _, w := range []int{1, 2, 4, 8} {
				for _, v := range values {
					for _, off := range []int64{0, 3, 32 - int64(w)} {
						require.NoError(t, r.PutBits(ctx, off, w, v))

						got, err := r.GetBits(off, w, true)
						require.NoError(t, err)
						assert.Equal(t, format.Extend(uint64(v), w, true), got, "signed w=%d v=%d", w, v)

						got, err = r.GetBits(off, w, false)
						require.NoError(t, err)
						assert.Equal(t, format.Extend(uint64(v), w, false), got, "unsigned w=%d v=%d", w, v)
					}
				}
			}
		})
	}
}

func Test_Region_TypedAccessors(t *testing.T) {
	ctx := context.Background()
	h := newTestHeap(t)
	r, err := h.Allocate(ctx, Transactional, 32)
	require.NoError(t, err)

	require.NoError(t, r.PutByte(ctx, 0, -5))
	require.NoError(t, r.PutShort(ctx, 1, -300))
	require.NoError(t, r.PutInt(ctx, 3, -70000))
	require.NoError(t, r.PutLong(ctx, 7, -1<<40))
	require.NoError(t, r.PutFloat(ctx, 15, 3.5))
	require.NoError(t, r.PutDouble(ctx, 19, -2.25))
	require.NoError(t, r.PutBool(ctx, 27, true))

	b, _ := r.GetByte(0)
	s, _ := r.GetShort(1)
	i, _ := r.GetInt(3)
	l, _ := r.GetLong(7)
	f, _ := r.GetFloat(15)
	d, _ := r.GetDouble(19)
	ok, _ := r.GetBool(27)
	assert.Equal(t, int8(-5), b)
	assert.Equal(t, int16(-300), s)
	assert.Equal(t, int32(-70000), i)
	assert.Equal(t, int64(-1<<40), l)
	assert.InDelta(t, 3.5, f, 0)
	assert.InDelta(t, -2.25, d, 0)
	assert.True(t, ok)
}

func Test_Region_Bounds(t *testing.T) {
	ctx := context.Background()
	h := newTestHeap(t)

	for _, kind := range allKinds {
		t.Run(kind.String(), func(t *testing.T) {
			r, err := h.Allocate(ctx, kind, 16)
			require.NoError(t, err)

			require.NoError(t, r.PutByte(ctx, 15, 1), "last byte is writable")
			_, err = r.GetByte(15)
			require.NoError(t, err)

			_, err = r.GetByte(16)
			assert.ErrorIs(t, err, types.ErrOutOfBounds)
			assert.ErrorIs(t, r.PutByte(ctx, 16, 1), types.ErrOutOfBounds)
			assert.ErrorIs(t, r.PutLong(ctx, 9, 1), types.ErrOutOfBounds)
			_, err = r.GetBits(-1, 1, false)
			assert.ErrorIs(t, err, types.ErrOutOfBounds)
			assert.ErrorIs(t, r.SetMemory(ctx, 0xAA, 8, 9), types.ErrOutOfBounds)
			assert.ErrorIs(t, r.ReadBytes(10, make([]byte, 7)), types.ErrOutOfBounds)

			_, err = r.GetBits(0, 3, false)
			assert.ErrorIs(t, err, types.ErrInvalidWidth)
			assert.ErrorIs(t, r.PutBits(ctx, 0, 16, 0), types.ErrInvalidWidth)

			v, err := r.GetLong(0)
			require.NoError(t, err)
			assert.Zero(t, v, "failed writes must not mutate")
		})
	}
}

func Test_Region_BulkCopy(t *testing.T) {
	ctx := context.Background()
	h := newTestHeap(t)
	src, err := h.Allocate(ctx, Raw, 16)
	require.NoError(t, err)
	dst, err := h.Allocate(ctx, Transactional, 16)
	require.NoError(t, err)

	require.NoError(t, src.CopyFromBytes(ctx, []byte("abcdefgh"), 4))
	require.NoError(t, dst.CopyFrom(ctx, src, 4, 0, 8))
	require.NoError(t, dst.SetMemory(ctx, 'z', 8, 8))

	got := make([]byte, 16)
	require.NoError(t, dst.ReadBytes(0, got))
	assert.Equal(t, "abcdefghzzzzzzzz", string(got))

	assert.ErrorIs(t, dst.CopyFrom(ctx, src, 12, 0, 8), types.ErrOutOfBounds)
}

func Test_Region_NotAliveAfterFree(t *testing.T) {
	ctx := context.Background()
	h := newTestHeap(t)
	r, err := h.Allocate(ctx, Flushable, 64)
	require.NoError(t, err)
	alias, err := h.Open(Flushable, r.Handle())
	require.NoError(t, err)

	require.NoError(t, h.Free(ctx, r))
	assert.False(t, alias.Alive(), "every value sharing the handle is invalidated")

	_, err = alias.GetByte(0)
	assert.ErrorIs(t, err, types.ErrNotAlive)
	assert.ErrorIs(t, alias.PutByte(ctx, 0, 1), types.ErrNotAlive)
	assert.ErrorIs(t, alias.Flush(), types.ErrNotAlive)
	assert.ErrorIs(t, h.Free(ctx, alias), types.ErrNotAlive)

	_, err = h.Open(Flushable, r.Handle())
	assert.ErrorIs(t, err, types.ErrNotFound)
}

func Test_Region_FlushableLines(t *testing.T) {
	ctx := context.Background()
	h, f := newFaultyHeap(t)
	r, err := h.Allocate(ctx, Flushable, 256)
	require.NoError(t, err)

	flushed, err := r.IsFlushed()
	require.NoError(t, err)
	assert.True(t, flushed, "fresh region has nothing pending")

	f.Reset()
	require.NoError(t, r.CopyFromBytes(ctx, make([]byte, 10), 60))
	flushed, err = r.IsFlushed()
	require.NoError(t, err)
	assert.False(t, flushed)

	fr, ok := r.(*flushableRegion)
	require.True(t, ok)
	lines := fr.st.tracker.Lines()
	require.Len(t, lines, 2)
	assert.Equal(t, int64(0), lines[0].Off)
	assert.Equal(t, int64(64), lines[1].Off)
	assert.Equal(t, int64(64), lines[1].Len)

	// A second write in the same epoch must not touch the flag again.
	require.NoError(t, r.PutByte(ctx, 61, 1))
	assert.Equal(t, []testutil.Call{
		{Handle: r.Handle(), Off: format.RegionDirtyOffset, N: 8},
	}, f.Flushes())

	f.Reset()
	require.NoError(t, r.Flush())
	assert.Equal(t, []testutil.Call{
		{Handle: r.Handle(), Off: format.FlushableBaseOffset, N: 128},
		{Handle: r.Handle(), Off: format.RegionDirtyOffset, N: 8},
	}, f.Flushes())

	flushed, err = r.IsFlushed()
	require.NoError(t, err)
	assert.True(t, flushed)

	f.Reset()
	require.NoError(t, r.Flush())
	assert.Len(t, f.Flushes(), 1, "empty flush only rewrites the flag")
}

func Test_Region_FlushableTailClamped(t *testing.T) {
	ctx := context.Background()
	h, f := newFaultyHeap(t)
	r, err := h.Allocate(ctx, Flushable, 70)
	require.NoError(t, err)

	require.NoError(t, r.PutByte(ctx, 69, 1))
	f.Reset()
	require.NoError(t, r.Flush())
	require.NotEmpty(t, f.Flushes())
	assert.Equal(t, testutil.Call{Handle: r.Handle(), Off: format.FlushableBaseOffset + 64, N: 6}, f.Flushes()[0])
}

func Test_Region_FlushFailureKeepsPending(t *testing.T) {
	ctx := context.Background()
	h, f := newFaultyHeap(t)
	r, err := h.Allocate(ctx, Flushable, 128)
	require.NoError(t, err)
	require.NoError(t, r.PutLong(ctx, 0, 7))

	f.FailOn(testutil.OpFlush, 1)
	require.Error(t, r.Flush())
	flushed, _ := r.IsFlushed()
	assert.False(t, flushed)

	require.NoError(t, r.Flush())
	flushed, _ = r.IsFlushed()
	assert.True(t, flushed)
}

func Test_Region_DirtyFlagFailureLeavesPayload(t *testing.T) {
	ctx := context.Background()
	h, f := newFaultyHeap(t)
	r, err := h.Allocate(ctx, Flushable, 64)
	require.NoError(t, err)
	require.NoError(t, r.PutLong(ctx, 8, 7))
	require.NoError(t, r.Flush())

	f.FailOn(testutil.OpFlush, 1)
	err = r.PutLong(ctx, 8, 9)
	require.ErrorIs(t, err, testutil.ErrInjected)

	v, err := r.GetLong(8)
	require.NoError(t, err)
	assert.Equal(t, int64(7), v, "payload must not change when the dirty flag cannot be persisted")
	flushed, err := r.IsFlushed()
	require.NoError(t, err)
	assert.True(t, flushed)
	fr, ok := r.(*flushableRegion)
	require.True(t, ok)
	assert.True(t, fr.st.tracker.Empty())

	require.NoError(t, r.PutLong(ctx, 8, 9))
	v, err = r.GetLong(8)
	require.NoError(t, err)
	assert.Equal(t, int64(9), v)
	flushed, err = r.IsFlushed()
	require.NoError(t, err)
	assert.False(t, flushed)
}

func Test_Region_KindSpecificFlush(t *testing.T) {
	ctx := context.Background()
	h := newTestHeap(t)

	raw, err := h.Allocate(ctx, Raw, 8)
	require.NoError(t, err)
	assert.ErrorIs(t, raw.Flush(), types.ErrUnsupportedForKind)
	_, err = raw.IsFlushed()
	assert.ErrorIs(t, err, types.ErrUnsupportedForKind)

	txr, err := h.Allocate(ctx, Transactional, 8)
	require.NoError(t, err)
	require.NoError(t, txr.PutLong(ctx, 0, 1))
	require.NoError(t, txr.Flush())
	flushed, err := txr.IsFlushed()
	require.NoError(t, err)
	assert.True(t, flushed)
}

func Test_Heap_Open_KindAndStaleHandle(t *testing.T) {
	ctx := context.Background()
	h := newTestHeap(t)
	r, err := h.Allocate(ctx, Raw, 40)
	require.NoError(t, err)

	_, err = h.Open(Transactional, r.Handle())
	assert.ErrorIs(t, err, types.ErrUnsupportedForKind)

	again, err := h.Open(Raw, r.Handle())
	require.NoError(t, err)
	assert.Equal(t, int64(40), again.Size())

	kind, err := h.KindOf(r.Handle())
	require.NoError(t, err)
	assert.Equal(t, Raw, kind)

	_, err = h.Open(Raw, engine.Null)
	assert.ErrorIs(t, err, types.ErrNotFound)
	_, err = h.Open(Raw, r.Handle()+8)
	assert.ErrorIs(t, err, types.ErrNotFound)
}

func Test_Heap_Allocate_Errors(t *testing.T) {
	ctx := context.Background()
	h := newTestHeap(t)

	_, err := h.Allocate(ctx, Raw, -1)
	assert.ErrorIs(t, err, types.ErrAllocation)
	_, err = h.Allocate(ctx, Raw, 1<<62)
	assert.ErrorIs(t, err, types.ErrAllocation)
	_, err = h.Allocate(ctx, Kind(9), 8)
	assert.ErrorIs(t, err, types.ErrUnsupportedForKind)

	r, err := h.Allocate(ctx, Raw, 0)
	require.NoError(t, err)
	assert.Zero(t, r.Size())
	_, err = r.GetByte(0)
	assert.ErrorIs(t, err, types.ErrOutOfBounds)
}

func Test_Heap_OpenOrGet_Singleton(t *testing.T) {
	path := testutil.PoolPath(t, "singleton")

	const n = 16
	heaps := make([]*Heap, n)
	var wg sync.WaitGroup
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h, err := OpenOrGet(path, Options{Size: 1 << 20})
			if err != nil {
				t.Errorf("OpenOrGet: %v", err)
				return
			}
			heaps[i] = h
		}()
	}
	wg.Wait()

	for i := 1; i < n; i++ {
		require.Same(t, heaps[0], heaps[i])
	}
	require.NoError(t, heaps[0].Close())

	fresh, err := OpenOrGet(path, Options{})
	require.NoError(t, err)
	defer fresh.Close()
	assert.NotSame(t, heaps[0], fresh, "close deregisters")
	assert.Equal(t, heaps[0].UUID(), fresh.UUID())
}

func Test_Heap_RootSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := testutil.PoolPath(t, "root")

	h, err := OpenOrGet(path, Options{Size: 1 << 20})
	require.NoError(t, err)
	r, err := h.Allocate(ctx, Transactional, 16)
	require.NoError(t, err)
	require.NoError(t, h.Run(ctx, func(ctx context.Context) error {
		if err := r.PutLong(ctx, 8, 1234); err != nil {
			return err
		}
		return h.SetRoot(ctx, r.Handle())
	}))
	require.NoError(t, h.Close())

	h, err = OpenOrGet(path, Options{})
	require.NoError(t, err)
	defer h.Close()
	root, err := h.Root()
	require.NoError(t, err)
	require.Equal(t, r.Handle(), root)

	again, err := h.Open(Transactional, root)
	require.NoError(t, err)
	v, err := again.GetLong(8)
	require.NoError(t, err)
	assert.Equal(t, int64(1234), v)

	assert.ErrorIs(t, h.SetRoot(ctx, 999), types.ErrRoot)
}

func Test_Heap_TransactionRollback(t *testing.T) {
	ctx := context.Background()
	h := newTestHeap(t)
	r, err := h.Allocate(ctx, Transactional, 16)
	require.NoError(t, err)
	require.NoError(t, r.PutLong(ctx, 0, 1))
	victim, err := h.Allocate(ctx, Raw, 8)
	require.NoError(t, err)

	var fresh Region
	boom := errors.New("boom")
	err = h.Run(ctx, func(ctx context.Context) error {
		if err := r.PutLong(ctx, 0, 2); err != nil {
			return err
		}
		nr, err := h.Allocate(ctx, Raw, 8)
		if err != nil {
			return err
		}
		fresh = nr
		if err := h.Free(ctx, victim); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	v, err := r.GetLong(0)
	require.NoError(t, err)
	assert.Equal(t, int64(1), v)
	assert.False(t, h.IsAllocated(fresh.Handle()))
	assert.True(t, victim.Alive(), "free in aborted transaction does not invalidate")
	assert.True(t, h.IsAllocated(victim.Handle()))
}

func Test_Heap_Reallocate(t *testing.T) {
	ctx := context.Background()
	h := newTestHeap(t)
	r, err := h.Allocate(ctx, Transactional, 8)
	require.NoError(t, err)
	require.NoError(t, r.PutLong(ctx, 0, 77))
	_, err = h.AddRef(ctx, r.Handle(), 2)
	require.NoError(t, err)
	require.NoError(t, h.SetTypeTag(ctx, r.Handle(), 0xBEEF))

	grown, err := h.Reallocate(ctx, Transactional, r, 64)
	require.NoError(t, err)
	assert.False(t, r.Alive())
	assert.Equal(t, int64(64), grown.Size())
	v, err := grown.GetLong(0)
	require.NoError(t, err)
	assert.Equal(t, int64(77), v)

	rc, err := h.RefCount(grown.Handle())
	require.NoError(t, err)
	assert.Equal(t, uint32(2), rc)
	tag, err := h.TypeTag(grown.Handle())
	require.NoError(t, err)
	assert.Equal(t, uint64(0xBEEF), tag)

	shrunk, err := h.Reallocate(ctx, Raw, grown, 4)
	require.NoError(t, err)
	assert.Equal(t, Raw, shrunk.Kind())
	i, err := shrunk.GetInt(0)
	require.NoError(t, err)
	assert.Equal(t, int32(77), i)

	gone, err := h.Reallocate(ctx, Raw, shrunk, 0)
	require.NoError(t, err)
	assert.Nil(t, gone)
	assert.False(t, shrunk.Alive())
	assert.False(t, h.IsAllocated(shrunk.Handle()))
}

func Test_Heap_Reallocate_FailureLeavesOriginal(t *testing.T) {
	ctx := context.Background()
	h, f := newFaultyHeap(t)
	r, err := h.Allocate(ctx, Transactional, 32)
	require.NoError(t, err)
	require.NoError(t, r.CopyFromBytes(ctx, []byte("persistent"), 0))
	before := h.Stats()

	f.FailOn(testutil.OpWrite, 1)
	_, err = h.Reallocate(ctx, Transactional, r, 128)
	require.ErrorIs(t, err, testutil.ErrInjected)

	assert.True(t, r.Alive())
	got := make([]byte, 10)
	require.NoError(t, r.ReadBytes(0, got))
	assert.Equal(t, "persistent", string(got))
	assert.Equal(t, before.Allocations, h.Stats().Allocations, "new allocation released")

	require.NoError(t, h.Free(ctx, r))
}

func Test_Heap_RefCount(t *testing.T) {
	ctx := context.Background()
	h := newTestHeap(t)
	r, err := h.Allocate(ctx, Raw, 8)
	require.NoError(t, err)

	n, err := h.AddRef(ctx, r.Handle(), 1)
	require.NoError(t, err)
	assert.Equal(t, uint32(1), n)
	n, err = h.AddRef(ctx, r.Handle(), -1)
	require.NoError(t, err)
	assert.Zero(t, n)

	_, err = h.AddRef(ctx, r.Handle(), -1)
	require.Error(t, err)
	n, err = h.RefCount(r.Handle())
	require.NoError(t, err)
	assert.Zero(t, n)

	_ = h.Run(ctx, func(ctx context.Context) error {
		if _, err := h.AddRef(ctx, r.Handle(), 5); err != nil {
			return err
		}
		return tx.FromContext(ctx).Abort()
	})
	n, err = h.RefCount(r.Handle())
	require.NoError(t, err)
	assert.Zero(t, n, "refcount change rolled back with its transaction")
}

func Test_Heap_AddRef_AbortKeepsConcurrentCommit(t *testing.T) {
	ctx := context.Background()
	h := newTestHeap(t)
	r, err := h.Allocate(ctx, Raw, 8)
	require.NoError(t, err)
	_, err = h.AddRef(ctx, r.Handle(), 1)
	require.NoError(t, err)

	ctxA, a, err := tx.Start(ctx, h.Engine())
	require.NoError(t, err)
	_, err = h.AddRef(ctxA, r.Handle(), 1)
	require.NoError(t, err)

	committed := make(chan error, 1)
	go func() {
		_, err := h.AddRef(context.Background(), r.Handle(), 1)
		committed <- err
	}()

	select {
	case err := <-committed:
		t.Fatalf("AddRef committed (%v) under an open transaction", err)
	case <-time.After(50 * time.Millisecond):
	}

	require.NoError(t, a.Abort())
	require.NoError(t, a.Commit())
	require.NoError(t, <-committed)

	n, err := h.RefCount(r.Handle())
	require.NoError(t, err)
	assert.Equal(t, uint32(2), n, "the committed increment survives the other transaction's abort")
}

func Test_Heap_AddRef_ConcurrentIncrements(t *testing.T) {
	ctx := context.Background()
	h := newTestHeap(t)
	r, err := h.Allocate(ctx, Raw, 8)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for range 16 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 25 {
				if _, err := h.AddRef(context.Background(), r.Handle(), 1); err != nil {
					t.Errorf("AddRef: %v", err)
					return
				}
			}
		}()
	}
	wg.Wait()

	n, err := h.RefCount(r.Handle())
	require.NoError(t, err)
	assert.Equal(t, uint32(400), n)
}

func Test_Heap_SystemSlots(t *testing.T) {
	ctx := context.Background()
	h := newTestHeap(t)

	v, err := h.SystemSlot(SlotRegistrations)
	require.NoError(t, err)
	assert.True(t, v.IsNull())

	r, err := h.Allocate(ctx, Raw, 8)
	require.NoError(t, err)
	require.NoError(t, h.SetSystemSlot(ctx, SlotRegistrations, r.Handle()))

	v, err = h.SystemSlot(SlotRegistrations)
	require.NoError(t, err)
	assert.Equal(t, r.Handle(), v)
	v, err = h.SystemSlot(SlotDirectory)
	require.NoError(t, err)
	assert.True(t, v.IsNull())

	_, err = h.SystemSlot(NumSystemSlots)
	assert.ErrorIs(t, err, types.ErrOutOfBounds)
	assert.ErrorIs(t, h.SetSystemSlot(ctx, -1, r.Handle()), types.ErrOutOfBounds)
}

func Test_Heap_Closed(t *testing.T) {
	ctx := context.Background()
	h := NewVolatile(Options{})
	r, err := h.Allocate(ctx, Raw, 8)
	require.NoError(t, err)
	require.NoError(t, h.Close())
	require.NoError(t, h.Close())

	assert.False(t, r.Alive())
	_, err = h.Allocate(ctx, Raw, 8)
	assert.ErrorIs(t, err, types.ErrClosed)
	_, err = h.Root()
	assert.ErrorIs(t, err, types.ErrClosed)
}
