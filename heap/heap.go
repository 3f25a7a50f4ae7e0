// Package heap provides pools of persistent allocations and typed, bounds-
// checked Regions over them.
//
// A Heap wraps one engine.Engine. Heaps over pool files are process-wide
// singletons per absolute path: OpenOrGet returns the existing instance when
// the path is already open.
//
//	h, err := heap.OpenOrGet("/mnt/pmem/app.pool", heap.Options{Size: 1 << 30})
//	r, err := h.Allocate(ctx, heap.Transactional, 64)
//	err = tx.Run(ctx, h.Engine(), func(ctx context.Context) error {
//	    if err := r.PutLong(ctx, 0, 42); err != nil {
//	        return err
//	    }
//	    return h.SetRoot(ctx, r.Handle())
//	})
//
// Every allocation starts with a small region header (logical size,
// persistent reference count, kind magic, type tag and, for Flushable
// regions, a dirty flag) so a handle alone is enough to re-open it.
package heap

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"runtime"
	"sync"
	"sync/atomic"
	"weak"

	"github.com/google/uuid"

	"github.com/joshuapare/pmemkit/engine"
	"github.com/joshuapare/pmemkit/engine/pmem"
	"github.com/joshuapare/pmemkit/heap/dirty"
	"github.com/joshuapare/pmemkit/internal/buf"
	"github.com/joshuapare/pmemkit/internal/format"
	"github.com/joshuapare/pmemkit/internal/logger"
	"github.com/joshuapare/pmemkit/pkg/types"
	"github.com/joshuapare/pmemkit/tx"
)

// Options configures a Heap.
type Options struct {
	// Size is the pool size in bytes when a new pool file is created.
	// Default: pmem.DefaultPoolSize.
	Size int64

	// Logger receives heap and pool events. Default: logger.L.
	Logger *slog.Logger
}

// Heap is the allocator and root registry for one pool.
type Heap struct {
	name   string
	eng    engine.Engine
	log    *slog.Logger
	closed atomic.Bool

	// states maps a handle to the liveness record shared by its Regions.
	states sync.Map // engine.Handle -> weak.Pointer[regionState]

	sysMu sync.Mutex // serializes creation of the system root region
}

var (
	registryMu sync.Mutex
	registry   = make(map[string]*Heap)
)

// OpenOrGet returns the Heap for the pool file at path, opening or creating
// the pool on first use. Concurrent callers for one path get one instance.
func OpenOrGet(path string, opts Options) (*Heap, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("heap: resolve %s: %w", path, err)
	}

	registryMu.Lock()
	defer registryMu.Unlock()
	if h, ok := registry[abs]; ok {
		return h, nil
	}
	p, err := pmem.OpenOrCreate(abs, pmem.Options{Size: opts.Size, Logger: opts.Logger})
	if err != nil {
		return nil, fmt.Errorf("heap: open %s: %w", abs, err)
	}
	h := FromEngine(abs, p, opts)
	registry[abs] = h
	return h, nil
}

// NewVolatile returns a Heap over a heap-allocated arena. It is not
// registered and its contents vanish on Close.
func NewVolatile(opts Options) *Heap {
	p := pmem.NewVolatile(pmem.Options{Size: opts.Size, Logger: opts.Logger})
	return FromEngine("", p, opts)
}

// FromEngine wraps an existing engine. The Heap is not registered; name is
// used only for logging.
func FromEngine(name string, eng engine.Engine, opts Options) *Heap {
	h := &Heap{name: name, eng: eng, log: logger.Or(opts.Logger)}
	h.log.Debug("heap opened", "name", name, "uuid", eng.UUID())
	return h
}

// Engine returns the backing engine, for use with tx.Run.
func (h *Heap) Engine() engine.Engine { return h.eng }

// Name returns the pool path, or "" for unregistered heaps.
func (h *Heap) Name() string { return h.name }

// UUID returns the pool identity.
func (h *Heap) UUID() uuid.UUID { return h.eng.UUID() }

// Stats returns engine usage counters.
func (h *Heap) Stats() engine.Stats { return h.eng.Stats() }

// IsAllocated reports whether handle names a live allocation.
func (h *Heap) IsAllocated(handle engine.Handle) bool { return h.eng.IsAllocated(handle) }

// Run executes work in a transaction on this heap's engine.
func (h *Heap) Run(ctx context.Context, work func(ctx context.Context) error) error {
	return tx.Run(ctx, h.eng, work)
}

func (h *Heap) checkOpen(op string) error {
	if h.closed.Load() {
		return &types.Error{Kind: types.ErrKindClosed, Op: op, Msg: "heap closed"}
	}
	return nil
}

// Allocate returns a new zeroed Region of size user bytes. Inside an active
// transaction the allocation is released again if the transaction aborts.
func (h *Heap) Allocate(ctx context.Context, kind Kind, size int64) (Region, error) {
	const op = "heap.Allocate"
	if err := h.checkOpen(op); err != nil {
		return nil, err
	}
	if !kind.valid() {
		return nil, types.Errorf(types.ErrKindUnsupportedForKind, op, "unknown kind %d", int(kind))
	}
	if size < 0 {
		return nil, types.Errorf(types.ErrKindAllocation, op, "negative size %d", size)
	}
	total, ok := buf.AddOverflowSafe(size, kind.BaseOffset())
	if !ok {
		return nil, types.Errorf(types.ErrKindAllocation, op, "size %d overflows", size)
	}

	var handle engine.Handle
	var err error
	if l, ok := tx.Current(ctx, h.eng); ok {
		handle, err = l.Allocate(total)
	} else {
		handle, err = h.eng.Allocate(total)
	}
	if err != nil {
		return nil, &types.Error{Kind: types.ErrKindAllocation, Op: op, Msg: fmt.Sprintf("%d bytes", size), Err: err}
	}

	view, err := h.eng.Open(handle)
	if err != nil {
		return nil, &types.Error{Kind: types.ErrKindAllocation, Op: op, Msg: "open new allocation", Err: err}
	}
	// Fresh allocations are zeroed and unreachable until published, so the
	// header is written directly and flushed once.
	format.PutU64(view, format.RegionSizeOffset, uint64(size))
	format.PutU32(view, format.RegionKindOffset, kind.magic())
	if err := h.eng.Flush(handle, 0, kind.BaseOffset()); err != nil {
		return nil, &types.Error{Kind: types.ErrKindAllocation, Op: op, Msg: "flush header", Err: err}
	}
	return newRegion(h, kind, handle, view, size, h.stateFor(handle)), nil
}

// Open re-attaches to an existing allocation. It fails with NotFound for a
// stale handle and UnsupportedForKind when kind differs from the kind the
// allocation was made with.
func (h *Heap) Open(kind Kind, handle engine.Handle) (Region, error) {
	const op = "heap.Open"
	if err := h.checkOpen(op); err != nil {
		return nil, err
	}
	view, size, stored, err := h.header(op, handle)
	if err != nil {
		return nil, err
	}
	if stored != kind {
		return nil, types.Errorf(types.ErrKindUnsupportedForKind, op, "handle %#x is %s, not %s", uint64(handle), stored, kind)
	}
	return newRegion(h, kind, handle, view, size, h.stateFor(handle)), nil
}

// KindOf returns the kind an allocation was made with.
func (h *Heap) KindOf(handle engine.Handle) (Kind, error) {
	_, _, k, err := h.header("heap.KindOf", handle)
	return k, err
}

// header validates handle's region header and returns its view, logical
// size and kind.
func (h *Heap) header(op string, handle engine.Handle) ([]byte, int64, Kind, error) {
	if handle.IsNull() {
		return nil, 0, 0, types.Errorf(types.ErrKindNotFound, op, "null handle")
	}
	view, err := h.eng.Open(handle)
	if err != nil {
		return nil, 0, 0, &types.Error{Kind: types.ErrKindNotFound, Op: op, Msg: fmt.Sprintf("handle %#x", uint64(handle)), Err: err}
	}
	if len(view) < format.RawBaseOffset {
		return nil, 0, 0, types.Errorf(types.ErrKindNotFound, op, "handle %#x too small for a region", uint64(handle))
	}
	kind, ok := kindFromMagic(format.ReadU32(view, format.RegionKindOffset))
	if !ok {
		return nil, 0, 0, types.Errorf(types.ErrKindNotFound, op, "handle %#x has no region header", uint64(handle))
	}
	size := int64(format.ReadU64(view, format.RegionSizeOffset))
	if !buf.InRange(int64(len(view)), kind.BaseOffset(), size) {
		return nil, 0, 0, types.Errorf(types.ErrKindNotFound, op, "handle %#x: size %d exceeds allocation", uint64(handle), size)
	}
	return view, size, kind, nil
}

// Free releases r's allocation and invalidates every Region value sharing
// its handle. Inside a transaction the release is deferred to commit and
// skipped on abort.
func (h *Heap) Free(ctx context.Context, r Region) error {
	if r == nil {
		return types.Errorf(types.ErrKindNotAlive, "heap.Free", "nil region")
	}
	if !r.Alive() {
		return types.Errorf(types.ErrKindNotAlive, "heap.Free", "region %#x already freed", uint64(r.Handle()))
	}
	return h.FreeHandle(ctx, r.Handle())
}

// FreeHandle releases an allocation by handle.
func (h *Heap) FreeHandle(ctx context.Context, handle engine.Handle) error {
	const op = "heap.Free"
	if err := h.checkOpen(op); err != nil {
		return err
	}
	if l, ok := tx.Current(ctx, h.eng); ok {
		if err := l.Free(handle); err != nil {
			return &types.Error{Kind: types.ErrKindFree, Op: op, Msg: fmt.Sprintf("handle %#x", uint64(handle)), Err: err}
		}
		tx.FromContext(ctx).OnCommit(func() { h.invalidate(handle) })
		return nil
	}
	if err := h.eng.Free(handle); err != nil {
		return &types.Error{Kind: types.ErrKindFree, Op: op, Msg: fmt.Sprintf("handle %#x", uint64(handle)), Err: err}
	}
	h.invalidate(handle)
	return nil
}

// Reallocate moves r into a new Region of newSize bytes, copying
// min(old, new) bytes and carrying the header's reference count and type
// tag. newSize 0 frees r and returns nil. The move is one transaction: on
// failure r is left intact.
func (h *Heap) Reallocate(ctx context.Context, kind Kind, r Region, newSize int64) (Region, error) {
	if r == nil || !r.Alive() {
		return nil, types.Errorf(types.ErrKindNotAlive, "heap.Reallocate", "region is not alive")
	}
	if newSize == 0 {
		return nil, h.Free(ctx, r)
	}
	if newSize < 0 {
		return nil, types.Errorf(types.ErrKindAllocation, "heap.Reallocate", "negative size %d", newSize)
	}

	var out Region
	err := tx.Run(ctx, h.eng, func(ctx context.Context) error {
		nr, err := h.Allocate(ctx, kind, newSize)
		if err != nil {
			return err
		}
		n := min(r.Size(), newSize)
		if n > 0 {
			p := make([]byte, n)
			if err := r.ReadBytes(0, p); err != nil {
				return err
			}
			if err := nr.CopyFromBytes(ctx, p, 0); err != nil {
				return err
			}
		}
		if err := h.copyHeader(ctx, r.Handle(), nr.Handle()); err != nil {
			return err
		}
		if err := h.Free(ctx, r); err != nil {
			return err
		}
		out = nr
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (h *Heap) copyHeader(ctx context.Context, from, to engine.Handle) error {
	rc, err := h.RefCount(from)
	if err != nil {
		return err
	}
	tag, err := h.TypeTag(from)
	if err != nil {
		return err
	}
	if err := h.writeHeader(ctx, to, format.RegionRefCountOffset, 4, uint64(rc)); err != nil {
		return err
	}
	return h.writeHeader(ctx, to, format.RegionTypeTagOffset, 8, tag)
}

// Root returns the user root handle.
func (h *Heap) Root() (engine.Handle, error) {
	if err := h.checkOpen("heap.Root"); err != nil {
		return engine.Null, err
	}
	root, err := h.eng.Root(engine.UserRoot)
	if err != nil {
		return engine.Null, &types.Error{Kind: types.ErrKindRoot, Op: "heap.Root", Msg: "read", Err: err}
	}
	return root, nil
}

// SetRoot publishes handle as the user root.
func (h *Heap) SetRoot(ctx context.Context, handle engine.Handle) error {
	return h.setRoot(ctx, engine.UserRoot, handle)
}

func (h *Heap) setRoot(ctx context.Context, slot engine.Slot, handle engine.Handle) error {
	const op = "heap.SetRoot"
	if err := h.checkOpen(op); err != nil {
		return err
	}
	var err error
	if l, ok := tx.Current(ctx, h.eng); ok {
		err = l.SetRoot(slot, handle)
	} else {
		err = h.eng.SetRoot(slot, handle)
	}
	if err != nil {
		return &types.Error{Kind: types.ErrKindRoot, Op: op, Msg: fmt.Sprintf("slot %d", slot), Err: err}
	}
	return nil
}

// writeBytes stores p at off within handle's payload through the context's
// transaction when active, otherwise as one atomic engine write.
func (h *Heap) writeBytes(ctx context.Context, handle engine.Handle, off int64, p []byte) error {
	if l, ok := tx.Current(ctx, h.eng); ok {
		return l.WriteBytes(handle, off, p)
	}
	return h.eng.WriteBytes(handle, off, p)
}

// stateFor returns the liveness record shared by every Region of handle.
func (h *Heap) stateFor(handle engine.Handle) *regionState {
	for {
		if v, ok := h.states.Load(handle); ok {
			wp := v.(weak.Pointer[regionState]) //nolint:forcetypeassert // map holds only weak pointers
			if st := wp.Value(); st != nil {
				return st
			}
			h.states.CompareAndDelete(handle, wp)
		}
		st := &regionState{tracker: dirty.NewTracker()}
		st.alive.Store(true)
		wp := weak.Make(st)
		if _, loaded := h.states.LoadOrStore(handle, wp); loaded {
			continue
		}
		runtime.AddCleanup(st, func(handle engine.Handle) {
			h.states.CompareAndDelete(handle, wp)
		}, handle)
		return st
	}
}

// invalidate marks every Region of handle dead.
func (h *Heap) invalidate(handle engine.Handle) {
	v, ok := h.states.LoadAndDelete(handle)
	if !ok {
		return
	}
	if st := v.(weak.Pointer[regionState]).Value(); st != nil { //nolint:forcetypeassert // map holds only weak pointers
		st.alive.Store(false)
		st.tracker.Reset()
	}
}

// Close invalidates every Region, closes the engine and removes the heap
// from the registry. Closing twice is a no-op.
func (h *Heap) Close() error {
	if !h.closed.CompareAndSwap(false, true) {
		return nil
	}
	if h.name != "" {
		registryMu.Lock()
		if registry[h.name] == h {
			delete(registry, h.name)
		}
		registryMu.Unlock()
	}
	h.states.Range(func(k, _ any) bool {
		h.invalidate(k.(engine.Handle)) //nolint:forcetypeassert // map keys are handles
		return true
	})
	if err := h.eng.Close(); err != nil {
		return fmt.Errorf("heap: close %s: %w", h.name, err)
	}
	h.log.Debug("heap closed", "name", h.name)
	return nil
}
