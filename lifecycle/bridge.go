// Package lifecycle ties persistent reference counts to Go reachability.
//
// Registering an object retains its allocation once and arranges, through
// runtime.AddCleanup, for the retain to be released after the object
// becomes unreachable. Releases happen on a collector goroutine, so
// reclamation is eventual: callers never wait for it.
//
// Every retain held on behalf of the process is also counted in a
// persistent registration table. A process that dies with live
// registrations leaves them in the table, and the next Bridge over the same
// heap releases them before doing anything else.
package lifecycle

import (
	"context"
	"log/slog"
	"runtime"
	"sync"
	"sync/atomic"
	"weak"

	"github.com/joshuapare/pmemkit/engine"
	"github.com/joshuapare/pmemkit/heap"
	"github.com/joshuapare/pmemkit/internal/logger"
	"github.com/joshuapare/pmemkit/layout"
	"github.com/joshuapare/pmemkit/object"
	"github.com/joshuapare/pmemkit/pkg/types"
	"github.com/joshuapare/pmemkit/tx"
)

// Options configures a Bridge.
type Options struct {
	// Logger receives collector events. Default: logger.L.
	Logger *slog.Logger
}

// Bridge tracks registered objects for one heap.
type Bridge struct {
	heap *heap.Heap
	log  *slog.Logger

	// regs mirrors the committed registration table.
	regMu sync.Mutex
	regs  map[engine.Handle]uint32

	tracked sync.Map // weak.Pointer[object.Object] -> string
	cache   sync.Map // engine.Handle -> weak.Pointer[object.Object]

	qmu    sync.Mutex
	queue  []tracking
	notify chan struct{}

	closed  atomic.Bool
	done    chan struct{}
	stopped chan struct{}
}

// tracking is the record handed to the cleanup. It must not reference the
// object strongly.
type tracking struct {
	handle engine.Handle
	name   string
	key    weak.Pointer[object.Object]
}

// New loads h's registration set, releases every reference left in it by
// an earlier process, and starts the collector.
func New(ctx context.Context, h *heap.Heap, opts Options) (*Bridge, error) {
	b := &Bridge{
		heap:    h,
		log:     logger.Or(opts.Logger),
		regs:    make(map[engine.Handle]uint32),
		notify:  make(chan struct{}, 1),
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
	if err := b.recover(ctx); err != nil {
		return nil, err
	}
	go b.collect()
	return b, nil
}

// Register starts tracking obj. The first registration of an object
// retains its allocation; registering the same object again is a no-op.
// The retain and the table update join ctx's transaction: if it aborts,
// obj is left unregistered and its count untouched. Tracking starts once
// the outermost transaction commits.
func (b *Bridge) Register(ctx context.Context, obj *object.Object, name string) error {
	const op = "lifecycle.Register"
	if b.closed.Load() {
		return types.Errorf(types.ErrKindClosed, op, "bridge closed")
	}
	if !obj.Alive() {
		return types.Errorf(types.ErrKindNotAlive, op, "%s", obj)
	}
	key := weak.Make(obj)
	if _, loaded := b.tracked.LoadOrStore(key, name); loaded {
		return nil
	}

	handle := obj.Handle()
	err := tx.Run(ctx, b.heap.Engine(), func(ctx context.Context) error {
		if _, err := object.Retain(ctx, b.heap, handle); err != nil {
			return err
		}
		if err := b.adjust(ctx, handle, 1); err != nil {
			return err
		}
		t := tx.FromContext(ctx)
		t.OnCommit(func() {
			b.cache.Store(handle, key)
			runtime.AddCleanup(obj, b.enqueue, tracking{handle: handle, name: name, key: key})
			b.log.Debug("registered", "handle", uint64(handle), "name", name)
		})
		t.OnAbort(func() { b.tracked.Delete(key) })
		return nil
	})
	if err != nil {
		b.tracked.Delete(key)
		return err
	}
	return nil
}

// Materialize returns the live tracked object for handle if there is one,
// otherwise opens handle as l and registers it. Two callers racing on an
// untracked handle may each get their own object; both are registered.
func (b *Bridge) Materialize(ctx context.Context, handle engine.Handle, l *layout.Layout) (*object.Object, error) {
	if obj := b.cached(handle, l); obj != nil {
		return obj, nil
	}
	var obj *object.Object
	err := tx.Run(ctx, b.heap.Engine(), func(ctx context.Context) error {
		if o := b.cached(handle, l); o != nil {
			obj = o
			return nil
		}
		o, err := object.Open(b.heap, handle, l)
		if err != nil {
			return err
		}
		if err := b.Register(ctx, o, l.Name()); err != nil {
			return err
		}
		obj = o
		return nil
	})
	if err != nil {
		return nil, err
	}
	return obj, nil
}

func (b *Bridge) cached(handle engine.Handle, l *layout.Layout) *object.Object {
	v, ok := b.cache.Load(handle)
	if !ok {
		return nil
	}
	if obj := v.(weak.Pointer[object.Object]).Value(); obj != nil && obj.Alive() && obj.Layout().Extends(l) { //nolint:forcetypeassert // map holds only weak pointers
		return obj
	}
	return nil
}

// Registered returns how many process references to handle are recorded in
// the committed registration table.
func (b *Bridge) Registered(handle engine.Handle) uint32 {
	b.regMu.Lock()
	defer b.regMu.Unlock()
	return b.regs[handle]
}

// Tracked reports whether obj is registered and not yet collected.
func (b *Bridge) Tracked(obj *object.Object) bool {
	_, ok := b.tracked.Load(weak.Make(obj))
	return ok
}

// Close stops the collector after it drains queued releases. References
// still registered stay in the persistent table for the next Bridge.
// Draining runs transactions on the heap, so Close must not be called from
// inside one.
func (b *Bridge) Close() error {
	if !b.closed.CompareAndSwap(false, true) {
		return nil
	}
	close(b.done)
	<-b.stopped
	return nil
}

func (b *Bridge) enqueue(t tracking) {
	if b.closed.Load() {
		return
	}
	b.qmu.Lock()
	b.queue = append(b.queue, t)
	b.qmu.Unlock()
	select {
	case b.notify <- struct{}{}:
	default:
	}
}

func (b *Bridge) collect() {
	defer close(b.stopped)
	for {
		select {
		case <-b.notify:
			b.drain()
		case <-b.done:
			b.drain()
			return
		}
	}
}

func (b *Bridge) drain() {
	b.qmu.Lock()
	batch := b.queue
	b.queue = nil
	b.qmu.Unlock()

	for _, t := range batch {
		b.tracked.Delete(t.key)
		b.cache.CompareAndDelete(t.handle, t.key)
		b.release(t)
	}
}

// release drops one registered reference. A handle that no longer names an
// allocation only leaves the registration set.
func (b *Bridge) release(t tracking) {
	ctx := context.Background()

	var left uint32
	err := tx.Run(ctx, b.heap.Engine(), func(ctx context.Context) error {
		n, err := object.Release(ctx, b.heap, t.handle)
		if err != nil {
			return err
		}
		left = n
		return b.adjust(ctx, t.handle, -1)
	})
	if err == nil {
		b.log.Debug("released", "handle", uint64(t.handle), "name", t.name, "refcount", left)
		return
	}
	if b.heap.IsAllocated(t.handle) {
		b.log.Warn("release failed", "handle", uint64(t.handle), "name", t.name, "err", err)
		return
	}
	if err := tx.Run(ctx, b.heap.Engine(), func(ctx context.Context) error {
		return b.adjust(ctx, t.handle, -1)
	}); err != nil {
		b.log.Warn("deregister failed", "handle", uint64(t.handle), "name", t.name, "err", err)
	}
}
