package heap

import (
	"context"
	"fmt"
	"math"
	"sync/atomic"

	"github.com/joshuapare/pmemkit/engine"
	"github.com/joshuapare/pmemkit/heap/dirty"
	"github.com/joshuapare/pmemkit/internal/buf"
	"github.com/joshuapare/pmemkit/internal/format"
	"github.com/joshuapare/pmemkit/pkg/types"
)

// Kind selects a region's durability behavior.
type Kind int

const (
	// Raw regions write straight to the mapping with no durability tracking.
	Raw Kind = iota
	// Flushable regions track dirty cache lines and flush on request.
	Flushable
	// Transactional regions make every write atomic and durable through the
	// engine, inside the caller's transaction when there is one.
	Transactional
)

func (k Kind) String() string {
	switch k {
	case Raw:
		return "raw"
	case Flushable:
		return "flushable"
	case Transactional:
		return "transactional"
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// BaseOffset is the offset of user byte 0 within the allocation.
func (k Kind) BaseOffset() int64 {
	switch k {
	case Flushable:
		return format.FlushableBaseOffset
	case Transactional:
		return format.TransactionalBaseOffset
	}
	return format.RawBaseOffset
}

func (k Kind) magic() uint32 {
	switch k {
	case Flushable:
		return format.KindMagicFlushable
	case Transactional:
		return format.KindMagicTransactional
	}
	return format.KindMagicRaw
}

func (k Kind) valid() bool { return k >= Raw && k <= Transactional }

func kindFromMagic(m uint32) (Kind, bool) {
	switch m {
	case format.KindMagicRaw:
		return Raw, true
	case format.KindMagicFlushable:
		return Flushable, true
	case format.KindMagicTransactional:
		return Transactional, true
	}
	return 0, false
}

// Region is a bounds-checked view over one allocation.
//
// Every accessor validates liveness, offset and width before touching
// memory. Offsets are in user space: 0 is the first byte after the kind's
// header. Reads come from the direct view; writes follow the kind.
//
// A Region is not locked. Concurrent writers to the same bytes must be
// serialized by the caller.
type Region interface {
	Handle() engine.Handle
	Kind() Kind
	Size() int64
	Alive() bool
	Heap() *Heap

	GetBits(off int64, width int, signed bool) (int64, error)
	PutBits(ctx context.Context, off int64, width int, v int64) error

	GetByte(off int64) (int8, error)
	GetShort(off int64) (int16, error)
	GetInt(off int64) (int32, error)
	GetLong(off int64) (int64, error)
	GetFloat(off int64) (float32, error)
	GetDouble(off int64) (float64, error)
	GetBool(off int64) (bool, error)
	PutByte(ctx context.Context, off int64, v int8) error
	PutShort(ctx context.Context, off int64, v int16) error
	PutInt(ctx context.Context, off int64, v int32) error
	PutLong(ctx context.Context, off int64, v int64) error
	PutFloat(ctx context.Context, off int64, v float32) error
	PutDouble(ctx context.Context, off int64, v float64) error
	PutBool(ctx context.Context, off int64, v bool) error

	// ReadBytes copies len(p) bytes starting at off into p.
	ReadBytes(off int64, p []byte) error
	// CopyFromBytes writes p at dstOff.
	CopyFromBytes(ctx context.Context, p []byte, dstOff int64) error
	// CopyFrom copies n bytes from src at srcOff to this region at dstOff.
	CopyFrom(ctx context.Context, src Region, srcOff, dstOff, n int64) error
	// SetMemory fills [off, off+n) with v.
	SetMemory(ctx context.Context, v byte, off, n int64) error

	// Flush pushes pending writes to the media. Flushable only.
	Flush() error
	// IsFlushed reports whether no write is pending. Flushable and
	// Transactional only.
	IsFlushed() (bool, error)
}

// regionState is shared by every Region value of one handle, so freeing
// through any of them invalidates all of them.
type regionState struct {
	alive   atomic.Bool
	tracker *dirty.Tracker // Flushable only
}

// store is the kind-specific write path.
type store interface {
	store(ctx context.Context, off int64, p []byte) error
}

// region holds the state common to every kind.
type region struct {
	heap  *Heap
	h     engine.Handle
	kind  Kind
	view  []byte // whole payload, header included
	base  int64
	size  int64
	st    *regionState
	write store
}

func (r *region) Handle() engine.Handle { return r.h }
func (r *region) Kind() Kind            { return r.kind }
func (r *region) Size() int64           { return r.size }
func (r *region) Alive() bool           { return r.st.alive.Load() }
func (r *region) Heap() *Heap           { return r.heap }

func (r *region) String() string {
	return fmt.Sprintf("%s region %#x (%d bytes)", r.kind, uint64(r.h), r.size)
}

// check validates liveness and [off, off+n).
func (r *region) check(op string, off, n int64) error {
	if !r.st.alive.Load() {
		return &types.Error{Kind: types.ErrKindNotAlive, Op: op, Msg: fmt.Sprintf("region %#x", uint64(r.h))}
	}
	if !buf.InRange(r.size, off, n) {
		return types.Errorf(types.ErrKindOutOfBounds, op, "[%d,+%d) outside region of %d bytes", off, n, r.size)
	}
	return nil
}

func (r *region) checkWidth(op string, off int64, width int) error {
	if !format.ValidWidth(width) {
		return types.Errorf(types.ErrKindInvalidWidth, op, "width %d", width)
	}
	return r.check(op, off, int64(width))
}

func (r *region) GetBits(off int64, width int, signed bool) (int64, error) {
	if err := r.checkWidth("region.GetBits", off, width); err != nil {
		return 0, err
	}
	v := format.ReadUint(r.view, int(r.base+off), width)
	return format.Extend(v, width, signed), nil
}

func (r *region) PutBits(ctx context.Context, off int64, width int, v int64) error {
	if err := r.checkWidth("region.PutBits", off, width); err != nil {
		return err
	}
	p := make([]byte, width)
	format.PutUint(p, 0, width, uint64(v))
	return r.write.store(ctx, off, p)
}

func (r *region) GetByte(off int64) (int8, error) {
	v, err := r.GetBits(off, 1, true)
	return int8(v), err
}

func (r *region) GetShort(off int64) (int16, error) {
	v, err := r.GetBits(off, 2, true)
	return int16(v), err
}

func (r *region) GetInt(off int64) (int32, error) {
	v, err := r.GetBits(off, 4, true)
	return int32(v), err
}

func (r *region) GetLong(off int64) (int64, error) {
	return r.GetBits(off, 8, true)
}

func (r *region) GetFloat(off int64) (float32, error) {
	v, err := r.GetBits(off, 4, false)
	return math.Float32frombits(uint32(v)), err
}

func (r *region) GetDouble(off int64) (float64, error) {
	v, err := r.GetBits(off, 8, false)
	return math.Float64frombits(uint64(v)), err
}

func (r *region) GetBool(off int64) (bool, error) {
	v, err := r.GetBits(off, 1, false)
	return v != 0, err
}

func (r *region) PutByte(ctx context.Context, off int64, v int8) error {
	return r.PutBits(ctx, off, 1, int64(v))
}

func (r *region) PutShort(ctx context.Context, off int64, v int16) error {
	return r.PutBits(ctx, off, 2, int64(v))
}

func (r *region) PutInt(ctx context.Context, off int64, v int32) error {
	return r.PutBits(ctx, off, 4, int64(v))
}

func (r *region) PutLong(ctx context.Context, off int64, v int64) error {
	return r.PutBits(ctx, off, 8, v)
}

func (r *region) PutFloat(ctx context.Context, off int64, v float32) error {
	return r.PutBits(ctx, off, 4, int64(math.Float32bits(v)))
}

func (r *region) PutDouble(ctx context.Context, off int64, v float64) error {
	return r.PutBits(ctx, off, 8, int64(math.Float64bits(v)))
}

func (r *region) PutBool(ctx context.Context, off int64, v bool) error {
	var b int64
	if v {
		b = 1
	}
	return r.PutBits(ctx, off, 1, b)
}

func (r *region) ReadBytes(off int64, p []byte) error {
	if err := r.check("region.ReadBytes", off, int64(len(p))); err != nil {
		return err
	}
	copy(p, r.view[r.base+off:])
	return nil
}

func (r *region) CopyFromBytes(ctx context.Context, p []byte, dstOff int64) error {
	if err := r.check("region.CopyFromBytes", dstOff, int64(len(p))); err != nil {
		return err
	}
	if len(p) == 0 {
		return nil
	}
	return r.write.store(ctx, dstOff, p)
}

func (r *region) CopyFrom(ctx context.Context, src Region, srcOff, dstOff, n int64) error {
	if src == nil {
		return types.Errorf(types.ErrKindNotAlive, "region.CopyFrom", "nil source")
	}
	if err := r.check("region.CopyFrom", dstOff, n); err != nil {
		return err
	}
	p := make([]byte, n)
	if err := src.ReadBytes(srcOff, p); err != nil {
		return err
	}
	if n == 0 {
		return nil
	}
	return r.write.store(ctx, dstOff, p)
}

func (r *region) SetMemory(ctx context.Context, v byte, off, n int64) error {
	if err := r.check("region.SetMemory", off, n); err != nil {
		return err
	}
	if n == 0 {
		return nil
	}
	p := make([]byte, n)
	if v != 0 {
		for i := range p {
			p[i] = v
		}
	}
	return r.write.store(ctx, off, p)
}

// rawRegion writes straight to the mapping.
type rawRegion struct{ *region }

func (r *rawRegion) store(_ context.Context, off int64, p []byte) error {
	copy(r.view[r.base+off:], p)
	return nil
}

func (r *rawRegion) Flush() error {
	return types.Errorf(types.ErrKindUnsupportedForKind, "region.Flush", "%s region", r.kind)
}

func (r *rawRegion) IsFlushed() (bool, error) {
	return false, types.Errorf(types.ErrKindUnsupportedForKind, "region.IsFlushed", "%s region", r.kind)
}

// flushableRegion writes to the mapping and records the touched lines. The
// first write of a dirty epoch persists the dirty flag before any payload
// byte changes, so a crash never leaves new data behind a flushed flag.
type flushableRegion struct{ *region }

func (r *flushableRegion) store(_ context.Context, off int64, p []byte) error {
	if r.st.tracker.Add(off, int64(len(p))) {
		prev := format.ReadU64(r.view, format.RegionDirtyOffset)
		if err := r.setFlag(format.DirtyFlagDirty); err != nil {
			format.PutU64(r.view, format.RegionDirtyOffset, prev)
			r.st.tracker.Reset()
			return err
		}
	}
	copy(r.view[r.base+off:], p)
	return nil
}

func (r *flushableRegion) setFlag(v uint64) error {
	format.PutU64(r.view, format.RegionDirtyOffset, v)
	if err := r.heap.eng.Flush(r.h, format.RegionDirtyOffset, 8); err != nil {
		return types.Wrap(types.ErrKindUnknown, "region.Flush", err)
	}
	return nil
}

func (r *flushableRegion) Flush() error {
	if !r.st.alive.Load() {
		return &types.Error{Kind: types.ErrKindNotAlive, Op: "region.Flush", Msg: fmt.Sprintf("region %#x", uint64(r.h))}
	}
	err := r.st.tracker.Flush(func(off, n int64) error {
		// Lines are rounded in user space; clamp the tail to the region.
		if end := off + n; end > r.size {
			n = r.size - off
		}
		return r.heap.eng.Flush(r.h, r.base+off, n)
	})
	if err != nil {
		return types.Wrap(types.ErrKindUnknown, "region.Flush", err)
	}
	return r.setFlag(format.DirtyFlagFlushed)
}

func (r *flushableRegion) IsFlushed() (bool, error) {
	if !r.st.alive.Load() {
		return false, &types.Error{Kind: types.ErrKindNotAlive, Op: "region.IsFlushed", Msg: fmt.Sprintf("region %#x", uint64(r.h))}
	}
	return format.ReadU64(r.view, format.RegionDirtyOffset) == format.DirtyFlagFlushed, nil
}

// txRegion sends every write through the engine: the context's transaction
// log when one is active, otherwise the engine's own atomic write.
type txRegion struct{ *region }

func (r *txRegion) store(ctx context.Context, off int64, p []byte) error {
	if err := r.heap.writeBytes(ctx, r.h, r.base+off, p); err != nil {
		return types.Wrap(types.ErrKindTransaction, "region.Store", err)
	}
	return nil
}

func (r *txRegion) Flush() error {
	if !r.st.alive.Load() {
		return &types.Error{Kind: types.ErrKindNotAlive, Op: "region.Flush", Msg: fmt.Sprintf("region %#x", uint64(r.h))}
	}
	return nil
}

func (r *txRegion) IsFlushed() (bool, error) {
	if !r.st.alive.Load() {
		return false, &types.Error{Kind: types.ErrKindNotAlive, Op: "region.IsFlushed", Msg: fmt.Sprintf("region %#x", uint64(r.h))}
	}
	return true, nil
}

// newRegion wires the kind-specific implementation over a validated view.
func newRegion(hp *Heap, kind Kind, h engine.Handle, view []byte, size int64, st *regionState) Region {
	base := &region{heap: hp, h: h, kind: kind, view: view, base: kind.BaseOffset(), size: size, st: st}
	switch kind {
	case Flushable:
		r := &flushableRegion{base}
		base.write = r
		return r
	case Transactional:
		r := &txRegion{base}
		base.write = r
		return r
	default:
		r := &rawRegion{base}
		base.write = r
		return r
	}
}
