// Package object gives typed access to layout-shaped allocations.
//
// An Object is a Transactional region sized to its layout and stamped with
// the layout's type id. Field access goes through Struct views, which also
// expose embedded Direct and Indirect values at their offsets.
//
// Reference fields hold handles with persistent reference counts. SetRef
// retains the new target and releases the old one in one transaction, and
// Release cascades through a freed object's reference slots.
package object

import (
	"context"
	"fmt"

	"github.com/joshuapare/pmemkit/engine"
	"github.com/joshuapare/pmemkit/heap"
	"github.com/joshuapare/pmemkit/layout"
	"github.com/joshuapare/pmemkit/pkg/types"
	"github.com/joshuapare/pmemkit/tx"
)

// Object is a Struct view over a whole allocation.
type Object struct {
	Struct
	heap *heap.Heap
}

// New allocates a zeroed object of layout l inside ctx's transaction, or its
// own. The reference count starts at zero.
func New(ctx context.Context, h *heap.Heap, l *layout.Layout) (*Object, error) {
	var obj *Object
	err := tx.Run(ctx, h.Engine(), func(ctx context.Context) error {
		r, err := h.Allocate(ctx, heap.Transactional, l.Size())
		if err != nil {
			return err
		}
		if err := h.SetTypeTag(ctx, r.Handle(), l.ID()); err != nil {
			return err
		}
		o := &Object{Struct: Struct{r: r, l: l}, heap: h}
		if err := o.stampIndirect(ctx, l, 0); err != nil {
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

// stampIndirect writes the type id slot of every IndirectValue in l.
func (o *Object) stampIndirect(ctx context.Context, l *layout.Layout, base int64) error {
	for _, f := range l.Fields() {
		switch f.Kind() {
		case layout.DirectValue:
			if err := o.stampIndirect(ctx, f.Target(), base+f.Offset()); err != nil {
				return err
			}
		case layout.IndirectValue:
			if err := o.r.PutLong(ctx, base+f.Offset(), int64(f.Target().ID())); err != nil {
				return err
			}
			if err := o.stampIndirect(ctx, f.Target(), base+f.Offset()+layout.IndirectHeaderSize); err != nil {
				return err
			}
		}
	}
	return nil
}

// Open re-attaches to an object. It fails with TypeMismatch when the stored
// type tag is not l's or a layout derived from l.
func Open(h *heap.Heap, handle engine.Handle, l *layout.Layout) (*Object, error) {
	const op = "object.Open"
	tag, err := h.TypeTag(handle)
	if err != nil {
		return nil, err
	}
	if tag != l.ID() {
		stored, ok := layout.Lookup(tag)
		if !ok || !stored.Extends(l) {
			return nil, types.Errorf(types.ErrKindTypeMismatch, op, "handle %#x has type %#x, want %s", uint64(handle), tag, l.Name())
		}
	}
	r, err := h.Open(heap.Transactional, handle)
	if err != nil {
		return nil, err
	}
	if r.Size() < l.Size() {
		return nil, types.Errorf(types.ErrKindTypeMismatch, op, "handle %#x holds %d bytes, %s needs %d", uint64(handle), r.Size(), l.Name(), l.Size())
	}
	return &Object{Struct: Struct{r: r, l: l}, heap: h}, nil
}

// OpenAny re-attaches to an object using the layout registered for its
// type tag.
func OpenAny(h *heap.Heap, handle engine.Handle) (*Object, error) {
	tag, err := h.TypeTag(handle)
	if err != nil {
		return nil, err
	}
	l, ok := layout.Lookup(tag)
	if !ok {
		return nil, types.Errorf(types.ErrKindTypeMismatch, "object.OpenAny", "handle %#x: unknown type %#x", uint64(handle), tag)
	}
	return Open(h, handle, l)
}

// Handle returns the object's allocation handle.
func (o *Object) Handle() engine.Handle { return o.r.Handle() }

// Heap returns the heap the object lives in.
func (o *Object) Heap() *heap.Heap { return o.heap }

// Alive reports whether the allocation has not been freed.
func (o *Object) Alive() bool { return o.r.Alive() }

func (o *Object) String() string {
	return fmt.Sprintf("%s@%#x", o.l.Name(), uint64(o.r.Handle()))
}

// SetRef stores target in reference field i, retaining target and releasing
// the previous referent in one transaction.
func (o *Object) SetRef(ctx context.Context, i int, target engine.Handle) error {
	return o.Struct.setRef(ctx, o.heap, i, target)
}

// Retain increments handle's persistent reference count.
func Retain(ctx context.Context, h *heap.Heap, handle engine.Handle) (uint32, error) {
	return h.AddRef(ctx, handle, 1)
}

// Release decrements handle's persistent reference count. At zero, every
// non-null handle slot of the object's layout is released in turn and the
// allocation is freed. Untyped allocations are just freed.
func Release(ctx context.Context, h *heap.Heap, handle engine.Handle) (uint32, error) {
	var left uint32
	err := tx.Run(ctx, h.Engine(), func(ctx context.Context) error {
		n, err := h.AddRef(ctx, handle, -1)
		if err != nil {
			return err
		}
		left = n
		if n > 0 {
			return nil
		}
		return destroy(ctx, h, handle)
	})
	return left, err
}

func destroy(ctx context.Context, h *heap.Heap, handle engine.Handle) error {
	tag, err := h.TypeTag(handle)
	if err != nil {
		return err
	}
	if l, ok := layout.Lookup(tag); ok {
		kind, err := h.KindOf(handle)
		if err != nil {
			return err
		}
		r, err := h.Open(kind, handle)
		if err != nil {
			return err
		}
		for _, off := range l.ReferenceOffsets() {
			child, err := r.GetLong(off)
			if err != nil {
				return err
			}
			if child == 0 || engine.Handle(child) == handle {
				continue
			}
			if _, err := Release(ctx, h, engine.Handle(child)); err != nil {
				return fmt.Errorf("release %#x from %#x: %w", child, uint64(handle), err)
			}
		}
	}
	return h.FreeHandle(ctx, handle)
}
