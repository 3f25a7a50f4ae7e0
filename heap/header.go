package heap

import (
	"context"
	"fmt"

	"github.com/joshuapare/pmemkit/engine"
	"github.com/joshuapare/pmemkit/internal/format"
	"github.com/joshuapare/pmemkit/pkg/types"
	"github.com/joshuapare/pmemkit/tx"
)

// RefCount returns the persistent reference count stored in handle's
// region header.
func (h *Heap) RefCount(handle engine.Handle) (uint32, error) {
	view, _, _, err := h.header("heap.RefCount", handle)
	if err != nil {
		return 0, err
	}
	return format.ReadU32(view, format.RegionRefCountOffset), nil
}

// AddRef adjusts handle's persistent reference count by delta and returns
// the new count. The read and the write happen in one transaction, ctx's
// when active, so concurrent adjustments queue on the engine instead of
// losing updates. A count may not drop below zero.
func (h *Heap) AddRef(ctx context.Context, handle engine.Handle, delta int) (uint32, error) {
	const op = "heap.AddRef"
	var (
		n        uint32
		rangeErr error
	)
	err := tx.Run(ctx, h.eng, func(ctx context.Context) error {
		view, _, _, err := h.header(op, handle)
		if err != nil {
			return err
		}
		cur := int64(format.ReadU32(view, format.RegionRefCountOffset))
		n = uint32(cur)
		next := cur + int64(delta)
		if next < 0 || next > int64(^uint32(0)) {
			// Nothing was written; the caller decides whether to abort.
			rangeErr = types.Errorf(types.ErrKindTransaction, op, "refcount of %#x would become %d", uint64(handle), next)
			return nil
		}
		if err := h.writeHeader(ctx, handle, format.RegionRefCountOffset, 4, uint64(next)); err != nil {
			return err
		}
		n = uint32(next)
		return nil
	})
	if err == nil {
		err = rangeErr
	}
	return n, err
}

// TypeTag returns the layout type id stamped on handle, 0 when untyped.
func (h *Heap) TypeTag(handle engine.Handle) (uint64, error) {
	view, _, _, err := h.header("heap.TypeTag", handle)
	if err != nil {
		return 0, err
	}
	return format.ReadU64(view, format.RegionTypeTagOffset), nil
}

// SetTypeTag stamps handle with a layout type id.
func (h *Heap) SetTypeTag(ctx context.Context, handle engine.Handle, tag uint64) error {
	if _, _, _, err := h.header("heap.SetTypeTag", handle); err != nil {
		return err
	}
	return h.writeHeader(ctx, handle, format.RegionTypeTagOffset, 8, tag)
}

func (h *Heap) writeHeader(ctx context.Context, handle engine.Handle, off int64, width int, v uint64) error {
	p := make([]byte, width)
	format.PutUint(p, 0, width, v)
	if err := h.writeBytes(ctx, handle, off, p); err != nil {
		return &types.Error{Kind: types.ErrKindTransaction, Op: "heap.writeHeader", Msg: fmt.Sprintf("handle %#x", uint64(handle)), Err: err}
	}
	return nil
}
