package heap

import (
	"context"
	"fmt"

	"github.com/joshuapare/pmemkit/engine"
	"github.com/joshuapare/pmemkit/pkg/types"
	"github.com/joshuapare/pmemkit/tx"
)

// System slots anchor runtime bookkeeping in a Transactional region hung off
// the engine's system root.
const (
	// SlotDirectory holds the named directory's entry table.
	SlotDirectory = 0
	// SlotRegistrations holds the lifecycle bridge's registration table.
	SlotRegistrations = 1

	// NumSystemSlots is the number of 8-byte slots in the system region.
	NumSystemSlots = 16
)

// SystemSlot returns the handle stored in system slot i, Null when unset.
func (h *Heap) SystemSlot(i int) (engine.Handle, error) {
	const op = "heap.SystemSlot"
	if i < 0 || i >= NumSystemSlots {
		return engine.Null, types.Errorf(types.ErrKindOutOfBounds, op, "slot %d", i)
	}
	if err := h.checkOpen(op); err != nil {
		return engine.Null, err
	}
	root, err := h.eng.Root(engine.SystemRoot)
	if err != nil {
		return engine.Null, &types.Error{Kind: types.ErrKindRoot, Op: op, Msg: "read system root", Err: err}
	}
	if root.IsNull() {
		return engine.Null, nil
	}
	r, err := h.Open(Transactional, root)
	if err != nil {
		return engine.Null, err
	}
	v, err := r.GetLong(int64(i) * 8)
	return engine.Handle(v), err
}

// SetSystemSlot stores handle in system slot i, creating the system region
// on first use. Runs in ctx's transaction or its own.
func (h *Heap) SetSystemSlot(ctx context.Context, i int, handle engine.Handle) error {
	const op = "heap.SetSystemSlot"
	if i < 0 || i >= NumSystemSlots {
		return types.Errorf(types.ErrKindOutOfBounds, op, "slot %d", i)
	}
	return tx.Run(ctx, h.eng, func(ctx context.Context) error {
		r, err := h.systemRegion(ctx)
		if err != nil {
			return err
		}
		return r.PutLong(ctx, int64(i)*8, int64(handle))
	})
}

// systemRegion opens the system region, allocating and publishing it inside
// ctx's transaction when it does not exist yet.
func (h *Heap) systemRegion(ctx context.Context) (Region, error) {
	h.sysMu.Lock()
	defer h.sysMu.Unlock()
	root, err := h.eng.Root(engine.SystemRoot)
	if err != nil {
		return nil, &types.Error{Kind: types.ErrKindRoot, Op: "heap.systemRegion", Msg: "read system root", Err: err}
	}
	if !root.IsNull() {
		return h.Open(Transactional, root)
	}
	r, err := h.Allocate(ctx, Transactional, NumSystemSlots*8)
	if err != nil {
		return nil, fmt.Errorf("allocate system region: %w", err)
	}
	if err := h.setRoot(ctx, engine.SystemRoot, r.Handle()); err != nil {
		return nil, err
	}
	return r, nil
}
