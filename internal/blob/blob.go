// Package blob stores CBOR-encoded values in Transactional regions anchored
// at heap system slots.
//
// A blob region holds a little-endian uint64 length followed by the encoded
// bytes. Store is copy-on-write: it writes a fresh region, swaps the slot
// and frees the old region, all in one transaction.
package blob

import (
	"context"
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"github.com/joshuapare/pmemkit/heap"
	"github.com/joshuapare/pmemkit/internal/format"
	"github.com/joshuapare/pmemkit/tx"
)

const lengthSize = 8

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	if encMode, err = cbor.CoreDetEncOptions().EncMode(); err != nil {
		panic(fmt.Sprintf("blob: cbor enc mode: %v", err))
	}
	if decMode, err = (cbor.DecOptions{}).DecMode(); err != nil {
		panic(fmt.Sprintf("blob: cbor dec mode: %v", err))
	}
}

// Marshal encodes v deterministically.
func Marshal(v any) ([]byte, error) { return encMode.Marshal(v) }

// Unmarshal decodes data into v.
func Unmarshal(data []byte, v any) error { return decMode.Unmarshal(data, v) }

// Load decodes the blob in system slot into v. It reports false, leaving v
// untouched, when the slot is empty.
func Load(h *heap.Heap, slot int, v any) (bool, error) {
	handle, err := h.SystemSlot(slot)
	if err != nil {
		return false, err
	}
	if handle.IsNull() {
		return false, nil
	}
	r, err := h.Open(heap.Transactional, handle)
	if err != nil {
		return false, err
	}
	n, err := r.GetLong(0)
	if err != nil {
		return false, err
	}
	if n < 0 || n > r.Size()-lengthSize {
		return false, fmt.Errorf("blob: slot %d: length %d exceeds region of %d bytes: %w", slot, n, r.Size(), format.ErrTruncated)
	}
	data := make([]byte, n)
	if err := r.ReadBytes(lengthSize, data); err != nil {
		return false, err
	}
	if err := Unmarshal(data, v); err != nil {
		return false, fmt.Errorf("blob: slot %d: decode: %w", slot, err)
	}
	return true, nil
}

// Store replaces the blob in system slot with the encoding of v. It runs in
// ctx's transaction, or its own.
func Store(ctx context.Context, h *heap.Heap, slot int, v any) error {
	data, err := Marshal(v)
	if err != nil {
		return fmt.Errorf("blob: slot %d: encode: %w", slot, err)
	}
	return tx.Run(ctx, h.Engine(), func(ctx context.Context) error {
		old, err := h.SystemSlot(slot)
		if err != nil {
			return err
		}
		r, err := h.Allocate(ctx, heap.Transactional, int64(lengthSize+len(data)))
		if err != nil {
			return err
		}
		if err := r.PutLong(ctx, 0, int64(len(data))); err != nil {
			return err
		}
		if err := r.CopyFromBytes(ctx, data, lengthSize); err != nil {
			return err
		}
		if err := h.SetSystemSlot(ctx, slot, r.Handle()); err != nil {
			return err
		}
		if old.IsNull() {
			return nil
		}
		return h.FreeHandle(ctx, old)
	})
}

// Clear empties system slot and frees its blob.
func Clear(ctx context.Context, h *heap.Heap, slot int) error {
	return tx.Run(ctx, h.Engine(), func(ctx context.Context) error {
		old, err := h.SystemSlot(slot)
		if err != nil || old.IsNull() {
			return err
		}
		if err := h.SetSystemSlot(ctx, slot, 0); err != nil {
			return err
		}
		return h.FreeHandle(ctx, old)
	})
}
