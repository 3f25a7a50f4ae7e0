package object

import (
	"context"

	"github.com/joshuapare/pmemkit/engine"
	"github.com/joshuapare/pmemkit/heap"
	"github.com/joshuapare/pmemkit/layout"
	"github.com/joshuapare/pmemkit/pkg/types"
	"github.com/joshuapare/pmemkit/tx"
)

// Struct is a view of layout l at a fixed offset inside a region.
type Struct struct {
	r    heap.Region
	l    *layout.Layout
	base int64
}

// Layout returns the view's layout.
func (s Struct) Layout() *layout.Layout { return s.l }

// Region returns the backing region.
func (s Struct) Region() heap.Region { return s.r }

// Index returns the position of the named field, NotFound if l has none.
func (s Struct) Index(name string) (int, error) {
	i, ok := s.l.Index(name)
	if !ok {
		return 0, types.Errorf(types.ErrKindNotFound, "object.Index", "%s has no field %q", s.l.Name(), name)
	}
	return i, nil
}

func (s Struct) field(op string, i int, kinds ...layout.ValueKind) (layout.Field, error) {
	if i < 0 || i >= s.l.NumFields() {
		return layout.Field{}, types.Errorf(types.ErrKindOutOfBounds, op, "%s has no field %d", s.l.Name(), i)
	}
	f := s.l.Field(i)
	for _, k := range kinds {
		if f.Kind() == k {
			return f, nil
		}
	}
	return layout.Field{}, types.Errorf(types.ErrKindTypeMismatch, op, "%s.%s is %s", s.l.Name(), f.Name(), f.Kind())
}

func (s Struct) scalar(op string, i int, want layout.Scalar) (layout.Field, error) {
	f, err := s.field(op, i, layout.Primitive)
	if err != nil {
		return f, err
	}
	if f.Scalar() != want {
		return f, types.Errorf(types.ErrKindTypeMismatch, op, "%s.%s is %s, not %s", s.l.Name(), f.Name(), f.Scalar(), want)
	}
	return f, nil
}

// Bits reads primitive field i, sign- or zero-extended per its scalar.
func (s Struct) Bits(i int) (int64, error) {
	f, err := s.field("object.Bits", i, layout.Primitive)
	if err != nil {
		return 0, err
	}
	return s.r.GetBits(s.base+f.Offset(), f.Scalar().Width(), f.Scalar().Signed())
}

// SetBits writes primitive field i.
func (s Struct) SetBits(ctx context.Context, i int, v int64) error {
	f, err := s.field("object.SetBits", i, layout.Primitive)
	if err != nil {
		return err
	}
	return s.r.PutBits(ctx, s.base+f.Offset(), f.Scalar().Width(), v)
}

func (s Struct) GetByte(i int) (int8, error) {
	f, err := s.scalar("object.GetByte", i, layout.ByteScalar)
	if err != nil {
		return 0, err
	}
	return s.r.GetByte(s.base + f.Offset())
}

func (s Struct) GetShort(i int) (int16, error) {
	f, err := s.scalar("object.GetShort", i, layout.ShortScalar)
	if err != nil {
		return 0, err
	}
	return s.r.GetShort(s.base + f.Offset())
}

func (s Struct) GetInt(i int) (int32, error) {
	f, err := s.scalar("object.GetInt", i, layout.IntScalar)
	if err != nil {
		return 0, err
	}
	return s.r.GetInt(s.base + f.Offset())
}

func (s Struct) GetLong(i int) (int64, error) {
	f, err := s.scalar("object.GetLong", i, layout.LongScalar)
	if err != nil {
		return 0, err
	}
	return s.r.GetLong(s.base + f.Offset())
}

func (s Struct) GetFloat(i int) (float32, error) {
	f, err := s.scalar("object.GetFloat", i, layout.FloatScalar)
	if err != nil {
		return 0, err
	}
	return s.r.GetFloat(s.base + f.Offset())
}

func (s Struct) GetDouble(i int) (float64, error) {
	f, err := s.scalar("object.GetDouble", i, layout.DoubleScalar)
	if err != nil {
		return 0, err
	}
	return s.r.GetDouble(s.base + f.Offset())
}

func (s Struct) GetBool(i int) (bool, error) {
	f, err := s.scalar("object.GetBool", i, layout.BoolScalar)
	if err != nil {
		return false, err
	}
	return s.r.GetBool(s.base + f.Offset())
}

func (s Struct) GetChar(i int) (rune, error) {
	f, err := s.scalar("object.GetChar", i, layout.CharScalar)
	if err != nil {
		return 0, err
	}
	v, err := s.r.GetInt(s.base + f.Offset())
	return rune(v), err
}

func (s Struct) SetByte(ctx context.Context, i int, v int8) error {
	f, err := s.scalar("object.SetByte", i, layout.ByteScalar)
	if err != nil {
		return err
	}
	return s.r.PutByte(ctx, s.base+f.Offset(), v)
}

func (s Struct) SetShort(ctx context.Context, i int, v int16) error {
	f, err := s.scalar("object.SetShort", i, layout.ShortScalar)
	if err != nil {
		return err
	}
	return s.r.PutShort(ctx, s.base+f.Offset(), v)
}

func (s Struct) SetInt(ctx context.Context, i int, v int32) error {
	f, err := s.scalar("object.SetInt", i, layout.IntScalar)
	if err != nil {
		return err
	}
	return s.r.PutInt(ctx, s.base+f.Offset(), v)
}

func (s Struct) SetLong(ctx context.Context, i int, v int64) error {
	f, err := s.scalar("object.SetLong", i, layout.LongScalar)
	if err != nil {
		return err
	}
	return s.r.PutLong(ctx, s.base+f.Offset(), v)
}

func (s Struct) SetFloat(ctx context.Context, i int, v float32) error {
	f, err := s.scalar("object.SetFloat", i, layout.FloatScalar)
	if err != nil {
		return err
	}
	return s.r.PutFloat(ctx, s.base+f.Offset(), v)
}

func (s Struct) SetDouble(ctx context.Context, i int, v float64) error {
	f, err := s.scalar("object.SetDouble", i, layout.DoubleScalar)
	if err != nil {
		return err
	}
	return s.r.PutDouble(ctx, s.base+f.Offset(), v)
}

func (s Struct) SetBool(ctx context.Context, i int, v bool) error {
	f, err := s.scalar("object.SetBool", i, layout.BoolScalar)
	if err != nil {
		return err
	}
	return s.r.PutBool(ctx, s.base+f.Offset(), v)
}

func (s Struct) SetChar(ctx context.Context, i int, v rune) error {
	f, err := s.scalar("object.SetChar", i, layout.CharScalar)
	if err != nil {
		return err
	}
	return s.r.PutInt(ctx, s.base+f.Offset(), v)
}

// Value returns field i as a Go value: the scalar's type for primitives,
// engine.Handle for handle slots and Struct for embedded values.
func (s Struct) Value(i int) (any, error) {
	f, err := s.field("object.Value", i, layout.Primitive, layout.Reference, layout.GenericValue, layout.DirectValue, layout.IndirectValue)
	if err != nil {
		return nil, err
	}
	switch f.Kind() {
	case layout.Reference, layout.GenericValue:
		return s.Ref(i)
	case layout.DirectValue:
		return s.Direct(i)
	case layout.IndirectValue:
		return s.Indirect(i)
	}
	switch f.Scalar() {
	case layout.ByteScalar:
		return s.GetByte(i)
	case layout.ShortScalar:
		return s.GetShort(i)
	case layout.IntScalar:
		return s.GetInt(i)
	case layout.LongScalar:
		return s.GetLong(i)
	case layout.FloatScalar:
		return s.GetFloat(i)
	case layout.DoubleScalar:
		return s.GetDouble(i)
	case layout.BoolScalar:
		return s.GetBool(i)
	case layout.CharScalar:
		return s.GetChar(i)
	}
	return nil, types.Errorf(types.ErrKindTypeMismatch, "object.Value", "%s.%s has no scalar", s.l.Name(), f.Name())
}

// Direct returns the view of embedded value field i.
func (s Struct) Direct(i int) (Struct, error) {
	f, err := s.field("object.Direct", i, layout.DirectValue)
	if err != nil {
		return Struct{}, err
	}
	return Struct{r: s.r, l: f.Target(), base: s.base + f.Offset()}, nil
}

// Indirect returns the view of indirect value field i after checking the
// type id stored in front of it.
func (s Struct) Indirect(i int) (Struct, error) {
	const op = "object.Indirect"
	f, err := s.field(op, i, layout.IndirectValue)
	if err != nil {
		return Struct{}, err
	}
	id, err := s.r.GetLong(s.base + f.Offset())
	if err != nil {
		return Struct{}, err
	}
	if uint64(id) != f.Target().ID() {
		return Struct{}, types.Errorf(types.ErrKindTypeMismatch, op, "%s.%s holds type %#x", s.l.Name(), f.Name(), uint64(id))
	}
	return Struct{r: s.r, l: f.Target(), base: s.base + f.Offset() + layout.IndirectHeaderSize}, nil
}

// Ref returns the handle stored in reference or generic field i.
func (s Struct) Ref(i int) (engine.Handle, error) {
	f, err := s.field("object.Ref", i, layout.Reference, layout.GenericValue)
	if err != nil {
		return engine.Null, err
	}
	v, err := s.r.GetLong(s.base + f.Offset())
	return engine.Handle(v), err
}

// SetRef stores target in field i through h's reference counts.
func (s Struct) SetRef(ctx context.Context, h *heap.Heap, i int, target engine.Handle) error {
	return s.setRef(ctx, h, i, target)
}

func (s Struct) setRef(ctx context.Context, h *heap.Heap, i int, target engine.Handle) error {
	const op = "object.SetRef"
	f, err := s.field(op, i, layout.Reference, layout.GenericValue)
	if err != nil {
		return err
	}
	if !target.IsNull() && f.Kind() == layout.Reference {
		tag, err := h.TypeTag(target)
		if err != nil {
			return err
		}
		if stored, ok := layout.Lookup(tag); !ok || !stored.Extends(f.Target()) {
			return types.Errorf(types.ErrKindTypeMismatch, op, "%s.%s wants %s, handle %#x has type %#x",
				s.l.Name(), f.Name(), f.Target().Name(), uint64(target), tag)
		}
	}
	return tx.Run(ctx, h.Engine(), func(ctx context.Context) error {
		v, err := s.r.GetLong(s.base + f.Offset())
		if err != nil {
			return err
		}
		old := engine.Handle(v)
		if old == target {
			return nil
		}
		if !target.IsNull() {
			if _, err := Retain(ctx, h, target); err != nil {
				return err
			}
		}
		if err := s.r.PutLong(ctx, s.base+f.Offset(), int64(target)); err != nil {
			return err
		}
		if !old.IsNull() {
			if _, err := Release(ctx, h, old); err != nil {
				return err
			}
		}
		return nil
	})
}
