package object

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joshuapare/pmemkit/engine"
	"github.com/joshuapare/pmemkit/heap"
	"github.com/joshuapare/pmemkit/layout"
	"github.com/joshuapare/pmemkit/pkg/types"
)

var (
	pointLayout = layout.MustFromFields("objtest.point", layout.Int("x"), layout.Int("y"))
	nodeLayout  = layout.MustFromFields("objtest.node",
		layout.Long("value"),
		layout.SelfRef("next"),
		layout.Direct("at", pointLayout),
		layout.Indirect("box", pointLayout),
		layout.Generic("extra"),
	)
	allLayout = layout.MustFromFields("objtest.all",
		layout.Byte("b"), layout.Short("s"), layout.Int("i"), layout.Long("l"),
		layout.Float("f"), layout.Double("d"), layout.Bool("ok"), layout.Char("c"),
	)
)

func newTestHeap(t *testing.T) *heap.Heap {
	t.Helper()
	h := heap.NewVolatile(heap.Options{Size: 1 << 20})
	t.Cleanup(func() { h.Close() })
	return h
}

func Test_Object_NewStampsType(t *testing.T) {
	ctx := context.Background()
	h := newTestHeap(t)
	obj, err := New(ctx, h, nodeLayout)
	require.NoError(t, err)

	tag, err := h.TypeTag(obj.Handle())
	require.NoError(t, err)
	assert.Equal(t, nodeLayout.ID(), tag)
	assert.Equal(t, nodeLayout.Size(), obj.Region().Size())

	rc, err := h.RefCount(obj.Handle())
	require.NoError(t, err)
	assert.Zero(t, rc)

	again, err := Open(h, obj.Handle(), nodeLayout)
	require.NoError(t, err)
	assert.Equal(t, obj.Handle(), again.Handle())

	_, err = Open(h, obj.Handle(), pointLayout)
	assert.ErrorIs(t, err, types.ErrTypeMismatch)

	anyObj, err := OpenAny(h, obj.Handle())
	require.NoError(t, err)
	assert.Same(t, nodeLayout, anyObj.Layout())
}

func Test_Object_Scalars(t *testing.T) {
	ctx := context.Background()
	h := newTestHeap(t)
	obj, err := New(ctx, h, allLayout)
	require.NoError(t, err)

	require.NoError(t, obj.SetByte(ctx, 0, -1))
	require.NoError(t, obj.SetShort(ctx, 1, -2))
	require.NoError(t, obj.SetInt(ctx, 2, -3))
	require.NoError(t, obj.SetLong(ctx, 3, -4))
	require.NoError(t, obj.SetFloat(ctx, 4, 1.5))
	require.NoError(t, obj.SetDouble(ctx, 5, 2.5))
	require.NoError(t, obj.SetBool(ctx, 6, true))
	require.NoError(t, obj.SetChar(ctx, 7, 'é'))

	want := []any{int8(-1), int16(-2), int32(-3), int64(-4), float32(1.5), 2.5, true, 'é'}
	for i, w := range want {
		v, err := obj.Value(i)
		require.NoError(t, err)
		assert.Equal(t, w, v, "field %d", i)
	}

	bits, err := obj.Bits(0)
	require.NoError(t, err)
	assert.Equal(t, int64(-1), bits, "byte reads sign-extend")
	bits, err = obj.Bits(6)
	require.NoError(t, err)
	assert.Equal(t, int64(1), bits)

	_, err = obj.GetLong(0)
	assert.ErrorIs(t, err, types.ErrTypeMismatch)
	_, err = obj.GetLong(99)
	assert.ErrorIs(t, err, types.ErrOutOfBounds)

	i, err := obj.Index("d")
	require.NoError(t, err)
	assert.Equal(t, 5, i)
	_, err = obj.Index("nope")
	assert.ErrorIs(t, err, types.ErrNotFound)
}

func Test_Object_EmbeddedValues(t *testing.T) {
	ctx := context.Background()
	h := newTestHeap(t)
	obj, err := New(ctx, h, nodeLayout)
	require.NoError(t, err)

	at, err := obj.Direct(2)
	require.NoError(t, err)
	require.NoError(t, at.SetInt(ctx, 0, 10))
	require.NoError(t, at.SetInt(ctx, 1, 20))

	box, err := obj.Indirect(3)
	require.NoError(t, err)
	require.NoError(t, box.SetInt(ctx, 1, 99))

	// Raw offsets: value 0, next 8, at 16..24, box id 24, box fields 32..40.
	y, err := obj.Region().GetInt(20)
	require.NoError(t, err)
	assert.Equal(t, int32(20), y)
	y, err = obj.Region().GetInt(36)
	require.NoError(t, err)
	assert.Equal(t, int32(99), y)

	require.NoError(t, obj.Region().PutLong(ctx, 24, 1))
	_, err = obj.Indirect(3)
	assert.ErrorIs(t, err, types.ErrTypeMismatch, "corrupt type slot is detected")

	_, err = obj.Direct(0)
	assert.ErrorIs(t, err, types.ErrTypeMismatch)
}

func Test_Object_SetRefCountsReferences(t *testing.T) {
	ctx := context.Background()
	h := newTestHeap(t)
	head, err := New(ctx, h, nodeLayout)
	require.NoError(t, err)
	a, err := New(ctx, h, nodeLayout)
	require.NoError(t, err)
	b, err := New(ctx, h, nodeLayout)
	require.NoError(t, err)
	_, err = Retain(ctx, h, a.Handle())
	require.NoError(t, err)

	require.NoError(t, head.SetRef(ctx, 1, a.Handle()))
	rc, _ := h.RefCount(a.Handle())
	assert.Equal(t, uint32(2), rc)

	require.NoError(t, head.SetRef(ctx, 1, b.Handle()))
	rc, _ = h.RefCount(a.Handle())
	assert.Equal(t, uint32(1), rc)
	rc, _ = h.RefCount(b.Handle())
	assert.Equal(t, uint32(1), rc)

	ref, err := head.Ref(1)
	require.NoError(t, err)
	assert.Equal(t, b.Handle(), ref)

	require.NoError(t, head.SetRef(ctx, 1, engine.Null))
	assert.False(t, h.IsAllocated(b.Handle()), "last reference released frees")
	assert.False(t, b.Alive())

	p, err := New(ctx, h, pointLayout)
	require.NoError(t, err)
	assert.ErrorIs(t, head.SetRef(ctx, 1, p.Handle()), types.ErrTypeMismatch)
	require.NoError(t, head.SetRef(ctx, 4, p.Handle()), "generic slots take any type")
}

func Test_Release_Cascades(t *testing.T) {
	ctx := context.Background()
	h := newTestHeap(t)

	var nodes []*Object
	for range 3 {
		n, err := New(ctx, h, nodeLayout)
		require.NoError(t, err)
		nodes = append(nodes, n)
	}
	require.NoError(t, nodes[0].SetRef(ctx, 1, nodes[1].Handle()))
	require.NoError(t, nodes[1].SetRef(ctx, 1, nodes[2].Handle()))
	box, err := nodes[2].Indirect(3)
	require.NoError(t, err)
	require.NoError(t, box.SetInt(ctx, 0, 7))

	_, err = Retain(ctx, h, nodes[0].Handle())
	require.NoError(t, err)
	left, err := Release(ctx, h, nodes[0].Handle())
	require.NoError(t, err)
	assert.Zero(t, left)

	for i, n := range nodes {
		assert.False(t, h.IsAllocated(n.Handle()), "node %d", i)
	}
	assert.Zero(t, h.Stats().Allocations)
}

func Test_Release_KeepsShared(t *testing.T) {
	ctx := context.Background()
	h := newTestHeap(t)
	owner, err := New(ctx, h, nodeLayout)
	require.NoError(t, err)
	shared, err := New(ctx, h, nodeLayout)
	require.NoError(t, err)

	require.NoError(t, owner.SetRef(ctx, 1, shared.Handle()))
	_, err = Retain(ctx, h, shared.Handle())
	require.NoError(t, err)
	_, err = Retain(ctx, h, owner.Handle())
	require.NoError(t, err)

	_, err = Release(ctx, h, owner.Handle())
	require.NoError(t, err)
	assert.False(t, h.IsAllocated(owner.Handle()))
	assert.True(t, h.IsAllocated(shared.Handle()))
	rc, _ := h.RefCount(shared.Handle())
	assert.Equal(t, uint32(1), rc)

	_, err = Release(ctx, h, engine.Null)
	assert.ErrorIs(t, err, types.ErrNotFound)
}
