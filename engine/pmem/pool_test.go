package pmem

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joshuapare/pmemkit/engine"
	"github.com/joshuapare/pmemkit/internal/format"
)

func setupTestPool(t *testing.T) (*Pool, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.pool")
	p, err := Create(path, Options{Size: 1 << 20})
	require.NoError(t, err)
	t.Cleanup(func() { p.Close() })
	return p, path
}

func reopen(t *testing.T, p *Pool, path string) *Pool {
	t.Helper()
	require.NoError(t, p.Close())
	q, err := Open(path, Options{})
	require.NoError(t, err)
	t.Cleanup(func() { q.Close() })
	return q
}

func Test_Pool_CreateOpen_PreservesIdentityAndData(t *testing.T) {
	p, path := setupTestPool(t)
	id := p.UUID()

	h, err := p.Allocate(100)
	require.NoError(t, err)
	require.NoError(t, p.Write(h, 8, 8, 0xCAFEBABE))
	require.NoError(t, p.SetRoot(engine.UserRoot, h))

	q := reopen(t, p, path)
	assert.Equal(t, id, q.UUID())

	root, err := q.Root(engine.UserRoot)
	require.NoError(t, err)
	assert.Equal(t, h, root)

	v, err := q.Read(h, 8, 8)
	require.NoError(t, err)
	assert.Equal(t, uint64(0xCAFEBABE), v)
	assert.True(t, q.IsAllocated(h))
}

func Test_Pool_Allocate_ZeroesReusedBlock(t *testing.T) {
	p := NewVolatile(Options{Size: 1 << 20})
	defer p.Close()

	h, err := p.Allocate(64)
	require.NoError(t, err)
	view, err := p.Open(h)
	require.NoError(t, err)
	for i := range view {
		view[i] = 0xFF
	}
	require.NoError(t, p.Free(h))

	h2, err := p.Allocate(64)
	require.NoError(t, err)
	assert.Equal(t, h, h2, "freed block should be reused")
	view2, err := p.Open(h2)
	require.NoError(t, err)
	for i, b := range view2 {
		require.Zero(t, b, "byte %d not zeroed", i)
	}
}

func Test_Pool_Allocate_SplitsLargeFreeBlock(t *testing.T) {
	p := NewVolatile(Options{Size: 1 << 20})
	defer p.Close()

	big, err := p.Allocate(4096)
	require.NoError(t, err)
	guard, err := p.Allocate(16)
	require.NoError(t, err)
	require.NoError(t, p.Free(big))

	small, err := p.Allocate(32)
	require.NoError(t, err)
	assert.Equal(t, big, small, "best fit should carve from the freed block")

	rest, err := p.Allocate(1024)
	require.NoError(t, err)
	assert.Less(t, uint64(rest), uint64(guard), "remainder of split should be reused")
}

func Test_Pool_Allocate_Exhaustion(t *testing.T) {
	p := NewVolatile(Options{Size: format.MinPoolSize})
	defer p.Close()

	_, err := p.Allocate(format.MinPoolSize)
	assert.ErrorIs(t, err, ErrNoSpace)

	_, err = p.Allocate(-1)
	assert.ErrorIs(t, err, ErrBadSize)
}

func Test_Pool_Free_RejectsUnknownHandle(t *testing.T) {
	p := NewVolatile(Options{})
	defer p.Close()

	h, err := p.Allocate(16)
	require.NoError(t, err)
	assert.ErrorIs(t, p.Free(h+16), ErrNotAllocated)
	require.NoError(t, p.Free(h))
	assert.ErrorIs(t, p.Free(h), ErrNotAllocated)

	_, err = p.Open(h)
	assert.ErrorIs(t, err, ErrNotAllocated)
}

func Test_Pool_ReadWrite_Bounds(t *testing.T) {
	p := NewVolatile(Options{})
	defer p.Close()

	h, err := p.Allocate(32)
	require.NoError(t, err)
	view, err := p.Open(h)
	require.NoError(t, err)
	size := int64(len(view))

	require.NoError(t, p.Write(h, size-1, 1, 7))
	assert.ErrorIs(t, p.Write(h, size, 1, 7), ErrRange)
	assert.ErrorIs(t, p.Write(h, size-4, 8, 7), ErrRange)
	assert.ErrorIs(t, p.Write(h, 0, 3, 7), ErrWidth)

	_, err = p.Read(h, -1, 1)
	assert.ErrorIs(t, err, ErrRange)
}

func Test_Pool_Log_AbortRestoresAndFreesAllocations(t *testing.T) {
	p, _ := setupTestPool(t)

	h, err := p.Allocate(64)
	require.NoError(t, err)
	require.NoError(t, p.Write(h, 0, 8, 1))

	l, err := p.Begin()
	require.NoError(t, err)
	require.NoError(t, l.Write(h, 0, 8, 2))
	fresh, err := l.Allocate(64)
	require.NoError(t, err)
	require.NoError(t, l.Free(h))
	require.NoError(t, l.Abort())

	v, err := p.Read(h, 0, 8)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), v)
	assert.True(t, p.IsAllocated(h), "free inside aborted tx must not run")
	assert.False(t, p.IsAllocated(fresh), "allocation inside aborted tx must be released")

	assert.ErrorIs(t, l.End(), ErrTxDone)
}

func Test_Pool_Log_EndRunsDeferredFrees(t *testing.T) {
	p, _ := setupTestPool(t)

	h, err := p.Allocate(64)
	require.NoError(t, err)

	l, err := p.Begin()
	require.NoError(t, err)
	require.NoError(t, l.Free(h))
	assert.True(t, p.IsAllocated(h), "free is deferred to End")
	require.NoError(t, l.End())
	assert.False(t, p.IsAllocated(h))
	assert.Zero(t, p.Stats().ActiveTx)
}

func Test_Pool_Recovery_RollsBackUnfinishedTx(t *testing.T) {
	p, path := setupTestPool(t)

	h, err := p.Allocate(128)
	require.NoError(t, err)
	require.NoError(t, p.WriteBytes(h, 0, []byte("before")))
	require.NoError(t, p.SetRoot(engine.UserRoot, h))

	l, err := p.Begin()
	require.NoError(t, err)
	require.NoError(t, l.WriteBytes(h, 0, []byte("after!")))
	orphan, err := l.Allocate(256)
	require.NoError(t, err)
	require.NoError(t, l.SetRoot(engine.UserRoot, orphan))
	// Simulated crash: close with the transaction still in flight.

	q := reopen(t, p, path)
	view, err := q.Open(h)
	require.NoError(t, err)
	assert.Equal(t, "before", string(view[:6]))
	assert.False(t, q.IsAllocated(orphan))

	root, err := q.Root(engine.UserRoot)
	require.NoError(t, err)
	assert.Equal(t, h, root)
}

func Test_Pool_Recovery_KeepsCommittedTx(t *testing.T) {
	p, path := setupTestPool(t)

	h, err := p.Allocate(64)
	require.NoError(t, err)

	done, err := p.Begin()
	require.NoError(t, err)
	require.NoError(t, done.Write(h, 0, 4, 42))
	require.NoError(t, done.End())

	open, err := p.Begin()
	require.NoError(t, err)
	require.NoError(t, open.Write(h, 4, 4, 99))

	q := reopen(t, p, path)
	v, err := q.Read(h, 0, 4)
	require.NoError(t, err)
	assert.Equal(t, uint64(42), v)
	v, err = q.Read(h, 4, 4)
	require.NoError(t, err)
	assert.Zero(t, v)
}

func Test_Pool_Open_CoalescesFreeBlocks(t *testing.T) {
	p, path := setupTestPool(t)

	var hs []engine.Handle
	for range 4 {
		h, err := p.Allocate(48)
		require.NoError(t, err)
		hs = append(hs, h)
	}
	require.NoError(t, p.Free(hs[1]))
	require.NoError(t, p.Free(hs[2]))
	require.Equal(t, 2, p.Stats().FreeBlocks)

	q := reopen(t, p, path)
	st := q.Stats()
	assert.Equal(t, 1, st.FreeBlocks)
	assert.Equal(t, 2, st.Allocations)

	big, err := q.Allocate(112)
	require.NoError(t, err)
	assert.Equal(t, hs[1], big, "merged run should satisfy a larger request")
}

func Test_Pool_Open_RejectsGarbage(t *testing.T) {
	p, path := setupTestPool(t)
	copy(p.data[format.PoolMagicOffset:], "NOTAPOOL")
	require.NoError(t, p.Close())

	_, err := Open(path, Options{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, format.ErrSignatureMismatch))
}

func Test_Pool_SetRoot_RejectsUnallocated(t *testing.T) {
	p := NewVolatile(Options{})
	defer p.Close()

	assert.ErrorIs(t, p.SetRoot(engine.UserRoot, 12345), ErrNotAllocated)
	assert.ErrorIs(t, p.SetRoot(engine.Slot(7), engine.Null), ErrSlot)
	require.NoError(t, p.SetRoot(engine.SystemRoot, engine.Null))
}

func Test_Pool_Closed(t *testing.T) {
	p := NewVolatile(Options{})
	require.NoError(t, p.Close())
	require.NoError(t, p.Close())

	_, err := p.Allocate(8)
	assert.ErrorIs(t, err, ErrClosed)
	_, err = p.Begin()
	assert.ErrorIs(t, err, ErrClosed)
}

func Test_Pool_TransactionsAreSerialized(t *testing.T) {
	p := NewVolatile(Options{})
	defer p.Close()

	h, err := p.Allocate(64)
	require.NoError(t, err)

	first, err := p.Begin()
	require.NoError(t, err)
	require.NoError(t, first.Write(h, 0, 8, 1))

	wrote := make(chan error, 1)
	go func() { wrote <- p.Write(h, 0, 8, 2) }()

	select {
	case err := <-wrote:
		t.Fatalf("Write returned %v while another transaction was open", err)
	case <-time.After(50 * time.Millisecond):
	}

	// The undo image of first still holds 0; rolling back must not clobber
	// the queued store, which only runs afterwards.
	require.NoError(t, first.Abort())
	require.NoError(t, <-wrote)

	v, err := p.Read(h, 0, 8)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), v)
	assert.Zero(t, p.Stats().ActiveTx)
}

func Test_Pool_Close_WakesWaitingBegin(t *testing.T) {
	p := NewVolatile(Options{})

	l, err := p.Begin()
	require.NoError(t, err)

	began := make(chan error, 1)
	go func() {
		_, err := p.Begin()
		began <- err
	}()

	select {
	case err := <-began:
		t.Fatalf("Begin returned %v while another transaction was open", err)
	case <-time.After(50 * time.Millisecond):
	}

	require.NoError(t, p.Close())
	select {
	case err := <-began:
		assert.ErrorIs(t, err, ErrClosed)
	case <-time.After(5 * time.Second):
		t.Fatalf("Begin still blocked after Close")
	}
	assert.ErrorIs(t, l.End(), ErrTxDone)
}

func Test_DecodeRecords_StopsAtTornTail(t *testing.T) {
	var b []byte
	b = append(b, record{typ: recWrite, tx: 1, off: 4096, data: []byte{1, 2, 3}}.encode()...)
	b = append(b, record{typ: recCommit, tx: 1}.encode()...)
	torn := record{typ: recAlloc, tx: 2, off: 8192}.encode()
	b = append(b, torn[:len(torn)-3]...)

	recs := decodeRecords(b)
	require.Len(t, recs, 2)
	assert.Equal(t, recWrite, recs[0].typ)
	assert.Equal(t, []byte{1, 2, 3}, recs[0].data)
	assert.Equal(t, recCommit, recs[1].typ)

	b[frameHeaderSize+2] ^= 0xFF
	assert.Empty(t, decodeRecords(b), "corrupt first record stops replay")
}
