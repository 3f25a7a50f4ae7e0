package testutil

import (
	"errors"
	"fmt"
	"sync"

	"github.com/joshuapare/pmemkit/engine"
)

// ErrInjected is returned by FaultyEngine for every injected failure.
var ErrInjected = errors.New("testutil: injected fault")

// Op names an engine operation that FaultyEngine can fail.
type Op string

const (
	OpAllocate Op = "allocate"
	OpFree     Op = "free"
	OpWrite    Op = "write" // Write and WriteBytes, inside or outside a transaction
	OpFlush    Op = "flush"
	OpBegin    Op = "begin"
	OpEnd      Op = "end"
	OpSetRoot  Op = "setroot"
)

// FaultyEngine wraps an engine and fails chosen calls. Calls made through a
// Log returned by Begin are counted with the same Ops.
type FaultyEngine struct {
	engine.Engine

	mu      sync.Mutex
	counts  map[Op]int
	fail    map[Op]int
	calls   []Call
	written int64
}

// Call records one Flush made through the wrapper.
type Call struct {
	Handle engine.Handle
	Off    int64
	N      int64
}

// NewFaultyEngine wraps inner.
func NewFaultyEngine(inner engine.Engine) *FaultyEngine {
	return &FaultyEngine{Engine: inner, counts: make(map[Op]int), fail: make(map[Op]int)}
}

// FailOn makes the nth call to op from now fail (1 is the next call).
func (f *FaultyEngine) FailOn(op Op, n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fail[op] = f.counts[op] + n
}

// Reset clears every pending failure and recorded flush.
func (f *FaultyEngine) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	clear(f.fail)
	f.calls = nil
}

// Flushes returns the Flush calls seen so far.
func (f *FaultyEngine) Flushes() []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Call(nil), f.calls...)
}

// Count returns how many times op was called.
func (f *FaultyEngine) Count(op Op) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.counts[op]
}

// Written returns the number of payload bytes stored through Write and
// WriteBytes so far.
func (f *FaultyEngine) Written() int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.written
}

func (f *FaultyEngine) wrote(n int) {
	f.mu.Lock()
	f.written += int64(n)
	f.mu.Unlock()
}

func (f *FaultyEngine) hit(op Op) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.counts[op]++
	if n, ok := f.fail[op]; ok && f.counts[op] == n {
		delete(f.fail, op)
		return fmt.Errorf("%w: %s #%d", ErrInjected, op, n)
	}
	return nil
}

func (f *FaultyEngine) Allocate(size int64) (engine.Handle, error) {
	if err := f.hit(OpAllocate); err != nil {
		return engine.Null, err
	}
	return f.Engine.Allocate(size)
}

func (f *FaultyEngine) Free(h engine.Handle) error {
	if err := f.hit(OpFree); err != nil {
		return err
	}
	return f.Engine.Free(h)
}

func (f *FaultyEngine) Write(h engine.Handle, off int64, width int, v uint64) error {
	if err := f.hit(OpWrite); err != nil {
		return err
	}
	f.wrote(width)
	return f.Engine.Write(h, off, width, v)
}

func (f *FaultyEngine) WriteBytes(h engine.Handle, off int64, p []byte) error {
	if err := f.hit(OpWrite); err != nil {
		return err
	}
	f.wrote(len(p))
	return f.Engine.WriteBytes(h, off, p)
}

func (f *FaultyEngine) Flush(h engine.Handle, off, n int64) error {
	if err := f.hit(OpFlush); err != nil {
		return err
	}
	f.mu.Lock()
	f.calls = append(f.calls, Call{Handle: h, Off: off, N: n})
	f.mu.Unlock()
	return f.Engine.Flush(h, off, n)
}

func (f *FaultyEngine) SetRoot(slot engine.Slot, h engine.Handle) error {
	if err := f.hit(OpSetRoot); err != nil {
		return err
	}
	return f.Engine.SetRoot(slot, h)
}

func (f *FaultyEngine) Begin() (engine.Log, error) {
	if err := f.hit(OpBegin); err != nil {
		return nil, err
	}
	l, err := f.Engine.Begin()
	if err != nil {
		return nil, err
	}
	return &faultyLog{Log: l, f: f}, nil
}

type faultyLog struct {
	engine.Log
	f *FaultyEngine
}

func (l *faultyLog) Allocate(size int64) (engine.Handle, error) {
	if err := l.f.hit(OpAllocate); err != nil {
		return engine.Null, err
	}
	return l.Log.Allocate(size)
}

func (l *faultyLog) Free(h engine.Handle) error {
	if err := l.f.hit(OpFree); err != nil {
		return err
	}
	return l.Log.Free(h)
}

func (l *faultyLog) Write(h engine.Handle, off int64, width int, v uint64) error {
	if err := l.f.hit(OpWrite); err != nil {
		return err
	}
	l.f.wrote(width)
	return l.Log.Write(h, off, width, v)
}

func (l *faultyLog) WriteBytes(h engine.Handle, off int64, p []byte) error {
	if err := l.f.hit(OpWrite); err != nil {
		return err
	}
	l.f.wrote(len(p))
	return l.Log.WriteBytes(h, off, p)
}

func (l *faultyLog) SetRoot(slot engine.Slot, h engine.Handle) error {
	if err := l.f.hit(OpSetRoot); err != nil {
		return err
	}
	return l.Log.SetRoot(slot, h)
}

func (l *faultyLog) End() error {
	if err := l.f.hit(OpEnd); err != nil {
		// The inner log is still open; release it so the engine is not left
		// with a dangling transaction.
		_ = l.Log.Abort()
		return err
	}
	return l.Log.End()
}
