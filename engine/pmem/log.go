package pmem

import (
	"fmt"
	"slices"

	"github.com/joshuapare/pmemkit/engine"
	"github.com/joshuapare/pmemkit/internal/format"
)

type undoEntry struct {
	abs int64
	pre []byte
}

// txLog is one engine transaction. Pre-images are journaled and synced
// before each in-place write; End flushes every touched range, then appends
// the commit record. A live log holds the pool's txMu.
type txLog struct {
	p      *Pool
	id     uint64
	undo   []undoEntry
	allocs []engine.Handle
	frees  []engine.Handle
	done   bool
	held   bool
}

var _ engine.Log = (*txLog)(nil)

func (l *txLog) check() error {
	if l.done {
		return ErrTxDone
	}
	return l.p.checkOpen()
}

// writeAbs journals the pre-image of [abs, abs+len(b)) and then stores b.
func (l *txLog) writeAbs(abs int64, b []byte) error {
	if len(b) == 0 {
		return nil
	}
	pre := make([]byte, len(b))
	copy(pre, l.p.data[abs:])

	l.p.mu.Lock()
	err := l.p.j.append(record{typ: recWrite, tx: l.id, off: uint64(abs), data: pre})
	l.p.mu.Unlock()
	if err != nil {
		return err
	}
	l.undo = append(l.undo, undoEntry{abs: abs, pre: pre})
	copy(l.p.data[abs:], b)
	return nil
}

func (l *txLog) Allocate(size int64) (engine.Handle, error) {
	if err := l.check(); err != nil {
		return engine.Null, err
	}
	l.p.mu.Lock()
	defer l.p.mu.Unlock()
	h, err := l.p.alloc.alloc(size)
	if err != nil {
		return engine.Null, err
	}
	if err := l.p.j.append(record{typ: recAlloc, tx: l.id, off: uint64(h)}); err != nil {
		_ = l.p.alloc.free(h)
		return engine.Null, err
	}
	l.allocs = append(l.allocs, h)
	return h, nil
}

func (l *txLog) Free(h engine.Handle) error {
	if err := l.check(); err != nil {
		return err
	}
	if !l.p.IsAllocated(h) {
		return fmt.Errorf("%w: %#x", ErrNotAllocated, uint64(h))
	}
	if !slices.Contains(l.frees, h) {
		l.frees = append(l.frees, h)
	}
	return nil
}

func (l *txLog) Write(h engine.Handle, off int64, width int, v uint64) error {
	if !format.ValidWidth(width) {
		return fmt.Errorf("%w: %d", ErrWidth, width)
	}
	b := make([]byte, width)
	format.PutUint(b, 0, width, v)
	return l.WriteBytes(h, off, b)
}

func (l *txLog) WriteBytes(h engine.Handle, off int64, b []byte) error {
	if err := l.check(); err != nil {
		return err
	}
	abs, err := l.p.resolve(h, off, int64(len(b)))
	if err != nil {
		return err
	}
	return l.writeAbs(abs, b)
}

func (l *txLog) SetRoot(slot engine.Slot, h engine.Handle) error {
	if err := l.check(); err != nil {
		return err
	}
	if slot < 0 || int(slot) >= format.NumRootSlots {
		return fmt.Errorf("%w: %d", ErrSlot, slot)
	}
	if !h.IsNull() && !l.p.IsAllocated(h) {
		return fmt.Errorf("%w: root %#x", ErrNotAllocated, uint64(h))
	}
	b := make([]byte, 8)
	format.PutU64(b, 0, uint64(h))
	return l.writeAbs(int64(rootOffset(slot)), b)
}

func (l *txLog) End() error {
	if err := l.check(); err != nil {
		return err
	}
	p := l.p
	p.mu.Lock()
	defer p.mu.Unlock()
	defer l.releaseLocked()
	l.done = true

	for _, u := range l.undo {
		if err := p.media.Sync(u.abs, int64(len(u.pre))); err != nil {
			return l.failLocked(fmt.Errorf("flush tx %d: %w", l.id, err))
		}
	}
	for _, h := range l.frees {
		if err := p.j.append(record{typ: recFree, tx: l.id, off: uint64(h)}); err != nil {
			return l.failLocked(err)
		}
	}
	if err := p.j.append(record{typ: recCommit, tx: l.id}); err != nil {
		return l.failLocked(err)
	}

	// Committed. Failures from here on leave the frees to recovery.
	var ferr error
	for _, h := range l.frees {
		if err := p.alloc.free(h); err != nil && ferr == nil {
			ferr = fmt.Errorf("deferred free: %w", err)
		}
	}
	if len(l.frees) > 0 && ferr == nil {
		ferr = p.j.append(record{typ: recDone, tx: l.id})
	}
	l.finishLocked()
	return ferr
}

func (l *txLog) Abort() error {
	if err := l.check(); err != nil {
		return err
	}
	p := l.p
	p.mu.Lock()
	defer p.mu.Unlock()
	defer l.releaseLocked()
	l.done = true
	return l.rollbackLocked()
}

// releaseLocked lets the next transaction in. It runs even when rollback
// fails; the pool is then inconsistent until reopened, but not wedged.
func (l *txLog) releaseLocked() {
	if l.held {
		l.held = false
		l.p.txMu.Unlock()
	}
}

// failLocked rolls back a transaction whose commit could not complete.
func (l *txLog) failLocked(cause error) error {
	if err := l.rollbackLocked(); err != nil {
		return fmt.Errorf("%w (rollback: %w)", cause, err)
	}
	return cause
}

func (l *txLog) rollbackLocked() error {
	p := l.p
	for i := len(l.undo) - 1; i >= 0; i-- {
		u := l.undo[i]
		copy(p.data[u.abs:], u.pre)
		if err := p.media.Sync(u.abs, int64(len(u.pre))); err != nil {
			return err
		}
	}
	for _, h := range l.allocs {
		if p.alloc.isAllocated(h) {
			if err := p.alloc.free(h); err != nil {
				return err
			}
		}
	}
	if err := p.j.append(record{typ: recAbort, tx: l.id}); err != nil {
		return err
	}
	l.finishLocked()
	return nil
}

func (l *txLog) finishLocked() {
	delete(l.p.active, l.id)
	if len(l.p.active) == 0 {
		if err := l.p.j.reset(); err != nil {
			l.p.log.Warn("journal truncate failed", "path", l.p.path, "err", err)
		}
	}
}
