// Package tx provides nested, context-scoped transactions over an engine log.
//
// Transaction state lives in a *Tx carried by the context.Context, so every
// goroutine (every context chain) has its own independent depth and state.
// Only the outermost frame talks to the engine:
//
//	Start    depth 0 -> 1 opens the engine log (state Active)
//	Commit   depth 1 ends the log (state Committed)
//	Abort    depth 1 aborts the log (state Aborted)
//
// Nested frames share the outer log. An abort in a nested frame dooms the
// whole stack: the engine abort happens exactly once, at the outermost
// frame, and the outer frame observes Aborted.
//
// Callers normally use Run, which guarantees commit-or-abort on every exit
// path and re-raises the work's error (or panic) unchanged.
package tx

import (
	"context"
	"fmt"

	"github.com/joshuapare/pmemkit/engine"
	"github.com/joshuapare/pmemkit/internal/logger"
	"github.com/joshuapare/pmemkit/pkg/types"
)

// State is the transaction state.
type State int

const (
	None State = iota
	Active
	Committed
	Aborted
)

func (s State) String() string {
	switch s {
	case None:
		return "none"
	case Active:
		return "active"
	case Committed:
		return "committed"
	case Aborted:
		return "aborted"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Tx is the per-context transaction frame stack.
//
// A Tx is NOT safe for use from multiple goroutines.
type Tx struct {
	eng      engine.Engine
	log      engine.Log
	state    State
	depth    int
	doomed   bool // a nested frame aborted
	onCommit []func()
	onAbort  []func()
}

type ctxKey struct{}

// heldKey chains the frames hidden by Detach or by a Start on another
// engine. An engine serializes its transactions, so beginning a second one
// under a still-active frame on the same engine would wait forever.
type heldKey struct{}

type held struct {
	t    *Tx
	next *held
}

func hide(ctx context.Context, t *Tx) context.Context {
	if t == nil || t.depth == 0 {
		return ctx
	}
	next, _ := ctx.Value(heldKey{}).(*held)
	return context.WithValue(ctx, heldKey{}, &held{t: t, next: next})
}

func blockedBy(ctx context.Context, eng engine.Engine) bool {
	for h, _ := ctx.Value(heldKey{}).(*held); h != nil; h = h.next {
		if h.t.eng == eng && h.t.depth > 0 && h.t.state == Active {
			return true
		}
	}
	return false
}

// FromContext returns the transaction carried by ctx, or nil.
func FromContext(ctx context.Context) *Tx {
	t, _ := ctx.Value(ctxKey{}).(*Tx)
	return t
}

// Detach returns a context that carries no transaction, so the next Start
// opens a fresh outermost frame. Starting one on an engine whose hidden
// transaction is still active fails instead of deadlocking; Detach is meant
// for OnCommit and OnAbort hooks and for work on other engines.
func Detach(ctx context.Context) context.Context {
	return context.WithValue(hide(ctx, FromContext(ctx)), ctxKey{}, (*Tx)(nil))
}

// Current returns the engine log of ctx's transaction when it is active on
// eng.
func Current(ctx context.Context, eng engine.Engine) (engine.Log, bool) {
	t := FromContext(ctx)
	if t == nil || t.eng != eng || t.depth == 0 || t.state != Active {
		return nil, false
	}
	return t.log, true
}

// Start enters a transaction frame. The returned context carries the frame
// and must be passed to nested work.
func Start(ctx context.Context, eng engine.Engine) (context.Context, *Tx, error) {
	t := FromContext(ctx)
	if t == nil || t.eng != eng {
		ctx = hide(ctx, t)
		t = &Tx{eng: eng}
		ctx = context.WithValue(ctx, ctxKey{}, t)
	}
	if t.depth == 0 {
		t.state = None
		t.log = nil
		t.doomed = false
		t.onCommit = nil
		t.onAbort = nil
	}
	t.depth++
	if t.depth == 1 && t.state == None {
		if blockedBy(ctx, eng) {
			t.depth--
			return ctx, t, types.Errorf(types.ErrKindTransaction, "tx.Start",
				"engine already has an active transaction in this context")
		}
		l, err := eng.Begin()
		if err != nil {
			t.depth--
			return ctx, t, &types.Error{Kind: types.ErrKindTransaction, Op: "tx.Start", Msg: "begin", Err: err}
		}
		t.log = l
		t.state = Active
	}
	return ctx, t, nil
}

// Apply runs work inside the frame. It fails with NotActive unless the
// transaction is Active.
func (t *Tx) Apply(ctx context.Context, work func(ctx context.Context) error) error {
	if t.state != Active {
		return types.Errorf(types.ErrKindNotActive, "tx.Apply", "transaction is %s", t.state)
	}
	return work(ctx)
}

// Commit leaves the frame. Only the outermost frame finalizes: an already
// aborted stack unwinds quietly, a doomed stack is aborted in the engine and
// reported as a transaction error, anything else ends the engine log.
func (t *Tx) Commit() error {
	if t.depth == 0 {
		return types.Errorf(types.ErrKindNotActive, "tx.Commit", "no transaction frame")
	}
	defer func() { t.depth-- }()
	if t.depth > 1 {
		return nil
	}

	switch {
	case t.state == Aborted:
		return nil
	case t.state != Active:
		return types.Errorf(types.ErrKindNotActive, "tx.Commit", "transaction is %s", t.state)
	case t.doomed:
		err := t.log.Abort()
		t.finish(Aborted)
		if err != nil {
			return &types.Error{Kind: types.ErrKindTransaction, Op: "tx.Commit", Msg: "nested frame aborted; engine abort failed", Err: err}
		}
		return types.Errorf(types.ErrKindTransaction, "tx.Commit", "nested frame aborted")
	}

	if err := t.log.End(); err != nil {
		t.finish(Aborted)
		return &types.Error{Kind: types.ErrKindTransaction, Op: "tx.Commit", Msg: "end", Err: err}
	}
	t.finish(Committed)
	return nil
}

// Abort marks the transaction aborted. At the outermost frame the engine log
// is aborted immediately; nested frames doom the stack and leave the engine
// abort to the outermost Commit.
func (t *Tx) Abort() error {
	if t.state != Active || t.depth == 0 {
		return types.Errorf(types.ErrKindNotActive, "tx.Abort", "transaction is %s", t.state)
	}
	if t.depth > 1 {
		t.doomed = true
		return nil
	}
	err := t.log.Abort()
	t.finish(Aborted)
	if err != nil {
		return &types.Error{Kind: types.ErrKindTransaction, Op: "tx.Abort", Msg: "engine abort", Err: err}
	}
	return nil
}

func (t *Tx) finish(s State) {
	t.state = s
	t.log = nil
	hooks := t.onAbort
	if s == Committed {
		hooks = t.onCommit
	}
	t.onCommit, t.onAbort = nil, nil
	for _, fn := range hooks {
		fn()
	}
}

// OnCommit registers fn to run after the outermost commit succeeds.
func (t *Tx) OnCommit(fn func()) { t.onCommit = append(t.onCommit, fn) }

// OnAbort registers fn to run after the transaction aborts.
func (t *Tx) OnAbort(fn func()) { t.onAbort = append(t.onAbort, fn) }

// State returns the current state.
func (t *Tx) State() State { return t.state }

// Depth returns the current nesting depth.
func (t *Tx) Depth() int { return t.depth }

// Run executes work in a transaction frame on eng. Commit or abort always
// runs; abort wins when work returns an error or panics. The work's error
// or panic is re-raised unchanged.
func Run(ctx context.Context, eng engine.Engine, work func(ctx context.Context) error) (err error) {
	ctx, t, err := Start(ctx, eng)
	if err != nil {
		return err
	}
	defer func() {
		r := recover()
		if r != nil || err != nil {
			if aerr := t.Abort(); aerr != nil && types.KindOf(aerr) != types.ErrKindNotActive {
				logger.L.Warn("transaction abort failed", "err", aerr)
			}
		}
		cerr := t.Commit()
		if r != nil {
			panic(r)
		}
		if err == nil {
			err = cerr
		}
	}()
	return t.Apply(ctx, work)
}

// RunOuter is Run in a fresh outermost transaction, independent of any
// transaction ctx already carries. It fails when that transaction is active
// on eng.
func RunOuter(ctx context.Context, eng engine.Engine, work func(ctx context.Context) error) error {
	return Run(Detach(ctx), eng, work)
}
