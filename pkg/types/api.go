package types

import (
	"errors"
	"fmt"
)

// -----------------------------------------------------------------------------
// Typed Errors (stable categories for programmatic handling)
// -----------------------------------------------------------------------------

// ErrKind classifies errors so callers can branch on intent rather than text.
type ErrKind int

const (
	ErrKindUnknown            ErrKind = iota
	ErrKindAllocation                 // engine could not satisfy a size request
	ErrKindNotAlive                   // operation on a freed/invalidated region
	ErrKindOutOfBounds                // offset/length outside [0,size)
	ErrKindInvalidWidth               // width not in {1,2,4,8}
	ErrKindUnsupportedForKind         // e.g. flush on a Raw region
	ErrKindNotActive                  // transaction protocol misuse (not active)
	ErrKindTransaction                // transaction protocol failure
	ErrKindNotFound                   // directory miss or stale handle
	ErrKindFree                       // engine rejected a free
	ErrKindRoot                       // engine rejected a root update
	ErrKindTypeMismatch               // stored type tag does not match the requested layout
	ErrKindClosed                     // heap, bridge or directory already closed
	ErrKindInvalidName                // empty or malformed directory name
)

var kindNames = map[ErrKind]string{
	ErrKindUnknown:            "unknown",
	ErrKindAllocation:         "allocation",
	ErrKindNotAlive:           "not alive",
	ErrKindOutOfBounds:        "out of bounds",
	ErrKindInvalidWidth:       "invalid width",
	ErrKindUnsupportedForKind: "unsupported for kind",
	ErrKindNotActive:          "not active",
	ErrKindTransaction:        "transaction",
	ErrKindNotFound:           "not found",
	ErrKindFree:               "free",
	ErrKindRoot:               "root",
	ErrKindTypeMismatch:       "type mismatch",
	ErrKindClosed:             "closed",
	ErrKindInvalidName:        "invalid name",
}

func (k ErrKind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("ErrKind(%d)", int(k))
}

// Error is a typed error with an optional underlying cause.
type Error struct {
	Kind ErrKind
	Op   string // operation that failed, e.g. "region.PutBits"
	Msg  string
	Err  error // optional underlying cause
}

func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	msg := e.Msg
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Err != nil {
		return msg + ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error of the same kind, so callers can test against the
// sentinels below regardless of Op/Msg details.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok || e == nil || t == nil {
		return false
	}
	return e.Kind == t.Kind
}

// Sentinels commonly returned by implementations.
var (
	ErrAllocation         = &Error{Kind: ErrKindAllocation, Msg: "allocation failed"}
	ErrNotAlive           = &Error{Kind: ErrKindNotAlive, Msg: "region is not alive"}
	ErrOutOfBounds        = &Error{Kind: ErrKindOutOfBounds, Msg: "offset out of bounds"}
	ErrInvalidWidth       = &Error{Kind: ErrKindInvalidWidth, Msg: "invalid width"}
	ErrUnsupportedForKind = &Error{Kind: ErrKindUnsupportedForKind, Msg: "operation unsupported for region kind"}
	ErrNotActive          = &Error{Kind: ErrKindNotActive, Msg: "transaction not active"}
	ErrTransaction        = &Error{Kind: ErrKindTransaction, Msg: "transaction failed"}
	ErrNotFound           = &Error{Kind: ErrKindNotFound, Msg: "not found"}
	ErrFree               = &Error{Kind: ErrKindFree, Msg: "free rejected"}
	ErrRoot               = &Error{Kind: ErrKindRoot, Msg: "root update rejected"}
	ErrTypeMismatch       = &Error{Kind: ErrKindTypeMismatch, Msg: "type mismatch"}
	ErrClosed             = &Error{Kind: ErrKindClosed, Msg: "closed"}
	ErrInvalidName        = &Error{Kind: ErrKindInvalidName, Msg: "invalid name"}
)

// Errorf builds a typed error of the given kind.
func Errorf(kind ErrKind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Msg: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind and operation to an underlying cause. A cause that is
// already a typed error keeps its own kind.
func Wrap(kind ErrKind, op string, err error) error {
	if err == nil {
		return nil
	}
	var te *Error
	if errors.As(err, &te) {
		return err
	}
	return &Error{Kind: kind, Op: op, Msg: kind.String(), Err: err}
}

// KindOf returns the kind of the first typed error in err's chain.
func KindOf(err error) ErrKind {
	var te *Error
	if errors.As(err, &te) {
		return te.Kind
	}
	return ErrKindUnknown
}
