// Package types defines the error vocabulary shared by every pmemkit package.
//
// All failures surfaced by the runtime are *Error values carrying an ErrKind,
// so callers branch on the kind instead of matching text:
//
//	if errors.Is(err, types.ErrOutOfBounds) {
//	    // offset or length outside [0, size)
//	}
//
// Input-validation kinds (OutOfBounds, InvalidWidth, NotAlive) are raised
// before any mutation happens. Engine kinds (Allocation, Free, Root) wrap the
// engine's own error as the cause.
//
// This package has no dependencies beyond the standard library.
package types
