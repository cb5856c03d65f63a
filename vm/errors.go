package vm

import (
	"errors"
	"fmt"
)

// ---------------------------------------------------------------------------
// Error taxonomy
// ---------------------------------------------------------------------------
//
// Primitive failures are expected and recovered locally by running the
// method's bytecode body. Guest-level errors (doesNotUnderstand:,
// cannotReturn:) are ordinary message sends. Internal errors mean a corrupted
// CodeUnit or an engine bug and abort the running process.

var (
	// ErrPrimitiveFailed is matched by every *PrimitiveFailed.
	ErrPrimitiveFailed = errors.New("primitive failed")

	// ErrStackOverflow is reported when a push exceeds the frame size.
	ErrStackOverflow = errors.New("stack overflow")

	// ErrStackUnderflow is reported when a pop runs below the stack base.
	ErrStackUnderflow = errors.New("stack underflow")

	// ErrDeadActivation is reported when resuming a terminated context.
	ErrDeadActivation = errors.New("activation is dead")

	// ErrUnknownBytecode is reported when executing an undecodable byte.
	ErrUnknownBytecode = errors.New("unknown bytecode")
)

// PrimitiveFailed is returned by a primitive that cannot produce a result.
// Reason is the optional error code pushed for methods that store it.
type PrimitiveFailed struct {
	Index  int
	Reason Value
}

func (e *PrimitiveFailed) Error() string {
	if e.Reason != nil && e.Reason != Nil {
		return fmt.Sprintf("primitive %d failed: %s", e.Index, PrintString(e.Reason))
	}
	return fmt.Sprintf("primitive %d failed", e.Index)
}

// Is makes errors.Is(err, ErrPrimitiveFailed) hold.
func (e *PrimitiveFailed) Is(target error) bool { return target == ErrPrimitiveFailed }

// Fail builds a primitive failure without a reason code.
func Fail(index int) error { return &PrimitiveFailed{Index: index} }

// FailWith builds a primitive failure carrying a reason code.
func FailWith(index int, reason Value) error {
	return &PrimitiveFailed{Index: index, Reason: reason}
}

// InternalError is an engine invariant violation. It is raised with panic
// inside the dispatch loop and converted to an error by the public entry
// points.
type InternalError struct {
	Code *CodeUnit
	PC   int
	Err  error
}

func (e *InternalError) Error() string {
	if e.Code != nil {
		return fmt.Sprintf("internal engine error in %s at pc %d: %v", e.Code, e.PC, e.Err)
	}
	return fmt.Sprintf("internal engine error: %v", e.Err)
}

func (e *InternalError) Unwrap() error { return e.Err }

// internalErrorf panics with an *InternalError.
func internalErrorf(code *CodeUnit, pc int, format string, args ...any) {
	panic(&InternalError{Code: code, PC: pc, Err: fmt.Errorf(format, args...)})
}

// internalError panics with an *InternalError wrapping err.
func internalError(code *CodeUnit, pc int, err error) {
	panic(&InternalError{Code: code, PC: pc, Err: err})
}
