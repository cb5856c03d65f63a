package vm

import (
	"errors"
	"fmt"
)

// ---------------------------------------------------------------------------
// Live frames
// ---------------------------------------------------------------------------
//
// A Frame is the fast, non-reified state of one activation. Frames live in
// the interpreter's FrameStack and are addressed by FrameMarkers: a depth
// plus a serial number, so resolving a marker is an index lookup and a
// stale marker (its frame has returned) resolves to nothing.

const (
	// terminatedPC marks a frame that has returned or been unwound.
	terminatedPC = -1

	// DefaultMaxFrameDepth bounds native recursion of the dispatch loop.
	DefaultMaxFrameDepth = 10000
)

// ErrCallDepthExceeded is reported when activations nest deeper than the
// interpreter's MaxFrameDepth.
var ErrCallDepthExceeded = errors.New("call depth exceeded")

// FrameMarker is a stable handle to a live frame.
type FrameMarker struct {
	Depth  int
	Serial uint64
}

func (m FrameMarker) String() string { return fmt.Sprintf("marker(%d#%d)", m.Depth, m.Serial) }

// Frame holds the live state of one activation. pc is a zero-based offset
// into code's bytes; slots hold arguments, copied values, temps and the
// operand stack, sp of them in use.
type Frame struct {
	marker   FrameMarker
	stack    *FrameStack
	code     *CodeUnit
	sender   Value // *Context, Nil or FrameMarker
	closure  *BlockClosure
	receiver Value
	slots    []Value
	sp       int
	pc       int
	context  *Context
}

// Marker returns the frame's handle.
func (f *Frame) Marker() FrameMarker { return f.marker }

// Code returns the executing CodeUnit (a method, CompiledBlock or shadow block).
func (f *Frame) Code() *CodeUnit { return f.code }

// Receiver returns the frame's receiver.
func (f *Frame) Receiver() Value { return f.receiver }

// Closure returns the closure a block frame runs for, or nil.
func (f *Frame) Closure() *BlockClosure { return f.closure }

// PC returns the zero-based pc.
func (f *Frame) PC() int { return f.pc }

// SP returns the number of slots in use.
func (f *Frame) SP() int { return f.sp }

// IsTerminated reports whether the frame has returned or been unwound.
func (f *Frame) IsTerminated() bool { return f.pc < 0 }

// Context returns the frame's reified context, or nil if none was created.
func (f *Frame) Context() *Context { return f.context }

// method is the value of the context's method slot: the CompiledMethod, or
// the CompiledBlock of a full closure.
func (f *Frame) method() *CodeUnit {
	if f.code.kind == KindShadowBlock {
		return f.code.outerMethod
	}
	return f.code
}

func (f *Frame) push(v Value) {
	if f.sp >= len(f.slots) {
		internalError(f.code, f.pc, fmt.Errorf("%w: sp %d, frame size %d", ErrStackOverflow, f.sp, len(f.slots)))
	}
	f.slots[f.sp] = v
	f.sp++
}

func (f *Frame) pop() Value {
	if f.sp <= 0 {
		internalError(f.code, f.pc, ErrStackUnderflow)
	}
	f.sp--
	v := f.slots[f.sp]
	f.slots[f.sp] = nil
	return v
}

func (f *Frame) top() Value {
	if f.sp <= 0 {
		internalError(f.code, f.pc, ErrStackUnderflow)
	}
	return f.slots[f.sp-1]
}

// popN pops n values and returns them in push order.
func (f *Frame) popN(n int) []Value {
	if n == 0 {
		return nil
	}
	if f.sp < n {
		internalError(f.code, f.pc, ErrStackUnderflow)
	}
	vals := make([]Value, n)
	copy(vals, f.slots[f.sp-n:f.sp])
	for i := f.sp - n; i < f.sp; i++ {
		f.slots[i] = nil
	}
	f.sp -= n
	return vals
}

func (f *Frame) temp(i int) Value {
	if i < 0 || i >= len(f.slots) {
		internalErrorf(f.code, f.pc, "temp index %d out of range [0, %d)", i, len(f.slots))
	}
	if v := f.slots[i]; v != nil {
		return v
	}
	return Nil
}

func (f *Frame) setTemp(i int, v Value) {
	if i < 0 || i >= len(f.slots) {
		internalErrorf(f.code, f.pc, "temp index %d out of range [0, %d)", i, len(f.slots))
	}
	f.slots[i] = v
}

// getOrCreateContext reifies the frame. The context defers to the frame
// until it is written to.
func (f *Frame) getOrCreateContext() *Context {
	if f.context == nil {
		f.context = &Context{
			frame:    f,
			pointers: make([]Value, TempFrameStart+len(f.slots)),
		}
	}
	return f.context
}

// terminate marks the frame dead. The sender slot is left as is.
func (f *Frame) terminate() {
	f.pc = terminatedPC
	if c := f.context; c != nil && c.dirty && c.pointers[InstructionPointer] != nil {
		c.pointers[InstructionPointer] = Nil
	}
}

func (f *Frame) String() string {
	return fmt.Sprintf("%s pc=%d sp=%d", f.code, f.pc, f.sp)
}

// ---------------------------------------------------------------------------
// FrameStack
// ---------------------------------------------------------------------------

// FrameStack is the interpreter's arena of live frames.
type FrameStack struct {
	frames []*Frame
	serial uint64
}

// Depth returns the number of live frames.
func (s *FrameStack) Depth() int { return len(s.frames) }

// Top returns the innermost live frame, or nil.
func (s *FrameStack) Top() *Frame {
	if len(s.frames) == 0 {
		return nil
	}
	return s.frames[len(s.frames)-1]
}

// At returns the frame at depth d (0 is the outermost).
func (s *FrameStack) At(d int) *Frame { return s.frames[d] }

// Find resolves a marker to its live frame, or nil if the frame is gone.
func (s *FrameStack) Find(m FrameMarker) *Frame {
	if m.Depth < 0 || m.Depth >= len(s.frames) {
		return nil
	}
	if f := s.frames[m.Depth]; f.marker == m {
		return f
	}
	return nil
}

// IsLive reports whether f is still on the stack.
func (s *FrameStack) IsLive(f *Frame) bool {
	return f != nil && f.stack == s && s.Find(f.marker) == f
}

func (s *FrameStack) newFrame(code *CodeUnit, sender Value, receiver Value, closure *BlockClosure) *Frame {
	return s.newFrameSized(code, sender, receiver, closure, code.FrameSize())
}

func (s *FrameStack) newFrameSized(code *CodeUnit, sender Value, receiver Value, closure *BlockClosure, size int) *Frame {
	s.serial++
	f := &Frame{
		marker:   FrameMarker{Depth: len(s.frames), Serial: s.serial},
		stack:    s,
		code:     code,
		sender:   sender,
		closure:  closure,
		receiver: receiver,
		slots:    make([]Value, size),
	}
	s.frames = append(s.frames, f)
	return f
}

func (s *FrameStack) pop(f *Frame) {
	n := len(s.frames)
	if n == 0 || s.frames[n-1] != f {
		internalErrorf(f.code, f.pc, "frame stack out of order")
	}
	s.frames[n-1] = nil
	s.frames = s.frames[:n-1]
}

func (s *FrameStack) reset() {
	for i := range s.frames {
		s.frames[i] = nil
	}
	s.frames = s.frames[:0]
}
