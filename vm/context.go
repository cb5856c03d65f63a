package vm

import (
	"fmt"
)

// ---------------------------------------------------------------------------
// Context: the reified activation
// ---------------------------------------------------------------------------
//
// A Context starts out as a view of a live Frame and computes its slots from
// it. The first write makes it dirty: written slots are then read from
// pointers, unwritten slots still fall back to the frame. When a send
// returns to a frame whose context went dirty, the frame adopts the heap
// state and the context defers to the frame again.

// Context slot indices.
const (
	SenderOrNil        = 0
	InstructionPointer = 1
	StackPointer       = 2
	Method             = 3
	ClosureOrNil       = 4
	Receiver           = 5
	TempFrameStart     = 6
)

// Context is a heap-resident activation.
type Context struct {
	frame             *Frame
	pointers          []Value
	dirty             bool
	hasModifiedSender bool
}

// NewContext allocates a frameless context with room for size temps and
// stack slots. All slots read as nil until written.
func NewContext(size int) *Context {
	return &Context{
		pointers: make([]Value, TempFrameStart+size),
		dirty:    true,
	}
}

// NewMethodContext builds a frameless context ready to run code from its
// first bytecode, as a scheduler would set up a new process.
func NewMethodContext(code *CodeUnit, receiver Value, args []Value, sender Value) (*Context, error) {
	if len(args) != code.NumArgs() {
		return nil, fmt.Errorf("%s expects %d arguments, got %d", code, code.NumArgs(), len(args))
	}
	if sender == nil {
		sender = Nil
	}
	c := NewContext(code.FrameSize())
	c.pointers[SenderOrNil] = sender
	c.pointers[InstructionPointer] = int64(code.InitialPC())
	c.pointers[StackPointer] = int64(code.NumTemps())
	c.pointers[Method] = code
	c.pointers[ClosureOrNil] = Nil
	c.pointers[Receiver] = receiver
	for i := 0; i < code.NumTemps(); i++ {
		if i < len(args) {
			c.pointers[TempFrameStart+i] = args[i]
		} else {
			c.pointers[TempFrameStart+i] = Nil
		}
	}
	return c, nil
}

// Frame returns the frame backing the context, or nil.
func (c *Context) Frame() *Frame { return c.frame }

// IsDirty reports whether written heap slots are authoritative.
func (c *Context) IsDirty() bool { return c.dirty }

// HasModifiedSender reports whether the sender slot was explicitly written.
func (c *Context) HasModifiedSender() bool { return c.hasModifiedSender }

// HasVirtualSender reports whether the sender is still an unresolved marker.
func (c *Context) HasVirtualSender() bool {
	if c.pointers[SenderOrNil] != nil || c.frame == nil {
		return false
	}
	_, ok := c.frame.sender.(FrameMarker)
	return ok
}

// Size returns the number of slots.
func (c *Context) Size() int { return len(c.pointers) }

// At reads a slot. Symbolic slots are computed from the live frame unless
// the context is dirty and the slot was written.
func (c *Context) At(index int) Value {
	if index < 0 || index >= len(c.pointers) {
		internalErrorf(nil, -1, "context slot %d out of range [0, %d)", index, len(c.pointers))
	}
	if index == SenderOrNil {
		return c.GetSender(true)
	}
	if c.dirty {
		if v := c.pointers[index]; v != nil {
			return v
		}
		if c.frame == nil {
			return Nil
		}
	}
	f := c.frame
	switch index {
	case InstructionPointer:
		if f.IsTerminated() {
			return Nil
		}
		return int64(f.pc + f.method().InitialPC())
	case StackPointer:
		return int64(f.sp)
	case Method:
		return f.method()
	case ClosureOrNil:
		if f.closure == nil {
			return Nil
		}
		return f.closure
	case Receiver:
		return f.receiver
	default:
		i := index - TempFrameStart
		if i >= len(f.slots) || f.slots[i] == nil {
			return Nil
		}
		return f.slots[i]
	}
}

// AtPut writes a slot and makes the context dirty. Writing the sender flags
// the context as having a modified sender.
func (c *Context) AtPut(index int, v Value) {
	if index < 0 || index >= len(c.pointers) {
		internalErrorf(nil, -1, "context slot %d out of range [0, %d)", index, len(c.pointers))
	}
	if v == nil {
		internalErrorf(nil, -1, "storing a null reference into context slot %d", index)
	}
	if index == SenderOrNil {
		c.hasModifiedSender = true
	}
	c.dirty = true
	c.pointers[index] = v
}

// Sender returns the sender, reconstructing it from the frame if needed.
func (c *Context) Sender() Value { return c.GetSender(true) }

// GetSender returns the sender context or Nil. A marker sender is resolved
// to the live caller frame, reified on the way. With force set the result
// is cached in the sender slot without making the context dirty.
func (c *Context) GetSender(force bool) Value {
	switch s := c.pointers[SenderOrNil].(type) {
	case *Context:
		return s
	case NilObject:
		return s
	}
	if c.frame == nil {
		return Nil
	}
	var actual Value = Nil
	switch s := c.frame.sender.(type) {
	case FrameMarker:
		senderFrame := c.frame.stack.Find(s)
		if senderFrame == nil {
			if c.frame.IsTerminated() {
				return Nil
			}
			internalErrorf(c.frame.code, c.frame.pc, "unable to find sender frame for %s", s)
		}
		actual = senderFrame.getOrCreateContext()
	case *Context:
		actual = s
	}
	if force {
		c.setSender(actual)
	}
	return actual
}

// hasSender reports whether the sender is something other than Nil,
// without reifying the caller.
func (c *Context) hasSender() bool {
	switch c.pointers[SenderOrNil].(type) {
	case *Context:
		return true
	case NilObject:
		return false
	}
	if c.frame == nil {
		return false
	}
	switch s := c.frame.sender.(type) {
	case FrameMarker:
		return c.frame.stack.Find(s) != nil
	case *Context:
		return true
	}
	return false
}

// setSender stores the sender without flagging the context dirty or the
// sender as modified.
func (c *Context) setSender(sender Value) {
	c.pointers[SenderOrNil] = sender
}

// Materialize snapshots the live frame into the heap slots: sender, pc
// (converted to an object offset), sp, method, closure and receiver. A
// marker sender is resolved and its frame reified. Once dirty, only the
// sender is refreshed.
func (c *Context) Materialize() {
	f := c.frame
	if f == nil {
		return
	}
	if c.pointers[SenderOrNil] == nil {
		if m, ok := f.sender.(FrameMarker); ok {
			senderFrame := f.stack.Find(m)
			if senderFrame == nil {
				if !f.IsTerminated() {
					internalErrorf(f.code, f.pc, "unable to find sender frame for %s", m)
				}
				c.setSender(Nil)
			} else {
				c.setSender(senderFrame.getOrCreateContext())
			}
		} else if f.sender != nil {
			c.setSender(f.sender)
		}
	}
	if c.dirty {
		return
	}
	method := f.method()
	c.AtPut(Method, method)
	if f.IsTerminated() {
		c.AtPut(InstructionPointer, Nil)
	} else {
		c.AtPut(InstructionPointer, int64(f.pc+method.InitialPC()))
	}
	c.AtPut(StackPointer, int64(f.sp))
	if f.closure == nil {
		c.AtPut(ClosureOrNil, Nil)
	} else {
		c.AtPut(ClosureOrNil, f.closure)
	}
	c.AtPut(Receiver, f.receiver)
}

// ---------------------------------------------------------------------------
// Typed accessors
// ---------------------------------------------------------------------------

// InstructionPointer returns the one-based object offset pc, or Nil when
// the context is dead.
func (c *Context) InstructionPointer() Value { return c.At(InstructionPointer) }

// SetInstructionPointer stores a new object offset pc.
func (c *Context) SetInstructionPointer(pc int64) {
	if pc < 0 {
		internalErrorf(nil, -1, "negative instruction pointer %d", pc)
	}
	c.AtPut(InstructionPointer, pc)
}

// PC returns the zero-based bytecode offset, or -1 when the context is
// dead.
func (c *Context) PC() int {
	ip, ok := c.At(InstructionPointer).(int64)
	m := c.Method()
	if !ok || m == nil {
		return -1
	}
	return int(ip) - m.InitialPC()
}

// StackPointer returns the number of temps and stack slots in use.
func (c *Context) StackPointer() int {
	sp, _ := c.At(StackPointer).(int64)
	return int(sp)
}

// SetStackPointer stores a new stack pointer.
func (c *Context) SetStackPointer(sp int) {
	if sp < 0 || sp > MaxStackSize || TempFrameStart+sp > len(c.pointers) {
		internalError(nil, -1, fmt.Errorf("%w: stack pointer %d", ErrStackOverflow, sp))
	}
	c.AtPut(StackPointer, int64(sp))
}

// Method returns the CompiledMethod or CompiledBlock of the context.
func (c *Context) Method() *CodeUnit {
	m, _ := c.At(Method).(*CodeUnit)
	return m
}

// Closure returns the closure of a block context, or nil.
func (c *Context) Closure() *BlockClosure {
	cl, _ := c.At(ClosureOrNil).(*BlockClosure)
	return cl
}

// Receiver returns the receiver.
func (c *Context) Receiver() Value { return c.At(Receiver) }

// CodeUnit returns the unit that executes for this context: the method,
// the closure's CompiledBlock, or the method's shadow block for the closure.
func (c *Context) CodeUnit() *CodeUnit {
	if cl := c.Closure(); cl != nil {
		return cl.CodeUnit()
	}
	return c.Method()
}

// AtTemp returns temp i (arguments first).
func (c *Context) AtTemp(i int) Value { return c.At(TempFrameStart + i) }

// AtTempPut stores temp i.
func (c *Context) AtTempPut(i int, v Value) { c.AtPut(TempFrameStart+i, v) }

// AtStack returns stack slot i, one-based like the image's stackp.
func (c *Context) AtStack(i int) Value { return c.At(TempFrameStart - 1 + i) }

// AtStackPut stores stack slot i, one-based.
func (c *Context) AtStackPut(i int, v Value) { c.AtPut(TempFrameStart-1+i, v) }

// Push stores v above the stack pointer and increments it.
func (c *Context) Push(v Value) {
	sp := c.StackPointer() + 1
	if sp > MaxStackSize || TempFrameStart-1+sp >= len(c.pointers) {
		internalError(nil, -1, fmt.Errorf("%w: push at stack pointer %d", ErrStackOverflow, sp-1))
	}
	c.AtStackPut(sp, v)
	c.SetStackPointer(sp)
}

// Pop removes and returns the top of the stack.
func (c *Context) Pop() Value {
	sp := c.StackPointer()
	if sp <= 0 {
		internalError(nil, -1, ErrStackUnderflow)
	}
	v := c.AtStack(sp)
	c.SetStackPointer(sp - 1)
	return v
}

// Peek returns the stack value offset slots below the top.
func (c *Context) Peek(offset int) Value {
	sp := c.StackPointer() - offset
	if sp <= 0 {
		internalError(nil, -1, ErrStackUnderflow)
	}
	return c.AtStack(sp)
}

// Top returns the top of the stack.
func (c *Context) Top() Value { return c.Peek(0) }

// ---------------------------------------------------------------------------
// Lifecycle
// ---------------------------------------------------------------------------

// IsDead reports whether the context has returned or been terminated.
func (c *Context) IsDead() bool {
	return c.At(InstructionPointer) == Nil
}

// Terminate clears the instruction pointer and removes the sender without
// flagging it as modified.
func (c *Context) Terminate() {
	c.AtPut(InstructionPointer, Nil)
	c.setSender(Nil)
	if c.frame != nil && !c.frame.stack.IsLive(c.frame) {
		c.frame.terminate()
	}
}

// HomeContext follows outer contexts from a block context to the method
// context it was created in.
func (c *Context) HomeContext() *Context {
	ctx := c
	for {
		cl := ctx.Closure()
		if cl == nil || cl.outerContext == nil {
			return ctx
		}
		ctx = cl.outerContext
	}
}

// ShallowCopy duplicates the slots. The copy shares the frame and starts
// out dirty so it never writes back into the original's frame.
func (c *Context) ShallowCopy() *Context {
	return &Context{
		frame:             c.frame,
		pointers:          append([]Value(nil), c.pointers...),
		dirty:             true,
		hasModifiedSender: c.hasModifiedSender,
	}
}

// adoptInto copies every written heap slot back into f and makes the
// context defer to f again. The sender slot and the modified-sender flag
// are kept. It reports false when the written pc marks the context dead.
func (c *Context) adoptInto(f *Frame) bool {
	method := f.method()
	alive := true
	switch ip := c.pointers[InstructionPointer].(type) {
	case int64:
		f.pc = int(ip) - method.InitialPC()
		if f.pc < 0 || f.pc >= len(f.code.bytes) {
			internalErrorf(f.code, f.pc, "instruction pointer %d outside method", ip)
		}
	case NilObject:
		alive = false
	}
	if sp, ok := c.pointers[StackPointer].(int64); ok {
		if sp < 0 || int(sp) > len(f.slots) {
			internalError(f.code, f.pc, fmt.Errorf("%w: stack pointer %d", ErrStackOverflow, sp))
		}
		for i := int(sp); i < f.sp; i++ {
			f.slots[i] = nil
		}
		f.sp = int(sp)
	}
	if r := c.pointers[Receiver]; r != nil {
		f.receiver = r
	}
	for i := range f.slots {
		if v := c.pointers[TempFrameStart+i]; v != nil {
			f.slots[i] = v
		}
	}
	sender := c.pointers[SenderOrNil]
	for i := range c.pointers {
		c.pointers[i] = nil
	}
	c.pointers[SenderOrNil] = sender
	c.frame = f
	f.context = c
	c.dirty = false
	return alive
}

func (c *Context) String() string {
	m := c.Method()
	if m == nil {
		return "CTX without method"
	}
	if c.Closure() != nil {
		return "CTX [] in " + m.Method().String()
	}
	return "CTX " + m.String()
}
