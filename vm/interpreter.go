package vm

import (
	"fmt"
)

// ---------------------------------------------------------------------------
// Interpreter: the bytecode execution engine
// ---------------------------------------------------------------------------
//
// Each activation is one native call of execute. Its result is a value plus
// an optional Signal: nil for a local return, otherwise a non-local return,
// process switch or driver-level return that unwinds native activations
// until it reaches the one it addresses.

// Interpreter runs bytecode for one VM on one goroutine.
type Interpreter struct {
	vm    *VM
	model ObjectModel
	stack FrameStack

	// MaxFrameDepth bounds nested activations.
	MaxFrameDepth int

	closureCacheSize int
	site             *ClosureSite
}

// VM returns the engine context the interpreter belongs to.
func (i *Interpreter) VM() *VM { return i.vm }

// Model returns the object model.
func (i *Interpreter) Model() ObjectModel { return i.model }

// Stack returns the live frame stack.
func (i *Interpreter) Stack() *FrameStack { return &i.stack }

// CallerContext reifies the innermost live frame. For a primitive this is
// the activation that sent the message.
func (i *Interpreter) CallerContext() *Context {
	if f := i.stack.Top(); f != nil {
		return f.getOrCreateContext()
	}
	return nil
}

// ---------------------------------------------------------------------------
// Activation
// ---------------------------------------------------------------------------

// callPrimitiveLength is the size of the callPrimitive instruction that
// starts every method with a primitive.
const callPrimitiveLength = 3

// activate runs code as a method for receiver with args, which the caller
// has already popped. sender is the caller's marker, a Context or Nil.
func (i *Interpreter) activate(code *CodeUnit, sender Value, receiver Value, args []Value) (Value, Signal) {
	if len(args) != code.NumArgs() {
		internalErrorf(code, 0, "activated with %d arguments, expects %d", len(args), code.NumArgs())
	}
	entry := code.EntryPoint()
	var reason Value = Nil
	if code.HasPrimitive() {
		v, sig, err := i.tryPrimitive(entry, sender, receiver, args)
		if err == nil {
			return v, sig
		}
		reason = failureReason(err)
		if engineLog.AllowLevel(debugLevel) {
			engineLog.Debugf("%s: %v, running fallback code", code, err)
		}
	}
	f := i.pushFrame(code, sender, receiver, nil)
	copy(f.slots, args)
	for j := len(args); j < code.NumTemps(); j++ {
		f.slots[j] = Nil
	}
	f.sp = code.NumTemps()
	pc := 0
	if code.HasPrimitive() {
		pc = callPrimitiveLength
		if code.HasStoreIntoTempAfterCallPrimitive() {
			f.push(reason)
		}
	}
	i.vm.Profiler.RecordInvocation(code)
	return i.execute(f, entry, pc, true)
}

// activateBlock runs closure c through entry with args, whose count the
// caller has checked. Direct and indirect closure calls both end up here.
func (i *Interpreter) activateBlock(c *BlockClosure, entry *Entry, sender Value, args []Value, poll bool) (Value, Signal) {
	code := entry.code
	f := i.pushFrame(code, sender, c.receiver, c)
	n := len(args) + len(c.copied)
	if n > len(f.slots) {
		internalErrorf(code, 0, "%d arguments and copied values exceed frame size %d", n, len(f.slots))
	}
	copy(f.slots, args)
	copy(f.slots[len(args):], c.copied)
	pc := 0
	if code.IsShadowBlock() {
		f.sp = n
		pc = c.startPC
	} else {
		for j := n; j < code.NumTemps(); j++ {
			f.slots[j] = Nil
		}
		f.sp = max(n, code.NumTemps())
	}
	i.vm.Profiler.RecordInvocation(code)
	return i.execute(f, entry, pc, poll)
}

func (i *Interpreter) pushFrame(code *CodeUnit, sender Value, receiver Value, closure *BlockClosure) *Frame {
	if i.stack.Depth() >= i.MaxFrameDepth {
		internalError(code, 0, fmt.Errorf("%w: %d frames", ErrCallDepthExceeded, i.stack.Depth()))
	}
	return i.stack.newFrame(code, sender, receiver, closure)
}

// execute runs f from pc and unwinds it. With poll set the interrupt
// checkpoint is consulted before the first instruction.
func (i *Interpreter) execute(f *Frame, entry *Entry, pc int, poll bool) (Value, Signal) {
	f.pc = pc
	var v Value
	var sig Signal
	if poll {
		sig = i.checkForInterrupts()
	}
	if sig == nil {
		v, sig = i.dispatch(f, entry)
	}
	return i.unwind(f, v, sig)
}

// unwind pops f after it returned or was passed by a signal. A non-local
// return runs the cleanup block of an ensure:/ifCurtailed: activation, then
// terminates the frame and stops if f is its target.
func (i *Interpreter) unwind(f *Frame, v Value, sig Signal) (Value, Signal) {
	if sig == nil {
		f.terminate()
		i.stack.pop(f)
		return v, nil
	}
	r, ok := sig.(*ReturnSignal)
	if !ok || r.Kind != NonLocalReturn {
		i.stack.pop(f)
		return nil, sig
	}
	if f.closure == nil && f.code.IsUnwindMarked() {
		if cleanup := i.runUnwindBlock(f); cleanup != nil {
			sig = cleanup
		}
	}
	f.terminate()
	i.stack.pop(f)
	if sig != r {
		return nil, sig
	}
	if f.context != nil && r.Target == f.context {
		r.arrive()
		return r.consume(), nil
	}
	if f.context != nil {
		f.context.setSender(Nil)
	}
	return nil, r
}

// runUnwindBlock evaluates the cleanup block (temp 0) of an unwind-marked
// activation unless its completion flag (temp 1) is already set.
func (i *Interpreter) runUnwindBlock(f *Frame) Signal {
	if len(f.slots) < 2 || f.temp(1) != Nil {
		return nil
	}
	f.setTemp(1, true)
	block, ok := f.temp(0).(*BlockClosure)
	if !ok || block.numArgs != 0 {
		return nil
	}
	_, sig := i.blockSite().invoke(i, block, f.marker, nil, true)
	return sig
}

func (i *Interpreter) blockSite() *ClosureSite {
	if i.site == nil {
		i.site = NewClosureSite(i.closureCacheSize)
	}
	return i.site
}

// checkForInterrupts consumes a pending trigger and turns it into a
// process switch at the innermost activation.
func (i *Interpreter) checkForInterrupts() Signal {
	cp := i.vm.Checkpoint
	if !cp.ShouldTrigger() || !cp.Consume() {
		return nil
	}
	return i.Preempt()
}

// Preempt materializes every live activation and returns the process
// switch for the innermost one. Primitives that block the running process
// return it as their error.
func (i *Interpreter) Preempt() *ProcessSwitch {
	i.materializeStack()
	top := i.stack.Top()
	if top == nil {
		internalErrorf(nil, -1, "process switch without a live activation")
	}
	interruptLog.Debugf("process switch at %s", top)
	return newProcessSwitch(top.getOrCreateContext())
}

// materializeStack reifies every live frame, outermost first.
func (i *Interpreter) materializeStack() {
	for d := 0; d < i.stack.Depth(); d++ {
		i.stack.At(d).getOrCreateContext().Materialize()
	}
}

// resumeAfterSend makes f adopt the state of its context if the context
// was written while the send ran. It reports false when the context was
// terminated.
func (i *Interpreter) resumeAfterSend(f *Frame) bool {
	if c := f.context; c != nil && c.dirty {
		return c.adoptInto(f)
	}
	return true
}

// ---------------------------------------------------------------------------
// Dispatch loop
// ---------------------------------------------------------------------------

func (i *Interpreter) dispatch(f *Frame, entry *Entry) (Value, Signal) {
	code := f.code
	for {
		if !entry.valid {
			entry = code.EntryPoint()
		}
		in := entry.instructionAt(f.pc)
		switch in.Op {
		case OpNop, OpCallPrimitive:
			f.pc = in.Successor()

		// --- Pushes ---
		case OpPushReceiverVariable:
			v, ok := i.model.InstVarAt(f.receiver, in.Index)
			if !ok {
				internalErrorf(code, f.pc, "%s has no instance variable %d", PrintString(f.receiver), in.Index)
			}
			f.push(v)
			f.pc = in.Successor()

		case OpPushTemp:
			f.push(f.temp(in.Index))
			f.pc = in.Successor()

		case OpPushLiteralConstant:
			f.push(code.Literal(in.Index))
			f.pc = in.Successor()

		case OpPushLiteralVariable:
			v, ok := i.model.BindingValue(code.Literal(in.Index))
			if !ok {
				internalErrorf(code, f.pc, "literal %d is not a variable binding", in.Index)
			}
			f.push(v)
			f.pc = in.Successor()

		case OpPushConstant:
			f.push(in.Value)
			f.pc = in.Successor()

		case OpPushReceiver:
			f.push(f.receiver)
			f.pc = in.Successor()

		case OpPushActiveContext:
			f.push(f.getOrCreateContext())
			f.pc = in.Successor()

		case OpPushNewArray:
			var elements []Value
			if in.Pop {
				elements = f.popN(in.Index)
			} else {
				elements = make([]Value, in.Index)
			}
			f.push(i.model.NewArray(elements))
			f.pc = in.Successor()

		case OpPushRemoteTemp:
			vector := i.tempVector(f, in)
			f.push(vector[in.Index])
			f.pc = in.Successor()

		case OpPushClosure:
			copied := f.popN(in.Index)
			f.push(NewBlockClosure(f.method(), in.Successor(), in.NumArgs, f.receiver, copied, f.getOrCreateContext()))
			f.pc = in.Target

		case OpPushFullClosure:
			block, ok := code.Literal(in.Index).(*CodeUnit)
			if !ok || !block.IsCompiledBlock() {
				internalErrorf(code, f.pc, "literal %d is not a CompiledBlock", in.Index)
			}
			copied := f.popN(in.Index2)
			receiver := f.receiver
			if in.Flag {
				receiver = f.pop()
			}
			var outer *Context
			if !in.Flag2 {
				outer = f.getOrCreateContext()
			}
			f.push(NewFullBlockClosure(block, receiver, copied, outer))
			f.pc = in.Successor()

		// --- Stores ---
		case OpStoreReceiverVariable:
			v := i.storeValue(f, in)
			if !i.model.InstVarAtPut(f.receiver, in.Index, v) {
				internalErrorf(code, f.pc, "%s has no instance variable %d", PrintString(f.receiver), in.Index)
			}
			f.pc = in.Successor()

		case OpStoreTemp:
			f.setTemp(in.Index, i.storeValue(f, in))
			f.pc = in.Successor()

		case OpStoreLiteralVariable:
			v := i.storeValue(f, in)
			if !i.model.SetBindingValue(code.Literal(in.Index), v) {
				internalErrorf(code, f.pc, "literal %d is not a variable binding", in.Index)
			}
			f.pc = in.Successor()

		case OpStoreRemoteTemp:
			vector := i.tempVector(f, in)
			vector[in.Index] = i.storeValue(f, in)
			f.pc = in.Successor()

		// --- Stack ---
		case OpPop:
			f.pop()
			f.pc = in.Successor()

		case OpDup:
			f.push(f.top())
			f.pc = in.Successor()

		// --- Sends ---
		case OpSend:
			f.pc = in.Successor()
			args := f.popN(in.NumArgs)
			receiver := f.pop()
			v, sig := i.send(f.marker, receiver, in.Selector, args, i.model.ClassOf(receiver))
			if sig != nil {
				return nil, sig
			}
			if !i.resumeAfterSend(f) {
				return Nil, nil
			}
			f.push(v)

		case OpSuperSend:
			f.pc = in.Successor()
			var lookupClass *Class
			if in.Flag {
				cls, ok := f.pop().(*Class)
				if !ok {
					internalErrorf(code, in.PC, "directed super send without a class")
				}
				lookupClass = cls.Superclass
			} else if cls := code.MethodClass(); cls != nil {
				lookupClass = cls.Superclass
			} else {
				internalErrorf(code, in.PC, "super send in a method without a method class")
			}
			args := f.popN(in.NumArgs)
			receiver := f.pop()
			v, sig := i.send(f.marker, receiver, in.Selector, args, lookupClass)
			if sig != nil {
				return nil, sig
			}
			if !i.resumeAfterSend(f) {
				return Nil, nil
			}
			f.push(v)

		case OpSpecialSend:
			f.pc = in.Successor()
			if i.specialFastPath(f, in) {
				continue
			}
			v, sig := i.specialSend(f, in)
			if sig != nil {
				return nil, sig
			}
			if !i.resumeAfterSend(f) {
				return Nil, nil
			}
			f.push(v)

		// --- Jumps ---
		case OpJump:
			f.pc = in.Target
			if in.Target <= in.PC {
				i.vm.Profiler.RecordLoopIteration(code)
				if in.Checkpoint {
					if sig := i.checkForInterrupts(); sig != nil {
						return nil, sig
					}
				}
			}

		case OpJumpIfTrue, OpJumpIfFalse:
			v := f.pop()
			b, ok := v.(bool)
			if !ok {
				f.pc = in.Successor()
				r, sig := i.send(f.marker, v, i.model.Intern("mustBeBoolean"), nil, i.model.ClassOf(v))
				if sig != nil {
					return nil, sig
				}
				if !i.resumeAfterSend(f) {
					return Nil, nil
				}
				f.push(r)
				continue
			}
			if b == (in.Op == OpJumpIfTrue) {
				f.pc = in.Target
			} else {
				f.pc = in.Successor()
			}

		// --- Returns ---
		case OpReturnReceiver:
			return i.methodReturn(f, f.receiver)

		case OpReturnConstant:
			return i.methodReturn(f, in.Value)

		case OpReturnTop:
			return i.methodReturn(f, f.pop())

		case OpBlockReturnTop:
			return f.pop(), nil

		case OpBlockReturnConstant:
			return in.Value, nil

		default:
			internalError(code, f.pc, fmt.Errorf("%w: %02X", ErrUnknownBytecode, code.bytes[f.pc]))
		}
	}
}

// storeValue returns the value a store instruction writes, popping it for
// the pop-into variants.
func (i *Interpreter) storeValue(f *Frame, in *Instruction) Value {
	if in.Pop {
		return f.pop()
	}
	return f.top()
}

// tempVector returns the elements of the remote temp vector held in temp
// in.Index2, checking in.Index against its size.
func (i *Interpreter) tempVector(f *Frame, in *Instruction) []Value {
	vector, ok := i.model.ArrayElements(f.temp(in.Index2))
	if !ok || in.Index >= len(vector) {
		internalErrorf(f.code, f.pc, "temp %d does not hold a temp vector with slot %d", in.Index2, in.Index)
	}
	return vector
}
