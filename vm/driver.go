package vm

import (
	"errors"
	"fmt"
)

// ---------------------------------------------------------------------------
// Public entry points
// ---------------------------------------------------------------------------
//
// Entry points called with an empty frame stack are outermost drivers:
// they recover internal errors and perform driver-level returns. Called
// from a primitive they run nested and hand every signal back to the
// primitive, which must return it as its error.

// Execute activates code with receiver and args as a top-level activation
// with a nil sender. A process switch is returned as a *ProcessSwitch
// error.
func (i *Interpreter) Execute(code *CodeUnit, receiver Value, args ...Value) (Value, error) {
	if len(args) != code.NumArgs() {
		return nil, fmt.Errorf("%s expects %d arguments, got %d", code, code.NumArgs(), len(args))
	}
	return i.enter(func(sender Value) (Value, Signal) {
		return i.activate(code, sender, receiver, args)
	})
}

// Send looks up selector in receiver's class and activates it.
func (i *Interpreter) Send(receiver Value, selector *Symbol, args ...Value) (Value, error) {
	return i.enter(func(sender Value) (Value, Signal) {
		return i.send(sender, receiver, selector, args, i.model.ClassOf(receiver))
	})
}

// Value evaluates a block with args.
func (i *Interpreter) Value(c *BlockClosure, args ...Value) (Value, error) {
	return i.blockSite().value(i, c, args)
}

// Resume continues a reified activation from its instruction pointer, and
// after it returns continues its sender, until the chain returns to nil.
func (i *Interpreter) Resume(ctx *Context) (Value, error) {
	return i.enter(func(Value) (Value, Signal) {
		return i.resume(ctx)
	})
}

// Run resumes ctx and hands every process switch to scheduler, until the
// chain returns, fails, or the scheduler answers no context.
func (i *Interpreter) Run(ctx *Context, scheduler Scheduler) (Value, error) {
	for {
		result, err := i.Resume(ctx)
		var ps *ProcessSwitch
		if !errors.As(err, &ps) {
			return result, err
		}
		next, err := scheduler.Switch(ps.Context)
		if err != nil {
			return nil, fmt.Errorf("scheduler: %w", err)
		}
		if next == nil {
			return nil, ps
		}
		ctx = next
	}
}

// Materialize snapshots the live frame of ctx into its slots.
func (i *Interpreter) Materialize(ctx *Context) (err error) {
	defer recoverInternal(&err)
	ctx.Materialize()
	return nil
}

func (i *Interpreter) enter(run func(sender Value) (Value, Signal)) (result Value, err error) {
	top := i.stack.Top()
	if top != nil {
		v, sig := run(top.marker)
		if sig != nil {
			return nil, sig
		}
		return v, nil
	}
	defer func() {
		if err != nil {
			var ie *InternalError
			if errors.As(err, &ie) {
				i.stack.reset()
				engineLog.Errorf("process aborted: %v", err)
			}
		}
	}()
	defer recoverInternal(&err)
	v, sig := run(Nil)
	return i.settle(v, sig)
}

// recoverInternal converts an *InternalError panic into err.
func recoverInternal(err *error) {
	if r := recover(); r != nil {
		ie, ok := r.(*InternalError)
		if !ok {
			panic(r)
		}
		*err = ie
	}
}

// settle finishes what reached the outermost driver: a value, a top-level
// return, a process switch, or a non-virtual return to perform.
func (i *Interpreter) settle(v Value, sig Signal) (Value, error) {
	for sig != nil {
		if ps, ok := sig.(*ProcessSwitch); ok {
			return nil, ps
		}
		r := sig.(*ReturnSignal)
		switch r.Kind {
		case TopLevelReturn:
			return r.consume(), nil
		case NonVirtualReturn:
			v = r.consume()
			for c, n := r.Current, 0; c != nil && c != r.Target && n < maxSenderChain; n++ {
				next, _ := c.GetSender(true).(*Context)
				c.Terminate()
				c = next
			}
			if r.Target == nil {
				return v, nil
			}
			r.Target.Push(v)
			v, sig = i.resume(r.Target)
		default:
			internalErrorf(nil, -1, "%s return escaped to the driver", r.Kind)
		}
	}
	return v, nil
}

// resume runs ctx and its senders from their instruction pointers.
func (i *Interpreter) resume(ctx *Context) (Value, Signal) {
	for {
		f := i.frameFor(ctx)
		v, sig := i.execute(f, f.code.EntryPoint(), f.pc, false)
		if sig != nil {
			return nil, sig
		}
		sender, ok := ctx.GetSender(true).(*Context)
		if !ok {
			return nil, NewTopLevelReturn(v).raise()
		}
		if sender.IsDead() {
			internalError(nil, -1, fmt.Errorf("%w: returning to %s", ErrDeadActivation, sender))
		}
		sender.Push(v)
		ctx = sender
	}
}

// frameFor builds a live frame from the slots of a suspended context and
// binds the context to it.
func (i *Interpreter) frameFor(ctx *Context) *Frame {
	if ctx.frame != nil && i.stack.IsLive(ctx.frame) {
		internalErrorf(nil, -1, "%s is already running", ctx)
	}
	ip, ok := ctx.At(InstructionPointer).(int64)
	if !ok {
		internalError(nil, -1, fmt.Errorf("%w: %s", ErrDeadActivation, ctx))
	}
	method := ctx.Method()
	if method == nil {
		internalErrorf(nil, -1, "context without method")
	}
	code := ctx.CodeUnit()
	size := code.FrameSize()
	if n := ctx.Size() - TempFrameStart; n > size {
		size = n
	}
	sp := ctx.StackPointer()
	if sp < 0 || sp > size {
		internalError(code, -1, fmt.Errorf("%w: stack pointer %d", ErrStackOverflow, sp))
	}
	if i.stack.Depth() >= i.MaxFrameDepth {
		internalError(code, 0, ErrCallDepthExceeded)
	}
	sender := ctx.GetSender(true)
	f := i.stack.newFrameSized(code, sender, ctx.Receiver(), ctx.Closure(), size)
	for j := 0; j < sp; j++ {
		f.slots[j] = ctx.AtTemp(j)
	}
	f.sp = sp
	f.pc = int(ip) - method.InitialPC()
	if f.pc < 0 || f.pc >= len(code.bytes) {
		i.stack.pop(f)
		internalErrorf(code, f.pc, "instruction pointer %d outside method", ip)
	}
	for k := range ctx.pointers {
		ctx.pointers[k] = nil
	}
	ctx.pointers[SenderOrNil] = sender
	ctx.frame = f
	ctx.dirty = false
	f.context = ctx
	return f
}
