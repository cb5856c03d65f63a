package vm

import (
	"errors"
	"math"
)

// ---------------------------------------------------------------------------
// Message sends
// ---------------------------------------------------------------------------

// send looks up selector starting at class and activates the result. An
// unknown selector becomes a doesNotUnderstand: send carrying a Message.
func (i *Interpreter) send(sender Value, receiver Value, selector *Symbol, args []Value, class *Class) (Value, Signal) {
	code := i.lookup(class, selector)
	if code == nil {
		return i.doesNotUnderstand(sender, receiver, selector, args)
	}
	return i.activate(code, sender, receiver, args)
}

// lookup resolves (class, selector) through the method cache. Misses are
// not cached.
func (i *Interpreter) lookup(class *Class, selector *Symbol) *CodeUnit {
	if class == nil {
		return nil
	}
	e := i.vm.Cache.Find(class, selector)
	if e.Result != nil {
		return e.Result
	}
	code := i.model.LookupMethod(class, selector)
	if code == nil {
		e.free()
		return nil
	}
	e.Result = code
	return code
}

func (i *Interpreter) doesNotUnderstand(sender Value, receiver Value, selector *Symbol, args []Value) (Value, Signal) {
	class := i.model.ClassOf(receiver)
	code := i.lookup(class, i.model.Intern("doesNotUnderstand:"))
	if code == nil {
		internalErrorf(nil, -1, "%s does not understand %s and has no doesNotUnderstand: handler",
			PrintString(receiver), selector)
	}
	msg := i.model.NewMessage(selector, args)
	if o, ok := msg.(*Object); ok && len(o.Slots) > 2 {
		o.Slots[2] = class
	}
	return i.activate(code, sender, receiver, []Value{msg})
}

// specialSend performs a special selector send that the fast path did not
// handle. value and value: on closures go through the site's inline cache.
func (i *Interpreter) specialSend(f *Frame, in *Instruction) (Value, Signal) {
	args := f.popN(in.NumArgs)
	receiver := f.pop()
	if in.Index == SpecialValue || in.Index == SpecialValue1 {
		if c, ok := receiver.(*BlockClosure); ok && c.numArgs == len(args) {
			if in.site == nil {
				in.site = NewClosureSite(i.closureCacheSize)
			}
			return in.site.invoke(i, c, f.marker, args, true)
		}
	}
	selector, _ := i.model.SpecialSelector(in.Index)
	return i.send(f.marker, receiver, selector, args, i.model.ClassOf(receiver))
}

// specialFastPath evaluates identity, class and immediate arithmetic in
// place. It reports false, leaving the stack untouched, when a real send
// is needed.
func (i *Interpreter) specialFastPath(f *Frame, in *Instruction) bool {
	switch in.Index {
	case SpecialClass:
		f.push(i.model.ClassOf(f.pop()))
		return true
	case SpecialIdentity, SpecialNotIdent:
		b := f.pop()
		a := f.pop()
		f.push((a == b) == (in.Index == SpecialIdentity))
		return true
	}
	if !inlineSpecial(in.Index) || f.sp < 2 {
		return false
	}
	r, ok := specialArithmetic(in.Index, f.slots[f.sp-2], f.slots[f.sp-1])
	if !ok {
		return false
	}
	f.popN(2)
	f.push(r)
	return true
}

// specialArithmetic evaluates an inlinable special selector on two
// numbers. SmallInteger results that overflow fall back to a send.
func specialArithmetic(index int, a, b Value) (Value, bool) {
	switch x := a.(type) {
	case int64:
		switch y := b.(type) {
		case int64:
			return IntegerSpecial(index, x, y)
		case float64:
			return floatSpecial(index, float64(x), y)
		}
	case float64:
		switch y := b.(type) {
		case int64:
			return floatSpecial(index, x, float64(y))
		case float64:
			return floatSpecial(index, x, y)
		}
	}
	return nil, false
}

// IntegerSpecial applies the arithmetic or comparison special selector index
// to two SmallIntegers. Division and modulo floor toward negative infinity.
// It reports false when the selector does not apply or the result is not a
// SmallInteger.
func IntegerSpecial(index int, x, y int64) (Value, bool) {
	switch index {
	case SpecialPlus:
		return SmallInteger(x + y)
	case SpecialMinus:
		return SmallInteger(x - y)
	case SpecialTimes:
		if x == 0 || y == 0 {
			return int64(0), true
		}
		r := x * y
		if r/y != x {
			return nil, false
		}
		return SmallInteger(r)
	case SpecialDivide:
		if y == 0 || x%y != 0 {
			return nil, false
		}
		return SmallInteger(x / y)
	case SpecialMod:
		if y == 0 {
			return nil, false
		}
		m := x % y
		if m != 0 && (m < 0) != (y < 0) {
			m += y
		}
		return m, true
	case SpecialDiv:
		if y == 0 {
			return nil, false
		}
		q := x / y
		if x%y != 0 && (x < 0) != (y < 0) {
			q--
		}
		return SmallInteger(q)
	case SpecialBitShift:
		if y >= 0 {
			if y >= 63 {
				if x == 0 {
					return int64(0), true
				}
				return nil, false
			}
			r := x << uint(y)
			if r>>uint(y) != x {
				return nil, false
			}
			return SmallInteger(r)
		}
		if y <= -63 {
			if x < 0 {
				return int64(-1), true
			}
			return int64(0), true
		}
		return x >> uint(-y), true
	case SpecialBitAnd:
		return x & y, true
	case SpecialBitOr:
		return x | y, true
	case SpecialLess:
		return x < y, true
	case SpecialGreater:
		return x > y, true
	case SpecialLessEq:
		return x <= y, true
	case SpecialGreatEq:
		return x >= y, true
	case SpecialEqual:
		return x == y, true
	case SpecialNotEqual:
		return x != y, true
	}
	return nil, false
}

// SmallInteger answers n when it fits the SmallInteger range.
func SmallInteger(n int64) (Value, bool) {
	if !IsSmallInteger(n) {
		return nil, false
	}
	return n, true
}

func floatSpecial(index int, x, y float64) (Value, bool) {
	switch index {
	case SpecialPlus:
		return x + y, true
	case SpecialMinus:
		return x - y, true
	case SpecialTimes:
		return x * y, true
	case SpecialDivide:
		if y == 0 {
			return nil, false
		}
		return x / y, true
	case SpecialLess:
		return x < y, true
	case SpecialGreater:
		return x > y, true
	case SpecialLessEq:
		return x <= y, true
	case SpecialGreatEq:
		return x >= y, true
	case SpecialEqual:
		return x == y, true
	case SpecialNotEqual:
		return x != y || math.IsNaN(x), true
	}
	return nil, false
}

// ---------------------------------------------------------------------------
// Primitives
// ---------------------------------------------------------------------------

// Closure primitives the engine evaluates itself. 201-205 take zero to
// four arguments.
const (
	PrimitiveClosureValue        = 201
	PrimitiveClosureValueArgs    = 206
	PrimitiveFullClosureValue    = 207
	PrimitiveFullClosureArgs     = 208
	PrimitiveFullClosureNoSwitch = 209
	PrimitiveValueNoSwitch       = 221
	PrimitiveValueArgsNoSwitch   = 222
)

func isClosurePrimitive(index int) bool {
	return index >= PrimitiveClosureValue && index <= PrimitiveFullClosureNoSwitch ||
		index == PrimitiveValueNoSwitch || index == PrimitiveValueArgsNoSwitch
}

// tryPrimitive attempts the primitive of entry's CodeUnit. A non-nil error
// is a failure; the caller then runs the fallback code.
func (i *Interpreter) tryPrimitive(entry *Entry, sender Value, receiver Value, args []Value) (Value, Signal, error) {
	index := entry.code.PrimitiveIndex()
	switch {
	case index >= FirstQuickPrimitive && index <= LastQuickPrimitive:
		if v, ok := i.quickPrimitive(index, receiver); ok {
			return v, nil, nil
		}
		return nil, nil, Fail(index)
	case index == PrimitiveEnsureMarker || index == PrimitiveOnDoMarker:
		return nil, nil, Fail(index)
	case isClosurePrimitive(index):
		return i.closurePrimitive(entry, index, sender, receiver, args)
	}
	prim := entry.lookupPrimitive(i.vm.Primitives)
	if prim == nil {
		return nil, nil, Fail(index)
	}
	v, err := prim(i, receiver, args)
	if err != nil {
		var sig Signal
		if errors.As(err, &sig) {
			return nil, sig, nil
		}
		return nil, nil, err
	}
	if v == nil {
		v = Nil
	}
	return v, nil, nil
}

// quickPrimitive answers the constant-returning and instance variable
// getter primitives.
func (i *Interpreter) quickPrimitive(index int, receiver Value) (Value, bool) {
	switch index {
	case 256:
		return receiver, true
	case 257:
		return true, true
	case 258:
		return false, true
	case 259:
		return Nil, true
	case 260, 261, 262, 263:
		return int64(index - 261), true
	}
	return i.model.InstVarAt(receiver, index-264)
}

func (i *Interpreter) closurePrimitive(entry *Entry, index int, sender Value, receiver Value, args []Value) (Value, Signal, error) {
	c, ok := receiver.(*BlockClosure)
	if !ok {
		return nil, nil, Fail(index)
	}
	blockArgs := args
	switch index {
	case PrimitiveClosureValueArgs, PrimitiveFullClosureArgs, PrimitiveValueArgsNoSwitch:
		if len(args) != 1 {
			return nil, nil, Fail(index)
		}
		elements, ok := i.model.ArrayElements(args[0])
		if !ok {
			return nil, nil, Fail(index)
		}
		blockArgs = append([]Value(nil), elements...)
	}
	if c.numArgs != len(blockArgs) {
		return nil, nil, Fail(index)
	}
	poll := index != PrimitiveFullClosureNoSwitch && index != PrimitiveValueNoSwitch &&
		index != PrimitiveValueArgsNoSwitch
	v, sig := entry.closureSite(i.closureCacheSize).invoke(i, c, sender, blockArgs, poll)
	return v, sig, nil
}

// failureReason extracts the error code a primitive failed with.
func failureReason(err error) Value {
	var pf *PrimitiveFailed
	if errors.As(err, &pf) && pf.Reason != nil {
		return pf.Reason
	}
	return Nil
}

// ---------------------------------------------------------------------------
// Returns
// ---------------------------------------------------------------------------

// methodReturn returns v from f's home method. In a block that is a
// non-local return; from a context whose sender was rewritten it is a
// non-virtual return along the heap sender chain.
func (i *Interpreter) methodReturn(f *Frame, v Value) (Value, Signal) {
	if f.closure != nil {
		return i.nonLocalReturn(f, v)
	}
	if c := f.context; c != nil && c.hasModifiedSender {
		i.materializeStack()
		target, _ := c.GetSender(true).(*Context)
		return nil, NewNonVirtualReturn(v, target, c).raise()
	}
	return v, nil
}

// nonLocalReturn returns v from the home context of f's closure.
func (i *Interpreter) nonLocalReturn(f *Frame, v Value) (Value, Signal) {
	home := f.closure.HomeContext()
	if home == nil || home.IsDead() || !home.hasSender() {
		return i.cannotReturn(f, v)
	}
	if i.stack.IsLive(home.frame) && !i.modifiedSenderBetween(f, home.frame) {
		return nil, NewNonLocalReturn(v, home).raise()
	}
	i.materializeStack()
	current := f.getOrCreateContext()
	if !onSenderChain(current, home) {
		return i.cannotReturn(f, v)
	}
	target, _ := home.GetSender(true).(*Context)
	return nil, NewNonVirtualReturn(v, target, current).raise()
}

// cannotReturn sends cannotReturn: to the block's context. Its answer
// becomes the block's local return value.
func (i *Interpreter) cannotReturn(f *Frame, v Value) (Value, Signal) {
	ctx := f.getOrCreateContext()
	r, sig := i.send(f.marker, ctx, i.model.Intern("cannotReturn:"), []Value{v}, i.model.ClassOf(ctx))
	if sig != nil {
		return nil, sig
	}
	return r, nil
}

// modifiedSenderBetween reports whether any context from f down to home
// had its sender rewritten, which makes the native frame order unreliable.
func (i *Interpreter) modifiedSenderBetween(f, home *Frame) bool {
	for d := f.marker.Depth; d >= home.marker.Depth; d-- {
		if c := i.stack.At(d).context; c != nil && c.hasModifiedSender {
			return true
		}
	}
	return false
}

// maxSenderChain bounds walks over heap sender chains, which may be cyclic.
const maxSenderChain = 1 << 20

func onSenderChain(from, target *Context) bool {
	c := from
	for n := 0; c != nil && n < maxSenderChain; n++ {
		if c == target {
			return true
		}
		c, _ = c.GetSender(true).(*Context)
	}
	return false
}
