package primitives

import (
	"github.com/psvensson/trufflesqueak/vm"
)

// ---------------------------------------------------------------------------
// Object Primitives
// ---------------------------------------------------------------------------

type identityHashed interface {
	IdentityHash() uint32
}

func registerObjectPrimitives(t vm.PrimitiveTable) {
	t[60] = primitiveAt
	t[61] = primitiveAtPut
	t[62] = primitiveSize

	// objectAt: and objectAt:put: address the header and literals of a
	// CompiledMethod; objectAt: 1 is the header.
	t[68] = func(_ *vm.Interpreter, receiver vm.Value, args []vm.Value) (vm.Value, error) {
		code, ok := receiver.(*vm.CodeUnit)
		index, ok2 := indexArg(args)
		if !ok || !ok2 || index > code.NumLiterals()+1 {
			return nil, vm.Fail(68)
		}
		return code.LiteralAt(index - 1), nil
	}
	t[69] = func(i *vm.Interpreter, receiver vm.Value, args []vm.Value) (vm.Value, error) {
		code, ok := receiver.(*vm.CodeUnit)
		index, ok2 := indexArg(args)
		if !ok || !ok2 || len(args) != 2 {
			return nil, vm.Fail(69)
		}
		if err := code.SetLiteralAt(index-1, args[1]); err != nil {
			return nil, vm.FailWith(69, err.Error())
		}
		i.VM().FlushMethod(code)
		return args[1], nil
	}

	// basicNew and basicNew:
	t[70] = func(_ *vm.Interpreter, receiver vm.Value, _ []vm.Value) (vm.Value, error) {
		cls, ok := receiver.(*vm.Class)
		if !ok {
			return nil, vm.Fail(70)
		}
		return vm.NewObject(cls, cls.InstSize), nil
	}
	t[71] = func(_ *vm.Interpreter, receiver vm.Value, args []vm.Value) (vm.Value, error) {
		cls, ok := receiver.(*vm.Class)
		if !ok || len(args) != 1 {
			return nil, vm.Fail(71)
		}
		n, ok := args[0].(int64)
		if !ok || n < 0 || n > 1<<24 {
			return nil, vm.Fail(71)
		}
		return vm.NewObject(cls, cls.InstSize+int(n)), nil
	}

	// instVarAt: and instVarAt:put:
	t[73] = func(i *vm.Interpreter, receiver vm.Value, args []vm.Value) (vm.Value, error) {
		index, ok := indexArg(args)
		if !ok {
			return nil, vm.Fail(73)
		}
		v, ok := i.Model().InstVarAt(receiver, index-1)
		if !ok {
			return nil, vm.Fail(73)
		}
		return v, nil
	}
	t[74] = func(i *vm.Interpreter, receiver vm.Value, args []vm.Value) (vm.Value, error) {
		index, ok := indexArg(args)
		if !ok || len(args) != 2 || !i.Model().InstVarAtPut(receiver, index-1, args[1]) {
			return nil, vm.Fail(74)
		}
		return args[1], nil
	}

	// identityHash
	t[75] = func(_ *vm.Interpreter, receiver vm.Value, _ []vm.Value) (vm.Value, error) {
		switch x := receiver.(type) {
		case int64:
			return x, nil
		case vm.Character:
			return int64(x), nil
		case identityHashed:
			return int64(x.IdentityHash()), nil
		}
		return nil, vm.Fail(75)
	}

	// == and ~~
	t[110] = func(_ *vm.Interpreter, receiver vm.Value, args []vm.Value) (vm.Value, error) {
		if len(args) != 1 {
			return nil, vm.Fail(110)
		}
		return receiver == args[0], nil
	}
	t[169] = func(_ *vm.Interpreter, receiver vm.Value, args []vm.Value) (vm.Value, error) {
		if len(args) != 1 {
			return nil, vm.Fail(169)
		}
		return receiver != args[0], nil
	}

	// class
	t[111] = func(i *vm.Interpreter, receiver vm.Value, _ []vm.Value) (vm.Value, error) {
		return i.Model().ClassOf(receiver), nil
	}

	// shallowCopy
	t[148] = func(_ *vm.Interpreter, receiver vm.Value, _ []vm.Value) (vm.Value, error) {
		switch x := receiver.(type) {
		case *vm.Object:
			c := vm.NewObject(x.Class(), 0)
			c.Slots = append([]vm.Value(nil), x.Slots...)
			return c, nil
		case *vm.Context:
			return x.ShallowCopy(), nil
		case *vm.CodeUnit:
			return x.Clone(), nil
		}
		return nil, vm.Fail(148)
	}
}

// primitiveAt reads an indexed slot. Objects index past their named
// instance variables; strings answer Characters; CompiledMethods answer
// the bytes of their literal frame and bytecode.
func primitiveAt(_ *vm.Interpreter, receiver vm.Value, args []vm.Value) (vm.Value, error) {
	index, ok := indexArg(args)
	if !ok {
		return nil, vm.Fail(60)
	}
	switch x := receiver.(type) {
	case *vm.Object:
		slot := x.Class().InstSize + index - 1
		if slot < len(x.Slots) {
			return x.Slots[slot], nil
		}
	case string:
		if index <= len(x) {
			return vm.Character(x[index-1]), nil
		}
	case *vm.Symbol:
		if index <= len(x.Name) {
			return vm.Character(x.Name[index-1]), nil
		}
	case *vm.CodeUnit:
		if v, err := x.At0(index - 1); err == nil {
			return v, nil
		}
	}
	return nil, vm.Fail(60)
}

func primitiveAtPut(i *vm.Interpreter, receiver vm.Value, args []vm.Value) (vm.Value, error) {
	index, ok := indexArg(args)
	if !ok || len(args) != 2 {
		return nil, vm.Fail(61)
	}
	v := args[1]
	switch x := receiver.(type) {
	case *vm.Object:
		slot := x.Class().InstSize + index - 1
		if slot < len(x.Slots) {
			x.Slots[slot] = v
			return v, nil
		}
	case *vm.CodeUnit:
		if err := x.AtPut0(index-1, v); err == nil {
			return v, nil
		}
	}
	return nil, vm.Fail(61)
}

func primitiveSize(_ *vm.Interpreter, receiver vm.Value, _ []vm.Value) (vm.Value, error) {
	switch x := receiver.(type) {
	case *vm.Object:
		return int64(len(x.Slots) - x.Class().InstSize), nil
	case string:
		return int64(len(x)), nil
	case *vm.Symbol:
		return int64(len(x.Name)), nil
	case *vm.CodeUnit:
		return int64(x.Size()), nil
	case *vm.Context:
		return int64(x.StackPointer()), nil
	}
	return nil, vm.Fail(62)
}
