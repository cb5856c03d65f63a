package primitives

import (
	"github.com/psvensson/trufflesqueak/vm"
)

// ---------------------------------------------------------------------------
// Cache Primitives
// ---------------------------------------------------------------------------

func registerCachePrimitives(t vm.PrimitiveTable) {
	// Smalltalk flushCache
	t[89] = func(i *vm.Interpreter, receiver vm.Value, _ []vm.Value) (vm.Value, error) {
		i.VM().FlushCache()
		return receiver, nil
	}

	// CompiledMethod flushCache
	t[116] = func(i *vm.Interpreter, receiver vm.Value, _ []vm.Value) (vm.Value, error) {
		code, ok := receiver.(*vm.CodeUnit)
		if !ok {
			return nil, vm.Fail(116)
		}
		i.VM().FlushMethod(code)
		return receiver, nil
	}

	// Symbol flushCache
	t[119] = func(i *vm.Interpreter, receiver vm.Value, _ []vm.Value) (vm.Value, error) {
		selector, ok := receiver.(*vm.Symbol)
		if !ok {
			return nil, vm.Fail(119)
		}
		i.VM().FlushSelector(selector)
		return receiver, nil
	}
}
