package primitives

import (
	"github.com/psvensson/trufflesqueak/vm"
)

// ---------------------------------------------------------------------------
// Context Primitives
// ---------------------------------------------------------------------------
//
// Context at: and at:put: index the temps and operand stack, one-based, up
// to the stack pointer. Writes make the context dirty; a live activation
// adopts them when the send that made them returns.

func contextIndex(receiver vm.Value, args []vm.Value) (*vm.Context, int, bool) {
	ctx, ok := receiver.(*vm.Context)
	if !ok || ctx.Method() == nil {
		return nil, 0, false
	}
	index, ok := indexArg(args)
	if !ok || index > ctx.StackPointer() {
		return nil, 0, false
	}
	return ctx, index, true
}

func registerContextPrimitives(t vm.PrimitiveTable) {
	t[210] = func(_ *vm.Interpreter, receiver vm.Value, args []vm.Value) (vm.Value, error) {
		ctx, index, ok := contextIndex(receiver, args)
		if !ok {
			return nil, vm.Fail(210)
		}
		return ctx.AtStack(index), nil
	}
	t[211] = func(_ *vm.Interpreter, receiver vm.Value, args []vm.Value) (vm.Value, error) {
		ctx, index, ok := contextIndex(receiver, args)
		if !ok || len(args) != 2 {
			return nil, vm.Fail(211)
		}
		ctx.AtStackPut(index, args[1])
		return args[1], nil
	}
	t[212] = func(_ *vm.Interpreter, receiver vm.Value, _ []vm.Value) (vm.Value, error) {
		ctx, ok := receiver.(*vm.Context)
		if !ok {
			return nil, vm.Fail(212)
		}
		return int64(ctx.StackPointer()), nil
	}
}
