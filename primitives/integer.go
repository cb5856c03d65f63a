package primitives

import (
	"github.com/psvensson/trufflesqueak/vm"
)

// ---------------------------------------------------------------------------
// SmallInteger Primitives
// ---------------------------------------------------------------------------

// integerOp adapts a binary SmallInteger operation. It fails unless both
// operands are SmallIntegers and op produces a result.
func integerOp(index int, op func(a, b int64) (vm.Value, bool)) vm.Primitive {
	return func(_ *vm.Interpreter, receiver vm.Value, args []vm.Value) (vm.Value, error) {
		a, ok := receiver.(int64)
		if !ok || len(args) != 1 {
			return nil, vm.Fail(index)
		}
		b, ok := args[0].(int64)
		if !ok {
			return nil, vm.Fail(index)
		}
		r, ok := op(a, b)
		if !ok {
			return nil, vm.Fail(index)
		}
		return r, nil
	}
}

// special shares the SmallInteger arithmetic of the special selector sends.
func special(selector int) func(a, b int64) (vm.Value, bool) {
	return func(a, b int64) (vm.Value, bool) { return vm.IntegerSpecial(selector, a, b) }
}

func registerIntegerPrimitives(t vm.PrimitiveTable) {
	t[1] = integerOp(1, special(vm.SpecialPlus))
	t[2] = integerOp(2, special(vm.SpecialMinus))
	t[3] = integerOp(3, special(vm.SpecialLess))
	t[4] = integerOp(4, special(vm.SpecialGreater))
	t[5] = integerOp(5, special(vm.SpecialLessEq))
	t[6] = integerOp(6, special(vm.SpecialGreatEq))
	t[7] = integerOp(7, special(vm.SpecialEqual))
	t[8] = integerOp(8, special(vm.SpecialNotEqual))
	t[9] = integerOp(9, special(vm.SpecialTimes))

	// / answers only exact quotients; everything else is a Fraction.
	t[10] = integerOp(10, special(vm.SpecialDivide))
	t[11] = integerOp(11, special(vm.SpecialMod))
	t[12] = integerOp(12, special(vm.SpecialDiv))
	t[13] = integerOp(13, func(a, b int64) (vm.Value, bool) {
		if b == 0 {
			return nil, false
		}
		return vm.SmallInteger(a / b)
	})
	t[14] = integerOp(14, special(vm.SpecialBitAnd))
	t[15] = integerOp(15, special(vm.SpecialBitOr))
	t[16] = integerOp(16, func(a, b int64) (vm.Value, bool) { return a ^ b, true })
	t[17] = integerOp(17, special(vm.SpecialBitShift))

	// asFloat
	t[40] = func(_ *vm.Interpreter, receiver vm.Value, _ []vm.Value) (vm.Value, error) {
		n, ok := receiver.(int64)
		if !ok {
			return nil, vm.Fail(40)
		}
		return float64(n), nil
	}
}
