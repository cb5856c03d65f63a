package primitives

import (
	"math"

	"github.com/psvensson/trufflesqueak/vm"
)

// ---------------------------------------------------------------------------
// Float Primitives
// ---------------------------------------------------------------------------

func asFloat(v vm.Value) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case int64:
		return float64(x), true
	}
	return 0, false
}

// floatOp adapts a binary Float operation. The argument may be a
// SmallInteger; the receiver must be a Float.
func floatOp(index int, op func(a, b float64) (vm.Value, bool)) vm.Primitive {
	return func(_ *vm.Interpreter, receiver vm.Value, args []vm.Value) (vm.Value, error) {
		a, ok := receiver.(float64)
		if !ok || len(args) != 1 {
			return nil, vm.Fail(index)
		}
		b, ok := asFloat(args[0])
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

func registerFloatPrimitives(t vm.PrimitiveTable) {
	t[41] = floatOp(41, func(a, b float64) (vm.Value, bool) { return a + b, true })
	t[42] = floatOp(42, func(a, b float64) (vm.Value, bool) { return a - b, true })
	t[43] = floatOp(43, func(a, b float64) (vm.Value, bool) { return a < b, true })
	t[44] = floatOp(44, func(a, b float64) (vm.Value, bool) { return a > b, true })
	t[45] = floatOp(45, func(a, b float64) (vm.Value, bool) { return a <= b, true })
	t[46] = floatOp(46, func(a, b float64) (vm.Value, bool) { return a >= b, true })
	t[47] = floatOp(47, func(a, b float64) (vm.Value, bool) { return a == b, true })
	t[48] = floatOp(48, func(a, b float64) (vm.Value, bool) { return a != b, true })
	t[49] = floatOp(49, func(a, b float64) (vm.Value, bool) { return a * b, true })
	t[50] = floatOp(50, func(a, b float64) (vm.Value, bool) {
		if b == 0 {
			return nil, false
		}
		return a / b, true
	})

	// truncated
	t[51] = func(_ *vm.Interpreter, receiver vm.Value, _ []vm.Value) (vm.Value, error) {
		f, ok := receiver.(float64)
		if !ok || math.IsNaN(f) || math.IsInf(f, 0) {
			return nil, vm.Fail(51)
		}
		tr := math.Trunc(f)
		if math.Abs(tr) > 1<<61 || !vm.IsSmallInteger(int64(tr)) {
			return nil, vm.Fail(51)
		}
		return int64(tr), nil
	}

	// sqrt
	t[55] = func(_ *vm.Interpreter, receiver vm.Value, _ []vm.Value) (vm.Value, error) {
		f, ok := receiver.(float64)
		if !ok || f < 0 {
			return nil, vm.Fail(55)
		}
		return math.Sqrt(f), nil
	}
}
