// Package primitives is the default primitive library: SmallInteger and
// Float arithmetic, object access, context reflection, cache flushing and
// process control. Indices follow the Squeak numbering.
package primitives

import (
	"github.com/psvensson/trufflesqueak/vm"
)

// Library returns a fresh table holding every primitive in this package.
func Library() vm.PrimitiveTable {
	t := vm.PrimitiveTable{}
	registerIntegerPrimitives(t)
	registerFloatPrimitives(t)
	registerObjectPrimitives(t)
	registerContextPrimitives(t)
	registerCachePrimitives(t)
	registerProcessPrimitives(t)
	return t
}

// Install makes the library the primitive table of v.
func Install(v *vm.VM) {
	v.SetPrimitives(Library())
}

// ---------------------------------------------------------------------------
// Argument helpers
// ---------------------------------------------------------------------------

// indexArg returns args[0] as a one-based index.
func indexArg(args []vm.Value) (int, bool) {
	if len(args) < 1 {
		return 0, false
	}
	n, ok := args[0].(int64)
	if !ok || n < 1 || n > int64(^uint(0)>>1) {
		return 0, false
	}
	return int(n), true
}
