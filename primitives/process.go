package primitives

import (
	"time"

	"github.com/psvensson/trufflesqueak/vm"
)

// ---------------------------------------------------------------------------
// Process Primitives
// ---------------------------------------------------------------------------

func registerProcessPrimitives(t vm.PrimitiveTable) {
	// millisecondClock
	t[135] = func(_ *vm.Interpreter, _ vm.Value, _ []vm.Value) (vm.Value, error) {
		return time.Now().UnixMilli() & vm.MaxSmallInteger, nil
	}

	// signal: aSemaphore atMilliseconds: msTime arms the timer wakeup. A nil
	// semaphore cancels it.
	t[136] = func(i *vm.Interpreter, receiver vm.Value, args []vm.Value) (vm.Value, error) {
		if len(args) != 2 {
			return nil, vm.Fail(136)
		}
		ms, ok := args[1].(int64)
		if !ok {
			return nil, vm.Fail(136)
		}
		if args[0] == vm.Nil {
			ms = 0
		}
		i.VM().Checkpoint.SetNextWakeupTick(ms)
		return receiver, nil
	}

	// yield suspends the running process. The answer is pushed onto the
	// suspended context so it resumes after the send.
	t[167] = func(i *vm.Interpreter, receiver vm.Value, _ []vm.Value) (vm.Value, error) {
		ps := i.Preempt()
		ps.Context.Push(receiver)
		return nil, ps
	}
}
