package vm

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ---------------------------------------------------------------------------
// VM: the engine context
// ---------------------------------------------------------------------------

// Options configure a VM. The zero value is not valid; start from
// DefaultOptions.
type Options struct {
	MethodCacheSize     int
	MethodCacheReprobes int
	ClosureCacheSize    int
	MaxFrameDepth       int

	InterruptInterval time.Duration
	DisableInterrupts bool

	// Profile enables invocation and loop counting.
	Profile bool
}

// DefaultOptions returns the default engine configuration.
func DefaultOptions() Options {
	return Options{
		MethodCacheSize:     DefaultMethodCacheSize,
		MethodCacheReprobes: DefaultMethodCacheReprobes,
		ClosureCacheSize:    DefaultClosureCacheSize,
		MaxFrameDepth:       DefaultMaxFrameDepth,
		InterruptInterval:   DefaultInterruptInterval,
	}
}

// VM owns everything one engine instance shares between its interpreters:
// the object memory, the method lookup cache, the interrupt checkpoint and
// the profiler. Independent VMs share nothing.
type VM struct {
	ID      string
	Options Options

	Memory     *Memory
	Primitives PrimitiveLibrary
	Cache      *MethodCache
	Checkpoint *InterruptCheckpoint
	Profiler   *Profiler

	interpreter *Interpreter
}

// NewVM creates a VM with a bootstrapped Memory and no library
// primitives.
func NewVM(opts Options) (*VM, error) {
	if opts.MaxFrameDepth <= 0 {
		opts.MaxFrameDepth = DefaultMaxFrameDepth
	}
	if opts.ClosureCacheSize < 0 {
		return nil, fmt.Errorf("closure cache size %d is negative", opts.ClosureCacheSize)
	}
	cache, err := NewMethodCache(opts.MethodCacheSize, opts.MethodCacheReprobes)
	if err != nil {
		return nil, fmt.Errorf("method cache: %w", err)
	}
	vm := &VM{
		ID:         uuid.New().String(),
		Options:    opts,
		Memory:     NewMemory(),
		Primitives: PrimitiveTable{},
		Cache:      cache,
		Checkpoint: NewInterruptCheckpoint(opts.InterruptInterval),
	}
	if opts.DisableInterrupts {
		vm.Checkpoint.Deactivate()
	}
	if opts.Profile {
		vm.Profiler = NewProfiler()
	}
	engineLog.Debugf("vm %s created (cache %d x %d)", vm.ID, opts.MethodCacheSize, opts.MethodCacheReprobes)
	return vm, nil
}

// Interpreter returns the VM's main interpreter.
func (vm *VM) Interpreter() *Interpreter {
	if vm.interpreter == nil {
		vm.interpreter = vm.NewInterpreter()
	}
	return vm.interpreter
}

// NewInterpreter creates an interpreter with its own frame stack. It must
// only run on one goroutine at a time.
func (vm *VM) NewInterpreter() *Interpreter {
	return &Interpreter{
		vm:               vm,
		model:            vm.Memory,
		MaxFrameDepth:    vm.Options.MaxFrameDepth,
		closureCacheSize: vm.Options.ClosureCacheSize,
	}
}

// SetPrimitives replaces the primitive library. Entry points bind their
// primitive lazily, so existing entries are dropped.
func (vm *VM) SetPrimitives(lib PrimitiveLibrary) {
	vm.Primitives = lib
	vm.Cache.Flush()
	for _, name := range vm.Memory.ClassNames() {
		for _, code := range vm.Memory.ClassNamed(name).Methods {
			code.InvalidateEntryPoint()
		}
	}
}

// Start launches the interrupt timer unless interrupts are disabled.
func (vm *VM) Start(ctx context.Context) {
	if vm.Options.DisableInterrupts {
		interruptLog.Info("interrupt handler disabled")
		return
	}
	vm.Checkpoint.Start(ctx)
}

// Stop stops the interrupt timer.
func (vm *VM) Stop() {
	vm.Checkpoint.Stop()
}

// Load installs the units supplied by a Loader and flushes the lookup
// cache.
func (vm *VM) Load(l Loader) ([]*CodeUnit, error) {
	units, err := l.Load(vm.Memory)
	if err != nil {
		return nil, fmt.Errorf("load: %w", err)
	}
	vm.FlushCache()
	return units, nil
}

// ---------------------------------------------------------------------------
// Cache maintenance
// ---------------------------------------------------------------------------

// FlushCache clears the whole method lookup cache.
func (vm *VM) FlushCache() {
	vm.Cache.Flush()
	cacheLog.Debug("method cache flushed")
}

// FlushSelector clears cache entries for selector.
func (vm *VM) FlushSelector(selector *Symbol) {
	vm.Cache.FlushSelector(selector)
	cacheLog.Debugf("method cache flushed for %s", selector)
}

// FlushMethod clears cache entries resolving to code and drops its entry
// point, as after recompilation.
func (vm *VM) FlushMethod(code *CodeUnit) {
	vm.Cache.FlushMethod(code)
	code.FlushCache()
	cacheLog.Debugf("method cache flushed for %s", code)
}

// Become swaps the state of two CodeUnits and flushes the whole cache.
func (vm *VM) Become(a, b *CodeUnit) {
	a.Become(b)
	vm.Cache.FlushAfterBecome()
	cacheLog.Debugf("method cache flushed after become of %s", a)
}

// InstallMethod adds code to class and flushes the selector.
func (vm *VM) InstallMethod(class *Class, selector *Symbol, code *CodeUnit) {
	vm.Memory.InstallMethod(class, selector, code)
	vm.FlushSelector(selector)
}

// ---------------------------------------------------------------------------
// Convenience drivers
// ---------------------------------------------------------------------------

// Send sends selector to receiver on the main interpreter.
func (vm *VM) Send(receiver Value, selector string, args ...Value) (Value, error) {
	return vm.Interpreter().Send(receiver, vm.Memory.Intern(selector), args...)
}

// Call executes code with receiver and args and keeps resuming through
// process switches, handing each to scheduler.
func (vm *VM) Call(code *CodeUnit, receiver Value, args []Value, scheduler Scheduler) (Value, error) {
	i := vm.Interpreter()
	result, err := i.Execute(code, receiver, args...)
	var ps *ProcessSwitch
	if !errors.As(err, &ps) {
		return result, err
	}
	next, err := scheduler.Switch(ps.Context)
	if err != nil {
		return nil, err
	}
	if next == nil {
		return nil, ps
	}
	return i.Run(next, scheduler)
}
