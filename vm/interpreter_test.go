package vm

import (
	"errors"
	"testing"
)

func v3() *CodeUnitBuilder { return NewCodeUnitBuilder(V3PlusClosures) }

// install adds code to class under name and returns the selector.
func install(vm *VM, class *Class, name string, code *CodeUnit) *Symbol {
	sel := vm.Memory.Intern(name)
	vm.InstallMethod(class, sel, code)
	return sel
}

// caller builds a method that sends selector to self and returns the
// answer, so the callee has a live sender.
func caller(selector *Symbol) *CodeUnit {
	return v3().PushSelf().Send(selector).ReturnTop().MustBuild()
}

func TestExecuteReturnsLiteral(t *testing.T) {
	vm := newTestVM(t)
	code := v3().PushLiteral("hello").ReturnTop().MustBuild()
	v, err := vm.Interpreter().Execute(code, Nil)
	if err != nil || v != "hello" {
		t.Errorf("Execute = %v, %v; want hello", v, err)
	}
	if _, err := vm.Interpreter().Execute(code, Nil, int64(1)); err == nil {
		t.Error("Execute with a wrong argument count should fail")
	}
}

func TestSendUsesMethodCache(t *testing.T) {
	vm := newTestVM(t)
	install(vm, vm.Memory.ObjectClass, "answer", v3().PushLiteral(int64(42)).ReturnTop().MustBuild())

	for n := 0; n < 3; n++ {
		v, err := vm.Send(int64(7), "answer")
		if err != nil || v != int64(42) {
			t.Fatalf("send %d = %v, %v; want 42", n, v, err)
		}
	}
	stats := vm.Cache.Stats()
	if stats.Misses != 1 || stats.Hits != 2 {
		t.Errorf("cache hits/misses = %d/%d, want 2/1", stats.Hits, stats.Misses)
	}

	// Replacing the method flushes the selector.
	install(vm, vm.Memory.ObjectClass, "answer", v3().PushLiteral(int64(43)).ReturnTop().MustBuild())
	if v, _ := vm.Send(int64(7), "answer"); v != int64(43) {
		t.Errorf("after reinstall = %v, want 43", v)
	}
}

func TestSuperSend(t *testing.T) {
	vm := newTestVM(t)
	mem := vm.Memory
	a := mem.DefineClass("A", mem.ObjectClass, 0)
	b := mem.DefineClass("B", a, 0)
	foo := mem.Intern("foo")

	vm.InstallMethod(a, foo, v3().PushLiteral(int64(1)).ReturnTop().InClass(foo, mem.Binding("A")).MustBuild())
	vm.InstallMethod(b, foo, v3().
		PushSelf().SuperSend(foo).PushLiteral(int64(10)).SpecialSend(SpecialPlus).ReturnTop().
		InClass(foo, mem.Binding("B")).MustBuild())

	v, err := vm.Send(NewObject(b, 0), "foo")
	if err != nil || v != int64(11) {
		t.Errorf("B new foo = %v, %v; want 11", v, err)
	}
}

func TestDoesNotUnderstand(t *testing.T) {
	vm := newTestVM(t)
	mem := vm.Memory
	install(vm, mem.ObjectClass, "doesNotUnderstand:", v3().Args(1).PushTemp(0).ReturnTop().MustBuild())

	v, err := vm.Send(int64(3), "frobnicate:", "x")
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	msg, ok := v.(*Object)
	if !ok || msg.Class() != mem.MessageClass {
		t.Fatalf("doesNotUnderstand: got %v, want a Message", PrintString(v))
	}
	if msg.Slots[0] != mem.Intern("frobnicate:") {
		t.Errorf("selector = %v", msg.Slots[0])
	}
	if args, ok := mem.ArrayElements(msg.Slots[1]); !ok || len(args) != 1 || args[0] != "x" {
		t.Errorf("arguments = %v", PrintString(msg.Slots[1]))
	}
	if msg.Slots[2] != mem.SmallIntegerClass {
		t.Errorf("lookup class = %v", msg.Slots[2])
	}
}

func TestDoesNotUnderstandWithoutHandler(t *testing.T) {
	vm := newTestVM(t)
	_, err := vm.Send(int64(3), "frobnicate")
	var ie *InternalError
	if !errors.As(err, &ie) {
		t.Fatalf("err = %v, want an InternalError", err)
	}
	if vm.Interpreter().Stack().Depth() != 0 {
		t.Error("aborted process should leave no frames")
	}
}

func TestPrimitiveSuccessAndFallback(t *testing.T) {
	vm := newTestVM(t)
	vm.SetPrimitives(PrimitiveTable{
		60: func(i *Interpreter, receiver Value, args []Value) (Value, error) {
			n, ok := receiver.(int64)
			if !ok {
				return nil, FailWith(60, "bad receiver")
			}
			return n * 2, nil
		},
	})
	install(vm, vm.Memory.ObjectClass, "double",
		v3().Temps(1).PrimitiveStoringReason(60, 0).PushTemp(0).ReturnTop().MustBuild())
	install(vm, vm.Memory.ObjectClass, "missing",
		v3().Primitive(61).PushLiteral("fallback").ReturnTop().MustBuild())

	if v, err := vm.Send(int64(21), "double"); err != nil || v != int64(42) {
		t.Errorf("21 double = %v, %v; want 42", v, err)
	}
	if v, err := vm.Send("text", "double"); err != nil || v != "bad receiver" {
		t.Errorf("'text' double = %v, %v; want the failure reason", v, err)
	}
	if v, err := vm.Send(Nil, "missing"); err != nil || v != "fallback" {
		t.Errorf("unimplemented primitive = %v, %v; want fallback", v, err)
	}
}

func TestQuickPrimitives(t *testing.T) {
	vm := newTestVM(t)
	assoc := NewObject(vm.Memory.AssociationClass, 2)
	assoc.Slots[0] = "key"

	tests := []struct {
		index    int
		receiver Value
		want     Value
	}{
		{256, "self", "self"},
		{257, Nil, true},
		{258, Nil, false},
		{259, int64(1), Nil},
		{260, Nil, int64(-1)},
		{263, Nil, int64(2)},
		{264, assoc, "key"},
		{264, int64(5), int64(5)}, // no instance variable: fallback returns self
	}
	for _, tt := range tests {
		code := v3().Primitive(tt.index).ReturnSelf().MustBuild()
		if !code.IsQuickPrimitive() {
			t.Errorf("primitive %d should be quick", tt.index)
		}
		v, err := vm.Interpreter().Execute(code, tt.receiver)
		if err != nil || v != tt.want {
			t.Errorf("primitive %d on %v = %v, %v; want %v", tt.index, PrintString(tt.receiver), v, err, tt.want)
		}
	}
}

func TestSpecialArithmetic(t *testing.T) {
	vm := newTestVM(t)
	mem := vm.Memory
	overflow := mem.Intern("overflow")
	install(vm, mem.SmallIntegerClass, "+", v3().Args(1).PushLiteral(overflow).ReturnTop().MustBuild())

	sum := func(a, b Value) Value {
		code := v3().PushLiteral(a).PushLiteral(b).SpecialSend(SpecialPlus).ReturnTop().MustBuild()
		v, err := vm.Interpreter().Execute(code, Nil)
		if err != nil {
			t.Fatalf("%v + %v: %v", a, b, err)
		}
		return v
	}
	if v := sum(int64(3), int64(4)); v != int64(7) {
		t.Errorf("3 + 4 = %v", v)
	}
	if v := sum(1.5, int64(2)); v != 3.5 {
		t.Errorf("1.5 + 2 = %v", v)
	}
	if v := sum(MaxSmallInteger, int64(1)); v != overflow {
		t.Errorf("overflowing sum = %v, want a real send", v)
	}
}

func TestSpecialArithmeticRules(t *testing.T) {
	tests := []struct {
		index int
		a, b  int64
		want  Value
		ok    bool
	}{
		{SpecialMod, -7, 2, int64(1), true},
		{SpecialDiv, -7, 2, int64(-4), true},
		{SpecialDivide, 6, 3, int64(2), true},
		{SpecialDivide, 7, 2, nil, false},
		{SpecialDivide, 1, 0, nil, false},
		{SpecialBitShift, 1, 4, int64(16), true},
		{SpecialBitShift, -16, -2, int64(-4), true},
		{SpecialBitShift, 1, 62, nil, false},
		{SpecialTimes, MaxSmallInteger, 2, nil, false},
		{SpecialLessEq, 2, 2, true, true},
	}
	for _, tt := range tests {
		got, ok := IntegerSpecial(tt.index, tt.a, tt.b)
		if ok != tt.ok || (ok && got != tt.want) {
			t.Errorf("%s(%d, %d) = %v, %v; want %v, %v",
				SpecialSelectorNames[tt.index], tt.a, tt.b, got, ok, tt.want, tt.ok)
		}
	}
}

func TestMustBeBoolean(t *testing.T) {
	vm := newTestVM(t)
	notBoolean := vm.Memory.Intern("notBoolean")
	install(vm, vm.Memory.SmallIntegerClass, "mustBeBoolean", v3().PushLiteral(notBoolean).ReturnTop().MustBuild())

	code := v3().
		PushLiteral(int64(3)).JumpIfFalse("skip").ReturnTop().
		Label("skip").ReturnConstant(Nil).
		MustBuild()
	v, err := vm.Interpreter().Execute(code, Nil)
	if err != nil || v != notBoolean {
		t.Errorf("Execute = %v, %v; want #notBoolean", v, err)
	}
}

func TestNonLocalReturnThroughIntermediates(t *testing.T) {
	vm := newTestVM(t)
	mem := vm.Memory
	callBlock := install(vm, mem.ObjectClass, "callBlock:", v3().Args(1).
		PushTemp(0).SpecialSend(SpecialValue).Pop().
		PushConstant(int64(-1)).ReturnTop().
		MustBuild())
	run := install(vm, mem.ObjectClass, "run", v3().
		PushSelf().
		BeginBlock(0, 0).PushLiteral(int64(42)).ReturnTop().EndBlock().
		Send(callBlock).Pop().
		PushConstant(int64(0)).ReturnTop().
		MustBuild())

	v, err := vm.Interpreter().Execute(caller(run), Nil)
	if err != nil || v != int64(42) {
		t.Errorf("run = %v, %v; want 42", v, err)
	}
	if d := vm.Interpreter().Stack().Depth(); d != 0 {
		t.Errorf("%d frames left after the non-local return", d)
	}
}

// ensureMethod mirrors BlockClosure>>ensure:. Temp 0 is the cleanup block,
// temp 1 the completion flag.
func ensureMethod() *CodeUnit {
	return v3().Args(1).Temps(2).Primitive(PrimitiveEnsureMarker).
		PushSelf().SpecialSend(SpecialValue).
		PushTemp(1).PushConstant(Nil).SpecialSend(SpecialIdentity).JumpIfFalse("done").
		PushConstant(true).PopIntoTemp(1).
		PushTemp(0).SpecialSend(SpecialValue).Pop().
		Label("done").
		ReturnTop().
		MustBuild()
}

func TestEnsureRunsOnNonLocalReturn(t *testing.T) {
	vm := newTestVM(t)
	mem := vm.Memory
	ensure := install(vm, mem.BlockClosureClass, "ensure:", ensureMethod())
	ran := mem.Binding("Ran")

	build := func(protected func(b *CodeUnitBuilder) *CodeUnitBuilder) *CodeUnit {
		b := v3().BeginBlock(0, 0)
		protected(b).EndBlock().
			BeginBlock(0, 0).PushConstant(true).PopIntoLiteralVariable(ran).BlockReturnNil().EndBlock().
			Send(ensure).Pop().
			PushConstant(int64(0)).ReturnTop()
		return b.MustBuild()
	}

	nonLocal := install(vm, mem.ObjectClass, "nonLocal", build(func(b *CodeUnitBuilder) *CodeUnitBuilder {
		return b.PushLiteral(int64(42)).ReturnTop()
	}))
	v, err := vm.Interpreter().Execute(caller(nonLocal), Nil)
	if err != nil || v != int64(42) {
		t.Errorf("non-local return through ensure: = %v, %v; want 42", v, err)
	}
	if ran.Slots[1] != true {
		t.Error("ensure block did not run on the non-local return")
	}

	ran.Slots[1] = Nil
	local := install(vm, mem.ObjectClass, "local", build(func(b *CodeUnitBuilder) *CodeUnitBuilder {
		return b.PushLiteral(int64(41)).BlockReturnTop()
	}))
	v, err = vm.Interpreter().Execute(caller(local), Nil)
	if err != nil || v != int64(0) {
		t.Errorf("normal completion = %v, %v; want 0", v, err)
	}
	if ran.Slots[1] != true {
		t.Error("ensure block did not run on normal completion")
	}
}

func TestCannotReturn(t *testing.T) {
	vm := newTestVM(t)
	mem := vm.Memory
	cannotReturn := mem.Intern("cannotReturn")
	install(vm, mem.ContextClass, "cannotReturn:", v3().Args(1).
		PushLiteral(cannotReturn).PushTemp(0).PushNewArray(2, true).ReturnTop().
		MustBuild())

	check := func(name string, v Value, err error) {
		t.Helper()
		if err != nil {
			t.Fatalf("%s: %v", name, err)
		}
		elements, ok := mem.ArrayElements(v)
		if !ok || len(elements) != 2 || elements[0] != cannotReturn || elements[1] != int64(42) {
			t.Errorf("%s = %v, want {#cannotReturn. 42}", name, PrintString(v))
		}
	}

	// The home context is the top-level activation, which has no sender.
	topLevel := v3().
		BeginBlock(0, 0).PushLiteral(int64(42)).ReturnTop().EndBlock().
		SpecialSend(SpecialValue).ReturnTop().
		MustBuild()
	v, err := vm.Interpreter().Execute(topLevel, Nil)
	check("top-level home", v, err)

	// The home context has already returned.
	makeBlock := install(vm, mem.ObjectClass, "makeBlock", v3().
		BeginBlock(0, 0).PushLiteral(int64(42)).ReturnTop().EndBlock().
		ReturnTop().
		MustBuild())
	main := v3().PushSelf().Send(makeBlock).SpecialSend(SpecialValue).ReturnTop().MustBuild()
	v, err = vm.Interpreter().Execute(main, Nil)
	check("dead home", v, err)

	// A context that returned earlier keeps its slots, and the method cache
	// is not flushed.
	saved := mem.Binding("Saved")
	sibling := install(vm, mem.ObjectClass, "sibling", v3().Temps(1).
		PushLiteral(int64(7)).PopIntoTemp(0).
		PushThisContext().PopIntoLiteralVariable(saved).
		ReturnSelf().
		MustBuild())
	withSibling := v3().
		PushSelf().Send(sibling).Pop().
		PushSelf().Send(makeBlock).SpecialSend(SpecialValue).ReturnTop().
		MustBuild()
	before := vm.Cache.Stats()
	v, err = vm.Interpreter().Execute(withSibling, Nil)
	check("dead home after sibling", v, err)
	after := vm.Cache.Stats()
	if after.Flushes != before.Flushes || after.Occupied < before.Occupied {
		t.Errorf("method cache after cannotReturn = %+v, was %+v", after, before)
	}
	ctx, ok := saved.Slots[1].(*Context)
	if !ok {
		t.Fatalf("saved context = %v, want a Context", PrintString(saved.Slots[1]))
	}
	if ctx.AtTemp(0) != int64(7) || ctx.Receiver() != Nil || !ctx.IsDead() {
		t.Errorf("sibling context temp 0 = %v, receiver %v, dead %v; want 7, nil, true",
			PrintString(ctx.AtTemp(0)), PrintString(ctx.Receiver()), ctx.IsDead())
	}
}

func TestFullClosure(t *testing.T) {
	vm := newTestVM(t)
	block, err := NewCodeUnitBuilder(SistaV1).Temps(2).PushTemp(1).PushSelf().PushNewArray(2, true).BlockReturnTop().BuildBlock(nil)
	if err != nil {
		t.Fatalf("BuildBlock: %v", err)
	}
	code := NewCodeUnitBuilder(SistaV1).
		PushConstant(int64(1)).PushConstant(int64(2)).
		PushFullClosure(block, 2, false, false).
		SpecialSend(SpecialValue).ReturnTop().
		MustBuild()
	if err := block.SetLiteralAt(block.NumLiterals(), code); err != nil {
		t.Fatalf("SetLiteralAt: %v", err)
	}

	v, err := vm.Interpreter().Execute(code, "me")
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	elements, ok := vm.Memory.ArrayElements(v)
	if !ok || len(elements) != 2 || elements[0] != int64(2) || elements[1] != "me" {
		t.Errorf("full closure answered %v, want {2. 'me'}", PrintString(v))
	}
}

func TestClosureValuePrimitives(t *testing.T) {
	vm := newTestVM(t)
	mem := vm.Memory
	failed := mem.Intern("failed")
	install(vm, mem.BlockClosureClass, "value",
		v3().Primitive(PrimitiveClosureValue).PushLiteral(failed).ReturnTop().MustBuild())
	install(vm, mem.BlockClosureClass, "value:",
		v3().Args(1).Primitive(PrimitiveClosureValue+1).PushLiteral(failed).ReturnTop().MustBuild())
	install(vm, mem.BlockClosureClass, "valueWithArguments:",
		v3().Args(1).Primitive(PrimitiveClosureValueArgs).PushLiteral(failed).ReturnTop().MustBuild())

	code, _, constantBlock := twoBlockMethod()
	c := NewBlockClosure(code, constantBlock, 0, Nil, []Value{Nil}, nil)

	if v, err := vm.Send(c, "value"); err != nil || v != int64(1) {
		t.Errorf("value = %v, %v; want 1", v, err)
	}
	if v, err := vm.Send(c, "value:", int64(3)); err != nil || v != failed {
		t.Errorf("value: on a zero-argument block = %v, %v; want #failed", v, err)
	}
	if v, err := vm.Send(c, "valueWithArguments:", mem.NewArray(nil)); err != nil || v != int64(1) {
		t.Errorf("valueWithArguments: = %v, %v; want 1", v, err)
	}
	if v, err := vm.Send(c, "valueWithArguments:", int64(0)); err != nil || v != failed {
		t.Errorf("valueWithArguments: with a non-array = %v, %v; want #failed", v, err)
	}
}

func TestTemps(t *testing.T) {
	vm := newTestVM(t)
	// | t1 t2 | t1 := 3. t2 := [:x | x + t1]. ^t2 value: 4
	// with t1 held in a remote temp vector
	code := v3().Temps(2).
		PushNewArray(1, false).PopIntoTemp(0).
		PushLiteral(int64(3)).PopIntoRemoteTemp(0, 0).
		PushTemp(0).
		BeginBlock(1, 1).PushTemp(0).PushRemoteTemp(0, 1).SpecialSend(SpecialPlus).BlockReturnTop().EndBlock().
		PopIntoTemp(1).
		PushTemp(1).PushLiteral(int64(4)).SpecialSend(SpecialValue1).ReturnTop().
		MustBuild()
	v, err := vm.Interpreter().Execute(code, Nil)
	if err != nil || v != int64(7) {
		t.Errorf("Execute = %v, %v; want 7", v, err)
	}
}

func TestInstanceVariables(t *testing.T) {
	vm := newTestVM(t)
	point := vm.Memory.DefineClass("Point", vm.Memory.ObjectClass, 2)
	swap := install(vm, point, "swap", v3().Temps(1).
		PushInstVar(0).PopIntoTemp(0).
		PushInstVar(1).PopIntoInstVar(0).
		PushTemp(0).PopIntoInstVar(1).
		ReturnSelf().
		MustBuild())
	p := NewObject(point, 2)
	p.Slots[0], p.Slots[1] = int64(1), int64(2)
	if _, err := vm.Interpreter().Send(p, swap); err != nil {
		t.Fatalf("swap: %v", err)
	}
	if p.Slots[0] != int64(2) || p.Slots[1] != int64(1) {
		t.Errorf("after swap = %v, %v", p.Slots[0], p.Slots[1])
	}
}

func TestUnknownBytecodeAbortsProcess(t *testing.T) {
	vm := newTestVM(t)
	code := v3().PushConstant(int64(1)).Bytes(126).MustBuild()
	_, err := vm.Interpreter().Execute(code, Nil)
	if !errors.Is(err, ErrUnknownBytecode) {
		t.Fatalf("err = %v, want ErrUnknownBytecode", err)
	}
	var ie *InternalError
	if !errors.As(err, &ie) || ie.Code != code || ie.PC != 1 {
		t.Errorf("internal error = %+v, want pc 1 of the method", ie)
	}
	if vm.Interpreter().Stack().Depth() != 0 {
		t.Error("aborted process should leave no frames")
	}

	ok := v3().PushConstant(true).ReturnTop().MustBuild()
	if v, err := vm.Interpreter().Execute(ok, Nil); err != nil || v != true {
		t.Errorf("interpreter unusable after abort: %v, %v", v, err)
	}
}

func TestCallDepthExceeded(t *testing.T) {
	opts := DefaultOptions()
	opts.MaxFrameDepth = 20
	vm, err := NewVM(opts)
	if err != nil {
		t.Fatal(err)
	}
	recurse := vm.Memory.Intern("recurse")
	vm.InstallMethod(vm.Memory.ObjectClass, recurse, v3().PushSelf().Send(recurse).ReturnTop().MustBuild())
	if _, err := vm.Send(Nil, "recurse"); !errors.Is(err, ErrCallDepthExceeded) {
		t.Errorf("err = %v, want ErrCallDepthExceeded", err)
	}
}

// countingLoop is t0 := 0. [t0 < limit] whileTrue: [t0 := t0 + 1]. ^t0
// The loop head is at pc 2.
func countingLoop(limit int64) *CodeUnit {
	return v3().Temps(1).
		PushConstant(int64(0)).PopIntoTemp(0).
		Label("loop").
		PushTemp(0).PushLiteral(limit).SpecialSend(SpecialLess).JumpIfFalse("done").
		PushTemp(0).PushConstant(int64(1)).SpecialSend(SpecialPlus).PopIntoTemp(0).
		Jump("loop").
		Label("done").
		PushTemp(0).ReturnTop().
		MustBuild()
}

type recordingScheduler struct {
	vm        *VM
	retrigger int
	pcs       []int
	temps     []Value
}

func (s *recordingScheduler) Switch(ctx *Context) (*Context, error) {
	s.pcs = append(s.pcs, ctx.PC())
	s.temps = append(s.temps, ctx.AtTemp(0))
	if s.retrigger > 0 {
		s.retrigger--
		s.vm.Checkpoint.Trigger()
	}
	return ctx, nil
}

func TestProcessSwitchAtEntryAndBackEdge(t *testing.T) {
	vm := newTestVM(t)
	code := countingLoop(1000)

	in := code.EntryPoint().instructionAt(11)
	if in.Op != OpJump || !in.Checkpoint {
		t.Fatalf("loop jump = %v (checkpoint %v), want a checked back-edge", in, in.Checkpoint)
	}

	vm.Checkpoint.Trigger()
	sched := &recordingScheduler{vm: vm, retrigger: 1}
	v, err := vm.Call(code, Nil, nil, sched)
	if err != nil || v != int64(1000) {
		t.Fatalf("Call = %v, %v; want 1000", v, err)
	}
	if len(sched.pcs) != 2 {
		t.Fatalf("process switches = %d, want 2", len(sched.pcs))
	}
	if sched.pcs[0] != 0 || sched.temps[0] != Nil {
		t.Errorf("first switch at pc %d with t0 = %v, want pc 0 before any code ran", sched.pcs[0], sched.temps[0])
	}
	if sched.pcs[1] != 2 || sched.temps[1] != int64(1) {
		t.Errorf("second switch at pc %d with t0 = %v, want the loop head after one iteration", sched.pcs[1], sched.temps[1])
	}
	if got := vm.Checkpoint.Triggers.Load(); got != 2 {
		t.Errorf("Triggers = %d, want 2", got)
	}
}

func TestBlockContextAfterBecome(t *testing.T) {
	vm := newTestVM(t)
	// ^[thisContext] value, with one literal before the block.
	a := v3().
		PushLiteral(int64(5)).Pop().
		BeginBlock(0, 0).PushThisContext().BlockReturnTop().EndBlock().
		SpecialSend(SpecialValue).ReturnTop().
		MustBuild()
	b := v3().PushConstant(int64(0)).ReturnTop().MustBuild()

	first, err := vm.Interpreter().Execute(a, Nil)
	if err != nil {
		t.Fatalf("Execute(a): %v", err)
	}
	if ctx, ok := first.(*Context); !ok || ctx.Method() != a {
		t.Fatalf("block context before become = %v, want a context of a", PrintString(first))
	}

	vm.Become(a, b)
	v, err := vm.Interpreter().Execute(b, Nil)
	if err != nil {
		t.Fatalf("Execute(b): %v", err)
	}
	ctx, ok := v.(*Context)
	if !ok {
		t.Fatalf("Execute(b) = %v, want a block context", PrintString(v))
	}
	if ctx.Method() != b {
		t.Errorf("block context method = %v, want the become target", ctx.Method())
	}
	if got, err := vm.Interpreter().Execute(a, Nil); err != nil || got != int64(0) {
		t.Errorf("Execute(a) after become = %v, %v; want 0", got, err)
	}
}

func TestProcessSwitchInPrimitiveSendLoop(t *testing.T) {
	vm := newTestVM(t)
	yourself := install(vm, vm.Memory.ObjectClass, "yourself", v3().Primitive(256).ReturnSelf().MustBuild())
	// t0 := 0. [t0 < 1000] whileTrue: [self yourself. t0 := t0 + 1]. ^t0
	code := v3().Temps(1).
		PushConstant(int64(0)).PopIntoTemp(0).
		Label("loop").
		PushTemp(0).PushLiteral(int64(1000)).SpecialSend(SpecialLess).JumpIfFalse("done").
		PushSelf().Send(yourself).Pop().
		PushTemp(0).PushConstant(int64(1)).SpecialSend(SpecialPlus).PopIntoTemp(0).
		Jump("loop").
		Label("done").
		PushTemp(0).ReturnTop().
		MustBuild()

	vm.Checkpoint.Trigger()
	sched := &recordingScheduler{vm: vm, retrigger: 1}
	v, err := vm.Call(code, Nil, nil, sched)
	if err != nil || v != int64(1000) {
		t.Fatalf("Call = %v, %v; want 1000", v, err)
	}
	if len(sched.pcs) != 2 {
		t.Fatalf("process switches = %d, want 2", len(sched.pcs))
	}
	if sched.pcs[1] != 2 || sched.temps[1] != int64(1) {
		t.Errorf("second switch at pc %d with t0 = %v, want the loop head after one iteration", sched.pcs[1], sched.temps[1])
	}
	if vm.Checkpoint.ShouldTrigger() {
		t.Error("trigger left pending after the loop")
	}
}

func TestProcessSwitchWithoutScheduler(t *testing.T) {
	vm := newTestVM(t)
	vm.Checkpoint.Trigger()
	_, err := vm.Interpreter().Execute(countingLoop(3), Nil)
	var ps *ProcessSwitch
	if !errors.As(err, &ps) {
		t.Fatalf("err = %v, want a ProcessSwitch", err)
	}
	v, err := vm.Interpreter().Resume(ps.Context)
	if err != nil || v != int64(3) {
		t.Errorf("Resume = %v, %v; want 3", v, err)
	}
	if !ps.Context.IsDead() {
		t.Error("resumed context should be dead after returning")
	}
	if _, err := vm.Interpreter().Resume(ps.Context); !errors.Is(err, ErrDeadActivation) {
		t.Errorf("resuming a dead context: %v, want ErrDeadActivation", err)
	}
}

func TestSingleProcessScheduler(t *testing.T) {
	vm := newTestVM(t)
	vm.Checkpoint.Trigger()
	sched := &SingleProcessScheduler{}
	v, err := vm.Call(countingLoop(5), Nil, nil, sched)
	if err != nil || v != int64(5) || sched.Switches != 1 {
		t.Errorf("Call = %v, %v after %d switches; want 5 after 1", v, err, sched.Switches)
	}
}

func TestDeactivatedCheckpointNeverSwitches(t *testing.T) {
	opts := DefaultOptions()
	opts.DisableInterrupts = true
	vm, err := NewVM(opts)
	if err != nil {
		t.Fatal(err)
	}
	vm.Checkpoint.SetInterruptPending()
	if v, err := vm.Interpreter().Execute(countingLoop(10), Nil); err != nil || v != int64(10) {
		t.Errorf("Execute = %v, %v; want 10", v, err)
	}
}

func TestResumeMethodContext(t *testing.T) {
	vm := newTestVM(t)
	code := v3().Args(1).PushTemp(0).PushLiteral(int64(2)).SpecialSend(SpecialTimes).ReturnTop().MustBuild()
	ctx, err := NewMethodContext(code, Nil, []Value{int64(21)}, Nil)
	if err != nil {
		t.Fatal(err)
	}
	if v, err := vm.Interpreter().Resume(ctx); err != nil || v != int64(42) {
		t.Errorf("Resume = %v, %v; want 42", v, err)
	}
}

func TestNonVirtualReturnAfterSenderWrite(t *testing.T) {
	vm := newTestVM(t)
	mem := vm.Memory
	// Context>>touchSender rewrites the sender slot with its own value.
	vm.SetPrimitives(PrimitiveTable{
		210: func(i *Interpreter, receiver Value, args []Value) (Value, error) {
			c, ok := receiver.(*Context)
			if !ok {
				return nil, Fail(210)
			}
			c.AtPut(SenderOrNil, c.Sender())
			return c, nil
		},
	})
	touch := install(vm, mem.ContextClass, "touchSender", v3().Primitive(210).ReturnSelf().MustBuild())
	helper := install(vm, mem.ObjectClass, "helper", v3().
		PushThisContext().Send(touch).Pop().
		PushLiteral(int64(5)).ReturnTop().
		MustBuild())
	main := v3().PushSelf().Send(helper).PushConstant(int64(1)).SpecialSend(SpecialPlus).ReturnTop().MustBuild()

	v, err := vm.Interpreter().Execute(main, Nil)
	if err != nil || v != int64(6) {
		t.Errorf("Execute = %v, %v; want 6", v, err)
	}
	if vm.Interpreter().Stack().Depth() != 0 {
		t.Error("frames left after the non-virtual return")
	}
}

func TestProfilerCountsLoops(t *testing.T) {
	opts := DefaultOptions()
	opts.Profile = true
	vm, err := NewVM(opts)
	if err != nil {
		t.Fatal(err)
	}
	code := countingLoop(100)
	if _, err := vm.Interpreter().Execute(code, Nil); err != nil {
		t.Fatal(err)
	}
	p := vm.Profiler.GetProfile(code)
	if p == nil || p.Invocations != 1 || p.LoopIterations != 100 {
		t.Errorf("profile = %+v, want 1 invocation and 100 iterations", p)
	}
}
