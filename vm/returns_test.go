package vm

import (
	"errors"
	"testing"
)

func TestReturnSignalLifecycle(t *testing.T) {
	_, caller, _ := liveFrames()
	target := caller.getOrCreateContext()
	target.setSender(NewContext(0))

	r := NewNonLocalReturn(int64(7), target)
	if r.State() != Fresh {
		t.Fatalf("State = %v, want fresh", r.State())
	}
	r.raise()
	if r.IsArrived() {
		t.Error("a thrown signal has not arrived")
	}
	r.arrive()
	if !r.IsArrived() {
		t.Error("signal should have arrived")
	}
	if v := r.consume(); v != int64(7) {
		t.Errorf("consume() = %v, want 7", v)
	}
	if r.State() != Consumed {
		t.Errorf("State = %v, want consumed", r.State())
	}
	expectInternalError(t, nil, func() { r.consume() })
}

func TestNonLocalReturnNeedsArrival(t *testing.T) {
	_, caller, _ := liveFrames()
	target := caller.getOrCreateContext()
	target.setSender(NewContext(0))
	r := NewNonLocalReturn(Nil, target).raise()
	expectInternalError(t, nil, func() { r.consume() })
}

func TestNonLocalReturnWithoutSender(t *testing.T) {
	_, caller, _ := liveFrames()
	expectInternalError(t, nil, func() { NewNonLocalReturn(int64(1), caller.getOrCreateContext()) })
	expectInternalError(t, nil, func() { NewNonLocalReturn(int64(1), nil) })
}

func TestReturnPayloadRequired(t *testing.T) {
	expectInternalError(t, nil, func() { NewLocalReturn(nil) })
	expectInternalError(t, nil, func() { NewTopLevelReturn(nil) })
}

func TestTopLevelReturnConsumedFromThrown(t *testing.T) {
	r := NewTopLevelReturn("done").raise()
	if v := r.consume(); v != "done" {
		t.Errorf("consume() = %v, want done", v)
	}
}

func TestNonVirtualReturnRejectsVirtualSenders(t *testing.T) {
	_, caller, callee := liveFrames()
	current := callee.getOrCreateContext()
	target := caller.getOrCreateContext()
	expectInternalError(t, nil, func() { NewNonVirtualReturn(int64(1), target, current) })

	current.Materialize()
	target.Materialize()
	r := NewNonVirtualReturn(int64(1), target, current)
	if r.Kind != NonVirtualReturn || r.Target != target || r.Current != current {
		t.Errorf("signal = %+v", r)
	}
	if NewNonVirtualReturn(int64(1), nil, current).Target != nil {
		t.Error("nil target should mean the top level")
	}
}

func TestSignalsAreErrors(t *testing.T) {
	var err error = NewTopLevelReturn(int64(3)).raise()
	var sig Signal
	if !errors.As(err, &sig) {
		t.Error("a return signal should be a Signal")
	}
	ctx, _ := NewMethodContext(twoTempMethod(), Nil, []Value{Nil}, Nil)
	err = newProcessSwitch(ctx)
	var ps *ProcessSwitch
	if !errors.As(err, &ps) || ps.Context != ctx {
		t.Error("a process switch should be recoverable with errors.As")
	}
	ctx.Terminate()
	expectInternalError(t, nil, func() { newProcessSwitch(ctx) })
}

func TestReturnKindStrings(t *testing.T) {
	tests := map[ReturnKind]string{
		LocalReturn:      "Local",
		NonLocalReturn:   "NonLocal",
		TopLevelReturn:   "TopLevel",
		NonVirtualReturn: "NonVirtual",
	}
	for k, want := range tests {
		if k.String() != want {
			t.Errorf("%d.String() = %q, want %q", k, k.String(), want)
		}
	}
}
