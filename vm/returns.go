package vm

import (
	"fmt"
)

// ---------------------------------------------------------------------------
// Control-flow signals
// ---------------------------------------------------------------------------
//
// Every activation returns (Value, Signal). A nil Signal is a local return.
// Anything else unwinds native activations until it reaches the one it
// addresses: a NonLocal return stops at its home frame, a process switch
// and NonVirtual/TopLevel returns reach the outermost driver.

// Signal is a control-flow condition propagating out of an activation.
type Signal interface {
	error
	signal()
}

// ReturnKind identifies how a ReturnSignal unwinds.
type ReturnKind uint8

const (
	LocalReturn ReturnKind = iota
	NonLocalReturn
	TopLevelReturn
	NonVirtualReturn
)

func (k ReturnKind) String() string {
	switch k {
	case LocalReturn:
		return "Local"
	case NonLocalReturn:
		return "NonLocal"
	case TopLevelReturn:
		return "TopLevel"
	case NonVirtualReturn:
		return "NonVirtual"
	}
	return fmt.Sprintf("ReturnKind(%d)", uint8(k))
}

// ReturnState tracks a signal through its lifecycle.
type ReturnState uint8

const (
	Fresh ReturnState = iota
	Thrown
	Arrived
	Consumed
)

func (s ReturnState) String() string {
	switch s {
	case Fresh:
		return "fresh"
	case Thrown:
		return "thrown"
	case Arrived:
		return "arrived"
	case Consumed:
		return "consumed"
	}
	return fmt.Sprintf("ReturnState(%d)", uint8(s))
}

// ReturnSignal carries exactly one return value to the activation it
// addresses.
type ReturnSignal struct {
	Kind    ReturnKind
	Target  *Context // NonLocal, NonVirtual (nil for NonVirtual means top level)
	Current *Context // NonVirtual
	value   Value
	state   ReturnState
}

// NewLocalReturn builds a Local return.
func NewLocalReturn(v Value) *ReturnSignal {
	return &ReturnSignal{Kind: LocalReturn, value: checkPayload(v)}
}

// NewNonLocalReturn builds a NonLocal return to target. The target must
// still have a caller.
func NewNonLocalReturn(v Value, target *Context) *ReturnSignal {
	if target == nil {
		internalErrorf(nil, -1, "non-local return without target")
	}
	if !target.hasSender() {
		internalErrorf(nil, -1, "non-local return to %s, which has no sender", target)
	}
	return &ReturnSignal{Kind: NonLocalReturn, Target: target, value: checkPayload(v)}
}

// NewTopLevelReturn builds a TopLevel return.
func NewTopLevelReturn(v Value) *ReturnSignal {
	return &ReturnSignal{Kind: TopLevelReturn, value: checkPayload(v)}
}

// NewNonVirtualReturn builds a NonVirtual return from current to target.
// Both sides must already be reified: neither may still hold a marker
// sender. A nil target returns to the top level.
func NewNonVirtualReturn(v Value, target, current *Context) *ReturnSignal {
	if current == nil {
		internalErrorf(nil, -1, "non-virtual return without current activation")
	}
	if current.HasVirtualSender() || target != nil && target.HasVirtualSender() {
		internalErrorf(nil, -1, "non-virtual return between activations with virtual senders")
	}
	return &ReturnSignal{Kind: NonVirtualReturn, Target: target, Current: current, value: checkPayload(v)}
}

func checkPayload(v Value) Value {
	if v == nil {
		internalErrorf(nil, -1, "return signal without payload")
	}
	return v
}

// Value returns the payload without changing state.
func (r *ReturnSignal) Value() Value { return r.value }

// State returns the lifecycle state.
func (r *ReturnSignal) State() ReturnState { return r.state }

// IsArrived reports whether the target has observed the signal.
func (r *ReturnSignal) IsArrived() bool { return r.state >= Arrived }

func (r *ReturnSignal) raise() *ReturnSignal {
	r.transition(Fresh, Thrown)
	return r
}

func (r *ReturnSignal) arrive() {
	r.transition(Thrown, Arrived)
}

// consume extracts the payload. A TopLevel return is consumed by the
// driver straight from the thrown state.
func (r *ReturnSignal) consume() Value {
	if r.Kind != NonLocalReturn && r.state == Thrown {
		r.state = Arrived
	}
	r.transition(Arrived, Consumed)
	return r.value
}

func (r *ReturnSignal) transition(from, to ReturnState) {
	if r.state != from {
		internalErrorf(nil, -1, "%s return is %s, cannot become %s", r.Kind, r.state, to)
	}
	r.state = to
}

func (r *ReturnSignal) Error() string {
	switch r.Kind {
	case NonLocalReturn:
		return fmt.Sprintf("non-local return of %s to %s (%s)", PrintString(r.value), r.Target, r.state)
	case NonVirtualReturn:
		target := "top level"
		if r.Target != nil {
			target = r.Target.String()
		}
		return fmt.Sprintf("non-virtual return of %s from %s to %s (%s)", PrintString(r.value), r.Current, target, r.state)
	}
	return fmt.Sprintf("%s return of %s (%s)", r.Kind, PrintString(r.value), r.state)
}

func (*ReturnSignal) signal() {}

// ProcessSwitch is raised at a safe point when the interrupt checkpoint
// fired. Context is the fully materialized interrupted activation.
type ProcessSwitch struct {
	Context *Context
}

func newProcessSwitch(ctx *Context) *ProcessSwitch {
	if ctx == nil || ctx.IsDead() {
		internalErrorf(nil, -1, "process switch from a dead activation")
	}
	return &ProcessSwitch{Context: ctx}
}

func (p *ProcessSwitch) Error() string {
	return fmt.Sprintf("process switch at %s", p.Context)
}

func (*ProcessSwitch) signal() {}
