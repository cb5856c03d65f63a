package vm

import (
	"fmt"
)

// ---------------------------------------------------------------------------
// Block closures
// ---------------------------------------------------------------------------

// BlockClosure is a block with its captured state. A full closure carries
// its own CompiledBlock; a lightweight closure runs on a shadow block of
// the method it was created in, starting at startPC.
type BlockClosure struct {
	outerContext *Context
	startPC      int
	numArgs      int
	copied       []Value
	receiver     Value
	block        *CodeUnit
	method       *CodeUnit
	hash         uint32
}

// NewBlockClosure creates a lightweight closure over method, whose body
// starts at the zero-based offset startPC.
func NewBlockClosure(method *CodeUnit, startPC, numArgs int, receiver Value, copied []Value, outer *Context) *BlockClosure {
	return &BlockClosure{
		outerContext: outer,
		startPC:      startPC,
		numArgs:      numArgs,
		copied:       copied,
		receiver:     receiver,
		method:       method,
		hash:         nextIdentityHash(),
	}
}

// NewFullBlockClosure creates a closure running block. outer may be nil
// for closures that cannot return non-locally.
func NewFullBlockClosure(block *CodeUnit, receiver Value, copied []Value, outer *Context) *BlockClosure {
	return &BlockClosure{
		outerContext: outer,
		numArgs:      block.NumArgs(),
		copied:       copied,
		receiver:     receiver,
		block:        block,
		method:       block.Method(),
		hash:         nextIdentityHash(),
	}
}

func (c *BlockClosure) NumArgs() int          { return c.numArgs }
func (c *BlockClosure) NumCopied() int        { return len(c.copied) }
func (c *BlockClosure) Copied() []Value       { return c.copied }
func (c *BlockClosure) Receiver() Value       { return c.receiver }
func (c *BlockClosure) OuterContext() *Context { return c.outerContext }
func (c *BlockClosure) StartPC() int          { return c.startPC }
func (c *BlockClosure) IsFull() bool          { return c.block != nil }
func (c *BlockClosure) IdentityHash() uint32  { return c.hash }

// Method returns the CompiledMethod the closure was created in.
func (c *BlockClosure) Method() *CodeUnit { return c.method }

// CodeUnit returns the unit a block activation runs: the CompiledBlock of a
// full closure or the method's shadow block for startPC.
func (c *BlockClosure) CodeUnit() *CodeUnit {
	if c.block != nil {
		return c.block
	}
	return c.method.GetOrCreateShadowBlock(c.startPC)
}

// HomeContext returns the method context the closure returns to
// non-locally, or nil if it has no outer context.
func (c *BlockClosure) HomeContext() *Context {
	if c.outerContext == nil {
		return nil
	}
	return c.outerContext.HomeContext()
}

func (c *BlockClosure) String() string {
	return fmt.Sprintf("a BlockClosure [] in %s", c.method)
}

// ---------------------------------------------------------------------------
// Closure call sites
// ---------------------------------------------------------------------------

// DefaultClosureCacheSize is the number of distinct blocks a call site
// dispatches to directly before going indirect.
const DefaultClosureCacheSize = 3

type closureCacheEntry struct {
	code   *CodeUnit
	entry  *Entry
	stable *Assumption
}

// ClosureSite is the inline cache of one block invocation site. While it
// has seen at most limit distinct CodeUnits it calls their cached entries
// directly; after that every call resolves the closure's current entry.
type ClosureSite struct {
	limit       int
	cached      []closureCacheEntry
	megamorphic bool

	DirectCalls   uint64
	IndirectCalls uint64
}

// NewClosureSite creates a site caching up to limit blocks.
func NewClosureSite(limit int) *ClosureSite {
	if limit < 0 {
		limit = 0
	}
	return &ClosureSite{limit: limit}
}

// IsMegamorphic reports whether the site has given up on direct calls.
func (s *ClosureSite) IsMegamorphic() bool { return s.megamorphic }

// Value0 evaluates a zero-argument block.
func (s *ClosureSite) Value0(i *Interpreter, c *BlockClosure) (Value, error) {
	return s.value(i, c, nil)
}

// Value1 evaluates a one-argument block.
func (s *ClosureSite) Value1(i *Interpreter, c *BlockClosure, a Value) (Value, error) {
	return s.value(i, c, []Value{a})
}

// Value2 evaluates a two-argument block.
func (s *ClosureSite) Value2(i *Interpreter, c *BlockClosure, a, b Value) (Value, error) {
	return s.value(i, c, []Value{a, b})
}

// Value3 evaluates a three-argument block.
func (s *ClosureSite) Value3(i *Interpreter, c *BlockClosure, a, b, d Value) (Value, error) {
	return s.value(i, c, []Value{a, b, d})
}

// Value4 evaluates a four-argument block.
func (s *ClosureSite) Value4(i *Interpreter, c *BlockClosure, a, b, d, e Value) (Value, error) {
	return s.value(i, c, []Value{a, b, d, e})
}

// Value5 evaluates a five-argument block.
func (s *ClosureSite) Value5(i *Interpreter, c *BlockClosure, a, b, d, e, g Value) (Value, error) {
	return s.value(i, c, []Value{a, b, d, e, g})
}

// ValueWithArguments evaluates a block with the elements of an Array.
func (s *ClosureSite) ValueWithArguments(i *Interpreter, c *BlockClosure, array Value) (Value, error) {
	args, ok := i.model.ArrayElements(array)
	if !ok {
		return nil, Fail(PrimitiveClosureValueArgs)
	}
	return s.value(i, c, append([]Value(nil), args...))
}

func (s *ClosureSite) value(i *Interpreter, c *BlockClosure, args []Value) (Value, error) {
	if c.numArgs != len(args) {
		return nil, fmt.Errorf("%w: %s expects %d arguments, got %d", ErrPrimitiveFailed, c, c.numArgs, len(args))
	}
	return i.enter(func(sender Value) (Value, Signal) {
		return s.invoke(i, c, sender, args, true)
	})
}

// invoke activates c with args, which must match its arity. poll is false
// for the no-context-switch primitives.
func (s *ClosureSite) invoke(i *Interpreter, c *BlockClosure, sender Value, args []Value, poll bool) (Value, Signal) {
	code := c.CodeUnit()
	if !s.megamorphic {
		for k := range s.cached {
			e := &s.cached[k]
			if e.code != code {
				continue
			}
			if !e.stable.IsValid() || !e.entry.valid {
				e.entry = code.EntryPoint()
				e.stable = code.CallTargetStable()
			}
			s.DirectCalls++
			return i.activateBlock(c, e.entry, sender, args, poll)
		}
		if len(s.cached) < s.limit {
			entry := code.EntryPoint()
			s.cached = append(s.cached, closureCacheEntry{code: code, entry: entry, stable: code.CallTargetStable()})
			s.DirectCalls++
			return i.activateBlock(c, entry, sender, args, poll)
		}
		s.megamorphic = true
		s.cached = nil
	}
	s.IndirectCalls++
	return i.activateBlock(c, code.EntryPoint(), sender, args, poll)
}
