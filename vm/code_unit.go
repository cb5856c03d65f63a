package vm

import (
	"fmt"
)

// ---------------------------------------------------------------------------
// CodeUnit: compiled methods and blocks
// ---------------------------------------------------------------------------

const (
	// WordSize is the slot size used for object-offset pc arithmetic.
	WordSize = 8

	// SmallFrameSize and LargeFrameSize bound the temps plus operand stack.
	SmallFrameSize = 16
	LargeFrameSize = 56

	// MaxStackSize is the largest stack pointer any activation may reach.
	MaxStackSize = LargeFrameSize

	// FirstQuickPrimitive and LastQuickPrimitive delimit primitives that
	// answer without a bytecode body.
	FirstQuickPrimitive = 256
	LastQuickPrimitive  = 519

	// PrimitiveEnsureMarker marks ensure:/ifCurtailed: activations.
	PrimitiveEnsureMarker = 198

	// PrimitiveOnDoMarker marks on:do: activations.
	PrimitiveOnDoMarker = 199
)

// CodeKind distinguishes methods from the two block representations.
type CodeKind uint8

const (
	KindMethod      CodeKind = iota // CompiledMethod
	KindBlock                       // CompiledBlock used by full closures
	KindShadowBlock                 // memoized view of a method's inline block
)

// CodeUnit is a compiled method or block: header, literal pool and bytecode.
type CodeUnit struct {
	literals []Value // literals[0] is the header word
	bytes    []byte
	header   Header
	decoder  Decoder
	kind     CodeKind
	hash     uint32

	// Shadow blocks share literals and bytes with outerMethod.
	outerMethod  *CodeUnit
	startPC      int
	shadowBlocks map[int]*CodeUnit

	entry  *Entry
	stable *Assumption
}

// NewCodeUnit builds a CompiledMethod from a header word, its literals
// (excluding the header) and its bytecode.
func NewCodeUnit(header int64, literals []Value, bytecode []byte) (*CodeUnit, error) {
	return newCodeUnit(KindMethod, header, literals, bytecode)
}

// NewCompiledBlock builds a CompiledBlock. By convention its last literal is
// the CodeUnit of the enclosing method.
func NewCompiledBlock(header int64, literals []Value, bytecode []byte) (*CodeUnit, error) {
	return newCodeUnit(KindBlock, header, literals, bytecode)
}

func newCodeUnit(kind CodeKind, header int64, literals []Value, bytecode []byte) (*CodeUnit, error) {
	h := DecodeHeader(header)
	if len(literals) != h.NumLiterals {
		return nil, fmt.Errorf("header declares %d literals, got %d", h.NumLiterals, len(literals))
	}
	if h.NumTemps < h.NumArgs {
		return nil, fmt.Errorf("header declares %d temps for %d arguments", h.NumTemps, h.NumArgs)
	}
	if h.HasPrimitive && len(bytecode) < 3 {
		return nil, fmt.Errorf("primitive method needs a callPrimitive marker, got %d bytes", len(bytecode))
	}
	lits := make([]Value, 1+len(literals))
	lits[0] = header
	for i, l := range literals {
		if l == nil {
			l = Nil
		}
		lits[1+i] = l
	}
	c := &CodeUnit{
		literals: lits,
		bytes:    append([]byte(nil), bytecode...),
		kind:     kind,
		hash:     nextIdentityHash(),
	}
	c.decodeHeader()
	return c, nil
}

func (c *CodeUnit) decodeHeader() {
	word, _ := c.literals[0].(int64)
	c.header = DecodeHeader(word)
	c.decoder = decoderFor(c.header.SignFlag)
}

// ---------------------------------------------------------------------------
// Header-derived accessors
// ---------------------------------------------------------------------------

func (c *CodeUnit) Header() Header        { return c.header }
func (c *CodeUnit) HeaderWord() int64     { w, _ := c.literals[0].(int64); return w }
func (c *CodeUnit) NumArgs() int          { return c.header.NumArgs }
func (c *CodeUnit) NumTemps() int         { return c.header.NumTemps }
func (c *CodeUnit) NumLiterals() int      { return c.header.NumLiterals }
func (c *CodeUnit) HasPrimitive() bool    { return c.header.HasPrimitive }
func (c *CodeUnit) NeedsLargeFrame() bool { return c.header.NeedsLargeFrame }
func (c *CodeUnit) SignFlag() bool        { return c.header.SignFlag }
func (c *CodeUnit) Decoder() Decoder      { return c.decoder }
func (c *CodeUnit) Kind() CodeKind        { return c.kind }
func (c *CodeUnit) IdentityHash() uint32  { return c.hash }

// PrimitiveIndex returns the index stored in the callPrimitive marker, or 0
// when the unit has no primitive.
func (c *CodeUnit) PrimitiveIndex() int {
	if !c.header.HasPrimitive || len(c.bytes) < 3 {
		return 0
	}
	return int(c.bytes[1]) | int(c.bytes[2])<<8
}

// IsQuickPrimitive reports whether the primitive answers without a body.
func (c *CodeUnit) IsQuickPrimitive() bool {
	p := c.PrimitiveIndex()
	return p >= FirstQuickPrimitive && p <= LastQuickPrimitive
}

// IsUnwindMarked reports whether this is an ensure:/ifCurtailed: method.
func (c *CodeUnit) IsUnwindMarked() bool { return c.PrimitiveIndex() == PrimitiveEnsureMarker }

// IsExceptionHandlerMarked reports whether this is an on:do: method.
func (c *CodeUnit) IsExceptionHandlerMarked() bool {
	return c.PrimitiveIndex() == PrimitiveOnDoMarker
}

// HasStoreIntoTempAfterCallPrimitive reports whether the instruction after
// the callPrimitive marker stores the failure code into a temp.
func (c *CodeUnit) HasStoreIntoTempAfterCallPrimitive() bool {
	return c.header.HasPrimitive && c.decoder.HasStoreIntoTempAfterCallPrimitive(c)
}

// BytecodeOffset is the object offset of the first bytecode.
func (c *CodeUnit) BytecodeOffset() int { return (1 + c.header.NumLiterals) * WordSize }

// InitialPC is the one-based object offset of the first bytecode, the value
// a fresh context's instruction pointer holds.
func (c *CodeUnit) InitialPC() int { return c.BytecodeOffset() + 1 }

// FrameSize is the number of temp and stack slots an activation gets.
func (c *CodeUnit) FrameSize() int {
	if c.header.NeedsLargeFrame {
		return LargeFrameSize
	}
	return SmallFrameSize
}

// ---------------------------------------------------------------------------
// Literals and bytes
// ---------------------------------------------------------------------------

// Literal returns literal i (zero-based, header excluded).
func (c *CodeUnit) Literal(i int) Value {
	if i < 0 || i >= c.header.NumLiterals {
		internalErrorf(c, -1, "literal index %d out of range [0, %d)", i, c.header.NumLiterals)
	}
	return c.literals[1+i]
}

// LiteralAt returns slot index of the literal frame, where 0 is the header.
func (c *CodeUnit) LiteralAt(index int) Value { return c.literals[index] }

// SetLiteralAt stores into the literal frame. Storing the header re-decodes
// it and may not change the literal count. Every store invalidates the
// entry point.
func (c *CodeUnit) SetLiteralAt(index int, v Value) error {
	if index < 0 || index >= len(c.literals) {
		return fmt.Errorf("literal slot %d out of range [0, %d)", index, len(c.literals))
	}
	if index == 0 {
		word, ok := v.(int64)
		if !ok {
			return fmt.Errorf("header must be a SmallInteger, got %s", PrintString(v))
		}
		if DecodeHeader(word).NumLiterals != c.header.NumLiterals {
			return fmt.Errorf("header may not change the literal count")
		}
		c.literals[0] = word
		c.decodeHeader()
	} else {
		c.literals[index] = v
	}
	c.InvalidateEntryPoint()
	return nil
}

// Literals returns a copy of the literals, header excluded.
func (c *CodeUnit) Literals() []Value {
	return append([]Value(nil), c.literals[1:]...)
}

// Bytes returns the bytecode. Callers must not modify it.
func (c *CodeUnit) Bytes() []byte { return c.bytes }

// ByteAt returns bytecode byte i.
func (c *CodeUnit) ByteAt(i int) byte { return c.bytes[i] }

// SetByteAt stores a bytecode byte and invalidates the entry point.
func (c *CodeUnit) SetByteAt(i int, b byte) error {
	if i < 0 || i >= len(c.bytes) {
		return fmt.Errorf("byte index %d out of range [0, %d)", i, len(c.bytes))
	}
	c.bytes[i] = b
	c.InvalidateEntryPoint()
	return nil
}

// Size is the object size in bytes as the image sees it.
func (c *CodeUnit) Size() int { return c.BytecodeOffset() + len(c.bytes) }

// At0 reads the object at a zero-based byte offset: literal slots below the
// bytecode offset, bytes above it.
func (c *CodeUnit) At0(index int) (Value, error) {
	off := c.BytecodeOffset()
	switch {
	case index < 0 || index >= c.Size():
		return nil, fmt.Errorf("index %d out of range [0, %d)", index, c.Size())
	case index < off:
		return c.literals[index/WordSize], nil
	default:
		return int64(c.bytes[index-off]), nil
	}
}

// AtPut0 writes at a zero-based byte offset.
func (c *CodeUnit) AtPut0(index int, v Value) error {
	off := c.BytecodeOffset()
	switch {
	case index < 0 || index >= c.Size():
		return fmt.Errorf("index %d out of range [0, %d)", index, c.Size())
	case index < off:
		if index%WordSize != 0 {
			return fmt.Errorf("literal offset %d is not word aligned", index)
		}
		return c.SetLiteralAt(index/WordSize, v)
	default:
		n, ok := v.(int64)
		if !ok || n < 0 || n > 255 {
			return fmt.Errorf("bytecode store needs a byte, got %s", PrintString(v))
		}
		return c.SetByteAt(index-off, byte(n))
	}
}

// ---------------------------------------------------------------------------
// Method metadata
// ---------------------------------------------------------------------------

// Method returns the CompiledMethod this unit belongs to: itself, the
// outer method of a shadow block, or the last literal of a CompiledBlock.
func (c *CodeUnit) Method() *CodeUnit {
	switch c.kind {
	case KindShadowBlock:
		return c.outerMethod
	case KindBlock:
		if n := len(c.literals); n > 1 {
			if outer, ok := c.literals[n-1].(*CodeUnit); ok && outer != c {
				return outer.Method()
			}
		}
	}
	return c
}

// MethodClass returns the class held by the last literal, either directly
// or through a class binding. It returns nil when there is none.
func (c *CodeUnit) MethodClass() *Class {
	m := c.Method()
	if len(m.literals) < 2 {
		return nil
	}
	switch l := m.literals[len(m.literals)-1].(type) {
	case *Class:
		return l
	case *Object:
		if len(l.Slots) >= 2 {
			cls, _ := l.Slots[1].(*Class)
			return cls
		}
	}
	return nil
}

// Selector returns the penultimate literal when it is a symbol.
func (c *CodeUnit) Selector() *Symbol {
	m := c.Method()
	if len(m.literals) < 3 {
		return nil
	}
	s, _ := m.literals[len(m.literals)-2].(*Symbol)
	return s
}

func (c *CodeUnit) String() string {
	m := c.Method()
	name := "a CompiledMethod"
	if cls, sel := m.MethodClass(), m.Selector(); sel != nil {
		if cls != nil {
			name = cls.Name + ">>" + sel.Name
		} else {
			name = "?>>" + sel.Name
		}
	}
	switch c.kind {
	case KindShadowBlock:
		return fmt.Sprintf("[] in %s @%d", name, c.startPC)
	case KindBlock:
		return "[] in " + name
	}
	return name
}

// ---------------------------------------------------------------------------
// Shadow blocks
// ---------------------------------------------------------------------------

// GetOrCreateShadowBlock returns the memoized shadow block for startPC (a
// zero-based bytecode offset). Shadow blocks share literals, bytes and the
// decoder with the outer method but have their own identity and entry point.
func (c *CodeUnit) GetOrCreateShadowBlock(startPC int) *CodeUnit {
	if c.shadowBlocks == nil {
		c.shadowBlocks = make(map[int]*CodeUnit)
	}
	if shadow, ok := c.shadowBlocks[startPC]; ok {
		return shadow
	}
	outer := c
	for outer.outerMethod != nil {
		outer = outer.outerMethod
	}
	shadow := &CodeUnit{
		literals:    c.literals,
		bytes:       c.bytes,
		header:      c.header,
		decoder:     c.decoder,
		kind:        KindShadowBlock,
		hash:        nextIdentityHash(),
		outerMethod: outer,
		startPC:     startPC,
	}
	c.shadowBlocks[startPC] = shadow
	return shadow
}

// OuterMethod returns the root method of a shadow block, or nil.
func (c *CodeUnit) OuterMethod() *CodeUnit { return c.outerMethod }

// StartPC returns the zero-based start offset of a shadow block.
func (c *CodeUnit) StartPC() int { return c.startPC }

// IsShadowBlock reports whether c is a shadow block.
func (c *CodeUnit) IsShadowBlock() bool { return c.kind == KindShadowBlock }

// IsCompiledBlock reports whether c is a CompiledBlock.
func (c *CodeUnit) IsCompiledBlock() bool { return c.kind == KindBlock }

// ---------------------------------------------------------------------------
// Copying and identity swap
// ---------------------------------------------------------------------------

// Clone makes a shallow copy with its own literal and byte arrays. The copy
// shares the decoder but has no shadow blocks or entry point yet.
func (c *CodeUnit) Clone() *CodeUnit {
	return &CodeUnit{
		literals: append([]Value(nil), c.literals...),
		bytes:    append([]byte(nil), c.bytes...),
		header:   c.header,
		decoder:  c.decoder,
		kind:     c.kind,
		hash:     nextIdentityHash(),
	}
}

// Become exchanges the internal state of c and other. Identity hashes stay
// with the identities. Shadow blocks follow their tables to the new outer
// method. All entry points are invalidated.
func (c *CodeUnit) Become(other *CodeUnit) {
	c.literals, other.literals = other.literals, c.literals
	c.bytes, other.bytes = other.bytes, c.bytes
	c.kind, other.kind = other.kind, c.kind
	c.shadowBlocks, other.shadowBlocks = other.shadowBlocks, c.shadowBlocks
	c.outerMethod, other.outerMethod = other.outerMethod, c.outerMethod
	c.startPC, other.startPC = other.startPC, c.startPC
	c.decodeHeader()
	other.decodeHeader()
	c.adoptShadowBlocks()
	other.adoptShadowBlocks()
	c.InvalidateEntryPoint()
	other.InvalidateEntryPoint()
}

// adoptShadowBlocks re-points the shadow blocks in c's table at c's root
// method.
func (c *CodeUnit) adoptShadowBlocks() {
	root := c
	for root.outerMethod != nil {
		root = root.outerMethod
	}
	for _, shadow := range c.shadowBlocks {
		shadow.outerMethod = root
		shadow.InvalidateEntryPoint()
	}
}

// ---------------------------------------------------------------------------
// Entry point and stability
// ---------------------------------------------------------------------------

// Assumption is a validity token handed to call sites that cache an entry
// point. Once invalid it stays invalid; CodeUnits hand out a fresh one.
type Assumption struct {
	valid bool
}

// IsValid reports whether the assumption still holds.
func (a *Assumption) IsValid() bool { return a != nil && a.valid }

func (a *Assumption) invalidate() { a.valid = false }

// CallTargetStable returns the current stability assumption.
func (c *CodeUnit) CallTargetStable() *Assumption {
	if c.stable == nil {
		c.stable = &Assumption{valid: true}
	}
	return c.stable
}

// EntryPoint returns the executable form of c, creating it on first use.
func (c *CodeUnit) EntryPoint() *Entry {
	if c.entry == nil {
		c.entry = newEntry(c)
	}
	return c.entry
}

// HasEntryPoint reports whether an entry point is currently cached.
func (c *CodeUnit) HasEntryPoint() bool { return c.entry != nil }

// InvalidateEntryPoint drops the decoded instructions and primitive binding
// of c and its shadow blocks and invalidates their stability assumptions.
func (c *CodeUnit) InvalidateEntryPoint() {
	if c.entry != nil {
		c.entry.valid = false
		c.entry = nil
	}
	if c.stable != nil {
		c.stable.invalidate()
		c.stable = nil
	}
	for _, shadow := range c.shadowBlocks {
		shadow.header = c.header
		shadow.decoder = c.decoder
		shadow.InvalidateEntryPoint()
	}
}

// FlushCache is the primitive 116 hook: it invalidates the entry point.
func (c *CodeUnit) FlushCache() { c.InvalidateEntryPoint() }
