package vm

import (
	"fmt"
)

// ---------------------------------------------------------------------------
// CodeUnitBuilder: assembling bytecode
// ---------------------------------------------------------------------------
//
// The builder emits raw bytes for either instruction set, choosing the
// shortest encoding for operands that fit. Jumps and inline block bodies
// use fixed-size encodings patched at Build time, so labels may be
// referenced before they are placed.

// InstructionSet selects the byte encoding a builder emits.
type InstructionSet int

const (
	V3PlusClosures InstructionSet = iota
	SistaV1
)

func (s InstructionSet) String() string {
	if s == SistaV1 {
		return "SistaV1"
	}
	return "V3PlusClosures"
}

type jumpFixup struct {
	at    int
	op    Opcode
	label string
}

// CodeUnitBuilder assembles a CompiledMethod or CompiledBlock.
type CodeUnitBuilder struct {
	set        InstructionSet
	numArgs    int
	numTemps   int
	largeFrame bool
	primitive  int
	literals   []Value
	trailer    []Value
	bytes      []byte
	labels     map[string]int
	fixups     []jumpFixup
	blocks     []int
	err        error
}

// NewCodeUnitBuilder starts an empty unit for set.
func NewCodeUnitBuilder(set InstructionSet) *CodeUnitBuilder {
	return &CodeUnitBuilder{set: set, labels: make(map[string]int)}
}

func (b *CodeUnitBuilder) fail(format string, args ...any) *CodeUnitBuilder {
	if b.err == nil {
		b.err = fmt.Errorf(format, args...)
	}
	return b
}

func (b *CodeUnitBuilder) emit(bs ...byte) *CodeUnitBuilder {
	b.bytes = append(b.bytes, bs...)
	return b
}

func (b *CodeUnitBuilder) sista() bool { return b.set == SistaV1 }

// Args sets the argument count. Temps are raised to at least n.
func (b *CodeUnitBuilder) Args(n int) *CodeUnitBuilder {
	b.numArgs = n
	if b.numTemps < n {
		b.numTemps = n
	}
	return b
}

// Temps sets the number of temporaries, arguments included.
func (b *CodeUnitBuilder) Temps(n int) *CodeUnitBuilder {
	b.numTemps = n
	return b
}

// LargeFrame requests a large frame.
func (b *CodeUnitBuilder) LargeFrame() *CodeUnitBuilder {
	b.largeFrame = true
	return b
}

// Primitive emits the callPrimitive marker. It must come first.
func (b *CodeUnitBuilder) Primitive(index int) *CodeUnitBuilder {
	if len(b.bytes) != 0 {
		return b.fail("primitive %d must be the first instruction", index)
	}
	b.primitive = index
	op := byte(139)
	if b.sista() {
		op = 248
	}
	return b.emit(op, byte(index), byte(index>>8))
}

// PrimitiveStoringReason emits the callPrimitive marker followed by a
// store of the failure reason into temp.
func (b *CodeUnitBuilder) PrimitiveStoringReason(index, temp int) *CodeUnitBuilder {
	b.Primitive(index)
	if b.sista() {
		return b.emit(245, byte(temp))
	}
	return b.emit(129, byte(1<<6|temp&63))
}

// Literal appends v to the literal pool and returns its index.
func (b *CodeUnitBuilder) Literal(v Value) int {
	b.literals = append(b.literals, v)
	return len(b.literals) - 1
}

func (b *CodeUnitBuilder) literalIndex(v Value) int {
	for i, l := range b.literals {
		if l == v {
			return i
		}
	}
	return b.Literal(v)
}

// InClass appends the selector and method class binding as the trailing
// literals of a method.
func (b *CodeUnitBuilder) InClass(selector *Symbol, classBinding Value) *CodeUnitBuilder {
	b.trailer = []Value{selector, classBinding}
	return b
}

// Bytes emits raw bytes.
func (b *CodeUnitBuilder) Bytes(bs ...byte) *CodeUnitBuilder { return b.emit(bs...) }

// Label marks the current offset.
func (b *CodeUnitBuilder) Label(name string) *CodeUnitBuilder {
	if _, ok := b.labels[name]; ok {
		return b.fail("label %q defined twice", name)
	}
	b.labels[name] = len(b.bytes)
	return b
}

// ---------------------------------------------------------------------------
// Pushes
// ---------------------------------------------------------------------------

// PushSelf pushes the receiver.
func (b *CodeUnitBuilder) PushSelf() *CodeUnitBuilder {
	if b.sista() {
		return b.emit(76)
	}
	return b.emit(112)
}

// PushThisContext pushes the active context.
func (b *CodeUnitBuilder) PushThisContext() *CodeUnitBuilder {
	if b.sista() {
		return b.emit(82)
	}
	return b.emit(137)
}

// PushTemp pushes temp i.
func (b *CodeUnitBuilder) PushTemp(i int) *CodeUnitBuilder {
	switch {
	case b.sista() && i < 12:
		return b.emit(byte(64 + i))
	case b.sista():
		return b.emit(229, byte(i))
	case i < 16:
		return b.emit(byte(16 + i))
	case i < 64:
		return b.emit(128, byte(1<<6|i))
	}
	return b.fail("temp index %d too large", i)
}

// PushInstVar pushes receiver variable i.
func (b *CodeUnitBuilder) PushInstVar(i int) *CodeUnitBuilder {
	switch {
	case i < 16:
		return b.emit(byte(i))
	case b.sista():
		return b.extA(i>>8).emit(226, byte(i))
	case i < 64:
		return b.emit(128, byte(i))
	}
	return b.emit(132, 2<<5, byte(i))
}

// PushLiteral pushes v from the literal pool.
func (b *CodeUnitBuilder) PushLiteral(v Value) *CodeUnitBuilder {
	i := b.literalIndex(v)
	switch {
	case i < 32:
		return b.emit(byte(32 + i))
	case b.sista():
		return b.extA(i>>8).emit(228, byte(i))
	case i < 64:
		return b.emit(128, byte(2<<6|i))
	}
	return b.emit(132, 3<<5, byte(i))
}

// PushLiteralVariable pushes the value of binding.
func (b *CodeUnitBuilder) PushLiteralVariable(binding Value) *CodeUnitBuilder {
	i := b.literalIndex(binding)
	switch {
	case b.sista() && i < 16:
		return b.emit(byte(16 + i))
	case b.sista():
		return b.extA(i>>8).emit(227, byte(i))
	case i < 32:
		return b.emit(byte(64 + i))
	case i < 64:
		return b.emit(128, byte(3<<6|i))
	}
	return b.emit(132, 4<<5, byte(i))
}

// PushConstant pushes v using a one-byte form when one exists, else a
// literal.
func (b *CodeUnitBuilder) PushConstant(v Value) *CodeUnitBuilder {
	if v == nil {
		v = Nil
	}
	if b.sista() {
		switch x := v.(type) {
		case bool:
			if x {
				return b.emit(77)
			}
			return b.emit(78)
		case NilObject:
			return b.emit(79)
		case int64:
			if x == 0 || x == 1 {
				return b.emit(byte(80 + x))
			}
			if x >= 0 && x < 256 {
				return b.emit(232, byte(x))
			}
		case Character:
			if x >= 0 && x < 256 {
				return b.emit(233, byte(x))
			}
		}
		return b.PushLiteral(v)
	}
	switch x := v.(type) {
	case bool:
		if x {
			return b.emit(113)
		}
		return b.emit(114)
	case NilObject:
		return b.emit(115)
	case int64:
		if x >= -1 && x <= 2 {
			return b.emit(byte(117 + x))
		}
	}
	return b.PushLiteral(v)
}

// PushNewArray pushes an Array of size n, filled from the stack when pop
// is set.
func (b *CodeUnitBuilder) PushNewArray(n int, pop bool) *CodeUnitBuilder {
	if n > 127 {
		return b.fail("array size %d too large", n)
	}
	arg := byte(n)
	if pop {
		arg |= 128
	}
	if b.sista() {
		return b.emit(231, arg)
	}
	return b.emit(138, arg)
}

// PushRemoteTemp pushes slot index of the temp vector held in temp vector.
func (b *CodeUnitBuilder) PushRemoteTemp(index, vector int) *CodeUnitBuilder {
	if b.sista() {
		return b.emit(251, byte(index), byte(vector))
	}
	return b.emit(140, byte(index), byte(vector))
}

// ---------------------------------------------------------------------------
// Stores
// ---------------------------------------------------------------------------

// StoreTemp stores the top of stack into temp i without popping.
func (b *CodeUnitBuilder) StoreTemp(i int) *CodeUnitBuilder {
	if b.sista() {
		return b.emit(245, byte(i))
	}
	return b.emit(129, byte(1<<6|i&63))
}

// PopIntoTemp pops the top of stack into temp i.
func (b *CodeUnitBuilder) PopIntoTemp(i int) *CodeUnitBuilder {
	switch {
	case b.sista() && i < 8:
		return b.emit(byte(208 + i))
	case b.sista():
		return b.emit(242, byte(i))
	case i < 8:
		return b.emit(byte(104 + i))
	}
	return b.emit(130, byte(1<<6|i&63))
}

// StoreInstVar stores the top of stack into receiver variable i.
func (b *CodeUnitBuilder) StoreInstVar(i int) *CodeUnitBuilder {
	if b.sista() {
		return b.extA(i>>8).emit(243, byte(i))
	}
	return b.emit(129, byte(i&63))
}

// PopIntoInstVar pops the top of stack into receiver variable i.
func (b *CodeUnitBuilder) PopIntoInstVar(i int) *CodeUnitBuilder {
	switch {
	case i < 8 && b.sista():
		return b.emit(byte(200 + i))
	case b.sista():
		return b.extA(i>>8).emit(240, byte(i))
	case i < 8:
		return b.emit(byte(96 + i))
	}
	return b.emit(130, byte(i&63))
}

// PopIntoLiteralVariable pops the top of stack into the value of binding.
func (b *CodeUnitBuilder) PopIntoLiteralVariable(binding Value) *CodeUnitBuilder {
	i := b.literalIndex(binding)
	if b.sista() {
		return b.extA(i>>8).emit(241, byte(i))
	}
	return b.emit(130, byte(3<<6|i&63))
}

// StoreLiteralVariable stores the top of stack into the value of binding.
func (b *CodeUnitBuilder) StoreLiteralVariable(binding Value) *CodeUnitBuilder {
	i := b.literalIndex(binding)
	if b.sista() {
		return b.extA(i>>8).emit(244, byte(i))
	}
	return b.emit(129, byte(3<<6|i&63))
}

// StoreRemoteTemp stores into slot index of the temp vector in temp vector.
func (b *CodeUnitBuilder) StoreRemoteTemp(index, vector int) *CodeUnitBuilder {
	if b.sista() {
		return b.emit(252, byte(index), byte(vector))
	}
	return b.emit(141, byte(index), byte(vector))
}

// PopIntoRemoteTemp pops into slot index of the temp vector in temp vector.
func (b *CodeUnitBuilder) PopIntoRemoteTemp(index, vector int) *CodeUnitBuilder {
	if b.sista() {
		return b.emit(253, byte(index), byte(vector))
	}
	return b.emit(142, byte(index), byte(vector))
}

// Pop discards the top of stack.
func (b *CodeUnitBuilder) Pop() *CodeUnitBuilder {
	if b.sista() {
		return b.emit(216)
	}
	return b.emit(135)
}

// Dup duplicates the top of stack.
func (b *CodeUnitBuilder) Dup() *CodeUnitBuilder {
	if b.sista() {
		return b.emit(83)
	}
	return b.emit(136)
}

// ---------------------------------------------------------------------------
// Sends
// ---------------------------------------------------------------------------

// Send emits a literal selector send. The argument count comes from the
// selector.
func (b *CodeUnitBuilder) Send(selector *Symbol) *CodeUnitBuilder {
	n := selector.NumArgs()
	i := b.literalIndex(selector)
	if b.sista() {
		if i < 16 && n <= 2 {
			return b.emit(byte(128 + n*16 + i))
		}
		return b.extA(i>>5).extB(n>>3).emit(234, byte((i&31)<<3|n&7))
	}
	switch {
	case i < 16 && n <= 2:
		return b.emit(byte(208 + n*16 + i))
	case i < 32 && n < 8:
		return b.emit(131, byte(n<<5|i))
	case n < 32:
		return b.emit(132, byte(n), byte(i))
	}
	return b.fail("send of %s has too many arguments", selector)
}

// SuperSend emits a send looked up from the method class's superclass.
func (b *CodeUnitBuilder) SuperSend(selector *Symbol) *CodeUnitBuilder {
	n := selector.NumArgs()
	i := b.literalIndex(selector)
	if b.sista() {
		return b.extA(i>>5).extB(n>>3).emit(235, byte((i&31)<<3|n&7))
	}
	if i < 32 && n < 8 {
		return b.emit(133, byte(n<<5|i))
	}
	return b.emit(132, byte(1<<5|n), byte(i))
}

// SpecialSend emits special selector send index.
func (b *CodeUnitBuilder) SpecialSend(index int) *CodeUnitBuilder {
	if index < 0 || index >= len(SpecialSelectorNames) {
		return b.fail("special selector %d out of range", index)
	}
	if b.sista() {
		return b.emit(byte(96 + index))
	}
	return b.emit(byte(176 + index))
}

func (b *CodeUnitBuilder) extA(v int) *CodeUnitBuilder {
	if v != 0 {
		b.emit(224, byte(v))
	}
	return b
}

func (b *CodeUnitBuilder) extB(v int) *CodeUnitBuilder {
	if v != 0 {
		b.emit(225, byte(v))
	}
	return b
}

// ---------------------------------------------------------------------------
// Jumps and blocks
// ---------------------------------------------------------------------------

// Jump jumps to label.
func (b *CodeUnitBuilder) Jump(label string) *CodeUnitBuilder { return b.jump(OpJump, label) }

// JumpIfTrue pops a boolean and jumps to label when it is true.
func (b *CodeUnitBuilder) JumpIfTrue(label string) *CodeUnitBuilder {
	return b.jump(OpJumpIfTrue, label)
}

// JumpIfFalse pops a boolean and jumps to label when it is false.
func (b *CodeUnitBuilder) JumpIfFalse(label string) *CodeUnitBuilder {
	return b.jump(OpJumpIfFalse, label)
}

func (b *CodeUnitBuilder) jump(op Opcode, label string) *CodeUnitBuilder {
	b.fixups = append(b.fixups, jumpFixup{at: len(b.bytes), op: op, label: label})
	if b.sista() {
		return b.emit(225, 0, 0, 0)
	}
	return b.emit(0, 0)
}

// BeginBlock opens an inline block body pushed as a closure with numArgs
// arguments and numCopied values taken from the stack.
func (b *CodeUnitBuilder) BeginBlock(numArgs, numCopied int) *CodeUnitBuilder {
	b.blocks = append(b.blocks, len(b.bytes))
	if b.sista() {
		if numArgs > 7 || numCopied > 7 {
			return b.fail("block with %d arguments and %d copied values", numArgs, numCopied)
		}
		return b.emit(225, 0, 250, byte(numCopied<<3|numArgs), 0)
	}
	if numArgs > 15 || numCopied > 15 {
		return b.fail("block with %d arguments and %d copied values", numArgs, numCopied)
	}
	return b.emit(143, byte(numCopied<<4|numArgs), 0, 0)
}

// EndBlock closes the innermost open block body.
func (b *CodeUnitBuilder) EndBlock() *CodeUnitBuilder {
	if len(b.blocks) == 0 {
		return b.fail("EndBlock without BeginBlock")
	}
	start := b.blocks[len(b.blocks)-1]
	b.blocks = b.blocks[:len(b.blocks)-1]
	if b.sista() {
		size := len(b.bytes) - (start + 5)
		if size > 0x7FFF {
			return b.fail("block body of %d bytes too large", size)
		}
		b.bytes[start+1] = byte(size >> 8)
		b.bytes[start+4] = byte(size)
		return b
	}
	size := len(b.bytes) - (start + 4)
	if size > 0xFFFF {
		return b.fail("block body of %d bytes too large", size)
	}
	b.bytes[start+2] = byte(size >> 8)
	b.bytes[start+3] = byte(size)
	return b
}

// PushFullClosure pushes a closure over the CompiledBlock block with
// numCopied values taken from the stack. SistaV1 only.
func (b *CodeUnitBuilder) PushFullClosure(block *CodeUnit, numCopied int, receiverOnStack, ignoreOuter bool) *CodeUnitBuilder {
	if !b.sista() {
		return b.fail("full closures need SistaV1")
	}
	i := b.literalIndex(block)
	flags := byte(numCopied & 63)
	if receiverOnStack {
		flags |= 128
	}
	if ignoreOuter {
		flags |= 64
	}
	return b.extA(i>>8).emit(249, byte(i), flags)
}

// ---------------------------------------------------------------------------
// Returns
// ---------------------------------------------------------------------------

// ReturnSelf returns the receiver from the method.
func (b *CodeUnitBuilder) ReturnSelf() *CodeUnitBuilder {
	if b.sista() {
		return b.emit(88)
	}
	return b.emit(120)
}

// ReturnTop returns the top of stack from the method.
func (b *CodeUnitBuilder) ReturnTop() *CodeUnitBuilder {
	if b.sista() {
		return b.emit(92)
	}
	return b.emit(124)
}

// ReturnConstant returns true, false or nil from the method.
func (b *CodeUnitBuilder) ReturnConstant(v Value) *CodeUnitBuilder {
	base := byte(121)
	if b.sista() {
		base = 89
	}
	switch v {
	case true:
		return b.emit(base)
	case false:
		return b.emit(base + 1)
	case Nil, nil:
		return b.emit(base + 2)
	}
	return b.PushConstant(v).ReturnTop()
}

// BlockReturnTop returns the top of stack from the block.
func (b *CodeUnitBuilder) BlockReturnTop() *CodeUnitBuilder {
	if b.sista() {
		return b.emit(94)
	}
	return b.emit(125)
}

// BlockReturnNil returns nil from the block.
func (b *CodeUnitBuilder) BlockReturnNil() *CodeUnitBuilder {
	if b.sista() {
		return b.emit(93)
	}
	return b.emit(115, 125)
}

// ---------------------------------------------------------------------------
// Build
// ---------------------------------------------------------------------------

func (b *CodeUnitBuilder) patch() error {
	if len(b.blocks) != 0 {
		return fmt.Errorf("%d unclosed blocks", len(b.blocks))
	}
	for _, fx := range b.fixups {
		target, ok := b.labels[fx.label]
		if !ok {
			return fmt.Errorf("undefined label %q", fx.label)
		}
		if b.sista() {
			d := target - (fx.at + 4)
			hi := d >> 8
			if hi < -128 || hi > 127 {
				return fmt.Errorf("jump to %q out of range", fx.label)
			}
			op := map[Opcode]byte{OpJump: 237, OpJumpIfTrue: 238, OpJumpIfFalse: 239}[fx.op]
			b.bytes[fx.at+1] = byte(int8(hi))
			b.bytes[fx.at+2] = op
			b.bytes[fx.at+3] = byte(d - hi*256)
			continue
		}
		d := target - (fx.at + 2)
		hi := d >> 8
		switch fx.op {
		case OpJump:
			if hi < -4 || hi > 3 {
				return fmt.Errorf("jump to %q out of range", fx.label)
			}
			b.bytes[fx.at] = byte(164 + hi)
		case OpJumpIfTrue, OpJumpIfFalse:
			if hi < 0 || hi > 3 {
				return fmt.Errorf("conditional jump to %q out of range", fx.label)
			}
			base := 168
			if fx.op == OpJumpIfFalse {
				base = 172
			}
			b.bytes[fx.at] = byte(base + hi)
		}
		b.bytes[fx.at+1] = byte(d - hi*256)
	}
	b.fixups = nil
	return nil
}

func (b *CodeUnitBuilder) header(numLiterals int) int64 {
	large := b.largeFrame || b.numTemps > SmallFrameSize/2
	return MakeHeader(!b.sista(), b.numArgs, b.numTemps, numLiterals, b.primitive != 0, large)
}

// Build assembles a CompiledMethod.
func (b *CodeUnitBuilder) Build() (*CodeUnit, error) {
	if b.err != nil {
		return nil, b.err
	}
	if err := b.patch(); err != nil {
		return nil, err
	}
	lits := append(append([]Value(nil), b.literals...), b.trailer...)
	return NewCodeUnit(b.header(len(lits)), lits, b.bytes)
}

// BuildBlock assembles a CompiledBlock whose last literal is outer.
func (b *CodeUnitBuilder) BuildBlock(outer *CodeUnit) (*CodeUnit, error) {
	if b.err != nil {
		return nil, b.err
	}
	if err := b.patch(); err != nil {
		return nil, err
	}
	lits := append(append([]Value(nil), b.literals...), outer)
	return NewCompiledBlock(b.header(len(lits)), lits, b.bytes)
}

// MustBuild is like Build but panics on error.
func (b *CodeUnitBuilder) MustBuild() *CodeUnit {
	code, err := b.Build()
	if err != nil {
		panic(err)
	}
	return code
}
