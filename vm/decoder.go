package vm

import (
	"fmt"
	"strings"
)

// Decoder translates the raw bytes of a CodeUnit into Instructions. The
// header's sign flag picks the decoder.
type Decoder interface {
	Name() string
	Decode(code *CodeUnit, pc int) *Instruction
	HasStoreIntoTempAfterCallPrimitive(code *CodeUnit) bool
}

var (
	v3PlusClosures Decoder = v3Decoder{}
	sistaV1        Decoder = sistaDecoder{}
)

func decoderFor(signFlag bool) Decoder {
	if signFlag {
		return v3PlusClosures
	}
	return sistaV1
}

// V3PlusClosuresDecoder returns the decoder for non-negative headers.
func V3PlusClosuresDecoder() Decoder { return v3PlusClosures }

// SistaV1Decoder returns the decoder for negative headers.
func SistaV1Decoder() Decoder { return sistaV1 }

// operand returns the byte n positions after pc.
func operand(code *CodeUnit, pc, n int) int {
	if pc+n >= len(code.bytes) {
		internalErrorf(code, pc, "truncated instruction: operand %d past end", n)
	}
	return int(code.bytes[pc+n])
}

// sendSelector resolves a send's literal into its selector.
func sendSelector(code *CodeUnit, pc, index int) *Symbol {
	sel, ok := code.Literal(index).(*Symbol)
	if !ok {
		internalErrorf(code, pc, "send literal %d is not a symbol: %s", index, PrintString(code.Literal(index)))
	}
	return sel
}

func send(code *CodeUnit, in *Instruction, op Opcode, literal, numArgs int) *Instruction {
	in.Op = op
	in.Index = literal
	in.NumArgs = numArgs
	in.Selector = sendSelector(code, in.PC, literal)
	return in
}

func specialSend(in *Instruction, index int) *Instruction {
	in.Op = OpSpecialSend
	in.Index = index
	in.NumArgs = SpecialSelectorArgs[index]
	return in
}

func jump(in *Instruction, op Opcode, offset int) *Instruction {
	in.Op = op
	in.Target = in.PC + in.Length + offset
	return in
}

// Disassemble renders every instruction of code reachable by linear decode,
// starting at pc 0. Inline block bodies are listed in place.
func Disassemble(code *CodeUnit) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s (%s, %d args, %d temps, %d literals", code, code.decoder.Name(),
		code.NumArgs(), code.NumTemps(), code.NumLiterals())
	if code.HasPrimitive() {
		fmt.Fprintf(&b, ", primitive %d", code.PrimitiveIndex())
	}
	b.WriteString(")\n")
	for i := 0; i < code.NumLiterals(); i++ {
		fmt.Fprintf(&b, "  lit %d: %s\n", i, PrintString(code.Literal(i)))
	}
	for pc := 0; pc < len(code.bytes); {
		in := code.decoder.Decode(code, pc)
		fmt.Fprintf(&b, "  %4d <%s> %s\n", code.InitialPC()+pc, hexBytes(code.bytes[pc:pc+in.Length]), in)
		pc += in.Length
	}
	return b.String()
}

func hexBytes(bs []byte) string {
	parts := make([]string, len(bs))
	for i, x := range bs {
		parts[i] = fmt.Sprintf("%02X", x)
	}
	return strings.Join(parts, " ")
}
