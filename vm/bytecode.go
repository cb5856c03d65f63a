package vm

import (
	"fmt"
	"strings"
)

// ---------------------------------------------------------------------------
// Decoded instruction set
// ---------------------------------------------------------------------------
//
// Both raw instruction sets decode into the same Instruction form. The
// dispatch loop only ever sees Opcodes from this table.

// Opcode identifies a decoded operation.
type Opcode uint8

const (
	OpUnknown Opcode = iota
	OpNop
	OpCallPrimitive // Index = primitive index

	// Pushes
	OpPushReceiverVariable // Index
	OpPushTemp             // Index
	OpPushLiteralConstant  // Index
	OpPushLiteralVariable  // Index
	OpPushConstant         // Value
	OpPushReceiver
	OpPushActiveContext
	OpPushNewArray    // Index = size, Pop = take elements from stack
	OpPushRemoteTemp  // Index = slot in vector, Index2 = temp holding vector
	OpPushClosure     // NumArgs, Index = copied count, Target = pc after body
	OpPushFullClosure // Index = literal, Index2 = copied count, Flag = receiver on stack, Flag2 = no outer context

	// Stores (Pop set for pop-into variants)
	OpStoreReceiverVariable // Index
	OpStoreTemp             // Index
	OpStoreLiteralVariable  // Index
	OpStoreRemoteTemp       // Index, Index2

	// Stack
	OpPop
	OpDup

	// Sends
	OpSend        // Index = literal, NumArgs, Selector
	OpSuperSend   // Index = literal, NumArgs, Selector
	OpSpecialSend // Index = special selector, NumArgs

	// Jumps
	OpJump        // Target
	OpJumpIfTrue  // Target
	OpJumpIfFalse // Target

	// Returns
	OpReturnReceiver
	OpReturnConstant // Value
	OpReturnTop
	OpBlockReturnTop
	OpBlockReturnConstant // Value
)

// Category groups opcodes by their effect on control flow.
type Category uint8

const (
	CategoryOther Category = iota
	CategorySend
	CategoryConditionalJump
	CategoryUnconditionalJump
	CategoryReturn
)

// OpcodeInfo holds metadata about a decoded opcode.
type OpcodeInfo struct {
	Name     string
	Category Category
}

var opcodeTable = map[Opcode]OpcodeInfo{
	OpUnknown:       {"unknown", CategoryOther},
	OpNop:           {"nop", CategoryOther},
	OpCallPrimitive: {"callPrimitive", CategoryOther},

	OpPushReceiverVariable: {"pushRcvr", CategoryOther},
	OpPushTemp:             {"pushTemp", CategoryOther},
	OpPushLiteralConstant:  {"pushConstant", CategoryOther},
	OpPushLiteralVariable:  {"pushLitVar", CategoryOther},
	OpPushConstant:         {"push", CategoryOther},
	OpPushReceiver:         {"self", CategoryOther},
	OpPushActiveContext:    {"pushThisContext", CategoryOther},
	OpPushNewArray:         {"pushNewArray", CategoryOther},
	OpPushRemoteTemp:       {"pushRemoteTemp", CategoryOther},
	OpPushClosure:          {"closure", CategoryOther},
	OpPushFullClosure:      {"pushFullClosure", CategoryOther},

	OpStoreReceiverVariable: {"storeRcvr", CategoryOther},
	OpStoreTemp:             {"storeTemp", CategoryOther},
	OpStoreLiteralVariable:  {"storeLitVar", CategoryOther},
	OpStoreRemoteTemp:       {"storeRemoteTemp", CategoryOther},

	OpPop: {"pop", CategoryOther},
	OpDup: {"dup", CategoryOther},

	OpSend:        {"send", CategorySend},
	OpSuperSend:   {"superSend", CategorySend},
	OpSpecialSend: {"send", CategorySend},

	OpJump:        {"jumpTo", CategoryUnconditionalJump},
	OpJumpIfTrue:  {"jumpTrue", CategoryConditionalJump},
	OpJumpIfFalse: {"jumpFalse", CategoryConditionalJump},

	OpReturnReceiver:      {"returnSelf", CategoryReturn},
	OpReturnConstant:      {"return", CategoryReturn},
	OpReturnTop:           {"returnTop", CategoryReturn},
	OpBlockReturnTop:      {"blockReturn", CategoryReturn},
	OpBlockReturnConstant: {"blockReturn", CategoryReturn},
}

// Info returns the metadata for an opcode.
func (op Opcode) Info() OpcodeInfo {
	if info, ok := opcodeTable[op]; ok {
		return info
	}
	return OpcodeInfo{Name: fmt.Sprintf("op%d", uint8(op))}
}

func (op Opcode) String() string { return op.Info().Name }

// ---------------------------------------------------------------------------
// Special selectors
// ---------------------------------------------------------------------------

// SpecialSelectorNames lists the 32 selectors reachable through the special
// send bytecodes, in bytecode order.
var SpecialSelectorNames = [32]string{
	"+", "-", "<", ">", "<=", ">=", "=", "~=",
	"*", "/", "\\\\", "@", "bitShift:", "//", "bitAnd:", "bitOr:",
	"at:", "at:put:", "size", "next", "nextPut:", "atEnd", "==", "class",
	"~~", "value", "value:", "do:", "new", "new:", "x", "y",
}

// SpecialSelectorArgs holds the argument count of each special selector.
var SpecialSelectorArgs = [32]int{
	1, 1, 1, 1, 1, 1, 1, 1,
	1, 1, 1, 1, 1, 1, 1, 1,
	1, 2, 0, 0, 1, 0, 1, 0,
	1, 0, 1, 1, 0, 1, 0, 0,
}

// Special selector indices the engine evaluates inline.
const (
	SpecialPlus     = 0
	SpecialMinus    = 1
	SpecialLess     = 2
	SpecialGreater  = 3
	SpecialLessEq   = 4
	SpecialGreatEq  = 5
	SpecialEqual    = 6
	SpecialNotEqual = 7
	SpecialTimes    = 8
	SpecialDivide   = 9
	SpecialMod      = 10
	SpecialBitShift = 12
	SpecialDiv      = 13
	SpecialBitAnd   = 14
	SpecialBitOr    = 15
	SpecialIdentity = 22
	SpecialClass    = 23
	SpecialNotIdent = 24
	SpecialValue    = 25
	SpecialValue1   = 26
)

// inlineSpecial reports whether a special send never activates a CodeUnit
// when its receiver and argument are immediates.
func inlineSpecial(index int) bool {
	return index <= SpecialBitOr && index != 11 ||
		index == SpecialIdentity || index == SpecialClass || index == SpecialNotIdent
}

// ---------------------------------------------------------------------------
// Instruction
// ---------------------------------------------------------------------------

// Instruction is one decoded operation at a fixed bytecode offset. PC and
// Target are zero-based offsets into the CodeUnit's bytes.
type Instruction struct {
	Op       Opcode
	PC       int
	Length   int
	Index    int
	Index2   int
	NumArgs  int
	Value    Value
	Selector *Symbol
	Target   int
	Pop      bool
	Flag     bool
	Flag2    bool

	// Checkpoint is set on backward jumps, which poll for interrupts.
	Checkpoint bool

	site *ClosureSite
}

// Category returns the control-flow category of the instruction.
func (in *Instruction) Category() Category { return in.Op.Info().Category }

// Successor is the offset of the next instruction in byte order.
func (in *Instruction) Successor() int { return in.PC + in.Length }

// Next is the offset execution continues at when the instruction does not
// branch. Closure pushes skip their inline body.
func (in *Instruction) Next() int {
	if in.Op == OpPushClosure {
		return in.Target
	}
	return in.PC + in.Length
}

// IsBackwardJump reports whether the instruction jumps to an earlier offset.
func (in *Instruction) IsBackwardJump() bool {
	return in.Op == OpJump && in.Target <= in.PC
}

func (in *Instruction) String() string {
	var b strings.Builder
	b.WriteString(in.Op.String())
	switch in.Op {
	case OpCallPrimitive:
		fmt.Fprintf(&b, ": %d", in.Index)
	case OpPushReceiverVariable, OpPushTemp, OpPushLiteralConstant, OpPushLiteralVariable:
		fmt.Fprintf(&b, ": %d", in.Index)
	case OpStoreReceiverVariable, OpStoreTemp, OpStoreLiteralVariable:
		if in.Pop {
			b.Reset()
			b.WriteString("pop" + strings.TrimPrefix(in.Op.String(), "store"))
		}
		fmt.Fprintf(&b, ": %d", in.Index)
	case OpPushRemoteTemp, OpStoreRemoteTemp:
		if in.Op == OpStoreRemoteTemp && in.Pop {
			b.Reset()
			b.WriteString("popRemoteTemp")
		}
		fmt.Fprintf(&b, ": %d inVectorAt: %d", in.Index, in.Index2)
	case OpPushConstant, OpReturnConstant, OpBlockReturnConstant:
		fmt.Fprintf(&b, ": %s", PrintString(in.Value))
	case OpPushNewArray:
		fmt.Fprintf(&b, ": %d", in.Index)
		if in.Pop {
			b.WriteString(" pop")
		}
	case OpPushClosure:
		fmt.Fprintf(&b, " numArgs: %d numCopied: %d to %d", in.NumArgs, in.Index, in.Target)
	case OpPushFullClosure:
		fmt.Fprintf(&b, ": %d numCopied: %d", in.Index, in.Index2)
	case OpSend, OpSuperSend:
		if in.Selector != nil {
			fmt.Fprintf(&b, ": %s", in.Selector.Name)
		}
	case OpSpecialSend:
		fmt.Fprintf(&b, ": %s", SpecialSelectorNames[in.Index])
	case OpJump, OpJumpIfTrue, OpJumpIfFalse:
		fmt.Fprintf(&b, ": %d", in.Target)
	}
	return b.String()
}
