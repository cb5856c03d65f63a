package vm

// v3Decoder decodes the V3PlusClosures instruction set.
type v3Decoder struct{}

func (v3Decoder) Name() string { return "V3PlusClosures" }

func (v3Decoder) HasStoreIntoTempAfterCallPrimitive(code *CodeUnit) bool {
	b := code.bytes
	return len(b) > 4 && b[0] == 139 && b[3] == 129 && b[4]>>6 == 1
}

func (v3Decoder) Decode(code *CodeUnit, pc int) *Instruction {
	if pc < 0 || pc >= len(code.bytes) {
		internalErrorf(code, pc, "pc out of range [0, %d)", len(code.bytes))
	}
	b := int(code.bytes[pc])
	in := &Instruction{PC: pc, Length: 1}
	switch {
	case b <= 15:
		in.Op, in.Index = OpPushReceiverVariable, b&15
	case b <= 31:
		in.Op, in.Index = OpPushTemp, b&15
	case b <= 63:
		in.Op, in.Index = OpPushLiteralConstant, b&31
	case b <= 95:
		in.Op, in.Index = OpPushLiteralVariable, b&31
	case b <= 103:
		in.Op, in.Index, in.Pop = OpStoreReceiverVariable, b&7, true
	case b <= 111:
		in.Op, in.Index, in.Pop = OpStoreTemp, b&7, true
	case b == 112:
		in.Op = OpPushReceiver
	case b <= 119:
		in.Op = OpPushConstant
		in.Value = [...]Value{true, false, Nil, int64(-1), int64(0), int64(1), int64(2)}[b-113]
	case b == 120:
		in.Op = OpReturnReceiver
	case b <= 123:
		in.Op = OpReturnConstant
		in.Value = [...]Value{true, false, Nil}[b-121]
	case b == 124:
		in.Op = OpReturnTop
	case b == 125:
		in.Op = OpBlockReturnTop
	case b <= 127:
		in.Op = OpUnknown
	case b <= 143:
		return decodeV3Extended(code, in, b)
	case b <= 151:
		return jump(in, OpJump, b&7+1)
	case b <= 159:
		return jump(in, OpJumpIfFalse, b&7+1)
	case b <= 167:
		in.Length = 2
		return jump(in, OpJump, (b&7-4)*256+operand(code, pc, 1))
	case b <= 171:
		in.Length = 2
		return jump(in, OpJumpIfTrue, (b&3)*256+operand(code, pc, 1))
	case b <= 175:
		in.Length = 2
		return jump(in, OpJumpIfFalse, (b&3)*256+operand(code, pc, 1))
	case b <= 207:
		return specialSend(in, b-176)
	case b <= 223:
		return send(code, in, OpSend, b&15, 0)
	case b <= 239:
		return send(code, in, OpSend, b&15, 1)
	default:
		return send(code, in, OpSend, b&15, 2)
	}
	return in
}

func decodeV3Extended(code *CodeUnit, in *Instruction, b int) *Instruction {
	pc := in.PC
	switch b {
	case 128, 129, 130:
		in.Length = 2
		b1 := operand(code, pc, 1)
		kind, index := b1>>6, b1&63
		in.Index = index
		if b == 128 {
			in.Op = [...]Opcode{OpPushReceiverVariable, OpPushTemp, OpPushLiteralConstant, OpPushLiteralVariable}[kind]
			return in
		}
		in.Op = [...]Opcode{OpStoreReceiverVariable, OpStoreTemp, OpUnknown, OpStoreLiteralVariable}[kind]
		in.Pop = b == 130
	case 131:
		in.Length = 2
		b1 := operand(code, pc, 1)
		return send(code, in, OpSend, b1&31, b1>>5)
	case 132:
		in.Length = 3
		b1, b2 := operand(code, pc, 1), operand(code, pc, 2)
		switch b1 >> 5 {
		case 0:
			return send(code, in, OpSend, b2, b1&31)
		case 1:
			return send(code, in, OpSuperSend, b2, b1&31)
		case 2:
			in.Op, in.Index = OpPushReceiverVariable, b2
		case 3:
			in.Op, in.Index = OpPushLiteralConstant, b2
		case 4:
			in.Op, in.Index = OpPushLiteralVariable, b2
		case 5:
			in.Op, in.Index = OpStoreReceiverVariable, b2
		case 6:
			in.Op, in.Index, in.Pop = OpStoreReceiverVariable, b2, true
		case 7:
			in.Op, in.Index = OpStoreLiteralVariable, b2
		}
	case 133:
		in.Length = 2
		b1 := operand(code, pc, 1)
		return send(code, in, OpSuperSend, b1&31, b1>>5)
	case 134:
		in.Length = 2
		b1 := operand(code, pc, 1)
		return send(code, in, OpSend, b1&63, b1>>6)
	case 135:
		in.Op = OpPop
	case 136:
		in.Op = OpDup
	case 137:
		in.Op = OpPushActiveContext
	case 138:
		in.Length = 2
		b1 := operand(code, pc, 1)
		in.Op, in.Index, in.Pop = OpPushNewArray, b1&127, b1 > 127
	case 139:
		in.Length = 3
		in.Op = OpCallPrimitive
		in.Index = operand(code, pc, 1) | operand(code, pc, 2)<<8
	case 140, 141, 142:
		in.Length = 3
		in.Index, in.Index2 = operand(code, pc, 1), operand(code, pc, 2)
		if b == 140 {
			in.Op = OpPushRemoteTemp
		} else {
			in.Op, in.Pop = OpStoreRemoteTemp, b == 142
		}
	case 143:
		in.Length = 4
		b1 := operand(code, pc, 1)
		blockSize := operand(code, pc, 2)<<8 | operand(code, pc, 3)
		in.Op = OpPushClosure
		in.NumArgs = b1 & 15
		in.Index = b1 >> 4
		in.Target = pc + 4 + blockSize
	}
	return in
}
