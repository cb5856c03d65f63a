package vm

// sistaDecoder decodes the SistaV1 instruction set. Extension prefixes
// (224 extA, 225 extB) are folded into the instruction that follows them.
type sistaDecoder struct{}

func (sistaDecoder) Name() string { return "SistaV1" }

func (sistaDecoder) HasStoreIntoTempAfterCallPrimitive(code *CodeUnit) bool {
	b := code.bytes
	return len(b) > 4 && b[0] == 248 && b[3] == 245
}

func (sistaDecoder) Decode(code *CodeUnit, start int) *Instruction {
	if start < 0 || start >= len(code.bytes) {
		internalErrorf(code, start, "pc out of range [0, %d)", len(code.bytes))
	}
	pc, extA, extB := start, 0, 0
	for pc < len(code.bytes) {
		b := code.bytes[pc]
		if b != 224 && b != 225 {
			break
		}
		o := operand(code, pc, 1)
		if b == 224 {
			extA = extA<<8 + o
		} else if extB == 0 && o > 127 {
			extB = o - 256
		} else {
			extB = extB<<8 + o
		}
		pc += 2
	}
	if pc >= len(code.bytes) {
		internalErrorf(code, start, "extension prefix without instruction")
	}
	b := int(code.bytes[pc])
	in := &Instruction{PC: start, Length: pc - start + 1}
	switch {
	case b <= 15:
		in.Op, in.Index = OpPushReceiverVariable, b&15
	case b <= 31:
		in.Op, in.Index = OpPushLiteralVariable, b&15
	case b <= 63:
		in.Op, in.Index = OpPushLiteralConstant, b&31
	case b <= 75:
		in.Op, in.Index = OpPushTemp, b-64
	case b == 76:
		in.Op = OpPushReceiver
	case b <= 81:
		in.Op = OpPushConstant
		in.Value = [...]Value{true, false, Nil, int64(0), int64(1)}[b-77]
	case b == 82:
		in.Op = OpPushActiveContext
	case b == 83:
		in.Op = OpDup
	case b <= 87:
		in.Op = OpUnknown
	case b == 88:
		in.Op = OpReturnReceiver
	case b <= 91:
		in.Op = OpReturnConstant
		in.Value = [...]Value{true, false, Nil}[b-89]
	case b == 92:
		in.Op = OpReturnTop
	case b == 93:
		in.Op, in.Value = OpBlockReturnConstant, Nil
	case b == 94:
		in.Op = OpBlockReturnTop
	case b == 95:
		in.Op = OpNop
	case b <= 127:
		return specialSend(in, b-96)
	case b <= 143:
		return send(code, in, OpSend, b&15, 0)
	case b <= 159:
		return send(code, in, OpSend, b&15, 1)
	case b <= 175:
		return send(code, in, OpSend, b&15, 2)
	case b <= 183:
		return jump(in, OpJump, b&7+1)
	case b <= 191:
		return jump(in, OpJumpIfTrue, b&7+1)
	case b <= 199:
		return jump(in, OpJumpIfFalse, b&7+1)
	case b <= 207:
		in.Op, in.Index, in.Pop = OpStoreReceiverVariable, b&7, true
	case b <= 215:
		in.Op, in.Index, in.Pop = OpStoreTemp, b&7, true
	case b == 216:
		in.Op = OpPop
	case b <= 223:
		in.Op = OpUnknown
	case b <= 247:
		in.Length++
		return decodeSistaTwoByte(code, in, pc, b, extA, extB)
	default:
		in.Length += 2
		return decodeSistaThreeByte(code, in, pc, b, extA, extB)
	}
	return in
}

func decodeSistaTwoByte(code *CodeUnit, in *Instruction, pc, b, extA, extB int) *Instruction {
	b1 := operand(code, pc, 1)
	switch b {
	case 226:
		in.Op, in.Index = OpPushReceiverVariable, b1+extA*256
	case 227:
		in.Op, in.Index = OpPushLiteralVariable, b1+extA*256
	case 228:
		in.Op, in.Index = OpPushLiteralConstant, b1+extA*256
	case 229:
		in.Op, in.Index = OpPushTemp, b1
	case 231:
		in.Op, in.Index, in.Pop = OpPushNewArray, b1&127, b1 > 127
	case 232:
		in.Op, in.Value = OpPushConstant, int64(b1+extB*256)
	case 233:
		in.Op, in.Value = OpPushConstant, Character(b1+extA*256)
	case 234:
		return send(code, in, OpSend, b1>>3+extA*32, b1&7+extB*8)
	case 235:
		directed := extB >= 64
		if directed {
			extB -= 64
		}
		send(code, in, OpSuperSend, b1>>3+extA*32, b1&7+extB*8)
		in.Flag = directed
		return in
	case 237:
		return jump(in, OpJump, b1+extB*256)
	case 238:
		return jump(in, OpJumpIfTrue, b1+extB*256)
	case 239:
		return jump(in, OpJumpIfFalse, b1+extB*256)
	case 240, 243:
		in.Op, in.Index, in.Pop = OpStoreReceiverVariable, b1+extA*256, b == 240
	case 241, 244:
		in.Op, in.Index, in.Pop = OpStoreLiteralVariable, b1+extA*256, b == 241
	case 242, 245:
		in.Op, in.Index, in.Pop = OpStoreTemp, b1, b == 242
	default:
		in.Op = OpUnknown
	}
	return in
}

func decodeSistaThreeByte(code *CodeUnit, in *Instruction, pc, b, extA, extB int) *Instruction {
	b1, b2 := operand(code, pc, 1), operand(code, pc, 2)
	switch b {
	case 248:
		in.Op, in.Index = OpCallPrimitive, b1|b2<<8
	case 249:
		in.Op = OpPushFullClosure
		in.Index = b1 + extA*256
		in.Index2 = b2 & 63
		in.Flag = b2&128 != 0
		in.Flag2 = b2&64 != 0
	case 250:
		in.Op = OpPushClosure
		in.NumArgs = b1&7 + extA%16*8
		in.Index = b1>>3&7 + extA/16*8
		in.Target = in.PC + in.Length + b2 + extB*256
	case 251:
		in.Op, in.Index, in.Index2 = OpPushRemoteTemp, b1, b2
	case 252, 253:
		in.Op, in.Index, in.Index2, in.Pop = OpStoreRemoteTemp, b1, b2, b == 253
	default:
		in.Op = OpUnknown
	}
	return in
}
