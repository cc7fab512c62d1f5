package compiler

import "fmt"

// Opcode 指令编码；0xFC 前缀指令编码为 0xFC00|子操作码
type Opcode uint16

// 控制流与基本指令
const (
	OpUnreachable  Opcode = 0x00
	OpNop          Opcode = 0x01
	OpBlock        Opcode = 0x02
	OpLoop         Opcode = 0x03
	OpIf           Opcode = 0x04
	OpElse         Opcode = 0x05
	OpEnd          Opcode = 0x0B
	OpBr           Opcode = 0x0C
	OpBrIf         Opcode = 0x0D
	OpBrTable      Opcode = 0x0E
	OpReturn       Opcode = 0x0F
	OpCall         Opcode = 0x10
	OpCallIndirect Opcode = 0x11
	OpDrop         Opcode = 0x1A
	OpSelect       Opcode = 0x1B
	OpSelectTyped  Opcode = 0x1C
	OpLocalGet     Opcode = 0x20
	OpLocalSet     Opcode = 0x21
	OpLocalTee     Opcode = 0x22
	OpGlobalGet    Opcode = 0x23
	OpGlobalSet    Opcode = 0x24
	OpI32Load      Opcode = 0x28
	OpI64Store32   Opcode = 0x3E
	OpMemorySize   Opcode = 0x3F
	OpMemoryGrow   Opcode = 0x40
	OpI32Const     Opcode = 0x41
	OpI64Const     Opcode = 0x42
	OpF32Const     Opcode = 0x43
	OpF64Const     Opcode = 0x44
	OpI32Eqz       Opcode = 0x45
	OpI64LtU       Opcode = 0x54
	OpI32DivS      Opcode = 0x6D
	OpI32DivU      Opcode = 0x6E
	OpI32RemS      Opcode = 0x6F
	OpI32RemU      Opcode = 0x70
	OpI64Sub       Opcode = 0x7D
	OpI64Mul       Opcode = 0x7E
	OpI64DivS      Opcode = 0x7F
	OpI64DivU      Opcode = 0x80
	OpI64RemS      Opcode = 0x81
	OpI64RemU      Opcode = 0x82
	OpI64ExtendU   Opcode = 0xAD
	OpI64Extend32S Opcode = 0xC4

	// 前缀
	prefixMisc    byte = 0xFC
	prefixSIMD    byte = 0xFD
	prefixThreads byte = 0xFE
)

// 0xFC 前缀指令
const (
	OpMemoryInit Opcode = 0xFC08
	OpDataDrop   Opcode = 0xFC09
	OpMemoryCopy Opcode = 0xFC0A
	OpMemoryFill Opcode = 0xFC0B
)

// 值类型
const (
	valI32       byte = 0x7F
	valI64       byte = 0x7E
	valF32       byte = 0x7D
	valF64       byte = 0x7C
	valV128      byte = 0x7B
	valFuncref   byte = 0x70
	valExternref byte = 0x6F
	blockEmpty   byte = 0x40
)

func (op Opcode) String() string {
	if op>>8 == Opcode(prefixMisc) {
		return fmt.Sprintf("0xfc %d", op&0xff)
	}
	return fmt.Sprintf("0x%02x", uint16(op))
}

// isControl 可能改变控制流的指令，在其之前结算累计成本
func isControl(op Opcode) bool {
	switch op {
	case OpUnreachable, OpBlock, OpLoop, OpIf, OpElse, OpEnd,
		OpBr, OpBrIf, OpBrTable, OpReturn, OpCall, OpCallIndirect:
		return true
	}
	return false
}

// isFloatOp 浮点指令（非确定性的 NaN 位模式），一律拒绝
func isFloatOp(op Opcode) bool {
	switch {
	case op == 0x2A || op == 0x2B || op == 0x38 || op == 0x39: // f32/f64 load/store
		return true
	case op == OpF32Const || op == OpF64Const:
		return true
	case op >= 0x5B && op <= 0x66: // f32/f64 比较
		return true
	case op >= 0x8B && op <= 0xA6: // f32/f64 算术
		return true
	case op >= 0xA8 && op <= 0xAB: // i32.trunc_f*
		return true
	case op >= 0xAE && op <= 0xBF: // i64.trunc_f*、转换、reinterpret
		return true
	case op >= 0xFC00 && op <= 0xFC07: // trunc_sat
		return true
	}
	return false
}

func isNumericValType(t byte) bool {
	return t == valI32 || t == valI64
}

func valTypeName(t byte) string {
	switch t {
	case valI32:
		return "i32"
	case valI64:
		return "i64"
	case valF32:
		return "f32"
	case valF64:
		return "f64"
	case valV128:
		return "v128"
	case valFuncref:
		return "funcref"
	case valExternref:
		return "externref"
	}
	return fmt.Sprintf("type(0x%02x)", t)
}

// instr 已解码的指令（只保留改写与校验需要的立即数）
type instr struct {
	op    Opcode
	index uint32 // local/global 索引
}

// readBlockType 读取块类型：空、单值类型或 s33 类型索引
func readBlockType(r *reader) error {
	b, err := r.peekByte()
	if err != nil {
		return err
	}
	switch b {
	case blockEmpty, valI32, valI64:
		r.pos++
		return nil
	case valF32, valF64, valV128, valFuncref, valExternref:
		return fmt.Errorf("block type %s not allowed", valTypeName(b))
	}
	idx, err := r.readVarInt(33)
	if err != nil {
		return err
	}
	if idx < 0 {
		return fmt.Errorf("invalid block type %d", idx)
	}
	return nil
}

func readMemArg(r *reader) error {
	if _, err := r.readU32(); err != nil { // align
		return err
	}
	_, err := r.readU32() // offset
	return err
}

func expectZeroByte(r *reader) error {
	b, err := r.readByte()
	if err != nil {
		return err
	}
	if b != 0 {
		return fmt.Errorf("expected memory index 0, got %d", b)
	}
	return nil
}

// readInstr 读取一条指令及其立即数
//
// 不允许的指令（浮点、SIMD、线程、引用类型、尾调用、表操作）返回 ErrDisallowed 包装的错误。
func readInstr(r *reader) (instr, error) {
	b, err := r.readByte()
	if err != nil {
		return instr{}, err
	}
	op := Opcode(b)
	in := instr{op: op}

	switch {
	case op == OpUnreachable, op == OpNop, op == OpElse, op == OpEnd,
		op == OpReturn, op == OpDrop, op == OpSelect:
		return in, nil

	case op == OpBlock, op == OpLoop, op == OpIf:
		return in, readBlockType(r)

	case op == OpBr, op == OpBrIf, op == OpCall:
		_, err = r.readU32()
		return in, err

	case op == OpBrTable:
		n, err := r.readU32()
		if err != nil {
			return in, err
		}
		for i := uint32(0); i <= n; i++ { // n 个目标 + 默认目标
			if _, err := r.readU32(); err != nil {
				return in, err
			}
		}
		return in, nil

	case op == OpCallIndirect:
		if _, err := r.readU32(); err != nil { // type index
			return in, err
		}
		_, err = r.readU32() // table index
		return in, err

	case op == OpSelectTyped:
		n, err := r.readU32()
		if err != nil {
			return in, err
		}
		for i := uint32(0); i < n; i++ {
			t, err := r.readByte()
			if err != nil {
				return in, err
			}
			if !isNumericValType(t) {
				return in, disallowed("select with %s operand", valTypeName(t))
			}
		}
		return in, nil

	case op >= OpLocalGet && op <= OpGlobalSet:
		in.index, err = r.readU32()
		return in, err

	case op >= OpI32Load && op <= OpI64Store32:
		if isFloatOp(in.op) {
			return in, disallowed("floating point instruction %s", in.op)
		}
		return in, readMemArg(r)

	case op == OpMemorySize, op == OpMemoryGrow:
		return in, expectZeroByte(r)

	case op == OpI32Const:
		_, err = r.readVarInt(32)
		return in, err

	case op == OpI64Const:
		_, err = r.readVarInt(64)
		return in, err

	case op >= OpI32Eqz && op <= OpI64Extend32S:
		if isFloatOp(in.op) {
			return in, disallowed("floating point instruction %s", in.op)
		}
		return in, nil

	case b == prefixMisc:
		sub, err := r.readU32()
		if err != nil {
			return in, err
		}
		if sub > 0xff {
			return in, fmt.Errorf("unknown 0xfc instruction %d", sub)
		}
		in.op = Opcode(0xFC00 | sub)
		switch in.op {
		case OpMemoryInit:
			if _, err := r.readU32(); err != nil {
				return in, err
			}
			return in, expectZeroByte(r)
		case OpDataDrop:
			_, err = r.readU32()
			return in, err
		case OpMemoryCopy:
			if err := expectZeroByte(r); err != nil {
				return in, err
			}
			return in, expectZeroByte(r)
		case OpMemoryFill:
			return in, expectZeroByte(r)
		}
		if isFloatOp(in.op) {
			return in, disallowed("floating point instruction %s", in.op)
		}
		if in.op >= 0xFC0C && in.op <= 0xFC11 {
			return in, disallowed("table instruction %s", in.op)
		}
		return in, fmt.Errorf("unknown instruction %s", in.op)

	case b == prefixSIMD:
		return in, disallowed("SIMD instruction")

	case b == prefixThreads:
		return in, disallowed("threads instruction")

	case op == OpF32Const, op == OpF64Const:
		return in, disallowed("floating point instruction %s", in.op)

	case b == 0x12 || b == 0x13:
		return in, disallowed("tail call instruction %s", in.op)

	case b == 0x25 || b == 0x26 || (b >= 0xD0 && b <= 0xD2):
		return in, disallowed("reference type instruction %s", in.op)
	}

	return in, fmt.Errorf("unknown instruction 0x%02x", b)
}
