package compiler

import (
	"fmt"
)

// InstrumentationVersion 插桩算法版本，参与产物指纹
const InstrumentationVersion = "gas-inject/1"

// rawOp 函数体中的一条原始指令
type rawOp struct {
	code Opcode
	raw  []byte
}

// instrumenter 燃料插桩器
type instrumenter struct {
	model      CostModel
	ceiling    uint64
	gasGlobal  uint32
	flagGlobal uint32
}

// Instrument 向模块注入燃料计量并返回改写后的字节码
//
// 🎯 **注入方式**
//
//	新增两个可变全局变量并以保留名导出：
//	  __gas_left      i64  剩余燃料，初始值为燃料上限
//	  __gas_exhausted i32  耗尽标志
//
// 🔧 **函数体改写**
//  1. 顺序累计直线代码的静态成本
//  2. 在每条控制流指令之前结算累计成本（含该指令本身）
//  3. 余量不足时置零燃料、设置耗尽标志并执行 unreachable
//  4. memory.grow 按申请页数动态扣费
//
// 调用方须先通过 Validate，原始代码无法访问注入的全局变量。
func Instrument(m *Module, model CostModel, ceiling uint64) ([]byte, error) {
	if ceiling > 1<<63-1 {
		return nil, fmt.Errorf("gas ceiling %d exceeds i64 range", ceiling)
	}
	in := &instrumenter{
		model:      model,
		ceiling:    ceiling,
		gasGlobal:  uint32(len(m.Globals)),
		flagGlobal: uint32(len(m.Globals)) + 1,
	}

	code, err := in.rewriteCode(m)
	if err != nil {
		return nil, err
	}
	globals, err := in.extendGlobals(m)
	if err != nil {
		return nil, err
	}
	exports, err := in.extendExports(m)
	if err != nil {
		return nil, err
	}

	replaced := map[byte][]byte{
		sectionGlobal: globals,
		sectionExport: exports,
		sectionCode:   code,
	}
	return assemble(m.sections, replaced), nil
}

// assemble 按原顺序输出各段；replaced 中的段替换原内容，缺失的段插入到正确位置
func assemble(sections []section, replaced map[byte][]byte) []byte {
	out := append([]byte(nil), wasmMagic...)
	emitted := make(map[byte]bool)

	flushBefore := func(rank int) {
		for _, id := range []byte{sectionGlobal, sectionExport} {
			if emitted[id] || sectionRank[id] >= rank {
				continue
			}
			out = appendSection(out, id, replaced[id])
			emitted[id] = true
		}
	}

	for _, s := range sections {
		if s.id != sectionCustom {
			flushBefore(sectionRank[s.id])
		}
		payload := s.payload
		if p, ok := replaced[s.id]; ok && s.id != sectionCustom {
			payload = p
			emitted[s.id] = true
		}
		out = appendSection(out, s.id, payload)
	}
	flushBefore(len(sectionRank) + 1)
	return out
}

func appendSection(dst []byte, id byte, payload []byte) []byte {
	dst = append(dst, id)
	dst = appendUleb128(dst, uint64(len(payload)))
	return append(dst, payload...)
}

// extendGlobals 在全局段末尾追加燃料全局变量
func (in *instrumenter) extendGlobals(m *Module) ([]byte, error) {
	var entries []byte
	count := uint64(0)
	if payload, ok := findSection(m.sections, sectionGlobal); ok {
		r := newReader(payload)
		n, err := r.readU32()
		if err != nil {
			return nil, err
		}
		count = uint64(n)
		entries = payload[r.pos:]
	}

	out := appendUleb128(nil, count+2)
	out = append(out, entries...)
	// __gas_left: i64 mut = ceiling
	out = append(out, valI64, 0x01, byte(OpI64Const))
	out = appendSleb128(out, int64(in.ceiling))
	out = append(out, byte(OpEnd))
	// __gas_exhausted: i32 mut = 0
	out = append(out, valI32, 0x01, byte(OpI32Const), 0x00, byte(OpEnd))
	return out, nil
}

// extendExports 导出燃料全局变量
func (in *instrumenter) extendExports(m *Module) ([]byte, error) {
	var entries []byte
	count := uint64(0)
	if payload, ok := findSection(m.sections, sectionExport); ok {
		r := newReader(payload)
		n, err := r.readU32()
		if err != nil {
			return nil, err
		}
		count = uint64(n)
		entries = payload[r.pos:]
	}

	out := appendUleb128(nil, count+2)
	out = append(out, entries...)
	for _, e := range []struct {
		name  string
		index uint32
	}{
		{GasLeftGlobal, in.gasGlobal},
		{GasExhaustedGlobal, in.flagGlobal},
	} {
		out = appendUleb128(out, uint64(len(e.name)))
		out = append(out, e.name...)
		out = append(out, externGlobal)
		out = appendUleb128(out, uint64(e.index))
	}
	return out, nil
}

func findSection(sections []section, id byte) ([]byte, bool) {
	for _, s := range sections {
		if s.id == id {
			return s.payload, true
		}
	}
	return nil, false
}

// rewriteCode 重新编码代码段
func (in *instrumenter) rewriteCode(m *Module) ([]byte, error) {
	out := appendUleb128(nil, uint64(len(m.bodies)))
	for i, body := range m.bodies {
		typeIdx := m.Functions[i]
		if int(typeIdx) >= len(m.Types) {
			return nil, fmt.Errorf("function %d: type index %d out of range", i, typeIdx)
		}
		rewritten, err := in.rewriteBody(body.raw, uint32(len(m.Types[typeIdx].Params)))
		if err != nil {
			return nil, fmt.Errorf("function %d: %w", i, err)
		}
		out = appendUleb128(out, uint64(len(rewritten)))
		out = append(out, rewritten...)
	}
	return out, nil
}

type localEntry struct {
	count uint32
	t     byte
}

func (in *instrumenter) rewriteBody(raw []byte, numParams uint32) ([]byte, error) {
	r := newReader(raw)
	var locals []localEntry
	numLocals, err := readLocals(r, func(count uint32, t byte) {
		locals = append(locals, localEntry{count: count, t: t})
	})
	if err != nil {
		return nil, err
	}

	var ops []rawOp
	needScratch := false
	for !r.eof() {
		start := r.pos
		ins, err := readInstr(r)
		if err != nil {
			return nil, err
		}
		if ins.op == OpMemoryGrow {
			needScratch = true
		}
		ops = append(ops, rawOp{code: ins.op, raw: raw[start:r.pos]})
	}
	perPage := in.model.MemoryGrowCost()
	needScratch = needScratch && perPage > 0

	// 局部变量声明
	out := make([]byte, 0, len(raw)+len(ops)*4)
	extra := 0
	if needScratch {
		extra = 2
	}
	out = appendUleb128(out, uint64(len(locals)+extra))
	for _, l := range locals {
		out = appendUleb128(out, uint64(l.count))
		out = append(out, l.t)
	}
	scratch32 := numParams + uint32(numLocals)
	scratch64 := scratch32 + 1
	if needScratch {
		out = append(out, 0x01, valI32, 0x01, valI64)
	}

	// 指令
	var acc uint64
	for _, o := range ops {
		acc += in.model.OperatorCost(o.code)
		switch {
		case isControl(o.code):
			if acc > 0 {
				out = in.appendCharge(out, acc)
				acc = 0
			}
		case o.code == OpMemoryGrow && needScratch:
			out = in.appendGrowCharge(out, perPage, scratch32, scratch64)
		}
		out = append(out, o.raw...)
	}
	if acc > 0 {
		return nil, fmt.Errorf("function body does not end with a control instruction")
	}
	return out, nil
}

// appendExhaust 置零燃料、设置耗尽标志并陷入
func (in *instrumenter) appendExhaust(out []byte) []byte {
	out = append(out, byte(OpI32Const), 0x01, byte(OpGlobalSet))
	out = appendUleb128(out, uint64(in.flagGlobal))
	out = append(out, byte(OpI64Const), 0x00, byte(OpGlobalSet))
	out = appendUleb128(out, uint64(in.gasGlobal))
	return append(out, byte(OpUnreachable))
}

// appendCharge 扣除静态成本 cost
//
//	if (gas < cost) { exhaust }
//	gas -= cost
func (in *instrumenter) appendCharge(out []byte, cost uint64) []byte {
	out = in.appendGasGet(out)
	out = append(out, byte(OpI64Const))
	out = appendSleb128(out, int64(cost))
	out = append(out, byte(OpI64LtU), byte(OpIf), blockEmpty)
	out = in.appendExhaust(out)
	out = append(out, byte(OpEnd))

	out = in.appendGasGet(out)
	out = append(out, byte(OpI64Const))
	out = appendSleb128(out, int64(cost))
	out = append(out, byte(OpI64Sub), byte(OpGlobalSet))
	return appendUleb128(out, uint64(in.gasGlobal))
}

// appendGrowCharge 按栈顶的申请页数扣费，结束时栈顶恢复为页数
func (in *instrumenter) appendGrowCharge(out []byte, perPage uint64, t32, t64 uint32) []byte {
	localOp := func(out []byte, code Opcode, idx uint32) []byte {
		out = append(out, byte(code))
		return appendUleb128(out, uint64(idx))
	}

	out = localOp(out, OpLocalSet, t32)
	out = localOp(out, OpLocalGet, t32)
	out = append(out, byte(OpI64ExtendU), byte(OpI64Const))
	out = appendSleb128(out, int64(perPage))
	out = append(out, byte(OpI64Mul))
	out = localOp(out, OpLocalSet, t64)

	out = in.appendGasGet(out)
	out = localOp(out, OpLocalGet, t64)
	out = append(out, byte(OpI64LtU), byte(OpIf), blockEmpty)
	out = in.appendExhaust(out)
	out = append(out, byte(OpEnd))

	out = in.appendGasGet(out)
	out = localOp(out, OpLocalGet, t64)
	out = append(out, byte(OpI64Sub), byte(OpGlobalSet))
	out = appendUleb128(out, uint64(in.gasGlobal))
	return localOp(out, OpLocalGet, t32)
}

func (in *instrumenter) appendGasGet(out []byte) []byte {
	out = append(out, byte(OpGlobalGet))
	return appendUleb128(out, uint64(in.gasGlobal))
}
