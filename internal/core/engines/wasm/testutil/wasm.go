// Package testutil 提供 WASM 引擎测试用的字节码构造器、示例合约与模拟能力
package testutil

import (
	"fmt"
)

// ValType 值类型
type ValType byte

const (
	I32 ValType = 0x7F
	I64 ValType = 0x7E
	F32 ValType = 0x7D
	F64 ValType = 0x7C
)

// ==================== 模块构造器 ====================

type funcSig struct {
	params  []ValType
	results []ValType
}

type importEntry struct {
	module, name string
	typeIdx      uint32
	kind         byte
}

type exportEntry struct {
	name  string
	kind  byte
	index uint32
}

type globalEntry struct {
	t       ValType
	mutable bool
	init    int64
}

type dataSegment struct {
	offset uint32
	data   []byte
}

type customSection struct {
	name string
	data []byte
}

// Builder WASM 二进制构造器
//
// 导入函数必须在定义函数之前添加，函数索引按 导入 → 定义 的顺序分配。
type Builder struct {
	types   []funcSig
	imports []importEntry
	funcs   []*Func
	globals []globalEntry
	exports []exportEntry
	data    []dataSegment
	customs []customSection
	memory  *[2]uint32
	hasMax  bool
	start   *uint32
}

// NewBuilder 创建构造器
func NewBuilder() *Builder {
	return &Builder{}
}

func (b *Builder) typeIndex(params, results []ValType) uint32 {
	for i, t := range b.types {
		if equalTypes(t.params, params) && equalTypes(t.results, results) {
			return uint32(i)
		}
	}
	b.types = append(b.types, funcSig{params: params, results: results})
	return uint32(len(b.types) - 1)
}

func equalTypes(a, b []ValType) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func (b *Builder) numImportedFuncs() uint32 {
	n := uint32(0)
	for _, imp := range b.imports {
		if imp.kind == 0x00 {
			n++
		}
	}
	return n
}

// ImportFunc 导入函数并返回函数索引
func (b *Builder) ImportFunc(module, name string, params, results []ValType) uint32 {
	if len(b.funcs) > 0 {
		panic("testutil: imports must be added before functions")
	}
	idx := b.numImportedFuncs()
	b.imports = append(b.imports, importEntry{module: module, name: name, typeIdx: b.typeIndex(params, results)})
	return idx
}

// ImportMemory 导入内存（用于构造被拒绝的模块）
func (b *Builder) ImportMemory(module, name string) {
	b.imports = append(b.imports, importEntry{module: module, name: name, kind: 0x02})
}

// Memory 定义内存
func (b *Builder) Memory(minPages uint32) *Builder {
	b.memory = &[2]uint32{minPages, 0}
	b.hasMax = false
	return b
}

// MemoryWithMax 定义带上限的内存
func (b *Builder) MemoryWithMax(minPages, maxPages uint32) *Builder {
	b.memory = &[2]uint32{minPages, maxPages}
	b.hasMax = true
	return b
}

// Global 定义全局变量并返回索引
func (b *Builder) Global(t ValType, mutable bool, init int64) uint32 {
	b.globals = append(b.globals, globalEntry{t: t, mutable: mutable, init: init})
	return uint32(len(b.globals) - 1)
}

// Func 定义函数
func (b *Builder) Func(params, results []ValType) *Func {
	f := &Func{
		index:     b.numImportedFuncs() + uint32(len(b.funcs)),
		typeIdx:   b.typeIndex(params, results),
		numParams: uint32(len(params)),
	}
	b.funcs = append(b.funcs, f)
	return f
}

// Export 导出函数
func (b *Builder) Export(name string, f *Func) *Builder {
	return b.ExportFunc(name, f.index)
}

// ExportFunc 按索引导出函数
func (b *Builder) ExportFunc(name string, index uint32) *Builder {
	b.exports = append(b.exports, exportEntry{name: name, kind: 0x00, index: index})
	return b
}

// ExportMemory 导出内存
func (b *Builder) ExportMemory(name string) *Builder {
	b.exports = append(b.exports, exportEntry{name: name, kind: 0x02})
	return b
}

// ExportGlobal 导出全局变量
func (b *Builder) ExportGlobal(name string, index uint32) *Builder {
	b.exports = append(b.exports, exportEntry{name: name, kind: 0x03, index: index})
	return b
}

// Data 添加数据段
func (b *Builder) Data(offset uint32, data []byte) *Builder {
	b.data = append(b.data, dataSegment{offset: offset, data: data})
	return b
}

// Custom 添加自定义段
func (b *Builder) Custom(name string, data []byte) *Builder {
	b.customs = append(b.customs, customSection{name: name, data: data})
	return b
}

// Start 设置 start 函数
func (b *Builder) Start(f *Func) *Builder {
	idx := f.index
	b.start = &idx
	return b
}

// Bytes 输出二进制
func (b *Builder) Bytes() []byte {
	out := []byte{0x00, 0x61, 0x73, 0x6D, 0x01, 0x00, 0x00, 0x00}

	for _, c := range b.customs {
		var p []byte
		p = appendName(p, c.name)
		p = append(p, c.data...)
		out = appendSection(out, 0, p)
	}

	if len(b.types) > 0 {
		p := uleb(nil, uint64(len(b.types)))
		for _, t := range b.types {
			p = append(p, 0x60)
			p = appendValTypes(p, t.params)
			p = appendValTypes(p, t.results)
		}
		out = appendSection(out, 1, p)
	}

	if len(b.imports) > 0 {
		p := uleb(nil, uint64(len(b.imports)))
		for _, imp := range b.imports {
			p = appendName(p, imp.module)
			p = appendName(p, imp.name)
			p = append(p, imp.kind)
			switch imp.kind {
			case 0x00:
				p = uleb(p, uint64(imp.typeIdx))
			case 0x02:
				p = append(p, 0x00, 0x01)
			}
		}
		out = appendSection(out, 2, p)
	}

	if len(b.funcs) > 0 {
		p := uleb(nil, uint64(len(b.funcs)))
		for _, f := range b.funcs {
			p = uleb(p, uint64(f.typeIdx))
		}
		out = appendSection(out, 3, p)
	}

	if b.memory != nil {
		p := []byte{0x01}
		if b.hasMax {
			p = append(p, 0x01)
			p = uleb(p, uint64(b.memory[0]))
			p = uleb(p, uint64(b.memory[1]))
		} else {
			p = append(p, 0x00)
			p = uleb(p, uint64(b.memory[0]))
		}
		out = appendSection(out, 5, p)
	}

	if len(b.globals) > 0 {
		p := uleb(nil, uint64(len(b.globals)))
		for _, g := range b.globals {
			mut := byte(0)
			if g.mutable {
				mut = 1
			}
			p = append(p, byte(g.t), mut)
			if g.t == I64 {
				p = append(p, 0x42)
			} else {
				p = append(p, 0x41)
			}
			p = sleb(p, g.init)
			p = append(p, 0x0B)
		}
		out = appendSection(out, 6, p)
	}

	if len(b.exports) > 0 {
		p := uleb(nil, uint64(len(b.exports)))
		for _, e := range b.exports {
			p = appendName(p, e.name)
			p = append(p, e.kind)
			p = uleb(p, uint64(e.index))
		}
		out = appendSection(out, 7, p)
	}

	if b.start != nil {
		out = appendSection(out, 8, uleb(nil, uint64(*b.start)))
	}

	if len(b.funcs) > 0 {
		p := uleb(nil, uint64(len(b.funcs)))
		for _, f := range b.funcs {
			body := f.encode()
			p = uleb(p, uint64(len(body)))
			p = append(p, body...)
		}
		out = appendSection(out, 10, p)
	}

	if len(b.data) > 0 {
		p := uleb(nil, uint64(len(b.data)))
		for _, d := range b.data {
			p = append(p, 0x00, 0x41)
			p = sleb(p, int64(int32(d.offset)))
			p = append(p, 0x0B)
			p = uleb(p, uint64(len(d.data)))
			p = append(p, d.data...)
		}
		out = appendSection(out, 11, p)
	}
	return out
}

func appendSection(dst []byte, id byte, payload []byte) []byte {
	dst = append(dst, id)
	dst = uleb(dst, uint64(len(payload)))
	return append(dst, payload...)
}

func appendName(dst []byte, name string) []byte {
	dst = uleb(dst, uint64(len(name)))
	return append(dst, name...)
}

func appendValTypes(dst []byte, ts []ValType) []byte {
	dst = uleb(dst, uint64(len(ts)))
	for _, t := range ts {
		dst = append(dst, byte(t))
	}
	return dst
}

func uleb(dst []byte, v uint64) []byte {
	for {
		c := byte(v & 0x7f)
		v >>= 7
		if v == 0 {
			return append(dst, c)
		}
		dst = append(dst, c|0x80)
	}
}

func sleb(dst []byte, v int64) []byte {
	for {
		c := byte(v & 0x7f)
		v >>= 7
		if (v == 0 && c&0x40 == 0) || (v == -1 && c&0x40 != 0) {
			return append(dst, c)
		}
		dst = append(dst, c|0x80)
	}
}

// ==================== 函数体汇编 ====================

// Func 函数体汇编器，方法均返回自身以便链式书写
type Func struct {
	index     uint32
	typeIdx   uint32
	numParams uint32
	locals    []ValType
	code      []byte
	depth     int
}

// Index 函数索引
func (f *Func) Index() uint32 { return f.index }

// Local 声明局部变量并返回索引
func (f *Func) Local(t ValType) uint32 {
	f.locals = append(f.locals, t)
	return f.numParams + uint32(len(f.locals)-1)
}

func (f *Func) encode() []byte {
	if f.depth != 0 {
		panic(fmt.Sprintf("testutil: function %d has %d unclosed blocks", f.index, f.depth))
	}
	var out []byte
	out = uleb(out, uint64(len(f.locals)))
	for _, t := range f.locals {
		out = append(out, 0x01, byte(t))
	}
	out = append(out, f.code...)
	return append(out, 0x0B)
}

// Raw 追加原始字节
func (f *Func) Raw(b ...byte) *Func {
	f.code = append(f.code, b...)
	return f
}

func (f *Func) idx(op byte, i uint32) *Func {
	f.code = append(f.code, op)
	f.code = uleb(f.code, uint64(i))
	return f
}

func (f *Func) mem(op byte, offset uint32) *Func {
	f.code = append(f.code, op, 0x00)
	f.code = uleb(f.code, uint64(offset))
	return f
}

// 控制流
func (f *Func) Unreachable() *Func       { return f.Raw(0x00) }
func (f *Func) Nop() *Func               { return f.Raw(0x01) }
func (f *Func) Block() *Func             { f.depth++; return f.Raw(0x02, 0x40) }
func (f *Func) Loop() *Func              { f.depth++; return f.Raw(0x03, 0x40) }
func (f *Func) If() *Func                { f.depth++; return f.Raw(0x04, 0x40) }
func (f *Func) IfI32() *Func             { f.depth++; return f.Raw(0x04, byte(I32)) }
func (f *Func) Else() *Func              { return f.Raw(0x05) }
func (f *Func) End() *Func               { f.depth--; return f.Raw(0x0B) }
func (f *Func) Br(d uint32) *Func        { return f.idx(0x0C, d) }
func (f *Func) BrIf(d uint32) *Func      { return f.idx(0x0D, d) }
func (f *Func) Return() *Func            { return f.Raw(0x0F) }
func (f *Func) Call(fn uint32) *Func     { return f.idx(0x10, fn) }
func (f *Func) Drop() *Func              { return f.Raw(0x1A) }
func (f *Func) Select() *Func            { return f.Raw(0x1B) }
func (f *Func) LocalGet(i uint32) *Func  { return f.idx(0x20, i) }
func (f *Func) LocalSet(i uint32) *Func  { return f.idx(0x21, i) }
func (f *Func) LocalTee(i uint32) *Func  { return f.idx(0x22, i) }
func (f *Func) GlobalGet(i uint32) *Func { return f.idx(0x23, i) }
func (f *Func) GlobalSet(i uint32) *Func { return f.idx(0x24, i) }

// 内存
func (f *Func) I32Load(off uint32) *Func   { return f.mem(0x28, off) }
func (f *Func) I64Load(off uint32) *Func   { return f.mem(0x29, off) }
func (f *Func) I32Load8U(off uint32) *Func { return f.mem(0x2D, off) }
func (f *Func) I32Store(off uint32) *Func  { return f.mem(0x36, off) }
func (f *Func) I64Store(off uint32) *Func  { return f.mem(0x37, off) }
func (f *Func) I32Store8(off uint32) *Func { return f.mem(0x3A, off) }
func (f *Func) MemorySize() *Func          { return f.Raw(0x3F, 0x00) }
func (f *Func) MemoryGrow() *Func          { return f.Raw(0x40, 0x00) }
func (f *Func) MemoryCopy() *Func          { return f.Raw(0xFC, 0x0A, 0x00, 0x00) }
func (f *Func) MemoryFill() *Func          { return f.Raw(0xFC, 0x0B, 0x00) }

// 常量
func (f *Func) I32Const(v int32) *Func {
	f.code = append(f.code, 0x41)
	f.code = sleb(f.code, int64(v))
	return f
}

func (f *Func) I64Const(v int64) *Func {
	f.code = append(f.code, 0x42)
	f.code = sleb(f.code, v)
	return f
}

// i32 运算
func (f *Func) I32Eqz() *Func  { return f.Raw(0x45) }
func (f *Func) I32Eq() *Func   { return f.Raw(0x46) }
func (f *Func) I32Ne() *Func   { return f.Raw(0x47) }
func (f *Func) I32LtS() *Func  { return f.Raw(0x48) }
func (f *Func) I32LtU() *Func  { return f.Raw(0x49) }
func (f *Func) I32GtU() *Func  { return f.Raw(0x4B) }
func (f *Func) I32LeU() *Func  { return f.Raw(0x4D) }
func (f *Func) I32GeU() *Func  { return f.Raw(0x4F) }
func (f *Func) I32Add() *Func  { return f.Raw(0x6A) }
func (f *Func) I32Sub() *Func  { return f.Raw(0x6B) }
func (f *Func) I32Mul() *Func  { return f.Raw(0x6C) }
func (f *Func) I32DivU() *Func { return f.Raw(0x6E) }
func (f *Func) I32And() *Func  { return f.Raw(0x71) }
func (f *Func) I32Or() *Func   { return f.Raw(0x72) }
func (f *Func) I32Shl() *Func  { return f.Raw(0x74) }
func (f *Func) I32ShrU() *Func { return f.Raw(0x76) }

// i64 运算
func (f *Func) I64Add() *Func { return f.Raw(0x7C) }

// F32Add 浮点指令（用于构造被拒绝的模块）
func (f *Func) F32Add() *Func { return f.Raw(0x92) }

// F32Const 浮点常量（用于构造被拒绝的模块）
func (f *Func) F32Const() *Func { return f.Raw(0x43, 0, 0, 0, 0) }
