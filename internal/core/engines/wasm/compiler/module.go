package compiler

import (
	"bytes"
	"fmt"
)

// 段编号
const (
	sectionCustom    byte = 0
	sectionType      byte = 1
	sectionImport    byte = 2
	sectionFunction  byte = 3
	sectionTable     byte = 4
	sectionMemory    byte = 5
	sectionGlobal    byte = 6
	sectionExport    byte = 7
	sectionStart     byte = 8
	sectionElement   byte = 9
	sectionCode      byte = 10
	sectionData      byte = 11
	sectionDataCount byte = 12
)

// 导入/导出类型
const (
	externFunc   byte = 0x00
	externTable  byte = 0x01
	externMemory byte = 0x02
	externGlobal byte = 0x03
)

var wasmMagic = []byte{0x00, 0x61, 0x73, 0x6D, 0x01, 0x00, 0x00, 0x00}

// sectionRank 非自定义段在二进制中的出现顺序（datacount 位于 element 与 code 之间）
var sectionRank = map[byte]int{
	sectionType:      1,
	sectionImport:    2,
	sectionFunction:  3,
	sectionTable:     4,
	sectionMemory:    5,
	sectionGlobal:    6,
	sectionExport:    7,
	sectionStart:     8,
	sectionElement:   9,
	sectionDataCount: 10,
	sectionCode:      11,
	sectionData:      12,
}

// FuncType 函数签名
type FuncType struct {
	Params  []byte
	Results []byte
}

// Equal 签名是否一致
func (t FuncType) Equal(o FuncType) bool {
	return bytes.Equal(t.Params, o.Params) && bytes.Equal(t.Results, o.Results)
}

func (t FuncType) String() string {
	name := func(ts []byte) string {
		var buf bytes.Buffer
		buf.WriteByte('(')
		for i, v := range ts {
			if i > 0 {
				buf.WriteByte(',')
			}
			buf.WriteString(valTypeName(v))
		}
		buf.WriteByte(')')
		return buf.String()
	}
	return name(t.Params) + "->" + name(t.Results)
}

// Import 导入项
type Import struct {
	Module    string
	Name      string
	Kind      byte
	TypeIndex uint32 // 仅函数导入有效
}

// Export 导出项
type Export struct {
	Name  string
	Kind  byte
	Index uint32
}

// Limits 内存限制（单位：页）
type Limits struct {
	Min    uint32
	Max    uint32
	HasMax bool
}

type section struct {
	id      byte
	payload []byte
}

type global struct {
	valType byte
	mutable bool
}

type funcBody struct {
	raw []byte // 不含长度前缀
}

// Module 解码后的模块结构
type Module struct {
	sections []section

	Types     []FuncType
	Imports   []Import
	Functions []uint32 // 已定义函数的类型索引
	Tables    int
	Memories  []Limits
	Globals   []global
	Exports   []Export
	HasStart  bool
	bodies    []funcBody

	numImportedFuncs uint32
}

// DecodeModule 解码字节码并做结构性检查
func DecodeModule(wasm []byte) (*Module, error) {
	if len(wasm) < len(wasmMagic) || !bytes.Equal(wasm[:len(wasmMagic)], wasmMagic) {
		return nil, fmt.Errorf("invalid magic number or version")
	}

	m := &Module{}
	r := newReader(wasm[len(wasmMagic):])
	lastRank := 0
	for !r.eof() {
		id, err := r.readByte()
		if err != nil {
			return nil, err
		}
		size, err := r.readU32()
		if err != nil {
			return nil, fmt.Errorf("section %d size: %w", id, err)
		}
		payload, err := r.readBytes(int(size))
		if err != nil {
			return nil, fmt.Errorf("section %d payload: %w", id, err)
		}

		if id != sectionCustom {
			rank, ok := sectionRank[id]
			if !ok {
				return nil, fmt.Errorf("unknown section id %d", id)
			}
			if rank <= lastRank {
				return nil, fmt.Errorf("section %d out of order", id)
			}
			lastRank = rank
		}

		if err := m.decodeSection(id, payload); err != nil {
			return nil, fmt.Errorf("section %d: %w", id, err)
		}
		m.sections = append(m.sections, section{id: id, payload: payload})
	}

	if len(m.Functions) != len(m.bodies) {
		return nil, fmt.Errorf("function and code section counts differ: %d != %d", len(m.Functions), len(m.bodies))
	}
	return m, nil
}

func (m *Module) decodeSection(id byte, payload []byte) error {
	r := newReader(payload)
	switch id {
	case sectionCustom:
		_, err := r.readName()
		return err
	case sectionType:
		return m.decodeTypes(r)
	case sectionImport:
		return m.decodeImports(r)
	case sectionFunction:
		return decodeVec(r, func() error {
			idx, err := r.readU32()
			m.Functions = append(m.Functions, idx)
			return err
		})
	case sectionTable:
		n, err := r.readU32()
		m.Tables = int(n)
		return err
	case sectionMemory:
		return decodeVec(r, func() error {
			lim, err := readLimits(r)
			m.Memories = append(m.Memories, lim)
			return err
		})
	case sectionGlobal:
		return m.decodeGlobals(r)
	case sectionExport:
		return decodeVec(r, func() error {
			name, err := r.readName()
			if err != nil {
				return err
			}
			kind, err := r.readByte()
			if err != nil {
				return err
			}
			idx, err := r.readU32()
			m.Exports = append(m.Exports, Export{Name: name, Kind: kind, Index: idx})
			return err
		})
	case sectionStart:
		m.HasStart = true
		return nil
	case sectionCode:
		return decodeVec(r, func() error {
			size, err := r.readU32()
			if err != nil {
				return err
			}
			body, err := r.readBytes(int(size))
			m.bodies = append(m.bodies, funcBody{raw: body})
			return err
		})
	}
	// element / data / datacount 原样保留，由运行时完整校验
	return nil
}

func (m *Module) decodeTypes(r *reader) error {
	return decodeVec(r, func() error {
		form, err := r.readByte()
		if err != nil {
			return err
		}
		if form != 0x60 {
			return fmt.Errorf("unsupported type form 0x%02x", form)
		}
		params, err := readValTypes(r)
		if err != nil {
			return err
		}
		results, err := readValTypes(r)
		if err != nil {
			return err
		}
		m.Types = append(m.Types, FuncType{Params: params, Results: results})
		return nil
	})
}

func (m *Module) decodeImports(r *reader) error {
	return decodeVec(r, func() error {
		mod, err := r.readName()
		if err != nil {
			return err
		}
		name, err := r.readName()
		if err != nil {
			return err
		}
		kind, err := r.readByte()
		if err != nil {
			return err
		}
		imp := Import{Module: mod, Name: name, Kind: kind}
		switch kind {
		case externFunc:
			imp.TypeIndex, err = r.readU32()
			m.numImportedFuncs++
		case externTable:
			if _, err = r.readByte(); err == nil {
				_, err = readLimits(r)
			}
		case externMemory:
			_, err = readLimits(r)
		case externGlobal:
			err = r.skip(2)
		default:
			err = fmt.Errorf("unknown import kind 0x%02x", kind)
		}
		m.Imports = append(m.Imports, imp)
		return err
	})
}

func (m *Module) decodeGlobals(r *reader) error {
	return decodeVec(r, func() error {
		t, err := r.readByte()
		if err != nil {
			return err
		}
		mut, err := r.readByte()
		if err != nil {
			return err
		}
		if mut > 1 {
			return fmt.Errorf("invalid global mutability %d", mut)
		}
		// 初始化表达式：读取到 end 为止
		for {
			in, err := readInstr(r)
			if err != nil {
				return fmt.Errorf("global initializer: %w", err)
			}
			if in.op == OpEnd {
				break
			}
		}
		m.Globals = append(m.Globals, global{valType: t, mutable: mut == 1})
		return nil
	})
}

func decodeVec(r *reader, each func() error) error {
	n, err := r.readU32()
	if err != nil {
		return err
	}
	for i := uint32(0); i < n; i++ {
		if err := each(); err != nil {
			return fmt.Errorf("entry %d: %w", i, err)
		}
	}
	if !r.eof() {
		return fmt.Errorf("%d trailing bytes", r.remaining())
	}
	return nil
}

func readValTypes(r *reader) ([]byte, error) {
	n, err := r.readU32()
	if err != nil {
		return nil, err
	}
	ts, err := r.readBytes(int(n))
	if err != nil {
		return nil, err
	}
	return append([]byte(nil), ts...), nil
}

func readLimits(r *reader) (Limits, error) {
	flag, err := r.readByte()
	if err != nil {
		return Limits{}, err
	}
	if flag > 1 {
		// 0x02/0x03 共享内存，0x04+ memory64
		return Limits{}, disallowed("memory limits flag 0x%02x", flag)
	}
	minPages, err := r.readU32()
	if err != nil {
		return Limits{}, err
	}
	lim := Limits{Min: minPages}
	if flag == 1 {
		if lim.Max, err = r.readU32(); err != nil {
			return Limits{}, err
		}
		lim.HasMax = true
	}
	return lim, nil
}

// FuncType 返回函数索引（含导入）对应的签名
func (m *Module) FuncType(funcIndex uint32) (FuncType, bool) {
	var typeIdx uint32
	if funcIndex < m.numImportedFuncs {
		n := uint32(0)
		for _, imp := range m.Imports {
			if imp.Kind != externFunc {
				continue
			}
			if n == funcIndex {
				typeIdx = imp.TypeIndex
				break
			}
			n++
		}
	} else {
		local := funcIndex - m.numImportedFuncs
		if int(local) >= len(m.Functions) {
			return FuncType{}, false
		}
		typeIdx = m.Functions[local]
	}
	if int(typeIdx) >= len(m.Types) {
		return FuncType{}, false
	}
	return m.Types[typeIdx], true
}

// Export 按名称查找导出项
func (m *Module) Export(name string) (Export, bool) {
	for _, e := range m.Exports {
		if e.Name == name {
			return e, true
		}
	}
	return Export{}, false
}
