package compiler

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/weisyn/wasmvm/pkg/types"
)

// ErrDisallowed 字节码使用了不允许的构造
var ErrDisallowed = errors.New("disallowed construct")

func disallowed(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrDisallowed, fmt.Sprintf(format, args...))
}

// 结构上限
const (
	maxFunctions     = 10000
	maxImports       = 100
	maxExports       = 100
	maxTypes         = 1000
	maxLocals        = 50000
	maxFunctionBytes = 1 << 20
)

// Analysis 模块静态分析结果
type Analysis struct {
	// EntryPoints 导出的入口函数（init / handle / query）
	EntryPoints []string `json:"entry_points"`

	// Requirements 声明的能力需求
	Requirements types.Requirements `json:"requirements"`

	// Imports 使用的宿主导入函数
	Imports []string `json:"imports"`

	// MemoryMinPages 初始内存页数
	MemoryMinPages uint32 `json:"memory_min_pages"`

	// Functions 已定义函数数量
	Functions int `json:"functions"`
}

// HasEntryPoint 是否导出某个入口
func (a *Analysis) HasEntryPoint(name string) bool {
	for _, e := range a.EntryPoints {
		if e == name {
			return true
		}
	}
	return false
}

// Validate 校验模块是否满足合约约定并返回分析结果
//
// 🔧 **校验步骤**
//  1. 签名与局部变量：不允许浮点、v128、引用类型
//  2. 导入：只允许 env 中已知的宿主函数，签名必须一致
//  3. 内存：恰好一个自定义内存，初始页数不超过实例上限
//  4. 导出：必需导出齐全、入口签名正确、未占用保留名
//  5. 函数体：逐条指令检查，局部/全局索引不得越界
func Validate(m *Module, memoryLimitPages uint32) (*Analysis, error) {
	if err := checkCounts(m); err != nil {
		return nil, err
	}
	for i, t := range m.Types {
		for _, v := range append(append([]byte(nil), t.Params...), t.Results...) {
			if !isNumericValType(v) {
				return nil, disallowed("type %d uses %s", i, valTypeName(v))
			}
		}
	}

	analysis := &Analysis{Functions: len(m.Functions)}

	if err := validateImports(m, analysis); err != nil {
		return nil, err
	}
	if err := validateMemory(m, memoryLimitPages, analysis); err != nil {
		return nil, err
	}
	for i, g := range m.Globals {
		if !isNumericValType(g.valType) {
			return nil, disallowed("global %d uses %s", i, valTypeName(g.valType))
		}
	}
	if m.HasStart {
		return nil, disallowed("start function")
	}
	if err := validateExports(m, analysis); err != nil {
		return nil, err
	}
	for i := range m.bodies {
		if err := validateBody(m, i); err != nil {
			return nil, fmt.Errorf("function %d: %w", i, err)
		}
	}
	return analysis, nil
}

func checkCounts(m *Module) error {
	switch {
	case len(m.Types) > maxTypes:
		return fmt.Errorf("too many types: %d", len(m.Types))
	case len(m.Imports) > maxImports:
		return fmt.Errorf("too many imports: %d", len(m.Imports))
	case len(m.Exports) > maxExports:
		return fmt.Errorf("too many exports: %d", len(m.Exports))
	case len(m.Functions) > maxFunctions:
		return fmt.Errorf("too many functions: %d", len(m.Functions))
	}
	for i, b := range m.bodies {
		if len(b.raw) > maxFunctionBytes {
			return fmt.Errorf("function %d body too large: %d bytes", i, len(b.raw))
		}
	}
	return nil
}

func validateImports(m *Module, analysis *Analysis) error {
	seen := make(map[string]bool)
	for _, imp := range m.Imports {
		if imp.Kind != externFunc {
			return disallowed("import %s.%s of non-function kind", imp.Module, imp.Name)
		}
		if imp.Module != HostModule {
			return fmt.Errorf("import %s.%s: unknown module", imp.Module, imp.Name)
		}
		spec, ok := hostImports[imp.Name]
		if !ok {
			return fmt.Errorf("import %s.%s: not provided by host", imp.Module, imp.Name)
		}
		if int(imp.TypeIndex) >= len(m.Types) {
			return fmt.Errorf("import %s: type index %d out of range", imp.Name, imp.TypeIndex)
		}
		if got := m.Types[imp.TypeIndex]; !got.Equal(spec.sig) {
			return fmt.Errorf("import %s: signature %s, want %s", imp.Name, got, spec.sig)
		}
		if spec.feature != 0 {
			analysis.Requirements.Features = analysis.Requirements.Features.With(spec.feature)
		}
		if !seen[imp.Name] {
			seen[imp.Name] = true
			analysis.Imports = append(analysis.Imports, imp.Name)
		}
	}
	sort.Strings(analysis.Imports)
	return nil
}

func validateMemory(m *Module, limitPages uint32, analysis *Analysis) error {
	if len(m.Memories) != 1 {
		return fmt.Errorf("module must define exactly one memory, found %d", len(m.Memories))
	}
	mem := m.Memories[0]
	if mem.HasMax && mem.Max < mem.Min {
		return fmt.Errorf("memory maximum %d below minimum %d", mem.Max, mem.Min)
	}
	if mem.Min > limitPages {
		return fmt.Errorf("initial memory of %d pages exceeds limit of %d pages", mem.Min, limitPages)
	}
	if mem.HasMax && mem.Max > limitPages {
		return fmt.Errorf("memory maximum of %d pages exceeds limit of %d pages", mem.Max, limitPages)
	}
	analysis.MemoryMinPages = mem.Min
	return nil
}

func validateExports(m *Module, analysis *Analysis) error {
	required := map[string]bool{
		ExportMemory:           false,
		ExportAllocate:         false,
		ExportDeallocate:       false,
		ExportInterfaceVersion: false,
	}
	var unknown []string

	for _, e := range m.Exports {
		if IsReservedExport(e.Name) {
			return fmt.Errorf("export %q uses a reserved name", e.Name)
		}
		if _, ok := required[e.Name]; ok {
			required[e.Name] = true
		}

		switch e.Kind {
		case externMemory:
			if e.Name != ExportMemory {
				return fmt.Errorf("memory exported as %q, want %q", e.Name, ExportMemory)
			}
			continue
		case externFunc:
		default:
			if _, ok := required[e.Name]; ok {
				return fmt.Errorf("export %q has wrong kind", e.Name)
			}
			continue
		}

		sig, ok := m.FuncType(e.Index)
		if !ok {
			return fmt.Errorf("export %q: function index %d out of range", e.Name, e.Index)
		}
		switch {
		case e.Name == ExportMemory:
			return fmt.Errorf("export %q must be a memory", e.Name)
		case e.Name == ExportAllocate:
			if !sig.Equal(sigI32ToI32) {
				return fmt.Errorf("export %s: signature %s, want %s", e.Name, sig, sigI32ToI32)
			}
		case e.Name == ExportDeallocate:
			if !sig.Equal(sigI32ToNone) {
				return fmt.Errorf("export %s: signature %s, want %s", e.Name, sig, sigI32ToNone)
			}
		case e.Name == ExportInterfaceVersion:
			if !sig.Equal(sigNoneToNone) {
				return fmt.Errorf("export %s: signature %s, want %s", e.Name, sig, sigNoneToNone)
			}
		case strings.HasPrefix(e.Name, RequiresPrefix):
			name := strings.TrimPrefix(e.Name, RequiresPrefix)
			if name == "" {
				return fmt.Errorf("export %q: empty capability name", e.Name)
			}
			if f, ok := types.LookupFeature(name); ok {
				analysis.Requirements.Features = analysis.Requirements.Features.With(f)
			} else {
				unknown = append(unknown, name)
			}
		case e.Name == EntryInit || e.Name == EntryHandle || e.Name == EntryQuery:
			if !sig.Equal(entryPointSig) {
				return fmt.Errorf("entry point %s: signature %s, want %s", e.Name, sig, entryPointSig)
			}
		}
	}

	var missing []string
	for name, found := range required {
		if !found {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return fmt.Errorf("missing required exports: %s", strings.Join(missing, ", "))
	}

	for _, name := range entryPointsOrder {
		if e, ok := m.Export(name); ok && e.Kind == externFunc {
			analysis.EntryPoints = append(analysis.EntryPoints, name)
		}
	}
	if len(analysis.EntryPoints) == 0 {
		return fmt.Errorf("module exports no entry point")
	}
	sort.Strings(unknown)
	analysis.Requirements.Unknown = unknown
	return nil
}

// validateBody 解析局部变量声明并逐条检查指令
func validateBody(m *Module, index int) error {
	typeIdx := m.Functions[index]
	if int(typeIdx) >= len(m.Types) {
		return fmt.Errorf("type index %d out of range", typeIdx)
	}
	sig := m.Types[typeIdx]
	r := newReader(m.bodies[index].raw)

	numLocals, err := readLocals(r, nil)
	if err != nil {
		return err
	}
	numLocals += uint64(len(sig.Params))
	if numLocals > maxLocals {
		return fmt.Errorf("too many locals: %d", numLocals)
	}

	numGlobals := uint32(len(m.Globals))
	var last Opcode
	for !r.eof() {
		in, err := readInstr(r)
		if err != nil {
			return err
		}
		switch in.op {
		case OpLocalGet, OpLocalSet, OpLocalTee:
			if uint64(in.index) >= numLocals {
				return fmt.Errorf("local index %d out of range", in.index)
			}
		case OpGlobalGet, OpGlobalSet:
			if in.index >= numGlobals {
				return fmt.Errorf("global index %d out of range", in.index)
			}
		}
		last = in.op
	}
	if last != OpEnd {
		return fmt.Errorf("function body does not end with end")
	}
	return nil
}

// readLocals 读取局部变量声明，返回局部变量总数；onEntry 非 nil 时逐条回调
func readLocals(r *reader, onEntry func(count uint32, t byte)) (uint64, error) {
	n, err := r.readU32()
	if err != nil {
		return 0, err
	}
	var total uint64
	for i := uint32(0); i < n; i++ {
		count, err := r.readU32()
		if err != nil {
			return 0, err
		}
		t, err := r.readByte()
		if err != nil {
			return 0, err
		}
		if !isNumericValType(t) {
			return 0, disallowed("local of type %s", valTypeName(t))
		}
		total += uint64(count)
		if total > maxLocals {
			return 0, fmt.Errorf("too many locals: %d", total)
		}
		if onEntry != nil {
			onEntry(count, t)
		}
	}
	return total, nil
}
