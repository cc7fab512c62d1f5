package compiler

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	vmconfig "github.com/weisyn/wasmvm/internal/config/vm"
	"github.com/weisyn/wasmvm/internal/core/engines/wasm/testutil"
	"github.com/weisyn/wasmvm/pkg/types"
)

var (
	i32     = []testutil.ValType{testutil.I32}
	i32i32  = []testutil.ValType{testutil.I32, testutil.I32}
	allFeat = types.NewFeatures(types.FeatureStaking, types.FeatureIterator, types.FeatureStargate)
)

func defaultOptions() Options {
	return Options{
		CostModel:        NewTableCostModel(vmconfig.DefaultOptions().Costs),
		GasCeiling:       10_000_000_000,
		MemoryLimitPages: 512,
		Supported:        allFeat,
	}
}

// contractSpec 最小合约模块的构造参数
type contractSpec struct {
	skip   string                    // 不导出的必需符号
	before func(b *testutil.Builder) // 定义函数之前（可添加导入）
	after  func(b *testutil.Builder) // 定义函数之后
}

// contractModule 构造满足合约约定的最小模块
func contractModule(spec contractSpec) []byte {
	b := testutil.NewBuilder()
	if spec.before != nil {
		spec.before(b)
	}
	b.Memory(1)
	if spec.skip != "memory" {
		b.ExportMemory("memory")
	}

	alloc := b.Func(i32, i32)
	alloc.LocalGet(0)
	dealloc := b.Func(i32, nil)
	version := b.Func(nil, nil)
	handle := b.Func(i32i32, i32)
	handle.I32Const(0)

	for _, e := range []struct {
		name string
		f    *testutil.Func
	}{
		{"allocate", alloc},
		{"deallocate", dealloc},
		{"interface_version_1", version},
		{"handle", handle},
	} {
		if e.name != spec.skip {
			b.Export(e.name, e.f)
		}
	}
	if spec.after != nil {
		spec.after(b)
	}
	return b.Bytes()
}

// TestCompileHackatom 测试示例合约编译
func TestCompileHackatom(t *testing.T) {
	wasm := testutil.Hackatom()
	artifact, err := Compile(wasm, defaultOptions())
	require.NoError(t, err)

	assert.Equal(t, types.NewCodeID(wasm), artifact.CodeID)
	assert.Equal(t, []string{EntryInit, EntryHandle, EntryQuery}, artifact.EntryPoints)
	assert.True(t, artifact.Requirements.Features.IsEmpty())
	assert.Contains(t, artifact.Imports, ImportDBRead)
	assert.Contains(t, artifact.Imports, ImportQueryChain)
	assert.Equal(t, uint32(2), artifact.MemoryMinPages)
	assert.Equal(t, EngineVersion(), artifact.EngineVersion)

	// 插桩后的模块仍可解码，并带有燃料全局变量
	m, err := DecodeModule(artifact.Instrumented)
	require.NoError(t, err)
	gas, ok := m.Export(GasLeftGlobal)
	require.True(t, ok)
	assert.Equal(t, externGlobal, gas.Kind)
	flag, ok := m.Export(GasExhaustedGlobal)
	require.True(t, ok)
	assert.Equal(t, gas.Index+1, flag.Index)
}

// TestCompileRequirements 测试能力需求识别与协商
func TestCompileRequirements(t *testing.T) {
	wasm := testutil.KVStore()

	artifact, err := Compile(wasm, defaultOptions())
	require.NoError(t, err)
	assert.True(t, artifact.Requirements.Features.Has(types.FeatureStaking))
	assert.True(t, artifact.Requirements.Features.Has(types.FeatureIterator))
	assert.False(t, artifact.Requirements.Features.Has(types.FeatureStargate))

	opts := defaultOptions()
	opts.Supported = types.NewFeatures(types.FeatureIterator)
	_, err = Compile(wasm, opts)
	require.Error(t, err)
	assert.True(t, errors.Is(err, types.ErrFeatureUnsupported))
	assert.Contains(t, err.Error(), "staking")
}

// TestCompileUnknownRequirement 测试未知能力名
func TestCompileUnknownRequirement(t *testing.T) {
	wasm := contractModule(contractSpec{after: func(b *testutil.Builder) {
		b.Export("requires_teleport", b.Func(nil, nil))
	}})
	_, err := Compile(wasm, defaultOptions())
	require.Error(t, err)
	assert.True(t, errors.Is(err, types.ErrFeatureUnsupported))
	assert.Contains(t, err.Error(), "teleport")
}

// TestCompileRejects 测试不满足合约约定的模块被拒绝
func TestCompileRejects(t *testing.T) {
	cases := []struct {
		name string
		wasm []byte
		want string
	}{
		{"魔数错误", []byte("\x00asm\x02\x00\x00\x00"), "magic"},
		{"空输入", nil, "magic"},
		{"缺少allocate", contractModule(contractSpec{skip: "allocate"}), "allocate"},
		{"缺少memory导出", contractModule(contractSpec{skip: "memory"}), "memory"},
		{"缺少入口", contractModule(contractSpec{skip: "handle"}), "entry point"},
		{"未知宿主函数", contractModule(contractSpec{before: func(b *testutil.Builder) {
			b.ImportFunc("env", "random", nil, i32)
		}}), "not provided"},
		{"非env模块导入", contractModule(contractSpec{before: func(b *testutil.Builder) {
			b.ImportFunc("wasi_snapshot_preview1", "fd_write", i32, i32)
		}}), "unknown module"},
		{"宿主函数签名不符", contractModule(contractSpec{before: func(b *testutil.Builder) {
			b.ImportFunc("env", "db_read", i32i32, i32)
		}}), "signature"},
		{"导入内存", contractModule(contractSpec{before: func(b *testutil.Builder) {
			b.ImportMemory("env", "memory")
		}}), "non-function"},
		{"初始内存超限", contractModule(contractSpec{after: func(b *testutil.Builder) {
			b.Memory(513)
		}}), "exceeds limit"},
		{"start函数", contractModule(contractSpec{after: func(b *testutil.Builder) {
			b.Start(b.Func(nil, nil))
		}}), "start"},
		{"浮点指令", contractModule(contractSpec{after: func(b *testutil.Builder) {
			f := b.Func(nil, nil)
			f.F32Const().Drop()
		}}), "floating point"},
		{"浮点签名", contractModule(contractSpec{after: func(b *testutil.Builder) {
			b.Func([]testutil.ValType{testutil.F64}, nil)
		}}), "f64"},
		{"占用保留名", contractModule(contractSpec{after: func(b *testutil.Builder) {
			b.ExportGlobal(GasLeftGlobal, b.Global(testutil.I64, true, 0))
		}}), "reserved"},
		{"访问不存在的全局变量", contractModule(contractSpec{after: func(b *testutil.Builder) {
			f := b.Func(nil, nil)
			f.GlobalGet(0).Drop()
		}}), "global index"},
		{"访问不存在的局部变量", contractModule(contractSpec{after: func(b *testutil.Builder) {
			f := b.Func(nil, nil)
			f.LocalGet(3).Drop()
		}}), "local index"},
		{"入口签名错误", contractModule(contractSpec{skip: "handle", after: func(b *testutil.Builder) {
			b.Export("handle", b.Func(i32, i32).LocalGet(0))
		}}), "entry point handle"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Compile(tc.wasm, defaultOptions())
			require.Error(t, err)
			assert.True(t, errors.Is(err, types.ErrValidation), "got %v", err)
			assert.Contains(t, err.Error(), tc.want)
		})
	}
}

// TestCompileDeterministic 测试同一输入的编译结果完全一致
func TestCompileDeterministic(t *testing.T) {
	wasm := testutil.Hackatom()
	a, err := Compile(wasm, defaultOptions())
	require.NoError(t, err)
	b, err := Compile(wasm, defaultOptions())
	require.NoError(t, err)
	assert.Equal(t, a.Instrumented, b.Instrumented)

	ea, err := MarshalArtifact(a)
	require.NoError(t, err)
	eb, err := MarshalArtifact(b)
	require.NoError(t, err)
	assert.Equal(t, ea, eb)
}

// TestCompileRequiresCostModel 测试缺少成本模型
func TestCompileRequiresCostModel(t *testing.T) {
	opts := defaultOptions()
	opts.CostModel = nil
	_, err := Compile(testutil.Hackatom(), opts)
	assert.True(t, errors.Is(err, types.ErrValidation))
}
