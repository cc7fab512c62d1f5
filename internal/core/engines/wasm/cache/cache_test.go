package cache

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	vmconfig "github.com/weisyn/wasmvm/internal/config/vm"
	"github.com/weisyn/wasmvm/internal/core/engines/wasm/runtime"
	"github.com/weisyn/wasmvm/internal/core/engines/wasm/testutil"
	infralog "github.com/weisyn/wasmvm/internal/core/infrastructure/log"
	"github.com/weisyn/wasmvm/pkg/types"
)

func testOptions(t *testing.T) *vmconfig.VMOptions {
	t.Helper()
	opts := vmconfig.DefaultOptions()
	opts.BaseDir = t.TempDir()
	opts.Engine = vmconfig.EngineInterpreter
	return opts
}

// openCache 按选项创建运行时与缓存，测试结束时关闭
func openCache(t *testing.T, opts *vmconfig.VMOptions) *Cache {
	t.Helper()
	ctx := context.Background()
	cfg, err := vmconfig.New(opts)
	require.NoError(t, err)
	rt, err := runtime.New(ctx, cfg, infralog.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = rt.Close(ctx) })

	c, err := New(cfg, rt, nil, infralog.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close(ctx) })
	return c
}

func TestSaveAndAcquire(t *testing.T) {
	ctx := context.Background()
	opts := testOptions(t)
	c := openCache(t, opts)

	wasm := testutil.Hackatom()
	id, err := c.Save(ctx, wasm)
	require.NoError(t, err)
	assert.Equal(t, types.NewCodeID(wasm), id)

	assert.FileExists(t, filepath.Join(opts.BaseDir, "wasm", id.String()+".wasm"))
	assert.FileExists(t, filepath.Join(opts.BaseDir, "modules", id.String()[:2], id.String()+".module"))
	assert.FileExists(t, filepath.Join(opts.BaseDir, "exclusive.lock"))

	m, err := c.Acquire(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, id, m.CodeID())
	stats := c.Stats()
	assert.Equal(t, int64(1), stats.Hits)
	assert.Equal(t, int64(1), stats.Saves)
	assert.Equal(t, 1, stats.InUse)
	assert.Equal(t, m.Size(), stats.MemoryUsage)

	c.Release(id)
	assert.Zero(t, c.Stats().InUse)
	assert.True(t, c.Contains(id))

	code, err := c.GetCode(id)
	require.NoError(t, err)
	assert.Equal(t, wasm, code)
}

func TestSaveConcurrentIdempotent(t *testing.T) {
	ctx := context.Background()
	c := openCache(t, testOptions(t))
	wasm := testutil.Hackatom()

	var wg sync.WaitGroup
	ids := make([]types.CodeID, 8)
	errs := make([]error, 8)
	for i := range ids {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ids[i], errs[i] = c.Save(ctx, wasm)
		}(i)
	}
	wg.Wait()

	for i := range ids {
		require.NoError(t, errs[i])
		assert.Equal(t, types.NewCodeID(wasm), ids[i])
	}
	assert.Equal(t, int64(1), c.Stats().Saves)
	assert.Equal(t, 1, c.Stats().Entries)
}

func TestSaveRejectsInvalidBytecode(t *testing.T) {
	ctx := context.Background()
	opts := testOptions(t)
	c := openCache(t, opts)

	garbage := []byte("definitely not wasm")
	_, err := c.Save(ctx, garbage)
	require.Error(t, err)
	assert.True(t, errors.Is(err, types.ErrValidation), "got %v", err)

	id := types.NewCodeID(garbage)
	assert.NoFileExists(t, filepath.Join(opts.BaseDir, "wasm", id.String()+".wasm"))
	assert.Zero(t, c.Stats().Entries)
}

// typeErrorContract 结构合法、但 allocate 函数体类型不匹配的合约
func typeErrorContract() []byte {
	i32 := []testutil.ValType{testutil.I32}
	b := testutil.NewBuilder()
	b.Memory(1).ExportMemory("memory")
	alloc := b.Func(i32, i32)
	alloc.I32Const(1).I64Const(2).I32Add()
	b.Export("allocate", alloc)
	b.Export("deallocate", b.Func(i32, nil))
	b.Export("interface_version_1", b.Func(nil, nil))
	handle := b.Func([]testutil.ValType{testutil.I32, testutil.I32}, i32)
	handle.I32Const(0)
	b.Export("handle", handle)
	return b.Bytes()
}

func TestSaveRejectsTypeError(t *testing.T) {
	ctx := context.Background()
	opts := testOptions(t)
	c := openCache(t, opts)

	wasm := typeErrorContract()
	_, err := c.Save(ctx, wasm)
	require.Error(t, err)
	assert.True(t, errors.Is(err, types.ErrValidation), "got %v", err)

	// 被拒绝的字节码不落盘，CodeID 不可解析
	id := types.NewCodeID(wasm)
	assert.NoFileExists(t, filepath.Join(opts.BaseDir, "wasm", id.String()+".wasm"))
	assert.NoFileExists(t, filepath.Join(opts.BaseDir, modulePath(id)))
	_, err = c.GetCode(id)
	assert.True(t, errors.Is(err, types.ErrNotFound), "got %v", err)
	_, err = c.Acquire(ctx, id)
	assert.True(t, errors.Is(err, types.ErrNotFound), "got %v", err)
	assert.Zero(t, c.Stats().Entries)
}

func TestSaveRemovesWasmWhenArtifactWriteFails(t *testing.T) {
	ctx := context.Background()
	opts := testOptions(t)
	c := openCache(t, opts)

	wasm := testutil.Hackatom()
	id := types.NewCodeID(wasm)
	// 产物路径被目录占用，rename 失败
	require.NoError(t, os.MkdirAll(filepath.Join(opts.BaseDir, modulePath(id), "blocker"), 0o700))

	_, err := c.Save(ctx, wasm)
	assert.True(t, errors.Is(err, types.ErrIo), "got %v", err)
	assert.NoFileExists(t, filepath.Join(opts.BaseDir, "wasm", id.String()+".wasm"))
	assert.Zero(t, c.Stats().Entries)
}

func TestAcquireFromDisk(t *testing.T) {
	ctx := context.Background()
	opts := testOptions(t)
	c := openCache(t, opts)
	id, err := c.Save(ctx, testutil.Hackatom())
	require.NoError(t, err)
	require.NoError(t, c.Close(ctx))

	reopened := openCache(t, opts)
	assert.False(t, reopened.Contains(id))
	_, err = reopened.Acquire(ctx, id)
	require.NoError(t, err)
	defer reopened.Release(id)

	stats := reopened.Stats()
	assert.Equal(t, int64(1), stats.Misses)
	assert.Equal(t, int64(1), stats.DiskLoads)
	assert.Zero(t, stats.Recompiles)
}

func TestAcquireRecompilesCorruptArtifact(t *testing.T) {
	ctx := context.Background()
	opts := testOptions(t)
	c := openCache(t, opts)
	id, err := c.Save(ctx, testutil.Hackatom())
	require.NoError(t, err)
	require.NoError(t, c.Close(ctx))

	path := filepath.Join(opts.BaseDir, modulePath(id))
	require.NoError(t, os.WriteFile(path, []byte("corrupt"), 0o600))

	reopened := openCache(t, opts)
	_, err = reopened.Acquire(ctx, id)
	require.NoError(t, err)
	reopened.Release(id)
	assert.Equal(t, int64(1), reopened.Stats().Recompiles)

	// 重新编译后的产物已写回磁盘
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.NotEqual(t, []byte("corrupt"), data)
}

func TestAcquireRecompilesOnCostModelChange(t *testing.T) {
	ctx := context.Background()
	opts := testOptions(t)
	c := openCache(t, opts)
	id, err := c.Save(ctx, testutil.Hackatom())
	require.NoError(t, err)
	require.NoError(t, c.Close(ctx))

	opts.Costs.Call = 7
	reopened := openCache(t, opts)
	_, err = reopened.Acquire(ctx, id)
	require.NoError(t, err)
	reopened.Release(id)
	assert.Equal(t, int64(1), reopened.Stats().Recompiles)
	assert.Zero(t, reopened.Stats().DiskLoads)
}

func TestAcquireNotFound(t *testing.T) {
	ctx := context.Background()
	opts := testOptions(t)
	opts.RetainWasm = false
	c := openCache(t, opts)

	_, err := c.Acquire(ctx, types.NewCodeID([]byte("unknown")))
	assert.True(t, errors.Is(err, types.ErrNotFound), "got %v", err)

	// 不保留原始字节码时，产物损坏无法恢复
	id, err := c.Save(ctx, testutil.Hackatom())
	require.NoError(t, err)
	_, err = c.GetCode(id)
	assert.True(t, errors.Is(err, types.ErrNotFound))
	require.NoError(t, c.Close(ctx))

	require.NoError(t, os.WriteFile(filepath.Join(opts.BaseDir, modulePath(id)), []byte("corrupt"), 0o600))
	reopened := openCache(t, opts)
	_, err = reopened.Acquire(ctx, id)
	assert.True(t, errors.Is(err, types.ErrNotFound), "got %v", err)
}

func TestLRUEviction(t *testing.T) {
	ctx := context.Background()
	opts := testOptions(t)
	opts.MemoryCacheSize = 1
	c := openCache(t, opts)

	hackatom, err := c.Save(ctx, testutil.Hackatom())
	require.NoError(t, err)
	kvstore, err := c.Save(ctx, testutil.KVStore())
	require.NoError(t, err)

	assert.False(t, c.Contains(hackatom))
	assert.True(t, c.Contains(kvstore))
	assert.Equal(t, int64(1), c.Stats().Evictions)

	_, err = c.Acquire(ctx, hackatom)
	require.NoError(t, err)
	c.Release(hackatom)
	assert.Equal(t, int64(1), c.Stats().DiskLoads)
	assert.False(t, c.Contains(kvstore))
}

func TestEvictionKeepsReferencedModule(t *testing.T) {
	ctx := context.Background()
	opts := testOptions(t)
	opts.MemoryCacheSize = 1
	c := openCache(t, opts)

	hackatom, err := c.Save(ctx, testutil.Hackatom())
	require.NoError(t, err)
	m, err := c.Acquire(ctx, hackatom)
	require.NoError(t, err)

	_, err = c.Save(ctx, testutil.KVStore())
	require.NoError(t, err)
	assert.True(t, c.Contains(hackatom), "referenced module must stay resident")
	assert.Equal(t, 2, c.Stats().Entries)

	// 引用期间模块仍可实例化
	assert.Equal(t, hackatom, m.CodeID())

	c.Release(hackatom)
	assert.False(t, c.Contains(hackatom))
	assert.Equal(t, 1, c.Stats().Entries)
}

func TestByteBudget(t *testing.T) {
	ctx := context.Background()
	opts := testOptions(t)
	opts.MemoryCacheBytes = 1
	c := openCache(t, opts)

	hackatom, err := c.Save(ctx, testutil.Hackatom())
	require.NoError(t, err)
	assert.True(t, c.Contains(hackatom), "the newest module stays even above the budget")

	kvstore, err := c.Save(ctx, testutil.KVStore())
	require.NoError(t, err)
	assert.False(t, c.Contains(hackatom))
	assert.True(t, c.Contains(kvstore))
}

func TestPinUnpin(t *testing.T) {
	ctx := context.Background()
	opts := testOptions(t)
	opts.MemoryCacheSize = 1
	c := openCache(t, opts)

	hackatom, err := c.Save(ctx, testutil.Hackatom())
	require.NoError(t, err)
	require.NoError(t, c.Pin(ctx, hackatom))
	require.NoError(t, c.Pin(ctx, hackatom))
	assert.Equal(t, 1, c.Stats().Pinned)

	kvstore, err := c.Save(ctx, testutil.KVStore())
	require.NoError(t, err)
	assert.True(t, c.Contains(hackatom))
	assert.True(t, c.Contains(kvstore))
	assert.Zero(t, c.Stats().Evictions)

	require.NoError(t, c.Unpin(hackatom))
	assert.Zero(t, c.Stats().Pinned)
	assert.True(t, c.Contains(hackatom))
	assert.False(t, c.Contains(kvstore))

	require.NoError(t, c.Unpin(kvstore))
	err = c.Pin(ctx, types.NewCodeID([]byte("unknown")))
	assert.True(t, errors.Is(err, types.ErrNotFound))
}

func TestAnalyze(t *testing.T) {
	ctx := context.Background()
	opts := testOptions(t)
	opts.MemoryCacheSize = 1
	c := openCache(t, opts)

	kvstore, err := c.Save(ctx, testutil.KVStore())
	require.NoError(t, err)
	_, err = c.Save(ctx, testutil.Hackatom())
	require.NoError(t, err)
	require.False(t, c.Contains(kvstore))

	analysis, err := c.Analyze(kvstore)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"init", "handle", "query"}, analysis.EntryPoints)
	assert.True(t, analysis.Requirements.Features.Has(types.FeatureStaking))
	assert.True(t, analysis.Requirements.Features.Has(types.FeatureIterator))
	assert.False(t, c.Contains(kvstore), "analyze does not load the module")
}

func TestDirectoryLock(t *testing.T) {
	ctx := context.Background()
	opts := testOptions(t)
	c := openCache(t, opts)

	cfg, err := vmconfig.New(opts)
	require.NoError(t, err)
	_, err = New(cfg, nil, nil, infralog.NewNop())
	require.Error(t, err)
	assert.True(t, errors.Is(err, types.ErrIo))
	assert.True(t, errors.Is(err, ErrLocked))

	require.NoError(t, c.Close(ctx))
	second, err := New(cfg, nil, nil, infralog.NewNop())
	require.NoError(t, err)
	require.NoError(t, second.Close(ctx))

	_, err = c.Acquire(ctx, types.CodeID{})
	assert.ErrorIs(t, err, ErrClosed)
	assert.Equal(t, types.ErrorKindValidation, types.KindOf(err))
}
