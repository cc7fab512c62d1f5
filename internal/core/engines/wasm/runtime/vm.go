// Package runtime 基于 wazero 执行插桩后的合约
//
// 📋 **职责**
//   - 维护 wazero 运行时与唯一的 env 宿主模块
//   - 把编译产物编译为可复用的 CompiledModule
//   - 创建实例、绑定宿主环境、执行入口调用并在边界转换陷阱
package runtime

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/tetratelabs/wazero"

	vmconfig "github.com/weisyn/wasmvm/internal/config/vm"
	"github.com/weisyn/wasmvm/internal/core/engines/wasm/compiler"
	"github.com/weisyn/wasmvm/pkg/interfaces/infrastructure/log"
	"github.com/weisyn/wasmvm/pkg/types"
)

// NewRuntimeConfig 按引擎选择创建 wazero 运行时配置
//
// 线性内存上限独立于燃料计量，超过上限的 memory.grow 返回 -1。
// 不设置上下文取消：执行时长只受燃料约束，与机器速度无关。
func NewRuntimeConfig(engine vmconfig.Engine, memoryLimitPages uint32) wazero.RuntimeConfig {
	var cfg wazero.RuntimeConfig
	switch engine {
	case vmconfig.EngineInterpreter:
		cfg = wazero.NewRuntimeConfigInterpreter()
	case vmconfig.EngineCompiler:
		cfg = wazero.NewRuntimeConfigCompiler()
	default:
		cfg = wazero.NewRuntimeConfig()
	}
	return cfg.
		WithMemoryLimitPages(memoryLimitPages).
		WithCloseOnContextDone(false)
}

// CompiledModule 已编译的合约模块，被并发实例只读共享
type CompiledModule struct {
	artifact *compiler.Artifact
	module   wazero.CompiledModule
}

// CodeID 模块标识
func (m *CompiledModule) CodeID() types.CodeID {
	return m.artifact.CodeID
}

// Artifact 模块对应的编译产物
func (m *CompiledModule) Artifact() *compiler.Artifact {
	return m.artifact
}

// Size 插桩后字节码大小，用于内存层字节预算
func (m *CompiledModule) Size() int64 {
	return int64(len(m.artifact.Instrumented))
}

// Close 释放编译结果；调用方保证没有存活实例引用该模块
func (m *CompiledModule) Close(ctx context.Context) error {
	return m.module.Close(ctx)
}

// Runtime 合约运行时
//
// 🎯 **核心职责**：封装 wazero 运行时，提供模块编译、实例化能力
//
// 📋 **设计特点**：
// - 线程安全：wazero.Runtime 支持并发编译与实例化
// - 无系统接口：只暴露 env 宿主模块，不提供 WASI、时钟与随机数
// - 本地代码缓存：编译器模式下的机器码缓存在 native 目录
type Runtime struct {
	logger log.Logger

	// wazero运行时实例
	runtime wazero.Runtime
	cache   wazero.CompilationCache

	ceiling   uint64
	hostCosts vmconfig.HostCostOptions

	stats *ExecutionStats
}

// New 创建运行时并实例化 env 宿主模块
func New(ctx context.Context, cfg *vmconfig.Config, logger log.Logger) (*Runtime, error) {
	cache, err := wazero.NewCompilationCacheWithDir(cfg.GetNativeCacheDir())
	if err != nil {
		return nil, types.NewIoError(err, "open native compilation cache %s", cfg.GetNativeCacheDir())
	}
	rc := NewRuntimeConfig(cfg.GetEngine(), cfg.GetInstanceMemoryLimitPages()).WithCompilationCache(cache)

	r := &Runtime{
		logger:    logger,
		runtime:   wazero.NewRuntimeWithConfig(ctx, rc),
		cache:     cache,
		ceiling:   cfg.GetGasCeiling(),
		hostCosts: cfg.GetHostCosts(),
		stats:     NewExecutionStats(),
	}
	if err := r.instantiateHostModule(ctx); err != nil {
		_ = r.Close(ctx)
		return nil, err
	}
	if logger != nil {
		logger.Debugf("合约运行时已创建: engine=%s memory_limit_pages=%d", cfg.GetEngine(), cfg.GetInstanceMemoryLimitPages())
	}
	return r, nil
}

// Compile 把产物中的插桩字节码编译为可实例化的模块
func (r *Runtime) Compile(ctx context.Context, artifact *compiler.Artifact) (*CompiledModule, error) {
	module, err := r.runtime.CompileModule(ctx, artifact.Instrumented)
	if err != nil {
		return nil, types.NewValidationError("compile %s: %v", artifact.CodeID.Short(), err)
	}
	return &CompiledModule{artifact: artifact, module: module}, nil
}

// InstanceOptions 实例创建参数
type InstanceOptions struct {
	// GasLimit 首次调用前的燃料限制，不能超过内部上限
	GasLimit uint64

	// OnClose 实例回收或销毁时调用一次，用于释放模块引用
	OnClose func()
}

// Instantiate 创建实例并独占绑定宿主环境
//
// 🔧 **创建流程**：
//  1. 绑定宿主环境（已被其他实例占用时失败）
//  2. 实例化模块（匿名、无 start 函数）
//  3. 读取燃料全局变量并设置燃料限制
func (r *Runtime) Instantiate(ctx context.Context, module *CompiledModule, env *HostEnvironment, opts InstanceOptions) (*Instance, error) {
	if env == nil || env.Storage == nil || env.Api == nil || env.Querier == nil {
		return nil, invalidUse(ErrIncompleteEnvironment)
	}
	if opts.GasLimit > r.ceiling {
		return nil, invalidUse(fmt.Errorf("%w: %d > %d", ErrGasLimitExceedsCeiling, opts.GasLimit, r.ceiling))
	}
	if err := env.attach(); err != nil {
		return nil, err
	}

	mod, err := r.runtime.InstantiateModule(ctx, module.module, moduleConfig())
	if err != nil {
		env.detach()
		return nil, types.NewRuntimeTrapError(err, "instantiate %s", module.CodeID().Short())
	}
	gas, err := newGasMeter(mod, r.ceiling)
	if err == nil {
		err = gas.setLimit(opts.GasLimit)
	}
	if err != nil {
		_ = mod.Close(ctx)
		env.detach()
		return nil, err
	}

	atomic.AddInt64(&r.stats.instancesCreated, 1)
	return &Instance{
		runtime: r,
		module:  module,
		mod:     mod,
		env:     env,
		gas:     gas,
		onClose: opts.OnClose,
	}, nil
}

// GasCeiling 内部燃料上限
func (r *Runtime) GasCeiling() uint64 {
	return r.ceiling
}

// Stats 执行统计
func (r *Runtime) Stats() ExecutionSnapshot {
	return r.stats.Snapshot()
}

// Close 关闭运行时，释放所有模块与实例
func (r *Runtime) Close(ctx context.Context) error {
	err := r.runtime.Close(ctx)
	if cerr := r.cache.Close(ctx); err == nil {
		err = cerr
	}
	return err
}
