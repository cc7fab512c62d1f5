// Package engine 合约引擎的对外入口：缓存管理器与调用协议
//
// 📋 **组件关系**
//
//	Manager ──► cache.Cache ──► runtime.Runtime ──► wazero
//	   │
//	   └──► Init / Handle / Query（JSON 调用协议）
//
// 宿主通过 Manager 上传字节码、创建实例、执行入口调用并回收宿主环境。
package engine

import (
	"context"
	"sync/atomic"

	vmconfig "github.com/weisyn/wasmvm/internal/config/vm"
	"github.com/weisyn/wasmvm/internal/core/engines/wasm/cache"
	"github.com/weisyn/wasmvm/internal/core/engines/wasm/compiler"
	"github.com/weisyn/wasmvm/internal/core/engines/wasm/runtime"
	"github.com/weisyn/wasmvm/pkg/interfaces/infrastructure/log"
	"github.com/weisyn/wasmvm/pkg/types"
)

// Option 管理器可选项
type Option func(*options)

type options struct {
	costModel compiler.CostModel
}

// WithCostModel 替换配置中的指令成本表
func WithCostModel(model compiler.CostModel) Option {
	return func(o *options) {
		o.costModel = model
	}
}

// Manager 缓存管理器
//
// 🎯 **核心职责**：
// - 上传：校验、插桩、持久化并编译字节码
// - 实例：按 CodeID 取出共享模块，绑定燃料预算与宿主环境
// - 回收：结束实例并归还宿主环境
//
// 所有方法可并发调用；单个实例上的调用由实例自身串行化。
type Manager struct {
	cfg     *vmconfig.Config
	logger  log.Logger
	runtime *runtime.Runtime
	cache   *cache.Cache

	liveInstances int64
	closed        atomic.Bool
}

// NewManager 按显式配置创建管理器，缓存目录被占用时返回 IoError
func NewManager(ctx context.Context, cfg *vmconfig.Config, logger log.Logger, opts ...Option) (*Manager, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	rt, err := runtime.New(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	c, err := cache.New(cfg, rt, o.costModel, logger)
	if err != nil {
		_ = rt.Close(ctx)
		return nil, err
	}

	if logger != nil {
		logger.Infof("合约引擎已启动: base_dir=%s engine=%s gas_ceiling=%d features=%s",
			cfg.GetBaseDir(), cfg.GetEngine(), cfg.GetGasCeiling(), cfg.GetSupportedFeatures())
	}
	return &Manager{
		cfg:     cfg,
		logger:  logger,
		runtime: rt,
		cache:   c,
	}, nil
}

// SaveWasm 保存字节码并返回 CodeID
func (m *Manager) SaveWasm(ctx context.Context, wasm []byte) (types.CodeID, error) {
	return m.cache.Save(ctx, wasm)
}

// GetCode 返回保留的原始字节码
func (m *Manager) GetCode(id types.CodeID) ([]byte, error) {
	return m.cache.GetCode(id)
}

// Analyze 返回模块的入口函数、导入与能力需求
func (m *Manager) Analyze(id types.CodeID) (*compiler.Analysis, error) {
	return m.cache.Analyze(id)
}

// Pin 固定模块，使其常驻内存
func (m *Manager) Pin(ctx context.Context, id types.CodeID) error {
	return m.cache.Pin(ctx, id)
}

// Unpin 取消固定
func (m *Manager) Unpin(id types.CodeID) error {
	return m.cache.Unpin(id)
}

// GetInstance 创建实例：共享模块 + gasLimit 燃料预算 + 独占的宿主环境
//
// 🔧 **创建流程**：
//  1. 从缓存获取模块（未命中时从磁盘加载）
//  2. 按当前配置重新校验能力需求（磁盘产物可能由能力更多的配置生成）
//  3. 实例化并绑定宿主环境；实例结束时释放模块引用
func (m *Manager) GetInstance(ctx context.Context, id types.CodeID, env *runtime.HostEnvironment, gasLimit uint64) (*runtime.Instance, error) {
	if m.closed.Load() {
		return nil, types.NewInvalidUseError(cache.ErrClosed)
	}
	module, err := m.cache.Acquire(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := module.Artifact().Requirements.Check(m.cfg.GetSupportedFeatures()); err != nil {
		m.cache.Release(id)
		return nil, err
	}

	inst, err := m.runtime.Instantiate(ctx, module, env, runtime.InstanceOptions{
		GasLimit: gasLimit,
		OnClose: func() {
			atomic.AddInt64(&m.liveInstances, -1)
			m.cache.Release(id)
		},
	})
	if err != nil {
		m.cache.Release(id)
		return nil, err
	}
	atomic.AddInt64(&m.liveInstances, 1)

	if m.logger != nil {
		m.logger.Debugf("合约实例已创建: code_id=%s gas_limit=%d", id.Short(), gasLimit)
	}
	return inst, nil
}

// Recycle 结束实例并取回宿主环境，供下一个实例复用
func (m *Manager) Recycle(ctx context.Context, inst *runtime.Instance) (*runtime.HostEnvironment, error) {
	return inst.Recycle(ctx)
}

// Stats 管理器统计
type Stats struct {
	Cache         cache.Stats               `json:"cache"`
	Execution     runtime.ExecutionSnapshot `json:"execution"`
	LiveInstances int64                     `json:"live_instances"`
}

// Stats 统计快照
func (m *Manager) Stats() Stats {
	return Stats{
		Cache:         m.cache.Stats(),
		Execution:     m.runtime.Stats(),
		LiveInstances: atomic.LoadInt64(&m.liveInstances),
	}
}

// Config 管理器使用的配置
func (m *Manager) Config() *vmconfig.Config {
	return m.cfg
}

// Close 关闭缓存并释放运行时；之后创建的实例返回错误
func (m *Manager) Close(ctx context.Context) error {
	if !m.closed.CompareAndSwap(false, true) {
		return nil
	}
	err := m.cache.Close(ctx)
	if rerr := m.runtime.Close(ctx); err == nil {
		err = rerr
	}
	if m.logger != nil {
		m.logger.Info("合约引擎已关闭")
	}
	return err
}
