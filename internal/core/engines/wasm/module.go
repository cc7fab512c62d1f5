// Package wasm 合约引擎的 fx 模块与一次性执行适配器
package wasm

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/fx"

	vmconfig "github.com/weisyn/wasmvm/internal/config/vm"
	"github.com/weisyn/wasmvm/internal/core/engines/wasm/compiler"
	"github.com/weisyn/wasmvm/internal/core/engines/wasm/engine"
	infralog "github.com/weisyn/wasmvm/internal/core/infrastructure/log"
	"github.com/weisyn/wasmvm/pkg/interfaces/infrastructure/clock"
	"github.com/weisyn/wasmvm/pkg/interfaces/infrastructure/log"
)

// ModuleParams 合约引擎模块的输入依赖
type ModuleParams struct {
	fx.In

	Lifecycle fx.Lifecycle
	Config    *vmconfig.Config

	Logger     log.Logger            `optional:"true"` // 日志记录器（可选）
	CostModel  compiler.CostModel    `optional:"true"` // 替换配置中的成本表（可选）
	Registerer prometheus.Registerer `optional:"true"` // 指标注册表（可选）
	Clock      clock.Clock           `optional:"true"` // 执行计时时钟（可选）
}

// ModuleOutput 合约引擎模块的输出服务
type ModuleOutput struct {
	fx.Out

	Manager *engine.Manager
	Adapter *Adapter
}

// ProvideServices 创建缓存管理器与执行适配器
//
// 管理器在构造时获取缓存目录锁，应用停止时关闭并释放。
func ProvideServices(params ModuleParams) (ModuleOutput, error) {
	logger := infralog.NewModuleLogger(params.Logger, "wasm")

	var opts []engine.Option
	if params.CostModel != nil {
		opts = append(opts, engine.WithCostModel(params.CostModel))
	}
	manager, err := engine.NewManager(context.Background(), params.Config, logger, opts...)
	if err != nil {
		return ModuleOutput{}, fmt.Errorf("创建合约引擎失败: %w", err)
	}

	if params.Registerer != nil {
		if err := manager.RegisterMetrics(params.Registerer); err != nil {
			_ = manager.Close(context.Background())
			return ModuleOutput{}, fmt.Errorf("注册合约引擎指标失败: %w", err)
		}
	}

	params.Lifecycle.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			return manager.Close(ctx)
		},
	})

	return ModuleOutput{
		Manager: manager,
		Adapter: NewAdapter(manager, logger, params.Clock),
	}, nil
}

// Module 合约引擎 fx 模块
func Module() fx.Option {
	return fx.Module("engine-wasm",
		fx.Provide(ProvideServices),
	)
}
