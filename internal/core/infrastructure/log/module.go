package log

import (
	"fmt"

	logconfig "github.com/weisyn/wasmvm/internal/config/log"
	logInterface "github.com/weisyn/wasmvm/pkg/interfaces/infrastructure/log"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// ModuleParams 定义日志模块的依赖参数
type ModuleParams struct {
	fx.In

	Config *logconfig.Config `optional:"true"` // 为空时使用默认配置
}

// ModuleOutput 定义日志模块的输出结构
type ModuleOutput struct {
	fx.Out

	Logger    logInterface.Logger // 日志记录器接口
	ZapLogger *zap.Logger         // 供需要 zap 特性的组件使用
}

// Module 返回日志模块
func Module() fx.Option {
	return fx.Module("log",
		fx.Provide(ProvideServices),
	)
}

// ProvideServices 根据配置创建日志记录器
func ProvideServices(params ModuleParams) (ModuleOutput, error) {
	cfg := params.Config
	if cfg == nil {
		cfg = logconfig.New(nil)
	}

	logger, err := New(cfg)
	if err != nil {
		return ModuleOutput{}, fmt.Errorf("创建日志记录器失败: %w", err)
	}

	return ModuleOutput{
		Logger:    logger,
		ZapLogger: logger.GetZapLogger(),
	}, nil
}

// NewModuleLogger 创建带 module 字段的 logger
//
// 参数：
//   - baseLogger: 基础 logger，为 nil 时返回不输出的 logger
//   - module: 模块名称（如 "cache"、"runtime"、"engine"）
func NewModuleLogger(baseLogger logInterface.Logger, module string) logInterface.Logger {
	if baseLogger == nil {
		return NewNop()
	}
	return baseLogger.With("module", module)
}
