package config

import (
	logconfig "github.com/weisyn/wasmvm/internal/config/log"
	badgerconfig "github.com/weisyn/wasmvm/internal/config/storage/badger"
	vmconfig "github.com/weisyn/wasmvm/internal/config/vm"
	"go.uber.org/fx"
)

// ConfigParams 定义配置模块的依赖参数
type ConfigParams struct {
	fx.In

	Provider *Provider `optional:"true"`
}

// ConfigOutput 定义配置模块的输出结构
type ConfigOutput struct {
	fx.Out

	Log     *logconfig.Config
	VM      *vmconfig.Config
	Storage *badgerconfig.Config
}

// Module 返回配置模块
func Module() fx.Option {
	return fx.Module("config",
		fx.Provide(ProvideConfigServices),
	)
}

// ProvideConfigServices 从配置提供者拆分出各子模块配置
func ProvideConfigServices(params ConfigParams) (ConfigOutput, error) {
	provider := params.Provider
	if provider == nil {
		provider = NewProvider(nil)
	}

	vmCfg, err := provider.GetVM()
	if err != nil {
		return ConfigOutput{}, err
	}

	return ConfigOutput{
		Log:     provider.GetLog(),
		VM:      vmCfg,
		Storage: provider.GetStorage(),
	}, nil
}
