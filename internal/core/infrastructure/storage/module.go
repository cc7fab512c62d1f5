// Package storage 提供合约状态存储的 fx 模块
package storage

import (
	"context"

	badgerconfig "github.com/weisyn/wasmvm/internal/config/storage/badger"
	infralog "github.com/weisyn/wasmvm/internal/core/infrastructure/log"
	"github.com/weisyn/wasmvm/internal/core/infrastructure/storage/badger"
	"github.com/weisyn/wasmvm/pkg/interfaces/infrastructure/log"
	"go.uber.org/fx"
)

// ModuleParams 定义存储模块的依赖参数
type ModuleParams struct {
	fx.In

	Lifecycle fx.Lifecycle
	Config    *badgerconfig.Config `optional:"true"` // 为空时使用默认配置
	Logger    log.Logger           `optional:"true"`
}

// Module 返回存储模块
func Module() fx.Option {
	return fx.Module("storage",
		fx.Provide(ProvideBadgerStore),
	)
}

// ProvideBadgerStore 打开合约状态存储，并在应用停止时关闭
func ProvideBadgerStore(params ModuleParams) (*badger.Store, error) {
	store, err := badger.New(params.Config, infralog.NewModuleLogger(params.Logger, "storage"))
	if err != nil {
		return nil, err
	}

	params.Lifecycle.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			return store.Close()
		},
	})
	return store, nil
}
