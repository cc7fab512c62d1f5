package runtime

import (
	"sync/atomic"

	"github.com/weisyn/wasmvm/pkg/interfaces/vm"
)

// HostEnvironment 宿主能力集合：Storage + Api + Querier
//
// 🎯 **所有权**
//
//	同一时刻最多绑定到一个存活实例。实例回收时环境被归还，可以再次绑定；
//	实例销毁时环境随之释放，不再归还给调用方。
type HostEnvironment struct {
	Storage vm.Storage
	Api     vm.Api
	Querier vm.Querier

	attached atomic.Bool
}

// NewHostEnvironment 创建宿主环境
func NewHostEnvironment(storage vm.Storage, api vm.Api, querier vm.Querier) *HostEnvironment {
	return &HostEnvironment{Storage: storage, Api: api, Querier: querier}
}

// Attached 是否已绑定到存活实例
func (e *HostEnvironment) Attached() bool {
	return e.attached.Load()
}

func (e *HostEnvironment) attach() error {
	if !e.attached.CompareAndSwap(false, true) {
		return invalidUse(ErrEnvironmentInUse)
	}
	return nil
}

func (e *HostEnvironment) detach() {
	e.attached.Store(false)
}
