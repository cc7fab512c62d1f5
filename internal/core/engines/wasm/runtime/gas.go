package runtime

import (
	"fmt"

	"github.com/tetratelabs/wazero/api"

	"github.com/weisyn/wasmvm/internal/core/engines/wasm/compiler"
	"github.com/weisyn/wasmvm/pkg/types"
)

// gasMeter 基于插桩全局变量的燃料计量
//
// 剩余燃料保存在合约实例的 __gas_left 中，插桩代码与宿主函数扣减同一个值；
// 实例化时该值等于内部上限，设置限制即预先扣除 ceiling - limit。
type gasMeter struct {
	left      api.MutableGlobal
	exhausted api.MutableGlobal
	ceiling   uint64
	limit     uint64
}

func newGasMeter(mod api.Module, ceiling uint64) (*gasMeter, error) {
	left, ok := mod.ExportedGlobal(compiler.GasLeftGlobal).(api.MutableGlobal)
	if !ok {
		return nil, types.NewRuntimeTrapError(ErrMissingExport, "gas global %s", compiler.GasLeftGlobal)
	}
	flag, ok := mod.ExportedGlobal(compiler.GasExhaustedGlobal).(api.MutableGlobal)
	if !ok {
		return nil, types.NewRuntimeTrapError(ErrMissingExport, "gas global %s", compiler.GasExhaustedGlobal)
	}
	return &gasMeter{left: left, exhausted: flag, ceiling: ceiling, limit: ceiling}, nil
}

// setLimit 预扣 ceiling - limit，使剩余燃料等于 limit
func (g *gasMeter) setLimit(limit uint64) error {
	if limit > g.ceiling {
		return invalidUse(fmt.Errorf("%w: %d > %d", ErrGasLimitExceedsCeiling, limit, g.ceiling))
	}
	precharge := g.ceiling - limit
	g.left.Set(g.ceiling - precharge)
	g.exhausted.Set(0)
	g.limit = limit
	return nil
}

func (g *gasMeter) remaining() uint64 {
	return g.left.Get()
}

// used 自最近一次设置限制以来消耗的燃料
func (g *gasMeter) used() uint64 {
	left := g.remaining()
	if left > g.limit {
		return 0
	}
	return g.limit - left
}

// consume 扣除 cost；不足时置零并设置耗尽标志
func (g *gasMeter) consume(cost uint64) bool {
	left := g.left.Get()
	if left < cost {
		g.left.Set(0)
		g.exhausted.Set(1)
		return false
	}
	g.left.Set(left - cost)
	return true
}

func (g *gasMeter) isExhausted() bool {
	return uint32(g.exhausted.Get()) != 0
}

func (g *gasMeter) clearFlag() {
	g.exhausted.Set(0)
}
