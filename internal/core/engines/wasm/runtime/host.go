package runtime

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"

	"github.com/weisyn/wasmvm/internal/core/engines/wasm/compiler"
	"github.com/weisyn/wasmvm/pkg/interfaces/vm"
)

// ==================== 宿主函数 ====================
//
// 🎯 **设计要点**
//
//	env 模块在运行时中只实例化一次，所有宿主函数从 ctx 中取出当前调用的 callContext，
//	不闭包捕获任何实例状态。能力调用失败时记录错误并 panic，由 wazero 转换为陷阱，
//	在实例边界统一转换为 types.VMError。

// 宿主函数读取的缓冲区上限
const (
	maxKeyLength     = 64 * 1024
	maxValueLength   = 128 * 1024
	maxAddressLength = 256
	maxQueryLength   = 64 * 1024
	maxDebugLength   = 16 * 1024
)

type callContextKey struct{}

// callContext 单次入口调用的宿主侧状态
type callContext struct {
	env       *HostEnvironment
	gas       *gasMeter
	iterators []vm.Iterator
	hostErr   error
}

func withCallContext(ctx context.Context, c *callContext) context.Context {
	return context.WithValue(ctx, callContextKey{}, c)
}

func callFromContext(ctx context.Context) (*callContext, bool) {
	c, ok := ctx.Value(callContextKey{}).(*callContext)
	return c, ok
}

// closeIterators 释放本次调用创建的迭代器
func (c *callContext) closeIterators() {
	for _, it := range c.iterators {
		_ = it.Close()
	}
	c.iterators = nil
}

// hostFunc 宿主函数定义
type hostFunc struct {
	name    string
	params  []api.ValueType
	results []api.ValueType
	fn      func(ctx context.Context, c *callContext, m api.Module, stack []uint64) error
}

var (
	i32     = api.ValueTypeI32
	one32   = []api.ValueType{i32}
	two32   = []api.ValueType{i32, i32}
	three32 = []api.ValueType{i32, i32, i32}
	noVals  []api.ValueType
)

// hostFunctions 与 compiler 中声明的导入一一对应
func (r *Runtime) hostFunctions() []hostFunc {
	return []hostFunc{
		{compiler.ImportDBRead, one32, one32, r.dbRead},
		{compiler.ImportDBWrite, two32, noVals, r.dbWrite},
		{compiler.ImportDBRemove, one32, noVals, r.dbRemove},
		{compiler.ImportDBScan, three32, one32, r.dbScan},
		{compiler.ImportDBNext, one32, one32, r.dbNext},
		{compiler.ImportCanonicalize, one32, one32, r.canonicalize},
		{compiler.ImportHumanize, one32, one32, r.humanize},
		{compiler.ImportQueryChain, one32, one32, r.queryChain},
		{compiler.ImportDebug, one32, noVals, r.debug},
	}
}

// instantiateHostModule 注册并实例化 env 模块
func (r *Runtime) instantiateHostModule(ctx context.Context) error {
	builder := r.runtime.NewHostModuleBuilder(compiler.HostModule)
	for _, h := range r.hostFunctions() {
		builder.NewFunctionBuilder().
			WithGoModuleFunction(r.wrap(h), h.params, h.results).
			WithName(h.name).
			Export(h.name)
	}
	if _, err := builder.Instantiate(ctx); err != nil {
		return fmt.Errorf("instantiate host module: %w", err)
	}
	return nil
}

// wrap 把宿主函数包装为 wazero 函数：取出调用上下文，失败时记录并中止
func (r *Runtime) wrap(h hostFunc) api.GoModuleFunc {
	return func(ctx context.Context, m api.Module, stack []uint64) {
		c, ok := callFromContext(ctx)
		if !ok {
			panic(fmt.Errorf("host function %s called outside of an instance call", h.name))
		}
		if err := h.fn(ctx, c, m, stack); err != nil {
			if !errors.Is(err, errOutOfGas) && c.hostErr == nil && !c.gas.isExhausted() {
				c.hostErr = &hostError{fn: h.name, err: err}
			}
			panic(err)
		}
	}
}

// charge 扣除宿主调用成本，不足时返回 errOutOfGas
func charge(c *callContext, base uint64, perByte uint64, n int) error {
	if !c.gas.consume(base + perByte*uint64(n)) {
		return errOutOfGas
	}
	return nil
}

func (r *Runtime) dbRead(ctx context.Context, c *callContext, m api.Module, stack []uint64) error {
	key, err := readRegionData(m.Memory(), uint32(stack[0]), maxKeyLength)
	if err != nil {
		return err
	}
	if err := charge(c, r.hostCosts.DBRead, r.hostCosts.PerByte, len(key)); err != nil {
		return err
	}
	value, err := c.env.Storage.Get(key)
	if err != nil {
		return err
	}
	if value == nil {
		stack[0] = 0
		return nil
	}
	if err := charge(c, 0, r.hostCosts.PerByte, len(value)); err != nil {
		return err
	}
	ptr, err := allocateRegion(ctx, m, value)
	if err != nil {
		return err
	}
	stack[0] = uint64(ptr)
	return nil
}

func (r *Runtime) dbWrite(_ context.Context, c *callContext, m api.Module, stack []uint64) error {
	key, err := readRegionData(m.Memory(), uint32(stack[0]), maxKeyLength)
	if err != nil {
		return err
	}
	value, err := readRegionData(m.Memory(), uint32(stack[1]), maxValueLength)
	if err != nil {
		return err
	}
	if err := charge(c, r.hostCosts.DBWrite, r.hostCosts.PerByte, len(key)+len(value)); err != nil {
		return err
	}
	return c.env.Storage.Set(key, value)
}

func (r *Runtime) dbRemove(_ context.Context, c *callContext, m api.Module, stack []uint64) error {
	key, err := readRegionData(m.Memory(), uint32(stack[0]), maxKeyLength)
	if err != nil {
		return err
	}
	if err := charge(c, r.hostCosts.DBRemove, r.hostCosts.PerByte, len(key)); err != nil {
		return err
	}
	return c.env.Storage.Remove(key)
}

// dbScan(start, end, order) -> 迭代器编号（从 1 开始）；start/end 为 0 表示无界
func (r *Runtime) dbScan(_ context.Context, c *callContext, m api.Module, stack []uint64) error {
	var start, end []byte
	var err error
	if ptr := uint32(stack[0]); ptr != 0 {
		if start, err = readRegionData(m.Memory(), ptr, maxKeyLength); err != nil {
			return err
		}
	}
	if ptr := uint32(stack[1]); ptr != 0 {
		if end, err = readRegionData(m.Memory(), ptr, maxKeyLength); err != nil {
			return err
		}
	}
	order := vm.Order(int32(uint32(stack[2])))
	if !order.Valid() {
		return fmt.Errorf("invalid iteration order %d", order)
	}
	if err := charge(c, r.hostCosts.DBScan, r.hostCosts.PerByte, len(start)+len(end)); err != nil {
		return err
	}
	it, err := c.env.Storage.Iterator(start, end, order)
	if err != nil {
		return err
	}
	c.iterators = append(c.iterators, it)
	stack[0] = uint64(len(c.iterators))
	return nil
}

// dbNext(id) -> Region{key ++ value ++ u32be(len(key))}；迭代结束返回 0
func (r *Runtime) dbNext(ctx context.Context, c *callContext, m api.Module, stack []uint64) error {
	id := uint32(stack[0])
	if id == 0 || int(id) > len(c.iterators) {
		return fmt.Errorf("%w: %d", ErrInvalidIterator, id)
	}
	if err := charge(c, r.hostCosts.DBNext, 0, 0); err != nil {
		return err
	}
	key, value, ok, err := c.iterators[id-1].Next()
	if err != nil {
		return err
	}
	if !ok {
		stack[0] = 0
		return nil
	}
	out := make([]byte, 0, len(key)+len(value)+4)
	out = append(out, key...)
	out = append(out, value...)
	out = binary.BigEndian.AppendUint32(out, uint32(len(key)))
	if err := charge(c, 0, r.hostCosts.PerByte, len(out)); err != nil {
		return err
	}
	ptr, err := allocateRegion(ctx, m, out)
	if err != nil {
		return err
	}
	stack[0] = uint64(ptr)
	return nil
}

func (r *Runtime) canonicalize(ctx context.Context, c *callContext, m api.Module, stack []uint64) error {
	human, err := readRegionData(m.Memory(), uint32(stack[0]), maxAddressLength)
	if err != nil {
		return err
	}
	if err := charge(c, r.hostCosts.Canonicalize, r.hostCosts.PerByte, len(human)); err != nil {
		return err
	}
	canonical, err := c.env.Api.CanonicalAddress(string(human))
	if err != nil {
		return err
	}
	ptr, err := allocateRegion(ctx, m, canonical)
	if err != nil {
		return err
	}
	stack[0] = uint64(ptr)
	return nil
}

func (r *Runtime) humanize(ctx context.Context, c *callContext, m api.Module, stack []uint64) error {
	canonical, err := readRegionData(m.Memory(), uint32(stack[0]), maxAddressLength)
	if err != nil {
		return err
	}
	if err := charge(c, r.hostCosts.Humanize, r.hostCosts.PerByte, len(canonical)); err != nil {
		return err
	}
	human, err := c.env.Api.HumanAddress(canonical)
	if err != nil {
		return err
	}
	ptr, err := allocateRegion(ctx, m, []byte(human))
	if err != nil {
		return err
	}
	stack[0] = uint64(ptr)
	return nil
}

func (r *Runtime) queryChain(ctx context.Context, c *callContext, m api.Module, stack []uint64) error {
	request, err := readRegionData(m.Memory(), uint32(stack[0]), maxQueryLength)
	if err != nil {
		return err
	}
	if err := charge(c, r.hostCosts.QueryChain, r.hostCosts.PerByte, len(request)); err != nil {
		return err
	}
	response, err := c.env.Querier.Query(request)
	if err != nil {
		return err
	}
	if err := charge(c, 0, r.hostCosts.PerByte, len(response)); err != nil {
		return err
	}
	ptr, err := allocateRegion(ctx, m, response)
	if err != nil {
		return err
	}
	stack[0] = uint64(ptr)
	return nil
}

func (r *Runtime) debug(_ context.Context, c *callContext, m api.Module, stack []uint64) error {
	msg, err := readRegionData(m.Memory(), uint32(stack[0]), maxDebugLength)
	if err != nil {
		return err
	}
	if err := charge(c, r.hostCosts.Debug, r.hostCosts.PerByte, len(msg)); err != nil {
		return err
	}
	if r.logger != nil {
		r.logger.Debugf("合约调试输出: %s", msg)
	}
	return nil
}

// moduleConfig 合约实例配置：匿名、无 start 函数，不提供任何系统接口
func moduleConfig() wazero.ModuleConfig {
	return wazero.NewModuleConfig().
		WithName("").
		WithStartFunctions()
}
