package runtime

import (
	"context"
	"sync"
	"time"

	"github.com/tetratelabs/wazero/api"

	"github.com/weisyn/wasmvm/pkg/types"
)

// InstanceState 实例生命周期状态
//
//	Created → Running（每次调用）→ Idle → Recycled | Destroyed
type InstanceState int32

const (
	StateCreated InstanceState = iota
	StateRunning
	StateIdle
	StateRecycled
	StateDestroyed
)

var stateNames = [...]string{"created", "running", "idle", "recycled", "destroyed"}

// String 状态名称
func (s InstanceState) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "unknown"
}

// Instance 合约实例：共享的编译模块 + 独占的燃料预算 + 独占的宿主环境
//
// 📋 **并发约束**：
// 同一实例上的调用是单线程同步的，并发调用直接返回 ErrInstanceBusy；
// 不同实例可以在各自的 goroutine 中并发执行。
// GasLeft、GasUsed、MemorySize 读取沙箱内的全局变量与线性内存：实例 Running 时只能在
// 执行调用的 goroutine 上读取（例如宿主能力回调中），其他 goroutine 应等待调用返回。
type Instance struct {
	runtime *Runtime
	module  *CompiledModule
	mod     api.Module
	env     *HostEnvironment
	gas     *gasMeter
	onClose func()

	mu       sync.Mutex
	state    InstanceState
	finalGas uint64
}

// CodeID 实例所属模块
func (i *Instance) CodeID() types.CodeID {
	return i.module.CodeID()
}

// State 当前状态
func (i *Instance) State() InstanceState {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.state
}

// Call 执行入口函数
//
// 🔧 **调用流程**：
//  1. 标记为 Running，拒绝并发调用
//  2. 通过合约 allocate 写入 env 与 msg
//  3. 调用入口函数并读取结果 Region
//  4. 把陷阱、panic、燃料耗尽转换为 types.VMError
//
// 返回的是合约输出的原始字节，解码由调用协议层负责。
func (i *Instance) Call(ctx context.Context, entry string, env, msg []byte) (result []byte, err error) {
	if err := i.begin(); err != nil {
		return nil, err
	}

	c := &callContext{env: i.env, gas: i.gas}
	i.gas.clearFlag()
	gasBefore := i.gas.remaining()
	start := time.Now()

	defer func() {
		if v := recover(); v != nil {
			result, err = nil, types.NewRuntimeTrapError(panicError(v), "%s panicked", entry)
		}
		c.closeIterators()
		exhausted := i.gas.isExhausted()
		i.runtime.stats.recordCall(time.Since(start), gasBefore-i.gas.remaining(), err, exhausted)
		i.end()
	}()

	fn := i.mod.ExportedFunction(entry)
	if fn == nil {
		return nil, types.NewValidationError("contract does not export entry point %s", entry)
	}

	callCtx := withCallContext(ctx, c)
	envPtr, err := allocateRegion(callCtx, i.mod, env)
	if err != nil {
		return nil, convertTrap(entry, err, i.gas.isExhausted(), c.hostErr)
	}
	msgPtr, err := allocateRegion(callCtx, i.mod, msg)
	if err != nil {
		return nil, convertTrap(entry, err, i.gas.isExhausted(), c.hostErr)
	}

	res, err := fn.Call(callCtx, uint64(envPtr), uint64(msgPtr))
	if err != nil {
		return nil, convertTrap(entry, err, i.gas.isExhausted(), c.hostErr)
	}
	data, err := readRegionData(i.mod.Memory(), uint32(res[0]), 0)
	if err != nil {
		return nil, types.NewRuntimeTrapError(err, "%s returned an invalid result region", entry)
	}
	return data, nil
}

func (i *Instance) begin() error {
	i.mu.Lock()
	defer i.mu.Unlock()
	switch i.state {
	case StateRunning:
		return invalidUse(ErrInstanceBusy)
	case StateRecycled, StateDestroyed:
		return invalidUse(ErrInstanceClosed)
	}
	i.state = StateRunning
	return nil
}

func (i *Instance) end() {
	i.mu.Lock()
	i.state = StateIdle
	i.mu.Unlock()
}

// GasLeft 剩余燃料；耗尽后精确为 0
//
// Running 期间只能在执行调用的 goroutine 上读取。
func (i *Instance) GasLeft() uint64 {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.closed() {
		return i.finalGas
	}
	return i.gas.remaining()
}

// GasUsed 自最近一次设置限制以来消耗的燃料
func (i *Instance) GasUsed() uint64 {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.closed() {
		return i.gas.limit - i.finalGas
	}
	return i.gas.used()
}

// SetGasLimit 设置下一次调用的燃料限制，只能在调用开始之前设置
func (i *Instance) SetGasLimit(limit uint64) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	switch i.state {
	case StateRunning:
		return invalidUse(ErrInstanceBusy)
	case StateRecycled, StateDestroyed:
		return invalidUse(ErrInstanceClosed)
	}
	return i.gas.setLimit(limit)
}

// MemorySize 线性内存字节数，Running 期间的读取约束同 GasLeft
func (i *Instance) MemorySize() uint32 {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.closed() {
		return 0
	}
	return i.mod.Memory().Size()
}

// Recycle 结束实例并归还宿主环境，之后实例不可再用
func (i *Instance) Recycle(ctx context.Context) (*HostEnvironment, error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if err := i.closable(); err != nil {
		return nil, err
	}
	env := i.env
	i.release(ctx, StateRecycled)
	env.detach()
	return env, nil
}

// Destroy 结束实例，宿主环境随之释放，不归还给调用方
func (i *Instance) Destroy(ctx context.Context) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	if err := i.closable(); err != nil {
		return err
	}
	env := i.env
	i.release(ctx, StateDestroyed)
	env.detach()
	return nil
}

func (i *Instance) closed() bool {
	return i.state == StateRecycled || i.state == StateDestroyed
}

func (i *Instance) closable() error {
	if i.state == StateRunning {
		return invalidUse(ErrInstanceBusy)
	}
	if i.closed() {
		return invalidUse(ErrInstanceClosed)
	}
	return nil
}

// release 关闭 wazero 实例并释放模块引用
func (i *Instance) release(ctx context.Context, state InstanceState) {
	i.finalGas = i.gas.remaining()
	if err := i.mod.Close(ctx); err != nil && i.runtime.logger != nil {
		i.runtime.logger.Warnf("关闭合约实例失败: code_id=%s err=%v", i.CodeID().Short(), err)
	}
	i.state = state
	i.env = nil
	if i.onClose != nil {
		i.onClose()
		i.onClose = nil
	}
}
