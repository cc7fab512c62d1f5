package wasm

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/weisyn/wasmvm/internal/core/engines/wasm/compiler"
	"github.com/weisyn/wasmvm/internal/core/engines/wasm/engine"
	"github.com/weisyn/wasmvm/internal/core/engines/wasm/runtime"
	"github.com/weisyn/wasmvm/internal/core/infrastructure/clock"
	infraClock "github.com/weisyn/wasmvm/pkg/interfaces/infrastructure/clock"
	"github.com/weisyn/wasmvm/pkg/interfaces/infrastructure/log"
	"github.com/weisyn/wasmvm/pkg/types"
)

var errHostNotBound = errors.New("host environment not bound")

// ExecutionParams 一次入口调用的参数
type ExecutionParams struct {
	CodeID   types.CodeID
	Entry    string // init / handle / query
	Env      []byte // JSON 编码的 Env
	Msg      []byte // JSON 编码的消息
	GasLimit uint64
}

// ExecutionResult 一次入口调用的结果
//
// 调用失败时结果仍然返回，携带已消耗的燃料。
type ExecutionResult struct {
	ID       string               `json:"execution_id"` // 用于日志关联
	Entry    string               `json:"entry"`
	Response *types.Response      `json:"response,omitempty"` // init / handle
	Query    *types.QueryResponse `json:"query,omitempty"`    // query
	GasUsed  uint64               `json:"gas_used"`
	GasLeft  uint64               `json:"gas_left"`
	Duration time.Duration        `json:"duration"`
}

// Adapter 一次性执行门面：获取实例 → 调用入口 → 回收宿主环境
//
// 📋 **使用方式**
//
//	adapter.BindHost(runtime.NewHostEnvironment(storage, api, querier))
//	result, err := adapter.Execute(ctx, ExecutionParams{...})
//
// 宿主环境在每次执行后回收并重新绑定，同一适配器上的执行串行进行。
type Adapter struct {
	manager *engine.Manager
	logger  log.Logger
	clock   infraClock.Clock

	mu  sync.Mutex
	env *runtime.HostEnvironment
}

// NewAdapter 创建执行适配器；clk 为 nil 时使用系统时钟计时
func NewAdapter(manager *engine.Manager, logger log.Logger, clk infraClock.Clock) *Adapter {
	if clk == nil {
		clk = clock.NewSystemClock()
	}
	return &Adapter{manager: manager, logger: logger, clock: clk}
}

// Manager 底层缓存管理器
func (a *Adapter) Manager() *engine.Manager {
	return a.manager
}

// BindHost 绑定宿主环境，替换之前绑定的环境
func (a *Adapter) BindHost(env *runtime.HostEnvironment) error {
	if env == nil {
		return types.NewInvalidUseError(errHostNotBound)
	}
	if env.Attached() {
		return types.NewInvalidUseError(runtime.ErrEnvironmentInUse)
	}
	a.mu.Lock()
	a.env = env
	a.mu.Unlock()
	return nil
}

// Execute 执行一次入口调用
func (a *Adapter) Execute(ctx context.Context, params ExecutionParams) (*ExecutionResult, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.env == nil {
		return nil, types.NewInvalidUseError(errHostNotBound)
	}
	switch params.Entry {
	case compiler.EntryInit, compiler.EntryHandle, compiler.EntryQuery:
	default:
		return nil, types.NewValidationError("unknown entry point %q", params.Entry)
	}

	inst, err := a.manager.GetInstance(ctx, params.CodeID, a.env, params.GasLimit)
	if err != nil {
		return nil, err
	}

	start := a.clock.Now()
	result := &ExecutionResult{ID: uuid.New().String(), Entry: params.Entry}
	var callErr error
	switch params.Entry {
	case compiler.EntryInit:
		result.Response, callErr = a.manager.Init(ctx, inst, params.Env, params.Msg)
	case compiler.EntryHandle:
		result.Response, callErr = a.manager.Handle(ctx, inst, params.Env, params.Msg)
	case compiler.EntryQuery:
		result.Query, callErr = a.manager.Query(ctx, inst, params.Env, params.Msg)
	}
	result.Duration = a.clock.Since(start)
	result.GasUsed = inst.GasUsed()
	result.GasLeft = inst.GasLeft()

	env, err := a.manager.Recycle(ctx, inst)
	if err != nil {
		// 回收失败时环境随实例释放，需要重新绑定
		a.env = nil
		return result, fmt.Errorf("recycle instance: %w", err)
	}
	a.env = env

	if a.logger != nil {
		a.logger.Debugf("合约执行完成: id=%s code_id=%s entry=%s gas_used=%d duration=%s err=%v",
			result.ID, params.CodeID.Short(), params.Entry, result.GasUsed, result.Duration, callErr)
	}
	return result, callErr
}
