package runtime

import (
	"errors"
	"fmt"
	"strings"

	"github.com/tetratelabs/wazero/sys"

	"github.com/weisyn/wasmvm/pkg/types"
)

// 运行时错误定义
//
// 🎯 **职责范围**：沙箱边界内部使用的错误，离开运行时前统一转换为 types.VMError
// 📋 **转换规则**：
//   - 生命周期错误（实例忙、已回收、环境占用、燃料限制越界）→ Validation（Cause 为哨兵错误）
//   - 燃料耗尽标志已设置     → GasExhausted
//   - 宿主能力调用返回错误   → RuntimeTrap（Cause 为能力错误）
//   - 其他陷阱 / panic       → RuntimeTrap

// ==================== 基础错误定义 ====================

var (
	// ErrInstanceBusy 实例正在执行调用
	ErrInstanceBusy = errors.New("instance is running a call")

	// ErrInstanceClosed 实例已回收或销毁
	ErrInstanceClosed = errors.New("instance is recycled or destroyed")

	// ErrEnvironmentInUse 宿主环境已绑定到另一个存活实例
	ErrEnvironmentInUse = errors.New("host environment is attached to another instance")

	// ErrGasLimitExceedsCeiling 燃料限制超过内部上限
	ErrGasLimitExceedsCeiling = errors.New("gas limit exceeds ceiling")

	// ErrIncompleteEnvironment 宿主环境缺少能力
	ErrIncompleteEnvironment = errors.New("host environment must provide storage, api and querier")

	// ErrMemoryAccess 合约内存越界或 Region 不合法
	ErrMemoryAccess = errors.New("contract memory access")

	// ErrMissingExport 合约缺少运行时需要的导出
	ErrMissingExport = errors.New("missing export")

	// ErrInvalidIterator 不存在的迭代器编号
	ErrInvalidIterator = errors.New("invalid iterator id")

	// errOutOfGas 宿主函数内部扣费失败时 panic 的值
	errOutOfGas = errors.New("out of gas")
)

// invalidUse 把生命周期哨兵错误包装为 Validation，errors.Is 仍可匹配哨兵
func invalidUse(err error) error {
	return types.NewInvalidUseError(err)
}

// ==================== 陷阱转换 ====================

// hostError 能力调用失败，保留函数名与原始错误
type hostError struct {
	fn  string
	err error
}

func (e *hostError) Error() string {
	return fmt.Sprintf("host function %s: %v", e.fn, e.err)
}

func (e *hostError) Unwrap() error {
	return e.err
}

// convertTrap 把一次调用中产生的错误转换为引擎错误
//
// exhausted 为调用结束时的燃料耗尽标志，hostErr 为本次调用记录的第一个能力错误。
func convertTrap(entry string, err error, exhausted bool, hostErr error) error {
	if err == nil {
		return nil
	}
	if exhausted || errors.Is(err, errOutOfGas) {
		return types.NewGasExhaustedError("%s ran out of gas", entry)
	}
	if hostErr != nil {
		return types.NewRuntimeTrapError(hostErr, "%s aborted by host function", entry)
	}
	var exitErr *sys.ExitError
	if errors.As(err, &exitErr) {
		return types.NewRuntimeTrapError(err, "%s exited with code %d", entry, exitErr.ExitCode())
	}
	return types.NewRuntimeTrapError(err, "%s trapped: %s", entry, trapReason(err))
}

// trapReason 提取 wazero 陷阱消息的首行
func trapReason(err error) string {
	msg := err.Error()
	if i := strings.IndexByte(msg, '\n'); i >= 0 {
		msg = msg[:i]
	}
	return strings.TrimPrefix(msg, "wasm error: ")
}

// panicError 把 recover 得到的值转换为错误
func panicError(v interface{}) error {
	if err, ok := v.(error); ok {
		return err
	}
	return fmt.Errorf("panic: %v", v)
}
