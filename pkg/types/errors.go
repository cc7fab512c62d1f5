package types

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorKind 引擎错误类别
//
// 🎯 每次入口调用要么成功，要么返回且仅返回以下一种类别；
// 宿主必须把所有类别都视为"调用失败"，而不是进程崩溃。
type ErrorKind string

const (
	// 进入沙箱之前检测的错误
	ErrorKindValidation         ErrorKind = "validation"
	ErrorKindParse              ErrorKind = "parse"
	ErrorKindFeatureUnsupported ErrorKind = "feature_unsupported"
	ErrorKindNotFound           ErrorKind = "not_found"

	// 沙箱内部产生、在实例边界转换的错误
	ErrorKindRuntimeTrap  ErrorKind = "runtime_trap"
	ErrorKindGasExhausted ErrorKind = "gas_exhausted"

	// 合约逻辑主动返回的错误
	ErrorKindUnauthorized ErrorKind = "unauthorized"
	ErrorKindContract     ErrorKind = "contract"

	// 持久化错误
	ErrorKindIo ErrorKind = "io"
)

// 哨兵错误，用于 errors.Is 按类别匹配
var (
	ErrValidation         = &VMError{Kind: ErrorKindValidation}
	ErrParse              = &VMError{Kind: ErrorKindParse}
	ErrFeatureUnsupported = &VMError{Kind: ErrorKindFeatureUnsupported}
	ErrNotFound           = &VMError{Kind: ErrorKindNotFound}
	ErrRuntimeTrap        = &VMError{Kind: ErrorKindRuntimeTrap}
	ErrGasExhausted       = &VMError{Kind: ErrorKindGasExhausted}
	ErrUnauthorized       = &VMError{Kind: ErrorKindUnauthorized}
	ErrContract           = &VMError{Kind: ErrorKindContract}
	ErrIo                 = &VMError{Kind: ErrorKindIo}
)

// VMError 引擎统一错误类型
type VMError struct {
	// 错误类别
	Kind ErrorKind `json:"kind"`

	// 错误消息
	Message string `json:"message"`

	// 合约返回的详细描述（仅合约错误）
	Detail string `json:"detail,omitempty"`

	// 根本原因
	Cause error `json:"-"`
}

// Error 实现error接口
func (e *VMError) Error() string {
	parts := []string{fmt.Sprintf("[%s]", e.Kind)}
	if e.Message != "" {
		parts = append(parts, e.Message)
	}
	if e.Detail != "" {
		parts = append(parts, fmt.Sprintf("- %s", e.Detail))
	}
	if e.Cause != nil {
		parts = append(parts, fmt.Sprintf("caused by: %v", e.Cause))
	}
	return strings.Join(parts, " ")
}

// Unwrap 返回根本原因错误
func (e *VMError) Unwrap() error {
	return e.Cause
}

// Is 按错误类别匹配
func (e *VMError) Is(target error) bool {
	t, ok := target.(*VMError)
	if !ok || t == nil {
		return false
	}
	return e.Kind == t.Kind
}

// KindOf 返回错误链中第一个 VMError 的类别，非引擎错误返回空字符串
func KindOf(err error) ErrorKind {
	var vmErr *VMError
	if errors.As(err, &vmErr) {
		return vmErr.Kind
	}
	return ""
}

func newError(kind ErrorKind, cause error, format string, args ...interface{}) *VMError {
	return &VMError{Kind: kind, Message: fmt.Sprintf(format, args...), Cause: cause}
}

// NewValidationError 字节码结构不合法或使用了不允许的构造
func NewValidationError(format string, args ...interface{}) *VMError {
	return newError(ErrorKindValidation, nil, format, args...)
}

// NewInvalidUseError 对引擎接口的非法使用，归为 Validation，Cause 保留具体原因
//
// 例如实例正忙或已回收、宿主环境被占用、燃料限制超过上限、缓存已关闭。
func NewInvalidUseError(cause error) *VMError {
	return newError(ErrorKindValidation, cause, "invalid use")
}

// NewParseError 环境或消息JSON不合法
func NewParseError(cause error, format string, args ...interface{}) *VMError {
	return newError(ErrorKindParse, cause, format, args...)
}

// NewFeatureUnsupportedError 模块要求的能力宿主不支持
func NewFeatureUnsupportedError(format string, args ...interface{}) *VMError {
	return newError(ErrorKindFeatureUnsupported, nil, format, args...)
}

// NewNotFoundError 未知的 CodeID
func NewNotFoundError(cause error, format string, args ...interface{}) *VMError {
	return newError(ErrorKindNotFound, cause, format, args...)
}

// NewRuntimeTrapError 沙箱内部陷阱、panic、栈溢出或能力调用失败
func NewRuntimeTrapError(cause error, format string, args ...interface{}) *VMError {
	return newError(ErrorKindRuntimeTrap, cause, format, args...)
}

// NewGasExhaustedError 燃料耗尽
func NewGasExhaustedError(format string, args ...interface{}) *VMError {
	return newError(ErrorKindGasExhausted, nil, format, args...)
}

// NewIoError 持久化失败
func NewIoError(cause error, format string, args ...interface{}) *VMError {
	return newError(ErrorKindIo, cause, format, args...)
}

// NewContractError 把合约返回的 {error_kind, detail} 映射为错误类别
//
// 📋 映射规则：
//   - "unauthorized" → ErrorKindUnauthorized
//   - "parse"        → ErrorKindParse
//   - 其他           → ErrorKindContract
func NewContractError(errorKind, detail string) *VMError {
	kind := ErrorKindContract
	switch errorKind {
	case "unauthorized":
		kind = ErrorKindUnauthorized
	case "parse":
		kind = ErrorKindParse
	}
	return &VMError{
		Kind:    kind,
		Message: fmt.Sprintf("contract returned error %q", errorKind),
		Detail:  detail,
	}
}
