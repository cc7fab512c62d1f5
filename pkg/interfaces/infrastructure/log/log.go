// Package log 定义引擎使用的日志接口
//
// 📋 **日志接口 (Logging Interface)**
//
// 引擎各组件（模块缓存、实例、调用分发、CLI）只依赖本接口，
// 具体实现由 internal/core/infrastructure/log 基于 zap 提供。
//
// 🎯 **设计原则**
// - 结构化：With 附加键值字段
// - 可替换：测试中可使用 NewNop 或自定义实现
package log

import "go.uber.org/zap"

// Logger 日志记录器接口
type Logger interface {
	// Debug 记录调试级别的日志
	Debug(msg string)

	// Debugf 使用格式化字符串记录调试级别的日志
	Debugf(format string, args ...interface{})

	// Info 记录信息级别的日志
	Info(msg string)

	// Infof 使用格式化字符串记录信息级别的日志
	Infof(format string, args ...interface{})

	// Warn 记录警告级别的日志
	Warn(msg string)

	// Warnf 使用格式化字符串记录警告级别的日志
	Warnf(format string, args ...interface{})

	// Error 记录错误级别的日志
	Error(msg string)

	// Errorf 使用格式化字符串记录错误级别的日志
	Errorf(format string, args ...interface{})

	// With 返回一个带有额外字段的Logger，args 为交替的键值
	With(args ...interface{}) Logger

	// Sync 同步日志缓冲区到输出
	Sync() error

	// GetZapLogger 获取原始的zap日志记录器
	GetZapLogger() *zap.Logger
}
