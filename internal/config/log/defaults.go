package log

import (
	"go.uber.org/zap/zapcore"
)

// 日志配置默认值
const (
	// defaultLogLevel 默认日志级别
	// 编译、缓存命中等高频事件只在debug级别输出
	defaultLogLevel = "info"

	// defaultToConsole 默认输出到控制台（CLI 场景）
	defaultToConsole = true

	// defaultMaxSize 单个日志文件最大100MB
	defaultMaxSize = 100

	// defaultMaxBackups 最多保留10个备份
	defaultMaxBackups = 10

	// defaultMaxAge 日志文件最多保留30天
	defaultMaxAge = 30

	// defaultCompress 默认压缩历史日志
	defaultCompress = true

	// defaultEnableCaller 默认记录调用者信息
	defaultEnableCaller = true

	// defaultEnableStacktrace 默认对Error级别记录堆栈
	defaultEnableStacktrace = true
)

var levelMap = map[string]zapcore.Level{
	"debug": zapcore.DebugLevel,
	"info":  zapcore.InfoLevel,
	"warn":  zapcore.WarnLevel,
	"error": zapcore.ErrorLevel,
	"panic": zapcore.PanicLevel,
	"fatal": zapcore.FatalLevel,
}
