package log

// LogLevel 日志级别
type LogLevel string

const (
	DebugLevel LogLevel = "debug"
	InfoLevel  LogLevel = "info"
	WarnLevel  LogLevel = "warn"
	ErrorLevel LogLevel = "error"
	FatalLevel LogLevel = "fatal"
)

// ParseLevel 解析日志级别名称，未知名称返回 false
func ParseLevel(name string) (LogLevel, bool) {
	switch level := LogLevel(name); level {
	case DebugLevel, InfoLevel, WarnLevel, ErrorLevel, FatalLevel:
		return level, true
	}
	return "", false
}
