package log

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	logconfig "github.com/weisyn/wasmvm/internal/config/log"
)

// readEntries 读取JSON日志文件中的所有条目
func readEntries(t *testing.T, path string) []map[string]interface{} {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	var entries []map[string]interface{}
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var entry map[string]interface{}
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &entry))
		entries = append(entries, entry)
	}
	require.NoError(t, scanner.Err())
	return entries
}

func newFileLogger(t *testing.T, level string) (string, *Logger) {
	t.Helper()
	logPath := filepath.Join(t.TempDir(), "logs", "vm.log")
	cfg := logconfig.New(&logconfig.LogOptions{Level: level, FilePath: logPath})
	logger, err := New(cfg)
	require.NoError(t, err)
	concrete, ok := logger.(*Logger)
	require.True(t, ok)
	return logPath, concrete
}

// TestFileLoggerLevels 测试文件输出与级别过滤
func TestFileLoggerLevels(t *testing.T) {
	logPath, logger := newFileLogger(t, "warn")

	logger.Debug("调试日志")
	logger.Info("信息日志")
	logger.Warn("警告日志")
	logger.Errorf("错误日志 %d", 7)
	require.NoError(t, logger.Sync())

	entries := readEntries(t, logPath)
	require.Len(t, entries, 2)
	assert.Equal(t, "warn", entries[0]["level"])
	assert.Equal(t, "警告日志", entries[0]["message"])
	assert.Equal(t, "error", entries[1]["level"])
	assert.Equal(t, "错误日志 7", entries[1]["message"])
}

// TestStructuredFields 测试 With 附加字段
func TestStructuredFields(t *testing.T) {
	logPath, logger := newFileLogger(t, "debug")

	NewModuleLogger(logger, "cache").With("code_id", "abcd", "size", 42, "dangling").Info("结构化日志")
	require.NoError(t, logger.Sync())

	entries := readEntries(t, logPath)
	require.Len(t, entries, 1)
	assert.Equal(t, "cache", entries[0]["module"])
	assert.Equal(t, "abcd", entries[0]["code_id"])
	assert.EqualValues(t, 42, entries[0]["size"])
	_, hasDangling := entries[0]["dangling"]
	assert.False(t, hasDangling)
}

// TestNopLogger 测试无输出记录器
func TestNopLogger(t *testing.T) {
	cfg := logconfig.New(&logconfig.LogOptions{Level: "info"})
	cfg.GetOptions().ToConsole = false

	logger, err := New(cfg)
	require.NoError(t, err)
	logger.Info("丢弃")
	assert.NotNil(t, logger.GetZapLogger())
	assert.NotNil(t, NewModuleLogger(nil, "engine"))
}

// TestProvideServices 测试fx提供函数
func TestProvideServices(t *testing.T) {
	out, err := ProvideServices(ModuleParams{})
	require.NoError(t, err)
	assert.NotNil(t, out.Logger)
	assert.NotNil(t, out.ZapLogger)
}
