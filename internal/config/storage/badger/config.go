package badger

// BadgerOptions 合约状态存储（BadgerDB）配置选项
type BadgerOptions struct {
	// === 基础配置 ===
	Path       string `toml:"path" json:"path"`               // 数据库存储路径
	InMemory   bool   `toml:"in_memory" json:"in_memory"`     // 纯内存模式（测试与临时执行）
	SyncWrites bool   `toml:"sync_writes" json:"sync_writes"` // 是否同步写入

	// === 性能配置 ===
	MemTableSize int64 `toml:"mem_table_size" json:"mem_table_size"` // 内存表大小
	CacheSize    int64 `toml:"cache_size" json:"cache_size"`         // 块缓存与索引缓存大小
}

// Config BadgerDB配置实现
type Config struct {
	options *BadgerOptions
}

// New 创建BadgerDB配置实现；user 为 nil 时使用默认值，否则仅覆盖非零字段
func New(user *BadgerOptions) *Config {
	options := &BadgerOptions{
		Path:         defaultPath,
		SyncWrites:   defaultSyncWrites,
		MemTableSize: defaultMemTableSize,
		CacheSize:    defaultCacheSize,
	}
	if user != nil {
		if user.Path != "" {
			options.Path = user.Path
		}
		options.InMemory = user.InMemory
		options.SyncWrites = user.SyncWrites
		if user.MemTableSize > 0 {
			options.MemTableSize = user.MemTableSize
		}
		if user.CacheSize > 0 {
			options.CacheSize = user.CacheSize
		}
	}
	return &Config{options: options}
}

// NewInMemory 纯内存配置
func NewInMemory() *Config {
	return New(&BadgerOptions{InMemory: true})
}

// GetOptions 获取完整的BadgerDB配置选项
func (c *Config) GetOptions() *BadgerOptions {
	return c.options
}

// GetPath 获取数据库路径
func (c *Config) GetPath() string {
	return c.options.Path
}

// IsInMemory 是否为纯内存模式
func (c *Config) IsInMemory() bool {
	return c.options.InMemory
}

// IsSyncWritesEnabled 是否启用同步写入
func (c *Config) IsSyncWritesEnabled() bool {
	return c.options.SyncWrites
}

// GetMemTableSize 获取内存表大小
func (c *Config) GetMemTableSize() int64 {
	return c.options.MemTableSize
}

// GetCacheSize 获取块缓存大小
func (c *Config) GetCacheSize() int64 {
	return c.options.CacheSize
}
