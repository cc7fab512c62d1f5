package badger

// BadgerDB存储默认配置值
const (
	// defaultPath 合约状态目录
	defaultPath = "./data/wasmvm/state"

	// defaultSyncWrites 默认同步写入
	defaultSyncWrites = true

	// defaultMemTableSize 默认内存表大小为64MB
	defaultMemTableSize = 64 << 20

	// defaultCacheSize 块缓存与索引缓存各32MB
	defaultCacheSize = 32 << 20
)
