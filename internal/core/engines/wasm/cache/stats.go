package cache

import "sync/atomic"

// Stats 缓存统计信息
type Stats struct {
	Hits        int64 `json:"hits"`         // 内存层命中
	Misses      int64 `json:"misses"`       // 内存层未命中
	Evictions   int64 `json:"evictions"`    // LRU 淘汰次数
	DiskLoads   int64 `json:"disk_loads"`   // 从磁盘产物加载
	Recompiles  int64 `json:"recompiles"`   // 产物缺失或不兼容时从原始字节码重新编译
	Saves       int64 `json:"saves"`        // 新保存的模块
	Entries     int   `json:"entries"`      // 常驻内存的模块数
	Pinned      int   `json:"pinned"`       // 固定的模块数
	InUse       int   `json:"in_use"`       // 被存活实例引用的模块数
	MemoryUsage int64 `json:"memory_usage"` // 常驻模块的插桩字节码总大小
}

// counters 原子计数器
type counters struct {
	hits       int64
	misses     int64
	evictions  int64
	diskLoads  int64
	recompiles int64
	saves      int64
}

func (c *counters) snapshot() Stats {
	return Stats{
		Hits:       atomic.LoadInt64(&c.hits),
		Misses:     atomic.LoadInt64(&c.misses),
		Evictions:  atomic.LoadInt64(&c.evictions),
		DiskLoads:  atomic.LoadInt64(&c.diskLoads),
		Recompiles: atomic.LoadInt64(&c.recompiles),
		Saves:      atomic.LoadInt64(&c.saves),
	}
}
