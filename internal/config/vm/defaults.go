package vm

// 引擎默认配置值
const (
	// === 缓存配置 ===

	// defaultBaseDir 缓存根目录
	defaultBaseDir = "./data/wasmvm"

	// defaultMemoryCacheSize 内存层最多保留100个已编译模块
	defaultMemoryCacheSize = 100

	// defaultMemoryCacheBytes 内存层按插桩后字节码大小计的预算，0表示不限制
	defaultMemoryCacheBytes int64 = 256 << 20

	// defaultRetainWasm 保留原始字节码，磁盘产物损坏或版本不兼容时可重新编译
	defaultRetainWasm = true

	// === 执行配置 ===

	// defaultInstanceMemoryLimitMiB 单个实例线性内存上限
	// 与燃料独立的硬上限，单次超大分配直接失败
	defaultInstanceMemoryLimitMiB uint32 = 32

	// defaultGasCeiling 插桩时写入模块的内部燃料上限
	// 单次调用的外部燃料限制不能超过该值
	defaultGasCeiling uint64 = 10_000_000_000

	// defaultEngine 由 wazero 按平台选择编译器或解释器
	defaultEngine = EngineAuto

	// === 指令成本 ===

	defaultOperatorCost     uint64 = 1
	defaultCallCost         uint64 = 5
	defaultMemoryAccessCost uint64 = 2
	defaultDivisionCost     uint64 = 4
	defaultBulkMemoryCost   uint64 = 50

	// defaultMemoryGrowPerPage 每增长一页（64KiB）的成本
	defaultMemoryGrowPerPage uint64 = 1000

	// === 宿主调用成本 ===

	defaultHostDBRead       uint64 = 100
	defaultHostDBWrite      uint64 = 200
	defaultHostDBRemove     uint64 = 100
	defaultHostDBScan       uint64 = 100
	defaultHostDBNext       uint64 = 50
	defaultHostCanonicalize uint64 = 50
	defaultHostHumanize     uint64 = 50
	defaultHostQueryChain   uint64 = 500
	defaultHostDebug        uint64 = 10
	defaultHostPerByte      uint64 = 1

	// === 校验边界 ===

	// maxGasCeiling 燃料存放在 i64 全局变量中，保留符号位
	maxGasCeiling uint64 = 1 << 62

	// maxMemoryGrowPerPage 保证 pages*cost 在 uint64 内不溢出（pages < 2^32）
	maxMemoryGrowPerPage uint64 = 1 << 31

	// maxInstanceMemoryLimitMiB wasm32 线性内存上限为 4GiB
	maxInstanceMemoryLimitMiB uint32 = 4096
)

var defaultSupportedFeatures = []string{"staking", "iterator"}
