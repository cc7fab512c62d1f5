// Package vm 提供合约引擎的配置
//
// 配置对象由调用方显式创建并传入缓存管理器，引擎内部没有任何进程级全局编译状态。
package vm

import (
	"fmt"
	"path/filepath"

	"github.com/weisyn/wasmvm/pkg/types"
)

// Engine wazero 执行引擎选择
type Engine string

const (
	// EngineAuto 平台支持时使用编译器，否则使用解释器
	EngineAuto Engine = "auto"
	// EngineCompiler 强制使用编译器
	EngineCompiler Engine = "compiler"
	// EngineInterpreter 强制使用解释器
	EngineInterpreter Engine = "interpreter"
)

// HostCostOptions 宿主函数调用成本
type HostCostOptions struct {
	DBRead       uint64 `toml:"db_read" json:"db_read"`
	DBWrite      uint64 `toml:"db_write" json:"db_write"`
	DBRemove     uint64 `toml:"db_remove" json:"db_remove"`
	DBScan       uint64 `toml:"db_scan" json:"db_scan"`
	DBNext       uint64 `toml:"db_next" json:"db_next"`
	Canonicalize uint64 `toml:"canonicalize" json:"canonicalize"`
	Humanize     uint64 `toml:"humanize" json:"humanize"`
	QueryChain   uint64 `toml:"query_chain" json:"query_chain"`
	Debug        uint64 `toml:"debug" json:"debug"`
	PerByte      uint64 `toml:"per_byte" json:"per_byte"` // 按读写字节数追加的成本
}

// CostOptions 指令成本表（按指令类别）
type CostOptions struct {
	DefaultOperator   uint64          `toml:"default_operator" json:"default_operator"`
	Call              uint64          `toml:"call" json:"call"`
	MemoryAccess      uint64          `toml:"memory_access" json:"memory_access"`
	Division          uint64          `toml:"division" json:"division"`
	BulkMemory        uint64          `toml:"bulk_memory" json:"bulk_memory"`
	MemoryGrowPerPage uint64          `toml:"memory_grow_per_page" json:"memory_grow_per_page"`
	Host              HostCostOptions `toml:"host" json:"host"`
}

// VMOptions 引擎配置选项
type VMOptions struct {
	// === 缓存配置 ===
	BaseDir          string `toml:"base_dir" json:"base_dir"`                     // 缓存根目录
	MemoryCacheSize  int    `toml:"memory_cache_size" json:"memory_cache_size"`   // 内存层模块数量上限
	MemoryCacheBytes int64  `toml:"memory_cache_bytes" json:"memory_cache_bytes"` // 内存层字节预算，0表示不限制
	RetainWasm       bool   `toml:"retain_wasm" json:"retain_wasm"`               // 是否保留原始字节码

	// === 执行配置 ===
	InstanceMemoryLimitMiB uint32   `toml:"instance_memory_limit_mib" json:"instance_memory_limit_mib"`
	GasCeiling             uint64   `toml:"gas_ceiling" json:"gas_ceiling"`
	SupportedFeatures      []string `toml:"supported_features" json:"supported_features"`
	Engine                 Engine   `toml:"engine" json:"engine"`

	// === 成本配置 ===
	Costs CostOptions `toml:"costs" json:"costs"`
}

// Config 引擎配置实现
type Config struct {
	options  *VMOptions
	features types.Features
}

// DefaultOptions 返回默认配置
func DefaultOptions() *VMOptions {
	return &VMOptions{
		BaseDir:                defaultBaseDir,
		MemoryCacheSize:        defaultMemoryCacheSize,
		MemoryCacheBytes:       defaultMemoryCacheBytes,
		RetainWasm:             defaultRetainWasm,
		InstanceMemoryLimitMiB: defaultInstanceMemoryLimitMiB,
		GasCeiling:             defaultGasCeiling,
		SupportedFeatures:      append([]string(nil), defaultSupportedFeatures...),
		Engine:                 defaultEngine,
		Costs: CostOptions{
			DefaultOperator:   defaultOperatorCost,
			Call:              defaultCallCost,
			MemoryAccess:      defaultMemoryAccessCost,
			Division:          defaultDivisionCost,
			BulkMemory:        defaultBulkMemoryCost,
			MemoryGrowPerPage: defaultMemoryGrowPerPage,
			Host: HostCostOptions{
				DBRead:       defaultHostDBRead,
				DBWrite:      defaultHostDBWrite,
				DBRemove:     defaultHostDBRemove,
				DBScan:       defaultHostDBScan,
				DBNext:       defaultHostDBNext,
				Canonicalize: defaultHostCanonicalize,
				Humanize:     defaultHostHumanize,
				QueryChain:   defaultHostQueryChain,
				Debug:        defaultHostDebug,
				PerByte:      defaultHostPerByte,
			},
		},
	}
}

// New 校验配置并创建配置实现；options 为 nil 时使用默认值
func New(options *VMOptions) (*Config, error) {
	if options == nil {
		options = DefaultOptions()
	}
	features, err := options.Validate()
	if err != nil {
		return nil, err
	}
	return &Config{options: options, features: features}, nil
}

// Validate 校验配置并解析能力集合
func (o *VMOptions) Validate() (types.Features, error) {
	if o.BaseDir == "" {
		return 0, fmt.Errorf("base_dir must not be empty")
	}
	if o.MemoryCacheSize <= 0 {
		return 0, fmt.Errorf("memory_cache_size must be positive, got %d", o.MemoryCacheSize)
	}
	if o.MemoryCacheBytes < 0 {
		return 0, fmt.Errorf("memory_cache_bytes must not be negative, got %d", o.MemoryCacheBytes)
	}
	if o.InstanceMemoryLimitMiB == 0 || o.InstanceMemoryLimitMiB > maxInstanceMemoryLimitMiB {
		return 0, fmt.Errorf("instance_memory_limit_mib must be in [1, %d], got %d", maxInstanceMemoryLimitMiB, o.InstanceMemoryLimitMiB)
	}
	if o.GasCeiling == 0 || o.GasCeiling > maxGasCeiling {
		return 0, fmt.Errorf("gas_ceiling must be in [1, %d], got %d", maxGasCeiling, o.GasCeiling)
	}
	if o.Costs.MemoryGrowPerPage > maxMemoryGrowPerPage {
		return 0, fmt.Errorf("costs.memory_grow_per_page must not exceed %d", maxMemoryGrowPerPage)
	}
	switch o.Engine {
	case EngineAuto, EngineCompiler, EngineInterpreter:
	case "":
		o.Engine = EngineAuto
	default:
		return 0, fmt.Errorf("unknown engine %q", o.Engine)
	}
	features, err := types.ParseFeatures(o.SupportedFeatures)
	if err != nil {
		return 0, fmt.Errorf("supported_features: %w", err)
	}
	return features, nil
}

// GetOptions 获取完整的配置选项
func (c *Config) GetOptions() *VMOptions {
	return c.options
}

// === 缓存配置访问方法 ===

// GetBaseDir 缓存根目录
func (c *Config) GetBaseDir() string {
	return c.options.BaseDir
}

// GetLockPath 缓存目录单写者锁文件
func (c *Config) GetLockPath() string {
	return filepath.Join(c.options.BaseDir, "exclusive.lock")
}

// GetNativeCacheDir wazero 本地代码编译缓存目录
func (c *Config) GetNativeCacheDir() string {
	return filepath.Join(c.options.BaseDir, "native")
}

// GetMemoryCacheSize 内存层模块数量上限
func (c *Config) GetMemoryCacheSize() int {
	return c.options.MemoryCacheSize
}

// GetMemoryCacheBytes 内存层字节预算
func (c *Config) GetMemoryCacheBytes() int64 {
	return c.options.MemoryCacheBytes
}

// IsRetainWasmEnabled 是否保留原始字节码
func (c *Config) IsRetainWasmEnabled() bool {
	return c.options.RetainWasm
}

// === 执行配置访问方法 ===

// GetInstanceMemoryLimitPages 实例内存上限（wasm页，64KiB）
func (c *Config) GetInstanceMemoryLimitPages() uint32 {
	return c.options.InstanceMemoryLimitMiB * 16
}

// GetGasCeiling 内部燃料上限
func (c *Config) GetGasCeiling() uint64 {
	return c.options.GasCeiling
}

// GetSupportedFeatures 宿主支持的能力集合
func (c *Config) GetSupportedFeatures() types.Features {
	return c.features
}

// GetEngine 执行引擎
func (c *Config) GetEngine() Engine {
	return c.options.Engine
}

// GetCosts 指令成本表
func (c *Config) GetCosts() CostOptions {
	return c.options.Costs
}

// GetHostCosts 宿主调用成本
func (c *Config) GetHostCosts() HostCostOptions {
	return c.options.Costs.Host
}
