package compiler

import (
	"strings"

	"github.com/weisyn/wasmvm/pkg/types"
)

// 合约与宿主之间的导入/导出约定
const (
	// HostModule 宿主函数所在的导入模块名
	HostModule = "env"

	// 宿主导入函数
	ImportDBRead       = "db_read"
	ImportDBWrite      = "db_write"
	ImportDBRemove     = "db_remove"
	ImportDBScan       = "db_scan"
	ImportDBNext       = "db_next"
	ImportCanonicalize = "canonicalize_address"
	ImportHumanize     = "humanize_address"
	ImportQueryChain   = "query_chain"
	ImportDebug        = "debug"

	// 合约必须导出的符号
	ExportMemory           = "memory"
	ExportAllocate         = "allocate"
	ExportDeallocate       = "deallocate"
	ExportInterfaceVersion = "interface_version_1"

	// 入口函数
	EntryInit   = "init"
	EntryHandle = "handle"
	EntryQuery  = "query"

	// 能力声明导出的前缀，如 requires_staking
	RequiresPrefix = "requires_"

	// 插桩注入的燃料全局变量
	GasLeftGlobal      = "__gas_left"
	GasExhaustedGlobal = "__gas_exhausted"
)

var (
	sigI32ToI32      = FuncType{Params: []byte{valI32}, Results: []byte{valI32}}
	sigI32ToNone     = FuncType{Params: []byte{valI32}}
	sigI32I32ToNone  = FuncType{Params: []byte{valI32, valI32}}
	sigI32I32ToI32   = FuncType{Params: []byte{valI32, valI32}, Results: []byte{valI32}}
	sigI32x3ToI32    = FuncType{Params: []byte{valI32, valI32, valI32}, Results: []byte{valI32}}
	sigNoneToNone    = FuncType{}
	entryPointSig    = sigI32I32ToI32
	entryPointsOrder = []string{EntryInit, EntryHandle, EntryQuery}
)

// hostImport 宿主导入函数的签名与所需能力
type hostImport struct {
	sig     FuncType
	feature types.Feature // 0 表示基础接口
}

var hostImports = map[string]hostImport{
	ImportDBRead:       {sig: sigI32ToI32},
	ImportDBWrite:      {sig: sigI32I32ToNone},
	ImportDBRemove:     {sig: sigI32ToNone},
	ImportDBScan:       {sig: sigI32x3ToI32, feature: types.FeatureIterator},
	ImportDBNext:       {sig: sigI32ToI32, feature: types.FeatureIterator},
	ImportCanonicalize: {sig: sigI32ToI32},
	ImportHumanize:     {sig: sigI32ToI32},
	ImportQueryChain:   {sig: sigI32ToI32},
	ImportDebug:        {sig: sigI32ToNone},
}

// IsReservedExport 插桩保留的导出名
func IsReservedExport(name string) bool {
	return strings.HasPrefix(name, "__gas_")
}
