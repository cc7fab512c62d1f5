// Package compiler 负责合约字节码的解码、校验与燃料插桩
//
// 📋 **职责**
//   - 解码 WASM 二进制并检查合约约定（导入、导出、内存、指令集）
//   - 按 CostModel 注入确定性的燃料计量
//   - 生成可持久化的 Artifact（CBOR 信封）
//
// 编译结果与机器无关，wazero 的本地代码编译由运行时完成。
package compiler

import (
	"crypto/sha256"

	"github.com/weisyn/wasmvm/pkg/types"
)

// Options 编译选项
type Options struct {
	CostModel        CostModel
	GasCeiling       uint64
	MemoryLimitPages uint32
	Supported        types.Features
}

// Fingerprint 当前选项对应的产物指纹
func (o Options) Fingerprint() [32]byte {
	return Fingerprint(o.CostModel, o.GasCeiling)
}

// Compile 校验并插桩原始字节码，生成可持久化的产物
//
// 🔧 **编译流程**
//  1. 解码并校验模块结构、导入导出与指令
//  2. 检查能力需求是否被引擎支持
//  3. 注入燃料计量
//
// 返回的错误均为 types.VMError：校验失败为 Validation，能力不足为 FeatureUnsupported。
func Compile(wasm []byte, opts Options) (*Artifact, error) {
	if opts.CostModel == nil {
		return nil, types.NewValidationError("compiler: cost model is required")
	}
	m, err := DecodeModule(wasm)
	if err != nil {
		return nil, types.NewValidationError("invalid module: %v", err)
	}
	analysis, err := Validate(m, opts.MemoryLimitPages)
	if err != nil {
		return nil, types.NewValidationError("invalid contract: %v", err)
	}
	if err := analysis.Requirements.Check(opts.Supported); err != nil {
		return nil, err
	}
	instrumented, err := Instrument(m, opts.CostModel, opts.GasCeiling)
	if err != nil {
		return nil, types.NewValidationError("instrumentation failed: %v", err)
	}

	return &Artifact{
		Magic:           artifactMagic,
		FormatVersion:   ArtifactFormatVersion,
		EngineVersion:   EngineVersion(),
		CostFingerprint: opts.Fingerprint(),
		CodeID:          types.NewCodeID(wasm),
		Requirements:    analysis.Requirements,
		EntryPoints:     analysis.EntryPoints,
		Imports:         analysis.Imports,
		MemoryMinPages:  analysis.MemoryMinPages,
		Instrumented:    instrumented,
		Checksum:        sha256.Sum256(instrumented),
	}, nil
}
