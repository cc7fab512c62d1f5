package compiler

import (
	"bytes"
	"crypto/sha256"
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"github.com/weisyn/wasmvm/pkg/types"
)

const (
	// ArtifactFormatVersion 产物信封格式版本
	ArtifactFormatVersion uint16 = 1

	// wazeroVersion 执行器版本，升级时同步修改
	wazeroVersion = "wazero/v1.9.0"
)

var artifactMagic = []byte("WVMA")

// ErrIncompatibleArtifact 产物由不同版本的引擎或成本模型生成
var ErrIncompatibleArtifact = errors.New("incompatible artifact")

// EngineVersion 当前引擎版本标签
func EngineVersion() string {
	return wazeroVersion + "+" + InstrumentationVersion
}

var cborEncMode cbor.EncMode

func init() {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("compiler: failed to create CBOR enc mode: %v", err))
	}
	cborEncMode = em
}

// Artifact 持久化的编译产物
//
// 📋 **兼容性**
//
//	EngineVersion 与 CostFingerprint 共同决定产物能否被当前引擎复用，
//	任一不一致时加载方应丢弃产物并从原始字节码重新编译。
type Artifact struct {
	Magic           []byte             `cbor:"1,keyasint"`
	FormatVersion   uint16             `cbor:"2,keyasint"`
	EngineVersion   string             `cbor:"3,keyasint"`
	CostFingerprint [32]byte           `cbor:"4,keyasint"`
	CodeID          types.CodeID       `cbor:"5,keyasint"`
	Requirements    types.Requirements `cbor:"6,keyasint"`
	EntryPoints     []string           `cbor:"7,keyasint"`
	Imports         []string           `cbor:"8,keyasint,omitempty"`
	MemoryMinPages  uint32             `cbor:"9,keyasint"`
	Instrumented    []byte             `cbor:"10,keyasint"`
	Checksum        [32]byte           `cbor:"11,keyasint"`
}

// Analysis 从产物恢复静态分析结果
func (a *Artifact) Analysis() *Analysis {
	return &Analysis{
		EntryPoints:    a.EntryPoints,
		Requirements:   a.Requirements,
		Imports:        a.Imports,
		MemoryMinPages: a.MemoryMinPages,
	}
}

// MarshalArtifact 序列化产物
func MarshalArtifact(a *Artifact) ([]byte, error) {
	return cborEncMode.Marshal(a)
}

// UnmarshalArtifact 反序列化并校验产物
//
// 信封损坏返回普通错误；版本或指纹不匹配返回 ErrIncompatibleArtifact。
func UnmarshalArtifact(data []byte, fingerprint [32]byte) (*Artifact, error) {
	var a Artifact
	if err := cbor.Unmarshal(data, &a); err != nil {
		return nil, fmt.Errorf("compiler: unmarshal artifact: %w", err)
	}
	if !bytes.Equal(a.Magic, artifactMagic) {
		return nil, fmt.Errorf("compiler: artifact has bad magic %q", a.Magic)
	}
	if sha256.Sum256(a.Instrumented) != a.Checksum {
		return nil, fmt.Errorf("compiler: artifact checksum mismatch for %s", a.CodeID.Short())
	}
	switch {
	case a.FormatVersion != ArtifactFormatVersion:
		return nil, fmt.Errorf("%w: format version %d, want %d", ErrIncompatibleArtifact, a.FormatVersion, ArtifactFormatVersion)
	case a.EngineVersion != EngineVersion():
		return nil, fmt.Errorf("%w: engine %s, want %s", ErrIncompatibleArtifact, a.EngineVersion, EngineVersion())
	case a.CostFingerprint != fingerprint:
		return nil, fmt.Errorf("%w: cost model fingerprint differs", ErrIncompatibleArtifact)
	}
	return &a, nil
}
