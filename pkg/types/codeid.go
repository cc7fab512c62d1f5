package types

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// CodeIDLength CodeID 字节长度（SHA-256）
const CodeIDLength = sha256.Size

// CodeID 上传字节码的内容哈希，唯一标识一个已编译产物
type CodeID [CodeIDLength]byte

// NewCodeID 计算字节码的内容哈希
func NewCodeID(wasm []byte) CodeID {
	return CodeID(sha256.Sum256(wasm))
}

// ParseCodeID 从十六进制文本解析 CodeID
func ParseCodeID(s string) (CodeID, error) {
	var id CodeID
	raw, err := hex.DecodeString(s)
	if err != nil {
		return id, fmt.Errorf("invalid code id %q: %w", s, err)
	}
	if len(raw) != CodeIDLength {
		return id, fmt.Errorf("invalid code id length %d, want %d", len(raw), CodeIDLength)
	}
	copy(id[:], raw)
	return id, nil
}

// String 十六进制表示
func (id CodeID) String() string {
	return hex.EncodeToString(id[:])
}

// Short 日志中使用的短格式
func (id CodeID) Short() string {
	return id.String()[:12]
}

// IsZero 是否为零值
func (id CodeID) IsZero() bool {
	return id == CodeID{}
}
