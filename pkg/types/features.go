package types

import (
	"fmt"
	"sort"
	"strings"
)

// Feature 可选宿主能力标志
type Feature uint32

// Features 能力标志集合（位图）
type Features uint32

const (
	// FeatureStaking 质押查询扩展
	FeatureStaking Feature = 1 << iota
	// FeatureIterator 存储区间迭代（db_scan / db_next）
	FeatureIterator
	// FeatureStargate 扩展查询/消息
	FeatureStargate
)

var featureNames = map[Feature]string{
	FeatureStaking:  "staking",
	FeatureIterator: "iterator",
	FeatureStargate: "stargate",
}

// String 能力名称
func (f Feature) String() string {
	if name, ok := featureNames[f]; ok {
		return name
	}
	return fmt.Sprintf("feature(%d)", uint32(f))
}

// LookupFeature 按名称查找已知能力
func LookupFeature(name string) (Feature, bool) {
	for f, n := range featureNames {
		if n == name {
			return f, true
		}
	}
	return 0, false
}

// NewFeatures 由若干标志构造集合
func NewFeatures(fs ...Feature) Features {
	var set Features
	for _, f := range fs {
		set |= Features(f)
	}
	return set
}

// ParseFeatures 解析能力名称列表，未知名称返回错误
func ParseFeatures(names []string) (Features, error) {
	var set Features
	for _, raw := range names {
		name := strings.TrimSpace(raw)
		if name == "" {
			continue
		}
		f, ok := LookupFeature(name)
		if !ok {
			return 0, fmt.Errorf("unknown capability %q", name)
		}
		set |= Features(f)
	}
	return set, nil
}

// Has 是否包含某个能力
func (s Features) Has(f Feature) bool {
	return s&Features(f) != 0
}

// With 返回加入能力后的集合
func (s Features) With(f Feature) Features {
	return s | Features(f)
}

// Missing 返回 s 中存在而 supported 中缺失的能力
func (s Features) Missing(supported Features) Features {
	return s &^ supported
}

// IsEmpty 是否为空集合
func (s Features) IsEmpty() bool {
	return s == 0
}

// Names 按字母序返回能力名称
func (s Features) Names() []string {
	names := make([]string, 0, len(featureNames))
	for f, name := range featureNames {
		if s.Has(f) {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// String 逗号分隔的能力名称
func (s Features) String() string {
	return strings.Join(s.Names(), ",")
}

// Requirements 模块声明的能力需求
//
// 未知名称单独保留：宿主不可能支持未知能力，实例化时必然失败。
type Requirements struct {
	Features Features `cbor:"1,keyasint" json:"features"`
	Unknown  []string `cbor:"2,keyasint,omitempty" json:"unknown,omitempty"`
}

// Check 校验宿主支持的能力是否满足需求
func (r Requirements) Check(supported Features) error {
	missing := r.Features.Missing(supported)
	if missing.IsEmpty() && len(r.Unknown) == 0 {
		return nil
	}
	names := append(missing.Names(), r.Unknown...)
	return NewFeatureUnsupportedError("host does not support required capabilities: %s", strings.Join(names, ","))
}
