package vm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/weisyn/wasmvm/pkg/types"
)

// TestDefaultConfig 测试默认配置
func TestDefaultConfig(t *testing.T) {
	cfg, err := New(nil)
	require.NoError(t, err)

	assert.Equal(t, uint32(32*16), cfg.GetInstanceMemoryLimitPages())
	assert.True(t, cfg.GetSupportedFeatures().Has(types.FeatureStaking))
	assert.True(t, cfg.GetSupportedFeatures().Has(types.FeatureIterator))
	assert.False(t, cfg.GetSupportedFeatures().Has(types.FeatureStargate))
	assert.Equal(t, EngineAuto, cfg.GetEngine())
	assert.True(t, cfg.IsRetainWasmEnabled())
}

// TestValidate 测试配置校验
func TestValidate(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(o *VMOptions)
	}{
		{"空目录", func(o *VMOptions) { o.BaseDir = "" }},
		{"缓存容量为零", func(o *VMOptions) { o.MemoryCacheSize = 0 }},
		{"负字节预算", func(o *VMOptions) { o.MemoryCacheBytes = -1 }},
		{"内存上限为零", func(o *VMOptions) { o.InstanceMemoryLimitMiB = 0 }},
		{"内存上限超过4GiB", func(o *VMOptions) { o.InstanceMemoryLimitMiB = 4097 }},
		{"燃料上限为零", func(o *VMOptions) { o.GasCeiling = 0 }},
		{"燃料上限溢出", func(o *VMOptions) { o.GasCeiling = 1<<62 + 1 }},
		{"页成本溢出", func(o *VMOptions) { o.Costs.MemoryGrowPerPage = 1<<31 + 1 }},
		{"未知引擎", func(o *VMOptions) { o.Engine = "jit" }},
		{"未知能力", func(o *VMOptions) { o.SupportedFeatures = []string{"staking", "teleport"} }},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			opts := DefaultOptions()
			tc.mutate(opts)
			_, err := New(opts)
			assert.Error(t, err)
		})
	}

	t.Run("空引擎回落为auto", func(t *testing.T) {
		opts := DefaultOptions()
		opts.Engine = ""
		cfg, err := New(opts)
		require.NoError(t, err)
		assert.Equal(t, EngineAuto, cfg.GetEngine())
	})
}
