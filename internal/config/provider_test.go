package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	vmconfig "github.com/weisyn/wasmvm/internal/config/vm"
	"github.com/weisyn/wasmvm/pkg/types"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "wasmvm.toml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

// TestLoadFile 测试TOML配置加载
func TestLoadFile(t *testing.T) {
	t.Run("覆盖部分键并保留默认值", func(t *testing.T) {
		path := writeConfig(t, `
[log]
level = "debug"

[vm]
memory_cache_size = 7
gas_ceiling = 5000000
supported_features = ["staking"]
engine = "interpreter"

[vm.costs]
memory_grow_per_page = 42

[vm.costs.host]
db_write = 9

[storage]
in_memory = true
`)
		app, err := LoadFile(path)
		require.NoError(t, err)

		provider := NewProvider(app)
		vmCfg, err := provider.GetVM()
		require.NoError(t, err)

		assert.Equal(t, "debug", provider.GetLog().GetLevel())
		assert.Equal(t, 7, vmCfg.GetMemoryCacheSize())
		assert.Equal(t, uint64(5000000), vmCfg.GetGasCeiling())
		assert.Equal(t, vmconfig.EngineInterpreter, vmCfg.GetEngine())
		assert.Equal(t, types.NewFeatures(types.FeatureStaking), vmCfg.GetSupportedFeatures())
		assert.Equal(t, uint64(42), vmCfg.GetCosts().MemoryGrowPerPage)
		assert.Equal(t, uint64(9), vmCfg.GetHostCosts().DBWrite)
		// 未出现的键保留默认值
		assert.Equal(t, vmconfig.DefaultOptions().Costs.Host.DBRead, vmCfg.GetHostCosts().DBRead)
		assert.True(t, provider.GetStorage().IsInMemory())
	})

	t.Run("未知键返回错误", func(t *testing.T) {
		path := writeConfig(t, "[vm]\nmemory_cache = 3\n")
		_, err := LoadFile(path)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "vm.memory_cache")
	})

	t.Run("未知能力在校验时失败", func(t *testing.T) {
		path := writeConfig(t, "[vm]\nsupported_features = [\"teleport\"]\n")
		app, err := LoadFile(path)
		require.NoError(t, err)
		_, err = NewProvider(app).GetVM()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "teleport")
	})
}

// TestProviderWithHome 测试 home 目录覆盖相对路径
func TestProviderWithHome(t *testing.T) {
	home := t.TempDir()
	provider := NewProvider(nil).WithHome(home)

	vmCfg, err := provider.GetVM()
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(home, "cache"), vmCfg.GetBaseDir())
	assert.Equal(t, filepath.Join(home, "cache", "exclusive.lock"), vmCfg.GetLockPath())
	assert.Equal(t, filepath.Join(home, "state"), provider.GetStorage().GetPath())
}

// TestProvideConfigServices 测试fx提供函数
func TestProvideConfigServices(t *testing.T) {
	out, err := ProvideConfigServices(ConfigParams{})
	require.NoError(t, err)
	assert.NotNil(t, out.Log)
	assert.NotNil(t, out.VM)
	assert.NotNil(t, out.Storage)
}
