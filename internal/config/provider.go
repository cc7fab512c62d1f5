// Package config 提供应用配置管理功能
//
// 📋 配置文件为TOML格式，分为三段：
//
//	[log]      日志
//	[vm]       合约引擎（缓存、燃料、成本表、能力）
//	[storage]  合约状态存储（BadgerDB）
package config

import (
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	"github.com/BurntSushi/toml"
	logconfig "github.com/weisyn/wasmvm/internal/config/log"
	badgerconfig "github.com/weisyn/wasmvm/internal/config/storage/badger"
	vmconfig "github.com/weisyn/wasmvm/internal/config/vm"
)

// AppConfig 配置文件内容
type AppConfig struct {
	Log     logconfig.LogOptions       `toml:"log"`
	VM      vmconfig.VMOptions         `toml:"vm"`
	Storage badgerconfig.BadgerOptions `toml:"storage"`
}

// DefaultAppConfig 返回全部使用默认值的配置
func DefaultAppConfig() *AppConfig {
	return &AppConfig{
		Log:     *logconfig.DefaultOptions(),
		VM:      *vmconfig.DefaultOptions(),
		Storage: *badgerconfig.New(nil).GetOptions(),
	}
}

// LoadFile 读取TOML配置文件，未出现的键保留默认值，未知键返回错误
func LoadFile(path string) (*AppConfig, error) {
	app := DefaultAppConfig()
	md, err := toml.DecodeFile(path, app)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, k := range undecoded {
			keys = append(keys, k.String())
		}
		sort.Strings(keys)
		return nil, fmt.Errorf("配置文件包含未知键: %s", strings.Join(keys, ", "))
	}
	return app, nil
}

// Provider 配置提供者
type Provider struct {
	app *AppConfig
}

// NewProvider 创建配置提供者；app 为 nil 时使用默认配置
func NewProvider(app *AppConfig) *Provider {
	if app == nil {
		app = DefaultAppConfig()
	}
	return &Provider{app: app}
}

// WithHome 将引擎缓存目录和状态目录放到 home 下（未显式配置绝对路径时）
func (p *Provider) WithHome(home string) *Provider {
	if home == "" {
		return p
	}
	if !filepath.IsAbs(p.app.VM.BaseDir) {
		p.app.VM.BaseDir = filepath.Join(home, "cache")
	}
	if !filepath.IsAbs(p.app.Storage.Path) {
		p.app.Storage.Path = filepath.Join(home, "state")
	}
	return p
}

// GetApp 原始配置
func (p *Provider) GetApp() *AppConfig {
	return p.app
}

// GetLog 日志配置
func (p *Provider) GetLog() *logconfig.Config {
	return logconfig.New(&p.app.Log)
}

// GetVM 引擎配置，校验失败时返回错误
func (p *Provider) GetVM() (*vmconfig.Config, error) {
	cfg, err := vmconfig.New(&p.app.VM)
	if err != nil {
		return nil, fmt.Errorf("引擎配置无效: %w", err)
	}
	return cfg, nil
}

// GetStorage 合约状态存储配置
func (p *Provider) GetStorage() *badgerconfig.Config {
	return badgerconfig.New(&p.app.Storage)
}
