package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/fx"

	"github.com/weisyn/wasmvm/internal/config"
	"github.com/weisyn/wasmvm/internal/core/engines/wasm"
	"github.com/weisyn/wasmvm/internal/core/engines/wasm/engine"
	infralog "github.com/weisyn/wasmvm/internal/core/infrastructure/log"
	"github.com/weisyn/wasmvm/internal/core/infrastructure/storage"
	"github.com/weisyn/wasmvm/internal/core/infrastructure/storage/badger"
	"github.com/weisyn/wasmvm/pkg/interfaces/infrastructure/log"
)

// GlobalFlags 全局标志
type GlobalFlags struct {
	Home     string // 数据根目录
	Config   string // 配置文件路径
	LogLevel string // 覆盖配置中的日志级别
}

var globalFlags GlobalFlags

// rootCmd 根命令
var rootCmd = &cobra.Command{
	Use:   "wasmvm",
	Short: "燃料计量的 Wasm 合约引擎命令行工具",
	Long: `wasmvm - 在本地沙箱中上传、检查并执行 Wasm 合约

数据目录（--home）:
  cache/   已校验字节码与编译产物
  state/   合约状态（BadgerDB）

结果以 JSON 输出到标准输出，日志输出到标准错误。`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if globalFlags.LogLevel != "" {
			if _, ok := log.ParseLevel(globalFlags.LogLevel); !ok {
				return fmt.Errorf("未知日志级别: %s", globalFlags.LogLevel)
			}
		}
		return nil
	},
}

// Execute 执行根命令
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "错误: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&globalFlags.Home, "home", defaultHome(), "数据根目录")
	rootCmd.PersistentFlags().StringVar(&globalFlags.Config, "config", "", "TOML配置文件 (默认: <home>/wasmvm.toml，不存在时使用默认配置)")
	rootCmd.PersistentFlags().StringVar(&globalFlags.LogLevel, "log-level", "", "日志级别: debug|info|warn|error")

	rootCmd.AddCommand(storeCmd)
	rootCmd.AddCommand(inspectCmd)
	rootCmd.AddCommand(pinCmd)
	rootCmd.AddCommand(unpinCmd)
	rootCmd.AddCommand(callCmd)
	rootCmd.AddCommand(versionCmd)
}

func defaultHome() string {
	if dir, err := os.UserHomeDir(); err == nil {
		return filepath.Join(dir, ".wasmvm")
	}
	return ".wasmvm"
}

// loadProvider 读取配置文件并把相对路径放到 home 下
func loadProvider() (*config.Provider, error) {
	path := globalFlags.Config
	explicit := path != ""
	if !explicit {
		path = filepath.Join(globalFlags.Home, "wasmvm.toml")
	}

	app := config.DefaultAppConfig()
	if _, err := os.Stat(path); err == nil || explicit {
		loaded, err := config.LoadFile(path)
		if err != nil {
			return nil, err
		}
		app = loaded
	}
	if globalFlags.LogLevel != "" {
		app.Log.Level = globalFlags.LogLevel
	}
	return config.NewProvider(app).WithHome(globalFlags.Home), nil
}

// engineApp 一次命令执行所需的组件
type engineApp struct {
	manager *engine.Manager
	adapter *wasm.Adapter
	store   *badger.Store // 仅 withState 时非空
	logger  log.Logger
}

// runEngine 组装 fx 应用，执行 fn 后停止应用
//
// withState 为 true 时额外打开合约状态存储；extra 附加到应用选项。
func runEngine(withState bool, extra []fx.Option, fn func(ctx context.Context, app *engineApp) error) error {
	provider, err := loadProvider()
	if err != nil {
		return err
	}

	var ea engineApp
	opts := []fx.Option{
		fx.NopLogger,
		fx.Supply(provider),
		config.Module(),
		infralog.Module(),
		wasm.Module(),
		fx.Populate(&ea.manager, &ea.adapter, &ea.logger),
	}
	if withState {
		opts = append(opts, storage.Module(), fx.Populate(&ea.store))
	}
	opts = append(opts, extra...)

	app := fx.New(opts...)
	if err := app.Err(); err != nil {
		return err
	}
	startCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := app.Start(startCtx); err != nil {
		return err
	}

	runErr := fn(context.Background(), &ea)

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer stopCancel()
	if err := app.Stop(stopCtx); err != nil && runErr == nil {
		runErr = err
	}
	_ = ea.logger.Sync()
	return runErr
}

// printJSON 以缩进 JSON 输出结果
func printJSON(cmd *cobra.Command, v interface{}) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
