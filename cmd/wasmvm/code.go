package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/weisyn/wasmvm/internal/core/engines/wasm/compiler"
	"github.com/weisyn/wasmvm/pkg/types"
)

// storeCmd 上传字节码
var storeCmd = &cobra.Command{
	Use:   "store <wasm-file>",
	Short: "校验、插桩并保存字节码，输出 CodeID",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		wasmBytes, err := os.ReadFile(args[0])
		if err != nil {
			return fmt.Errorf("读取WASM文件失败: %w", err)
		}
		return runEngine(false, nil, func(ctx context.Context, app *engineApp) error {
			id, err := app.manager.SaveWasm(ctx, wasmBytes)
			if err != nil {
				return err
			}
			return printJSON(cmd, map[string]interface{}{
				"code_id": id.String(),
				"size":    len(wasmBytes),
			})
		})
	},
}

// inspectResult inspect 命令输出
type inspectResult struct {
	CodeID      string   `json:"code_id"`
	Size        int      `json:"size,omitempty"` // 未保留原始字节码时为 0
	EntryPoints []string `json:"entry_points"`
	Features    []string `json:"features"`
	Unknown     []string `json:"unknown_features,omitempty"`
	Imports     []string `json:"imports"`
	MinPages    uint32   `json:"memory_min_pages"`
	Functions   int      `json:"functions"`
	Supported   bool     `json:"supported"` // 当前配置能否实例化
}

// inspectCmd 查看模块信息
var inspectCmd = &cobra.Command{
	Use:   "inspect <code-id>",
	Short: "查看入口函数、能力需求与大小",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := types.ParseCodeID(args[0])
		if err != nil {
			return err
		}
		return runEngine(false, nil, func(ctx context.Context, app *engineApp) error {
			analysis, err := app.manager.Analyze(id)
			if err != nil {
				return err
			}
			return printJSON(cmd, newInspectResult(app, id, analysis))
		})
	},
}

func newInspectResult(app *engineApp, id types.CodeID, analysis *compiler.Analysis) inspectResult {
	res := inspectResult{
		CodeID:      id.String(),
		EntryPoints: analysis.EntryPoints,
		Features:    analysis.Requirements.Features.Names(),
		Unknown:     analysis.Requirements.Unknown,
		Imports:     analysis.Imports,
		MinPages:    analysis.MemoryMinPages,
		Functions:   analysis.Functions,
		Supported:   analysis.Requirements.Check(app.manager.Config().GetSupportedFeatures()) == nil,
	}
	if code, err := app.manager.GetCode(id); err == nil {
		res.Size = len(code)
	}
	return res
}

// pinCmd 固定模块
//
// 固定状态只在进程内存中有效；命令行中用于确认产物可以加载（必要时重新编译）。
var pinCmd = &cobra.Command{
	Use:   "pin <code-id>",
	Short: "加载并固定模块，确认编译产物可用",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return pinOrUnpin(cmd, args[0], true)
	},
}

// unpinCmd 取消固定
var unpinCmd = &cobra.Command{
	Use:   "unpin <code-id>",
	Short: "取消固定模块",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return pinOrUnpin(cmd, args[0], false)
	},
}

func pinOrUnpin(cmd *cobra.Command, raw string, pin bool) error {
	id, err := types.ParseCodeID(raw)
	if err != nil {
		return err
	}
	return runEngine(false, nil, func(ctx context.Context, app *engineApp) error {
		op := app.manager.Unpin
		if pin {
			op = func(id types.CodeID) error { return app.manager.Pin(ctx, id) }
		}
		if err := op(id); err != nil {
			return err
		}
		stats := app.manager.Stats()
		return printJSON(cmd, map[string]interface{}{
			"code_id":     id.String(),
			"pinned":      pin,
			"disk_loads":  stats.Cache.DiskLoads,
			"recompiles":  stats.Cache.Recompiles,
			"cache_bytes": stats.Cache.MemoryUsage,
		})
	})
}
