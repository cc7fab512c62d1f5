package main

import (
	"runtime"

	"github.com/spf13/cobra"
)

// 构建时通过 -ldflags "-X main.Version=... -X main.Commit=..." 注入
var (
	Version = "dev"
	Commit  = "unknown"
)

// versionCmd 版本信息
var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "输出版本信息",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return printJSON(cmd, map[string]string{
			"version":    Version,
			"commit":     Commit,
			"go_version": runtime.Version(),
			"platform":   runtime.GOOS + "/" + runtime.GOARCH,
		})
	},
}
