package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"speech-coach/server/internal/config"
)

var (
	configPath string
	verbose    bool
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "speechcoach",
		Short: "Safety gate for child speech-therapy sessions",
		Long: `speechcoach 在每轮作答后评估孩子的安全等级，挑选干预、生成一句温和的教练台词，
并把 UI 包推给展示层。`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Config file (default: built-in defaults with mock LLM)")
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")

	root.AddCommand(newServeCmd())
	root.AddCommand(newCheckCmd())
	return root
}

// loadConfig 未指定文件时使用内置默认配置。
func loadConfig() (*config.Config, error) {
	if configPath == "" {
		return config.Default(), nil
	}
	return config.Load(configPath)
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
