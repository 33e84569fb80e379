package cmd

import (
	"context"
	"log"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/LENAX/crm-automation/internal/app"
	"github.com/LENAX/crm-automation/pkg/config"
)

var serverConfigPath string

// serverCmd server子命令
var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "本地运行自动化服务",
}

// serverStartCmd 启动引擎与 HTTP 服务，收到 SIGINT/SIGTERM 后退出
var serverStartCmd = &cobra.Command{
	Use:   "start",
	Short: "启动自动化服务",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.LoadConfig(serverConfigPath)
		if err != nil {
			return err
		}
		a, err := app.New(cfg, Version)
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		log.Printf("CRM Automation v%s, 配置文件: %s", Version, serverConfigPath)
		return a.Run(ctx)
	},
}

func init() {
	serverStartCmd.Flags().StringVarP(&serverConfigPath, "config", "c", "./configs/automation.yaml", "配置文件路径")
	serverCmd.AddCommand(serverStartCmd)
}
