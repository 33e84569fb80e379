package main

import (
	"context"
	"flag"
	"log"
	"os/signal"
	"syscall"

	"github.com/LENAX/crm-automation/internal/app"
	"github.com/LENAX/crm-automation/pkg/config"
)

var (
	Version   = "0.3.0"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

func main() {
	// 命令行参数
	configPath := flag.String("config", "./configs/automation.yaml", "配置文件路径")
	host := flag.String("host", "", "监听地址，覆盖配置文件")
	port := flag.Int("port", 0, "监听端口，覆盖配置文件")
	flag.Parse()

	log.Printf("CRM Automation Server v%s (commit %s, built %s)", Version, GitCommit, BuildTime)
	log.Printf("配置文件: %s", *configPath)

	// 1. 加载配置
	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("加载配置失败: %v", err)
	}
	if *host != "" {
		cfg.Automation.Server.Host = *host
	}
	if *port > 0 {
		cfg.Automation.Server.Port = *port
	}

	// 2. 组装服务
	a, err := app.New(cfg, Version)
	if err != nil {
		log.Fatalf("创建服务失败: %v", err)
	}

	// 3. 运行直到收到中断信号
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := a.Run(ctx); err != nil {
		log.Fatalf("服务异常退出: %v", err)
	}
	log.Println("✅ 服务已停止")
}
