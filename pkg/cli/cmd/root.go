package cmd

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/LENAX/crm-automation/pkg/cli/client"
	"github.com/LENAX/crm-automation/pkg/core/condition"
)

var (
	// 全局变量
	serverURL  string
	orgID      string
	outputJSON bool
)

// rootCmd 根命令
var rootCmd = &cobra.Command{
	Use:   "crm-automation",
	Short: "CRM Automation CLI - 诊所客户自动化流程命令行工具",
	Long: `CRM Automation CLI 用于管理诊所客户跟进自动化流程。

支持的功能：
  - 管理工作流（导入、列出、查看、启用、停用、删除、手动报名）
  - 管理报名（列出、查看状态与执行记录、暂停、恢复、取消）
  - 提交业务事件
  - 启动HTTP API服务

使用示例：
  # 导入工作流定义
  crm-automation workflow apply -f ./workflows/botox.yaml --org clinic-1

  # 列出报名中的客户
  crm-automation enrollment list --status active --org clinic-1

  # 提交预约完成事件
  crm-automation event fire --kind appointment_completed --client c-42 --appointment-type toxins --org clinic-1

  # 启动HTTP服务
  crm-automation server start --config ./configs/automation.yaml`,
	SilenceUsage: true,
}

// Execute 执行根命令
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	// 全局参数
	rootCmd.PersistentFlags().StringVarP(&serverURL, "server", "s", "http://localhost:8080", "自动化服务地址")
	rootCmd.PersistentFlags().StringVarP(&orgID, "org", "o", "", "组织ID")
	rootCmd.PersistentFlags().BoolVarP(&outputJSON, "json", "j", false, "使用JSON格式输出")

	// 添加子命令
	rootCmd.AddCommand(workflowCmd)
	rootCmd.AddCommand(enrollmentCmd)
	rootCmd.AddCommand(eventCmd)
	rootCmd.AddCommand(dispatcherCmd)
	rootCmd.AddCommand(serverCmd)
	rootCmd.AddCommand(versionCmd)
}

// newClient 创建客户端
func newClient() *client.Client {
	return client.New(serverURL)
}

// orgClient 校验 --org 并创建客户端
func orgClient() (*client.Client, string, error) {
	if strings.TrimSpace(orgID) == "" {
		return nil, "", fmt.Errorf("必须通过 --org 指定组织")
	}
	return newClient(), orgID, nil
}

// parseFacts 解析 key=value 形式的事实字段
func parseFacts(pairs []string) (condition.FactSheet, error) {
	facts := condition.FactSheet{}
	for _, pair := range pairs {
		k, v, ok := strings.Cut(pair, "=")
		if !ok || strings.TrimSpace(k) == "" {
			return nil, fmt.Errorf("fact 格式应为 key=value: %q", pair)
		}
		facts[strings.TrimSpace(k)] = v
	}
	return facts, nil
}

// formatTime 格式化时间，零值显示为 -
func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04:05")
}

func formatTimePtr(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return formatTime(*t)
}
