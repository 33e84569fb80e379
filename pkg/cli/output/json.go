// Package output 命令行输出：彩色消息、表格与JSON
package output

import (
	"encoding/json"
	"io"
	"os"

	"github.com/fatih/color"
)

// Writer 输出目标，测试时可替换
var Writer io.Writer = os.Stdout

// PrintJSON 输出JSON格式
func PrintJSON(data any) error {
	encoder := json.NewEncoder(Writer)
	encoder.SetIndent("", "  ")
	return encoder.Encode(data)
}

// Success 输出成功消息
func Success(format string, args ...any) {
	color.New(color.FgGreen, color.Bold).Fprintf(Writer, "✅ "+format+"\n", args...)
}

// Error 输出错误消息
func Error(format string, args ...any) {
	color.New(color.FgRed, color.Bold).Fprintf(Writer, "❌ "+format+"\n", args...)
}

// Info 输出信息
func Info(format string, args ...any) {
	color.New(color.FgCyan).Fprintf(Writer, "ℹ️  "+format+"\n", args...)
}

// Warning 输出警告
func Warning(format string, args ...any) {
	color.New(color.FgYellow).Fprintf(Writer, "⚠️  "+format+"\n", args...)
}

// Status 按报名或工作流状态着色
func Status(status string) string {
	switch status {
	case "completed", "active", "executed":
		return color.GreenString(status)
	case "failed":
		return color.RedString(status)
	case "paused", "retrying", "draft", "inactive":
		return color.YellowString(status)
	case "cancelled", "skipped", "archived":
		return color.HiBlackString(status)
	}
	return status
}
