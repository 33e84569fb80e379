package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/LENAX/crm-automation/pkg/cli/output"
)

// 版本信息（编译时注入）
var (
	Version   = "0.3.0"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

// versionCmd version命令
var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "显示版本信息",
	Run: func(cmd *cobra.Command, args []string) {
		w := output.Writer
		fmt.Fprintf(w, "CRM Automation CLI\n")
		fmt.Fprintf(w, "  Version:    %s\n", Version)
		fmt.Fprintf(w, "  Git Commit: %s\n", GitCommit)
		fmt.Fprintf(w, "  Build Time: %s\n", BuildTime)
		if h, err := newClient().Health(); err == nil {
			fmt.Fprintf(w, "  Server:     %s (%s)\n", h.Version, serverURL)
		}
	},
}
