package cmd

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/LENAX/crm-automation/pkg/api/dto"
	"github.com/LENAX/crm-automation/pkg/cli/output"
)

var (
	enrollmentStatus   string
	enrollmentWorkflow string
	enrollmentClient   string
	enrollmentLimit    int
)

// enrollmentCmd enrollment子命令
var enrollmentCmd = &cobra.Command{
	Use:     "enrollment",
	Aliases: []string{"enr"},
	Short:   "报名管理命令",
	Long:    `管理客户在工作流中的报名，包括查看状态、执行记录、暂停、恢复和取消。`,
}

// enrollmentListCmd 列出报名
var enrollmentListCmd = &cobra.Command{
	Use:   "list",
	Short: "列出报名",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, org, err := orgClient()
		if err != nil {
			return err
		}
		result, err := c.ListEnrollments(org, dto.EnrollmentQueryRequest{
			Status:     enrollmentStatus,
			WorkflowID: enrollmentWorkflow,
			ClientID:   enrollmentClient,
			Limit:      enrollmentLimit,
		})
		if err != nil {
			output.Error("查询失败: %v", err)
			return err
		}

		if outputJSON {
			return output.PrintJSON(result)
		}
		if len(result.Items) == 0 {
			output.Info("暂无报名")
			return nil
		}

		table := output.NewTable("ENROLLMENT_ID", "WORKFLOW", "CLIENT", "STATUS", "STEP", "NEXT_RUN", "ATTEMPTS")
		for _, en := range result.Items {
			table.AddRow(
				en.ID,
				en.WorkflowID,
				en.ClientID,
				output.Status(string(en.Status)),
				en.CurrentStep,
				formatTimePtr(en.NextExecutionAt),
				strconv.Itoa(en.Attempts),
			)
		}
		table.Render()
		if result.HasMore {
			fmt.Fprintf(output.Writer, "\n仅显示前 %d 条，使用 --limit 查看更多\n", len(result.Items))
		}
		return nil
	},
}

// enrollmentStatusCmd 查看报名状态
var enrollmentStatusCmd = &cobra.Command{
	Use:   "status <id>",
	Short: "查看报名状态与执行记录",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, org, err := orgClient()
		if err != nil {
			return err
		}
		en, err := c.GetEnrollment(org, args[0])
		if err != nil {
			output.Error("查询失败: %v", err)
			return err
		}
		logs, err := c.EnrollmentLogs(org, args[0])
		if err != nil {
			output.Error("查询执行记录失败: %v", err)
			return err
		}

		if outputJSON {
			return output.PrintJSON(map[string]any{
				"enrollment": en,
				"logs":       logs,
			})
		}

		w := output.Writer
		fmt.Fprintf(w, "Enrollment: %s\n", en.ID)
		fmt.Fprintf(w, "Workflow:   %s\n", en.WorkflowID)
		fmt.Fprintf(w, "Client:     %s\n", en.ClientID)
		fmt.Fprintf(w, "Status:     %s\n", output.Status(string(en.Status)))
		fmt.Fprintf(w, "Step:       %s\n", en.CurrentStep)
		fmt.Fprintf(w, "Next run:   %s\n", formatTimePtr(en.NextExecutionAt))
		fmt.Fprintf(w, "Enrolled:   %s\n", formatTime(en.EnrolledAt))
		if en.CompletedAt != nil {
			fmt.Fprintf(w, "Finished:   %s\n", formatTimePtr(en.CompletedAt))
		}
		if en.LastError != "" {
			fmt.Fprintf(w, "Error:      %s\n", en.LastError)
		}

		fmt.Fprintln(w, "\nSteps:")
		for _, l := range logs {
			detail := l.Message
			if l.Error != "" {
				detail = l.Error
			}
			fmt.Fprintf(w, "  %s %-16s %-18s %s  %s\n", formatTime(l.ExecutedAt), l.StepID, l.Action, output.Status(string(l.Status)), output.Truncate(detail, 60))
		}
		return nil
	},
}

// enrollmentLogsCmd 查看执行记录
var enrollmentLogsCmd = &cobra.Command{
	Use:   "logs <id>",
	Short: "查看报名的执行记录",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, org, err := orgClient()
		if err != nil {
			return err
		}
		logs, err := c.EnrollmentLogs(org, args[0])
		if err != nil {
			output.Error("查询失败: %v", err)
			return err
		}
		if outputJSON {
			return output.PrintJSON(logs)
		}
		if len(logs) == 0 {
			output.Info("暂无执行记录")
			return nil
		}

		table := output.NewTable("EXECUTED_AT", "STEP", "ACTION", "STATUS", "ATTEMPT", "DURATION", "DETAIL")
		for _, l := range logs {
			detail := l.Message
			if l.Error != "" {
				detail = l.Error
			}
			table.AddRow(
				formatTime(l.ExecutedAt),
				l.StepID,
				l.Action,
				output.Status(string(l.Status)),
				strconv.Itoa(l.Attempt),
				fmt.Sprintf("%dms", l.DurationMs),
				output.Truncate(detail, 50),
			)
		}
		table.Render()
		return nil
	},
}

// enrollmentOperateCmd 暂停/恢复/取消
func enrollmentOperateCmd(action, short, done string) *cobra.Command {
	return &cobra.Command{
		Use:   action + " <id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, org, err := orgClient()
			if err != nil {
				return err
			}
			en, err := c.OperateEnrollment(org, args[0], action)
			if err != nil {
				output.Error("%s失败: %v", short, err)
				return err
			}
			if outputJSON {
				return output.PrintJSON(en)
			}
			output.Success("%s: %s (%s)", done, en.ID, output.Status(string(en.Status)))
			return nil
		},
	}
}

func init() {
	enrollmentListCmd.Flags().StringVar(&enrollmentStatus, "status", "", "按状态过滤 (active/paused/completed/failed/cancelled)")
	enrollmentListCmd.Flags().StringVar(&enrollmentWorkflow, "workflow", "", "按工作流过滤")
	enrollmentListCmd.Flags().StringVar(&enrollmentClient, "client", "", "按客户过滤")
	enrollmentListCmd.Flags().IntVar(&enrollmentLimit, "limit", 50, "返回记录数量限制")

	enrollmentCmd.AddCommand(enrollmentListCmd)
	enrollmentCmd.AddCommand(enrollmentStatusCmd)
	enrollmentCmd.AddCommand(enrollmentLogsCmd)
	enrollmentCmd.AddCommand(enrollmentOperateCmd("pause", "暂停报名", "报名已暂停"))
	enrollmentCmd.AddCommand(enrollmentOperateCmd("resume", "恢复报名", "报名已恢复"))
	enrollmentCmd.AddCommand(enrollmentOperateCmd("cancel", "取消报名", "报名已取消"))
}
