package cmd

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/LENAX/crm-automation/pkg/cli/output"
	"github.com/LENAX/crm-automation/pkg/core/engine"
	"github.com/LENAX/crm-automation/pkg/core/workflow"
)

var (
	workflowStatus string
	workflowFile   string
	enrollClientID string
	enrollReason   string
	enrollFacts    []string
	enrollForce    bool
)

// workflowCmd workflow子命令
var workflowCmd = &cobra.Command{
	Use:   "workflow",
	Short: "工作流管理命令",
	Long:  `管理自动化工作流，包括导入、查看、启用、停用、删除和手动报名。`,
}

// workflowListCmd 列出工作流
var workflowListCmd = &cobra.Command{
	Use:   "list",
	Short: "列出组织的工作流",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, org, err := orgClient()
		if err != nil {
			return err
		}
		items, err := c.ListWorkflows(org, workflowStatus)
		if err != nil {
			output.Error("查询失败: %v", err)
			return err
		}

		if outputJSON {
			return output.PrintJSON(items)
		}
		if len(items) == 0 {
			output.Info("暂无工作流")
			return nil
		}

		table := output.NewTable("WORKFLOW_ID", "NAME", "TRIGGER", "STATUS", "STEPS", "RUNS", "OK", "FAILED")
		for _, wf := range items {
			table.AddRow(
				wf.ID,
				output.Truncate(wf.Name, 32),
				string(wf.Trigger),
				output.Status(string(wf.Status)),
				strconv.Itoa(len(wf.Actions)),
				strconv.FormatInt(wf.Stats.TotalRuns, 10),
				strconv.FormatInt(wf.Stats.SuccessfulRuns, 10),
				strconv.FormatInt(wf.Stats.FailedRuns, 10),
			)
		}
		table.Render()
		return nil
	},
}

// workflowGetCmd 查看工作流
var workflowGetCmd = &cobra.Command{
	Use:   "get <id>",
	Short: "查看工作流定义与统计",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, org, err := orgClient()
		if err != nil {
			return err
		}
		wf, err := c.GetWorkflow(org, args[0])
		if err != nil {
			output.Error("查询失败: %v", err)
			return err
		}
		if outputJSON {
			return output.PrintJSON(wf)
		}

		w := output.Writer
		fmt.Fprintf(w, "Workflow: %s (%s)\n", wf.Name, wf.ID)
		fmt.Fprintf(w, "Status:   %s\n", output.Status(string(wf.Status)))
		fmt.Fprintf(w, "Trigger:  %s\n", wf.Trigger)
		if wf.PreventDuplicates {
			fmt.Fprintf(w, "Cooldown: %d 天\n", wf.DuplicateLookbackDays)
		}
		fmt.Fprintf(w, "Runs:     %d (成功 %d, 失败 %d), 平均 %.0fms\n",
			wf.Stats.TotalRuns, wf.Stats.SuccessfulRuns, wf.Stats.FailedRuns, wf.Stats.AverageExecutionTimeMs)
		if len(wf.Conditions) > 0 {
			fmt.Fprintln(w, "\nConditions:")
			for _, cond := range wf.Conditions {
				fmt.Fprintf(w, "  - %s\n", cond)
			}
		}
		fmt.Fprintln(w, "\nSteps:")
		for _, a := range wf.SortedActions() {
			fmt.Fprintf(w, "  %d. %-20s %s\n", a.Order, a.ID, a.Type)
		}
		return nil
	},
}

// workflowApplyCmd 导入工作流定义
var workflowApplyCmd = &cobra.Command{
	Use:   "apply -f <file>",
	Short: "从YAML/JSON文件创建或更新工作流",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, org, err := orgClient()
		if err != nil {
			return err
		}
		if workflowFile == "" {
			return fmt.Errorf("必须通过 -f 指定定义文件")
		}
		defs, err := workflow.LoadDefinitionFile(workflowFile)
		if err != nil {
			output.Error("读取定义失败: %v", err)
			return err
		}

		var applied []*workflow.Workflow
		for _, def := range defs {
			saved, created, err := c.ApplyWorkflow(org, def)
			if err != nil {
				output.Error("导入失败: %s: %v", def.Name, err)
				return err
			}
			applied = append(applied, saved)
			if outputJSON {
				continue
			}
			if created {
				output.Success("工作流已创建: %s (%s)", saved.Name, saved.ID)
			} else {
				output.Success("工作流已更新: %s (%s)", saved.Name, saved.ID)
			}
		}
		if outputJSON {
			return output.PrintJSON(applied)
		}
		return nil
	},
}

// workflowStatusCmd 启用/停用/归档
func workflowStatusCmd(action, short, done string) *cobra.Command {
	return &cobra.Command{
		Use:   action + " <id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, org, err := orgClient()
			if err != nil {
				return err
			}
			wf, err := c.SetWorkflowStatus(org, args[0], action)
			if err != nil {
				output.Error("%s失败: %v", short, err)
				return err
			}
			if outputJSON {
				return output.PrintJSON(wf)
			}
			output.Success("%s: %s (%s)", done, wf.Name, output.Status(string(wf.Status)))
			return nil
		},
	}
}

// workflowDeleteCmd 删除工作流
var workflowDeleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "删除工作流（已有报名在到期时被取消）",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, org, err := orgClient()
		if err != nil {
			return err
		}
		if err := c.DeleteWorkflow(org, args[0]); err != nil {
			output.Error("删除失败: %v", err)
			return err
		}
		output.Success("工作流已删除: %s", args[0])
		return nil
	},
}

// workflowEnrollCmd 手动报名
var workflowEnrollCmd = &cobra.Command{
	Use:   "enroll <id> --client <client-id>",
	Short: "手动把客户报名到工作流",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, org, err := orgClient()
		if err != nil {
			return err
		}
		facts, err := parseFacts(enrollFacts)
		if err != nil {
			return err
		}
		en, err := c.Enroll(org, args[0], engine.EnrollRequest{
			ClientID: enrollClientID,
			Reason:   enrollReason,
			Facts:    facts,
			Force:    enrollForce,
		})
		if err != nil {
			output.Error("报名失败: %v", err)
			return err
		}
		if outputJSON {
			return output.PrintJSON(en)
		}
		next := "-"
		if en.NextExecutionAt != nil {
			next = formatTime(*en.NextExecutionAt)
		}
		output.Success("已报名: EnrollmentID=%s, 首个步骤=%s, 执行时间=%s", en.ID, en.CurrentStep, next)
		return nil
	},
}

func init() {
	workflowListCmd.Flags().StringVar(&workflowStatus, "status", "", "按状态过滤 ("+strings.Join([]string{"draft", "active", "inactive", "archived"}, "/")+")")
	workflowApplyCmd.Flags().StringVarP(&workflowFile, "file", "f", "", "工作流定义文件 (YAML/JSON)")

	workflowEnrollCmd.Flags().StringVar(&enrollClientID, "client", "", "客户ID")
	workflowEnrollCmd.Flags().StringVar(&enrollReason, "reason", "", "报名原因")
	workflowEnrollCmd.Flags().StringArrayVar(&enrollFacts, "fact", nil, "附加事实 key=value，可重复")
	workflowEnrollCmd.Flags().BoolVar(&enrollForce, "force", false, "跳过条件与重复报名校验")
	_ = workflowEnrollCmd.MarkFlagRequired("client")

	workflowCmd.AddCommand(workflowListCmd)
	workflowCmd.AddCommand(workflowGetCmd)
	workflowCmd.AddCommand(workflowApplyCmd)
	workflowCmd.AddCommand(workflowStatusCmd("enable", "启用工作流", "工作流已启用"))
	workflowCmd.AddCommand(workflowStatusCmd("disable", "停用工作流", "工作流已停用"))
	workflowCmd.AddCommand(workflowStatusCmd("archive", "归档工作流", "工作流已归档"))
	workflowCmd.AddCommand(workflowDeleteCmd)
	workflowCmd.AddCommand(workflowEnrollCmd)
}
