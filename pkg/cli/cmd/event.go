package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/LENAX/crm-automation/pkg/cli/output"
	"github.com/LENAX/crm-automation/pkg/core/events"
)

var (
	eventID              string
	eventKind            string
	eventClientID        string
	eventAppointmentID   string
	eventAppointmentType string
	eventWorkflowID      string
	eventReason          string
	eventFacts           []string
	eventSync            bool
)

// eventCmd event子命令
var eventCmd = &cobra.Command{
	Use:   "event",
	Short: "业务事件命令",
}

// eventFireCmd 提交业务事件
var eventFireCmd = &cobra.Command{
	Use:   "fire --kind <kind> --client <client-id>",
	Short: "提交业务事件触发工作流",
	Long: `提交业务事件，由触发路由匹配组织内启用的工作流并报名。

事件类型：new_client, appointment_completed, appointment_scheduled, manual,
以及服务项目 morpheus8, toxins, filler, consultation。

--sync 时等待路由完成并输出每个工作流的匹配结果。`,
	RunE: func(cmd *cobra.Command, args []string) error {
		c, org, err := orgClient()
		if err != nil {
			return err
		}
		facts, err := parseFacts(eventFacts)
		if err != nil {
			return err
		}
		ev := events.NewBusinessEvent(events.Kind(eventKind), org, eventClientID, facts)
		if eventID != "" {
			ev.ID = eventID
		}
		ev.AppointmentID = eventAppointmentID
		ev.AppointmentType = eventAppointmentType
		ev.WorkflowID = eventWorkflowID
		ev.Reason = eventReason
		if err := ev.Validate(); err != nil {
			return err
		}

		if !eventSync {
			accepted, err := c.FireEvent(org, ev)
			if err != nil {
				output.Error("提交失败: %v", err)
				return err
			}
			if outputJSON {
				return output.PrintJSON(accepted)
			}
			output.Success("事件已提交: EventID=%s", accepted.EventID)
			return nil
		}

		result, err := c.FireEventSync(org, ev)
		if err != nil {
			output.Error("提交失败: %v", err)
			return err
		}
		if outputJSON {
			return output.PrintJSON(result)
		}
		if result.Duplicate {
			output.Warning("重复事件已忽略: EventID=%s", result.EventID)
			return nil
		}
		output.Success("事件已处理: EventID=%s, 评估 %d 个工作流, 报名 %d 个",
			result.EventID, len(result.Evaluated), len(result.Enrollments))
		w := output.Writer
		for _, en := range result.Enrollments {
			fmt.Fprintf(w, "  ✅ %s -> %s\n", en.WorkflowID, en.ID)
		}
		for _, s := range result.Skipped {
			fmt.Fprintf(w, "  ⏭️  %s: %s\n", s.WorkflowID, s.Reason)
		}
		for _, e := range result.Errors {
			fmt.Fprintf(w, "  ❌ %s: %s\n", e.WorkflowID, e.Reason)
		}
		return nil
	},
}

// dispatcherCmd dispatcher子命令
var dispatcherCmd = &cobra.Command{
	Use:   "dispatcher",
	Short: "调度器运维命令",
}

// dispatcherTickCmd 立即执行一个调度周期
var dispatcherTickCmd = &cobra.Command{
	Use:   "tick",
	Short: "立即执行一个调度周期",
	RunE: func(cmd *cobra.Command, args []string) error {
		report, err := newClient().Tick()
		if err != nil {
			output.Error("执行失败: %v", err)
			return err
		}
		if outputJSON {
			return output.PrintJSON(report)
		}
		output.Success("调度完成: Due=%d, Executed=%d, Lost=%d, Dropped=%d, Errors=%d, Panics=%d, 耗时=%dms",
			report.Due, report.Executed, report.Lost, report.Dropped, report.Errors, report.Panics, report.DurationMs)
		return nil
	},
}

// dispatcherStatusCmd 查看调度器状态
var dispatcherStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "查看调度器状态与最近一次周期",
	RunE: func(cmd *cobra.Command, args []string) error {
		status, err := newClient().DispatcherStatus()
		if err != nil {
			output.Error("查询失败: %v", err)
			return err
		}
		if outputJSON {
			return output.PrintJSON(status)
		}
		w := output.Writer
		fmt.Fprintf(w, "Running:  %v\n", status.Running)
		fmt.Fprintf(w, "Next Run: %s\n", formatTimePtr(status.NextRun))
		last := status.Last
		fmt.Fprintf(w, "Last:     %s (Due=%d, Executed=%d, Errors=%d, Panics=%d)\n",
			formatTime(last.StartedAt), last.Due, last.Executed, last.Errors, last.Panics)
		return nil
	},
}

func init() {
	eventFireCmd.Flags().StringVar(&eventID, "id", "", "事件ID，重复提交同一ID只处理一次（默认随机）")
	eventFireCmd.Flags().StringVar(&eventKind, "kind", "", "事件类型")
	eventFireCmd.Flags().StringVar(&eventClientID, "client", "", "客户ID")
	eventFireCmd.Flags().StringVar(&eventAppointmentID, "appointment-id", "", "预约ID")
	eventFireCmd.Flags().StringVar(&eventAppointmentType, "appointment-type", "", "预约服务项目")
	eventFireCmd.Flags().StringVar(&eventWorkflowID, "workflow", "", "manual 事件指定的工作流")
	eventFireCmd.Flags().StringVar(&eventReason, "reason", "", "报名原因")
	eventFireCmd.Flags().StringArrayVar(&eventFacts, "fact", nil, "事件负载 key=value，可重复")
	eventFireCmd.Flags().BoolVar(&eventSync, "sync", false, "同步处理并输出路由结果")
	_ = eventFireCmd.MarkFlagRequired("kind")
	_ = eventFireCmd.MarkFlagRequired("client")

	eventCmd.AddCommand(eventFireCmd)
	dispatcherCmd.AddCommand(dispatcherTickCmd, dispatcherStatusCmd)
}
