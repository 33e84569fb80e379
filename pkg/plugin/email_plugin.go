package plugin

import (
	"context"
	"fmt"
	"log"
	"sort"
	"strconv"
	"strings"

	"github.com/LENAX/crm-automation/pkg/capability"
)

// EmailAlertPlugin 报名异常邮件告警插件（对外导出）
// 未注入 Messenger 时按 Init 参数创建 SMTP 发送器。
type EmailAlertPlugin struct {
	name      string
	messenger capability.Messenger
	to        []string
	enabled   bool
}

// NewEmailAlertPlugin 创建邮件告警插件（对外导出）
func NewEmailAlertPlugin(messenger capability.Messenger) *EmailAlertPlugin {
	return &EmailAlertPlugin{
		name:      "email_alert",
		messenger: messenger,
	}
}

// Name 插件名称（实现Plugin接口）
func (e *EmailAlertPlugin) Name() string {
	return e.name
}

// Init 初始化插件（实现Plugin接口）
func (e *EmailAlertPlugin) Init(params map[string]string) error {
	// 收件人地址（多个用逗号分隔）
	toStr := params["to"]
	if toStr == "" {
		return fmt.Errorf("to参数不能为空")
	}
	e.to = e.to[:0]
	for _, addr := range strings.Split(toStr, ",") {
		if addr = strings.TrimSpace(addr); addr != "" {
			e.to = append(e.to, addr)
		}
	}
	if len(e.to) == 0 {
		return fmt.Errorf("to参数不能为空")
	}

	if e.messenger == nil {
		port := 25
		if portStr := params["smtp_port"]; portStr != "" {
			p, err := strconv.Atoi(portStr)
			if err != nil {
				return fmt.Errorf("smtp_port参数格式错误: %w", err)
			}
			port = p
		}
		mailer, err := capability.NewSMTPMailer(capability.SMTPConfig{
			Host:     params["smtp_host"],
			Port:     port,
			Username: params["username"],
			Password: params["password"],
			From:     params["from"],
		})
		if err != nil {
			return fmt.Errorf("创建SMTP发送器失败: %w", err)
		}
		e.messenger = mailer
	}

	e.enabled = true
	log.Printf("✅ [EmailAlertPlugin] 初始化完成: To=%v", e.to)
	return nil
}

// Execute 发送告警邮件（实现Plugin接口）
func (e *EmailAlertPlugin) Execute(ctx context.Context, data PluginData) error {
	if !e.enabled {
		return fmt.Errorf("邮件告警插件未初始化")
	}

	subject := e.buildSubject(data)
	body := e.buildBody(data)

	var failed []string
	for _, to := range e.to {
		_, err := e.messenger.Send(ctx, capability.Message{
			Channel:        capability.ChannelEmail,
			OrgID:          data.OrgID,
			To:             to,
			Subject:        subject,
			Body:           body,
			IdempotencyKey: fmt.Sprintf("alert:%s:%s:%s", data.Event, data.EnrollmentID, to),
		})
		if err != nil {
			failed = append(failed, fmt.Sprintf("%s(%v)", to, err))
		}
	}
	if len(failed) > 0 {
		return fmt.Errorf("发送告警邮件失败: %s", strings.Join(failed, ", "))
	}

	log.Printf("✅ [EmailAlertPlugin] 告警已发送: Event=%s, EnrollmentID=%s, Subject=%s", data.Event, data.EnrollmentID, subject)
	return nil
}

// buildSubject 构建邮件主题
func (e *EmailAlertPlugin) buildSubject(data PluginData) string {
	switch data.Event {
	case EventEnrollmentFailed:
		return fmt.Sprintf("[报名失败] %s - %s", data.WorkflowID, data.EnrollmentID)
	case EventEnrollmentCancelled:
		return fmt.Sprintf("[报名取消] %s - %s", data.WorkflowID, data.EnrollmentID)
	case EventEnrollmentCompleted:
		return fmt.Sprintf("[报名完成] %s - %s", data.WorkflowID, data.EnrollmentID)
	case EventStepFailed:
		return fmt.Sprintf("[步骤失败] %s - %s", data.WorkflowID, data.StepID)
	default:
		return fmt.Sprintf("[自动化通知] %s", data.Event)
	}
}

// buildBody 构建邮件正文
func (e *EmailAlertPlugin) buildBody(data PluginData) string {
	var body strings.Builder
	fmt.Fprintf(&body, "事件类型: %s\n", data.Event)
	fmt.Fprintf(&body, "组织: %s\n", data.OrgID)
	if data.Status != "" {
		fmt.Fprintf(&body, "状态: %s\n", data.Status)
	}
	if data.WorkflowID != "" {
		fmt.Fprintf(&body, "Workflow ID: %s\n", data.WorkflowID)
	}
	if data.EnrollmentID != "" {
		fmt.Fprintf(&body, "Enrollment ID: %s\n", data.EnrollmentID)
	}
	if data.ClientID != "" {
		fmt.Fprintf(&body, "Client ID: %s\n", data.ClientID)
	}
	if data.StepID != "" {
		fmt.Fprintf(&body, "Step ID: %s\n", data.StepID)
	}
	if data.Error != "" {
		fmt.Fprintf(&body, "错误信息: %s\n", data.Error)
	}
	if len(data.Data) > 0 {
		keys := make([]string, 0, len(data.Data))
		for k := range data.Data {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		body.WriteString("\n详细信息:\n")
		for _, k := range keys {
			fmt.Fprintf(&body, "  %s: %v\n", k, data.Data[k])
		}
	}
	return body.String()
}
