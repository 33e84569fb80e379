// Package events 定义业务事件与生命周期事件，以及基于 watermill 的事件总线
package events

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/LENAX/crm-automation/pkg/core/condition"
	"github.com/LENAX/crm-automation/pkg/core/workflow"
)

// Kind 业务事件类型（对外导出）
type Kind string

const (
	KindNewClient            Kind = "new_client"
	KindAppointmentCompleted Kind = "appointment_completed"
	KindAppointmentScheduled Kind = "appointment_scheduled"
	KindManual               Kind = "manual"
)

// Valid 通用事件或服务项目事件
func (k Kind) Valid() bool {
	switch k {
	case KindNewClient, KindAppointmentCompleted, KindAppointmentScheduled, KindManual:
		return true
	}
	return workflow.TriggerKind(k).IsService()
}

// BusinessEvent 外部业务事件（对外导出）
type BusinessEvent struct {
	ID              string              `json:"id"`
	Kind            Kind                `json:"kind"`
	OrgID           string              `json:"orgId"`
	ClientID        string              `json:"clientId"`
	AppointmentID   string              `json:"appointmentId,omitempty"`
	AppointmentType string              `json:"appointmentType,omitempty"`
	WorkflowID      string              `json:"workflowId,omitempty"`
	Reason          string              `json:"reason,omitempty"`
	OccurredAt      time.Time           `json:"occurredAt"`
	Facts           condition.FactSheet `json:"facts,omitempty"`
}

// NewBusinessEvent 创建业务事件
func NewBusinessEvent(kind Kind, orgID, clientID string, facts condition.FactSheet) *BusinessEvent {
	return &BusinessEvent{
		ID:         uuid.NewString(),
		Kind:       kind,
		OrgID:      orgID,
		ClientID:   clientID,
		OccurredAt: time.Now().UTC(),
		Facts:      facts,
	}
}

// Validate 校验必填字段
func (e *BusinessEvent) Validate() error {
	if e == nil {
		return fmt.Errorf("事件不能为空")
	}
	if strings.TrimSpace(e.OrgID) == "" {
		return fmt.Errorf("事件缺少 orgId")
	}
	if strings.TrimSpace(e.ClientID) == "" {
		return fmt.Errorf("事件缺少 clientId")
	}
	if !e.Kind.Valid() {
		return fmt.Errorf("不支持的事件类型: %q", e.Kind)
	}
	return nil
}

// IsAppointment 是否为预约相关事件
func (e *BusinessEvent) IsAppointment() bool {
	return e.AppointmentID != "" || e.Kind == KindAppointmentCompleted || e.Kind == KindAppointmentScheduled ||
		workflow.TriggerKind(e.Kind).IsService()
}

// ServiceType 事件对应的服务项目，优先取 appointmentType
func (e *BusinessEvent) ServiceType() string {
	if e.AppointmentType != "" {
		return e.AppointmentType
	}
	if v := e.Facts.String("appointmentType"); v != "" {
		return v
	}
	if workflow.TriggerKind(e.Kind).IsService() {
		return string(e.Kind)
	}
	return ""
}

// Triggers 事件能匹配的工作流触发器
func (e *BusinessEvent) Triggers() []workflow.TriggerKind {
	switch e.Kind {
	case KindNewClient:
		return []workflow.TriggerKind{workflow.TriggerNewClient}
	case KindAppointmentScheduled:
		return []workflow.TriggerKind{workflow.TriggerAppointmentScheduled}
	case KindManual:
		return []workflow.TriggerKind{workflow.TriggerManual}
	case KindAppointmentCompleted:
		kinds := []workflow.TriggerKind{workflow.TriggerAppointmentCompleted}
		if svc, ok := workflow.ServiceTrigger(e.ServiceType()); ok {
			kinds = append(kinds, svc)
		}
		return kinds
	}
	if svc := workflow.TriggerKind(e.Kind); svc.IsService() {
		return []workflow.TriggerKind{svc}
	}
	return nil
}

// FactSheet 组装用于条件评估的快照：事件负载 + 事件标识字段
func (e *BusinessEvent) FactSheet() condition.FactSheet {
	facts := condition.Merge(e.Facts)
	facts["clientId"] = e.ClientID
	facts["eventKind"] = string(e.Kind)
	if e.AppointmentID != "" {
		facts["appointmentId"] = e.AppointmentID
	}
	if svc := e.ServiceType(); svc != "" {
		if _, ok := facts["appointmentType"]; !ok {
			facts["appointmentType"] = svc
		}
	}
	return facts
}

// LifecycleType 生命周期事件类型（对外导出）
type LifecycleType string

const (
	LifecycleEnrollmentCreated   LifecycleType = "enrollment.created"
	LifecycleEnrollmentCompleted LifecycleType = "enrollment.completed"
	LifecycleEnrollmentFailed    LifecycleType = "enrollment.failed"
	LifecycleEnrollmentCancelled LifecycleType = "enrollment.cancelled"
	LifecycleEnrollmentPaused    LifecycleType = "enrollment.paused"
	LifecycleEnrollmentResumed   LifecycleType = "enrollment.resumed"
	LifecycleStepExecuted        LifecycleType = "step.executed"
	LifecycleStepFailed          LifecycleType = "step.failed"
)

// LifecycleEvent 引擎内部状态变化通知（对外导出）
type LifecycleEvent struct {
	ID           string         `json:"id"`
	Type         LifecycleType  `json:"type"`
	OrgID        string         `json:"orgId"`
	WorkflowID   string         `json:"workflowId"`
	EnrollmentID string         `json:"enrollmentId"`
	ClientID     string         `json:"clientId"`
	StepID       string         `json:"stepId,omitempty"`
	Status       string         `json:"status,omitempty"`
	Error        string         `json:"error,omitempty"`
	OccurredAt   time.Time      `json:"occurredAt"`
	Data         map[string]any `json:"data,omitempty"`
}

// NewLifecycleEvent 创建生命周期事件
func NewLifecycleEvent(t LifecycleType, orgID, workflowID, enrollmentID, clientID string, at time.Time) *LifecycleEvent {
	return &LifecycleEvent{
		ID:           uuid.NewString(),
		Type:         t,
		OrgID:        orgID,
		WorkflowID:   workflowID,
		EnrollmentID: enrollmentID,
		ClientID:     clientID,
		OccurredAt:   at,
	}
}
