package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"

	"github.com/LENAX/crm-automation/pkg/core/condition"
	"github.com/LENAX/crm-automation/pkg/core/enrollment"
	"github.com/LENAX/crm-automation/pkg/core/events"
	"github.com/LENAX/crm-automation/pkg/core/execlog"
	"github.com/LENAX/crm-automation/pkg/core/trigger"
	"github.com/LENAX/crm-automation/pkg/core/workflow"
	"github.com/LENAX/crm-automation/pkg/storage"
)

var (
	// ErrNotFound 记录不存在或不属于该组织
	ErrNotFound = errors.New("记录不存在")
	// ErrInvalidArgument 请求参数或工作流定义无效
	ErrInvalidArgument = errors.New("参数无效")
)

func invalidf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidArgument, fmt.Sprintf(format, args...))
}

// SaveWorkflow 校验并保存工作流定义（对外导出）
func (e *Engine) SaveWorkflow(ctx context.Context, wf *workflow.Workflow) (*workflow.Workflow, error) {
	if wf == nil {
		return nil, invalidf("工作流不能为空")
	}
	if wf.Status == "" {
		wf.Status = workflow.StatusDraft
	}
	wf.EnsureIDs()
	if err := wf.Validate(); err != nil {
		return nil, invalidf("工作流定义无效: %v", err)
	}
	now := e.clock.Now()
	if wf.CreatedAt.IsZero() {
		wf.CreatedAt = now
	}
	wf.UpdatedAt = now
	if err := e.store.SaveWorkflow(ctx, wf); err != nil {
		return nil, fmt.Errorf("保存工作流失败: %w", err)
	}
	e.router.InvalidateOrg(wf.OrgID)
	log.Printf("✅ [引擎] 工作流已保存: OrgID=%s, WorkflowID=%s, Name=%s, Status=%s", wf.OrgID, wf.ID, wf.Name, wf.Status)
	return e.GetWorkflow(ctx, wf.OrgID, wf.ID)
}

// GetWorkflow 查询工作流，不存在时返回 ErrNotFound
func (e *Engine) GetWorkflow(ctx context.Context, orgID, id string) (*workflow.Workflow, error) {
	wf, err := e.store.GetWorkflow(ctx, orgID, id)
	if err != nil {
		return nil, err
	}
	if wf == nil {
		return nil, ErrNotFound
	}
	return wf, nil
}

// ListWorkflows 按条件列出组织的工作流
func (e *Engine) ListWorkflows(ctx context.Context, filter storage.WorkflowFilter) ([]*workflow.Workflow, error) {
	if filter.OrgID == "" {
		return nil, invalidf("orgId不能为空")
	}
	return e.store.ListWorkflows(ctx, filter)
}

// SetWorkflowStatus 启用、停用或归档工作流（对外导出）
// 停用（inactive/draft）期间已有报名保持在当前步骤，重新启用后继续；归档后报名在下一次到期时被取消。
func (e *Engine) SetWorkflowStatus(ctx context.Context, orgID, id string, status workflow.Status) (*workflow.Workflow, error) {
	if !status.Valid() {
		return nil, invalidf("status无效: %q", status)
	}
	wf, err := e.GetWorkflow(ctx, orgID, id)
	if err != nil {
		return nil, err
	}
	if wf.Status == status {
		return wf, nil
	}
	if status == workflow.StatusActive {
		if err := wf.Validate(); err != nil {
			return nil, invalidf("工作流定义无效，不能启用: %v", err)
		}
	}
	found, err := e.store.UpdateWorkflowStatus(ctx, orgID, id, status, e.clock.Now())
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, ErrNotFound
	}
	e.router.InvalidateOrg(orgID)
	log.Printf("🔄 [引擎] 工作流状态已变更: WorkflowID=%s, %s -> %s", id, wf.Status, status)
	return e.GetWorkflow(ctx, orgID, id)
}

// DeleteWorkflow 删除工作流定义，已有报名保留并在到期时被取消
func (e *Engine) DeleteWorkflow(ctx context.Context, orgID, id string) error {
	found, err := e.store.DeleteWorkflow(ctx, orgID, id)
	if err != nil {
		return err
	}
	if !found {
		return ErrNotFound
	}
	e.router.InvalidateOrg(orgID)
	log.Printf("🗑️ [引擎] 工作流已删除: OrgID=%s, WorkflowID=%s", orgID, id)
	return nil
}

// EnrollRequest 手动报名参数
type EnrollRequest struct {
	ClientID string              `json:"clientId"`
	Reason   string              `json:"reason,omitempty"`
	Facts    condition.FactSheet `json:"facts,omitempty"`
	Force    bool                `json:"force,omitempty"`
}

// EnrollClient 手动把客户报名到工作流（对外导出）
func (e *Engine) EnrollClient(ctx context.Context, orgID, workflowID string, req EnrollRequest) (*enrollment.Enrollment, error) {
	if strings.TrimSpace(req.ClientID) == "" {
		return nil, invalidf("clientId不能为空")
	}
	en, err := e.router.EnrollWorkflow(ctx, orgID, workflowID, req.ClientID, trigger.EnrollOptions{
		Reason: req.Reason,
		Facts:  req.Facts,
		Force:  req.Force,
	})
	if err != nil {
		if errors.Is(err, trigger.ErrWorkflowNotFound) {
			return nil, fmt.Errorf("%w: %v", ErrNotFound, err)
		}
		return nil, err
	}
	e.metrics.recordEnrolled(ctx, orgID, 1)
	return en, nil
}

// GetEnrollment 查询报名，不存在时返回 ErrNotFound
func (e *Engine) GetEnrollment(ctx context.Context, orgID, id string) (*enrollment.Enrollment, error) {
	en, err := e.store.GetEnrollment(ctx, orgID, id)
	if err != nil {
		return nil, err
	}
	if en == nil {
		return nil, ErrNotFound
	}
	return en, nil
}

// ListEnrollments 按条件列出报名
func (e *Engine) ListEnrollments(ctx context.Context, filter storage.EnrollmentFilter) ([]*enrollment.Enrollment, error) {
	if filter.OrgID == "" {
		return nil, invalidf("orgId不能为空")
	}
	if filter.Status != "" && !filter.Status.Valid() {
		return nil, invalidf("status无效: %q", filter.Status)
	}
	return e.store.ListEnrollments(ctx, filter)
}

// ListExecutionLogs 按条件列出执行记录
func (e *Engine) ListExecutionLogs(ctx context.Context, filter storage.LogFilter) ([]*execlog.Entry, error) {
	if filter.OrgID == "" {
		return nil, invalidf("orgId不能为空")
	}
	return e.store.ListExecutionLogs(ctx, filter)
}

// ListAppointmentTriggers 查询预约触发审计记录，appointmentID 为空时列出组织全部
func (e *Engine) ListAppointmentTriggers(ctx context.Context, orgID, appointmentID string) ([]*trigger.AppointmentTrigger, error) {
	if orgID == "" {
		return nil, invalidf("orgId不能为空")
	}
	return e.store.ListAppointmentTriggers(ctx, orgID, appointmentID)
}

// PauseEnrollment 暂停报名，对 paused 幂等（对外导出）
func (e *Engine) PauseEnrollment(ctx context.Context, orgID, id string) (*enrollment.Enrollment, error) {
	return e.operate(ctx, orgID, id, enrollment.StatusPaused, events.LifecycleEnrollmentPaused)
}

// ResumeEnrollment 恢复报名，对 active 幂等（对外导出）
func (e *Engine) ResumeEnrollment(ctx context.Context, orgID, id string) (*enrollment.Enrollment, error) {
	return e.operate(ctx, orgID, id, enrollment.StatusActive, events.LifecycleEnrollmentResumed)
}

// CancelEnrollment 取消报名，对 cancelled 幂等（对外导出）
func (e *Engine) CancelEnrollment(ctx context.Context, orgID, id string) (*enrollment.Enrollment, error) {
	return e.operate(ctx, orgID, id, enrollment.StatusCancelled, events.LifecycleEnrollmentCancelled)
}

// operate 以版本号CAS执行人工状态迁移，冲突时重新读取后重试
func (e *Engine) operate(ctx context.Context, orgID, id string, to enrollment.Status, evType events.LifecycleType) (*enrollment.Enrollment, error) {
	for i := 0; i < 5; i++ {
		en, err := e.GetEnrollment(ctx, orgID, id)
		if err != nil {
			return nil, err
		}
		if en.Status == to {
			return en, nil
		}
		now := e.clock.Now()
		if to == enrollment.StatusActive {
			err = en.Resume(now)
		} else {
			err = en.Transition(to, now)
		}
		if err != nil {
			return nil, err
		}
		if en.Status == enrollment.StatusFailed {
			evType = events.LifecycleEnrollmentFailed
		}
		err = e.store.UpdateEnrollment(ctx, en)
		if errors.Is(err, storage.ErrConflict) {
			log.Printf("🔄 [引擎] 报名并发修改，重试: EnrollmentID=%s, Target=%s", id, to)
			continue
		}
		if err != nil {
			return nil, err
		}

		log.Printf("✅ [引擎] 报名状态已变更: EnrollmentID=%s, Status=%s", id, en.Status)
		ev := events.NewLifecycleEvent(evType, en.OrgID, en.WorkflowID, en.ID, en.ClientID, now)
		ev.Status = string(en.Status)
		if err := e.bus.PublishLifecycle(ctx, ev); err != nil {
			log.Printf("⚠️ [引擎] 发布生命周期事件失败: EnrollmentID=%s, Type=%s, Error=%v", id, evType, err)
		}
		if en.Status.Terminal() {
			e.metrics.recordFinished(ctx, en.OrgID, string(en.Status))
		}
		if en.Status == enrollment.StatusFailed {
			if err := e.store.IncrementWorkflowStats(ctx, en.OrgID, en.WorkflowID, workflow.StatsDelta{Failed: 1}); err != nil {
				log.Printf("⚠️ [引擎] 更新工作流统计失败: WorkflowID=%s, Error=%v", en.WorkflowID, err)
			}
		}
		return en, nil
	}
	return nil, fmt.Errorf("报名 %s 连续并发冲突: %w", id, storage.ErrConflict)
}
