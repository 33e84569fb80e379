package storage

import (
	"context"
	"errors"
	"time"

	"github.com/LENAX/crm-automation/pkg/core/enrollment"
	"github.com/LENAX/crm-automation/pkg/core/execlog"
	"github.com/LENAX/crm-automation/pkg/core/trigger"
	"github.com/LENAX/crm-automation/pkg/core/workflow"
)

// ErrConflict 乐观锁版本冲突
var ErrConflict = errors.New("记录已被并发修改")

// WorkflowFilter 工作流查询条件
type WorkflowFilter struct {
	OrgID     string
	Status    workflow.Status
	Directory string
}

// WorkflowRepository 工作流存储（对外导出）
// 查询不到时返回 nil, nil。
type WorkflowRepository interface {
	// SaveWorkflow 按ID插入或更新定义，不覆盖汇总计数
	SaveWorkflow(ctx context.Context, wf *workflow.Workflow) error
	GetWorkflow(ctx context.Context, orgID, id string) (*workflow.Workflow, error)
	ListWorkflows(ctx context.Context, filter WorkflowFilter) ([]*workflow.Workflow, error)
	// ListActiveWorkflows 查询组织内匹配任一触发器的 active 工作流
	ListActiveWorkflows(ctx context.Context, orgID string, triggers []workflow.TriggerKind) ([]*workflow.Workflow, error)
	// UpdateWorkflowStatus 返回是否找到记录
	UpdateWorkflowStatus(ctx context.Context, orgID, id string, status workflow.Status, now time.Time) (bool, error)
	DeleteWorkflow(ctx context.Context, orgID, id string) (bool, error)
	IncrementWorkflowStats(ctx context.Context, orgID, id string, delta workflow.StatsDelta) error
}

// EnrollmentFilter 报名查询条件
type EnrollmentFilter struct {
	OrgID      string
	WorkflowID string
	ClientID   string
	Status     enrollment.Status
	Limit      int
	Offset     int
}

// EnrollmentRepository 报名存储（对外导出）
type EnrollmentRepository interface {
	CreateEnrollment(ctx context.Context, e *enrollment.Enrollment) error
	// CreateEnrollmentGuarded 在同一事务内确认冷却窗口内没有阻塞的报名后插入
	CreateEnrollmentGuarded(ctx context.Context, e *enrollment.Enrollment, since time.Time) (bool, error)
	GetEnrollment(ctx context.Context, orgID, id string) (*enrollment.Enrollment, error)
	ListEnrollments(ctx context.Context, filter EnrollmentFilter) ([]*enrollment.Enrollment, error)
	LatestEnrollment(ctx context.Context, orgID, workflowID, clientID string) (*enrollment.Enrollment, error)
	// ListDue 跨组织查询到期且未被租约持有的报名，组织间轮转、组织内按 nextExecutionAt 升序；
	// perOrg > 0 时限制单个组织本批的条数
	ListDue(ctx context.Context, now time.Time, limit, perOrg int) ([]*enrollment.Enrollment, error)
	// ClaimEnrollment 以版本号CAS获取租约，成功时更新 e 的版本与租约字段
	ClaimEnrollment(ctx context.Context, e *enrollment.Enrollment, workerID string, now, leaseUntil time.Time) (bool, error)
	// UpdateEnrollment 以版本号CAS保存，冲突返回 ErrConflict
	UpdateEnrollment(ctx context.Context, e *enrollment.Enrollment) error
}

// LogFilter 执行记录查询条件
type LogFilter struct {
	OrgID        string
	WorkflowID   string
	EnrollmentID string
	ClientID     string
	Status       execlog.Status
	Limit        int
}

// ExecutionLogRepository 执行记录存储，只追加（对外导出）
type ExecutionLogRepository interface {
	AppendExecutionLog(ctx context.Context, entry *execlog.Entry) error
	ListExecutionLogs(ctx context.Context, filter LogFilter) ([]*execlog.Entry, error)
	// FindExecutedStep 查询某报名某步骤已成功执行的记录
	FindExecutedStep(ctx context.Context, orgID, enrollmentID, stepID string) (*execlog.Entry, error)
}

// AppointmentTriggerRepository 预约触发审计存储（对外导出）
type AppointmentTriggerRepository interface {
	SaveAppointmentTrigger(ctx context.Context, rec *trigger.AppointmentTrigger) error
	GetAppointmentTriggerByEvent(ctx context.Context, orgID, eventID string) (*trigger.AppointmentTrigger, error)
	ListAppointmentTriggers(ctx context.Context, orgID, appointmentID string) ([]*trigger.AppointmentTrigger, error)
}

// Store 引擎使用的全部存储
type Store interface {
	WorkflowRepository
	EnrollmentRepository
	ExecutionLogRepository
	AppointmentTriggerRepository
	Ping(ctx context.Context) error
	Close() error
}
