package enrollment

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/LENAX/crm-automation/pkg/core/condition"
)

// Status 报名状态（对外导出）
type Status string

const (
	StatusActive    Status = "active"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
	StatusFailed    Status = "failed"
)

// Terminal 是否为终态
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled || s == StatusFailed
}

// Valid 是否为合法状态
func (s Status) Valid() bool {
	switch s {
	case StatusActive, StatusPaused, StatusCompleted, StatusCancelled, StatusFailed:
		return true
	}
	return false
}

// ErrInvalidTransition 非法状态迁移
var ErrInvalidTransition = errors.New("非法的报名状态迁移")

var transitions = map[Status][]Status{
	StatusActive: {StatusPaused, StatusCompleted, StatusCancelled, StatusFailed},
	StatusPaused: {StatusActive, StatusCancelled},
}

// CanTransition 判断 from -> to 是否合法
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Enrollment 客户在某个工作流中的一次参与（对外导出）
type Enrollment struct {
	ID                 string              `json:"id"`
	OrgID              string              `json:"orgId"`
	WorkflowID         string              `json:"workflowId"`
	ClientID           string              `json:"clientId"`
	Reason             string              `json:"reason"`
	Status             Status              `json:"status"`
	CurrentStep        string              `json:"currentStep,omitempty"`
	NextExecutionAt    *time.Time          `json:"nextExecutionAt,omitempty"`
	PendingExecutionAt *time.Time          `json:"pendingExecutionAt,omitempty"`
	WaitingOn          string              `json:"waitingOn,omitempty"`
	Attempts           int                 `json:"attempts"`
	LastError          string              `json:"lastError,omitempty"`
	ClaimedBy          string              `json:"claimedBy,omitempty"`
	ClaimedUntil       *time.Time          `json:"claimedUntil,omitempty"`
	Version            int64               `json:"version"`
	EnrolledAt         time.Time           `json:"enrolledAt"`
	CompletedAt        *time.Time          `json:"completedAt,omitempty"`
	PausedAt           *time.Time          `json:"pausedAt,omitempty"`
	ResumedAt          *time.Time          `json:"resumedAt,omitempty"`
	UpdatedAt          time.Time           `json:"updatedAt"`
	Facts              condition.FactSheet `json:"facts,omitempty"`
	Metadata           map[string]any      `json:"metadata,omitempty"`
}

// New 创建 active 状态的报名，firstStep 为空表示没有待执行步骤
func New(orgID, workflowID, clientID, reason, firstStep string, now time.Time) *Enrollment {
	at := now
	return &Enrollment{
		ID:              uuid.NewString(),
		OrgID:           orgID,
		WorkflowID:      workflowID,
		ClientID:        clientID,
		Reason:          reason,
		Status:          StatusActive,
		CurrentStep:     firstStep,
		NextExecutionAt: &at,
		EnrolledAt:      now,
		UpdatedAt:       now,
		Facts:           condition.FactSheet{},
		Metadata:        map[string]any{},
	}
}

// Due 是否已到执行时间
func (e *Enrollment) Due(now time.Time) bool {
	return e.Status == StatusActive && e.NextExecutionAt != nil && !e.NextExecutionAt.After(now)
}

// Claimed 是否被其他执行者持有未过期的租约
func (e *Enrollment) Claimed(now time.Time) bool {
	return e.ClaimedBy != "" && e.ClaimedUntil != nil && e.ClaimedUntil.After(now)
}

// Transition 执行状态迁移并维护时间戳与 nextExecutionAt 不变量
func (e *Enrollment) Transition(to Status, now time.Time) error {
	if e.Status == to {
		return nil
	}
	if !CanTransition(e.Status, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, e.Status, to)
	}
	from := e.Status
	e.Status = to
	e.UpdatedAt = now
	switch to {
	case StatusPaused:
		e.PendingExecutionAt = e.NextExecutionAt
		e.NextExecutionAt = nil
		e.PausedAt = timePtr(now)
	case StatusActive:
		if from == StatusPaused {
			next := now
			if e.PendingExecutionAt != nil && e.PendingExecutionAt.After(now) {
				next = *e.PendingExecutionAt
			}
			e.NextExecutionAt = timePtr(next)
			e.PendingExecutionAt = nil
			e.ResumedAt = timePtr(now)
		}
	case StatusCompleted:
		e.NextExecutionAt = nil
		e.PendingExecutionAt = nil
		e.CurrentStep = ""
		e.WaitingOn = ""
		e.CompletedAt = timePtr(now)
	case StatusCancelled, StatusFailed:
		e.NextExecutionAt = nil
		e.PendingExecutionAt = nil
		e.CompletedAt = timePtr(now)
	}
	return nil
}

// Pause 暂停，重复调用幂等
func (e *Enrollment) Pause(now time.Time) error {
	return e.Transition(StatusPaused, now)
}

// Resume 恢复，对 active 幂等
// 暂停期间步骤已最终失败的报名恢复后直接进入 failed，不再执行该步骤。
func (e *Enrollment) Resume(now time.Time) error {
	pending := e.FailurePending()
	if err := e.Transition(StatusActive, now); err != nil {
		return err
	}
	if !pending {
		return nil
	}
	delete(e.Metadata, metaFailurePending)
	return e.Fail(e.LastError, now)
}

const metaFailurePending = "failurePending"

// MarkFailurePending 暂停中的报名记录最终失败，恢复时生效
func (e *Enrollment) MarkFailurePending(attempts int, reason string, now time.Time) {
	if e.Metadata == nil {
		e.Metadata = map[string]any{}
	}
	e.Metadata[metaFailurePending] = true
	e.Attempts = attempts
	e.LastError = reason
	e.UpdatedAt = now
}

// FailurePending 是否有待恢复时生效的失败
func (e *Enrollment) FailurePending() bool {
	if e.Status != StatusPaused {
		return false
	}
	pending, _ := e.Metadata[metaFailurePending].(bool)
	return pending
}

// Cancel 取消，重复调用幂等
func (e *Enrollment) Cancel(now time.Time) error {
	return e.Transition(StatusCancelled, now)
}

// Complete 所有步骤完成
func (e *Enrollment) Complete(now time.Time) error {
	return e.Transition(StatusCompleted, now)
}

// Fail 不可恢复的失败
func (e *Enrollment) Fail(reason string, now time.Time) error {
	if err := e.Transition(StatusFailed, now); err != nil {
		return err
	}
	e.LastError = reason
	return nil
}

// ScheduleStep 把指针移动到 step 并在 at 时执行，清除重试计数
func (e *Enrollment) ScheduleStep(step string, at time.Time, now time.Time) error {
	if e.Status.Terminal() {
		return fmt.Errorf("%w: 终态 %s 不能再调度", ErrInvalidTransition, e.Status)
	}
	e.CurrentStep = step
	e.WaitingOn = ""
	e.Attempts = 0
	e.LastError = ""
	e.UpdatedAt = now
	e.setNext(at)
	return nil
}

// WaitOn 在 delay 步骤上开始等待
func (e *Enrollment) WaitOn(step string, until time.Time, now time.Time) error {
	if e.Status.Terminal() {
		return fmt.Errorf("%w: 终态 %s 不能再调度", ErrInvalidTransition, e.Status)
	}
	e.CurrentStep = step
	e.WaitingOn = step
	e.Attempts = 0
	e.UpdatedAt = now
	e.setNext(until)
	return nil
}

// Hold 保持指针与重试进度不变，推迟到 at 再检查
func (e *Enrollment) Hold(at time.Time, now time.Time) error {
	if e.Status.Terminal() {
		return fmt.Errorf("%w: 终态 %s 不能再调度", ErrInvalidTransition, e.Status)
	}
	e.UpdatedAt = now
	e.setNext(at)
	return nil
}

// RetryAt 当前步骤失败后重试
func (e *Enrollment) RetryAt(step string, attempts int, at time.Time, reason string, now time.Time) error {
	if e.Status.Terminal() {
		return fmt.Errorf("%w: 终态 %s 不能再调度", ErrInvalidTransition, e.Status)
	}
	e.CurrentStep = step
	e.WaitingOn = ""
	e.Attempts = attempts
	e.LastError = reason
	e.UpdatedAt = now
	e.setNext(at)
	return nil
}

// setNext 暂停时写入 PendingExecutionAt，保持 nextExecutionAt 只在 active 时存在
func (e *Enrollment) setNext(at time.Time) {
	if e.Status == StatusPaused {
		e.PendingExecutionAt = timePtr(at)
		e.NextExecutionAt = nil
		return
	}
	e.NextExecutionAt = timePtr(at)
}

// ReleaseClaim 释放调度租约
func (e *Enrollment) ReleaseClaim() {
	e.ClaimedBy = ""
	e.ClaimedUntil = nil
}

func timePtr(t time.Time) *time.Time {
	return &t
}
