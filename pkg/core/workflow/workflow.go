package workflow

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/LENAX/crm-automation/pkg/core/condition"
)

// Status 工作流生命周期状态（对外导出）
type Status string

const (
	StatusDraft    Status = "draft"
	StatusActive   Status = "active"
	StatusInactive Status = "inactive"
	StatusArchived Status = "archived"
)

// Valid 是否为合法状态
func (s Status) Valid() bool {
	switch s {
	case StatusDraft, StatusActive, StatusInactive, StatusArchived:
		return true
	}
	return false
}

// TriggerKind 触发类型（对外导出）
type TriggerKind string

const (
	TriggerNewClient            TriggerKind = "new_client"
	TriggerAppointmentCompleted TriggerKind = "appointment_completed"
	TriggerAppointmentScheduled TriggerKind = "appointment_scheduled"
	TriggerManual               TriggerKind = "manual"

	// 按服务项目区分的触发器，匹配 appointmentType 相同的已完成预约
	TriggerMorpheus8    TriggerKind = "morpheus8"
	TriggerToxins       TriggerKind = "toxins"
	TriggerFiller       TriggerKind = "filler"
	TriggerConsultation TriggerKind = "consultation"
)

var serviceTriggers = map[TriggerKind]bool{
	TriggerMorpheus8:    true,
	TriggerToxins:       true,
	TriggerFiller:       true,
	TriggerConsultation: true,
}

// Valid 是否为已知触发类型
func (t TriggerKind) Valid() bool {
	switch t {
	case TriggerNewClient, TriggerAppointmentCompleted, TriggerAppointmentScheduled, TriggerManual:
		return true
	}
	return serviceTriggers[t]
}

// IsService 是否为服务项目触发器
func (t TriggerKind) IsService() bool {
	return serviceTriggers[t]
}

// ServiceTrigger 根据预约类型找到对应的服务触发器
func ServiceTrigger(appointmentType string) (TriggerKind, bool) {
	kind := TriggerKind(strings.ToLower(strings.TrimSpace(appointmentType)))
	if serviceTriggers[kind] {
		return kind, true
	}
	return "", false
}

// Stats 工作流汇总计数（对外导出）
type Stats struct {
	TotalRuns              int64      `json:"totalRuns"`
	SuccessfulRuns         int64      `json:"successfulRuns"`
	FailedRuns             int64      `json:"failedRuns"`
	ExecutedSteps          int64      `json:"executedSteps"`
	AverageExecutionTimeMs float64    `json:"averageExecutionTimeMs"`
	LastRunAt              *time.Time `json:"lastRunAt,omitempty"`
}

// StatsDelta 对汇总计数的一次增量更新
type StatsDelta struct {
	Runs           int64
	Successful     int64
	Failed         int64
	StepDurationMs *int64
	LastRunAt      *time.Time
}

// Workflow 工作流定义（对外导出）
type Workflow struct {
	ID                    string                `json:"id" yaml:"id,omitempty"`
	OrgID                 string                `json:"orgId" yaml:"orgId,omitempty"`
	Directory             string                `json:"directory,omitempty" yaml:"directory,omitempty"`
	Name                  string                `json:"name" yaml:"name"`
	Description           string                `json:"description,omitempty" yaml:"description,omitempty"`
	Status                Status                `json:"status" yaml:"status,omitempty"`
	Trigger               TriggerKind           `json:"trigger" yaml:"trigger"`
	Conditions            []condition.Condition `json:"conditions" yaml:"conditions,omitempty"`
	Actions               []Action              `json:"actions" yaml:"actions,omitempty"`
	PreventDuplicates     bool                  `json:"preventDuplicates" yaml:"preventDuplicates,omitempty"`
	DuplicateLookbackDays int                   `json:"duplicateLookbackDays" yaml:"duplicateLookbackDays,omitempty"`
	MaxAttempts           int                   `json:"maxAttempts,omitempty" yaml:"maxAttempts,omitempty"`
	Stats                 Stats                 `json:"stats" yaml:"-"`
	CreatedAt             time.Time             `json:"createdAt" yaml:"-"`
	UpdatedAt             time.Time             `json:"updatedAt" yaml:"-"`
}

// NewWorkflow 创建草稿状态的工作流
func NewWorkflow(orgID, name string, trigger TriggerKind) *Workflow {
	now := time.Now().UTC()
	return &Workflow{
		ID:        uuid.NewString(),
		OrgID:     orgID,
		Name:      name,
		Status:    StatusDraft,
		Trigger:   trigger,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// IsActive 是否处于启用状态
func (w *Workflow) IsActive() bool {
	return w != nil && w.Status == StatusActive
}

// SortedActions 按 order 升序返回动作副本
func (w *Workflow) SortedActions() []Action {
	actions := make([]Action, len(w.Actions))
	copy(actions, w.Actions)
	sort.SliceStable(actions, func(i, j int) bool {
		return actions[i].Order < actions[j].Order
	})
	return actions
}

// FirstAction 返回 order 最小的动作，没有动作时返回 nil
func (w *Workflow) FirstAction() *Action {
	actions := w.SortedActions()
	if len(actions) == 0 {
		return nil
	}
	return &actions[0]
}

// ActionByID 按ID查找动作
func (w *Workflow) ActionByID(id string) *Action {
	for i := range w.Actions {
		if w.Actions[i].ID == id {
			a := w.Actions[i]
			return &a
		}
	}
	return nil
}

// NextAction 返回按 order 排在 id 之后的动作，没有则返回 nil
func (w *Workflow) NextAction(id string) *Action {
	actions := w.SortedActions()
	for i := range actions {
		if actions[i].ID == id && i+1 < len(actions) {
			return &actions[i+1]
		}
	}
	return nil
}

// Successor 解析分支目标：空字符串表示按顺序的下一步，"end" 表示结束
func (w *Workflow) Successor(fromID, target string) (*Action, error) {
	switch strings.TrimSpace(target) {
	case "":
		return w.NextAction(fromID), nil
	case BranchEnd:
		return nil, nil
	}
	a := w.ActionByID(target)
	if a == nil {
		return nil, fmt.Errorf("分支目标 %s 不存在", target)
	}
	return a, nil
}

// EnsureIDs 为缺少ID的动作生成ID
func (w *Workflow) EnsureIDs() {
	if w.ID == "" {
		w.ID = uuid.NewString()
	}
	for i := range w.Actions {
		if w.Actions[i].ID == "" {
			w.Actions[i].ID = fmt.Sprintf("step-%d", w.Actions[i].Order)
		}
	}
}

// Validate 校验工作流定义
func (w *Workflow) Validate() error {
	if w == nil {
		return fmt.Errorf("工作流不能为空")
	}
	if strings.TrimSpace(w.OrgID) == "" {
		return fmt.Errorf("orgId不能为空")
	}
	if strings.TrimSpace(w.Name) == "" {
		return fmt.Errorf("name不能为空")
	}
	if !w.Status.Valid() {
		return fmt.Errorf("status无效: %q", w.Status)
	}
	if !w.Trigger.Valid() {
		return fmt.Errorf("trigger无效: %q", w.Trigger)
	}
	if w.DuplicateLookbackDays < 0 {
		return fmt.Errorf("duplicateLookbackDays不能为负数")
	}
	if w.PreventDuplicates && w.DuplicateLookbackDays == 0 {
		return fmt.Errorf("preventDuplicates开启时duplicateLookbackDays必须大于0")
	}
	if w.MaxAttempts < 0 {
		return fmt.Errorf("maxAttempts不能为负数")
	}
	if err := condition.Validate(w.Conditions); err != nil {
		return err
	}

	ids := make(map[string]bool, len(w.Actions))
	orders := make(map[int]string, len(w.Actions))
	for _, a := range w.Actions {
		if a.ID == "" {
			return fmt.Errorf("动作ID不能为空 (order=%d)", a.Order)
		}
		if a.ID == BranchEnd {
			return fmt.Errorf("动作ID不能使用保留字 %q", BranchEnd)
		}
		if ids[a.ID] {
			return fmt.Errorf("动作ID重复: %s", a.ID)
		}
		ids[a.ID] = true
		if other, dup := orders[a.Order]; dup {
			return fmt.Errorf("动作 %s 与 %s 的 order 重复: %d", a.ID, other, a.Order)
		}
		orders[a.Order] = a.ID
		if a.DelayAfterMinutes < 0 {
			return fmt.Errorf("动作 %s 的 delayAfterMinutes 不能为负数", a.ID)
		}
	}
	return validateGraph(w)
}
