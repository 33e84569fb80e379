// Package dao 存储层的数据访问对象与领域对象转换
// 时间统一以毫秒时间戳存储，JSON 字段以文本存储。
package dao

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/LENAX/crm-automation/pkg/core/condition"
	"github.com/LENAX/crm-automation/pkg/core/enrollment"
	"github.com/LENAX/crm-automation/pkg/core/execlog"
	"github.com/LENAX/crm-automation/pkg/core/trigger"
	"github.com/LENAX/crm-automation/pkg/core/workflow"
)

// WorkflowDAO automation_workflow 表的数据访问对象（内部使用）
type WorkflowDAO struct {
	ID                    string         `db:"id"`
	OrgID                 string         `db:"org_id"`
	Directory             string         `db:"directory"`
	Name                  string         `db:"name"`
	Description           sql.NullString `db:"description"`
	Status                string         `db:"status"`
	TriggerKind           string         `db:"trigger_kind"`
	Conditions            sql.NullString `db:"conditions"` // JSON格式存储
	Actions               sql.NullString `db:"actions"`    // JSON格式存储
	PreventDuplicates     int            `db:"prevent_duplicates"`
	DuplicateLookbackDays int            `db:"duplicate_lookback_days"`
	MaxAttempts           int            `db:"max_attempts"`
	TotalRuns             int64          `db:"total_runs"`
	SuccessfulRuns        int64          `db:"successful_runs"`
	FailedRuns            int64          `db:"failed_runs"`
	ExecutedSteps         int64          `db:"executed_steps"`
	TotalStepMs           int64          `db:"total_step_ms"`
	LastRunAt             sql.NullInt64  `db:"last_run_at"`
	CreatedAt             int64          `db:"created_at"`
	UpdatedAt             int64          `db:"updated_at"`
}

// EnrollmentDAO workflow_enrollment 表的数据访问对象（内部使用）
type EnrollmentDAO struct {
	ID                 string         `db:"id"`
	OrgID              string         `db:"org_id"`
	WorkflowID         string         `db:"workflow_id"`
	ClientID           string         `db:"client_id"`
	Reason             string         `db:"reason"`
	Status             string         `db:"status"`
	CurrentStep        string         `db:"current_step"`
	NextExecutionAt    sql.NullInt64  `db:"next_execution_at"`
	PendingExecutionAt sql.NullInt64  `db:"pending_execution_at"`
	WaitingOn          string         `db:"waiting_on"`
	Attempts           int            `db:"attempts"`
	LastError          sql.NullString `db:"last_error"`
	ClaimedBy          string         `db:"claimed_by"`
	ClaimedUntil       sql.NullInt64  `db:"claimed_until"`
	Version            int64          `db:"version"`
	EnrolledAt         int64          `db:"enrolled_at"`
	CompletedAt        sql.NullInt64  `db:"completed_at"`
	PausedAt           sql.NullInt64  `db:"paused_at"`
	ResumedAt          sql.NullInt64  `db:"resumed_at"`
	UpdatedAt          int64          `db:"updated_at"`
	Facts              sql.NullString `db:"facts"`    // JSON格式存储
	Metadata           sql.NullString `db:"metadata"` // JSON格式存储
}

// ExecutionLogDAO execution_log 表的数据访问对象（内部使用）
type ExecutionLogDAO struct {
	ID           string         `db:"id"`
	OrgID        string         `db:"org_id"`
	WorkflowID   string         `db:"workflow_id"`
	EnrollmentID string         `db:"enrollment_id"`
	ClientID     string         `db:"client_id"`
	StepID       string         `db:"step_id"`
	Action       string         `db:"action_type"`
	Status       string         `db:"status"`
	Attempt      int            `db:"attempt"`
	ExecutedAt   int64          `db:"executed_at"`
	DurationMs   int64          `db:"duration_ms"`
	Message      sql.NullString `db:"message"`
	Error        sql.NullString `db:"error"`
	Metadata     sql.NullString `db:"metadata"` // JSON格式存储
}

// AppointmentTriggerDAO appointment_trigger 表的数据访问对象（内部使用）
type AppointmentTriggerDAO struct {
	ID                 string         `db:"id"`
	OrgID              string         `db:"org_id"`
	AppointmentID      string         `db:"appointment_id"`
	ClientID           string         `db:"client_id"`
	EventID            string         `db:"event_id"`
	EventKind          string         `db:"event_kind"`
	AppointmentType    string         `db:"appointment_type"`
	MatchedWorkflowIDs sql.NullString `db:"matched_workflow_ids"` // JSON格式存储
	EnrollmentIDs      sql.NullString `db:"enrollment_ids"`       // JSON格式存储
	CreatedAt          int64          `db:"created_at"`
}

func millis(t time.Time) int64 {
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

func nullMillis(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixMilli(), Valid: true}
}

func timeFromNull(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := fromMillis(v.Int64)
	return &t
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func toJSON(v any) (sql.NullString, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}

func fromJSON(v sql.NullString, out any) error {
	if !v.Valid || v.String == "" || v.String == "null" {
		return nil
	}
	return json.Unmarshal([]byte(v.String), out)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// FromWorkflow 领域对象转DAO
func FromWorkflow(wf *workflow.Workflow) (*WorkflowDAO, error) {
	conds := wf.Conditions
	if conds == nil {
		conds = []condition.Condition{}
	}
	condJSON, err := toJSON(conds)
	if err != nil {
		return nil, fmt.Errorf("序列化条件失败: %w", err)
	}
	actions := wf.Actions
	if actions == nil {
		actions = []workflow.Action{}
	}
	actionJSON, err := toJSON(actions)
	if err != nil {
		return nil, fmt.Errorf("序列化动作失败: %w", err)
	}
	return &WorkflowDAO{
		ID:                    wf.ID,
		OrgID:                 wf.OrgID,
		Directory:             wf.Directory,
		Name:                  wf.Name,
		Description:           nullString(wf.Description),
		Status:                string(wf.Status),
		TriggerKind:           string(wf.Trigger),
		Conditions:            condJSON,
		Actions:               actionJSON,
		PreventDuplicates:     boolToInt(wf.PreventDuplicates),
		DuplicateLookbackDays: wf.DuplicateLookbackDays,
		MaxAttempts:           wf.MaxAttempts,
		TotalRuns:             wf.Stats.TotalRuns,
		SuccessfulRuns:        wf.Stats.SuccessfulRuns,
		FailedRuns:            wf.Stats.FailedRuns,
		ExecutedSteps:         wf.Stats.ExecutedSteps,
		TotalStepMs:           int64(wf.Stats.AverageExecutionTimeMs * float64(wf.Stats.ExecutedSteps)),
		LastRunAt:             nullMillis(wf.Stats.LastRunAt),
		CreatedAt:             millis(wf.CreatedAt),
		UpdatedAt:             millis(wf.UpdatedAt),
	}, nil
}

// ToWorkflow DAO转领域对象
func (d *WorkflowDAO) ToWorkflow() (*workflow.Workflow, error) {
	wf := &workflow.Workflow{
		ID:                    d.ID,
		OrgID:                 d.OrgID,
		Directory:             d.Directory,
		Name:                  d.Name,
		Description:           d.Description.String,
		Status:                workflow.Status(d.Status),
		Trigger:               workflow.TriggerKind(d.TriggerKind),
		PreventDuplicates:     d.PreventDuplicates != 0,
		DuplicateLookbackDays: d.DuplicateLookbackDays,
		MaxAttempts:           d.MaxAttempts,
		Stats: workflow.Stats{
			TotalRuns:      d.TotalRuns,
			SuccessfulRuns: d.SuccessfulRuns,
			FailedRuns:     d.FailedRuns,
			ExecutedSteps:  d.ExecutedSteps,
			LastRunAt:      timeFromNull(d.LastRunAt),
		},
		CreatedAt: fromMillis(d.CreatedAt),
		UpdatedAt: fromMillis(d.UpdatedAt),
	}
	if d.ExecutedSteps > 0 {
		wf.Stats.AverageExecutionTimeMs = float64(d.TotalStepMs) / float64(d.ExecutedSteps)
	}
	if err := fromJSON(d.Conditions, &wf.Conditions); err != nil {
		return nil, fmt.Errorf("解析条件失败: WorkflowID=%s: %w", d.ID, err)
	}
	if err := fromJSON(d.Actions, &wf.Actions); err != nil {
		return nil, fmt.Errorf("解析动作失败: WorkflowID=%s: %w", d.ID, err)
	}
	return wf, nil
}

// FromEnrollment 领域对象转DAO
func FromEnrollment(e *enrollment.Enrollment) (*EnrollmentDAO, error) {
	facts, err := toJSON(e.Facts)
	if err != nil {
		return nil, fmt.Errorf("序列化报名快照失败: %w", err)
	}
	meta, err := toJSON(e.Metadata)
	if err != nil {
		return nil, fmt.Errorf("序列化报名元数据失败: %w", err)
	}
	return &EnrollmentDAO{
		ID:                 e.ID,
		OrgID:              e.OrgID,
		WorkflowID:         e.WorkflowID,
		ClientID:           e.ClientID,
		Reason:             e.Reason,
		Status:             string(e.Status),
		CurrentStep:        e.CurrentStep,
		NextExecutionAt:    nullMillis(e.NextExecutionAt),
		PendingExecutionAt: nullMillis(e.PendingExecutionAt),
		WaitingOn:          e.WaitingOn,
		Attempts:           e.Attempts,
		LastError:          nullString(e.LastError),
		ClaimedBy:          e.ClaimedBy,
		ClaimedUntil:       nullMillis(e.ClaimedUntil),
		Version:            e.Version,
		EnrolledAt:         millis(e.EnrolledAt),
		CompletedAt:        nullMillis(e.CompletedAt),
		PausedAt:           nullMillis(e.PausedAt),
		ResumedAt:          nullMillis(e.ResumedAt),
		UpdatedAt:          millis(e.UpdatedAt),
		Facts:              facts,
		Metadata:           meta,
	}, nil
}

// ToEnrollment DAO转领域对象
func (d *EnrollmentDAO) ToEnrollment() (*enrollment.Enrollment, error) {
	e := &enrollment.Enrollment{
		ID:                 d.ID,
		OrgID:              d.OrgID,
		WorkflowID:         d.WorkflowID,
		ClientID:           d.ClientID,
		Reason:             d.Reason,
		Status:             enrollment.Status(d.Status),
		CurrentStep:        d.CurrentStep,
		NextExecutionAt:    timeFromNull(d.NextExecutionAt),
		PendingExecutionAt: timeFromNull(d.PendingExecutionAt),
		WaitingOn:          d.WaitingOn,
		Attempts:           d.Attempts,
		LastError:          d.LastError.String,
		ClaimedBy:          d.ClaimedBy,
		ClaimedUntil:       timeFromNull(d.ClaimedUntil),
		Version:            d.Version,
		EnrolledAt:         fromMillis(d.EnrolledAt),
		CompletedAt:        timeFromNull(d.CompletedAt),
		PausedAt:           timeFromNull(d.PausedAt),
		ResumedAt:          timeFromNull(d.ResumedAt),
		UpdatedAt:          fromMillis(d.UpdatedAt),
		Facts:              condition.FactSheet{},
		Metadata:           map[string]any{},
	}
	if err := fromJSON(d.Facts, &e.Facts); err != nil {
		return nil, fmt.Errorf("解析报名快照失败: EnrollmentID=%s: %w", d.ID, err)
	}
	if err := fromJSON(d.Metadata, &e.Metadata); err != nil {
		return nil, fmt.Errorf("解析报名元数据失败: EnrollmentID=%s: %w", d.ID, err)
	}
	if e.Facts == nil {
		e.Facts = condition.FactSheet{}
	}
	if e.Metadata == nil {
		e.Metadata = map[string]any{}
	}
	return e, nil
}

// FromExecutionLog 领域对象转DAO
func FromExecutionLog(entry *execlog.Entry) (*ExecutionLogDAO, error) {
	meta := sql.NullString{}
	if len(entry.Metadata) > 0 {
		var err error
		if meta, err = toJSON(entry.Metadata); err != nil {
			return nil, fmt.Errorf("序列化执行记录元数据失败: %w", err)
		}
	}
	return &ExecutionLogDAO{
		ID:           entry.ID,
		OrgID:        entry.OrgID,
		WorkflowID:   entry.WorkflowID,
		EnrollmentID: entry.EnrollmentID,
		ClientID:     entry.ClientID,
		StepID:       entry.StepID,
		Action:       entry.Action,
		Status:       string(entry.Status),
		Attempt:      entry.Attempt,
		ExecutedAt:   millis(entry.ExecutedAt),
		DurationMs:   entry.DurationMs,
		Message:      nullString(entry.Message),
		Error:        nullString(entry.Error),
		Metadata:     meta,
	}, nil
}

// ToExecutionLog DAO转领域对象
func (d *ExecutionLogDAO) ToExecutionLog() (*execlog.Entry, error) {
	entry := &execlog.Entry{
		ID:           d.ID,
		OrgID:        d.OrgID,
		WorkflowID:   d.WorkflowID,
		EnrollmentID: d.EnrollmentID,
		ClientID:     d.ClientID,
		StepID:       d.StepID,
		Action:       d.Action,
		Status:       execlog.Status(d.Status),
		Attempt:      d.Attempt,
		ExecutedAt:   fromMillis(d.ExecutedAt),
		DurationMs:   d.DurationMs,
		Message:      d.Message.String,
		Error:        d.Error.String,
	}
	if err := fromJSON(d.Metadata, &entry.Metadata); err != nil {
		return nil, fmt.Errorf("解析执行记录元数据失败: LogID=%s: %w", d.ID, err)
	}
	return entry, nil
}

// FromAppointmentTrigger 领域对象转DAO
func FromAppointmentTrigger(rec *trigger.AppointmentTrigger) (*AppointmentTriggerDAO, error) {
	matched, err := toJSON(nonNil(rec.MatchedWorkflowIDs))
	if err != nil {
		return nil, err
	}
	enrolled, err := toJSON(nonNil(rec.EnrollmentIDs))
	if err != nil {
		return nil, err
	}
	return &AppointmentTriggerDAO{
		ID:                 rec.ID,
		OrgID:              rec.OrgID,
		AppointmentID:      rec.AppointmentID,
		ClientID:           rec.ClientID,
		EventID:            rec.EventID,
		EventKind:          rec.EventKind,
		AppointmentType:    rec.AppointmentType,
		MatchedWorkflowIDs: matched,
		EnrollmentIDs:      enrolled,
		CreatedAt:          millis(rec.CreatedAt),
	}, nil
}

// ToAppointmentTrigger DAO转领域对象
func (d *AppointmentTriggerDAO) ToAppointmentTrigger() (*trigger.AppointmentTrigger, error) {
	rec := &trigger.AppointmentTrigger{
		ID:              d.ID,
		OrgID:           d.OrgID,
		AppointmentID:   d.AppointmentID,
		ClientID:        d.ClientID,
		EventID:         d.EventID,
		EventKind:       d.EventKind,
		AppointmentType: d.AppointmentType,
		CreatedAt:       fromMillis(d.CreatedAt),
	}
	if err := fromJSON(d.MatchedWorkflowIDs, &rec.MatchedWorkflowIDs); err != nil {
		return nil, err
	}
	if err := fromJSON(d.EnrollmentIDs, &rec.EnrollmentIDs); err != nil {
		return nil, err
	}
	rec.MatchedWorkflowIDs = nonNil(rec.MatchedWorkflowIDs)
	rec.EnrollmentIDs = nonNil(rec.EnrollmentIDs)
	return rec, nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
