package execlog

import (
	"context"
	"crypto/rand"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/oklog/ulid"

	"github.com/LENAX/crm-automation/pkg/core/clock"
)

// Status 执行记录状态（对外导出）
type Status string

const (
	StatusExecuted Status = "executed"
	StatusFailed   Status = "failed"
	StatusSkipped  Status = "skipped"
	StatusRetrying Status = "retrying"
)

// Valid 是否为合法状态
func (s Status) Valid() bool {
	switch s {
	case StatusExecuted, StatusFailed, StatusSkipped, StatusRetrying:
		return true
	}
	return false
}

// Entry 单次步骤尝试的审计记录，写入后不可变（对外导出）
type Entry struct {
	ID           string         `json:"id"`
	OrgID        string         `json:"orgId"`
	WorkflowID   string         `json:"workflowId"`
	EnrollmentID string         `json:"enrollmentId"`
	ClientID     string         `json:"clientId"`
	StepID       string         `json:"stepId"`
	Action       string         `json:"action"`
	Status       Status         `json:"status"`
	Attempt      int            `json:"attempt"`
	ExecutedAt   time.Time      `json:"executedAt"`
	DurationMs   int64          `json:"durationMs"`
	Message      string         `json:"message,omitempty"`
	Error        string         `json:"error,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

// Appender 追加写入执行记录的存储
type Appender interface {
	AppendExecutionLog(ctx context.Context, entry *Entry) error
}

// Observer 记录写入成功后的回调
type Observer func(ctx context.Context, entry *Entry)

// Writer 执行记录写入器（对外导出）
type Writer struct {
	store     Appender
	clock     clock.Clock
	observers []Observer

	entropyMu sync.Mutex
	entropy   *ulid.MonotonicEntropy
}

// NewWriter 创建执行记录写入器
func NewWriter(store Appender, c clock.Clock) *Writer {
	return &Writer{
		store:   store,
		clock:   clock.OrSystem(c),
		entropy: ulid.Monotonic(rand.Reader, 0),
	}
}

// Observe 注册写入成功后的观察者
func (w *Writer) Observe(o Observer) {
	w.observers = append(w.observers, o)
}

// Record 追加一条执行记录
// 写入失败时返回错误，调用方必须把该步骤视为未确认。
func (w *Writer) Record(ctx context.Context, entry *Entry) error {
	if entry == nil {
		return fmt.Errorf("执行记录不能为空")
	}
	if entry.OrgID == "" || entry.EnrollmentID == "" {
		return fmt.Errorf("执行记录缺少 orgId 或 enrollmentId")
	}
	if !entry.Status.Valid() {
		return fmt.Errorf("执行记录状态无效: %q", entry.Status)
	}
	if entry.ExecutedAt.IsZero() {
		entry.ExecutedAt = w.clock.Now()
	}
	if entry.ID == "" {
		entry.ID = w.newID(entry.ExecutedAt)
	}
	if err := w.store.AppendExecutionLog(ctx, entry); err != nil {
		log.Printf("❌ [执行记录] 写入失败: EnrollmentID=%s, StepID=%s, Status=%s, Error=%v",
			entry.EnrollmentID, entry.StepID, entry.Status, err)
		return fmt.Errorf("写入执行记录失败: %w", err)
	}
	for _, o := range w.observers {
		o(ctx, entry)
	}
	return nil
}

// newID ULID 按时间有序，同一毫秒内单调递增
func (w *Writer) newID(t time.Time) string {
	w.entropyMu.Lock()
	defer w.entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(t), w.entropy).String()
}
