package step

import (
	"time"

	"github.com/LENAX/crm-automation/pkg/core/enrollment"
	"github.com/LENAX/crm-automation/pkg/core/execlog"
)

// Result 一次执行后报名的去向
type Result string

const (
	ResultAdvanced  Result = "advanced"  // 指针移动到下一步
	ResultWaiting   Result = "waiting"   // 在 delay 步骤上等待
	ResultRetrying  Result = "retrying"  // 当前步骤稍后重试
	ResultCompleted Result = "completed" // 没有后续步骤
	ResultFailed    Result = "failed"
	ResultCancelled Result = "cancelled" // 工作流已归档或删除
	ResultHeld      Result = "held"      // 工作流停用，稍后再检查
)

// Outcome 单次执行的结果（对外导出）
// Entry 为本次执行需要写入的执行记录，没有步骤可执行时为 nil。
type Outcome struct {
	Result    Result
	StepID    string
	Action    string
	NextStep  string
	NextAt    time.Time
	Attempts  int
	Error     string
	ErrorKind ErrorKind
	Entry     *execlog.Entry
}

// Terminal 结果是否结束报名
func (o *Outcome) Terminal() bool {
	switch o.Result {
	case ResultCompleted, ResultFailed, ResultCancelled:
		return true
	}
	return false
}

// ApplyTo 把结果写入报名
// 执行期间被暂停的报名保持 paused，只合并指针与重试进度，恢复后继续；
// 最终失败记为待生效，恢复时直接进入 failed。
func (o *Outcome) ApplyTo(e *enrollment.Enrollment, now time.Time) error {
	paused := e.Status == enrollment.StatusPaused
	switch o.Result {
	case ResultAdvanced:
		if o.NextStep == "" {
			return completeOrPark(e, paused, now)
		}
		return e.ScheduleStep(o.NextStep, o.NextAt, now)
	case ResultWaiting:
		return e.WaitOn(o.StepID, o.NextAt, now)
	case ResultRetrying:
		return e.RetryAt(o.StepID, o.Attempts, o.NextAt, o.Error, now)
	case ResultCompleted:
		return completeOrPark(e, paused, now)
	case ResultFailed:
		if paused {
			e.MarkFailurePending(o.Attempts, o.Error, now)
			return nil
		}
		e.Attempts = o.Attempts
		return e.Fail(o.Error, now)
	case ResultHeld:
		return e.Hold(o.NextAt, now)
	case ResultCancelled:
		return e.Cancel(now)
	}
	return nil
}

// completeOrPark 暂停中的报名清空指针，恢复后的第一次调度直接完成
func completeOrPark(e *enrollment.Enrollment, paused bool, now time.Time) error {
	if paused {
		return e.ScheduleStep("", now, now)
	}
	return e.Complete(now)
}
