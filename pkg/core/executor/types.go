package executor

import (
	"context"
	"time"
)

// 执行单元状态
const (
	StatusSuccess  = "Success"
	StatusFailed   = "Failed"
	StatusTimeout  = "Timeout"
	StatusPanicked = "Panicked"
	StatusRejected = "Rejected" // 执行器已关闭，单元未运行
)

// UnitFunc 执行单元的业务函数
type UnitFunc func(ctx context.Context) error

// PendingUnit 待调度的执行单元（对外导出）
type PendingUnit struct {
	ID         string                // 单元ID，调度器里为报名ID
	Domain     string                // 业务域名称，调度器里为机构ID
	Timeout    time.Duration         // 单元执行上限，<=0 时使用执行器默认值
	Run        UnitFunc              // 业务函数
	OnComplete func(*UnitResult)     // 完成回调（可选，成功与失败都会调用）
	StatusChan chan *UnitStatusEvent // 状态事件 channel（可选，非阻塞发送）
}

// UnitResult 单元执行结果（对外导出）
type UnitResult struct {
	UnitID   string
	Domain   string
	Status   string // Success/Failed/Timeout/Panicked/Rejected
	Error    error
	Duration int64 // 执行时长（毫秒）
}

// UnitStatusEvent 单元状态事件（通过 channel 传递，对外导出）
type UnitStatusEvent struct {
	UnitID    string
	Domain    string
	Status    string
	Error     error
	Timestamp time.Time
	Duration  int64
}
