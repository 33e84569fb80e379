package enrollment

import (
	"context"
	"fmt"
	"time"

	"github.com/LENAX/crm-automation/pkg/core/clock"
)

// CooldownStatuses 在回看窗口内会阻止再次报名的状态
var CooldownStatuses = []Status{StatusActive, StatusPaused, StatusCompleted}

// LatestFinder 查询 (workflow, client) 最近一次报名，没有返回 nil, nil
type LatestFinder interface {
	LatestEnrollment(ctx context.Context, orgID, workflowID, clientID string) (*Enrollment, error)
}

// Guard 重复报名守卫（对外导出）
type Guard struct {
	finder LatestFinder
	clock  clock.Clock
}

// NewGuard 创建重复报名守卫
func NewGuard(finder LatestFinder, c clock.Clock) *Guard {
	return &Guard{finder: finder, clock: clock.OrSystem(c)}
}

// CanEnroll 判断是否允许新的报名
// lookbackDays <= 0 表示不做重复校验；调用方在工作流关闭 preventDuplicates 时传 0。
func (g *Guard) CanEnroll(ctx context.Context, orgID, workflowID, clientID string, lookbackDays int) (bool, error) {
	if lookbackDays <= 0 {
		return true, nil
	}
	latest, err := g.finder.LatestEnrollment(ctx, orgID, workflowID, clientID)
	if err != nil {
		return false, fmt.Errorf("查询最近报名失败: %w", err)
	}
	return !Blocks(latest, g.clock.Now(), lookbackDays), nil
}

// Blocks 判断已有报名是否处于冷却窗口内
func Blocks(latest *Enrollment, now time.Time, lookbackDays int) bool {
	if latest == nil || lookbackDays <= 0 {
		return false
	}
	if !InCooldown(latest.Status) {
		return false
	}
	return !latest.EnrolledAt.Before(WindowStart(now, lookbackDays))
}

// WindowStart 回看窗口起点
func WindowStart(now time.Time, lookbackDays int) time.Time {
	return now.Add(-time.Duration(lookbackDays) * 24 * time.Hour)
}

// InCooldown 状态是否计入冷却
func InCooldown(s Status) bool {
	for _, c := range CooldownStatuses {
		if c == s {
			return true
		}
	}
	return false
}
