package clock

import (
	"sync"
	"time"
)

// Clock 时间源接口（对外导出）
// 调度器、触发路由、步骤执行器都从这里取 now，测试可替换为 Manual。
type Clock interface {
	Now() time.Time
}

// System 系统时钟（对外导出）
type System struct{}

// Now 返回当前UTC时间
func (System) Now() time.Time {
	return time.Now().UTC()
}

// Manual 手动推进的时钟（对外导出），并发安全
type Manual struct {
	mu  sync.Mutex
	now time.Time
}

// NewManual 创建手动时钟
func NewManual(start time.Time) *Manual {
	return &Manual{now: start.UTC()}
}

// Now 返回当前设定时间
func (m *Manual) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// Set 设定时间
func (m *Manual) Set(t time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = t.UTC()
}

// Advance 推进时间并返回推进后的时间
func (m *Manual) Advance(d time.Duration) time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = m.now.Add(d)
	return m.now
}

// OrSystem 为空时回退到系统时钟
func OrSystem(c Clock) Clock {
	if c == nil {
		return System{}
	}
	return c
}
