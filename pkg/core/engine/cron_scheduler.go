package engine

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// Ticker 单次调度周期
type Ticker interface {
	Tick(ctx context.Context) TickReport
}

// CronScheduler 按固定间隔驱动调度周期（对外导出）
// 上一个周期未结束时跳过本次触发，同一进程内的周期不会重叠。
type CronScheduler struct {
	cron     *cron.Cron
	ticker   Ticker
	interval time.Duration
	entryID  cron.EntryID
	last     TickReport
	mu       sync.RWMutex
	ctx      context.Context
	cancel   context.CancelFunc
	started  bool
}

// NewCronScheduler 创建定时调度器（对外导出）
func NewCronScheduler(ticker Ticker, interval time.Duration) *CronScheduler {
	if interval <= 0 {
		interval = time.Minute
	}
	ctx, cancel := context.WithCancel(context.Background())
	logger := cron.VerbosePrintfLogger(log.Default())
	return &CronScheduler{
		cron:     cron.New(cron.WithSeconds(), cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger))),
		ticker:   ticker,
		interval: interval,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start 注册周期任务并启动（对外导出）
func (cs *CronScheduler) Start() error {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	if cs.started {
		return nil
	}

	spec := fmt.Sprintf("@every %s", cs.interval)
	entryID, err := cs.cron.AddFunc(spec, cs.runTick)
	if err != nil {
		return fmt.Errorf("添加Cron任务失败: %w", err)
	}
	cs.entryID = entryID
	cs.cron.Start()
	cs.started = true

	log.Printf("✅ [Cron调度器] 已启动: Interval=%s", cs.interval)
	return nil
}

// Stop 停止调度器，等待正在运行的周期结束（对外导出）
func (cs *CronScheduler) Stop() {
	cs.mu.Lock()
	if !cs.started {
		cs.mu.Unlock()
		return
	}
	cs.started = false
	cs.mu.Unlock()

	stopCtx := cs.cron.Stop()
	<-stopCtx.Done()
	cs.cancel()
	log.Println("✅ [Cron调度器] 已停止")
}

// LastReport 最近一次周期结果
func (cs *CronScheduler) LastReport() TickReport {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	return cs.last
}

// NextRun 下一次触发时间，未启动时为零值
func (cs *CronScheduler) NextRun() time.Time {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	if !cs.started {
		return time.Time{}
	}
	return cs.cron.Entry(cs.entryID).Next
}

// runTick 执行一个周期（内部方法）
func (cs *CronScheduler) runTick() {
	cs.record(cs.ticker.Tick(cs.ctx))
}

// record 保存周期结果，手动触发的周期也经由此处
func (cs *CronScheduler) record(report TickReport) {
	cs.mu.Lock()
	cs.last = report
	cs.mu.Unlock()
}
