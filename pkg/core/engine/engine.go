// Package engine 组装触发路由、步骤执行与调度，对外提供自动化引擎的全部操作
package engine

import (
	"context"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/LENAX/crm-automation/pkg/capability"
	"github.com/LENAX/crm-automation/pkg/core/clock"
	"github.com/LENAX/crm-automation/pkg/core/events"
	"github.com/LENAX/crm-automation/pkg/core/execlog"
	"github.com/LENAX/crm-automation/pkg/core/executor"
	"github.com/LENAX/crm-automation/pkg/core/step"
	"github.com/LENAX/crm-automation/pkg/core/trigger"
	"github.com/LENAX/crm-automation/pkg/plugin"
	"github.com/LENAX/crm-automation/pkg/storage"
)

// Options 引擎配置
type Options struct {
	WorkerID     string        // 租约持有者标识，默认 hostname-pid
	Clock        clock.Clock   // 默认系统时钟
	TickInterval time.Duration // 调度周期，默认1m
	ManualTick   bool          // 不启动定时调度，只通过 Tick 手动驱动
	BatchSize    int
	ClaimLease   time.Duration
	MaxPerOrg    int            // 单个组织每周期最多领取数，0 不限制
	OrgPools     map[string]int // 组织预留并发，总和不超过 MaxWorkers
	MaxWorkers   int            // 工作池并发数，默认10
	UnitTimeout  time.Duration  // 单个报名处理上限，默认5m

	Step step.Options

	WorkflowCacheTTL time.Duration
	SeenEventTTL     time.Duration

	Bus     *events.Bus          // 为空时创建进程内总线
	Plugins plugin.PluginManager // 可选
	Meter   metric.Meter         // 为空时使用全局 MeterProvider
}

// Engine 自动化引擎核心结构体（对外导出）
type Engine struct {
	store      storage.Store
	router     *trigger.Router
	steps      *step.Executor
	logs       *execlog.Writer
	pool       *executor.Executor
	dispatcher *Dispatcher
	cron       *CronScheduler
	bus        *events.Bus
	plugins    plugin.PluginManager
	metrics    *Metrics
	clock      clock.Clock
	opts       Options

	mu        sync.RWMutex
	running   bool
	stopped   bool
	busCancel context.CancelFunc
}

// NewEngine 创建Engine实例（对外导出的工厂方法）
func NewEngine(store storage.Store, caps capability.Set, opts Options) (*Engine, error) {
	if store == nil {
		return nil, fmt.Errorf("存储不能为空")
	}
	c := clock.OrSystem(opts.Clock)
	opts.Clock = c
	if opts.WorkerID == "" {
		host, _ := os.Hostname()
		opts.WorkerID = fmt.Sprintf("%s-%d", host, os.Getpid())
	}
	if opts.TickInterval <= 0 {
		opts.TickInterval = time.Minute
	}
	if opts.Step.Clock == nil {
		opts.Step.Clock = c
	}

	pool, err := executor.NewExecutor(opts.MaxWorkers, opts.UnitTimeout)
	if err != nil {
		return nil, fmt.Errorf("创建工作池失败: %w", err)
	}
	for orgID, size := range opts.OrgPools {
		if err := pool.SetDomainPoolSize(orgID, size); err != nil {
			return nil, fmt.Errorf("配置组织 %s 预留并发失败: %w", orgID, err)
		}
	}

	bus := opts.Bus
	if bus == nil {
		bus, err = events.NewBus(events.BusOptions{})
		if err != nil {
			return nil, err
		}
	}

	metrics, err := NewMetrics(opts.Meter)
	if err != nil {
		return nil, err
	}

	logs := execlog.NewWriter(store, c)
	steps := step.NewExecutor(caps, store, opts.Step)
	router := trigger.NewRouter(store, trigger.Options{
		Clock:            c,
		Facts:            caps.Clients,
		Publisher:        bus,
		WorkflowCacheTTL: opts.WorkflowCacheTTL,
		SeenEventTTL:     opts.SeenEventTTL,
	})
	dispatcher := NewDispatcher(store, steps, logs, pool, bus, metrics, DispatcherOptions{
		WorkerID:   opts.WorkerID,
		Clock:      c,
		BatchSize:  opts.BatchSize,
		ClaimLease: opts.ClaimLease,
		MaxPerOrg:  opts.MaxPerOrg,
	})

	eng := &Engine{
		store:      store,
		router:     router,
		steps:      steps,
		logs:       logs,
		pool:       pool,
		dispatcher: dispatcher,
		bus:        bus,
		plugins:    opts.Plugins,
		metrics:    metrics,
		clock:      c,
		opts:       opts,
	}
	eng.cron = NewCronScheduler(dispatcher, opts.TickInterval)
	return eng, nil
}

// Start 启动工作池、事件总线与定时调度（对外导出）
// 停止后的引擎不能再次启动。
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.running {
		return nil
	}
	if e.stopped {
		return fmt.Errorf("引擎已停止，不能再次启动")
	}

	if err := e.store.Ping(ctx); err != nil {
		return fmt.Errorf("存储不可用: %w", err)
	}

	e.pool.Start()

	e.bus.HandleBusiness("trigger-router", func(ctx context.Context, ev *events.BusinessEvent) error {
		_, err := e.route(ctx, ev)
		return err
	})
	if e.plugins != nil {
		e.bus.HandleLifecycle("plugins", e.plugins.HandleLifecycle)
	}
	busCtx, cancel := context.WithCancel(context.Background())
	if err := e.bus.Start(busCtx); err != nil {
		cancel()
		_ = e.pool.Shutdown()
		return fmt.Errorf("启动事件总线失败: %w", err)
	}
	e.busCancel = cancel

	if !e.opts.ManualTick {
		if err := e.cron.Start(); err != nil {
			cancel()
			_ = e.pool.Shutdown()
			return err
		}
	}

	e.running = true
	log.Printf("✅ 自动化引擎已启动: WorkerID=%s, TickInterval=%s, ManualTick=%v", e.opts.WorkerID, e.opts.TickInterval, e.opts.ManualTick)
	return nil
}

// Stop 停止引擎，等待运行中的调度周期结束（对外导出）
func (e *Engine) Stop() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.running {
		return
	}

	e.cron.Stop()
	if err := e.pool.Shutdown(); err != nil {
		log.Printf("⚠️ 关闭工作池失败: %v", err)
	}
	if err := e.bus.Close(); err != nil {
		log.Printf("⚠️ 关闭事件总线失败: %v", err)
	}
	if e.busCancel != nil {
		e.busCancel()
	}
	e.router.Close()

	e.running = false
	e.stopped = true
	log.Println("✅ 自动化引擎已停止")
}

// Running 引擎是否运行中
func (e *Engine) Running() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.running
}

// Ready 存储可用且引擎已启动
func (e *Engine) Ready(ctx context.Context) error {
	if !e.Running() {
		return fmt.Errorf("引擎未启动")
	}
	return e.store.Ping(ctx)
}

// Tick 立即执行一个调度周期（对外导出）
func (e *Engine) Tick(ctx context.Context) (TickReport, error) {
	if !e.Running() {
		return TickReport{}, fmt.Errorf("引擎未启动")
	}
	report := e.dispatcher.Tick(ctx)
	e.cron.record(report)
	return report, nil
}

// LastTick 最近一次周期结果
func (e *Engine) LastTick() TickReport {
	return e.cron.LastReport()
}

// NextTick 定时调度下一次触发时间，手动调度或未启动时为零值
func (e *Engine) NextTick() time.Time {
	return e.cron.NextRun()
}

// HandleEvent 同步路由一个业务事件（对外导出）
func (e *Engine) HandleEvent(ctx context.Context, ev *events.BusinessEvent) (*trigger.RouteResult, error) {
	if err := ev.Validate(); err != nil {
		return nil, invalidf("%v", err)
	}
	return e.route(ctx, ev)
}

// PublishEvent 把业务事件发布到总线异步处理；总线未启动时同步处理（对外导出）
func (e *Engine) PublishEvent(ctx context.Context, ev *events.BusinessEvent) error {
	if err := ev.Validate(); err != nil {
		return invalidf("%v", err)
	}
	if !e.Running() {
		_, err := e.route(ctx, ev)
		return err
	}
	return e.bus.PublishBusiness(ctx, ev)
}

// SubscribeLifecycle 订阅生命周期事件，ctx 结束时通道关闭（对外导出）
func (e *Engine) SubscribeLifecycle(ctx context.Context) (<-chan *events.LifecycleEvent, error) {
	return e.bus.SubscribeLifecycle(ctx)
}

// Plugins 插件管理器，未配置时为 nil
func (e *Engine) Plugins() plugin.PluginManager {
	return e.plugins
}

// route 路由事件并记录报名指标
func (e *Engine) route(ctx context.Context, ev *events.BusinessEvent) (*trigger.RouteResult, error) {
	result, err := e.router.OnEvent(ctx, ev)
	if err != nil {
		return nil, err
	}
	e.metrics.recordEnrolled(ctx, ev.OrgID, len(result.Enrollments))
	return result, nil
}
