// Package executor 有界并发的执行单元工作池，支持按业务域预留并发
package executor

import (
	"context"
	"errors"
	"fmt"
	"log"
	"runtime"
	"runtime/debug"
	"sync"
	"time"
)

// Executor 执行器核心结构体（对外导出）
type Executor struct {
	mu             sync.RWMutex
	maxWorkers     int                    // 全局最大并发数
	workerPool     chan struct{}          // 全局Worker池
	domainPools    map[string]*domainPool // 业务域子池
	unitQueue      chan *PendingUnit      // 待调度单元队列
	defaultTimeout time.Duration
	wg             sync.WaitGroup
	running        bool
	submitMu       sync.RWMutex // 提交与关闭互斥，不与调度循环共享
	shutdown       chan struct{}
	shutdownOnce   sync.Once
	schedulerDone  chan struct{}
}

// domainPool 业务域子池（内部结构）
type domainPool struct {
	maxSize    int           // 最大并发数
	current    int           // 当前运行数
	workerPool chan struct{} // Worker池
	mu         sync.RWMutex
}

const (
	maxGlobalWorkers = 1000
	defaultQueueSize = 10000
	defaultTimeout   = 5 * time.Minute
	shutdownTimeout  = 30 * time.Second
)

// ErrShutdown 执行器已关闭
var ErrShutdown = errors.New("Executor已关闭")

// NewExecutor 创建执行器实例，unitTimeout<=0 时单元默认上限为5分钟
func NewExecutor(maxWorkers int, unitTimeout time.Duration) (*Executor, error) {
	if maxWorkers <= 0 {
		maxWorkers = 10
	}
	if maxWorkers > maxGlobalWorkers {
		return nil, fmt.Errorf("最大并发数不能超过 %d", maxGlobalWorkers)
	}
	if unitTimeout <= 0 {
		unitTimeout = defaultTimeout
	}

	exec := &Executor{
		maxWorkers:     maxWorkers,
		workerPool:     make(chan struct{}, maxWorkers),
		domainPools:    make(map[string]*domainPool),
		unitQueue:      make(chan *PendingUnit, defaultQueueSize),
		defaultTimeout: unitTimeout,
		shutdown:       make(chan struct{}),
		schedulerDone:  make(chan struct{}),
	}

	go exec.scheduler()

	return exec, nil
}

// Start 启动执行器（对外导出）
func (e *Executor) Start() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.running {
		return
	}
	select {
	case <-e.shutdown:
		log.Println("⚠️ [执行器] 已关闭的执行器不能再次启动")
		return
	default:
	}
	e.running = true
	log.Printf("✅ [执行器] 已启动: MaxWorkers=%d", e.maxWorkers)
}

// Shutdown 关闭执行器（对外导出）
// 队列中尚未开始的单元以 Rejected 结束，运行中的单元最多等待30秒。
func (e *Executor) Shutdown() error {
	e.mu.RLock()
	running := e.running
	e.mu.RUnlock()
	if !running {
		return nil
	}

	e.shutdownOnce.Do(func() { close(e.shutdown) })
	e.submitMu.Lock()
	e.mu.Lock()
	e.running = false
	e.mu.Unlock()
	e.submitMu.Unlock()

	<-e.schedulerDone
	e.drainQueue()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Println("[执行器] 所有单元已完成")
	case <-time.After(shutdownTimeout):
		log.Println("⚠️ [执行器] 关闭超时，仍有单元在运行")
	}

	log.Println("✅ [执行器] 已关闭")
	return nil
}

// SetPoolSize 动态调整全局并发池大小（对外导出）
// 运行中的单元把令牌归还到各自获取时的池。
func (e *Executor) SetPoolSize(maxSize int) error {
	if maxSize <= 0 {
		return fmt.Errorf("并发池大小必须大于0")
	}
	if maxSize > maxGlobalWorkers {
		return fmt.Errorf("并发池大小不能超过 %d", maxGlobalWorkers)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if maxCPU := runtime.NumCPU() * 2; maxSize > maxCPU {
		log.Printf("⚠️ [执行器] 并发池大小（%d）超过CPU核心数的2倍（%d），可能影响性能", maxSize, maxCPU)
	}

	e.maxWorkers = maxSize
	e.workerPool = make(chan struct{}, maxSize)
	return nil
}

// SetDomainPoolSize 动态调整指定业务域的子池大小（对外导出）
// 子池是业务域的预留并发，子池满时单元回退到全局池。
func (e *Executor) SetDomainPoolSize(domain string, size int) error {
	if size <= 0 {
		return fmt.Errorf("子池大小必须大于0")
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	total := size
	for name, pool := range e.domainPools {
		if name != domain {
			total += pool.maxSize
		}
	}
	if total > e.maxWorkers {
		return fmt.Errorf("业务域子池大小总和（%d）超过全局最大并发数（%d）", total, e.maxWorkers)
	}

	if pool, exists := e.domainPools[domain]; exists {
		pool.mu.Lock()
		pool.maxSize = size
		pool.workerPool = make(chan struct{}, size)
		pool.mu.Unlock()
	} else {
		e.domainPools[domain] = &domainPool{
			maxSize:    size,
			workerPool: make(chan struct{}, size),
		}
	}
	return nil
}

// GetDomainPoolStatus 查询指定业务域子池的状态（对外导出）
func (e *Executor) GetDomainPoolStatus(domain string) (int, int, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	pool, exists := e.domainPools[domain]
	if !exists {
		return 0, 0, fmt.Errorf("业务域 %s 不存在", domain)
	}

	pool.mu.RLock()
	defer pool.mu.RUnlock()

	available := pool.maxSize - pool.current
	if available < 0 {
		available = 0
	}
	return available, pool.maxSize, nil
}

// SubmitUnit 将待调度单元提交至执行器的队列（对外导出）
// 队列已满时阻塞等待，直到有空间或执行器关闭。
func (e *Executor) SubmitUnit(unit *PendingUnit) error {
	if unit == nil {
		return fmt.Errorf("执行单元不能为空")
	}
	if unit.Run == nil {
		return fmt.Errorf("执行单元 %s 缺少业务函数", unit.ID)
	}

	e.submitMu.RLock()
	defer e.submitMu.RUnlock()
	e.mu.RLock()
	running := e.running
	e.mu.RUnlock()
	if !running {
		return fmt.Errorf("Executor未运行")
	}

	select {
	case e.unitQueue <- unit:
		return nil
	case <-e.shutdown:
		return ErrShutdown
	}
}

// scheduler 单元调度循环（内部方法）
func (e *Executor) scheduler() {
	defer close(e.schedulerDone)
	for {
		select {
		case unit := <-e.unitQueue:
			e.dispatchUnit(unit)
		case <-e.shutdown:
			return
		}
	}
}

// dispatchUnit 为单元获取令牌并启动 worker（内部方法）
func (e *Executor) dispatchUnit(unit *PendingUnit) {
	if unit.Domain != "" {
		e.mu.RLock()
		pool, exists := e.domainPools[unit.Domain]
		e.mu.RUnlock()

		if exists {
			pool.mu.Lock()
			tokens := pool.workerPool
			select {
			case tokens <- struct{}{}:
				pool.current++
				pool.mu.Unlock()
				e.wg.Add(1)
				go e.executeUnit(unit, tokens, pool)
				return
			default:
				pool.mu.Unlock()
			}
		}
	}

	e.mu.RLock()
	tokens := e.workerPool
	e.mu.RUnlock()

	select {
	case tokens <- struct{}{}:
		e.wg.Add(1)
		go e.executeUnit(unit, tokens, nil)
	case <-e.shutdown:
		e.reject(unit)
	}
}

// executeUnit 执行单元，panic 在这里被恢复为 Panicked 结果（内部方法）
func (e *Executor) executeUnit(unit *PendingUnit, tokens chan struct{}, pool *domainPool) {
	start := time.Now()
	result := &UnitResult{UnitID: unit.ID, Domain: unit.Domain}

	defer func() {
		if r := recover(); r != nil {
			result.Status = StatusPanicked
			result.Error = fmt.Errorf("执行单元 panic: %v", r)
			log.Printf("💥 [执行器] 单元 panic 已恢复: UnitID=%s, Domain=%s, Panic=%v\n%s",
				unit.ID, unit.Domain, r, debug.Stack())
		}
		result.Duration = time.Since(start).Milliseconds()
		if pool != nil {
			pool.mu.Lock()
			pool.current--
			pool.mu.Unlock()
		}
		<-tokens
		e.finish(unit, result)
		e.wg.Done()
	}()

	timeout := unit.Timeout
	if timeout <= 0 {
		timeout = e.defaultTimeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	err := unit.Run(ctx)
	switch {
	case err == nil:
		result.Status = StatusSuccess
	case errors.Is(err, context.DeadlineExceeded) || ctx.Err() != nil:
		result.Status = StatusTimeout
		result.Error = err
		log.Printf("⏱️ [执行器] 单元执行超时: UnitID=%s, 超时时间=%s", unit.ID, timeout)
	default:
		result.Status = StatusFailed
		result.Error = err
		log.Printf("❌ [执行器] 单元执行失败: UnitID=%s, Error=%v", unit.ID, err)
	}
}

// drainQueue 关闭后拒绝队列中剩余的单元
func (e *Executor) drainQueue() {
	for {
		select {
		case unit := <-e.unitQueue:
			e.reject(unit)
		default:
			return
		}
	}
}

func (e *Executor) reject(unit *PendingUnit) {
	e.finish(unit, &UnitResult{UnitID: unit.ID, Domain: unit.Domain, Status: StatusRejected, Error: ErrShutdown})
}

// finish 发送状态事件并调用完成回调
func (e *Executor) finish(unit *PendingUnit, result *UnitResult) {
	if unit.StatusChan != nil {
		event := &UnitStatusEvent{
			UnitID:    result.UnitID,
			Domain:    result.Domain,
			Status:    result.Status,
			Error:     result.Error,
			Timestamp: time.Now(),
			Duration:  result.Duration,
		}
		select {
		case unit.StatusChan <- event:
		default:
			log.Printf("⚠️ [执行器] 状态事件 channel 已满，事件丢失: UnitID=%s", result.UnitID)
		}
	}
	if unit.OnComplete != nil {
		unit.OnComplete(result)
	}
}
