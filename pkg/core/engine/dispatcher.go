package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/LENAX/crm-automation/pkg/core/clock"
	"github.com/LENAX/crm-automation/pkg/core/enrollment"
	"github.com/LENAX/crm-automation/pkg/core/events"
	"github.com/LENAX/crm-automation/pkg/core/execlog"
	"github.com/LENAX/crm-automation/pkg/core/executor"
	"github.com/LENAX/crm-automation/pkg/core/step"
	"github.com/LENAX/crm-automation/pkg/core/workflow"
	"github.com/LENAX/crm-automation/pkg/storage"
)

// DispatchStore 调度器依赖的存储
type DispatchStore interface {
	GetWorkflow(ctx context.Context, orgID, id string) (*workflow.Workflow, error)
	ListDue(ctx context.Context, now time.Time, limit, perOrg int) ([]*enrollment.Enrollment, error)
	ClaimEnrollment(ctx context.Context, e *enrollment.Enrollment, workerID string, now, leaseUntil time.Time) (bool, error)
	UpdateEnrollment(ctx context.Context, e *enrollment.Enrollment) error
	GetEnrollment(ctx context.Context, orgID, id string) (*enrollment.Enrollment, error)
	IncrementWorkflowStats(ctx context.Context, orgID, id string, delta workflow.StatsDelta) error
}

// StepRunner 执行报名当前步骤
type StepRunner interface {
	Execute(ctx context.Context, e *enrollment.Enrollment, wf *workflow.Workflow) *step.Outcome
}

// LifecyclePublisher 生命周期事件发布
type LifecyclePublisher interface {
	PublishLifecycle(ctx context.Context, ev *events.LifecycleEvent) error
}

// DispatcherOptions 调度器配置
type DispatcherOptions struct {
	WorkerID   string
	Clock      clock.Clock
	BatchSize  int           // 每个周期最多领取的报名数，默认100
	ClaimLease time.Duration // 租约时长，默认5m
	MaxPerOrg  int           // 单个组织每周期最多领取数，0 表示不限制
}

// TickReport 单个调度周期的结果（对外导出）
type TickReport struct {
	StartedAt  time.Time `json:"startedAt"`
	Due        int       `json:"due"`
	Claimed    int       `json:"claimed"`
	Executed   int       `json:"executed"` // 结果已保存
	Lost       int       `json:"lost"`     // 被其他执行者领取
	Dropped    int       `json:"dropped"`  // 执行期间报名已进入终态，结果丢弃
	Errors     int       `json:"errors"`
	Panics     int       `json:"panics"`
	DurationMs int64     `json:"durationMs"`
}

// Dispatcher 扫描到期报名并交给工作池执行（对外导出）
type Dispatcher struct {
	store     DispatchStore
	steps     StepRunner
	logs      *execlog.Writer
	pool      executor.Interface
	publisher LifecyclePublisher
	metrics   *Metrics
	clock     clock.Clock
	opts      DispatcherOptions
}

// NewDispatcher 创建调度器，pool 需要已启动
func NewDispatcher(store DispatchStore, steps StepRunner, logs *execlog.Writer, pool executor.Interface, publisher LifecyclePublisher, metrics *Metrics, opts DispatcherOptions) *Dispatcher {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 100
	}
	if opts.ClaimLease <= 0 {
		opts.ClaimLease = 5 * time.Minute
	}
	if opts.WorkerID == "" {
		opts.WorkerID = "dispatcher"
	}
	return &Dispatcher{
		store:     store,
		steps:     steps,
		logs:      logs,
		pool:      pool,
		publisher: publisher,
		metrics:   metrics,
		clock:     clock.OrSystem(opts.Clock),
		opts:      opts,
	}
}

type unitOutcome int

const (
	unitExecuted unitOutcome = iota
	unitLost
	unitDropped
	unitError
	unitPanicked // 步骤 panic，报名已按失败保存
)

// Tick 执行一个调度周期，等待本周期提交的全部单元结束后返回
// 单个报名的错误或 panic 只计入报告，不影响同一周期的其他报名。
func (d *Dispatcher) Tick(ctx context.Context) TickReport {
	now := d.clock.Now()
	started := time.Now()
	report := TickReport{StartedAt: now}

	due, err := d.store.ListDue(ctx, now, d.opts.BatchSize, d.opts.MaxPerOrg)
	if err != nil {
		log.Printf("❌ [调度器] 查询到期报名失败: %v", err)
		report.Errors++
		report.DurationMs = time.Since(started).Milliseconds()
		d.metrics.recordTick(ctx, report)
		return report
	}
	report.Due = len(due)

	var (
		mu sync.Mutex
		wg sync.WaitGroup
	)
	for _, e := range due {
		e := e
		var result unitOutcome
		wg.Add(1)
		unit := &executor.PendingUnit{
			ID:     e.ID,
			Domain: e.OrgID,
			Run: func(unitCtx context.Context) error {
				var err error
				result, err = d.process(unitCtx, e)
				return err
			},
			OnComplete: func(r *executor.UnitResult) {
				mu.Lock()
				defer mu.Unlock()
				defer wg.Done()
				if r.Status == executor.StatusPanicked {
					report.Panics++
					return
				}
				if r.Status == executor.StatusRejected {
					report.Errors++
					return
				}
				if result != unitLost {
					report.Claimed++
				}
				switch result {
				case unitExecuted:
					report.Executed++
				case unitLost:
					report.Lost++
				case unitDropped:
					report.Dropped++
				case unitError:
					report.Errors++
				case unitPanicked:
					report.Panics++
				}
			},
		}
		if err := d.pool.SubmitUnit(unit); err != nil {
			log.Printf("❌ [调度器] 提交报名失败: EnrollmentID=%s, Error=%v", e.ID, err)
			mu.Lock()
			report.Errors++
			mu.Unlock()
			wg.Done()
		}
	}
	wg.Wait()

	report.DurationMs = time.Since(started).Milliseconds()
	if report.Due > 0 {
		log.Printf("🕐 [调度器] 周期完成: Due=%d, Claimed=%d, Executed=%d, Lost=%d, Dropped=%d, Errors=%d, Panics=%d, 耗时=%dms",
			report.Due, report.Claimed, report.Executed, report.Lost, report.Dropped, report.Errors, report.Panics, report.DurationMs)
	}
	d.metrics.recordTick(ctx, report)
	return report
}

// process 领取、执行、记录、保存单个报名
func (d *Dispatcher) process(ctx context.Context, e *enrollment.Enrollment) (unitOutcome, error) {
	now := d.clock.Now()
	claimed, err := d.store.ClaimEnrollment(ctx, e, d.opts.WorkerID, now, now.Add(d.opts.ClaimLease))
	if err != nil {
		return unitError, err
	}
	if !claimed {
		return unitLost, nil
	}

	wf, err := d.store.GetWorkflow(ctx, e.OrgID, e.WorkflowID)
	if err != nil {
		d.release(ctx, e)
		return unitError, fmt.Errorf("查询工作流失败: %w", err)
	}

	outcome, panicked := d.execute(ctx, e, wf)

	if outcome.Entry != nil {
		if err := d.logs.Record(ctx, outcome.Entry); err != nil {
			// 结果未确认，释放租约后下个周期重新执行
			d.release(ctx, e)
			return unitError, err
		}
		d.metrics.recordStep(ctx, e.OrgID, outcome.Entry.Action, string(outcome.Entry.Status), outcome.Entry.DurationMs)
	}

	saved, err := d.save(ctx, e, outcome)
	d.updateStats(ctx, e, outcome, saved)
	if err != nil {
		return unitError, err
	}
	d.publish(ctx, e, outcome, saved)
	if saved == nil {
		return unitDropped, nil
	}
	if panicked {
		return unitPanicked, nil
	}
	return unitExecuted, nil
}

// execute 执行步骤，panic 转换为失败结果
func (d *Dispatcher) execute(ctx context.Context, e *enrollment.Enrollment, wf *workflow.Workflow) (o *step.Outcome, panicked bool) {
	defer func() {
		if r := recover(); r != nil {
			panicked = true
			msg := fmt.Sprintf("执行步骤时发生 panic: %v", r)
			log.Printf("💥 [调度器] %s: EnrollmentID=%s, StepID=%s", msg, e.ID, e.CurrentStep)
			o = &step.Outcome{
				Result:    step.ResultFailed,
				StepID:    e.CurrentStep,
				Action:    "engine",
				Attempts:  e.Attempts + 1,
				Error:     msg,
				ErrorKind: step.KindEngine,
				Entry: &execlog.Entry{
					OrgID:        e.OrgID,
					WorkflowID:   e.WorkflowID,
					EnrollmentID: e.ID,
					ClientID:     e.ClientID,
					StepID:       e.CurrentStep,
					Action:       "engine",
					Status:       execlog.StatusFailed,
					Attempt:      e.Attempts + 1,
					Error:        msg,
				},
			}
		}
	}()
	return d.steps.Execute(ctx, e, wf), false
}

// save 以版本号CAS保存结果
// 冲突时重新读取：终态丢弃结果，否则把结果合并到最新记录上再保存。
func (d *Dispatcher) save(ctx context.Context, e *enrollment.Enrollment, o *step.Outcome) (*enrollment.Enrollment, error) {
	cur := e
	for i := 0; i < 3; i++ {
		now := d.clock.Now()
		if err := o.ApplyTo(cur, now); err != nil {
			log.Printf("⚠️ [调度器] 应用执行结果失败: EnrollmentID=%s, Result=%s, Error=%v", cur.ID, o.Result, err)
		}
		cur.ReleaseClaim()
		err := d.store.UpdateEnrollment(ctx, cur)
		if err == nil {
			return cur, nil
		}
		if !errors.Is(err, storage.ErrConflict) {
			return nil, err
		}

		fresh, err := d.store.GetEnrollment(ctx, e.OrgID, e.ID)
		if err != nil {
			return nil, fmt.Errorf("重新读取报名失败: %w", err)
		}
		if fresh == nil || fresh.Status.Terminal() {
			log.Printf("⚠️ [调度器] 报名已被并发结束，丢弃执行结果: EnrollmentID=%s, Result=%s", e.ID, o.Result)
			return nil, nil
		}
		log.Printf("🔄 [调度器] 报名在执行期间被修改，合并执行结果: EnrollmentID=%s, Status=%s", e.ID, fresh.Status)
		cur = fresh
	}
	return nil, fmt.Errorf("保存报名 %s 连续冲突", e.ID)
}

// release 不改变状态地释放租约
func (d *Dispatcher) release(ctx context.Context, e *enrollment.Enrollment) {
	e.ReleaseClaim()
	if err := d.store.UpdateEnrollment(ctx, e); err != nil {
		log.Printf("⚠️ [调度器] 释放租约失败，等待租约过期: EnrollmentID=%s, Error=%v", e.ID, err)
	}
}

// updateStats 步骤计数在执行记录写入后更新，成功/失败计数在终态保存后更新
func (d *Dispatcher) updateStats(ctx context.Context, e *enrollment.Enrollment, o *step.Outcome, saved *enrollment.Enrollment) {
	var delta workflow.StatsDelta
	changed := false
	if o.Entry != nil && o.Entry.Status != execlog.StatusSkipped {
		ms := o.Entry.DurationMs
		delta.StepDurationMs = &ms
		changed = true
	}
	if saved != nil {
		switch {
		case o.Result == step.ResultCompleted && saved.Status == enrollment.StatusCompleted:
			delta.Successful = 1
			changed = true
		case o.Result == step.ResultFailed && saved.Status == enrollment.StatusFailed:
			delta.Failed = 1
			changed = true
		}
	}
	if !changed {
		return
	}
	if err := d.store.IncrementWorkflowStats(ctx, e.OrgID, e.WorkflowID, delta); err != nil {
		log.Printf("⚠️ [调度器] 更新工作流统计失败: WorkflowID=%s, Error=%v", e.WorkflowID, err)
	}
}

// publish 发布步骤与终态事件
func (d *Dispatcher) publish(ctx context.Context, e *enrollment.Enrollment, o *step.Outcome, saved *enrollment.Enrollment) {
	now := d.clock.Now()
	var out []*events.LifecycleEvent

	if o.Entry != nil {
		var t events.LifecycleType
		switch o.Entry.Status {
		case execlog.StatusExecuted:
			t = events.LifecycleStepExecuted
		case execlog.StatusFailed, execlog.StatusRetrying:
			t = events.LifecycleStepFailed
		}
		if t != "" {
			ev := events.NewLifecycleEvent(t, e.OrgID, e.WorkflowID, e.ID, e.ClientID, now)
			ev.StepID = o.Entry.StepID
			ev.Status = string(o.Entry.Status)
			ev.Error = o.Entry.Error
			ev.Data = map[string]any{"action": o.Entry.Action, "attempt": o.Entry.Attempt, "logId": o.Entry.ID}
			out = append(out, ev)
		}
	}

	if saved != nil && saved.Status.Terminal() {
		var t events.LifecycleType
		switch saved.Status {
		case enrollment.StatusCompleted:
			t = events.LifecycleEnrollmentCompleted
		case enrollment.StatusFailed:
			t = events.LifecycleEnrollmentFailed
		case enrollment.StatusCancelled:
			t = events.LifecycleEnrollmentCancelled
		}
		ev := events.NewLifecycleEvent(t, saved.OrgID, saved.WorkflowID, saved.ID, saved.ClientID, now)
		ev.Status = string(saved.Status)
		ev.Error = saved.LastError
		out = append(out, ev)
		d.metrics.recordFinished(ctx, saved.OrgID, string(saved.Status))
		log.Printf("🏁 [调度器] 报名结束: EnrollmentID=%s, WorkflowID=%s, Status=%s", saved.ID, saved.WorkflowID, saved.Status)
	}

	if d.publisher == nil {
		return
	}
	for _, ev := range out {
		if err := d.publisher.PublishLifecycle(ctx, ev); err != nil {
			log.Printf("⚠️ [调度器] 发布生命周期事件失败: EnrollmentID=%s, Type=%s, Error=%v", e.ID, ev.Type, err)
		}
	}
}
