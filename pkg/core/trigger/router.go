// Package trigger 把业务事件路由为工作流报名
package trigger

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/LENAX/crm-automation/pkg/core/cache"
	"github.com/LENAX/crm-automation/pkg/core/clock"
	"github.com/LENAX/crm-automation/pkg/core/condition"
	"github.com/LENAX/crm-automation/pkg/core/enrollment"
	"github.com/LENAX/crm-automation/pkg/core/events"
	"github.com/LENAX/crm-automation/pkg/core/workflow"
)

var (
	// ErrWorkflowNotFound 工作流不存在
	ErrWorkflowNotFound = errors.New("工作流不存在")
	// ErrWorkflowInactive 工作流未启用
	ErrWorkflowInactive = errors.New("工作流未启用")
	// ErrConditionsNotMet 条件不满足
	ErrConditionsNotMet = errors.New("报名条件不满足")
	// ErrDuplicateEnrollment 冷却窗口内已有报名
	ErrDuplicateEnrollment = errors.New("冷却窗口内已有报名")
)

// Store 路由依赖的存储
type Store interface {
	GetWorkflow(ctx context.Context, orgID, id string) (*workflow.Workflow, error)
	ListActiveWorkflows(ctx context.Context, orgID string, triggers []workflow.TriggerKind) ([]*workflow.Workflow, error)
	IncrementWorkflowStats(ctx context.Context, orgID, id string, delta workflow.StatsDelta) error
	CreateEnrollment(ctx context.Context, e *enrollment.Enrollment) error
	CreateEnrollmentGuarded(ctx context.Context, e *enrollment.Enrollment, since time.Time) (bool, error)
	LatestEnrollment(ctx context.Context, orgID, workflowID, clientID string) (*enrollment.Enrollment, error)
	SaveAppointmentTrigger(ctx context.Context, rec *AppointmentTrigger) error
	GetAppointmentTriggerByEvent(ctx context.Context, orgID, eventID string) (*AppointmentTrigger, error)
}

// FactLookup 读取客户当前资料
type FactLookup interface {
	LookupFacts(ctx context.Context, orgID, clientID string) (condition.FactSheet, error)
}

// Publisher 生命周期事件发布
type Publisher interface {
	PublishLifecycle(ctx context.Context, ev *events.LifecycleEvent) error
}

// Options 路由配置
type Options struct {
	Clock            clock.Clock
	Facts            FactLookup
	Publisher        Publisher
	WorkflowCacheTTL time.Duration // <= 0 不缓存
	SeenEventTTL     time.Duration // <= 0 使用默认 24h
}

// SkipReason 未报名的原因
type SkipReason struct {
	WorkflowID string `json:"workflowId"`
	Reason     string `json:"reason"`
}

// RouteResult 单个事件的路由结果（对外导出）
type RouteResult struct {
	EventID     string                   `json:"eventId"`
	Duplicate   bool                     `json:"duplicate"`
	Evaluated   []string                 `json:"evaluated"`
	Matched     []string                 `json:"matched"`
	Enrollments []*enrollment.Enrollment `json:"enrollments"`
	Skipped     []SkipReason             `json:"skipped"`
	Errors      []SkipReason             `json:"errors,omitempty"`
}

// EnrollOptions 手动报名参数
type EnrollOptions struct {
	Reason string
	Facts  condition.FactSheet
	Force  bool // 跳过条件与重复校验
}

// Router 触发路由器（对外导出）
type Router struct {
	store     Store
	guard     *enrollment.Guard
	facts     FactLookup
	publisher Publisher
	clock     clock.Clock

	workflows *cache.TTLCache[[]*workflow.Workflow]
	seen      *cache.TTLCache[struct{}]
	locks     *keyedMutex
}

// NewRouter 创建触发路由器
func NewRouter(store Store, opts Options) *Router {
	c := clock.OrSystem(opts.Clock)
	seenTTL := opts.SeenEventTTL
	if seenTTL <= 0 {
		seenTTL = 24 * time.Hour
	}
	return &Router{
		store:     store,
		guard:     enrollment.NewGuard(store, c),
		facts:     opts.Facts,
		publisher: opts.Publisher,
		clock:     c,
		workflows: cache.NewTTLCache[[]*workflow.Workflow](opts.WorkflowCacheTTL, time.Minute, c),
		seen:      cache.NewTTLCache[struct{}](seenTTL, 10*time.Minute, c),
		locks:     newKeyedMutex(),
	}
}

// Close 停止缓存清理
func (r *Router) Close() {
	r.workflows.Close()
	r.seen.Close()
}

// InvalidateOrg 工作流定义或状态变化后清除组织的活动工作流缓存
func (r *Router) InvalidateOrg(orgID string) {
	r.workflows.DeletePrefix(orgID + "|")
}

// OnEvent 处理一个业务事件
// 单个工作流的失败只记录在结果中，不影响同一事件的其他工作流。
func (r *Router) OnEvent(ctx context.Context, ev *events.BusinessEvent) (*RouteResult, error) {
	if err := ev.Validate(); err != nil {
		return nil, err
	}
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	result := &RouteResult{
		EventID:     ev.ID,
		Evaluated:   []string{},
		Matched:     []string{},
		Enrollments: []*enrollment.Enrollment{},
		Skipped:     []SkipReason{},
	}

	seenKey := ev.OrgID + "|" + ev.ID
	if !r.seen.SetIfAbsent(seenKey, struct{}{}) {
		log.Printf("⏭️ [触发路由] 重复事件已忽略: OrgID=%s, EventID=%s", ev.OrgID, ev.ID)
		result.Duplicate = true
		return result, nil
	}
	if ev.IsAppointment() {
		prior, err := r.store.GetAppointmentTriggerByEvent(ctx, ev.OrgID, ev.ID)
		if err != nil {
			r.seen.Delete(seenKey)
			return nil, fmt.Errorf("查询预约触发记录失败: %w", err)
		}
		if prior != nil {
			result.Duplicate = true
			return result, nil
		}
	}

	workflows, err := r.activeWorkflows(ctx, ev.OrgID, ev.Triggers())
	if err != nil {
		r.seen.Delete(seenKey)
		return nil, err
	}

	facts := r.factSheet(ctx, ev)
	now := r.clock.Now()
	for _, wf := range workflows {
		result.Evaluated = append(result.Evaluated, wf.ID)
		e, reason, err := r.routeOne(ctx, wf, ev, facts, now)
		switch {
		case err != nil:
			log.Printf("❌ [触发路由] 工作流处理失败: WorkflowID=%s, EventID=%s, Error=%v", wf.ID, ev.ID, err)
			result.Errors = append(result.Errors, SkipReason{WorkflowID: wf.ID, Reason: err.Error()})
		case e != nil:
			result.Matched = append(result.Matched, wf.ID)
			result.Enrollments = append(result.Enrollments, e)
		default:
			if reason == "duplicate" {
				result.Matched = append(result.Matched, wf.ID)
			}
			result.Skipped = append(result.Skipped, SkipReason{WorkflowID: wf.ID, Reason: reason})
		}
	}

	if ev.IsAppointment() {
		r.recordAppointment(ctx, ev, result, now)
	}
	log.Printf("📨 [触发路由] 事件处理完成: OrgID=%s, EventID=%s, Kind=%s, 评估=%d, 报名=%d",
		ev.OrgID, ev.ID, ev.Kind, len(result.Evaluated), len(result.Enrollments))
	return result, nil
}

// routeOne 评估单个工作流，panic 只影响当前工作流
func (r *Router) routeOne(ctx context.Context, wf *workflow.Workflow, ev *events.BusinessEvent, facts condition.FactSheet, now time.Time) (e *enrollment.Enrollment, reason string, err error) {
	defer func() {
		if p := recover(); p != nil {
			e, reason, err = nil, "", fmt.Errorf("panic: %v", p)
		}
	}()

	if wf.OrgID != ev.OrgID || !wf.IsActive() {
		return nil, "inactive", nil
	}
	if !condition.Evaluate(wf.Conditions, facts, now) {
		return nil, "conditions", nil
	}
	reasonText := ev.Reason
	if reasonText == "" {
		reasonText = string(ev.Kind)
	}
	meta := map[string]any{"eventId": ev.ID}
	if ev.AppointmentID != "" {
		meta["appointmentId"] = ev.AppointmentID
	}
	e, err = r.enroll(ctx, wf, ev.ClientID, reasonText, facts, meta, false)
	if errors.Is(err, ErrDuplicateEnrollment) {
		return nil, "duplicate", nil
	}
	if errors.Is(err, ErrWorkflowInactive) || errors.Is(err, ErrWorkflowNotFound) {
		return nil, "inactive", nil
	}
	if err != nil {
		return nil, "", err
	}
	return e, "", nil
}

// EnrollWorkflow 手动把客户加入工作流
func (r *Router) EnrollWorkflow(ctx context.Context, orgID, workflowID, clientID string, opts EnrollOptions) (*enrollment.Enrollment, error) {
	if strings.TrimSpace(clientID) == "" {
		return nil, fmt.Errorf("clientId不能为空")
	}
	wf, err := r.store.GetWorkflow(ctx, orgID, workflowID)
	if err != nil {
		return nil, fmt.Errorf("查询工作流失败: %w", err)
	}
	if wf == nil {
		return nil, ErrWorkflowNotFound
	}
	if !wf.IsActive() {
		return nil, ErrWorkflowInactive
	}

	facts := condition.Merge(r.lookupFacts(ctx, orgID, clientID), opts.Facts)
	facts["clientId"] = clientID
	if !opts.Force && !condition.Evaluate(wf.Conditions, facts, r.clock.Now()) {
		return nil, ErrConditionsNotMet
	}
	reason := opts.Reason
	if reason == "" {
		reason = string(workflow.TriggerManual)
	}
	return r.enroll(ctx, wf, clientID, reason, facts, map[string]any{"manual": true, "force": opts.Force}, opts.Force)
}

// enroll 校验冷却窗口并创建报名，同一 (workflow, client) 在进程内串行
// 加锁后重新读取工作流状态，其他实例刚停用的工作流不会因本地缓存继续报名。
func (r *Router) enroll(ctx context.Context, cached *workflow.Workflow, clientID, reason string, facts condition.FactSheet, meta map[string]any, force bool) (*enrollment.Enrollment, error) {
	unlock := r.locks.Lock(cached.OrgID + "|" + cached.ID + "|" + clientID)
	defer unlock()

	wf, err := r.store.GetWorkflow(ctx, cached.OrgID, cached.ID)
	if err != nil {
		return nil, fmt.Errorf("查询工作流失败: %w", err)
	}
	if wf == nil || !wf.IsActive() {
		r.InvalidateOrg(cached.OrgID)
		log.Printf("⏭️ [触发路由] 工作流已不再启用，跳过报名: WorkflowID=%s, ClientID=%s", cached.ID, clientID)
		if wf == nil {
			return nil, ErrWorkflowNotFound
		}
		return nil, ErrWorkflowInactive
	}

	now := r.clock.Now()
	firstStep := ""
	first := wf.FirstAction()
	if first != nil {
		firstStep = first.ID
	}
	e := enrollment.New(wf.OrgID, wf.ID, clientID, reason, firstStep, now)
	e.Facts = facts
	for k, v := range meta {
		e.Metadata[k] = v
	}
	if first != nil && first.Type == workflow.ActionDelay && first.ConfigError() == nil {
		if delay, ok := first.Config.(workflow.DelayConfig); ok {
			if err := e.WaitOn(first.ID, now.Add(delay.Wait()), now); err != nil {
				return nil, err
			}
		}
	}

	lookback := 0
	if wf.PreventDuplicates && !force {
		lookback = wf.DuplicateLookbackDays
	}
	if lookback > 0 {
		ok, err := r.guard.CanEnroll(ctx, wf.OrgID, wf.ID, clientID, lookback)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, ErrDuplicateEnrollment
		}
		created, err := r.store.CreateEnrollmentGuarded(ctx, e, enrollment.WindowStart(now, lookback))
		if err != nil {
			return nil, err
		}
		if !created {
			return nil, ErrDuplicateEnrollment
		}
	} else if err := r.store.CreateEnrollment(ctx, e); err != nil {
		return nil, err
	}

	if err := r.store.IncrementWorkflowStats(ctx, wf.OrgID, wf.ID, workflow.StatsDelta{Runs: 1, LastRunAt: &now}); err != nil {
		log.Printf("⚠️ [触发路由] 更新工作流统计失败: WorkflowID=%s, Error=%v", wf.ID, err)
	}
	log.Printf("✅ [触发路由] 报名已创建: EnrollmentID=%s, WorkflowID=%s, ClientID=%s, CurrentStep=%s",
		e.ID, wf.ID, clientID, e.CurrentStep)
	r.publish(ctx, e, now)
	return e, nil
}

func (r *Router) publish(ctx context.Context, e *enrollment.Enrollment, now time.Time) {
	if r.publisher == nil {
		return
	}
	ev := events.NewLifecycleEvent(events.LifecycleEnrollmentCreated, e.OrgID, e.WorkflowID, e.ID, e.ClientID, now)
	ev.StepID = e.CurrentStep
	ev.Status = string(e.Status)
	ev.Data = map[string]any{"reason": e.Reason}
	if err := r.publisher.PublishLifecycle(ctx, ev); err != nil {
		log.Printf("⚠️ [触发路由] 发布生命周期事件失败: EnrollmentID=%s, Error=%v", e.ID, err)
	}
}

// activeWorkflows 读取组织内匹配触发器的活动工作流
func (r *Router) activeWorkflows(ctx context.Context, orgID string, triggers []workflow.TriggerKind) ([]*workflow.Workflow, error) {
	if len(triggers) == 0 {
		return nil, nil
	}
	names := make([]string, len(triggers))
	for i, t := range triggers {
		names[i] = string(t)
	}
	sort.Strings(names)
	key := orgID + "|" + strings.Join(names, ",")
	if cached, ok := r.workflows.Get(key); ok {
		return cached, nil
	}
	workflows, err := r.store.ListActiveWorkflows(ctx, orgID, triggers)
	if err != nil {
		return nil, fmt.Errorf("查询活动工作流失败: %w", err)
	}
	r.workflows.Set(key, workflows)
	return workflows, nil
}

// factSheet 客户当前资料与事件负载合并，事件字段优先
func (r *Router) factSheet(ctx context.Context, ev *events.BusinessEvent) condition.FactSheet {
	return condition.Merge(r.lookupFacts(ctx, ev.OrgID, ev.ClientID), ev.FactSheet())
}

func (r *Router) lookupFacts(ctx context.Context, orgID, clientID string) condition.FactSheet {
	if r.facts == nil {
		return nil
	}
	facts, err := r.facts.LookupFacts(ctx, orgID, clientID)
	if err != nil {
		log.Printf("⚠️ [触发路由] 读取客户资料失败，仅使用事件负载: ClientID=%s, Error=%v", clientID, err)
		return nil
	}
	return facts
}

func (r *Router) recordAppointment(ctx context.Context, ev *events.BusinessEvent, result *RouteResult, now time.Time) {
	appointmentID := ev.AppointmentID
	if appointmentID == "" {
		appointmentID = ev.Facts.String("appointmentId")
	}
	rec := newAppointmentTrigger(ev.OrgID, appointmentID, ev.ClientID, ev.ID, string(ev.Kind), ev.ServiceType(), now)
	rec.MatchedWorkflowIDs = append(rec.MatchedWorkflowIDs, result.Matched...)
	for _, e := range result.Enrollments {
		rec.EnrollmentIDs = append(rec.EnrollmentIDs, e.ID)
	}
	if err := r.store.SaveAppointmentTrigger(ctx, rec); err != nil {
		log.Printf("⚠️ [触发路由] 保存预约触发记录失败: EventID=%s, Error=%v", ev.ID, err)
	}
}

// keyedMutex 按键加锁，键不再使用时释放
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*refMutex
}

type refMutex struct {
	sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]*refMutex)}
}

// Lock 获取键对应的锁，返回解锁函数
func (k *keyedMutex) Lock(key string) func() {
	k.mu.Lock()
	m, ok := k.locks[key]
	if !ok {
		m = &refMutex{}
		k.locks[key] = m
	}
	m.refs++
	k.mu.Unlock()

	m.Lock()
	return func() {
		m.Unlock()
		k.mu.Lock()
		m.refs--
		if m.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
