// Package step 执行报名的当前步骤并给出结果
package step

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/LENAX/crm-automation/pkg/capability"
	"github.com/LENAX/crm-automation/pkg/core/clock"
	"github.com/LENAX/crm-automation/pkg/core/condition"
	"github.com/LENAX/crm-automation/pkg/core/enrollment"
	"github.com/LENAX/crm-automation/pkg/core/execlog"
	"github.com/LENAX/crm-automation/pkg/core/workflow"
)

// LogFinder 查询步骤是否已经成功执行
type LogFinder interface {
	FindExecutedStep(ctx context.Context, orgID, enrollmentID, stepID string) (*execlog.Entry, error)
}

// Options 执行器配置
type Options struct {
	Clock         clock.Clock
	StepTimeout   time.Duration // 单次外部调用上限，默认30s
	MaxAttempts   int           // 工作流未设置时的默认值，默认3
	RetryDelay    time.Duration // 首次重试间隔，默认1m
	MaxRetryDelay time.Duration // 重试间隔上限，默认1h
	HoldRecheck   time.Duration // 工作流停用时报名的再检查间隔，默认15m
}

// Executor 步骤执行器（对外导出）
type Executor struct {
	caps  capability.Set
	logs  LogFinder
	clock clock.Clock
	opts  Options
}

// NewExecutor 创建步骤执行器
func NewExecutor(caps capability.Set, logs LogFinder, opts Options) *Executor {
	if opts.StepTimeout <= 0 {
		opts.StepTimeout = 30 * time.Second
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 3
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = time.Minute
	}
	if opts.MaxRetryDelay <= 0 {
		opts.MaxRetryDelay = time.Hour
	}
	if opts.HoldRecheck <= 0 {
		opts.HoldRecheck = 15 * time.Minute
	}
	return &Executor{caps: caps, logs: logs, clock: clock.OrSystem(opts.Clock), opts: opts}
}

// Backoff 第 attempt 次失败后的重试间隔：delay * 2^(attempt-1)，不超过上限
func (x *Executor) Backoff(attempt int) time.Duration {
	d := x.opts.RetryDelay
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= x.opts.MaxRetryDelay {
			return x.opts.MaxRetryDelay
		}
	}
	if d > x.opts.MaxRetryDelay {
		return x.opts.MaxRetryDelay
	}
	return d
}

// MaxAttempts 工作流生效的最大尝试次数
func (x *Executor) MaxAttempts(wf *workflow.Workflow) int {
	if wf != nil && wf.MaxAttempts > 0 {
		return wf.MaxAttempts
	}
	return x.opts.MaxAttempts
}

// Execute 执行报名的当前步骤，不修改 e
// 除了静默结束的等待、工作流停用时的保持与没有步骤的完成，每次调用恰好产生一条执行记录。
func (x *Executor) Execute(ctx context.Context, e *enrollment.Enrollment, wf *workflow.Workflow) *Outcome {
	now := x.clock.Now()

	if wf == nil || wf.Status == workflow.StatusArchived {
		o := &Outcome{Result: ResultCancelled, StepID: e.CurrentStep, Action: "workflow", Attempts: e.Attempts}
		o.Entry = x.entry(e, e.CurrentStep, "workflow", execlog.StatusSkipped, e.Attempts+1, 0)
		o.Entry.Message = "工作流已归档或删除，取消报名"
		return o
	}
	if !wf.IsActive() {
		log.Printf("⏸️ [步骤执行] 工作流未启用，报名保持等待: EnrollmentID=%s, WorkflowID=%s, Status=%s", e.ID, wf.ID, wf.Status)
		return &Outcome{Result: ResultHeld, StepID: e.CurrentStep, NextAt: now.Add(x.opts.HoldRecheck), Attempts: e.Attempts}
	}
	if e.CurrentStep == "" {
		return &Outcome{Result: ResultCompleted}
	}

	action := wf.ActionByID(e.CurrentStep)
	if action == nil {
		err := fmt.Errorf("步骤 %s 不存在于工作流中", e.CurrentStep)
		o := &Outcome{Result: ResultFailed, StepID: e.CurrentStep, Action: "unknown", Attempts: e.Attempts,
			Error: err.Error(), ErrorKind: KindDefinition}
		o.Entry = x.entry(e, e.CurrentStep, "unknown", execlog.StatusFailed, e.Attempts+1, 0)
		o.Entry.Error = err.Error()
		return o
	}

	attempts := e.Attempts
	if action.Type == workflow.ActionDelay && e.WaitingOn == action.ID {
		// 等待结束，继续执行下一步
		next := wf.NextAction(action.ID)
		if next == nil {
			return &Outcome{Result: ResultCompleted, StepID: action.ID, Action: action.Name()}
		}
		action = next
		attempts = 0
	}
	return x.run(ctx, e, wf, *action, attempts+1, now)
}

// run 执行单个动作并生成执行记录
func (x *Executor) run(ctx context.Context, e *enrollment.Enrollment, wf *workflow.Workflow, action workflow.Action, attempt int, now time.Time) *Outcome {
	o := &Outcome{StepID: action.ID, Action: action.Name(), Attempts: attempt}

	if err := action.ConfigError(); err != nil {
		return x.skip(e, wf, action, attempt, now, err)
	}

	if delay, ok := action.Config.(workflow.DelayConfig); ok {
		until := now.Add(delay.Wait())
		o.Result = ResultWaiting
		o.NextAt = until
		o.Attempts = 0
		o.Entry = x.entry(e, action.ID, action.Name(), execlog.StatusExecuted, attempt, 0)
		o.Entry.Message = fmt.Sprintf("等待至 %s", until.Format(time.RFC3339))
		o.Entry.Metadata = map[string]any{"waitUntil": until.Format(time.RFC3339), "waitMinutes": int64(delay.Wait() / time.Minute)}
		return o
	}

	started := time.Now()
	res, err := x.perform(ctx, e, wf, action, now)
	duration := time.Since(started).Milliseconds()

	if err != nil {
		return x.failure(e, wf, action, attempt, now, duration, err)
	}

	entry := x.entry(e, action.ID, action.Name(), execlog.StatusExecuted, attempt, duration)
	entry.Message = res.message
	entry.Metadata = res.metadata
	o.Entry = entry
	o.Attempts = 0

	next := res.next
	if !res.branched {
		next = wf.NextAction(action.ID)
	}
	if next == nil {
		o.Result = ResultCompleted
		return o
	}
	o.Result = ResultAdvanced
	o.NextStep = next.ID
	o.NextAt = now.Add(action.PostDelay())
	return o
}

// skip 定义错误：记录 skipped 并按顺序前进
func (x *Executor) skip(e *enrollment.Enrollment, wf *workflow.Workflow, action workflow.Action, attempt int, now time.Time, err error) *Outcome {
	log.Printf("⚠️ [步骤执行] 步骤定义无效，跳过: EnrollmentID=%s, StepID=%s, Error=%v", e.ID, action.ID, err)
	o := &Outcome{StepID: action.ID, Action: action.Name(), ErrorKind: KindDefinition, Error: err.Error()}
	o.Entry = x.entry(e, action.ID, action.Name(), execlog.StatusSkipped, attempt, 0)
	o.Entry.Error = err.Error()
	if next := wf.NextAction(action.ID); next != nil {
		o.Result = ResultAdvanced
		o.NextStep = next.ID
		o.NextAt = now
	} else {
		o.Result = ResultCompleted
	}
	return o
}

// failure 按错误类别决定重试、失败或跳过
func (x *Executor) failure(e *enrollment.Enrollment, wf *workflow.Workflow, action workflow.Action, attempt int, now time.Time, duration int64, err error) *Outcome {
	kind := Classify(err)
	if kind == KindDefinition {
		return x.skip(e, wf, action, attempt, now, err)
	}

	o := &Outcome{StepID: action.ID, Action: action.Name(), Attempts: attempt, Error: err.Error(), ErrorKind: kind}
	maxAttempts := x.MaxAttempts(wf)
	if kind == KindTransient && attempt < maxAttempts {
		o.Result = ResultRetrying
		o.NextAt = now.Add(x.Backoff(attempt))
		o.Entry = x.entry(e, action.ID, action.Name(), execlog.StatusRetrying, attempt, duration)
		o.Entry.Message = fmt.Sprintf("第 %d/%d 次尝试失败，%s 后重试", attempt, maxAttempts, x.Backoff(attempt))
		o.Entry.Error = err.Error()
		log.Printf("🔄 [步骤执行] 步骤失败将重试: EnrollmentID=%s, StepID=%s, Attempt=%d/%d, Error=%v",
			e.ID, action.ID, attempt, maxAttempts, err)
		return o
	}

	o.Result = ResultFailed
	o.Entry = x.entry(e, action.ID, action.Name(), execlog.StatusFailed, attempt, duration)
	o.Entry.Error = err.Error()
	if kind == KindTransient {
		o.Entry.Message = fmt.Sprintf("已达到最大尝试次数 %d", maxAttempts)
	} else {
		o.Entry.Message = "外部服务拒绝，不再重试"
	}
	log.Printf("❌ [步骤执行] 步骤失败: EnrollmentID=%s, StepID=%s, Attempt=%d, Kind=%s, Error=%v",
		e.ID, action.ID, attempt, kind, err)
	return o
}

type actionResult struct {
	message  string
	metadata map[string]any
	next     *workflow.Action
	branched bool
}

// perform 调用外部能力，每次调用都有超时上限
func (x *Executor) perform(ctx context.Context, e *enrollment.Enrollment, wf *workflow.Workflow, action workflow.Action, now time.Time) (*actionResult, error) {
	facts := condition.Merge(e.Facts)
	facts["clientId"] = e.ClientID
	key := e.ID + ":" + action.ID

	callCtx, cancel := context.WithTimeout(ctx, x.opts.StepTimeout)
	defer cancel()

	switch cfg := action.Config.(type) {
	case workflow.SendSMSConfig:
		if x.caps.Messenger == nil {
			return nil, NewDefinitionError(action.ID, errors.New("未配置消息发送能力"))
		}
		to := Render(cfg.To, facts)
		if to == "" {
			to = facts.String("phone")
		}
		if to == "" {
			return nil, NewTerminalError(action.ID, errors.New("客户没有手机号"))
		}
		body := Render(cfg.Message, facts)
		res, err := x.caps.Messenger.Send(callCtx, capability.Message{
			Channel: capability.ChannelSMS, OrgID: e.OrgID, ClientID: e.ClientID,
			To: to, Body: body, IdempotencyKey: key,
		})
		if err != nil {
			return nil, err
		}
		return &actionResult{message: "短信已发送", metadata: deliveryMeta(res, to)}, nil

	case workflow.SendEmailConfig:
		if x.caps.Messenger == nil {
			return nil, NewDefinitionError(action.ID, errors.New("未配置消息发送能力"))
		}
		to := Render(cfg.To, facts)
		if to == "" {
			to = facts.String("email")
		}
		if to == "" {
			return nil, NewTerminalError(action.ID, errors.New("客户没有邮箱"))
		}
		msg := capability.Message{
			Channel: capability.ChannelEmail, OrgID: e.OrgID, ClientID: e.ClientID,
			To: to, Subject: Render(cfg.Subject, facts), IdempotencyKey: key,
		}
		body := Render(cfg.Body, facts)
		if LooksLikeHTML(body) {
			msg.HTMLBody = body
			msg.Body = HTMLToText(body)
		} else {
			msg.Body = body
		}
		res, err := x.caps.Messenger.Send(callCtx, msg)
		if err != nil {
			return nil, err
		}
		return &actionResult{message: "邮件已发送", metadata: deliveryMeta(res, to)}, nil

	case workflow.TagConfig:
		if x.caps.Clients == nil {
			return nil, NewDefinitionError(action.ID, errors.New("未配置客户管理能力"))
		}
		tag := Render(cfg.Tag, facts)
		if err := x.caps.Clients.ApplyTag(callCtx, e.OrgID, e.ClientID, tag); err != nil {
			return nil, err
		}
		return &actionResult{message: "已添加标签 " + tag, metadata: map[string]any{"tag": tag}}, nil

	case workflow.AddNoteConfig:
		if x.caps.Clients == nil {
			return nil, NewDefinitionError(action.ID, errors.New("未配置客户管理能力"))
		}
		note := Render(cfg.Note, facts)
		if err := x.caps.Clients.AddNote(callCtx, e.OrgID, e.ClientID, note); err != nil {
			return nil, err
		}
		return &actionResult{message: "已添加备注"}, nil

	case workflow.CreateAppointmentConfig:
		return x.createAppointment(callCtx, e, action, cfg, key, now)

	case workflow.ConditionalConfig:
		return x.branch(callCtx, e, wf, action, cfg, facts, now)
	}
	return nil, NewDefinitionError(action.ID, fmt.Errorf("不支持的动作类型: %s", action.Type))
}

// createAppointment 非幂等动作：已有成功记录时不再调用外部能力
func (x *Executor) createAppointment(ctx context.Context, e *enrollment.Enrollment, action workflow.Action, cfg workflow.CreateAppointmentConfig, key string, now time.Time) (*actionResult, error) {
	if x.caps.Appointments == nil {
		return nil, NewDefinitionError(action.ID, errors.New("未配置预约管理能力"))
	}
	if x.logs != nil {
		prior, err := x.logs.FindExecutedStep(ctx, e.OrgID, e.ID, action.ID)
		if err != nil {
			return nil, NewTransientError(action.ID, fmt.Errorf("查询执行记录失败: %w", err))
		}
		if prior != nil {
			meta := map[string]any{"deduplicated": true, "previousLogId": prior.ID}
			if id, ok := prior.Metadata["appointmentId"]; ok {
				meta["appointmentId"] = id
			}
			return &actionResult{message: "预约已创建，跳过重复调用", metadata: meta}, nil
		}
	}
	startAt := now.Add(time.Duration(cfg.OffsetMinutes) * time.Minute)
	id, err := x.caps.Appointments.CreateAppointment(ctx, capability.AppointmentRequest{
		OrgID:           e.OrgID,
		ClientID:        e.ClientID,
		AppointmentType: cfg.AppointmentType,
		StartAt:         startAt,
		DurationMinutes: cfg.DurationMinutes,
		Notes:           Render(cfg.Notes, condition.Merge(e.Facts)),
		IdempotencyKey:  key,
	})
	if err != nil {
		return nil, err
	}
	return &actionResult{
		message: fmt.Sprintf("已创建 %s 预约", cfg.AppointmentType),
		metadata: map[string]any{
			"appointmentId":   id,
			"appointmentType": cfg.AppointmentType,
			"startAt":         startAt.Format(time.RFC3339),
		},
	}, nil
}

// branch 用快照与客户当前资料重新评估条件，选择分支
func (x *Executor) branch(ctx context.Context, e *enrollment.Enrollment, wf *workflow.Workflow, action workflow.Action, cfg workflow.ConditionalConfig, facts condition.FactSheet, now time.Time) (*actionResult, error) {
	if x.caps.Clients != nil {
		live, err := x.caps.Clients.LookupFacts(ctx, e.OrgID, e.ClientID)
		if err != nil {
			return nil, NewTransientError(action.ID, fmt.Errorf("读取客户资料失败: %w", err))
		}
		facts = condition.Merge(facts, live)
	}
	matched := condition.Evaluate(cfg.Conditions, facts, now)
	target := cfg.FalseStep
	if matched {
		target = cfg.TrueStep
	}
	next, err := wf.Successor(action.ID, target)
	if err != nil {
		return nil, NewDefinitionError(action.ID, err)
	}
	nextID := workflow.BranchEnd
	if next != nil {
		nextID = next.ID
	}
	return &actionResult{
		message:  fmt.Sprintf("条件%s，下一步 %s", map[bool]string{true: "满足", false: "不满足"}[matched], nextID),
		metadata: map[string]any{"matched": matched, "next": nextID},
		next:     next,
		branched: true,
	}, nil
}

func (x *Executor) entry(e *enrollment.Enrollment, stepID, action string, status execlog.Status, attempt int, durationMs int64) *execlog.Entry {
	return &execlog.Entry{
		OrgID:        e.OrgID,
		WorkflowID:   e.WorkflowID,
		EnrollmentID: e.ID,
		ClientID:     e.ClientID,
		StepID:       stepID,
		Action:       action,
		Status:       status,
		Attempt:      attempt,
		DurationMs:   durationMs,
	}
}

func deliveryMeta(res *capability.DeliveryResult, to string) map[string]any {
	meta := map[string]any{"to": to}
	if res != nil {
		meta["providerId"] = res.ProviderID
		meta["deliveryStatus"] = res.Status
	}
	return meta
}
