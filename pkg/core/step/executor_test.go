package step_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/LENAX/crm-automation/pkg/capability"
	"github.com/LENAX/crm-automation/pkg/core/clock"
	"github.com/LENAX/crm-automation/pkg/core/condition"
	"github.com/LENAX/crm-automation/pkg/core/enrollment"
	"github.com/LENAX/crm-automation/pkg/core/execlog"
	"github.com/LENAX/crm-automation/pkg/core/step"
	"github.com/LENAX/crm-automation/pkg/core/workflow"
)

var now = time.Date(2026, 6, 1, 15, 0, 0, 0, time.UTC)

type fakeLogs struct {
	executed map[string]*execlog.Entry
	err      error
}

func (f *fakeLogs) FindExecutedStep(_ context.Context, _, enrollmentID, stepID string) (*execlog.Entry, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.executed[enrollmentID+":"+stepID], nil
}

type harness struct {
	exec      *step.Executor
	messenger *capability.MemoryMessenger
	clients   *capability.MemoryClients
	appts     *capability.MemoryAppointments
	logs      *fakeLogs
}

func newHarness(opts step.Options) *harness {
	caps, m, c, a := capability.NewMemorySet()
	logs := &fakeLogs{executed: map[string]*execlog.Entry{}}
	opts.Clock = clock.NewManual(now)
	if opts.RetryDelay == 0 {
		opts.RetryDelay = time.Minute
	}
	if opts.MaxRetryDelay == 0 {
		opts.MaxRetryDelay = 10 * time.Minute
	}
	return &harness{exec: step.NewExecutor(caps, logs, opts), messenger: m, clients: c, appts: a, logs: logs}
}

func activeWorkflow(actions ...workflow.Action) *workflow.Workflow {
	wf := workflow.NewWorkflow("org-1", "flow", workflow.TriggerManual)
	wf.Status = workflow.StatusActive
	wf.Actions = actions
	return wf
}

func enrolledAt(wf *workflow.Workflow, facts condition.FactSheet) *enrollment.Enrollment {
	first := ""
	if a := wf.FirstAction(); a != nil {
		first = a.ID
	}
	e := enrollment.New("org-1", wf.ID, "c-1", "test", first, now)
	e.Facts = facts
	return e
}

func sms(id string, order int, msg string) workflow.Action {
	return workflow.Action{ID: id, Type: workflow.ActionSendSMS, Order: order, Config: workflow.SendSMSConfig{Message: msg}}
}

func TestRender(t *testing.T) {
	facts := condition.FactSheet{"firstName": "Ava", "clinic": map[string]any{"name": "Glow"}}
	assert.Equal(t, "Hi Ava from Glow", step.Render("Hi {{firstName}} from {{ clinic.name }}", facts))
	assert.Equal(t, "Hi there!", step.Render("Hi {{lastName|there}}!", facts))
	assert.Equal(t, "Hi !", step.Render("Hi {{missing}}!", facts))
	assert.Equal(t, "plain", step.Render("plain", nil))
}

func TestHTMLToText(t *testing.T) {
	text := step.HTMLToText(`<html><head><style>p{}</style></head><body><p>Hi <b>Ava</b></p><p>See you<br>soon</p><a href="https://x.test/r">review</a></body></html>`)
	assert.Contains(t, text, "Hi Ava")
	assert.Contains(t, text, "See you\nsoon")
	assert.Contains(t, text, "review (https://x.test/r)")
	assert.NotContains(t, text, "p{}")
	assert.True(t, step.LooksLikeHTML("<p>x</p>"))
	assert.False(t, step.LooksLikeHTML("a < b"))
}

func TestBackoff(t *testing.T) {
	h := newHarness(step.Options{})
	want := []time.Duration{time.Minute, 2 * time.Minute, 4 * time.Minute, 8 * time.Minute, 10 * time.Minute, 10 * time.Minute}
	for i, w := range want {
		assert.Equal(t, w, h.exec.Backoff(i+1), "attempt %d", i+1)
	}
}

func TestClassify(t *testing.T) {
	assert.Equal(t, step.KindTerminal, step.Classify(capability.Permanent(errors.New("bad number"))))
	assert.Equal(t, step.KindTransient, step.Classify(context.DeadlineExceeded))
	assert.Equal(t, step.KindTransient, step.Classify(errors.New("503")))
	assert.Equal(t, step.KindDefinition, step.Classify(step.NewDefinitionError("s1", errors.New("x"))))
	assert.True(t, step.IsTerminal(step.NewTerminalError("s1", errors.New("x"))))
}

func TestExecute_SMSRendersAndAdvances(t *testing.T) {
	h := newHarness(step.Options{})
	first := sms("s1", 1, "Hi {{firstName}}")
	first.DelayAfterMinutes = 60
	wf := activeWorkflow(first, sms("s2", 2, "bye"))
	e := enrolledAt(wf, condition.FactSheet{"firstName": "Ava", "phone": "+15550100"})

	o := h.exec.Execute(context.Background(), e, wf)
	assert.Equal(t, step.ResultAdvanced, o.Result)
	assert.Equal(t, "s2", o.NextStep)
	assert.True(t, o.NextAt.Equal(now.Add(time.Hour)))
	require.NotNil(t, o.Entry)
	assert.Equal(t, execlog.StatusExecuted, o.Entry.Status)
	assert.Equal(t, "send_sms", o.Entry.Action)

	sent := h.messenger.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, "Hi Ava", sent[0].Body)
	assert.Equal(t, e.ID+":s1", sent[0].IdempotencyKey)

	require.NoError(t, o.ApplyTo(e, now))
	assert.Equal(t, "s2", e.CurrentStep)

	o = h.exec.Execute(context.Background(), e, wf)
	assert.Equal(t, step.ResultCompleted, o.Result)
	require.NoError(t, o.ApplyTo(e, now))
	assert.Equal(t, enrollment.StatusCompleted, e.Status)
	assert.Nil(t, e.NextExecutionAt)
}

func TestExecute_EmailHTMLAlternative(t *testing.T) {
	h := newHarness(step.Options{})
	wf := activeWorkflow(workflow.Action{ID: "mail", Type: workflow.ActionSendEmail, Order: 1,
		Config: workflow.SendEmailConfig{Subject: "Hi {{firstName}}", Body: "<p>Thanks {{firstName}}</p>"}})
	e := enrolledAt(wf, condition.FactSheet{"firstName": "Ava", "email": "ava@example.com"})

	o := h.exec.Execute(context.Background(), e, wf)
	assert.Equal(t, step.ResultCompleted, o.Result)
	sent := h.messenger.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, "Hi Ava", sent[0].Subject)
	assert.Equal(t, "<p>Thanks Ava</p>", sent[0].HTMLBody)
	assert.Equal(t, "Thanks Ava", sent[0].Body)
}

func TestExecute_TransientFailuresExhaustAttempts(t *testing.T) {
	h := newHarness(step.Options{MaxAttempts: 3})
	h.messenger.FailTimes(3, errors.New("provider 503"))
	wf := activeWorkflow(sms("s1", 1, "hi"))
	e := enrolledAt(wf, condition.FactSheet{"phone": "+1"})

	var statuses []execlog.Status
	for i := 0; i < 3; i++ {
		o := h.exec.Execute(context.Background(), e, wf)
		require.NotNil(t, o.Entry)
		statuses = append(statuses, o.Entry.Status)
		assert.Equal(t, i+1, o.Entry.Attempt)
		require.NoError(t, o.ApplyTo(e, now))
	}
	assert.Equal(t, []execlog.Status{execlog.StatusRetrying, execlog.StatusRetrying, execlog.StatusFailed}, statuses)
	assert.Equal(t, enrollment.StatusFailed, e.Status)
	assert.Equal(t, 3, e.Attempts)
	assert.Contains(t, e.LastError, "provider 503")
}

func TestExecute_RetrySchedulesBackoff(t *testing.T) {
	h := newHarness(step.Options{MaxAttempts: 5})
	h.messenger.FailTimes(1, errors.New("timeout"))
	wf := activeWorkflow(sms("s1", 1, "hi"))
	e := enrolledAt(wf, condition.FactSheet{"phone": "+1"})

	o := h.exec.Execute(context.Background(), e, wf)
	assert.Equal(t, step.ResultRetrying, o.Result)
	assert.True(t, o.NextAt.Equal(now.Add(time.Minute)))
	require.NoError(t, o.ApplyTo(e, now))
	assert.Equal(t, 1, e.Attempts)
	assert.Equal(t, "s1", e.CurrentStep)

	o = h.exec.Execute(context.Background(), e, wf)
	assert.Equal(t, step.ResultCompleted, o.Result)
	assert.Equal(t, 2, o.Entry.Attempt)
}

func TestExecute_PermanentAndMissingContactFailImmediately(t *testing.T) {
	h := newHarness(step.Options{})
	h.messenger.FailWith(func(capability.Message) error { return capability.Permanent(errors.New("invalid number")) })
	wf := activeWorkflow(sms("s1", 1, "hi"))

	o := h.exec.Execute(context.Background(), enrolledAt(wf, condition.FactSheet{"phone": "+1"}), wf)
	assert.Equal(t, step.ResultFailed, o.Result)
	assert.Equal(t, step.KindTerminal, o.ErrorKind)
	assert.Equal(t, execlog.StatusFailed, o.Entry.Status)

	o = h.exec.Execute(context.Background(), enrolledAt(wf, nil), wf)
	assert.Equal(t, step.ResultFailed, o.Result)
	assert.Contains(t, o.Error, "手机号")
}

func TestExecute_StepTimeoutIsRetryable(t *testing.T) {
	h := newHarness(step.Options{StepTimeout: 20 * time.Millisecond})
	h.messenger.SetLatency(time.Second)
	wf := activeWorkflow(sms("s1", 1, "hi"))

	o := h.exec.Execute(context.Background(), enrolledAt(wf, condition.FactSheet{"phone": "+1"}), wf)
	assert.Equal(t, step.ResultRetrying, o.Result)
	assert.Equal(t, step.KindTransient, o.ErrorKind)
}

func TestExecute_DefinitionErrorSkipsAndAdvances(t *testing.T) {
	h := newHarness(step.Options{})
	bad := workflow.Action{ID: "s1", Type: "send_fax", Order: 1, Config: workflow.UnknownConfig{Type: "send_fax"}}
	wf := activeWorkflow(bad, sms("s2", 2, "hi"))
	e := enrolledAt(wf, nil)

	o := h.exec.Execute(context.Background(), e, wf)
	assert.Equal(t, step.ResultAdvanced, o.Result)
	assert.Equal(t, "s2", o.NextStep)
	assert.Equal(t, execlog.StatusSkipped, o.Entry.Status)
	assert.Empty(t, h.messenger.Sent())
}

func TestExecute_DelayWaitsThenResolvesSilently(t *testing.T) {
	h := newHarness(step.Options{})
	wf := activeWorkflow(
		sms("s1", 1, "hi"),
		workflow.Action{ID: "wait", Type: workflow.ActionDelay, Order: 2, Config: workflow.DelayConfig{Duration: 2, Unit: "hours"}},
		sms("s3", 3, "again"),
	)
	e := enrolledAt(wf, condition.FactSheet{"phone": "+1"})
	require.NoError(t, e.ScheduleStep("wait", now, now))

	o := h.exec.Execute(context.Background(), e, wf)
	assert.Equal(t, step.ResultWaiting, o.Result)
	assert.True(t, o.NextAt.Equal(now.Add(2*time.Hour)))
	assert.Equal(t, execlog.StatusExecuted, o.Entry.Status)
	require.NoError(t, o.ApplyTo(e, now))
	assert.Equal(t, "wait", e.WaitingOn)
	assert.Equal(t, "wait", e.CurrentStep)

	o = h.exec.Execute(context.Background(), e, wf)
	assert.Equal(t, "s3", o.StepID)
	assert.Equal(t, "send_sms", o.Entry.Action)
	assert.Equal(t, step.ResultCompleted, o.Result)
	assert.Len(t, h.messenger.Sent(), 1)
}

func TestExecute_ConditionalBranches(t *testing.T) {
	h := newHarness(step.Options{})
	wf := activeWorkflow(
		workflow.Action{ID: "check", Type: workflow.ActionConditional, Order: 1, Config: workflow.ConditionalConfig{
			Conditions: []condition.Condition{{Field: "tags", Operator: condition.OpHasTag, Value: "vip"}},
			TrueStep:   "vip",
			FalseStep:  workflow.BranchEnd,
		}},
		sms("regular", 2, "hi"),
		sms("vip", 3, "hi vip"),
	)

	e := enrolledAt(wf, nil)
	o := h.exec.Execute(context.Background(), e, wf)
	assert.Equal(t, step.ResultCompleted, o.Result)
	assert.Equal(t, false, o.Entry.Metadata["matched"])

	require.NoError(t, h.clients.ApplyTag(context.Background(), "org-1", "c-1", "vip"))
	o = h.exec.Execute(context.Background(), e, wf)
	assert.Equal(t, step.ResultAdvanced, o.Result)
	assert.Equal(t, "vip", o.NextStep)

	h.clients.SetLookupError(errors.New("crm down"))
	o = h.exec.Execute(context.Background(), e, wf)
	assert.Equal(t, step.ResultRetrying, o.Result)
}

func TestExecute_CreateAppointmentDedupes(t *testing.T) {
	h := newHarness(step.Options{})
	wf := activeWorkflow(workflow.Action{ID: "book", Type: workflow.ActionCreateAppointment, Order: 1,
		Config: workflow.CreateAppointmentConfig{AppointmentType: "consultation", OffsetMinutes: 7 * 24 * 60}})
	e := enrolledAt(wf, nil)

	o := h.exec.Execute(context.Background(), e, wf)
	assert.Equal(t, step.ResultCompleted, o.Result)
	require.Len(t, h.appts.Created(), 1)
	assert.Equal(t, e.ID+":book", h.appts.Created()[0].IdempotencyKey)
	assert.True(t, h.appts.Created()[0].StartAt.Equal(now.Add(7*24*time.Hour)))

	h.logs.executed[e.ID+":book"] = &execlog.Entry{ID: "log-1", Metadata: map[string]any{"appointmentId": "a-1"}}
	o = h.exec.Execute(context.Background(), e, wf)
	assert.Equal(t, true, o.Entry.Metadata["deduplicated"])
	assert.Len(t, h.appts.Created(), 1)
}

func TestExecute_InactiveWorkflowHoldsEnrollment(t *testing.T) {
	h := newHarness(step.Options{HoldRecheck: 10 * time.Minute})
	wf := activeWorkflow(sms("s1", 1, "hi"), sms("s2", 2, "bye"))
	e := enrolledAt(wf, nil)
	e.Attempts = 1
	wf.Status = workflow.StatusInactive

	o := h.exec.Execute(context.Background(), e, wf)
	assert.Equal(t, step.ResultHeld, o.Result)
	assert.Nil(t, o.Entry)
	assert.False(t, o.Terminal())
	require.NoError(t, o.ApplyTo(e, now))
	assert.Equal(t, enrollment.StatusActive, e.Status)
	assert.Equal(t, "s1", e.CurrentStep)
	assert.Equal(t, 1, e.Attempts)
	require.NotNil(t, e.NextExecutionAt)
	assert.True(t, e.NextExecutionAt.Equal(now.Add(10*time.Minute)))

	wf.Status = workflow.StatusDraft
	assert.Equal(t, step.ResultHeld, h.exec.Execute(context.Background(), enrolledAt(wf, nil), wf).Result)
}

func TestExecute_ArchivedOrDeletedWorkflowCancels(t *testing.T) {
	h := newHarness(step.Options{})
	wf := activeWorkflow(sms("s1", 1, "hi"))
	e := enrolledAt(wf, nil)
	wf.Status = workflow.StatusArchived

	o := h.exec.Execute(context.Background(), e, wf)
	assert.Equal(t, step.ResultCancelled, o.Result)
	assert.Equal(t, execlog.StatusSkipped, o.Entry.Status)
	require.NoError(t, o.ApplyTo(e, now))
	assert.Equal(t, enrollment.StatusCancelled, e.Status)

	o = h.exec.Execute(context.Background(), enrolledAt(wf, nil), nil)
	assert.Equal(t, step.ResultCancelled, o.Result)
}

func TestExecute_MissingStepFails(t *testing.T) {
	h := newHarness(step.Options{})
	wf := activeWorkflow(sms("s1", 1, "hi"))
	e := enrolledAt(wf, nil)
	e.CurrentStep = "gone"

	o := h.exec.Execute(context.Background(), e, wf)
	assert.Equal(t, step.ResultFailed, o.Result)
	assert.Equal(t, execlog.StatusFailed, o.Entry.Status)
}

func TestExecute_ZeroActionsCompletesWithoutLog(t *testing.T) {
	h := newHarness(step.Options{})
	wf := activeWorkflow()
	o := h.exec.Execute(context.Background(), enrolledAt(wf, nil), wf)
	assert.Equal(t, step.ResultCompleted, o.Result)
	assert.Nil(t, o.Entry)
}

func TestApplyTo_PausedMergesProgress(t *testing.T) {
	wf := activeWorkflow(sms("s1", 1, "hi"), sms("s2", 2, "bye"))
	e := enrolledAt(wf, nil)
	require.NoError(t, e.Pause(now))

	o := &step.Outcome{Result: step.ResultAdvanced, StepID: "s1", NextStep: "s2", NextAt: now}
	require.NoError(t, o.ApplyTo(e, now))
	assert.Equal(t, enrollment.StatusPaused, e.Status)
	assert.Equal(t, "s2", e.CurrentStep)
	assert.Nil(t, e.NextExecutionAt)
	require.NotNil(t, e.PendingExecutionAt)

	done := &step.Outcome{Result: step.ResultCompleted, StepID: "s2"}
	require.NoError(t, done.ApplyTo(e, now))
	assert.Equal(t, enrollment.StatusPaused, e.Status)
	assert.Empty(t, e.CurrentStep)

	failed := &step.Outcome{Result: step.ResultFailed, Attempts: 3, Error: "x"}
	require.NoError(t, failed.ApplyTo(e, now))
	assert.Equal(t, enrollment.StatusPaused, e.Status)
	assert.Equal(t, "x", e.LastError)
	assert.Equal(t, 3, e.Attempts)
	assert.True(t, e.FailurePending())

	require.NoError(t, e.Resume(now.Add(time.Minute)))
	assert.Equal(t, enrollment.StatusFailed, e.Status)
}
