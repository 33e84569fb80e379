package sqlstore_test

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/LENAX/crm-automation/pkg/core/condition"
	"github.com/LENAX/crm-automation/pkg/core/enrollment"
	"github.com/LENAX/crm-automation/pkg/core/execlog"
	"github.com/LENAX/crm-automation/pkg/core/trigger"
	"github.com/LENAX/crm-automation/pkg/core/workflow"
	"github.com/LENAX/crm-automation/pkg/storage"
	"github.com/LENAX/crm-automation/pkg/storage/sqlite"
	"github.com/LENAX/crm-automation/pkg/storage/sqlstore"
)

var base = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func setupStore(t *testing.T) *sqlstore.Store {
	t.Helper()
	dsn := filepath.Join(t.TempDir(), "automation.db")
	store, err := sqlstore.Open(sqlite.NewSQLiteDialect(), dsn, sqlstore.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func sampleWorkflow(org string) *workflow.Workflow {
	wf := workflow.NewWorkflow(org, "Botox follow-up", workflow.TriggerToxins)
	wf.Status = workflow.StatusActive
	wf.PreventDuplicates = true
	wf.DuplicateLookbackDays = 30
	wf.Conditions = []condition.Condition{{Field: "visits", Operator: condition.OpGreaterThan, Value: "1"}}
	wf.Actions = []workflow.Action{
		{ID: "s1", Type: workflow.ActionDelay, Order: 1, Config: workflow.DelayConfig{Duration: 2, Unit: "days"}},
		{ID: "s2", Type: workflow.ActionSendSMS, Order: 2, Config: workflow.SendSMSConfig{Message: "Hi {{firstName}}"}},
	}
	wf.CreatedAt = base
	wf.UpdatedAt = base
	return wf
}

func TestWorkflow_SaveGetAndOrgScope(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()
	wf := sampleWorkflow("org-1")
	require.NoError(t, store.SaveWorkflow(ctx, wf))

	got, err := store.GetWorkflow(ctx, "org-1", wf.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, wf.Name, got.Name)
	assert.True(t, got.PreventDuplicates)
	require.Len(t, got.Actions, 2)
	assert.Equal(t, workflow.DelayConfig{Duration: 2, Unit: "days"}, got.Actions[0].Config)
	assert.Equal(t, wf.Conditions, got.Conditions)

	other, err := store.GetWorkflow(ctx, "org-2", wf.ID)
	require.NoError(t, err)
	assert.Nil(t, other)

	foreign := *wf
	foreign.OrgID = "org-2"
	assert.Error(t, store.SaveWorkflow(ctx, &foreign))

	active, err := store.ListActiveWorkflows(ctx, "org-1", []workflow.TriggerKind{workflow.TriggerAppointmentCompleted, workflow.TriggerToxins})
	require.NoError(t, err)
	assert.Len(t, active, 1)

	found, err := store.UpdateWorkflowStatus(ctx, "org-1", wf.ID, workflow.StatusInactive, base)
	require.NoError(t, err)
	assert.True(t, found)
	active, err = store.ListActiveWorkflows(ctx, "org-1", []workflow.TriggerKind{workflow.TriggerToxins})
	require.NoError(t, err)
	assert.Empty(t, active)

	found, err = store.DeleteWorkflow(ctx, "org-2", wf.ID)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestWorkflow_StatsAreAdditive(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()
	wf := sampleWorkflow("org-1")
	require.NoError(t, store.SaveWorkflow(ctx, wf))

	ran := base.Add(time.Hour)
	require.NoError(t, store.IncrementWorkflowStats(ctx, "org-1", wf.ID, workflow.StatsDelta{Runs: 1, LastRunAt: &ran}))
	d1, d2 := int64(100), int64(300)
	require.NoError(t, store.IncrementWorkflowStats(ctx, "org-1", wf.ID, workflow.StatsDelta{StepDurationMs: &d1}))
	require.NoError(t, store.IncrementWorkflowStats(ctx, "org-1", wf.ID, workflow.StatsDelta{Successful: 1, StepDurationMs: &d2}))

	// 重新保存定义不会覆盖计数
	wf.Name = "Renamed"
	require.NoError(t, store.SaveWorkflow(ctx, wf))

	got, err := store.GetWorkflow(ctx, "org-1", wf.ID)
	require.NoError(t, err)
	assert.Equal(t, "Renamed", got.Name)
	assert.Equal(t, int64(1), got.Stats.TotalRuns)
	assert.Equal(t, int64(1), got.Stats.SuccessfulRuns)
	assert.Equal(t, int64(2), got.Stats.ExecutedSteps)
	assert.InDelta(t, 200.0, got.Stats.AverageExecutionTimeMs, 0.001)
	require.NotNil(t, got.Stats.LastRunAt)
	assert.True(t, got.Stats.LastRunAt.Equal(ran))
}

func TestEnrollment_DueOrderingAndClaim(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()

	late := enrollment.New("org-1", "wf-1", "c-late", "test", "s1", base.Add(2*time.Minute))
	early := enrollment.New("org-2", "wf-2", "c-early", "test", "s1", base.Add(time.Minute))
	future := enrollment.New("org-1", "wf-1", "c-future", "test", "s1", base.Add(time.Hour))
	for _, e := range []*enrollment.Enrollment{late, early, future} {
		require.NoError(t, store.CreateEnrollment(ctx, e))
	}

	now := base.Add(5 * time.Minute)
	due, err := store.ListDue(ctx, now, 10, 0)
	require.NoError(t, err)
	require.Len(t, due, 2)
	assert.Equal(t, early.ID, due[0].ID)
	assert.Equal(t, late.ID, due[1].ID)

	claimed, err := store.ClaimEnrollment(ctx, due[0], "worker-a", now, now.Add(5*time.Minute))
	require.NoError(t, err)
	assert.True(t, claimed)

	stale, err := store.GetEnrollment(ctx, "org-2", early.ID)
	require.NoError(t, err)
	stale.Version = 0
	claimed, err = store.ClaimEnrollment(ctx, stale, "worker-b", now, now.Add(5*time.Minute))
	require.NoError(t, err)
	assert.False(t, claimed)

	due, err = store.ListDue(ctx, now, 10, 0)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, late.ID, due[0].ID)

	// 租约过期后重新到期
	due, err = store.ListDue(ctx, now.Add(6*time.Minute), 10, 0)
	require.NoError(t, err)
	assert.Len(t, due, 2)
}

func TestEnrollment_DueRotatesAcrossOrgs(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		e := enrollment.New("org-big", "wf-1", fmt.Sprintf("c-%d", i), "test", "s1", base.Add(time.Duration(i)*time.Second))
		require.NoError(t, store.CreateEnrollment(ctx, e))
	}
	small := enrollment.New("org-small", "wf-2", "c-small", "test", "s1", base.Add(time.Minute))
	require.NoError(t, store.CreateEnrollment(ctx, small))

	now := base.Add(5 * time.Minute)
	due, err := store.ListDue(ctx, now, 2, 0)
	require.NoError(t, err)
	require.Len(t, due, 2)
	assert.Equal(t, "org-big", due[0].OrgID)
	assert.Equal(t, small.ID, due[1].ID, "最晚到期的小组织也应进入本批")

	due, err = store.ListDue(ctx, now, 100, 2)
	require.NoError(t, err)
	perOrg := map[string]int{}
	for _, e := range due {
		perOrg[e.OrgID]++
	}
	assert.Equal(t, map[string]int{"org-big": 2, "org-small": 1}, perOrg)
	assert.Equal(t, "c-0", due[0].ClientID)
}

func TestEnrollment_UpdateIsCompareAndSwap(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()
	e := enrollment.New("org-1", "wf-1", "c-1", "test", "s1", base)
	e.Facts = condition.FactSheet{"firstName": "Ava"}
	require.NoError(t, store.CreateEnrollment(ctx, e))

	a, err := store.GetEnrollment(ctx, "org-1", e.ID)
	require.NoError(t, err)
	b, err := store.GetEnrollment(ctx, "org-1", e.ID)
	require.NoError(t, err)
	assert.Equal(t, "Ava", a.Facts["firstName"])

	require.NoError(t, a.Pause(base.Add(time.Minute)))
	require.NoError(t, store.UpdateEnrollment(ctx, a))

	require.NoError(t, b.ScheduleStep("s2", base.Add(time.Hour), base.Add(time.Minute)))
	assert.ErrorIs(t, store.UpdateEnrollment(ctx, b), storage.ErrConflict)

	got, err := store.GetEnrollment(ctx, "org-1", e.ID)
	require.NoError(t, err)
	assert.Equal(t, enrollment.StatusPaused, got.Status)
	assert.Nil(t, got.NextExecutionAt)
	require.NotNil(t, got.PendingExecutionAt)
	assert.True(t, got.PendingExecutionAt.Equal(base))

	wrongOrg := *got
	wrongOrg.OrgID = "org-2"
	assert.ErrorIs(t, store.UpdateEnrollment(ctx, &wrongOrg), storage.ErrConflict)
}

func TestEnrollment_GuardedCreate(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()
	since := base.Add(-30 * 24 * time.Hour)

	first := enrollment.New("org-1", "wf-1", "c-1", "test", "s1", base.Add(-10*24*time.Hour))
	ok, err := store.CreateEnrollmentGuarded(ctx, first, since)
	require.NoError(t, err)
	assert.True(t, ok)

	second := enrollment.New("org-1", "wf-1", "c-1", "test", "s1", base)
	ok, err = store.CreateEnrollmentGuarded(ctx, second, since)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, first.Cancel(base))
	require.NoError(t, store.UpdateEnrollment(ctx, first))
	ok, err = store.CreateEnrollmentGuarded(ctx, second, since)
	require.NoError(t, err)
	assert.True(t, ok)

	latest, err := store.LatestEnrollment(ctx, "org-1", "wf-1", "c-1")
	require.NoError(t, err)
	assert.Equal(t, second.ID, latest.ID)

	list, err := store.ListEnrollments(ctx, storage.EnrollmentFilter{OrgID: "org-1", Status: enrollment.StatusActive})
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestEnrollment_GuardedCreateConcurrent(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()
	since := base.Add(-30 * 24 * time.Hour)

	const workers = 8
	var created int32
	var wg sync.WaitGroup
	errs := make(chan error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			e := enrollment.New("org-1", "wf-1", "c-1", "test", "s1", base)
			ok, err := store.CreateEnrollmentGuarded(ctx, e, since)
			if err != nil {
				errs <- err
				return
			}
			if ok {
				atomic.AddInt32(&created, 1)
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	assert.Equal(t, int32(1), atomic.LoadInt32(&created))
	list, err := store.ListEnrollments(ctx, storage.EnrollmentFilter{OrgID: "org-1", WorkflowID: "wf-1"})
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestExecutionLog_AppendAndFind(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()
	writer := execlog.NewWriter(store, nil)

	for _, status := range []execlog.Status{execlog.StatusRetrying, execlog.StatusExecuted} {
		require.NoError(t, writer.Record(ctx, &execlog.Entry{
			OrgID: "org-1", WorkflowID: "wf-1", EnrollmentID: "e-1", ClientID: "c-1",
			StepID: "s1", Action: "create_appointment", Status: status,
			Metadata: map[string]any{"appointmentId": "a-1"},
		}))
	}

	logs, err := store.ListExecutionLogs(ctx, storage.LogFilter{OrgID: "org-1", EnrollmentID: "e-1"})
	require.NoError(t, err)
	require.Len(t, logs, 2)
	assert.Equal(t, execlog.StatusRetrying, logs[0].Status)
	assert.Equal(t, "a-1", logs[1].Metadata["appointmentId"])

	found, err := store.FindExecutedStep(ctx, "org-1", "e-1", "s1")
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, execlog.StatusExecuted, found.Status)

	missing, err := store.FindExecutedStep(ctx, "org-1", "e-1", "s2")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestAppointmentTrigger_UniquePerEvent(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()
	rec := &trigger.AppointmentTrigger{
		ID: "t-1", OrgID: "org-1", AppointmentID: "a-1", ClientID: "c-1", EventID: "ev-1",
		EventKind: "appointment_completed", AppointmentType: "toxins",
		MatchedWorkflowIDs: []string{"wf-1"}, EnrollmentIDs: []string{"e-1"}, CreatedAt: base,
	}
	require.NoError(t, store.SaveAppointmentTrigger(ctx, rec))

	dup := *rec
	dup.ID = "t-2"
	assert.Error(t, store.SaveAppointmentTrigger(ctx, &dup))

	got, err := store.GetAppointmentTriggerByEvent(ctx, "org-1", "ev-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, []string{"wf-1"}, got.MatchedWorkflowIDs)

	list, err := store.ListAppointmentTriggers(ctx, "org-1", "a-1")
	require.NoError(t, err)
	assert.Len(t, list, 1)
}
