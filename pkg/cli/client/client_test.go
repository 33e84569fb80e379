package client_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/LENAX/crm-automation/pkg/api"
	"github.com/LENAX/crm-automation/pkg/api/dto"
	"github.com/LENAX/crm-automation/pkg/capability"
	"github.com/LENAX/crm-automation/pkg/cli/client"
	"github.com/LENAX/crm-automation/pkg/core/clock"
	"github.com/LENAX/crm-automation/pkg/core/condition"
	"github.com/LENAX/crm-automation/pkg/core/engine"
	"github.com/LENAX/crm-automation/pkg/core/enrollment"
	"github.com/LENAX/crm-automation/pkg/core/events"
	"github.com/LENAX/crm-automation/pkg/core/execlog"
	"github.com/LENAX/crm-automation/pkg/core/workflow"
	"github.com/LENAX/crm-automation/pkg/storage/sqlite"
	"github.com/LENAX/crm-automation/pkg/storage/sqlstore"
)

const org = "org-cli"

func newTestClient(t *testing.T) (*client.Client, *capability.MemoryMessenger) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	store, err := sqlstore.Open(sqlite.NewSQLiteDialect(), filepath.Join(t.TempDir(), "cli.db"), sqlstore.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	caps, messenger, _, _ := capability.NewMemorySet()
	eng, err := engine.NewEngine(store, caps, engine.Options{
		WorkerID:   "cli-test",
		Clock:      clock.NewManual(time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)),
		ManualTick: true,
		MaxWorkers: 2,
	})
	require.NoError(t, err)
	require.NoError(t, eng.Start(context.Background()))
	t.Cleanup(eng.Stop)

	srv := httptest.NewServer(api.SetupRouter(eng, "cli-test"))
	t.Cleanup(srv.Close)
	return client.New(srv.URL + "/"), messenger
}

func greeting(id string, trigger workflow.TriggerKind) *workflow.Workflow {
	return &workflow.Workflow{
		ID:      id,
		Name:    "Greeting",
		Trigger: trigger,
		Actions: []workflow.Action{
			{ID: "sms", Type: workflow.ActionSendSMS, Order: 1, Config: workflow.SendSMSConfig{Message: "Hi {{firstName}}"}},
		},
	}
}

func TestClient_WorkflowApplyAndEnroll(t *testing.T) {
	c, messenger := newTestClient(t)

	h, err := c.Health()
	require.NoError(t, err)
	assert.Equal(t, "cli-test", h.Version)

	_, err = c.GetWorkflow(org, "wf-greeting")
	assert.True(t, client.IsNotFound(err))

	wf, created, err := c.ApplyWorkflow(org, greeting("wf-greeting", workflow.TriggerManual))
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, workflow.StatusDraft, wf.Status)

	update := greeting("wf-greeting", workflow.TriggerManual)
	update.Name = "Greeting v2"
	wf, created, err = c.ApplyWorkflow(org, update)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, "Greeting v2", wf.Name)

	_, err = c.Enroll(org, wf.ID, engine.EnrollRequest{ClientID: "c1"})
	var apiErr *client.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusConflict, apiErr.StatusCode)

	wf, err = c.SetWorkflowStatus(org, wf.ID, "enable")
	require.NoError(t, err)
	assert.Equal(t, workflow.StatusActive, wf.Status)

	list, err := c.ListWorkflows(org, "active")
	require.NoError(t, err)
	assert.Len(t, list, 1)

	en, err := c.Enroll(org, wf.ID, engine.EnrollRequest{
		ClientID: "c1",
		Facts:    condition.FactSheet{"firstName": "Lia", "phone": "+15550100"},
	})
	require.NoError(t, err)
	assert.Equal(t, enrollment.StatusActive, en.Status)

	report, err := c.Tick()
	require.NoError(t, err)
	assert.Equal(t, 1, report.Executed)

	got, err := c.GetEnrollment(org, en.ID)
	require.NoError(t, err)
	assert.Equal(t, enrollment.StatusCompleted, got.Status)

	logs, err := c.EnrollmentLogs(org, en.ID)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, execlog.StatusExecuted, logs[0].Status)
	assert.Equal(t, "Hi Lia", messenger.Sent()[0].Body)

	require.NoError(t, c.DeleteWorkflow(org, wf.ID))
	assert.True(t, client.IsNotFound(c.DeleteWorkflow(org, wf.ID)))
}

func TestClient_EnrollmentOperations(t *testing.T) {
	c, _ := newTestClient(t)

	wf := greeting("", workflow.TriggerManual)
	wf.Status = workflow.StatusActive
	wf.Actions = append([]workflow.Action{
		{ID: "wait", Type: workflow.ActionDelay, Order: 0, Config: workflow.DelayConfig{Duration: 2, Unit: "days"}},
	}, wf.Actions...)
	saved, _, err := c.ApplyWorkflow(org, wf)
	require.NoError(t, err)

	en, err := c.Enroll(org, saved.ID, engine.EnrollRequest{ClientID: "c2"})
	require.NoError(t, err)

	paused, err := c.OperateEnrollment(org, en.ID, "pause")
	require.NoError(t, err)
	assert.Equal(t, enrollment.StatusPaused, paused.Status)

	page, err := c.ListEnrollments(org, dto.EnrollmentQueryRequest{Status: "paused", WorkflowID: saved.ID})
	require.NoError(t, err)
	assert.Equal(t, 1, page.Total)
	assert.False(t, page.HasMore)

	page, err = c.ListEnrollments(org, dto.EnrollmentQueryRequest{ClientID: "nobody"})
	require.NoError(t, err)
	assert.Empty(t, page.Items)

	cancelled, err := c.OperateEnrollment(org, en.ID, "cancel")
	require.NoError(t, err)
	assert.Equal(t, enrollment.StatusCancelled, cancelled.Status)

	_, err = c.OperateEnrollment(org, en.ID, "resume")
	var apiErr *client.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusConflict, apiErr.StatusCode)
}

func TestClient_FireEvents(t *testing.T) {
	c, _ := newTestClient(t)

	wf := greeting("", workflow.TriggerNewClient)
	wf.Status = workflow.StatusActive
	_, _, err := c.ApplyWorkflow(org, wf)
	require.NoError(t, err)

	ev := events.NewBusinessEvent(events.KindNewClient, org, "c3", condition.FactSheet{"phone": "+15550103"})
	result, err := c.FireEventSync(org, ev)
	require.NoError(t, err)
	assert.Equal(t, ev.ID, result.EventID)
	assert.Len(t, result.Enrollments, 1)

	again, err := c.FireEventSync(org, ev)
	require.NoError(t, err)
	assert.True(t, again.Duplicate)

	accepted, err := c.FireEvent(org, events.NewBusinessEvent(events.KindNewClient, org, "c4", nil))
	require.NoError(t, err)
	assert.NotEmpty(t, accepted.EventID)

	_, err = c.FireEventSync(org, &events.BusinessEvent{Kind: events.KindNewClient})
	var apiErr *client.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusBadRequest, apiErr.StatusCode)
}

func TestClient_NonJSONError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad gateway", http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := client.New(srv.URL).Health()
	var apiErr *client.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusBadGateway, apiErr.StatusCode)
	assert.Equal(t, "bad gateway", apiErr.Message)
}
