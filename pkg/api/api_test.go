package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/LENAX/crm-automation/pkg/api/dto"
	"github.com/LENAX/crm-automation/pkg/api/middleware"
	"github.com/LENAX/crm-automation/pkg/capability"
	"github.com/LENAX/crm-automation/pkg/core/clock"
	"github.com/LENAX/crm-automation/pkg/core/engine"
	"github.com/LENAX/crm-automation/pkg/core/enrollment"
	"github.com/LENAX/crm-automation/pkg/core/events"
	"github.com/LENAX/crm-automation/pkg/core/execlog"
	"github.com/LENAX/crm-automation/pkg/core/trigger"
	"github.com/LENAX/crm-automation/pkg/core/workflow"
	"github.com/LENAX/crm-automation/pkg/storage/sqlite"
	"github.com/LENAX/crm-automation/pkg/storage/sqlstore"
)

func init() {
	gin.SetMode(gin.TestMode)
}

const org = "org-1"

type testServer struct {
	eng       *engine.Engine
	router    *gin.Engine
	clock     *clock.Manual
	messenger *capability.MemoryMessenger
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	store, err := sqlstore.Open(sqlite.NewSQLiteDialect(), filepath.Join(t.TempDir(), "api.db"), sqlstore.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	clk := clock.NewManual(time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC))
	caps, messenger, _, _ := capability.NewMemorySet()
	eng, err := engine.NewEngine(store, caps, engine.Options{
		WorkerID:   "api-test",
		Clock:      clk,
		ManualTick: true,
		MaxWorkers: 2,
	})
	require.NoError(t, err)
	require.NoError(t, eng.Start(context.Background()))
	t.Cleanup(eng.Stop)

	return &testServer{eng: eng, router: SetupRouter(eng, "1.0.0-test"), clock: clk, messenger: messenger}
}

func (s *testServer) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, path, reader)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) dto.APIResponse[T] {
	t.Helper()
	var resp dto.APIResponse[T]
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp), w.Body.String())
	return resp
}

func smsWorkflow(name string, trigger workflow.TriggerKind, status workflow.Status) map[string]any {
	return map[string]any{
		"name":    name,
		"trigger": trigger,
		"status":  status,
		"actions": []map[string]any{
			{"id": "s1", "type": "send_sms", "order": 1, "config": map[string]any{"message": "Hi {{firstName}}"}},
		},
	}
}

func (s *testServer) createWorkflow(t *testing.T, body map[string]any) *workflow.Workflow {
	t.Helper()
	w := s.do(t, http.MethodPost, "/api/v1/orgs/"+org+"/workflows", body)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	return decode[*workflow.Workflow](t, w).Data
}

func TestHealthAndReady(t *testing.T) {
	s := newTestServer(t)

	w := s.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	health := decode[dto.HealthResponse](t, w)
	assert.Equal(t, "healthy", health.Data.Status)
	assert.Equal(t, "1.0.0-test", health.Data.Version)

	w = s.do(t, http.MethodGet, "/ready", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	ready := decode[dto.ReadyResponse](t, w)
	assert.True(t, ready.Data.Running)

	s.eng.Stop()
	w = s.do(t, http.MethodGet, "/ready", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestWorkflowLifecycle(t *testing.T) {
	s := newTestServer(t)
	base := "/api/v1/orgs/" + org + "/workflows"

	bad := smsWorkflow("", workflow.TriggerManual, workflow.StatusActive)
	w := s.do(t, http.MethodPost, base, bad)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	wf := s.createWorkflow(t, smsWorkflow("Manual outreach", workflow.TriggerManual, workflow.StatusInactive))
	assert.Equal(t, org, wf.OrgID)
	assert.Equal(t, workflow.StatusInactive, wf.Status)

	w = s.do(t, http.MethodGet, base+"/"+wf.ID, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	w = s.do(t, http.MethodGet, "/api/v1/orgs/org-2/workflows/"+wf.ID, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	list := decode[dto.ListResponse[*workflow.Workflow]](t, s.do(t, http.MethodGet, base, nil))
	assert.Equal(t, 1, list.Data.Total)

	enroll := map[string]any{"clientId": "c1", "facts": map[string]any{"phone": "+15550001", "firstName": "Ana"}}
	w = s.do(t, http.MethodPost, base+"/"+wf.ID+"/enroll", enroll)
	assert.Equal(t, http.StatusConflict, w.Code)

	w = s.do(t, http.MethodPost, base+"/"+wf.ID+"/enable", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, workflow.StatusActive, decode[*workflow.Workflow](t, w).Data.Status)

	w = s.do(t, http.MethodPost, base+"/"+wf.ID+"/enroll", map[string]any{"facts": map[string]any{}})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = s.do(t, http.MethodPost, base+"/"+wf.ID+"/enroll", enroll)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	en := decode[*enrollment.Enrollment](t, w).Data
	assert.Equal(t, enrollment.StatusActive, en.Status)

	enrollments := decode[dto.ListResponse[*enrollment.Enrollment]](t, s.do(t, http.MethodGet, base+"/"+wf.ID+"/enrollments", nil))
	assert.Equal(t, 1, enrollments.Data.Total)

	w = s.do(t, http.MethodPost, "/api/v1/dispatcher/tick", nil)
	require.Equal(t, http.StatusOK, w.Code)
	report := decode[engine.TickReport](t, w).Data
	assert.Equal(t, 1, report.Executed)

	status := decode[dto.DispatcherStatus](t, s.do(t, http.MethodGet, "/api/v1/dispatcher/last", nil)).Data
	assert.True(t, status.Running)
	assert.Nil(t, status.NextRun)
	assert.Equal(t, 1, status.Last.Executed)

	enrBase := "/api/v1/orgs/" + org + "/enrollments/" + en.ID
	got := decode[*enrollment.Enrollment](t, s.do(t, http.MethodGet, enrBase, nil)).Data
	assert.Equal(t, enrollment.StatusCompleted, got.Status)

	logs := decode[dto.ListResponse[*execlog.Entry]](t, s.do(t, http.MethodGet, enrBase+"/logs", nil))
	require.Equal(t, 1, logs.Data.Total)
	assert.Equal(t, execlog.StatusExecuted, logs.Data.Items[0].Status)
	assert.Equal(t, "Hi Ana", s.messenger.Sent()[0].Body)

	w = s.do(t, http.MethodPost, enrBase+"/pause", nil)
	assert.Equal(t, http.StatusConflict, w.Code)

	update := smsWorkflow("Manual outreach v2", workflow.TriggerManual, "")
	w = s.do(t, http.MethodPut, base+"/"+wf.ID, update)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	updated := decode[*workflow.Workflow](t, w).Data
	assert.Equal(t, "Manual outreach v2", updated.Name)
	assert.Equal(t, workflow.StatusActive, updated.Status)

	w = s.do(t, http.MethodDelete, base+"/"+wf.ID, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	w = s.do(t, http.MethodGet, base+"/"+wf.ID, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestEnrollmentOperatorActions(t *testing.T) {
	s := newTestServer(t)
	body := smsWorkflow("Delayed", workflow.TriggerManual, workflow.StatusActive)
	body["actions"] = []map[string]any{
		{"id": "wait", "type": "delay", "order": 1, "config": map[string]any{"duration": 1, "unit": "days"}},
		{"id": "s2", "type": "send_sms", "order": 2, "config": map[string]any{"message": "hello"}},
	}
	wf := s.createWorkflow(t, body)

	w := s.do(t, http.MethodPost, "/api/v1/orgs/"+org+"/workflows/"+wf.ID+"/enroll", map[string]any{"clientId": "c1"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	en := decode[*enrollment.Enrollment](t, w).Data
	base := "/api/v1/orgs/" + org + "/enrollments/" + en.ID

	for i := 0; i < 2; i++ {
		w = s.do(t, http.MethodPost, base+"/pause", nil)
		require.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, enrollment.StatusPaused, decode[*enrollment.Enrollment](t, w).Data.Status)
	}

	list := decode[dto.ListResponse[*enrollment.Enrollment]](t, s.do(t, http.MethodGet, "/api/v1/orgs/"+org+"/enrollments?status=paused", nil))
	assert.Equal(t, 1, list.Data.Total)
	w = s.do(t, http.MethodGet, "/api/v1/orgs/"+org+"/enrollments?status=sleeping", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = s.do(t, http.MethodPost, base+"/resume", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, enrollment.StatusActive, decode[*enrollment.Enrollment](t, w).Data.Status)

	w = s.do(t, http.MethodPost, base+"/cancel", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, enrollment.StatusCancelled, decode[*enrollment.Enrollment](t, w).Data.Status)

	w = s.do(t, http.MethodPost, base+"/resume", nil)
	assert.Equal(t, http.StatusConflict, w.Code)

	w = s.do(t, http.MethodPost, "/api/v1/orgs/org-2/enrollments/"+en.ID+"/cancel", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestEvents_SyncAsyncAndAppointmentTriggers(t *testing.T) {
	s := newTestServer(t)
	s.createWorkflow(t, smsWorkflow("Welcome", workflow.TriggerNewClient, workflow.StatusActive))
	s.createWorkflow(t, smsWorkflow("Botox check-in", workflow.TriggerToxins, workflow.StatusActive))
	path := "/api/v1/orgs/" + org + "/events"

	w := s.do(t, http.MethodPost, path+"?sync=true", map[string]any{"kind": "new_client"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	ev := map[string]any{"id": "evt-1", "kind": "new_client", "clientId": "c1", "facts": map[string]any{"phone": "+15550001"}}
	w = s.do(t, http.MethodPost, path+"?sync=true", ev)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	result := decode[trigger.RouteResult](t, w).Data
	assert.Equal(t, "evt-1", result.EventID)
	assert.Len(t, result.Enrollments, 1)

	w = s.do(t, http.MethodPost, path+"?sync=true", ev)
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, decode[trigger.RouteResult](t, w).Data.Duplicate)

	appt := map[string]any{
		"kind": "appointment_completed", "clientId": "c2", "appointmentId": "appt-9",
		"appointmentType": "toxins", "facts": map[string]any{"phone": "+15550002"},
	}
	w = s.do(t, http.MethodPost, path, appt)
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	accepted := decode[dto.EventAccepted](t, w).Data
	assert.NotEmpty(t, accepted.EventID)

	require.Eventually(t, func() bool {
		list, err := s.eng.ListAppointmentTriggers(context.Background(), org, "appt-9")
		return err == nil && len(list) == 1
	}, 3*time.Second, 20*time.Millisecond)

	triggers := decode[dto.ListResponse[*trigger.AppointmentTrigger]](t, s.do(t, http.MethodGet, "/api/v1/orgs/"+org+"/appointment-triggers?appointment_id=appt-9", nil))
	require.Equal(t, 1, triggers.Data.Total)
	assert.Equal(t, accepted.EventID, triggers.Data.Items[0].EventID)
	assert.Len(t, triggers.Data.Items[0].EnrollmentIDs, 1)
}

func TestStream_PushesOrgLifecycleEvents(t *testing.T) {
	s := newTestServer(t)
	srv := httptest.NewServer(s.router)
	defer srv.Close()

	wf := s.createWorkflow(t, smsWorkflow("Manual outreach", workflow.TriggerManual, workflow.StatusActive))

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/v1/orgs/" + org + "/stream?types=enrollment.created"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))

	var hello dto.StreamMessage
	require.NoError(t, conn.ReadJSON(&hello))
	assert.Equal(t, "hello", hello.Type)

	_, err = s.eng.EnrollClient(context.Background(), "org-2", wf.ID, engine.EnrollRequest{ClientID: "other"})
	require.Error(t, err)
	en, err := s.eng.EnrollClient(context.Background(), org, wf.ID, engine.EnrollRequest{ClientID: "c1"})
	require.NoError(t, err)

	var msg struct {
		Type string                `json:"type"`
		Data events.LifecycleEvent `json:"data"`
	}
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, "lifecycle", msg.Type)
	assert.Equal(t, events.LifecycleEnrollmentCreated, msg.Data.Type)
	assert.Equal(t, en.ID, msg.Data.EnrollmentID)
	assert.Equal(t, org, msg.Data.OrgID)
}

func TestRecoveryMiddleware(t *testing.T) {
	router := gin.New()
	router.Use(middleware.Recovery())
	router.GET("/panic", func(c *gin.Context) {
		panic("test panic")
	})

	req, _ := http.NewRequest(http.MethodGet, "/panic", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	var resp dto.APIResponse[any]
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, 500, resp.Code)
}
