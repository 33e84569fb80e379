package integration

import (
	"context"
	"net"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/LENAX/crm-automation/internal/app"
	"github.com/LENAX/crm-automation/pkg/api/dto"
	"github.com/LENAX/crm-automation/pkg/cli/client"
	"github.com/LENAX/crm-automation/pkg/config"
	"github.com/LENAX/crm-automation/pkg/core/condition"
	"github.com/LENAX/crm-automation/pkg/core/enrollment"
	"github.com/LENAX/crm-automation/pkg/core/events"
	"github.com/LENAX/crm-automation/pkg/core/execlog"
	"github.com/LENAX/crm-automation/pkg/core/workflow"
)

const org = "clinic-42"

// startServer 按配置启动完整服务，返回指向它的客户端
func startServer(t *testing.T) *client.Client {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := l.Addr().(*net.TCPAddr).Port
	require.NoError(t, l.Close())

	cfg := &config.EngineConfig{}
	cfg.Automation.Storage.Database.DSN = filepath.Join(t.TempDir(), "nested", "automation.db")
	cfg.Automation.Server.Host = "127.0.0.1"
	cfg.Automation.Server.Port = port
	cfg.Automation.Server.Mode = "test"
	cfg.Automation.Dispatcher.TickInterval = time.Hour
	cfg.ApplyDefaults()

	a, err := app.New(cfg, "integration")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(10 * time.Second):
			t.Error("服务未在超时内退出")
		}
	})

	c := client.New("http://127.0.0.1:" + strconv.Itoa(port))
	require.Eventually(t, func() bool {
		_, err := c.Health()
		return err == nil
	}, 5*time.Second, 50*time.Millisecond)
	return c
}

// TestAutomationFlow_DefinitionFileToFirstStep 定义文件 -> 启用 -> 业务事件 -> 调度执行首步
func TestAutomationFlow_DefinitionFileToFirstStep(t *testing.T) {
	c := startServer(t)

	defs, err := workflow.LoadDefinitionFile(filepath.Join("..", "..", "examples", "workflows", "aftercare.yaml"))
	require.NoError(t, err)
	require.Len(t, defs, 2)

	ids := map[workflow.TriggerKind]string{}
	for _, def := range defs {
		saved, created, err := c.ApplyWorkflow(org, def)
		require.NoError(t, err)
		assert.True(t, created)
		assert.Equal(t, org, saved.OrgID)

		saved, err = c.SetWorkflowStatus(org, saved.ID, "enable")
		require.NoError(t, err)
		ids[saved.Trigger] = saved.ID
	}

	ev := events.NewBusinessEvent(events.KindNewClient, org, "client-7", condition.FactSheet{
		"firstName": "Mara",
		"phone":     "+15550107",
		"email":     "mara@example.com",
	})
	result, err := c.FireEventSync(org, ev)
	require.NoError(t, err)
	require.Len(t, result.Enrollments, 1)
	en := result.Enrollments[0]
	assert.Equal(t, ids[workflow.TriggerNewClient], en.WorkflowID)

	// 30天查重窗口内同一客户再次触发被拒绝
	again := events.NewBusinessEvent(events.KindNewClient, org, "client-7", nil)
	result, err = c.FireEventSync(org, again)
	require.NoError(t, err)
	assert.Empty(t, result.Enrollments)
	assert.NotEmpty(t, result.Skipped)

	// 首个周期发送短信，第二个周期进入两天等待
	for i := 0; i < 2; i++ {
		report, err := c.Tick()
		require.NoError(t, err)
		assert.Equal(t, 1, report.Executed)
	}

	logs, err := c.EnrollmentLogs(org, en.ID)
	require.NoError(t, err)
	require.Len(t, logs, 2)
	assert.Equal(t, string(workflow.ActionSendSMS), logs[0].Action)
	assert.Equal(t, execlog.StatusExecuted, logs[0].Status)
	assert.Equal(t, string(workflow.ActionDelay), logs[1].Action)

	got, err := c.GetEnrollment(org, en.ID)
	require.NoError(t, err)
	assert.Equal(t, enrollment.StatusActive, got.Status)
	require.NotNil(t, got.NextExecutionAt)
	assert.True(t, got.NextExecutionAt.After(time.Now().Add(24*time.Hour)))

	report, err := c.Tick()
	require.NoError(t, err)
	assert.Zero(t, report.Due)

	cancelled, err := c.OperateEnrollment(org, en.ID, "cancel")
	require.NoError(t, err)
	assert.Equal(t, enrollment.StatusCancelled, cancelled.Status)
}

// TestAutomationFlow_AppointmentRoutesByService 预约完成事件按服务项目匹配工作流
func TestAutomationFlow_AppointmentRoutesByService(t *testing.T) {
	c := startServer(t)

	defs, err := workflow.LoadDefinitionFile(filepath.Join("..", "..", "examples", "workflows", "aftercare.yaml"))
	require.NoError(t, err)
	for _, def := range defs {
		def.Status = workflow.StatusActive
		_, _, err := c.ApplyWorkflow(org, def)
		require.NoError(t, err)
	}

	ev := events.NewBusinessEvent(events.KindAppointmentCompleted, org, "client-8", condition.FactSheet{"phone": "+15550108"})
	ev.AppointmentID = "appt-100"
	ev.AppointmentType = "Filler"
	result, err := c.FireEventSync(org, ev)
	require.NoError(t, err)
	require.Len(t, result.Enrollments, 1)

	page, err := c.ListEnrollments(org, dto.EnrollmentQueryRequest{ClientID: "client-8"})
	require.NoError(t, err)
	require.Equal(t, 1, page.Total)
	assert.Equal(t, result.Enrollments[0].ID, page.Items[0].ID)
}
