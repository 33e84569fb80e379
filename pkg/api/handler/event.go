package handler

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/LENAX/crm-automation/pkg/api/dto"
	"github.com/LENAX/crm-automation/pkg/core/engine"
	"github.com/LENAX/crm-automation/pkg/core/events"
)

// EventHandler 业务事件 API处理器
type EventHandler struct {
	engine *engine.Engine
}

// NewEventHandler 创建EventHandler
func NewEventHandler(eng *engine.Engine) *EventHandler {
	return &EventHandler{engine: eng}
}

// Submit 提交业务事件
// sync=true 时同步路由并返回路由结果，否则投递到事件总线返回202
// POST /api/v1/orgs/:org/events
func (h *EventHandler) Submit(c *gin.Context) {
	var query dto.EventQueryRequest
	if err := c.ShouldBindQuery(&query); err != nil {
		badRequest(c, "查询参数错误: %v", err)
		return
	}
	var ev events.BusinessEvent
	if err := c.ShouldBindJSON(&ev); err != nil {
		badRequest(c, "请求体错误: %v", err)
		return
	}
	ev.OrgID = c.Param("org")
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = time.Now().UTC()
	}

	ctx := c.Request.Context()
	if query.Sync {
		result, err := h.engine.HandleEvent(ctx, &ev)
		if err != nil {
			respondError(c, "处理事件", err)
			return
		}
		c.JSON(http.StatusOK, dto.NewSuccessResponse(result))
		return
	}

	if err := h.engine.PublishEvent(ctx, &ev); err != nil {
		respondError(c, "投递事件", err)
		return
	}
	c.JSON(http.StatusAccepted, dto.NewSuccessResponse(dto.EventAccepted{EventID: ev.ID, Queued: true}))
}

// AppointmentTriggers 查询预约触发审计记录
// GET /api/v1/orgs/:org/appointment-triggers?appointment_id=
func (h *EventHandler) AppointmentTriggers(c *gin.Context) {
	items, err := h.engine.ListAppointmentTriggers(c.Request.Context(), c.Param("org"), c.Query("appointment_id"))
	if err != nil {
		respondError(c, "查询预约触发记录", err)
		return
	}
	c.JSON(http.StatusOK, dto.NewSuccessResponse(dto.NewListResponse(items)))
}

// DispatcherHandler 调度器运维 API处理器
type DispatcherHandler struct {
	engine *engine.Engine
}

// NewDispatcherHandler 创建DispatcherHandler
func NewDispatcherHandler(eng *engine.Engine) *DispatcherHandler {
	return &DispatcherHandler{engine: eng}
}

// Tick 立即执行一个调度周期
// POST /api/v1/dispatcher/tick
func (h *DispatcherHandler) Tick(c *gin.Context) {
	report, err := h.engine.Tick(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, dto.NewErrorResponse(503, err.Error()))
		return
	}
	c.JSON(http.StatusOK, dto.NewSuccessResponse(report))
}

// Last 定时调度最近一次周期结果
// GET /api/v1/dispatcher/last
func (h *DispatcherHandler) Last(c *gin.Context) {
	status := dto.DispatcherStatus{Running: h.engine.Running(), Last: h.engine.LastTick()}
	if next := h.engine.NextTick(); !next.IsZero() {
		status.NextRun = &next
	}
	c.JSON(http.StatusOK, dto.NewSuccessResponse(status))
}
