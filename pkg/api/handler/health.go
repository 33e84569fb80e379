package handler

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/LENAX/crm-automation/pkg/api/dto"
	"github.com/LENAX/crm-automation/pkg/core/engine"
)

// HealthHandler 健康检查处理器
type HealthHandler struct {
	engine    *engine.Engine
	version   string
	startTime time.Time
}

// NewHealthHandler 创建HealthHandler
func NewHealthHandler(eng *engine.Engine, version string) *HealthHandler {
	return &HealthHandler{
		engine:    eng,
		version:   version,
		startTime: time.Now(),
	}
}

// Health 健康检查
// GET /health
func (h *HealthHandler) Health(c *gin.Context) {
	uptime := time.Since(h.startTime)

	c.JSON(http.StatusOK, dto.NewSuccessResponse(dto.HealthResponse{
		Status:    "healthy",
		Version:   h.version,
		Uptime:    formatDuration(uptime),
		Timestamp: time.Now().Format(time.RFC3339),
	}))
}

// Ready 就绪检查，存储不可用或引擎未启动时返回503
// GET /ready
func (h *HealthHandler) Ready(c *gin.Context) {
	resp := dto.ReadyResponse{Status: "ready", Running: h.engine.Running()}
	if last := h.engine.LastTick(); !last.StartedAt.IsZero() {
		resp.LastTick = last.StartedAt.Format(time.RFC3339)
	}
	if err := h.engine.Ready(c.Request.Context()); err != nil {
		resp.Status = "not_ready"
		resp.Error = err.Error()
		c.JSON(http.StatusServiceUnavailable, dto.APIResponse[dto.ReadyResponse]{
			Code:    503,
			Message: "not ready",
			Data:    resp,
		})
		return
	}
	c.JSON(http.StatusOK, dto.NewSuccessResponse(resp))
}
