package handler

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/LENAX/crm-automation/pkg/api/dto"
	"github.com/LENAX/crm-automation/pkg/core/engine"
	"github.com/LENAX/crm-automation/pkg/core/enrollment"
	"github.com/LENAX/crm-automation/pkg/core/execlog"
	"github.com/LENAX/crm-automation/pkg/storage"
)

// EnrollmentHandler 报名 API处理器
type EnrollmentHandler struct {
	engine *engine.Engine
}

// NewEnrollmentHandler 创建EnrollmentHandler
func NewEnrollmentHandler(eng *engine.Engine) *EnrollmentHandler {
	return &EnrollmentHandler{engine: eng}
}

// List 列出报名，支持按状态、工作流、客户过滤
// GET /api/v1/orgs/:org/enrollments
func (h *EnrollmentHandler) List(c *gin.Context) {
	var query dto.EnrollmentQueryRequest
	if err := c.ShouldBindQuery(&query); err != nil {
		badRequest(c, "查询参数错误: %v", err)
		return
	}
	listEnrollments(c, h.engine, c.Param("org"), query)
}

// Get 获取报名详情
// GET /api/v1/orgs/:org/enrollments/:id
func (h *EnrollmentHandler) Get(c *gin.Context) {
	en, err := h.engine.GetEnrollment(c.Request.Context(), c.Param("org"), c.Param("id"))
	if err != nil {
		respondError(c, "查询报名", err)
		return
	}
	c.JSON(http.StatusOK, dto.NewSuccessResponse(en))
}

// Logs 获取报名的执行记录，按执行时间升序
// GET /api/v1/orgs/:org/enrollments/:id/logs
func (h *EnrollmentHandler) Logs(c *gin.Context) {
	var query dto.LogQueryRequest
	if err := c.ShouldBindQuery(&query); err != nil {
		badRequest(c, "查询参数错误: %v", err)
		return
	}
	ctx := c.Request.Context()
	orgID, id := c.Param("org"), c.Param("id")
	if _, err := h.engine.GetEnrollment(ctx, orgID, id); err != nil {
		respondError(c, "查询执行记录", err)
		return
	}

	entries, err := h.engine.ListExecutionLogs(ctx, storage.LogFilter{
		OrgID:        orgID,
		EnrollmentID: id,
		Status:       execlog.Status(query.Status),
		Limit:        query.GetDefaultLimit(),
	})
	if err != nil {
		respondError(c, "查询执行记录", err)
		return
	}
	c.JSON(http.StatusOK, dto.NewSuccessResponse(dto.NewListResponse(entries)))
}

// Pause 暂停报名
// POST /api/v1/orgs/:org/enrollments/:id/pause
func (h *EnrollmentHandler) Pause(c *gin.Context) {
	h.operate(c, "暂停报名", h.engine.PauseEnrollment)
}

// Resume 恢复报名
// POST /api/v1/orgs/:org/enrollments/:id/resume
func (h *EnrollmentHandler) Resume(c *gin.Context) {
	h.operate(c, "恢复报名", h.engine.ResumeEnrollment)
}

// Cancel 取消报名
// POST /api/v1/orgs/:org/enrollments/:id/cancel
func (h *EnrollmentHandler) Cancel(c *gin.Context) {
	h.operate(c, "取消报名", h.engine.CancelEnrollment)
}

type operation func(ctx context.Context, orgID, id string) (*enrollment.Enrollment, error)

func (h *EnrollmentHandler) operate(c *gin.Context, action string, op operation) {
	en, err := op(c.Request.Context(), c.Param("org"), c.Param("id"))
	if err != nil {
		respondError(c, action, err)
		return
	}
	c.JSON(http.StatusOK, dto.NewSuccessResponse(en))
}
