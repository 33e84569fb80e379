package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/LENAX/crm-automation/pkg/api/dto"
	"github.com/LENAX/crm-automation/pkg/core/engine"
	"github.com/LENAX/crm-automation/pkg/core/enrollment"
	"github.com/LENAX/crm-automation/pkg/core/workflow"
	"github.com/LENAX/crm-automation/pkg/storage"
)

// WorkflowHandler Workflow API处理器
type WorkflowHandler struct {
	engine *engine.Engine
}

// NewWorkflowHandler 创建WorkflowHandler
func NewWorkflowHandler(eng *engine.Engine) *WorkflowHandler {
	return &WorkflowHandler{engine: eng}
}

// List 列出组织的工作流
// GET /api/v1/orgs/:org/workflows
func (h *WorkflowHandler) List(c *gin.Context) {
	var query dto.WorkflowQueryRequest
	if err := c.ShouldBindQuery(&query); err != nil {
		badRequest(c, "查询参数错误: %v", err)
		return
	}

	items, err := h.engine.ListWorkflows(c.Request.Context(), storage.WorkflowFilter{
		OrgID:     c.Param("org"),
		Status:    workflow.Status(query.Status),
		Directory: query.Directory,
	})
	if err != nil {
		respondError(c, "查询工作流", err)
		return
	}
	c.JSON(http.StatusOK, dto.NewSuccessResponse(dto.NewListResponse(items)))
}

// Create 创建工作流
// POST /api/v1/orgs/:org/workflows
func (h *WorkflowHandler) Create(c *gin.Context) {
	var wf workflow.Workflow
	if err := c.ShouldBindJSON(&wf); err != nil {
		badRequest(c, "请求体错误: %v", err)
		return
	}
	wf.OrgID = c.Param("org")
	if wf.ID != "" {
		if _, err := h.engine.GetWorkflow(c.Request.Context(), wf.OrgID, wf.ID); err == nil {
			c.JSON(http.StatusConflict, dto.NewErrorResponse(409, "工作流已存在: "+wf.ID))
			return
		}
	}

	saved, err := h.engine.SaveWorkflow(c.Request.Context(), &wf)
	if err != nil {
		respondError(c, "创建工作流", err)
		return
	}
	c.JSON(http.StatusCreated, dto.NewSuccessResponse(saved))
}

// Get 获取工作流详情
// GET /api/v1/orgs/:org/workflows/:id
func (h *WorkflowHandler) Get(c *gin.Context) {
	wf, err := h.engine.GetWorkflow(c.Request.Context(), c.Param("org"), c.Param("id"))
	if err != nil {
		respondError(c, "查询工作流", err)
		return
	}
	c.JSON(http.StatusOK, dto.NewSuccessResponse(wf))
}

// Update 整体替换工作流定义，未给出状态时保留原状态
// PUT /api/v1/orgs/:org/workflows/:id
func (h *WorkflowHandler) Update(c *gin.Context) {
	ctx := c.Request.Context()
	existing, err := h.engine.GetWorkflow(ctx, c.Param("org"), c.Param("id"))
	if err != nil {
		respondError(c, "更新工作流", err)
		return
	}

	var wf workflow.Workflow
	if err := c.ShouldBindJSON(&wf); err != nil {
		badRequest(c, "请求体错误: %v", err)
		return
	}
	wf.ID = existing.ID
	wf.OrgID = existing.OrgID
	wf.CreatedAt = existing.CreatedAt
	if wf.Status == "" {
		wf.Status = existing.Status
	}

	saved, err := h.engine.SaveWorkflow(ctx, &wf)
	if err != nil {
		respondError(c, "更新工作流", err)
		return
	}
	c.JSON(http.StatusOK, dto.NewSuccessResponse(saved))
}

// Delete 删除工作流
// DELETE /api/v1/orgs/:org/workflows/:id
func (h *WorkflowHandler) Delete(c *gin.Context) {
	id := c.Param("id")
	if err := h.engine.DeleteWorkflow(c.Request.Context(), c.Param("org"), id); err != nil {
		respondError(c, "删除工作流", err)
		return
	}
	c.JSON(http.StatusOK, dto.NewSuccessResponse(map[string]string{
		"message": "工作流已删除",
		"id":      id,
	}))
}

// Enable 启用工作流
// POST /api/v1/orgs/:org/workflows/:id/enable
func (h *WorkflowHandler) Enable(c *gin.Context) {
	h.setStatus(c, workflow.StatusActive)
}

// Disable 停用工作流
// POST /api/v1/orgs/:org/workflows/:id/disable
func (h *WorkflowHandler) Disable(c *gin.Context) {
	h.setStatus(c, workflow.StatusInactive)
}

// Archive 归档工作流
// POST /api/v1/orgs/:org/workflows/:id/archive
func (h *WorkflowHandler) Archive(c *gin.Context) {
	h.setStatus(c, workflow.StatusArchived)
}

func (h *WorkflowHandler) setStatus(c *gin.Context, status workflow.Status) {
	wf, err := h.engine.SetWorkflowStatus(c.Request.Context(), c.Param("org"), c.Param("id"), status)
	if err != nil {
		respondError(c, "变更工作流状态", err)
		return
	}
	c.JSON(http.StatusOK, dto.NewSuccessResponse(wf))
}

// Enroll 手动报名客户
// POST /api/v1/orgs/:org/workflows/:id/enroll
func (h *WorkflowHandler) Enroll(c *gin.Context) {
	var req engine.EnrollRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "请求体错误: %v", err)
		return
	}
	en, err := h.engine.EnrollClient(c.Request.Context(), c.Param("org"), c.Param("id"), req)
	if err != nil {
		respondError(c, "报名", err)
		return
	}
	c.JSON(http.StatusCreated, dto.NewSuccessResponse(en))
}

// Enrollments 列出工作流下的报名
// GET /api/v1/orgs/:org/workflows/:id/enrollments
func (h *WorkflowHandler) Enrollments(c *gin.Context) {
	var query dto.EnrollmentQueryRequest
	if err := c.ShouldBindQuery(&query); err != nil {
		badRequest(c, "查询参数错误: %v", err)
		return
	}
	ctx := c.Request.Context()
	orgID, id := c.Param("org"), c.Param("id")
	if _, err := h.engine.GetWorkflow(ctx, orgID, id); err != nil {
		respondError(c, "查询报名", err)
		return
	}
	query.WorkflowID = id
	listEnrollments(c, h.engine, orgID, query)
}

// listEnrollments 按查询条件输出报名分页
func listEnrollments(c *gin.Context, eng *engine.Engine, orgID string, query dto.EnrollmentQueryRequest) {
	limit := query.GetDefaultLimit()
	items, err := eng.ListEnrollments(c.Request.Context(), storage.EnrollmentFilter{
		OrgID:      orgID,
		WorkflowID: query.WorkflowID,
		ClientID:   query.ClientID,
		Status:     enrollment.Status(query.Status),
		Limit:      limit + 1,
		Offset:     query.Offset,
	})
	if err != nil {
		respondError(c, "查询报名", err)
		return
	}
	hasMore := len(items) > limit
	if hasMore {
		items = items[:limit]
	}
	resp := dto.NewListResponse(items)
	resp.HasMore = hasMore
	c.JSON(http.StatusOK, dto.NewSuccessResponse(resp))
}
