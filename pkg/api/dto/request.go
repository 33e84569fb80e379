package dto

// EnrollmentQueryRequest 报名列表查询请求
type EnrollmentQueryRequest struct {
	Status     string `form:"status" binding:"omitempty,oneof=active paused completed failed cancelled"`
	WorkflowID string `form:"workflow_id" binding:"omitempty"`
	ClientID   string `form:"client_id" binding:"omitempty"`
	Limit      int    `form:"limit" binding:"omitempty,min=1,max=500"`
	Offset     int    `form:"offset" binding:"omitempty,min=0"`
}

// LogQueryRequest 执行记录查询请求
type LogQueryRequest struct {
	Status string `form:"status" binding:"omitempty,oneof=executed skipped retrying failed"`
	Limit  int    `form:"limit" binding:"omitempty,min=1,max=1000"`
}

// WorkflowQueryRequest 工作流列表查询请求
type WorkflowQueryRequest struct {
	Status    string `form:"status" binding:"omitempty,oneof=draft active inactive archived"`
	Directory string `form:"directory" binding:"omitempty"`
}

// EventQueryRequest 事件提交参数
type EventQueryRequest struct {
	Sync bool `form:"sync"`
}

// GetDefaultLimit 获取默认limit
func (r *EnrollmentQueryRequest) GetDefaultLimit() int {
	if r.Limit <= 0 {
		return 50
	}
	return r.Limit
}

// GetDefaultLimit 获取默认limit
func (r *LogQueryRequest) GetDefaultLimit() int {
	if r.Limit <= 0 {
		return 200
	}
	return r.Limit
}
