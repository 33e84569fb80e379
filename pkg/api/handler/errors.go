package handler

import (
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/LENAX/crm-automation/pkg/api/dto"
	"github.com/LENAX/crm-automation/pkg/core/engine"
	"github.com/LENAX/crm-automation/pkg/core/enrollment"
	"github.com/LENAX/crm-automation/pkg/core/trigger"
	"github.com/LENAX/crm-automation/pkg/storage"
)

// statusOf 把引擎错误映射为HTTP状态码
func statusOf(err error) int {
	switch {
	case errors.Is(err, engine.ErrNotFound), errors.Is(err, trigger.ErrWorkflowNotFound):
		return http.StatusNotFound
	case errors.Is(err, engine.ErrInvalidArgument):
		return http.StatusBadRequest
	case errors.Is(err, enrollment.ErrInvalidTransition),
		errors.Is(err, storage.ErrConflict),
		errors.Is(err, trigger.ErrWorkflowInactive),
		errors.Is(err, trigger.ErrDuplicateEnrollment):
		return http.StatusConflict
	case errors.Is(err, trigger.ErrConditionsNotMet):
		return http.StatusUnprocessableEntity
	}
	return http.StatusInternalServerError
}

// respondError 输出错误响应
func respondError(c *gin.Context, action string, err error) {
	code := statusOf(err)
	if code == http.StatusInternalServerError {
		log.Printf("❌ [API] %s失败: Path=%s, Error=%v", action, c.Request.URL.Path, err)
	}
	c.JSON(code, dto.NewErrorResponse(code, fmt.Sprintf("%s失败: %v", action, err)))
}

// badRequest 输出参数错误
func badRequest(c *gin.Context, format string, args ...any) {
	c.JSON(http.StatusBadRequest, dto.NewErrorResponse(400, fmt.Sprintf(format, args...)))
}

// formatDuration 格式化时长
func formatDuration(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%.1fs", d.Seconds())
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm%ds", int(d.Minutes()), int(d.Seconds())%60)
	}
	return fmt.Sprintf("%dh%dm", int(d.Hours()), int(d.Minutes())%60)
}
