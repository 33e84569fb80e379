package api

import (
	"github.com/gin-gonic/gin"

	"github.com/LENAX/crm-automation/pkg/api/handler"
	"github.com/LENAX/crm-automation/pkg/api/middleware"
	"github.com/LENAX/crm-automation/pkg/core/engine"
)

// SetupRouter 设置路由
func SetupRouter(eng *engine.Engine, version string) *gin.Engine {
	router := gin.New()

	// 全局中间件
	router.Use(middleware.Recovery())
	router.Use(middleware.Logger())
	router.Use(middleware.CORS())

	// 创建handlers
	healthHandler := handler.NewHealthHandler(eng, version)
	workflowHandler := handler.NewWorkflowHandler(eng)
	enrollmentHandler := handler.NewEnrollmentHandler(eng)
	eventHandler := handler.NewEventHandler(eng)
	streamHandler := handler.NewStreamHandler(eng)
	dispatcherHandler := handler.NewDispatcherHandler(eng)

	// 健康检查路由（不带前缀）
	router.GET("/health", healthHandler.Health)
	router.GET("/ready", healthHandler.Ready)

	v1 := router.Group("/api/v1")
	{
		orgs := v1.Group("/orgs/:org")
		{
			workflows := orgs.Group("/workflows")
			{
				workflows.GET("", workflowHandler.List)
				workflows.POST("", workflowHandler.Create)
				workflows.GET("/:id", workflowHandler.Get)
				workflows.PUT("/:id", workflowHandler.Update)
				workflows.DELETE("/:id", workflowHandler.Delete)
				workflows.POST("/:id/enable", workflowHandler.Enable)
				workflows.POST("/:id/disable", workflowHandler.Disable)
				workflows.POST("/:id/archive", workflowHandler.Archive)
				workflows.POST("/:id/enroll", workflowHandler.Enroll)
				workflows.GET("/:id/enrollments", workflowHandler.Enrollments)
			}

			enrollments := orgs.Group("/enrollments")
			{
				enrollments.GET("", enrollmentHandler.List)
				enrollments.GET("/:id", enrollmentHandler.Get)
				enrollments.GET("/:id/logs", enrollmentHandler.Logs)
				enrollments.POST("/:id/pause", enrollmentHandler.Pause)
				enrollments.POST("/:id/resume", enrollmentHandler.Resume)
				enrollments.POST("/:id/cancel", enrollmentHandler.Cancel)
			}

			orgs.POST("/events", eventHandler.Submit)
			orgs.GET("/appointment-triggers", eventHandler.AppointmentTriggers)
			orgs.GET("/stream", streamHandler.Stream)
		}

		dispatcher := v1.Group("/dispatcher")
		{
			dispatcher.POST("/tick", dispatcherHandler.Tick)
			dispatcher.GET("/last", dispatcherHandler.Last)
		}
	}

	return router
}
