package dto

import (
	"time"

	"github.com/LENAX/crm-automation/pkg/core/engine"
)

// APIResponse 通用API响应结构
type APIResponse[T any] struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    T      `json:"data,omitempty"`
}

// NewSuccessResponse 创建成功响应
func NewSuccessResponse[T any](data T) APIResponse[T] {
	return APIResponse[T]{
		Code:    0,
		Message: "success",
		Data:    data,
	}
}

// NewErrorResponse 创建错误响应
func NewErrorResponse(code int, message string) APIResponse[any] {
	return APIResponse[any]{
		Code:    code,
		Message: message,
	}
}

// HealthResponse 健康检查响应
type HealthResponse struct {
	Status    string `json:"status"`
	Version   string `json:"version"`
	Uptime    string `json:"uptime"`
	Timestamp string `json:"timestamp"`
}

// ReadyResponse 就绪检查响应
type ReadyResponse struct {
	Status   string `json:"status"`
	Running  bool   `json:"running"`
	LastTick string `json:"last_tick,omitempty"`
	Error    string `json:"error,omitempty"`
}

// ListResponse 列表响应
type ListResponse[T any] struct {
	Total   int  `json:"total"`
	Items   []T  `json:"items"`
	HasMore bool `json:"has_more"`
}

// EventAccepted 异步事件受理响应
type EventAccepted struct {
	EventID string `json:"eventId"`
	Queued  bool   `json:"queued"`
}

// NewListResponse 创建不分页列表响应
func NewListResponse[T any](items []T) ListResponse[T] {
	if items == nil {
		items = []T{}
	}
	return ListResponse[T]{Total: len(items), Items: items}
}

// StreamMessage WebSocket 推送消息
type StreamMessage struct {
	Type    string `json:"type"` // hello/lifecycle/error
	Code    int    `json:"code"`
	Message string `json:"message,omitempty"`
	Data    any    `json:"data,omitempty"`
}

// DispatcherStatus 调度器状态
type DispatcherStatus struct {
	Running bool              `json:"running"`
	NextRun *time.Time        `json:"nextRun,omitempty"`
	Last    engine.TickReport `json:"last"`
}
