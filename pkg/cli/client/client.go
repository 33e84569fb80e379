// Package client 自动化引擎 HTTP API 客户端
package client

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/LENAX/crm-automation/pkg/api/dto"
	"github.com/LENAX/crm-automation/pkg/core/engine"
	"github.com/LENAX/crm-automation/pkg/core/enrollment"
	"github.com/LENAX/crm-automation/pkg/core/events"
	"github.com/LENAX/crm-automation/pkg/core/execlog"
	"github.com/LENAX/crm-automation/pkg/core/trigger"
	"github.com/LENAX/crm-automation/pkg/core/workflow"
)

// APIError 服务端返回的错误
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Message)
}

// IsNotFound 是否为404
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}

// Client HTTP API客户端
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// New 创建客户端
func New(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

func orgPath(orgID string, parts ...string) string {
	p := "/api/v1/orgs/" + url.PathEscape(orgID)
	for _, part := range parts {
		p += "/" + url.PathEscape(part)
	}
	return p
}

// ========== Workflow API ==========

// ListWorkflows 列出组织的工作流
func (c *Client) ListWorkflows(orgID, status string) ([]*workflow.Workflow, error) {
	path := orgPath(orgID, "workflows")
	if status != "" {
		path += "?status=" + url.QueryEscape(status)
	}
	list, err := call[dto.ListResponse[*workflow.Workflow]](c, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	return list.Items, nil
}

// GetWorkflow 获取工作流详情
func (c *Client) GetWorkflow(orgID, id string) (*workflow.Workflow, error) {
	return call[*workflow.Workflow](c, http.MethodGet, orgPath(orgID, "workflows", id), nil)
}

// ApplyWorkflow 创建或整体替换工作流，返回是否为新建
func (c *Client) ApplyWorkflow(orgID string, wf *workflow.Workflow) (*workflow.Workflow, bool, error) {
	if wf.ID != "" {
		_, err := c.GetWorkflow(orgID, wf.ID)
		switch {
		case err == nil:
			saved, err := call[*workflow.Workflow](c, http.MethodPut, orgPath(orgID, "workflows", wf.ID), wf)
			return saved, false, err
		case !IsNotFound(err):
			return nil, false, err
		}
	}
	saved, err := call[*workflow.Workflow](c, http.MethodPost, orgPath(orgID, "workflows"), wf)
	return saved, true, err
}

// SetWorkflowStatus 执行 enable/disable/archive
func (c *Client) SetWorkflowStatus(orgID, id, action string) (*workflow.Workflow, error) {
	return call[*workflow.Workflow](c, http.MethodPost, orgPath(orgID, "workflows", id, action), nil)
}

// DeleteWorkflow 删除工作流
func (c *Client) DeleteWorkflow(orgID, id string) error {
	_, err := call[any](c, http.MethodDelete, orgPath(orgID, "workflows", id), nil)
	return err
}

// Enroll 手动报名
func (c *Client) Enroll(orgID, workflowID string, req engine.EnrollRequest) (*enrollment.Enrollment, error) {
	return call[*enrollment.Enrollment](c, http.MethodPost, orgPath(orgID, "workflows", workflowID, "enroll"), req)
}

// ========== Enrollment API ==========

// ListEnrollments 列出报名
func (c *Client) ListEnrollments(orgID string, query dto.EnrollmentQueryRequest) (*dto.ListResponse[*enrollment.Enrollment], error) {
	params := url.Values{}
	if query.Status != "" {
		params.Set("status", query.Status)
	}
	if query.WorkflowID != "" {
		params.Set("workflow_id", query.WorkflowID)
	}
	if query.ClientID != "" {
		params.Set("client_id", query.ClientID)
	}
	if query.Limit > 0 {
		params.Set("limit", strconv.Itoa(query.Limit))
	}
	if query.Offset > 0 {
		params.Set("offset", strconv.Itoa(query.Offset))
	}
	path := orgPath(orgID, "enrollments")
	if len(params) > 0 {
		path += "?" + params.Encode()
	}
	list, err := call[dto.ListResponse[*enrollment.Enrollment]](c, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	return &list, nil
}

// GetEnrollment 获取报名详情
func (c *Client) GetEnrollment(orgID, id string) (*enrollment.Enrollment, error) {
	return call[*enrollment.Enrollment](c, http.MethodGet, orgPath(orgID, "enrollments", id), nil)
}

// EnrollmentLogs 获取报名执行记录
func (c *Client) EnrollmentLogs(orgID, id string) ([]*execlog.Entry, error) {
	list, err := call[dto.ListResponse[*execlog.Entry]](c, http.MethodGet, orgPath(orgID, "enrollments", id, "logs"), nil)
	if err != nil {
		return nil, err
	}
	return list.Items, nil
}

// OperateEnrollment 执行 pause/resume/cancel
func (c *Client) OperateEnrollment(orgID, id, action string) (*enrollment.Enrollment, error) {
	return call[*enrollment.Enrollment](c, http.MethodPost, orgPath(orgID, "enrollments", id, action), nil)
}

// ========== Event API ==========

// FireEventSync 同步路由业务事件
func (c *Client) FireEventSync(orgID string, ev *events.BusinessEvent) (*trigger.RouteResult, error) {
	result, err := call[trigger.RouteResult](c, http.MethodPost, orgPath(orgID, "events")+"?sync=true", ev)
	if err != nil {
		return nil, err
	}
	return &result, nil
}

// FireEvent 异步投递业务事件
func (c *Client) FireEvent(orgID string, ev *events.BusinessEvent) (*dto.EventAccepted, error) {
	accepted, err := call[dto.EventAccepted](c, http.MethodPost, orgPath(orgID, "events"), ev)
	if err != nil {
		return nil, err
	}
	return &accepted, nil
}

// ========== Ops API ==========

// Tick 触发一次调度周期
func (c *Client) Tick() (*engine.TickReport, error) {
	report, err := call[engine.TickReport](c, http.MethodPost, "/api/v1/dispatcher/tick", nil)
	if err != nil {
		return nil, err
	}
	return &report, nil
}

// DispatcherStatus 调度器状态与最近一次周期结果
func (c *Client) DispatcherStatus() (*dto.DispatcherStatus, error) {
	status, err := call[dto.DispatcherStatus](c, http.MethodGet, "/api/v1/dispatcher/last", nil)
	if err != nil {
		return nil, err
	}
	return &status, nil
}

// Health 健康检查
func (c *Client) Health() (*dto.HealthResponse, error) {
	health, err := call[dto.HealthResponse](c, http.MethodGet, "/health", nil)
	if err != nil {
		return nil, err
	}
	return &health, nil
}

// ========== HTTP Methods ==========

func call[T any](c *Client, method, path string, body any) (T, error) {
	var zero T
	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return zero, fmt.Errorf("序列化请求体失败: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, c.baseURL+path, reqBody)
	if err != nil {
		return zero, fmt.Errorf("创建请求失败: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return zero, fmt.Errorf("HTTP请求失败: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return zero, fmt.Errorf("读取响应体失败: %w", err)
	}

	var out dto.APIResponse[T]
	if err := json.Unmarshal(data, &out); err != nil {
		if resp.StatusCode >= 400 {
			return zero, &APIError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(data))}
		}
		return zero, fmt.Errorf("解析响应失败: %w, body: %s", err, string(data))
	}
	if resp.StatusCode >= 400 || out.Code != 0 {
		return zero, &APIError{StatusCode: resp.StatusCode, Message: out.Message}
	}
	return out.Data, nil
}
