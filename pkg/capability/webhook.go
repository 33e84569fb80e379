package capability

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/LENAX/crm-automation/pkg/core/condition"
)

// WebhookClient 通过 HTTP 调用 CRM 其余子系统的能力适配器（对外导出）
// 同时实现 Messenger、ClientManager、AppointmentManager。
type WebhookClient struct {
	baseURL    string
	authToken  string
	httpClient *http.Client
}

// NewWebhookClient 创建 HTTP 能力适配器
func NewWebhookClient(baseURL, authToken string, timeout time.Duration) *WebhookClient {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &WebhookClient{
		baseURL:   strings.TrimRight(baseURL, "/"),
		authToken: authToken,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

var (
	_ Messenger          = (*WebhookClient)(nil)
	_ ClientManager      = (*WebhookClient)(nil)
	_ AppointmentManager = (*WebhookClient)(nil)
)

// Send 发送消息
func (c *WebhookClient) Send(ctx context.Context, msg Message) (*DeliveryResult, error) {
	var res DeliveryResult
	if err := c.do(ctx, http.MethodPost, "/messages", msg, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// ApplyTag 给客户打标签
func (c *WebhookClient) ApplyTag(ctx context.Context, orgID, clientID, tag string) error {
	return c.do(ctx, http.MethodPost, clientPath(orgID, clientID, "tags"), map[string]string{"tag": tag}, nil)
}

// AddNote 添加客户备注
func (c *WebhookClient) AddNote(ctx context.Context, orgID, clientID, note string) error {
	return c.do(ctx, http.MethodPost, clientPath(orgID, clientID, "notes"), map[string]string{"note": note}, nil)
}

// LookupFacts 查询客户字段
func (c *WebhookClient) LookupFacts(ctx context.Context, orgID, clientID string) (condition.FactSheet, error) {
	facts := condition.FactSheet{}
	if err := c.do(ctx, http.MethodGet, clientPath(orgID, clientID, "facts"), nil, &facts); err != nil {
		return nil, err
	}
	return facts, nil
}

// CreateAppointment 创建预约
func (c *WebhookClient) CreateAppointment(ctx context.Context, req AppointmentRequest) (string, error) {
	var res struct {
		ID string `json:"id"`
	}
	path := fmt.Sprintf("/orgs/%s/appointments", url.PathEscape(req.OrgID))
	if err := c.do(ctx, http.MethodPost, path, req, &res); err != nil {
		return "", err
	}
	return res.ID, nil
}

func clientPath(orgID, clientID, suffix string) string {
	return fmt.Sprintf("/orgs/%s/clients/%s/%s", url.PathEscape(orgID), url.PathEscape(clientID), suffix)
}

// do 发送请求：4xx（408/429 除外）视为不可重试，其余失败可重试
func (c *WebhookClient) do(ctx context.Context, method, path string, body any, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return Permanent(fmt.Errorf("序列化请求失败: %w", err))
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return Permanent(fmt.Errorf("创建请求失败: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	if c.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.authToken)
	}
	if key := idempotencyKey(body); key != "" {
		req.Header.Set("Idempotency-Key", key)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("请求 %s %s 失败: %w", method, path, err)
	}
	defer resp.Body.Close()

	payload, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode >= 300 {
		err := fmt.Errorf("%s %s 返回 %d: %s", method, path, resp.StatusCode, strings.TrimSpace(string(payload)))
		if resp.StatusCode >= 400 && resp.StatusCode < 500 &&
			resp.StatusCode != http.StatusRequestTimeout && resp.StatusCode != http.StatusTooManyRequests {
			return Permanent(err)
		}
		return err
	}
	if out != nil && len(payload) > 0 {
		if err := json.Unmarshal(payload, out); err != nil {
			return fmt.Errorf("解析响应失败: %w", err)
		}
	}
	return nil
}

func idempotencyKey(body any) string {
	switch v := body.(type) {
	case Message:
		return v.IdempotencyKey
	case AppointmentRequest:
		return v.IdempotencyKey
	}
	return ""
}
