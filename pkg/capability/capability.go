// Package capability 定义引擎调用的外部能力：消息发送、客户管理、预约管理
package capability

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/LENAX/crm-automation/pkg/core/condition"
)

// Channel 消息渠道
type Channel string

const (
	ChannelSMS   Channel = "sms"
	ChannelEmail Channel = "email"
)

// Message 待发送的消息（对外导出）
type Message struct {
	Channel        Channel `json:"channel"`
	OrgID          string  `json:"orgId"`
	ClientID       string  `json:"clientId"`
	To             string  `json:"to"`
	Subject        string  `json:"subject,omitempty"`
	Body           string  `json:"body"`
	HTMLBody       string  `json:"htmlBody,omitempty"`
	IdempotencyKey string  `json:"idempotencyKey"`
}

// DeliveryResult 消息发送结果
type DeliveryResult struct {
	ProviderID string `json:"providerId"`
	Status     string `json:"status"`
}

// Messenger 消息发送能力
type Messenger interface {
	Send(ctx context.Context, msg Message) (*DeliveryResult, error)
}

// ClientManager 客户管理能力
type ClientManager interface {
	ApplyTag(ctx context.Context, orgID, clientID, tag string) error
	AddNote(ctx context.Context, orgID, clientID, note string) error
	LookupFacts(ctx context.Context, orgID, clientID string) (condition.FactSheet, error)
}

// AppointmentRequest 创建预约请求
type AppointmentRequest struct {
	OrgID           string    `json:"orgId"`
	ClientID        string    `json:"clientId"`
	AppointmentType string    `json:"appointmentType"`
	StartAt         time.Time `json:"startAt"`
	DurationMinutes int       `json:"durationMinutes,omitempty"`
	Notes           string    `json:"notes,omitempty"`
	IdempotencyKey  string    `json:"idempotencyKey"`
}

// AppointmentManager 预约管理能力
type AppointmentManager interface {
	CreateAppointment(ctx context.Context, req AppointmentRequest) (appointmentID string, err error)
}

// Set 引擎使用的全部外部能力
type Set struct {
	Messenger    Messenger
	Clients      ClientManager
	Appointments AppointmentManager
}

// PermanentError 不可重试的失败，例如号码无效
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string {
	return fmt.Sprintf("permanent: %v", e.Err)
}

func (e *PermanentError) Unwrap() error {
	return e.Err
}

// Permanent 把错误标记为不可重试
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// IsPermanent 判断错误是否不可重试
func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}
