package capability

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/LENAX/crm-automation/pkg/core/condition"
)

// MemoryMessenger 只记录不发送的消息能力，用于 dryrun 模式与测试
type MemoryMessenger struct {
	mu      sync.Mutex
	sent    []Message
	keys    map[string]*DeliveryResult
	failFn  func(Message) error
	latency time.Duration
}

// NewMemoryMessenger 创建内存消息能力
func NewMemoryMessenger() *MemoryMessenger {
	return &MemoryMessenger{keys: make(map[string]*DeliveryResult)}
}

// FailWith 设置失败策略，返回非 nil 时本次发送失败
func (m *MemoryMessenger) FailWith(fn func(Message) error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failFn = fn
}

// FailTimes 前 n 次发送返回 err
func (m *MemoryMessenger) FailTimes(n int, err error) {
	var mu sync.Mutex
	remaining := n
	m.FailWith(func(Message) error {
		mu.Lock()
		defer mu.Unlock()
		if remaining <= 0 {
			return nil
		}
		remaining--
		return err
	})
}

// SetLatency 模拟慢速供应商
func (m *MemoryMessenger) SetLatency(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.latency = d
}

// Send 记录消息，同一幂等键只记录一次
func (m *MemoryMessenger) Send(ctx context.Context, msg Message) (*DeliveryResult, error) {
	m.mu.Lock()
	latency, failFn := m.latency, m.failFn
	m.mu.Unlock()

	if latency > 0 {
		select {
		case <-time.After(latency):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if failFn != nil {
		if err := failFn(msg); err != nil {
			return nil, err
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if msg.IdempotencyKey != "" {
		if res, ok := m.keys[msg.IdempotencyKey]; ok {
			return res, nil
		}
	}
	m.sent = append(m.sent, msg)
	res := &DeliveryResult{ProviderID: uuid.NewString(), Status: "accepted"}
	if msg.IdempotencyKey != "" {
		m.keys[msg.IdempotencyKey] = res
	}
	log.Printf("📨 [DryRun] %s -> %s: %s", msg.Channel, msg.To, msg.Body)
	return res, nil
}

// Sent 已记录的消息副本
func (m *MemoryMessenger) Sent() []Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Message, len(m.sent))
	copy(out, m.sent)
	return out
}

// MemoryClients 内存客户管理能力
type MemoryClients struct {
	mu        sync.Mutex
	facts     map[string]condition.FactSheet
	tags      map[string][]string
	notes     map[string][]string
	lookupErr error
}

// NewMemoryClients 创建内存客户管理能力
func NewMemoryClients() *MemoryClients {
	return &MemoryClients{
		facts: make(map[string]condition.FactSheet),
		tags:  make(map[string][]string),
		notes: make(map[string][]string),
	}
}

func clientKey(orgID, clientID string) string {
	return orgID + "/" + clientID
}

// SetFacts 设置客户字段
func (c *MemoryClients) SetFacts(orgID, clientID string, facts condition.FactSheet) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.facts[clientKey(orgID, clientID)] = facts
}

// SetLookupError 让 LookupFacts 返回错误
func (c *MemoryClients) SetLookupError(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lookupErr = err
}

// ApplyTag 添加标签，重复标签忽略
func (c *MemoryClients) ApplyTag(_ context.Context, orgID, clientID, tag string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := clientKey(orgID, clientID)
	for _, t := range c.tags[key] {
		if t == tag {
			return nil
		}
	}
	c.tags[key] = append(c.tags[key], tag)
	return nil
}

// AddNote 添加备注
func (c *MemoryClients) AddNote(_ context.Context, orgID, clientID, note string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := clientKey(orgID, clientID)
	c.notes[key] = append(c.notes[key], note)
	return nil
}

// LookupFacts 返回客户字段，tags 合并已打的标签
func (c *MemoryClients) LookupFacts(_ context.Context, orgID, clientID string) (condition.FactSheet, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.lookupErr != nil {
		return nil, c.lookupErr
	}
	key := clientKey(orgID, clientID)
	out := condition.Merge(c.facts[key])
	if tags := c.tags[key]; len(tags) > 0 {
		existing, _ := out["tags"].([]string)
		merged := append(append([]string{}, existing...), tags...)
		out["tags"] = merged
	}
	return out, nil
}

// Tags 客户的标签
func (c *MemoryClients) Tags(orgID, clientID string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.tags[clientKey(orgID, clientID)]...)
}

// Notes 客户的备注
func (c *MemoryClients) Notes(orgID, clientID string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.notes[clientKey(orgID, clientID)]...)
}

// MemoryAppointments 内存预约管理能力，按幂等键去重
type MemoryAppointments struct {
	mu      sync.Mutex
	created []AppointmentRequest
	byKey   map[string]string
}

// NewMemoryAppointments 创建内存预约管理能力
func NewMemoryAppointments() *MemoryAppointments {
	return &MemoryAppointments{byKey: make(map[string]string)}
}

// CreateAppointment 创建预约
func (a *MemoryAppointments) CreateAppointment(_ context.Context, req AppointmentRequest) (string, error) {
	if req.ClientID == "" {
		return "", Permanent(fmt.Errorf("缺少 clientId"))
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if id, ok := a.byKey[req.IdempotencyKey]; ok && req.IdempotencyKey != "" {
		return id, nil
	}
	id := uuid.NewString()
	a.created = append(a.created, req)
	if req.IdempotencyKey != "" {
		a.byKey[req.IdempotencyKey] = id
	}
	return id, nil
}

// Created 已创建的预约
func (a *MemoryAppointments) Created() []AppointmentRequest {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]AppointmentRequest(nil), a.created...)
}

// NewMemorySet dryrun 模式的全部能力
func NewMemorySet() (Set, *MemoryMessenger, *MemoryClients, *MemoryAppointments) {
	m, c, a := NewMemoryMessenger(), NewMemoryClients(), NewMemoryAppointments()
	return Set{Messenger: m, Clients: c, Appointments: a}, m, c, a
}
