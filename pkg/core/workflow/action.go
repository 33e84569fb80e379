package workflow

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/LENAX/crm-automation/pkg/core/condition"
)

// ActionType 动作类型（对外导出）
type ActionType string

const (
	ActionSendSMS           ActionType = "send_sms"
	ActionSendEmail         ActionType = "send_email"
	ActionDelay             ActionType = "delay"
	ActionTag               ActionType = "tag"
	ActionConditional       ActionType = "conditional"
	ActionCreateAppointment ActionType = "create_appointment"
	ActionAddNote           ActionType = "add_note"
)

// BranchEnd 条件分支目标：直接结束
const BranchEnd = "end"

// ActionConfig 动作配置的标签联合（对外导出）
// 每种动作类型一个实现，步骤执行器按具体类型分派。
type ActionConfig interface {
	ActionType() ActionType
	Validate() error
}

// SendSMSConfig 短信动作配置
type SendSMSConfig struct {
	Message string `json:"message" yaml:"message"`
	To      string `json:"to,omitempty" yaml:"to,omitempty"`
}

// SendEmailConfig 邮件动作配置，Body 可以是HTML
type SendEmailConfig struct {
	Subject string `json:"subject" yaml:"subject"`
	Body    string `json:"body" yaml:"body"`
	To      string `json:"to,omitempty" yaml:"to,omitempty"`
}

// DelayConfig 等待动作配置
type DelayConfig struct {
	Duration int    `json:"duration" yaml:"duration"`
	Unit     string `json:"unit,omitempty" yaml:"unit,omitempty"`
}

// TagConfig 打标签动作配置
type TagConfig struct {
	Tag string `json:"tag" yaml:"tag"`
}

// ConditionalConfig 条件分支动作配置
// TrueStep/FalseStep 为空表示按 order 的下一步，"end" 表示结束。
type ConditionalConfig struct {
	Conditions []condition.Condition `json:"conditions" yaml:"conditions"`
	TrueStep   string                `json:"trueStep,omitempty" yaml:"trueStep,omitempty"`
	FalseStep  string                `json:"falseStep,omitempty" yaml:"falseStep,omitempty"`
}

// CreateAppointmentConfig 创建预约动作配置
type CreateAppointmentConfig struct {
	AppointmentType string `json:"appointmentType" yaml:"appointmentType"`
	OffsetMinutes   int    `json:"offsetMinutes" yaml:"offsetMinutes"`
	DurationMinutes int    `json:"durationMinutes,omitempty" yaml:"durationMinutes,omitempty"`
	Notes           string `json:"notes,omitempty" yaml:"notes,omitempty"`
}

// AddNoteConfig 添加备注动作配置
type AddNoteConfig struct {
	Note string `json:"note" yaml:"note"`
}

// UnknownConfig 无法解析的配置，运行时按定义错误跳过
type UnknownConfig struct {
	Type   ActionType      `json:"-" yaml:"-"`
	Raw    json.RawMessage `json:"-" yaml:"-"`
	Reason string          `json:"-" yaml:"-"`
}

func (SendSMSConfig) ActionType() ActionType           { return ActionSendSMS }
func (SendEmailConfig) ActionType() ActionType         { return ActionSendEmail }
func (DelayConfig) ActionType() ActionType             { return ActionDelay }
func (TagConfig) ActionType() ActionType               { return ActionTag }
func (ConditionalConfig) ActionType() ActionType       { return ActionConditional }
func (CreateAppointmentConfig) ActionType() ActionType { return ActionCreateAppointment }
func (AddNoteConfig) ActionType() ActionType           { return ActionAddNote }
func (c UnknownConfig) ActionType() ActionType         { return c.Type }

func (c SendSMSConfig) Validate() error {
	if strings.TrimSpace(c.Message) == "" {
		return fmt.Errorf("send_sms 缺少 message")
	}
	return nil
}

func (c SendEmailConfig) Validate() error {
	if strings.TrimSpace(c.Subject) == "" {
		return fmt.Errorf("send_email 缺少 subject")
	}
	if strings.TrimSpace(c.Body) == "" {
		return fmt.Errorf("send_email 缺少 body")
	}
	return nil
}

func (c DelayConfig) Validate() error {
	if c.Duration <= 0 {
		return fmt.Errorf("delay 的 duration 必须大于0")
	}
	if _, err := unitDuration(c.Unit); err != nil {
		return err
	}
	return nil
}

// Wait 等待时长
func (c DelayConfig) Wait() time.Duration {
	unit, err := unitDuration(c.Unit)
	if err != nil || c.Duration <= 0 {
		return 0
	}
	return time.Duration(c.Duration) * unit
}

func unitDuration(unit string) (time.Duration, error) {
	switch strings.ToLower(strings.TrimSpace(unit)) {
	case "", "minute", "minutes", "min":
		return time.Minute, nil
	case "hour", "hours":
		return time.Hour, nil
	case "day", "days":
		return 24 * time.Hour, nil
	case "week", "weeks":
		return 7 * 24 * time.Hour, nil
	}
	return 0, fmt.Errorf("delay 的 unit 无效: %q", unit)
}

func (c TagConfig) Validate() error {
	if strings.TrimSpace(c.Tag) == "" {
		return fmt.Errorf("tag 缺少 tag")
	}
	return nil
}

func (c ConditionalConfig) Validate() error {
	return condition.Validate(c.Conditions)
}

func (c CreateAppointmentConfig) Validate() error {
	if strings.TrimSpace(c.AppointmentType) == "" {
		return fmt.Errorf("create_appointment 缺少 appointmentType")
	}
	if c.OffsetMinutes < 0 {
		return fmt.Errorf("create_appointment 的 offsetMinutes 不能为负数")
	}
	if c.DurationMinutes < 0 {
		return fmt.Errorf("create_appointment 的 durationMinutes 不能为负数")
	}
	return nil
}

func (c AddNoteConfig) Validate() error {
	if strings.TrimSpace(c.Note) == "" {
		return fmt.Errorf("add_note 缺少 note")
	}
	return nil
}

func (c UnknownConfig) Validate() error {
	if c.Reason != "" {
		return fmt.Errorf("动作 %s 配置无效: %s", c.Type, c.Reason)
	}
	return fmt.Errorf("未知的动作类型: %q", c.Type)
}

// Action 工作流中的单个步骤（对外导出）
type Action struct {
	ID                string       `json:"id" yaml:"id"`
	Type              ActionType   `json:"type" yaml:"type"`
	Order             int          `json:"order" yaml:"order"`
	DelayAfterMinutes int          `json:"delayAfterMinutes,omitempty" yaml:"delayAfterMinutes,omitempty"`
	Config            ActionConfig `json:"config" yaml:"config"`
}

// Name 用于日志与执行记录的动作名称
func (a Action) Name() string {
	return string(a.Type)
}

// ConfigError 配置层面的定义错误，nil 表示可执行
func (a Action) ConfigError() error {
	if a.Config == nil {
		return UnknownConfig{Type: a.Type, Reason: "缺少 config"}.Validate()
	}
	if a.Config.ActionType() != a.Type {
		return fmt.Errorf("动作 %s 的类型 %s 与配置类型 %s 不一致", a.ID, a.Type, a.Config.ActionType())
	}
	return a.Config.Validate()
}

// PostDelay 动作执行成功后的额外等待
func (a Action) PostDelay() time.Duration {
	if a.DelayAfterMinutes <= 0 {
		return 0
	}
	return time.Duration(a.DelayAfterMinutes) * time.Minute
}

// newConfig 按类型返回空配置，未知类型返回 nil
func newConfig(t ActionType) ActionConfig {
	switch t {
	case ActionSendSMS:
		return &SendSMSConfig{}
	case ActionSendEmail:
		return &SendEmailConfig{}
	case ActionDelay:
		return &DelayConfig{}
	case ActionTag:
		return &TagConfig{}
	case ActionConditional:
		return &ConditionalConfig{}
	case ActionCreateAppointment:
		return &CreateAppointmentConfig{}
	case ActionAddNote:
		return &AddNoteConfig{}
	}
	return nil
}

// deref 解码时使用指针，存储时统一为值类型
func deref(c ActionConfig) ActionConfig {
	switch v := c.(type) {
	case *SendSMSConfig:
		return *v
	case *SendEmailConfig:
		return *v
	case *DelayConfig:
		return *v
	case *TagConfig:
		return *v
	case *ConditionalConfig:
		return *v
	case *CreateAppointmentConfig:
		return *v
	case *AddNoteConfig:
		return *v
	}
	return c
}

// MarshalJSON 编码动作，UnknownConfig 原样写回
func (a Action) MarshalJSON() ([]byte, error) {
	type alias struct {
		ID                string     `json:"id"`
		Type              ActionType `json:"type"`
		Order             int        `json:"order"`
		DelayAfterMinutes int        `json:"delayAfterMinutes,omitempty"`
		Config            any        `json:"config"`
	}
	out := alias{ID: a.ID, Type: a.Type, Order: a.Order, DelayAfterMinutes: a.DelayAfterMinutes, Config: a.Config}
	if u, ok := a.Config.(UnknownConfig); ok {
		if len(u.Raw) > 0 {
			out.Config = u.Raw
		} else {
			out.Config = map[string]any{}
		}
	}
	if a.Config == nil {
		out.Config = map[string]any{}
	}
	return json.Marshal(out)
}

// UnmarshalJSON 按 type 解码 config，解码失败时保留为 UnknownConfig
func (a *Action) UnmarshalJSON(data []byte) error {
	var raw struct {
		ID                string          `json:"id"`
		Type              ActionType      `json:"type"`
		Order             int             `json:"order"`
		DelayAfterMinutes int             `json:"delayAfterMinutes"`
		Config            json.RawMessage `json:"config"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	a.ID, a.Type, a.Order, a.DelayAfterMinutes = raw.ID, raw.Type, raw.Order, raw.DelayAfterMinutes

	cfg := newConfig(raw.Type)
	if cfg == nil {
		a.Config = UnknownConfig{Type: raw.Type, Raw: raw.Config}
		return nil
	}
	if len(raw.Config) == 0 || string(raw.Config) == "null" {
		a.Config = deref(cfg)
		return nil
	}
	if err := json.Unmarshal(raw.Config, cfg); err != nil {
		a.Config = UnknownConfig{Type: raw.Type, Raw: raw.Config, Reason: err.Error()}
		return nil
	}
	a.Config = deref(cfg)
	return nil
}

// UnmarshalYAML 与 UnmarshalJSON 语义一致
func (a *Action) UnmarshalYAML(node *yaml.Node) error {
	var raw struct {
		ID                string     `yaml:"id"`
		Type              ActionType `yaml:"type"`
		Order             int        `yaml:"order"`
		DelayAfterMinutes int        `yaml:"delayAfterMinutes"`
		Config            yaml.Node  `yaml:"config"`
	}
	if err := node.Decode(&raw); err != nil {
		return err
	}
	a.ID, a.Type, a.Order, a.DelayAfterMinutes = raw.ID, raw.Type, raw.Order, raw.DelayAfterMinutes

	cfg := newConfig(raw.Type)
	if cfg == nil {
		a.Config = UnknownConfig{Type: raw.Type}
		return nil
	}
	if raw.Config.Kind == 0 {
		a.Config = deref(cfg)
		return nil
	}
	if err := raw.Config.Decode(cfg); err != nil {
		a.Config = UnknownConfig{Type: raw.Type, Reason: err.Error()}
		return nil
	}
	a.Config = deref(cfg)
	return nil
}
