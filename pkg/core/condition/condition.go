package condition

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// Operator 条件运算符（对外导出）
type Operator string

const (
	OpEquals             Operator = "equals"
	OpNotEquals          Operator = "not_equals"
	OpContains           Operator = "contains"
	OpGreaterThan        Operator = "greater_than"
	OpLessThan           Operator = "less_than"
	OpGreaterThanOrEqual Operator = "greater_than_or_equal"
	OpLessThanOrEqual    Operator = "less_than_or_equal"
	OpIsEmpty            Operator = "is_empty"
	OpIsNotEmpty         Operator = "is_not_empty"
	OpDateBefore         Operator = "date_before"
	OpDateAfter          Operator = "date_after"
	OpDaysAgo            Operator = "days_ago"
	OpHasTag             Operator = "has_tag"
	OpNotHasTag          Operator = "not_has_tag"
)

// DefaultTagField has_tag/not_has_tag 未指定字段时读取的列表字段
const DefaultTagField = "tags"

// Operators 返回全部支持的运算符
func Operators() []Operator {
	return []Operator{
		OpEquals, OpNotEquals, OpContains,
		OpGreaterThan, OpLessThan, OpGreaterThanOrEqual, OpLessThanOrEqual,
		OpIsEmpty, OpIsNotEmpty,
		OpDateBefore, OpDateAfter, OpDaysAgo,
		OpHasTag, OpNotHasTag,
	}
}

// Known 是否为已支持的运算符
func (o Operator) Known() bool {
	for _, op := range Operators() {
		if op == o {
			return true
		}
	}
	return false
}

// Condition 工作流上存储的单个条件（对外导出）
// Value 始终以字符串保存，由运算符决定如何解释。
type Condition struct {
	Field    string   `json:"field" yaml:"field"`
	Operator Operator `json:"operator" yaml:"operator"`
	Value    string   `json:"value,omitempty" yaml:"value,omitempty"`
}

// String 便于日志输出
func (c Condition) String() string {
	return fmt.Sprintf("%s %s %q", c.Field, c.Operator, c.Value)
}

// UnmarshalJSON 允许 value 以数字/布尔形式提交，统一转为字符串
func (c *Condition) UnmarshalJSON(data []byte) error {
	var raw struct {
		Field    string          `json:"field"`
		Operator Operator        `json:"operator"`
		Value    json.RawMessage `json:"value"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	c.Field = raw.Field
	c.Operator = raw.Operator
	c.Value = ""
	if len(raw.Value) == 0 || string(raw.Value) == "null" {
		return nil
	}
	var s string
	if err := json.Unmarshal(raw.Value, &s); err == nil {
		c.Value = s
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(raw.Value, &n); err == nil {
		c.Value = n.String()
		return nil
	}
	var b bool
	if err := json.Unmarshal(raw.Value, &b); err == nil {
		c.Value = strconv.FormatBool(b)
		return nil
	}
	return fmt.Errorf("条件 %s 的 value 必须是标量", raw.Field)
}
