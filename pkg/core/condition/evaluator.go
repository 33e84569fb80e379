package condition

import (
	"fmt"
	"log"
	"math"
	"strconv"
	"strings"
	"time"

	"golang.org/x/text/cases"
)

// Clause 编译后的条件（对外导出）
// 每种运算符族对应一个实现，Evaluate 只与 Clause 打交道。
type Clause interface {
	Field() string
	Match(facts FactSheet, now time.Time) bool
}

type textClause struct {
	field string
	op    Operator
	want  string
}

type numberClause struct {
	field string
	op    Operator
	want  float64
}

type emptinessClause struct {
	field string
	empty bool
}

type dateClause struct {
	field  string
	before bool
	want   time.Time
}

type daysAgoClause struct {
	field string
	cmp   string
	days  float64
}

type tagClause struct {
	field   string
	tag     string
	present bool
}

// Compile 把存储的条件编译成 Clause，非法条件返回错误
func Compile(c Condition) (Clause, error) {
	field := strings.TrimSpace(c.Field)
	switch c.Operator {
	case OpHasTag, OpNotHasTag:
		// 允许 {field: "vip", operator: has_tag} 的简写：value 为空时字段名即标签
		tag, tagField := strings.TrimSpace(c.Value), field
		if tag == "" {
			tag, tagField = field, DefaultTagField
		}
		if tagField == "" {
			tagField = DefaultTagField
		}
		if tag == "" {
			return nil, fmt.Errorf("%s 缺少标签", c.Operator)
		}
		return tagClause{field: tagField, tag: tag, present: c.Operator == OpHasTag}, nil
	}

	if field == "" {
		return nil, fmt.Errorf("条件字段不能为空")
	}

	switch c.Operator {
	case OpEquals, OpNotEquals, OpContains:
		return textClause{field: field, op: c.Operator, want: c.Value}, nil
	case OpGreaterThan, OpLessThan, OpGreaterThanOrEqual, OpLessThanOrEqual:
		want, ok := toFloat(c.Value)
		if !ok {
			return nil, fmt.Errorf("%s 的比较值 %q 不是数字", c.Operator, c.Value)
		}
		return numberClause{field: field, op: c.Operator, want: want}, nil
	case OpIsEmpty, OpIsNotEmpty:
		return emptinessClause{field: field, empty: c.Operator == OpIsEmpty}, nil
	case OpDateBefore, OpDateAfter:
		want, ok := parseTime(c.Value)
		if !ok {
			return nil, fmt.Errorf("%s 的比较值 %q 不是日期", c.Operator, c.Value)
		}
		return dateClause{field: field, before: c.Operator == OpDateBefore, want: want}, nil
	case OpDaysAgo:
		cmp, days, err := parseDaysAgo(c.Value)
		if err != nil {
			return nil, err
		}
		return daysAgoClause{field: field, cmp: cmp, days: days}, nil
	}
	return nil, fmt.Errorf("不支持的运算符: %q", c.Operator)
}

// Evaluate 对条件列表求值（AND），空列表恒为 true
// 纯函数且不会 panic：非法条件记录日志并视为不匹配。
func Evaluate(conds []Condition, facts FactSheet, now time.Time) (matched bool) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("❌ [条件评估] 求值异常，按不匹配处理: %v", r)
			matched = false
		}
	}()
	for _, c := range conds {
		clause, err := Compile(c)
		if err != nil {
			log.Printf("⚠️ [条件评估] 条件无效，按不匹配处理: Condition=%s, Error=%v", c, err)
			return false
		}
		if !clause.Match(facts, now) {
			return false
		}
	}
	return true
}

// Validate 检查条件列表能否全部编译
func Validate(conds []Condition) error {
	for i, c := range conds {
		if _, err := Compile(c); err != nil {
			return fmt.Errorf("第%d个条件无效: %w", i+1, err)
		}
	}
	return nil
}

func fold(s string) string {
	return cases.Fold().String(strings.TrimSpace(s))
}

func (c textClause) Field() string { return c.field }

func (c textClause) Match(facts FactSheet, _ time.Time) bool {
	v, ok := facts.Lookup(c.field)
	if !ok || v == nil {
		return false
	}
	switch c.op {
	case OpEquals:
		return valueEquals(v, c.want)
	case OpNotEquals:
		return !valueEquals(v, c.want)
	case OpContains:
		if list, isList := v.([]string); isList {
			return listContains(list, c.want)
		}
		if items, isList := v.([]any); isList {
			list, _ := toList(items)
			return listContains(list, c.want)
		}
		return strings.Contains(fold(stringify(v)), fold(c.want))
	}
	return false
}

func valueEquals(v any, want string) bool {
	if list, ok := v.([]string); ok {
		return listContains(list, want)
	}
	if items, ok := v.([]any); ok {
		list, _ := toList(items)
		return listContains(list, want)
	}
	if _, isStr := v.(string); !isStr {
		if got, ok := toFloat(v); ok {
			if w, ok := toFloat(want); ok {
				return got == w
			}
		}
	}
	got := stringify(v)
	if g, ok := toFloat(got); ok {
		if w, ok := toFloat(want); ok {
			return g == w
		}
	}
	return fold(got) == fold(want)
}

func listContains(list []string, want string) bool {
	w := fold(want)
	for _, item := range list {
		if fold(item) == w {
			return true
		}
	}
	return false
}

func (c numberClause) Field() string { return c.field }

func (c numberClause) Match(facts FactSheet, _ time.Time) bool {
	v, ok := facts.Lookup(c.field)
	if !ok {
		return false
	}
	got, ok := toFloat(v)
	if !ok {
		return false
	}
	switch c.op {
	case OpGreaterThan:
		return got > c.want
	case OpLessThan:
		return got < c.want
	case OpGreaterThanOrEqual:
		return got >= c.want
	case OpLessThanOrEqual:
		return got <= c.want
	}
	return false
}

func (c emptinessClause) Field() string { return c.field }

func (c emptinessClause) Match(facts FactSheet, _ time.Time) bool {
	v, ok := facts.Lookup(c.field)
	if !ok {
		return c.empty
	}
	return isEmptyValue(v) == c.empty
}

func (c dateClause) Field() string { return c.field }

func (c dateClause) Match(facts FactSheet, _ time.Time) bool {
	v, ok := facts.Lookup(c.field)
	if !ok {
		return false
	}
	got, ok := parseTime(v)
	if !ok {
		return false
	}
	if c.before {
		return got.Before(c.want)
	}
	return got.After(c.want)
}

func (c daysAgoClause) Field() string { return c.field }

func (c daysAgoClause) Match(facts FactSheet, now time.Time) bool {
	v, ok := facts.Lookup(c.field)
	if !ok {
		return false
	}
	got, ok := parseTime(v)
	if !ok {
		return false
	}
	elapsed := now.Sub(got).Hours() / 24
	switch c.cmp {
	case ">":
		return elapsed > c.days
	case "<":
		return elapsed < c.days
	case "<=":
		return elapsed <= c.days
	case "=":
		return math.Floor(elapsed) == c.days
	default:
		return elapsed >= c.days
	}
}

// parseDaysAgo 解析 "30"、">=30"、"<7" 等写法，纯数字等价于 ">="
func parseDaysAgo(raw string) (string, float64, error) {
	s := strings.TrimSpace(raw)
	cmp := ">="
	for _, prefix := range []string{">=", "<=", ">", "<", "="} {
		if strings.HasPrefix(s, prefix) {
			cmp = prefix
			s = strings.TrimSpace(strings.TrimPrefix(s, prefix))
			break
		}
	}
	days, err := strconv.ParseFloat(s, 64)
	if err != nil || days < 0 || math.IsNaN(days) {
		return "", 0, fmt.Errorf("days_ago 的比较值 %q 无效", raw)
	}
	return cmp, days, nil
}

func (c tagClause) Field() string { return c.field }

func (c tagClause) Match(facts FactSheet, _ time.Time) bool {
	v, ok := facts.Lookup(c.field)
	if !ok {
		return false
	}
	tags, ok := toList(v)
	if !ok {
		return false
	}
	return listContains(tags, c.tag) == c.present
}
