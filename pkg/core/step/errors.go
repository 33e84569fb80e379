package step

import (
	"errors"
	"fmt"

	"github.com/LENAX/crm-automation/pkg/capability"
)

// ErrorKind 步骤错误分类
type ErrorKind string

const (
	// KindDefinition 定义错误：配置无效或类型未知，跳过该步骤
	KindDefinition ErrorKind = "definition"
	// KindTransient 临时错误：超时或服务端错误，按退避重试
	KindTransient ErrorKind = "transient"
	// KindTerminal 终止错误：外部服务永久拒绝，报名直接失败
	KindTerminal ErrorKind = "terminal"
	// KindEngine 引擎错误：执行过程中的 panic
	KindEngine ErrorKind = "engine"
)

// StepError 带分类的步骤错误（对外导出）
type StepError struct {
	Kind   ErrorKind
	StepID string
	Err    error
}

func (e *StepError) Error() string {
	if e.StepID != "" {
		return fmt.Sprintf("%s: %v (step=%s)", e.Kind, e.Err, e.StepID)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *StepError) Unwrap() error {
	return e.Err
}

// NewDefinitionError 创建定义错误
func NewDefinitionError(stepID string, err error) *StepError {
	return &StepError{Kind: KindDefinition, StepID: stepID, Err: err}
}

// NewTransientError 创建临时错误
func NewTransientError(stepID string, err error) *StepError {
	return &StepError{Kind: KindTransient, StepID: stepID, Err: err}
}

// NewTerminalError 创建终止错误
func NewTerminalError(stepID string, err error) *StepError {
	return &StepError{Kind: KindTerminal, StepID: stepID, Err: err}
}

// Classify 判断错误类别，超时与未分类的错误按临时错误处理
func Classify(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var se *StepError
	if errors.As(err, &se) {
		return se.Kind
	}
	if capability.IsPermanent(err) {
		return KindTerminal
	}
	return KindTransient
}

// IsTransient 是否可重试
func IsTransient(err error) bool {
	return Classify(err) == KindTransient
}

// IsTerminal 是否不可重试
func IsTerminal(err error) bool {
	return Classify(err) == KindTerminal
}

// IsDefinition 是否为定义错误
func IsDefinition(err error) bool {
	return Classify(err) == KindDefinition
}
