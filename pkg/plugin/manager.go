// Package plugin 绑定到引擎生命周期事件的插件
package plugin

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"

	"github.com/LENAX/crm-automation/pkg/core/events"
)

// TriggerEvent 插件触发事件类型（对外导出）
type TriggerEvent string

const (
	// 报名事件
	EventEnrollmentCreated   TriggerEvent = TriggerEvent(events.LifecycleEnrollmentCreated)
	EventEnrollmentCompleted TriggerEvent = TriggerEvent(events.LifecycleEnrollmentCompleted)
	EventEnrollmentFailed    TriggerEvent = TriggerEvent(events.LifecycleEnrollmentFailed)
	EventEnrollmentCancelled TriggerEvent = TriggerEvent(events.LifecycleEnrollmentCancelled)
	EventEnrollmentPaused    TriggerEvent = TriggerEvent(events.LifecycleEnrollmentPaused)
	EventEnrollmentResumed   TriggerEvent = TriggerEvent(events.LifecycleEnrollmentResumed)

	// 步骤事件
	EventStepExecuted TriggerEvent = TriggerEvent(events.LifecycleStepExecuted)
	EventStepFailed   TriggerEvent = TriggerEvent(events.LifecycleStepFailed)
)

// Valid 是否为已知事件
func (e TriggerEvent) Valid() bool {
	switch e {
	case EventEnrollmentCreated, EventEnrollmentCompleted, EventEnrollmentFailed, EventEnrollmentCancelled,
		EventEnrollmentPaused, EventEnrollmentResumed, EventStepExecuted, EventStepFailed:
		return true
	}
	return false
}

// PluginBinding 插件绑定规则（对外导出）
type PluginBinding struct {
	PluginName string                // 插件名称
	Event      TriggerEvent          // 触发事件
	OrgID      string                // 可选：只对该组织触发
	Condition  func(PluginData) bool // 可选：条件函数，满足条件才触发
}

// PluginData 传递给插件的数据（对外导出）
type PluginData struct {
	Event        TriggerEvent
	OrgID        string
	WorkflowID   string
	EnrollmentID string
	ClientID     string
	StepID       string // 步骤事件才有
	Status       string
	Error        string
	Data         map[string]any
}

// FromLifecycle 把生命周期事件转换为插件数据
func FromLifecycle(ev *events.LifecycleEvent) PluginData {
	return PluginData{
		Event:        TriggerEvent(ev.Type),
		OrgID:        ev.OrgID,
		WorkflowID:   ev.WorkflowID,
		EnrollmentID: ev.EnrollmentID,
		ClientID:     ev.ClientID,
		StepID:       ev.StepID,
		Status:       ev.Status,
		Error:        ev.Error,
		Data:         ev.Data,
	}
}

// PluginManager 插件管理器接口（对外导出）
type PluginManager interface {
	// Register 注册插件
	Register(plugin Plugin) error
	// RegisterWithInit 注册并初始化插件
	RegisterWithInit(plugin Plugin, params map[string]string) error
	// Bind 绑定插件到事件
	Bind(binding PluginBinding) error
	// Trigger 触发插件，单个插件失败不影响其他插件
	Trigger(ctx context.Context, event TriggerEvent, data PluginData) error
	// HandleLifecycle 作为事件总线的生命周期处理函数
	HandleLifecycle(ctx context.Context, ev *events.LifecycleEvent) error
	// GetPlugin 获取已注册的插件
	GetPlugin(name string) (Plugin, bool)
	// ListPlugins 列出所有已注册的插件
	ListPlugins() []string
	// Unregister 取消注册插件
	Unregister(name string) error
}

// pluginManagerImpl 插件管理器实现（内部实现）
type pluginManagerImpl struct {
	plugins  map[string]Plugin                // 已注册的插件（插件名称 -> 插件实例）
	bindings map[TriggerEvent][]PluginBinding // 事件绑定（事件类型 -> 绑定列表）
	mu       sync.RWMutex
}

// NewPluginManager 创建插件管理器（对外导出）
func NewPluginManager() PluginManager {
	return &pluginManagerImpl{
		plugins:  make(map[string]Plugin),
		bindings: make(map[TriggerEvent][]PluginBinding),
	}
}

// Register 注册插件（实现PluginManager接口）
func (pm *pluginManagerImpl) Register(plugin Plugin) error {
	if plugin == nil {
		return fmt.Errorf("插件不能为空")
	}

	name := plugin.Name()
	if name == "" {
		return fmt.Errorf("插件名称不能为空")
	}

	pm.mu.Lock()
	defer pm.mu.Unlock()

	if _, exists := pm.plugins[name]; exists {
		return fmt.Errorf("插件 %s 已注册", name)
	}

	pm.plugins[name] = plugin
	return nil
}

// RegisterWithInit 注册并初始化插件（实现PluginManager接口）
func (pm *pluginManagerImpl) RegisterWithInit(plugin Plugin, params map[string]string) error {
	if err := pm.Register(plugin); err != nil {
		return err
	}

	if err := plugin.Init(params); err != nil {
		// 初始化失败，移除已注册的插件
		pm.mu.Lock()
		delete(pm.plugins, plugin.Name())
		pm.mu.Unlock()
		return fmt.Errorf("插件 %s 初始化失败: %w", plugin.Name(), err)
	}

	return nil
}

// Bind 绑定插件到事件（实现PluginManager接口）
func (pm *pluginManagerImpl) Bind(binding PluginBinding) error {
	if binding.PluginName == "" {
		return fmt.Errorf("插件名称不能为空")
	}
	if !binding.Event.Valid() {
		return fmt.Errorf("未知的触发事件: %q", binding.Event)
	}

	pm.mu.Lock()
	defer pm.mu.Unlock()

	if _, exists := pm.plugins[binding.PluginName]; !exists {
		return fmt.Errorf("插件 %s 未注册", binding.PluginName)
	}

	pm.bindings[binding.Event] = append(pm.bindings[binding.Event], binding)
	return nil
}

// Trigger 触发插件（实现PluginManager接口）
func (pm *pluginManagerImpl) Trigger(ctx context.Context, event TriggerEvent, data PluginData) error {
	pm.mu.RLock()
	bindings := append([]PluginBinding(nil), pm.bindings[event]...)
	pm.mu.RUnlock()

	if len(bindings) == 0 {
		return nil
	}

	var errs []error
	for _, binding := range bindings {
		if binding.OrgID != "" && binding.OrgID != data.OrgID {
			continue
		}
		if binding.Condition != nil && !binding.Condition(data) {
			continue
		}

		pm.mu.RLock()
		plugin, exists := pm.plugins[binding.PluginName]
		pm.mu.RUnlock()
		if !exists {
			continue
		}

		if err := pm.execute(ctx, plugin, data); err != nil {
			log.Printf("❌ [插件] 执行失败: Plugin=%s, Event=%s, EnrollmentID=%s, Error=%v",
				binding.PluginName, event, data.EnrollmentID, err)
			errs = append(errs, fmt.Errorf("插件 %s 执行失败: %w", binding.PluginName, err))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("触发插件失败: %w", errors.Join(errs...))
	}
	return nil
}

// execute 执行单个插件，panic 转换为错误
func (pm *pluginManagerImpl) execute(ctx context.Context, plugin Plugin, data PluginData) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("插件 panic: %v", r)
		}
	}()
	return plugin.Execute(ctx, data)
}

// HandleLifecycle 生命周期事件入口（实现PluginManager接口）
// 插件失败只记录日志，不让事件重新投递。
func (pm *pluginManagerImpl) HandleLifecycle(ctx context.Context, ev *events.LifecycleEvent) error {
	if ev == nil {
		return nil
	}
	_ = pm.Trigger(ctx, TriggerEvent(ev.Type), FromLifecycle(ev))
	return nil
}

// GetPlugin 获取已注册的插件（实现PluginManager接口）
func (pm *pluginManagerImpl) GetPlugin(name string) (Plugin, bool) {
	pm.mu.RLock()
	defer pm.mu.RUnlock()
	plugin, exists := pm.plugins[name]
	return plugin, exists
}

// ListPlugins 列出所有已注册的插件（实现PluginManager接口）
func (pm *pluginManagerImpl) ListPlugins() []string {
	pm.mu.RLock()
	defer pm.mu.RUnlock()

	names := make([]string, 0, len(pm.plugins))
	for name := range pm.plugins {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Unregister 取消注册插件（实现PluginManager接口）
func (pm *pluginManagerImpl) Unregister(name string) error {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	if _, exists := pm.plugins[name]; !exists {
		return fmt.Errorf("插件 %s 未注册", name)
	}

	delete(pm.plugins, name)

	// 移除所有相关的绑定
	for event := range pm.bindings {
		filtered := make([]PluginBinding, 0)
		for _, binding := range pm.bindings[event] {
			if binding.PluginName != name {
				filtered = append(filtered, binding)
			}
		}
		pm.bindings[event] = filtered
	}

	return nil
}
