package engine

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/LENAX/crm-automation/engine"

// Metrics 引擎指标（对外导出）
// 未配置 MeterProvider 时使用全局 noop 实现。
type Metrics struct {
	ticks        metric.Int64Counter
	tickDuration metric.Float64Histogram
	dispatched   metric.Int64Counter
	steps        metric.Int64Counter
	stepDuration metric.Int64Histogram
	finished     metric.Int64Counter
	enrolled     metric.Int64Counter
}

// NewMetrics 在 meter 上创建引擎指标，meter 为 nil 时使用全局 MeterProvider
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	if meter == nil {
		meter = otel.Meter(meterName)
	}
	m := &Metrics{}
	var err error
	if m.ticks, err = meter.Int64Counter("automation.dispatcher.ticks",
		metric.WithDescription("调度周期次数")); err != nil {
		return nil, fmt.Errorf("创建指标失败: %w", err)
	}
	if m.tickDuration, err = meter.Float64Histogram("automation.dispatcher.tick.duration",
		metric.WithDescription("单次调度周期耗时"), metric.WithUnit("ms")); err != nil {
		return nil, fmt.Errorf("创建指标失败: %w", err)
	}
	if m.dispatched, err = meter.Int64Counter("automation.dispatcher.units",
		metric.WithDescription("调度单元结果")); err != nil {
		return nil, fmt.Errorf("创建指标失败: %w", err)
	}
	if m.steps, err = meter.Int64Counter("automation.steps",
		metric.WithDescription("已写入执行记录的步骤尝试")); err != nil {
		return nil, fmt.Errorf("创建指标失败: %w", err)
	}
	if m.stepDuration, err = meter.Int64Histogram("automation.step.duration",
		metric.WithDescription("步骤执行耗时"), metric.WithUnit("ms")); err != nil {
		return nil, fmt.Errorf("创建指标失败: %w", err)
	}
	if m.finished, err = meter.Int64Counter("automation.enrollments.finished",
		metric.WithDescription("进入终态的报名")); err != nil {
		return nil, fmt.Errorf("创建指标失败: %w", err)
	}
	if m.enrolled, err = meter.Int64Counter("automation.enrollments.created",
		metric.WithDescription("新建报名")); err != nil {
		return nil, fmt.Errorf("创建指标失败: %w", err)
	}
	return m, nil
}

func (m *Metrics) recordTick(ctx context.Context, r TickReport) {
	if m == nil {
		return
	}
	m.ticks.Add(ctx, 1)
	m.tickDuration.Record(ctx, float64(r.DurationMs))
	for result, n := range map[string]int{
		"executed": r.Executed, "lost": r.Lost, "dropped": r.Dropped, "errors": r.Errors, "panics": r.Panics,
	} {
		if n > 0 {
			m.dispatched.Add(ctx, int64(n), metric.WithAttributes(attribute.String("result", result)))
		}
	}
}

func (m *Metrics) recordStep(ctx context.Context, orgID, action, status string, durationMs int64) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("org_id", orgID),
		attribute.String("action", action),
		attribute.String("status", status),
	)
	m.steps.Add(ctx, 1, attrs)
	m.stepDuration.Record(ctx, durationMs, attrs)
}

func (m *Metrics) recordFinished(ctx context.Context, orgID, status string) {
	if m == nil {
		return
	}
	m.finished.Add(ctx, 1, metric.WithAttributes(
		attribute.String("org_id", orgID),
		attribute.String("status", status),
	))
}

func (m *Metrics) recordEnrolled(ctx context.Context, orgID string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.enrolled.Add(ctx, int64(n), metric.WithAttributes(attribute.String("org_id", orgID)))
}
