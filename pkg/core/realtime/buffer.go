// Package realtime 提供实时推送连接的背压缓冲区
package realtime

import (
	"context"
	"sync"
	"sync/atomic"
)

// Buffer 有界推送缓冲区（对外导出）
// 生产方非阻塞写入，满时丢弃新数据，消费方慢不会阻塞上游发布。
type Buffer[T any] struct {
	data         chan T
	capacity     int
	threshold    float64
	backpressure atomic.Bool

	totalIn  atomic.Int64
	totalOut atomic.Int64
	dropped  atomic.Int64

	onBackpressure        func(usage float64)
	onBackpressureRelieve func(usage float64)
	mu                    sync.RWMutex
}

// Stats 缓冲区统计
type Stats struct {
	TotalIn  int64   `json:"totalIn"`
	TotalOut int64   `json:"totalOut"`
	Dropped  int64   `json:"dropped"`
	Usage    float64 `json:"usage"`
}

// NewBuffer 创建缓冲区，threshold 为触发背压的使用率 (0,1]
func NewBuffer[T any](capacity int, threshold float64) *Buffer[T] {
	if capacity <= 0 {
		capacity = 256
	}
	if threshold <= 0 || threshold > 1 {
		threshold = 0.8
	}
	return &Buffer[T]{
		data:      make(chan T, capacity),
		capacity:  capacity,
		threshold: threshold,
	}
}

// OnBackpressure 设置背压触发与解除回调，回调在独立 goroutine 中执行
func (b *Buffer[T]) OnBackpressure(trigger, relieve func(usage float64)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onBackpressure = trigger
	b.onBackpressureRelieve = relieve
}

// Push 非阻塞写入，缓冲区满时丢弃并返回 false
func (b *Buffer[T]) Push(item T) bool {
	select {
	case b.data <- item:
		b.totalIn.Add(1)
		b.checkBackpressure()
		return true
	default:
		b.dropped.Add(1)
		return false
	}
}

// Pop 阻塞读取，ctx 结束时返回 false
func (b *Buffer[T]) Pop(ctx context.Context) (T, bool) {
	select {
	case item := <-b.data:
		b.totalOut.Add(1)
		b.checkBackpressure()
		return item, true
	case <-ctx.Done():
		var zero T
		return zero, false
	}
}

// TryPop 非阻塞读取
func (b *Buffer[T]) TryPop() (T, bool) {
	select {
	case item := <-b.data:
		b.totalOut.Add(1)
		b.checkBackpressure()
		return item, true
	default:
		var zero T
		return zero, false
	}
}

// Len 当前长度
func (b *Buffer[T]) Len() int {
	return len(b.data)
}

// Cap 容量
func (b *Buffer[T]) Cap() int {
	return b.capacity
}

// Usage 使用率
func (b *Buffer[T]) Usage() float64 {
	return float64(len(b.data)) / float64(b.capacity)
}

// IsBackpressure 是否处于背压状态
func (b *Buffer[T]) IsBackpressure() bool {
	return b.backpressure.Load()
}

// Stats 统计快照
func (b *Buffer[T]) Stats() Stats {
	return Stats{
		TotalIn:  b.totalIn.Load(),
		TotalOut: b.totalOut.Load(),
		Dropped:  b.dropped.Load(),
		Usage:    b.Usage(),
	}
}

// Drain 排空缓冲区并返回剩余数据
func (b *Buffer[T]) Drain() []T {
	var items []T
	for {
		select {
		case item := <-b.data:
			items = append(items, item)
			b.totalOut.Add(1)
		default:
			b.checkBackpressure()
			return items
		}
	}
}

// checkBackpressure 使用率达到阈值时触发，降到阈值一半以下时解除
func (b *Buffer[T]) checkBackpressure() {
	usage := b.Usage()
	var callback func(float64)
	switch {
	case usage >= b.threshold:
		if b.backpressure.CompareAndSwap(false, true) {
			b.mu.RLock()
			callback = b.onBackpressure
			b.mu.RUnlock()
		}
	case usage < b.threshold*0.5:
		if b.backpressure.CompareAndSwap(true, false) {
			b.mu.RLock()
			callback = b.onBackpressureRelieve
			b.mu.RUnlock()
		}
	}
	if callback != nil {
		go callback(usage)
	}
}
