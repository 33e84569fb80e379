// Package cache 进程内TTL缓存，用于活动工作流查询与事件去重
package cache

import (
	"strings"
	"sync"
	"time"

	"github.com/LENAX/crm-automation/pkg/core/clock"
)

// cacheEntry 缓存条目（内部使用）
type cacheEntry[V any] struct {
	value      V
	expireTime time.Time
}

// TTLCache 带过期时间的内存缓存（对外导出）
type TTLCache[V any] struct {
	mu    sync.RWMutex
	cache map[string]*cacheEntry[V]
	ttl   time.Duration
	clock clock.Clock

	stop     chan struct{}
	stopOnce sync.Once
}

// NewTTLCache 创建缓存实例（对外导出）
// ttl: 默认有效期；cleanInterval <= 0 时不启动清理协程，过期条目在读取时淘汰
func NewTTLCache[V any](ttl, cleanInterval time.Duration, c clock.Clock) *TTLCache[V] {
	tc := &TTLCache[V]{
		cache: make(map[string]*cacheEntry[V]),
		ttl:   ttl,
		clock: clock.OrSystem(c),
		stop:  make(chan struct{}),
	}
	if cleanInterval > 0 {
		go tc.cleanupExpired(cleanInterval)
	}
	return tc
}

// Set 使用默认有效期设置缓存值
func (c *TTLCache[V]) Set(key string, value V) {
	c.SetWithTTL(key, value, c.ttl)
}

// SetWithTTL 设置缓存值
func (c *TTLCache[V]) SetWithTTL(key string, value V, ttl time.Duration) {
	if key == "" || ttl <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cache[key] = &cacheEntry[V]{value: value, expireTime: c.clock.Now().Add(ttl)}
}

// SetIfAbsent 键不存在或已过期时写入并返回 true
func (c *TTLCache[V]) SetIfAbsent(key string, value V) bool {
	if key == "" {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.clock.Now()
	if entry, ok := c.cache[key]; ok && now.Before(entry.expireTime) {
		return false
	}
	c.cache[key] = &cacheEntry[V]{value: value, expireTime: now.Add(c.ttl)}
	return true
}

// Get 获取缓存值
func (c *TTLCache[V]) Get(key string) (V, bool) {
	var zero V
	if key == "" {
		return zero, false
	}

	c.mu.RLock()
	entry, exists := c.cache[key]
	c.mu.RUnlock()
	if !exists {
		return zero, false
	}

	if !c.clock.Now().Before(entry.expireTime) {
		c.mu.Lock()
		if cur, ok := c.cache[key]; ok && cur == entry {
			delete(c.cache, key)
		}
		c.mu.Unlock()
		return zero, false
	}
	return entry.value, true
}

// Delete 删除缓存值
func (c *TTLCache[V]) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.cache, key)
}

// DeletePrefix 删除指定前缀的全部键
func (c *TTLCache[V]) DeletePrefix(prefix string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for key := range c.cache {
		if strings.HasPrefix(key, prefix) {
			delete(c.cache, key)
			n++
		}
	}
	return n
}

// Len 当前条目数（含未清理的过期条目）
func (c *TTLCache[V]) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.cache)
}

// Clear 清空所有缓存
func (c *TTLCache[V]) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cache = make(map[string]*cacheEntry[V])
}

// Close 停止清理协程
func (c *TTLCache[V]) Close() {
	c.stopOnce.Do(func() { close(c.stop) })
}

// cleanupExpired 清理过期缓存（内部方法）
func (c *TTLCache[V]) cleanupExpired(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			c.purge()
		}
	}
}

func (c *TTLCache[V]) purge() {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.clock.Now()
	for key, entry := range c.cache {
		if !now.Before(entry.expireTime) {
			delete(c.cache, key)
		}
	}
}
