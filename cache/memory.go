// 本文件实现了进程内 LRU 缓存后端，作为 Redis 不可用时的降级存储。
// 主要功能：
// 1. 容量受限的 LRU 淘汰
// 2. 过期时间支持和惰性清理
// 3. 与 Redis 后端一致的读写语义

package cache

import (
	"container/list"
	"context"
	"sync"
	"time"

	"github.com/Anniext/sqlpilot/core"
)

const defaultMemoryCapacity = 1024

type memoryEntry struct {
	key       string
	value     any
	expiresAt time.Time // 零值表示不过期
}

// MemoryCache 进程内 LRU 缓存后端
type MemoryCache struct {
	mu       sync.Mutex
	capacity int
	order    *list.List               // 最近使用在队首
	items    map[string]*list.Element // key -> 链表节点
	metrics  core.MetricsCollector
}

// NewMemoryCache 创建进程内缓存，capacity <= 0 时使用默认容量。
func NewMemoryCache(capacity int, metrics core.MetricsCollector) *MemoryCache {
	if capacity <= 0 {
		capacity = defaultMemoryCapacity
	}
	return &MemoryCache{
		capacity: capacity,
		order:    list.New(),
		items:    make(map[string]*list.Element),
		metrics:  metrics,
	}
}

// Get 读取缓存值，未命中或已过期返回 ErrCacheMiss。
func (m *MemoryCache) Get(ctx context.Context, key string) (any, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	element, ok := m.items[key]
	if !ok {
		m.metrics.IncrementCounter(core.MetricCacheMissesTotal, map[string]string{"backend": "memory"})
		return nil, core.ErrCacheMiss
	}

	entry := element.Value.(*memoryEntry)
	if !entry.expiresAt.IsZero() && time.Now().After(entry.expiresAt) {
		m.order.Remove(element)
		delete(m.items, key)
		m.metrics.IncrementCounter(core.MetricCacheMissesTotal, map[string]string{"backend": "memory"})
		return nil, core.ErrCacheMiss
	}

	m.order.MoveToFront(element)
	m.metrics.IncrementCounter(core.MetricCacheHitsTotal, map[string]string{"backend": "memory"})
	return entry.value, nil
}

// Set 写入缓存值，容量满时淘汰最久未使用的键。
func (m *MemoryCache) Set(ctx context.Context, key string, value any, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var expiresAt time.Time
	if ttl > 0 {
		expiresAt = time.Now().Add(ttl)
	}

	if element, ok := m.items[key]; ok {
		entry := element.Value.(*memoryEntry)
		entry.value = value
		entry.expiresAt = expiresAt
		m.order.MoveToFront(element)
		return nil
	}

	element := m.order.PushFront(&memoryEntry{key: key, value: value, expiresAt: expiresAt})
	m.items[key] = element

	if m.order.Len() > m.capacity {
		oldest := m.order.Back()
		if oldest != nil {
			m.order.Remove(oldest)
			delete(m.items, oldest.Value.(*memoryEntry).key)
		}
	}
	return nil
}

// Delete 删除缓存键，键不存在时不报错。
func (m *MemoryCache) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if element, ok := m.items[key]; ok {
		m.order.Remove(element)
		delete(m.items, key)
	}
	return nil
}

// Exists 判断键是否存在且未过期。
func (m *MemoryCache) Exists(ctx context.Context, key string) bool {
	_, err := m.Get(ctx, key)
	return err == nil
}

// Len 返回当前缓存条数。
func (m *MemoryCache) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.order.Len()
}
