// 本文件实现了查询结果缓存，流水线在规划之前查询、在成功完成之后写入。
// 主要功能：
// 1. 问题和目标表的哈希键构造
// 2. Redis 主后端，失效时降级到进程内 LRU
// 3. 只缓存成功的终态响应
// 4. 降级事件只记录一次

package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Anniext/sqlpilot/core"
)

// ResultCache 查询结果缓存
type ResultCache struct {
	primary   core.CacheManager // Redis 后端，可为 nil
	fallback  *MemoryCache      // 降级后端
	ttl       time.Duration
	keyPrefix string
	logger    core.Logger
	degraded  atomic.Bool
	logOnce   sync.Once
}

// NewResultCache 创建查询结果缓存。primary 传 nil 时直接使用进程内缓存。
func NewResultCache(primary core.CacheManager, ttl time.Duration, keyPrefix string, logger core.Logger, metrics core.MetricsCollector) *ResultCache {
	if ttl <= 0 {
		ttl = core.DefaultResultTTL
	}
	if keyPrefix == "" {
		keyPrefix = "sqlpilot:result:"
	}

	cache := &ResultCache{
		primary:   primary,
		fallback:  NewMemoryCache(defaultMemoryCapacity, metrics),
		ttl:       ttl,
		keyPrefix: keyPrefix,
		logger:    logger,
	}
	if primary == nil {
		cache.degraded.Store(true)
	}
	return cache
}

// Key 由规范化问题和目标表构造缓存键。
func (rc *ResultCache) Key(question string, tables []string) string {
	normalized := strings.ToLower(strings.Join(strings.Fields(question), " "))

	sorted := make([]string, len(tables))
	copy(sorted, tables)
	sort.Strings(sorted)

	sum := sha256.Sum256([]byte(normalized + "|" + strings.Join(sorted, ",")))
	return rc.keyPrefix + hex.EncodeToString(sum[:])
}

// Get 查询缓存的响应，未命中返回 (nil, false)。
func (rc *ResultCache) Get(ctx context.Context, question string, tables []string) (*core.QueryResponse, bool) {
	key := rc.Key(question, tables)

	value, err := rc.backend().Get(ctx, key)
	if err != nil {
		if err != core.ErrCacheMiss {
			rc.handleBackendError(err)
		}
		return nil, false
	}

	response, err := decodeResponse(value)
	if err != nil {
		rc.logger.Warn("缓存响应解析失败，按未命中处理", "key", key, "error", err)
		return nil, false
	}

	response.CacheHit = true
	return response, true
}

// Set 写入成功的终态响应。失败、待澄清或空响应不写入。
func (rc *ResultCache) Set(ctx context.Context, question string, tables []string, response *core.QueryResponse) {
	if response == nil || !response.Success || response.NeedsClarification {
		return
	}

	key := rc.Key(question, tables)
	data, err := json.Marshal(response)
	if err != nil {
		rc.logger.Warn("缓存响应序列化失败", "error", err)
		return
	}

	if err := rc.backend().Set(ctx, key, data, rc.ttl); err != nil {
		rc.handleBackendError(err)
		// 降级后把这次结果写进内存缓存，不再丢弃
		_ = rc.fallback.Set(ctx, key, data, rc.ttl)
	}
}

// Invalidate 删除指定问题的缓存。
func (rc *ResultCache) Invalidate(ctx context.Context, question string, tables []string) {
	key := rc.Key(question, tables)
	_ = rc.backend().Delete(ctx, key)
	_ = rc.fallback.Delete(ctx, key)
}

// Degraded 返回是否处于内存降级模式。
func (rc *ResultCache) Degraded() bool {
	return rc.degraded.Load()
}

func (rc *ResultCache) backend() core.CacheManager {
	if rc.degraded.Load() || rc.primary == nil {
		return rc.fallback
	}
	return rc.primary
}

// handleBackendError 把缓存切换到内存降级模式，降级日志只打一次。
func (rc *ResultCache) handleBackendError(err error) {
	if rc.degraded.CompareAndSwap(false, true) {
		rc.logOnce.Do(func() {
			rc.logger.Warn("Redis 结果缓存不可用，降级为内存模式", "error", err)
		})
	}
}

// decodeResponse 兼容两种存储形态：内存后端存的 JSON 字节，
// Redis 后端经 Get 反序列化后的 map。
func decodeResponse(value any) (*core.QueryResponse, error) {
	var data []byte
	switch v := value.(type) {
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		encoded, err := json.Marshal(v)
		if err != nil {
			return nil, err
		}
		data = encoded
	}

	response := &core.QueryResponse{}
	if err := json.Unmarshal(data, response); err != nil {
		return nil, err
	}
	return response, nil
}
