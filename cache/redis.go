// 本文件实现了 Redis 缓存后端。
// 主要功能：
// 1. Redis 连接管理和健康探测
// 2. 字符串/字节/任意值的序列化读写
// 3. 操作级指标打点

package cache

import (
	"context"
	"encoding/json"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/Anniext/sqlpilot/config"
	"github.com/Anniext/sqlpilot/core"
)

// RedisCache Redis 缓存后端
type RedisCache struct {
	client  *redis.Client
	logger  core.Logger
	metrics core.MetricsCollector
}

// NewRedisCache 创建 Redis 缓存后端，连接失败时返回错误由调用方决定降级。
func NewRedisCache(cfg *config.CacheConfig, logger core.Logger, metrics core.MetricsCollector) (*RedisCache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.GetRedisAddr(),
		Password: cfg.Password,
		DB:       cfg.Database,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, core.WrapError(core.ErrorTypeCache, core.CodeConnectionFailed, "Redis 连接失败", err)
	}

	logger.Info("Redis 缓存已连接", "addr", cfg.GetRedisAddr(), "db", cfg.Database)
	return &RedisCache{client: client, logger: logger, metrics: metrics}, nil
}

// Get 读取缓存值，未命中返回 ErrCacheMiss。JSON 内容自动反序列化。
func (r *RedisCache) Get(ctx context.Context, key string) (any, error) {
	result, err := r.client.Get(ctx, key).Result()
	if err != nil {
		if err == redis.Nil {
			r.metrics.IncrementCounter(core.MetricCacheMissesTotal, map[string]string{"backend": "redis"})
			return nil, core.ErrCacheMiss
		}
		return nil, core.WrapError(core.ErrorTypeCache, core.CodeCacheError, "Redis 读取失败", err)
	}

	var value any
	if err := json.Unmarshal([]byte(result), &value); err != nil {
		value = result
	}

	r.metrics.IncrementCounter(core.MetricCacheHitsTotal, map[string]string{"backend": "redis"})
	return value, nil
}

// Set 写入缓存值，字符串和字节原样存储，其余 JSON 序列化。
func (r *RedisCache) Set(ctx context.Context, key string, value any, ttl time.Duration) error {
	var data []byte
	switch v := value.(type) {
	case string:
		data = []byte(v)
	case []byte:
		data = v
	default:
		encoded, err := json.Marshal(value)
		if err != nil {
			return core.WrapError(core.ErrorTypeCache, core.CodeCacheError, "缓存值序列化失败", err)
		}
		data = encoded
	}

	if err := r.client.Set(ctx, key, data, ttl).Err(); err != nil {
		return core.WrapError(core.ErrorTypeCache, core.CodeCacheError, "Redis 写入失败", err)
	}
	return nil
}

// Delete 删除缓存键。
func (r *RedisCache) Delete(ctx context.Context, key string) error {
	if err := r.client.Del(ctx, key).Err(); err != nil {
		return core.WrapError(core.ErrorTypeCache, core.CodeCacheError, "Redis 删除失败", err)
	}
	return nil
}

// Exists 判断键是否存在，查询出错时按不存在处理。
func (r *RedisCache) Exists(ctx context.Context, key string) bool {
	count, err := r.client.Exists(ctx, key).Result()
	if err != nil {
		return false
	}
	return count > 0
}

// Ping 健康探测。
func (r *RedisCache) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Close 关闭连接。
func (r *RedisCache) Close() error {
	return r.client.Close()
}
