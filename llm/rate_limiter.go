// 本文件实现了客户端侧限流器，采用令牌桶算法按请求速率限流，
// 防止对模型服务的突发超载。

package llm

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/Anniext/sqlpilot/core"
)

// RateLimiter 请求限流器，令牌桶按分钟速率补充。
type RateLimiter struct {
	requestsPerMinute int
	tokens            float64
	lastRefill        time.Time
	logger            core.Logger

	totalRequests   int64
	blockedRequests int64

	mutex sync.Mutex
}

// NewRateLimiter 创建限流器。requestsPerMinute 非正数时不限流。
func NewRateLimiter(requestsPerMinute int, logger core.Logger) *RateLimiter {
	return &RateLimiter{
		requestsPerMinute: requestsPerMinute,
		tokens:            float64(requestsPerMinute),
		lastRefill:        time.Now(),
		logger:            logger,
	}
}

// Allow 检查是否允许本次请求。estimatedTokens 仅用于统计。
func (r *RateLimiter) Allow(ctx context.Context, estimatedTokens int) error {
	if r.requestsPerMinute <= 0 {
		return nil
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	r.mutex.Lock()
	defer r.mutex.Unlock()

	r.totalRequests++

	now := time.Now()
	elapsed := now.Sub(r.lastRefill)
	r.tokens += elapsed.Minutes() * float64(r.requestsPerMinute)
	if r.tokens > float64(r.requestsPerMinute) {
		r.tokens = float64(r.requestsPerMinute)
	}
	r.lastRefill = now

	if r.tokens < 1 {
		r.blockedRequests++
		r.logger.Warn("LLM 请求限流",
			"requests_per_minute", r.requestsPerMinute,
			"estimated_tokens", estimatedTokens,
		)
		return fmt.Errorf("请求速率超出限制: %d 次/分钟", r.requestsPerMinute)
	}

	r.tokens--
	return nil
}

// GetStats 获取限流统计。
func (r *RateLimiter) GetStats() map[string]any {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	return map[string]any{
		"requests_per_minute": r.requestsPerMinute,
		"available_tokens":    int(r.tokens),
		"total_requests":      r.totalRequests,
		"blocked_requests":    r.blockedRequests,
	}
}
