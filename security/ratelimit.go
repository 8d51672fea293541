// 本文件实现了基于固定窗口的客户端 IP 限流器。
// 主要功能：
// 1. 按 IP 的固定窗口请求计数
// 2. 超限 IP 的自动封禁和落库
// 3. 进程重启后封禁状态恢复
// 4. 过期窗口和封禁的惰性清理

package security

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/Anniext/sqlpilot/core"
)

// rateWindow 单个 IP 的计数窗口
type rateWindow struct {
	count     int       // 窗口内请求数
	resetTime time.Time // 窗口重置时间
}

// RateLimiter 固定窗口限流器
type RateLimiter struct {
	mu            sync.Mutex             // 保护以下全部状态
	windows       map[string]*rateWindow // IP -> 计数窗口
	blocked       map[string]time.Time   // IP -> 封禁过期时间
	maxRequests   int                    // 窗口内请求上限
	window        time.Duration          // 窗口时长
	blockDuration time.Duration          // 封禁时长
	store         *Store                 // 审计存储器
	logger        core.Logger            // 日志记录器
	metrics       core.MetricsCollector  // 指标收集器
	now           func() time.Time       // 时钟，测试时可替换
}

// NewRateLimiter 创建限流器。maxRequests/window/blockDuration 为零值时使用默认值。
func NewRateLimiter(maxRequests int, window, blockDuration time.Duration, store *Store, logger core.Logger, metrics core.MetricsCollector) *RateLimiter {
	if maxRequests <= 0 {
		maxRequests = core.DefaultRateLimitRequests
	}
	if window <= 0 {
		window = core.DefaultRateLimitWindow
	}
	if blockDuration <= 0 {
		blockDuration = core.DefaultBlockDuration
	}

	return &RateLimiter{
		windows:       make(map[string]*rateWindow),
		blocked:       make(map[string]time.Time),
		maxRequests:   maxRequests,
		window:        window,
		blockDuration: blockDuration,
		store:         store,
		logger:        logger,
		metrics:       metrics,
		now:           time.Now,
	}
}

// Restore 从数据库加载未过期的封禁记录，进程启动时调用一次。
func (rl *RateLimiter) Restore(ctx context.Context) error {
	blocks, err := rl.store.LoadActiveBlocks(ctx)
	if err != nil {
		return err
	}

	rl.mu.Lock()
	for _, block := range blocks {
		rl.blocked[block.IPAddress] = block.ExpiresAt
	}
	rl.mu.Unlock()

	if len(blocks) > 0 {
		rl.logger.Info("封禁状态恢复完成", "count", len(blocks))
	}
	return nil
}

// Allow 判断来自指定 IP 的请求是否放行。窗口从该 IP 的第一个请求开始计时，
// 窗口内计数超过上限时封禁该 IP 并持久化。
func (rl *RateLimiter) Allow(ctx context.Context, ip string) bool {
	rl.mu.Lock()
	now := rl.now()

	// 惰性清理已过期的窗口和封禁
	for addr, win := range rl.windows {
		if now.After(win.resetTime) {
			delete(rl.windows, addr)
		}
	}
	for addr, expires := range rl.blocked {
		if now.After(expires) {
			delete(rl.blocked, addr)
		}
	}

	if expires, ok := rl.blocked[ip]; ok && now.Before(expires) {
		rl.mu.Unlock()
		rl.metrics.IncrementCounter(core.MetricRateLimitTotal, map[string]string{"result": "blocked"})
		return false
	}

	win, ok := rl.windows[ip]
	if !ok || now.After(win.resetTime) {
		win = &rateWindow{resetTime: now.Add(rl.window)}
		rl.windows[ip] = win
	}
	win.count++

	if win.count > rl.maxRequests {
		reason := fmt.Sprintf("限流超限: 窗口内 %d 次请求", win.count)
		expiresAt := now.Add(rl.blockDuration)
		rl.blocked[ip] = expiresAt
		rl.mu.Unlock()

		rl.persistBlock(ctx, ip, reason, expiresAt)
		rl.metrics.IncrementCounter(core.MetricRateLimitTotal, map[string]string{"result": "exceeded"})
		return false
	}

	rl.mu.Unlock()
	rl.metrics.IncrementCounter(core.MetricRateLimitTotal, map[string]string{"result": "allowed"})
	return true
}

// IsBlocked 判断 IP 当前是否处于封禁状态。
func (rl *RateLimiter) IsBlocked(ip string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	expires, ok := rl.blocked[ip]
	if !ok {
		return false
	}
	if rl.now().After(expires) {
		delete(rl.blocked, ip)
		return false
	}
	return true
}

// Block 手动封禁一个 IP。
func (rl *RateLimiter) Block(ctx context.Context, ip, reason string) {
	expiresAt := rl.now().Add(rl.blockDuration)

	rl.mu.Lock()
	rl.blocked[ip] = expiresAt
	rl.mu.Unlock()

	rl.persistBlock(ctx, ip, reason, expiresAt)
}

// Unblock 解除指定 IP 的封禁。
func (rl *RateLimiter) Unblock(ctx context.Context, ip string) error {
	rl.mu.Lock()
	delete(rl.blocked, ip)
	delete(rl.windows, ip)
	rl.mu.Unlock()

	if err := rl.store.UnblockIP(ctx, ip); err != nil {
		return err
	}
	rl.logger.Info("IP 封禁已解除", "ip", ip)
	return nil
}

// Stats 返回当前活跃窗口数和封禁数。
func (rl *RateLimiter) Stats() (activeWindows, blockedCount int) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.windows), len(rl.blocked)
}

func (rl *RateLimiter) persistBlock(ctx context.Context, ip, reason string, expiresAt time.Time) {
	if err := rl.store.BlockIP(ctx, ip, reason, expiresAt); err != nil {
		rl.logger.Error("封禁记录落库失败", "ip", ip, "error", err)
	}

	rl.store.InsertEvent(ctx, &SecurityEvent{
		EventType:   EventTypeIPBlocked,
		IPAddress:   ip,
		ThreatLevel: ThreatLevelHigh,
		ActionTaken: ActionBlocked,
		Details:     fmt.Sprintf("IP 已封禁: %s", reason),
	})
	rl.logger.Warn("IP 已封禁", "ip", ip, "reason", reason, "expires_at", expiresAt.Format(time.RFC3339))
}
