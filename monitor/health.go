// 本文件实现了健康检查系统，提供组件级健康状态监控与汇总报告。
// 主要功能：
// 1. 数据库、Redis 与 LLM 组件健康检查
// 2. 组件状态汇总与整体状态判定
// 3. 周期性后台检查

package monitor

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/Anniext/sqlpilot/core"

	"github.com/go-redis/redis/v8"
)

// HealthStatus 健康状态枚举。
type HealthStatus string

const (
	HealthStatusHealthy   HealthStatus = "healthy"
	HealthStatusDegraded  HealthStatus = "degraded"
	HealthStatusUnhealthy HealthStatus = "unhealthy"
	HealthStatusUnknown   HealthStatus = "unknown"
)

// HealthChecker 健康检查器接口。
type HealthChecker interface {
	CheckHealth(ctx context.Context) *HealthCheckResult
	Name() string
}

// HealthCheckResult 单组件健康检查结果。
// Component：组件名。
// Status：健康状态。
// Message：状态说明。
// Duration：检查耗时。
// CheckTime：检查时间。
type HealthCheckResult struct {
	Component string        `json:"component"`       // 组件名
	Status    HealthStatus  `json:"status"`          // 健康状态
	Message   string        `json:"message"`         // 状态说明
	Duration  time.Duration `json:"duration"`        // 检查耗时
	CheckTime time.Time     `json:"check_time"`      // 检查时间
	Error     string        `json:"error,omitempty"` // 错误信息
}

// HealthReport 健康汇总报告。
type HealthReport struct {
	OverallStatus HealthStatus                  `json:"overall_status"` // 整体状态
	Components    map[string]*HealthCheckResult `json:"components"`     // 各组件结果
	CheckedAt     time.Time                     `json:"checked_at"`     // 汇总时间
}

// HealthManager 健康检查管理器。
type HealthManager struct {
	checkers []HealthChecker
	timeout  time.Duration
	logger   core.Logger
	last     *HealthReport
	mutex    sync.RWMutex
}

// NewHealthManager 创建健康检查管理器。
func NewHealthManager(logger core.Logger) *HealthManager {
	return &HealthManager{
		timeout: 5 * time.Second,
		logger:  logger,
	}
}

// Register 注册健康检查器。
func (hm *HealthManager) Register(checker HealthChecker) {
	hm.mutex.Lock()
	defer hm.mutex.Unlock()
	hm.checkers = append(hm.checkers, checker)
}

// Check 执行一轮全组件健康检查。
func (hm *HealthManager) Check(ctx context.Context) *HealthReport {
	hm.mutex.RLock()
	checkers := make([]HealthChecker, len(hm.checkers))
	copy(checkers, hm.checkers)
	hm.mutex.RUnlock()

	report := &HealthReport{
		OverallStatus: HealthStatusHealthy,
		Components:    make(map[string]*HealthCheckResult, len(checkers)),
		CheckedAt:     time.Now(),
	}

	for _, checker := range checkers {
		checkCtx, cancel := context.WithTimeout(ctx, hm.timeout)
		result := checker.CheckHealth(checkCtx)
		cancel()

		report.Components[checker.Name()] = result

		switch result.Status {
		case HealthStatusUnhealthy:
			report.OverallStatus = HealthStatusUnhealthy
		case HealthStatusDegraded:
			if report.OverallStatus == HealthStatusHealthy {
				report.OverallStatus = HealthStatusDegraded
			}
		}
	}

	hm.mutex.Lock()
	hm.last = report
	hm.mutex.Unlock()

	return report
}

// LastReport 返回最近一次健康报告。
func (hm *HealthManager) LastReport() *HealthReport {
	hm.mutex.RLock()
	defer hm.mutex.RUnlock()
	return hm.last
}

// StartBackground 启动周期性后台检查，ctx 取消时停止。
func (hm *HealthManager) StartBackground(ctx context.Context, interval time.Duration) {
	core.SafeGoroutine(func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				report := hm.Check(ctx)
				if report.OverallStatus != HealthStatusHealthy {
					hm.logger.Warn("健康检查发现异常", "status", report.OverallStatus)
				}
			}
		}
	}, hm.logger)
}

// DatabaseChecker 数据库健康检查器。
type DatabaseChecker struct {
	db *sql.DB
}

// NewDatabaseChecker 创建数据库健康检查器。
func NewDatabaseChecker(db *sql.DB) *DatabaseChecker {
	return &DatabaseChecker{db: db}
}

func (c *DatabaseChecker) Name() string { return "database" }

// CheckHealth 通过 Ping 与连接池状态判定数据库健康。
func (c *DatabaseChecker) CheckHealth(ctx context.Context) *HealthCheckResult {
	start := time.Now()
	result := &HealthCheckResult{Component: c.Name(), CheckTime: start}

	if err := c.db.PingContext(ctx); err != nil {
		result.Status = HealthStatusUnhealthy
		result.Message = "数据库连接失败"
		result.Error = err.Error()
		result.Duration = time.Since(start)
		return result
	}

	stats := c.db.Stats()
	result.Status = HealthStatusHealthy
	result.Message = fmt.Sprintf("连接正常，使用中 %d / 最大 %d", stats.InUse, stats.MaxOpenConnections)
	if stats.MaxOpenConnections > 0 && stats.InUse >= stats.MaxOpenConnections {
		result.Status = HealthStatusDegraded
		result.Message = "连接池已满"
	}
	result.Duration = time.Since(start)
	return result
}

// RedisChecker Redis 健康检查器。
type RedisChecker struct {
	client *redis.Client
}

// NewRedisChecker 创建 Redis 健康检查器。
func NewRedisChecker(client *redis.Client) *RedisChecker {
	return &RedisChecker{client: client}
}

func (c *RedisChecker) Name() string { return "redis" }

// CheckHealth 通过 PING 判定 Redis 健康。缓存不可用只降级不致命。
func (c *RedisChecker) CheckHealth(ctx context.Context) *HealthCheckResult {
	start := time.Now()
	result := &HealthCheckResult{Component: c.Name(), CheckTime: start}

	if err := c.client.Ping(ctx).Err(); err != nil {
		result.Status = HealthStatusDegraded
		result.Message = "Redis 不可达，结果缓存降级为内存模式"
		result.Error = err.Error()
	} else {
		result.Status = HealthStatusHealthy
		result.Message = "连接正常"
	}
	result.Duration = time.Since(start)
	return result
}

// Prober 组件自检接口，LLM 客户端等实现该接口后可注册探针检查器。
type Prober interface {
	CheckHealth(ctx context.Context) error
}

// ProbeChecker 基于自检接口的通用健康检查器。
type ProbeChecker struct {
	name   string
	prober Prober
}

// NewProbeChecker 创建探针健康检查器。
func NewProbeChecker(name string, prober Prober) *ProbeChecker {
	return &ProbeChecker{name: name, prober: prober}
}

func (c *ProbeChecker) Name() string { return c.name }

// CheckHealth 调用组件自检。
func (c *ProbeChecker) CheckHealth(ctx context.Context) *HealthCheckResult {
	start := time.Now()
	result := &HealthCheckResult{Component: c.name, CheckTime: start}

	if err := c.prober.CheckHealth(ctx); err != nil {
		result.Status = HealthStatusUnhealthy
		result.Message = "组件自检失败"
		result.Error = err.Error()
	} else {
		result.Status = HealthStatusHealthy
		result.Message = "自检通过"
	}
	result.Duration = time.Since(start)
	return result
}
