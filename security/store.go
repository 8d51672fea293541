// 本文件实现了安全事件与封禁 IP 的持久化存储，基于 database/sql 访问 MySQL。
// 主要功能：
// 1. 安全审计表结构初始化
// 2. 安全事件写入与查询
// 3. 封禁 IP 的写入、加载和清理
// 4. 过期审计数据的定期清理

package security

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/Anniext/sqlpilot/core"
)

// SecurityEvent 安全事件结构体
type SecurityEvent struct {
	ID          int64     `json:"id"`           // 事件ID
	Timestamp   time.Time `json:"timestamp"`    // 发生时间
	EventType   string    `json:"event_type"`   // 事件类型
	User        string    `json:"user"`         // 用户名
	IPAddress   string    `json:"ip_address"`   // 客户端IP
	Query       string    `json:"query"`        // 自然语言问题
	SQLQuery    string    `json:"sql_query"`    // SQL 语句
	ThreatLevel string    `json:"threat_level"` // 威胁等级
	ActionTaken string    `json:"action_taken"` // 处置动作
	Details     string    `json:"details"`      // 详细信息
}

// BlockedIP 封禁 IP 记录
type BlockedIP struct {
	ID        int64     `json:"id"`         // 记录ID
	IPAddress string    `json:"ip_address"` // IP 地址
	BlockedAt time.Time `json:"blocked_at"` // 封禁时间
	Reason    string    `json:"reason"`     // 封禁原因
	ExpiresAt time.Time `json:"expires_at"` // 过期时间
}

// 事件类型常量
const (
	EventTypeDangerousOperation = "dangerous_operation_detected" // 危险操作
	EventTypeSuspiciousPattern  = "suspicious_pattern"           // 可疑模式
	EventTypeSQLValidated       = "sql_validated"                // SQL 校验通过
	EventTypeQueryFlagged       = "query_flagged"                // 自然语言问题被标记
	EventTypeRateLimitExceeded  = "rate_limit_exceeded"          // 限流触发
	EventTypeIPBlocked          = "ip_blocked"                   // IP 封禁
	EventTypePIIDetected        = "pii_detected"                 // PII 检测
)

// 威胁等级常量
const (
	ThreatLevelHigh   = "HIGH"
	ThreatLevelMedium = "MEDIUM"
	ThreatLevelLow    = "LOW"
)

// 处置动作常量
const (
	ActionBlocked = "BLOCKED" // 已阻止
	ActionGuarded = "GUARDED" // 带防护放行
	ActionAllowed = "ALLOWED" // 放行
	ActionFlagged = "FLAGGED" // 标记
)

// Store 安全审计存储器
type Store struct {
	db      *sql.DB               // 数据库连接
	logger  core.Logger           // 日志记录器
	metrics core.MetricsCollector // 指标收集器
}

// NewStore 创建安全审计存储器
func NewStore(db *sql.DB, logger core.Logger, metrics core.MetricsCollector) *Store {
	return &Store{
		db:      db,
		logger:  logger,
		metrics: metrics,
	}
}

// Bootstrap 初始化审计相关表结构，幂等执行。
func (s *Store) Bootstrap(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS security_events (
			id BIGINT AUTO_INCREMENT PRIMARY KEY,
			timestamp DATETIME NOT NULL,
			event_type VARCHAR(64) NOT NULL,
			user VARCHAR(128),
			ip_address VARCHAR(64),
			query TEXT,
			sql_query TEXT,
			threat_level VARCHAR(16) NOT NULL,
			action_taken VARCHAR(16) NOT NULL,
			details TEXT,
			INDEX idx_timestamp (timestamp),
			INDEX idx_event_type (event_type),
			INDEX idx_threat_level (threat_level),
			INDEX idx_ip_address (ip_address)
		)`,
		`CREATE TABLE IF NOT EXISTS blocked_ips (
			id BIGINT AUTO_INCREMENT PRIMARY KEY,
			ip_address VARCHAR(64) NOT NULL UNIQUE,
			blocked_at DATETIME NOT NULL,
			reason VARCHAR(255),
			expires_at DATETIME NOT NULL,
			INDEX idx_expires_at (expires_at)
		)`,
		`CREATE TABLE IF NOT EXISTS user_permissions (
			id BIGINT AUTO_INCREMENT PRIMARY KEY,
			user VARCHAR(128) NOT NULL UNIQUE,
			permission_level VARCHAR(32) NOT NULL DEFAULT 'read',
			allowed_tables TEXT,
			created_at DATETIME NOT NULL
		)`,
	}

	for _, stmt := range statements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return core.WrapError(core.ErrorTypeDatabase, core.CodeDatabaseError, "初始化审计表失败", err)
		}
	}

	s.logger.Info("安全审计表初始化完成")
	return nil
}

// InsertEvent 写入一条安全事件。写入失败只记录日志，不向调用方传播，
// 审计失败不应阻断查询主流程。
func (s *Store) InsertEvent(ctx context.Context, event *SecurityEvent) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	result, err := s.db.ExecContext(ctx,
		`INSERT INTO security_events
		(timestamp, event_type, user, ip_address, query, sql_query, threat_level, action_taken, details)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		event.Timestamp, event.EventType, event.User, event.IPAddress,
		event.Query, event.SQLQuery, event.ThreatLevel, event.ActionTaken, event.Details)
	if err != nil {
		s.logger.Error("写入安全事件失败", "error", err, "event_type", event.EventType)
		return
	}

	if id, err := result.LastInsertId(); err == nil {
		event.ID = id
	}

	s.metrics.IncrementCounter(core.MetricSecurityEventsTotal, map[string]string{
		"event_type":   event.EventType,
		"threat_level": event.ThreatLevel,
	})
}

// RecentEvents 查询最近的安全事件，按时间倒序。
func (s *Store) RecentEvents(ctx context.Context, limit int) ([]*SecurityEvent, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, timestamp, event_type, COALESCE(user, ''), COALESCE(ip_address, ''),
		COALESCE(query, ''), COALESCE(sql_query, ''), threat_level, action_taken, COALESCE(details, '')
		FROM security_events ORDER BY timestamp DESC LIMIT ?`, limit)
	if err != nil {
		return nil, core.WrapError(core.ErrorTypeDatabase, core.CodeDatabaseError, "查询安全事件失败", err)
	}
	defer rows.Close()

	var events []*SecurityEvent
	for rows.Next() {
		event := &SecurityEvent{}
		if err := rows.Scan(&event.ID, &event.Timestamp, &event.EventType, &event.User,
			&event.IPAddress, &event.Query, &event.SQLQuery, &event.ThreatLevel,
			&event.ActionTaken, &event.Details); err != nil {
			return nil, core.WrapError(core.ErrorTypeDatabase, core.CodeDatabaseError, "解析安全事件失败", err)
		}
		events = append(events, event)
	}

	return events, rows.Err()
}

// BlockIP 将 IP 写入封禁表，已存在时刷新封禁时间和原因。
func (s *Store) BlockIP(ctx context.Context, ip, reason string, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO blocked_ips (ip_address, blocked_at, reason, expires_at)
		VALUES (?, ?, ?, ?)
		ON DUPLICATE KEY UPDATE blocked_at = VALUES(blocked_at), reason = VALUES(reason), expires_at = VALUES(expires_at)`,
		ip, time.Now(), reason, expiresAt)
	if err != nil {
		return core.WrapError(core.ErrorTypeDatabase, core.CodeDatabaseError, "写入封禁记录失败", err)
	}
	return nil
}

// UnblockIP 删除指定 IP 的封禁记录。
func (s *Store) UnblockIP(ctx context.Context, ip string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM blocked_ips WHERE ip_address = ?`, ip); err != nil {
		return core.WrapError(core.ErrorTypeDatabase, core.CodeDatabaseError, "删除封禁记录失败", err)
	}
	return nil
}

// LoadActiveBlocks 加载尚未过期的封禁记录，进程启动时恢复封禁状态使用。
func (s *Store) LoadActiveBlocks(ctx context.Context) ([]*BlockedIP, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, ip_address, blocked_at, COALESCE(reason, ''), expires_at
		FROM blocked_ips WHERE expires_at > ?`, time.Now())
	if err != nil {
		return nil, core.WrapError(core.ErrorTypeDatabase, core.CodeDatabaseError, "加载封禁记录失败", err)
	}
	defer rows.Close()

	var blocks []*BlockedIP
	for rows.Next() {
		block := &BlockedIP{}
		if err := rows.Scan(&block.ID, &block.IPAddress, &block.BlockedAt, &block.Reason, &block.ExpiresAt); err != nil {
			return nil, core.WrapError(core.ErrorTypeDatabase, core.CodeDatabaseError, "解析封禁记录失败", err)
		}
		blocks = append(blocks, block)
	}

	return blocks, rows.Err()
}

// PruneExpiredBlocks 删除已过期的封禁记录，返回删除条数。
func (s *Store) PruneExpiredBlocks(ctx context.Context) (int64, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM blocked_ips WHERE expires_at <= ?`, time.Now())
	if err != nil {
		return 0, core.WrapError(core.ErrorTypeDatabase, core.CodeDatabaseError, "清理过期封禁失败", err)
	}
	return result.RowsAffected()
}

// ClearOldEvents 删除指定天数之前的安全事件。
func (s *Store) ClearOldEvents(ctx context.Context, days int) (int64, error) {
	if days <= 0 {
		days = 30
	}
	cutoff := time.Now().AddDate(0, 0, -days)

	result, err := s.db.ExecContext(ctx, `DELETE FROM security_events WHERE timestamp < ?`, cutoff)
	if err != nil {
		return 0, core.WrapError(core.ErrorTypeDatabase, core.CodeDatabaseError, "清理历史安全事件失败", err)
	}

	deleted, err := result.RowsAffected()
	if err != nil {
		return 0, err
	}

	s.logger.Info("历史安全事件清理完成", "days", days, "deleted", deleted)
	return deleted, nil
}

// GetUserPermission 查询用户权限信息，未配置的用户返回 nil。
func (s *Store) GetUserPermission(ctx context.Context, user string) (*core.UserInfo, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT user, permission_level, COALESCE(allowed_tables, '') FROM user_permissions WHERE user = ?`, user)

	info := &core.UserInfo{}
	var allowedTables string
	if err := row.Scan(&info.Username, &info.PermissionLevel, &allowedTables); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, core.WrapError(core.ErrorTypeDatabase, core.CodeDatabaseError, fmt.Sprintf("查询用户权限失败: %s", user), err)
	}

	if allowedTables != "" {
		for _, item := range strings.Split(allowedTables, ",") {
			if item = strings.TrimSpace(item); item != "" {
				info.AllowedTables = append(info.AllowedTables, item)
			}
		}
	}
	return info, nil
}
