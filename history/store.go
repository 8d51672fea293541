// 本文件实现了查询历史的持久化，每个到达终态的查询都会写入一条记录。
// 主要功能：
// 1. query_history 表结构初始化
// 2. 终态查询的记录写入
// 3. 会话内历史查询和窗口统计

package history

import (
	"context"
	"database/sql"
	"time"

	"github.com/Anniext/sqlpilot/core"
)

// Entry 单条查询历史
type Entry struct {
	ID         int64     `json:"id"`          // 记录ID
	SessionID  string    `json:"session_id"`  // 会话ID
	User       string    `json:"user"`        // 用户名
	Question   string    `json:"question"`    // 自然语言问题
	SQLQuery   string    `json:"sql_query"`   // 生成的 SQL
	Success    bool      `json:"success"`     // 是否成功
	RowCount   int       `json:"row_count"`   // 返回行数
	DurationMs float64   `json:"duration_ms"` // 总耗时
	CreatedAt  time.Time `json:"created_at"`  // 记录时间
}

// Stats 时间窗口内的查询统计
type Stats struct {
	Total         int     `json:"total"`           // 查询总数
	Succeeded     int     `json:"succeeded"`       // 成功数
	SuccessRate   float64 `json:"success_rate"`    // 成功率
	AvgDurationMs float64 `json:"avg_duration_ms"` // 平均耗时
}

// Store 查询历史存储器，实现 core.HistoryRecorder。
type Store struct {
	db     *sql.DB
	logger core.Logger
}

// NewStore 创建查询历史存储器。
func NewStore(db *sql.DB, logger core.Logger) *Store {
	return &Store{db: db, logger: logger}
}

// Bootstrap 初始化 query_history 表，幂等执行。
func (s *Store) Bootstrap(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS query_history (
			id BIGINT AUTO_INCREMENT PRIMARY KEY,
			session_id VARCHAR(64),
			user VARCHAR(128),
			question TEXT NOT NULL,
			sql_query TEXT,
			success TINYINT(1) NOT NULL DEFAULT 0,
			row_count INT NOT NULL DEFAULT 0,
			duration_ms DOUBLE NOT NULL DEFAULT 0,
			created_at DATETIME NOT NULL,
			INDEX idx_session_id (session_id),
			INDEX idx_created_at (created_at)
		)`)
	if err != nil {
		return core.WrapError(core.ErrorTypeDatabase, core.CodeDatabaseError, "初始化查询历史表失败", err)
	}
	return nil
}

// Record 写入一条终态查询记录。写入失败只记录日志并返回错误，调用方
// 不应因此中断响应。
func (s *Store) Record(ctx context.Context, req *core.QueryRequest, resp *core.QueryResponse, duration time.Duration) error {
	sqlText := resp.SQL
	if sqlText == "" {
		sqlText = resp.GeneratedSQL
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO query_history
		(session_id, user, question, sql_query, success, row_count, duration_ms, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		req.SessionID, req.User, req.Query, sqlText,
		resp.Success, resp.RowCount, core.DurationMs(duration), time.Now())
	if err != nil {
		s.logger.Error("写入查询历史失败", "session_id", req.SessionID, "error", err)
		return core.WrapError(core.ErrorTypeDatabase, core.CodeDatabaseError, "写入查询历史失败", err)
	}
	return nil
}

// Recent 查询会话内最近的历史记录，sessionID 为空时跨会话查询。
func (s *Store) Recent(ctx context.Context, sessionID string, limit int) ([]*Entry, error) {
	if limit <= 0 {
		limit = 20
	}

	query := `
		SELECT id, COALESCE(session_id, ''), COALESCE(user, ''), question,
		COALESCE(sql_query, ''), success, row_count, duration_ms, created_at
		FROM query_history`
	args := []any{}
	if sessionID != "" {
		query += ` WHERE session_id = ?`
		args = append(args, sessionID)
	}
	query += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, core.WrapError(core.ErrorTypeDatabase, core.CodeDatabaseError, "查询历史记录失败", err)
	}
	defer rows.Close()

	var entries []*Entry
	for rows.Next() {
		entry := &Entry{}
		if err := rows.Scan(&entry.ID, &entry.SessionID, &entry.User, &entry.Question,
			&entry.SQLQuery, &entry.Success, &entry.RowCount, &entry.DurationMs, &entry.CreatedAt); err != nil {
			return nil, core.WrapError(core.ErrorTypeDatabase, core.CodeDatabaseError, "解析历史记录失败", err)
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

// WindowStats 统计时间窗口内的成功率和平均耗时。
func (s *Store) WindowStats(ctx context.Context, window time.Duration) (*Stats, error) {
	if window <= 0 {
		window = 24 * time.Hour
	}
	cutoff := time.Now().Add(-window)

	row := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*), COALESCE(SUM(success), 0), COALESCE(AVG(duration_ms), 0)
		FROM query_history WHERE created_at > ?`, cutoff)

	stats := &Stats{}
	if err := row.Scan(&stats.Total, &stats.Succeeded, &stats.AvgDurationMs); err != nil {
		return nil, core.WrapError(core.ErrorTypeDatabase, core.CodeDatabaseError, "统计查询历史失败", err)
	}

	if stats.Total > 0 {
		stats.SuccessRate = float64(stats.Succeeded) / float64(stats.Total)
	}
	return stats, nil
}
