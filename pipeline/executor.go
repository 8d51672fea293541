// 本文件实现了执行阶段，在独立连接上运行通过验证的 SELECT 语句。
// 主要功能：
// 1. 每次调用独占检出一个连接，所有路径都归还连接池
// 2. 扫描循环按行数上限截断，与语句自身的 LIMIT 无关
// 3. 单元格值规范化（字节串转字符串、时间格式化）
// 4. 带超时的查询执行与错误包装

package pipeline

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/Anniext/sqlpilot/core"
)

// SQLExecutor SQL 执行器。
type SQLExecutor struct {
	db       *sql.DB
	timeout  time.Duration
	rowLimit int
	logger   core.Logger
	metrics  core.MetricsCollector
}

// NewExecutor 创建执行器。超时或行数上限为零时使用默认值。
func NewExecutor(db *sql.DB, timeout time.Duration, rowLimit int,
	logger core.Logger, metrics core.MetricsCollector) *SQLExecutor {
	if timeout <= 0 {
		timeout = core.DefaultQueryTimeout
	}
	if rowLimit <= 0 {
		rowLimit = core.DefaultSQLRowLimit
	}
	return &SQLExecutor{
		db:       db,
		timeout:  timeout,
		rowLimit: rowLimit,
		logger:   logger,
		metrics:  metrics,
	}
}

// Execute 执行 SQL。maxRows 为单次请求的行数上限，不会超过配置的全局上限。
func (e *SQLExecutor) Execute(ctx context.Context, sqlText string, maxRows int) (*core.ExecutionResult, error) {
	limit := e.rowLimit
	if maxRows > 0 && maxRows < limit {
		limit = maxRows
	}

	conn, err := e.db.Conn(ctx)
	if err != nil {
		return nil, core.WrapError(core.ErrorTypeDatabase, core.CodeConnectionFailed, "获取数据库连接失败", err)
	}
	// 连接归还池，所有返回路径都生效
	defer conn.Close()

	queryCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	start := time.Now()
	rows, err := conn.QueryContext(queryCtx, sqlText)
	if err != nil {
		if e.metrics != nil {
			e.metrics.IncrementCounter(core.MetricDBQueriesTotal, map[string]string{"result": "error"})
		}
		if errors.Is(queryCtx.Err(), context.DeadlineExceeded) {
			return nil, core.WrapError(core.ErrorTypeTimeout, core.CodeQueryTimeout, "查询执行超时", err)
		}
		return nil, core.WrapError(core.ErrorTypeDatabase, core.CodeQueryFailed, err.Error(), err)
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return nil, core.WrapError(core.ErrorTypeDatabase, core.CodeQueryFailed, "读取结果列失败", err)
	}

	result := &core.ExecutionResult{
		Columns: columns,
		Rows:    make([]map[string]any, 0, limit),
	}

	values := make([]any, len(columns))
	pointers := make([]any, len(columns))
	for i := range values {
		pointers[i] = &values[i]
	}

	for rows.Next() {
		if len(result.Rows) >= limit {
			result.Truncated = true
			break
		}
		if err := rows.Scan(pointers...); err != nil {
			return nil, core.WrapError(core.ErrorTypeDatabase, core.CodeQueryFailed, "扫描结果行失败", err)
		}
		row := make(map[string]any, len(columns))
		for i, column := range columns {
			row[column] = normalizeCell(values[i])
		}
		result.Rows = append(result.Rows, row)
	}
	if err := rows.Err(); err != nil {
		return nil, core.WrapError(core.ErrorTypeDatabase, core.CodeQueryFailed, "遍历结果集失败", err)
	}

	result.RowCount = len(result.Rows)
	result.DurationMs = core.DurationMs(time.Since(start))

	if e.metrics != nil {
		e.metrics.IncrementCounter(core.MetricDBQueriesTotal, map[string]string{"result": "ok"})
	}
	e.logger.Debug("SQL 执行完成",
		"rows", result.RowCount,
		"truncated", result.Truncated,
		"duration_ms", result.DurationMs)
	return result, nil
}

// normalizeCell 把驱动返回的单元格值规范为可 JSON 序列化的形式。
func normalizeCell(value any) any {
	switch v := value.(type) {
	case []byte:
		return string(v)
	case time.Time:
		return v.Format("2006-01-02 15:04:05")
	default:
		return v
	}
}
