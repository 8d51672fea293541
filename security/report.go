// 本文件实现了安全报告的聚合统计和审计数据导出。
// 主要功能：
// 1. 时间窗口内安全事件的分类统计
// 2. 被阻断最多的来源 IP 排名
// 3. 审计数据的 JSON / CSV 导出

package security

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"strconv"
	"time"

	"github.com/Anniext/sqlpilot/core"
)

// Report 安全报告
type Report struct {
	PeriodHours    int            `json:"period_hours"`          // 统计窗口（小时）
	TotalEvents    int            `json:"total_events"`          // 事件总数
	EventsByType   map[string]int `json:"events_by_type"`        // 按事件类型统计
	EventsByThreat map[string]int `json:"events_by_threat"`      // 按威胁等级统计
	TopBlockedIPs  []IPEventCount `json:"top_blocked_ips"`       // 被阻断最多的 IP
	CurrentBlocked int            `json:"currently_blocked_ips"` // 当前封禁数
	GeneratedAt    time.Time      `json:"generated_at"`          // 生成时间
}

// IPEventCount IP 级事件计数
type IPEventCount struct {
	IPAddress string `json:"ip_address"`
	Count     int    `json:"count"`
}

// BuildReport 生成指定时间窗口内的安全报告。
func (s *Store) BuildReport(ctx context.Context, hours int) (*Report, error) {
	if hours <= 0 {
		hours = 24
	}
	cutoff := time.Now().Add(-time.Duration(hours) * time.Hour)

	report := &Report{
		PeriodHours:    hours,
		EventsByType:   make(map[string]int),
		EventsByThreat: make(map[string]int),
		GeneratedAt:    time.Now(),
	}

	row := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM security_events WHERE timestamp > ?`, cutoff)
	if err := row.Scan(&report.TotalEvents); err != nil {
		return nil, core.WrapError(core.ErrorTypeDatabase, core.CodeDatabaseError, "统计安全事件总数失败", err)
	}

	typeRows, err := s.db.QueryContext(ctx,
		`SELECT event_type, COUNT(*) AS count FROM security_events
		WHERE timestamp > ? GROUP BY event_type ORDER BY count DESC`, cutoff)
	if err != nil {
		return nil, core.WrapError(core.ErrorTypeDatabase, core.CodeDatabaseError, "按类型统计安全事件失败", err)
	}
	defer typeRows.Close()
	for typeRows.Next() {
		var eventType string
		var count int
		if err := typeRows.Scan(&eventType, &count); err != nil {
			return nil, core.WrapError(core.ErrorTypeDatabase, core.CodeDatabaseError, "解析类型统计失败", err)
		}
		report.EventsByType[eventType] = count
	}
	if err := typeRows.Err(); err != nil {
		return nil, err
	}

	threatRows, err := s.db.QueryContext(ctx,
		`SELECT threat_level, COUNT(*) AS count FROM security_events
		WHERE timestamp > ? GROUP BY threat_level`, cutoff)
	if err != nil {
		return nil, core.WrapError(core.ErrorTypeDatabase, core.CodeDatabaseError, "按威胁等级统计失败", err)
	}
	defer threatRows.Close()
	for threatRows.Next() {
		var level string
		var count int
		if err := threatRows.Scan(&level, &count); err != nil {
			return nil, core.WrapError(core.ErrorTypeDatabase, core.CodeDatabaseError, "解析威胁等级统计失败", err)
		}
		report.EventsByThreat[level] = count
	}
	if err := threatRows.Err(); err != nil {
		return nil, err
	}

	ipRows, err := s.db.QueryContext(ctx,
		`SELECT ip_address, COUNT(*) AS count FROM security_events
		WHERE timestamp > ? AND action_taken = ? AND ip_address <> ''
		GROUP BY ip_address ORDER BY count DESC LIMIT 10`, cutoff, ActionBlocked)
	if err != nil {
		return nil, core.WrapError(core.ErrorTypeDatabase, core.CodeDatabaseError, "统计阻断来源失败", err)
	}
	defer ipRows.Close()
	for ipRows.Next() {
		var entry IPEventCount
		if err := ipRows.Scan(&entry.IPAddress, &entry.Count); err != nil {
			return nil, core.WrapError(core.ErrorTypeDatabase, core.CodeDatabaseError, "解析阻断来源失败", err)
		}
		report.TopBlockedIPs = append(report.TopBlockedIPs, entry)
	}
	if err := ipRows.Err(); err != nil {
		return nil, err
	}

	row = s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM blocked_ips WHERE expires_at > ?`, time.Now())
	if err := row.Scan(&report.CurrentBlocked); err != nil {
		return nil, core.WrapError(core.ErrorTypeDatabase, core.CodeDatabaseError, "统计当前封禁数失败", err)
	}

	return report, nil
}

// Export 导出时间窗口内的安全事件，format 支持 json 和 csv。
func (s *Store) Export(ctx context.Context, format string, hours int) ([]byte, error) {
	if hours <= 0 {
		hours = 24
	}
	cutoff := time.Now().Add(-time.Duration(hours) * time.Hour)

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, timestamp, event_type, COALESCE(user, ''), COALESCE(ip_address, ''),
		COALESCE(query, ''), COALESCE(sql_query, ''), threat_level, action_taken, COALESCE(details, '')
		FROM security_events WHERE timestamp > ? ORDER BY timestamp DESC`, cutoff)
	if err != nil {
		return nil, core.WrapError(core.ErrorTypeDatabase, core.CodeDatabaseError, "导出安全事件失败", err)
	}
	defer rows.Close()

	var events []*SecurityEvent
	for rows.Next() {
		event := &SecurityEvent{}
		if err := rows.Scan(&event.ID, &event.Timestamp, &event.EventType, &event.User,
			&event.IPAddress, &event.Query, &event.SQLQuery, &event.ThreatLevel,
			&event.ActionTaken, &event.Details); err != nil {
			return nil, core.WrapError(core.ErrorTypeDatabase, core.CodeDatabaseError, "解析导出数据失败", err)
		}
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	switch format {
	case "", "json":
		return json.MarshalIndent(events, "", "  ")
	case "csv":
		return exportCSV(events)
	default:
		return nil, core.NewError(core.ErrorTypeValidation, core.CodeInvalidRequest, "不支持的导出格式: "+format)
	}
}

func exportCSV(events []*SecurityEvent) ([]byte, error) {
	var buf bytes.Buffer
	writer := csv.NewWriter(&buf)

	header := []string{"ID", "Timestamp", "Event Type", "User", "IP Address",
		"Query", "SQL Query", "Threat Level", "Action Taken", "Details"}
	if err := writer.Write(header); err != nil {
		return nil, err
	}

	for _, event := range events {
		record := []string{
			strconv.FormatInt(event.ID, 10),
			event.Timestamp.Format(time.RFC3339),
			event.EventType,
			event.User,
			event.IPAddress,
			event.Query,
			event.SQLQuery,
			event.ThreatLevel,
			event.ActionTaken,
			event.Details,
		}
		if err := writer.Write(record); err != nil {
			return nil, err
		}
	}

	writer.Flush()
	if err := writer.Error(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
