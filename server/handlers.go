// 本文件实现了查询服务的 HTTP 接口处理器。
// 主要功能：
// 1. 查询接口：驱动完整流水线并返回终态响应
// 2. 健康检查：汇总各组件健康状态
// 3. 安全报告、安全事件与查询历史的只读接口

package server

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/Anniext/sqlpilot/core"
	"github.com/Anniext/sqlpilot/monitor"
)

// handleQuery 接收自然语言问题并驱动流水线。失败与澄清也返回 200，
// 结果状态通过响应体区分。
func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	var req core.QueryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, core.WrapError(core.ErrorTypeValidation, core.CodeInvalidRequest, "请求体解析失败", err))
		return
	}
	if strings.TrimSpace(req.Query) == "" {
		s.writeError(w, core.ErrEmptyQuery)
		return
	}

	// 请求标识和客户端信息由服务端填写，不信任请求体
	req.RequestID = core.GenerateRequestID()
	req.ClientIP = clientIP(r)
	if identity, ok := IdentityFrom(r.Context()); ok {
		req.User = identity.Username
	}

	resp, err := s.deps.Pipeline.Run(r.Context(), &req)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, resp)
}

// handleHealth 汇总健康报告。仅在整体不健康时返回 503，降级仍算可用。
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.deps.Health == nil {
		s.writeJSON(w, http.StatusOK, map[string]any{
			"status":     monitor.HealthStatusHealthy,
			"checked_at": time.Now(),
		})
		return
	}

	report := s.deps.Health.Check(r.Context())
	status := http.StatusOK
	if report.OverallStatus == monitor.HealthStatusUnhealthy {
		status = http.StatusServiceUnavailable
	}
	s.writeJSON(w, status, report)
}

// handleSecurityReport 返回安全事件汇总，format=csv 时导出 CSV。
func (s *Server) handleSecurityReport(w http.ResponseWriter, r *http.Request) {
	if s.deps.Security == nil {
		s.writeError(w, core.NewError(core.ErrorTypeNotFound, core.CodeNotFound, "安全存储未启用"))
		return
	}
	hours := queryInt(r, "hours", 24)

	if r.URL.Query().Get("format") == "csv" {
		data, err := s.deps.Security.Export(r.Context(), "csv", hours)
		if err != nil {
			s.writeError(w, err)
			return
		}
		w.Header().Set("Content-Type", "text/csv; charset=utf-8")
		w.Header().Set("Content-Disposition", `attachment; filename="security_report.csv"`)
		if _, err := w.Write(data); err != nil {
			s.deps.Logger.Warn("CSV 报告写入失败", "error", err)
		}
		return
	}

	report, err := s.deps.Security.BuildReport(r.Context(), hours)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, report)
}

// handleSecurityEvents 返回最近的安全事件。
func (s *Server) handleSecurityEvents(w http.ResponseWriter, r *http.Request) {
	if s.deps.Security == nil {
		s.writeError(w, core.NewError(core.ErrorTypeNotFound, core.CodeNotFound, "安全存储未启用"))
		return
	}

	events, err := s.deps.Security.RecentEvents(r.Context(), queryInt(r, "limit", 50))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"events": events,
		"count":  len(events),
	})
}

// handleHistory 返回查询历史和最近 24 小时的统计。
func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if s.deps.History == nil {
		s.writeError(w, core.NewError(core.ErrorTypeNotFound, core.CodeNotFound, "查询历史未启用"))
		return
	}

	sessionID := r.URL.Query().Get("session_id")
	entries, err := s.deps.History.Recent(r.Context(), sessionID, queryInt(r, "limit", 20))
	if err != nil {
		s.writeError(w, err)
		return
	}

	payload := map[string]any{
		"entries": entries,
		"count":   len(entries),
	}
	if stats, err := s.deps.History.WindowStats(r.Context(), 24*time.Hour); err == nil {
		payload["stats"] = stats
	} else {
		s.deps.Logger.Warn("历史统计查询失败", "error", err)
	}
	s.writeJSON(w, http.StatusOK, payload)
}

// queryInt 解析查询参数里的整数，缺失或非法时返回默认值。
func queryInt(r *http.Request, name string, fallback int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil || value <= 0 {
		return fallback
	}
	return value
}
