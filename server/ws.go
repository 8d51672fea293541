// 本文件实现了查询接口的 WebSocket 形态，按阶段流式推送进度帧。
// 主要功能：
// 1. 单连接多轮查询：每条请求帧驱动一次完整流水线
// 2. 阶段进度帧：每个阶段完成后推送阶段名、状态与耗时
// 3. 终态帧：推送完整的查询响应

package server

import (
	"net/http"
	"strings"

	"github.com/gorilla/websocket"

	"github.com/Anniext/sqlpilot/core"
	"github.com/Anniext/sqlpilot/pipeline"
)

// StreamFrame WebSocket 推送帧。Type 为 stage 时携带进度，
// result 时携带终态响应，error 时携带错误信息。
type StreamFrame struct {
	Type      string              `json:"type"`
	Stage     string              `json:"stage,omitempty"`
	State     string              `json:"state,omitempty"`
	ElapsedMs float64             `json:"elapsed_ms,omitempty"`
	Response  *core.QueryResponse `json:"response,omitempty"`
	Error     string              `json:"error,omitempty"`
}

// handleQueryStream 升级为 WebSocket 并循环处理查询请求帧。
func (s *Server) handleQueryStream(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.deps.Logger.Warn("WebSocket 升级失败", "error", err)
		return
	}
	defer conn.Close()

	logger := s.deps.Logger.With("remote", conn.RemoteAddr().String())
	logger.Debug("WebSocket 连接建立")

	for {
		var req core.QueryRequest
		if err := conn.ReadJSON(&req); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Warn("WebSocket 连接异常断开", "error", err)
			}
			return
		}

		if strings.TrimSpace(req.Query) == "" {
			if err := conn.WriteJSON(&StreamFrame{Type: "error", Error: "query must not be empty"}); err != nil {
				return
			}
			continue
		}

		req.RequestID = core.GenerateRequestID()
		req.ClientIP = clientIP(r)
		if identity, ok := IdentityFrom(r.Context()); ok {
			req.User = identity.Username
		}

		// 流水线在当前 goroutine 内同步执行，观察者回调不会并发写连接
		ctx := pipeline.WithStageObserver(r.Context(), func(stage string, state core.PipelineState, elapsedMs float64) {
			_ = conn.WriteJSON(&StreamFrame{
				Type:      "stage",
				Stage:     stage,
				State:     string(state),
				ElapsedMs: elapsedMs,
			})
		})

		resp, err := s.deps.Pipeline.Run(ctx, &req)
		if err != nil {
			if writeErr := conn.WriteJSON(&StreamFrame{Type: "error", Error: err.Error()}); writeErr != nil {
				return
			}
			continue
		}
		if err := conn.WriteJSON(&StreamFrame{Type: "result", Response: resp}); err != nil {
			return
		}
	}
}
