// 本文件实现了 HTTP 服务的中间件与响应辅助函数。
// 主要功能：
// 1. 认证中间件：校验 JWT 并核对 user_permissions 表
// 2. 限流中间件：按客户端 IP 做窗口限流与封禁检查
// 3. 统一的 JSON 响应与错误映射

package server

import (
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/Anniext/sqlpilot/core"
)

// 未在 user_permissions 表中配置的用户按默认只读处理。
const defaultPermissionLevel = "read_only"

// chain 按声明顺序包裹中间件，第一个声明的在最外层。
func chain(base http.Handler, middlewares ...func(http.Handler) http.Handler) http.Handler {
	handler := base
	for i := len(middlewares) - 1; i >= 0; i-- {
		handler = middlewares[i](handler)
	}
	return handler
}

// authMiddleware 校验 Bearer Token 并注入身份。认证关闭时放行匿名请求。
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	if !s.cfg.EnableAuth {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		username, err := s.verifier.Verify(r.Header.Get("Authorization"))
		if err != nil {
			s.writeError(w, err)
			return
		}

		identity := Identity{Username: username, PermissionLevel: defaultPermissionLevel}
		if s.deps.Security != nil {
			info, err := s.deps.Security.GetUserPermission(r.Context(), username)
			if err != nil {
				s.deps.Logger.Warn("用户权限查询失败，按默认权限放行", "user", username, "error", err)
			} else if info != nil {
				if info.PermissionLevel == "none" {
					s.writeError(w, core.NewError(core.ErrorTypeAuth, core.CodeForbidden, "用户无访问权限"))
					return
				}
				identity.PermissionLevel = info.PermissionLevel
				identity.AllowedTables = info.AllowedTables
			}
		}

		next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), identity)))
	})
}

// rateLimitMiddleware 在请求进入流水线前做按 IP 的窗口限流。
func (s *Server) rateLimitMiddleware(next http.Handler) http.Handler {
	if s.deps.Limiter == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := clientIP(r)
		if !s.deps.Limiter.Allow(r.Context(), ip) {
			if s.deps.Limiter.IsBlocked(ip) {
				s.writeError(w, core.ErrIPBlocked)
				return
			}
			s.writeError(w, core.ErrRateLimited)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// clientIP 解析客户端 IP，优先取代理头。
func clientIP(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		if idx := strings.Index(forwarded, ","); idx > 0 {
			return strings.TrimSpace(forwarded[:idx])
		}
		return strings.TrimSpace(forwarded)
	}
	if real := r.Header.Get("X-Real-IP"); real != "" {
		return strings.TrimSpace(real)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// errorBody 统一的错误响应结构。
type errorBody struct {
	Error struct {
		Type    string `json:"type"`
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
	Timestamp time.Time `json:"timestamp"`
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.deps.Logger.Warn("响应写入失败", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	body := errorBody{Timestamp: time.Now()}
	var pe *core.PilotError
	if errors.As(err, &pe) {
		body.Error.Type = string(pe.Type)
		body.Error.Code = pe.Code
		body.Error.Message = pe.Message
	} else {
		body.Error.Type = string(core.ErrorTypeInternal)
		body.Error.Code = core.CodeInternalError
		body.Error.Message = err.Error()
	}
	s.writeJSON(w, core.HTTPStatus(err), body)
}
