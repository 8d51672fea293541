// 本文件实现了查询服务的 HTTP 入口，组合路由、中间件与生命周期管理。
// 主要功能：
// 1. HTTP API 路由注册与中间件链组装
// 2. 服务启动与优雅关闭
// 3. 配置到服务参数的映射

package server

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Anniext/sqlpilot/config"
	"github.com/Anniext/sqlpilot/core"
	"github.com/Anniext/sqlpilot/history"
	"github.com/Anniext/sqlpilot/monitor"
	"github.com/Anniext/sqlpilot/security"
)

// QueryRunner 查询流水线入口，由 pipeline.Pipeline 实现。
type QueryRunner interface {
	Run(ctx context.Context, req *core.QueryRequest) (*core.QueryResponse, error)
}

// Config 服务运行参数。
type Config struct {
	Host        string        // 监听地址
	Port        int           // 端口
	ReadTimeout time.Duration // 请求头读超时
	EnableAuth  bool          // 是否启用认证
	JWTSecret   string        // JWT 密钥
}

// ConfigFrom 从全局配置提取服务参数。
func ConfigFrom(cfg *config.Config) Config {
	return Config{
		Host:        cfg.Server.Host,
		Port:        cfg.Server.Port,
		ReadTimeout: cfg.Server.ReadTimeout,
		EnableAuth:  cfg.Server.EnableAuth,
		JWTSecret:   cfg.Security.JWTSecret,
	}
}

// Deps 服务依赖集合。Security、History、Limiter 与 Health 可为空，
// 对应接口返回降级响应。
type Deps struct {
	Pipeline QueryRunner           // 查询流水线
	Security *security.Store       // 安全事件与权限存储
	History  *history.Store        // 查询历史存储
	Limiter  *security.RateLimiter // IP 限流器
	Health   *monitor.HealthManager
	Logger   core.Logger
	Metrics  core.MetricsCollector
}

// Server 查询服务 HTTP 入口。
type Server struct {
	cfg      Config
	deps     Deps
	verifier *TokenVerifier
	upgrader websocket.Upgrader
	httpSrv  *http.Server
}

// New 创建服务实例。
func New(cfg Config, deps Deps) *Server {
	return &Server{
		cfg:      cfg,
		deps:     deps,
		verifier: NewTokenVerifier(cfg.JWTSecret, deps.Logger),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			// 内部服务，跨域控制交给部署层
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// Verifier 返回 Token 校验器，供签发工具复用同一密钥。
func (s *Server) Verifier() *TokenVerifier {
	return s.verifier
}

// Handler 组装完整路由。健康检查不经过认证与限流。
func (s *Server) Handler() http.Handler {
	protected := http.NewServeMux()
	protected.HandleFunc("POST /api/query", s.handleQuery)
	protected.HandleFunc("GET /api/security/report", s.handleSecurityReport)
	protected.HandleFunc("GET /api/security/events", s.handleSecurityEvents)
	protected.HandleFunc("GET /api/history", s.handleHistory)
	protected.HandleFunc("GET /ws/query", s.handleQueryStream)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/health", s.handleHealth)
	mux.Handle("/", chain(protected, s.rateLimitMiddleware, s.authMiddleware))
	return mux
}

// Start 启动 HTTP 服务并阻塞到监听退出。
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	s.httpSrv = &http.Server{
		Addr:    addr,
		Handler: s.Handler(),
		// WebSocket 连接长期存活，整体读写超时只约束请求头，
		// 各 handler 自行控制业务超时。
		ReadHeaderTimeout: s.cfg.ReadTimeout,
		IdleTimeout:       2 * time.Minute,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	s.deps.Logger.Info("HTTP 服务启动", "addr", addr, "auth", s.cfg.EnableAuth)
	if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return core.WrapError(core.ErrorTypeInternal, core.CodeInternalError, "HTTP 服务异常退出", err)
	}
	return nil
}

// Stop 优雅关闭服务。
func (s *Server) Stop(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	s.deps.Logger.Info("HTTP 服务关闭中")
	return s.httpSrv.Shutdown(ctx)
}
