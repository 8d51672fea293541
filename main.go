// 本文件是 sqlpilot 的进程入口，负责装配全部组件并管理生命周期。
// 主要功能：
// 1. 配置加载与热更新监听
// 2. 数据库、缓存、LLM、安全子系统与查询流水线的装配
// 3. HTTP 服务启动、信号处理与优雅关闭

package main

import (
	"context"
	"database/sql"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/go-sql-driver/mysql"

	"github.com/Anniext/sqlpilot/cache"
	"github.com/Anniext/sqlpilot/config"
	"github.com/Anniext/sqlpilot/core"
	"github.com/Anniext/sqlpilot/history"
	"github.com/Anniext/sqlpilot/llm"
	"github.com/Anniext/sqlpilot/monitor"
	"github.com/Anniext/sqlpilot/pipeline"
	"github.com/Anniext/sqlpilot/schema"
	"github.com/Anniext/sqlpilot/security"
	"github.com/Anniext/sqlpilot/server"
	"github.com/Anniext/sqlpilot/vector"
)

func main() {
	configPath := getConfigPath()

	manager := config.NewManager()
	cfg, err := manager.Load(configPath)
	if err != nil {
		log.Fatal("加载配置失败:", err)
	}

	loggerManager, err := monitor.NewLoggerManager(&cfg.Log)
	if err != nil {
		log.Fatal("初始化日志失败:", err)
	}
	defer loggerManager.Close()
	logger := loggerManager.GetLogger()
	metrics := monitor.NewMetrics()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := manager.Watch(ctx); err != nil {
		logger.Warn("配置热更新监听启动失败", "error", err)
	}
	defer manager.StopWatch()

	db, err := openDatabase(&cfg.Database)
	if err != nil {
		logger.Error("数据库连接失败", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	// Schema 元数据
	schemaManager := schema.NewManager(schema.NewLoader(db, cfg.Database.Database, logger), logger)
	if err := schemaManager.Load(ctx); err != nil {
		logger.Error("Schema 元数据加载失败", "error", err)
		os.Exit(1)
	}

	// 安全子系统
	securityStore := security.NewStore(db, logger, metrics)
	if err := securityStore.Bootstrap(ctx); err != nil {
		logger.Error("安全存储初始化失败", "error", err)
		os.Exit(1)
	}
	guard := security.NewGuard(cfg.Security.ForbiddenKeywords, securityStore, logger, metrics)
	limiter := security.NewRateLimiter(cfg.Security.RateLimitRequests, cfg.Security.RateLimitWindow,
		cfg.Security.BlockDuration, securityStore, logger, metrics)
	if err := limiter.Restore(ctx); err != nil {
		logger.Warn("封禁状态恢复失败", "error", err)
	}
	pii := security.NewPIIProtector(cfg.Security.HighRiskPIITypes, cfg.Security.MediumRiskPIITypes,
		cfg.Security.LowRiskPIITypes, logger, metrics)
	go runSecurityJanitor(ctx, securityStore, logger)

	// LLM 客户端
	llmClient, err := llm.NewClient(&cfg.LLM, logger, metrics)
	if err != nil {
		logger.Error("LLM 客户端初始化失败", "error", err)
		os.Exit(1)
	}
	defer llmClient.Close()

	// 结果缓存：优先 Redis，连接失败时降级到进程内缓存
	var primary core.CacheManager
	var redisCache *cache.RedisCache
	if cfg.Cache.Type == "redis" {
		redisCache, err = cache.NewRedisCache(&cfg.Cache, logger, metrics)
		if err != nil {
			logger.Warn("Redis 连接失败，结果缓存降级到内存", "error", err)
			redisCache = nil
		} else {
			primary = redisCache
			defer redisCache.Close()
		}
	}
	results := cache.NewResultCache(primary, cfg.Cache.ResultTTL, cfg.Cache.KeyPrefix, logger, metrics)

	// 查询历史
	historyStore := history.NewStore(db, logger)
	if err := historyStore.Bootstrap(ctx); err != nil {
		logger.Warn("查询历史表初始化失败", "error", err)
	}

	// 向量库：启动时从 Schema 与采样值构建文档
	vectorStore := vector.NewMemoryStore(logger, metrics)
	retriever := pipeline.NewRetriever(vectorStore, pii, schemaManager,
		pipeline.NewDBValueSampler(db, logger), logger, metrics)
	if err := retriever.Populate(ctx, schemaManager.Tables()); err != nil {
		logger.Warn("向量库构建失败，检索降级为静态模式", "error", err)
	}

	// 查询流水线
	queryPipeline := pipeline.New(pipeline.Deps{
		Planner:    pipeline.NewPlanner(schemaManager, nil, logger),
		Retriever:  retriever,
		Generator:  pipeline.NewGenerator(llmClient, pii, cfg.LLM.Timeout, cfg.LLM.RepairTimeout, logger, metrics),
		Validator:  pipeline.NewValidator(guard, schemaManager, logger),
		Executor:   pipeline.NewExecutor(db, cfg.Pipeline.QueryTimeout, cfg.Pipeline.SQLRowLimit, logger, metrics),
		Summarizer: pipeline.NewSummarizer(logger),
		Catalog:    schemaManager,
		Guard:      guard,
		Results:    results,
		History:    historyStore,
		Logger:     logger,
		Metrics:    metrics,
	}, pipeline.Config{
		MaxRetries:  cfg.Pipeline.MaxRetries,
		SQLRowLimit: cfg.Pipeline.SQLRowLimit,
		TopK:        cfg.Pipeline.TopK,
	})

	// 健康检查
	health := monitor.NewHealthManager(logger)
	health.Register(monitor.NewDatabaseChecker(db))
	health.Register(monitor.NewProbeChecker("llm", llmClient))
	if redisCache != nil {
		health.Register(monitor.NewProbeChecker("redis", redisProber{cache: redisCache}))
	}
	health.StartBackground(ctx, 30*time.Second)

	srv := server.New(server.ConfigFrom(cfg), server.Deps{
		Pipeline: queryPipeline,
		Security: securityStore,
		History:  historyStore,
		Limiter:  limiter,
		Health:   health,
		Logger:   logger,
		Metrics:  metrics,
	})

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start(ctx) }()

	logger.Info("sqlpilot 启动完成",
		"config_path", configPath,
		"environment", cfg.Environment,
		"tables", len(schemaManager.TableNames()))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case err := <-errCh:
		if err != nil {
			logger.Error("HTTP 服务异常退出", "error", err)
		}
	case sig := <-sigCh:
		logger.Info("收到系统信号", "signal", sig.String())
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Stop(shutdownCtx); err != nil {
		logger.Warn("HTTP 服务关闭失败", "error", err)
	}
	logger.Info("sqlpilot 已关闭")
}

// runSecurityJanitor 周期清理过期封禁与历史安全事件，直到上下文取消。
func runSecurityJanitor(ctx context.Context, store *security.Store, logger core.Logger) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if pruned, err := store.PruneExpiredBlocks(ctx); err != nil {
				logger.Warn("清理过期封禁失败", "error", err)
			} else if pruned > 0 {
				logger.Info("清理过期封禁完成", "pruned", pruned)
			}
			if cleared, err := store.ClearOldEvents(ctx, 30); err != nil {
				logger.Warn("清理历史安全事件失败", "error", err)
			} else if cleared > 0 {
				logger.Info("清理历史安全事件完成", "cleared", cleared)
			}
		}
	}
}

// getConfigPath 按环境变量和默认路径查找配置文件。
func getConfigPath() string {
	if path := os.Getenv("SQLPILOT_CONFIG_PATH"); path != "" {
		return path
	}
	for _, path := range []string{"config/sqlpilot.yaml", "./sqlpilot.yaml"} {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return "config/sqlpilot.yaml"
}

// openDatabase 建立数据库连接池并验证连通性。
func openDatabase(cfg *config.DatabaseConfig) (*sql.DB, error) {
	db, err := sql.Open("mysql", cfg.GetDatabaseDSN())
	if err != nil {
		return nil, core.WrapError(core.ErrorTypeDatabase, core.CodeConnectionFailed, "数据库连接创建失败", err)
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, core.WrapError(core.ErrorTypeDatabase, core.CodeConnectionFailed, "数据库连通性检查失败", err)
	}
	return db, nil
}

// redisProber 将结果缓存的 Ping 适配为健康探针。
type redisProber struct {
	cache *cache.RedisCache
}

func (p redisProber) CheckHealth(ctx context.Context) error {
	return p.cache.Ping(ctx)
}
