// 本文件实现了基于 viper 的配置管理，支持多环境配置文件、环境变量
// 覆盖、配置验证与热更新。
// 主要功能：
// 1. 配置加载与默认值设置
// 2. 配置结构验证
// 3. 基于 fsnotify 的配置热更新与变更通知
// 4. 数据库 DSN 构造

package config

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/Anniext/sqlpilot/core"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// Config 系统配置结构体，各节对应配置文件的顶层键。
type Config struct {
	Environment string         `mapstructure:"environment"` // 运行环境
	Server      ServerConfig   `mapstructure:"server"`      // 服务配置
	Database    DatabaseConfig `mapstructure:"database"`    // 数据库配置
	LLM         LLMConfig      `mapstructure:"llm"`         // LLM 配置
	Pipeline    PipelineConfig `mapstructure:"pipeline"`    // 流水线配置
	Security    SecurityConfig `mapstructure:"security"`    // 安全配置
	Cache       CacheConfig    `mapstructure:"cache"`       // 缓存配置
	Log         LogConfig      `mapstructure:"log"`         // 日志配置
}

// ServerConfig 服务配置。
type ServerConfig struct {
	Host         string        `mapstructure:"host"`          // 监听地址
	Port         int           `mapstructure:"port"`          // 端口
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`  // 读超时
	WriteTimeout time.Duration `mapstructure:"write_timeout"` // 写超时
	EnableAuth   bool          `mapstructure:"enable_auth"`   // 是否启用认证
}

// DatabaseConfig 数据库配置。
type DatabaseConfig struct {
	Driver          string        `mapstructure:"driver"`            // 数据库类型
	Host            string        `mapstructure:"host"`              // 主机
	Port            int           `mapstructure:"port"`              // 端口
	Username        string        `mapstructure:"username"`          // 用户名
	Password        string        `mapstructure:"password"`          // 密码
	Database        string        `mapstructure:"database"`          // 数据库名
	Charset         string        `mapstructure:"charset"`           // 字符集
	MaxOpenConns    int           `mapstructure:"max_open_conns"`    // 最大连接数
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`    // 最大空闲连接
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"` // 连接最大生命周期
}

// LLMConfig LLM 配置。
type LLMConfig struct {
	Provider          string        `mapstructure:"provider"`            // 服务商
	Model             string        `mapstructure:"model"`               // 模型名称
	APIKey            string        `mapstructure:"api_key"`             // API 密钥
	BaseURL           string        `mapstructure:"base_url"`            // 服务地址
	Temperature       float64       `mapstructure:"temperature"`         // 采样温度
	MaxTokens         int           `mapstructure:"max_tokens"`          // 最大生成 token 数
	Timeout           time.Duration `mapstructure:"timeout"`             // 生成调用超时
	RepairTimeout     time.Duration `mapstructure:"repair_timeout"`      // 修复调用超时
	RequestsPerMinute int           `mapstructure:"requests_per_minute"` // 客户端限速
}

// PipelineConfig 流水线配置。
type PipelineConfig struct {
	MaxRetries   int           `mapstructure:"max_retries"`   // 修复重试次数
	SQLRowLimit  int           `mapstructure:"sql_row_limit"` // 结果行数上限
	TopK         int           `mapstructure:"top_k"`         // 向量检索文档数
	QueryTimeout time.Duration `mapstructure:"query_timeout"` // 查询执行超时
}

// SecurityConfig 安全配置，关键词与 PII 分级保持为可配置表。
type SecurityConfig struct {
	JWTSecret          string        `mapstructure:"jwt_secret"`           // JWT 密钥
	TokenExpiry        time.Duration `mapstructure:"token_expiry"`         // Token 有效期
	RateLimitRequests  int           `mapstructure:"rate_limit_requests"`  // 窗口内请求上限
	RateLimitWindow    time.Duration `mapstructure:"rate_limit_window"`    // 限流窗口
	BlockDuration      time.Duration `mapstructure:"block_duration"`       // IP 封禁时长
	ForbiddenKeywords  []string      `mapstructure:"forbidden_keywords"`   // 禁止关键词
	HighRiskPIITypes   []string      `mapstructure:"high_risk_pii_types"`  // 高风险 PII 类型
	MediumRiskPIITypes []string      `mapstructure:"medium_risk_pii_types"` // 中风险 PII 类型
	LowRiskPIITypes    []string      `mapstructure:"low_risk_pii_types"`   // 低风险 PII 类型
}

// CacheConfig 缓存配置。
type CacheConfig struct {
	Type      string        `mapstructure:"type"`       // 缓存类型 redis/memory
	Host      string        `mapstructure:"host"`       // 主机
	Port      int           `mapstructure:"port"`       // 端口
	Password  string        `mapstructure:"password"`   // 密码
	Database  int           `mapstructure:"database"`   // 数据库编号
	ResultTTL time.Duration `mapstructure:"result_ttl"` // 结果缓存 TTL
	KeyPrefix string        `mapstructure:"key_prefix"` // 键前缀
	MemoryCap int           `mapstructure:"memory_cap"` // 内存缓存容量
}

// LogConfig 日志配置。
type LogConfig struct {
	Level      string `mapstructure:"level"`       // 日志级别
	Format     string `mapstructure:"format"`      // 输出格式
	Output     string `mapstructure:"output"`      // 输出目标
	FilePath   string `mapstructure:"file_path"`   // 日志文件路径
	MaxSize    int    `mapstructure:"max_size"`    // 单文件最大 MB
	MaxBackups int    `mapstructure:"max_backups"` // 保留文件数
	MaxAge     int    `mapstructure:"max_age"`     // 保留天数
	Compress   bool   `mapstructure:"compress"`    // 是否压缩
}

// ChangeEvent 配置变更事件。
type ChangeEvent struct {
	Key      string    // 变更的配置节
	OldValue any       // 旧值
	NewValue any       // 新值
	Time     time.Time // 变更时间
}

// ChangeHandler 配置变更处理函数。
type ChangeHandler func(ChangeEvent)

// Manager 配置管理器。
type Manager struct {
	viper       *viper.Viper    // viper 实例
	config      *Config         // 当前配置
	handlers    []ChangeHandler // 变更处理器
	watchCancel context.CancelFunc
	mu          sync.RWMutex
}

// NewManager 创建配置管理器。
func NewManager() *Manager {
	return &Manager{
		viper: viper.New(),
	}
}

// Load 加载配置。configPath 为空时按环境名在默认路径查找。
func (m *Manager) Load(configPath string) (*Config, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if configPath != "" {
		m.viper.SetConfigFile(configPath)
	} else {
		env := core.GetEnvOrDefault("SQLPILOT_ENV", core.EnvDevelopment)
		m.viper.SetConfigName(fmt.Sprintf("config.%s", env))
		m.viper.SetConfigType("yaml")
		m.viper.AddConfigPath("./config")
		m.viper.AddConfigPath(".")
	}

	// 环境变量覆盖，如 SQLPILOT_DATABASE_HOST
	m.viper.SetEnvPrefix("SQLPILOT")
	m.viper.AutomaticEnv()
	m.viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	m.setDefaults()

	if err := m.viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("读取配置文件失败: %w", err)
		}
		// 找不到配置文件时使用默认值与环境变量
	}

	config := &Config{}
	if err := m.viper.Unmarshal(config); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	if err := m.validateConfig(config); err != nil {
		return nil, fmt.Errorf("配置验证失败: %w", err)
	}

	m.config = config
	return config, nil
}

// setDefaults 设置各节默认值。
func (m *Manager) setDefaults() {
	m.viper.SetDefault("environment", core.EnvDevelopment)

	// 服务默认值
	m.viper.SetDefault("server.host", core.DefaultServerHost)    // 监听地址
	m.viper.SetDefault("server.port", core.DefaultServerPort)    // 端口
	m.viper.SetDefault("server.read_timeout", "30s")             // 读超时
	m.viper.SetDefault("server.write_timeout", "30s")            // 写超时
	m.viper.SetDefault("server.enable_auth", false)              // 默认关闭认证

	// 数据库默认值
	m.viper.SetDefault("database.driver", "mysql")
	m.viper.SetDefault("database.host", "localhost")
	m.viper.SetDefault("database.port", 3306)
	m.viper.SetDefault("database.username", "root")
	m.viper.SetDefault("database.password", "")
	m.viper.SetDefault("database.database", "banking")
	m.viper.SetDefault("database.charset", "utf8mb4")
	m.viper.SetDefault("database.max_open_conns", core.DefaultMaxOpenConns)
	m.viper.SetDefault("database.max_idle_conns", core.DefaultMaxIdleConns)
	m.viper.SetDefault("database.conn_max_lifetime", "1h")

	// LLM 默认值
	m.viper.SetDefault("llm.provider", core.DefaultLLMProvider)
	m.viper.SetDefault("llm.model", core.DefaultLLMModel)
	m.viper.SetDefault("llm.temperature", core.DefaultTemperature)
	m.viper.SetDefault("llm.max_tokens", core.DefaultMaxTokens)
	m.viper.SetDefault("llm.timeout", "30s")
	m.viper.SetDefault("llm.repair_timeout", "45s")
	m.viper.SetDefault("llm.requests_per_minute", 60)

	// 流水线默认值
	m.viper.SetDefault("pipeline.max_retries", core.DefaultMaxRetries)
	m.viper.SetDefault("pipeline.sql_row_limit", core.DefaultSQLRowLimit)
	m.viper.SetDefault("pipeline.top_k", core.DefaultTopK)
	m.viper.SetDefault("pipeline.query_timeout", "30s")

	// 安全默认值，关键词与 PII 分级为可配置表
	m.viper.SetDefault("security.jwt_secret", "")
	m.viper.SetDefault("security.token_expiry", "24h")
	m.viper.SetDefault("security.rate_limit_requests", core.DefaultRateLimitRequests)
	m.viper.SetDefault("security.rate_limit_window", "60m")
	m.viper.SetDefault("security.block_duration", "24h")
	m.viper.SetDefault("security.forbidden_keywords", core.DefaultForbiddenKeywords())
	m.viper.SetDefault("security.high_risk_pii_types", []string{"ssn"})
	m.viper.SetDefault("security.medium_risk_pii_types", []string{"email", "phone", "credit_card", "date_of_birth"})
	m.viper.SetDefault("security.low_risk_pii_types", []string{"name", "address"})

	// 缓存默认值
	m.viper.SetDefault("cache.type", "redis")
	m.viper.SetDefault("cache.host", "localhost")
	m.viper.SetDefault("cache.port", 6379)
	m.viper.SetDefault("cache.password", "")
	m.viper.SetDefault("cache.database", 0)
	m.viper.SetDefault("cache.result_ttl", "5m")
	m.viper.SetDefault("cache.key_prefix", core.DefaultCacheKeyPrefix)
	m.viper.SetDefault("cache.memory_cap", core.DefaultMemoryCacheCap)

	// 日志默认值
	m.viper.SetDefault("log.level", core.DefaultLogLevel)
	m.viper.SetDefault("log.format", core.DefaultLogFormat)
	m.viper.SetDefault("log.output", core.DefaultLogOutput)
	m.viper.SetDefault("log.file_path", "logs/sqlpilot.log")
	m.viper.SetDefault("log.max_size", core.DefaultLogMaxSize)
	m.viper.SetDefault("log.max_backups", core.DefaultLogMaxBackups)
	m.viper.SetDefault("log.max_age", core.DefaultLogMaxAge)
	m.viper.SetDefault("log.compress", true)
}

// validateConfig 验证配置结构。
func (m *Manager) validateConfig(config *Config) error {
	if config.Server.Port <= 0 || config.Server.Port > 65535 {
		return fmt.Errorf("无效的服务端口: %d", config.Server.Port)
	}

	if config.Database.Host == "" {
		return fmt.Errorf("数据库主机不能为空")
	}
	if config.Database.Username == "" {
		return fmt.Errorf("数据库用户名不能为空")
	}
	if config.Database.Database == "" {
		return fmt.Errorf("数据库名不能为空")
	}

	if config.LLM.Provider == "" {
		return fmt.Errorf("LLM 提供商不能为空")
	}
	if config.LLM.Model == "" {
		return fmt.Errorf("LLM 模型不能为空")
	}
	if config.LLM.Temperature < 0 || config.LLM.Temperature > 2 {
		return fmt.Errorf("无效的 LLM 温度值: %f", config.LLM.Temperature)
	}

	if config.Pipeline.MaxRetries < 0 {
		return fmt.Errorf("重试次数不能为负数: %d", config.Pipeline.MaxRetries)
	}
	if config.Pipeline.SQLRowLimit <= 0 {
		return fmt.Errorf("行数上限必须为正数: %d", config.Pipeline.SQLRowLimit)
	}

	if config.Security.RateLimitRequests <= 0 {
		return fmt.Errorf("限流请求上限必须为正数: %d", config.Security.RateLimitRequests)
	}
	if len(config.Security.ForbiddenKeywords) == 0 {
		return fmt.Errorf("禁止关键词表不能为空")
	}

	if config.Server.EnableAuth && config.Security.JWTSecret == "" {
		return fmt.Errorf("启用认证时 JWT 密钥不能为空")
	}

	if config.Cache.Type != "redis" && config.Cache.Type != "memory" {
		return fmt.Errorf("不支持的缓存类型: %s", config.Cache.Type)
	}

	validLogLevels := []string{"debug", "info", "warn", "error", "fatal"}
	if !core.ContainsString(validLogLevels, config.Log.Level) {
		return fmt.Errorf("无效的日志级别: %s", config.Log.Level)
	}

	return nil
}

// GetConfig 返回当前配置。
func (m *Manager) GetConfig() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.config
}

// RegisterChangeHandler 注册配置变更处理器。
func (m *Manager) RegisterChangeHandler(handler ChangeHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers = append(m.handlers, handler)
}

// Watch 监听配置文件变化，支持热更新。
func (m *Manager) Watch(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.watchCancel != nil {
		m.watchCancel()
	}

	watchCtx, cancel := context.WithCancel(ctx)
	m.watchCancel = cancel

	m.viper.WatchConfig()
	m.viper.OnConfigChange(func(e fsnotify.Event) {
		select {
		case <-watchCtx.Done():
			return
		default:
			m.handleConfigChange(e)
		}
	})

	return nil
}

// StopWatch 停止配置监听。
func (m *Manager) StopWatch() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.watchCancel != nil {
		m.watchCancel()
		m.watchCancel = nil
	}
}

// handleConfigChange 处理配置文件变更。
func (m *Manager) handleConfigChange(_ fsnotify.Event) {
	m.mu.Lock()
	defer m.mu.Unlock()

	oldConfig := m.config

	config := &Config{}
	if err := m.viper.Unmarshal(config); err != nil {
		fmt.Printf("配置热更新失败，解析配置错误: %v\n", err)
		return
	}

	if err := m.validateConfig(config); err != nil {
		fmt.Printf("配置热更新失败，配置验证错误: %v\n", err)
		return
	}

	changes := m.detectChanges(oldConfig, config)
	if len(changes) == 0 {
		return
	}

	m.config = config

	for _, change := range changes {
		for _, handler := range m.handlers {
			handler(change)
		}
	}
}

// detectChanges 检测配置节级别的变更。
func (m *Manager) detectChanges(oldConfig, newConfig *Config) []ChangeEvent {
	if oldConfig == nil {
		return nil
	}

	var changes []ChangeEvent
	now := time.Now()

	sections := []struct {
		key      string
		oldValue any
		newValue any
	}{
		{"server", oldConfig.Server, newConfig.Server},
		{"database", oldConfig.Database, newConfig.Database},
		{"llm", oldConfig.LLM, newConfig.LLM},
		{"pipeline", oldConfig.Pipeline, newConfig.Pipeline},
		{"security", oldConfig.Security, newConfig.Security},
		{"cache", oldConfig.Cache, newConfig.Cache},
		{"log", oldConfig.Log, newConfig.Log},
	}

	for _, s := range sections {
		if !reflect.DeepEqual(s.oldValue, s.newValue) {
			changes = append(changes, ChangeEvent{
				Key:      s.key,
				OldValue: s.oldValue,
				NewValue: s.newValue,
				Time:     now,
			})
		}
	}

	return changes
}

// GetDatabaseDSN 构造数据库连接串。
func (c *DatabaseConfig) GetDatabaseDSN() string {
	charset := c.Charset
	if charset == "" {
		charset = "utf8mb4"
	}
	return fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?charset=%s&parseTime=True&loc=Local",
		c.Username, c.Password, c.Host, c.Port, c.Database, charset)
}

// GetRedisAddr 构造 Redis 地址。
func (c *CacheConfig) GetRedisAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
