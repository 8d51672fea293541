package core

import "time"

// 系统常量定义

// 版本信息
const (
	Version     = "1.0.0"
	Description = "Natural Language to SQL Query Resolution Service"
)

// 默认配置值
const (
	DefaultServerHost       = "0.0.0.0"
	DefaultServerPort       = 8080
	DefaultReadTimeout      = 30 * time.Second
	DefaultWriteTimeout     = 30 * time.Second
	DefaultRequestTimeout   = 60 * time.Second
	DefaultQueryTimeout     = 30 * time.Second
	DefaultLLMTimeout       = 30 * time.Second
	DefaultLLMRepairTimeout = 45 * time.Second
)

// 流水线相关常量
const (
	DefaultMaxRetries  = 2   // 修复重试次数，生成调用最多 DefaultMaxRetries+1 次
	DefaultSQLRowLimit = 200 // 执行结果行数上限
	DefaultTopK        = 5   // 向量检索返回文档数
)

// 数据库相关常量
const (
	DefaultMaxOpenConns    = 50
	DefaultMaxIdleConns    = 10
	DefaultConnMaxLifetime = time.Hour
	DefaultMaxQueryLength  = 10000
)

// 缓存相关常量
const (
	DefaultResultTTL      = 5 * time.Minute
	DefaultCacheKeyPrefix = "sqlpilot:"
	DefaultMemoryCacheCap = 512
)

// LLM 相关常量
const (
	DefaultLLMProvider = "openai"
	DefaultLLMModel    = "gpt-4"
	DefaultTemperature = 0.1
	DefaultMaxTokens   = 1024
)

// 安全相关常量
const (
	DefaultRateLimitRequests = 100            // 窗口内请求上限
	DefaultRateLimitWindow   = 60 * time.Minute
	DefaultBlockDuration     = 24 * time.Hour // IP 封禁时长
	DefaultTokenExpiry       = 24 * time.Hour
)

// DefaultForbiddenKeywords 返回默认的危险 SQL 关键词表。
// 每次调用返回新切片，调用方可以安全修改。
func DefaultForbiddenKeywords() []string {
	return []string{
		"DROP", "DELETE", "UPDATE", "INSERT", "ALTER", "TRUNCATE",
		"CREATE", "GRANT", "REVOKE", "EXEC", "EXECUTE", "SHUTDOWN",
		"KILL", "BACKUP", "RESTORE",
	}
}

// 日志相关常量
const (
	DefaultLogLevel      = "info"
	DefaultLogFormat     = "json"
	DefaultLogOutput     = "stdout"
	DefaultLogMaxSize    = 100 // MB
	DefaultLogMaxBackups = 3
	DefaultLogMaxAge     = 7 // days
)

// 错误码常量
const (
	// 通用错误码
	CodeSuccess        = 0
	CodeInternalError  = 1000
	CodeInvalidRequest = 1001
	CodeUnauthorized   = 1002
	CodeForbidden      = 1003
	CodeNotFound       = 1004
	CodeTimeout        = 1005
	CodeRateLimit      = 1006
	CodeIPBlocked      = 1007

	// 验证错误码
	CodeValidationError   = 2000
	CodeMissingParameter  = 2001
	CodeMultipleStatement = 2002
	CodeNotSelect         = 2003
	CodeUnsafeSQL         = 2004
	CodeSQLBlocked        = 2005

	// 数据库错误码
	CodeDatabaseError    = 3000
	CodeConnectionFailed = 3001
	CodeQueryFailed      = 3002
	CodeTableNotFound    = 3003
	CodeColumnNotFound   = 3004
	CodeQueryTimeout     = 3005

	// LLM 错误码
	CodeLLMError     = 4000
	CodeLLMTimeout   = 4001
	CodeLLMRateLimit = 4002

	// 缓存错误码
	CodeCacheError       = 5000
	CodeCacheKeyNotFound = 5001

	// 认证错误码
	CodeTokenInvalid = 6000
	CodeTokenExpired = 6001
)

// HTTP 状态码映射
var httpStatusCodes = map[int]int{
	CodeSuccess:           200,
	CodeInternalError:     500,
	CodeInvalidRequest:    400,
	CodeUnauthorized:      401,
	CodeForbidden:         403,
	CodeNotFound:          404,
	CodeTimeout:           408,
	CodeRateLimit:         429,
	CodeIPBlocked:         429,
	CodeValidationError:   400,
	CodeMissingParameter:  400,
	CodeMultipleStatement: 400,
	CodeNotSelect:         400,
	CodeUnsafeSQL:         422,
	CodeSQLBlocked:        403,
	CodeDatabaseError:     500,
	CodeConnectionFailed:  500,
	CodeQueryFailed:       500,
	CodeTableNotFound:     404,
	CodeColumnNotFound:    404,
	CodeQueryTimeout:      408,
	CodeLLMError:          500,
	CodeLLMTimeout:        408,
	CodeLLMRateLimit:      429,
	CodeCacheError:        500,
	CodeCacheKeyNotFound:  404,
	CodeTokenInvalid:      401,
	CodeTokenExpired:      401,
}

// 环境类型
const (
	EnvDevelopment = "development"
	EnvStaging     = "staging"
	EnvProduction  = "production"
)

// 权限级别
const (
	PermissionRead  = "read"
	PermissionWrite = "write"
	PermissionAdmin = "admin"
)

// 指标名称
const (
	MetricRequestsTotal       = "sqlpilot_requests_total"
	MetricRequestDuration     = "sqlpilot_request_duration_ms"
	MetricPipelineStageMs     = "sqlpilot_pipeline_stage_ms"
	MetricGeneratorCallsTotal = "sqlpilot_generator_calls_total"
	MetricSecurityEventsTotal = "sqlpilot_security_events_total"
	MetricRateLimitTotal      = "sqlpilot_rate_limit_total"
	MetricCacheHitsTotal      = "sqlpilot_cache_hits_total"
	MetricCacheMissesTotal    = "sqlpilot_cache_misses_total"
	MetricLLMTokensTotal      = "sqlpilot_llm_tokens_total"
	MetricDBQueriesTotal      = "sqlpilot_db_queries_total"
)

// 上下文键
const (
	ContextKeyRequestID = "request_id"
	ContextKeySessionID = "session_id"
	ContextKeyUser      = "user"
	ContextKeyClientIP  = "client_ip"
)

// 向量库集合名
const (
	CollectionBankingSchema = "banking_schema"
)
