// 本文件定义了统一的错误处理机制，包括错误类型枚举、带标签的错误
// 结构体、预定义错误与错误包装工具。
// 主要功能：
// 1. PilotError 带类型与错误码的错误结构
// 2. 预定义错误变量
// 3. 错误包装与 HTTP 状态码映射

package core

import (
	"errors"
	"fmt"
	"time"
)

// ErrorType 错误类型枚举。
type ErrorType string

const (
	ErrorTypeValidation ErrorType = "validation" // 验证错误
	ErrorTypeSecurity   ErrorType = "security"   // 安全拦截
	ErrorTypeRateLimit  ErrorType = "rate_limit" // 限流
	ErrorTypeLLM        ErrorType = "llm"        // 大语言模型错误
	ErrorTypeDatabase   ErrorType = "database"   // 数据库错误
	ErrorTypeTimeout    ErrorType = "timeout"    // 超时
	ErrorTypeNotFound   ErrorType = "not_found"  // 资源不存在
	ErrorTypeInternal   ErrorType = "internal"   // 内部错误
	ErrorTypeCache      ErrorType = "cache"      // 缓存错误
	ErrorTypeSchema     ErrorType = "schema"     // Schema 错误
	ErrorTypeAuth       ErrorType = "auth"       // 认证错误
)

// PilotError 统一错误结构体。
// Type：错误类型。
// Code：错误码。
// Message：面向调用方的错误信息。
// Details：附加细节。
// Cause：底层错误。
// Timestamp：发生时间。
// RequestID：关联的请求标识。
type PilotError struct {
	Type      ErrorType      `json:"type"`                 // 错误类型
	Code      int            `json:"code"`                 // 错误码
	Message   string         `json:"message"`              // 错误信息
	Details   map[string]any `json:"details,omitempty"`    // 附加细节
	Cause     error          `json:"-"`                    // 底层错误
	Timestamp time.Time      `json:"timestamp"`            // 发生时间
	RequestID string         `json:"request_id,omitempty"` // 请求标识
}

// Error 实现 error 接口。
func (e *PilotError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s:%d] %s: %v", e.Type, e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s:%d] %s", e.Type, e.Code, e.Message)
}

// Unwrap 返回底层错误，支持 errors.Is/As。
func (e *PilotError) Unwrap() error {
	return e.Cause
}

// WithRequestID 关联请求标识。
func (e *PilotError) WithRequestID(requestID string) *PilotError {
	e.RequestID = requestID
	return e
}

// WithDetail 追加一条附加细节。
func (e *PilotError) WithDetail(key string, value any) *PilotError {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

// NewError 创建指定类型的错误。
func NewError(errType ErrorType, code int, message string) *PilotError {
	return &PilotError{
		Type:      errType,
		Code:      code,
		Message:   message,
		Timestamp: time.Now(),
	}
}

// WrapError 包装底层错误。
func WrapError(errType ErrorType, code int, message string, cause error) *PilotError {
	return &PilotError{
		Type:      errType,
		Code:      code,
		Message:   message,
		Cause:     cause,
		Timestamp: time.Now(),
	}
}

// 预定义错误变量
var (
	ErrInvalidRequest    = NewError(ErrorTypeValidation, CodeInvalidRequest, "请求参数无效")
	ErrEmptyQuery        = NewError(ErrorTypeValidation, CodeMissingParameter, "查询问题不能为空")
	ErrSQLBlocked        = NewError(ErrorTypeSecurity, CodeSQLBlocked, "SQL 语句包含被禁止的操作")
	ErrNotSelect         = NewError(ErrorTypeSecurity, CodeNotSelect, "只允许执行 SELECT 语句")
	ErrMultipleStatement = NewError(ErrorTypeValidation, CodeMultipleStatement, "只允许单条 SQL 语句")
	ErrRateLimited       = NewError(ErrorTypeRateLimit, CodeRateLimit, "请求频率超出限制")
	ErrIPBlocked         = NewError(ErrorTypeRateLimit, CodeIPBlocked, "客户端 IP 已被封禁")
	ErrLLMTimeout        = NewError(ErrorTypeTimeout, CodeLLMTimeout, "大语言模型调用超时")
	ErrLLMUnavailable    = NewError(ErrorTypeLLM, CodeLLMError, "大语言模型服务不可用")
	ErrQueryTimeout      = NewError(ErrorTypeTimeout, CodeQueryTimeout, "查询执行超时")
	ErrTableNotFound     = NewError(ErrorTypeSchema, CodeTableNotFound, "引用的表不存在")
	ErrCacheMiss         = NewError(ErrorTypeCache, CodeCacheKeyNotFound, "缓存未命中")
	ErrUnauthorized      = NewError(ErrorTypeAuth, CodeUnauthorized, "未授权的访问")
	ErrTokenExpired      = NewError(ErrorTypeAuth, CodeTokenExpired, "Token 已过期")
	ErrInternal          = NewError(ErrorTypeInternal, CodeInternalError, "内部错误")
	ErrUnsafeSQL         = NewError(ErrorTypeSecurity, CodeUnsafeSQL, "无法生成安全的 SQL")
)

// IsErrorType 判断错误是否为指定类型。
func IsErrorType(err error, errType ErrorType) bool {
	var pe *PilotError
	if errors.As(err, &pe) {
		return pe.Type == errType
	}
	return false
}

// HTTPStatus 返回错误对应的 HTTP 状态码。
func HTTPStatus(err error) int {
	var pe *PilotError
	if !errors.As(err, &pe) {
		return 500
	}
	if status, ok := httpStatusCodes[pe.Code]; ok {
		return status
	}
	switch pe.Type {
	case ErrorTypeValidation, ErrorTypeSecurity:
		return 400
	case ErrorTypeAuth:
		return 401
	case ErrorTypeRateLimit:
		return 429
	case ErrorTypeNotFound:
		return 404
	case ErrorTypeTimeout:
		return 408
	default:
		return 500
	}
}
