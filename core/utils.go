// 本文件提供通用工具函数，包括标识生成、SQL 清理与字符串处理。

package core

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
)

var (
	whitespaceRe   = regexp.MustCompile(`\s+`)
	lineCommentRe  = regexp.MustCompile(`--[^\n]*`)
	blockCommentRe = regexp.MustCompile(`(?s)/\*.*?\*/`)
)

// GenerateRequestID 生成请求标识。
func GenerateRequestID() string {
	return fmt.Sprintf("req_%s", uuid.NewString())
}

// GenerateSessionID 生成会话标识。
func GenerateSessionID() string {
	return fmt.Sprintf("sess_%s", uuid.NewString())
}

// NormalizeSQL 规整 SQL 语句：去除注释并压缩空白。
func NormalizeSQL(sql string) string {
	sql = lineCommentRe.ReplaceAllString(sql, "")
	sql = blockCommentRe.ReplaceAllString(sql, "")
	sql = whitespaceRe.ReplaceAllString(sql, " ")
	return strings.TrimSpace(sql)
}

// ValidIdentifier 校验表名或列名是否为合法标识符。
func ValidIdentifier(name string) bool {
	if name == "" {
		return false
	}
	matched, _ := regexp.MatchString(`^[a-zA-Z_][a-zA-Z0-9_]*$`, name)
	return matched
}

// ContainsString 判断字符串切片是否包含指定元素。
func ContainsString(slice []string, item string) bool {
	for _, s := range slice {
		if s == item {
			return true
		}
	}
	return false
}

// UniqueStrings 去重并保持首次出现顺序。
func UniqueStrings(slice []string) []string {
	seen := make(map[string]bool, len(slice))
	result := make([]string, 0, len(slice))
	for _, s := range slice {
		if !seen[s] {
			seen[s] = true
			result = append(result, s)
		}
	}
	return result
}

// TruncateString 按最大长度截断字符串，超出部分以省略号结尾。
func TruncateString(s string, maxLength int) string {
	if len(s) <= maxLength {
		return s
	}
	if maxLength <= 3 {
		return s[:maxLength]
	}
	return s[:maxLength-3] + "..."
}

// DurationMs 将时间间隔转换为毫秒浮点值。
func DurationMs(d time.Duration) float64 {
	return float64(d.Nanoseconds()) / 1e6
}

// GetEnvOrDefault 读取环境变量，为空时返回默认值。
func GetEnvOrDefault(key, defaultValue string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return defaultValue
}

// SafeGoroutine 启动带 panic 恢复的 goroutine。
func SafeGoroutine(fn func(), logger Logger) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				if logger != nil {
					logger.Error("goroutine panic recovered", "panic", r)
				}
			}
		}()
		fn()
	}()
}
