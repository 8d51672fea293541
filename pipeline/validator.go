// 本文件实现了验证阶段，按固定顺序对候选 SQL 做结构与安全校验。
// 主要功能：
// 1. 单语句校验（字符串字面量外扫描分号）
// 2. SELECT-only 校验（允许 WITH ... SELECT）
// 3. 安全防护器扫描（阻断/带防护放行）
// 4. Schema 表存在性校验与性能提示

package pipeline

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/Anniext/sqlpilot/core"
	"github.com/Anniext/sqlpilot/security"
)

var (
	tableRefPattern = regexp.MustCompile("(?i)\\b(?:from|join)\\s+`?([a-zA-Z_][a-zA-Z0-9_]*)`?")
	ctePattern      = regexp.MustCompile(`(?i)\b([a-zA-Z_][a-zA-Z0-9_]*)\s+as\s*\(`)
)

// SQLValidator SQL 验证器。
type SQLValidator struct {
	guard   *security.Guard
	catalog SchemaCatalog
	logger  core.Logger
}

// NewValidator 创建验证器。
func NewValidator(guard *security.Guard, catalog SchemaCatalog, logger core.Logger) *SQLValidator {
	return &SQLValidator{
		guard:   guard,
		catalog: catalog,
		logger:  logger,
	}
}

// Validate 按序执行校验，第一个失败即终止并记录原因。
func (v *SQLValidator) Validate(ctx context.Context, sqlText string, req *core.QueryRequest) (*core.ValidationResult, error) {
	var user, ip string
	if req != nil {
		user = req.User
		ip = req.ClientIP
	}

	if strings.TrimSpace(sqlText) == "" {
		return &core.ValidationResult{Valid: false, Reason: "SQL statement is empty"}, nil
	}

	if !singleStatement(sqlText) {
		return &core.ValidationResult{Valid: false, Reason: "only a single SQL statement is allowed"}, nil
	}

	if keyword := leadingKeyword(sqlText); keyword != "select" && keyword != "with" {
		return &core.ValidationResult{Valid: false, Reason: "only SELECT statements are allowed"}, nil
	}

	verdict := v.guard.CheckSQL(ctx, sqlText, user, ip)
	if verdict.Blocked() {
		v.logger.Warn("SQL 未通过安全扫描", "rule", verdict.Rule, "user", user)
		return &core.ValidationResult{Valid: false, Reason: verdict.Message}, nil
	}

	result := &core.ValidationResult{Valid: true}
	if verdict.Action == security.ActionGuarded {
		result.Guarded = true
		result.GuardFlags = verdict.Guards
	}

	for _, table := range referencedTables(sqlText) {
		if !v.catalog.HasTable(table) {
			return &core.ValidationResult{
				Valid:  false,
				Reason: fmt.Sprintf("unknown table referenced: %s", table),
			}, nil
		}
	}

	result.Warnings = performanceWarnings(sqlText)
	return result, nil
}

// IsSafe 面向流水线的简化封装。
func (v *SQLValidator) IsSafe(ctx context.Context, sqlText string) (bool, string) {
	result, err := v.Validate(ctx, sqlText, nil)
	if err != nil {
		return false, err.Error()
	}
	return result.Valid, result.Reason
}

// singleStatement 在字符串字面量外扫描分号，只允许句尾出现。
func singleStatement(sqlText string) bool {
	var quote byte
	for i := 0; i < len(sqlText); i++ {
		ch := sqlText[i]
		if quote != 0 {
			if ch == quote {
				if i+1 < len(sqlText) && sqlText[i+1] == quote {
					i++
					continue
				}
				quote = 0
			}
			continue
		}
		switch ch {
		case '\'', '"':
			quote = ch
		case ';':
			if strings.TrimSpace(sqlText[i+1:]) != "" {
				return false
			}
		}
	}
	return true
}

// leadingKeyword 跳过空白与注释后返回首个关键词（小写）。
func leadingKeyword(sqlText string) string {
	text := strings.TrimSpace(sqlText)
	for {
		switch {
		case strings.HasPrefix(text, "--"):
			idx := strings.IndexByte(text, '\n')
			if idx < 0 {
				return ""
			}
			text = strings.TrimSpace(text[idx+1:])
		case strings.HasPrefix(text, "/*"):
			idx := strings.Index(text, "*/")
			if idx < 0 {
				return ""
			}
			text = strings.TrimSpace(text[idx+2:])
		default:
			fields := strings.Fields(text)
			if len(fields) == 0 {
				return ""
			}
			return strings.ToLower(strings.Trim(fields[0], "("))
		}
	}
}

// referencedTables 提取 FROM/JOIN 后的表名，去重保持出现顺序。
// WITH 子句定义的 CTE 名不算表引用。
func referencedTables(sqlText string) []string {
	ctes := make(map[string]bool)
	for _, match := range ctePattern.FindAllStringSubmatch(sqlText, -1) {
		ctes[strings.ToLower(match[1])] = true
	}

	matches := tableRefPattern.FindAllStringSubmatch(sqlText, -1)
	tables := make([]string, 0, len(matches))
	for _, match := range matches {
		name := strings.ToLower(match[1])
		if name == "select" || ctes[name] {
			continue
		}
		tables = append(tables, name)
	}
	return core.UniqueStrings(tables)
}

// performanceWarnings 产出不阻断执行的性能提示。
func performanceWarnings(sqlText string) []string {
	upper := strings.ToUpper(sqlText)
	var warnings []string

	if strings.Contains(upper, "SELECT *") && !strings.Contains(upper, "LIMIT") {
		warnings = append(warnings, "SELECT * without LIMIT may return large datasets")
	}
	if joins := strings.Count(upper, "JOIN"); joins > 3 {
		warnings = append(warnings, fmt.Sprintf("multiple JOINs (%d) may impact performance", joins))
	}
	if strings.Count(upper, "SELECT") > 2 {
		warnings = append(warnings, "deeply nested queries may impact performance")
	}
	return warnings
}
