// 本文件实现了 SQL 安全防护器，负责对生成的 SQL 和用户的自然语言问题做威胁扫描。
// 主要功能：
// 1. 危险操作关键词检测和阻断
// 2. 可疑注入模式检测和标记
// 3. 自然语言问题的安全扫描
// 4. 扫描结果的审计事件落库

package security

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/Anniext/sqlpilot/core"
)

// Verdict 安全扫描结论
type Verdict struct {
	Action      string   `json:"action"`       // BLOCKED/GUARDED/ALLOWED/FLAGGED
	ThreatLevel string   `json:"threat_level"` // HIGH/MEDIUM/LOW
	Rule        string   `json:"rule"`         // 命中的规则名
	Message     string   `json:"message"`      // 结论说明
	Guards      []string `json:"guards"`       // 命中的可疑模式列表
}

// Blocked 判断结论是否为阻断。
func (v *Verdict) Blocked() bool {
	return v.Action == ActionBlocked
}

// Guard SQL 安全防护器
type Guard struct {
	logger             core.Logger               // 日志记录器
	metrics            core.MetricsCollector     // 指标收集器
	store              *Store                    // 审计存储器
	forbiddenPatterns  map[string]*regexp.Regexp // 危险关键词 -> 正则
	forbiddenOrder     []string                  // 危险关键词检查顺序
	suspiciousPatterns []suspiciousPattern       // 可疑模式
	queryPatterns      []suspiciousPattern       // 自然语言可疑模式
}

type suspiciousPattern struct {
	name    string
	pattern *regexp.Regexp
}

// NewGuard 创建 SQL 安全防护器。forbiddenKeywords 为空时使用默认关键词表。
func NewGuard(forbiddenKeywords []string, store *Store, logger core.Logger, metrics core.MetricsCollector) *Guard {
	if len(forbiddenKeywords) == 0 {
		forbiddenKeywords = core.DefaultForbiddenKeywords()
	}

	guard := &Guard{
		logger:            logger,
		metrics:           metrics,
		store:             store,
		forbiddenPatterns: make(map[string]*regexp.Regexp, len(forbiddenKeywords)),
	}

	for _, keyword := range forbiddenKeywords {
		keyword = strings.ToUpper(strings.TrimSpace(keyword))
		if keyword == "" {
			continue
		}
		guard.forbiddenPatterns[keyword] = regexp.MustCompile(`(?i)\b` + regexp.QuoteMeta(keyword) + `\b`)
		guard.forbiddenOrder = append(guard.forbiddenOrder, keyword)
	}

	guard.suspiciousPatterns = []suspiciousPattern{
		{"UNION", regexp.MustCompile(`(?i)\bunion\s+select\b`)},
		{"OR_INJECTION", regexp.MustCompile(`(?i)\bor\s+1\s*=\s*1\b`)},
		{"OR_TRUE", regexp.MustCompile(`(?i)\bor\s+true\b`)},
		{"SCRIPT_TAG", regexp.MustCompile(`(?i)<script`)},
		{"JAVASCRIPT", regexp.MustCompile(`(?i)javascript:`)},
		{"ONLOAD", regexp.MustCompile(`(?i)onload=`)},
		{"ONERROR", regexp.MustCompile(`(?i)onerror=`)},
	}

	guard.queryPatterns = []suspiciousPattern{
		{"SCRIPT_TAG", regexp.MustCompile(`(?i)<script`)},
		{"SQL_COMMENT", regexp.MustCompile(`--\s`)},
		{"OR_INJECTION", regexp.MustCompile(`(?i)\bor\s+1\s*=\s*1\b`)},
		{"SEMICOLON_CHAIN", regexp.MustCompile(`;\s*\w`)},
	}

	return guard
}

// CheckSQL 扫描 SQL 语句。危险关键词命中时返回 BLOCKED，仅可疑模式命中时
// 返回 GUARDED（放行但标记），干净语句返回 ALLOWED。关键词匹配在剥离字符串
// 字面量之后进行，避免值里的单词误判。
func (g *Guard) CheckSQL(ctx context.Context, sqlText, user, ip string) *Verdict {
	stripped := stripStringLiterals(sqlText)

	for _, keyword := range g.forbiddenOrder {
		if g.forbiddenPatterns[keyword].MatchString(stripped) {
			verdict := &Verdict{
				Action:      ActionBlocked,
				ThreatLevel: ThreatLevelHigh,
				Rule:        keyword,
				Message:     fmt.Sprintf("检测到危险的 %s 操作", keyword),
			}
			g.store.InsertEvent(ctx, &SecurityEvent{
				EventType:   EventTypeDangerousOperation,
				User:        user,
				IPAddress:   ip,
				SQLQuery:    sqlText,
				ThreatLevel: ThreatLevelHigh,
				ActionTaken: ActionBlocked,
				Details:     verdict.Message,
			})
			g.logger.Warn("SQL 被安全防护器阻断", "rule", keyword, "user", user, "ip", ip)
			return verdict
		}
	}

	var guards []string
	for _, sp := range g.suspiciousPatterns {
		if sp.pattern.MatchString(sqlText) {
			guards = append(guards, sp.name)
			g.store.InsertEvent(ctx, &SecurityEvent{
				EventType:   EventTypeSuspiciousPattern,
				User:        user,
				IPAddress:   ip,
				SQLQuery:    sqlText,
				ThreatLevel: ThreatLevelMedium,
				ActionTaken: ActionFlagged,
				Details:     fmt.Sprintf("检测到可疑模式: %s", sp.name),
			})
		}
	}

	if len(guards) > 0 {
		g.logger.Info("SQL 带防护放行", "guards", guards, "user", user)
		return &Verdict{
			Action:      ActionGuarded,
			ThreatLevel: ThreatLevelMedium,
			Rule:        guards[0],
			Message:     fmt.Sprintf("查询在 %d 项安全防护下放行", len(guards)),
			Guards:      guards,
		}
	}

	g.store.InsertEvent(ctx, &SecurityEvent{
		EventType:   EventTypeSQLValidated,
		User:        user,
		IPAddress:   ip,
		SQLQuery:    sqlText,
		ThreatLevel: ThreatLevelLow,
		ActionTaken: ActionAllowed,
		Details:     "SQL 安全检查通过，未发现危险操作",
	})

	return &Verdict{
		Action:      ActionAllowed,
		ThreatLevel: ThreatLevelLow,
		Message:     "SQL 安全检查通过",
	}
}

// CheckQuery 扫描自然语言问题。问题本身不会被执行，这里只做标记不做阻断，
// 空问题除外。
func (g *Guard) CheckQuery(ctx context.Context, query, user, ip string) *Verdict {
	if strings.TrimSpace(query) == "" {
		return &Verdict{
			Action:      ActionBlocked,
			ThreatLevel: ThreatLevelLow,
			Message:     "查询问题不能为空",
		}
	}

	for _, sp := range g.queryPatterns {
		if sp.pattern.MatchString(query) {
			g.store.InsertEvent(ctx, &SecurityEvent{
				EventType:   EventTypeQueryFlagged,
				User:        user,
				IPAddress:   ip,
				Query:       query,
				ThreatLevel: ThreatLevelLow,
				ActionTaken: ActionFlagged,
				Details:     fmt.Sprintf("问题中检测到可疑内容: %s", sp.name),
			})
			return &Verdict{
				Action:      ActionFlagged,
				ThreatLevel: ThreatLevelLow,
				Rule:        sp.name,
				Message:     fmt.Sprintf("问题中检测到可疑内容: %s", sp.name),
			}
		}
	}

	return &Verdict{
		Action:      ActionAllowed,
		ThreatLevel: ThreatLevelLow,
		Message:     "问题检查通过",
	}
}

// stripStringLiterals 将 SQL 中的单引号和双引号字面量替换为空串，
// 保留引号本身以维持语句结构。
func stripStringLiterals(sqlText string) string {
	var builder strings.Builder
	builder.Grow(len(sqlText))

	var quote byte
	for i := 0; i < len(sqlText); i++ {
		ch := sqlText[i]
		if quote != 0 {
			if ch == quote {
				// 两个连续引号是转义，仍在字面量内
				if i+1 < len(sqlText) && sqlText[i+1] == quote {
					i++
					continue
				}
				quote = 0
				builder.WriteByte(ch)
			}
			continue
		}
		if ch == '\'' || ch == '"' {
			quote = ch
		}
		builder.WriteByte(ch)
	}

	return builder.String()
}
