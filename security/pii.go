// 本文件实现了 PII（个人敏感信息）的检测、脱敏和还原。
// 主要功能：
// 1. 基于正则的 PII 检测和风险分级
// 2. 中风险类型的保格式脱敏，高风险类型的占位符移除
// 3. 会话级可逆映射，支持脱敏内容的精确还原
// 4. 向量化前的内容净化

package security

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/Anniext/sqlpilot/core"
)

// PII 风险等级
const (
	PIIRiskHigh   = "high"   // 移除并替换为占位符
	PIIRiskMedium = "medium" // 保格式脱敏
	PIIRiskLow    = "low"    // 仅检测记录
)

// PIIMatch 单条 PII 检测结果
type PIIMatch struct {
	Type      string `json:"type"`       // PII 类型
	Value     string `json:"value"`      // 原始值
	RiskLevel string `json:"risk_level"` // 风险等级
}

// PIIDetection PII 检测报告
type PIIDetection struct {
	Detected      bool       `json:"detected"`       // 是否检测到 PII
	PIITypes      []string   `json:"pii_types"`      // 检测到的类型列表
	RiskLevel     string     `json:"risk_level"`     // 整体风险（取最高）
	SensitiveData []PIIMatch `json:"sensitive_data"` // 逐条结果
	Context       string     `json:"context"`        // 检测上下文
}

// SanitizeReport 脱敏报告
type SanitizeReport struct {
	OriginalLength  int `json:"original_length"`  // 原始长度
	SanitizedLength int `json:"sanitized_length"` // 脱敏后长度
	PIIRemoved      int `json:"pii_removed"`      // 移除条数（高风险）
	PIIMasked       int `json:"pii_masked"`       // 脱敏条数（中风险）
}

// UnmaskReport 还原报告
type UnmaskReport struct {
	UnmaskedCount int      `json:"unmasked_count"` // 还原条数
	Errors        []string `json:"errors"`         // 还原失败信息
	SessionID     string   `json:"session_id"`     // 会话ID
}

// PIIMapping 单条脱敏映射
type PIIMapping struct {
	PIIType  string    `json:"pii_type"` // PII 类型
	Original string    `json:"original"` // 原始值
	Masked   string    `json:"masked"`   // 脱敏值
	Context  string    `json:"context"`  // 上下文
	Created  time.Time `json:"created"`  // 创建时间
}

// mappingSession 会话级映射存储
type mappingSession struct {
	sessionID string
	createdAt time.Time
	mappings  []*PIIMapping
}

// piiPattern PII 类型定义
type piiPattern struct {
	name    string
	risk    string
	pattern *regexp.Regexp
}

// PIIProtector PII 防护器。映射只保存在进程内存，不落库也不进日志。
type PIIProtector struct {
	mu       sync.RWMutex
	patterns []piiPattern
	sessions map[string]*mappingSession
	logger   core.Logger
	metrics  core.MetricsCollector
}

// NewPIIProtector 创建 PII 防护器。risk 参数为各风险等级的类型名列表，
// 为空时使用默认类型表。
func NewPIIProtector(highRisk, mediumRisk, lowRisk []string, logger core.Logger, metrics core.MetricsCollector) *PIIProtector {
	if len(highRisk) == 0 {
		highRisk = []string{"ssn", "credit_card"}
	}
	if len(mediumRisk) == 0 {
		mediumRisk = []string{"email", "phone", "date_of_birth"}
	}
	if len(lowRisk) == 0 {
		lowRisk = []string{"name", "address"}
	}

	protector := &PIIProtector{
		sessions: make(map[string]*mappingSession),
		logger:   logger,
		metrics:  metrics,
	}

	// 检测顺序按风险从高到低，同一片段只归属第一个命中的类型
	for _, name := range highRisk {
		if p := builtinPattern(name, PIIRiskHigh); p != nil {
			protector.patterns = append(protector.patterns, *p)
		}
	}
	for _, name := range mediumRisk {
		if p := builtinPattern(name, PIIRiskMedium); p != nil {
			protector.patterns = append(protector.patterns, *p)
		}
	}
	for _, name := range lowRisk {
		if p := builtinPattern(name, PIIRiskLow); p != nil {
			protector.patterns = append(protector.patterns, *p)
		}
	}

	return protector
}

// builtinPattern 返回内置 PII 类型的正则定义，未知类型返回 nil。
func builtinPattern(name, risk string) *piiPattern {
	var expr string
	switch name {
	case "ssn":
		expr = `\b\d{3}-\d{2}-\d{4}\b`
	case "credit_card":
		expr = `\b\d{4}[- ]\d{4}[- ]\d{4}[- ]\d{4}\b`
	case "email":
		expr = `\b[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}\b`
	case "phone":
		expr = `\(\d{3}\)\s?\d{3}-\d{4}`
	case "date_of_birth":
		expr = `\b\d{2}/\d{2}/\d{4}\b`
	case "name":
		expr = `\b(?:Name|姓名)\s*[:：]\s*[A-Z][a-z]+(?:\s+[A-Z][a-z]+)+`
	case "address":
		expr = `\b\d+\s+[A-Z][a-z]+\s+(?:Street|Avenue|Road|Boulevard|Lane|Drive)\b`
	default:
		return nil
	}
	return &piiPattern{name: name, risk: risk, pattern: regexp.MustCompile(expr)}
}

// CreateMappingSession 创建会话级映射存储，重复创建时复用已有会话。
func (pp *PIIProtector) CreateMappingSession(sessionID string) string {
	if sessionID == "" {
		sessionID = core.GenerateSessionID()
	}

	pp.mu.Lock()
	defer pp.mu.Unlock()

	if _, ok := pp.sessions[sessionID]; !ok {
		pp.sessions[sessionID] = &mappingSession{
			sessionID: sessionID,
			createdAt: time.Now(),
		}
	}
	return sessionID
}

// DetectPII 扫描文本中的 PII，返回检测报告。不修改文本也不写映射。
func (pp *PIIProtector) DetectPII(text, context string) *PIIDetection {
	detection := &PIIDetection{Context: context}
	seen := make(map[string]bool)

	for _, pat := range pp.patterns {
		matches := pat.pattern.FindAllString(text, -1)
		for _, value := range matches {
			detection.SensitiveData = append(detection.SensitiveData, PIIMatch{
				Type:      pat.name,
				Value:     value,
				RiskLevel: pat.risk,
			})
			if !seen[pat.name] {
				seen[pat.name] = true
				detection.PIITypes = append(detection.PIITypes, pat.name)
			}
			if riskRank(pat.risk) > riskRank(detection.RiskLevel) {
				detection.RiskLevel = pat.risk
			}
		}
	}

	detection.Detected = len(detection.SensitiveData) > 0
	return detection
}

// SanitizeForEmbedding 对将要送入向量库或 LLM 的文本做脱敏。
// 高风险类型替换为占位符，中风险类型保格式脱敏，低风险类型保留原文。
// 每个被替换的值都写入 sessionID 对应的可逆映射。
func (pp *PIIProtector) SanitizeForEmbedding(sessionID, text, context string) (string, *SanitizeReport) {
	report := &SanitizeReport{OriginalLength: len(text)}
	sanitized := text

	pp.mu.Lock()
	session, ok := pp.sessions[sessionID]
	if !ok {
		session = &mappingSession{sessionID: sessionID, createdAt: time.Now()}
		pp.sessions[sessionID] = session
	}

	for _, pat := range pp.patterns {
		if pat.risk == PIIRiskLow {
			continue
		}
		matches := pat.pattern.FindAllString(sanitized, -1)
		for _, value := range core.UniqueStrings(matches) {
			var masked string
			if pat.risk == PIIRiskHigh {
				// 占位符带会话内序号，同类型多个值保持映射双射
				masked = fmt.Sprintf("[%s_REMOVED_%d]",
					strings.ToUpper(pat.name), typeCount(session, pat.name)+1)
			} else {
				masked = maskValue(pat.name, value)
			}
			if masked == value {
				continue
			}
			sanitized = strings.ReplaceAll(sanitized, value, masked)
			session.mappings = append(session.mappings, &PIIMapping{
				PIIType:  pat.name,
				Original: value,
				Masked:   masked,
				Context:  context,
				Created:  time.Now(),
			})
			if pat.risk == PIIRiskHigh {
				report.PIIRemoved++
			} else {
				report.PIIMasked++
			}
		}
	}
	pp.mu.Unlock()

	report.SanitizedLength = len(sanitized)

	if report.PIIRemoved+report.PIIMasked > 0 {
		pp.metrics.IncrementCounter(core.MetricSecurityEventsTotal, map[string]string{
			"event_type":   EventTypePIIDetected,
			"threat_level": ThreatLevelMedium,
		})
		pp.logger.Debug("内容脱敏完成",
			"session_id", sessionID,
			"removed", report.PIIRemoved,
			"masked", report.PIIMasked)
	}

	return sanitized, report
}

// UnmaskPII 用会话中保存的映射将脱敏文本还原为原文。
// 同一会话内 SanitizeForEmbedding 后再 UnmaskPII 可以完整还原。
func (pp *PIIProtector) UnmaskPII(sessionID, text string) (string, *UnmaskReport) {
	report := &UnmaskReport{SessionID: sessionID}

	pp.mu.RLock()
	session, ok := pp.sessions[sessionID]
	if !ok || len(session.mappings) == 0 {
		pp.mu.RUnlock()
		report.Errors = append(report.Errors, fmt.Sprintf("会话 %s 没有可用的脱敏映射", sessionID))
		return text, report
	}

	// 长脱敏值优先还原，避免短占位符吞掉长占位符的一部分
	mappings := make([]*PIIMapping, len(session.mappings))
	copy(mappings, session.mappings)
	pp.mu.RUnlock()

	sort.SliceStable(mappings, func(i, j int) bool {
		return len(mappings[i].Masked) > len(mappings[j].Masked)
	})

	restored := text
	for _, mapping := range mappings {
		if strings.Contains(restored, mapping.Masked) {
			restored = strings.ReplaceAll(restored, mapping.Masked, mapping.Original)
			report.UnmaskedCount++
		}
	}

	return restored, report
}

// GetMappings 返回会话内的映射，可按 PII 类型和上下文过滤，空串表示不过滤。
func (pp *PIIProtector) GetMappings(sessionID, piiType, context string) []*PIIMapping {
	pp.mu.RLock()
	defer pp.mu.RUnlock()

	session, ok := pp.sessions[sessionID]
	if !ok {
		return nil
	}

	var out []*PIIMapping
	for _, mapping := range session.mappings {
		if piiType != "" && mapping.PIIType != piiType {
			continue
		}
		if context != "" && mapping.Context != context {
			continue
		}
		out = append(out, mapping)
	}
	return out
}

// ClearMappings 清空并删除会话的映射存储。
func (pp *PIIProtector) ClearMappings(sessionID string) {
	pp.mu.Lock()
	delete(pp.sessions, sessionID)
	pp.mu.Unlock()
}

// typeCount 统计会话内某 PII 类型已有的映射条数，用于生成唯一占位符序号。
func typeCount(session *mappingSession, piiType string) int {
	count := 0
	for _, mapping := range session.mappings {
		if mapping.PIIType == piiType {
			count++
		}
	}
	return count
}

// maskValue 按类型生成中风险的保格式脱敏值。
func maskValue(piiType, value string) string {
	switch piiType {
	case "email":
		at := strings.Index(value, "@")
		if at < 2 {
			return "**" + value[at:]
		}
		return value[:2] + "**" + value[at:]
	case "phone":
		// (555) 123-4567 -> (555) ***-4567
		open := strings.Index(value, "(")
		closeParen := strings.Index(value, ")")
		dash := strings.LastIndex(value, "-")
		if open < 0 || closeParen < 0 || dash < 0 {
			return "***"
		}
		return fmt.Sprintf("(%s) ***%s", value[open+1:closeParen], value[dash:])
	case "credit_card":
		// 1234-5678-9012-3456 -> ****-****-****-3456
		if len(value) < 4 {
			return "****"
		}
		return "****-****-****-" + value[len(value)-4:]
	case "date_of_birth":
		// 01/15/1990 -> **/**/1990
		parts := strings.Split(value, "/")
		if len(parts) != 3 {
			return "**/**/****"
		}
		return "**/**/" + parts[2]
	default:
		return strings.Repeat("*", len(value))
	}
}

// riskRank 风险等级排序权重。
func riskRank(risk string) int {
	switch risk {
	case PIIRiskHigh:
		return 3
	case PIIRiskMedium:
		return 2
	case PIIRiskLow:
		return 1
	default:
		return 0
	}
}
