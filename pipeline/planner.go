// 本文件实现了计划阶段，对自然语言问题做纯词法分析，产出候选表、
// 能力标记与澄清问题。
// 主要功能：
// 1. 候选表识别（表名子串匹配 + 业务词族启发式）
// 2. 能力标记识别（关键词表保持为数据，便于配置覆盖）
// 3. 语义不完整时的澄清问题生成（携带默认值）
// 4. 检索上下文回流后的计划精化

package pipeline

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/Anniext/sqlpilot/core"
)

// KeywordTable 能力关键词表。保持为数据而非代码常量，调用方可以整表替换。
type KeywordTable struct {
	Date      []string `json:"date"`      // 日期过滤
	Aggregate []string `json:"aggregate"` // 聚合查询
	Exists    []string `json:"exists"`    // 存在性判断
	Window    []string `json:"window"`    // 窗口函数
	Weekend   []string `json:"weekend"`   // 周末过滤
	Threshold []string `json:"threshold"` // 阈值条件
	Join      []string `json:"join"`      // 关联员工表
}

// DefaultKeywordTable 返回默认的能力关键词表。
func DefaultKeywordTable() *KeywordTable {
	return &KeywordTable{
		Date: []string{
			"today", "yesterday", "last", "this", "month", "week", "year",
			"daily", "recent", "q1", "q2", "q3", "q4", "quarter",
		},
		Aggregate: []string{
			"count", "how many", "total", "sum", "average", "avg", "max",
			"min", "highest", "lowest", "most", "least", "top", "each",
			"per", "breakdown",
		},
		Exists: []string{
			"who have", "that have", "with at least", "having", "exists",
		},
		Window: []string{
			"rank", "ranking", "top 3", "top 5", "first", "latest per",
			"most recent per", "nth",
		},
		Weekend: []string{"weekend", "saturday", "sunday"},
		Threshold: []string{
			"over", "above", "more than", "greater than", "at least",
			"exceeding", "under", "below", "less than",
		},
		Join: []string{"manager", "handled by", "handled", "employee of"},
	}
}

// 业务词族 -> 表名子串。问题没有直接提到表名时用于启发式匹配。
var tableWordFamilies = []struct {
	words  []string
	family string
}{
	{[]string{"customer", "customers", "client", "clients"}, "customer"},
	{[]string{"account", "accounts", "balance", "balances"}, "account"},
	{[]string{"transaction", "transactions", "payment", "payments"}, "transaction"},
	{[]string{"employee", "employees", "staff", "manager", "managers"}, "employee"},
	{[]string{"branch", "branches", "location", "locations"}, "branch"},
}

var (
	numberPattern = regexp.MustCompile(`\b\d{2,}\b`)
	yearPattern   = regexp.MustCompile(`\b20\d{2}\b`)
)

// LexicalPlanner 词法计划器，不依赖 LLM。
type LexicalPlanner struct {
	catalog  SchemaCatalog
	keywords *KeywordTable
	logger   core.Logger
}

// NewPlanner 创建计划器。keywords 为空时使用默认关键词表。
func NewPlanner(catalog SchemaCatalog, keywords *KeywordTable, logger core.Logger) *LexicalPlanner {
	if keywords == nil {
		keywords = DefaultKeywordTable()
	}
	return &LexicalPlanner{
		catalog:  catalog,
		keywords: keywords,
		logger:   logger,
	}
}

// Plan 分析问题，识别候选表、能力标记与澄清问题。clarified 携带对先前
// 澄清问题的回答，已回答的触发条件不再产生澄清，回答随计划传给生成阶段。
func (p *LexicalPlanner) Plan(ctx context.Context, query string, clarified map[string]string) (*core.QueryPlan, error) {
	lowered := strings.ToLower(strings.TrimSpace(query))
	if lowered == "" {
		return &core.QueryPlan{
			Tables:       p.catalog.TableNames(),
			Capabilities: &core.Capabilities{},
		}, nil
	}

	plan := &core.QueryPlan{
		Tables:         p.detectTables(lowered),
		Capabilities:   p.detectCapabilities(lowered),
		Clarifications: p.detectClarifications(lowered, clarified),
	}
	if len(clarified) > 0 {
		plan.Clarified = clarified
	}

	p.logger.Debug("查询计划完成",
		"tables", plan.Tables,
		"clarifications", len(plan.Clarifications))
	return plan, nil
}

// Refine 将检索上下文中的表提及合并回计划。问题中显式提及的表保持在前，
// 计划回退到全表默认时用检索结果收窄。候选表多于一张时从外键关系推导
// 连接路径建议。
func (p *LexicalPlanner) Refine(ctx context.Context, plan *core.QueryPlan, retrieved *core.RetrievedContext) (*core.QueryPlan, error) {
	if plan == nil {
		return nil, core.NewError(core.ErrorTypeInternal, core.CodeInternalError, "查询计划不能为空")
	}

	if retrieved != nil && retrieved.QueryAnalysis != nil {
		mentioned := make([]string, 0, len(retrieved.QueryAnalysis.Tables))
		for _, table := range retrieved.QueryAnalysis.Tables {
			if p.catalog.HasTable(table) {
				mentioned = append(mentioned, table)
			}
		}

		switch {
		case len(mentioned) == 0:
			// 检索没有带来新的表提及，计划保持不变
		case len(plan.Tables) == len(p.catalog.TableNames()):
			// 计划没有识别出任何显式表提及时退化为全表，此时检索结果更可信
			plan.Tables = core.UniqueStrings(mentioned)
		default:
			merged := append([]string{}, plan.Tables...)
			merged = append(merged, mentioned...)
			plan.Tables = core.UniqueStrings(merged)
		}
	}

	if len(plan.Tables) > 1 {
		plan.JoinPaths = p.joinPaths(plan.Tables)
	}
	return plan, nil
}

// joinPaths 在候选表之间寻找外键关系，产出等值连接条件建议。
func (p *LexicalPlanner) joinPaths(tables []string) []string {
	var paths []string
	for _, rel := range p.catalog.Relationships() {
		if core.ContainsString(tables, rel.FromTable) && core.ContainsString(tables, rel.ToTable) {
			paths = append(paths, fmt.Sprintf("%s.%s = %s.%s",
				rel.FromTable, rel.FromColumn, rel.ToTable, rel.ToColumn))
		}
	}
	return paths
}

// detectTables 按首次提及顺序识别候选表，没有任何命中时返回全部表。
func (p *LexicalPlanner) detectTables(lowered string) []string {
	names := p.catalog.TableNames()

	type mention struct {
		table string
		pos   int
	}
	var mentions []mention
	for _, table := range names {
		if pos := strings.Index(lowered, strings.ToLower(table)); pos >= 0 {
			mentions = append(mentions, mention{table, pos})
		}
	}

	if len(mentions) == 0 {
		for _, fam := range tableWordFamilies {
			pos := firstIndex(lowered, fam.words)
			if pos < 0 {
				continue
			}
			for _, table := range names {
				if strings.Contains(strings.ToLower(table), fam.family) {
					mentions = append(mentions, mention{table, pos})
				}
			}
		}
	}

	if len(mentions) == 0 {
		return names
	}

	sort.SliceStable(mentions, func(i, j int) bool { return mentions[i].pos < mentions[j].pos })
	tables := make([]string, 0, len(mentions))
	for _, m := range mentions {
		tables = append(tables, m.table)
	}
	return core.UniqueStrings(tables)
}

// detectCapabilities 依据关键词表识别查询能力标记。
func (p *LexicalPlanner) detectCapabilities(lowered string) *core.Capabilities {
	return &core.Capabilities{
		Aggregate:     containsAny(lowered, p.keywords.Aggregate),
		Exists:        containsAny(lowered, p.keywords.Exists),
		Window:        containsAny(lowered, p.keywords.Window),
		Weekend:       containsAny(lowered, p.keywords.Weekend),
		DateFilter:    containsAny(lowered, p.keywords.Date),
		Threshold:     containsAny(lowered, p.keywords.Threshold),
		JoinEmployees: containsAny(lowered, p.keywords.Join),
	}
}

// detectClarifications 识别语义不完整的问题，每条澄清都携带可直接采用的
// 默认值。clarified 中已有回答的字段不再触发。
func (p *LexicalPlanner) detectClarifications(lowered string, clarified map[string]string) []*core.Clarification {
	var clarifications []*core.Clarification

	if containsAny(lowered, []string{"high value", "high balance", "rich", "wealthy"}) &&
		!numberPattern.MatchString(lowered) {
		clarifications = append(clarifications, &core.Clarification{
			Question: "What minimum balance should count as 'high'?",
			Field:    "min_balance",
			Default:  "20000",
		})
	}

	if strings.Contains(lowered, "recent") && !yearPattern.MatchString(lowered) {
		clarifications = append(clarifications, &core.Clarification{
			Question: "What date range do you mean by 'recent'?",
			Field:    "date_range",
			Default:  "last 30 days",
		})
	}

	if (strings.Contains(lowered, "q1") || strings.Contains(lowered, "first quarter")) &&
		!yearPattern.MatchString(lowered) {
		clarifications = append(clarifications, &core.Clarification{
			Question: "Which year's first quarter do you mean?",
			Field:    "date_range",
			Default:  "2025-01-01..2025-03-31",
		})
	}

	if len(clarified) == 0 {
		return clarifications
	}
	var open []*core.Clarification
	for _, clarification := range clarifications {
		if strings.TrimSpace(clarified[clarification.Field]) != "" {
			continue
		}
		open = append(open, clarification)
	}
	return open
}

func containsAny(text string, words []string) bool {
	for _, word := range words {
		if strings.Contains(text, word) {
			return true
		}
	}
	return false
}

func firstIndex(text string, words []string) int {
	best := -1
	for _, word := range words {
		if pos := strings.Index(text, word); pos >= 0 && (best < 0 || pos < best) {
			best = pos
		}
	}
	return best
}
