// 本文件实现了总结阶段，基于关键词模板对执行结果生成面向用户的总结，
// 不调用 LLM。每条总结都携带后续问题建议。
// 主要功能：
// 1. 按表统计、分支交易、最高余额/薪资等场景化模板
// 2. 失败与空结果的专用模板
// 3. 后续问题建议生成

package pipeline

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/Anniext/sqlpilot/core"
)

// TemplateSummarizer 模板总结器。
type TemplateSummarizer struct {
	logger core.Logger
}

// NewSummarizer 创建总结器。
func NewSummarizer(logger core.Logger) *TemplateSummarizer {
	return &TemplateSummarizer{logger: logger}
}

// SummarizeFailure 对失败终态生成总结，携带重试建议。
func (s *TemplateSummarizer) SummarizeFailure(query string, errMsg string) *core.Summary {
	if errMsg == "" {
		errMsg = "could not produce safe SQL"
	}
	return &core.Summary{
		Text: fmt.Sprintf("Query failed.\n\nYour question: %s\nError: %s", query, errMsg),
		Suggestions: []string{
			"Try rephrasing the question in simpler terms",
			"Name the exact table you are interested in",
			"Ask for a smaller date range or fewer columns",
		},
	}
}

// Summarize 对执行结果生成总结。按关键词模板逐个尝试，最后回退到通用模板。
func (s *TemplateSummarizer) Summarize(query string, result *core.ExecutionResult) *core.Summary {
	if result == nil || len(result.Rows) == 0 {
		return &core.Summary{
			Text: fmt.Sprintf("No results found.\n\nYour question: %s\n"+
				"No data matches your criteria. Try refining your search or ask a different question.", query),
			Suggestions: []string{
				"Broaden the filter conditions",
				"Check the spelling of names and values",
				"Ask what data is available in each table",
			},
		}
	}

	lowered := strings.ToLower(query)

	if summary := s.tableBreakdown(query, lowered, result); summary != nil {
		return summary
	}
	if summary := s.branchTransactions(query, lowered, result); summary != nil {
		return summary
	}
	if summary := s.highestBalance(query, lowered, result); summary != nil {
		return summary
	}
	if summary := s.highestSalary(query, lowered, result); summary != nil {
		return summary
	}
	if summary := s.transactions(query, lowered, result); summary != nil {
		return summary
	}

	return s.generic(query, result)
}

// tableBreakdown 按表统计模板，要求结果带 table_name/row_count 列。
func (s *TemplateSummarizer) tableBreakdown(query, lowered string, result *core.ExecutionResult) *core.Summary {
	if !containsAny(lowered, []string{"count", "how many", "each table", "by table", "rows"}) {
		return nil
	}
	if len(result.Rows) < 2 {
		return nil
	}

	var total float64
	var largestName string
	var largestCount float64
	var lines []string
	for _, row := range result.Rows {
		name, ok := row["table_name"].(string)
		if !ok {
			return nil
		}
		count, ok := numericCell(row["row_count"])
		if !ok {
			return nil
		}
		total += count
		if count > largestCount {
			largestCount = count
			largestName = name
		}
		lines = append(lines, fmt.Sprintf("- %s: %.0f rows", name, count))
	}

	share := 0.0
	if total > 0 {
		share = largestCount / total * 100
	}
	text := fmt.Sprintf("Database overview.\n\nYour question: %s\n\n%s\n\n"+
		"Total records across all tables: %.0f\n"+
		"Largest table: %s (%.1f%% of total data)",
		query, strings.Join(lines, "\n"), total, largestName, share)

	return &core.Summary{
		Text: text,
		Suggestions: []string{
			"Show me the top 10 branches by transaction volume",
			"What's the average account balance?",
			"Show me employee distribution by branch",
		},
	}
}

// branchTransactions 分支交易模板，报告表现最佳的分支及其占比。
func (s *TemplateSummarizer) branchTransactions(query, lowered string, result *core.ExecutionResult) *core.Summary {
	if !containsAny(lowered, []string{"transaction", "transactions"}) ||
		!containsAny(lowered, []string{"branch", "branches"}) {
		return nil
	}

	top := result.Rows[0]
	name, ok := top["name"].(string)
	if !ok {
		return nil
	}
	count, ok := numericCell(top["transaction_count"])
	if !ok {
		return nil
	}

	var total float64
	for _, row := range result.Rows {
		if value, ok := numericCell(row["transaction_count"]); ok {
			total += value
		}
	}
	share := 0.0
	if total > 0 {
		share = count / total * 100
	}

	location := ""
	if city, ok := top["city"].(string); ok {
		location = " in " + city
		if state, ok := top["state"].(string); ok {
			location += ", " + state
		}
	}

	text := fmt.Sprintf("Top performing branch.\n\nYour question: %s\n\n"+
		"%s%s leads with %.0f transactions (%.1f%% of the listed total).",
		query, name, location, count, share)

	return &core.Summary{
		Text: text,
		Suggestions: []string{
			"Show me the top 5 branches by transaction volume",
			"What's the average transaction amount for this branch?",
			"Compare branch performance by employee count",
		},
	}
}

// highestBalance 最高余额模板。
func (s *TemplateSummarizer) highestBalance(query, lowered string, result *core.ExecutionResult) *core.Summary {
	if !containsAny(lowered, []string{"balance", "account"}) ||
		!containsAny(lowered, []string{"maximum", "max", "highest", "top"}) {
		return nil
	}
	if len(result.Rows) != 1 {
		return nil
	}

	row := result.Rows[0]
	balance, ok := numericCell(row["balance"])
	if !ok {
		return nil
	}
	account := fmt.Sprintf("%v", row["account_number"])
	accountType := ""
	if t, ok := row["type"].(string); ok {
		accountType = " (" + t + ")"
	}

	return &core.Summary{
		Text: fmt.Sprintf("Highest balance account.\n\nYour question: %s\n\n"+
			"Account %s%s holds the highest balance of $%.2f.",
			query, account, accountType, balance),
		Suggestions: []string{
			"Show me the top 10 accounts by balance",
			"What's the average account balance?",
			"Which customers have multiple accounts?",
		},
	}
}

// highestSalary 最高薪资模板。
func (s *TemplateSummarizer) highestSalary(query, lowered string, result *core.ExecutionResult) *core.Summary {
	if !containsAny(lowered, []string{"salary", "employee"}) ||
		!containsAny(lowered, []string{"maximum", "max", "highest", "top"}) {
		return nil
	}
	if len(result.Rows) != 1 {
		return nil
	}

	row := result.Rows[0]
	salary, ok := numericCell(row["salary"])
	if !ok {
		return nil
	}
	name := fmt.Sprintf("%v", row["name"])
	position := ""
	if p, ok := row["position"].(string); ok {
		position = " (" + p + ")"
	}

	return &core.Summary{
		Text: fmt.Sprintf("Highest paid employee.\n\nYour question: %s\n\n"+
			"%s%s has the highest salary of $%.2f.",
			query, name, position, salary),
		Suggestions: []string{
			"Show me the top 10 highest paid employees",
			"What's the average employee salary?",
			"Which branches have the highest paid employees?",
		},
	}
}

// transactions 通用交易模板，分支相关的问题已在前面处理。
func (s *TemplateSummarizer) transactions(query, lowered string, result *core.ExecutionResult) *core.Summary {
	if !containsAny(lowered, []string{"transaction", "transactions"}) {
		return nil
	}

	text := fmt.Sprintf("Recent transactions.\n\nYour question: %s\n\n"+
		"Here are the %d most recent transactions from your database.", query, len(result.Rows))
	if len(result.Rows) == 1 {
		text = fmt.Sprintf("Latest transaction.\n\nYour question: %s\n\n"+
			"Here's the most recent transaction from your database.", query)
	}

	return &core.Summary{
		Text: text,
		Suggestions: []string{
			"Show me transactions over $1000",
			"What's the total transaction volume this month?",
			"Show me transactions by type",
		},
	}
}

// generic 通用回退模板。
func (s *TemplateSummarizer) generic(query string, result *core.ExecutionResult) *core.Summary {
	text := fmt.Sprintf("Query results.\n\nYour question: %s\n\nFound %d results for your query.",
		query, len(result.Rows))
	if len(result.Rows) == 1 {
		text = fmt.Sprintf("Query result.\n\nYour question: %s\n\nFound 1 result for your query.", query)
	}
	return &core.Summary{
		Text: text,
		Suggestions: []string{
			"Ask for a breakdown by category",
			"Narrow the result with a date range",
			"Sort the result by a different column",
		},
	}
}

// numericCell 将单元格值转为 float64，支持驱动返回的各种数值形态。
func numericCell(value any) (float64, bool) {
	switch v := value.(type) {
	case int64:
		return float64(v), true
	case int:
		return float64(v), true
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case string:
		parsed, err := strconv.ParseFloat(v, 64)
		return parsed, err == nil
	case []byte:
		parsed, err := strconv.ParseFloat(string(v), 64)
		return parsed, err == nil
	default:
		return 0, false
	}
}
