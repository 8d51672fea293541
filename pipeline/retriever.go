// 本文件实现了检索阶段，从向量库获取 Schema 描述、列取值提示与相似示例，
// 并负责向量库的初始填充。发往向量库的所有文本先经过 PII 脱敏。
// 主要功能：
// 1. 按候选表检索 Schema 与取值上下文
// 2. 问题中字面出现的采样值转为 WHERE 条件候选
// 3. 相似示例查询匹配（关键词重叠）
// 4. 向量库不可用时降级为静态 Schema 描述
// 5. Schema 元数据与列取值采样的向量库填充

package pipeline

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/Anniext/sqlpilot/core"
	"github.com/Anniext/sqlpilot/security"
)

// 单列取值文档最多包含的采样值数量。
const maxSampledValues = 20

// 示例匹配的最低关键词重叠得分。
const exemplarScoreThreshold = 0.2

// ValueSampler 列取值采样函数，返回某列的去重采样值。
type ValueSampler func(ctx context.Context, table, column string) ([]string, error)

// NewDBValueSampler 创建基于数据库的取值采样器，只适用于低基数文本列。
func NewDBValueSampler(db *sql.DB, logger core.Logger) ValueSampler {
	return func(ctx context.Context, table, column string) ([]string, error) {
		if !core.ValidIdentifier(table) || !core.ValidIdentifier(column) {
			return nil, core.NewError(core.ErrorTypeValidation, core.CodeInvalidRequest,
				fmt.Sprintf("非法的标识符: %s.%s", table, column))
		}

		query := fmt.Sprintf(
			"SELECT DISTINCT `%s` FROM `%s` WHERE `%s` IS NOT NULL LIMIT %d",
			column, table, column, maxSampledValues)
		rows, err := db.QueryContext(ctx, query)
		if err != nil {
			return nil, core.WrapError(core.ErrorTypeDatabase, core.CodeQueryFailed, "列取值采样失败", err)
		}
		defer rows.Close()

		var values []string
		for rows.Next() {
			var value sql.NullString
			if err := rows.Scan(&value); err != nil {
				return nil, core.WrapError(core.ErrorTypeDatabase, core.CodeQueryFailed, "扫描采样值失败", err)
			}
			if value.Valid && value.String != "" {
				values = append(values, value.String)
			}
		}
		if err := rows.Err(); err != nil {
			logger.Warn("取值采样迭代出错", "table", table, "column", column, "error", err)
		}
		return values, nil
	}
}

// exemplarPair 预置的示例问题与参考 SQL。
type exemplarPair struct {
	question string
	sql      string
}

var builtinExemplars = []exemplarPair{
	{
		"List all branches in Texas.",
		"SELECT id, name, city, state FROM branches WHERE state = 'TX';",
	},
	{
		"Show the last 5 transactions.",
		"SELECT * FROM transactions ORDER BY transaction_date DESC LIMIT 5;",
	},
	{
		"Which branch had the most transactions?",
		"SELECT b.id, b.name, b.city, b.state, COUNT(t.id) AS transaction_count " +
			"FROM branches b " +
			"LEFT JOIN accounts a ON b.id = a.branch_id " +
			"LEFT JOIN transactions t ON a.id = t.account_id " +
			"GROUP BY b.id, b.name, b.city, b.state " +
			"ORDER BY transaction_count DESC LIMIT 1;",
	},
	{
		"How many customers do we have?",
		"SELECT COUNT(*) FROM customers;",
	},
	{
		"List each branch with its manager.",
		"SELECT b.id, b.name, e.name AS manager_name FROM branches b " +
			"LEFT JOIN employees e ON b.manager_id = e.id;",
	},
	{
		"Which accounts have the highest balance?",
		"SELECT account_number, type, balance FROM accounts ORDER BY balance DESC LIMIT 10;",
	},
}

// VectorRetriever 向量检索器。
type VectorRetriever struct {
	store     core.VectorStore
	pii       *security.PIIProtector
	catalog   SchemaCatalog
	sampler   ValueSampler
	sessionID string
	logger    core.Logger
	metrics   core.MetricsCollector
}

// NewRetriever 创建检索器。sampler 为空时填充阶段只写入表结构文档。
func NewRetriever(store core.VectorStore, pii *security.PIIProtector, catalog SchemaCatalog,
	sampler ValueSampler, logger core.Logger, metrics core.MetricsCollector) *VectorRetriever {
	return &VectorRetriever{
		store:     store,
		pii:       pii,
		catalog:   catalog,
		sampler:   sampler,
		sessionID: pii.CreateMappingSession(""),
		logger:    logger,
		metrics:   metrics,
	}
}

// Retrieve 按候选表检索上下文。向量库出错时降级为静态 Schema 描述，
// 失败会记录在调用轨迹里，流水线继续执行。
func (r *VectorRetriever) Retrieve(ctx context.Context, query string, tables []string, topK int) (*core.RetrievedContext, error) {
	if topK <= 0 {
		topK = core.DefaultTopK
	}

	sanitized, _ := r.pii.SanitizeForEmbedding(r.sessionID, query, "vector_query")

	retrieved := &core.RetrievedContext{
		QueryAnalysis: r.analyzeQuery(query, tables),
	}

	start := time.Now()
	docs, err := r.store.Query(ctx, core.CollectionBankingSchema, sanitized, topK)
	interaction := &core.VectorStoreInteraction{
		Operation:  "query",
		Collection: core.CollectionBankingSchema,
		Query:      sanitized,
		DurationMs: core.DurationMs(time.Since(start)),
	}
	if err != nil {
		interaction.Error = err.Error()
		retrieved.Interactions = append(retrieved.Interactions, interaction)
		r.logger.Warn("向量库检索失败，降级为静态 Schema 描述", "error", err)
		retrieved.SchemaContext = r.staticSchemaContext(tables)
		retrieved.Exemplars = r.matchExemplars(query)
		return retrieved, nil
	}
	interaction.ResultCount = len(docs)
	retrieved.Interactions = append(retrieved.Interactions, interaction)

	loweredQuery := strings.ToLower(query)
	for _, doc := range docs {
		table := doc.Document.Metadata["table_name"]
		if len(tables) > 0 && table != "" && !core.ContainsString(tables, table) {
			continue
		}
		switch doc.Document.Metadata["type"] {
		case "table_schema":
			retrieved.SchemaContext = append(retrieved.SchemaContext, doc.Document.Content)
			if table != "" {
				retrieved.QueryAnalysis.Tables = append(retrieved.QueryAnalysis.Tables, table)
			}
		case "column_values":
			retrieved.ValueHints = append(retrieved.ValueHints, doc.Document.Content)
			column := doc.Document.Metadata["column_name"]
			if column != "" {
				retrieved.QueryAnalysis.Columns = append(retrieved.QueryAnalysis.Columns, column)
			}
			// 问题里字面出现的采样值直接转为条件候选
			for _, value := range hintValues(doc.Document.Content) {
				if strings.Contains(loweredQuery, strings.ToLower(value)) {
					retrieved.WhereSuggestions = append(retrieved.WhereSuggestions,
						fmt.Sprintf("%s.%s = '%s'", table, column, value))
				}
			}
		}
	}
	retrieved.QueryAnalysis.Tables = core.UniqueStrings(retrieved.QueryAnalysis.Tables)
	retrieved.QueryAnalysis.Columns = core.UniqueStrings(retrieved.QueryAnalysis.Columns)
	retrieved.WhereSuggestions = core.UniqueStrings(retrieved.WhereSuggestions)

	if len(retrieved.SchemaContext) == 0 {
		retrieved.SchemaContext = r.staticSchemaContext(tables)
	}
	retrieved.Exemplars = r.matchExemplars(query)

	r.logger.Debug("上下文检索完成",
		"schema_docs", len(retrieved.SchemaContext),
		"value_hints", len(retrieved.ValueHints),
		"exemplars", len(retrieved.Exemplars))
	return retrieved, nil
}

// Populate 将 Schema 元数据写入向量库：每张表一条结构文档，低基数文本列
// 各一条取值文档。所有内容先经过 PII 脱敏。
func (r *VectorRetriever) Populate(ctx context.Context, schema []*core.TableInfo) error {
	var docs []*core.Document

	for _, table := range schema {
		content := tableDocument(table)
		sanitized, _ := r.pii.SanitizeForEmbedding(r.sessionID, content, "schema_doc")
		docs = append(docs, &core.Document{
			ID:      "table:" + table.Name,
			Content: sanitized,
			Metadata: map[string]string{
				"type":       "table_schema",
				"table_name": table.Name,
			},
		})

		if r.sampler == nil {
			continue
		}
		for _, column := range table.Columns {
			if !sampleableColumn(column) {
				continue
			}
			values, err := r.sampler(ctx, table.Name, column.Name)
			if err != nil {
				r.logger.Warn("列取值采样失败，跳过该列",
					"table", table.Name, "column", column.Name, "error", err)
				continue
			}
			if len(values) == 0 {
				continue
			}
			if len(values) > maxSampledValues {
				values = values[:maxSampledValues]
			}
			content := fmt.Sprintf("Column %s.%s has values: %s",
				table.Name, column.Name, strings.Join(values, ", "))
			sanitized, _ := r.pii.SanitizeForEmbedding(r.sessionID, content, "value_doc")
			docs = append(docs, &core.Document{
				ID:      fmt.Sprintf("column:%s.%s", table.Name, column.Name),
				Content: sanitized,
				Metadata: map[string]string{
					"type":        "column_values",
					"table_name":  table.Name,
					"column_name": column.Name,
				},
			})
		}
	}

	if len(docs) == 0 {
		return nil
	}

	start := time.Now()
	err := r.store.Upsert(ctx, core.CollectionBankingSchema, docs)
	if err != nil {
		return core.WrapError(core.ErrorTypeInternal, core.CodeInternalError, "向量库填充失败", err)
	}

	r.logger.Info("向量库填充完成",
		"documents", len(docs),
		"duration_ms", core.DurationMs(time.Since(start)))
	return nil
}

// analyzeQuery 对问题做轻量实体解析，表名匹配结果后续由检索文档补充。
func (r *VectorRetriever) analyzeQuery(query string, tables []string) *core.QueryAnalysis {
	lowered := strings.ToLower(query)
	analysis := &core.QueryAnalysis{Tables: append([]string{}, tables...)}

	for _, table := range r.catalog.TableNames() {
		name := strings.ToLower(table)
		if strings.Contains(lowered, name) || strings.Contains(lowered, strings.TrimSuffix(name, "s")) {
			analysis.Entities = append(analysis.Entities, table)
		}
	}
	analysis.Entities = core.UniqueStrings(analysis.Entities)

	if containsAny(lowered, []string{"count", "how many", "total", "sum", "average", "avg"}) {
		analysis.Operations = append(analysis.Operations, "aggregate")
	}
	if containsAny(lowered, []string{"join", "with their", "per branch", "by branch", "for each"}) {
		analysis.Operations = append(analysis.Operations, "join")
	}
	if containsAny(lowered, []string{"where", "over", "above", "below", "between", "since"}) {
		analysis.Operations = append(analysis.Operations, "filter")
	}
	if len(analysis.Operations) == 0 {
		analysis.Operations = append(analysis.Operations, "select")
	}
	return analysis
}

// staticSchemaContext 直接从 Schema 元数据构建描述文档，形状与向量库文档一致。
func (r *VectorRetriever) staticSchemaContext(tables []string) []string {
	var context []string
	for _, table := range r.catalog.Tables() {
		if len(tables) > 0 && !core.ContainsString(tables, table.Name) {
			continue
		}
		context = append(context, tableDocument(table))
	}
	return context
}

// matchExemplars 用关键词重叠度匹配预置示例，得分达到阈值才返回。
func (r *VectorRetriever) matchExemplars(query string) []*core.Exemplar {
	queryTokens := keywordSet(query)
	if len(queryTokens) == 0 {
		return nil
	}

	var exemplars []*core.Exemplar
	for _, pair := range builtinExemplars {
		exemplarTokens := keywordSet(pair.question)
		shared := 0
		for token := range exemplarTokens {
			if queryTokens[token] {
				shared++
			}
		}
		union := len(queryTokens) + len(exemplarTokens) - shared
		if union == 0 {
			continue
		}
		score := float64(shared) / float64(union)
		if score >= exemplarScoreThreshold {
			exemplars = append(exemplars, &core.Exemplar{
				Question: pair.question,
				SQL:      pair.sql,
				Score:    score,
			})
		}
	}
	return exemplars
}

func tableDocument(table *core.TableInfo) string {
	columns := make([]string, 0, len(table.Columns))
	for _, column := range table.Columns {
		columns = append(columns, column.Name)
	}
	return fmt.Sprintf("Table %s has columns: %s", table.Name, strings.Join(columns, ", "))
}

// hintValues 解析取值文档里的采样值列表。
func hintValues(content string) []string {
	_, list, ok := strings.Cut(content, "has values: ")
	if !ok {
		return nil
	}
	parts := strings.Split(list, ", ")
	values := make([]string, 0, len(parts))
	for _, part := range parts {
		if part = strings.TrimSpace(part); part != "" {
			values = append(values, part)
		}
	}
	return values
}

// sampleableColumn 判断列是否适合取值采样，只对低基数文本列生效。
func sampleableColumn(column *core.Column) bool {
	if column.IsPrimaryKey {
		return false
	}
	columnType := strings.ToLower(column.Type)
	return strings.Contains(columnType, "char") || strings.Contains(columnType, "enum")
}

// keywordSet 分词并去掉过短的停用词。
func keywordSet(text string) map[string]bool {
	tokens := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !('a' <= r && r <= 'z') && !('0' <= r && r <= '9')
	})
	set := make(map[string]bool, len(tokens))
	for _, token := range tokens {
		if len(token) <= 2 {
			continue
		}
		set[token] = true
	}
	return set
}
