// 本文件定义了系统的核心接口，包括流水线各阶段、向量库、缓存、
// 日志与指标收集等协作方接口。
// 主要功能：
// 1. 流水线阶段接口（计划、检索、生成、验证、执行、总结）
// 2. 向量库与缓存抽象
// 3. 日志与指标收集接口

package core

import (
	"context"
	"time"
)

// Planner 计划阶段接口，对自然语言问题做词法分析并产出查询计划。
type Planner interface {
	// Plan 分析问题，识别候选表、能力标记与澄清问题。clarified 为
	// 请求携带的澄清回答，已回答的触发条件不再产生澄清
	Plan(ctx context.Context, query string, clarified map[string]string) (*QueryPlan, error)

	// Refine 将检索上下文中的表列提及合并回计划并推导连接路径建议，
	// 问题中显式提及的表优先
	Refine(ctx context.Context, plan *QueryPlan, retrieved *RetrievedContext) (*QueryPlan, error)
}

// Retriever 检索阶段接口，从向量库获取 Schema 与取值上下文。
type Retriever interface {
	// Retrieve 按候选表检索上下文，向量库不可用时降级为静态 Schema 描述
	Retrieve(ctx context.Context, query string, tables []string, topK int) (*RetrievedContext, error)

	// Populate 将 Schema 元数据写入向量库（表文档与列取值文档）
	Populate(ctx context.Context, schema []*TableInfo) error
}

// GenerationContext 生成上下文，提示词组装所需的全部材料。
type GenerationContext struct {
	Plan      *QueryPlan        // 查询计划
	Retrieved *RetrievedContext // 检索上下文
	Schema    []*TableInfo      // Schema 元数据
}

// Generator 生成阶段接口，产出候选 SQL。
type Generator interface {
	// Generate 生成候选 SQL，LLM 不可用时使用确定性模板回退
	Generate(ctx context.Context, query string, genCtx *GenerationContext) (string, error)

	// Repair 携带失败 SQL 与分类后的错误提示重新生成
	Repair(ctx context.Context, query string, genCtx *GenerationContext, failedSQL, hint string) (string, error)
}

// Validator 验证阶段接口，结构与安全校验。
type Validator interface {
	// Validate 按序执行单语句、SELECT-only、安全扫描与 Schema 校验
	Validate(ctx context.Context, sql string, req *QueryRequest) (*ValidationResult, error)
}

// Executor 执行阶段接口，只有通过验证的 SELECT 语句会到达这里。
type Executor interface {
	// Execute 执行 SQL，扫描循环保证返回行数不超过上限
	Execute(ctx context.Context, sql string, maxRows int) (*ExecutionResult, error)
}

// Summarizer 总结阶段接口，基于关键词模板生成面向用户的总结。
type Summarizer interface {
	// Summarize 对执行结果生成总结与后续问题建议
	Summarize(query string, result *ExecutionResult) *Summary

	// SummarizeFailure 对失败终态生成包含问题与错误的总结
	SummarizeFailure(query string, errMsg string) *Summary
}

// VectorStore 向量库接口，检索阶段的存储协作方。
type VectorStore interface {
	// Upsert 写入或更新文档
	Upsert(ctx context.Context, collection string, docs []*Document) error

	// Query 按相关性检索文档
	Query(ctx context.Context, collection string, query string, topK int) ([]*ScoredDocument, error)

	// Count 返回集合中的文档数
	Count(ctx context.Context, collection string) (int, error)
}

// CacheManager 缓存管理接口。
type CacheManager interface {
	Get(ctx context.Context, key string) (any, error)
	Set(ctx context.Context, key string, value any, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	Exists(ctx context.Context, key string) bool
}

// Logger 日志记录接口。
type Logger interface {
	Debug(msg string, fields ...any)
	Info(msg string, fields ...any)
	Warn(msg string, fields ...any)
	Error(msg string, fields ...any)
	Fatal(msg string, fields ...any)
	With(fields ...any) Logger
}

// MetricsCollector 指标收集接口。
type MetricsCollector interface {
	IncrementCounter(name string, labels map[string]string)
	RecordHistogram(name string, value float64, labels map[string]string)
	SetGauge(name string, value float64, labels map[string]string)
}

// HistoryRecorder 查询历史记录接口，每个终态结果都会落库。
type HistoryRecorder interface {
	Record(ctx context.Context, req *QueryRequest, resp *QueryResponse, duration time.Duration) error
}
