// 本文件定义了查询解析流水线的共享数据结构，包括请求、响应、计划、
// 检索上下文、验证与执行结果以及诊断信息。
// 主要功能：
// 1. 流水线各阶段之间传递的类型定义
// 2. 澄清问题与诊断信息的统一结构
// 3. 数据库 Schema 元数据结构

package core

import "time"

// PipelineState 流水线状态枚举。
type PipelineState string

const (
	StatePlan       PipelineState = "PLAN"        // 查询分析
	StateRetrieve   PipelineState = "RETRIEVE"    // 上下文检索
	StatePlanRefine PipelineState = "PLAN_REFINE" // 计划精化
	StateGenerate   PipelineState = "GENERATE"    // SQL 生成
	StateValidate   PipelineState = "VALIDATE"    // SQL 验证
	StateRepairGen  PipelineState = "REPAIR_GEN"  // SQL 修复
	StateExecute    PipelineState = "EXECUTE"     // SQL 执行
	StateSummarize  PipelineState = "SUMMARIZE"   // 结果总结
	StateDone       PipelineState = "DONE"        // 成功终态
	StateFailed     PipelineState = "FAILED"      // 失败终态
)

// QueryRequest 查询请求结构体。
// RequestID：请求唯一标识。
// SessionID：会话标识，PII 映射与历史记录的作用域。
// Query：自然语言问题。
// ClarifiedValues：对澄清问题的回答，按 Clarification.Field 作为键。
// 携带后对应的澄清触发条件不再生效，流水线继续执行。
// User：发起请求的用户。
// ClientIP：客户端 IP，用于限流与审计。
// Options：查询选项。
type QueryRequest struct {
	RequestID       string            `json:"request_id"`                 // 请求唯一标识
	SessionID       string            `json:"session_id"`                 // 会话标识
	Query           string            `json:"query"`                      // 自然语言问题
	ClarifiedValues map[string]string `json:"clarified_values,omitempty"` // 澄清回答
	User            string            `json:"user,omitempty"`             // 发起用户
	ClientIP        string            `json:"client_ip"`                  // 客户端 IP
	Options         *QueryOptions     `json:"options,omitempty"`          // 查询选项
}

// QueryOptions 查询选项结构体。
// MaxRows：本次请求的行数上限，不得超过配置的全局上限。
// Timeout：查询超时时间。
// SkipCache：跳过结果缓存。
type QueryOptions struct {
	MaxRows   int           `json:"max_rows,omitempty"` // 行数上限
	Timeout   time.Duration `json:"timeout,omitempty"`  // 超时时间
	SkipCache bool          `json:"skip_cache"`         // 跳过缓存
}

// Clarification 澄清问题结构体。计划阶段发现问题语义不完整时返回，
// 携带默认值以便调用方选择直接采用默认继续。
// Question：向用户提出的澄清问题。
// Field：对应的查询参数名。
// Default：可直接采用的默认值。
type Clarification struct {
	Question string `json:"question"` // 澄清问题
	Field    string `json:"field"`    // 参数名
	Default  string `json:"default"`  // 默认值
}

// QueryResponse 查询响应结构体，流水线的终态输出。
// Success：是否成功产出结果。
// NeedsClarification：是否需要澄清，为 true 时不携带 SQL 与结果。
// Clarifications：澄清问题列表。
// SQL：最终执行的 SQL。
// GeneratedSQL：首次生成的 SQL（修复前）。
// Columns：结果列名，保持查询顺序。
// Rows：结果行。
// RowCount：返回行数。
// Summary：结果总结。
// Error：失败时的错误信息。
// CacheHit：是否命中结果缓存。
// Diagnostics：诊断信息。
type QueryResponse struct {
	Success            bool             `json:"success"`                  // 是否成功
	NeedsClarification bool             `json:"needs_clarification"`      // 是否需要澄清
	Clarifications     []*Clarification `json:"clarifications,omitempty"` // 澄清问题
	SQL                string           `json:"sql,omitempty"`            // 最终 SQL
	GeneratedSQL       string           `json:"generated_sql,omitempty"`  // 首次生成的 SQL
	Columns            []string         `json:"columns,omitempty"`        // 结果列名
	Rows               []map[string]any `json:"rows,omitempty"`           // 结果行
	RowCount           int              `json:"row_count"`                // 返回行数
	Summary            *Summary         `json:"summary,omitempty"`        // 结果总结
	Error              string           `json:"error,omitempty"`          // 错误信息
	CacheHit           bool             `json:"cache_hit"`                // 是否命中缓存
	Diagnostics        *Diagnostics     `json:"diagnostics"`              // 诊断信息
}

// Capabilities 查询能力标记结构体，计划阶段从问题中识别的查询特征。
// Aggregate：聚合查询。
// Exists：存在性判断。
// Window：窗口函数需求。
// Weekend：周末过滤。
// DateFilter：日期过滤。
// Threshold：阈值条件。
// JoinEmployees：需要关联员工表。
type Capabilities struct {
	Aggregate     bool `json:"aggregate"`      // 聚合查询
	Exists        bool `json:"exists"`         // 存在性判断
	Window        bool `json:"window"`         // 窗口函数
	Weekend       bool `json:"weekend"`        // 周末过滤
	DateFilter    bool `json:"date_filter"`    // 日期过滤
	Threshold     bool `json:"threshold"`      // 阈值条件
	JoinEmployees bool `json:"join_employees"` // 关联员工表
}

// QueryPlan 查询计划结构体，计划阶段的输出。
// Tables：按提及顺序去重后的候选表。
// Capabilities：识别出的查询能力标记。
// Clarifications：需要澄清的问题，非空时流水线提前终止。
// Clarified：请求携带的澄清回答，生成阶段作为参数提示。
// JoinPaths：精化阶段由外键关系推导的连接路径建议。
type QueryPlan struct {
	Tables         []string          `json:"tables"`                   // 候选表
	Capabilities   *Capabilities     `json:"capabilities"`             // 能力标记
	Clarifications []*Clarification  `json:"clarifications,omitempty"` // 澄清问题
	Clarified      map[string]string `json:"clarified,omitempty"`      // 澄清回答
	JoinPaths      []string          `json:"join_paths,omitempty"`     // 连接路径建议
}

// QueryAnalysis 查询分析结构体，检索阶段对问题的实体解析结果。
// Entities：识别出的业务实体。
// Tables：上下文中提及的表。
// Columns：上下文中提及的列。
// Operations：推断的操作类型。
type QueryAnalysis struct {
	Entities   []string `json:"entities"`   // 业务实体
	Tables     []string `json:"tables"`     // 提及的表
	Columns    []string `json:"columns"`    // 提及的列
	Operations []string `json:"operations"` // 操作类型
}

// Exemplar 示例查询结构体，检索阶段返回的相似问题与参考 SQL。
// Question：示例问题。
// SQL：参考 SQL。
// Score：相似度得分。
type Exemplar struct {
	Question string  `json:"question"` // 示例问题
	SQL      string  `json:"sql"`      // 参考 SQL
	Score    float64 `json:"score"`    // 相似度得分
}

// VectorStoreInteraction 向量库交互记录结构体，检索阶段的调用轨迹。
// Operation：操作类型（query/upsert）。
// Collection：集合名。
// Query：查询文本（已脱敏）。
// ResultCount：返回文档数。
// DurationMs：耗时（毫秒）。
// Error：失败时的错误信息。
type VectorStoreInteraction struct {
	Operation   string  `json:"operation"`       // 操作类型
	Collection  string  `json:"collection"`      // 集合名
	Query       string  `json:"query,omitempty"` // 查询文本
	ResultCount int     `json:"result_count"`    // 返回文档数
	DurationMs  float64 `json:"duration_ms"`     // 耗时
	Error       string  `json:"error,omitempty"` // 错误信息
}

// RetrievedContext 检索上下文结构体，检索阶段的输出，供生成阶段组装提示词。
// SchemaContext：Schema 描述文档。
// QueryAnalysis：查询分析结果。
// ValueHints：列取值提示文档。
// WhereSuggestions：问题中出现的采样值推导出的条件候选。
// Exemplars：相似示例。
// Interactions：向量库调用轨迹。
type RetrievedContext struct {
	SchemaContext    []string                  `json:"schema_context"`              // Schema 描述文档
	QueryAnalysis    *QueryAnalysis            `json:"query_analysis"`              // 查询分析
	ValueHints       []string                  `json:"value_hints"`                 // 取值提示
	WhereSuggestions []string                  `json:"where_suggestions,omitempty"` // 条件候选
	Exemplars        []*Exemplar               `json:"exemplars"`                   // 相似示例
	Interactions     []*VectorStoreInteraction `json:"interactions"`                // 调用轨迹
}

// ValidationResult 验证结果结构体。
// Valid：是否通过验证。
// Reason：未通过时的原因。
// Guarded：安全扫描判定为可疑放行。
// GuardFlags：命中的可疑模式名。
// Warnings：性能提示，不阻断执行。
type ValidationResult struct {
	Valid      bool     `json:"valid"`                 // 是否通过
	Reason     string   `json:"reason,omitempty"`      // 失败原因
	Guarded    bool     `json:"guarded"`               // 可疑放行
	GuardFlags []string `json:"guard_flags,omitempty"` // 可疑模式名
	Warnings   []string `json:"warnings,omitempty"`    // 性能提示
}

// ExecutionResult 执行结果结构体。
// Columns：列名，保持查询顺序。
// Rows：结果行。
// RowCount：返回行数。
// Truncated：是否因行数上限被截断。
// DurationMs：执行耗时（毫秒）。
type ExecutionResult struct {
	Columns    []string         `json:"columns"`     // 列名
	Rows       []map[string]any `json:"rows"`        // 结果行
	RowCount   int              `json:"row_count"`   // 返回行数
	Truncated  bool             `json:"truncated"`   // 是否截断
	DurationMs float64          `json:"duration_ms"` // 执行耗时
}

// Summary 结果总结结构体。
// Text：面向用户的总结文本。
// Suggestions：后续问题建议。
type Summary struct {
	Text        string   `json:"text"`        // 总结文本
	Suggestions []string `json:"suggestions"` // 后续建议
}

// Diagnostics 诊断信息结构体，每个终态响应都携带。
// RequestID：请求标识。
// State：终止时所处状态。
// Retries：修复重试次数。
// ValidatorFailReasons：历次验证失败原因。
// ExecutorErrors：历次执行错误。
// TimingsMs：各阶段耗时（毫秒）。
// GeneratedSQL：首次生成的 SQL。
// FinalSQL：最终 SQL。
// ChosenTables：计划选中的表。
// GuardFlags：安全扫描标记。
type Diagnostics struct {
	RequestID            string             `json:"request_id"`                       // 请求标识
	State                PipelineState      `json:"state"`                            // 终止状态
	Retries              int                `json:"retries"`                          // 重试次数
	ValidatorFailReasons []string           `json:"validator_fail_reasons,omitempty"` // 验证失败原因
	ExecutorErrors       []string           `json:"executor_errors,omitempty"`        // 执行错误
	TimingsMs            map[string]float64 `json:"timings_ms"`                       // 各阶段耗时
	GeneratedSQL         string             `json:"generated_sql,omitempty"`          // 首次生成的 SQL
	FinalSQL             string             `json:"final_sql,omitempty"`              // 最终 SQL
	ChosenTables         []string           `json:"chosen_tables,omitempty"`          // 选中的表
	GuardFlags           []string           `json:"guard_flags,omitempty"`            // 安全标记
}

// TableInfo 表信息结构体，描述数据库表的元数据。
// Name：表名。
// Comment：表注释。
// Columns：列信息。
// Indexes：索引信息。
// ForeignKeys：外键信息。
// RowCount：行数估计。
type TableInfo struct {
	Name        string        `json:"name"`         // 表名
	Comment     string        `json:"comment"`      // 表注释
	Columns     []*Column     `json:"columns"`      // 列信息
	Indexes     []*Index      `json:"indexes"`      // 索引信息
	ForeignKeys []*ForeignKey `json:"foreign_keys"` // 外键信息
	RowCount    int64         `json:"row_count"`    // 行数估计
}

// Column 列信息结构体。
// Name：列名。
// Type：数据类型。
// Nullable：是否可为空。
// Comment：列注释。
// IsPrimaryKey：是否主键。
type Column struct {
	Name         string `json:"name"`           // 列名
	Type         string `json:"type"`           // 数据类型
	Nullable     bool   `json:"nullable"`       // 是否可为空
	Comment      string `json:"comment"`        // 列注释
	IsPrimaryKey bool   `json:"is_primary_key"` // 是否主键
}

// Index 索引信息结构体。
// Name：索引名。
// Columns：索引列。
// IsUnique：是否唯一索引。
type Index struct {
	Name     string   `json:"name"`      // 索引名
	Columns  []string `json:"columns"`   // 索引列
	IsUnique bool     `json:"is_unique"` // 是否唯一
}

// ForeignKey 外键信息结构体。
// Name：外键名。
// Column：本表列。
// ReferencedTable：引用表。
// ReferencedColumn：引用表列。
type ForeignKey struct {
	Name             string `json:"name"`              // 外键名
	Column           string `json:"column"`            // 本表列
	ReferencedTable  string `json:"referenced_table"`  // 引用表
	ReferencedColumn string `json:"referenced_column"` // 引用表列
}

// Relationship 表关系结构体，由外键推导。
// FromTable：源表。
// FromColumn：源表列。
// ToTable：目标表。
// ToColumn：目标表列。
type Relationship struct {
	FromTable  string `json:"from_table"`  // 源表
	FromColumn string `json:"from_column"` // 源表列
	ToTable    string `json:"to_table"`    // 目标表
	ToColumn   string `json:"to_column"`   // 目标表列
}

// UserInfo 用户信息结构体，认证中间件解析 Token 后得到。
// Username：用户名。
// PermissionLevel：权限级别（read/write/admin）。
// AllowedTables：允许访问的表，空表示不限制。
// ExpiresAt：Token 过期时间。
type UserInfo struct {
	Username        string    `json:"username"`         // 用户名
	PermissionLevel string    `json:"permission_level"` // 权限级别
	AllowedTables   []string  `json:"allowed_tables"`   // 允许访问的表
	ExpiresAt       time.Time `json:"expires_at"`       // 过期时间
}

// Document 向量库文档结构体。
// ID：文档标识。
// Content：文档内容（已脱敏）。
// Metadata：文档元数据。
type Document struct {
	ID       string            `json:"id"`       // 文档标识
	Content  string            `json:"content"`  // 文档内容
	Metadata map[string]string `json:"metadata"` // 元数据
}

// ScoredDocument 带相似度得分的文档。
// Document：文档本体。
// Score：相似度得分，越大越相关。
type ScoredDocument struct {
	Document *Document `json:"document"` // 文档本体
	Score    float64   `json:"score"`    // 相似度得分
}
