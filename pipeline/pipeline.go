// 本文件实现了查询解析流水线的编排器，驱动计划、检索、生成、验证、
// 执行与总结各阶段，并维护共享的修复重试预算。
// 主要功能：
// 1. 状态机驱动的阶段编排与每阶段计时
// 2. 验证修复与执行修复共享一个重试计数器
// 3. 澄清问题的提前终止与结果缓存的前置检查
// 4. 终态响应的诊断信息与历史落库

package pipeline

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/Anniext/sqlpilot/cache"
	"github.com/Anniext/sqlpilot/core"
	"github.com/Anniext/sqlpilot/security"
)

// 没有具体阶段错误时的失败提示。
const failureMessage = "could not produce safe SQL"

// StageObserver 接收阶段完成通知，服务层用它向客户端流式推送进度。
type StageObserver func(stage string, state core.PipelineState, elapsedMs float64)

type stageObserverKey struct{}

// WithStageObserver 在上下文中挂载阶段观察者，对单次请求生效。
func WithStageObserver(ctx context.Context, observer StageObserver) context.Context {
	return context.WithValue(ctx, stageObserverKey{}, observer)
}

// StageObserverFrom 取出上下文中的阶段观察者，没有时返回 nil。
func StageObserverFrom(ctx context.Context) StageObserver {
	observer, _ := ctx.Value(stageObserverKey{}).(StageObserver)
	return observer
}

// SchemaCatalog 各阶段需要的 Schema 元数据视图，由 schema.Manager 实现。
type SchemaCatalog interface {
	TableNames() []string
	HasTable(name string) bool
	Tables() []*core.TableInfo
	Relationships() []*core.Relationship
}

// Config 流水线运行参数。
type Config struct {
	MaxRetries  int // 修复重试次数，生成调用最多 MaxRetries+1 次
	SQLRowLimit int // 执行结果行数上限
	TopK        int // 向量检索返回文档数
}

// Deps 流水线依赖集合。Guard、Results 与 History 可为空。
type Deps struct {
	Planner    core.Planner
	Retriever  core.Retriever
	Generator  core.Generator
	Validator  core.Validator
	Executor   core.Executor
	Summarizer core.Summarizer
	Guard      *security.Guard
	Catalog    SchemaCatalog
	Results    *cache.ResultCache
	History    core.HistoryRecorder
	Logger     core.Logger
	Metrics    core.MetricsCollector
}

// Pipeline 查询解析流水线。
type Pipeline struct {
	deps Deps
	cfg  Config
}

// New 创建流水线。配置的零值字段使用系统默认值。
func New(deps Deps, cfg Config) *Pipeline {
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = core.DefaultMaxRetries
	}
	if cfg.SQLRowLimit <= 0 {
		cfg.SQLRowLimit = core.DefaultSQLRowLimit
	}
	if cfg.TopK <= 0 {
		cfg.TopK = core.DefaultTopK
	}
	return &Pipeline{deps: deps, cfg: cfg}
}

// Run 执行完整流水线，返回终态响应。编排错误通过响应的 Error 字段传递，
// 函数级 error 只在请求本身无效时返回。
func (p *Pipeline) Run(ctx context.Context, req *core.QueryRequest) (*core.QueryResponse, error) {
	if req == nil {
		return nil, core.ErrInvalidRequest
	}
	if req.RequestID == "" {
		req.RequestID = core.GenerateRequestID()
	}

	start := time.Now()
	diag := &core.Diagnostics{
		RequestID: req.RequestID,
		TimingsMs: make(map[string]float64),
	}
	logger := p.deps.Logger.With("request_id", req.RequestID)

	if req.Query == "" {
		return p.finish(ctx, req, p.failResponse(req, diag, "", "query must not be empty"), start, logger), nil
	}

	// 问题本身的安全扫描。可疑内容只标记不阻断，事件由防护器落库
	if p.deps.Guard != nil {
		verdict := p.deps.Guard.CheckQuery(ctx, req.Query, req.User, req.ClientIP)
		if verdict.Action == security.ActionFlagged {
			diag.GuardFlags = append(diag.GuardFlags, verdict.Rule)
			logger.Warn("问题中检测到可疑内容", "rule", verdict.Rule)
		}
	}

	// 结果缓存前置检查
	skipCache := req.Options != nil && req.Options.SkipCache
	if p.deps.Results != nil && !skipCache {
		if cached, ok := p.deps.Results.Get(ctx, cacheQuestion(req), nil); ok {
			cached.CacheHit = true
			if cached.Diagnostics != nil {
				cached.Diagnostics.RequestID = req.RequestID
			}
			p.countRequest("cache_hit")
			logger.Info("结果缓存命中", "query", core.TruncateString(req.Query, 120))
			return p.finish(ctx, req, cached, start, logger), nil
		}
	}

	// PLAN
	diag.State = core.StatePlan
	var plan *core.QueryPlan
	err := p.stage(ctx, diag, "plan", func() error {
		var err error
		plan, err = p.deps.Planner.Plan(ctx, req.Query, req.ClarifiedValues)
		return err
	})
	if err != nil {
		return p.finish(ctx, req, p.failResponse(req, diag, "", err.Error()), start, logger), nil
	}
	diag.ChosenTables = plan.Tables

	// 澄清问题提前终止，不算失败
	if len(plan.Clarifications) > 0 {
		resp := &core.QueryResponse{
			NeedsClarification: true,
			Clarifications:     plan.Clarifications,
			Diagnostics:        diag,
		}
		p.countRequest("clarification")
		logger.Info("需要澄清，流水线提前终止", "clarifications", len(plan.Clarifications))
		return p.finish(ctx, req, resp, start, logger), nil
	}

	// RETRIEVE
	diag.State = core.StateRetrieve
	var retrieved *core.RetrievedContext
	_ = p.stage(ctx, diag, "retrieve", func() error {
		var err error
		retrieved, err = p.deps.Retriever.Retrieve(ctx, req.Query, plan.Tables, p.cfg.TopK)
		if err != nil {
			logger.Warn("上下文检索失败，继续执行", "error", err)
			retrieved = &core.RetrievedContext{}
		}
		return nil
	})

	// PLAN_REFINE
	diag.State = core.StatePlanRefine
	_ = p.stage(ctx, diag, "plan_refine", func() error {
		refined, err := p.deps.Planner.Refine(ctx, plan, retrieved)
		if err != nil {
			logger.Warn("计划精化失败，沿用原计划", "error", err)
			return nil
		}
		plan = refined
		return nil
	})
	diag.ChosenTables = plan.Tables

	genCtx := &core.GenerationContext{
		Plan:      plan,
		Retrieved: retrieved,
		Schema:    p.schemaFor(plan.Tables),
	}

	// GENERATE
	diag.State = core.StateGenerate
	var sqlText string
	err = p.stage(ctx, diag, "generate", func() error {
		var err error
		sqlText, err = p.deps.Generator.Generate(ctx, req.Query, genCtx)
		return err
	})
	if err != nil {
		return p.finish(ctx, req, p.failResponse(req, diag, "", err.Error()), start, logger), nil
	}
	diag.GeneratedSQL = sqlText
	p.countGenerator("generate")

	// VALIDATE -> EXECUTE 循环，验证修复与执行修复共享重试预算
	var lastError string
	attempts := 0
	for attempts <= p.cfg.MaxRetries {
		diag.State = core.StateValidate
		var validation *core.ValidationResult
		err = p.stage(ctx, diag, "validate", func() error {
			var err error
			validation, err = p.deps.Validator.Validate(ctx, sqlText, req)
			return err
		})
		if err != nil {
			return p.finish(ctx, req, p.failResponse(req, diag, sqlText, err.Error()), start, logger), nil
		}

		if !validation.Valid {
			diag.ValidatorFailReasons = append(diag.ValidatorFailReasons, validation.Reason)
			attempts++
			diag.Retries = attempts
			if attempts > p.cfg.MaxRetries {
				lastError = validation.Reason
				break
			}
			sqlText = p.repair(ctx, diag, req.Query, genCtx, sqlText, validation.Reason, logger)
			continue
		}

		if validation.Guarded {
			diag.GuardFlags = append(diag.GuardFlags, validation.GuardFlags...)
		}

		diag.State = core.StateExecute
		var execResult *core.ExecutionResult
		err = p.stage(ctx, diag, "execute", func() error {
			var err error
			execResult, err = p.deps.Executor.Execute(ctx, sqlText, p.maxRows(req))
			return err
		})
		if err != nil {
			diag.ExecutorErrors = append(diag.ExecutorErrors, err.Error())
			lastError = err.Error()
			attempts++
			diag.Retries = attempts
			if attempts > p.cfg.MaxRetries {
				break
			}
			sqlText = p.repair(ctx, diag, req.Query, genCtx, sqlText, err.Error(), logger)
			continue
		}

		// SUMMARIZE -> DONE
		diag.State = core.StateSummarize
		var summary *core.Summary
		_ = p.stage(ctx, diag, "summarize", func() error {
			summary = p.deps.Summarizer.Summarize(req.Query, execResult)
			return nil
		})

		diag.State = core.StateDone
		diag.FinalSQL = sqlText
		resp := &core.QueryResponse{
			Success:      true,
			SQL:          sqlText,
			GeneratedSQL: diag.GeneratedSQL,
			Columns:      execResult.Columns,
			Rows:         execResult.Rows,
			RowCount:     execResult.RowCount,
			Summary:      summary,
			Diagnostics:  diag,
		}

		if p.deps.Results != nil && !skipCache {
			p.deps.Results.Set(ctx, cacheQuestion(req), nil, resp)
		}
		p.countRequest("done")
		logger.Info("流水线执行成功",
			"rows", execResult.RowCount,
			"retries", diag.Retries)
		return p.finish(ctx, req, resp, start, logger), nil
	}

	// 预算耗尽或不可恢复错误
	if lastError == "" {
		lastError = failureMessage
	}
	p.countRequest("failed")
	logger.Warn("流水线执行失败",
		"retries", diag.Retries,
		"error", lastError)
	return p.finish(ctx, req, p.failResponse(req, diag, sqlText, lastError), start, logger), nil
}

// repair 调用生成器修复失败 SQL，计入生成调用预算。
func (p *Pipeline) repair(ctx context.Context, diag *core.Diagnostics, query string,
	genCtx *core.GenerationContext, failedSQL, hint string, logger core.Logger) string {
	diag.State = core.StateRepairGen
	var repaired string
	_ = p.stage(ctx, diag, "repair", func() error {
		var err error
		repaired, err = p.deps.Generator.Repair(ctx, query, genCtx, failedSQL, hint)
		if err != nil {
			logger.Warn("SQL 修复调用失败，沿用原 SQL", "error", err)
			repaired = failedSQL
		}
		return nil
	})
	p.countGenerator("repair")
	return repaired
}

// failResponse 构建失败终态响应。
func (p *Pipeline) failResponse(req *core.QueryRequest, diag *core.Diagnostics, lastSQL, errMsg string) *core.QueryResponse {
	diag.State = core.StateFailed
	if errMsg == "" {
		errMsg = failureMessage
	}
	return &core.QueryResponse{
		Success:      false,
		Error:        errMsg,
		SQL:          lastSQL,
		GeneratedSQL: diag.GeneratedSQL,
		Summary:      p.deps.Summarizer.SummarizeFailure(req.Query, errMsg),
		Diagnostics:  diag,
	}
}

// finish 补全总耗时并落历史记录，所有终态路径都经过这里。
func (p *Pipeline) finish(ctx context.Context, req *core.QueryRequest, resp *core.QueryResponse,
	start time.Time, logger core.Logger) *core.QueryResponse {
	duration := time.Since(start)
	if resp.Diagnostics != nil {
		resp.Diagnostics.TimingsMs["total"] = core.DurationMs(duration)
	}
	if p.deps.Metrics != nil {
		p.deps.Metrics.RecordHistogram(core.MetricRequestDuration, core.DurationMs(duration), nil)
	}
	if p.deps.History != nil {
		if err := p.deps.History.Record(ctx, req, resp, duration); err != nil {
			logger.Warn("历史记录落库失败", "error", err)
		}
	}
	return resp
}

// stage 执行单个阶段并累计耗时。
func (p *Pipeline) stage(ctx context.Context, diag *core.Diagnostics, name string, fn func() error) error {
	start := time.Now()
	err := fn()
	ms := core.DurationMs(time.Since(start))
	diag.TimingsMs[name] += ms
	if p.deps.Metrics != nil {
		p.deps.Metrics.RecordHistogram(core.MetricPipelineStageMs, ms, map[string]string{"stage": name})
	}
	if observer := StageObserverFrom(ctx); observer != nil {
		observer(name, diag.State, ms)
	}
	return err
}

// schemaFor 按候选表过滤 Schema 元数据，候选为空时返回全部。
func (p *Pipeline) schemaFor(tables []string) []*core.TableInfo {
	all := p.deps.Catalog.Tables()
	if len(tables) == 0 {
		return all
	}
	filtered := make([]*core.TableInfo, 0, len(tables))
	for _, table := range all {
		if core.ContainsString(tables, table.Name) {
			filtered = append(filtered, table)
		}
	}
	if len(filtered) == 0 {
		return all
	}
	return filtered
}

// cacheQuestion 缓存键用的问题文本。澄清回答参与键构造，不同参数的同一
// 问题不会互相串缓存。
func cacheQuestion(req *core.QueryRequest) string {
	if len(req.ClarifiedValues) == 0 {
		return req.Query
	}
	pairs := make([]string, 0, len(req.ClarifiedValues))
	for field, value := range req.ClarifiedValues {
		pairs = append(pairs, field+"="+value)
	}
	sort.Strings(pairs)
	return req.Query + " || " + strings.Join(pairs, ",")
}

func (p *Pipeline) maxRows(req *core.QueryRequest) int {
	if req.Options != nil && req.Options.MaxRows > 0 && req.Options.MaxRows < p.cfg.SQLRowLimit {
		return req.Options.MaxRows
	}
	return p.cfg.SQLRowLimit
}

func (p *Pipeline) countRequest(result string) {
	if p.deps.Metrics != nil {
		p.deps.Metrics.IncrementCounter(core.MetricRequestsTotal, map[string]string{"result": result})
	}
}

func (p *Pipeline) countGenerator(kind string) {
	if p.deps.Metrics != nil {
		p.deps.Metrics.IncrementCounter(core.MetricGeneratorCallsTotal, map[string]string{"kind": kind})
	}
}
