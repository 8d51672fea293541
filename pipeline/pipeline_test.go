package pipeline

import (
	"context"
	"testing"
	"time"

	"github.com/Anniext/sqlpilot/cache"
	"github.com/Anniext/sqlpilot/core"
	"github.com/Anniext/sqlpilot/monitor"
	"github.com/Anniext/sqlpilot/security"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- 测试替身 ---

type staticPlanner struct {
	plan *core.QueryPlan
}

func (p *staticPlanner) Plan(_ context.Context, _ string, _ map[string]string) (*core.QueryPlan, error) {
	return p.plan, nil
}

func (p *staticPlanner) Refine(_ context.Context, plan *core.QueryPlan, _ *core.RetrievedContext) (*core.QueryPlan, error) {
	return plan, nil
}

type staticRetriever struct {
	retrieved *core.RetrievedContext
	err       error
}

func (r *staticRetriever) Retrieve(_ context.Context, _ string, _ []string, _ int) (*core.RetrievedContext, error) {
	if r.err != nil {
		return nil, r.err
	}
	return r.retrieved, nil
}

func (r *staticRetriever) Populate(_ context.Context, _ []*core.TableInfo) error { return nil }

// scriptedGenerator 依次返回脚本化的 SQL，同时记录调用次数。
type scriptedGenerator struct {
	outputs []string
	calls   int
}

func (g *scriptedGenerator) next() string {
	output := g.outputs[g.calls%len(g.outputs)]
	g.calls++
	return output
}

func (g *scriptedGenerator) Generate(_ context.Context, _ string, _ *core.GenerationContext) (string, error) {
	return g.next(), nil
}

func (g *scriptedGenerator) Repair(_ context.Context, _ string, _ *core.GenerationContext, _, _ string) (string, error) {
	return g.next(), nil
}

// keywordValidator 只放行以 SELECT 开头的 SQL。
type keywordValidator struct {
	rejectAll bool
}

func (v *keywordValidator) Validate(_ context.Context, sqlText string, _ *core.QueryRequest) (*core.ValidationResult, error) {
	if v.rejectAll {
		return &core.ValidationResult{Valid: false, Reason: "rejected by policy"}, nil
	}
	if keyword := leadingKeyword(sqlText); keyword != "select" && keyword != "with" {
		return &core.ValidationResult{Valid: false, Reason: "only SELECT statements are allowed"}, nil
	}
	return &core.ValidationResult{Valid: true}, nil
}

// recordingExecutor 记录执行过的 SQL，支持前 N 次调用失败。
type recordingExecutor struct {
	executed []string
	failures int
	result   *core.ExecutionResult
}

func (e *recordingExecutor) Execute(_ context.Context, sqlText string, _ int) (*core.ExecutionResult, error) {
	e.executed = append(e.executed, sqlText)
	if e.failures > 0 {
		e.failures--
		return nil, core.NewError(core.ErrorTypeDatabase, core.CodeQueryFailed, "Unknown column 'bogus' in 'field list'")
	}
	if e.result != nil {
		return e.result, nil
	}
	return &core.ExecutionResult{
		Columns:  []string{"id"},
		Rows:     []map[string]any{{"id": int64(1)}},
		RowCount: 1,
	}, nil
}

type recordingHistory struct {
	requests  []*core.QueryRequest
	responses []*core.QueryResponse
}

func (h *recordingHistory) Record(_ context.Context, req *core.QueryRequest, resp *core.QueryResponse, _ time.Duration) error {
	h.requests = append(h.requests, req)
	h.responses = append(h.responses, resp)
	return nil
}

func newTestPipeline(gen *scriptedGenerator, val core.Validator, exec core.Executor,
	results *cache.ResultCache, history core.HistoryRecorder) *Pipeline {
	catalog := newBankingCatalog()
	return New(Deps{
		Planner:    &staticPlanner{plan: &core.QueryPlan{Tables: []string{"customers"}, Capabilities: &core.Capabilities{}}},
		Retriever:  &staticRetriever{retrieved: &core.RetrievedContext{}},
		Generator:  gen,
		Validator:  val,
		Executor:   exec,
		Summarizer: NewSummarizer(monitor.NewNoopLogger()),
		Catalog:    catalog,
		Results:    results,
		History:    history,
		Logger:     monitor.NewNoopLogger(),
		Metrics:    monitor.NewMetrics(),
	}, Config{MaxRetries: 2})
}

func testRequest(query string) *core.QueryRequest {
	return &core.QueryRequest{
		SessionID: "session-1",
		Query:     query,
		User:      "alice",
		ClientIP:  "10.0.0.1",
	}
}

// --- 用例 ---

func TestPipeline_SuccessPath(t *testing.T) {
	gen := &scriptedGenerator{outputs: []string{"SELECT id FROM customers LIMIT 10;"}}
	exec := &recordingExecutor{}
	history := &recordingHistory{}
	p := newTestPipeline(gen, &keywordValidator{}, exec, nil, history)

	resp, err := p.Run(context.Background(), testRequest("list customers"))
	require.NoError(t, err)

	assert.True(t, resp.Success)
	assert.Equal(t, "SELECT id FROM customers LIMIT 10;", resp.SQL)
	assert.Equal(t, 1, resp.RowCount)
	require.NotNil(t, resp.Summary)
	assert.NotEmpty(t, resp.Summary.Text)

	diag := resp.Diagnostics
	require.NotNil(t, diag)
	assert.Equal(t, core.StateDone, diag.State)
	assert.Equal(t, 0, diag.Retries)
	assert.Equal(t, "SELECT id FROM customers LIMIT 10;", diag.FinalSQL)
	assert.Equal(t, []string{"customers"}, diag.ChosenTables)
	for _, stage := range []string{"plan", "retrieve", "plan_refine", "generate", "validate", "execute", "summarize", "total"} {
		assert.Contains(t, diag.TimingsMs, stage)
	}

	// 终态落历史
	require.Len(t, history.responses, 1)
	assert.True(t, history.responses[0].Success)
}

func TestPipeline_GeneratorBudget(t *testing.T) {
	// 验证始终失败：初始生成 1 次 + 修复 MaxRetries 次后进入失败终态
	gen := &scriptedGenerator{outputs: []string{"SELECT id FROM customers;"}}
	exec := &recordingExecutor{}
	p := newTestPipeline(gen, &keywordValidator{rejectAll: true}, exec, nil, nil)

	resp, err := p.Run(context.Background(), testRequest("list customers"))
	require.NoError(t, err)

	assert.False(t, resp.Success)
	assert.Equal(t, 3, gen.calls, "生成调用最多 MaxRetries+1 次")
	assert.Empty(t, exec.executed, "未通过验证的 SQL 不会执行")
	assert.Equal(t, core.StateFailed, resp.Diagnostics.State)
	assert.Equal(t, 3, resp.Diagnostics.Retries)
	assert.Len(t, resp.Diagnostics.ValidatorFailReasons, 3)
}

func TestPipeline_OnlySelectReachesExecution(t *testing.T) {
	// 第一次生成 UPDATE 被验证拒绝，修复后得到 SELECT
	gen := &scriptedGenerator{outputs: []string{
		"UPDATE customers SET email = 'x';",
		"SELECT id FROM customers LIMIT 10;",
	}}
	exec := &recordingExecutor{}
	p := newTestPipeline(gen, &keywordValidator{}, exec, nil, nil)

	resp, err := p.Run(context.Background(), testRequest("fix emails"))
	require.NoError(t, err)

	assert.True(t, resp.Success)
	require.Len(t, exec.executed, 1)
	assert.Equal(t, "SELECT id FROM customers LIMIT 10;", exec.executed[0])
	assert.Equal(t, 1, resp.Diagnostics.Retries)
	assert.Equal(t, "UPDATE customers SET email = 'x';", resp.Diagnostics.GeneratedSQL)
	assert.Equal(t, "SELECT id FROM customers LIMIT 10;", resp.Diagnostics.FinalSQL)
}

func TestPipeline_ExecuteRepairSharesBudget(t *testing.T) {
	// 执行失败一次后修复成功，重试计数与验证修复共享
	gen := &scriptedGenerator{outputs: []string{
		"SELECT bogus FROM customers;",
		"SELECT id FROM customers;",
	}}
	exec := &recordingExecutor{failures: 1}
	p := newTestPipeline(gen, &keywordValidator{}, exec, nil, nil)

	resp, err := p.Run(context.Background(), testRequest("list customers"))
	require.NoError(t, err)

	assert.True(t, resp.Success)
	assert.Equal(t, 2, gen.calls)
	assert.Equal(t, 1, resp.Diagnostics.Retries)
	require.Len(t, resp.Diagnostics.ExecutorErrors, 1)
	assert.Contains(t, resp.Diagnostics.ExecutorErrors[0], "Unknown column")
}

func TestPipeline_ExhaustedExecutionFails(t *testing.T) {
	gen := &scriptedGenerator{outputs: []string{"SELECT bogus FROM customers;"}}
	exec := &recordingExecutor{failures: 10}
	p := newTestPipeline(gen, &keywordValidator{}, exec, nil, nil)

	resp, err := p.Run(context.Background(), testRequest("list customers"))
	require.NoError(t, err)

	assert.False(t, resp.Success)
	assert.Contains(t, resp.Error, "Unknown column")
	assert.Equal(t, "SELECT bogus FROM customers;", resp.SQL)
	assert.Len(t, exec.executed, 3)
	require.NotNil(t, resp.Summary)
	assert.Contains(t, resp.Summary.Text, "Query failed")
}

func TestPipeline_ClarificationShortCircuit(t *testing.T) {
	gen := &scriptedGenerator{outputs: []string{"SELECT 1;"}}
	exec := &recordingExecutor{}
	history := &recordingHistory{}
	p := New(Deps{
		Planner:    NewPlanner(newBankingCatalog(), nil, monitor.NewNoopLogger()),
		Retriever:  &staticRetriever{retrieved: &core.RetrievedContext{}},
		Generator:  gen,
		Validator:  &keywordValidator{},
		Executor:   exec,
		Summarizer: NewSummarizer(monitor.NewNoopLogger()),
		Catalog:    newBankingCatalog(),
		History:    history,
		Logger:     monitor.NewNoopLogger(),
		Metrics:    monitor.NewMetrics(),
	}, Config{})

	resp, err := p.Run(context.Background(), testRequest("Show me high value customers"))
	require.NoError(t, err)

	// 澄清终态：不是失败，不携带 SQL，生成器与执行器都未被调用
	assert.True(t, resp.NeedsClarification)
	assert.False(t, resp.Success)
	assert.Empty(t, resp.Error)
	assert.Empty(t, resp.SQL)
	require.Len(t, resp.Clarifications, 1)
	assert.Equal(t, "min_balance", resp.Clarifications[0].Field)
	assert.Equal(t, "20000", resp.Clarifications[0].Default)
	assert.Equal(t, 0, gen.calls)
	assert.Empty(t, exec.executed)
	require.Len(t, history.responses, 1)
}

func TestPipeline_ClarifiedValuesResolveClarification(t *testing.T) {
	gen := &scriptedGenerator{outputs: []string{"SELECT id FROM customers LIMIT 10;"}}
	exec := &recordingExecutor{}
	p := New(Deps{
		Planner:    NewPlanner(newBankingCatalog(), nil, monitor.NewNoopLogger()),
		Retriever:  &staticRetriever{retrieved: &core.RetrievedContext{}},
		Generator:  gen,
		Validator:  &keywordValidator{},
		Executor:   exec,
		Summarizer: NewSummarizer(monitor.NewNoopLogger()),
		Catalog:    newBankingCatalog(),
		Logger:     monitor.NewNoopLogger(),
		Metrics:    monitor.NewMetrics(),
	}, Config{})

	// 带着上一轮的澄清答案重新提问，不再触发澄清终态
	req := testRequest("Show me high value customers")
	req.ClarifiedValues = map[string]string{"min_balance": "50000"}

	resp, err := p.Run(context.Background(), req)
	require.NoError(t, err)

	assert.False(t, resp.NeedsClarification)
	assert.Empty(t, resp.Clarifications)
	assert.True(t, resp.Success)
	assert.Equal(t, 1, gen.calls)
	require.Len(t, exec.executed, 1)
}

func TestPipeline_QueryGuardFlagsSuspiciousQuestion(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	mock.MatchExpectationsInOrder(false)
	mock.ExpectExec("INSERT INTO security_events").WillReturnResult(sqlmock.NewResult(1, 1))

	store := security.NewStore(db, monitor.NewNoopLogger(), monitor.NewMetrics())
	guard := security.NewGuard(nil, store, monitor.NewNoopLogger(), monitor.NewMetrics())

	gen := &scriptedGenerator{outputs: []string{"SELECT id FROM customers LIMIT 10;"}}
	exec := &recordingExecutor{}
	p := New(Deps{
		Planner:    &staticPlanner{plan: &core.QueryPlan{Tables: []string{"customers"}, Capabilities: &core.Capabilities{}}},
		Retriever:  &staticRetriever{retrieved: &core.RetrievedContext{}},
		Generator:  gen,
		Validator:  &keywordValidator{},
		Executor:   exec,
		Summarizer: NewSummarizer(monitor.NewNoopLogger()),
		Catalog:    newBankingCatalog(),
		Guard:      guard,
		Logger:     monitor.NewNoopLogger(),
		Metrics:    monitor.NewMetrics(),
	}, Config{MaxRetries: 2})

	resp, err := p.Run(context.Background(), testRequest("show customers where name is x or 1=1"))
	require.NoError(t, err)

	// 可疑问题只标记不阻断，流水线照常跑到终态
	assert.True(t, resp.Success)
	assert.Contains(t, resp.Diagnostics.GuardFlags, "OR_INJECTION")
	assert.Equal(t, core.StateDone, resp.Diagnostics.State)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPipeline_ResultCache(t *testing.T) {
	gen := &scriptedGenerator{outputs: []string{"SELECT id FROM customers LIMIT 10;"}}
	exec := &recordingExecutor{}
	results := cache.NewResultCache(nil, time.Minute, "", monitor.NewNoopLogger(), monitor.NewMetrics())
	p := newTestPipeline(gen, &keywordValidator{}, exec, results, nil)

	first, err := p.Run(context.Background(), testRequest("list customers"))
	require.NoError(t, err)
	require.True(t, first.Success)
	assert.False(t, first.CacheHit)

	second, err := p.Run(context.Background(), testRequest("list customers"))
	require.NoError(t, err)
	assert.True(t, second.Success)
	assert.True(t, second.CacheHit)
	assert.Equal(t, first.SQL, second.SQL)
	// 命中后不再调用生成器与执行器
	assert.Equal(t, 1, gen.calls)
	assert.Len(t, exec.executed, 1)
}

func TestPipeline_SkipCacheOption(t *testing.T) {
	gen := &scriptedGenerator{outputs: []string{"SELECT id FROM customers LIMIT 10;"}}
	exec := &recordingExecutor{}
	results := cache.NewResultCache(nil, time.Minute, "", monitor.NewNoopLogger(), monitor.NewMetrics())
	p := newTestPipeline(gen, &keywordValidator{}, exec, results, nil)

	req := testRequest("list customers")
	req.Options = &core.QueryOptions{SkipCache: true}

	_, err := p.Run(context.Background(), req)
	require.NoError(t, err)
	resp, err := p.Run(context.Background(), req)
	require.NoError(t, err)

	assert.False(t, resp.CacheHit)
	assert.Equal(t, 2, gen.calls)
}

func TestPipeline_EmptyQueryFails(t *testing.T) {
	gen := &scriptedGenerator{outputs: []string{"SELECT 1;"}}
	p := newTestPipeline(gen, &keywordValidator{}, &recordingExecutor{}, nil, nil)

	resp, err := p.Run(context.Background(), testRequest(""))
	require.NoError(t, err)
	assert.False(t, resp.Success)
	assert.Equal(t, core.StateFailed, resp.Diagnostics.State)
	assert.Equal(t, 0, gen.calls)
}

func TestPipeline_StageObserver(t *testing.T) {
	gen := &scriptedGenerator{outputs: []string{"SELECT id FROM customers LIMIT 10;"}}
	p := newTestPipeline(gen, &keywordValidator{}, &recordingExecutor{}, nil, nil)

	var stages []string
	ctx := WithStageObserver(context.Background(), func(stage string, state core.PipelineState, elapsedMs float64) {
		stages = append(stages, stage)
		assert.NotEmpty(t, string(state))
		assert.GreaterOrEqual(t, elapsedMs, 0.0)
	})

	resp, err := p.Run(ctx, testRequest("list customers"))
	require.NoError(t, err)
	assert.True(t, resp.Success)
	assert.Equal(t, []string{"plan", "retrieve", "plan_refine", "generate", "validate", "execute", "summarize"}, stages)
}

func TestPipeline_NilRequest(t *testing.T) {
	p := newTestPipeline(&scriptedGenerator{outputs: []string{"SELECT 1;"}},
		&keywordValidator{}, &recordingExecutor{}, nil, nil)

	_, err := p.Run(context.Background(), nil)
	assert.Error(t, err)
}
