package pipeline

import (
	"context"
	"testing"

	"github.com/Anniext/sqlpilot/core"
	"github.com/Anniext/sqlpilot/monitor"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestPlanner() *LexicalPlanner {
	return NewPlanner(newBankingCatalog(), nil, monitor.NewNoopLogger())
}

func TestLexicalPlanner_Plan(t *testing.T) {
	planner := newTestPlanner()
	ctx := context.Background()

	t.Run("显式表名按提及顺序识别", func(t *testing.T) {
		plan, err := planner.Plan(ctx, "Join transactions with accounts for last week", nil)
		require.NoError(t, err)
		assert.Equal(t, []string{"transactions", "accounts"}, plan.Tables)
	})

	t.Run("业务词族启发式匹配", func(t *testing.T) {
		plan, err := planner.Plan(ctx, "Which client spent the most money?", nil)
		require.NoError(t, err)
		assert.Equal(t, []string{"customers"}, plan.Tables)
	})

	t.Run("没有任何命中时返回全部表", func(t *testing.T) {
		plan, err := planner.Plan(ctx, "Show me everything interesting", nil)
		require.NoError(t, err)
		assert.Len(t, plan.Tables, 5)
	})

	t.Run("空问题返回全部表", func(t *testing.T) {
		plan, err := planner.Plan(ctx, "   ", nil)
		require.NoError(t, err)
		assert.Len(t, plan.Tables, 5)
		assert.Empty(t, plan.Clarifications)
	})

	t.Run("能力标记识别", func(t *testing.T) {
		plan, err := planner.Plan(ctx, "How many transactions over 500 happened on saturday this month?", nil)
		require.NoError(t, err)
		assert.True(t, plan.Capabilities.Aggregate)
		assert.True(t, plan.Capabilities.Threshold)
		assert.True(t, plan.Capabilities.Weekend)
		assert.True(t, plan.Capabilities.DateFilter)
		assert.False(t, plan.Capabilities.Window)
	})

	t.Run("manager触发员工表关联标记", func(t *testing.T) {
		plan, err := planner.Plan(ctx, "List accounts handled by each manager", nil)
		require.NoError(t, err)
		assert.True(t, plan.Capabilities.JoinEmployees)
	})
}

func TestLexicalPlanner_Clarifications(t *testing.T) {
	planner := newTestPlanner()
	ctx := context.Background()

	t.Run("high value缺少数字触发澄清", func(t *testing.T) {
		plan, err := planner.Plan(ctx, "Show me high value customers", nil)
		require.NoError(t, err)
		require.Len(t, plan.Clarifications, 1)
		assert.Equal(t, "min_balance", plan.Clarifications[0].Field)
		assert.Equal(t, "20000", plan.Clarifications[0].Default)
	})

	t.Run("high value带数字不触发澄清", func(t *testing.T) {
		plan, err := planner.Plan(ctx, "Show me high value customers with balance over 50000", nil)
		require.NoError(t, err)
		assert.Empty(t, plan.Clarifications)
	})

	t.Run("recent缺少时间范围触发澄清", func(t *testing.T) {
		plan, err := planner.Plan(ctx, "Show recent transactions", nil)
		require.NoError(t, err)
		require.Len(t, plan.Clarifications, 1)
		assert.Equal(t, "date_range", plan.Clarifications[0].Field)
		assert.Equal(t, "last 30 days", plan.Clarifications[0].Default)
	})

	t.Run("q1缺少年份触发澄清", func(t *testing.T) {
		plan, err := planner.Plan(ctx, "Total deposits in q1", nil)
		require.NoError(t, err)
		require.Len(t, plan.Clarifications, 1)
		assert.Equal(t, "2025-01-01..2025-03-31", plan.Clarifications[0].Default)
	})

	t.Run("q1带年份不触发澄清", func(t *testing.T) {
		plan, err := planner.Plan(ctx, "Total deposits in q1 2024", nil)
		require.NoError(t, err)
		assert.Empty(t, plan.Clarifications)
	})

	t.Run("已澄清的字段不再触发", func(t *testing.T) {
		plan, err := planner.Plan(ctx, "Show me high value customers",
			map[string]string{"min_balance": "50000"})
		require.NoError(t, err)
		assert.Empty(t, plan.Clarifications)
		assert.Equal(t, "50000", plan.Clarified["min_balance"])
	})

	t.Run("澄清答案为空白时仍触发", func(t *testing.T) {
		plan, err := planner.Plan(ctx, "Show me high value customers",
			map[string]string{"min_balance": "   "})
		require.NoError(t, err)
		require.Len(t, plan.Clarifications, 1)
		assert.Equal(t, "min_balance", plan.Clarifications[0].Field)
	})
}

func TestLexicalPlanner_Refine(t *testing.T) {
	planner := newTestPlanner()
	ctx := context.Background()

	t.Run("全表默认计划被检索结果收窄", func(t *testing.T) {
		plan, err := planner.Plan(ctx, "Show me everything interesting", nil)
		require.NoError(t, err)
		require.Len(t, plan.Tables, 5)

		refined, err := planner.Refine(ctx, plan, &core.RetrievedContext{
			QueryAnalysis: &core.QueryAnalysis{Tables: []string{"accounts", "branches"}},
		})
		require.NoError(t, err)
		assert.Equal(t, []string{"accounts", "branches"}, refined.Tables)
	})

	t.Run("显式提及的表不被覆盖", func(t *testing.T) {
		plan, err := planner.Plan(ctx, "List all transactions", nil)
		require.NoError(t, err)
		require.Equal(t, []string{"transactions"}, plan.Tables)

		refined, err := planner.Refine(ctx, plan, &core.RetrievedContext{
			QueryAnalysis: &core.QueryAnalysis{Tables: []string{"accounts", "transactions"}},
		})
		require.NoError(t, err)
		assert.Equal(t, []string{"transactions", "accounts"}, refined.Tables)
	})

	t.Run("未知表被忽略", func(t *testing.T) {
		plan := &core.QueryPlan{Tables: []string{"accounts"}}
		refined, err := planner.Refine(ctx, plan, &core.RetrievedContext{
			QueryAnalysis: &core.QueryAnalysis{Tables: []string{"ghosts"}},
		})
		require.NoError(t, err)
		assert.Equal(t, []string{"accounts"}, refined.Tables)
	})

	t.Run("空检索上下文原样返回", func(t *testing.T) {
		plan := &core.QueryPlan{Tables: []string{"accounts"}}
		refined, err := planner.Refine(ctx, plan, nil)
		require.NoError(t, err)
		assert.Equal(t, plan, refined)
	})

	t.Run("多表计划补充连接路径", func(t *testing.T) {
		plan := &core.QueryPlan{Tables: []string{"accounts", "customers"}}
		refined, err := planner.Refine(ctx, plan, nil)
		require.NoError(t, err)
		assert.Contains(t, refined.JoinPaths, "accounts.customer_id = customers.id")
	})

	t.Run("单表计划不生成连接路径", func(t *testing.T) {
		plan := &core.QueryPlan{Tables: []string{"transactions"}}
		refined, err := planner.Refine(ctx, plan, nil)
		require.NoError(t, err)
		assert.Empty(t, refined.JoinPaths)
	})

	t.Run("收窄后的表集合决定连接路径", func(t *testing.T) {
		plan := &core.QueryPlan{Tables: []string{"branches"}}
		refined, err := planner.Refine(ctx, plan, &core.RetrievedContext{
			QueryAnalysis: &core.QueryAnalysis{Tables: []string{"employees"}},
		})
		require.NoError(t, err)
		assert.Contains(t, refined.JoinPaths, "branches.manager_id = employees.id")
		assert.Contains(t, refined.JoinPaths, "employees.branch_id = branches.id")
	})
}
