package vector

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Anniext/sqlpilot/core"
	"github.com/Anniext/sqlpilot/monitor"
)

func newTestStore() *MemoryStore {
	return NewMemoryStore(monitor.NewNoopLogger(), monitor.NewMetrics())
}

func seedSchemaDocs(t *testing.T, store *MemoryStore) {
	t.Helper()
	err := store.Upsert(context.Background(), core.CollectionBankingSchema, []*core.Document{
		{ID: "table_customers", Content: "Table customers has columns: id, name, email, phone, address"},
		{ID: "table_accounts", Content: "Table accounts has columns: id, customer_id, account_type, balance, opened_at"},
		{ID: "table_transactions", Content: "Table transactions has columns: id, account_id, amount, transaction_type, created_at"},
		{ID: "col_account_type", Content: "Column accounts.account_type has values: checking, savings, credit"},
	})
	require.NoError(t, err)
}

func TestMemoryStore_Query(t *testing.T) {
	store := newTestStore()
	seedSchemaDocs(t, store)
	ctx := context.Background()

	t.Run("按关键词召回相关文档", func(t *testing.T) {
		results, err := store.Query(ctx, core.CollectionBankingSchema, "customer account balance", 3)
		require.NoError(t, err)
		require.NotEmpty(t, results)
		assert.Equal(t, "table_accounts", results[0].Document.ID)
	})

	t.Run("取值文档可被列名召回", func(t *testing.T) {
		results, err := store.Query(ctx, core.CollectionBankingSchema, "checking savings account_type", 5)
		require.NoError(t, err)
		require.NotEmpty(t, results)
		assert.Equal(t, "col_account_type", results[0].Document.ID)
	})

	t.Run("topK截断", func(t *testing.T) {
		results, err := store.Query(ctx, core.CollectionBankingSchema, "id", 2)
		require.NoError(t, err)
		assert.LessOrEqual(t, len(results), 2)
	})

	t.Run("无关查询返回空", func(t *testing.T) {
		results, err := store.Query(ctx, core.CollectionBankingSchema, "weather forecast tomorrow", 5)
		require.NoError(t, err)
		assert.Empty(t, results)
	})

	t.Run("未知集合返回空", func(t *testing.T) {
		results, err := store.Query(ctx, "ghost_collection", "customers", 5)
		require.NoError(t, err)
		assert.Empty(t, results)
	})

	t.Run("分数降序排列", func(t *testing.T) {
		results, err := store.Query(ctx, core.CollectionBankingSchema, "accounts customer_id balance", 4)
		require.NoError(t, err)
		for i := 1; i < len(results); i++ {
			assert.GreaterOrEqual(t, results[i-1].Score, results[i].Score)
		}
	})
}

func TestMemoryStore_Upsert(t *testing.T) {
	store := newTestStore()
	ctx := context.Background()

	t.Run("同ID覆盖", func(t *testing.T) {
		require.NoError(t, store.Upsert(ctx, "c", []*core.Document{{ID: "d1", Content: "old content"}}))
		require.NoError(t, store.Upsert(ctx, "c", []*core.Document{{ID: "d1", Content: "new banking content"}}))

		count, err := store.Count(ctx, "c")
		require.NoError(t, err)
		assert.Equal(t, 1, count)

		results, err := store.Query(ctx, "c", "banking content", 1)
		require.NoError(t, err)
		require.Len(t, results, 1)
		assert.Contains(t, results[0].Document.Content, "new")
	})

	t.Run("空ID自动生成", func(t *testing.T) {
		doc := &core.Document{Content: "auto id document"}
		require.NoError(t, store.Upsert(ctx, "c2", []*core.Document{doc}))
		assert.NotEmpty(t, doc.ID)
	})
}

func TestMemoryStore_Clear(t *testing.T) {
	store := newTestStore()
	seedSchemaDocs(t, store)

	store.Clear(core.CollectionBankingSchema)
	count, err := store.Count(context.Background(), core.CollectionBankingSchema)
	require.NoError(t, err)
	assert.Equal(t, 0, count)
}

func TestTokenize(t *testing.T) {
	tokens := tokenize("Table accounts has columns: id, customer_id")
	assert.Contains(t, tokens, "accounts")
	assert.Contains(t, tokens, "customer")
	assert.NotContains(t, tokens, ":")
}
