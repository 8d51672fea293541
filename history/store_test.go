package history

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Anniext/sqlpilot/core"
	"github.com/Anniext/sqlpilot/monitor"
)

func newTestStore(t *testing.T) (*Store, sqlmock.Sqlmock, func()) {
	t.Helper()

	db, mock, err := sqlmock.New()
	require.NoError(t, err)

	return NewStore(db, monitor.NewNoopLogger()), mock, func() { db.Close() }
}

func TestStore_Record(t *testing.T) {
	store, mock, cleanup := newTestStore(t)
	defer cleanup()

	t.Run("成功响应落库", func(t *testing.T) {
		mock.ExpectExec("INSERT INTO query_history").WillReturnResult(sqlmock.NewResult(1, 1))

		err := store.Record(context.Background(),
			&core.QueryRequest{SessionID: "sess_1", User: "alice", Query: "How many customers?"},
			&core.QueryResponse{Success: true, SQL: "SELECT COUNT(*) FROM customers LIMIT 10;", RowCount: 1},
			120*time.Millisecond)
		assert.NoError(t, err)
	})

	t.Run("失败响应记录生成SQL", func(t *testing.T) {
		mock.ExpectExec("INSERT INTO query_history").WillReturnResult(sqlmock.NewResult(2, 1))

		err := store.Record(context.Background(),
			&core.QueryRequest{SessionID: "sess_1", Query: "bad question"},
			&core.QueryResponse{Success: false, GeneratedSQL: "SELECT x FROM ghost", Error: "表不存在"},
			80*time.Millisecond)
		assert.NoError(t, err)
	})

	t.Run("写入失败返回错误", func(t *testing.T) {
		mock.ExpectExec("INSERT INTO query_history").WillReturnError(assert.AnError)

		err := store.Record(context.Background(),
			&core.QueryRequest{SessionID: "sess_1", Query: "q"},
			&core.QueryResponse{Success: true}, time.Millisecond)
		assert.Error(t, err)
	})
}

func TestStore_Recent(t *testing.T) {
	store, mock, cleanup := newTestStore(t)
	defer cleanup()

	columns := []string{"id", "session_id", "user", "question", "sql_query", "success", "row_count", "duration_ms", "created_at"}

	t.Run("按会话查询", func(t *testing.T) {
		mock.ExpectQuery("FROM query_history WHERE session_id").
			WithArgs("sess_1", 20).
			WillReturnRows(sqlmock.NewRows(columns).
				AddRow(2, "sess_1", "alice", "top branches", "SELECT ...", true, 5, 230.5, time.Now()).
				AddRow(1, "sess_1", "alice", "count customers", "SELECT COUNT(*) ...", true, 1, 110.0, time.Now().Add(-time.Minute)))

		entries, err := store.Recent(context.Background(), "sess_1", 0)
		require.NoError(t, err)
		require.Len(t, entries, 2)
		assert.Equal(t, "top branches", entries[0].Question)
		assert.True(t, entries[0].Success)
		assert.Equal(t, 5, entries[0].RowCount)
	})

	t.Run("空会话跨会话查询", func(t *testing.T) {
		mock.ExpectQuery("FROM query_history ORDER BY created_at").
			WithArgs(10).
			WillReturnRows(sqlmock.NewRows(columns))

		entries, err := store.Recent(context.Background(), "", 10)
		require.NoError(t, err)
		assert.Empty(t, entries)
	})
}

func TestStore_WindowStats(t *testing.T) {
	store, mock, cleanup := newTestStore(t)
	defer cleanup()

	mock.ExpectQuery("FROM query_history WHERE created_at").
		WillReturnRows(sqlmock.NewRows([]string{"total", "succeeded", "avg_ms"}).AddRow(10, 8, 245.7))

	stats, err := store.WindowStats(context.Background(), 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 10, stats.Total)
	assert.Equal(t, 8, stats.Succeeded)
	assert.InDelta(t, 0.8, stats.SuccessRate, 1e-9)
	assert.InDelta(t, 245.7, stats.AvgDurationMs, 1e-9)
}
