package security

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Anniext/sqlpilot/monitor"
)

func newTestRateLimiter(t *testing.T, maxRequests int, window time.Duration) (*RateLimiter, sqlmock.Sqlmock, func()) {
	t.Helper()

	store, mock, db := newTestStore(t)
	limiter := NewRateLimiter(maxRequests, window, time.Hour, store, monitor.NewNoopLogger(), monitor.NewMetrics())
	return limiter, mock, func() { db.Close() }
}

func TestRateLimiter_Allow(t *testing.T) {
	ctx := context.Background()

	t.Run("窗口内请求放行", func(t *testing.T) {
		limiter, _, cleanup := newTestRateLimiter(t, 5, time.Minute)
		defer cleanup()

		for i := 0; i < 5; i++ {
			assert.True(t, limiter.Allow(ctx, "10.0.0.1"))
		}
	})

	t.Run("超限后封禁并拒绝", func(t *testing.T) {
		limiter, mock, cleanup := newTestRateLimiter(t, 3, time.Minute)
		defer cleanup()

		mock.ExpectExec("INSERT INTO blocked_ips").WillReturnResult(sqlmock.NewResult(1, 1))
		expectEventInsert(mock)

		for i := 0; i < 3; i++ {
			assert.True(t, limiter.Allow(ctx, "10.0.0.2"))
		}
		assert.False(t, limiter.Allow(ctx, "10.0.0.2"))
		assert.True(t, limiter.IsBlocked("10.0.0.2"))

		// 封禁期内后续请求直接拒绝
		assert.False(t, limiter.Allow(ctx, "10.0.0.2"))
	})

	t.Run("不同IP互不影响", func(t *testing.T) {
		limiter, mock, cleanup := newTestRateLimiter(t, 1, time.Minute)
		defer cleanup()

		mock.ExpectExec("INSERT INTO blocked_ips").WillReturnResult(sqlmock.NewResult(1, 1))
		expectEventInsert(mock)

		assert.True(t, limiter.Allow(ctx, "10.0.0.3"))
		assert.False(t, limiter.Allow(ctx, "10.0.0.3"))
		assert.True(t, limiter.Allow(ctx, "10.0.0.4"))
	})

	t.Run("窗口过期后计数重置", func(t *testing.T) {
		limiter, _, cleanup := newTestRateLimiter(t, 2, time.Minute)
		defer cleanup()

		base := time.Now()
		limiter.now = func() time.Time { return base }

		assert.True(t, limiter.Allow(ctx, "10.0.0.5"))
		assert.True(t, limiter.Allow(ctx, "10.0.0.5"))

		// 时间推进到窗口之外
		limiter.now = func() time.Time { return base.Add(2 * time.Minute) }
		assert.True(t, limiter.Allow(ctx, "10.0.0.5"))
	})

	t.Run("封禁过期后恢复放行", func(t *testing.T) {
		limiter, mock, cleanup := newTestRateLimiter(t, 1, time.Minute)
		defer cleanup()

		mock.ExpectExec("INSERT INTO blocked_ips").WillReturnResult(sqlmock.NewResult(1, 1))
		expectEventInsert(mock)

		base := time.Now()
		limiter.now = func() time.Time { return base }

		assert.True(t, limiter.Allow(ctx, "10.0.0.6"))
		assert.False(t, limiter.Allow(ctx, "10.0.0.6"))
		assert.True(t, limiter.IsBlocked("10.0.0.6"))

		limiter.now = func() time.Time { return base.Add(2 * time.Hour) }
		assert.False(t, limiter.IsBlocked("10.0.0.6"))
		assert.True(t, limiter.Allow(ctx, "10.0.0.6"))
	})
}

func TestRateLimiter_Restore(t *testing.T) {
	ctx := context.Background()

	t.Run("从数据库恢复封禁", func(t *testing.T) {
		limiter, mock, cleanup := newTestRateLimiter(t, 100, time.Hour)
		defer cleanup()

		rows := sqlmock.NewRows([]string{"id", "ip_address", "blocked_at", "reason", "expires_at"}).
			AddRow(1, "10.1.1.1", time.Now().Add(-time.Hour), "限流超限", time.Now().Add(23*time.Hour))
		mock.ExpectQuery("SELECT (.+) FROM blocked_ips").WillReturnRows(rows)

		require.NoError(t, limiter.Restore(ctx))
		assert.True(t, limiter.IsBlocked("10.1.1.1"))
		assert.False(t, limiter.IsBlocked("10.1.1.2"))
	})
}

func TestRateLimiter_ManualBlock(t *testing.T) {
	ctx := context.Background()

	limiter, mock, cleanup := newTestRateLimiter(t, 100, time.Hour)
	defer cleanup()

	mock.ExpectExec("INSERT INTO blocked_ips").WillReturnResult(sqlmock.NewResult(1, 1))
	expectEventInsert(mock)

	limiter.Block(ctx, "10.2.2.2", "人工封禁")
	assert.True(t, limiter.IsBlocked("10.2.2.2"))
	assert.False(t, limiter.Allow(ctx, "10.2.2.2"))

	mock.ExpectExec("DELETE FROM blocked_ips").WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, limiter.Unblock(ctx, "10.2.2.2"))
	assert.False(t, limiter.IsBlocked("10.2.2.2"))
}
