package cache

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Anniext/sqlpilot/core"
	"github.com/Anniext/sqlpilot/monitor"
)

func TestMemoryCache_GetSet(t *testing.T) {
	cache := NewMemoryCache(8, monitor.NewMetrics())
	ctx := context.Background()

	t.Run("读写往返", func(t *testing.T) {
		require.NoError(t, cache.Set(ctx, "k1", "v1", 0))
		value, err := cache.Get(ctx, "k1")
		require.NoError(t, err)
		assert.Equal(t, "v1", value)
	})

	t.Run("未命中返回ErrCacheMiss", func(t *testing.T) {
		_, err := cache.Get(ctx, "missing")
		assert.Equal(t, core.ErrCacheMiss, err)
	})

	t.Run("过期后未命中", func(t *testing.T) {
		require.NoError(t, cache.Set(ctx, "expiring", 42, time.Millisecond))
		time.Sleep(5 * time.Millisecond)
		_, err := cache.Get(ctx, "expiring")
		assert.Equal(t, core.ErrCacheMiss, err)
	})

	t.Run("覆盖写", func(t *testing.T) {
		require.NoError(t, cache.Set(ctx, "k1", "v2", 0))
		value, err := cache.Get(ctx, "k1")
		require.NoError(t, err)
		assert.Equal(t, "v2", value)
	})

	t.Run("删除后不存在", func(t *testing.T) {
		require.NoError(t, cache.Set(ctx, "doomed", 1, 0))
		require.NoError(t, cache.Delete(ctx, "doomed"))
		assert.False(t, cache.Exists(ctx, "doomed"))
	})
}

func TestMemoryCache_LRUEviction(t *testing.T) {
	cache := NewMemoryCache(3, monitor.NewMetrics())
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, cache.Set(ctx, fmt.Sprintf("k%d", i), i, 0))
	}

	// 访问 k0 使其成为最近使用
	_, err := cache.Get(ctx, "k0")
	require.NoError(t, err)

	// 写入第 4 个键，应淘汰最久未使用的 k1
	require.NoError(t, cache.Set(ctx, "k3", 3, 0))
	assert.Equal(t, 3, cache.Len())
	assert.True(t, cache.Exists(ctx, "k0"))
	assert.False(t, cache.Exists(ctx, "k1"))
	assert.True(t, cache.Exists(ctx, "k3"))
}
