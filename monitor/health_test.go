package monitor

import (
	"context"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeProber struct {
	err error
}

func (p *fakeProber) CheckHealth(_ context.Context) error { return p.err }

func TestDatabaseChecker(t *testing.T) {
	t.Run("连接正常", func(t *testing.T) {
		db, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
		require.NoError(t, err)
		defer db.Close()

		mock.ExpectPing()

		result := NewDatabaseChecker(db).CheckHealth(context.Background())
		assert.Equal(t, HealthStatusHealthy, result.Status)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("连接失败", func(t *testing.T) {
		db, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
		require.NoError(t, err)
		defer db.Close()

		mock.ExpectPing().WillReturnError(errors.New("connection refused"))

		result := NewDatabaseChecker(db).CheckHealth(context.Background())
		assert.Equal(t, HealthStatusUnhealthy, result.Status)
		assert.Contains(t, result.Error, "connection refused")
	})
}

func TestRedisCheckerDegradedWhenUnreachable(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1"})
	defer client.Close()

	result := NewRedisChecker(client).CheckHealth(context.Background())
	assert.Equal(t, HealthStatusDegraded, result.Status)
	assert.NotEmpty(t, result.Error)
}

func TestHealthManagerOverallStatus(t *testing.T) {
	hm := NewHealthManager(NewNoopLogger())
	hm.Register(NewProbeChecker("llm", &fakeProber{}))

	report := hm.Check(context.Background())
	assert.Equal(t, HealthStatusHealthy, report.OverallStatus)

	hm.Register(NewProbeChecker("broken", &fakeProber{err: errors.New("down")}))
	report = hm.Check(context.Background())
	assert.Equal(t, HealthStatusUnhealthy, report.OverallStatus)
	assert.Len(t, report.Components, 2)
	assert.Equal(t, report, hm.LastReport())
}
