package monitor

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetricsCounter(t *testing.T) {
	m := NewMetrics()

	labels := map[string]string{"action": "BLOCKED"}
	m.IncrementCounter("sqlpilot_security_events_total", labels)
	m.IncrementCounter("sqlpilot_security_events_total", labels)
	m.IncrementCounter("sqlpilot_security_events_total", map[string]string{"action": "GUARDED"})

	assert.Equal(t, 2.0, m.CounterValue("sqlpilot_security_events_total", labels))
	assert.Equal(t, 1.0, m.CounterValue("sqlpilot_security_events_total", map[string]string{"action": "GUARDED"}))
	assert.Equal(t, 0.0, m.CounterValue("sqlpilot_security_events_total", map[string]string{"action": "ALLOWED"}))
}

func TestMetricsHistogram(t *testing.T) {
	m := NewMetrics()

	for i := 1; i <= 100; i++ {
		m.RecordHistogram("sqlpilot_pipeline_stage_ms", float64(i), map[string]string{"stage": "GENERATE"})
	}

	snap := m.GetSnapshot()
	stats, ok := snap.Histograms[`sqlpilot_pipeline_stage_ms{stage="GENERATE"}`]
	require.True(t, ok)
	assert.Equal(t, int64(100), stats.Count)
	assert.InDelta(t, 50.5, stats.Avg, 0.01)
	assert.InDelta(t, 50.0, stats.P50, 1.0)
	assert.InDelta(t, 95.0, stats.P95, 1.0)
}

func TestMetricsGaugeAndReset(t *testing.T) {
	m := NewMetrics()

	m.SetGauge("sqlpilot_blocked_ips", 3, nil)
	snap := m.GetSnapshot()
	assert.Equal(t, 3.0, snap.Gauges["sqlpilot_blocked_ips"])

	m.Reset()
	snap = m.GetSnapshot()
	assert.Empty(t, snap.Gauges)
	assert.Empty(t, snap.Counters)
}

func TestMetricKeyStableOrder(t *testing.T) {
	a := metricKey("m", map[string]string{"b": "2", "a": "1"})
	b := metricKey("m", map[string]string{"a": "1", "b": "2"})
	assert.Equal(t, a, b)
	assert.Equal(t, `m{a="1",b="2"}`, a)
}
