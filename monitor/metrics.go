// 本文件实现了进程内指标收集系统，按名称与标签聚合计数器、仪表与
// 直方图，供安全审计、流水线与服务端记录运行指标。
// 主要功能：
// 1. 计数器、仪表、直方图的线程安全聚合
// 2. 指标快照导出
// 3. 直方图的均值与分位数估计

package monitor

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// Metrics 进程内指标收集器，实现 core.MetricsCollector。
type Metrics struct {
	counters   map[string]float64
	gauges     map[string]float64
	histograms map[string]*histogram
	startTime  time.Time
	mutex      sync.RWMutex
}

// histogram 直方图样本，保留有限数量的观测值用于分位数估计。
type histogram struct {
	count   int64
	sum     float64
	samples []float64
}

const maxHistogramSamples = 1024

// NewMetrics 创建指标收集器。
func NewMetrics() *Metrics {
	return &Metrics{
		counters:   make(map[string]float64),
		gauges:     make(map[string]float64),
		histograms: make(map[string]*histogram),
		startTime:  time.Now(),
	}
}

// IncrementCounter 递增计数器。
func (m *Metrics) IncrementCounter(name string, labels map[string]string) {
	key := metricKey(name, labels)
	m.mutex.Lock()
	m.counters[key]++
	m.mutex.Unlock()
}

// RecordHistogram 记录直方图观测值。
func (m *Metrics) RecordHistogram(name string, value float64, labels map[string]string) {
	key := metricKey(name, labels)
	m.mutex.Lock()
	h, ok := m.histograms[key]
	if !ok {
		h = &histogram{}
		m.histograms[key] = h
	}
	h.count++
	h.sum += value
	if len(h.samples) < maxHistogramSamples {
		h.samples = append(h.samples, value)
	} else {
		// 样本池满后按轮转覆盖，保持近期观测
		h.samples[int(h.count)%maxHistogramSamples] = value
	}
	m.mutex.Unlock()
}

// SetGauge 设置仪表值。
func (m *Metrics) SetGauge(name string, value float64, labels map[string]string) {
	key := metricKey(name, labels)
	m.mutex.Lock()
	m.gauges[key] = value
	m.mutex.Unlock()
}

// CounterValue 读取计数器当前值。
func (m *Metrics) CounterValue(name string, labels map[string]string) float64 {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	return m.counters[metricKey(name, labels)]
}

// HistogramStats 直方图统计结果。
type HistogramStats struct {
	Count int64   `json:"count"` // 观测次数
	Sum   float64 `json:"sum"`   // 观测总和
	Avg   float64 `json:"avg"`   // 均值
	P50   float64 `json:"p50"`   // 中位数
	P95   float64 `json:"p95"`   // 95 分位
	P99   float64 `json:"p99"`   // 99 分位
}

// Snapshot 指标快照。
type Snapshot struct {
	Uptime     time.Duration              `json:"uptime"`     // 运行时长
	Counters   map[string]float64         `json:"counters"`   // 计数器
	Gauges     map[string]float64         `json:"gauges"`     // 仪表
	Histograms map[string]*HistogramStats `json:"histograms"` // 直方图统计
}

// GetSnapshot 导出当前指标快照。
func (m *Metrics) GetSnapshot() *Snapshot {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	snap := &Snapshot{
		Uptime:     time.Since(m.startTime),
		Counters:   make(map[string]float64, len(m.counters)),
		Gauges:     make(map[string]float64, len(m.gauges)),
		Histograms: make(map[string]*HistogramStats, len(m.histograms)),
	}

	for k, v := range m.counters {
		snap.Counters[k] = v
	}
	for k, v := range m.gauges {
		snap.Gauges[k] = v
	}
	for k, h := range m.histograms {
		snap.Histograms[k] = h.stats()
	}
	return snap
}

// Reset 重置全部指标。
func (m *Metrics) Reset() {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.counters = make(map[string]float64)
	m.gauges = make(map[string]float64)
	m.histograms = make(map[string]*histogram)
	m.startTime = time.Now()
}

// stats 计算直方图统计值。
func (h *histogram) stats() *HistogramStats {
	stats := &HistogramStats{Count: h.count, Sum: h.sum}
	if h.count > 0 {
		stats.Avg = h.sum / float64(h.count)
	}
	if len(h.samples) == 0 {
		return stats
	}

	sorted := make([]float64, len(h.samples))
	copy(sorted, h.samples)
	sort.Float64s(sorted)

	stats.P50 = percentile(sorted, 0.50)
	stats.P95 = percentile(sorted, 0.95)
	stats.P99 = percentile(sorted, 0.99)
	return stats
}

// percentile 在已排序样本上取分位数。
func percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(p * float64(len(sorted)-1))
	return sorted[idx]
}

// metricKey 构造带标签的指标键，标签按字典序排列保证稳定。
func metricKey(name string, labels map[string]string) string {
	if len(labels) == 0 {
		return name
	}

	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var sb strings.Builder
	sb.WriteString(name)
	sb.WriteString("{")
	for i, k := range keys {
		if i > 0 {
			sb.WriteString(",")
		}
		sb.WriteString(fmt.Sprintf("%s=%q", k, labels[k]))
	}
	sb.WriteString("}")
	return sb.String()
}
