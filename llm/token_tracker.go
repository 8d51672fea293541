// 本文件实现了 Token 用量跟踪器，累计统计并保留有限的历史记录。

package llm

import (
	"sync"
	"time"
)

// TokenUsage Token 用量结构体。
// PromptTokens：提示词 Token 数。
// CompletionTokens：生成 Token 数。
// TotalTokens：总 Token 数。
type TokenUsage struct {
	PromptTokens     int `json:"prompt_tokens"`     // 提示词 Token 数
	CompletionTokens int `json:"completion_tokens"` // 生成 Token 数
	TotalTokens      int `json:"total_tokens"`      // 总 Token 数
}

// UsageRecord 单次用量记录。
type UsageRecord struct {
	Usage     *TokenUsage `json:"usage"`     // 用量详情
	Timestamp time.Time   `json:"timestamp"` // 记录时间
}

const maxUsageHistory = 1000

// TokenTracker Token 用量跟踪器。
type TokenTracker struct {
	total   TokenUsage
	history []*UsageRecord
	mutex   sync.RWMutex
}

// NewTokenTracker 创建用量跟踪器。
func NewTokenTracker() *TokenTracker {
	return &TokenTracker{}
}

// Record 记录一次用量。
func (t *TokenTracker) Record(usage *TokenUsage) {
	if usage == nil {
		return
	}

	t.mutex.Lock()
	defer t.mutex.Unlock()

	t.total.PromptTokens += usage.PromptTokens
	t.total.CompletionTokens += usage.CompletionTokens
	t.total.TotalTokens += usage.TotalTokens

	t.history = append(t.history, &UsageRecord{Usage: usage, Timestamp: time.Now()})
	if len(t.history) > maxUsageHistory {
		t.history = t.history[len(t.history)-maxUsageHistory:]
	}
}

// Total 返回累计用量快照。
func (t *TokenTracker) Total() *TokenUsage {
	t.mutex.RLock()
	defer t.mutex.RUnlock()

	snapshot := t.total
	return &snapshot
}

// History 返回历史记录副本。
func (t *TokenTracker) History() []*UsageRecord {
	t.mutex.RLock()
	defer t.mutex.RUnlock()

	records := make([]*UsageRecord, len(t.history))
	copy(records, t.history)
	return records
}

// Reset 重置统计。
func (t *TokenTracker) Reset() {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	t.total = TokenUsage{}
	t.history = nil
}
