// 本文件提供测试用的模拟 LLM 客户端，支持脚本化响应、错误注入与
// 调用记录捕获。

package llm

import (
	"context"
	"fmt"
	"sync"

	"github.com/tmc/langchaingo/llms"
)

// MockClient 模拟 LLM 客户端。
type MockClient struct {
	responses   []string
	responseIdx int
	err         error
	calls       [][]llms.MessageContent
	usage       *TokenUsage
	mutex       sync.Mutex
}

// NewMockClient 创建模拟客户端。
func NewMockClient() *MockClient {
	return &MockClient{
		usage: &TokenUsage{PromptTokens: 100, CompletionTokens: 50, TotalTokens: 150},
	}
}

// AddResponse 追加一条脚本化响应内容。
func (m *MockClient) AddResponse(content string) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.responses = append(m.responses, content)
}

// SetError 注入错误，message 为空时清除。
func (m *MockClient) SetError(message string) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if message == "" {
		m.err = nil
	} else {
		m.err = fmt.Errorf("%s", message)
	}
}

// CallCount 返回已捕获的调用次数。
func (m *MockClient) CallCount() int {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return len(m.calls)
}

// LastMessages 返回最近一次调用的消息，便于断言提示词内容。
func (m *MockClient) LastMessages() []llms.MessageContent {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if len(m.calls) == 0 {
		return nil
	}
	return m.calls[len(m.calls)-1]
}

// GenerateContent 模拟生成内容。
func (m *MockClient) GenerateContent(ctx context.Context, messages []llms.MessageContent, _ ...llms.CallOption) (*llms.ContentResponse, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	m.calls = append(m.calls, messages)

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if m.err != nil {
		return nil, m.err
	}

	content := "SELECT 1;"
	if len(m.responses) > 0 {
		content = m.responses[m.responseIdx%len(m.responses)]
		m.responseIdx++
	}

	return &llms.ContentResponse{
		Choices: []*llms.ContentChoice{{Content: content}},
	}, nil
}

// GetUsage 获取用量统计。
func (m *MockClient) GetUsage() *TokenUsage {
	return m.usage
}

// GetStats 获取统计信息。
func (m *MockClient) GetStats() map[string]any {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return map[string]any{
		"type":          "mock",
		"request_count": len(m.calls),
	}
}

// CheckHealth 模拟健康自检。
func (m *MockClient) CheckHealth(_ context.Context) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return m.err
}

// Close 关闭客户端。
func (m *MockClient) Close() error {
	return nil
}
