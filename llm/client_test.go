package llm

import (
	"context"
	"testing"

	"github.com/Anniext/sqlpilot/config"
	"github.com/Anniext/sqlpilot/monitor"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tmc/langchaingo/llms"
)

func mockLLMConfig() *config.LLMConfig {
	return &config.LLMConfig{
		Provider:          "mock",
		Model:             "test-model",
		Temperature:       0.1,
		MaxTokens:         256,
		RequestsPerMinute: 60,
	}
}

func TestNewClient(t *testing.T) {
	t.Run("模拟服务商", func(t *testing.T) {
		client, err := NewClient(mockLLMConfig(), monitor.NewNoopLogger(), nil)
		require.NoError(t, err)
		defer client.Close()
	})

	t.Run("不支持的服务商", func(t *testing.T) {
		cfg := mockLLMConfig()
		cfg.Provider = "carrier-pigeon"
		_, err := NewClient(cfg, monitor.NewNoopLogger(), nil)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "不支持")
	})

	t.Run("空配置", func(t *testing.T) {
		_, err := NewClient(nil, monitor.NewNoopLogger(), nil)
		require.Error(t, err)
	})
}

func TestGenerateContent(t *testing.T) {
	client, err := NewClient(mockLLMConfig(), monitor.NewNoopLogger(), monitor.NewMetrics())
	require.NoError(t, err)
	defer client.Close()

	messages := []llms.MessageContent{
		llms.TextParts(llms.ChatMessageTypeHuman, "how many customers are there"),
	}

	resp, err := client.GenerateContent(context.Background(), messages)
	require.NoError(t, err)
	require.NotEmpty(t, resp.Choices)
	assert.NotEmpty(t, resp.Choices[0].Content)

	stats := client.GetStats()
	assert.Equal(t, int64(1), stats["request_count"])
	assert.Equal(t, int64(1), stats["success_count"])

	usage := client.GetUsage()
	assert.Greater(t, usage.TotalTokens, 0)
}

func TestEstimateTokens(t *testing.T) {
	messages := []llms.MessageContent{
		llms.TextParts(llms.ChatMessageTypeHuman, "abcdefgh"), // 8 字符
	}
	assert.Equal(t, 2, estimateTokens(messages))
	assert.Equal(t, 0, estimateTokens(nil))
}

func TestRateLimiter(t *testing.T) {
	t.Run("限流生效", func(t *testing.T) {
		limiter := NewRateLimiter(2, monitor.NewNoopLogger())

		require.NoError(t, limiter.Allow(context.Background(), 10))
		require.NoError(t, limiter.Allow(context.Background(), 10))
		err := limiter.Allow(context.Background(), 10)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "速率")

		stats := limiter.GetStats()
		assert.Equal(t, int64(3), stats["total_requests"])
		assert.Equal(t, int64(1), stats["blocked_requests"])
	})

	t.Run("非正速率不限流", func(t *testing.T) {
		limiter := NewRateLimiter(0, monitor.NewNoopLogger())
		for i := 0; i < 100; i++ {
			require.NoError(t, limiter.Allow(context.Background(), 1))
		}
	})
}

func TestTokenTracker(t *testing.T) {
	tracker := NewTokenTracker()

	tracker.Record(&TokenUsage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15})
	tracker.Record(&TokenUsage{PromptTokens: 20, CompletionTokens: 10, TotalTokens: 30})
	tracker.Record(nil)

	total := tracker.Total()
	assert.Equal(t, 30, total.PromptTokens)
	assert.Equal(t, 15, total.CompletionTokens)
	assert.Equal(t, 45, total.TotalTokens)
	assert.Len(t, tracker.History(), 2)

	tracker.Reset()
	assert.Equal(t, 0, tracker.Total().TotalTokens)
	assert.Empty(t, tracker.History())
}

func TestMockClient(t *testing.T) {
	mock := NewMockClient()
	mock.AddResponse("SELECT COUNT(*) FROM customers LIMIT 10;")

	resp, err := mock.GenerateContent(context.Background(), []llms.MessageContent{
		llms.TextParts(llms.ChatMessageTypeHuman, "count customers"),
	})
	require.NoError(t, err)
	assert.Equal(t, "SELECT COUNT(*) FROM customers LIMIT 10;", resp.Choices[0].Content)
	assert.Equal(t, 1, mock.CallCount())
	assert.NotNil(t, mock.LastMessages())

	mock.SetError("model overloaded")
	_, err = mock.GenerateContent(context.Background(), nil)
	require.Error(t, err)

	mock.SetError("")
	_, err = mock.GenerateContent(context.Background(), nil)
	require.NoError(t, err)
}
