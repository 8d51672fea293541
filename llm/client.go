// 本文件实现了大语言模型客户端，封装 langchaingo 的模型调用，提供
// 限流、Token 用量统计与健康自检能力。
// 主要功能：
// 1. Client：统一的内容生成接口
// 2. 客户端侧请求与 Token 双重限流
// 3. Token 用量跟踪与调用统计
// 4. 健康自检探针

package llm

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/Anniext/sqlpilot/config"
	"github.com/Anniext/sqlpilot/core"

	"github.com/tmc/langchaingo/llms"
)

// Client LLM 客户端接口。
type Client interface {
	// GenerateContent 调用模型生成内容
	GenerateContent(ctx context.Context, messages []llms.MessageContent, options ...llms.CallOption) (*llms.ContentResponse, error)
	// GetUsage 获取累计 Token 用量
	GetUsage() *TokenUsage
	// GetStats 获取调用统计信息
	GetStats() map[string]any
	// CheckHealth 健康自检
	CheckHealth(ctx context.Context) error
	// Close 释放资源
	Close() error
}

// clientImpl LLM 客户端实现。
type clientImpl struct {
	model        llms.Model
	config       *config.LLMConfig
	rateLimiter  *RateLimiter
	tokenTracker *TokenTracker
	logger       core.Logger
	metrics      core.MetricsCollector

	requestCount int64
	successCount int64
	errorCount   int64
	totalLatency int64 // 纳秒
}

// NewClient 创建 LLM 客户端。
func NewClient(cfg *config.LLMConfig, logger core.Logger, metrics core.MetricsCollector) (Client, error) {
	if cfg == nil {
		return nil, fmt.Errorf("LLM 配置不能为空")
	}

	model, err := newModel(cfg)
	if err != nil {
		return nil, fmt.Errorf("创建模型实例失败: %w", err)
	}

	return &clientImpl{
		model:        model,
		config:       cfg,
		rateLimiter:  NewRateLimiter(cfg.RequestsPerMinute, logger),
		tokenTracker: NewTokenTracker(),
		logger:       logger,
		metrics:      metrics,
	}, nil
}

// GenerateContent 调用模型生成内容。
func (c *clientImpl) GenerateContent(ctx context.Context, messages []llms.MessageContent, options ...llms.CallOption) (*llms.ContentResponse, error) {
	startTime := time.Now()
	atomic.AddInt64(&c.requestCount, 1)

	if c.metrics != nil {
		c.metrics.IncrementCounter(core.MetricGeneratorCallsTotal, map[string]string{
			"provider": c.config.Provider,
			"model":    c.config.Model,
		})
	}

	estimatedTokens := estimateTokens(messages)

	if err := c.rateLimiter.Allow(ctx, estimatedTokens); err != nil {
		atomic.AddInt64(&c.errorCount, 1)
		c.logger.Warn("LLM 客户端限流", "error", err)
		return nil, core.WrapError(core.ErrorTypeRateLimit, core.CodeLLMRateLimit, "LLM 客户端限流", err)
	}

	response, err := c.model.GenerateContent(ctx, messages, options...)

	latency := time.Since(startTime)
	atomic.AddInt64(&c.totalLatency, latency.Nanoseconds())

	if err != nil {
		atomic.AddInt64(&c.errorCount, 1)
		c.logger.Error("LLM 调用失败", "error", err, "latency", latency)
		if ctx.Err() == context.DeadlineExceeded {
			return nil, core.WrapError(core.ErrorTypeTimeout, core.CodeLLMTimeout, "LLM 调用超时", err)
		}
		return nil, core.WrapError(core.ErrorTypeLLM, core.CodeLLMError, "LLM 调用失败", err)
	}

	atomic.AddInt64(&c.successCount, 1)

	usage := extractTokenUsage(response, estimatedTokens)
	if usage != nil {
		c.tokenTracker.Record(usage)
		if c.metrics != nil {
			c.metrics.IncrementCounter(core.MetricLLMTokensTotal, map[string]string{
				"provider": c.config.Provider,
			})
		}
	}

	c.logger.Debug("LLM 调用完成",
		"latency", latency,
		"estimated_tokens", estimatedTokens,
	)

	return response, nil
}

// GetUsage 获取累计 Token 用量。
func (c *clientImpl) GetUsage() *TokenUsage {
	return c.tokenTracker.Total()
}

// GetStats 获取调用统计信息。
func (c *clientImpl) GetStats() map[string]any {
	requestCount := atomic.LoadInt64(&c.requestCount)
	successCount := atomic.LoadInt64(&c.successCount)
	errorCount := atomic.LoadInt64(&c.errorCount)
	totalLatency := atomic.LoadInt64(&c.totalLatency)

	var avgLatencyMs float64
	if requestCount > 0 {
		avgLatencyMs = float64(totalLatency) / float64(requestCount) / 1e6
	}

	var successRate float64
	if requestCount > 0 {
		successRate = float64(successCount) / float64(requestCount)
	}

	return map[string]any{
		"provider":         c.config.Provider,
		"model":            c.config.Model,
		"request_count":    requestCount,
		"success_count":    successCount,
		"error_count":      errorCount,
		"success_rate":     successRate,
		"avg_latency_ms":   avgLatencyMs,
		"token_usage":      c.tokenTracker.Total(),
		"rate_limit_stats": c.rateLimiter.GetStats(),
	}
}

// CheckHealth 以最小提示词探测模型可用性。
func (c *clientImpl) CheckHealth(ctx context.Context) error {
	probeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	messages := []llms.MessageContent{
		llms.TextParts(llms.ChatMessageTypeHuman, "ping"),
	}
	_, err := c.model.GenerateContent(probeCtx, messages, llms.WithMaxTokens(1))
	if err != nil {
		return fmt.Errorf("LLM 健康探测失败: %w", err)
	}
	return nil
}

// Close 释放资源。
func (c *clientImpl) Close() error {
	c.logger.Info("关闭 LLM 客户端",
		"request_count", atomic.LoadInt64(&c.requestCount))
	return nil
}

// estimateTokens 估算消息的 token 数量，平均 4 个字符折算 1 个 token。
func estimateTokens(messages []llms.MessageContent) int {
	totalChars := 0
	for _, msg := range messages {
		for _, part := range msg.Parts {
			if textPart, ok := part.(llms.TextContent); ok {
				totalChars += len(textPart.Text)
			}
		}
	}
	return totalChars / 4
}

// extractTokenUsage 从响应中提取 Token 用量，提供方未返回用量时按字符估算。
func extractTokenUsage(response *llms.ContentResponse, promptEstimate int) *TokenUsage {
	if response == nil || len(response.Choices) == 0 {
		return nil
	}

	usage := &TokenUsage{PromptTokens: promptEstimate}
	usage.CompletionTokens = len(response.Choices[0].Content) / 4
	usage.TotalTokens = usage.PromptTokens + usage.CompletionTokens
	return usage
}
