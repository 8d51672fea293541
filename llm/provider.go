// 本文件实现了模型实例的创建，按配置选择服务商，并为本地开发与测试
// 提供内置的模拟模型。

package llm

import (
	"context"
	"fmt"

	"github.com/Anniext/sqlpilot/config"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/openai"
)

// newModel 按配置创建 langchaingo 模型实例。
func newModel(cfg *config.LLMConfig) (llms.Model, error) {
	switch cfg.Provider {
	case "openai":
		opts := []openai.Option{
			openai.WithModel(cfg.Model),
			openai.WithToken(cfg.APIKey),
		}
		if cfg.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(cfg.BaseURL))
		}
		return openai.New(opts...)

	case "mock", "local":
		// 本地开发与测试使用内置模拟模型
		return &mockModel{}, nil

	default:
		return nil, fmt.Errorf("不支持的 LLM 服务商: %s", cfg.Provider)
	}
}

// mockModel 模拟模型，返回固定内容。
type mockModel struct{}

func (m *mockModel) GenerateContent(_ context.Context, _ []llms.MessageContent, _ ...llms.CallOption) (*llms.ContentResponse, error) {
	return &llms.ContentResponse{
		Choices: []*llms.ContentChoice{
			{Content: "SELECT 1;"},
		},
	}, nil
}

func (m *mockModel) Call(ctx context.Context, prompt string, options ...llms.CallOption) (string, error) {
	resp, err := m.GenerateContent(ctx, nil, options...)
	if err != nil {
		return "", err
	}
	return resp.Choices[0].Content, nil
}
