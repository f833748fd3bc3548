package llm

import (
	"context"

	"github.com/sashabaranov/go-openai"

	"github.com/comigor/llmrelay/internal/config"
)

// Client is the subset of openai.Client used for tool-calling loops. Tests
// substitute canned responses.
type Client interface {
	CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

// StreamClient adds streaming completions on top of Client.
type StreamClient interface {
	Client
	CreateChatCompletionStream(ctx context.Context, req openai.ChatCompletionRequest) (*openai.ChatCompletionStream, error)
}

// NewClient returns an openai client for an openai-compatible provider. An
// empty base_url keeps the library default.
func NewClient(p config.ProviderConfig) *openai.Client {
	cc := openai.DefaultConfig(p.Key())
	if p.BaseURL != "" {
		cc.BaseURL = p.BaseURL
	}
	return openai.NewClientWithConfig(cc)
}
