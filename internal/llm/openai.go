package llm

import (
	"context"
	"errors"
	"io"
	"iter"
	"math"
	"time"

	"github.com/sashabaranov/go-openai"

	"github.com/comigor/llmrelay/internal/history"
)

// OpenAIGateway serves every openai-compatible provider.
type OpenAIGateway struct {
	provider string
	client   StreamClient
	timeout  time.Duration
}

// NewOpenAIGateway wraps client; a zero timeout means no deadline beyond ctx.
func NewOpenAIGateway(provider string, client StreamClient, timeout time.Duration) *OpenAIGateway {
	return &OpenAIGateway{provider: provider, client: client, timeout: timeout}
}

func (g *OpenAIGateway) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if g.timeout > 0 {
		return context.WithTimeout(ctx, g.timeout)
	}
	return context.WithCancel(ctx)
}

// Invoke performs a blocking chat completion.
func (g *OpenAIGateway) Invoke(ctx context.Context, p Params, msgs []history.Message) (string, error) {
	ctx, cancel := g.withTimeout(ctx)
	defer cancel()

	resp, err := g.client.CreateChatCompletion(ctx, ChatRequest(p, ToOpenAI(msgs)))
	if err != nil {
		return "", Wrap(g.provider, p.Model, err)
	}
	if len(resp.Choices) == 0 {
		return "", Wrap(g.provider, p.Model, ErrEmptyResponse)
	}
	return resp.Choices[0].Message.Content, nil
}

// Stream opens a streaming completion and yields content deltas.
func (g *OpenAIGateway) Stream(ctx context.Context, p Params, msgs []history.Message) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		ctx, cancel := g.withTimeout(ctx)
		defer cancel()

		req := ChatRequest(p, ToOpenAI(msgs))
		req.Stream = true
		stream, err := g.client.CreateChatCompletionStream(ctx, req)
		if err != nil {
			yield("", Wrap(g.provider, p.Model, err))
			return
		}
		defer stream.Close()

		for {
			resp, err := stream.Recv()
			if errors.Is(err, io.EOF) {
				return
			}
			if err != nil {
				yield("", Wrap(g.provider, p.Model, err))
				return
			}
			if len(resp.Choices) == 0 {
				continue
			}
			delta := resp.Choices[0].Delta.Content
			if delta == "" {
				continue
			}
			if !yield(delta, nil) {
				return
			}
		}
	}
}

// ChatRequest builds a completion request. go-openai drops a zero temperature
// (omitempty), so zero is sent as the smallest positive float instead.
func ChatRequest(p Params, msgs []openai.ChatCompletionMessage) openai.ChatCompletionRequest {
	temp := float32(p.Temperature)
	if temp == 0 {
		temp = math.SmallestNonzeroFloat32
	}
	return openai.ChatCompletionRequest{
		Model:       p.Model,
		Messages:    msgs,
		Temperature: temp,
	}
}

// ToOpenAI converts history messages to chat completion messages.
func ToOpenAI(msgs []history.Message) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(msgs))
	for _, m := range msgs {
		role := openai.ChatMessageRoleUser
		switch m.Role {
		case history.RoleSystem:
			role = openai.ChatMessageRoleSystem
		case history.RoleAssistant:
			role = openai.ChatMessageRoleAssistant
		}
		out = append(out, openai.ChatCompletionMessage{Role: role, Content: m.Content})
	}
	return out
}
