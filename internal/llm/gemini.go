package llm

import (
	"context"
	"iter"
	"time"

	"google.golang.org/genai"

	"github.com/comigor/llmrelay/internal/config"
	"github.com/comigor/llmrelay/internal/history"
)

// contentGenerator is the subset of *genai.Models used by GeminiGateway.
type contentGenerator interface {
	GenerateContent(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error)
	GenerateContentStream(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) iter.Seq2[*genai.GenerateContentResponse, error]
}

// GeminiGateway serves Google Gemini models through the genai SDK.
type GeminiGateway struct {
	provider string
	models   contentGenerator
	timeout  time.Duration
}

// NewGeminiGateway creates a genai client for the Gemini API backend.
func NewGeminiGateway(ctx context.Context, provider string, cfg config.ProviderConfig) (*GeminiGateway, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:      cfg.Key(),
		Backend:     genai.BackendGeminiAPI,
		HTTPOptions: genai.HTTPOptions{BaseURL: cfg.BaseURL},
	})
	if err != nil {
		return nil, Wrap(provider, "", err)
	}
	return &GeminiGateway{provider: provider, models: client.Models, timeout: cfg.Timeout}, nil
}

func (g *GeminiGateway) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if g.timeout > 0 {
		return context.WithTimeout(ctx, g.timeout)
	}
	return context.WithCancel(ctx)
}

// Invoke generates a full reply.
func (g *GeminiGateway) Invoke(ctx context.Context, p Params, msgs []history.Message) (string, error) {
	ctx, cancel := g.withTimeout(ctx)
	defer cancel()

	contents, cfg := toGemini(p, msgs)
	resp, err := g.models.GenerateContent(ctx, p.Model, contents, cfg)
	if err != nil {
		return "", Wrap(g.provider, p.Model, err)
	}
	if resp == nil || len(resp.Candidates) == 0 {
		return "", Wrap(g.provider, p.Model, ErrEmptyResponse)
	}
	return resp.Text(), nil
}

// Stream yields the text of every streamed response chunk.
func (g *GeminiGateway) Stream(ctx context.Context, p Params, msgs []history.Message) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		ctx, cancel := g.withTimeout(ctx)
		defer cancel()

		contents, cfg := toGemini(p, msgs)
		for resp, err := range g.models.GenerateContentStream(ctx, p.Model, contents, cfg) {
			if err != nil {
				yield("", Wrap(g.provider, p.Model, err))
				return
			}
			if resp == nil {
				continue
			}
			text := resp.Text()
			if text == "" {
				continue
			}
			if !yield(text, nil) {
				return
			}
		}
	}
}

// toGemini moves the system message into SystemInstruction and maps the
// assistant role to "model".
func toGemini(p Params, msgs []history.Message) ([]*genai.Content, *genai.GenerateContentConfig) {
	temp := float32(p.Temperature)
	cfg := &genai.GenerateContentConfig{Temperature: &temp}

	contents := make([]*genai.Content, 0, len(msgs))
	for _, m := range msgs {
		switch m.Role {
		case history.RoleSystem:
			cfg.SystemInstruction = genai.NewContentFromText(m.Content, genai.RoleUser)
		case history.RoleAssistant:
			contents = append(contents, genai.NewContentFromText(m.Content, genai.RoleModel))
		default:
			contents = append(contents, genai.NewContentFromText(m.Content, genai.RoleUser))
		}
	}
	return contents, cfg
}
