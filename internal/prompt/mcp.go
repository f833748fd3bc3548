package prompt

import (
	"context"
	"log/slog"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/comigor/llmrelay/internal/logger"
)

// Client is the part of an MCP client needed to fetch prompts.
type Client interface {
	GetPrompt(ctx context.Context, request mcp.GetPromptRequest) (*mcp.GetPromptResult, error)
}

// MCPSource resolves prompt names against MCP servers that advertise prompts.
type MCPSource struct {
	clients []Client
	log     *slog.Logger
}

// NewMCPSource queries clients in order.
func NewMCPSource(clients []Client, log *slog.Logger) *MCPSource {
	return &MCPSource{clients: clients, log: logger.Component(log, "prompt")}
}

// Content returns the first assistant text message of the named prompt, or
// the first text message when the prompt has no assistant turn.
func (m *MCPSource) Content(ctx context.Context, name string) (string, bool) {
	for _, c := range m.clients {
		res, err := c.GetPrompt(ctx, mcp.GetPromptRequest{Params: mcp.GetPromptParams{Name: name}})
		if err != nil {
			m.log.Debug("mcp prompt lookup failed", "prompt", name, "error", err)
			continue
		}
		if text, ok := promptText(res); ok {
			return text, true
		}
	}
	return "", false
}

func promptText(res *mcp.GetPromptResult) (string, bool) {
	if res == nil {
		return "", false
	}
	var fallback string
	found := false
	for _, msg := range res.Messages {
		tc, ok := msg.Content.(mcp.TextContent)
		if !ok {
			continue
		}
		if msg.Role == mcp.RoleAssistant {
			return tc.Text, true
		}
		if !found {
			fallback, found = tc.Text, true
		}
	}
	return fallback, found
}
