package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/sashabaranov/go-openai"

	"github.com/comigor/llmrelay/internal/logger"
)

// Tool is anything an agent can call.
type Tool interface {
	Name() string
	Description() string
	// Parameters returns the JSON schema of the arguments object.
	Parameters() json.RawMessage
	Call(ctx context.Context, args map[string]any) (string, error)
}

// Toolbox manages the available tools
type Toolbox struct {
	mu    sync.RWMutex
	tools map[string]Tool
	log   *slog.Logger
}

// NewToolbox creates an empty Toolbox
func NewToolbox(log *slog.Logger) *Toolbox {
	return &Toolbox{tools: make(map[string]Tool), log: logger.Component(log, "toolbox")}
}

// Register adds t unless a tool with the same name exists. It reports whether t was added.
func (b *Toolbox) Register(t Tool) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, exists := b.tools[t.Name()]; exists {
		return false
	}
	b.tools[t.Name()] = t
	return true
}

// Get retrieves a tool by name
func (b *Toolbox) Get(name string) (Tool, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	t, ok := b.tools[name]
	if !ok {
		return nil, fmt.Errorf("tool not found: %s", name)
	}
	return t, nil
}

// List returns all registered tools sorted by name
func (b *Toolbox) List() []Tool {
	b.mu.RLock()
	ts := make([]Tool, 0, len(b.tools))
	for _, t := range b.tools {
		ts = append(ts, t)
	}
	b.mu.RUnlock()
	sort.Slice(ts, func(i, j int) bool { return ts[i].Name() < ts[j].Name() })
	return ts
}

// Definitions returns function definitions for the named tools, or for every
// tool when names is empty. Names without a registered tool are reported in missing.
func (b *Toolbox) Definitions(names []string) (defs []openai.Tool, missing []string) {
	var selected []Tool
	if len(names) == 0 {
		selected = b.List()
	} else {
		for _, n := range names {
			t, err := b.Get(n)
			if err != nil {
				missing = append(missing, n)
				continue
			}
			selected = append(selected, t)
		}
	}
	for _, t := range selected {
		defs = append(defs, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        t.Name(),
				Description: t.Description(),
				Parameters:  t.Parameters(),
			},
		})
	}
	return defs, missing
}

// Execute runs one tool call requested by the model and always returns text
// for the tool message; failures are described rather than returned.
func (b *Toolbox) Execute(ctx context.Context, call openai.ToolCall) (string, map[string]any) {
	var args map[string]any
	if call.Function.Arguments != "" {
		if err := json.Unmarshal([]byte(call.Function.Arguments), &args); err != nil {
			b.log.Error("failed to unmarshal tool arguments", "tool", call.Function.Name, "error", err)
			return "Error: Could not parse arguments for tool " + call.Function.Name, nil
		}
	}
	t, err := b.Get(call.Function.Name)
	if err != nil {
		b.log.Warn("model requested unknown tool", "tool", call.Function.Name)
		return "Error: " + err.Error(), args
	}
	out, err := t.Call(ctx, args)
	if err != nil {
		b.log.Warn("tool call failed", "tool", call.Function.Name, "error", err)
		return "Error: tool " + call.Function.Name + " failed: " + err.Error(), args
	}
	return out, args
}

// AddServer lists the tools of an MCP server and registers the ones whose
// names are still free.
func (b *Toolbox) AddServer(ctx context.Context, server string, c MCPClient) (int, error) {
	res, err := c.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		return 0, fmt.Errorf("list tools of %s: %w", server, err)
	}
	added := 0
	for _, def := range res.Tools {
		t := &mcpTool{client: c, def: def, schema: toolSchema(def, b.log)}
		if !b.Register(t) {
			b.log.Warn("tool already registered from another server, skipping", "tool", def.Name, "server", server)
			continue
		}
		added++
		b.log.Info("registered tool from MCP server", "tool", def.Name, "server", server)
	}
	return added, nil
}

var emptySchema = json.RawMessage(`{"type":"object","properties":{}}`)

func toolSchema(def mcp.Tool, log *slog.Logger) json.RawMessage {
	if len(def.RawInputSchema) > 0 && string(def.RawInputSchema) != "null" {
		return def.RawInputSchema
	}
	if def.InputSchema.Type == "" {
		log.Warn("tool has an empty schema, using an empty object", "tool", def.Name)
		return emptySchema
	}
	raw, err := json.Marshal(def.InputSchema)
	if err != nil {
		log.Error("failed to marshal tool schema, using an empty object", "tool", def.Name, "error", err)
		return emptySchema
	}
	return raw
}

// mcpTool forwards calls to the MCP server that advertised it.
type mcpTool struct {
	client MCPClient
	def    mcp.Tool
	schema json.RawMessage
}

func (t *mcpTool) Name() string { return t.def.Name }
func (t *mcpTool) Description() string { return t.def.Description }
func (t *mcpTool) Parameters() json.RawMessage { return t.schema }

func (t *mcpTool) Call(ctx context.Context, args map[string]any) (string, error) {
	res, err := t.client.CallTool(ctx, mcp.CallToolRequest{
		Params: mcp.CallToolParams{Name: t.def.Name, Arguments: args},
	})
	if err != nil {
		return "", err
	}
	if res == nil {
		return "", fmt.Errorf("empty result")
	}
	text := firstText(res.Content)
	if res.IsError {
		if text == "" {
			text = "tool execution resulted in an error without specific text"
		}
		return "", fmt.Errorf("%s", text)
	}
	if text != "" {
		return text, nil
	}
	raw, err := json.Marshal(res)
	if err != nil {
		return "Tool executed successfully, but result could not be formatted.", nil
	}
	return string(raw), nil
}

func firstText(contents []mcp.Content) string {
	for _, c := range contents {
		if tc, ok := c.(mcp.TextContent); ok {
			return tc.Text
		}
	}
	return ""
}
