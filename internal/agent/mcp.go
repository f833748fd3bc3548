package agent

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/comigor/llmrelay/internal/config"
	"github.com/comigor/llmrelay/internal/logger"
	"github.com/comigor/llmrelay/internal/prompt"
)

// MCPClient defines the methods agents expect from an MCP client.
type MCPClient interface {
	Initialize(ctx context.Context, req mcp.InitializeRequest) (*mcp.InitializeResult, error)
	ListTools(ctx context.Context, req mcp.ListToolsRequest) (*mcp.ListToolsResult, error)
	CallTool(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error)
	GetPrompt(ctx context.Context, request mcp.GetPromptRequest) (*mcp.GetPromptResult, error)
	Close() error
}

// Server is one initialized MCP connection.
type Server struct {
	Name    string
	Client  MCPClient
	Prompts bool
}

// Servers is the set of connected MCP servers.
type Servers []Server

// PromptClients returns the servers that advertise prompt support.
func (s Servers) PromptClients() []prompt.Client {
	var out []prompt.Client
	for _, srv := range s {
		if srv.Prompts {
			out = append(out, srv.Client)
		}
	}
	return out
}

// Close closes every connection.
func (s Servers) Close() {
	for _, srv := range s {
		if err := srv.Client.Close(); err != nil {
			logger.L.Warn("MCP client close error", "name", srv.Name, "error", err)
		}
	}
}

// Connect starts and initializes every configured server and registers its
// tools in box. Servers that fail are logged and skipped.
func Connect(ctx context.Context, cfgs []config.MCPServerConfig, box *Toolbox, log *slog.Logger) Servers {
	log = logger.Component(log, "mcp")
	var servers Servers
	for _, cfg := range cfgs {
		c, err := newMCPClient(ctx, cfg)
		if err != nil {
			log.Error("Failed to create MCP client", "name", cfg.Name, "error", err)
			continue
		}
		srv, err := initialize(ctx, cfg.Name, c)
		if err != nil {
			log.Error("Failed to initialize MCP client", "name", cfg.Name, "error", err)
			if cerr := c.Close(); cerr != nil {
				log.Warn("MCP client close error after init failure", "error", cerr)
			}
			continue
		}
		if n, err := box.AddServer(ctx, cfg.Name, c); err != nil {
			// keep the client: it may still serve prompts
			log.Warn("Failed to list tools for MCP client", "name", cfg.Name, "error", err)
		} else {
			log.Info("Server initialized", "name", cfg.Name, "tools", n, "prompts", srv.Prompts)
		}
		servers = append(servers, srv)
	}
	if len(servers) == 0 && len(cfgs) > 0 {
		log.Warn("No MCP clients were successfully initialized despite servers configured.", "length", len(cfgs))
	}
	return servers
}

func initialize(ctx context.Context, name string, c MCPClient) (Server, error) {
	res, err := c.Initialize(ctx, mcp.InitializeRequest{
		Params: mcp.InitializeParams{
			ProtocolVersion: mcp.LATEST_PROTOCOL_VERSION,
			ClientInfo:      mcp.Implementation{Name: "llmrelay", Version: "1.0.0"},
		},
	})
	if err != nil {
		return Server{}, err
	}
	return Server{Name: name, Client: c, Prompts: res != nil && res.Capabilities.Prompts != nil}, nil
}

func newMCPClient(ctx context.Context, cfg config.MCPServerConfig) (*client.Client, error) {
	var (
		c   *client.Client
		err error
	)
	switch cfg.Type {
	case config.ClientTypeSSE:
		var opts []transport.ClientOption
		if len(cfg.Headers) > 0 {
			opts = append(opts, transport.WithHeaders(cfg.Headers))
		}
		c, err = client.NewSSEMCPClient(cfg.URL, opts...)
	case config.ClientTypeStreamableHTTP:
		var opts []transport.StreamableHTTPCOption
		if len(cfg.Headers) > 0 {
			opts = append(opts, transport.WithHTTPHeaders(cfg.Headers))
		}
		c, err = client.NewStreamableHttpClient(cfg.URL, opts...)
	case config.ClientTypeStdio:
		env := make([]string, 0, len(cfg.Env))
		for k, v := range cfg.Env {
			env = append(env, fmt.Sprintf("%s=%s", k, v))
		}
		// stdio clients start their transport on creation
		return client.NewStdioMCPClient(cfg.Command, env, cfg.Args...)
	case "":
		return nil, fmt.Errorf("server type not specified; set 'type' to sse, streamable_http or stdio")
	default:
		return nil, fmt.Errorf("unsupported server type %q", cfg.Type)
	}
	if err != nil {
		return nil, err
	}
	if err := c.Start(ctx); err != nil {
		if cerr := c.Close(); cerr != nil {
			logger.L.Warn("MCP client close error after start failure", "error", cerr)
		}
		return nil, fmt.Errorf("start transport: %w", err)
	}
	return c, nil
}
