package main

import (
	"context"
	"fmt"

	"github.com/comigor/llmrelay/internal/agent"
	"github.com/comigor/llmrelay/internal/api"
	"github.com/comigor/llmrelay/internal/config"
	"github.com/comigor/llmrelay/internal/history"
	"github.com/comigor/llmrelay/internal/llm"
	"github.com/comigor/llmrelay/internal/logger"
	"github.com/comigor/llmrelay/internal/orchestrator"
	"github.com/comigor/llmrelay/internal/prompt"
	"github.com/comigor/llmrelay/internal/session"
	"github.com/comigor/llmrelay/internal/snapshot"
)

// Snapshot scope names.
const (
	scopeLLM   = "llm"
	scopeAgent = "agent"
)

// app is the wired server.
type app struct {
	chat      *session.Registry
	agents    *session.Registry
	snapshots *snapshot.Store
	servers   agent.Servers
	api       *api.Server
}

func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	log := logger.L

	router, err := llm.NewRouter(ctx, cfg, log)
	if err != nil {
		return nil, fmt.Errorf("llm router: %w", err)
	}

	tools := agent.NewToolbox(log)
	servers := agent.Connect(ctx, cfg.MCPServers, tools, log)
	executor := agent.NewExecutor(cfg.Agents, router, tools, log, agent.WithChunkSize(cfg.Defaults.ChunkSize))

	store, err := prompt.NewStore(prompt.StoreOptions{
		Path:     cfg.Prompts.Path,
		UserName: cfg.Prompts.UserName,
		Logger:   log,
	})
	if err != nil {
		servers.Close()
		return nil, fmt.Errorf("prompt store: %w", err)
	}
	prompts := prompt.Logged(prompt.Chain{store, prompt.NewMCPSource(servers.PromptClients(), log)}, logger.Component(log, "prompt"))

	estimator := history.CharEstimator{Multiplier: cfg.Defaults.TokenMultiplier}
	defaults := session.Defaults{
		Temperature: cfg.Defaults.Temperature,
		MaxMessages: cfg.Defaults.MaxMessages,
		MaxTokens:   cfg.Defaults.MaxTokens,
		ChunkSize:   cfg.Defaults.ChunkSize,
	}
	chat := session.NewRegistry(session.Options{
		Catalog:   session.ModelCatalog(cfg),
		Gateway:   router,
		Prompts:   prompts,
		Separator: session.ModelSeparator,
		Defaults:  defaults,
		Estimator: estimator,
		Logger:    log,
	})

	agentDefaults := defaults
	agentDefaults.MaxMessages = 2*cfg.Defaults.MemoryWindow + 1
	agents := session.NewRegistry(session.Options{
		Catalog:   session.AgentCatalog(cfg),
		Gateway:   executor,
		Prompts:   prompts,
		Separator: session.AgentSeparator,
		Defaults:  agentDefaults,
		Estimator: estimator,
		Logger:    log,
	})

	snaps := snapshot.NewStore(cfg.Snapshot.Path, log)
	persister := orchestrator.NewSnapshotPersister(snaps,
		orchestrator.Scope{Name: scopeLLM, Registry: chat},
		orchestrator.Scope{Name: scopeAgent, Registry: agents},
	)

	server := api.New(api.Options{
		Chat:      orchestrator.New(chat, orchestrator.WithPersister(persister), orchestrator.WithLogger(log)),
		Agents:    orchestrator.New(agents, orchestrator.WithPersister(persister), orchestrator.WithLogger(log)),
		Prompts:   store,
		Snapshots: snaps,
		Defaults:  cfg.Defaults,
		Logger:    log,
	})

	return &app{chat: chat, agents: agents, snapshots: snaps, servers: servers, api: server}, nil
}

// restore loads the latest snapshot into the registries.
func (a *app) restore(ctx context.Context) error {
	snap, ok, err := a.snapshots.Latest(ctx)
	if err != nil {
		return fmt.Errorf("read latest snapshot: %w", err)
	}
	if !ok {
		logger.L.Info("no snapshot to restore")
		return nil
	}
	orchestrator.Restore(snap, logger.L,
		orchestrator.Scope{Name: scopeLLM, Registry: a.chat},
		orchestrator.Scope{Name: scopeAgent, Registry: a.agents},
	)
	return nil
}

func (a *app) Close() {
	a.servers.Close()
	if err := a.snapshots.Close(); err != nil {
		logger.L.Warn("snapshot store close error", "error", err)
	}
}
