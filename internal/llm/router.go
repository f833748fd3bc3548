package llm

import (
	"context"
	"fmt"
	"iter"
	"log/slog"

	"github.com/comigor/llmrelay/internal/config"
	"github.com/comigor/llmrelay/internal/history"
	"github.com/comigor/llmrelay/internal/logger"
)

// Router dispatches each call to the backend of the model's provider.
type Router struct {
	routes   map[string]string  // model -> provider
	gateways map[string]Gateway // provider -> backend
	clients  map[string]Client  // provider -> raw openai client, openai kind only
	log      *slog.Logger
}

// NewRouter builds one backend per configured provider.
func NewRouter(ctx context.Context, cfg *config.Config, log *slog.Logger) (*Router, error) {
	r := newRouter(log)
	for _, m := range cfg.Models {
		r.routes[m.Name] = m.Provider
	}

	for name, p := range cfg.Providers {
		switch p.Kind {
		case config.ProviderKindOpenAI:
			client := NewClient(p)
			r.Register(name, NewOpenAIGateway(name, client, p.Timeout), client)
		case config.ProviderKindGemini:
			gw, err := NewGeminiGateway(ctx, name, p)
			if err != nil {
				// a broken gemini key must not take the openai providers down with it
				r.log.Warn("gemini provider unavailable", "provider", name, "error", err)
				continue
			}
			r.Register(name, gw, nil)
		default:
			return nil, fmt.Errorf("provider %q: unsupported kind %q", name, p.Kind)
		}
		r.log.Info("provider registered", "provider", name, "kind", p.Kind, "base_url", p.BaseURL)
	}
	return r, nil
}

// NewStaticRouter routes models to already constructed gateways.
func NewStaticRouter(routes map[string]string, gateways map[string]Gateway) *Router {
	r := newRouter(nil)
	for m, p := range routes {
		r.routes[m] = p
	}
	for p, gw := range gateways {
		r.gateways[p] = gw
	}
	return r
}

func newRouter(log *slog.Logger) *Router {
	return &Router{
		routes:   make(map[string]string),
		gateways: make(map[string]Gateway),
		clients:  make(map[string]Client),
		log:      logger.Component(log, "llm"),
	}
}

// Register installs a backend for provider. client may be nil.
func (r *Router) Register(provider string, gw Gateway, client Client) {
	r.gateways[provider] = gw
	if client != nil {
		r.clients[provider] = client
	}
}

func (r *Router) route(model string) (string, Gateway, error) {
	provider, ok := r.routes[model]
	if !ok {
		return "", nil, &ProviderError{Model: model, Err: ErrNoBackend}
	}
	gw, ok := r.gateways[provider]
	if !ok {
		return provider, nil, &ProviderError{Provider: provider, Model: model, Err: ErrNoBackend}
	}
	return provider, gw, nil
}

// Invoke implements Gateway.
func (r *Router) Invoke(ctx context.Context, p Params, msgs []history.Message) (string, error) {
	provider, gw, err := r.route(p.Model)
	if err != nil {
		return "", err
	}
	r.log.Debug("invoke", "provider", provider, "model", p.Model, "messages", len(msgs))
	reply, err := gw.Invoke(ctx, p, msgs)
	if err != nil {
		r.log.Error("provider invoke failed", "provider", provider, "model", p.Model, "error", err)
		return "", Wrap(provider, p.Model, err)
	}
	return reply, nil
}

// Stream implements Gateway.
func (r *Router) Stream(ctx context.Context, p Params, msgs []history.Message) iter.Seq2[string, error] {
	provider, gw, err := r.route(p.Model)
	if err != nil {
		return errSeq(err)
	}
	r.log.Debug("stream", "provider", provider, "model", p.Model, "messages", len(msgs))
	return func(yield func(string, error) bool) {
		for frag, err := range gw.Stream(ctx, p, msgs) {
			if err != nil {
				r.log.Error("provider stream failed", "provider", provider, "model", p.Model, "error", err)
				yield("", Wrap(provider, p.Model, err))
				return
			}
			if !yield(frag, nil) {
				return
			}
		}
	}
}

// ChatClient returns the raw openai client serving model, for tool-calling loops.
func (r *Router) ChatClient(model string) (Client, error) {
	provider, ok := r.routes[model]
	if !ok {
		return nil, &ProviderError{Model: model, Err: ErrNoBackend}
	}
	c, ok := r.clients[provider]
	if !ok {
		return nil, &ProviderError{Provider: provider, Model: model, Err: fmt.Errorf("provider does not support tool calling")}
	}
	return c, nil
}
