// Package prompt resolves named system prompts.
package prompt

import (
	"context"
	"log/slog"
)

// Provider returns the rendered content of a named prompt.
type Provider interface {
	Content(ctx context.Context, name string) (string, bool)
}

// Chain asks each provider in order and returns the first hit.
type Chain []Provider

func (c Chain) Content(ctx context.Context, name string) (string, bool) {
	for _, p := range c {
		if p == nil {
			continue
		}
		if content, ok := p.Content(ctx, name); ok {
			return content, true
		}
	}
	return "", false
}

// Logged wraps p and warns on misses.
func Logged(p Provider, log *slog.Logger) Provider {
	return loggedProvider{p: p, log: log}
}

type loggedProvider struct {
	p   Provider
	log *slog.Logger
}

func (l loggedProvider) Content(ctx context.Context, name string) (string, bool) {
	content, ok := l.p.Content(ctx, name)
	if !ok && l.log != nil {
		l.log.Warn("system prompt not found", "prompt", name)
	}
	return content, ok
}
