package agent

import (
	"context"
	"sync"
)

// Action is the tool invocation of one step.
type Action struct {
	Tool      string         `json:"tool"`
	ToolInput map[string]any `json:"tool_input"`
}

// Step records one tool call made while answering.
type Step struct {
	Thought     string `json:"thought"`
	Action      Action `json:"action"`
	Observation string `json:"observation"`
}

// Trace collects the steps of agent runs made with its context.
type Trace struct {
	mu    sync.Mutex
	steps []Step
}

type traceKey struct{}

// WithTrace makes agent runs under ctx record their steps in t.
func WithTrace(ctx context.Context, t *Trace) context.Context {
	return context.WithValue(ctx, traceKey{}, t)
}

func traceFrom(ctx context.Context) *Trace {
	t, _ := ctx.Value(traceKey{}).(*Trace)
	return t
}

func (t *Trace) add(s Step) {
	if t == nil {
		return
	}
	t.mu.Lock()
	t.steps = append(t.steps, s)
	t.mu.Unlock()
}

// Steps returns the recorded steps in order.
func (t *Trace) Steps() []Step {
	if t == nil {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]Step(nil), t.steps...)
}
