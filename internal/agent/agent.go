// Package agent runs tool-using agents on top of openai-compatible models.
//
// An Executor is an llm.Gateway whose model names are agent names: each call
// drives a small state machine that alternates between the model and the
// agent's MCP tools until the model answers without requesting tools.
package agent

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"

	"github.com/qmuntal/stateless"
	"github.com/sashabaranov/go-openai"

	"github.com/comigor/llmrelay/internal/config"
	"github.com/comigor/llmrelay/internal/history"
	"github.com/comigor/llmrelay/internal/llm"
	"github.com/comigor/llmrelay/internal/logger"
)

// FSM states
type fsmState string

const (
	StateIdle           fsmState = "Idle"
	StateReadyToCallLLM fsmState = "ReadyToCallLLM"
	StateExecutingTools fsmState = "ExecutingTools"
	StateDone           fsmState = "Done"
	StateError          fsmState = "Error"
)

// FSM triggers
type fsmTrigger string

const (
	TriggerProcessInput            fsmTrigger = "ProcessInput"
	TriggerLLMRespondedWithContent fsmTrigger = "LLMRespondedWithContent"
	TriggerLLMRequestedTools       fsmTrigger = "LLMRequestedTools"
	TriggerToolsExecutionCompleted fsmTrigger = "ToolsExecutionCompleted"
	TriggerErrorOccurred           fsmTrigger = "ErrorOccurred"
)

var (
	ErrUnknownAgent = errors.New("unknown agent")
	ErrMaxTurns     = errors.New("exceeded maximum interaction turns")
)

// ClientSource hands out the raw chat client serving a model.
type ClientSource interface {
	ChatClient(model string) (llm.Client, error)
}

// Executor runs configured agents.
type Executor struct {
	agents    map[string]config.AgentConfig
	clients   ClientSource
	tools     *Toolbox
	chunkSize int
	log       *slog.Logger
}

// DefaultChunkSize is the number of characters per streamed fragment.
const DefaultChunkSize = 15

// ExecutorOption configures an Executor.
type ExecutorOption func(*Executor)

// WithChunkSize sets the fragment size Stream splits the final answer into.
// Non-positive sizes keep the default.
func WithChunkSize(n int) ExecutorOption {
	return func(e *Executor) {
		if n > 0 {
			e.chunkSize = n
		}
	}
}

// NewExecutor creates an executor for agents.
func NewExecutor(agents []config.AgentConfig, clients ClientSource, tools *Toolbox, log *slog.Logger, opts ...ExecutorOption) *Executor {
	m := make(map[string]config.AgentConfig, len(agents))
	for _, a := range agents {
		m[a.Name] = a
	}
	if tools == nil {
		tools = NewToolbox(log)
	}
	e := &Executor{agents: m, clients: clients, tools: tools, chunkSize: DefaultChunkSize, log: logger.Component(log, "agent")}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Invoke implements llm.Gateway; p.Model names the agent.
func (e *Executor) Invoke(ctx context.Context, p llm.Params, msgs []history.Message) (string, error) {
	return e.Run(ctx, p.Model, p.Temperature, msgs)
}

// Stream implements llm.Gateway. The tool loop has no partial output, so the
// final answer is split into fragments of the configured chunk size once the
// run completes.
func (e *Executor) Stream(ctx context.Context, p llm.Params, msgs []history.Message) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		out, err := e.Run(ctx, p.Model, p.Temperature, msgs)
		if err != nil {
			yield("", err)
			return
		}
		for _, chunk := range llm.ChunkText(out, e.chunkSize) {
			if !yield(chunk, nil) {
				return
			}
		}
	}
}

// run holds the data of one Process call.
type run struct {
	agent       config.AgentConfig
	client      llm.Client
	tools       []openai.Tool
	temperature float64
	messages    []openai.ChatCompletionMessage
	response    *openai.ChatCompletionResponse
	final       string
	err         error
	turn        int
	trace       *Trace
}

// Run executes agent name over msgs and returns the final answer.
func (e *Executor) Run(ctx context.Context, name string, temperature float64, msgs []history.Message) (string, error) {
	a, ok := e.agents[name]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownAgent, name)
	}
	c, err := e.clients.ChatClient(a.Model)
	if err != nil {
		return "", err
	}
	tools, missing := e.tools.Definitions(a.Tools)
	if len(missing) > 0 {
		e.log.Warn("agent tools unavailable", "agent", name, "missing", missing)
	}

	r := &run{
		agent:       a,
		client:      c,
		tools:       tools,
		temperature: temperature,
		messages:    llm.ToOpenAI(msgs),
		trace:       traceFrom(ctx),
	}
	log := e.log.With("agent", name, "model", a.Model)
	fsm := e.machine(r, log)

	if err := fsm.FireCtx(ctx, TriggerProcessInput); err != nil {
		log.Error("FSM fire error", "error", err)
		if r.err == nil {
			r.err = err
		}
	}
	state, err := fsm.State(ctx)
	if err != nil {
		return "", fmt.Errorf("FSM internal error: %w", err)
	}
	switch {
	case state == StateDone && r.err == nil:
		return r.final, nil
	case r.err != nil:
		return "", llm.Wrap("", a.Model, r.err)
	default:
		return "", fmt.Errorf("FSM ended in an unexpected state: %v", state)
	}
}

func (e *Executor) machine(r *run, log *slog.Logger) *stateless.StateMachine {
	fsm := stateless.NewStateMachine(StateIdle)
	fail := func(ctx context.Context, err error) error {
		r.err = err
		return fsm.FireCtx(ctx, TriggerErrorOccurred)
	}

	fsm.Configure(StateIdle).
		Permit(TriggerProcessInput, StateReadyToCallLLM).
		Permit(TriggerErrorOccurred, StateError)

	fsm.Configure(StateReadyToCallLLM).
		OnEntry(func(ctx context.Context, _ ...any) error {
			if err := ctx.Err(); err != nil {
				return fail(ctx, err)
			}
			if r.turn >= r.agent.MaxTurns {
				log.Warn("Max interaction turns reached.", "maxTurns", r.agent.MaxTurns)
				return fail(ctx, ErrMaxTurns)
			}
			r.turn++
			log.Debug("FSM: Entering StateReadyToCallLLM", "turn", r.turn)

			req := llm.ChatRequest(llm.Params{Model: r.agent.Model, Temperature: r.temperature}, r.messages)
			req.Tools = r.tools
			resp, err := r.client.CreateChatCompletion(ctx, req)
			if err != nil {
				log.Error("LLM call failed", "error", err)
				return fail(ctx, err)
			}
			if len(resp.Choices) == 0 {
				return fail(ctx, llm.ErrEmptyResponse)
			}
			r.response = &resp
			if len(resp.Choices[0].Message.ToolCalls) > 0 {
				return fsm.FireCtx(ctx, TriggerLLMRequestedTools)
			}
			return fsm.FireCtx(ctx, TriggerLLMRespondedWithContent)
		}).
		Permit(TriggerLLMRequestedTools, StateExecutingTools).
		Permit(TriggerLLMRespondedWithContent, StateDone).
		Permit(TriggerErrorOccurred, StateError)

	fsm.Configure(StateExecutingTools).
		OnEntry(func(ctx context.Context, _ ...any) error {
			msg := r.response.Choices[0].Message
			r.messages = append(r.messages, msg)
			for _, call := range msg.ToolCalls {
				log.Debug("executing tool", "tool", call.Function.Name)
				out, args := e.tools.Execute(ctx, call)
				r.messages = append(r.messages, openai.ChatCompletionMessage{
					Role:       openai.ChatMessageRoleTool,
					Content:    out,
					ToolCallID: call.ID,
					Name:       call.Function.Name,
				})
				r.trace.add(Step{
					Thought:     msg.Content,
					Action:      Action{Tool: call.Function.Name, ToolInput: args},
					Observation: out,
				})
			}
			return fsm.FireCtx(ctx, TriggerToolsExecutionCompleted)
		}).
		Permit(TriggerToolsExecutionCompleted, StateReadyToCallLLM).
		Permit(TriggerErrorOccurred, StateError)

	fsm.Configure(StateDone).
		OnEntry(func(_ context.Context, _ ...any) error {
			r.final = r.response.Choices[0].Message.Content
			log.Debug("FSM: Entering StateDone", "turns", r.turn)
			return nil
		})

	fsm.Configure(StateError).
		OnEntry(func(_ context.Context, _ ...any) error {
			log.Debug("FSM: Entering StateError", "error", r.err)
			return nil
		})

	return fsm
}
