// Package orchestrator drives one chat request from session resolution to
// committed history, emitting events as it goes.
//
// A request walks Resolving, then SameModel or Switching, then Streaming and
// Committing before Done. Any step may divert to Error. Requests for the same
// session are serialized; requests for different sessions run in parallel.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/qmuntal/stateless"

	"github.com/comigor/llmrelay/internal/logger"
	"github.com/comigor/llmrelay/internal/session"
)

// ErrInvalidRequest is returned for requests rejected before any work.
var ErrInvalidRequest = errors.New("invalid request")

type state string

const (
	stateIdle       state = "Idle"
	stateResolving  state = "Resolving"
	stateSameModel  state = "SameModel"
	stateSwitching  state = "Switching"
	stateStreaming  state = "Streaming"
	stateCommitting state = "Committing"
	stateDone       state = "Done"
	stateError      state = "Error"
)

type trigger string

const (
	triggerResolve   trigger = "Resolve"
	triggerSame      trigger = "SameModel"
	triggerSwitch    trigger = "Switch"
	triggerReady     trigger = "InstanceReady"
	triggerExhausted trigger = "StreamExhausted"
	triggerCommitted trigger = "Committed"
	triggerFail      trigger = "Fail"
)

// Request is one chat turn.
type Request struct {
	SessionID    string
	Model        string
	Message      string
	SystemPrompt string
	Temperature  *float64
	MaxMessages  int
	MaxTokens    int
}

// Result describes a finished turn.
type Result struct {
	InstanceID    string
	Model         string
	PreviousModel string
	Switched      bool
	Reply         string
}

// Orchestrator runs requests against one registry.
type Orchestrator struct {
	reg      *session.Registry
	resolver session.Resolver
	persist  Persister
	locks    *locks
	log      *slog.Logger
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithPersister stores a snapshot after every committed turn.
func WithPersister(p Persister) Option {
	return func(o *Orchestrator) { o.persist = p }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) { o.log = logger.Component(l, "orchestrator") }
}

// New returns an orchestrator over reg.
func New(reg *session.Registry, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		reg:      reg,
		resolver: session.NewResolver(reg),
		locks:    newLocks(),
		log:      logger.Component(nil, "orchestrator"),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Registry returns the registry the orchestrator drives.
func (o *Orchestrator) Registry() *session.Registry { return o.reg }

// Resolver returns the active-instance resolver.
func (o *Orchestrator) Resolver() session.Resolver { return o.resolver }

func (o *Orchestrator) validate(req Request) error {
	if strings.TrimSpace(req.SessionID) == "" {
		return fmt.Errorf("%w: session_id is required", ErrInvalidRequest)
	}
	if req.MaxMessages < 0 || req.MaxTokens < 0 {
		return fmt.Errorf("%w: max_messages=%d max_tokens=%d", session.ErrInvalidLimits, req.MaxMessages, req.MaxTokens)
	}
	if !o.reg.Known(req.Model) {
		return fmt.Errorf("%w: %q", session.ErrUnknownModel, req.Model)
	}
	return nil
}

// run is the state of one request.
type run struct {
	req    Request
	sink   Sink
	sync   bool
	active *session.Instance
	target *session.Instance
	reply  strings.Builder
	result Result
	err    error
	log    *slog.Logger
}

// Stream runs req and reports progress to sink. Validation and unknown model
// errors are returned before any event is sent. Later failures are sent as an
// error event and also returned.
func (o *Orchestrator) Stream(ctx context.Context, req Request, sink Sink) (Result, error) {
	return o.execute(ctx, req, sink, false)
}

// Chat runs req synchronously with the same resolve and switch rules as Stream.
func (o *Orchestrator) Chat(ctx context.Context, req Request) (Result, error) {
	return o.execute(ctx, req, Discard, true)
}

func (o *Orchestrator) execute(ctx context.Context, req Request, sink Sink, sync bool) (Result, error) {
	if err := o.validate(req); err != nil {
		return Result{}, err
	}
	release, err := o.locks.acquire(ctx, req.SessionID)
	if err != nil {
		return Result{}, err
	}
	defer release()

	r := &run{
		req:  req,
		sink: sink,
		sync: sync,
		log:  o.log.With("session_id", req.SessionID, "model", req.Model),
	}
	fsm := o.machine(r)
	if err := fsm.FireCtx(ctx, triggerResolve); err != nil && r.err == nil {
		r.err = err
	}
	st, err := fsm.State(ctx)
	if err != nil {
		return r.result, fmt.Errorf("state machine: %w", err)
	}
	if st != stateDone && r.err == nil {
		r.err = fmt.Errorf("request ended in state %v", st)
	}
	r.result.Reply = r.reply.String()
	return r.result, r.err
}

func (o *Orchestrator) spec(r *run) session.Spec {
	return session.Spec{
		SessionID:   r.req.SessionID,
		Model:       r.req.Model,
		Temperature: r.req.Temperature,
		MaxMessages: r.req.MaxMessages,
		MaxTokens:   r.req.MaxTokens,
	}
}

func (o *Orchestrator) machine(r *run) *stateless.StateMachine {
	fsm := stateless.NewStateMachine(stateIdle)
	fail := func(ctx context.Context, err error) error {
		r.err = err
		return fsm.FireCtx(ctx, triggerFail)
	}

	fsm.Configure(stateIdle).
		Permit(triggerResolve, stateResolving).
		Permit(triggerFail, stateError)

	fsm.Configure(stateResolving).
		OnEntry(func(ctx context.Context, _ ...any) error {
			active, ok := o.resolver.Active(r.req.SessionID)
			if ok && active.Model() != r.req.Model {
				r.active = active
				return fsm.FireCtx(ctx, triggerSwitch)
			}
			return fsm.FireCtx(ctx, triggerSame)
		}).
		Permit(triggerSame, stateSameModel).
		Permit(triggerSwitch, stateSwitching).
		Permit(triggerFail, stateError)

	fsm.Configure(stateSameModel).
		OnEntry(func(ctx context.Context, _ ...any) error {
			target, _, err := o.reg.GetOrCreate(o.spec(r))
			if err != nil {
				return fail(ctx, err)
			}
			r.target = target
			return fsm.FireCtx(ctx, triggerReady)
		}).
		Permit(triggerReady, stateStreaming).
		Permit(triggerFail, stateError)

	fsm.Configure(stateSwitching).
		OnEntry(func(ctx context.Context, _ ...any) error {
			target, _, err := o.reg.GetOrCreate(o.spec(r))
			if err != nil {
				return fail(ctx, err)
			}
			target.CopyMemoryFrom(r.active)
			r.target = target
			r.result.Switched = true
			r.result.PreviousModel = r.active.Model()
			r.log.Info("model switched", "from", r.active.Model(), "to", target.Model(), "messages", target.History().Len())
			if err := r.sink.Send(Event{Type: EventModelSwitch, From: r.active.Model(), To: target.Model()}); err != nil {
				return fail(ctx, err)
			}
			return fsm.FireCtx(ctx, triggerReady)
		}).
		Permit(triggerReady, stateStreaming).
		Permit(triggerFail, stateError)

	fsm.Configure(stateStreaming).
		OnEntry(func(ctx context.Context, _ ...any) error {
			r.result.InstanceID = r.target.ID()
			r.result.Model = r.target.Model()
			if err := r.sink.Send(Event{Type: EventStart}); err != nil {
				return fail(ctx, err)
			}
			if r.sync {
				reply, err := r.target.Chat(ctx, r.req.Message, r.req.SystemPrompt)
				if err != nil {
					return fail(ctx, err)
				}
				r.reply.WriteString(reply)
				return fsm.FireCtx(ctx, triggerExhausted)
			}
			for frag, err := range r.target.ChatStream(ctx, r.req.Message, r.req.SystemPrompt) {
				if err != nil {
					if serr := r.sink.Send(Event{Type: EventError, Error: err.Error()}); serr != nil {
						r.log.Debug("error event not delivered", "error", serr)
					}
					return fail(ctx, err)
				}
				r.log.Debug("fragment", "bytes", len(frag))
				r.reply.WriteString(frag)
				if err := r.sink.Send(Event{Type: EventContent, Content: frag}); err != nil {
					r.log.Info("caller went away mid-stream", "error", err)
					return fail(ctx, err)
				}
			}
			return fsm.FireCtx(ctx, triggerExhausted)
		}).
		Permit(triggerExhausted, stateCommitting).
		Permit(triggerFail, stateError)

	fsm.Configure(stateCommitting).
		OnEntry(func(ctx context.Context, _ ...any) error {
			o.persistQuietly(ctx)
			if err := r.sink.Send(Event{Type: EventEnd}); err != nil {
				r.log.Debug("end event not delivered", "error", err)
			}
			return fsm.FireCtx(ctx, triggerCommitted)
		}).
		Permit(triggerCommitted, stateDone).
		Permit(triggerFail, stateError)

	fsm.Configure(stateDone).
		OnEntry(func(_ context.Context, _ ...any) error {
			r.log.Info("turn completed", "instance_id", r.result.InstanceID, "switched", r.result.Switched)
			return nil
		})

	fsm.Configure(stateError).
		OnEntry(func(_ context.Context, _ ...any) error {
			r.log.Warn("turn failed", "error", r.err)
			return nil
		})

	return fsm
}
