package orchestrator

import (
	"context"
	"fmt"

	"github.com/comigor/llmrelay/internal/history"
	"github.com/comigor/llmrelay/internal/session"
)

// SwitchRequest asks to move a session onto another model without a chat turn.
type SwitchRequest struct {
	SessionID      string
	Model          string
	Temperature    *float64
	TransferMemory bool
}

// SwitchResult reports what SwitchModel did.
type SwitchResult struct {
	InstanceID        string
	PreviousModel     string
	NewModel          string
	AlreadyActive     bool
	MemoryTransferred bool
}

// SwitchModel makes req.Model the active model of the session. The new
// instance inherits the limits of the current one.
func (o *Orchestrator) SwitchModel(ctx context.Context, req SwitchRequest) (SwitchResult, error) {
	if !o.reg.Known(req.Model) {
		return SwitchResult{}, fmt.Errorf("%w: %q", session.ErrUnknownModel, req.Model)
	}
	release, err := o.locks.acquire(ctx, req.SessionID)
	if err != nil {
		return SwitchResult{}, err
	}
	defer release()

	active, ok := o.resolver.Active(req.SessionID)
	if !ok {
		return SwitchResult{}, fmt.Errorf("%w: %s", session.ErrSessionNotFound, req.SessionID)
	}
	if active.Model() == req.Model {
		return SwitchResult{InstanceID: active.ID(), PreviousModel: req.Model, NewModel: req.Model, AlreadyActive: true}, nil
	}

	maxMessages, maxTokens := active.History().Limits()
	target, _, err := o.reg.GetOrCreate(session.Spec{
		SessionID:   req.SessionID,
		Model:       req.Model,
		Temperature: req.Temperature,
		MaxMessages: maxMessages,
		MaxTokens:   maxTokens,
	})
	if err != nil {
		return SwitchResult{}, err
	}
	if req.TransferMemory {
		target.CopyMemoryFrom(active)
	} else {
		target.Touch()
	}
	o.log.Info("model switched", "session_id", req.SessionID, "from", active.Model(), "to", req.Model, "memory_transferred", req.TransferMemory)
	o.persistQuietly(ctx)

	return SwitchResult{
		InstanceID:        target.ID(),
		PreviousModel:     active.Model(),
		NewModel:          req.Model,
		MemoryTransferred: req.TransferMemory,
	}, nil
}

// TransferMemory copies the history of the session's fromModel instance into
// its toModel instance under the session lock. With clearSource set the
// source history is emptied afterwards.
func (o *Orchestrator) TransferMemory(ctx context.Context, sessionID, fromModel, toModel string, clearSource bool) error {
	release, err := o.locks.acquire(ctx, sessionID)
	if err != nil {
		return err
	}
	defer release()

	from, to := o.reg.InstanceID(sessionID, fromModel), o.reg.InstanceID(sessionID, toModel)
	if err := o.reg.TransferMemory(from, to, clearSource); err != nil {
		return err
	}
	o.persistQuietly(ctx)
	return nil
}

// History returns the messages and model of the active instance. A session
// without instances yields ok=false rather than an error.
func (o *Orchestrator) History(sessionID string) (msgs []history.Message, model string, ok bool) {
	active, ok := o.resolver.Active(sessionID)
	if !ok {
		return nil, "", false
	}
	return active.Messages(), active.Model(), true
}

// Instances returns the stats of every instance of the session and the id of
// the active one.
func (o *Orchestrator) Instances(sessionID string) ([]session.Stats, string) {
	var stats []session.Stats
	for _, inst := range o.resolver.Instances(sessionID) {
		stats = append(stats, inst.Stats())
	}
	activeID := ""
	if active, ok := o.resolver.Active(sessionID); ok {
		activeID = active.ID()
	}
	return stats, activeID
}

// Clear empties every instance of the session, keeping system messages, or
// deletes the instances when deleteInstances is set. It returns how many
// instances were affected.
func (o *Orchestrator) Clear(ctx context.Context, sessionID string, deleteInstances bool) (int, error) {
	release, err := o.locks.acquire(ctx, sessionID)
	if err != nil {
		return 0, err
	}
	defer release()

	instances := o.resolver.Instances(sessionID)
	for _, inst := range instances {
		if deleteInstances {
			o.reg.Delete(inst.ID())
		} else {
			inst.ClearHistory(true)
		}
	}
	if len(instances) > 0 {
		o.log.Info("session cleared", "session_id", sessionID, "instances", len(instances), "deleted", deleteInstances)
		o.persistQuietly(ctx)
	}
	return len(instances), nil
}

func (o *Orchestrator) persistQuietly(ctx context.Context) {
	if o.persist == nil {
		return
	}
	if err := o.persist.Persist(context.WithoutCancel(ctx)); err != nil {
		o.log.Warn("snapshot failed", "error", err)
	}
}
