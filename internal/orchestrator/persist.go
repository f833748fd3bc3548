package orchestrator

import (
	"context"
	"log/slog"
	"sync"

	"github.com/comigor/llmrelay/internal/logger"
	"github.com/comigor/llmrelay/internal/session"
	"github.com/comigor/llmrelay/internal/snapshot"
)

// Persister stores the full set of live sessions.
type Persister interface {
	Persist(ctx context.Context) error
}

// Committer appends snapshots.
type Committer interface {
	Commit(ctx context.Context, entries []snapshot.Entry) (snapshot.Snapshot, error)
}

// Scope names a registry inside a snapshot.
type Scope struct {
	Name     string
	Registry *session.Registry
}

// SnapshotPersister writes every instance of every scope as one snapshot.
type SnapshotPersister struct {
	mu     sync.Mutex
	store  Committer
	scopes []Scope
}

// NewSnapshotPersister persists scopes to store.
func NewSnapshotPersister(store Committer, scopes ...Scope) *SnapshotPersister {
	return &SnapshotPersister{store: store, scopes: scopes}
}

// Persist commits one snapshot. Commits are serialized so snapshot order
// follows call order.
func (p *SnapshotPersister) Persist(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, err := p.store.Commit(ctx, Collect(p.scopes...))
	return err
}

// Collect converts every instance of scopes to snapshot entries.
func Collect(scopes ...Scope) []snapshot.Entry {
	var entries []snapshot.Entry
	for _, sc := range scopes {
		for _, inst := range sc.Registry.All() {
			maxMessages, maxTokens := inst.History().Limits()
			entries = append(entries, snapshot.Entry{
				InstanceID:  inst.ID(),
				Scope:       sc.Name,
				SessionID:   inst.SessionID(),
				Model:       inst.Model(),
				Temperature: inst.Temperature(),
				MaxMessages: maxMessages,
				MaxTokens:   maxTokens,
				CreatedAt:   inst.History().CreatedAt(),
				UpdatedAt:   inst.UpdatedAt(),
				Messages:    inst.Messages(),
			})
		}
	}
	return entries
}

// Restore recreates the instances of snap in the matching scopes. Entries
// whose scope or model is no longer configured, or whose messages carry an
// unknown role, are skipped.
func Restore(snap snapshot.Snapshot, log *slog.Logger, scopes ...Scope) int {
	log = logger.Component(log, "orchestrator")
	byName := make(map[string]*session.Registry, len(scopes))
	for _, sc := range scopes {
		byName[sc.Name] = sc.Registry
	}
	restored := 0
	for _, e := range snap.Entries {
		reg, ok := byName[e.Scope]
		if !ok {
			log.Warn("snapshot entry for unknown scope skipped", "instance_id", e.InstanceID, "scope", e.Scope)
			continue
		}
		temp := e.Temperature
		_, err := reg.Restore(session.Spec{
			ID:          e.InstanceID,
			SessionID:   e.SessionID,
			Model:       e.Model,
			Temperature: &temp,
			MaxMessages: e.MaxMessages,
			MaxTokens:   e.MaxTokens,
		}, e.Messages, e.CreatedAt, e.UpdatedAt)
		if err != nil {
			log.Warn("snapshot entry skipped", "instance_id", e.InstanceID, "error", err)
			continue
		}
		restored++
	}
	log.Info("sessions restored", "snapshot_id", snap.ID, "instances", restored)
	return restored
}
