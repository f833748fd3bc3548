// Package session tracks conversation instances keyed by (session, model),
// resolves which one is active for a session and moves memory between them.
package session

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/comigor/llmrelay/internal/history"
	"github.com/comigor/llmrelay/internal/llm"
	"github.com/comigor/llmrelay/internal/logger"
	"github.com/comigor/llmrelay/internal/prompt"
)

var (
	ErrUnknownModel     = errors.New("unknown model")
	ErrAlreadyExists    = errors.New("instance already exists")
	ErrSessionNotFound  = errors.New("session not found")
	ErrInstanceNotFound = errors.New("instance not found")
	ErrInvalidLimits    = errors.New("invalid history limits")
	ErrInvalidMessage   = errors.New("invalid message")
)

// Separators between session id and model name in instance ids.
const (
	ModelSeparator = "_"
	AgentSeparator = "-"
)

// Defaults fill the zero fields of a Spec.
type Defaults struct {
	Temperature float64
	MaxMessages int
	MaxTokens   int
	ChunkSize   int
}

// Options configures a Registry.
type Options struct {
	Catalog   Catalog
	Gateway   llm.Gateway
	Prompts   prompt.Provider
	Separator string
	Defaults  Defaults
	Estimator history.TokenEstimator
	Now       func() time.Time
	Logger    *slog.Logger
}

// Spec describes an instance to create. Zero fields take the registry defaults.
type Spec struct {
	// ID overrides the conventional "{session}{sep}{model}" id.
	ID          string
	SessionID   string
	Model       string
	Temperature *float64
	MaxMessages int
	MaxTokens   int
}

// Registry is the process-wide map of live instances. It never expires
// entries on its own.
type Registry struct {
	mu        sync.RWMutex
	instances map[string]*Instance

	catalog   Catalog
	gateway   llm.Gateway
	prompts   prompt.Provider
	sep       string
	defaults  Defaults
	estimator history.TokenEstimator
	now       func() time.Time
	log       *slog.Logger
}

// NewRegistry returns an empty registry.
func NewRegistry(opts Options) *Registry {
	if opts.Separator == "" {
		opts.Separator = ModelSeparator
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Estimator == nil {
		opts.Estimator = history.DefaultEstimator
	}
	if opts.Catalog == nil {
		opts.Catalog = StaticCatalog{}
	}
	return &Registry{
		instances: make(map[string]*Instance),
		catalog:   opts.Catalog,
		gateway:   opts.Gateway,
		prompts:   opts.Prompts,
		sep:       opts.Separator,
		defaults:  opts.Defaults,
		estimator: opts.Estimator,
		now:       opts.Now,
		log:       logger.Component(opts.Logger, "session"),
	}
}

// Catalog returns the models this registry accepts.
func (r *Registry) Catalog() Catalog { return r.catalog }

// Separator returns the session/model separator used in instance ids.
func (r *Registry) Separator() string { return r.sep }

// Defaults returns the values applied to zero Spec fields.
func (r *Registry) Defaults() Defaults { return r.defaults }

// InstanceID returns the conventional id for (sessionID, model).
func (r *Registry) InstanceID(sessionID, model string) string {
	return sessionID + r.sep + model
}

// Known reports whether model is in the catalog.
func (r *Registry) Known(model string) bool {
	_, ok := r.catalog.Lookup(model)
	return ok
}

// normalize checks spec against the catalog and fills defaults.
func (r *Registry) normalize(spec Spec) (Spec, Model, float64, error) {
	m, ok := r.catalog.Lookup(spec.Model)
	if !ok {
		return spec, Model{}, 0, fmt.Errorf("%w: %q", ErrUnknownModel, spec.Model)
	}
	if spec.MaxMessages < 0 || spec.MaxTokens < 0 {
		return spec, m, 0, fmt.Errorf("%w: max_messages=%d max_tokens=%d", ErrInvalidLimits, spec.MaxMessages, spec.MaxTokens)
	}
	if spec.MaxMessages == 0 {
		spec.MaxMessages = r.defaults.MaxMessages
	}
	if spec.MaxTokens == 0 {
		spec.MaxTokens = r.defaults.MaxTokens
	}
	if spec.MaxMessages < 1 || spec.MaxTokens < 1 {
		return spec, m, 0, fmt.Errorf("%w: max_messages=%d max_tokens=%d", ErrInvalidLimits, spec.MaxMessages, spec.MaxTokens)
	}
	if spec.ID == "" {
		spec.ID = r.InstanceID(spec.SessionID, spec.Model)
	}
	temp := r.defaults.Temperature
	if spec.Temperature != nil {
		temp = *spec.Temperature
	}
	return spec, m, temp, nil
}

func (r *Registry) build(spec Spec, m Model, temp float64) *Instance {
	now := r.now()
	mode := StreamNative
	if !m.Streaming {
		mode = StreamChunked
	}
	log := r.log.With("instance_id", spec.ID, "model", spec.Model)
	return &Instance{
		id:          spec.ID,
		sessionID:   spec.SessionID,
		model:       spec.Model,
		temperature: temp,
		mode:        mode,
		chunkSize:   r.defaults.ChunkSize,
		gateway:     r.gateway,
		prompts:     r.prompts,
		estimator:   r.estimator,
		now:         r.now,
		log:         log,
		history: history.New(spec.ID, history.Options{
			MaxMessages: spec.MaxMessages,
			MaxTokens:   spec.MaxTokens,
			Estimator:   r.estimator,
			Now:         r.now,
			Logger:      log,
		}),
		createdAt: now,
		updatedAt: now,
	}
}

// Create registers a new instance. It fails with ErrUnknownModel before
// touching the map, and with ErrAlreadyExists when the id is taken.
func (r *Registry) Create(spec Spec) (*Instance, error) {
	spec, m, temp, err := r.normalize(spec)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.instances[spec.ID]; ok {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyExists, spec.ID)
	}
	inst := r.build(spec, m, temp)
	r.instances[spec.ID] = inst
	r.log.Info("instance created", "instance_id", spec.ID, "session_id", spec.SessionID, "model", spec.Model, "stream_mode", inst.mode.String())
	return inst, nil
}

// GetOrCreate returns the instance for spec, creating it when absent. The
// check and the insert happen under one lock.
func (r *Registry) GetOrCreate(spec Spec) (*Instance, bool, error) {
	spec, m, temp, err := r.normalize(spec)
	if err != nil {
		return nil, false, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if inst, ok := r.instances[spec.ID]; ok {
		return inst, false, nil
	}
	inst := r.build(spec, m, temp)
	r.instances[spec.ID] = inst
	r.log.Info("instance created", "instance_id", spec.ID, "session_id", spec.SessionID, "model", spec.Model, "stream_mode", inst.mode.String())
	return inst, true, nil
}

// Restore registers an instance with persisted content and timestamps,
// replacing any instance with the same id.
func (r *Registry) Restore(spec Spec, msgs []history.Message, createdAt, updatedAt time.Time) (*Instance, error) {
	for i, msg := range msgs {
		if !msg.Role.Valid() {
			return nil, fmt.Errorf("%w: message %d has role %q", ErrInvalidMessage, i, msg.Role)
		}
	}
	spec, m, temp, err := r.normalize(spec)
	if err != nil {
		return nil, err
	}
	inst := r.build(spec, m, temp)
	inst.restore(msgs, createdAt, updatedAt)

	r.mu.Lock()
	r.instances[spec.ID] = inst
	r.mu.Unlock()
	return inst, nil
}

// Get returns the instance registered under id.
func (r *Registry) Get(id string) (*Instance, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	inst, ok := r.instances[id]
	return inst, ok
}

// Delete removes id and reports whether it was present. Instances of the
// same session under other models are left alone.
func (r *Registry) Delete(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.instances[id]; !ok {
		return false
	}
	delete(r.instances, id)
	r.log.Info("instance deleted", "instance_id", id)
	return true
}

// Len returns the number of live instances.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.instances)
}

// All returns every instance sorted by id.
func (r *Registry) All() []*Instance {
	r.mu.RLock()
	out := make([]*Instance, 0, len(r.instances))
	for _, inst := range r.instances {
		out = append(out, inst)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

// List returns the stats of every instance keyed by id.
func (r *Registry) List() map[string]Stats {
	all := r.All()
	out := make(map[string]Stats, len(all))
	for _, inst := range all {
		out[inst.id] = inst.Stats()
	}
	return out
}

// CopyMemory deep-copies the history of src into dst. It takes no session
// lock; callers must serialize it against chats on the same session, as
// Orchestrator.TransferMemory does.
func (r *Registry) CopyMemory(srcID, dstID string) error {
	src, ok := r.Get(srcID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrInstanceNotFound, srcID)
	}
	dst, ok := r.Get(dstID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrInstanceNotFound, dstID)
	}
	dst.CopyMemoryFrom(src)
	return nil
}

// TransferMemory copies src into dst and, when clearSource is set, empties
// the source history afterwards. The same locking rule as CopyMemory
// applies.
func (r *Registry) TransferMemory(srcID, dstID string, clearSource bool) error {
	if err := r.CopyMemory(srcID, dstID); err != nil {
		return err
	}
	if clearSource {
		src, _ := r.Get(srcID)
		src.ClearHistory(false)
	}
	r.log.Info("memory transferred", "from", srcID, "to", dstID, "clear_source", clearSource)
	return nil
}
