package session

import (
	"context"
	"iter"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/comigor/llmrelay/internal/history"
	"github.com/comigor/llmrelay/internal/llm"
	"github.com/comigor/llmrelay/internal/prompt"
)

// StreamMode selects how ChatStream produces fragments.
type StreamMode int

const (
	// StreamNative forwards the provider's own stream.
	StreamNative StreamMode = iota
	// StreamChunked generates the full reply, then replays it in fixed-size chunks.
	StreamChunked
)

func (m StreamMode) String() string {
	if m == StreamChunked {
		return "chunked"
	}
	return "native"
}

// Instance binds one (session, model) pair to its own history.
type Instance struct {
	id          string
	sessionID   string
	model       string
	temperature float64
	mode        StreamMode
	chunkSize   int

	gateway   llm.Gateway
	prompts   prompt.Provider
	estimator history.TokenEstimator
	now       func() time.Time
	log       *slog.Logger

	mu        sync.RWMutex
	history   *history.History
	createdAt time.Time
	updatedAt time.Time
}

func (i *Instance) ID() string { return i.id }
func (i *Instance) SessionID() string { return i.sessionID }
func (i *Instance) Model() string { return i.model }
func (i *Instance) Temperature() float64 { return i.temperature }
func (i *Instance) Mode() StreamMode { return i.mode }

func (i *Instance) hist() *history.History {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.history
}

// History exposes the live history. Reads through it return copies.
func (i *Instance) History() *history.History { return i.hist() }

// Messages returns a copy of the conversation.
func (i *Instance) Messages() []history.Message { return i.hist().Messages() }

// UpdatedAt is the time of the last chat, copy or clear on this instance.
func (i *Instance) UpdatedAt() time.Time {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.updatedAt
}

// CreatedAt returns the instance creation time.
func (i *Instance) CreatedAt() time.Time {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.createdAt
}

// Touch marks the instance as just used.
func (i *Instance) Touch() {
	i.mu.Lock()
	i.updatedAt = i.now()
	i.mu.Unlock()
}

func (i *Instance) params() llm.Params {
	return llm.Params{Model: i.model, Temperature: i.temperature}
}

// prepare sets the system prompt, appends the user turn and returns the
// message list to send.
func (i *Instance) prepare(ctx context.Context, userMessage, promptName string) []history.Message {
	h := i.hist()
	if promptName != "" && i.prompts != nil {
		if content, ok := i.prompts.Content(ctx, promptName); ok {
			h.UpdateSystemMessage(content)
		}
	}
	h.AddUserMessage(userMessage)
	i.Touch()
	return h.Messages()
}

func (i *Instance) commit(reply string) {
	i.hist().AddAIMessage(reply)
	i.Touch()
}

// Chat runs one synchronous turn. On a provider error the user message stays
// in the history without a reply.
func (i *Instance) Chat(ctx context.Context, userMessage, promptName string) (string, error) {
	msgs := i.prepare(ctx, userMessage, promptName)
	reply, err := i.gateway.Invoke(ctx, i.params(), msgs)
	if err != nil {
		i.log.Error("chat failed", "error", err)
		return "", llm.Wrap("", i.model, err)
	}
	i.commit(reply)
	return reply, nil
}

// ChatStream runs one streamed turn. The assistant reply is appended only
// when the sequence is drained to the end; breaking out early or an error
// leaves just the user message.
func (i *Instance) ChatStream(ctx context.Context, userMessage, promptName string) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		msgs := i.prepare(ctx, userMessage, promptName)

		var reply strings.Builder
		fragments := i.fragments(ctx, msgs)
		for frag, err := range fragments {
			if err != nil {
				i.log.Error("chat stream failed", "error", err, "received", reply.Len())
				yield("", llm.Wrap("", i.model, err))
				return
			}
			reply.WriteString(frag)
			if !yield(frag, nil) {
				i.log.Info("chat stream abandoned by consumer; reply discarded", "received", reply.Len())
				return
			}
		}
		if err := ctx.Err(); err != nil {
			yield("", llm.Wrap("", i.model, err))
			return
		}
		i.commit(reply.String())
	}
}

func (i *Instance) fragments(ctx context.Context, msgs []history.Message) iter.Seq2[string, error] {
	if i.mode == StreamNative {
		return i.gateway.Stream(ctx, i.params(), msgs)
	}
	return func(yield func(string, error) bool) {
		reply, err := i.gateway.Invoke(ctx, i.params(), msgs)
		if err != nil {
			yield("", err)
			return
		}
		for _, chunk := range llm.ChunkText(reply, i.chunkSize) {
			if !yield(chunk, nil) {
				return
			}
		}
	}
}

// CopyMemoryFrom replaces this instance's history with a deep copy of src's,
// keeping the limits of this instance and the creation time of src.
func (i *Instance) CopyMemoryFrom(src *Instance) {
	if src == i {
		return
	}
	source := src.hist()
	msgs := source.Messages()
	created := source.CreatedAt()

	i.mu.Lock()
	defer i.mu.Unlock()
	maxMessages, maxTokens := i.history.Limits()
	fresh := history.New(i.id, history.Options{
		MaxMessages: maxMessages,
		MaxTokens:   maxTokens,
		Estimator:   i.estimator,
		Now:         i.now,
		Logger:      i.log,
	})
	fresh.Load(msgs, created)
	i.history = fresh
	i.updatedAt = i.now()
	i.log.Info("memory copied", "from", src.id, "messages", len(msgs))
}

// ClearHistory empties the history, optionally keeping the system message.
func (i *Instance) ClearHistory(keepSystem bool) {
	i.hist().Clear(keepSystem)
	i.Touch()
}

// restore loads persisted state without running cleanup.
func (i *Instance) restore(msgs []history.Message, createdAt, updatedAt time.Time) {
	i.hist().Load(msgs, createdAt)
	i.mu.Lock()
	if !createdAt.IsZero() {
		i.createdAt = createdAt
	}
	if !updatedAt.IsZero() {
		i.updatedAt = updatedAt
	}
	i.mu.Unlock()
}

// Stats is a read-only summary of an Instance.
type Stats struct {
	InstanceID      string               `json:"instance_id"`
	SessionID       string               `json:"session_id"`
	Model           string               `json:"model_name"`
	Temperature     float64              `json:"temperature"`
	StreamMode      string               `json:"stream_mode"`
	MaxMessages     int                  `json:"max_messages"`
	MaxTokens       int                  `json:"max_tokens"`
	TotalMessages   int                  `json:"total_messages"`
	MessageTypes    map[history.Role]int `json:"message_types"`
	EstimatedTokens int                  `json:"estimated_tokens"`
	CreatedAt       time.Time            `json:"created_at"`
	UpdatedAt       time.Time            `json:"updated_at"`
}

// Stats returns a snapshot of counts and timestamps.
func (i *Instance) Stats() Stats {
	h := i.hist()
	hs := h.Stats()
	maxMessages, maxTokens := h.Limits()
	return Stats{
		InstanceID:      i.id,
		SessionID:       i.sessionID,
		Model:           i.model,
		Temperature:     i.temperature,
		StreamMode:      i.mode.String(),
		MaxMessages:     maxMessages,
		MaxTokens:       maxTokens,
		TotalMessages:   hs.TotalMessages,
		MessageTypes:    hs.MessageTypes,
		EstimatedTokens: hs.EstimatedTokens,
		CreatedAt:       i.CreatedAt(),
		UpdatedAt:       i.UpdatedAt(),
	}
}
