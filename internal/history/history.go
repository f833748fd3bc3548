// Package history holds the ordered message log of one conversation instance.
//
// A History keeps at most one system message, always at index 0, and enforces
// a message-count limit and an estimated token budget after every user or
// assistant append by evicting the oldest non-system messages.
package history

import (
	"log/slog"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/comigor/llmrelay/internal/logger"
)

// Options configures a History.
type Options struct {
	MaxMessages int
	MaxTokens   int
	Estimator   TokenEstimator
	Now         func() time.Time
	Logger      *slog.Logger
}

// History is safe for concurrent use.
type History struct {
	mu sync.RWMutex

	key         string
	maxMessages int
	maxTokens   int
	estimator   TokenEstimator
	now         func() time.Time
	log         *slog.Logger

	messages  []Message
	createdAt time.Time
	updatedAt time.Time
}

// New creates an empty history identified by key.
func New(key string, opts Options) *History {
	if opts.Estimator == nil {
		opts.Estimator = DefaultEstimator
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = logger.L
	}
	now := opts.Now()
	h := &History{
		key:         key,
		maxMessages: opts.MaxMessages,
		maxTokens:   opts.MaxTokens,
		estimator:   opts.Estimator,
		now:         opts.Now,
		log:         opts.Logger.With("session_key", key),
		createdAt:   now,
		updatedAt:   now,
	}
	h.log.Debug("conversation history created", "max_messages", opts.MaxMessages, "max_tokens", opts.MaxTokens)
	return h
}

// Key returns the session key the history was created with.
func (h *History) Key() string { return h.key }

// Limits returns the configured message and token limits.
func (h *History) Limits() (maxMessages, maxTokens int) {
	return h.maxMessages, h.maxTokens
}

// AddUserMessage appends a user message and enforces the limits.
func (h *History) AddUserMessage(content string) {
	h.append(Message{Role: RoleUser, Content: content})
}

// AddAIMessage appends an assistant message and enforces the limits.
func (h *History) AddAIMessage(content string) {
	h.append(Message{Role: RoleAssistant, Content: content})
}

func (h *History) append(m Message) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.messages = append(h.messages, m)
	h.updatedAt = h.now()
	h.cleanupLocked()
}

// UpdateSystemMessage replaces the system message in place, or inserts one at
// index 0. It does not run cleanup.
func (h *History) UpdateSystemMessage(content string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for i := range h.messages {
		if h.messages[i].Role == RoleSystem {
			h.messages[i] = Message{Role: RoleSystem, Content: content}
			return
		}
	}
	h.messages = append([]Message{{Role: RoleSystem, Content: content}}, h.messages...)
}

// Messages returns a copy of the full ordered sequence.
func (h *History) Messages() []Message {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return CloneAll(h.messages)
}

// MessagesWithoutSystem returns a copy of the sequence without the system message.
func (h *History) MessagesWithoutSystem() []Message {
	h.mu.RLock()
	defer h.mu.RUnlock()

	out := make([]Message, 0, len(h.messages))
	for _, m := range h.messages {
		if m.Role != RoleSystem {
			out = append(out, m.Clone())
		}
	}
	return out
}

// Len returns the number of stored messages.
func (h *History) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.messages)
}

// Clear resets the history to empty, or to only the system message when keepSystem is set.
func (h *History) Clear(keepSystem bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	var kept []Message
	if keepSystem {
		for _, m := range h.messages {
			if m.Role == RoleSystem {
				kept = append(kept, m)
			}
		}
	}
	h.messages = kept
	h.updatedAt = h.now()
	h.log.Info("conversation history cleared", "keep_system", keepSystem)
}

// Load replaces the content with deep copies of msgs, keeps createdAt from the
// source and stamps updatedAt with the current time. Limits are not enforced
// until the next append.
func (h *History) Load(msgs []Message, createdAt time.Time) {
	copied := CloneAll(msgs)

	h.mu.Lock()
	defer h.mu.Unlock()
	h.messages = copied
	if !createdAt.IsZero() {
		h.createdAt = createdAt
	}
	h.updatedAt = h.now()
}

// CreatedAt returns the creation time.
func (h *History) CreatedAt() time.Time {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.createdAt
}

// UpdatedAt returns the time of the last mutation.
func (h *History) UpdatedAt() time.Time {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.updatedAt
}

// EstimatedTokens returns the estimator's figure for the current content.
func (h *History) EstimatedTokens() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.estimator.EstimateTokens(h.messages)
}

// cleanupLocked trims by count first, then by estimated tokens. The last
// remaining message is never evicted.
func (h *History) cleanupLocked() {
	if h.maxMessages > 0 && len(h.messages) > h.maxMessages {
		var system, others []Message
		for _, m := range h.messages {
			if m.Role == RoleSystem {
				system = append(system, m)
			} else {
				others = append(others, m)
			}
		}
		keep := max(h.maxMessages-len(system), 0)
		if keep < len(others) {
			others = others[len(others)-keep:]
		}
		h.messages = append(system, others...)
		h.log.Info("history trimmed by message count", "kept", len(h.messages))
	}

	if h.maxTokens <= 0 {
		return
	}
	estimated := h.estimator.EstimateTokens(h.messages)
	if estimated <= h.maxTokens {
		return
	}
	for estimated > h.maxTokens && len(h.messages) > 1 {
		idx := -1
		for i, m := range h.messages {
			if m.Role != RoleSystem {
				idx = i
				break
			}
		}
		if idx < 0 {
			break
		}
		h.messages = append(h.messages[:idx], h.messages[idx+1:]...)
		estimated = h.estimator.EstimateTokens(h.messages)
	}
	h.log.Info("history trimmed by token budget", "estimated_tokens", estimated, "kept", len(h.messages))
}

// Stats is a read-only summary of a History.
type Stats struct {
	SessionKey      string       `json:"session_key"`
	TotalMessages   int          `json:"total_messages"`
	MessageTypes    map[Role]int `json:"message_types"`
	TotalCharacters int          `json:"total_characters"`
	EstimatedTokens int          `json:"estimated_tokens"`
	CreatedAt       time.Time    `json:"created_at"`
	UpdatedAt       time.Time    `json:"updated_at"`
}

// Stats returns a snapshot of counts and timestamps.
func (h *History) Stats() Stats {
	h.mu.RLock()
	defer h.mu.RUnlock()

	types := make(map[Role]int)
	chars := 0
	for _, m := range h.messages {
		types[m.Role]++
		chars += utf8.RuneCountInString(m.Content)
	}
	return Stats{
		SessionKey:      h.key,
		TotalMessages:   len(h.messages),
		MessageTypes:    types,
		TotalCharacters: chars,
		EstimatedTokens: h.estimator.EstimateTokens(h.messages),
		CreatedAt:       h.createdAt,
		UpdatedAt:       h.updatedAt,
	}
}
