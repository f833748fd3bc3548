// Package api exposes the chat, agent and prompt operations over HTTP.
//
// Routes are mounted under /api/llm, /api/agent and /api/prompt. Streaming
// endpoints answer with server-sent events, one JSON object per event.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/comigor/llmrelay/internal/config"
	"github.com/comigor/llmrelay/internal/llm"
	"github.com/comigor/llmrelay/internal/logger"
	"github.com/comigor/llmrelay/internal/orchestrator"
	"github.com/comigor/llmrelay/internal/prompt"
	"github.com/comigor/llmrelay/internal/session"
	"github.com/comigor/llmrelay/internal/snapshot"
)

// ValidationError reports a malformed request body.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Reason
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

// SnapshotReader returns the most recent committed snapshot.
type SnapshotReader interface {
	Latest(ctx context.Context) (snapshot.Snapshot, bool, error)
}

// Options wires a Server. Agents, Prompts and Snapshots are optional; their
// routes are not mounted when nil.
type Options struct {
	Chat      *orchestrator.Orchestrator
	Agents    *orchestrator.Orchestrator
	Prompts   *prompt.Store
	Snapshots SnapshotReader
	Defaults  config.DefaultsConfig
	Logger    *slog.Logger
}

// Server holds the HTTP handlers.
type Server struct {
	chat      *orchestrator.Orchestrator
	agents    *orchestrator.Orchestrator
	prompts   *prompt.Store
	snapshots SnapshotReader
	defaults  config.DefaultsConfig
	log       *slog.Logger
}

// New creates a Server.
func New(opts Options) *Server {
	return &Server{
		chat:      opts.Chat,
		agents:    opts.Agents,
		prompts:   opts.Prompts,
		snapshots: opts.Snapshots,
		defaults:  opts.Defaults,
		log:       logger.Component(opts.Logger, "api"),
	}
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/llm/models", s.handleModels)
	mux.HandleFunc("POST /api/llm/qa/chat", s.handleChatStream)
	mux.HandleFunc("POST /api/llm/qa/chat/sync", s.handleChatSync)
	mux.HandleFunc("POST /api/llm/qa/switch-model", s.handleSwitchModel)
	mux.HandleFunc("POST /api/llm/qa/transfer-memory", s.handleTransferMemory)
	mux.HandleFunc("GET /api/llm/qa/session/{session_id}/instances", s.handleInstances)
	mux.HandleFunc("GET /api/llm/qa/memory/{session_id}", s.memoryGet(s.chat))
	mux.HandleFunc("DELETE /api/llm/qa/memory/{session_id}", s.memoryDelete(s.chat))
	if s.snapshots != nil {
		mux.HandleFunc("GET /api/llm/qa/chat-history", s.handleChatHistory)
	}

	if s.agents != nil {
		mux.HandleFunc("GET /api/agent/agents", s.handleAgents)
		mux.HandleFunc("POST /api/agent/agent/run", s.handleAgentRun)
		mux.HandleFunc("POST /api/agent/agent/stream", s.handleAgentStream)
		mux.HandleFunc("GET /api/agent/agent/memory/{session_id}", s.memoryGet(s.agents))
		mux.HandleFunc("DELETE /api/agent/agent/memory/{session_id}", s.memoryDelete(s.agents))
	}

	if s.prompts != nil {
		mux.HandleFunc("GET /api/prompt/prompts", s.handleListPrompts)
		mux.HandleFunc("POST /api/prompt/prompts", s.handleCreatePrompt)
		mux.HandleFunc("GET /api/prompt/prompts/{name}", s.handleGetPrompt)
		mux.HandleFunc("PUT /api/prompt/prompts/{name}", s.handleUpdatePrompt)
		mux.HandleFunc("DELETE /api/prompt/prompts/{name}", s.handleDeletePrompt)
	}

	return s.withRequestLog(mux)
}

type requestIDKey struct{}

// withRequestLog tags each request with an id and logs its outcome.
func (s *Server) withRequestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", id)
		start := time.Now()
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), requestIDKey{}, id)))
		s.log.Info("request", "request_id", id, "method", r.Method, "path", r.URL.Path, "duration", time.Since(start))
	})
}

func (s *Server) reqLog(r *http.Request) *slog.Logger {
	id, _ := r.Context().Value(requestIDKey{}).(string)
	return s.log.With("request_id", id)
}

// decode reads a JSON body into v.
func decode(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return &ValidationError{Reason: "invalid JSON body"}
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

type errorResponse struct {
	Status string `json:"status"`
	Error  string `json:"error"`
}

// sendJSONError writes err with the status its kind maps to.
func (s *Server) sendJSONError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.reqLog(r).Error("request failed", "path", r.URL.Path, "error", err)
	}
	writeJSON(w, status, errorResponse{Status: "error", Error: err.Error()})
}

func statusFor(err error) int {
	var ve *ValidationError
	var pe *llm.ProviderError
	switch {
	case errors.As(err, &ve),
		errors.Is(err, orchestrator.ErrInvalidRequest),
		errors.Is(err, session.ErrInvalidLimits),
		errors.Is(err, session.ErrUnknownModel):
		return http.StatusBadRequest
	case errors.Is(err, session.ErrSessionNotFound),
		errors.Is(err, session.ErrInstanceNotFound),
		errors.Is(err, prompt.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, session.ErrAlreadyExists),
		errors.Is(err, prompt.ErrExists),
		errors.Is(err, prompt.ErrProtected):
		return http.StatusConflict
	case errors.As(err, &pe):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
