package api

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/comigor/llmrelay/internal/history"
	"github.com/comigor/llmrelay/internal/orchestrator"
	"github.com/comigor/llmrelay/internal/session"
)

type modelInfo struct {
	Name        string `json:"model_name"`
	Description string `json:"description"`
	Provider    string `json:"provider"`
}

type modelsResponse struct {
	Models []modelInfo `json:"models"`
}

func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	resp := modelsResponse{Models: []modelInfo{}}
	for _, m := range s.chat.Registry().Catalog().Models() {
		resp.Models = append(resp.Models, modelInfo{Name: m.Name, Description: m.Description, Provider: m.Provider})
	}
	writeJSON(w, http.StatusOK, resp)
}

type chatRequest struct {
	UserMessage      string   `json:"user_message"`
	SessionID        string   `json:"session_id"`
	ModelName        string   `json:"model_name"`
	SystemPromptName string   `json:"system_prompt_name"`
	Temperature      *float64 `json:"temperature"`
	MaxMessages      int      `json:"max_messages"`
	MaxTokens        int      `json:"max_tokens"`
}

func (s *Server) chatRequest(r *http.Request) (orchestrator.Request, error) {
	var body chatRequest
	if err := decode(r, &body); err != nil {
		return orchestrator.Request{}, err
	}
	if body.SessionID == "" {
		return orchestrator.Request{}, &ValidationError{Field: "session_id", Reason: "is required"}
	}
	if body.ModelName == "" {
		body.ModelName = s.defaults.Model
	}
	if body.SystemPromptName == "" {
		body.SystemPromptName = s.defaults.SystemPrompt
	}
	return orchestrator.Request{
		SessionID:    body.SessionID,
		Model:        body.ModelName,
		Message:      body.UserMessage,
		SystemPrompt: body.SystemPromptName,
		Temperature:  body.Temperature,
		MaxMessages:  body.MaxMessages,
		MaxTokens:    body.MaxTokens,
	}, nil
}

// handleChatStream handles POST /api/llm/qa/chat.
func (s *Server) handleChatStream(w http.ResponseWriter, r *http.Request) {
	req, err := s.chatRequest(r)
	if err != nil {
		s.sendJSONError(w, r, err)
		return
	}
	s.stream(w, r, s.chat, req)
}

type chatResponse struct {
	ResponseMessage string `json:"response_message"`
	ModelName       string `json:"model_name"`
	Status          string `json:"status"`
	PreviousModel   string `json:"previous_model,omitempty"`
	ModelSwitched   bool   `json:"model_switched"`
	Error           string `json:"error,omitempty"`
}

// handleChatSync handles POST /api/llm/qa/chat/sync.
func (s *Server) handleChatSync(w http.ResponseWriter, r *http.Request) {
	req, err := s.chatRequest(r)
	if err != nil {
		s.sendJSONError(w, r, err)
		return
	}
	res, err := s.chat.Chat(r.Context(), req)
	if err != nil {
		status := statusFor(err)
		if status >= http.StatusInternalServerError {
			s.reqLog(r).Error("chat failed", "session_id", req.SessionID, "model", req.Model, "error", err)
		}
		writeJSON(w, status, chatResponse{
			ModelName:     req.Model,
			Status:        "error",
			PreviousModel: res.PreviousModel,
			ModelSwitched: res.Switched,
			Error:         err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, chatResponse{
		ResponseMessage: res.Reply,
		ModelName:       res.Model,
		Status:          "success",
		PreviousModel:   res.PreviousModel,
		ModelSwitched:   res.Switched,
	})
}

type switchRequest struct {
	SessionID      string   `json:"session_id"`
	NewModelName   string   `json:"new_model_name"`
	Temperature    *float64 `json:"temperature"`
	TransferMemory *bool    `json:"transfer_memory"`
}

type switchResponse struct {
	Status            string `json:"status"`
	Message           string `json:"message"`
	PreviousModel     string `json:"previous_model"`
	NewModel          string `json:"new_model"`
	MemoryTransferred bool   `json:"memory_transferred"`
}

// handleSwitchModel handles POST /api/llm/qa/switch-model.
func (s *Server) handleSwitchModel(w http.ResponseWriter, r *http.Request) {
	var body switchRequest
	if err := decode(r, &body); err != nil {
		s.sendJSONError(w, r, err)
		return
	}
	if body.SessionID == "" || body.NewModelName == "" {
		s.sendJSONError(w, r, &ValidationError{Reason: "session_id and new_model_name are required"})
		return
	}
	transfer := body.TransferMemory == nil || *body.TransferMemory

	res, err := s.chat.SwitchModel(r.Context(), orchestrator.SwitchRequest{
		SessionID:      body.SessionID,
		Model:          body.NewModelName,
		Temperature:    body.Temperature,
		TransferMemory: transfer,
	})
	if err != nil {
		s.sendJSONError(w, r, err)
		return
	}
	msg := fmt.Sprintf("switched from %s to %s", res.PreviousModel, res.NewModel)
	if res.AlreadyActive {
		msg = "already using the requested model"
	}
	writeJSON(w, http.StatusOK, switchResponse{
		Status:            "success",
		Message:           msg,
		PreviousModel:     res.PreviousModel,
		NewModel:          res.NewModel,
		MemoryTransferred: res.MemoryTransferred,
	})
}

type transferRequest struct {
	SessionID   string `json:"session_id"`
	FromModel   string `json:"from_model"`
	ToModel     string `json:"to_model"`
	ClearSource bool   `json:"clear_source"`
}

// handleTransferMemory handles POST /api/llm/qa/transfer-memory. Both
// instances must already exist.
func (s *Server) handleTransferMemory(w http.ResponseWriter, r *http.Request) {
	var body transferRequest
	if err := decode(r, &body); err != nil {
		s.sendJSONError(w, r, err)
		return
	}
	if body.SessionID == "" || body.FromModel == "" || body.ToModel == "" {
		s.sendJSONError(w, r, &ValidationError{Reason: "session_id, from_model and to_model are required"})
		return
	}
	if err := s.chat.TransferMemory(r.Context(), body.SessionID, body.FromModel, body.ToModel, body.ClearSource); err != nil {
		s.sendJSONError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, statusResponse{
		Status:  "success",
		Message: fmt.Sprintf("memory transferred from %s to %s", body.FromModel, body.ToModel),
	})
}

type instancesResponse struct {
	Status         string                   `json:"status"`
	SessionID      string                   `json:"session_id"`
	Instances      map[string]session.Stats `json:"instances"`
	ActiveInstance *string                  `json:"active_instance"`
	TotalInstances int                      `json:"total_instances"`
}

// handleInstances handles GET /api/llm/qa/session/{session_id}/instances.
func (s *Server) handleInstances(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("session_id")
	stats, activeID := s.chat.Instances(sessionID)

	resp := instancesResponse{
		Status:         "success",
		SessionID:      sessionID,
		Instances:      make(map[string]session.Stats, len(stats)),
		TotalInstances: len(stats),
	}
	for _, st := range stats {
		resp.Instances[st.InstanceID] = st
	}
	if activeID != "" {
		resp.ActiveInstance = &activeID
	}
	writeJSON(w, http.StatusOK, resp)
}

type historyMessage struct {
	Role    history.Role `json:"role"`
	Content string       `json:"content"`
}

type historyResponse struct {
	Status       string           `json:"status"`
	Messages     []historyMessage `json:"messages"`
	CurrentModel *string          `json:"current_model"`
}

// memoryGet returns the user and assistant turns of the active instance. A
// session without instances is an empty success.
func (s *Server) memoryGet(o *orchestrator.Orchestrator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp := historyResponse{Status: "success", Messages: []historyMessage{}}
		msgs, model, ok := o.History(r.PathValue("session_id"))
		if ok {
			resp.CurrentModel = &model
			for _, m := range msgs {
				if m.Role == history.RoleSystem {
					continue
				}
				resp.Messages = append(resp.Messages, historyMessage{Role: m.Role, Content: m.Content})
			}
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

type statusResponse struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

// memoryDelete clears every instance of the session, or deletes them with
// ?delete_instances=true.
func (s *Server) memoryDelete(o *orchestrator.Orchestrator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		deleteInstances := false
		if v := r.URL.Query().Get("delete_instances"); v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				s.sendJSONError(w, r, &ValidationError{Field: "delete_instances", Reason: "must be a boolean"})
				return
			}
			deleteInstances = b
		}
		n, err := o.Clear(r.Context(), r.PathValue("session_id"), deleteInstances)
		if err != nil {
			s.sendJSONError(w, r, err)
			return
		}
		verb := "cleared"
		if deleteInstances {
			verb = "deleted"
		}
		writeJSON(w, http.StatusOK, statusResponse{
			Status:  "success",
			Message: fmt.Sprintf("history %s for %d instance(s)", verb, n),
		})
	}
}

// handleChatHistory handles GET /api/llm/qa/chat-history.
func (s *Server) handleChatHistory(w http.ResponseWriter, r *http.Request) {
	snap, ok, err := s.snapshots.Latest(r.Context())
	if err != nil {
		s.sendJSONError(w, r, fmt.Errorf("read snapshot: %w", err))
		return
	}
	if !ok {
		writeJSON(w, http.StatusOK, map[string][]history.Message{})
		return
	}
	writeJSON(w, http.StatusOK, snap.Conversations())
}
