package api

import (
	"net/http"

	"github.com/comigor/llmrelay/internal/agent"
	"github.com/comigor/llmrelay/internal/orchestrator"
)

type agentInfo struct {
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Tools       []string `json:"tools"`
}

type agentsResponse struct {
	Agents []agentInfo `json:"agents"`
}

func (s *Server) handleAgents(w http.ResponseWriter, r *http.Request) {
	resp := agentsResponse{Agents: []agentInfo{}}
	for _, m := range s.agents.Registry().Catalog().Models() {
		tools := m.Tools
		if tools == nil {
			tools = []string{}
		}
		resp.Agents = append(resp.Agents, agentInfo{Name: m.Name, Description: m.Description, Tools: tools})
	}
	writeJSON(w, http.StatusOK, resp)
}

type agentRunRequest struct {
	AgentName        string `json:"agent_name"`
	UserInput        string `json:"user_input"`
	SessionID        string `json:"session_id"`
	SystemPromptName string `json:"system_prompt_name"`
	MemoryWindow     *int   `json:"memory_window"`
}

// agentRequest maps an agent run onto a chat request. A memory window of k
// exchanges keeps 2k messages plus the system prompt.
func (s *Server) agentRequest(r *http.Request) (orchestrator.Request, error) {
	var body agentRunRequest
	if err := decode(r, &body); err != nil {
		return orchestrator.Request{}, err
	}
	if body.AgentName == "" {
		return orchestrator.Request{}, &ValidationError{Field: "agent_name", Reason: "is required"}
	}
	if body.SessionID == "" {
		return orchestrator.Request{}, &ValidationError{Field: "session_id", Reason: "is required"}
	}
	window := s.defaults.MemoryWindow
	if body.MemoryWindow != nil {
		window = *body.MemoryWindow
	}
	if window < 1 {
		return orchestrator.Request{}, &ValidationError{Field: "memory_window", Reason: "must be positive"}
	}
	if body.SystemPromptName == "" {
		body.SystemPromptName = s.defaults.SystemPrompt
	}
	return orchestrator.Request{
		SessionID:    body.SessionID,
		Model:        body.AgentName,
		Message:      body.UserInput,
		SystemPrompt: body.SystemPromptName,
		MaxMessages:  2*window + 1,
	}, nil
}

type agentRunResponse struct {
	Result            string       `json:"result"`
	IntermediateSteps []agent.Step `json:"intermediate_steps"`
	Status            string       `json:"status"`
	Error             string       `json:"error,omitempty"`
}

// handleAgentRun handles POST /api/agent/agent/run.
func (s *Server) handleAgentRun(w http.ResponseWriter, r *http.Request) {
	req, err := s.agentRequest(r)
	if err != nil {
		writeJSON(w, statusFor(err), agentRunResponse{IntermediateSteps: []agent.Step{}, Status: "error", Error: err.Error()})
		return
	}
	trace := &agent.Trace{}
	res, err := s.agents.Chat(agent.WithTrace(r.Context(), trace), req)

	steps := trace.Steps()
	if steps == nil {
		steps = []agent.Step{}
	}
	if err != nil {
		status := statusFor(err)
		if status >= http.StatusInternalServerError {
			s.reqLog(r).Error("agent run failed", "agent", req.Model, "session_id", req.SessionID, "error", err)
		}
		writeJSON(w, status, agentRunResponse{IntermediateSteps: steps, Status: "error", Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, agentRunResponse{Result: res.Reply, IntermediateSteps: steps, Status: "success"})
}

// handleAgentStream handles POST /api/agent/agent/stream.
func (s *Server) handleAgentStream(w http.ResponseWriter, r *http.Request) {
	req, err := s.agentRequest(r)
	if err != nil {
		s.sendJSONError(w, r, err)
		return
	}
	s.stream(w, r, s.agents, req)
}
