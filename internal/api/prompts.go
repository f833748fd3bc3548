package api

import (
	"fmt"
	"net/http"

	"github.com/comigor/llmrelay/internal/prompt"
)

type promptsResponse struct {
	Prompts []prompt.Prompt `json:"prompts"`
}

func (s *Server) handleListPrompts(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, promptsResponse{Prompts: s.prompts.List()})
}

func (s *Server) handleGetPrompt(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	p, ok := s.prompts.Get(name)
	if !ok {
		s.sendJSONError(w, r, fmt.Errorf("%w: %s", prompt.ErrNotFound, name))
		return
	}
	writeJSON(w, http.StatusOK, p)
}

type createPromptRequest struct {
	Name        string `json:"name"`
	Content     string `json:"content"`
	Description string `json:"description"`
}

func (s *Server) handleCreatePrompt(w http.ResponseWriter, r *http.Request) {
	var body createPromptRequest
	if err := decode(r, &body); err != nil {
		s.sendJSONError(w, r, err)
		return
	}
	if body.Name == "" || body.Content == "" {
		s.sendJSONError(w, r, &ValidationError{Reason: "name and content are required"})
		return
	}
	p, err := s.prompts.Create(body.Name, body.Content, body.Description)
	if err != nil {
		s.sendJSONError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

type updatePromptRequest struct {
	Content     *string `json:"content"`
	Description *string `json:"description"`
}

func (s *Server) handleUpdatePrompt(w http.ResponseWriter, r *http.Request) {
	var body updatePromptRequest
	if err := decode(r, &body); err != nil {
		s.sendJSONError(w, r, err)
		return
	}
	p, err := s.prompts.Update(r.PathValue("name"), body.Content, body.Description)
	if err != nil {
		s.sendJSONError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleDeletePrompt(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if err := s.prompts.Delete(name); err != nil {
		s.sendJSONError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, statusResponse{Status: "success", Message: fmt.Sprintf("prompt %s deleted", name)})
}
