package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"iter"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/comigor/llmrelay/internal/config"
	"github.com/comigor/llmrelay/internal/history"
	"github.com/comigor/llmrelay/internal/llm"
	"github.com/comigor/llmrelay/internal/orchestrator"
	"github.com/comigor/llmrelay/internal/prompt"
	"github.com/comigor/llmrelay/internal/session"
	"github.com/comigor/llmrelay/internal/snapshot"
)

type stubGateway struct {
	fragments []string
	err       error
}

func (g *stubGateway) Invoke(_ context.Context, _ llm.Params, _ []history.Message) (string, error) {
	if g.err != nil {
		return "", g.err
	}
	return strings.Join(g.fragments, ""), nil
}

func (g *stubGateway) Stream(_ context.Context, _ llm.Params, _ []history.Message) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		if g.err != nil {
			yield("", g.err)
			return
		}
		for _, f := range g.fragments {
			if !yield(f, nil) {
				return
			}
		}
	}
}

type testEnv struct {
	handler http.Handler
	chat    *session.Registry
	agents  *session.Registry
	gw      *stubGateway
	store   *snapshot.Store
}

var defaults = config.DefaultsConfig{
	Model:        "modelA",
	Temperature:  0.7,
	MaxMessages:  50,
	MaxTokens:    4000,
	SystemPrompt: "default",
	MemoryWindow: 10,
	ChunkSize:    15,
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	prompts, err := prompt.NewStore(prompt.StoreOptions{UserName: "tester"})
	require.NoError(t, err)

	gw := &stubGateway{fragments: []string{"Hel", "lo"}}
	sd := session.Defaults{Temperature: 0.7, MaxMessages: 50, MaxTokens: 4000, ChunkSize: 15}
	chat := session.NewRegistry(session.Options{
		Catalog: session.StaticCatalog{
			"modelA": {Name: "modelA", Provider: "p1", Description: "first", Streaming: true},
			"modelB": {Name: "modelB", Provider: "p2", Description: "second", Streaming: true},
		},
		Gateway:  gw,
		Prompts:  prompts,
		Defaults: sd,
	})
	agents := session.NewRegistry(session.Options{
		Catalog: session.StaticCatalog{
			"helper": {Name: "helper", Provider: "modelA", Description: "does things", Tools: []string{"lookup"}},
		},
		Gateway:   gw,
		Prompts:   prompts,
		Separator: session.AgentSeparator,
		Defaults:  sd,
	})
	store := snapshot.NewStore("", nil)
	persist := orchestrator.NewSnapshotPersister(store,
		orchestrator.Scope{Name: "llm", Registry: chat},
		orchestrator.Scope{Name: "agent", Registry: agents},
	)

	srv := New(Options{
		Chat:      orchestrator.New(chat, orchestrator.WithPersister(persist)),
		Agents:    orchestrator.New(agents, orchestrator.WithPersister(persist)),
		Prompts:   prompts,
		Snapshots: store,
		Defaults:  defaults,
	})
	return &testEnv{handler: srv.Handler(), chat: chat, agents: agents, gw: gw, store: store}
}

func (e *testEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&v), rec.Body.String())
	return v
}

func readEvents(t *testing.T, rec *httptest.ResponseRecorder) []orchestrator.Event {
	t.Helper()
	var events []orchestrator.Event
	sc := bufio.NewScanner(rec.Body)
	for sc.Scan() {
		line := sc.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var e orchestrator.Event
		require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &e))
		events = append(events, e)
	}
	return events
}

func eventTypes(events []orchestrator.Event) []orchestrator.EventType {
	out := make([]orchestrator.EventType, len(events))
	for i, e := range events {
		out[i] = e.Type
	}
	return out
}

func TestModels(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, http.MethodGet, "/api/llm/models", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	resp := decodeBody[modelsResponse](t, rec)
	assert.Equal(t, []modelInfo{
		{Name: "modelA", Description: "first", Provider: "p1"},
		{Name: "modelB", Description: "second", Provider: "p2"},
	}, resp.Models)
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}

func TestChatStream_EventsAndHeaders(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, http.MethodPost, "/api/llm/qa/chat", map[string]any{
		"session_id": "s1", "model_name": "modelA", "user_message": "hi",
	})

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/event-stream; charset=utf-8", rec.Header().Get("Content-Type"))
	assert.Equal(t, "no-cache", rec.Header().Get("Cache-Control"))

	events := readEvents(t, rec)
	assert.Equal(t, []orchestrator.EventType{
		orchestrator.EventStart, orchestrator.EventContent, orchestrator.EventContent, orchestrator.EventEnd,
	}, eventTypes(events))
	assert.Equal(t, "Hel", events[1].Content)
}

func TestChatStream_ModelSwitchEvent(t *testing.T) {
	env := newTestEnv(t)
	env.do(t, http.MethodPost, "/api/llm/qa/chat", map[string]any{"session_id": "s1", "model_name": "modelA", "user_message": "a"})

	rec := env.do(t, http.MethodPost, "/api/llm/qa/chat", map[string]any{"session_id": "s1", "model_name": "modelB", "user_message": "b"})
	events := readEvents(t, rec)
	require.NotEmpty(t, events)
	assert.Equal(t, orchestrator.Event{Type: orchestrator.EventModelSwitch, From: "modelA", To: "modelB"}, events[0])
}

func TestChatStream_UnknownModelIsJSONError(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, http.MethodPost, "/api/llm/qa/chat", map[string]any{
		"session_id": "s1", "model_name": "unknown-model", "user_message": "hi",
	})

	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	resp := decodeBody[errorResponse](t, rec)
	assert.Equal(t, "error", resp.Status)
	assert.Contains(t, resp.Error, "unknown-model")
	assert.Zero(t, env.chat.Len())
}

func TestChatStream_ProviderErrorInBand(t *testing.T) {
	env := newTestEnv(t)
	env.gw.err = errors.New("upstream exploded")

	rec := env.do(t, http.MethodPost, "/api/llm/qa/chat", map[string]any{"session_id": "s1", "user_message": "hi"})
	require.Equal(t, http.StatusOK, rec.Code)
	events := readEvents(t, rec)
	assert.Equal(t, []orchestrator.EventType{orchestrator.EventStart, orchestrator.EventError}, eventTypes(events))
	assert.Contains(t, events[1].Error, "upstream exploded")
}

func TestChatRequest_Validation(t *testing.T) {
	env := newTestEnv(t)

	req := httptest.NewRequest(http.MethodPost, "/api/llm/qa/chat", strings.NewReader("{not json"))
	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodPost, "/api/llm/qa/chat/sync", map[string]any{"user_message": "hi"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, decodeBody[errorResponse](t, rec).Error, "session_id")

	rec = env.do(t, http.MethodPost, "/api/llm/qa/chat/sync", map[string]any{"session_id": "s1", "max_tokens": -1})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestChatSync(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, http.MethodPost, "/api/llm/qa/chat/sync", map[string]any{"session_id": "s1", "user_message": "hi"})
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decodeBody[chatResponse](t, rec)
	assert.Equal(t, chatResponse{ResponseMessage: "Hello", ModelName: "modelA", Status: "success"}, resp)

	rec = env.do(t, http.MethodPost, "/api/llm/qa/chat/sync", map[string]any{"session_id": "s1", "model_name": "modelB", "user_message": "again"})
	resp = decodeBody[chatResponse](t, rec)
	assert.True(t, resp.ModelSwitched)
	assert.Equal(t, "modelA", resp.PreviousModel)
}

func TestChatSync_ProviderError(t *testing.T) {
	env := newTestEnv(t)
	env.gw.err = errors.New("quota")

	rec := env.do(t, http.MethodPost, "/api/llm/qa/chat/sync", map[string]any{"session_id": "s1", "user_message": "hi"})
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	resp := decodeBody[chatResponse](t, rec)
	assert.Equal(t, "error", resp.Status)
	assert.Contains(t, resp.Error, "quota")

	inst, ok := env.chat.Get("s1_modelA")
	require.True(t, ok)
	assert.Equal(t, "hi", inst.Messages()[inst.History().Len()-1].Content)
}

func TestSwitchModel(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/api/llm/qa/switch-model", map[string]any{"session_id": "s1", "new_model_name": "modelB"})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	env.do(t, http.MethodPost, "/api/llm/qa/chat/sync", map[string]any{"session_id": "s1", "user_message": "hi"})

	rec = env.do(t, http.MethodPost, "/api/llm/qa/switch-model", map[string]any{"session_id": "s1", "new_model_name": "modelA"})
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decodeBody[switchResponse](t, rec)
	assert.False(t, resp.MemoryTransferred)
	assert.Equal(t, "already using the requested model", resp.Message)

	rec = env.do(t, http.MethodPost, "/api/llm/qa/switch-model", map[string]any{"session_id": "s1", "new_model_name": "modelB"})
	require.Equal(t, http.StatusOK, rec.Code)
	resp = decodeBody[switchResponse](t, rec)
	assert.True(t, resp.MemoryTransferred)
	assert.Equal(t, "modelA", resp.PreviousModel)
	assert.Equal(t, "modelB", resp.NewModel)

	rec = env.do(t, http.MethodPost, "/api/llm/qa/switch-model", map[string]any{"session_id": "s1", "new_model_name": "ghost"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestTransferMemory(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/api/llm/qa/transfer-memory", map[string]any{"session_id": "s1", "from_model": "modelA"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodPost, "/api/llm/qa/transfer-memory", map[string]any{"session_id": "s1", "from_model": "modelA", "to_model": "modelB"})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	env.do(t, http.MethodPost, "/api/llm/qa/chat/sync", map[string]any{"session_id": "s1", "user_message": "hi"})
	env.do(t, http.MethodPost, "/api/llm/qa/chat/sync", map[string]any{"session_id": "s1", "model_name": "modelB", "user_message": "yo"})

	rec = env.do(t, http.MethodPost, "/api/llm/qa/transfer-memory", map[string]any{
		"session_id": "s1", "from_model": "modelA", "to_model": "modelB", "clear_source": true,
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "success", decodeBody[statusResponse](t, rec).Status)

	a, _ := env.chat.Get("s1_modelA")
	b, _ := env.chat.Get("s1_modelB")
	assert.Empty(t, a.Messages())
	assert.Contains(t, b.Messages(), history.Message{Role: history.RoleUser, Content: "hi"})
	assert.NotContains(t, b.Messages(), history.Message{Role: history.RoleUser, Content: "yo"})
}

func TestMemoryAndInstances(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/api/llm/qa/memory/nobody", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	empty := decodeBody[historyResponse](t, rec)
	assert.Empty(t, empty.Messages)
	assert.Nil(t, empty.CurrentModel)

	env.do(t, http.MethodPost, "/api/llm/qa/chat/sync", map[string]any{"session_id": "s1", "user_message": "hi"})
	env.do(t, http.MethodPost, "/api/llm/qa/chat/sync", map[string]any{"session_id": "s1", "model_name": "modelB", "user_message": "yo"})

	rec = env.do(t, http.MethodGet, "/api/llm/qa/memory/s1", nil)
	hist := decodeBody[historyResponse](t, rec)
	require.NotNil(t, hist.CurrentModel)
	assert.Equal(t, "modelB", *hist.CurrentModel)
	assert.Equal(t, []historyMessage{
		{Role: history.RoleUser, Content: "hi"},
		{Role: history.RoleAssistant, Content: "Hello"},
		{Role: history.RoleUser, Content: "yo"},
		{Role: history.RoleAssistant, Content: "Hello"},
	}, hist.Messages, "system prompt is not exposed")

	rec = env.do(t, http.MethodGet, "/api/llm/qa/session/s1/instances", nil)
	inst := decodeBody[instancesResponse](t, rec)
	assert.Equal(t, 2, inst.TotalInstances)
	require.NotNil(t, inst.ActiveInstance)
	assert.Equal(t, "s1_modelB", *inst.ActiveInstance)
	assert.Contains(t, inst.Instances, "s1_modelA")

	rec = env.do(t, http.MethodDelete, "/api/llm/qa/memory/s1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 2, env.chat.Len())
	hist = decodeBody[historyResponse](t, env.do(t, http.MethodGet, "/api/llm/qa/memory/s1", nil))
	assert.Empty(t, hist.Messages)

	rec = env.do(t, http.MethodDelete, "/api/llm/qa/memory/s1?delete_instances=true", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Zero(t, env.chat.Len())

	rec = env.do(t, http.MethodDelete, "/api/llm/qa/memory/s1?delete_instances=maybe", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestChatHistory(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, http.MethodGet, "/api/llm/qa/chat-history", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{}`, rec.Body.String())

	env.do(t, http.MethodPost, "/api/llm/qa/chat/sync", map[string]any{"session_id": "s1", "user_message": "hi"})

	rec = env.do(t, http.MethodGet, "/api/llm/qa/chat-history", nil)
	convs := decodeBody[map[string][]history.Message](t, rec)
	require.Contains(t, convs, "s1_modelA")
	assert.Len(t, convs["s1_modelA"], 3)
}

func TestAgents(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/api/agent/agents", nil)
	resp := decodeBody[agentsResponse](t, rec)
	assert.Equal(t, []agentInfo{{Name: "helper", Description: "does things", Tools: []string{"lookup"}}}, resp.Agents)

	rec = env.do(t, http.MethodPost, "/api/agent/agent/run", map[string]any{
		"agent_name": "helper", "user_input": "do it", "session_id": "s1", "memory_window": 2,
	})
	require.Equal(t, http.StatusOK, rec.Code)
	run := decodeBody[agentRunResponse](t, rec)
	assert.Equal(t, "success", run.Status)
	assert.Equal(t, "Hello", run.Result)
	assert.NotNil(t, run.IntermediateSteps)

	inst, ok := env.agents.Get("s1-helper")
	require.True(t, ok)
	maxMessages, _ := inst.History().Limits()
	assert.Equal(t, 5, maxMessages)
	assert.Zero(t, env.chat.Len(), "agent sessions live in their own registry")

	rec = env.do(t, http.MethodPost, "/api/agent/agent/run", map[string]any{"agent_name": "nobody", "session_id": "s1"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "error", decodeBody[agentRunResponse](t, rec).Status)

	rec = env.do(t, http.MethodPost, "/api/agent/agent/run", map[string]any{"agent_name": "helper", "session_id": "s1", "memory_window": 0})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAgentStreamAndMemory(t *testing.T) {
	env := newTestEnv(t)
	env.gw.fragments = []string{strings.Repeat("x", 40)}

	rec := env.do(t, http.MethodPost, "/api/agent/agent/stream", map[string]any{
		"agent_name": "helper", "user_input": "go", "session_id": "s1",
	})
	events := readEvents(t, rec)
	// agents replay the final answer in chunks of 15 runes
	assert.Equal(t, []orchestrator.EventType{
		orchestrator.EventStart, orchestrator.EventContent, orchestrator.EventContent, orchestrator.EventContent, orchestrator.EventEnd,
	}, eventTypes(events))

	hist := decodeBody[historyResponse](t, env.do(t, http.MethodGet, "/api/agent/agent/memory/s1", nil))
	require.Len(t, hist.Messages, 2)
	assert.Equal(t, strings.Repeat("x", 40), hist.Messages[1].Content)

	rec = env.do(t, http.MethodDelete, "/api/agent/agent/memory/s1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestPrompts(t *testing.T) {
	env := newTestEnv(t)

	resp := decodeBody[promptsResponse](t, env.do(t, http.MethodGet, "/api/prompt/prompts", nil))
	require.Len(t, resp.Prompts, 3)
	assert.Equal(t, "analytical", resp.Prompts[0].Name)

	rec := env.do(t, http.MethodPost, "/api/prompt/prompts", map[string]any{"name": "terse", "content": "Be brief, {user_name}."})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = env.do(t, http.MethodPost, "/api/prompt/prompts", map[string]any{"name": "terse", "content": "again"})
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = env.do(t, http.MethodPut, "/api/prompt/prompts/terse", map[string]any{"description": "short answers"})
	require.Equal(t, http.StatusOK, rec.Code)
	p := decodeBody[prompt.Prompt](t, rec)
	assert.Equal(t, "Be brief, {user_name}.", p.Content)
	assert.Equal(t, "short answers", p.Description)

	rec = env.do(t, http.MethodGet, "/api/prompt/prompts/missing", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = env.do(t, http.MethodDelete, "/api/prompt/prompts/default", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = env.do(t, http.MethodDelete, "/api/prompt/prompts/terse", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{&ValidationError{Reason: "bad"}, http.StatusBadRequest},
		{session.ErrUnknownModel, http.StatusBadRequest},
		{session.ErrSessionNotFound, http.StatusNotFound},
		{prompt.ErrExists, http.StatusConflict},
		{&llm.ProviderError{Err: errors.New("x")}, http.StatusBadGateway},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, statusFor(tt.err), tt.err.Error())
	}
}
