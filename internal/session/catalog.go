package session

import (
	"sort"

	"github.com/comigor/llmrelay/internal/config"
)

// Model is one entry a registry may instantiate.
type Model struct {
	Name        string `json:"model_name"`
	Provider    string `json:"provider"`
	Description string `json:"description"`
	// Streaming selects the native streaming path; false selects chunked replay.
	Streaming bool     `json:"streaming"`
	Tools     []string `json:"tools,omitempty"`
}

// Catalog lists the models a registry accepts.
type Catalog interface {
	Lookup(name string) (Model, bool)
	Models() []Model
}

// StaticCatalog is a fixed catalog keyed by model name.
type StaticCatalog map[string]Model

func (c StaticCatalog) Lookup(name string) (Model, bool) {
	m, ok := c[name]
	return m, ok
}

// Models returns the entries sorted by name.
func (c StaticCatalog) Models() []Model {
	out := make([]Model, 0, len(c))
	for _, m := range c {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// ModelCatalog builds the chat model catalog from config.
func ModelCatalog(cfg *config.Config) StaticCatalog {
	c := make(StaticCatalog, len(cfg.Models))
	for _, m := range cfg.Models {
		c[m.Name] = Model{Name: m.Name, Provider: m.Provider, Description: m.Description, Streaming: m.StreamingEnabled()}
	}
	return c
}

// AgentCatalog builds the agent catalog from config. The agent executor
// chunks its own final answer, so every agent streams natively.
func AgentCatalog(cfg *config.Config) StaticCatalog {
	c := make(StaticCatalog, len(cfg.Agents))
	for _, a := range cfg.Agents {
		c[a.Name] = Model{Name: a.Name, Provider: a.Model, Description: a.Description, Tools: a.Tools, Streaming: true}
	}
	return c
}
