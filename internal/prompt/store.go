package prompt

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/comigor/llmrelay/internal/logger"
)

var (
	ErrNotFound  = errors.New("prompt not found")
	ErrExists    = errors.New("prompt already exists")
	ErrProtected = errors.New("the default prompt cannot be deleted")
)

// DefaultName is the prompt used when a request names none.
const DefaultName = "default"

// Prompt is one named system prompt template.
type Prompt struct {
	Name        string    `yaml:"name" json:"name"`
	Content     string    `yaml:"content" json:"content"`
	Description string    `yaml:"description,omitempty" json:"description"`
	Active      bool      `yaml:"active" json:"is_active"`
	CreatedAt   time.Time `yaml:"created_at" json:"created_at"`
	UpdatedAt   time.Time `yaml:"updated_at" json:"updated_at"`
}

// StoreOptions configures a Store.
type StoreOptions struct {
	// Path of the YAML file holding custom prompts. Empty keeps everything in memory.
	Path     string
	UserName string
	Now      func() time.Time
	Logger   *slog.Logger
}

// Store keeps builtin and file-backed prompts. Templates may reference
// {current_time} and {user_name}.
type Store struct {
	mu       sync.RWMutex
	prompts  map[string]Prompt
	path     string
	userName string
	now      func() time.Time
	log      *slog.Logger
}

// NewStore loads the builtin prompts, then overlays the file at opts.Path.
// A missing file is created from the builtins.
func NewStore(opts StoreOptions) (*Store, error) {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	s := &Store{
		prompts:  make(map[string]Prompt),
		path:     opts.Path,
		userName: opts.UserName,
		now:      opts.Now,
		log:      logger.Component(opts.Logger, "prompt"),
	}
	now := s.now()
	for _, p := range builtins {
		p.CreatedAt, p.UpdatedAt, p.Active = now, now, true
		s.prompts[p.Name] = p
	}

	if s.path == "" {
		return s, nil
	}
	if err := s.load(); err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return nil, err
		}
		s.log.Info("prompt file missing, writing builtins", "path", s.path)
		if err := save(s.path, s.prompts); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// fileEntry mirrors Prompt with an optional active flag; entries that leave
// it out are active.
type fileEntry struct {
	Content     string    `yaml:"content"`
	Description string    `yaml:"description,omitempty"`
	Active      *bool     `yaml:"active"`
	CreatedAt   time.Time `yaml:"created_at"`
	UpdatedAt   time.Time `yaml:"updated_at"`
}

func (s *Store) load() error {
	raw, err := os.ReadFile(s.path)
	if err != nil {
		return err
	}
	var file map[string]fileEntry
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return fmt.Errorf("parse %s: %w", s.path, err)
	}
	now := s.now()
	for name, e := range file {
		p := Prompt{
			Name:        name,
			Content:     e.Content,
			Description: e.Description,
			Active:      e.Active == nil || *e.Active,
			CreatedAt:   e.CreatedAt,
			UpdatedAt:   e.UpdatedAt,
		}
		if p.CreatedAt.IsZero() {
			p.CreatedAt = now
		}
		if p.UpdatedAt.IsZero() {
			p.UpdatedAt = p.CreatedAt
		}
		s.prompts[name] = p
	}
	s.log.Info("prompts loaded", "path", s.path, "count", len(file))
	return nil
}

// save writes prompts to the file. Mutations write a modified copy and only
// swap it in once the file is written, so a failed save leaves the store as
// it was.
func save(path string, prompts map[string]Prompt) error {
	if path == "" {
		return nil
	}
	raw, err := yaml.Marshal(prompts)
	if err != nil {
		return err
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	return os.WriteFile(path, raw, 0o644)
}

// Content renders the named prompt. Inactive prompts are treated as missing.
func (s *Store) Content(_ context.Context, name string) (string, bool) {
	s.mu.RLock()
	p, ok := s.prompts[name]
	s.mu.RUnlock()
	if !ok || !p.Active {
		return "", false
	}
	return s.render(p.Content), true
}

func (s *Store) render(content string) string {
	return strings.NewReplacer(
		"{current_time}", s.now().UTC().Format("2006-01-02 15:04:05 UTC"),
		"{user_name}", s.userName,
	).Replace(content)
}

// Get returns the raw template.
func (s *Store) Get(name string) (Prompt, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.prompts[name]
	return p, ok
}

// List returns all prompts sorted by name.
func (s *Store) List() []Prompt {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Prompt, 0, len(s.prompts))
	for _, p := range s.prompts {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Create adds a new prompt and persists the file.
func (s *Store) Create(name, content, description string) (Prompt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.prompts[name]; ok {
		return Prompt{}, fmt.Errorf("%w: %s", ErrExists, name)
	}
	now := s.now()
	p := Prompt{Name: name, Content: content, Description: description, Active: true, CreatedAt: now, UpdatedAt: now}
	next := maps.Clone(s.prompts)
	next[name] = p
	if err := save(s.path, next); err != nil {
		return Prompt{}, err
	}
	s.prompts = next
	s.log.Info("prompt created", "prompt", name)
	return p, nil
}

// Update changes the content and/or description of an existing prompt.
func (s *Store) Update(name string, content, description *string) (Prompt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.prompts[name]
	if !ok {
		return Prompt{}, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	if content != nil {
		p.Content = *content
	}
	if description != nil {
		p.Description = *description
	}
	p.UpdatedAt = s.now()
	next := maps.Clone(s.prompts)
	next[name] = p
	if err := save(s.path, next); err != nil {
		return Prompt{}, err
	}
	s.prompts = next
	s.log.Info("prompt updated", "prompt", name)
	return p, nil
}

// Delete removes a prompt. The default prompt is protected.
func (s *Store) Delete(name string) error {
	if name == DefaultName {
		return ErrProtected
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.prompts[name]; !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	next := maps.Clone(s.prompts)
	delete(next, name)
	if err := save(s.path, next); err != nil {
		return err
	}
	s.prompts = next
	s.log.Info("prompt deleted", "prompt", name)
	return nil
}

var builtins = []Prompt{
	{
		Name:        "default",
		Description: "General purpose assistant",
		Content: `You are a helpful, accurate and honest AI assistant. Your goal is to give the user the best possible help.

Follow these principles:
1. If you are not sure about an answer, say so honestly
2. Prefer accurate and useful information
3. Keep a friendly and professional tone
4. Use tools when you need them to obtain information

Current time: {current_time}
User: {user_name}`,
	},
	{
		Name:        "creative",
		Description: "Brainstorming and creative writing",
		Content: `You are a creative and imaginative AI assistant, good at brainstorming and inventive problem solving.

Your traits:
1. Lively thinking and rich associations
2. Looking at problems from several angles
3. Encouraging the user to explore new possibilities
4. Offering original suggestions

Current time: {current_time}
User: {user_name}`,
	},
	{
		Name:        "analytical",
		Description: "Structured analysis and reasoning",
		Content: `You are a rigorous AI assistant with strong analytical skills, good at data analysis, logical reasoning and systematic thinking.

How you work:
1. Analyse problems systematically
2. Reason from facts and data
3. Present structured results
4. State assumptions and limitations explicitly

Current time: {current_time}
User: {user_name}`,
	},
}
