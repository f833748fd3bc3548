package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds the application configuration
type Config struct {
	Server     ServerConfig              `mapstructure:"server"`
	Log        LogConfig                 `mapstructure:"log"`
	Defaults   DefaultsConfig            `mapstructure:"defaults"`
	Providers  map[string]ProviderConfig `mapstructure:"providers"`
	Models     []ModelConfig             `mapstructure:"models"`
	Agents     []AgentConfig             `mapstructure:"agents"`
	Prompts    PromptsConfig             `mapstructure:"prompts"`
	Snapshot   SnapshotConfig            `mapstructure:"snapshot"`
	MCPServers []MCPServerConfig         `mapstructure:"mcp_servers"`
}

// ServerConfig holds the server configuration
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            string        `mapstructure:"port"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// Addr returns host:port.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%s", s.Host, s.Port)
}

// LogConfig holds the logger configuration
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// DefaultsConfig holds the values applied when a request leaves a field empty.
type DefaultsConfig struct {
	Model           string  `mapstructure:"model"`
	Temperature     float64 `mapstructure:"temperature"`
	MaxMessages     int     `mapstructure:"max_messages"`
	MaxTokens       int     `mapstructure:"max_tokens"`
	SystemPrompt    string  `mapstructure:"system_prompt"`
	MemoryWindow    int     `mapstructure:"memory_window"`
	ChunkSize       int     `mapstructure:"chunk_size"`
	TokenMultiplier float64 `mapstructure:"token_multiplier"`
}

// Provider kinds understood by the gateway router.
const (
	ProviderKindOpenAI = "openai"
	ProviderKindGemini = "gemini"
)

// ProviderConfig describes one upstream model backend.
type ProviderConfig struct {
	Kind      string        `mapstructure:"kind"`
	BaseURL   string        `mapstructure:"base_url"`
	APIKey    string        `mapstructure:"api_key"`
	APIKeyEnv string        `mapstructure:"api_key_env"`
	Timeout   time.Duration `mapstructure:"timeout"`
}

// Key returns the literal api key, or the value of APIKeyEnv when none is set.
func (p ProviderConfig) Key() string {
	if p.APIKey != "" {
		return p.APIKey
	}
	if p.APIKeyEnv != "" {
		return os.Getenv(p.APIKeyEnv)
	}
	return ""
}

// ModelConfig is one entry of the model catalog.
type ModelConfig struct {
	Name        string `mapstructure:"name"`
	Provider    string `mapstructure:"provider"`
	Description string `mapstructure:"description"`
	Streaming   *bool  `mapstructure:"streaming"`
}

// StreamingEnabled reports whether the model uses native streaming (default true).
func (m ModelConfig) StreamingEnabled() bool {
	return m.Streaming == nil || *m.Streaming
}

// AgentConfig describes a tool-using agent.
type AgentConfig struct {
	Name        string   `mapstructure:"name"`
	Description string   `mapstructure:"description"`
	Model       string   `mapstructure:"model"`
	Tools       []string `mapstructure:"tools"`
	MaxTurns    int      `mapstructure:"max_turns"`
}

// PromptsConfig points at the optional prompt file.
type PromptsConfig struct {
	Path     string `mapstructure:"path"`
	UserName string `mapstructure:"user_name"`
}

// SnapshotConfig holds the sqlite snapshot location.
type SnapshotConfig struct {
	Path string `mapstructure:"path"`
}

// ClientType is the MCP transport used to reach a server.
type ClientType string

const (
	ClientTypeSSE            ClientType = "sse"
	ClientTypeStreamableHTTP ClientType = "streamable_http"
	ClientTypeStdio          ClientType = "stdio"
)

// MCPServerConfig holds the configuration of one MCP server.
type MCPServerConfig struct {
	Name    string            `mapstructure:"name"`
	Type    ClientType        `mapstructure:"type"`
	URL     string            `mapstructure:"url"`
	Command string            `mapstructure:"command"`
	Args    []string          `mapstructure:"args"`
	Env     map[string]string `mapstructure:"env"`
	Headers map[string]string `mapstructure:"headers"`
}

// New returns a viper instance prepared to read path. An empty path falls back to
// CONFIG_PATH, then to ./config.yaml.
func New(path string) *viper.Viper {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("LLMRELAY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path == "" {
		path = os.Getenv("CONFIG_PATH")
	}
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}
	return v
}

// Load loads the configuration from CONFIG_PATH or the config.yaml file
func Load() (*Config, error) {
	return Decode(New(""))
}

// Decode reads the config file known to v (a missing ./config.yaml is not an error),
// fills catalog defaults and validates the result.
func Decode(v *viper.Viper) (*Config, error) {
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	if len(config.Providers) == 0 {
		config.Providers = DefaultProviders()
	}
	if len(config.Models) == 0 {
		config.Models = DefaultModels()
	}
	for i := range config.Agents {
		if config.Agents[i].MaxTurns <= 0 {
			config.Agents[i].MaxTurns = 5
		}
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", "8000")
	v.SetDefault("server.shutdown_timeout", "10s")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("defaults.model", "deepseek-chat")
	v.SetDefault("defaults.temperature", 0.7)
	v.SetDefault("defaults.max_messages", 50)
	v.SetDefault("defaults.max_tokens", 4000)
	v.SetDefault("defaults.system_prompt", "default")
	v.SetDefault("defaults.memory_window", 10)
	v.SetDefault("defaults.chunk_size", 15)
	v.SetDefault("defaults.token_multiplier", 1.5)
	v.SetDefault("prompts.user_name", "user")
	v.SetDefault("snapshot.path", "chat_history.db")
}

// DefaultProviders is the provider table used when the config file declares none.
func DefaultProviders() map[string]ProviderConfig {
	return map[string]ProviderConfig{
		"openai":   {Kind: ProviderKindOpenAI, BaseURL: "https://api.openai.com/v1", APIKeyEnv: "OPENAI_API_KEY", Timeout: 60 * time.Second},
		"deepseek": {Kind: ProviderKindOpenAI, BaseURL: "https://api.deepseek.com/v1", APIKeyEnv: "DEEPSEEK_API_KEY", Timeout: 60 * time.Second},
		"zhipu":    {Kind: ProviderKindOpenAI, BaseURL: "https://open.bigmodel.cn/api/paas/v4", APIKeyEnv: "ZHIPU_API_KEY", Timeout: 60 * time.Second},
		"qwen":     {Kind: ProviderKindOpenAI, BaseURL: "https://dashscope.aliyuncs.com/compatible-mode/v1", APIKeyEnv: "QWEN_API_KEY", Timeout: 60 * time.Second},
		"spark":    {Kind: ProviderKindOpenAI, BaseURL: "https://spark-api-open.xf-yun.com/v1", APIKeyEnv: "SPARK_API_KEY", Timeout: 60 * time.Second},
		"gemini":   {Kind: ProviderKindGemini, APIKeyEnv: "GEMINI_API_KEY", Timeout: 60 * time.Second},
	}
}

// DefaultModels is the model catalog used when the config file declares none.
func DefaultModels() []ModelConfig {
	return []ModelConfig{
		{Name: "gpt-4o-mini", Provider: "openai", Description: "OpenAI GPT-4o-mini, strong at complex reasoning and multimodal tasks."},
		{Name: "deepseek-chat", Provider: "deepseek", Description: "DeepSeek Chat, strong at multi-turn dialogue and reasoning."},
		{Name: "glm-4-air", Provider: "zhipu", Description: "Zhipu GLM-4-Air, general purpose Chinese language model."},
		{Name: "qwen-max", Provider: "qwen", Description: "Alibaba Qwen-Max, multilingual general model."},
		{Name: "Spark X1", Provider: "spark", Description: "iFlytek Spark X1, Chinese QA and knowledge reasoning."},
		{Name: "gemini-2.0-flash", Provider: "gemini", Description: "Google Gemini 2.0 Flash."},
	}
}

// Model returns the catalog entry for name.
func (c *Config) Model(name string) (ModelConfig, bool) {
	for _, m := range c.Models {
		if m.Name == name {
			return m, true
		}
	}
	return ModelConfig{}, false
}

// Agent returns the agent entry for name.
func (c *Config) Agent(name string) (AgentConfig, bool) {
	for _, a := range c.Agents {
		if a.Name == name {
			return a, true
		}
	}
	return AgentConfig{}, false
}

// Validate checks cross references between catalog sections and numeric limits.
func (c *Config) Validate() error {
	if c.Defaults.MaxMessages < 1 {
		return fmt.Errorf("defaults.max_messages must be positive, got %d", c.Defaults.MaxMessages)
	}
	if c.Defaults.MaxTokens < 1 {
		return fmt.Errorf("defaults.max_tokens must be positive, got %d", c.Defaults.MaxTokens)
	}
	if c.Defaults.ChunkSize < 1 {
		return fmt.Errorf("defaults.chunk_size must be positive, got %d", c.Defaults.ChunkSize)
	}
	if c.Defaults.TokenMultiplier <= 0 {
		return fmt.Errorf("defaults.token_multiplier must be positive, got %v", c.Defaults.TokenMultiplier)
	}

	for name, p := range c.Providers {
		if p.Kind != ProviderKindOpenAI && p.Kind != ProviderKindGemini {
			return fmt.Errorf("provider %q: unsupported kind %q", name, p.Kind)
		}
	}

	seen := make(map[string]bool, len(c.Models))
	for _, m := range c.Models {
		if m.Name == "" {
			return errors.New("model entry without name")
		}
		if seen[m.Name] {
			return fmt.Errorf("model %q declared twice", m.Name)
		}
		seen[m.Name] = true
		if _, ok := c.Providers[m.Provider]; !ok {
			return fmt.Errorf("model %q references unknown provider %q", m.Name, m.Provider)
		}
	}
	if c.Defaults.Model != "" && !seen[c.Defaults.Model] {
		return fmt.Errorf("defaults.model %q is not in the model catalog", c.Defaults.Model)
	}

	for _, a := range c.Agents {
		m, ok := c.Model(a.Model)
		if !ok {
			return fmt.Errorf("agent %q references unknown model %q", a.Name, a.Model)
		}
		if c.Providers[m.Provider].Kind != ProviderKindOpenAI {
			return fmt.Errorf("agent %q: model %q must use an openai-compatible provider", a.Name, a.Model)
		}
	}
	return nil
}
