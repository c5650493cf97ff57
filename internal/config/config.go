// Package config handles mcphost configuration loading.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/nugget/mcphost/internal/paths"
	"github.com/nugget/mcphost/internal/prompts"
)

// Transport names accepted in [ServerConfig.Transport].
const (
	TransportSSE       = "sse"
	TransportWebSocket = "websocket"
	TransportStdio     = "stdio"
)

// Tool modes accepted in [ModelConfig.ToolMode].
const (
	// ToolModePrompt describes tools in the prompt and parses
	// TOOL_CALL directives out of the model's text.
	ToolModePrompt = "prompt"

	// ToolModeNative passes tools through the provider's structured
	// tool-calling API.
	ToolModeNative = "native"
)

// Defaults applied by [Config.applyDefaults].
const (
	DefaultOpenTimeout      = 10 * time.Second
	DefaultReconnectBackoff = 5 * time.Second
	DefaultDiscoveryTimeout = 5 * time.Second
	DefaultCallTimeout      = 2 * time.Minute
	DefaultMaxRounds        = 5
	DefaultOllamaURL        = "http://localhost:11434"
	DefaultModel            = "llama3.1:8b"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/mcphost/config.yaml, /etc/mcphost/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "mcphost", "config.yaml"))
	}

	paths = append(paths, "/etc/mcphost/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all mcphost configuration.
type Config struct {
	LogLevel      string              `yaml:"log_level"`
	LogFormat     string              `yaml:"log_format"` // text (default) or json
	Model         ModelConfig         `yaml:"model"`
	Engine        EngineConfig        `yaml:"engine"`
	MCP           MCPConfig           `yaml:"mcp"`
	Conversations ConversationsConfig `yaml:"conversations"`
}

// ModelConfig selects the language model backend.
type ModelConfig struct {
	// Provider is "ollama" (default) or "anthropic".
	Provider string `yaml:"provider"`
	// URL is the provider base URL. Defaults to the local Ollama endpoint.
	URL string `yaml:"url"`
	// Name is the model name passed to the provider.
	Name string `yaml:"name"`
	// APIKey authenticates against hosted providers.
	APIKey string `yaml:"api_key"`
	// ToolMode is "prompt" (default) or "native".
	ToolMode string `yaml:"tool_mode"`
	// MaxTokens caps each completion. Zero leaves the provider default.
	MaxTokens int `yaml:"max_tokens"`
}

// EngineConfig tunes the orchestration loop.
type EngineConfig struct {
	// MaxRounds bounds the number of tool rounds per query (default 5).
	MaxRounds int `yaml:"max_rounds"`
	// AcceptBareDirectives also accepts name:{json} without the
	// TOOL_CALL: prefix, for registered tool names only.
	AcceptBareDirectives bool `yaml:"accept_bare_directives"`
	// SystemPrompt seeds new conversations. Empty uses prompts.BaseSystemPrompt.
	SystemPrompt string `yaml:"system_prompt"`
}

// MCPConfig lists the MCP servers to connect to.
type MCPConfig struct {
	Servers []ServerConfig `yaml:"servers"`
}

// ServerConfig describes one MCP server connection.
type ServerConfig struct {
	Name      string `yaml:"name"`
	Transport string `yaml:"transport"` // sse, websocket, stdio

	// URL is the endpoint for sse and websocket transports.
	URL string `yaml:"url"`
	// Headers are sent with every HTTP request or handshake.
	Headers map[string]string `yaml:"headers"`

	// Command, Args and Env configure the stdio transport.
	Command string   `yaml:"command"`
	Args    []string `yaml:"args"`
	Env     []string `yaml:"env"`

	OpenTimeout      time.Duration `yaml:"open_timeout"`
	ReconnectBackoff time.Duration `yaml:"reconnect_backoff"`
	DiscoveryTimeout time.Duration `yaml:"discovery_timeout"`

	// CallTimeout bounds one tools/call, including a response lost to
	// a reconnect.
	CallTimeout time.Duration `yaml:"call_timeout"`
}

// ConversationsConfig controls where conversation history lives.
type ConversationsConfig struct {
	// DBPath enables the SQLite store. Empty keeps history in memory.
	// A leading ~ is expanded.
	DBPath string `yaml:"db_path"`
}

// Load reads configuration from a YAML file. Environment variables in
// the file are expanded before parsing, and defaults are applied to any
// field left unset.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	expanded := os.ExpandEnv(string(data))

	cfg := &Config{}
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns a configuration with every default applied and no
// MCP servers.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.Model.Provider == "" {
		c.Model.Provider = "ollama"
	}
	if c.Model.URL == "" && c.Model.Provider == "ollama" {
		c.Model.URL = DefaultOllamaURL
	}
	if c.Model.Name == "" {
		c.Model.Name = DefaultModel
	}
	if c.Model.ToolMode == "" {
		c.Model.ToolMode = ToolModePrompt
	}
	if c.Engine.MaxRounds <= 0 {
		c.Engine.MaxRounds = DefaultMaxRounds
	}
	if c.Engine.SystemPrompt == "" {
		c.Engine.SystemPrompt = prompts.BaseSystemPrompt()
	}
	c.Conversations.DBPath = paths.ExpandHome(c.Conversations.DBPath)
	for i := range c.MCP.Servers {
		s := &c.MCP.Servers[i]
		s.Command = paths.ExpandHome(s.Command)
		if s.Transport == "" {
			s.Transport = TransportSSE
		}
		if s.OpenTimeout <= 0 {
			s.OpenTimeout = DefaultOpenTimeout
		}
		if s.ReconnectBackoff <= 0 {
			s.ReconnectBackoff = DefaultReconnectBackoff
		}
		if s.DiscoveryTimeout <= 0 {
			s.DiscoveryTimeout = DefaultDiscoveryTimeout
		}
		if s.CallTimeout <= 0 {
			s.CallTimeout = DefaultCallTimeout
		}
	}
}

// Validate reports the first configuration problem found.
func (c *Config) Validate() error {
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		return err
	}
	switch c.LogFormat {
	case "", "text", "json":
	default:
		return fmt.Errorf("unknown log_format %q (valid: text, json)", c.LogFormat)
	}

	switch c.Model.Provider {
	case "ollama":
	case "anthropic":
		if c.Model.APIKey == "" {
			return fmt.Errorf("model.api_key is required for the anthropic provider")
		}
	default:
		return fmt.Errorf("unknown model.provider %q (valid: ollama, anthropic)", c.Model.Provider)
	}
	switch c.Model.ToolMode {
	case ToolModePrompt, ToolModeNative:
	default:
		return fmt.Errorf("unknown model.tool_mode %q (valid: prompt, native)", c.Model.ToolMode)
	}

	seen := make(map[string]bool, len(c.MCP.Servers))
	for i, s := range c.MCP.Servers {
		if strings.TrimSpace(s.Name) == "" {
			return fmt.Errorf("mcp.servers[%d]: name is required", i)
		}
		if seen[s.Name] {
			return fmt.Errorf("mcp.servers[%d]: duplicate name %q", i, s.Name)
		}
		seen[s.Name] = true

		switch s.Transport {
		case TransportSSE, TransportWebSocket:
			if s.URL == "" {
				return fmt.Errorf("mcp server %q: url is required for %s transport", s.Name, s.Transport)
			}
		case TransportStdio:
			if s.Command == "" {
				return fmt.Errorf("mcp server %q: command is required for stdio transport", s.Name)
			}
		default:
			return fmt.Errorf("mcp server %q: unknown transport %q (valid: sse, websocket, stdio)", s.Name, s.Transport)
		}
	}
	return nil
}
