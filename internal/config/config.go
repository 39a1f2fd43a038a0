// Package config handles fluidagent configuration loading.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/fluidagent/config.yaml, /etc/fluidagent/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "fluidagent", "config.yaml"))
	}

	paths = append(paths, "/etc/fluidagent/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
// Returns the path found, or an error if nothing was found.
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

// Config holds all fluidagent configuration.
type Config struct {
	Listen    ListenConfig    `yaml:"listen"`
	Model     ModelConfig     `yaml:"model"`
	Agent     AgentConfig     `yaml:"agent"`
	Selection SelectionConfig `yaml:"selection"`
	// CollectionFile is an API collection document loaded at startup.
	// Collections can also be uploaded at runtime via POST /v1/tools.
	CollectionFile string `yaml:"collection_file"`
	DataDir        string `yaml:"data_dir"`
	LogLevel       string `yaml:"log_level"`
	LogFormat      string `yaml:"log_format"` // "text" (default) or "json"
}

// ListenConfig defines the API server settings.
type ListenConfig struct {
	Address string `yaml:"address"` // Bind address (default: "" = all interfaces)
	Port    int    `yaml:"port"`
}

// ModelConfig defines the chat model provider settings.
type ModelConfig struct {
	// BaseURL is the root of an OpenAI-compatible chat completions API.
	BaseURL string `yaml:"baseurl"`
	APIKey  string `yaml:"api_key"`
	Name    string `yaml:"name"`
}

// AgentConfig defines turn-loop behavior.
type AgentConfig struct {
	// MaxToolCallsPerTurn caps the number of tool results appended during
	// a single turn's loop. The cap is enforced before execution, so a
	// model that keeps requesting tools cannot loop forever.
	MaxToolCallsPerTurn int `yaml:"max_tool_calls_per_turn"`
	// SessionTTLSeconds is the idle timeout for caller sessions. An
	// expired session gets a fresh conversation thread on next use.
	SessionTTLSeconds int `yaml:"session_ttl_seconds"`
	// ConfirmationRequired lists tool names that must be approved by a
	// human before they execute. The entry "*" gates every tool.
	ConfirmationRequired []string `yaml:"confirmation_required"`
	// SystemInstructions is the standing system prompt. It can also be
	// set at runtime via POST /v1/initialize.
	SystemInstructions string `yaml:"system_instructions"`
}

// SelectionConfig defines relevance-based tool selection settings.
type SelectionConfig struct {
	Enabled bool   `yaml:"enabled"`
	BaseURL string `yaml:"baseurl"` // Embedding service URL
	TopK    int    `yaml:"top_k"`   // Number of tools to select (default 15)
	// MinTools skips selection for collections smaller than this;
	// the selection round trip is not worth it for small tool sets.
	MinTools int `yaml:"min_tools"`
}

// SessionTTL returns the session idle timeout as a duration.
func (c AgentConfig) SessionTTL() time.Duration {
	return time.Duration(c.SessionTTLSeconds) * time.Second
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Default returns a default configuration.
func Default() *Config {
	return &Config{
		Listen: ListenConfig{Port: 8080},
		Model: ModelConfig{
			BaseURL: "http://localhost:11434/v1",
			Name:    "qwen3:4b",
		},
		Agent: AgentConfig{
			MaxToolCallsPerTurn: 10,
			SessionTTLSeconds:   1800,
		},
		Selection: SelectionConfig{
			TopK:     15,
			MinTools: 10,
		},
		DataDir: "data",
	}
}
