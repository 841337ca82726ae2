// Package config handles Vigil configuration loading.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./vigil.yaml, ~/.config/vigil/vigil.yaml, /etc/vigil/vigil.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"vigil.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "vigil", "vigil.yaml"))
	}

	paths = append(paths, "/etc/vigil/vigil.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must
// exist. Otherwise, searches DefaultSearchPaths and returns the first
// that exists.
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

// Config holds all Vigil configuration.
type Config struct {
	// ModelEndpoint is the base URL of the OpenAI-compatible
	// chat-completions endpoint (e.g. "http://localhost:11434/v1").
	ModelEndpoint string `yaml:"model_endpoint"`
	// ModelName is the model identifier passed to the endpoint.
	ModelName string `yaml:"model_name"`
	// SearchAPIKey enables the web-search tool when set.
	SearchAPIKey string `yaml:"search_api_key"`
	// ListenPort is the port the gateway binds.
	ListenPort int `yaml:"listen_port"`
	// WorkspacePath is the filesystem root the filesystem/terminal
	// tools are confined to, and the parent of the durable store.
	WorkspacePath string `yaml:"workspace_path"`
	// ContextSize is the token capacity used as the denominator for
	// context pressure.
	ContextSize int `yaml:"context_size"`
	// SystemPromptPath and AutonomousPromptPath point at
	// operator-supplied prompt files. Built-in defaults apply when
	// absent. Prompt files support {{var}} substitution.
	SystemPromptPath     string `yaml:"system_prompt_path"`
	AutonomousPromptPath string `yaml:"autonomous_prompt_path"`
	// LogLevel is one of trace, debug, info, warn, error.
	LogLevel string `yaml:"log_level"`
}

// Load reads configuration from a YAML file. Environment variables in
// the file are expanded before unmarshalling.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns a default configuration.
func Default() *Config {
	return &Config{
		ModelEndpoint: "http://localhost:11434/v1",
		ModelName:     "qwen3:8b",
		ListenPort:    8420,
		WorkspacePath: "./workspace",
		ContextSize:   32768,
	}
}

func (c *Config) validate() error {
	if c.ModelEndpoint == "" {
		return fmt.Errorf("model_endpoint is required")
	}
	if c.ModelName == "" {
		return fmt.Errorf("model_name is required")
	}
	if c.ListenPort <= 0 || c.ListenPort > 65535 {
		return fmt.Errorf("listen_port %d out of range", c.ListenPort)
	}
	if c.ContextSize <= 0 {
		return fmt.Errorf("context_size must be positive")
	}
	return nil
}
