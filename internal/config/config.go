// Package config loads the client configuration from ~/.alex/config.yaml
// with environment variable expansion on endpoint fields.
package config

import (
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the client configuration.
type Config struct {
	// DataDir is where local state lives (default ~/.alex).
	DataDir string `yaml:"data_dir"`

	// ThoughtsURL is the ambient thought-stream WebSocket endpoint.
	ThoughtsURL string `yaml:"thoughts_url"`

	// ChatURL is the per-request chat exchange WebSocket endpoint.
	ChatURL string `yaml:"chat_url"`

	// ReconnectDelay is the fixed wait before the ambient channel
	// reconnects after a close.
	ReconnectDelay time.Duration `yaml:"reconnect_delay"`

	// FlushDelay debounces history writes after agent replies.
	FlushDelay time.Duration `yaml:"flush_delay"`

	// HistoryLimit caps how many conversations the archive keeps.
	HistoryLimit int `yaml:"history_limit"`
}

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		DataDir:        DefaultDataDir(),
		ThoughtsURL:    "ws://localhost:8000/ws/thoughts",
		ChatURL:        "ws://localhost:8000/ws/chat",
		ReconnectDelay: 5 * time.Second,
		FlushDelay:     750 * time.Millisecond,
		HistoryLimit:   30,
	}
}

// DefaultDataDir returns the default data directory (~/.alex).
func DefaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".alex"
	}
	return filepath.Join(home, ".alex")
}

// Load loads config from ~/.alex/config.yaml, falling back to defaults
// when the file does not exist.
func Load() (*Config, error) {
	cfg := DefaultConfig()

	configPath := filepath.Join(cfg.DataDir, "config.yaml")
	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, err
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	cfg.expand()
	return cfg, nil
}

// LoadFrom loads config from a specific path.
func LoadFrom(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	cfg.expand()
	return cfg, nil
}

// Save writes the config to ~/.alex/config.yaml.
func (c *Config) Save() error {
	if err := os.MkdirAll(c.DataDir, 0700); err != nil {
		return err
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}

	configPath := filepath.Join(c.DataDir, "config.yaml")
	return os.WriteFile(configPath, data, 0600)
}

// DBPath returns the path to the local SQLite database.
func (c *Config) DBPath() string {
	return filepath.Join(c.DataDir, "data", "alex.db")
}

func (c *Config) expand() {
	c.ThoughtsURL = os.ExpandEnv(c.ThoughtsURL)
	c.ChatURL = os.ExpandEnv(c.ChatURL)
	c.DataDir = os.ExpandEnv(c.DataDir)
}
