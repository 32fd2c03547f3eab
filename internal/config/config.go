// Package config loads the runtime configuration from YAML with
// environment variable expansion.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the main configuration structure for Tandem.
type Config struct {
	Local   LocalConfig   `yaml:"local"`
	Remote  RemoteConfig  `yaml:"remote"`
	Routing RoutingConfig `yaml:"routing"`
	Agent   AgentConfig   `yaml:"agent"`
	Store   StoreConfig   `yaml:"store"`
	Skills  SkillsConfig  `yaml:"skills"`
	Logging LoggingConfig `yaml:"logging"`
	Metrics MetricsConfig `yaml:"metrics"`
}

// LocalConfig points at an OpenAI-compatible local backend.
type LocalConfig struct {
	BaseURL       string `yaml:"base_url"`
	APIKey        string `yaml:"api_key"`
	Model         string `yaml:"model"`
	ContextWindow int    `yaml:"context_window"`
	Vision        bool   `yaml:"vision"`
}

// RemoteConfig configures the remote Anthropic backend. Keys may list
// several credentials for rotation.
type RemoteConfig struct {
	Keys           []string      `yaml:"keys"`
	Model          string        `yaml:"model"`
	ContextWindow  int           `yaml:"context_window"`
	MaxTokens      int           `yaml:"max_tokens"`
	BaseURL        string        `yaml:"base_url"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	RateLimit      float64       `yaml:"rate_limit"`
}

// RoutingConfig carries user routing rules.
type RoutingConfig struct {
	AlwaysLocal   []string     `yaml:"always_local"`
	AlwaysRemote  []string     `yaml:"always_remote"`
	DefaultTarget string       `yaml:"default_target"`
	Rules         []RuleConfig `yaml:"rules"`
}

// RuleConfig is one user routing rule.
type RuleConfig struct {
	Name     string   `yaml:"name"`
	Priority int      `yaml:"priority"`
	Patterns []string `yaml:"patterns"`
	Target   string   `yaml:"target"`
}

// AgentConfig tunes the turn loop.
type AgentConfig struct {
	MaxTurns            int           `yaml:"max_turns"`
	ReserveForOutput    int           `yaml:"reserve_for_output"`
	MaxToolResultTokens int           `yaml:"max_tool_result_tokens"`
	EscalationThreshold float64       `yaml:"escalation_threshold"`
	RunTimeout          time.Duration `yaml:"run_timeout"`
	Temperature         float32       `yaml:"temperature"`
}

// StoreConfig selects persistence locations. Empty paths keep state in
// memory only.
type StoreConfig struct {
	SessionsPath string `yaml:"sessions_path"`
	MemoryPath   string `yaml:"memory_path"`
}

// SkillsConfig locates skill markdown files.
type SkillsConfig struct {
	Dir string `yaml:"dir"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

// Load reads and parses the configuration file, expanding $VAR
// references from the environment.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	expanded := os.ExpandEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	applyDefaults(&cfg)
	if err := validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

func applyDefaults(cfg *Config) {
	if cfg.Local.BaseURL == "" {
		cfg.Local.BaseURL = "http://127.0.0.1:8080"
	}
	if cfg.Local.Model == "" {
		cfg.Local.Model = "qwen3-8b"
	}
	if cfg.Local.ContextWindow == 0 {
		cfg.Local.ContextWindow = 8192
	}
	if cfg.Remote.MaxTokens == 0 {
		cfg.Remote.MaxTokens = 4096
	}
	if cfg.Remote.RequestTimeout == 0 {
		cfg.Remote.RequestTimeout = 2 * time.Minute
	}
	if cfg.Routing.DefaultTarget == "" {
		cfg.Routing.DefaultTarget = "local"
	}
	if cfg.Agent.MaxTurns == 0 {
		cfg.Agent.MaxTurns = 10
	}
	if cfg.Agent.ReserveForOutput == 0 {
		cfg.Agent.ReserveForOutput = 1024
	}
	if cfg.Agent.MaxToolResultTokens == 0 {
		cfg.Agent.MaxToolResultTokens = 2000
	}
	if cfg.Agent.EscalationThreshold == 0 {
		cfg.Agent.EscalationThreshold = 0.5
	}
	if cfg.Agent.Temperature == 0 {
		cfg.Agent.Temperature = 0.7
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "text"
	}
	if cfg.Metrics.Addr == "" {
		cfg.Metrics.Addr = "127.0.0.1:9464"
	}
}

func validate(cfg *Config) error {
	switch cfg.Routing.DefaultTarget {
	case "local", "remote":
	default:
		return fmt.Errorf("routing.default_target must be local or remote, got %q", cfg.Routing.DefaultTarget)
	}
	for _, r := range cfg.Routing.Rules {
		if r.Target != "local" && r.Target != "remote" {
			return fmt.Errorf("routing rule %q: target must be local or remote", r.Name)
		}
	}
	return nil
}
