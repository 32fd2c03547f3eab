package config

import (
	"os"
	"path/filepath"
	"testing"
)

const sampleConfig = `
local:
  base_url: http://127.0.0.1:9001
  model: llama3.1-8b
remote:
  keys:
    - ${TANDEM_TEST_KEY}
  model: claude-sonnet-4-20250514
routing:
  always_remote:
    - legal review
  rules:
    - name: invoices_local
      priority: 10
      patterns: ["invoice"]
      target: local
agent:
  max_turns: 6
`

func TestLoadExpandsEnvAndDefaults(t *testing.T) {
	t.Setenv("TANDEM_TEST_KEY", "sk-test-123")
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(sampleConfig), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Local.Model != "llama3.1-8b" || cfg.Local.BaseURL != "http://127.0.0.1:9001" {
		t.Errorf("local = %+v", cfg.Local)
	}
	if len(cfg.Remote.Keys) != 1 || cfg.Remote.Keys[0] != "sk-test-123" {
		t.Errorf("env expansion failed: %+v", cfg.Remote.Keys)
	}
	if cfg.Agent.MaxTurns != 6 {
		t.Errorf("max_turns = %d", cfg.Agent.MaxTurns)
	}
	// Untouched fields pick up defaults.
	if cfg.Local.ContextWindow != 8192 || cfg.Agent.ReserveForOutput != 1024 {
		t.Errorf("defaults not applied: %+v %+v", cfg.Local, cfg.Agent)
	}
	if cfg.Routing.DefaultTarget != "local" {
		t.Errorf("default target = %q", cfg.Routing.DefaultTarget)
	}
}

func TestLoadRejectsBadRuleTarget(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	bad := "routing:\n  rules:\n    - name: x\n      target: cloud\n"
	if err := os.WriteFile(path, []byte(bad), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Error("invalid rule target accepted")
	}
}

func TestDefault(t *testing.T) {
	cfg := Default()
	if cfg.Agent.MaxTurns != 10 || cfg.Logging.Level != "info" {
		t.Errorf("defaults = %+v %+v", cfg.Agent, cfg.Logging)
	}
}
