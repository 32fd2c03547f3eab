package routing

import (
	"context"
	"strings"
	"testing"

	"github.com/tandemhq/tandem/internal/agent/providers"
	"github.com/tandemhq/tandem/internal/skills"
	"github.com/tandemhq/tandem/pkg/models"
)

type stubProvider struct {
	name   string
	model  string
	window int
}

func (s *stubProvider) Chat(context.Context, *providers.ChatRequest) (*providers.ChatResponse, error) {
	return &providers.ChatResponse{}, nil
}

func (s *stubProvider) Name() string         { return s.name }
func (s *stubProvider) Model() string        { return s.model }
func (s *stubProvider) ContextWindow() int   { return s.window }
func (s *stubProvider) SupportsVision() bool { return false }

func newTestRouter(remote bool, cfg Config) *Router {
	cfg.Local = &stubProvider{name: "local", model: "qwen3-8b", window: 8192}
	if remote {
		cfg.Remote = &stubProvider{name: "anthropic", model: "claude-sonnet-4", window: 200000}
	}
	return NewRouter(cfg)
}

func userMsg(text string) []models.Message {
	return []models.Message{{Role: models.RoleUser, Content: text}}
}

func TestClassifyBuckets(t *testing.T) {
	cases := []struct {
		text   string
		target Target
		reason string
		conf   float64
	}{
		{"Hello!", TargetLocal, "simple_greeting", 0.95},
		{"hey there", TargetLocal, "simple_greeting", 0.95},
		{"please write code to reverse a linked list", TargetRemote, "code_generation", 0.80},
		{"refactor the session store to use prepared statements", TargetRemote, "code_generation", 0.75},
		{"refactor", TargetLocal, "default", 0.5},
		{"explain in detail how raft handles leader election during a network partition", TargetRemote, "complex_reasoning", 0.70},
		{"read the file /etc/hosts", TargetLocal, "tool_use", 0.60},
		{"what does this do?\n```go\nfmt.Println(1)\n```", TargetRemote, "code_discussion", 0.75},
		{"what's the capital of France?", TargetLocal, "default", 0.5},
	}
	for _, tc := range cases {
		got := Classify(tc.text)
		if got.Target != tc.target || got.Reason != tc.reason || got.Confidence != tc.conf {
			t.Errorf("Classify(%q) = %+v, want {%s %s %v}", tc.text, got, tc.target, tc.reason, tc.conf)
		}
	}
}

func TestClassifyLongContext(t *testing.T) {
	text := strings.Repeat("word ", 120)
	got := Classify(text)
	if got.Target != TargetRemote || got.Reason != "long_context" {
		t.Errorf("Classify(long) = %+v", got)
	}
}

func TestRouteGreetingLocal(t *testing.T) {
	r := newTestRouter(true, Config{})
	d := r.Route(userMsg("Hello!"))
	if d.Target != TargetLocal || d.Reason != "simple_greeting" || d.Confidence != 0.95 {
		t.Errorf("decision = %+v", d)
	}
	if d.Provider != "local/qwen3-8b" {
		t.Errorf("provider = %q", d.Provider)
	}
}

func TestRouteCodeRemote(t *testing.T) {
	r := newTestRouter(true, Config{})
	d := r.Route(userMsg("write code that parses RFC 3339 timestamps"))
	if d.Target != TargetRemote || d.Reason != "code_generation" {
		t.Errorf("decision = %+v", d)
	}
	if d.Provider != "anthropic/claude-sonnet-4" {
		t.Errorf("provider = %q", d.Provider)
	}
}

func TestRouteNoRemoteFallsBack(t *testing.T) {
	r := newTestRouter(false, Config{})
	d := r.Route(userMsg("write code that parses RFC 3339 timestamps"))
	if d.Target != TargetLocal || d.Reason != "no_remote_provider" || d.Confidence != 0.5 {
		t.Errorf("decision = %+v", d)
	}
	if d.Provider != "local/qwen3-8b" {
		t.Errorf("provider = %q", d.Provider)
	}
}

func TestRouteConfidentHeuristicOverridesRule(t *testing.T) {
	r := newTestRouter(true, Config{AlwaysLocal: []string{"timestamps"}})
	d := r.Route(userMsg("write code that parses RFC 3339 timestamps"))
	if d.Target != TargetRemote || d.Reason != "code_generation" {
		t.Errorf("confident heuristic did not override: %+v", d)
	}
}

func TestRouteRuleBeatsWeakHeuristic(t *testing.T) {
	r := newTestRouter(true, Config{AlwaysRemote: []string{"quarterly report"}})
	d := r.Route(userMsg("summarize the quarterly report"))
	if d.Target != TargetRemote || d.Reason != "always_remote" {
		t.Errorf("decision = %+v", d)
	}
}

func TestRouteCustomRulePriority(t *testing.T) {
	r := newTestRouter(true, Config{
		Rules: []Rule{
			{Name: "billing_local", Priority: 10, Patterns: []string{"invoice"}, Target: TargetLocal},
			{Name: "billing_remote", Priority: 20, Patterns: []string{"invoice"}, Target: TargetRemote},
		},
	})
	d := r.Route(userMsg("look at this invoice please"))
	if d.Reason != "billing_remote" {
		t.Errorf("priority not honored: %+v", d)
	}
}

func TestRouteLargeContext(t *testing.T) {
	r := newTestRouter(true, Config{})
	// 8192-token window, 0.8 threshold. Each message is ~4300 tokens.
	msgs := []models.Message{
		{Role: models.RoleUser, Content: strings.Repeat("x", 15000)},
		{Role: models.RoleAssistant, Content: strings.Repeat("x", 15000)},
		{Role: models.RoleUser, Content: "ok"},
	}
	d := r.Route(msgs)
	if d.Target != TargetRemote || d.Reason != "large_context" {
		t.Errorf("decision = %+v", d)
	}
}

func TestRouteSkillOverride(t *testing.T) {
	reg := skills.NewRegistry([]skills.Skill{
		{Name: "sql-helper", Description: "x", Complexity: "local", Keywords: []string{"sql"}},
	})
	r := newTestRouter(true, Config{Skills: reg})
	d := r.Route(userMsg("write code for a sql migration"))
	if d.Target != TargetLocal || d.Reason != "skill:sql-helper" {
		t.Errorf("skill override missed: %+v", d)
	}
}
