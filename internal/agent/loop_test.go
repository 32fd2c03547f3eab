package agent

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/tandemhq/tandem/internal/agent/providers"
	"github.com/tandemhq/tandem/internal/agent/routing"
	"github.com/tandemhq/tandem/internal/memory"
	"github.com/tandemhq/tandem/internal/sessions"
	"github.com/tandemhq/tandem/pkg/models"
)

// step is one scripted provider turn.
type step struct {
	resp *providers.ChatResponse
	err  error
}

type scriptedProvider struct {
	name   string
	model  string
	window int
	steps  []step
	reqs   []*providers.ChatRequest
}

func (p *scriptedProvider) Chat(_ context.Context, req *providers.ChatRequest) (*providers.ChatResponse, error) {
	p.reqs = append(p.reqs, req)
	if len(p.steps) == 0 {
		return &providers.ChatResponse{Content: "out of script"}, nil
	}
	s := p.steps[0]
	p.steps = p.steps[1:]
	if s.err != nil {
		return nil, s.err
	}
	return s.resp, nil
}

func (p *scriptedProvider) Name() string         { return p.name }
func (p *scriptedProvider) Model() string        { return p.model }
func (p *scriptedProvider) ContextWindow() int   { return p.window }
func (p *scriptedProvider) SupportsVision() bool { return false }

func newLocal(steps ...step) *scriptedProvider {
	return &scriptedProvider{name: "local", model: "qwen3-8b", window: 8192, steps: steps}
}

func newRemote(steps ...step) *scriptedProvider {
	return &scriptedProvider{name: "anthropic", model: "claude-sonnet-4", window: 200000, steps: steps}
}

type echoTool struct{ output string }

func (t *echoTool) Name() string            { return "read_file" }
func (t *echoTool) Description() string     { return "Read a file from disk." }
func (t *echoTool) Schema() json.RawMessage { return json.RawMessage(`{"type":"object"}`) }
func (t *echoTool) Execute(context.Context, map[string]any) (string, error) {
	return t.output, nil
}

func newTestLoop(t *testing.T, local, remote providers.Provider, opts Options) *Loop {
	t.Helper()
	opts.Local = local
	opts.Remote = remote
	opts.Router = routing.NewRouter(routing.Config{Local: local, Remote: remote})
	loop, err := NewLoop(opts)
	if err != nil {
		t.Fatal(err)
	}
	return loop
}

func TestRunGreeting(t *testing.T) {
	local := newLocal(step{resp: &providers.ChatResponse{
		Content: "Hi! How can I help you today?",
		Usage:   providers.Usage{InputTokens: 20, OutputTokens: 9},
	}})
	store := sessions.NewMemoryStore()
	loop := newTestLoop(t, local, nil, Options{Store: store})

	resp, err := loop.Run(context.Background(), "cli:default", "Hello!", nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if resp.Target != routing.TargetLocal || resp.Escalated || resp.Turns != 1 {
		t.Errorf("response = %+v", resp)
	}
	if resp.Content != "Hi! How can I help you today?" {
		t.Errorf("content = %q", resp.Content)
	}
	if resp.Usage.InputTokens != 20 || resp.Usage.OutputTokens != 9 {
		t.Errorf("usage = %+v", resp.Usage)
	}

	sess, _ := store.GetOrCreate(context.Background(), "cli:default")
	history, _ := store.History(context.Background(), sess.ID, 0)
	if len(history) != 2 || history[0].Role != models.RoleUser || history[1].Role != models.RoleAssistant {
		t.Errorf("history = %+v", history)
	}
}

func TestRunToolLoop(t *testing.T) {
	local := newLocal(
		step{resp: &providers.ChatResponse{
			ToolCalls: []models.ToolCall{{ID: "call_1", Name: "read_file", Arguments: map[string]any{"path": "/etc/hosts"}}},
			Usage:     providers.Usage{InputTokens: 30, OutputTokens: 12},
		}},
		step{resp: &providers.ChatResponse{
			Content: "The file maps localhost to 127.0.0.1.",
			Usage:   providers.Usage{InputTokens: 60, OutputTokens: 15},
		}},
	)
	reg := NewRegistry()
	reg.Register(&echoTool{output: "127.0.0.1 localhost"})
	store := sessions.NewMemoryStore()
	loop := newTestLoop(t, local, nil, Options{Store: store, Tools: reg})

	var completed []string
	events := &Events{
		OnToolCallComplete: func(id, name string, result models.ToolResult) {
			completed = append(completed, name)
			if !result.Success || result.Output != "127.0.0.1 localhost" {
				t.Errorf("result = %+v", result)
			}
		},
	}
	resp, err := loop.Run(context.Background(), "s", "read the file /etc/hosts", events)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if resp.Turns != 2 || resp.Truncated {
		t.Errorf("response = %+v", resp)
	}
	if len(completed) != 1 || completed[0] != "read_file" {
		t.Errorf("completions = %v", completed)
	}

	// Second request carries the tool result back to the model.
	second := local.reqs[1]
	var sawResult bool
	for _, m := range second.Messages {
		if m.Role == models.RoleTool && m.ToolCallID == "call_1" {
			sawResult = true
		}
	}
	if !sawResult {
		t.Error("tool result missing from follow-up request")
	}

	// Every persisted tool result pairs with a preceding assistant call.
	sess, _ := store.GetOrCreate(context.Background(), "s")
	history, _ := store.History(context.Background(), sess.ID, 0)
	known := map[string]bool{}
	for _, m := range history {
		for _, tc := range m.ToolCalls {
			known[tc.ID] = true
		}
		if m.Role == models.RoleTool && !known[m.ToolCallID] {
			t.Errorf("orphan tool result %q", m.ToolCallID)
		}
	}
}

func TestRunEscalation(t *testing.T) {
	local := newLocal(step{resp: &providers.ChatResponse{
		Content: "I'm not sure. I don't know.",
		Usage:   providers.Usage{InputTokens: 25, OutputTokens: 10},
	}})
	remote := newRemote(step{resp: &providers.ChatResponse{
		Content: "The outage traces back to a DNS TTL misconfiguration.",
		Usage:   providers.Usage{InputTokens: 40, OutputTokens: 20},
	}})
	loop := newTestLoop(t, local, remote, Options{})

	var reason string
	events := &Events{OnEscalation: func(r string) { reason = r }}
	resp, err := loop.Run(context.Background(), "s", "why did the outage happen?", events)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !resp.Escalated || resp.Target != routing.TargetRemote {
		t.Errorf("response = %+v", resp)
	}
	if resp.Provider != "anthropic/claude-sonnet-4" {
		t.Errorf("provider = %q", resp.Provider)
	}
	if reason != "uncertainty_detected" {
		t.Errorf("reason = %q", reason)
	}
	if !strings.Contains(resp.Content, "DNS TTL") {
		t.Errorf("content = %q", resp.Content)
	}
	// The remote rerun sees the weak local reply in its context.
	last := remote.reqs[len(remote.reqs)-1]
	var sawWeak bool
	for _, m := range last.Messages {
		if m.Role == models.RoleAssistant && strings.Contains(m.Content, "I'm not sure") {
			sawWeak = true
		}
	}
	if !sawWeak {
		t.Error("escalation rerun lost the local assistant message")
	}
}

func TestRunNoEscalationWithoutRemote(t *testing.T) {
	local := newLocal(step{resp: &providers.ChatResponse{Content: "Hi!"}})
	loop := newTestLoop(t, local, nil, Options{})
	resp, err := loop.Run(context.Background(), "s", "Hello!", nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if resp.Escalated {
		t.Error("escalated with no remote provider")
	}
}

func TestRunToolGate(t *testing.T) {
	local := newLocal(
		step{resp: &providers.ChatResponse{
			ToolCalls: []models.ToolCall{{ID: "call_1", Name: "read_file", Arguments: map[string]any{"path": "/etc/shadow"}}},
		}},
		step{resp: &providers.ChatResponse{Content: "Understood, skipping that."}},
	)
	reg := NewRegistry()
	reg.Register(&echoTool{output: "secret"})
	loop := newTestLoop(t, local, nil, Options{Tools: reg})

	var gated models.ToolResult
	events := &Events{
		OnBeforeToolExec:   func(models.ToolCall) bool { return false },
		OnToolCallComplete: func(_, _ string, r models.ToolResult) { gated = r },
	}
	if _, err := loop.Run(context.Background(), "s", "read the file /etc/shadow", events); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if gated.Success || gated.Output != "skipped by operator" {
		t.Errorf("gated result = %+v", gated)
	}
	// The model sees the skip as an errored tool result.
	second := local.reqs[1]
	var sawSkip bool
	for _, m := range second.Messages {
		if m.Role == models.RoleTool && m.Content == "skipped by operator" && m.Metadata["is_error"] == "true" {
			sawSkip = true
		}
	}
	if !sawSkip {
		t.Error("skip result not surfaced to the model")
	}
}

func TestRunProviderFailurePersistsNothing(t *testing.T) {
	local := newLocal(step{err: &providers.ProviderError{
		Kind: providers.KindAuth, Provider: "local", Message: "401 unauthorized",
	}})
	store := sessions.NewMemoryStore()
	loop := newTestLoop(t, local, nil, Options{Store: store})

	var sawErr error
	events := &Events{OnError: func(err error) { sawErr = err }}
	_, err := loop.Run(context.Background(), "s", "Hello!", events)
	if err == nil {
		t.Fatal("expected error")
	}
	ae, ok := AsAgentError(err)
	if !ok || ae.Kind != ErrKindProvider {
		t.Errorf("err = %v", err)
	}
	if sawErr == nil {
		t.Error("OnError not emitted")
	}

	sess, _ := store.GetOrCreate(context.Background(), "s")
	history, _ := store.History(context.Background(), sess.ID, 0)
	if len(history) != 0 {
		t.Errorf("failed run persisted %d messages", len(history))
	}
}

func TestRunRetriesTransient(t *testing.T) {
	local := newLocal(
		step{err: &providers.ProviderError{Kind: providers.KindTransient, Provider: "local", Message: "503 service unavailable"}},
		step{resp: &providers.ChatResponse{Content: "Recovered."}},
	)
	loop := newTestLoop(t, local, nil, Options{})
	resp, err := loop.Run(context.Background(), "s", "Hello!", nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if resp.Content != "Recovered." || len(local.reqs) != 2 {
		t.Errorf("content = %q, calls = %d", resp.Content, len(local.reqs))
	}
}

func TestRunRefitsOnContextOverflow(t *testing.T) {
	local := newLocal(
		step{err: &providers.ContextSizeError{PromptTokens: 9000, ContextSize: 8192}},
		step{resp: &providers.ChatResponse{Content: "Fits now."}},
	)
	loop := newTestLoop(t, local, nil, Options{})
	resp, err := loop.Run(context.Background(), "s", "Hello!", nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if resp.Content != "Fits now." || len(local.reqs) != 2 {
		t.Errorf("content = %q, calls = %d", resp.Content, len(local.reqs))
	}
}

func TestRunTurnBudgetExhausted(t *testing.T) {
	call := step{resp: &providers.ChatResponse{
		Content:   "still working",
		ToolCalls: []models.ToolCall{{ID: "c", Name: "read_file"}},
	}}
	local := newLocal(call, call, call)
	reg := NewRegistry()
	reg.Register(&echoTool{output: "x"})
	loop := newTestLoop(t, local, nil, Options{Tools: reg, Config: LoopConfig{MaxTurns: 2}})

	resp, err := loop.Run(context.Background(), "s", "read the file /tmp/x", nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !resp.Truncated || resp.Turns != 2 {
		t.Errorf("response = %+v", resp)
	}
}

func TestRunBudgetNoticePerThresholdFlip(t *testing.T) {
	// Turn one lands in the high band, turn two crosses critical; each
	// flip appends its own notice.
	local := newLocal(
		step{resp: &providers.ChatResponse{
			ToolCalls: []models.ToolCall{{ID: "c1", Name: "read_file"}},
			Usage:     providers.Usage{InputTokens: 6500, OutputTokens: 20},
		}},
		step{resp: &providers.ChatResponse{
			Content: "done",
			Usage:   providers.Usage{InputTokens: 7600, OutputTokens: 10},
		}},
	)
	reg := NewRegistry()
	reg.Register(&echoTool{output: "x"})
	store := sessions.NewMemoryStore()
	loop := newTestLoop(t, local, nil, Options{Store: store, Tools: reg})

	if _, err := loop.Run(context.Background(), "s", "read the file /tmp/x", nil); err != nil {
		t.Fatalf("Run: %v", err)
	}
	sess, _ := store.GetOrCreate(context.Background(), "s")
	history, _ := store.History(context.Background(), sess.ID, 0)
	notices := 0
	for _, m := range history {
		if m.Role == models.RoleSystem && strings.HasPrefix(m.Content, "[Context window is") {
			notices++
		}
	}
	if notices != 2 {
		t.Errorf("notices = %d, want one per threshold flip", notices)
	}
}

func TestRunTruncatedToolTurnDoesNotEscalate(t *testing.T) {
	// A run that exhausts its turn budget ends on a tool-call turn; the
	// short-response rule must not treat that as an insufficient answer.
	call := step{resp: &providers.ChatResponse{
		ToolCalls: []models.ToolCall{{ID: "c", Name: "read_file"}},
	}}
	local := newLocal(call, call)
	remote := newRemote()
	reg := NewRegistry()
	reg.Register(&echoTool{output: "x"})
	loop := newTestLoop(t, local, remote, Options{Tools: reg, Config: LoopConfig{MaxTurns: 2}})

	resp, err := loop.Run(context.Background(), "s", "read the file /tmp/x", nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !resp.Truncated {
		t.Fatalf("response = %+v", resp)
	}
	if resp.Escalated || len(remote.reqs) != 0 {
		t.Errorf("truncated tool run escalated, remote calls = %d", len(remote.reqs))
	}
}

// classifyingProvider answers summarization and flush requests out of
// band so the scripted turn steps stay aligned.
type classifyingProvider struct {
	scriptedProvider
	summarizeCalls int
	flushCalls     int
}

func (p *classifyingProvider) Chat(ctx context.Context, req *providers.ChatRequest) (*providers.ChatResponse, error) {
	if len(req.Messages) > 0 && req.Messages[0].Role == models.RoleSystem {
		switch {
		case strings.HasPrefix(req.Messages[0].Content, "You compress conversations"):
			p.summarizeCalls++
			return &providers.ChatResponse{Content: "- earlier history"}, nil
		case strings.HasPrefix(req.Messages[0].Content, "Extract durable facts"):
			p.flushCalls++
			return &providers.ChatResponse{Content: "[]"}, nil
		}
	}
	return p.scriptedProvider.Chat(ctx, req)
}

func TestRunFlushesTrimmedPrefixOnce(t *testing.T) {
	// Both turns of this run drop the same two old messages during
	// fitting; they are flushed and summarized once, not per fit.
	old := strings.Repeat("history ", 200)
	store := sessions.NewMemoryStore()
	sess, _ := store.GetOrCreate(context.Background(), "s")
	_ = store.Append(context.Background(), sess.ID, []models.Message{
		{Role: models.RoleUser, Content: old},
		{Role: models.RoleAssistant, Content: old},
		{Role: models.RoleUser, Content: old},
		{Role: models.RoleAssistant, Content: old},
	})

	local := &classifyingProvider{scriptedProvider: scriptedProvider{
		name: "local", model: "qwen3-8b", window: 2100,
		steps: []step{
			{resp: &providers.ChatResponse{ToolCalls: []models.ToolCall{{ID: "c", Name: "read_file"}}}},
			{resp: &providers.ChatResponse{Content: "done"}},
		},
	}}
	reg := NewRegistry()
	reg.Register(&echoTool{output: "x"})
	loop := newTestLoop(t, local, nil, Options{Store: store, Tools: reg, Memory: memory.NewInMemoryStore()})

	resp, err := loop.Run(context.Background(), "s", "read the file /tmp/x", nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if resp.Turns != 2 {
		t.Fatalf("response = %+v", resp)
	}
	if local.flushCalls != 1 {
		t.Errorf("flush calls = %d, want 1", local.flushCalls)
	}
	if local.summarizeCalls != 1 {
		t.Errorf("summarize calls = %d, want 1", local.summarizeCalls)
	}
	// The model still sees the trimming notice on the first request.
	var sawNotice bool
	for _, m := range local.reqs[0].Messages {
		if strings.HasPrefix(m.Content, "[Earlier conversation trimmed") {
			sawNotice = true
		}
	}
	if !sawNotice {
		t.Error("trimming notice missing from fitted request")
	}
}

func TestRunInjectsMemoryRecall(t *testing.T) {
	mem := memory.NewInMemoryStore()
	_ = mem.Store(context.Background(), models.MemoryEntry{
		Key: "editor_preference", Value: "User prefers the helix editor.", Category: models.MemoryPreference,
	})
	local := newLocal(step{resp: &providers.ChatResponse{Content: "helix it is"}})
	loop := newTestLoop(t, local, nil, Options{Memory: mem})

	if _, err := loop.Run(context.Background(), "s", "open my usual editor preference", nil); err != nil {
		t.Fatalf("Run: %v", err)
	}
	req := local.reqs[0]
	var sawRecall bool
	for _, m := range req.Messages {
		if m.Role == models.RoleSystem && strings.HasPrefix(m.Content, "[Recalled memories relevant to this message:") {
			if !strings.Contains(m.Content, "helix") {
				t.Errorf("recall content = %q", m.Content)
			}
			sawRecall = true
		}
	}
	if !sawRecall {
		t.Error("recall message not injected")
	}
}
