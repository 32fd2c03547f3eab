package context

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/tandemhq/tandem/pkg/models"
)

func TestSummarizeUsesProvider(t *testing.T) {
	p := &scriptedProvider{content: "- user asked about DNS\n- read /etc/hosts"}
	s := NewSummarizer(p)
	got := s.Summarize(context.Background(), []models.Message{
		{Role: models.RoleUser, Content: "what does /etc/hosts do?"},
		{Role: models.RoleAssistant, Content: "It maps hostnames to addresses."},
	}, "")
	if !strings.HasPrefix(got, "- user asked about DNS") {
		t.Errorf("summary = %q", got)
	}
	if p.gotReq == nil || !strings.Contains(p.gotReq.Messages[1].Content, "/etc/hosts") {
		t.Error("transcript not passed to provider")
	}
}

func TestSummarizeFallsBackExtractively(t *testing.T) {
	s := NewSummarizer(&scriptedProvider{err: errors.New("down")})
	got := s.Summarize(context.Background(), []models.Message{
		{Role: models.RoleUser, Content: "please refactor the billing module"},
		{Role: models.RoleAssistant, ToolCalls: []models.ToolCall{{ID: "c1", Name: "read_file"}}},
		{Role: models.RoleTool, Content: "...", ToolCallID: "c1"},
	}, "- earlier: set up repo")
	if !strings.Contains(got, "- earlier: set up repo") {
		t.Errorf("existing summary dropped: %q", got)
	}
	if !strings.Contains(got, "refactor the billing module") {
		t.Errorf("user ask missing: %q", got)
	}
	if !strings.Contains(got, "ran tool: read_file") {
		t.Errorf("tool name missing: %q", got)
	}
}

func TestSummaryMessageMarked(t *testing.T) {
	m := SummaryMessage("- a fact")
	if m.Role != models.RoleSystem {
		t.Errorf("role = %s", m.Role)
	}
	if !IsSummaryMessage(&m) {
		t.Error("summary message not marked")
	}
	if !strings.Contains(m.Content, "Conversation summary") {
		t.Errorf("content = %q", m.Content)
	}
	plain := models.Message{Role: models.RoleSystem, Content: "x"}
	if IsSummaryMessage(&plain) {
		t.Error("plain system message detected as summary")
	}
}
