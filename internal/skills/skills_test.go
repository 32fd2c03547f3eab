package skills

import (
	"os"
	"path/filepath"
	"testing"
)

const sampleSkill = `---
name: kubernetes-debugging
description: Debug failing pods and deployments.
complexity: remote
keywords:
  - kubectl
  - kubernetes
---
# Kubernetes debugging

Check pod events first.
`

func TestParse(t *testing.T) {
	s, err := Parse([]byte(sampleSkill))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if s.Name != "kubernetes-debugging" || s.Complexity != "remote" {
		t.Errorf("skill = %+v", s)
	}
	if s.Content == "" || s.Content[0] != '#' {
		t.Errorf("content = %q", s.Content)
	}
}

func TestParseRejectsMissingFields(t *testing.T) {
	if _, err := Parse([]byte("---\ndescription: x\n---\nbody")); err == nil {
		t.Error("missing name accepted")
	}
	if _, err := Parse([]byte("no frontmatter here")); err == nil {
		t.Error("missing frontmatter accepted")
	}
}

func TestLoadDirAndMatch(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "k8s.md"), []byte(sampleSkill), 0o644); err != nil {
		t.Fatal(err)
	}
	reg, err := LoadDir(dir)
	if err != nil {
		t.Fatalf("LoadDir: %v", err)
	}
	if len(reg.All()) != 1 {
		t.Fatalf("loaded %d skills", len(reg.All()))
	}

	if got := reg.Match("why does kubectl get pods hang?"); len(got) != 1 {
		t.Errorf("Match = %+v", got)
	}
	if got := reg.Match("write me a poem"); len(got) != 0 {
		t.Errorf("unexpected match: %+v", got)
	}
}

func TestLoadDirMissing(t *testing.T) {
	reg, err := LoadDir("/nonexistent/skills")
	if err != nil {
		t.Fatalf("LoadDir on missing dir: %v", err)
	}
	if len(reg.All()) != 0 {
		t.Error("expected empty registry")
	}
}
