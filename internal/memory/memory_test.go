package memory

import (
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/tandemhq/tandem/pkg/models"
)

func testStores(t *testing.T) map[string]Store {
	t.Helper()
	sq, err := OpenSQLite(filepath.Join(t.TempDir(), "memory.db"))
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	t.Cleanup(func() { sq.Close() })
	return map[string]Store{
		"inmemory": NewInMemoryStore(),
		"sqlite":   sq,
	}
}

func seed(t *testing.T, s Store) {
	t.Helper()
	ctx := context.Background()
	entries := []models.MemoryEntry{
		{Key: "editor_preference", Value: "User prefers the helix editor.", Category: models.MemoryPreference},
		{Key: "project_root", Value: "The billing service lives in /srv/billing.", Category: models.MemoryProject},
		{Key: "db_host", Value: "Production postgres runs on db01.internal.", Category: models.MemoryFact},
	}
	for _, e := range entries {
		if err := s.Store(ctx, e); err != nil {
			t.Fatal(err)
		}
	}
}

func TestRecallRelevant(t *testing.T) {
	for name, s := range testStores(t) {
		t.Run(name, func(t *testing.T) {
			seed(t, s)
			got, err := s.Recall(context.Background(), "which editor does the user prefer?", 5, DefaultRecallThreshold)
			if err != nil {
				t.Fatal(err)
			}
			if !strings.Contains(got, "helix") {
				t.Errorf("recall = %q", got)
			}
			if strings.Contains(got, "db01") {
				t.Errorf("unrelated entry recalled: %q", got)
			}
		})
	}
}

func TestRecallEmptyOnNoMatch(t *testing.T) {
	for name, s := range testStores(t) {
		t.Run(name, func(t *testing.T) {
			seed(t, s)
			got, err := s.Recall(context.Background(), "quantum chromodynamics", 5, DefaultRecallThreshold)
			if err != nil {
				t.Fatal(err)
			}
			if got != "" {
				t.Errorf("recall = %q, want empty", got)
			}
		})
	}
}

func TestStoreUpserts(t *testing.T) {
	for name, s := range testStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			e := models.MemoryEntry{Key: "editor_preference", Value: "User prefers vim.", Category: models.MemoryPreference}
			if err := s.Store(ctx, e); err != nil {
				t.Fatal(err)
			}
			e.Value = "User prefers helix now."
			if err := s.Store(ctx, e); err != nil {
				t.Fatal(err)
			}
			got, err := s.Recall(ctx, "editor preference", 5, 0.1)
			if err != nil {
				t.Fatal(err)
			}
			if !strings.Contains(got, "helix now") || strings.Contains(got, "vim") {
				t.Errorf("upsert not applied: %q", got)
			}
		})
	}
}

func TestRecallLimit(t *testing.T) {
	s := NewInMemoryStore()
	ctx := context.Background()
	for _, k := range []string{"alpha_note", "beta_note", "gamma_note"} {
		if err := s.Store(ctx, models.MemoryEntry{Key: k, Value: "shared keyword zebra", Category: models.MemoryFact}); err != nil {
			t.Fatal(err)
		}
	}
	got, err := s.Recall(ctx, "zebra", 2, 0.1)
	if err != nil {
		t.Fatal(err)
	}
	if n := len(strings.Split(got, "\n")); n != 2 {
		t.Errorf("recalled %d entries: %q", n, got)
	}
}
