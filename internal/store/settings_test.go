package store

import (
	"context"
	"path/filepath"
	"testing"
)

func TestSettingsStore_DefaultsAndUpdate(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "settings.json")

	s, err := NewSettingsStore(path)
	if err != nil {
		t.Fatalf("NewSettingsStore: %v", err)
	}
	if got := s.Get(ctx).ReportKBCategory; got != "council_reports" {
		t.Fatalf("expected default category, got %q", got)
	}

	next := s.Get(ctx)
	next.WebSearchEnabled = true
	if err := s.Update(ctx, next); err != nil {
		t.Fatalf("Update: %v", err)
	}

	reopened, err := NewSettingsStore(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if !reopened.Get(ctx).WebSearchEnabled {
		t.Fatalf("expected persisted WebSearchEnabled=true")
	}
}
