package store

import (
	"context"
	"path/filepath"
	"testing"
)

func TestPluginStore_DefaultsEnabled(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "plugins.json")

	s, err := NewPluginStore(path, []string{"web_search", "kb_index"})
	if err != nil {
		t.Fatalf("NewPluginStore: %v", err)
	}
	if !s.IsEnabled("web_search") {
		t.Fatalf("expected web_search enabled by default")
	}

	if err := s.Set(ctx, PluginConfig{Name: "web_search", Enabled: false}); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if s.IsEnabled("web_search") {
		t.Fatalf("expected web_search disabled after Set")
	}

	reopened, err := NewPluginStore(path, []string{"web_search", "kb_index"})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if reopened.IsEnabled("web_search") {
		t.Fatalf("expected disabled state to persist across reload")
	}
	if !reopened.IsEnabled("kb_index") {
		t.Fatalf("expected kb_index to still default-enable")
	}
}
