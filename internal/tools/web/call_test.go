package web

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

const ddgFixture = `<html><body>
<div class="result results_links results_links_deep web-result">
  <a class="result__a" href="https://example.com/1">Example One</a>
  <a class="result__snippet">First snippet about the query.</a>
</div>
<div class="result results_links results_links_deep web-result">
  <a class="result__a" href="https://example.com/2">Example Two</a>
  <a class="result__snippet">Second snippet about the query.</a>
</div>
</body></html>`

func TestWebTool_Call_ParsesResults(t *testing.T) {
	h := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		w.Write([]byte(ddgFixture))
	})
	srv := httptest.NewServer(h)
	defer srv.Close()

	tool := NewTool(srv.URL)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	args := map[string]any{"query": "x", "max_results": 2}
	raw, _ := json.Marshal(args)
	res, err := tool.Call(ctx, raw)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	m, ok := res.(map[string]any)
	if !ok {
		t.Fatalf("unexpected result type: %#v", res)
	}
	if okv, _ := m["ok"].(bool); !okv {
		t.Fatalf("expected ok true, got %#v", m)
	}
	switch r := m["results"].(type) {
	case []any:
		if len(r) != 2 {
			t.Fatalf("expected 2 results, got %d", len(r))
		}
	case []SearchResult:
		if len(r) != 2 {
			t.Fatalf("expected 2 results, got %d", len(r))
		}
		if r[0].Snippet == "" {
			t.Fatalf("expected non-empty snippet")
		}
	default:
		t.Fatalf("unexpected results type: %T", r)
	}
}

func TestWebTool_Call_NoResultsErrors(t *testing.T) {
	h := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		w.Write([]byte(`<html><body>no matches</body></html>`))
	})
	srv := httptest.NewServer(h)
	defer srv.Close()

	cfg := DefaultRateLimitConfig()
	cfg.MaxRetries = 1
	cfg.BaseDelay = time.Millisecond
	cfg.MaxDelay = time.Millisecond
	tool := NewToolWithConfig(srv.URL, cfg)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	raw, _ := json.Marshal(map[string]any{"query": "x"})
	res, err := tool.Call(ctx, raw)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	m := res.(map[string]any)
	if okv, _ := m["ok"].(bool); okv {
		t.Fatalf("expected ok false when no results parsed")
	}
}
