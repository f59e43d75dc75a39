package kg

import (
	"context"
	"testing"

	"council/internal/persistence/databases"
)

func TestCharWindows_OverlapAndCoverage(t *testing.T) {
	text := "0123456789abcdefghijklmnopqrstuvwxyz"
	windows := charWindows(text, 10, 3)
	if len(windows) < 2 {
		t.Fatalf("expected multiple windows, got %d", len(windows))
	}
	if windows[0] != text[0:10] {
		t.Fatalf("first window = %q, want %q", windows[0], text[0:10])
	}
	last := windows[len(windows)-1]
	if last != text[len(text)-len(last):] {
		t.Fatalf("last window %q does not align with end of text", last)
	}
	if windows[1][:3] != windows[0][len(windows[0])-3:] {
		t.Fatalf("expected 3-char overlap between consecutive windows")
	}
}

func TestCharWindows_EmptyText(t *testing.T) {
	if got := charWindows("", 10, 2); got != nil {
		t.Fatalf("expected nil for empty text, got %v", got)
	}
}

func TestSanitizeRelType(t *testing.T) {
	cases := map[string]string{
		"works at":   "WORKS_AT",
		"":           "RELATED_TO",
		"co-founder": "CO_FOUNDER",
		"KNOWS":      "KNOWS",
	}
	for in, want := range cases {
		if got := sanitizeRelType(in); got != want {
			t.Fatalf("sanitizeRelType(%q) = %q, want %q", in, got, want)
		}
	}
}

type fakeGraph struct {
	nodes map[string]databases.Node
	edges []string
}

func newFakeGraph() *fakeGraph {
	return &fakeGraph{nodes: map[string]databases.Node{}}
}

func (g *fakeGraph) UpsertNode(_ context.Context, id string, labels []string, props map[string]any) error {
	g.nodes[id] = databases.Node{ID: id, Labels: labels, Props: props}
	return nil
}

func (g *fakeGraph) UpsertEdge(_ context.Context, srcID, rel, dstID string, _ map[string]any) error {
	g.edges = append(g.edges, srcID+"-"+rel+"->"+dstID)
	return nil
}

func (g *fakeGraph) Neighbors(_ context.Context, id, rel string) ([]string, error) { return nil, nil }

func (g *fakeGraph) GetNode(_ context.Context, id string) (databases.Node, bool) {
	n, ok := g.nodes[id]
	return n, ok
}

func TestUpsert_SynthesizesPlaceholderEndpoints(t *testing.T) {
	g := newFakeGraph()
	result := Result{
		Entities:  []Entity{{Name: "Acme Corp", Type: "Organization"}},
		Relations: []Relation{{Source: "Acme Corp", Type: "employs", Target: "Jane Doe"}},
	}
	if err := Upsert(context.Background(), g, result); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	if _, ok := g.GetNode(context.Background(), "Acme Corp"); !ok {
		t.Fatalf("expected explicit entity node")
	}
	jane, ok := g.GetNode(context.Background(), "Jane Doe")
	if !ok {
		t.Fatalf("expected placeholder node for unresolved relation target")
	}
	if jane.Props["placeholder"] != true {
		t.Fatalf("expected placeholder flag set, got %+v", jane.Props)
	}
	if len(g.edges) != 1 || g.edges[0] != "Acme Corp-EMPLOYS->Jane Doe" {
		t.Fatalf("unexpected edges: %v", g.edges)
	}
}
