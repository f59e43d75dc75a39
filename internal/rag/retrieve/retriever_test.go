package retrieve

import "testing"

func TestCosine(t *testing.T) {
	if got := cosine([]float32{1, 0}, []float32{1, 0}); got < 0.999 {
		t.Fatalf("identical vectors: got %v, want ~1", got)
	}
	if got := cosine([]float32{1, 0}, []float32{0, 1}); got > 0.001 || got < -0.001 {
		t.Fatalf("orthogonal vectors: got %v, want ~0", got)
	}
	if got := cosine(nil, []float32{1}); got != 0 {
		t.Fatalf("empty vector: got %v, want 0", got)
	}
}

func TestBlendedScore(t *testing.T) {
	h := &Hit{SemanticScore: 1.0, FTSScore: 0}
	if got := blendedScore(h); got != 0.65 {
		t.Fatalf("semantic-only: got %v, want 0.65", got)
	}
	h2 := &Hit{SemanticScore: 0, FTSScore: 1.0}
	if got := blendedScore(h2); got != 0.35 {
		t.Fatalf("fts-only: got %v, want 0.35", got)
	}
}

func TestInScope_DocIDs(t *testing.T) {
	h := Hit{DocID: "doc-2"}
	if !inScope(h, Scope{DocIDs: []string{"doc-1", "doc-2"}}) {
		t.Fatalf("expected doc-2 in scope")
	}
	if inScope(h, Scope{DocIDs: []string{"doc-1"}}) {
		t.Fatalf("expected doc-2 out of scope")
	}
}

func TestInScope_CategoriesOverlap(t *testing.T) {
	h := Hit{Categories: []string{"finance", "risk"}}
	if !inScope(h, Scope{Categories: []string{"risk", "legal"}}) {
		t.Fatalf("expected overlapping category to match")
	}
	if inScope(h, Scope{Categories: []string{"legal"}}) {
		t.Fatalf("expected no overlap to exclude")
	}
}

func TestInScope_AgentID(t *testing.T) {
	h := Hit{AgentIDs: []string{"a1", "a2"}}
	if !inScope(h, Scope{AgentID: "a2"}) {
		t.Fatalf("expected agent a2 in scope")
	}
	if inScope(h, Scope{AgentID: "a3"}) {
		t.Fatalf("expected agent a3 out of scope")
	}
}

func TestInScope_NoConstraintAllowsAll(t *testing.T) {
	if !inScope(Hit{}, Scope{}) {
		t.Fatalf("expected empty scope to allow everything")
	}
}

func TestSplitCSV(t *testing.T) {
	got := splitCSV(" a, b ,,c")
	want := []string{"a", "b", "c"}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v, want %v", got, want)
		}
	}
	if splitCSV("") != nil {
		t.Fatalf("expected nil for empty input")
	}
}
