package kbwatch

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"council/internal/persistence/databases"
)

func newTestWatcher(t *testing.T, dir string) (*Watcher, databases.FullTextSearch) {
	t.Helper()
	search := databases.NewMemorySearch()
	docs := search.(databases.DocumentStore)
	return New(dir, 0, docs, search, nil), search
}

func TestScanOnce_IngestsNewFiles(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "note.md"), []byte("hello world"), 0o644); err != nil {
		t.Fatal(err)
	}
	w, search := newTestWatcher(t, dir)
	w.scanOnce(context.Background())

	docs, err := search.(databases.DocumentStore).ListDocuments(context.Background(), nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(docs) != 1 {
		t.Fatalf("want 1 document, got %d", len(docs))
	}
	if docs[0].Text != "hello world" {
		t.Fatalf("unexpected text: %q", docs[0].Text)
	}
}

func TestScanOnce_SkipsUnchangedFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "note.txt")
	if err := os.WriteFile(path, []byte("v1"), 0o644); err != nil {
		t.Fatal(err)
	}
	w, search := newTestWatcher(t, dir)
	w.scanOnce(context.Background())
	w.scanOnce(context.Background())

	docs, _ := search.(databases.DocumentStore).ListDocuments(context.Background(), nil)
	if len(docs) != 1 {
		t.Fatalf("want 1 document after two scans of an unchanged file, got %d", len(docs))
	}
}

func TestScanOnce_ReindexesChangedContent(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "note.txt")
	if err := os.WriteFile(path, []byte("v1"), 0o644); err != nil {
		t.Fatal(err)
	}
	w, search := newTestWatcher(t, dir)
	w.scanOnce(context.Background())

	if err := os.WriteFile(path, []byte("v2, now longer"), 0o644); err != nil {
		t.Fatal(err)
	}
	// Force a distinct mtime so the fast-path unchanged check doesn't short-circuit.
	future := osStatTimeBump(t, path)
	_ = future
	w.scanOnce(context.Background())

	docs, _ := search.(databases.DocumentStore).ListDocuments(context.Background(), nil)
	if len(docs) != 1 || docs[0].Text != "v2, now longer" {
		t.Fatalf("expected reindexed content, got %+v", docs)
	}
}

func TestScanOnce_RetiresDeletedFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "note.txt")
	if err := os.WriteFile(path, []byte("v1"), 0o644); err != nil {
		t.Fatal(err)
	}
	w, search := newTestWatcher(t, dir)
	w.scanOnce(context.Background())

	if err := os.Remove(path); err != nil {
		t.Fatal(err)
	}
	w.scanOnce(context.Background())

	docs, _ := search.(databases.DocumentStore).ListDocuments(context.Background(), nil)
	if len(docs) != 0 {
		t.Fatalf("expected deleted file's document to be retired, got %d", len(docs))
	}
}

func TestScanOnce_SkipsHiddenAndUnsupportedExtensions(t *testing.T) {
	dir := t.TempDir()
	if err := os.Mkdir(filepath.Join(dir, ".git"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, ".git", "config"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "image.png"), []byte("binary"), 0o644); err != nil {
		t.Fatal(err)
	}
	w, search := newTestWatcher(t, dir)
	w.scanOnce(context.Background())

	docs, _ := search.(databases.DocumentStore).ListDocuments(context.Background(), nil)
	if len(docs) != 0 {
		t.Fatalf("expected hidden/unsupported files to be skipped, got %d", len(docs))
	}
}

func TestDeriveCategories_BoundedAndPrefixed(t *testing.T) {
	root := "/kb"
	cats := deriveCategories(root, "/kb/a/b/c/d/e/f/g/file.md")
	if cats[0] != "kb_watch" {
		t.Fatalf("expected kb_watch prefix, got %v", cats)
	}
	if len(cats) > 7 {
		t.Fatalf("expected categories bounded to 6 path components plus prefix, got %v", cats)
	}
}

func TestStableDocID_StableAcrossCalls(t *testing.T) {
	a := stableDocID("/kb/note.md")
	b := stableDocID("/kb/note.md")
	if a != b {
		t.Fatalf("expected stable doc id, got %q vs %q", a, b)
	}
	if c := stableDocID("/kb/other.md"); c == a {
		t.Fatalf("expected distinct doc ids for distinct paths")
	}
}

// osStatTimeBump nudges the file's mtime forward so a rewritten file with a
// filesystem clock coarser than the test's wall clock is still detected as
// changed by scanOnce's fast-path check.
func osStatTimeBump(t *testing.T, path string) bool {
	t.Helper()
	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	newTime := info.ModTime().Add(1 << 30) // comfortably past any filesystem mtime resolution
	if err := os.Chtimes(path, newTime, newTime); err != nil {
		t.Fatal(err)
	}
	return true
}
