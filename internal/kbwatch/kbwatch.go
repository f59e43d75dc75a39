// Package kbwatch implements the optional folder-watch poller named in
// SPEC_FULL.md's supplemented-features note: a lightweight,
// dependency-free alternative to filesystem watchers that periodically
// rescans configured roots, ingests new/changed files into the document
// store and full-text index, and retires deleted ones. Grounded on
// original_source/backend/kb_watch.py's scan_once loop, restructured around
// a time.Ticker the way the teacher's internal/llm token cache runs its
// janitor goroutine.
package kbwatch

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"council/internal/observability"
	"council/internal/persistence/databases"
	"council/internal/rag/chunker"
	"council/internal/rag/retrieve"
)

// defaultExts mirrors the original's fallback when no extension allowlist is
// configured.
var defaultExts = map[string]bool{"txt": true, "md": true, "log": true, "json": true}

const maxFileBytes = 20 * 1024 * 1024

// seenFile tracks the last-ingested state of one watched path so unchanged
// files are skipped without re-reading their contents.
type seenFile struct {
	modTime time.Time
	size    int64
	sha256  string
	docID   string
}

// Watcher polls Dir on Interval and keeps the document store/full-text
// index in sync with what's on disk.
type Watcher struct {
	Dir      string
	Interval time.Duration
	Docs     databases.DocumentStore
	Search   databases.FullTextSearch
	Retr     *retrieve.Retriever

	seen map[string]seenFile
}

// New constructs a Watcher. interval is clamped to a 2s floor, matching the
// original's "max(2, interval_seconds)".
func New(dir string, interval time.Duration, docs databases.DocumentStore, search databases.FullTextSearch, retr *retrieve.Retriever) *Watcher {
	if interval < 2*time.Second {
		interval = 2 * time.Second
	}
	return &Watcher{Dir: dir, Interval: interval, Docs: docs, Search: search, Retr: retr, seen: map[string]seenFile{}}
}

// Run polls until ctx is canceled. A scan error is logged and does not stop
// the loop, so a transient disk/IO issue on one tick does not disable
// ingestion permanently.
func (w *Watcher) Run(ctx context.Context) {
	if w.Dir == "" {
		return
	}
	logger := observability.LoggerWithTrace(ctx)
	logger.Info().Str("dir", w.Dir).Dur("interval", w.Interval).Msg("kbwatch: starting")

	ticker := time.NewTicker(w.Interval)
	defer ticker.Stop()

	w.scanOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.scanOnce(ctx)
		}
	}
}

// scanOnce walks Dir once, ingesting new/changed files and retiring deleted
// ones (original_source/backend/kb_watch.py's scan_once).
func (w *Watcher) scanOnce(ctx context.Context) {
	logger := observability.LoggerWithTrace(ctx)
	if err := os.MkdirAll(w.Dir, 0o755); err != nil {
		logger.Warn().Err(err).Str("dir", w.Dir).Msg("kbwatch: mkdir failed")
		return
	}

	seenPaths := map[string]bool{}
	ingested, deleted := 0, 0
	var toIndex []string

	err := filepath.WalkDir(w.Dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return nil // skip unreadable entries rather than aborting the walk
		}
		if d.IsDir() {
			if isHiddenComponent(d.Name()) && path != w.Dir {
				return filepath.SkipDir
			}
			return nil
		}
		if isHiddenComponent(d.Name()) {
			return nil
		}
		ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(path), "."))
		if !defaultExts[ext] {
			return nil
		}
		info, err := d.Info()
		if err != nil || info.Size() > maxFileBytes {
			return nil
		}
		seenPaths[path] = true

		prev, existed := w.seen[path]
		if existed && prev.modTime.Equal(info.ModTime()) && prev.size == info.Size() {
			return nil
		}

		sum, text, ok := readAndHash(path)
		if !ok {
			return nil
		}
		if existed && prev.sha256 == sum {
			w.seen[path] = seenFile{modTime: info.ModTime(), size: info.Size(), sha256: sum, docID: prev.docID}
			return nil
		}
		if strings.TrimSpace(text) == "" {
			return nil
		}

		id := stableDocID(path)
		categories := deriveCategories(w.Dir, path)

		doc := databases.Document{
			ID: id, Title: strings.TrimSuffix(filepath.Base(path), filepath.Ext(path)),
			Source: path, Text: text, Categories: categories,
		}
		if err := w.Docs.UpsertDocument(ctx, doc); err != nil {
			logger.Warn().Err(err).Str("path", path).Msg("kbwatch: upsert failed")
			return nil
		}
		if w.Search != nil {
			if err := removeDocumentChunks(ctx, w.Search, w.Retr, id); err != nil {
				logger.Warn().Err(err).Str("doc_id", id).Msg("kbwatch: chunk cleanup before reindex failed")
			}
			if err := indexDocumentChunks(ctx, w.Search, doc); err != nil {
				logger.Warn().Err(err).Str("doc_id", id).Msg("kbwatch: index failed")
			}
		}
		w.seen[path] = seenFile{modTime: info.ModTime(), size: info.Size(), sha256: sum, docID: id}
		ingested++
		toIndex = append(toIndex, id)
		return nil
	})
	if err != nil {
		logger.Warn().Err(err).Msg("kbwatch: walk failed")
	}

	for path, prev := range w.seen {
		if seenPaths[path] {
			continue
		}
		if err := w.Docs.DeleteDocument(ctx, prev.docID); err != nil {
			logger.Warn().Err(err).Str("path", path).Msg("kbwatch: delete failed")
		}
		if w.Search != nil {
			if err := removeDocumentChunks(ctx, w.Search, w.Retr, prev.docID); err != nil {
				logger.Warn().Err(err).Str("doc_id", prev.docID).Msg("kbwatch: chunk delete failed")
			}
		}
		delete(w.seen, path)
		deleted++
	}

	if w.Retr != nil && len(toIndex) > 0 {
		w.Retr.BumpRevision()
	}
	if ingested > 0 || deleted > 0 {
		logger.Info().Int("ingested", ingested).Int("deleted", deleted).Msg("kbwatch: scan complete")
	}
}

// indexDocumentChunks mirrors the office_ingest plugin's chunk-then-index
// step so watched files are retrievable at the same granularity as
// explicitly ingested documents.
func indexDocumentChunks(ctx context.Context, search databases.FullTextSearch, doc databases.Document) error {
	chunks, err := (chunker.SimpleChunker{}).Chunk(doc.Text, chunker.ChunkingOptions{Strategy: "fixed", MaxTokens: 400, Overlap: 40})
	if err != nil {
		return err
	}
	md := map[string]string{
		"title":      doc.Title,
		"source":     doc.Source,
		"categories": strings.Join(doc.Categories, ","),
		"agent_ids":  strings.Join(doc.AgentIDs, ","),
	}
	for _, c := range chunks {
		id := fmt.Sprintf("%s#%d", doc.ID, c.Index)
		if err := search.Index(ctx, id, doc.ID, c.Text, md); err != nil {
			return err
		}
	}
	return nil
}

// removeDocumentChunks retires every indexed chunk belonging to docID ahead
// of a reindex or on file deletion. The full-text backend has no
// delete-by-doc-id primitive, so this enumerates via the optional
// ChunkIDLister capability and removes matches one at a time; backends that
// don't implement it are a silent no-op,
// matching the best-effort posture the original kb_watch.py's try/except
// wrapping shows throughout scan_once. When retr is non-nil, the matching
// chunk's vector is also retired from the ANN backend, if one is configured,
// so a reindex or deletion never leaves a stale qdrant point behind.
func removeDocumentChunks(ctx context.Context, search databases.FullTextSearch, retr *retrieve.Retriever, docID string) error {
	lister, ok := search.(databases.ChunkIDLister)
	if !ok {
		return nil
	}
	ids, err := lister.ListChunkIDs(ctx, nil, 10000)
	if err != nil {
		return err
	}
	prefix := docID + "#"
	for _, id := range ids {
		if id != docID && !strings.HasPrefix(id, prefix) {
			continue
		}
		if err := search.Remove(ctx, id); err != nil {
			return err
		}
		if retr != nil {
			_ = retr.DeleteEmbedding(ctx, id)
		}
	}
	return nil
}

func isHiddenComponent(name string) bool {
	return strings.HasPrefix(name, ".") || strings.HasPrefix(name, "~$")
}

func readAndHash(path string) (sum string, text string, ok bool) {
	f, err := os.Open(path)
	if err != nil {
		return "", "", false
	}
	defer f.Close()
	h := sha256.New()
	data, err := io.ReadAll(io.TeeReader(f, h))
	if err != nil {
		return "", "", false
	}
	return hex.EncodeToString(h.Sum(nil)), string(data), true
}

// stableDocID derives a content-address-free but path-stable ID, so a
// rename produces a new document rather than silently overwriting one
// (original_source/backend/kb_watch.py's _stable_doc_id_for_path).
func stableDocID(path string) string {
	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}
	h := sha256.Sum256([]byte(filepath.ToSlash(abs)))
	return "file_" + hex.EncodeToString(h[:])[:40]
}

// deriveCategories uses the path's folder components (relative to root) as
// lightweight tags, bounded to avoid an unbounded category explosion.
func deriveCategories(root, path string) []string {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		rel = filepath.Base(path)
	}
	parts := strings.Split(filepath.ToSlash(filepath.Dir(rel)), "/")
	cats := []string{"kb_watch"}
	seen := map[string]bool{"kb_watch": true}
	for i, p := range parts {
		if i >= 6 {
			break
		}
		if p == "" || p == "." || seen[p] {
			continue
		}
		seen[p] = true
		cats = append(cats, p)
	}
	return cats
}
