package databases

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

// memorySearch is a minimal in-process FullTextSearch used by tests and by
// the "memory" backend configuration. Scoring is a crude term-overlap count,
// sufficient for deterministic test fixtures; production deployments use
// pgSearch or SqliteKB.
type memorySearch struct {
	mu    sync.RWMutex
	items map[string]SearchResult

	docMu sync.RWMutex
	docs  map[string]Document
}

// NewMemorySearch returns an in-process FullTextSearch that also implements
// ChunkIDLister and DocumentStore, so the "memory" backend exercises the
// full retriever + document lifecycle in tests without sqlite.
func NewMemorySearch() FullTextSearch {
	return &memorySearch{items: map[string]SearchResult{}, docs: map[string]Document{}}
}

func (m *memorySearch) UpsertDocument(_ context.Context, doc Document) error {
	m.docMu.Lock()
	defer m.docMu.Unlock()
	now := time.Now().UTC()
	if existing, ok := m.docs[doc.ID]; ok {
		doc.CreatedAt = existing.CreatedAt
	} else {
		doc.CreatedAt = now
	}
	doc.UpdatedAt = now
	m.docs[doc.ID] = doc
	return nil
}

func (m *memorySearch) GetDocument(_ context.Context, id string) (Document, bool, error) {
	m.docMu.RLock()
	defer m.docMu.RUnlock()
	d, ok := m.docs[id]
	return d, ok, nil
}

func (m *memorySearch) ListDocuments(_ context.Context, ids []string) ([]Document, error) {
	m.docMu.RLock()
	defer m.docMu.RUnlock()
	if len(ids) == 0 {
		out := make([]Document, 0, len(m.docs))
		for _, d := range m.docs {
			out = append(out, d)
		}
		return out, nil
	}
	out := make([]Document, 0, len(ids))
	for _, id := range ids {
		if d, ok := m.docs[id]; ok {
			out = append(out, d)
		}
	}
	return out, nil
}

func (m *memorySearch) DeleteDocument(_ context.Context, id string) error {
	m.docMu.Lock()
	defer m.docMu.Unlock()
	delete(m.docs, id)
	return nil
}

func (m *memorySearch) Index(_ context.Context, id, docID, text string, metadata map[string]string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items[id] = SearchResult{ID: id, DocID: docID, Text: text, Metadata: metadata}
	return nil
}

func (m *memorySearch) Remove(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.items, id)
	return nil
}

func (m *memorySearch) Search(_ context.Context, query string, limit int, filter map[string]string) ([]SearchResult, error) {
	if limit <= 0 {
		limit = 10
	}
	terms := strings.Fields(strings.ToLower(query))
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []SearchResult
	for _, it := range m.items {
		if !matchesFilter(it.Metadata, filter) {
			continue
		}
		lt := strings.ToLower(it.Text)
		score := 0.0
		for _, t := range terms {
			if strings.Contains(lt, t) {
				score++
			}
		}
		if score == 0 {
			continue
		}
		hit := it
		hit.Score = score
		if len(hit.Text) > 160 {
			hit.Snippet = hit.Text[:160]
		} else {
			hit.Snippet = hit.Text
		}
		out = append(out, hit)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memorySearch) GetByID(_ context.Context, id string) (SearchResult, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.items[id]
	return r, ok, nil
}

func (m *memorySearch) ListChunkIDs(_ context.Context, filter map[string]string, limit int) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.items))
	for id, it := range m.items {
		if matchesFilter(it.Metadata, filter) {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// memoryVector is a brute-force in-process VectorStore for tests.
type memoryVector struct {
	mu   sync.RWMutex
	vecs map[string][]float32
	meta map[string]map[string]string
}

func NewMemoryVector() VectorStore {
	return &memoryVector{vecs: map[string][]float32{}, meta: map[string]map[string]string{}}
}

func (m *memoryVector) Upsert(_ context.Context, id string, vector []float32, metadata map[string]string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.vecs[id] = vector
	m.meta[id] = metadata
	return nil
}

func (m *memoryVector) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.vecs, id)
	delete(m.meta, id)
	return nil
}

func (m *memoryVector) SimilaritySearch(_ context.Context, vector []float32, k int, filter map[string]string) ([]VectorResult, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []VectorResult
	for id, v := range m.vecs {
		if !matchesFilter(m.meta[id], filter) {
			continue
		}
		out = append(out, VectorResult{ID: id, Score: cosineSimilarity(vector, v), Metadata: m.meta[id]})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	if k > 0 && len(out) > k {
		out = out[:k]
	}
	return out, nil
}

// memoryGraph is a brute-force in-process GraphDB for tests.
type memoryGraph struct {
	mu    sync.RWMutex
	nodes map[string]Node
	edges map[string][]edgeRef
}

type edgeRef struct {
	rel string
	dst string
}

func NewMemoryGraph() GraphDB {
	return &memoryGraph{nodes: map[string]Node{}, edges: map[string][]edgeRef{}}
}

func (g *memoryGraph) UpsertNode(_ context.Context, id string, labels []string, props map[string]any) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.nodes[id] = Node{ID: id, Labels: labels, Props: props}
	return nil
}

func (g *memoryGraph) UpsertEdge(_ context.Context, srcID, rel, dstID string, _ map[string]any) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.edges[srcID] = append(g.edges[srcID], edgeRef{rel: rel, dst: dstID})
	return nil
}

func (g *memoryGraph) Neighbors(_ context.Context, id string, rel string) ([]string, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	var out []string
	for _, e := range g.edges[id] {
		if rel == "" || e.rel == rel {
			out = append(out, e.dst)
		}
	}
	return out, nil
}

func (g *memoryGraph) GetNode(_ context.Context, id string) (Node, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	n, ok := g.nodes[id]
	return n, ok
}
