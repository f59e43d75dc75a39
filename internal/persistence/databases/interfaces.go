// Package databases provides pluggable storage backends for the knowledge
// base: full-text search over chunks, a vector store for embeddings, and a
// graph store for entity/relation neighborhoods.
package databases

import (
	"context"
	"time"
)

// SearchResult represents a single hit from the full-text search backend.
type SearchResult struct {
	ID       string
	DocID    string
	Score    float64
	Snippet  string
	Text     string
	Metadata map[string]string
}

// FullTextSearch defines the minimum interface for a pluggable FTS backend
// operating over KB chunks. Score is the raw backend-native score (e.g.
// Postgres ts_rank or SQLite FTS5 bm25); callers map it to a quality in
// (0,1] via 1/(1+|score|).
type FullTextSearch interface {
	Index(ctx context.Context, id, docID, text string, metadata map[string]string) error
	Remove(ctx context.Context, id string) error
	Search(ctx context.Context, query string, limit int, filter map[string]string) ([]SearchResult, error)
	GetByID(ctx context.Context, id string) (SearchResult, bool, error)
}

// ChunkIDLister is an optional capability exposed by full-text backends that
// can enumerate chunk IDs in a scope without fetching text, used to build the
// semantic candidate pool for Hybrid Retriever step 2.
type ChunkIDLister interface {
	ListChunkIDs(ctx context.Context, filter map[string]string, limit int) ([]string, error)
}

// VectorResult represents a single nearest neighbor lookup result.
type VectorResult struct {
	ID       string
	Score    float64 // cosine similarity, higher is closer
	Metadata map[string]string
}

// VectorStore defines the minimum interface for a pluggable vector store.
type VectorStore interface {
	Upsert(ctx context.Context, id string, vector []float32, metadata map[string]string) error
	Delete(ctx context.Context, id string) error
	SimilaritySearch(ctx context.Context, vector []float32, k int, filter map[string]string) ([]VectorResult, error)
}

// EmbeddingCache is an optional capability for persisting chunk embeddings
// keyed by (chunk_id, model_spec), used by the retriever's backfill step.
type EmbeddingCache interface {
	GetEmbeddings(ctx context.Context, model string, ids []string) (map[string][]float32, error)
	SetEmbeddings(ctx context.Context, model string, vectors map[string][]float32) error
}

// Node is a minimal representation of a graph node.
type Node struct {
	ID     string
	Labels []string
	Props  map[string]any
}

// GraphDB defines a portable interface for minimal graph operations used by
// KG extraction upsert and graph-neighborhood expansion.
type GraphDB interface {
	UpsertNode(ctx context.Context, id string, labels []string, props map[string]any) error
	UpsertEdge(ctx context.Context, srcID, rel, dstID string, props map[string]any) error
	Neighbors(ctx context.Context, id string, rel string) ([]string, error)
	GetNode(ctx context.Context, id string) (Node, bool)
}

// Document is a knowledge-base document's denormalized metadata and full
// body text, distinct from the chunk rows FullTextSearch indexes: chunks
// carry a copy of title/source/categories/agent_ids so filter-by-document
// -metadata works without a join (spec §3 KB chunk), while Document is the
// source of truth read back for Stage0 preprocessing and Stage4 auto-save.
type Document struct {
	ID         string
	Title      string
	Source     string
	Categories []string
	AgentIDs   []string
	Text       string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// DocumentStore is an optional capability for a full-text backend that also
// persists document-level bodies, used by kb_index/office_ingest ingestion
// and by Stage0/Stage4 of the deliberation pipeline. Backends without it
// (e.g. the Postgres search backend) simply don't satisfy the interface; call
// sites type-assert and degrade gracefully per the "best-effort" contract
// used throughout §4.7.
type DocumentStore interface {
	UpsertDocument(ctx context.Context, doc Document) error
	GetDocument(ctx context.Context, id string) (Document, bool, error)
	ListDocuments(ctx context.Context, ids []string) ([]Document, error)
	DeleteDocument(ctx context.Context, id string) error
}

// Manager holds concrete database backends resolved from configuration.
type Manager struct {
	Search FullTextSearch
	Vector VectorStore
	Graph  GraphDB
}

// Close releases any underlying connection pools. It is a no-op for
// in-memory or embedded backends that don't hold external resources.
func (m Manager) Close() {
	if c, ok := any(m.Search).(interface{ Close() error }); ok {
		_ = c.Close()
	}
	if c, ok := any(m.Vector).(interface{ Close() error }); ok {
		_ = c.Close()
	}
	if c, ok := any(m.Graph).(interface{ Close() error }); ok {
		_ = c.Close()
	}
}
