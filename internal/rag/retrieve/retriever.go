// Package retrieve implements the hybrid full-text + embedding retriever:
// streaming top-K semantic scoring, embedding backfill, short-lived result
// caching, and optional LLM reranking, grounded in the teacher's
// internal/rag/service/service.go parallel-fetch pattern and
// internal/persistence/databases backends.
package retrieve

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"council/internal/llm"
	"council/internal/observability"
	"council/internal/persistence/databases"
	"council/internal/util"
)

// Mode selects which retrieval legs run.
type Mode string

const (
	ModeFTS      Mode = "fts"
	ModeSemantic Mode = "semantic"
	ModeHybrid   Mode = "hybrid"
)

// Scope restricts a search to a subset of chunks. At most one of DocIDs,
// Categories, AgentID is meaningful per call; the pipeline resolves which
// one applies per spec §4.5.2 before calling Search.
type Scope struct {
	DocIDs     []string
	Categories []string
	AgentID    string
}

// Hit is a single scored retrieval result.
type Hit struct {
	ChunkID       string
	DocID         string
	Text          string
	Title         string
	Source        string
	Categories    []string
	AgentIDs      []string
	FTSScore      float64
	SemanticScore float64
	RerankScore   float64
	HasRerank     bool
	Retrieval     []string // subset of {"fts","semantic"}
}

// SearchParams bundles every Search argument named in spec §4.2.
type SearchParams struct {
	Query          string
	Scope          Scope
	Limit          int
	Mode           Mode
	EmbeddingModel string
	EnableRerank   bool
	RerankModel    string
	SemanticPool   int
	InitialK       int
}

// Retriever implements the Hybrid Retriever contract.
type Retriever struct {
	db       databases.Manager
	gw       *llm.Gateway
	reranker Reranker

	queryEmbedCache *ttlCache[[]float32]
	resultCache     *ttlCache[[]Hit]

	revision atomic.Int64
}

// New constructs a Retriever over db, routing embeddings/rerank through gw.
func New(db databases.Manager, gw *llm.Gateway, reranker Reranker) *Retriever {
	return &Retriever{
		db:              db,
		gw:              gw,
		reranker:        reranker,
		queryEmbedCache: newTTLCache[[]float32](256, time.Hour),
		resultCache:     newTTLCache[[]Hit](256, 90*time.Second),
	}
}

// BumpRevision invalidates the result cache in-process; called by indexing
// tools (kb_index, office_ingest) after a write.
func (r *Retriever) BumpRevision() { r.revision.Add(1) }

// Search runs the four-step hybrid algorithm described in spec §4.2.
func (r *Retriever) Search(ctx context.Context, p SearchParams) ([]Hit, error) {
	if strings.TrimSpace(p.Query) == "" {
		return nil, nil // empty query => empty result without I/O
	}
	if p.Limit <= 0 {
		p.Limit = 10
	}
	if p.InitialK <= 0 {
		p.InitialK = 50
	}
	if p.SemanticPool <= 0 {
		p.SemanticPool = 500
	}
	if p.Mode == "" {
		p.Mode = ModeHybrid
	}

	revision := r.revision.Load()
	cacheKey := fmt.Sprintf("%s|%v|%d|%s|%s|%v|%s|%d|%d|%d", p.Query, p.Scope, p.Limit, p.Mode, p.EmbeddingModel, p.EnableRerank, p.RerankModel, p.SemanticPool, p.InitialK, revision)
	if hits, ok := r.resultCache.Get(cacheKey); ok {
		return hits, nil
	}

	// FTS and semantic legs hit independent backends (sqlite FTS5 vs. the
	// vector store) and neither result feeds the other, so they run
	// concurrently via errgroup: either leg's failure already aborted the
	// whole Search call under the old sequential code, and
	// errgroup.WithContext's cancel-on-first-error matches that exactly.
	var ftsHits, semanticHits []Hit
	g, gctx := errgroup.WithContext(ctx)

	if p.Mode == ModeFTS || p.Mode == ModeHybrid {
		g.Go(func() error {
			hits, err := r.searchFTS(gctx, p.Query, p.InitialK, p.Scope)
			if err != nil {
				return fmt.Errorf("retrieve: fts: %w", err)
			}
			ftsHits = hits
			return nil
		})
	}

	if (p.Mode == ModeSemantic || p.Mode == ModeHybrid) && p.EmbeddingModel != "" {
		g.Go(func() error {
			hits, err := r.searchSemantic(gctx, p.Query, p.EmbeddingModel, p.Scope, p.SemanticPool, p.InitialK)
			if err != nil {
				return fmt.Errorf("retrieve: semantic: %w", err)
			}
			semanticHits = hits
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	merged := map[string]*Hit{}
	for _, h := range ftsHits {
		hc := h
		merged[hc.ChunkID] = &hc
	}
	for _, h := range semanticHits {
		if existing, ok := merged[h.ChunkID]; ok {
			existing.SemanticScore = h.SemanticScore
			existing.Retrieval = append(existing.Retrieval, "semantic")
		} else {
			hc := h
			merged[hc.ChunkID] = &hc
		}
	}

	ordered := make([]*Hit, 0, len(merged))
	for _, h := range merged {
		ordered = append(ordered, h)
	}
	sort.Slice(ordered, func(i, j int) bool {
		return blendedScore(ordered[i]) > blendedScore(ordered[j])
	})
	keep := p.InitialK
	if 6*p.Limit > keep {
		keep = 6 * p.Limit
	}
	if len(ordered) > keep {
		ordered = ordered[:keep]
	}

	if p.EnableRerank && p.RerankModel != "" && r.reranker != nil {
		candidates := make([]RerankCandidate, len(ordered))
		for i, h := range ordered {
			candidates[i] = RerankCandidate{Index: i, Text: h.Text}
		}
		results := r.reranker.Rerank(ctx, p.RerankModel, p.Query, candidates, p.Limit)
		if len(results) > 0 {
			final := make([]Hit, 0, len(results))
			for _, res := range results {
				if res.Index < 0 || res.Index >= len(ordered) {
					continue
				}
				h := *ordered[res.Index]
				h.RerankScore = res.Score
				h.HasRerank = true
				final = append(final, h)
			}
			r.resultCache.Set(cacheKey, final)
			return final, nil
		}
		// reranker failed or returned nothing: fall back silently below.
	}

	if len(ordered) > p.Limit {
		ordered = ordered[:p.Limit]
	}
	final := make([]Hit, len(ordered))
	for i, h := range ordered {
		final[i] = *h
	}
	r.resultCache.Set(cacheKey, final)
	return final, nil
}

func blendedScore(h *Hit) float64 {
	return 0.65*h.SemanticScore + 0.35*h.FTSScore
}

func (r *Retriever) searchFTS(ctx context.Context, query string, initialK int, scope Scope) ([]Hit, error) {
	if r.db.Search == nil {
		return nil, nil
	}
	fetch := initialK * 3
	if fetch < initialK {
		fetch = initialK
	}
	results, err := r.db.Search.Search(ctx, query, fetch, nil)
	if err != nil {
		return nil, err
	}
	out := make([]Hit, 0, initialK)
	for _, sr := range results {
		h := hitFromSearchResult(sr)
		if !inScope(h, scope) {
			continue
		}
		h.FTSScore = ftsQuality(sr.Score)
		h.Retrieval = []string{"fts"}
		out = append(out, h)
		if len(out) >= initialK {
			break
		}
	}
	return out, nil
}

// ftsQuality maps a raw BM25/ts_rank score to a monotone quality in (0,1].
func ftsQuality(score float64) float64 {
	return 1 / (1 + math.Abs(score))
}

func (r *Retriever) searchSemantic(ctx context.Context, query, model string, scope Scope, pool, initialK int) ([]Hit, error) {
	if r.db.Search == nil {
		return nil, nil
	}

	queryVec, err := r.embedQuery(ctx, model, query)
	if err != nil || len(queryVec) == 0 {
		return nil, nil
	}

	// A dedicated ANN backend (qdrant) searches by vector directly, skipping
	// the brute-force cosine scan below entirely; fall through to it only
	// when no such store is configured or it turns up nothing.
	if r.db.Vector != nil {
		if hits, err := r.searchSemanticVector(ctx, queryVec, model, scope, initialK); err == nil && len(hits) > 0 {
			return hits, nil
		}
	}

	lister, ok := r.db.Search.(databases.ChunkIDLister)
	if !ok {
		return nil, nil
	}
	cache, hasCache := r.db.Search.(databases.EmbeddingCache)
	if !hasCache {
		return nil, nil
	}

	ids, err := lister.ListChunkIDs(ctx, nil, pool)
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}

	// Fetch candidate records up-front, one ID at a time, so scope filtering
	// and backfill text are available.
	records := make(map[string]databases.SearchResult, len(ids))
	for _, id := range ids {
		sr, found, err := r.db.Search.GetByID(ctx, id)
		if err != nil || !found {
			continue
		}
		records[id] = sr
	}

	vectors, err := cache.GetEmbeddings(ctx, model, ids)
	if err != nil {
		return nil, err
	}
	var missing []string
	for _, id := range ids {
		if _, ok := vectors[id]; !ok {
			if _, exists := records[id]; exists {
				missing = append(missing, id)
			}
		}
	}
	if len(missing) > 0 {
		backfilled := r.backfillEmbeddings(ctx, model, missing, records, cache)
		for id, v := range backfilled {
			vectors[id] = v
		}
	}

	heap := util.NewTopKHeap(initialK)
	for _, id := range ids {
		vec, ok := vectors[id]
		if !ok {
			continue
		}
		h := hitFromSearchResult(records[id])
		if !inScope(h, scope) {
			continue
		}
		heap.Push(id, cosine(queryVec, vec))
	}

	scored := heap.Sorted()
	out := make([]Hit, 0, len(scored))
	for _, s := range scored {
		sr, ok := records[s.ID]
		if !ok {
			continue
		}
		h := hitFromSearchResult(sr)
		h.SemanticScore = s.Score
		h.Retrieval = []string{"semantic"}
		out = append(out, h)
	}
	return out, nil
}

// searchSemanticVector runs the semantic leg against a dedicated ANN backend
// (e.g. qdrant) instead of the brute-force cosine scan. scopeFilter adds no
// native conditions, so the only native filter is model_spec and scope is
// applied client-side with inScope after the top-k vectors come back.
// Chunk text/title/categories are fetched from the search backend,
// which remains the source of truth for chunk content. model_spec is always
// included in the filter so a query against one embedding model never
// scores vectors produced by another (SqliteKB's VectorStore keys rows by
// (chunk_id, model_spec) in the same chunk_embeddings table the
// EmbeddingCache uses).
func (r *Retriever) searchSemanticVector(ctx context.Context, queryVec []float32, model string, scope Scope, k int) ([]Hit, error) {
	filter := scopeFilter(scope)
	if filter == nil {
		filter = map[string]string{}
	}
	filter["model_spec"] = model
	results, err := r.db.Vector.SimilaritySearch(ctx, queryVec, k, filter)
	if err != nil {
		return nil, err
	}
	out := make([]Hit, 0, len(results))
	for _, res := range results {
		sr, found, err := r.db.Search.GetByID(ctx, res.ID)
		if err != nil || !found {
			continue
		}
		h := hitFromSearchResult(sr)
		if !inScope(h, scope) {
			continue
		}
		h.SemanticScore = res.Score
		h.Retrieval = []string{"semantic"}
		out = append(out, h)
	}
	return out, nil
}

func (r *Retriever) embedQuery(ctx context.Context, model, query string) ([]float32, error) {
	key := model + "|" + query
	if v, ok := r.queryEmbedCache.Get(key); ok {
		return v, nil
	}
	vecs, ok := r.gw.EmbedOrNil(ctx, model, []string{query}, 30*time.Second)
	if !ok || len(vecs) == 0 {
		return nil, fmt.Errorf("retrieve: query embedding unavailable for model %s", model)
	}
	r.queryEmbedCache.Set(key, vecs[0])
	return vecs[0], nil
}

// backfillEmbeddings embeds missing chunk texts in 32-input sub-batches and
// persists them keyed by (chunk_id, model) before returning the new vectors.
func (r *Retriever) backfillEmbeddings(ctx context.Context, model string, ids []string, records map[string]databases.SearchResult, cache databases.EmbeddingCache) map[string][]float32 {
	out := map[string][]float32{}
	const batchSize = 32
	for start := 0; start < len(ids); start += batchSize {
		end := start + batchSize
		if end > len(ids) {
			end = len(ids)
		}
		batchIDs := ids[start:end]
		texts := make([]string, len(batchIDs))
		for i, id := range batchIDs {
			texts[i] = records[id].Text
		}
		vecs, ok := r.gw.EmbedOrNil(ctx, model, texts, 60*time.Second)
		if !ok || len(vecs) != len(batchIDs) {
			continue
		}
		batch := make(map[string][]float32, len(batchIDs))
		for i, id := range batchIDs {
			batch[id] = vecs[i]
			out[id] = vecs[i]
		}
		_ = cache.SetEmbeddings(ctx, model, batch)
		r.upsertVectors(ctx, model, batchIDs, records, batch)
	}
	return out
}

// upsertVectors mirrors a freshly-embedded batch into the dedicated ANN
// backend, if one is configured, so searchSemanticVector has something to
// query. Best-effort: a vector-store outage must not fail indexing, since
// the EmbeddingCache path above already persisted the vectors durably.
// model_spec travels in the metadata so SimilaritySearch's filter (see
// searchSemanticVector) can key back to the same embedding model; without
// it every model's vectors would collide under VectorStore's "default"
// fallback key.
func (r *Retriever) upsertVectors(ctx context.Context, model string, ids []string, records map[string]databases.SearchResult, vectors map[string][]float32) {
	if r.db.Vector == nil {
		return
	}
	for _, id := range ids {
		vec, ok := vectors[id]
		if !ok {
			continue
		}
		sr := records[id]
		meta := map[string]string{
			"model_spec": model,
			"title":      sr.Metadata["title"],
			"source":     sr.Metadata["source"],
			"categories": sr.Metadata["categories"],
			"doc_id":     sr.DocID,
		}
		if err := r.db.Vector.Upsert(ctx, id, vec, meta); err != nil {
			observability.LoggerWithTrace(ctx).Debug().Err(err).Str("chunk_id", id).Msg("retrieve: vector upsert failed")
		}
	}
}

// DeleteEmbedding retires one chunk's vector from the ANN backend, if one is
// configured, mirroring a full-text removal (kbwatch's removeDocumentChunks
// calls both so a re-indexed or deleted document doesn't leave a stale
// vector behind). A no-op when no dedicated vector store is wired.
func (r *Retriever) DeleteEmbedding(ctx context.Context, chunkID string) error {
	if r.db.Vector == nil {
		return nil
	}
	return r.db.Vector.Delete(ctx, chunkID)
}

// IndexEmbeddings walks scope in 128-id windows, backfilling missing vectors
// in 32-input batches, honoring shouldCancel after each window and sub-batch
// for cooperative abort (spec §4.2 Indexing).
func (r *Retriever) IndexEmbeddings(ctx context.Context, model string, scope Scope, pool int, shouldCancel func() bool) error {
	lister, ok := r.db.Search.(databases.ChunkIDLister)
	if !ok {
		return fmt.Errorf("retrieve: search backend does not support chunk ID listing")
	}
	cache, ok := r.db.Search.(databases.EmbeddingCache)
	if !ok {
		return fmt.Errorf("retrieve: search backend does not support embedding cache")
	}
	if pool <= 0 {
		pool = 10000
	}
	ids, err := lister.ListChunkIDs(ctx, scopeFilter(scope), pool)
	if err != nil {
		return err
	}
	const windowSize = 128
	for start := 0; start < len(ids); start += windowSize {
		if shouldCancel != nil && shouldCancel() {
			return nil
		}
		end := start + windowSize
		if end > len(ids) {
			end = len(ids)
		}
		window := ids[start:end]

		existing, err := cache.GetEmbeddings(ctx, model, window)
		if err != nil {
			return err
		}
		var missing []string
		records := map[string]databases.SearchResult{}
		for _, id := range window {
			if _, ok := existing[id]; ok {
				continue
			}
			sr, found, err := r.db.Search.GetByID(ctx, id)
			if err != nil || !found {
				continue
			}
			records[id] = sr
			missing = append(missing, id)
		}
		if len(missing) == 0 {
			continue
		}
		const batchSize = 32
		for bs := 0; bs < len(missing); bs += batchSize {
			if shouldCancel != nil && shouldCancel() {
				return nil
			}
			be := bs + batchSize
			if be > len(missing) {
				be = len(missing)
			}
			batchIDs := missing[bs:be]
			texts := make([]string, len(batchIDs))
			for i, id := range batchIDs {
				texts[i] = records[id].Text
			}
			vecs, ok := r.gw.EmbedOrNil(ctx, model, texts, 60*time.Second)
			if !ok || len(vecs) != len(batchIDs) {
				continue
			}
			batch := make(map[string][]float32, len(batchIDs))
			for i, id := range batchIDs {
				batch[id] = vecs[i]
			}
			if err := cache.SetEmbeddings(ctx, model, batch); err != nil {
				return err
			}
			r.upsertVectors(ctx, model, batchIDs, records, batch)
		}
	}
	r.BumpRevision()
	return nil
}

func scopeFilter(scope Scope) map[string]string {
	// The underlying ChunkIDLister filter is an equality map; scope's OR
	// semantics across doc IDs/categories are applied client-side in
	// inScope, so no filter narrows the backend query itself.
	return nil
}

func inScope(h Hit, scope Scope) bool {
	if len(scope.DocIDs) > 0 {
		for _, id := range scope.DocIDs {
			if id == h.DocID {
				return true
			}
		}
		return false
	}
	if len(scope.Categories) > 0 {
		for _, c := range scope.Categories {
			for _, hc := range h.Categories {
				if c == hc {
					return true
				}
			}
		}
		return false
	}
	if scope.AgentID != "" {
		for _, a := range h.AgentIDs {
			if a == scope.AgentID {
				return true
			}
		}
		return false
	}
	return true
}

func hitFromSearchResult(sr databases.SearchResult) Hit {
	return Hit{
		ChunkID:    sr.ID,
		DocID:      sr.DocID,
		Text:       sr.Text,
		Title:      sr.Metadata["title"],
		Source:     sr.Metadata["source"],
		Categories: splitCSV(sr.Metadata["categories"]),
		AgentIDs:   splitCSV(sr.Metadata["agent_ids"]),
	}
}

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func cosine(a, b []float32) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	var dot, na, nb float64
	for i := 0; i < n; i++ {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
