package databases

import (
	"context"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
)

// pgSearch is a Postgres-backed FullTextSearch over a chunks table with a
// generated tsvector column, matching the teacher's generated-column idiom.
type pgSearch struct{ pool *pgxpool.Pool }

func NewPostgresSearch(pool *pgxpool.Pool) FullTextSearch {
	ctx := context.Background()
	_, _ = pool.Exec(ctx, `
CREATE TABLE IF NOT EXISTS chunks (
  id TEXT PRIMARY KEY,
  doc_id TEXT NOT NULL,
  text TEXT NOT NULL,
  metadata JSONB NOT NULL DEFAULT '{}'::jsonb,
  ts tsvector GENERATED ALWAYS AS (to_tsvector('simple', coalesce(text,''))) STORED
);
`)
	_, _ = pool.Exec(ctx, `CREATE INDEX IF NOT EXISTS chunks_ts_idx ON chunks USING GIN (ts)`)
	_, _ = pool.Exec(ctx, `CREATE INDEX IF NOT EXISTS chunks_doc_idx ON chunks (doc_id)`)
	_, _ = pool.Exec(ctx, `
CREATE TABLE IF NOT EXISTS chunk_embeddings (
  chunk_id TEXT NOT NULL,
  model_spec TEXT NOT NULL,
  vector_json TEXT NOT NULL,
  PRIMARY KEY (chunk_id, model_spec)
);
`)
	return &pgSearch{pool: pool}
}

// GetEmbeddings implements EmbeddingCache, fetching previously persisted
// chunk vectors for the given model so the retriever avoids re-embedding.
func (p *pgSearch) GetEmbeddings(ctx context.Context, model string, ids []string) (map[string][]float32, error) {
	if len(ids) == 0 {
		return map[string][]float32{}, nil
	}
	rows, err := p.pool.Query(ctx, `SELECT chunk_id, vector_json FROM chunk_embeddings WHERE model_spec=$1 AND chunk_id = ANY($2)`, model, ids)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[string][]float32, len(ids))
	for rows.Next() {
		var id, vecJSON string
		if err := rows.Scan(&id, &vecJSON); err != nil {
			return nil, err
		}
		out[id] = decodeVectorJSON(vecJSON)
	}
	return out, rows.Err()
}

// SetEmbeddings implements EmbeddingCache, persisting newly computed vectors.
func (p *pgSearch) SetEmbeddings(ctx context.Context, model string, vectors map[string][]float32) error {
	for id, vec := range vectors {
		_, err := p.pool.Exec(ctx, `
INSERT INTO chunk_embeddings(chunk_id, model_spec, vector_json) VALUES($1,$2,$3)
ON CONFLICT (chunk_id, model_spec) DO UPDATE SET vector_json=EXCLUDED.vector_json
`, id, model, encodeVectorJSON(vec))
		if err != nil {
			return err
		}
	}
	return nil
}

func (p *pgSearch) Index(ctx context.Context, id, docID, text string, metadata map[string]string) error {
	md := mapToJSON(metadata)
	_, err := p.pool.Exec(ctx, `
INSERT INTO chunks(id, doc_id, text, metadata) VALUES($1,$2,$3,$4)
ON CONFLICT (id) DO UPDATE SET doc_id=EXCLUDED.doc_id, text=EXCLUDED.text, metadata=EXCLUDED.metadata
`, id, docID, text, md)
	return err
}

func (p *pgSearch) Remove(ctx context.Context, id string) error {
	_, err := p.pool.Exec(ctx, `DELETE FROM chunks WHERE id=$1`, id)
	return err
}

// Search runs a websearch_to_tsquery match, falling back to plainto_tsquery
// when the former errors (older Postgres or malformed operators), filtered
// by an exact-match metadata containment predicate.
func (p *pgSearch) Search(ctx context.Context, query string, limit int, filter map[string]string) ([]SearchResult, error) {
	if limit <= 0 {
		limit = 10
	}
	q := strings.TrimSpace(query)
	if q == "" {
		return nil, nil
	}
	f := mapToJSON(filter)
	run := func(stmt string) ([]SearchResult, error) {
		rows, err := p.pool.Query(ctx, stmt, q, f, limit)
		if err != nil {
			return nil, err
		}
		defer rows.Close()
		out := make([]SearchResult, 0, limit)
		for rows.Next() {
			var r SearchResult
			var md map[string]string
			if err := rows.Scan(&r.ID, &r.DocID, &r.Score, &r.Snippet, &r.Text, &md); err != nil {
				return nil, err
			}
			r.Metadata = md
			out = append(out, r)
		}
		return out, rows.Err()
	}
	res, err := run(`
SELECT id, doc_id, ts_rank(ts, websearch_to_tsquery('simple',$1)) AS score,
       left(text, 160) AS snippet, text, metadata
FROM chunks
WHERE ts @@ websearch_to_tsquery('simple',$1) AND metadata @> $2
ORDER BY score DESC
LIMIT $3`)
	if err == nil {
		return res, nil
	}
	return run(`
SELECT id, doc_id, ts_rank(ts, plainto_tsquery('simple',$1)) AS score,
       left(text, 160) AS snippet, text, metadata
FROM chunks
WHERE ts @@ plainto_tsquery('simple',$1) AND metadata @> $2
ORDER BY score DESC
LIMIT $3`)
}

func (p *pgSearch) GetByID(ctx context.Context, id string) (SearchResult, bool, error) {
	row := p.pool.QueryRow(ctx, `SELECT id, doc_id, text, metadata FROM chunks WHERE id=$1`, id)
	var r SearchResult
	var md map[string]string
	if err := row.Scan(&r.ID, &r.DocID, &r.Text, &md); err != nil {
		if strings.Contains(err.Error(), "no rows") {
			return SearchResult{}, false, nil
		}
		return SearchResult{}, false, err
	}
	r.Metadata = md
	return r, true, nil
}

// ListChunkIDs enumerates chunk IDs matching the metadata filter, for the
// semantic candidate pool.
func (p *pgSearch) ListChunkIDs(ctx context.Context, filter map[string]string, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 10000
	}
	f := mapToJSON(filter)
	rows, err := p.pool.Query(ctx, `SELECT id FROM chunks WHERE metadata @> $1 LIMIT $2`, f, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]string, 0, limit)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// mapToJSON ensures we never pass nil into a NOT NULL JSONB column.
func mapToJSON(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}
