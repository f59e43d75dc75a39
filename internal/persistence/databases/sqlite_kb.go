package databases

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"math"
	"strings"

	_ "modernc.org/sqlite"

	"council/internal/util"
)

// SqliteKB is the embedded, pure-Go default backend named in the persisted
// state layout as data/kb.sqlite: documents, chunks, an FTS5 index over
// chunk text, and a (chunk_id, model_spec) -> vector_json embeddings table.
// It implements FullTextSearch, ChunkIDLister, EmbeddingCache and VectorStore
// so a deployment with no Postgres/Qdrant configured still gets the full
// Hybrid Retriever algorithm via brute-force cosine scoring.
type SqliteKB struct {
	db *sql.DB
}

// OpenSqliteKB opens (creating if necessary) the sqlite file at path and
// ensures the schema described in the persisted state layout.
func OpenSqliteKB(path string) (*SqliteKB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open kb sqlite: %w", err)
	}
	db.SetMaxOpenConns(1) // modernc.org/sqlite: serialize writers per process
	s := &SqliteKB{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	if err := s.migrateDocuments(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SqliteKB) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS chunks (
			id TEXT PRIMARY KEY,
			doc_id TEXT NOT NULL,
			text TEXT NOT NULL,
			metadata TEXT NOT NULL DEFAULT '{}'
		)`,
		`CREATE VIRTUAL TABLE IF NOT EXISTS chunks_fts USING fts5(
			id UNINDEXED, text
		)`,
		`CREATE TABLE IF NOT EXISTS chunk_embeddings (
			chunk_id TEXT NOT NULL,
			model_spec TEXT NOT NULL,
			vector_json TEXT NOT NULL,
			PRIMARY KEY (chunk_id, model_spec)
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("migrate kb sqlite: %w", err)
		}
	}
	return nil
}

func (s *SqliteKB) Close() error { return s.db.Close() }

func (s *SqliteKB) Index(ctx context.Context, id, docID, text string, metadata map[string]string) error {
	md, _ := json.Marshal(mapToJSON(metadata))
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `
INSERT INTO chunks(id, doc_id, text, metadata) VALUES(?,?,?,?)
ON CONFLICT(id) DO UPDATE SET doc_id=excluded.doc_id, text=excluded.text, metadata=excluded.metadata
`, id, docID, text, string(md)); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM chunks_fts WHERE id=?`, id); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO chunks_fts(id, text) VALUES(?,?)`, id, text); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *SqliteKB) Remove(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM chunks WHERE id=?`, id); err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM chunks_fts WHERE id=?`, id); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `DELETE FROM chunk_embeddings WHERE chunk_id=?`, id)
	return err
}

// Search runs an FTS5 MATCH query ranked by bm25(), then applies the
// metadata filter in Go since FTS5 content is unindexed for metadata.
func (s *SqliteKB) Search(ctx context.Context, query string, limit int, filter map[string]string) ([]SearchResult, error) {
	if limit <= 0 {
		limit = 10
	}
	q := strings.TrimSpace(query)
	if q == "" {
		return nil, nil
	}
	// fetch extra rows pre-filter since metadata filtering happens in Go
	fetch := limit * 4
	if fetch < 50 {
		fetch = 50
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT c.id, c.doc_id, bm25(chunks_fts) AS score, c.text, c.metadata
FROM chunks_fts
JOIN chunks c ON c.id = chunks_fts.id
WHERE chunks_fts MATCH ?
ORDER BY score
LIMIT ?`, ftsQuery(q), fetch)
	if err != nil {
		return nil, fmt.Errorf("sqlite fts search: %w", err)
	}
	defer rows.Close()
	out := make([]SearchResult, 0, limit)
	for rows.Next() {
		var r SearchResult
		var mdJSON string
		if err := rows.Scan(&r.ID, &r.DocID, &r.Score, &r.Text, &mdJSON); err != nil {
			return nil, err
		}
		var md map[string]string
		_ = json.Unmarshal([]byte(mdJSON), &md)
		if !matchesFilter(md, filter) {
			continue
		}
		r.Metadata = md
		if len(r.Text) > 160 {
			r.Snippet = r.Text[:160]
		} else {
			r.Snippet = r.Text
		}
		out = append(out, r)
		if len(out) >= limit {
			break
		}
	}
	return out, rows.Err()
}

func (s *SqliteKB) GetByID(ctx context.Context, id string) (SearchResult, bool, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, doc_id, text, metadata FROM chunks WHERE id=?`, id)
	var r SearchResult
	var mdJSON string
	if err := row.Scan(&r.ID, &r.DocID, &r.Text, &mdJSON); err != nil {
		if err == sql.ErrNoRows {
			return SearchResult{}, false, nil
		}
		return SearchResult{}, false, err
	}
	var md map[string]string
	_ = json.Unmarshal([]byte(mdJSON), &md)
	r.Metadata = md
	return r, true, nil
}

func (s *SqliteKB) ListChunkIDs(ctx context.Context, filter map[string]string, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 10000
	}
	rows, err := s.db.QueryContext(ctx, `SELECT id, metadata FROM chunks LIMIT ?`, limit*4+100)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]string, 0, limit)
	for rows.Next() {
		var id, mdJSON string
		if err := rows.Scan(&id, &mdJSON); err != nil {
			return nil, err
		}
		var md map[string]string
		_ = json.Unmarshal([]byte(mdJSON), &md)
		if !matchesFilter(md, filter) {
			continue
		}
		out = append(out, id)
		if len(out) >= limit {
			break
		}
	}
	return out, rows.Err()
}

func (s *SqliteKB) GetEmbeddings(ctx context.Context, model string, ids []string) (map[string][]float32, error) {
	out := make(map[string][]float32, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	placeholders := make([]string, len(ids))
	args := make([]any, 0, len(ids)+1)
	args = append(args, model)
	for i, id := range ids {
		placeholders[i] = "?"
		args = append(args, id)
	}
	q := fmt.Sprintf(`SELECT chunk_id, vector_json FROM chunk_embeddings WHERE model_spec=? AND chunk_id IN (%s)`, strings.Join(placeholders, ","))
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var id, vecJSON string
		if err := rows.Scan(&id, &vecJSON); err != nil {
			return nil, err
		}
		out[id] = decodeVectorJSON(vecJSON)
	}
	return out, rows.Err()
}

func (s *SqliteKB) SetEmbeddings(ctx context.Context, model string, vectors map[string][]float32) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	for id, vec := range vectors {
		if _, err := tx.ExecContext(ctx, `
INSERT INTO chunk_embeddings(chunk_id, model_spec, vector_json) VALUES(?,?,?)
ON CONFLICT(chunk_id, model_spec) DO UPDATE SET vector_json=excluded.vector_json
`, id, model, encodeVectorJSON(vec)); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// Upsert/Delete/SimilaritySearch implement VectorStore as a brute-force
// cosine scan over chunk_embeddings, used when no Qdrant DSN is configured.
func (s *SqliteKB) Upsert(ctx context.Context, id string, vector []float32, metadata map[string]string) error {
	model := metadata["model_spec"]
	if model == "" {
		model = "default"
	}
	return s.SetEmbeddings(ctx, model, map[string][]float32{id: vector})
}

func (s *SqliteKB) Delete(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM chunk_embeddings WHERE chunk_id=?`, id)
	return err
}

func (s *SqliteKB) SimilaritySearch(ctx context.Context, vector []float32, k int, filter map[string]string) ([]VectorResult, error) {
	model := filter["model_spec"]
	if model == "" {
		model = "default"
	}
	rows, err := s.db.QueryContext(ctx, `SELECT chunk_id, vector_json FROM chunk_embeddings WHERE model_spec=?`, model)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	h := util.NewTopKHeap(k)
	for rows.Next() {
		var id, vecJSON string
		if err := rows.Scan(&id, &vecJSON); err != nil {
			return nil, err
		}
		vec := decodeVectorJSON(vecJSON)
		h.Push(id, cosineSimilarity(vector, vec))
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	items := h.Sorted()
	out := make([]VectorResult, 0, len(items))
	for _, it := range items {
		out = append(out, VectorResult{ID: it.ID, Score: it.Score})
	}
	return out, nil
}

func matchesFilter(md map[string]string, filter map[string]string) bool {
	for k, v := range filter {
		if v == "" {
			continue
		}
		if md[k] != v {
			return false
		}
	}
	return true
}

// ftsQuery quotes each token so punctuation in the user query doesn't break
// FTS5's query syntax.
func ftsQuery(q string) string {
	fields := strings.Fields(q)
	quoted := make([]string, 0, len(fields))
	for _, f := range fields {
		f = strings.ReplaceAll(f, `"`, `""`)
		quoted = append(quoted, `"`+f+`"`)
	}
	if len(quoted) == 0 {
		return `""`
	}
	return strings.Join(quoted, " OR ")
}

func cosineSimilarity(a, b []float32) float64 {
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
