package databases

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// documents table lives in the same sqlite file as chunks (data/kb.sqlite),
// giving SqliteKB the DocumentStore capability the retriever's chunk table
// alone can't provide: a document's full body and denormalized metadata,
// read back whole by Stage0 preprocessing, Stage4 report auto-save, and the
// kb_index/office_ingest tools.
func (s *SqliteKB) migrateDocuments() error {
	_, err := s.db.Exec(`
CREATE TABLE IF NOT EXISTS documents (
	id TEXT PRIMARY KEY,
	title TEXT NOT NULL DEFAULT '',
	source TEXT NOT NULL DEFAULT '',
	categories TEXT NOT NULL DEFAULT '',
	agent_ids TEXT NOT NULL DEFAULT '',
	text TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
)`)
	if err != nil {
		return fmt.Errorf("migrate documents: %w", err)
	}
	return nil
}

// UpsertDocument replaces a document by ID deterministically (spec §4.7
// office_ingest: "write as a KB document, deterministic replace by doc_id").
func (s *SqliteKB) UpsertDocument(ctx context.Context, doc Document) error {
	now := time.Now().UTC()
	existing, found, err := s.GetDocument(ctx, doc.ID)
	if err != nil {
		return err
	}
	created := now
	if found {
		created = existing.CreatedAt
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO documents(id, title, source, categories, agent_ids, text, created_at, updated_at)
VALUES(?,?,?,?,?,?,?,?)
ON CONFLICT(id) DO UPDATE SET title=excluded.title, source=excluded.source, categories=excluded.categories,
	agent_ids=excluded.agent_ids, text=excluded.text, updated_at=excluded.updated_at`,
		doc.ID, doc.Title, doc.Source, joinCSV(doc.Categories), joinCSV(doc.AgentIDs), doc.Text,
		created.Unix(), now.Unix())
	if err != nil {
		return fmt.Errorf("upsert document %s: %w", doc.ID, err)
	}
	return nil
}

func (s *SqliteKB) GetDocument(ctx context.Context, id string) (Document, bool, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, title, source, categories, agent_ids, text, created_at, updated_at FROM documents WHERE id=?`, id)
	doc, err := scanDocument(row)
	if err == sql.ErrNoRows {
		return Document{}, false, nil
	}
	if err != nil {
		return Document{}, false, err
	}
	return doc, true, nil
}

// ListDocuments returns documents for the given IDs, skipping any that
// don't exist; an empty ids slice lists every document, in no defined order.
func (s *SqliteKB) ListDocuments(ctx context.Context, ids []string) ([]Document, error) {
	var rows *sql.Rows
	var err error
	if len(ids) == 0 {
		rows, err = s.db.QueryContext(ctx, `SELECT id, title, source, categories, agent_ids, text, created_at, updated_at FROM documents ORDER BY created_at ASC`)
	} else {
		placeholders := make([]string, len(ids))
		args := make([]any, len(ids))
		for i, id := range ids {
			placeholders[i] = "?"
			args[i] = id
		}
		q := fmt.Sprintf(`SELECT id, title, source, categories, agent_ids, text, created_at, updated_at FROM documents WHERE id IN (%s)`, strings.Join(placeholders, ","))
		rows, err = s.db.QueryContext(ctx, q, args...)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	byID := map[string]Document{}
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, err
		}
		byID[doc.ID] = doc
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		out := make([]Document, 0, len(byID))
		for _, d := range byID {
			out = append(out, d)
		}
		return out, nil
	}
	out := make([]Document, 0, len(ids))
	for _, id := range ids {
		if d, ok := byID[id]; ok {
			out = append(out, d)
		}
	}
	return out, nil
}

func (s *SqliteKB) DeleteDocument(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM documents WHERE id=?`, id)
	return err
}

func scanDocument(rs rowScanner2) (Document, error) {
	var d Document
	var categories, agentIDs string
	var createdAt, updatedAt int64
	if err := rs.Scan(&d.ID, &d.Title, &d.Source, &categories, &agentIDs, &d.Text, &createdAt, &updatedAt); err != nil {
		return Document{}, err
	}
	d.Categories = splitCSVDoc(categories)
	d.AgentIDs = splitCSVDoc(agentIDs)
	d.CreatedAt = time.Unix(createdAt, 0).UTC()
	d.UpdatedAt = time.Unix(updatedAt, 0).UTC()
	return d, nil
}

type rowScanner2 interface {
	Scan(dest ...any) error
}

func joinCSV(vals []string) string { return strings.Join(vals, ",") }

func splitCSVDoc(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
