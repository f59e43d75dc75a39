package plugins

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"encoding/xml"
	"fmt"
	"io"
	"strings"

	"github.com/qax-os/excelize/v2"

	"council/internal/jobs"
	"council/internal/persistence/databases"
	"council/internal/rag/chunker"
	"council/internal/rag/retrieve"
	"council/internal/store"
)

type officeIngestPayload struct {
	DocID          string   `json:"doc_id"`
	Title          string   `json:"title"`
	Source         string   `json:"source"` // path or URL the bytes came from, for display only
	ContentBase64  string   `json:"content_base64"`
	Kind           string   `json:"kind"` // "docx" | "xlsx"; inferred from Source extension if empty
	MaxChars       int      `json:"max_chars"`
	MaxCells       int      `json:"max_cells"`
	Categories     []string `json:"categories"`
	AgentIDs       []string `json:"agent_ids"`
	IndexEmbedding bool     `json:"index_embedding"`
	EmbeddingModel string   `json:"embedding_model"`
	BindToConvID   string   `json:"bind_to_conversation_id"`
}

// NewOfficeIngestHandler extracts text from an uploaded .docx/.xlsx payload
// and writes it as a KB document, deterministically replacing any prior
// version by doc_id, optionally indexing chunk embeddings and binding the
// new document to a conversation (spec §4.7 office_ingest).
func NewOfficeIngestHandler(docs databases.DocumentStore, search databases.FullTextSearch, retriever *retrieve.Retriever, convStore *store.ConversationStore) jobs.Handler {
	return jobs.HandlerFunc(func(ctx context.Context, job *jobs.Job, progress func(int)) (*jobs.Result, error) {
		var p officeIngestPayload
		if err := json.Unmarshal(job.Payload, &p); err != nil {
			return nil, fmt.Errorf("office_ingest: bad payload: %w", err)
		}
		if p.DocID == "" {
			return nil, fmt.Errorf("office_ingest: doc_id is required")
		}
		raw, err := decodeContent(p.ContentBase64)
		if err != nil {
			return nil, fmt.Errorf("office_ingest: decode content: %w", err)
		}
		maxChars := p.MaxChars
		if maxChars <= 0 {
			maxChars = 200000
		}
		maxCells := p.MaxCells
		if maxCells <= 0 {
			maxCells = 20000
		}

		kind := strings.ToLower(p.Kind)
		if kind == "" {
			kind = inferKind(p.Source)
		}

		var text string
		switch kind {
		case "docx":
			text, err = extractDocx(raw, maxChars)
		case "xlsx":
			text, err = extractXlsx(raw, maxChars, maxCells)
		default:
			return nil, fmt.Errorf("office_ingest: unsupported kind %q", p.Kind)
		}
		if err != nil {
			return nil, fmt.Errorf("office_ingest: extract %s: %w", kind, err)
		}
		progress(40)

		doc := databases.Document{
			ID:         p.DocID,
			Title:      p.Title,
			Source:     p.Source,
			Categories: p.Categories,
			AgentIDs:   p.AgentIDs,
			Text:       text,
		}
		if err := docs.UpsertDocument(ctx, doc); err != nil {
			return nil, fmt.Errorf("office_ingest: upsert document: %w", err)
		}
		progress(60)

		// Retire the prior version's chunks (and their cached embeddings).
		if lister, ok := search.(databases.ChunkIDLister); ok {
			ids, err := lister.ListChunkIDs(ctx, nil, 10000)
			if err != nil {
				return nil, fmt.Errorf("office_ingest: list chunks: %w", err)
			}
			for _, id := range ids {
				if strings.HasPrefix(id, p.DocID+"#") {
					if err := search.Remove(ctx, id); err != nil {
						return nil, fmt.Errorf("office_ingest: remove stale chunk: %w", err)
					}
				}
			}
		}
		if err := indexDocumentChunks(ctx, search, doc); err != nil {
			return nil, fmt.Errorf("office_ingest: index chunks: %w", err)
		}
		if retriever != nil {
			retriever.BumpRevision()
		}
		progress(80)

		if p.IndexEmbedding && retriever != nil && p.EmbeddingModel != "" {
			if err := retriever.IndexEmbeddings(ctx, p.EmbeddingModel, retrieve.Scope{DocIDs: []string{p.DocID}}, 512, func() bool { return jobs.Cancelled(ctx) }); err != nil {
				return nil, fmt.Errorf("office_ingest: index embeddings: %w", err)
			}
		}

		if p.BindToConvID != "" && convStore != nil {
			conv, err := convStore.Get(ctx, p.BindToConvID)
			if err == nil {
				if !containsStr(conv.BoundDocIDs, p.DocID) {
					conv.BoundDocIDs = append(conv.BoundDocIDs, p.DocID)
					_ = convStore.Save(ctx, conv)
				}
			}
		}

		progress(100)
		return &jobs.Result{
			OK:      true,
			Summary: fmt.Sprintf("ingested %s (%d chars) as knowledge base document %s", kind, len(text), p.DocID),
		}, nil
	})
}

func containsStr(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

func inferKind(source string) string {
	lower := strings.ToLower(source)
	switch {
	case strings.HasSuffix(lower, ".docx"):
		return "docx"
	case strings.HasSuffix(lower, ".xlsx"):
		return "xlsx"
	default:
		return ""
	}
}

// indexDocumentChunks chunks a document's body and indexes each chunk into
// the full-text backend, carrying a denormalized copy of the document's
// metadata on every chunk row so scope filtering works without a join.
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

func decodeContent(b64 string) ([]byte, error) {
	return base64.StdEncoding.DecodeString(b64)
}

// extractDocx reads word/document.xml out of the OOXML zip and concatenates
// the text runs of top-level body paragraphs, using Go's stdlib zip/xml
// rather than python-docx (no idiomatic Go docx library exists in this
// stack). Text inside tables is not extracted.
func extractDocx(raw []byte, maxChars int) (string, error) {
	zr, err := zip.NewReader(bytes.NewReader(raw), int64(len(raw)))
	if err != nil {
		return "", err
	}
	var docXML []byte
	for _, f := range zr.File {
		if f.Name == "word/document.xml" {
			rc, err := f.Open()
			if err != nil {
				return "", err
			}
			docXML, err = io.ReadAll(rc)
			rc.Close()
			if err != nil {
				return "", err
			}
			break
		}
	}
	if docXML == nil {
		return "", fmt.Errorf("word/document.xml not found")
	}

	type run struct {
		Text string `xml:",chardata"`
	}
	type paragraph struct {
		Runs []run `xml:"r>t"`
	}
	type body struct {
		Paragraphs []paragraph `xml:"p"`
	}
	type document struct {
		Body body `xml:"body"`
	}

	var doc document
	if err := xml.Unmarshal(docXML, &doc); err != nil {
		return "", err
	}
	var b strings.Builder
	for _, para := range doc.Body.Paragraphs {
		for _, r := range para.Runs {
			b.WriteString(r.Text)
		}
		b.WriteString("\n")
		if b.Len() >= maxChars {
			break
		}
	}
	out := b.String()
	if len(out) > maxChars {
		out = out[:maxChars]
	}
	return out, nil
}

// extractXlsx mirrors office_extract.py's sheet/row walk with excelize,
// formatting each row as pipe-separated cells and truncating by both
// max_cells (total cell budget across the workbook) and max_chars.
func extractXlsx(raw []byte, maxChars, maxCells int) (string, error) {
	f, err := excelize.OpenReader(bytes.NewReader(raw))
	if err != nil {
		return "", err
	}
	defer f.Close()

	var b strings.Builder
	cellCount := 0
	for _, sheet := range f.GetSheetList() {
		rows, err := f.GetRows(sheet)
		if err != nil {
			continue
		}
		fmt.Fprintf(&b, "## %s\n", sheet)
		for _, row := range rows {
			if cellCount >= maxCells || b.Len() >= maxChars {
				break
			}
			cells := make([]string, 0, len(row))
			for _, cell := range row {
				if cellCount >= maxCells {
					break
				}
				cells = append(cells, strings.TrimSpace(cell))
				cellCount++
			}
			b.WriteString(strings.Join(cells, " | "))
			b.WriteString("\n")
		}
		if b.Len() >= maxChars || cellCount >= maxCells {
			break
		}
	}
	out := b.String()
	if len(out) > maxChars {
		out = out[:maxChars]
	}
	return out, nil
}
