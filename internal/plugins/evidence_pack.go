package plugins

import (
	"context"
	"encoding/json"
	"fmt"

	"council/internal/jobs"
	"council/internal/rag/retrieve"
	"council/internal/tools"
	"council/internal/tools/web"
)

type evidencePackPayload struct {
	Query          string   `json:"query"`
	ConversationID string   `json:"conversation_id"`
	BoundDocIDs    []string `json:"bound_doc_ids"`
	MaxWebResults  int      `json:"max_web_results"`
	MaxKBHits      int      `json:"max_kb_hits"`
}

type evidenceItem struct {
	Source  string  `json:"source"` // "web" | "kb"
	Title   string  `json:"title"`
	URL     string  `json:"url,omitempty"`
	ChunkID string  `json:"chunk_id,omitempty"`
	Snippet string  `json:"snippet"`
	Score   float64 `json:"score,omitempty"`
}

// NewEvidencePackHandler combines a web_search call with an FTS-only KB
// retrieval scoped to the conversation's bound documents, merging both into
// one evidence list with a one-line summary (spec §4.7 evidence_pack).
func NewEvidencePackHandler(searchTool tools.Tool, retriever *retrieve.Retriever) jobs.Handler {
	return jobs.HandlerFunc(func(ctx context.Context, job *jobs.Job, progress func(int)) (*jobs.Result, error) {
		var p evidencePackPayload
		if err := json.Unmarshal(job.Payload, &p); err != nil {
			return nil, fmt.Errorf("evidence_pack: bad payload: %w", err)
		}
		if p.Query == "" {
			return nil, fmt.Errorf("evidence_pack: query is required")
		}
		maxWeb := p.MaxWebResults
		if maxWeb <= 0 {
			maxWeb = 5
		}
		maxKB := p.MaxKBHits
		if maxKB <= 0 {
			maxKB = 8
		}

		var items []evidenceItem
		var errs []string

		progress(10)
		raw, _ := json.Marshal(map[string]any{"query": p.Query, "max_results": maxWeb})
		if out, err := searchTool.Call(ctx, raw); err != nil {
			errs = append(errs, "web_search: "+err.Error())
		} else if m, ok := out.(map[string]any); ok {
			if okv, _ := m["ok"].(bool); okv {
				if results, ok := m["results"].([]web.SearchResult); ok {
					for _, r := range results {
						items = append(items, evidenceItem{Source: "web", Title: r.Title, URL: r.URL, Snippet: r.Snippet})
					}
				}
			} else {
				errs = append(errs, fmt.Sprintf("web_search: %v", m["error"]))
			}
		}

		progress(50)
		if jobs.Cancelled(ctx) {
			return nil, ctx.Err()
		}
		if retriever != nil && len(p.BoundDocIDs) > 0 {
			hits, err := retriever.Search(ctx, retrieve.SearchParams{
				Query: p.Query,
				Scope: retrieve.Scope{DocIDs: p.BoundDocIDs},
				Limit: maxKB,
				Mode:  retrieve.ModeFTS,
			})
			if err != nil {
				errs = append(errs, "kb_search: "+err.Error())
			}
			for _, h := range hits {
				snippet := h.Text
				if len(snippet) > 280 {
					snippet = snippet[:280]
				}
				items = append(items, evidenceItem{Source: "kb", Title: h.Title, ChunkID: h.ChunkID, Snippet: snippet, Score: h.FTSScore})
			}
		}

		progress(100)
		data, _ := json.Marshal(map[string]any{"items": items, "errors": errs})
		return &jobs.Result{
			OK:      true,
			Summary: fmt.Sprintf("evidence pack for %q: %d items (%d errors)", p.Query, len(items), len(errs)),
			Data:    data,
			Errors:  errs,
		}, nil
	})
}
