// Package plugins wires the job-backed tool implementations named in spec
// §4.7 (kb_index, kg_extract, web_search, evidence_pack, office_ingest,
// paper_search) into jobs.Handler, grounded in the teacher's
// internal/orchestrator command-handler idiom generalized from one Kafka
// topic per command to one job_type per tool.
package plugins

import (
	"context"
	"encoding/json"
	"fmt"

	"council/internal/jobs"
	"council/internal/rag/retrieve"
)

type kbIndexPayload struct {
	Model      string   `json:"model"`
	DocIDs     []string `json:"doc_ids"`
	Categories []string `json:"categories"`
	AgentID    string   `json:"agent_id"`
	Pool       int      `json:"pool"`
}

// NewKBIndexHandler drives the retriever's embedding backfill over the
// requested scope, reporting coarse progress and honoring cooperative
// cancellation via jobs.Cancelled (spec §4.7 kb_index: "honors cancellation").
func NewKBIndexHandler(r *retrieve.Retriever) jobs.Handler {
	return jobs.HandlerFunc(func(ctx context.Context, job *jobs.Job, progress func(int)) (*jobs.Result, error) {
		var p kbIndexPayload
		if err := json.Unmarshal(job.Payload, &p); err != nil {
			return nil, fmt.Errorf("kb_index: bad payload: %w", err)
		}
		if p.Model == "" {
			return nil, fmt.Errorf("kb_index: model is required")
		}
		pool := p.Pool
		if pool <= 0 {
			pool = 512
		}
		scope := retrieve.Scope{DocIDs: p.DocIDs, Categories: p.Categories, AgentID: p.AgentID}
		progress(5)
		if err := r.IndexEmbeddings(ctx, p.Model, scope, pool, func() bool { return jobs.Cancelled(ctx) }); err != nil {
			return nil, err
		}
		progress(100)
		return &jobs.Result{OK: true, Summary: "knowledge base embeddings indexed for the requested scope"}, nil
	})
}
