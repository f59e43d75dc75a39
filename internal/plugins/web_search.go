package plugins

import (
	"context"
	"encoding/json"
	"fmt"

	"council/internal/jobs"
	"council/internal/tools"
	"council/internal/tools/web"
)

type webSearchPayload struct {
	Query      string `json:"query"`
	MaxResults int    `json:"max_results"`
}

// NewWebSearchHandler wraps the DuckDuckGo-backed web_search tool as a job
// handler so an agent's search requests survive process churn and reuse
// within the idempotency TTL (spec §4.7 web_search).
func NewWebSearchHandler(t tools.Tool) jobs.Handler {
	return jobs.HandlerFunc(func(ctx context.Context, job *jobs.Job, progress func(int)) (*jobs.Result, error) {
		var p webSearchPayload
		if err := json.Unmarshal(job.Payload, &p); err != nil {
			return nil, fmt.Errorf("web_search: bad payload: %w", err)
		}
		raw, _ := json.Marshal(map[string]any{"query": p.Query, "max_results": p.MaxResults})
		progress(20)
		out, err := t.Call(ctx, raw)
		if err != nil {
			return nil, err
		}
		m, _ := out.(map[string]any)
		progress(100)
		if ok, _ := m["ok"].(bool); !ok {
			errMsg := fmt.Sprintf("%v", m["error"])
			return nil, fmt.Errorf("web_search: %s", errMsg)
		}
		data, _ := json.Marshal(m["results"])
		results, _ := m["results"].([]web.SearchResult)
		return &jobs.Result{
			OK:      true,
			Summary: fmt.Sprintf("web search for %q returned %d results", p.Query, len(results)),
			Data:    data,
		}, nil
	})
}
