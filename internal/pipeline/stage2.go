package pipeline

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"council/internal/llm"
	"council/internal/store"
)

// runStage2 labels Stage1 responses "Response A, B, ..." in iteration order,
// asks every selected agent to evaluate and rank the anonymized set in
// parallel, and parses each vote via parseRankingFromText (spec §4.5.3).
func (p *Pipeline) runStage2(ctx context.Context, agents []store.Agent, stage1 []Stage1Record) ([]Stage2Record, []LabelMapping) {
	labels := make([]LabelMapping, len(stage1))
	for i, rec := range stage1 {
		labels[i] = LabelMapping{Label: labelFor(i), AgentID: rec.AgentID, ModelSpec: rec.ModelSpec}
	}

	anonymized := renderAnonymizedResponses(stage1)

	results := make([]*Stage2Record, len(agents))
	var wg sync.WaitGroup
	for i, a := range agents {
		wg.Add(1)
		go func(i int, a store.Agent) {
			defer wg.Done()
			msgs := stage2Messages(a, anonymized)
			start := time.Now()
			res, ok := p.deps.Gateway.ChatOrNil(ctx, a.ModelSpec, msgs, stage2TimeoutSec*time.Second, false)
			p.emitTrace(ctx, "llm_call", map[string]any{
				"agent_id": a.ID, "model_spec": a.ModelSpec, "stage": "stage2",
				"ok": ok, "duration_ms": time.Since(start).Milliseconds(),
			})
			if !ok {
				return
			}
			results[i] = &Stage2Record{
				AgentID: a.ID, AgentName: a.Name,
				RawText:       res.Content,
				ParsedRanking: parseRankingFromText(res.Content),
				VoteWeight:    a.VoteWeight(),
			}
		}(i, a)
	}
	wg.Wait()

	var out []Stage2Record
	for _, r := range results {
		if r != nil {
			out = append(out, *r)
		}
	}
	return out, labels
}

func renderAnonymizedResponses(stage1 []Stage1Record) string {
	var b strings.Builder
	for i, rec := range stage1 {
		fmt.Fprintf(&b, "%s:\n%s\n\n", labelFor(i), rec.Response)
	}
	return b.String()
}

func stage2Messages(a store.Agent, anonymized string) []llm.Message {
	prompt := fmt.Sprintf(
		"Evaluate the following anonymized responses to the discussion question. "+
			"Write your evaluation in the conversation's configured output language, "+
			"but your final ranking section must use exactly this format, one line "+
			"per response, most preferred first:\n\nFINAL RANKING:\n1. Response X\n2. Response Y\n...\n\n%s",
		anonymized)
	return []llm.Message{
		{Role: "system", Content: a.Persona + "\nYou are ranking peer responses, not your own."},
		{Role: "user", Content: prompt},
	}
}
