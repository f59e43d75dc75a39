package pipeline

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"council/internal/llm"
	"council/internal/store"
)

const webSearchSemaphoreWidth = 3

// runStage1 dispatches every selected agent's individual answer in parallel,
// one goroutine per agent writing into a pre-sized results slice under a
// sync.WaitGroup, for "wait for all, none raises" structured
// concurrency (grounded in internal/rag/retrieve/candidates.go's
// ParallelCandidates pattern). Failed agents are silently omitted per §3.
func (p *Pipeline) runStage1(ctx context.Context, conv *store.Conversation, agents []store.Agent, userQuery string, stage0 *Stage0Result) ([]Stage1Record, []string) {
	webSem := semaphore.NewWeighted(webSearchSemaphoreWidth)
	realtime := p.realtimeContextBlock(ctx, conv.ID, true)
	history := historyDigest(conv, 20)

	type outcome struct {
		record Stage1Record
		ok     bool
		spec   string
	}

	results := make([]outcome, len(agents))
	var wg sync.WaitGroup
	for i, a := range agents {
		wg.Add(1)
		go func(i int, a store.Agent) {
			defer wg.Done()
			msgs := p.buildStage1Messages(ctx, a, userQuery, realtime, history, stage0, conv.BoundDocIDs, webSem)
			start := time.Now()
			res, ok := p.deps.Gateway.ChatOrNil(ctx, a.ModelSpec, msgs, stage1TimeoutSec*time.Second, false)
			tokenEstimate := 0
			if ok {
				tokenEstimate = res.TokenEstimate
			}
			p.emitTrace(ctx, "llm_call", map[string]any{
				"agent_id": a.ID, "model_spec": a.ModelSpec, "stage": "stage1",
				"ok": ok, "duration_ms": time.Since(start).Milliseconds(), "token_estimate": tokenEstimate,
			})
			if !ok {
				results[i] = outcome{ok: false, spec: a.ModelSpec}
				return
			}
			results[i] = outcome{ok: true, record: Stage1Record{
				AgentID: a.ID, AgentName: a.Name, ModelSpec: a.ModelSpec,
				InfluenceWeight: a.InfluenceWeight, SeniorityYears: a.SeniorityYears,
				Response: res.Content,
			}}
		}(i, a)
	}
	wg.Wait()

	var records []Stage1Record
	var failedSpecs []string
	for _, o := range results {
		if o.ok {
			records = append(records, o.record)
		} else {
			failedSpecs = append(failedSpecs, o.spec)
		}
	}

	var missingProviders []string
	if len(records) == 0 {
		missingProviders = p.deps.Gateway.MissingKeyProviders(failedSpecs)
	}
	return records, missingProviders
}

func (p *Pipeline) buildStage1Messages(ctx context.Context, a store.Agent, userQuery, realtime, history string, stage0 *Stage0Result, boundDocIDs []string, webSem *semaphore.Weighted) []llm.Message {
	var sys strings.Builder
	sys.WriteString(a.Persona)
	sys.WriteString("\nRespond in the conversation's configured language.\n")
	if realtime != "" {
		fmt.Fprintf(&sys, "\n%s\n", realtime)
	}
	if stage0 != nil {
		fmt.Fprintf(&sys, "\nDiscussion briefing: %s\n", stage0.Summary)
		if len(stage0.KeyQuestions) > 0 {
			fmt.Fprintf(&sys, "Key questions to address: %s\n", strings.Join(stage0.KeyQuestions, "; "))
		}
	}
	if block := p.personalKnowledgeBlock(ctx, a, userQuery, boundDocIDs, webSem); block != "" {
		fmt.Fprintf(&sys, "\n%s\n", block)
	}
	if history != "" {
		fmt.Fprintf(&sys, "\nConversation so far:\n%s\n", history)
	}

	return []llm.Message{
		{Role: "system", Content: sys.String()},
		{Role: "user", Content: userQuery},
	}
}
