package retrieve

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"council/internal/jsonutil"
	"council/internal/llm"
)

// RerankCandidate is one item offered to the reranker.
type RerankCandidate struct {
	Index int
	Text  string
}

// RerankResult is one scored candidate, sorted descending by Score.
type RerankResult struct {
	Index int
	Score float64
}

// Reranker is an LLM-as-judge or provider-native rerank endpoint. Grounded in
// the teacher's Reranker interface (Rerank(ctx, query, items)); tolerant of
// incompatible models — any failure returns an empty slice so the retriever
// can fall back to its heuristic ranking.
type Reranker interface {
	Rerank(ctx context.Context, model, query string, candidates []RerankCandidate, topK int) []RerankResult
}

type llmReranker struct {
	gw *llm.Gateway
}

// NewLLMReranker builds a Reranker backed by the LLM Gateway: everything
// except DashScope models whose name contains "rerank" is asked for strict
// JSON via chat. No provider-native /rerank client is wired, so those
// DashScope rerank models always yield an empty result.
func NewLLMReranker(gw *llm.Gateway) Reranker { return &llmReranker{gw: gw} }

const maxCandidateChars = 800

func (r *llmReranker) Rerank(ctx context.Context, model, query string, candidates []RerankCandidate, topK int) []RerankResult {
	if topK <= 0 || len(candidates) == 0 || model == "" {
		return nil
	}
	provider, modelName, err := llm.ParseModelSpec(model)
	if err != nil {
		return nil
	}
	if provider == llm.DashScope && strings.Contains(strings.ToLower(modelName), "rerank") {
		if out, ok := r.nativeDashScopeRerank(ctx, model, query, candidates, topK); ok {
			return out
		}
		// fall through to chat-based rerank is not meaningful for a
		// rerank-only model; a failed native call returns empty per contract.
		return nil
	}
	return r.chatRerank(ctx, model, query, candidates, topK)
}

// nativeDashScopeRerank is the seam for a DashScope-native /rerank HTTP
// call. It makes no request and always reports ok=false.
func (r *llmReranker) nativeDashScopeRerank(ctx context.Context, model, query string, candidates []RerankCandidate, topK int) ([]RerankResult, bool) {
	// No DashScope rerank HTTP client is wired in this deployment; the
	// caller falls back to the heuristic ranking, matching the documented
	// "tolerant of incompatible models" behavior.
	return nil, false
}

func (r *llmReranker) chatRerank(ctx context.Context, model, query string, candidates []RerankCandidate, topK int) []RerankResult {
	maxCandidates := topK * 3
	if maxCandidates < 12 {
		maxCandidates = 12
	}
	if len(candidates) > maxCandidates {
		candidates = candidates[:maxCandidates]
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Query: %s\n\nCandidates:\n", query)
	for _, c := range candidates {
		text := c.Text
		if len(text) > maxCandidateChars {
			text = text[:maxCandidateChars]
		}
		fmt.Fprintf(&sb, "[%d] %s\n", c.Index, text)
	}
	fmt.Fprintf(&sb, "\nReturn strict JSON: {\"ranking\":[{\"index\":int,\"score\":float 0..1},...]} with exactly %d entries, most relevant first. No prose.", topK)

	msgs := []llm.Message{
		{Role: "system", Content: "You are a precise search result reranker. Respond with strict JSON only."},
		{Role: "user", Content: sb.String()},
	}
	res, ok := r.gw.ChatOrNil(ctx, model, msgs, 30*time.Second, true)
	if !ok {
		return nil
	}
	blob, ok := jsonutil.Salvage(res.Content)
	if !ok {
		return nil
	}
	var parsed struct {
		Ranking []struct {
			Index int     `json:"index"`
			Score float64 `json:"score"`
		} `json:"ranking"`
	}
	if err := json.Unmarshal([]byte(blob), &parsed); err != nil {
		return nil
	}
	out := make([]RerankResult, 0, len(parsed.Ranking))
	for _, p := range parsed.Ranking {
		score := p.Score
		if score < 0 {
			score = 0
		}
		if score > 1 {
			score = 1
		}
		out = append(out, RerankResult{Index: p.Index, Score: score})
	}
	if len(out) == 0 {
		return nil
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	if len(out) > topK {
		out = out[:topK]
	}
	return out
}
