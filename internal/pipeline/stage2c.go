package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"council/internal/jsonutil"
	"council/internal/llm"
	"council/internal/store"
)

// runStage2C asks the chairman model for a grounded claim list with
// supported/uncertain/refuted statuses and evidence citations, returning nil
// on any failure (spec §4.5.5).
func (p *Pipeline) runStage2C(ctx context.Context, conv *store.Conversation, userQuery string, stage1 []Stage1Record, stage2 []Stage2Record, stage2b *Stage2BResult) *FactCheckResult {
	chairman := p.chairmanSpec(ctx, conv)
	if chairman == "" {
		return nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "User question: %s\n\n", userQuery)
	fmt.Fprintf(&b, "Individual answers:\n%s\n", renderAnonymizedResponses(stage1))
	if stage2b != nil {
		if stage2b.Roundtable != nil {
			fmt.Fprintf(&b, "Roundtable discussion:\n%s\n", renderRoundtable(stage2b.Roundtable))
		}
		if stage2b.Lively != nil {
			fmt.Fprintf(&b, "Lively discussion:\n%s\n", renderLively(stage2b.Lively.Transcript))
		}
	}
	b.WriteString("\nReturn strict JSON: {\"claims\":[{\"claim\":string,\"status\":\"supported\"|\"uncertain\"|\"refuted\"," +
		"\"evidence\":[{\"type\":\"web\"|\"kb\"|\"other\",\"ref\":string,\"note\":string}],\"confidence\":float 0..1}] " +
		"(5-12 items), \"open_questions\":[string]}. Web evidence must cite a URL; KB evidence must cite KB[doc_id].")

	msgs := []llm.Message{
		{Role: "system", Content: "You are a rigorous fact-checker grounding claims in the provided evidence only."},
		{Role: "user", Content: b.String()},
	}
	res, ok := p.deps.Gateway.ChatOrNil(ctx, chairman, msgs, stage3TimeoutSec*time.Second, false)
	if !ok {
		return nil
	}
	blob, ok := jsonutil.Salvage(res.Content)
	if !ok {
		return nil
	}
	var out FactCheckResult
	if err := json.Unmarshal([]byte(blob), &out); err != nil {
		return nil
	}
	return &out
}
