package pipeline

import (
	"context"
	"fmt"
	"strings"
	"time"

	"council/internal/llm"
)

// runStage3 synthesizes the chairman's final answer from every prior stage's
// output, returning "" on failure so the caller can surface an error
// (spec §4.5.6).
func (p *Pipeline) runStage3(ctx context.Context, chairman, userQuery string, stage1 []Stage1Record, stage2 []Stage2Record, stage2b *Stage2BResult, stage2c *FactCheckResult) string {
	if chairman == "" {
		return ""
	}
	var b strings.Builder
	fmt.Fprintf(&b, "User question: %s\n\n", userQuery)

	b.WriteString("Individual agent answers:\n")
	for _, rec := range stage1 {
		fmt.Fprintf(&b, "- %s (%s, influence=%.2f, seniority=%.1f): %s\n",
			rec.AgentName, rec.ModelSpec, rec.InfluenceWeight, rec.SeniorityYears, rec.Response)
	}

	if len(stage2) > 0 {
		b.WriteString("\nPeer rankings:\n")
		for _, rec := range stage2 {
			fmt.Fprintf(&b, "- %s (vote_weight=%.2f): %s\n", rec.AgentName, rec.VoteWeight, strings.Join(rec.ParsedRanking, " > "))
		}
	}

	if stage2b != nil {
		if stage2b.Roundtable != nil {
			fmt.Fprintf(&b, "\nRoundtable discussion:\n%s\n", renderRoundtable(stage2b.Roundtable))
		}
		if stage2b.Lively != nil {
			fmt.Fprintf(&b, "\nLively discussion (outcome: %s):\n%s\n", stage2b.Lively.Action, renderLively(stage2b.Lively.Transcript))
		}
	}

	if stage2c != nil {
		b.WriteString("\nFact-check claims:\n")
		for _, c := range stage2c.Claims {
			fmt.Fprintf(&b, "- [%s, confidence=%.2f] %s\n", c.Status, c.Confidence, c.Claim)
		}
	}

	b.WriteString("\nSynthesize a final answer. Be accurate, clearly distinguish fact from " +
		"inference, be majority-aware but note credible minority positions.")

	msgs := []llm.Message{
		{Role: "system", Content: "You are the discussion chairman, responsible for the final synthesized answer."},
		{Role: "user", Content: b.String()},
	}
	res, ok := p.deps.Gateway.ChatOrNil(ctx, chairman, msgs, stage3TimeoutSec*time.Second, false)
	if !ok {
		return ""
	}
	return res.Content
}
