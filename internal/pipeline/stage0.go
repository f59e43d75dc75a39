package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"council/internal/jsonutil"
	"council/internal/llm"
	"council/internal/store"
)

// runStage0 summarizes up to 12 bound documents for the chairman model,
// returning nil on any failure (spec §4.5.1).
func (p *Pipeline) runStage0(ctx context.Context, conv *store.Conversation, userQuery string) *Stage0Result {
	if p.deps.Documents == nil {
		return nil
	}
	docContext, usedDocs := stage0Context(ctx, p.deps.Documents, conv.BoundDocIDs)
	if docContext == "" {
		return nil
	}

	chairman := p.chairmanSpec(ctx, conv)
	if chairman == "" {
		return nil
	}

	prompt := fmt.Sprintf(
		"User question: %s\n\nBound documents:\n%s\n\nReturn strict JSON: "+
			"{\"summary\":string (<=200 chars),\"outline\":[string] (<=8),"+
			"\"key_questions\":[string] (<=8),\"suggested_subtasks\":[string] (<=8),"+
			"\"used_docs\":[string] (<=8)}. No prose outside the JSON.",
		userQuery, docContext)
	msgs := []llm.Message{
		{Role: "system", Content: "You prepare a structured briefing before a multi-agent discussion."},
		{Role: "user", Content: prompt},
	}
	res, ok2 := p.deps.Gateway.ChatOrNil(ctx, chairman, msgs, stage0Timeout, false)
	if !ok2 {
		return nil
	}
	blob, ok3 := jsonutil.Salvage(res.Content)
	if !ok3 {
		return nil
	}
	var out Stage0Result
	if err := json.Unmarshal([]byte(blob), &out); err != nil {
		return nil
	}
	if len(out.UsedDocs) == 0 {
		out.UsedDocs = usedDocs
	}
	return &out
}

const stage0Timeout = 60 * time.Second
