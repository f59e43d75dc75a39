package pipeline

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/semaphore"

	"council/internal/store"
)

// Ask runs a single named agent directly, appended to conversation history
// as a "direct" assistant message by the HTTP layer; the pipeline itself
// only produces the text (spec §4.5.8).
func (p *Pipeline) Ask(ctx context.Context, conv *store.Conversation, agentID, userQuery string) (string, error) {
	ctx = withConversationID(ctx, conv.ID)
	a, err := p.deps.Agents.Get(ctx, agentID)
	if err != nil {
		return "", err
	}
	realtime := p.realtimeContextBlock(ctx, conv.ID, true)
	history := historyDigest(conv, 20)
	webSem := semaphore.NewWeighted(webSearchSemaphoreWidth)
	msgs := p.buildStage1Messages(ctx, a, userQuery, realtime, history, nil, conv.BoundDocIDs, webSem)
	res, ok := p.deps.Gateway.ChatOrNil(ctx, a.ModelSpec, msgs, time.Duration(stage1TimeoutSec)*time.Second, false)
	if !ok {
		return "", fmt.Errorf("pipeline: agent %s did not respond", agentID)
	}
	return res.Content, nil
}

// AdHocReport runs Stage4 over the latest available Stage1/2/2B/2C bundle
// already present in conversation history, with an optional override of
// report requirements (spec §4.5.8).
func (p *Pipeline) AdHocReport(ctx context.Context, conv *store.Conversation, userQuery string, override *store.ReportRequirements) (string, error) {
	ctx = withConversationID(ctx, conv.ID)
	if override != nil {
		conv.Report = *override
	}
	chairman := p.chairmanSpec(ctx, conv)
	if chairman == "" {
		return "", fmt.Errorf("pipeline: no chairman configured")
	}
	result := &TurnResult{}
	report := p.runStage4(ctx, conv, chairman, userQuery, result)
	if report == "" {
		return "", fmt.Errorf("pipeline: report generation failed")
	}
	return report, nil
}
