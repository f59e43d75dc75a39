package pipeline

import (
	"context"
	"fmt"

	"council/internal/observability"
	"council/internal/store"
	"council/internal/tools"
)

// Pipeline runs Stage0-Stage4 deliberation turns over a fixed roster of
// collaborators (Deps). One Pipeline is shared across conversations; all
// per-turn state lives on the stack of RunTurn and its stage helpers.
type Pipeline struct {
	deps          Deps
	webSearchTool tools.Tool
}

// New constructs a Pipeline. webSearchTool may be nil if the web_search tool
// plugin is disabled in the plugin registry.
func New(deps Deps, webSearchTool tools.Tool) *Pipeline {
	return &Pipeline{deps: deps, webSearchTool: webSearchTool}
}

func (p *Pipeline) emitTrace(ctx context.Context, typ string, payload map[string]any) {
	conversationID := observability.ConversationIDFromContext(ctx)
	if p.deps.Trace != nil {
		p.deps.Trace.Emit(conversationID, typ, payload)
	}
}

func withConversationID(ctx context.Context, id string) context.Context {
	return observability.WithConversationID(ctx, id)
}

// chairmanSpec resolves the chairman model_spec in priority order: the
// conversation's agent override, then its model override, then the global
// default (spec §4.5.6).
func (p *Pipeline) chairmanSpec(ctx context.Context, conv *store.Conversation) string {
	if conv.ChairmanAgentID != "" {
		if a, err := p.deps.Agents.Get(ctx, conv.ChairmanAgentID); err == nil {
			return a.ModelSpec
		}
	}
	if conv.ChairmanModel != "" {
		return conv.ChairmanModel
	}
	return p.deps.Agents.ChairmanModel()
}

// selectedAgents resolves the conversation's active roster: the explicit
// selection if set, else every enabled agent.
func (p *Pipeline) selectedAgents(ctx context.Context, conv *store.Conversation) []store.Agent {
	if len(conv.SelectedAgentIDs) == 0 {
		return p.deps.Agents.Enabled(ctx)
	}
	want := make(map[string]bool, len(conv.SelectedAgentIDs))
	for _, id := range conv.SelectedAgentIDs {
		want[id] = true
	}
	var out []store.Agent
	for _, a := range p.deps.Agents.List(ctx) {
		if a.Enabled && want[a.ID] {
			out = append(out, a)
		}
	}
	return out
}

// RunTurn executes one user message through Stages 0-4, per spec §2's data
// flow and §4.5's stage ordering.
func (p *Pipeline) RunTurn(ctx context.Context, conv *store.Conversation, userQuery string) (*TurnResult, error) {
	ctx = withConversationID(ctx, conv.ID)
	result := &TurnResult{}

	agents := p.selectedAgents(ctx, conv)
	if len(agents) == 0 {
		return &TurnResult{Error: "no enabled agents selected for this conversation"}, nil
	}

	if conv.PreprocessOn && len(conv.BoundDocIDs) > 0 {
		p.emitTrace(ctx, "stage_start", map[string]any{"stage": "stage0"})
		result.Stage0 = p.runStage0(ctx, conv, userQuery)
		p.emitTrace(ctx, "stage_complete", map[string]any{"stage": "stage0", "ok": result.Stage0 != nil})
	}

	p.emitTrace(ctx, "stage_start", map[string]any{"stage": "stage1", "agents": len(agents)})
	stage1, missingProviders := p.runStage1(ctx, conv, agents, userQuery, result.Stage0)
	result.Stage1 = stage1
	p.emitTrace(ctx, "stage_complete", map[string]any{"stage": "stage1", "count": len(stage1)})

	if len(stage1) == 0 {
		result.Error = missingKeyErrorMessage(missingProviders)
		result.Metadata.MissingKeyProviders = missingProviders
		return result, nil
	}

	p.emitTrace(ctx, "stage_start", map[string]any{"stage": "stage2"})
	stage2, labels := p.runStage2(ctx, agents, stage1)
	result.Stage2 = stage2
	result.Metadata.Labels = labels
	result.Metadata.Aggregate = aggregateRanking(stage2, labels)
	p.emitTrace(ctx, "stage_complete", map[string]any{"stage": "stage2", "count": len(stage2)})

	if conv.Mode == store.ModeLively {
		p.emitTrace(ctx, "stage_start", map[string]any{"stage": "stage2b", "mode": "lively"})
		lively := p.runLively(ctx, conv, agents, stage1)
		result.Stage2B = &Stage2BResult{Lively: lively}
		p.emitTrace(ctx, "stage_complete", map[string]any{"stage": "stage2b", "messages": len(lively.Transcript)})
	} else if conv.RoundtableRounds > 0 {
		p.emitTrace(ctx, "stage_start", map[string]any{"stage": "stage2b", "mode": "roundtable"})
		rt := p.runRoundtable(ctx, conv, agents, stage1)
		result.Stage2B = &Stage2BResult{Roundtable: rt}
		p.emitTrace(ctx, "stage_complete", map[string]any{"stage": "stage2b", "messages": len(rt)})
	}

	if conv.FactCheckOn {
		p.emitTrace(ctx, "stage_start", map[string]any{"stage": "stage2c"})
		result.Stage2C = p.runStage2C(ctx, conv, userQuery, stage1, stage2, result.Stage2B)
		p.emitTrace(ctx, "stage_complete", map[string]any{"stage": "stage2c", "ok": result.Stage2C != nil})
	}

	chairman := p.chairmanSpec(ctx, conv)
	result.Metadata.Chairman = chairman

	p.emitTrace(ctx, "stage_start", map[string]any{"stage": "stage3"})
	result.Stage3 = p.runStage3(ctx, chairman, userQuery, stage1, stage2, result.Stage2B, result.Stage2C)
	p.emitTrace(ctx, "stage_complete", map[string]any{"stage": "stage3", "ok": result.Stage3 != ""})

	p.emitTrace(ctx, "stage_start", map[string]any{"stage": "stage4"})
	result.Stage4 = p.runStage4(ctx, conv, chairman, userQuery, result)
	p.emitTrace(ctx, "stage_complete", map[string]any{"stage": "stage4", "ok": result.Stage4 != ""})

	return result, nil
}

func missingKeyErrorMessage(providers []string) string {
	if len(providers) == 0 {
		return "No model responded for this turn."
	}
	return fmt.Sprintf("No model responded... Missing API key(s) for provider(s): %s", joinComma(providers))
}

func joinComma(ss []string) string {
	out := ""
	for i, s := range ss {
		if i > 0 {
			out += ", "
		}
		out += s
	}
	return out
}

// Per-stage LLM call ceilings in seconds (spec §4.1).
const (
	stage1TimeoutSec = 120
	stage2TimeoutSec = 180
	stage3TimeoutSec = 240
)
