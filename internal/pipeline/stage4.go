package pipeline

import (
	"context"
	"fmt"
	"strings"
	"time"

	"council/internal/llm"
	"council/internal/persistence/databases"
	"council/internal/rag/retrieve"
	"council/internal/store"
)

const defaultReportKBCategory = "council_reports"

// runStage4 produces the Markdown report, iterating up to
// conv.IterationRounds times in serious mode (each iteration augments the
// user query with the previous draft), then optionally auto-saves it as a
// KB document and binds it back to the conversation (spec §4.5.7).
func (p *Pipeline) runStage4(ctx context.Context, conv *store.Conversation, chairman, userQuery string, result *TurnResult) string {
	if chairman == "" {
		return ""
	}
	rounds := conv.IterationRounds
	if rounds <= 0 {
		rounds = 1
	}
	if rounds > 8 {
		rounds = 8
	}
	if conv.Mode != store.ModeSerious {
		rounds = 1
	}

	draft := ""
	for iter := 1; iter <= rounds; iter++ {
		draft = p.renderReportDraft(ctx, chairman, userQuery, result, draft, iter)
		if draft == "" {
			return ""
		}
	}

	if conv.Report.AutoSave {
		p.autoSaveReport(ctx, conv, draft)
	}
	return draft
}

func (p *Pipeline) renderReportDraft(ctx context.Context, chairman, userQuery string, result *TurnResult, previousDraft string, iteration int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "User question: %s\n\n", userQuery)
	if result.Stage3 != "" {
		fmt.Fprintf(&b, "Chairman synthesis:\n%s\n\n", result.Stage3)
	}
	if previousDraft != "" {
		fmt.Fprintf(&b, "Previous report draft (iteration %d):\n%s\n\nContinue to refine this draft: "+
			"improve clarity, fill gaps, resolve contradictions.\n\n", iteration-1, previousDraft)
	}
	b.WriteString("Produce a complete Markdown report covering the discussion, key findings, areas of " +
		"agreement and disagreement, and a conclusion.")

	msgs := []llm.Message{
		{Role: "system", Content: "You are the discussion chairman, producing the final written report."},
		{Role: "user", Content: b.String()},
	}
	res, ok := p.deps.Gateway.ChatOrNil(ctx, chairman, msgs, stage3TimeoutSec*time.Second, false)
	if !ok {
		return ""
	}
	return res.Content
}

// autoSaveReport persists the report as a new KB document per spec §4.5.7:
// titled "讨论报告：<conversation title>", sourced as "conversation:<id>",
// categorized under report_kb_category (default council_reports), bound to
// the conversation's *currently enabled* agent set (not the agents that
// actually ran this turn — spec §9 Open Question decision, preserved
// literally), best-effort embedding-indexed, and optionally bound back.
func (p *Pipeline) autoSaveReport(ctx context.Context, conv *store.Conversation, report string) {
	if p.deps.Documents == nil {
		return
	}
	category := conv.Report.ReportKBCategory
	if category == "" {
		category = defaultReportKBCategory
	}
	enabled := p.deps.Agents.Enabled(ctx)
	agentIDs := make([]string, len(enabled))
	for i, a := range enabled {
		agentIDs[i] = a.ID
	}

	docID := fmt.Sprintf("report-%s-%d", conv.ID, time.Now().UTC().Unix())
	doc := databases.Document{
		ID:         docID,
		Title:      fmt.Sprintf("讨论报告：%s", conv.Title),
		Source:     fmt.Sprintf("conversation:%s", conv.ID),
		Categories: []string{category},
		AgentIDs:   agentIDs,
		Text:       report,
	}
	if err := p.deps.Documents.UpsertDocument(ctx, doc); err != nil {
		return
	}

	if p.deps.Retriever != nil {
		chairman := p.chairmanSpec(ctx, conv)
		if chairman != "" {
			p.deps.Retriever.BumpRevision()
			_ = p.deps.Retriever.IndexEmbeddings(ctx, chairman, retrieve.Scope{DocIDs: []string{docID}}, 512, func() bool { return false })
		}
	}

	if conv.Report.BindBack && p.deps.Conversations != nil {
		conv.BoundDocIDs = append(conv.BoundDocIDs, docID)
		_ = p.deps.Conversations.Save(ctx, conv)
	}
}
