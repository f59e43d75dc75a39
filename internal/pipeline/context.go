package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"golang.org/x/sync/semaphore"

	"council/internal/persistence/databases"
	"council/internal/rag/retrieve"
	"council/internal/store"
	"council/internal/tools/web"
)

// kbScopeFor resolves an agent's retrieval scope against a conversation's
// bound documents per spec §4.5.2: bound docs intersected with the agent's
// doc-ID allowlist if any; else the agent's categories; else the agent's own
// doc-IDs; else an agent-ID mention filter.
func kbScopeFor(a store.Agent, boundDocIDs []string) retrieve.Scope {
	if len(boundDocIDs) > 0 {
		if len(a.KB.DocIDs) == 0 {
			return retrieve.Scope{DocIDs: boundDocIDs}
		}
		allow := make(map[string]bool, len(a.KB.DocIDs))
		for _, id := range a.KB.DocIDs {
			allow[id] = true
		}
		var intersected []string
		for _, id := range boundDocIDs {
			if allow[id] {
				intersected = append(intersected, id)
			}
		}
		return retrieve.Scope{DocIDs: intersected}
	}
	if len(a.KB.DocIDs) == 0 && len(a.KB.Categories) > 0 {
		return retrieve.Scope{Categories: a.KB.Categories}
	}
	if len(a.KB.DocIDs) > 0 {
		return retrieve.Scope{DocIDs: a.KB.DocIDs}
	}
	return retrieve.Scope{AgentID: a.ID}
}

// personalKnowledgeBlock assembles an agent's private enrichment: web search
// (under the caller-supplied semaphore), KB hits scoped per kbScopeFor, and a
// KG subgraph for the agent's graph_id, if any. Every leg degrades silently.
func (p *Pipeline) personalKnowledgeBlock(ctx context.Context, a store.Agent, query string, boundDocIDs []string, webSem *semaphore.Weighted) string {
	var b strings.Builder

	if p.deps.Retriever != nil {
		scope := kbScopeFor(a, boundDocIDs)
		hits, err := p.deps.Retriever.Search(ctx, retrieve.SearchParams{
			Query: query, Scope: scope, Limit: 6, Mode: retrieve.ModeFTS,
		})
		if err == nil && len(hits) > 0 {
			p.emitTrace(ctx, "kb_hits", map[string]any{"agent_id": a.ID, "count": len(hits)})
			b.WriteString("Knowledge base excerpts:\n")
			for _, h := range hits {
				fmt.Fprintf(&b, "- [KB:%s] %s: %s\n", h.DocID, h.Title, truncate(h.Text, 400))
			}
		}
	}

	if p.webSearchTool != nil {
		if err := webSem.Acquire(ctx, 1); err == nil {
			defer webSem.Release(1)
			raw, _ := json.Marshal(map[string]any{"query": query, "max_results": 3})
			if out, err := p.webSearchTool.Call(ctx, raw); err == nil {
				if m, ok := out.(map[string]any); ok {
					if ok2, _ := m["ok"].(bool); ok2 {
						if results, ok := m["results"].([]web.SearchResult); ok && len(results) > 0 {
							p.emitTrace(ctx, "web_search_agent", map[string]any{"agent_id": a.ID, "count": len(results)})
							b.WriteString("Web search results:\n")
							for _, r := range results {
								fmt.Fprintf(&b, "- %s (%s): %s\n", r.Title, r.URL, r.Snippet)
							}
						}
					}
				}
			}
		}
	}

	if a.GraphID != "" && p.deps.Graph != nil {
		if node, ok := p.deps.Graph.GetNode(ctx, a.GraphID); ok {
			neighbors, _ := p.deps.Graph.Neighbors(ctx, a.GraphID, "")
			if len(neighbors) > 0 {
				p.emitTrace(ctx, "kg_subgraph", map[string]any{"agent_id": a.ID, "node": node.ID, "neighbors": len(neighbors)})
				fmt.Fprintf(&b, "Knowledge graph neighborhood of %s: %s\n", node.ID, strings.Join(neighbors, ", "))
			}
		}
	}

	return b.String()
}

// realtimeContextBlock prepends the current date (if enabled) and any
// previously-completed job summaries not yet injected into this
// conversation (spec §4.5.2). It adds no web-search hits; web search runs
// only per agent, in personalKnowledgeBlock.
func (p *Pipeline) realtimeContextBlock(ctx context.Context, conversationID string, includeDate bool) string {
	var b strings.Builder
	if includeDate {
		fmt.Fprintf(&b, "Current date: %s\n", time.Now().UTC().Format("2006-01-02"))
	}
	if p.deps.Jobs != nil {
		if injected, err := p.deps.Jobs.InjectableContext(ctx, conversationID); err == nil && injected != "" {
			b.WriteString(injected)
		}
	}
	return b.String()
}

// historyDigest builds the conversation-history block fed into Stage1:
// the last n messages, with assistant messages collapsed to their stored
// Summary (or raw Content if no summary was recorded).
func historyDigest(conv *store.Conversation, n int) string {
	msgs := conv.Messages
	if len(msgs) > n {
		msgs = msgs[len(msgs)-n:]
	}
	var b strings.Builder
	for _, m := range msgs {
		text := m.Content
		if m.Role == "assistant" && m.Summary != "" {
			text = m.Summary
		}
		fmt.Fprintf(&b, "%s: %s\n", m.Role, truncate(text, 2000))
	}
	return b.String()
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}

// stage0Context builds the bound-document digest for Stage0 preprocessing:
// up to 12 documents, each truncated to 8000 chars, concatenation capped at
// 24000 chars.
func stage0Context(ctx context.Context, docs databases.DocumentStore, boundDocIDs []string) (string, []string) {
	if docs == nil || len(boundDocIDs) == 0 {
		return "", nil
	}
	ids := boundDocIDs
	if len(ids) > 12 {
		ids = ids[:12]
	}
	all, err := docs.ListDocuments(ctx, ids)
	if err != nil {
		return "", nil
	}
	var b strings.Builder
	var used []string
	for _, d := range all {
		header := fmt.Sprintf("## %s (%s)\n", d.Title, d.ID)
		chunk := truncate(d.Text, 8000)
		if b.Len()+len(header)+len(chunk)+2 > 24000 {
			remaining := 24000 - b.Len() - len(header) - 2
			if remaining <= 0 {
				break
			}
			chunk = chunk[:remaining]
		}
		fmt.Fprintf(&b, "%s%s\n\n", header, chunk)
		used = append(used, d.ID)
		if b.Len() >= 24000 {
			break
		}
	}
	return b.String(), used
}
