// Package kg implements chunked, ontology-constrained entity and relation
// extraction over arbitrary text, grounded in the teacher's JSON-salvage
// chat parsing idiom and internal/rag/chunker.go's fixed-window chunker.
package kg

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"council/internal/jsonutil"
	"council/internal/llm"
	"council/internal/persistence/databases"
	"council/internal/rag/chunker"
)

// Entity is a single extracted node candidate.
type Entity struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

// Relation is a single extracted edge candidate, referencing entities by
// name; names that don't resolve to an emitted Entity are still kept and
// the caller is expected to synthesize placeholder entities for them.
type Relation struct {
	Source string `json:"source"`
	Type   string `json:"type"`
	Target string `json:"target"`
}

// ChunkResult is one chunk's extraction output.
type ChunkResult struct {
	Index     int        `json:"index"`
	Text      string     `json:"text"`
	Entities  []Entity   `json:"entities"`
	Relations []Relation `json:"relations"`
}

// Result is the full document extraction, deduplicated across chunks.
type Result struct {
	Chunks    []ChunkResult
	Entities  []Entity
	Relations []Relation
}

// DefaultChunkOptions is the fixed 1200/120 char window used for KG
// extraction, distinct from the token-based defaults used for KB ingestion.
var DefaultChunkOptions = chunker.ChunkingOptions{Strategy: "fixed", MaxTokens: 300, Overlap: 30}

const (
	defaultChunkSize = 1200
	defaultOverlap   = 120
)

// Extractor runs ontology-constrained extraction through the LLM Gateway.
type Extractor struct {
	gw *llm.Gateway
}

// New builds an Extractor backed by gw.
func New(gw *llm.Gateway) *Extractor { return &Extractor{gw: gw} }

// Extract splits text into overlapping character windows and extracts
// entities/relations per chunk, restricting output to ontology's types and
// deduplicating the merged results by name/type.
func (e *Extractor) Extract(ctx context.Context, model, text string, ontology []string, chunkSize, overlap int) (Result, error) {
	if chunkSize <= 0 {
		chunkSize = defaultChunkSize
	}
	if overlap < 0 {
		overlap = defaultOverlap
	}
	chunks := charWindows(text, chunkSize, overlap)

	result := Result{Chunks: make([]ChunkResult, 0, len(chunks))}
	entitySeen := map[string]bool{}
	relSeen := map[string]bool{}

	for i, c := range chunks {
		cr, err := e.extractChunk(ctx, model, i, c, ontology)
		if err != nil {
			return Result{}, err
		}
		result.Chunks = append(result.Chunks, cr)
		for _, ent := range cr.Entities {
			key := ent.Type + "|" + ent.Name
			if !entitySeen[key] {
				entitySeen[key] = true
				result.Entities = append(result.Entities, ent)
			}
		}
		for _, rel := range cr.Relations {
			key := rel.Source + "|" + rel.Type + "|" + rel.Target
			if !relSeen[key] {
				relSeen[key] = true
				result.Relations = append(result.Relations, rel)
			}
		}
	}
	return result, nil
}

// ExtractStream is Extract's async-iterator form: it invokes onChunk as each
// chunk finishes rather than accumulating the whole document in memory.
func (e *Extractor) ExtractStream(ctx context.Context, model, text string, ontology []string, chunkSize, overlap int, onChunk func(ChunkResult) error) error {
	if chunkSize <= 0 {
		chunkSize = defaultChunkSize
	}
	if overlap < 0 {
		overlap = defaultOverlap
	}
	chunks := charWindows(text, chunkSize, overlap)
	for i, c := range chunks {
		cr, err := e.extractChunk(ctx, model, i, c, ontology)
		if err != nil {
			return err
		}
		if err := onChunk(cr); err != nil {
			return err
		}
	}
	return nil
}

func (e *Extractor) extractChunk(ctx context.Context, model string, index int, text string, ontology []string) (ChunkResult, error) {
	parsed, ok := e.tryExtract(ctx, model, text, ontology, false)
	if !ok && text != "" {
		parsed, ok = e.tryExtract(ctx, model, text, ontology, true)
	}
	if !ok {
		return ChunkResult{Index: index, Text: text}, nil
	}

	allowed := map[string]bool{}
	for _, t := range ontology {
		allowed[t] = true
	}
	entities := make([]Entity, 0, len(parsed.Entities))
	for _, ent := range parsed.Entities {
		if len(allowed) == 0 || allowed[ent.Type] {
			entities = append(entities, ent)
		}
	}
	return ChunkResult{Index: index, Text: text, Entities: entities, Relations: parsed.Relations}, nil
}

type extractionPayload struct {
	Entities  []Entity   `json:"entities"`
	Relations []Relation `json:"relations"`
}

func (e *Extractor) tryExtract(ctx context.Context, model, text string, ontology []string, safeMode bool) (extractionPayload, bool) {
	system := buildSystemPrompt(ontology, safeMode)
	msgs := []llm.Message{
		{Role: "system", Content: system},
		{Role: "user", Content: text},
	}
	res, ok := e.gw.ChatOrNil(ctx, model, msgs, 60*time.Second, false)
	if !ok {
		return extractionPayload{}, false
	}
	blob, ok := jsonutil.Salvage(res.Content)
	if !ok {
		return extractionPayload{}, false
	}
	var payload extractionPayload
	if err := json.Unmarshal([]byte(blob), &payload); err != nil {
		return extractionPayload{}, false
	}
	if len(payload.Entities) == 0 && len(payload.Relations) == 0 {
		return extractionPayload{}, false
	}
	return payload, true
}

func buildSystemPrompt(ontology []string, safeMode bool) string {
	base := fmt.Sprintf(
		"You extract a knowledge graph from text. Allowed entity types: %v. "+
			"Respond with strict JSON only: {\"entities\":[{\"name\":str,\"type\":str}],\"relations\":[{\"source\":str,\"type\":str,\"target\":str}]}. "+
			"Entities outside the allowed types will be discarded; relations may reference entities not explicitly listed.",
		ontology,
	)
	if safeMode {
		base += " If any detail is sensitive or would be moderated, replace it with the literal token [REDACTED] rather than omitting the entity or relation."
	}
	return base
}

// charWindows splits text into chunkSize-character windows overlapping by
// overlap characters, the same stepping logic as chunker.fixedChunk but
// without the token-to-char heuristic (KG extraction always deals in exact
// character counts per the contract).
func charWindows(text string, chunkSize, overlap int) []string {
	if text == "" {
		return nil
	}
	if overlap >= chunkSize {
		overlap = chunkSize / 2
	}
	var out []string
	start := 0
	for start < len(text) {
		end := start + chunkSize
		if end > len(text) {
			end = len(text)
		}
		out = append(out, text[start:end])
		if end == len(text) {
			break
		}
		next := end - overlap
		if next <= start {
			next = end
		}
		start = next
	}
	return out
}

// Upsert persists a Result into the graph store, ensuring relation
// endpoints exist by synthesizing placeholder entities for any name that
// was never emitted as an Entity.
func Upsert(ctx context.Context, graph databases.GraphDB, result Result) error {
	known := map[string]bool{}
	for _, ent := range result.Entities {
		if err := graph.UpsertNode(ctx, ent.Name, []string{ent.Type}, map[string]any{"name": ent.Name}); err != nil {
			return fmt.Errorf("kg: upsert node %q: %w", ent.Name, err)
		}
		known[ent.Name] = true
	}
	for _, rel := range result.Relations {
		if !known[rel.Source] {
			if err := graph.UpsertNode(ctx, rel.Source, []string{"Unresolved"}, map[string]any{"name": rel.Source, "placeholder": true}); err != nil {
				return fmt.Errorf("kg: synthesize placeholder %q: %w", rel.Source, err)
			}
			known[rel.Source] = true
		}
		if !known[rel.Target] {
			if err := graph.UpsertNode(ctx, rel.Target, []string{"Unresolved"}, map[string]any{"name": rel.Target, "placeholder": true}); err != nil {
				return fmt.Errorf("kg: synthesize placeholder %q: %w", rel.Target, err)
			}
			known[rel.Target] = true
		}
		if err := graph.UpsertEdge(ctx, rel.Source, sanitizeRelType(rel.Type), rel.Target, map[string]any{}); err != nil {
			return fmt.Errorf("kg: upsert edge %s-%s->%s: %w", rel.Source, rel.Type, rel.Target, err)
		}
	}
	return nil
}

// sanitizeRelType collapses an LLM-supplied relation label into a safe
// Cypher relationship type token: uppercase, non-alphanumerics to underscore.
func sanitizeRelType(t string) string {
	if t == "" {
		return "RELATED_TO"
	}
	out := make([]byte, 0, len(t))
	for i := 0; i < len(t); i++ {
		c := t[i]
		switch {
		case c >= 'a' && c <= 'z':
			out = append(out, c-32)
		case c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
			out = append(out, c)
		default:
			out = append(out, '_')
		}
	}
	return string(out)
}
