package plugins

import (
	"context"
	"encoding/json"
	"fmt"

	"council/internal/jobs"
	"council/internal/kg"
	"council/internal/persistence/databases"
)

type kgExtractPayload struct {
	Model     string   `json:"model"`
	Text      string   `json:"text"`
	Ontology  []string `json:"ontology"`
	ChunkSize int      `json:"chunk_size"`
	Overlap   int      `json:"overlap"`
}

// NewKGExtractHandler chunks the payload text, extracts entities/relations
// per chunk via the LLM gateway, and upserts the merged result into the
// graph store, synthesizing placeholder nodes for unresolved relation
// endpoints (spec §4.7 kg_extract).
func NewKGExtractHandler(extractor *kg.Extractor, graph databases.GraphDB) jobs.Handler {
	return jobs.HandlerFunc(func(ctx context.Context, job *jobs.Job, progress func(int)) (*jobs.Result, error) {
		var p kgExtractPayload
		if err := json.Unmarshal(job.Payload, &p); err != nil {
			return nil, fmt.Errorf("kg_extract: bad payload: %w", err)
		}
		if p.Model == "" || p.Text == "" {
			return nil, fmt.Errorf("kg_extract: model and text are required")
		}

		result := kg.Result{}
		entitySeen := map[string]bool{}
		relSeen := map[string]bool{}
		chunkCount := 0
		err := extractor.ExtractStream(ctx, p.Model, p.Text, p.Ontology, p.ChunkSize, p.Overlap, func(cr kg.ChunkResult) error {
			if jobs.Cancelled(ctx) {
				return ctx.Err()
			}
			chunkCount++
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
			progress(min(90, 10+chunkCount*5))
			return nil
		})
		if err != nil {
			return nil, err
		}
		if err := kg.Upsert(ctx, graph, result); err != nil {
			return nil, err
		}
		progress(100)
		data, _ := json.Marshal(map[string]any{
			"entities":  len(result.Entities),
			"relations": len(result.Relations),
		})
		return &jobs.Result{
			OK:      true,
			Summary: fmt.Sprintf("extracted %d entities and %d relations into the knowledge graph", len(result.Entities), len(result.Relations)),
			Data:    data,
		}, nil
	})
}
