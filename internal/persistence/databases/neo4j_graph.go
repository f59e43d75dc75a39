package databases

import (
	"context"
	"fmt"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
)

// neo4jGraph implements GraphDB over a single shared driver instance, per
// DESIGN NOTES §9 ("Shared mutable Neo4j driver"): one driver for the
// process lifetime, sessions scoped per call.
type neo4jGraph struct {
	driver neo4j.DriverWithContext
}

// NewNeo4jGraph dials the given bolt/neo4j URI once and verifies
// connectivity, returning a GraphDB backed by that single shared driver.
func NewNeo4jGraph(ctx context.Context, uri, username, password string) (GraphDB, error) {
	driver, err := neo4j.NewDriverWithContext(uri, neo4j.BasicAuth(username, password, ""))
	if err != nil {
		return nil, fmt.Errorf("create neo4j driver: %w", err)
	}
	if err := driver.VerifyConnectivity(ctx); err != nil {
		driver.Close(ctx)
		return nil, fmt.Errorf("verify neo4j connectivity: %w", err)
	}
	return &neo4jGraph{driver: driver}, nil
}

func (g *neo4jGraph) session(ctx context.Context) neo4j.SessionWithContext {
	return g.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeWrite})
}

func (g *neo4jGraph) UpsertNode(ctx context.Context, id string, labels []string, props map[string]any) error {
	session := g.session(ctx)
	defer session.Close(ctx)
	label := "Entity"
	if len(labels) > 0 {
		label = labels[0]
	}
	params := map[string]any{"id": id, "props": props}
	query := fmt.Sprintf(`MERGE (n:%s {id: $id}) SET n += $props`, label)
	_, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		return tx.Run(ctx, query, params)
	})
	return err
}

func (g *neo4jGraph) UpsertEdge(ctx context.Context, srcID, rel, dstID string, props map[string]any) error {
	session := g.session(ctx)
	defer session.Close(ctx)
	query := fmt.Sprintf(`
MATCH (a {id: $src}), (b {id: $dst})
MERGE (a)-[r:%s]->(b)
SET r += $props`, rel)
	_, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		return tx.Run(ctx, query, map[string]any{"src": srcID, "dst": dstID, "props": props})
	})
	return err
}

func (g *neo4jGraph) Neighbors(ctx context.Context, id string, rel string) ([]string, error) {
	session := g.session(ctx)
	defer session.Close(ctx)
	query := `MATCH (a {id: $id})-[r]->(b) WHERE $rel = '' OR type(r) = $rel RETURN b.id AS id`
	result, err := session.ExecuteRead(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx, query, map[string]any{"id": id, "rel": rel})
		if err != nil {
			return nil, err
		}
		records, err := res.Collect(ctx)
		if err != nil {
			return nil, err
		}
		ids := make([]string, 0, len(records))
		for _, rec := range records {
			if v, ok := rec.Get("id"); ok {
				if s, ok := v.(string); ok {
					ids = append(ids, s)
				}
			}
		}
		return ids, nil
	})
	if err != nil {
		return nil, err
	}
	return result.([]string), nil
}

func (g *neo4jGraph) GetNode(ctx context.Context, id string) (Node, bool) {
	session := g.session(ctx)
	defer session.Close(ctx)
	result, err := session.ExecuteRead(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx, `MATCH (n {id: $id}) RETURN labels(n) AS labels, properties(n) AS props`, map[string]any{"id": id})
		if err != nil {
			return nil, err
		}
		rec, err := res.Single(ctx)
		if err != nil {
			return nil, nil
		}
		var labels []string
		if v, ok := rec.Get("labels"); ok {
			if raw, ok := v.([]any); ok {
				for _, l := range raw {
					if s, ok := l.(string); ok {
						labels = append(labels, s)
					}
				}
			}
		}
		props := map[string]any{}
		if v, ok := rec.Get("props"); ok {
			if m, ok := v.(map[string]any); ok {
				props = m
			}
		}
		return Node{ID: id, Labels: labels, Props: props}, nil
	})
	if err != nil || result == nil {
		return Node{}, false
	}
	node, ok := result.(Node)
	return node, ok
}

func (g *neo4jGraph) Close() error {
	return g.driver.Close(context.Background())
}
