package databases

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"council/internal/config"
)

// NewManager constructs the Search/Vector/Graph backends from configuration.
// Supported backends: memory, sqlite (default), postgres for search;
// memory, sqlite (default), qdrant for vector; memory (default), neo4j for graph.
func NewManager(ctx context.Context, cfg config.DBConfig) (Manager, error) {
	var m Manager

	switch cfg.Search.Backend {
	case "memory":
		m.Search = NewMemorySearch()
	case "postgres", "pg":
		pool, err := newPgPool(ctx, cfg.Search.DSN)
		if err != nil {
			return Manager{}, fmt.Errorf("connect postgres (search): %w", err)
		}
		m.Search = NewPostgresSearch(pool)
	case "", "sqlite":
		path := cfg.Search.DSN
		if path == "" {
			path = "data/kb.sqlite"
		}
		kb, err := OpenSqliteKB(path)
		if err != nil {
			return Manager{}, fmt.Errorf("open kb sqlite: %w", err)
		}
		m.Search = kb
		if m.Vector == nil {
			m.Vector = kb
		}
	default:
		return Manager{}, fmt.Errorf("unsupported search backend: %s", cfg.Search.Backend)
	}

	switch cfg.Vector.Backend {
	case "memory":
		m.Vector = NewMemoryVector()
	case "qdrant":
		v, err := NewQdrantVector(cfg.Vector.DSN, cfg.Vector.Collection, cfg.Vector.Dimensions, cfg.Vector.Metric)
		if err != nil {
			return Manager{}, fmt.Errorf("connect qdrant: %w", err)
		}
		m.Vector = v
	case "", "sqlite":
		// already wired to the shared kb sqlite handle above when Search used
		// the default backend; if Search used something else, open our own.
		if m.Vector == nil {
			path := cfg.Vector.DSN
			if path == "" {
				path = "data/kb.sqlite"
			}
			kb, err := OpenSqliteKB(path)
			if err != nil {
				return Manager{}, fmt.Errorf("open kb sqlite (vector): %w", err)
			}
			m.Vector = kb
		}
	default:
		return Manager{}, fmt.Errorf("unsupported vector backend: %s", cfg.Vector.Backend)
	}

	switch cfg.Graph.Backend {
	case "", "memory":
		m.Graph = NewMemoryGraph()
	case "neo4j":
		g, err := NewNeo4jGraph(ctx, cfg.Graph.DSN, cfg.Graph.Username, cfg.Graph.Password)
		if err != nil {
			return Manager{}, fmt.Errorf("connect neo4j: %w", err)
		}
		m.Graph = g
	default:
		return Manager{}, fmt.Errorf("unsupported graph backend: %s", cfg.Graph.Backend)
	}

	return m, nil
}

func newPgPool(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	if dsn == "" {
		return nil, fmt.Errorf("postgres backend requires a DSN")
	}
	pcfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, err
	}
	pcfg.MaxConns = 8
	pcfg.MinConns = 0
	pcfg.MaxConnLifetime = time.Hour
	pcfg.MaxConnIdleTime = 5 * time.Minute
	pool, err := pgxpool.NewWithConfig(ctx, pcfg)
	if err != nil {
		return nil, err
	}
	cctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := pool.Ping(cctx); err != nil {
		pool.Close()
		return nil, err
	}
	return pool, nil
}
