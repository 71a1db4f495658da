package graph

import (
	"context"
	"fmt"
	"log/slog"

	"provenance-pipeline/internal/config"
)

// Store executes statements against a property graph.
type Store interface {
	Run(ctx context.Context, st Statement) (Result, error)
	Ping(ctx context.Context) error
	Close(ctx context.Context) error
}

// Open connects the backend named by cfg.GraphBackend and prepares its schema.
func Open(ctx context.Context, cfg config.Config, log *slog.Logger) (Store, error) {
	switch cfg.GraphBackend {
	case config.GraphMemory, "":
		return NewMemoryStore(), nil
	case config.GraphNeo4j:
		st, err := NewNeo4jStore(ctx, Neo4jOptions{
			URI:      cfg.Neo4jURI,
			User:     cfg.Neo4jUser,
			Password: cfg.Neo4jPassword,
			Database: cfg.Neo4jDatabase,
			Logger:   log,
		})
		if err != nil {
			return nil, err
		}
		if err := st.EnsureSchema(ctx); err != nil {
			_ = st.Close(ctx)
			return nil, err
		}
		return st, nil
	case config.GraphPostgres:
		st, err := NewPostgresStore(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, err
		}
		if err := st.RunMigrations(ctx); err != nil {
			_ = st.Close(ctx)
			return nil, err
		}
		return st, nil
	default:
		return nil, fmt.Errorf("unknown graph backend %q", cfg.GraphBackend)
	}
}
