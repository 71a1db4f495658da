package graph

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"provenance-pipeline/internal/logger"
	"provenance-pipeline/internal/models"
)

// schemaConstraints back OpMerge/OpCreate identity with database uniqueness.
var schemaConstraints = []string{
	"CREATE CONSTRAINT file_id IF NOT EXISTS FOR (n:File) REQUIRE n.id IS UNIQUE",
	"CREATE CONSTRAINT file_identity IF NOT EXISTS FOR (n:File) REQUIRE (n.org_id, n.source_id, n.path) IS UNIQUE",
	"CREATE CONSTRAINT folder_id IF NOT EXISTS FOR (n:Folder) REQUIRE n.id IS UNIQUE",
	"CREATE CONSTRAINT folder_identity IF NOT EXISTS FOR (n:Folder) REQUIRE (n.org_id, n.source_id, n.path) IS UNIQUE",
	"CREATE CONSTRAINT action_id IF NOT EXISTS FOR (n:Action) REQUIRE n.id IS UNIQUE",
	"CREATE INDEX action_commit IF NOT EXISTS FOR (n:Action) ON (n.commit_id)",
	"CREATE INDEX action_entity IF NOT EXISTS FOR (n:Action) ON (n.entity_id)",
}

// Neo4jOptions configures NewNeo4jStore.
type Neo4jOptions struct {
	URI      string
	User     string
	Password string
	Database string
	Logger   *slog.Logger
}

// Neo4jStore runs statements as Cypher through the Bolt driver.
type Neo4jStore struct {
	driver   neo4j.DriverWithContext
	database string
	log      *slog.Logger
}

// NewNeo4jStore connects and verifies connectivity.
func NewNeo4jStore(ctx context.Context, opts Neo4jOptions) (*Neo4jStore, error) {
	driver, err := neo4j.NewDriverWithContext(opts.URI, neo4j.BasicAuth(opts.User, opts.Password, ""))
	if err != nil {
		return nil, models.Persistence("graph.neo4j.connect", err)
	}
	if err := driver.VerifyConnectivity(ctx); err != nil {
		_ = driver.Close(ctx)
		return nil, models.Persistence("graph.neo4j.connect", err)
	}
	return &Neo4jStore{
		driver:   driver,
		database: opts.Database,
		log:      logger.OrDefault(opts.Logger).With(slog.String("component", "graph"), slog.String("backend", "neo4j")),
	}, nil
}

// EnsureSchema creates the uniqueness constraints and indexes.
func (s *Neo4jStore) EnsureSchema(ctx context.Context) error {
	session := s.session(ctx, neo4j.AccessModeWrite)
	defer session.Close(ctx)
	for _, q := range schemaConstraints {
		res, err := session.Run(ctx, q, nil)
		if err == nil {
			_, err = res.Consume(ctx)
		}
		if err != nil {
			return models.Persistence("graph.neo4j.schema", fmt.Errorf("%s: %w", q, err))
		}
	}
	s.log.Info("graph schema ready", slog.Int("statements", len(schemaConstraints)))
	return nil
}

// Run executes st in a managed transaction.
func (s *Neo4jStore) Run(ctx context.Context, st Statement) (Result, error) {
	query, params, err := st.Cypher()
	if err != nil {
		return Result{}, models.Validationf("graph.run", "%v", err)
	}
	mode := neo4j.AccessModeWrite
	if st.Op == OpMatch {
		mode = neo4j.AccessModeRead
	}
	session := s.session(ctx, mode)
	defer session.Close(ctx)

	work := func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx, query, params)
		if err != nil {
			return nil, err
		}
		records, err := res.Collect(ctx)
		if err != nil {
			return nil, err
		}
		summary, err := res.Consume(ctx)
		if err != nil {
			return nil, err
		}
		out := Result{Records: make([]Props, 0, len(records))}
		for _, rec := range records {
			v, ok := rec.Get("n")
			if !ok {
				continue
			}
			if m, ok := v.(map[string]any); ok {
				out.Records = append(out.Records, Props(m))
			}
		}
		out.Created = summary.Counters().NodesCreated() > 0
		return out, nil
	}

	var raw any
	if mode == neo4j.AccessModeRead {
		raw, err = session.ExecuteRead(ctx, work)
	} else {
		raw, err = session.ExecuteWrite(ctx, work)
	}
	if err != nil {
		return Result{}, s.classify(st, err)
	}
	return raw.(Result), nil
}

func (s *Neo4jStore) classify(st Statement, err error) error {
	op := "graph." + st.Op.String()
	var nerr *neo4j.Neo4jError
	if errors.As(err, &nerr) && strings.Contains(nerr.Code, "ConstraintValidationFailed") {
		return &models.Error{Kind: models.ErrConflict, Op: op, Err: err}
	}
	return models.Persistence(op, err)
}

// Ping verifies connectivity.
func (s *Neo4jStore) Ping(ctx context.Context) error {
	return models.Persistence("graph.ping", s.driver.VerifyConnectivity(ctx))
}

// Close releases the driver.
func (s *Neo4jStore) Close(ctx context.Context) error {
	return s.driver.Close(ctx)
}

func (s *Neo4jStore) session(ctx context.Context, mode neo4j.AccessMode) neo4j.SessionWithContext {
	return s.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: mode, DatabaseName: s.database})
}
