package graph

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"provenance-pipeline/internal/models"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

// PostgresStore keeps nodes as jsonb documents in a single table, unique on
// (label, merge_key).
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a pooled connection to Postgres.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, models.Persistence("graph.postgres.connect", err)
	}
	return &PostgresStore{pool: pool}, nil
}

// RunMigrations executes the embedded SQL migrations in name order.
func (s *PostgresStore) RunMigrations(ctx context.Context) error {
	entries, err := migrationFiles.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("read migrations dir: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		content, err := migrationFiles.ReadFile("migrations/" + e.Name())
		if err != nil {
			return fmt.Errorf("read migration %s: %w", e.Name(), err)
		}
		sql := strings.TrimSpace(string(content))
		if sql == "" {
			continue
		}
		if _, err := s.pool.Exec(ctx, sql); err != nil {
			return models.Persistence("graph.postgres.migrate", fmt.Errorf("exec migration %s: %w", e.Name(), err))
		}
	}
	return nil
}

// Run executes st as a single SQL statement.
func (s *PostgresStore) Run(ctx context.Context, st Statement) (Result, error) {
	query, args, err := st.SQL()
	if err != nil {
		return Result{}, models.Validationf("graph.run", "%v", err)
	}
	op := "graph." + st.Op.String()

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return Result{}, models.Persistence(op, err)
	}
	var (
		out     Result
		created bool
	)
	for rows.Next() {
		var raw []byte
		dest := []any{&raw}
		if st.Op == OpMerge || st.Op == OpCreate {
			dest = append(dest, &created)
		}
		if err := rows.Scan(dest...); err != nil {
			rows.Close()
			return Result{}, models.Persistence(op, err)
		}
		var p Props
		if err := json.Unmarshal(raw, &p); err != nil {
			rows.Close()
			return Result{}, models.Persistence(op, fmt.Errorf("decode props: %w", err))
		}
		out.Records = append(out.Records, p)
		out.Created = out.Created || created
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return Result{}, &models.Error{Kind: models.ErrConflict, Op: op, Err: err}
		}
		return Result{}, models.Persistence(op, err)
	}
	if st.Op == OpCreate && len(out.Records) == 0 {
		return Result{}, &models.Error{Kind: models.ErrConflict, Op: op, Err: fmt.Errorf("%s %v exists", st.Label, st.Key)}
	}
	return out, nil
}

// SQL renders the statement against the graph_nodes table.
func (st Statement) SQL() (string, []any, error) {
	if err := st.Validate(); err != nil {
		return "", nil, err
	}
	key, err := jsonArg(st.Key)
	if err != nil {
		return "", nil, err
	}
	switch st.Op {
	case OpMerge:
		insert, err := jsonArg(merged(st.Key, st.OnCreate, st.Set))
		if err != nil {
			return "", nil, err
		}
		set, err := jsonArg(st.Set)
		if err != nil {
			return "", nil, err
		}
		return `INSERT INTO graph_nodes (label, merge_key, props) VALUES ($1, $2::jsonb, $3::jsonb)
ON CONFLICT (label, merge_key) DO UPDATE SET props = graph_nodes.props || $4::jsonb, updated_at = now()
RETURNING props, (xmax = 0) AS created`, []any{st.Label, key, insert, set}, nil
	case OpCreate:
		insert, err := jsonArg(merged(st.Key, st.Set))
		if err != nil {
			return "", nil, err
		}
		return `INSERT INTO graph_nodes (label, merge_key, props) VALUES ($1, $2::jsonb, $3::jsonb)
ON CONFLICT (label, merge_key) DO NOTHING
RETURNING props, true AS created`, []any{st.Label, key, insert}, nil
	case OpUpdate:
		set, err := jsonArg(st.Set)
		if err != nil {
			return "", nil, err
		}
		return `UPDATE graph_nodes SET props = props || $3::jsonb, updated_at = now()
WHERE label = $1 AND props @> $2::jsonb
RETURNING props`, []any{st.Label, key, set}, nil
	case OpMatch:
		var b strings.Builder
		b.WriteString("SELECT props FROM graph_nodes WHERE label = $1 AND props @> $2::jsonb ORDER BY ")
		for _, k := range st.OrderBy {
			fmt.Fprintf(&b, "props->>'%s', ", k)
		}
		b.WriteString("id")
		if st.Limit > 0 {
			fmt.Fprintf(&b, " LIMIT %d", st.Limit)
		}
		return b.String(), []any{st.Label, key}, nil
	}
	return "", nil, fmt.Errorf("unknown op %d", st.Op)
}

func jsonArg(p Props) (string, error) {
	if p == nil {
		return "{}", nil
	}
	b, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("encode props: %w", err)
	}
	return string(b), nil
}

// Ping checks the pool.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return models.Persistence("graph.ping", s.pool.Ping(ctx))
}

// Close releases the pool.
func (s *PostgresStore) Close(context.Context) error {
	if s.pool != nil {
		s.pool.Close()
	}
	return nil
}
