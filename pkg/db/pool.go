// Package db persists agent state in Postgres via pgx: connections, proposals, the
// executed set and ingestion high-water marks.
package db

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const logPrefix = "db:pool"

const (
	DefaultMaxConns        int32 = 10
	DefaultMinConns        int32 = 1
	defaultApplicationName       = "hcs-agent"
)

// AgentTables lists the tables created by the embedded migrations, in creation order.
var AgentTables = []string{"hcs_connections", "hcs_proposals", "hcs_executed_proposals", "hcs_checkpoints"}

// PoolOptions sizes the agent pool. Zero values use the defaults.
type PoolOptions struct {
	MaxConns        int32
	MinConns        int32
	ApplicationName string
}

func poolConfig(databaseURL string, opts PoolOptions) (*pgxpool.Config, error) {
	if strings.TrimSpace(databaseURL) == "" {
		return nil, fmt.Errorf("%s - database URL is empty", logPrefix)
	}
	config, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("%s - failed to parse database URL: %w", logPrefix, err)
	}

	config.MaxConns = DefaultMaxConns
	if opts.MaxConns > 0 {
		config.MaxConns = opts.MaxConns
	}
	config.MinConns = DefaultMinConns
	if opts.MinConns > 0 {
		config.MinConns = opts.MinConns
	}
	if config.MinConns > config.MaxConns {
		return nil, fmt.Errorf("%s - min conns %d exceeds max conns %d", logPrefix, config.MinConns, config.MaxConns)
	}

	// an application_name in the URL wins
	if _, ok := config.ConnConfig.RuntimeParams["application_name"]; !ok {
		name := opts.ApplicationName
		if name == "" {
			name = defaultApplicationName
		}
		config.ConnConfig.RuntimeParams["application_name"] = name
	}
	return config, nil
}

// NewPool connects to databaseURL and verifies the connection.
func NewPool(ctx context.Context, databaseURL string, opts PoolOptions) (*pgxpool.Pool, error) {
	config, err := poolConfig(databaseURL, opts)
	if err != nil {
		return nil, err
	}
	slog.Info(fmt.Sprintf("%s - Connecting to %s/%s (max_conns=%d)", logPrefix, config.ConnConfig.Host, config.ConnConfig.Database, config.MaxConns))

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("%s - failed to create pool: %w", logPrefix, err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("%s - failed to ping database: %w", logPrefix, err)
	}

	slog.Info(fmt.Sprintf("%s - Database connection established", logPrefix))
	return pool, nil
}

// RunMigrations applies SQL migration files in order.
func RunMigrations(ctx context.Context, pool *pgxpool.Pool, migrationFiles []string) error {
	slog.Info(fmt.Sprintf("%s - Running %d migrations", logPrefix, len(migrationFiles)))

	for _, sql := range migrationFiles {
		if _, err := pool.Exec(ctx, sql); err != nil {
			return fmt.Errorf("%s - migration failed: %w", logPrefix, err)
		}
	}

	slog.Info(fmt.Sprintf("%s - Migrations complete", logPrefix))
	return nil
}

// SchemaState summarizes which agent tables exist.
type SchemaState struct {
	Present []string
	Missing []string
}

func (s SchemaState) String() string {
	switch {
	case len(s.Missing) == 0:
		return "applied"
	case len(s.Present) == 0:
		return "not applied"
	default:
		return fmt.Sprintf("partial (missing %s)", strings.Join(s.Missing, ", "))
	}
}

func schemaState(found map[string]bool) SchemaState {
	var s SchemaState
	for _, table := range AgentTables {
		if found[table] {
			s.Present = append(s.Present, table)
		} else {
			s.Missing = append(s.Missing, table)
		}
	}
	return s
}

// InspectSchema reports which agent tables exist in the public schema.
func InspectSchema(ctx context.Context, pool *pgxpool.Pool) (SchemaState, error) {
	rows, err := pool.Query(ctx,
		`SELECT table_name FROM information_schema.tables WHERE table_schema = 'public' AND table_name = ANY($1)`, AgentTables)
	if err != nil {
		return SchemaState{}, fmt.Errorf("%s - failed to check schema: %w", logPrefix, err)
	}
	names, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return SchemaState{}, fmt.Errorf("%s - failed to read schema: %w", logPrefix, err)
	}
	found := make(map[string]bool, len(names))
	for _, n := range names {
		found[n] = true
	}
	return schemaState(found), nil
}

// MigrationStatus prints the schema state and the migration set it would apply.
func MigrationStatus(ctx context.Context, pool *pgxpool.Pool, migrationPath string) error {
	state, err := InspectSchema(ctx, pool)
	if err != nil {
		return err
	}
	files, err := LoadMigrations(migrationPath)
	if err != nil {
		return fmt.Errorf("%s - load migration list: %w", logPrefix, err)
	}
	source := migrationPath
	if source == "" {
		source = "embedded set"
	}
	fmt.Printf("Migration status: %s. %d migration files in %s\n", state, len(files), source)
	if len(state.Missing) > 0 {
		fmt.Println("Run 'agent migrate up' to create the missing tables.")
	}
	return nil
}

// dropStatement drops the agent tables in reverse creation order.
func dropStatement() string {
	quoted := make([]string, 0, len(AgentTables))
	for i := len(AgentTables) - 1; i >= 0; i-- {
		quoted = append(quoted, pgx.Identifier{AgentTables[i]}.Sanitize())
	}
	return "DROP TABLE IF EXISTS " + strings.Join(quoted, ", ")
}

// MigrationDown removes the agent schema. The migrations are a single forward set,
// so rolling back means dropping every table they create.
func MigrationDown(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, dropStatement()); err != nil {
		return fmt.Errorf("%s - failed to drop agent tables: %w", logPrefix, err)
	}
	slog.Info(fmt.Sprintf("%s - Dropped %s", logPrefix, strings.Join(AgentTables, ", ")))
	return nil
}
