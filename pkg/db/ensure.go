package db

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
)

const ensureLogPrefix = "db:ensure"

// maintenanceDatabase is where CREATE DATABASE runs; the target may not exist yet.
const maintenanceDatabase = "postgres"

// maxIdentifierLen is Postgres' NAMEDATALEN minus the terminator.
const maxIdentifierLen = 63

var reservedDatabases = map[string]bool{"postgres": true, "template0": true, "template1": true}

// maintenanceConfig parses databaseURL and returns a connection config aimed at the
// maintenance database along with the target database name.
func maintenanceConfig(databaseURL string) (*pgx.ConnConfig, string, error) {
	target, err := pgx.ParseConfig(databaseURL)
	if err != nil {
		return nil, "", fmt.Errorf("%s - invalid database URL: %w", ensureLogPrefix, err)
	}
	name := target.Database
	switch {
	case name == "":
		return nil, "", fmt.Errorf("%s - database name empty in URL", ensureLogPrefix)
	case len(name) > maxIdentifierLen:
		return nil, "", fmt.Errorf("%s - database name %q longer than %d bytes", ensureLogPrefix, name, maxIdentifierLen)
	case reservedDatabases[name]:
		return nil, "", fmt.Errorf("%s - refusing to manage system database %q", ensureLogPrefix, name)
	}

	maint := target.Copy()
	maint.Database = maintenanceDatabase
	maint.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol
	return maint, name, nil
}

// EnsureDatabase creates the agent database named in databaseURL when it is
// missing, connecting to the maintenance database on the same server with the same
// credentials. It reports whether the database was created.
func EnsureDatabase(ctx context.Context, databaseURL string) (bool, error) {
	config, name, err := maintenanceConfig(databaseURL)
	if err != nil {
		return false, err
	}

	conn, err := pgx.ConnectConfig(ctx, config)
	if err != nil {
		return false, fmt.Errorf("%s - failed to connect to %s on %s: %w", ensureLogPrefix, maintenanceDatabase, config.Host, err)
	}
	defer conn.Close(context.WithoutCancel(ctx))

	var exists bool
	if err := conn.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM pg_database WHERE datname = $1)`, name).Scan(&exists); err != nil {
		return false, fmt.Errorf("%s - failed to check database %q: %w", ensureLogPrefix, name, err)
	}
	if exists {
		slog.Debug(fmt.Sprintf("%s - database %q already exists", ensureLogPrefix, name))
		return false, nil
	}

	slog.Info(fmt.Sprintf("%s - Creating database %q on %s", ensureLogPrefix, name, config.Host))
	if _, err := conn.Exec(ctx, "CREATE DATABASE "+pgx.Identifier{name}.Sanitize()); err != nil {
		return false, fmt.Errorf("%s - CREATE DATABASE %q failed: %w", ensureLogPrefix, name, err)
	}
	return true, nil
}
