package db

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const clearLogPrefix = "db:clear"

// ClearAgentState truncates every agent table. Schema is preserved; only data is removed.
func ClearAgentState(ctx context.Context, pool *pgxpool.Pool) error {
	slog.Info(fmt.Sprintf("%s - Clearing agent tables", clearLogPrefix))

	tables := make([]string, len(AgentTables))
	for i, t := range AgentTables {
		tables[i] = pgx.Identifier{t}.Sanitize()
	}
	_, err := pool.Exec(ctx, "TRUNCATE TABLE "+strings.Join(tables, ", "))
	if err != nil {
		return fmt.Errorf("%s - truncate failed: %w", clearLogPrefix, err)
	}

	slog.Info(fmt.Sprintf("%s - Agent state cleared", clearLogPrefix))
	return nil
}
