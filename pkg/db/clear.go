package db

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

const clearLogPrefix = "db:clear"

// ClearJournal removes every journal row, keeping the schema.
func ClearJournal(ctx context.Context, pool *pgxpool.Pool) error {
	slog.Info(fmt.Sprintf("%s - Clearing invocation journal", clearLogPrefix))
	if _, err := pool.Exec(ctx, `TRUNCATE TABLE invocations RESTART IDENTITY`); err != nil {
		return fmt.Errorf("%s - truncate failed: %w", clearLogPrefix, err)
	}
	return nil
}

// PruneJournal deletes journal rows older than the retention period and
// returns how many were removed.
func PruneJournal(ctx context.Context, pool *pgxpool.Pool, retention time.Duration) (int64, error) {
	tag, err := pool.Exec(ctx, `DELETE FROM invocations WHERE created < $1`, time.Now().Add(-retention))
	if err != nil {
		return 0, fmt.Errorf("%s - prune failed: %w", clearLogPrefix, err)
	}
	slog.Info(fmt.Sprintf("%s - Pruned %d journal rows older than %s", clearLogPrefix, tag.RowsAffected(), retention))
	return tag.RowsAffected(), nil
}
