package db

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const migrationsLogPrefix = "db:migrations"

// Migration is one forward-only SQL file.
type Migration struct {
	Name string
	SQL  string
}

// LoadMigrationFiles reads every .sql file in dir, sorted by name.
func LoadMigrationFiles(dir string) ([]Migration, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("%s - failed to read migration dir %s: %w", migrationsLogPrefix, dir, err)
	}

	var names []string
	for _, e := range entries {
		if !e.IsDir() && filepath.Ext(e.Name()) == ".sql" {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	out := make([]Migration, 0, len(names))
	for _, name := range names {
		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return nil, fmt.Errorf("%s - failed to read %s: %w", migrationsLogPrefix, name, err)
		}
		out = append(out, Migration{Name: name, SQL: string(data)})
	}
	slog.Info(fmt.Sprintf("%s - Loaded %d migration files from %s", migrationsLogPrefix, len(out), dir))
	return out, nil
}

const createMigrationsTable = `CREATE TABLE IF NOT EXISTS bridge_schema_migrations (
	name    TEXT PRIMARY KEY,
	applied TIMESTAMPTZ NOT NULL DEFAULT now()
)`

// RunMigrations applies every migration not yet recorded, each in its own
// transaction together with its bookkeeping row.
func RunMigrations(ctx context.Context, pool *pgxpool.Pool, migrations []Migration) error {
	if _, err := pool.Exec(ctx, createMigrationsTable); err != nil {
		return fmt.Errorf("%s - failed to create migrations table: %w", migrationsLogPrefix, err)
	}
	applied, err := appliedMigrations(ctx, pool)
	if err != nil {
		return err
	}

	pending := PendingMigrations(migrations, applied)
	slog.Info(fmt.Sprintf("%s - %d of %d migrations pending", migrationsLogPrefix, len(pending), len(migrations)))

	for _, m := range pending {
		err := pgx.BeginFunc(ctx, pool, func(tx pgx.Tx) error {
			if _, err := tx.Exec(ctx, m.SQL); err != nil {
				return err
			}
			_, err := tx.Exec(ctx, `INSERT INTO bridge_schema_migrations (name) VALUES ($1)`, m.Name)
			return err
		})
		if err != nil {
			return fmt.Errorf("%s - migration %s failed: %w", migrationsLogPrefix, m.Name, err)
		}
		slog.Info(fmt.Sprintf("%s - Applied %s", migrationsLogPrefix, m.Name))
	}
	return nil
}

// PendingMigrations returns the migrations whose names are not in applied, in order.
func PendingMigrations(migrations []Migration, applied map[string]bool) []Migration {
	var out []Migration
	for _, m := range migrations {
		if !applied[m.Name] {
			out = append(out, m)
		}
	}
	return out
}

// MigrationStatus reports which migrations are applied and which are pending.
func MigrationStatus(ctx context.Context, pool *pgxpool.Pool, migrations []Migration) (applied, pending []string, err error) {
	if _, err := pool.Exec(ctx, createMigrationsTable); err != nil {
		return nil, nil, fmt.Errorf("%s - failed to create migrations table: %w", migrationsLogPrefix, err)
	}
	done, err := appliedMigrations(ctx, pool)
	if err != nil {
		return nil, nil, err
	}
	for _, m := range migrations {
		if done[m.Name] {
			applied = append(applied, m.Name)
		} else {
			pending = append(pending, m.Name)
		}
	}
	return applied, pending, nil
}

func appliedMigrations(ctx context.Context, pool *pgxpool.Pool) (map[string]bool, error) {
	rows, err := pool.Query(ctx, `SELECT name FROM bridge_schema_migrations`)
	if err != nil {
		return nil, fmt.Errorf("%s - failed to list applied migrations: %w", migrationsLogPrefix, err)
	}
	names, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("%s - failed to read applied migrations: %w", migrationsLogPrefix, err)
	}
	applied := make(map[string]bool, len(names))
	for _, n := range names {
		applied[n] = true
	}
	return applied, nil
}
