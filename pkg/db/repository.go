package db

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const repoLogPrefix = "db:repository"

const defaultListLimit = 50

// Repository provides access to the invocation journal.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a new Repository with the given connection pool.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// InsertInvocationParams holds parameters for InsertInvocation.
type InsertInvocationParams struct {
	RequestID    string
	Operation    string
	ClientName   string
	Role         string
	Ok           bool
	ErrorMessage string
	Duration     time.Duration
}

// InsertInvocation records one dispatched request.
func (r *Repository) InsertInvocation(ctx context.Context, params InsertInvocationParams) error {
	var errMsg *string
	if params.ErrorMessage != "" {
		errMsg = &params.ErrorMessage
	}
	durationMs := float64(params.Duration) / float64(time.Millisecond)

	_, err := r.pool.Exec(ctx,
		`INSERT INTO invocations (request_id, operation, client_name, role, ok, error_message, duration_ms)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		params.RequestID, params.Operation, params.ClientName, params.Role, params.Ok, errMsg, durationMs)
	if err != nil {
		return fmt.Errorf("%s - InsertInvocation failed: %w", repoLogPrefix, err)
	}
	return nil
}

// ListInvocationsParams holds parameters for ListInvocations.
type ListInvocationsParams struct {
	Operation  string
	FailedOnly bool
	Since      time.Time
	Limit      int
}

// ListInvocations returns the most recent invocations matching params, newest first.
func (r *Repository) ListInvocations(ctx context.Context, params ListInvocationsParams) ([]Invocation, error) {
	slog.Debug(fmt.Sprintf("%s - ListInvocations operation=%s failedOnly=%t", repoLogPrefix, params.Operation, params.FailedOnly))

	limit := params.Limit
	if limit < 1 {
		limit = defaultListLimit
	}

	query := `SELECT id, request_id, operation, client_name, role, ok, error_message, duration_ms, created
	          FROM invocations WHERE 1=1`
	args := []interface{}{}
	argIdx := 1

	if params.Operation != "" {
		query += fmt.Sprintf(` AND operation = $%d`, argIdx)
		args = append(args, params.Operation)
		argIdx++
	}
	if params.FailedOnly {
		query += ` AND NOT ok`
	}
	if !params.Since.IsZero() {
		query += fmt.Sprintf(` AND created >= $%d`, argIdx)
		args = append(args, params.Since)
		argIdx++
	}
	query += fmt.Sprintf(` ORDER BY created DESC, id DESC LIMIT $%d`, argIdx)
	args = append(args, limit)

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%s - ListInvocations query failed: %w", repoLogPrefix, err)
	}
	out, err := pgx.CollectRows(rows, pgx.RowToStructByPos[Invocation])
	if err != nil {
		return nil, fmt.Errorf("%s - ListInvocations scan failed: %w", repoLogPrefix, err)
	}
	return out, nil
}

// SummarizeInvocations aggregates calls per operation since the given time.
func (r *Repository) SummarizeInvocations(ctx context.Context, since time.Time) ([]OperationSummary, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT operation,
		        COUNT(*)::bigint,
		        COUNT(*) FILTER (WHERE NOT ok)::bigint,
		        COALESCE(AVG(duration_ms), 0)::double precision
		 FROM invocations
		 WHERE created >= $1
		 GROUP BY operation
		 ORDER BY operation`, since)
	if err != nil {
		return nil, fmt.Errorf("%s - SummarizeInvocations query failed: %w", repoLogPrefix, err)
	}
	out, err := pgx.CollectRows(rows, pgx.RowToStructByPos[OperationSummary])
	if err != nil {
		return nil, fmt.Errorf("%s - SummarizeInvocations scan failed: %w", repoLogPrefix, err)
	}
	return out, nil
}

// Ping checks database connectivity.
func (r *Repository) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}
