package db

import (
	"context"

	"github.com/morezero/capability-bridge/pkg/host"
)

// Journal adapts Repository to host.Journal.
type Journal struct {
	repo *Repository
}

// NewJournal creates a host journal backed by repo.
func NewJournal(repo *Repository) *Journal {
	return &Journal{repo: repo}
}

// RecordInvocation inserts rec into the invocations table.
func (j *Journal) RecordInvocation(ctx context.Context, rec *host.InvocationRecord) error {
	return j.repo.InsertInvocation(ctx, InsertInvocationParams{
		RequestID:    rec.RequestID,
		Operation:    rec.Operation,
		ClientName:   rec.ClientName,
		Role:         rec.Role,
		Ok:           rec.Ok,
		ErrorMessage: rec.ErrorMessage,
		Duration:     rec.Duration,
	})
}
