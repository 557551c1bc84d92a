package host

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// InvocationRecord is one journaled dispatch.
type InvocationRecord struct {
	RequestID    string
	Operation    string
	ClientName   string
	Role         string
	Ok           bool
	ErrorMessage string
	Duration     time.Duration
}

// Journal persists invocation records.
type Journal interface {
	RecordInvocation(ctx context.Context, rec *InvocationRecord) error
}

// NoOpJournal discards every record.
type NoOpJournal struct{}

// RecordInvocation is a no-op.
func (NoOpJournal) RecordInvocation(context.Context, *InvocationRecord) error { return nil }

// MemoryJournal keeps records in memory (for testing).
type MemoryJournal struct {
	mu      sync.Mutex
	records []InvocationRecord
}

// RecordInvocation appends a copy of rec.
func (j *MemoryJournal) RecordInvocation(_ context.Context, rec *InvocationRecord) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.records = append(j.records, *rec)
	return nil
}

// Records returns a copy of everything recorded so far.
func (j *MemoryJournal) Records() []InvocationRecord {
	j.mu.Lock()
	defer j.mu.Unlock()
	out := make([]InvocationRecord, len(j.records))
	copy(out, j.records)
	return out
}

type counters struct {
	received  atomic.Int64
	succeeded atomic.Int64
	failed    atomic.Int64
	refused   atomic.Int64

	roleMismatches atomic.Int64
}

// Stats is a snapshot of host activity.
type Stats struct {
	Received  int64 `json:"received"`
	Succeeded int64 `json:"succeeded"`
	Failed    int64 `json:"failed"`
	Refused   int64 `json:"refused"`
	// RoleMismatches counts requests whose claimed role differed from the channel's.
	RoleMismatches int64 `json:"roleMismatches"`
}

// Stats returns a snapshot of the host counters.
func (h *Host) Stats() Stats {
	return Stats{
		Received:  h.stats.received.Load(),
		Succeeded: h.stats.succeeded.Load(),
		Failed:    h.stats.failed.Load(),
		Refused:   h.stats.refused.Load(),

		RoleMismatches: h.stats.roleMismatches.Load(),
	}
}
