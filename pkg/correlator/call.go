package correlator

import (
	"encoding/json"
	"sync/atomic"
	"time"

	"github.com/morezero/capability-bridge/pkg/bridgeerr"
)

// Call is one in-flight invocation.
type Call struct {
	ID        string
	Operation string
	CreatedAt time.Time

	// Result and Err are valid once Done is closed.
	Result json.RawMessage
	Err    error
	Done   chan struct{}

	timer   *time.Timer
	stopCtx func() bool
}

func newCall(operation string) *Call {
	return &Call{Operation: operation, Done: make(chan struct{})}
}

// finish records the outcome and releases waiters. Callers guarantee it
// runs at most once per call.
func (c *Call) finish(result json.RawMessage, err error) {
	if c.timer != nil {
		c.timer.Stop()
	}
	if c.stopCtx != nil {
		c.stopCtx()
	}
	c.Result = result
	c.Err = err
	close(c.Done)
}

// Wait blocks until the call is settled.
func (c *Call) Wait() (json.RawMessage, error) {
	<-c.Done
	return c.Result, c.Err
}

// Decode waits for the call and unmarshals its result into v.
func (c *Call) Decode(v any) error {
	result, err := c.Wait()
	if err != nil {
		return err
	}
	if err := json.Unmarshal(result, v); err != nil {
		return bridgeerr.Wrap(bridgeerr.CodeProtocolError, err, "%s returned an undecodable result: %v", c.Operation, err)
	}
	return nil
}

type settleReason int

const (
	reasonResponse settleReason = iota
	reasonTimedOut
	reasonCancelled
	reasonSendFailed
	reasonClosed
)

func (r settleReason) String() string {
	switch r {
	case reasonResponse:
		return "response"
	case reasonTimedOut:
		return "timeout"
	case reasonCancelled:
		return "cancellation"
	case reasonSendFailed:
		return "send failure"
	case reasonClosed:
		return "close"
	default:
		return "unknown"
	}
}

type recentEntry struct {
	reason    settleReason
	operation string
}

// recentSet remembers the last N settled ids. Not safe for concurrent use.
type recentSet struct {
	entries map[string]recentEntry
	ring    []string
	next    int
}

func newRecentSet(size int) *recentSet {
	return &recentSet{entries: make(map[string]recentEntry, size), ring: make([]string, size)}
}

func (r *recentSet) add(id string, e recentEntry) {
	if old := r.ring[r.next]; old != "" {
		delete(r.entries, old)
	}
	r.ring[r.next] = id
	r.entries[id] = e
	r.next = (r.next + 1) % len(r.ring)
}

func (r *recentSet) get(id string) (recentEntry, bool) {
	e, ok := r.entries[id]
	return e, ok
}

type counters struct {
	sent         atomic.Int64
	resolved     atomic.Int64
	rejected     atomic.Int64
	timedOut     atomic.Int64
	refused      atomic.Int64
	stale        atomic.Int64
	malformed    atomic.Int64
	idCollisions atomic.Int64
}

// Stats is a snapshot of correlator activity.
type Stats struct {
	Pending      int   `json:"pending"`
	Sent         int64 `json:"sent"`
	Resolved     int64 `json:"resolved"`
	Rejected     int64 `json:"rejected"`
	TimedOut     int64 `json:"timedOut"`
	Refused      int64 `json:"refused"`
	Stale        int64 `json:"stale"`
	Malformed    int64 `json:"malformed"`
	IDCollisions int64 `json:"idCollisions"`
}

// Stats returns a snapshot of the correlator counters.
func (c *Correlator) Stats() Stats {
	return Stats{
		Pending:      c.Pending(),
		Sent:         c.stats.sent.Load(),
		Resolved:     c.stats.resolved.Load(),
		Rejected:     c.stats.rejected.Load(),
		TimedOut:     c.stats.timedOut.Load(),
		Refused:      c.stats.refused.Load(),
		Stale:        c.stats.stale.Load(),
		Malformed:    c.stats.malformed.Load(),
		IDCollisions: c.stats.idCollisions.Load(),
	}
}
