// Package correlator matches asynchronous responses to the requests that caused them.
//
// Every outgoing call gets a request id that is unique among the calls
// still pending. The call is parked in a table keyed by that id until a
// response with the same id arrives, its timeout fires, its context ends,
// or the correlator closes; whichever happens first settles the call and
// every later attempt is a no-op.
package correlator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nuid"

	"github.com/morezero/capability-bridge/pkg/bridgeerr"
	"github.com/morezero/capability-bridge/pkg/commsutil"
	"github.com/morezero/capability-bridge/pkg/errcodec"
	"github.com/morezero/capability-bridge/pkg/events"
	"github.com/morezero/capability-bridge/pkg/wire"
)

const (
	logPrefix = "correlator:correlator"

	defaultRecentSize = 1024
	maxIDAttempts     = 16
)

// Transport delivers requests to the host.
type Transport interface {
	SendRequest(ctx context.Context, req *wire.Request) error
}

// Gate decides whether an operation may be dispatched at all.
type Gate interface {
	Check(operation string) error
}

// GateFunc adapts a function to Gate.
type GateFunc func(operation string) error

// Check calls f.
func (f GateFunc) Check(operation string) error { return f(operation) }

// AllowAll is a Gate that admits every operation.
var AllowAll Gate = GateFunc(func(string) error { return nil })

// IDGenerator returns candidate request ids. It is only called with the
// pending table locked, so it need not be safe for concurrent use.
type IDGenerator func() string

// NUIDGenerator returns a generator backed by a private NUID sequence.
func NUIDGenerator() IDGenerator {
	n := nuid.New()
	return n.Next
}

// Config holds correlator configuration.
type Config struct {
	// Name identifies this side in logs and diagnostics.
	Name string
	// DefaultTimeout applies to calls that do not set their own. Zero means
	// calls wait until their context ends.
	DefaultTimeout time.Duration
	// Context is attached to every request so the host knows who is calling.
	Context *wire.InvocationContext
	// RecentSize bounds how many settled ids are remembered for classifying
	// late and duplicate responses.
	RecentSize int
}

// NewCorrelatorParams holds parameters for NewCorrelator.
type NewCorrelatorParams struct {
	Transport Transport
	Gate      Gate
	Publisher events.DiagnosticPublisher
	NewID     IDGenerator
	Config    Config
}

// Correlator owns the pending request table.
type Correlator struct {
	transport Transport
	gate      Gate
	publisher events.DiagnosticPublisher
	newID     IDGenerator
	cfg       Config

	mu      sync.Mutex
	pending map[string]*Call
	recent  *recentSet
	closed  bool

	stats counters
}

// NewCorrelator creates a new Correlator. A nil Gate admits nothing.
func NewCorrelator(params NewCorrelatorParams) *Correlator {
	cfg := params.Config
	if cfg.Name == "" {
		cfg.Name = "client"
	}
	if cfg.RecentSize <= 0 {
		cfg.RecentSize = defaultRecentSize
	}

	gate := params.Gate
	if gate == nil {
		slog.Warn(fmt.Sprintf("%s - no capability gate configured for %s, every call will be refused", logPrefix, cfg.Name))
		gate = GateFunc(func(operation string) error { return bridgeerr.CapabilityUnavailable(operation) })
	}

	pub := params.Publisher
	if pub == nil {
		pub = &events.NoOpPublisher{}
	}

	newID := params.NewID
	if newID == nil {
		newID = NUIDGenerator()
	}

	return &Correlator{
		transport: params.Transport,
		gate:      gate,
		publisher: pub,
		newID:     newID,
		cfg:       cfg,
		pending:   make(map[string]*Call),
		recent:    newRecentSet(cfg.RecentSize),
	}
}

// Invocation describes one call.
type Invocation struct {
	Operation string
	Args      []any
	// Timeout overrides Config.DefaultTimeout when positive.
	Timeout time.Duration
}

// Call invokes operation with the default timeout and waits for its outcome.
func (c *Correlator) Call(ctx context.Context, operation string, args ...any) (json.RawMessage, error) {
	return c.Start(ctx, Invocation{Operation: operation, Args: args}).Wait()
}

// Go starts operation with the default timeout without waiting.
func (c *Correlator) Go(ctx context.Context, operation string, args ...any) *Call {
	return c.Start(ctx, Invocation{Operation: operation, Args: args})
}

// Invoke runs inv and waits for its outcome.
func (c *Correlator) Invoke(ctx context.Context, inv Invocation) (json.RawMessage, error) {
	return c.Start(ctx, inv).Wait()
}

// Caller issues calls with a fixed timeout.
type Caller struct {
	c       *Correlator
	timeout time.Duration
}

// WithTimeout returns a Caller whose calls expire after d instead of the default.
func (c *Correlator) WithTimeout(d time.Duration) Caller {
	return Caller{c: c, timeout: d}
}

// Call invokes operation and waits for its outcome.
func (k Caller) Call(ctx context.Context, operation string, args ...any) (json.RawMessage, error) {
	return k.Go(ctx, operation, args...).Wait()
}

// Go starts operation without waiting.
func (k Caller) Go(ctx context.Context, operation string, args ...any) *Call {
	return k.c.Start(ctx, Invocation{Operation: operation, Args: args, Timeout: k.timeout})
}

// Start begins inv and returns immediately. The returned Call's Done channel
// closes once the call is settled. Failures that happen before anything is
// sent (gate refusal, bad arguments, closed correlator) come back as an
// already settled Call.
func (c *Correlator) Start(ctx context.Context, inv Invocation) *Call {
	call := newCall(inv.Operation)

	if err := c.gate.Check(inv.Operation); err != nil {
		slog.Debug(fmt.Sprintf("%s - %s refused locally: %v", logPrefix, inv.Operation, err))
		c.stats.refused.Add(1)
		call.finish(nil, err)
		return call
	}

	req, err := wire.NewRequest("", inv.Operation, inv.Args...)
	if err != nil {
		call.finish(nil, err)
		return call
	}

	timeout := inv.Timeout
	if timeout <= 0 {
		timeout = c.cfg.DefaultTimeout
	}
	req.Ctx = c.invocationContext(timeout)

	if err := c.register(ctx, call, timeout); err != nil {
		call.finish(nil, err)
		return call
	}
	req.ID = call.ID

	slog.Debug(fmt.Sprintf("%s - send id=%s operation=%s", logPrefix, call.ID, call.Operation))
	c.stats.sent.Add(1)
	if err := c.transport.SendRequest(ctx, req); err != nil {
		c.settle(call.ID, reasonSendFailed, nil,
			bridgeerr.Wrap(bridgeerr.CodeInternal, err, "failed to send %s: %v", call.Operation, err))
	}
	return call
}

// register allocates a fresh id, inserts call into the pending table and
// arms its timeout and context watchers, all under one lock so neither
// watcher can observe a half-registered call.
func (c *Correlator) register(ctx context.Context, call *Call, timeout time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return bridgeerr.New(bridgeerr.CodeBridgeClosed, "correlator is closed")
	}
	if err := ctx.Err(); err != nil {
		return contextError(call.Operation, err)
	}

	id, err := c.allocateIDLocked()
	if err != nil {
		return err
	}
	call.ID = id
	call.CreatedAt = time.Now()
	c.pending[id] = call

	if timeout > 0 {
		call.timer = time.AfterFunc(timeout, func() {
			c.settle(id, reasonTimedOut, nil, bridgeerr.New(bridgeerr.CodeRequestTimedOut,
				fmt.Sprintf("%s did not respond within %s", call.Operation, timeout)))
		})
	}
	call.stopCtx = context.AfterFunc(ctx, func() {
		err := ctx.Err()
		reason := reasonCancelled
		if errors.Is(err, context.DeadlineExceeded) {
			reason = reasonTimedOut
		}
		c.settle(id, reason, nil, contextError(call.Operation, err))
	})
	return nil
}

// allocateIDLocked draws ids until one is neither pending nor recently settled.
func (c *Correlator) allocateIDLocked() (string, error) {
	for i := 0; i < maxIDAttempts; i++ {
		id := c.newID()
		if id == "" {
			continue
		}
		if _, busy := c.pending[id]; busy {
			c.stats.idCollisions.Add(1)
			continue
		}
		if _, seen := c.recent.get(id); seen {
			c.stats.idCollisions.Add(1)
			continue
		}
		return id, nil
	}
	return "", bridgeerr.New(bridgeerr.CodeInternal, "could not allocate a unique request id")
}

func (c *Correlator) invocationContext(timeout time.Duration) *wire.InvocationContext {
	ictx := wire.InvocationContext{ClientName: c.cfg.Name}
	if c.cfg.Context != nil {
		ictx = *c.cfg.Context
		if ictx.ClientName == "" {
			ictx.ClientName = c.cfg.Name
		}
	}
	if timeout > 0 {
		ictx.DeadlineMs = int(timeout / time.Millisecond)
	}
	return &ictx
}

// HandleResponse settles the pending call matching resp.ID. Responses
// without a pending call are reported as diagnostics and otherwise ignored.
func (c *Correlator) HandleResponse(resp *wire.Response) {
	if err := resp.Validate(); err != nil {
		c.stats.malformed.Add(1)
		c.diagnose(events.KindMalformedMessage, resp.ID, "", err.Error())
		return
	}

	var outcome error
	var result json.RawMessage
	if resp.Ok {
		result = resp.Payload
		if result == nil {
			result = json.RawMessage("null")
		}
	} else {
		outcome = errcodec.Decode(resp.Payload)
	}

	if c.settle(resp.ID, reasonResponse, result, outcome) {
		return
	}

	c.mu.Lock()
	prior, seen := c.recent.get(resp.ID)
	c.mu.Unlock()

	c.stats.stale.Add(1)
	kind := events.KindUnknownResponse
	detail := "no pending request with this id"
	if seen {
		detail = "request already settled by " + prior.reason.String()
		if prior.reason == reasonResponse {
			kind = events.KindDuplicateResponse
		} else {
			kind = events.KindLateResponse
		}
	}
	c.diagnose(kind, resp.ID, prior.operation, detail)
}

// HandleMessage decodes a raw response envelope and hands it to HandleResponse.
func (c *Correlator) HandleMessage(codec commsutil.Codec, data []byte) {
	var resp wire.Response
	if err := codec.Unmarshal(data, &resp); err != nil {
		c.stats.malformed.Add(1)
		c.diagnose(events.KindMalformedMessage, "", "", fmt.Sprintf("undecodable %s response: %v", codec.Name(), err))
		return
	}
	c.HandleResponse(&resp)
}

// settle removes id from the pending table and completes its call. It
// reports false when id was not pending, i.e. someone else won the race.
func (c *Correlator) settle(id string, reason settleReason, result json.RawMessage, err error) bool {
	c.mu.Lock()
	call, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
		c.recent.add(id, recentEntry{reason: reason, operation: call.Operation})
	}
	c.mu.Unlock()

	if !ok {
		return false
	}

	switch {
	case reason == reasonTimedOut:
		c.stats.timedOut.Add(1)
	case err != nil:
		c.stats.rejected.Add(1)
	default:
		c.stats.resolved.Add(1)
	}

	if reason == reasonTimedOut || reason == reasonCancelled {
		slog.Debug(fmt.Sprintf("%s - id=%s operation=%s settled by %s", logPrefix, id, call.Operation, reason))
	}
	call.finish(result, err)
	return true
}

// Close rejects every pending call and refuses new ones.
func (c *Correlator) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	ids := make([]string, 0, len(c.pending))
	for id := range c.pending {
		ids = append(ids, id)
	}
	c.mu.Unlock()

	for _, id := range ids {
		c.settle(id, reasonClosed, nil, bridgeerr.New(bridgeerr.CodeBridgeClosed, "correlator closed while the request was pending"))
	}
	slog.Info(fmt.Sprintf("%s - %s closed, %d pending calls rejected", logPrefix, c.cfg.Name, len(ids)))
}

// Pending returns the number of calls awaiting a response.
func (c *Correlator) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

func (c *Correlator) diagnose(kind, id, operation, detail string) {
	slog.Warn(fmt.Sprintf("%s - %s discarded: kind=%s id=%s operation=%s: %s", logPrefix, c.cfg.Name, kind, id, operation, detail))
	event := &events.DiagnosticEvent{
		Kind:      kind,
		Source:    c.cfg.Name,
		RequestID: id,
		Operation: operation,
		Detail:    detail,
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
	}
	if err := c.publisher.PublishDiagnostic(context.Background(), event); err != nil {
		slog.Error(fmt.Sprintf("%s - failed to publish diagnostic: %v", logPrefix, err))
	}
}

func contextError(operation string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return bridgeerr.Wrap(bridgeerr.CodeRequestTimedOut, err, "%s: %v", operation, err)
	}
	return bridgeerr.Wrap(bridgeerr.CodeRequestCancelled, err, "%s: %v", operation, err)
}
