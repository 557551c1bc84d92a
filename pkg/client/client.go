// Package client is the caller-facing side of the bridge.
//
// A Client holds one entry point per enabled capability. Disabled
// capabilities, including the whole remote family when the remote gate is
// closed, never get an entry point, so there is nothing to call by accident.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/morezero/capability-bridge/pkg/capability"
	"github.com/morezero/capability-bridge/pkg/commsutil"
	"github.com/morezero/capability-bridge/pkg/correlator"
	"github.com/morezero/capability-bridge/pkg/events"
	"github.com/morezero/capability-bridge/pkg/wire"
)

const logPrefix = "client:client"

// NewClientParams holds parameters for NewClient.
type NewClientParams struct {
	Registry  *capability.Registry
	Transport correlator.Transport
	Publisher events.DiagnosticPublisher
	// Name identifies the client in requests and diagnostics.
	Name string
	// Timeout is the default per-call timeout.
	Timeout time.Duration
	// NewID overrides request id generation (for testing).
	NewID correlator.IDGenerator
}

// Client invokes host operations through a correlator gated by a registry.
type Client struct {
	registry   *capability.Registry
	correlator *correlator.Correlator
	entries    map[string]*EntryPoint
	order      []string
}

// NewClient creates a Client. The registry is both the correlator's gate and
// the source of the entry point set.
func NewClient(params NewClientParams) *Client {
	env := params.Registry.Environment()
	corr := correlator.NewCorrelator(correlator.NewCorrelatorParams{
		Transport: params.Transport,
		Gate:      params.Registry,
		Publisher: params.Publisher,
		NewID:     params.NewID,
		Config: correlator.Config{
			Name:           params.Name,
			DefaultTimeout: params.Timeout,
			Context: &wire.InvocationContext{
				Role:       string(env.Role),
				Platform:   string(env.Platform),
				ClientName: params.Name,
			},
		},
	})

	c := &Client{registry: params.Registry, correlator: corr, entries: make(map[string]*EntryPoint)}
	for _, name := range params.Registry.ListEnabled() {
		desc, _ := params.Registry.Descriptor(name)
		c.entries[name] = &EntryPoint{name: name, remote: desc.Remote, corr: corr}
		c.order = append(c.order, name)
	}
	slog.Info(fmt.Sprintf("%s - %s materialized %d entry points (role=%s remote=%t)",
		logPrefix, params.Name, len(c.order), env.Role, env.Remote.Enabled()))
	return c
}

// Registry returns the registry the client was built from.
func (c *Client) Registry() *capability.Registry {
	return c.registry
}

// Entry returns the entry point for name, if the capability is enabled.
func (c *Client) Entry(name string) (*EntryPoint, bool) {
	e, ok := c.entries[name]
	return e, ok
}

// Entries returns the names of every materialized entry point in declaration order.
func (c *Client) Entries() []string {
	out := make([]string, len(c.order))
	copy(out, c.order)
	return out
}

// Call invokes name. Without an entry point it fails with the registry's
// reason and sends nothing.
func (c *Client) Call(ctx context.Context, name string, args ...any) (json.RawMessage, error) {
	e, ok := c.entries[name]
	if !ok {
		return nil, c.registry.Check(name)
	}
	return e.Call(ctx, args...)
}

// HandleMessage feeds a raw response envelope to the correlator.
func (c *Client) HandleMessage(codec commsutil.Codec, data []byte) {
	c.correlator.HandleMessage(codec, data)
}

// Stats returns the correlator counters.
func (c *Client) Stats() correlator.Stats {
	return c.correlator.Stats()
}

// Close rejects every pending call.
func (c *Client) Close() {
	c.correlator.Close()
}

// EntryPoint is a callable handle for one enabled capability.
type EntryPoint struct {
	name   string
	remote bool
	corr   *correlator.Correlator
}

// Name returns the capability name.
func (e *EntryPoint) Name() string { return e.name }

// Remote reports whether the capability belongs to the remote family.
func (e *EntryPoint) Remote() bool { return e.remote }

// Call invokes the capability and waits for the result.
func (e *EntryPoint) Call(ctx context.Context, args ...any) (json.RawMessage, error) {
	return e.corr.Call(ctx, e.name, args...)
}

// Go invokes the capability without waiting.
func (e *EntryPoint) Go(ctx context.Context, args ...any) *correlator.Call {
	return e.corr.Go(ctx, e.name, args...)
}

// CallTimeout invokes the capability with its own timeout.
func (e *EntryPoint) CallTimeout(ctx context.Context, timeout time.Duration, args ...any) (json.RawMessage, error) {
	return e.corr.WithTimeout(timeout).Call(ctx, e.name, args...)
}
