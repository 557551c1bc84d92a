package transport

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	comms "github.com/nats-io/nats.go"
	"github.com/nats-io/nuid"

	"github.com/morezero/capability-bridge/pkg/commsutil"
	"github.com/morezero/capability-bridge/pkg/wire"
)

const clientLogPrefix = "transport:nats_client"

// NATSClientOpts configures NATSClient. Zero values use defaults.
type NATSClientOpts struct {
	// Subject is where requests are published (BRIDGE_SUBJECT).
	Subject string
	// ResponsePrefix is the root of this client's response subjects (BRIDGE_RESPONSE_PREFIX).
	ResponsePrefix string
	// Codec encodes envelopes; nil means JSON.
	Codec commsutil.Codec
}

// NATSClient publishes requests over COMMS and routes responses to a ResponseHandler.
//
// Each request carries a reply subject of the form <prefix>.<family>.result.<id>;
// a single wildcard subscription receives every family's responses. The
// correlator reads the id from the body, never from the subject.
type NATSClient struct {
	nc      *comms.Conn
	subject string
	prefix  string
	codec   commsutil.Codec

	mu  sync.Mutex
	sub *comms.Subscription
}

// NewNATSClient creates a client transport on an existing connection.
func NewNATSClient(nc *comms.Conn, opts NATSClientOpts) *NATSClient {
	if opts.Subject == "" {
		opts.Subject = commsutil.SubjectRequest
	}
	if opts.ResponsePrefix == "" {
		opts.ResponsePrefix = commsutil.SubjectResponsePrefix + "." + nuid.Next()
	}
	if opts.Codec == nil {
		opts.Codec = commsutil.JSON
	}
	return &NATSClient{nc: nc, subject: opts.Subject, prefix: opts.ResponsePrefix, codec: opts.Codec}
}

// ResponsePrefix returns the subject root this client listens under.
func (t *NATSClient) ResponsePrefix() string {
	return t.prefix
}

// Listen subscribes to the response wildcard and hands every message to h.
func (t *NATSClient) Listen(h ResponseHandler) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.sub != nil {
		return fmt.Errorf("%s - already listening on %s", clientLogPrefix, t.sub.Subject)
	}

	wildcard := commsutil.BuildResponseWildcard(t.prefix)
	sub, err := t.nc.Subscribe(wildcard, func(msg *comms.Msg) {
		h.HandleMessage(codecFor(msg, t.codec), msg.Data)
	})
	if err != nil {
		return fmt.Errorf("%s - failed to subscribe to %s: %w", clientLogPrefix, wildcard, err)
	}
	// Make sure the server knows about the subscription before any request goes out.
	if err := t.nc.Flush(); err != nil {
		sub.Unsubscribe()
		return fmt.Errorf("%s - failed to flush subscription: %w", clientLogPrefix, err)
	}
	t.sub = sub
	slog.Info(fmt.Sprintf("%s - Listening for responses on %s", clientLogPrefix, wildcard))
	return nil
}

// SendRequest encodes req and publishes it with its per-call reply subject.
func (t *NATSClient) SendRequest(_ context.Context, req *wire.Request) error {
	data, err := t.codec.Marshal(req)
	if err != nil {
		return fmt.Errorf("%s - failed to encode request %s: %w", clientLogPrefix, req.ID, err)
	}
	reply := commsutil.BuildResponseSubject(t.prefix, req.Operation, req.ID)
	if err := t.nc.PublishMsg(newMsg(t.subject, reply, t.codec, data)); err != nil {
		return fmt.Errorf("%s - failed to publish %s: %w", clientLogPrefix, req.ID, err)
	}
	return nil
}

// Close stops listening. The connection itself belongs to the caller.
func (t *NATSClient) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.sub == nil {
		return nil
	}
	err := t.sub.Unsubscribe()
	t.sub = nil
	return err
}
