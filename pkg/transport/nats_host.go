package transport

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	comms "github.com/nats-io/nats.go"
	"golang.org/x/sync/errgroup"

	"github.com/morezero/capability-bridge/pkg/bridgeerr"
	"github.com/morezero/capability-bridge/pkg/commsutil"
	"github.com/morezero/capability-bridge/pkg/wire"
)

const hostLogPrefix = "transport:nats_host"

const defaultMaxInFlight = 64

// NATSHostOpts configures NATSHost. Zero values use defaults.
type NATSHostOpts struct {
	// Subject is the request subject to serve (BRIDGE_SUBJECT).
	Subject string
	// QueueGroup, when set, load-balances requests across host replicas.
	QueueGroup string
	// Codec is used when a request does not announce its own.
	Codec commsutil.Codec
	// MaxInFlight bounds concurrently executing operations.
	MaxInFlight int
}

// NATSHost serves bridge requests arriving on a COMMS subject.
type NATSHost struct {
	nc         *comms.Conn
	dispatcher Dispatcher
	subject    string
	queue      string
	codec      commsutil.Codec

	mu     sync.Mutex
	sub    *comms.Subscription
	group  *errgroup.Group
	cancel context.CancelFunc
}

// NewNATSHost creates a host transport on an existing connection.
func NewNATSHost(nc *comms.Conn, d Dispatcher, opts NATSHostOpts) *NATSHost {
	if opts.Subject == "" {
		opts.Subject = commsutil.SubjectRequest
	}
	if opts.Codec == nil {
		opts.Codec = commsutil.JSON
	}
	if opts.MaxInFlight <= 0 {
		opts.MaxInFlight = defaultMaxInFlight
	}
	group := &errgroup.Group{}
	group.SetLimit(opts.MaxInFlight)
	return &NATSHost{nc: nc, dispatcher: d, subject: opts.Subject, queue: opts.QueueGroup, codec: opts.Codec, group: group}
}

// Subject returns the subject being served.
func (h *NATSHost) Subject() string {
	return h.subject
}

// Start subscribes to the request subject. Operations run on ctx's children
// and are cancelled when ctx ends or Stop is called.
func (h *NATSHost) Start(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.sub != nil {
		return fmt.Errorf("%s - already serving %s", hostLogPrefix, h.subject)
	}

	runCtx, cancel := context.WithCancel(ctx)
	handler := func(msg *comms.Msg) {
		// Go blocks while MaxInFlight operations are running, which applies
		// backpressure to the subscription instead of queueing without bound.
		h.group.Go(func() error {
			h.serve(runCtx, msg)
			return nil
		})
	}

	var (
		sub *comms.Subscription
		err error
	)
	if h.queue != "" {
		sub, err = h.nc.QueueSubscribe(h.subject, h.queue, handler)
	} else {
		sub, err = h.nc.Subscribe(h.subject, handler)
	}
	if err != nil {
		cancel()
		return fmt.Errorf("%s - failed to subscribe to %s: %w", hostLogPrefix, h.subject, err)
	}
	if err := h.nc.Flush(); err != nil {
		sub.Unsubscribe()
		cancel()
		return fmt.Errorf("%s - failed to flush subscription: %w", hostLogPrefix, err)
	}

	h.sub = sub
	h.cancel = cancel
	slog.Info(fmt.Sprintf("%s - Subscribed to %s", hostLogPrefix, h.subject))
	return nil
}

func (h *NATSHost) serve(ctx context.Context, msg *comms.Msg) {
	if msg.Reply == "" {
		slog.Warn(fmt.Sprintf("%s - dropping request without reply subject on %s", hostLogPrefix, msg.Subject))
		return
	}
	codec := codecFor(msg, h.codec)

	var resp *wire.Response
	var req wire.Request
	if err := codec.Unmarshal(msg.Data, &req); err != nil {
		slog.Error(fmt.Sprintf("%s - failed to decode request: %v", hostLogPrefix, err))
		resp = wire.Failure(req.ID, bridgeerr.Protocol("undecodable %s request: %v", codec.Name(), err))
	} else {
		resp = h.dispatcher.Dispatch(ctx, &req)
	}

	data, err := codec.Marshal(resp)
	if err != nil {
		slog.Error(fmt.Sprintf("%s - failed to encode response %s: %v", hostLogPrefix, resp.ID, err))
		return
	}
	if err := h.nc.PublishMsg(newMsg(msg.Reply, "", codec, data)); err != nil {
		slog.Error(fmt.Sprintf("%s - failed to respond to %s: %v", hostLogPrefix, resp.ID, err))
	}
}

// Stop unsubscribes, cancels running operations and waits for them to return.
func (h *NATSHost) Stop() error {
	h.mu.Lock()
	sub, cancel := h.sub, h.cancel
	h.sub, h.cancel = nil, nil
	h.mu.Unlock()

	if sub == nil {
		return nil
	}
	err := sub.Unsubscribe()
	cancel()
	h.group.Wait()
	slog.Info(fmt.Sprintf("%s - Stopped serving %s", hostLogPrefix, h.subject))
	return err
}
