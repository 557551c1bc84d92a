package events

import (
	"context"
	"fmt"
	"log/slog"

	comms "github.com/nats-io/nats.go"

	"github.com/morezero/capability-bridge/pkg/commsutil"
)

const commsPublisherLogPrefix = "events:comms_publisher"

// CommsPublisherOpts configures CommsPublisher. Nil or zero values use defaults.
type CommsPublisherOpts struct {
	// Subject overrides the diagnostics subject (e.g. from BRIDGE_DIAGNOSTICS_SUBJECT).
	Subject string
}

// CommsPublisher publishes diagnostic events to COMMS subjects.
type CommsPublisher struct {
	nc      *comms.Conn
	subject string
}

// NewCommsPublisher creates a new CommsPublisher. Pass nil for opts to use defaults.
func NewCommsPublisher(nc *comms.Conn, opts *CommsPublisherOpts) *CommsPublisher {
	subject := commsutil.SubjectDiagnostics
	if opts != nil && opts.Subject != "" {
		subject = opts.Subject
	}
	return &CommsPublisher{nc: nc, subject: subject}
}

// PublishDiagnostic publishes the event to the per-kind subject and to the
// aggregate diagnostics subject.
func (p *CommsPublisher) PublishDiagnostic(_ context.Context, event *DiagnosticEvent) error {
	data, err := commsutil.EncodePayload(event)
	if err != nil {
		return fmt.Errorf("%s - failed to encode event: %w", commsPublisherLogPrefix, err)
	}

	kindSubject := p.subject + "." + event.Kind
	if err := p.nc.Publish(kindSubject, data); err != nil {
		slog.Error(fmt.Sprintf("%s - failed to publish to %s: %v", commsPublisherLogPrefix, kindSubject, err))
		return err
	}

	if err := p.nc.Publish(p.subject, data); err != nil {
		slog.Error(fmt.Sprintf("%s - failed to publish to %s: %v", commsPublisherLogPrefix, p.subject, err))
		return err
	}

	slog.Debug(fmt.Sprintf("%s - Published %s diagnostic for %s", commsPublisherLogPrefix, event.Kind, event.RequestID))
	return nil
}
