package server

import (
	"fmt"
	"log/slog"

	comms "github.com/nats-io/nats.go"

	"github.com/morezero/capability-bridge/internal/config"
	"github.com/morezero/capability-bridge/pkg/capability"
	"github.com/morezero/capability-bridge/pkg/client"
	"github.com/morezero/capability-bridge/pkg/commsutil"
	"github.com/morezero/capability-bridge/pkg/events"
	"github.com/morezero/capability-bridge/pkg/transport"
)

const sessionLogPrefix = "server:session"

// Session is a connected bridge client and the resources behind it.
type Session struct {
	Client    *client.Client
	nc        *comms.Conn
	transport *transport.NATSClient
	ownsConn  bool
}

// Dial connects to COMMS and returns a Session whose client is gated by the
// registry evaluated for the configured role, platform, flags and remote opt-in.
func Dial(cfg *config.Config) (*Session, error) {
	nc, err := commsutil.Connect(cfg.COMMSURL, cfg.COMMSName+"-client")
	if err != nil {
		return nil, err
	}
	s, err := NewSession(nc, cfg)
	if err != nil {
		nc.Close()
		return nil, err
	}
	s.ownsConn = true
	return s, nil
}

// NewSession builds a Session on an existing connection, which stays owned by the caller.
func NewSession(nc *comms.Conn, cfg *config.Config) (*Session, error) {
	if err := cfg.ValidateForClient(); err != nil {
		return nil, err
	}
	role, _ := cfg.Role()
	codec, _ := cfg.Codec()

	decls, err := capability.LoadCatalog(cfg.CatalogPaths()...)
	if err != nil {
		return nil, fmt.Errorf("%s - failed to load capability catalog: %w", sessionLogPrefix, err)
	}
	env := capability.NewEnvironment(role, cfg.PlatformOrCurrent(), cfg.Flags(), cfg.EnableRemote, cfg.HostVersion)
	reg := capability.NewRegistry(decls, env)

	t := transport.NewNATSClient(nc, transport.NATSClientOpts{
		Subject:        cfg.RequestSubject(role),
		ResponsePrefix: cfg.ResponsePrefix,
		Codec:          codec,
	})
	c := client.NewClient(client.NewClientParams{
		Registry:  reg,
		Transport: t,
		Publisher: events.NewCommsPublisher(nc, &events.CommsPublisherOpts{Subject: cfg.DiagnosticsSubject}),
		Name:      cfg.COMMSName,
		Timeout:   cfg.RequestTimeout,
	})
	if err := t.Listen(c); err != nil {
		c.Close()
		return nil, err
	}
	slog.Debug(fmt.Sprintf("%s - session ready, responses under %s", sessionLogPrefix, t.ResponsePrefix()))
	return &Session{Client: c, nc: nc, transport: t}, nil
}

// Close rejects pending calls, stops listening and closes an owned connection.
func (s *Session) Close() {
	s.Client.Close()
	if err := s.transport.Close(); err != nil {
		slog.Warn(fmt.Sprintf("%s - unsubscribe: %v", sessionLogPrefix, err))
	}
	if s.ownsConn {
		s.nc.Close()
	}
}
