// Package server orchestrates the bridge host: COMMS connection, optional
// journal database, operation host, request transport and HTTP endpoints.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	comms "github.com/nats-io/nats.go"

	"github.com/morezero/capability-bridge/internal/config"
	"github.com/morezero/capability-bridge/pkg/capability"
	"github.com/morezero/capability-bridge/pkg/commsutil"
	"github.com/morezero/capability-bridge/pkg/db"
	"github.com/morezero/capability-bridge/pkg/host"
	"github.com/morezero/capability-bridge/pkg/ops"
	"github.com/morezero/capability-bridge/pkg/transport"
)

const logPrefix = "server:server"

const shutdownTimeout = 10 * time.Second

// Server is the capability-bridge host orchestrator.
type Server struct {
	cfg        *config.Config
	nc         *comms.Conn
	pool       *pgxpool.Pool
	journal    journalReader
	host       *host.Host
	natsHosts  []*transport.NATSHost
	httpServer *http.Server
}

// SetupLogging installs a text slog handler on stdout at the given level.
func SetupLogging(level string) {
	var logLevel slog.Level
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})))
}

// Run starts the host, blocks until a shutdown signal, then cleans up.
func Run() error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("%s - failed to load config: %w", logPrefix, err)
	}
	SetupLogging(cfg.LogLevel)
	if err := cfg.ValidateForServe(); err != nil {
		return err
	}

	slog.Info(fmt.Sprintf("%s - Starting capability-bridge host", logPrefix))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s, err := Start(ctx, cfg)
	if err != nil {
		return err
	}
	go s.ListenHTTP()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	slog.Info(fmt.Sprintf("%s - Received signal %s, shutting down", logPrefix, sig))

	s.Shutdown()
	return nil
}

// Start connects every dependency and begins serving bridge requests. The
// HTTP endpoint is prepared but not listening until ListenHTTP is called.
func Start(ctx context.Context, cfg *config.Config) (*Server, error) {
	s := &Server{cfg: cfg}

	codec, err := cfg.Codec()
	if err != nil {
		return nil, fmt.Errorf("%s - %w", logPrefix, err)
	}
	roles, err := cfg.ServedRoles()
	if err != nil {
		return nil, fmt.Errorf("%s - %w", logPrefix, err)
	}

	// Step 1: Capability catalog
	decls, err := capability.LoadCatalog(cfg.CatalogPaths()...)
	if err != nil {
		return nil, fmt.Errorf("%s - failed to load capability catalog: %w", logPrefix, err)
	}

	// Step 2: Connect to COMMS
	nc, err := commsutil.Connect(cfg.COMMSURL, cfg.COMMSName)
	if err != nil {
		return nil, fmt.Errorf("%s - failed to connect to COMMS: %w", logPrefix, err)
	}
	s.nc = nc

	// Step 3: Optional invocation journal
	var journal host.Journal = host.NoOpJournal{}
	if cfg.DatabaseURL != "" {
		repo, err := s.openJournal(ctx)
		if err != nil {
			s.Shutdown()
			return nil, err
		}
		s.journal = repo
		journal = db.NewJournal(repo)
	} else {
		slog.Info(fmt.Sprintf("%s - DATABASE_URL not set, invocation journal disabled", logPrefix))
	}

	// Step 4: Host and its operations
	hostCfg := host.DefaultConfig()
	hostCfg.Declarations = decls
	hostCfg.Platform = cfg.PlatformOrCurrent()
	hostCfg.Flags = cfg.Flags()
	hostCfg.RemoteOptIn = cfg.EnableRemote
	hostCfg.HostVersion = cfg.HostVersion
	hostCfg.RequestTimeout = cfg.RequestTimeout
	s.host = host.NewHost(host.NewHostParams{Config: hostCfg, Journal: journal})
	ops.Register(s.host, ops.Options{HeapSnapshotDir: cfg.HeapSnapshotDir})

	// Step 5: Serve one request subject per client class. The subject a
	// request arrives on decides the role it is evaluated under.
	for _, role := range roles {
		nh := transport.NewNATSHost(nc, s.host.Bind(role), transport.NATSHostOpts{
			Subject:    cfg.RequestSubject(role),
			QueueGroup: cfg.COMMSName,
			Codec:      codec,
		})
		if err := nh.Start(ctx); err != nil {
			s.Shutdown()
			return nil, err
		}
		s.natsHosts = append(s.natsHosts, nh)
	}

	// Step 6: HTTP endpoint
	s.httpServer = &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	slog.Info(fmt.Sprintf("%s - capability-bridge host is ready on %s.{%s}", logPrefix, cfg.Subject, joinRoles(roles)))
	return s, nil
}

func (s *Server) openJournal(ctx context.Context) (*db.Repository, error) {
	if s.cfg.RunMigrations {
		if err := db.EnsureDatabase(ctx, s.cfg.DatabaseURL); err != nil {
			return nil, fmt.Errorf("%s - failed to ensure database: %w", logPrefix, err)
		}
	}
	pool, err := db.NewPool(ctx, s.cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("%s - failed to connect to database: %w", logPrefix, err)
	}
	s.pool = pool

	if s.cfg.RunMigrations {
		migrations, err := db.LoadMigrationFiles(s.cfg.MigrationPath)
		if err != nil {
			return nil, fmt.Errorf("%s - failed to load migrations: %w", logPrefix, err)
		}
		if err := db.RunMigrations(ctx, pool, migrations); err != nil {
			return nil, fmt.Errorf("%s - failed to run migrations: %w", logPrefix, err)
		}
	}
	return db.NewRepository(pool), nil
}

func joinRoles(roles []capability.Role) string {
	names := make([]string, len(roles))
	for i, r := range roles {
		names[i] = string(r)
	}
	return strings.Join(names, ",")
}

// Host returns the operation host.
func (s *Server) Host() *host.Host {
	return s.host
}

// ListenHTTP serves the HTTP endpoint until Shutdown.
func (s *Server) ListenHTTP() {
	slog.Info(fmt.Sprintf("%s - HTTP server listening on %s", logPrefix, s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error(fmt.Sprintf("%s - HTTP server error: %v", logPrefix, err))
	}
}

// Shutdown stops serving, waits for running operations and releases every
// connection. It is safe on a partially started Server.
func (s *Server) Shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	for _, nh := range s.natsHosts {
		if err := nh.Stop(); err != nil {
			slog.Warn(fmt.Sprintf("%s - transport stop on %s: %v", logPrefix, nh.Subject(), err))
		}
	}
	if s.httpServer != nil {
		s.httpServer.Shutdown(ctx)
	}
	if s.nc != nil {
		s.nc.Drain()
	}
	if s.pool != nil {
		s.pool.Close()
	}
	slog.Info(fmt.Sprintf("%s - Shutdown complete", logPrefix))
}
