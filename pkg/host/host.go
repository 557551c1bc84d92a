// Package host executes bridge requests on behalf of clients.
package host

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/morezero/capability-bridge/pkg/bridgeerr"
	"github.com/morezero/capability-bridge/pkg/capability"
	"github.com/morezero/capability-bridge/pkg/wire"
)

const logPrefix = "host:host"

const journalTimeout = 2 * time.Second

// Handler runs one operation. Its result must be JSON-serializable.
type Handler func(ctx context.Context, req *wire.Request) (any, error)

// Config holds host configuration.
type Config struct {
	// Declarations is the catalog enforced for every caller.
	Declarations []capability.Declaration
	// Platform, Flags, RemoteOptIn and HostVersion describe the clients this
	// host serves.
	Platform    capability.Platform
	Flags       capability.Flags
	RemoteOptIn bool
	HostVersion string
	// Role is the role Dispatch evaluates every request under. Transports
	// serving more than one client class use Bind instead. The role a
	// request carries in its context is never trusted.
	Role capability.Role
	// RequestTimeout caps every operation, whatever deadline the caller sent.
	RequestTimeout time.Duration
}

// DefaultConfig returns a Config for the current platform with the built-in catalog.
func DefaultConfig() Config {
	return Config{
		Declarations:   capability.DefaultCatalog(),
		Platform:       capability.CurrentPlatform(),
		Flags:          capability.Flags{},
		Role:           capability.RoleSandboxed,
		RequestTimeout: 30 * time.Second,
	}
}

// NewHostParams holds parameters for NewHost.
type NewHostParams struct {
	Config  Config
	Journal Journal
}

// Host routes requests to registered operation handlers, enforcing the
// capability registry of the calling role first.
type Host struct {
	cfg     Config
	journal Journal

	mu         sync.RWMutex
	handlers   map[string]Handler
	registries map[capability.Role]*capability.Registry

	stats counters
}

// NewHost creates a new Host.
func NewHost(params NewHostParams) *Host {
	cfg := params.Config
	if cfg.Role == "" {
		cfg.Role = capability.RoleSandboxed
	}
	if cfg.Platform == "" {
		cfg.Platform = capability.CurrentPlatform()
	}
	journal := params.Journal
	if journal == nil {
		journal = NoOpJournal{}
	}
	return &Host{
		cfg:        cfg,
		journal:    journal,
		handlers:   make(map[string]Handler),
		registries: make(map[capability.Role]*capability.Registry),
	}
}

// Config returns the host configuration.
func (h *Host) Config() Config {
	return h.cfg
}

// Register installs the handler for operation, replacing any previous one.
func (h *Host) Register(operation string, fn Handler) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.handlers[operation] = fn
}

// Operations returns the names of every registered operation, sorted.
func (h *Host) Operations() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]string, 0, len(h.handlers))
	for name := range h.handlers {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// RegistryFor returns the capability registry evaluated for role. Registries
// are built on first use and cached.
func (h *Host) RegistryFor(role capability.Role) *capability.Registry {
	h.mu.RLock()
	reg, ok := h.registries[role]
	h.mu.RUnlock()
	if ok {
		return reg
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if reg, ok := h.registries[role]; ok {
		return reg
	}
	env := capability.NewEnvironment(role, h.cfg.Platform, h.cfg.Flags, h.cfg.RemoteOptIn, h.cfg.HostVersion)
	reg = capability.NewRegistry(h.cfg.Declarations, env)
	h.registries[role] = reg
	return reg
}

// Binding is a Host seen through one client class. Every request it
// dispatches is evaluated under its role, whatever role the request claims.
type Binding struct {
	host *Host
	role capability.Role
}

// Bind returns a dispatcher for callers of role. The role must come from the
// channel the request arrived on, never from the request itself.
func (h *Host) Bind(role capability.Role) *Binding {
	return &Binding{host: h, role: role}
}

// Role returns the bound role.
func (b *Binding) Role() capability.Role {
	return b.role
}

// Dispatch runs req under the bound role.
func (b *Binding) Dispatch(ctx context.Context, req *wire.Request) *wire.Response {
	return b.host.dispatch(ctx, b.role, req)
}

// Dispatch validates req, checks the registry of the configured role, runs
// the handler and always returns a response carrying req.ID.
func (h *Host) Dispatch(ctx context.Context, req *wire.Request) *wire.Response {
	return h.dispatch(ctx, h.cfg.Role, req)
}

func (h *Host) dispatch(ctx context.Context, role capability.Role, req *wire.Request) *wire.Response {
	start := time.Now()
	h.stats.received.Add(1)
	slog.Debug(fmt.Sprintf("%s - operation=%s id=%s role=%s", logPrefix, req.Operation, req.ID, role))

	if req.Ctx != nil && req.Ctx.Role != "" && req.Ctx.Role != string(role) {
		h.stats.roleMismatches.Add(1)
		slog.Warn(fmt.Sprintf("%s - request %s from %q claims role %q on a %s channel, ignoring the claim",
			logPrefix, req.ID, req.Ctx.ClientName, req.Ctx.Role, role))
	}

	result, err := h.execute(ctx, role, req)

	var resp *wire.Response
	if err == nil {
		resp, err = wire.Success(req.ID, result)
	}
	if err != nil {
		resp = wire.Failure(req.ID, err)
		h.stats.failed.Add(1)
		slog.Debug(fmt.Sprintf("%s - operation=%s id=%s failed: %v", logPrefix, req.Operation, req.ID, err))
	} else {
		h.stats.succeeded.Add(1)
	}

	h.record(ctx, role, req, err, time.Since(start))
	return resp
}

func (h *Host) execute(ctx context.Context, role capability.Role, req *wire.Request) (any, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	h.mu.RLock()
	fn, ok := h.handlers[req.Operation]
	h.mu.RUnlock()

	reg := h.RegistryFor(role)
	if _, declared := reg.Descriptor(req.Operation); !declared && !ok {
		return nil, operationNotFound(req.Operation)
	}
	if err := reg.Check(req.Operation); err != nil {
		h.stats.refused.Add(1)
		slog.Warn(fmt.Sprintf("%s - refused %s for role %s: %v", logPrefix, req.Operation, role, err))
		return nil, err
	}
	if !ok {
		return nil, operationNotFound(req.Operation)
	}

	opCtx, cancel := h.operationContext(ctx, req)
	defer cancel()
	return invoke(opCtx, fn, req)
}

func operationNotFound(operation string) error {
	return &bridgeerr.BridgeError{
		Code:    bridgeerr.CodeOperationNotFound,
		Message: fmt.Sprintf("no handler for %s", operation),
		Details: map[string]any{"operation": operation},
	}
}

// operationContext bounds ctx by the host timeout and by the caller's
// deadline, whichever is shorter.
func (h *Host) operationContext(ctx context.Context, req *wire.Request) (context.Context, context.CancelFunc) {
	timeout := h.cfg.RequestTimeout
	if req.Ctx != nil && req.Ctx.DeadlineMs > 0 {
		callerTimeout := time.Duration(req.Ctx.DeadlineMs) * time.Millisecond
		if timeout <= 0 || callerTimeout < timeout {
			timeout = callerTimeout
		}
	}
	if timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, timeout)
}

// invoke runs fn, turning a panic into an error that carries the stack.
func invoke(ctx context.Context, fn Handler, req *wire.Request) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = newPanicError(req.Operation, r)
			slog.Error(fmt.Sprintf("%s - %s panicked: %v", logPrefix, req.Operation, r))
		}
	}()
	return fn(ctx, req)
}

func (h *Host) record(ctx context.Context, role capability.Role, req *wire.Request, err error, elapsed time.Duration) {
	entry := &InvocationRecord{
		RequestID: req.ID,
		Operation: req.Operation,
		Role:      string(role),
		Ok:        err == nil,
		Duration:  elapsed,
	}
	if req.Ctx != nil {
		entry.ClientName = req.Ctx.ClientName
	}
	if err != nil {
		entry.ErrorMessage = err.Error()
	}

	jctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), journalTimeout)
	defer cancel()
	if jErr := h.journal.RecordInvocation(jctx, entry); jErr != nil {
		slog.Error(fmt.Sprintf("%s - failed to journal %s: %v", logPrefix, req.ID, jErr))
	}
}
