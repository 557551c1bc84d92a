// Package config provides bridge configuration loaded from environment variables.
package config

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/morezero/capability-bridge/pkg/capability"
	"github.com/morezero/capability-bridge/pkg/commsutil"
)

const logPrefix = "config:LoadConfig"

// Config holds capbridge configuration for both the host and the client side.
type Config struct {
	// COMMS: connect to standalone NATS at COMMSURL.
	COMMSURL  string `envconfig:"COMMS_URL" default:"nats://127.0.0.1:4222"`
	COMMSName string `envconfig:"SERVICE_NAME" default:"capability-bridge"`

	// Subjects (empty response prefix = per-process unique prefix). Requests
	// go to <Subject>.<role>; the host serves one subject per entry of ServeRoles.
	Subject            string `envconfig:"BRIDGE_SUBJECT" default:"bridge.host.request"`
	ResponsePrefix     string `envconfig:"BRIDGE_RESPONSE_PREFIX"`
	DiagnosticsSubject string `envconfig:"BRIDGE_DIAGNOSTICS_SUBJECT" default:"bridge.diagnostics"`
	WireCodec          string `envconfig:"BRIDGE_WIRE_CODEC" default:"json"`

	ServeRoles []string `envconfig:"BRIDGE_SERVE_ROLES" default:"privileged,renderer,sandboxed"`

	// Timeouts
	RequestTimeout time.Duration `envconfig:"BRIDGE_REQUEST_TIMEOUT" default:"25s"`

	// Capability environment
	ClientRole   string   `envconfig:"BRIDGE_CLIENT_ROLE" default:"sandboxed"`
	Platform     string   `envconfig:"BRIDGE_PLATFORM"`
	EnableRemote bool     `envconfig:"BRIDGE_ENABLE_REMOTE" default:"false"`
	Features     []string `envconfig:"BRIDGE_FEATURES"`
	HostVersion  string   `envconfig:"BRIDGE_HOST_VERSION"`
	CatalogFile  string   `envconfig:"BRIDGE_CATALOG_FILE"`

	// Database (optional; enables the invocation journal)
	DatabaseURL   string `envconfig:"DATABASE_URL"`
	RunMigrations bool   `envconfig:"RUN_MIGRATIONS" default:"false"`
	MigrationPath string `envconfig:"MIGRATION_PATH" default:"migrations"`

	// HTTP health endpoint
	HTTPPort           int           `envconfig:"HTTP_PORT" default:"8080"`
	HealthCheckTimeout time.Duration `envconfig:"HEALTH_CHECK_TIMEOUT" default:"5s"`

	// Host operations
	HeapSnapshotDir string `envconfig:"HEAP_SNAPSHOT_DIR"`

	// Logging
	LogLevel string `envconfig:"LOG_LEVEL" default:"info"`
}

// LoadConfig loads configuration from environment variables.
func LoadConfig() (*Config, error) {
	var c Config
	if err := envconfig.Process("", &c); err != nil {
		return nil, err
	}
	return &c, nil
}

// Role returns the parsed client role.
func (c *Config) Role() (capability.Role, error) {
	return capability.ParseRole(c.ClientRole)
}

// RequestSubject returns the subject clients of role publish requests to.
func (c *Config) RequestSubject(role capability.Role) string {
	return commsutil.BuildRequestSubject(c.Subject, string(role))
}

// ServedRoles returns the client classes the host serves. Empty means all.
func (c *Config) ServedRoles() ([]capability.Role, error) {
	if len(c.ServeRoles) == 0 {
		return capability.Roles(), nil
	}
	seen := make(map[capability.Role]bool, len(c.ServeRoles))
	roles := make([]capability.Role, 0, len(c.ServeRoles))
	for _, s := range c.ServeRoles {
		role, err := capability.ParseRole(s)
		if err != nil {
			return nil, err
		}
		if !seen[role] {
			seen[role] = true
			roles = append(roles, role)
		}
	}
	return roles, nil
}

// PlatformOrCurrent returns the configured platform, or the running one when unset.
func (c *Config) PlatformOrCurrent() capability.Platform {
	if c.Platform == "" {
		return capability.CurrentPlatform()
	}
	return capability.Platform(c.Platform)
}

// Flags returns the feature flags from BRIDGE_FEATURES.
func (c *Config) Flags() capability.Flags {
	flags := capability.Flags{}
	for _, f := range c.Features {
		for name, v := range capability.ParseFlags(f) {
			flags[name] = v
		}
	}
	return flags
}

// Codec returns the configured wire codec.
func (c *Config) Codec() (commsutil.Codec, error) {
	return commsutil.CodecByName(c.WireCodec)
}

// CatalogPaths returns the catalog locations to try, most specific first.
func (c *Config) CatalogPaths() []string {
	return []string{c.CatalogFile, "config/capabilities.yaml"}
}

func (c *Config) validateCommon() error {
	if c.Subject == "" {
		return fmt.Errorf("%s - BRIDGE_SUBJECT must not be empty", logPrefix)
	}
	if c.RequestTimeout <= 0 {
		return fmt.Errorf("%s - BRIDGE_REQUEST_TIMEOUT must be positive", logPrefix)
	}
	if _, err := c.Codec(); err != nil {
		return fmt.Errorf("%s - BRIDGE_WIRE_CODEC: %w", logPrefix, err)
	}
	return nil
}

// ValidateForServe checks required config when running the bridge host.
func (c *Config) ValidateForServe() error {
	if err := c.validateCommon(); err != nil {
		return err
	}
	if _, err := c.ServedRoles(); err != nil {
		return fmt.Errorf("%s - BRIDGE_SERVE_ROLES: %w", logPrefix, err)
	}
	if c.HealthCheckTimeout <= 0 {
		return fmt.Errorf("%s - HEALTH_CHECK_TIMEOUT must be positive", logPrefix)
	}
	if c.RunMigrations && c.DatabaseURL == "" {
		return fmt.Errorf("%s - RUN_MIGRATIONS requires DATABASE_URL", logPrefix)
	}
	return nil
}

// ValidateForClient checks required config when invoking operations as a client.
func (c *Config) ValidateForClient() error {
	if err := c.validateCommon(); err != nil {
		return err
	}
	if _, err := c.Role(); err != nil {
		return fmt.Errorf("%s - BRIDGE_CLIENT_ROLE: %w", logPrefix, err)
	}
	return nil
}

// ValidateForDB checks required config when running DB-dependent commands.
func (c *Config) ValidateForDB() error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("%s - DATABASE_URL is required", logPrefix)
	}
	return nil
}
