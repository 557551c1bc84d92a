package capability

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

const loaderLogPrefix = "capability:loader"

// Values for CatalogEntry.RequiresRemote.
const (
	RemoteNever        = "never"
	RemoteAlways       = "always"
	RemoteUnprivileged = "unprivileged"
)

// CatalogFile is the on-disk form of a declaration list.
type CatalogFile struct {
	Name         string         `yaml:"name"`
	Version      string         `yaml:"version"`
	Capabilities []CatalogEntry `yaml:"capabilities"`
}

// CatalogEntry declares one capability. Every non-empty condition must hold.
type CatalogEntry struct {
	Name        string   `yaml:"name"`
	Description string   `yaml:"description,omitempty"`
	Enabled     *bool    `yaml:"enabled,omitempty"`
	Roles       []string `yaml:"roles,omitempty"`
	Platforms   []string `yaml:"platforms,omitempty"`
	Flags       []string `yaml:"flags,omitempty"`
	HostVersion string   `yaml:"hostVersion,omitempty"`
	// RequiresRemote is one of never (default), always or unprivileged.
	RequiresRemote string `yaml:"requiresRemote,omitempty"`
	// RemotePlatforms limits RequiresRemote to these platforms.
	RemotePlatforms []string `yaml:"remotePlatforms,omitempty"`
}

// LoadCatalog loads declarations from the first readable path, falling
// back to DefaultCatalog when none exists. A file that exists but does not
// compile is an error.
func LoadCatalog(paths ...string) ([]Declaration, error) {
	for _, p := range paths {
		if p == "" {
			continue
		}
		data, err := os.ReadFile(p)
		if err != nil {
			slog.Debug(fmt.Sprintf("%s - catalog %s not readable: %v", loaderLogPrefix, p, err))
			continue
		}
		decls, err := ParseCatalog(data)
		if err != nil {
			return nil, fmt.Errorf("%s - %s: %w", loaderLogPrefix, p, err)
		}
		slog.Info(fmt.Sprintf("%s - Loaded %d capability declarations from %s", loaderLogPrefix, len(decls), p))
		return decls, nil
	}

	slog.Info(fmt.Sprintf("%s - Using default capability catalog", loaderLogPrefix))
	return DefaultCatalog(), nil
}

// ParseCatalog compiles a YAML catalog into declarations, preserving order.
func ParseCatalog(data []byte) ([]Declaration, error) {
	var file CatalogFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("%s - failed to parse catalog: %w", loaderLogPrefix, err)
	}

	decls := make([]Declaration, 0, len(file.Capabilities))
	for i, e := range file.Capabilities {
		d, err := e.compile()
		if err != nil {
			return nil, fmt.Errorf("%s - entry %d: %w", loaderLogPrefix, i, err)
		}
		decls = append(decls, d)
	}
	return decls, nil
}

func (e CatalogEntry) compile() (Declaration, error) {
	if strings.TrimSpace(e.Name) == "" {
		return Declaration{}, fmt.Errorf("capability name is required")
	}

	var conds []Predicate
	if e.Enabled != nil && !*e.Enabled {
		conds = append(conds, Never)
	}
	if len(e.Roles) > 0 {
		roles := make([]Role, 0, len(e.Roles))
		for _, s := range e.Roles {
			r, err := ParseRole(s)
			if err != nil {
				return Declaration{}, fmt.Errorf("%s: %w", e.Name, err)
			}
			roles = append(roles, r)
		}
		conds = append(conds, RoleIn(roles...))
	}
	if len(e.Platforms) > 0 {
		conds = append(conds, PlatformIs(parsePlatforms(e.Platforms)...))
	}
	if len(e.Flags) > 0 {
		conds = append(conds, FlagSet(e.Flags...))
	}
	if e.HostVersion != "" {
		p, err := HostVersion(e.HostVersion)
		if err != nil {
			return Declaration{}, fmt.Errorf("%s: %w", e.Name, err)
		}
		conds = append(conds, p)
	}

	d := Declaration{Name: e.Name, Description: e.Description}
	if len(conds) > 0 {
		d.When = All(conds...)
	}

	switch strings.ToLower(strings.TrimSpace(e.RequiresRemote)) {
	case "", RemoteNever:
	case RemoteAlways:
		d.RequiresRemote = Always
	case RemoteUnprivileged:
		d.RequiresRemote = Not(RoleIs(RolePrivileged))
	default:
		return Declaration{}, fmt.Errorf("%s: unknown requiresRemote value %q", e.Name, e.RequiresRemote)
	}
	if len(e.RemotePlatforms) > 0 {
		if d.RequiresRemote == nil {
			return Declaration{}, fmt.Errorf("%s: remotePlatforms without requiresRemote", e.Name)
		}
		d.RequiresRemote = All(PlatformIs(parsePlatforms(e.RemotePlatforms)...), d.RequiresRemote)
	}
	return d, nil
}

func parsePlatforms(names []string) []Platform {
	out := make([]Platform, 0, len(names))
	for _, s := range names {
		out = append(out, Platform(strings.ToLower(strings.TrimSpace(s))))
	}
	return out
}
