// Package capability decides, once at startup, which operations a client may invoke.
package capability

import (
	"fmt"
	"runtime"
	"sort"
	"strings"
)

// Role is the declared role of the client process.
type Role string

// Known roles.
const (
	RolePrivileged Role = "privileged"
	RoleSandboxed  Role = "sandboxed"
	RoleRenderer   Role = "renderer"
)

// Roles returns every role, most privileged first.
func Roles() []Role {
	return []Role{RolePrivileged, RoleRenderer, RoleSandboxed}
}

// ParseRole validates a role name.
func ParseRole(s string) (Role, error) {
	switch r := Role(strings.ToLower(strings.TrimSpace(s))); r {
	case RolePrivileged, RoleSandboxed, RoleRenderer:
		return r, nil
	default:
		return "", fmt.Errorf("capability:types - unknown role %q", s)
	}
}

// Platform identifies the operating system, using GOOS names.
type Platform string

// Platforms referenced by the default catalog.
const (
	PlatformLinux   Platform = "linux"
	PlatformDarwin  Platform = "darwin"
	PlatformWindows Platform = "windows"
)

// CurrentPlatform returns the platform this process runs on.
func CurrentPlatform() Platform {
	return Platform(runtime.GOOS)
}

// Flags are externally supplied feature flags. The registry never computes them.
type Flags map[string]bool

// ParseFlags parses a comma-separated flag list. A leading "!" sets the flag to false.
func ParseFlags(s string) Flags {
	flags := Flags{}
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if strings.HasPrefix(part, "!") {
			flags[strings.TrimPrefix(part, "!")] = false
			continue
		}
		flags[part] = true
	}
	return flags
}

// Has reports whether the flag is set to true.
func (f Flags) Has(name string) bool {
	return f[name]
}

// Names returns the names of the flags set to true, sorted.
func (f Flags) Names() []string {
	names := make([]string, 0, len(f))
	for k, v := range f {
		if v {
			names = append(names, k)
		}
	}
	sort.Strings(names)
	return names
}

func (f Flags) clone() Flags {
	out := make(Flags, len(f))
	for k, v := range f {
		out[k] = v
	}
	return out
}

// Environment is everything a predicate may look at.
type Environment struct {
	Role        Role
	Platform    Platform
	Flags       Flags
	Remote      RemoteGate
	HostVersion string
}

// Predicate decides whether a capability is enabled in an environment.
// Predicates must be pure.
type Predicate func(env Environment) bool

// Declaration is one entry of a registry declaration list.
type Declaration struct {
	Name        string
	Description string
	// When is the explicit enable condition; nil means enabled.
	When Predicate
	// RequiresRemote marks the entry as part of the remote family in
	// environments where it returns true; nil means never.
	RequiresRemote Predicate
}

// Descriptor is the evaluated, immutable state of one capability.
type Descriptor struct {
	Name    string `json:"name"`
	Enabled bool   `json:"enabled"`
	Remote  bool   `json:"remote,omitempty"`
}
