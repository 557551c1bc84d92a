package capability

import (
	"fmt"
	"log/slog"

	"github.com/morezero/capability-bridge/pkg/bridgeerr"
)

const logPrefix = "capability:registry"

// Registry is the evaluated capability set for one client environment.
// It is built once and read-only afterwards, so reads need no locking.
type Registry struct {
	env         Environment
	descriptors []Descriptor
	index       map[string]int
}

// NewRegistry evaluates the declarations in order against env. When a
// name is declared more than once the first declaration wins.
func NewRegistry(decls []Declaration, env Environment) *Registry {
	r := &Registry{
		env:         env,
		descriptors: make([]Descriptor, 0, len(decls)),
		index:       make(map[string]int, len(decls)),
	}
	for _, d := range decls {
		if d.Name == "" {
			slog.Warn(fmt.Sprintf("%s - skipping declaration with empty name", logPrefix))
			continue
		}
		if _, dup := r.index[d.Name]; dup {
			slog.Warn(fmt.Sprintf("%s - duplicate declaration %q ignored", logPrefix, d.Name))
			continue
		}
		desc := evaluate(d, env)
		r.index[d.Name] = len(r.descriptors)
		r.descriptors = append(r.descriptors, desc)
	}

	slog.Debug(fmt.Sprintf("%s - role=%s platform=%s remote=%t enabled=%v",
		logPrefix, env.Role, env.Platform, env.Remote.Enabled(), r.ListEnabled()))
	return r
}

func evaluate(d Declaration, env Environment) Descriptor {
	when := safeEval(d.Name, d.When, env, true)
	remote := when && safeEval(d.Name, d.RequiresRemote, env, false)
	enabled := when && (!remote || env.Remote.Enabled())
	return Descriptor{Name: d.Name, Enabled: enabled, Remote: remote}
}

// safeEval runs a predicate; nil yields def, and a panicking predicate fails closed.
func safeEval(name string, p Predicate, env Environment, def bool) (result bool) {
	if p == nil {
		return def
	}
	defer func() {
		if rec := recover(); rec != nil {
			slog.Error(fmt.Sprintf("%s - predicate for %q panicked, treating as disabled: %v", logPrefix, name, rec))
			result = false
		}
	}()
	return p(env)
}

// Environment returns the environment the registry was evaluated in.
func (r *Registry) Environment() Environment {
	return r.env
}

// ListEnabled returns the enabled capability names in declaration order.
func (r *Registry) ListEnabled() []string {
	out := make([]string, 0, len(r.descriptors))
	for _, d := range r.descriptors {
		if d.Enabled {
			out = append(out, d.Name)
		}
	}
	return out
}

// Descriptors returns every declared capability in declaration order.
func (r *Registry) Descriptors() []Descriptor {
	out := make([]Descriptor, len(r.descriptors))
	copy(out, r.descriptors)
	return out
}

// Descriptor returns the descriptor for name.
func (r *Registry) Descriptor(name string) (Descriptor, bool) {
	i, ok := r.index[name]
	if !ok {
		return Descriptor{}, false
	}
	return r.descriptors[i], true
}

// IsEnabled reports whether name is enabled. Unknown names are disabled.
func (r *Registry) IsEnabled(name string) bool {
	d, ok := r.Descriptor(name)
	return ok && d.Enabled
}

// Check returns nil when name may be invoked, REMOTE_DISABLED when it is
// held back only by the remote gate, and CAPABILITY_UNAVAILABLE otherwise.
func (r *Registry) Check(name string) error {
	d, ok := r.Descriptor(name)
	if !ok {
		return bridgeerr.CapabilityUnavailable(name)
	}
	if d.Enabled {
		return nil
	}
	if d.Remote && !r.env.Remote.Enabled() {
		return bridgeerr.RemoteDisabled(name)
	}
	return bridgeerr.CapabilityUnavailable(name)
}

// List evaluates decls for the given role, platform and flags and returns every descriptor.
func List(decls []Declaration, role Role, platform Platform, flags Flags, remoteOptIn bool, hostVersion string) []Descriptor {
	return NewRegistry(decls, NewEnvironment(role, platform, flags, remoteOptIn, hostVersion)).Descriptors()
}
