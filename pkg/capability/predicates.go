package capability

import (
	"fmt"

	masterminds "github.com/Masterminds/semver/v3"
)

// Always enables a capability unconditionally.
func Always(Environment) bool { return true }

// Never disables a capability unconditionally.
func Never(Environment) bool { return false }

// RoleIs matches a single role.
func RoleIs(role Role) Predicate {
	return func(env Environment) bool { return env.Role == role }
}

// RoleIn matches any of the given roles.
func RoleIn(roles ...Role) Predicate {
	return func(env Environment) bool {
		for _, r := range roles {
			if env.Role == r {
				return true
			}
		}
		return false
	}
}

// PlatformIs matches any of the given platforms.
func PlatformIs(platforms ...Platform) Predicate {
	return func(env Environment) bool {
		for _, p := range platforms {
			if env.Platform == p {
				return true
			}
		}
		return false
	}
}

// FlagSet requires every named feature flag to be set.
func FlagSet(names ...string) Predicate {
	return func(env Environment) bool {
		for _, n := range names {
			if !env.Flags.Has(n) {
				return false
			}
		}
		return true
	}
}

// RemoteEnabled matches when the remote gate is open.
func RemoteEnabled(env Environment) bool {
	return env.Remote.Enabled()
}

// HostVersion matches when the host version satisfies a semver constraint.
// An environment without a parseable host version never matches.
func HostVersion(constraint string) (Predicate, error) {
	c, err := masterminds.NewConstraint(constraint)
	if err != nil {
		return nil, fmt.Errorf("capability:predicates - invalid host version constraint %q: %w", constraint, err)
	}
	return func(env Environment) bool {
		if env.HostVersion == "" {
			return false
		}
		v, err := masterminds.NewVersion(env.HostVersion)
		if err != nil {
			return false
		}
		return c.Check(v)
	}, nil
}

// All matches when every predicate matches. Nil predicates count as matching.
func All(preds ...Predicate) Predicate {
	return func(env Environment) bool {
		for _, p := range preds {
			if p != nil && !p(env) {
				return false
			}
		}
		return true
	}
}

// Any matches when at least one predicate matches.
func Any(preds ...Predicate) Predicate {
	return func(env Environment) bool {
		for _, p := range preds {
			if p != nil && p(env) {
				return true
			}
		}
		return false
	}
}

// Not inverts a predicate.
func Not(p Predicate) Predicate {
	return func(env Environment) bool { return !p(env) }
}
