package capability

// RemoteGate is the single source of truth for every remote-dependent
// capability. It is computed once and passed into the registry explicitly.
type RemoteGate struct {
	enabled bool
	optIn   bool
}

// NewRemoteGate enables remote access for privileged processes, or for any
// other role that explicitly opted in.
func NewRemoteGate(role Role, optIn bool) RemoteGate {
	return RemoteGate{enabled: role == RolePrivileged || optIn, optIn: optIn}
}

// Enabled reports whether remote-dependent capabilities may be materialized.
func (g RemoteGate) Enabled() bool {
	return g.enabled
}

// OptedIn reports whether remote access was explicitly requested.
func (g RemoteGate) OptedIn() bool {
	return g.optIn
}

// NewEnvironment builds an Environment, deriving the remote gate from role and opt-in.
func NewEnvironment(role Role, platform Platform, flags Flags, remoteOptIn bool, hostVersion string) Environment {
	return Environment{
		Role:        role,
		Platform:    platform,
		Flags:       flags.clone(),
		Remote:      NewRemoteGate(role, remoteOptIn),
		HostVersion: hostVersion,
	}
}
