package commsutil

import (
	"fmt"
	"strings"
)

// Default COMMS subjects.
const (
	SubjectRequest        = "bridge.host.request"
	SubjectResponsePrefix = "bridge.client"
	SubjectDiagnostics    = "bridge.diagnostics"
)

// OperationFamily returns the family of an operation: its first dot segment,
// reduced to characters that are valid in a subject token.
func OperationFamily(operation string) string {
	family := operation
	if i := strings.Index(operation, "."); i >= 0 {
		family = operation[:i]
	}
	family = strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, family)
	if family == "" {
		return "_"
	}
	return family
}

// BuildRequestSubject builds the request subject for one client class. The
// host binds the caller's role to the subject a request arrives on, so
// publish permissions on these subjects are what separate the classes.
func BuildRequestSubject(base, role string) string {
	return base + "." + role
}

// BuildResponsePrefix builds the fixed response prefix for one operation family.
func BuildResponsePrefix(prefix, family string) string {
	return fmt.Sprintf("%s.%s.result", prefix, family)
}

// BuildResponseSubject builds the per-call response subject by appending the request id
// to the operation family's prefix, so families sharing a connection never cross-talk.
func BuildResponseSubject(prefix, operation, id string) string {
	return BuildResponsePrefix(prefix, OperationFamily(operation)) + "." + id
}

// BuildResponseWildcard builds the subscription covering every family's responses under prefix.
func BuildResponseWildcard(prefix string) string {
	return prefix + ".*.result.*"
}
