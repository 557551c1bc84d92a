// Package bridgeerr defines the structured error taxonomy shared by both sides of the bridge.
package bridgeerr

import "fmt"

// Error codes.
const (
	CodeCapabilityUnavailable = "CAPABILITY_UNAVAILABLE"
	CodeRemoteDisabled        = "REMOTE_DISABLED"
	CodeRequestTimedOut       = "REQUEST_TIMED_OUT"
	CodeRequestCancelled      = "REQUEST_CANCELLED"
	CodeProtocolError         = "PROTOCOL_ERROR"
	CodeBridgeClosed          = "BRIDGE_CLOSED"
	CodeOperationNotFound     = "OPERATION_NOT_FOUND"
	CodeInvalidArgument       = "INVALID_ARGUMENT"
	CodeInternal              = "INTERNAL_ERROR"
)

// Sentinels for errors.Is. Only the Code is compared.
var (
	ErrCapabilityUnavailable = &BridgeError{Code: CodeCapabilityUnavailable}
	ErrRemoteDisabled        = &BridgeError{Code: CodeRemoteDisabled}
	ErrRequestTimedOut       = &BridgeError{Code: CodeRequestTimedOut}
	ErrRequestCancelled      = &BridgeError{Code: CodeRequestCancelled}
	ErrProtocol              = &BridgeError{Code: CodeProtocolError}
	ErrBridgeClosed          = &BridgeError{Code: CodeBridgeClosed}
	ErrOperationNotFound     = &BridgeError{Code: CodeOperationNotFound}
	ErrInvalidArgument       = &BridgeError{Code: CodeInvalidArgument}
	ErrInternal              = &BridgeError{Code: CodeInternal}
)

// BridgeError is a structured error from the bridge.
type BridgeError struct {
	Code    string      `json:"code"`
	Message string      `json:"message"`
	Details interface{} `json:"details,omitempty"`
	cause   error
}

func (e *BridgeError) Error() string {
	if e.Message == "" {
		return e.Code
	}
	return e.Code + ": " + e.Message
}

// Unwrap returns the underlying cause, if any.
func (e *BridgeError) Unwrap() error {
	return e.cause
}

// Is reports whether target is a BridgeError with the same code.
// REMOTE_DISABLED also matches CAPABILITY_UNAVAILABLE.
func (e *BridgeError) Is(target error) bool {
	t, ok := target.(*BridgeError)
	if !ok {
		return false
	}
	if t.Code == e.Code {
		return true
	}
	return t.Code == CodeCapabilityUnavailable && e.Code == CodeRemoteDisabled
}

// ErrorFields exposes the code and details so the error codec can carry them across the boundary.
func (e *BridgeError) ErrorFields() map[string]any {
	fields := map[string]any{"code": e.Code}
	if e.Details != nil {
		fields["details"] = e.Details
	}
	return fields
}

// New creates a new BridgeError.
func New(code, message string) *BridgeError {
	return &BridgeError{Code: code, Message: message}
}

// Wrap creates a BridgeError that unwraps to cause.
func Wrap(code string, cause error, format string, args ...any) *BridgeError {
	return &BridgeError{Code: code, Message: fmt.Sprintf(format, args...), cause: cause}
}

// CapabilityUnavailable reports a call against an operation that is not enabled for this client.
func CapabilityUnavailable(operation string) *BridgeError {
	return &BridgeError{
		Code:    CodeCapabilityUnavailable,
		Message: fmt.Sprintf("%s is not available in this process", operation),
		Details: map[string]any{"operation": operation},
	}
}

// RemoteDisabled reports a call against a remote-dependent operation while remote access is off.
func RemoteDisabled(operation string) *BridgeError {
	return &BridgeError{
		Code:    CodeRemoteDisabled,
		Message: fmt.Sprintf("%s requires remote, which is not enabled", operation),
		Details: map[string]any{"operation": operation},
	}
}

// Protocol reports a malformed or unmatched message.
func Protocol(format string, args ...any) *BridgeError {
	return &BridgeError{Code: CodeProtocolError, Message: fmt.Sprintf(format, args...)}
}
