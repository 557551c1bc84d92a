// Package events defines diagnostic events and publishers for anomalies the bridge observes.
package events

// Diagnostic kinds.
const (
	KindUnknownResponse   = "unknown_response"
	KindLateResponse      = "late_response"
	KindDuplicateResponse = "duplicate_response"
	KindMalformedMessage  = "malformed_message"
)

// DiagnosticEvent reports an anomaly that is not tied to any pending call.
// These never surface as call failures; they usually point at a transport bug.
type DiagnosticEvent struct {
	Kind      string `json:"kind"`
	Source    string `json:"source"`
	RequestID string `json:"requestId,omitempty"`
	Operation string `json:"operation,omitempty"`
	Detail    string `json:"detail,omitempty"`
	Timestamp string `json:"timestamp"`
}
