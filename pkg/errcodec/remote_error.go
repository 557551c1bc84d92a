package errcodec

import "github.com/morezero/capability-bridge/pkg/bridgeerr"

// RemoteError is a failure reconstructed from the other side of the bridge.
type RemoteError struct {
	Message string
	Stack   string
	Fields  map[string]any
}

func (e *RemoteError) Error() string {
	return e.Message
}

// Field returns a structured field attached by the producing side.
func (e *RemoteError) Field(key string) (any, bool) {
	v, ok := e.Fields[key]
	return v, ok
}

// Code returns the bridge error code carried in the fields, if any.
func (e *RemoteError) Code() string {
	code, _ := e.Fields["code"].(string)
	return code
}

// ErrorFields returns a copy of the fields so a RemoteError can be re-encoded without loss.
func (e *RemoteError) ErrorFields() map[string]any {
	out := make(map[string]any, len(e.Fields))
	for k, v := range e.Fields {
		out[k] = v
	}
	return out
}

// StackTrace returns the producing side's stack, if it sent one.
func (e *RemoteError) StackTrace() string {
	return e.Stack
}

// Is lets a host-side bridge error match its sentinel on the client.
func (e *RemoteError) Is(target error) bool {
	code := e.Code()
	if code == "" {
		return false
	}
	return bridgeerr.New(code, "").Is(target)
}
