// Package errcodec carries failures across the process boundary.
//
// Live error values cannot cross the transport, so the producing side
// encodes them into a SerializedError and the consuming side rebuilds an
// equivalent *RemoteError carrying the same message and structured fields.
package errcodec

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/morezero/capability-bridge/pkg/bridgeerr"
)

const logPrefix = "errcodec:codec"

// SerializedError is the transport-safe form of a failure.
type SerializedError struct {
	Message string         `json:"message"`
	Stack   string         `json:"stack,omitempty"`
	Extra   map[string]any `json:"extra"`
}

// FieldError is implemented by errors that expose structured fields.
type FieldError interface {
	error
	ErrorFields() map[string]any
}

// StackTracer is implemented by errors that carry a captured stack.
type StackTracer interface {
	StackTrace() string
}

// Encode converts err into a SerializedError. It never panics: if the
// structured fields cannot be extracted the result degrades to the error
// string with no extra fields.
func Encode(err error) (out SerializedError) {
	if err == nil {
		return SerializedError{Message: "<nil>", Extra: map[string]any{}}
	}

	defer func() {
		if r := recover(); r != nil {
			slog.Warn(fmt.Sprintf("%s - field extraction panicked for %T: %v", logPrefix, err, r))
			out = SerializedError{Message: safeString(err), Extra: map[string]any{}}
		}
	}()

	out = SerializedError{Message: err.Error(), Extra: map[string]any{}}

	var st StackTracer
	if errors.As(err, &st) {
		out.Stack = st.StackTrace()
	}

	var fe FieldError
	if errors.As(err, &fe) {
		for k, v := range fe.ErrorFields() {
			if !jsonSafe(v) {
				slog.Debug(fmt.Sprintf("%s - dropping non-serializable field %q (%T)", logPrefix, k, v))
				continue
			}
			out.Extra[k] = v
		}
	}
	return out
}

// Marshal encodes err and serializes it to JSON bytes.
func Marshal(err error) json.RawMessage {
	data, mErr := json.Marshal(Encode(err))
	if mErr != nil {
		// Extras are pre-checked, so only a pathological message gets here.
		data, _ = json.Marshal(SerializedError{Message: safeString(err), Extra: map[string]any{}})
	}
	return data
}

// Decode rebuilds a failure from its serialized form. A payload that is
// not valid JSON or lacks a message yields a PROTOCOL_ERROR instead.
func Decode(raw []byte) error {
	var wire struct {
		Message *string        `json:"message"`
		Stack   string         `json:"stack"`
		Extra   map[string]any `json:"extra"`
	}
	if err := json.Unmarshal(raw, &wire); err != nil {
		return bridgeerr.Wrap(bridgeerr.CodeProtocolError, err, "undecodable serialized error: %v", err)
	}
	if wire.Message == nil {
		return bridgeerr.Protocol("serialized error is missing message")
	}
	fields := wire.Extra
	if fields == nil {
		fields = map[string]any{}
	}
	return &RemoteError{Message: *wire.Message, Stack: wire.Stack, Fields: fields}
}

func jsonSafe(v any) bool {
	_, err := json.Marshal(v)
	return err == nil
}

func safeString(err error) (s string) {
	defer func() {
		if r := recover(); r != nil {
			s = fmt.Sprintf("%T", err)
		}
	}()
	return err.Error()
}
