// Package wire defines the request/response envelopes exchanged between client and host.
package wire

import (
	"encoding/json"
	"fmt"

	"github.com/morezero/capability-bridge/pkg/bridgeerr"
	"github.com/morezero/capability-bridge/pkg/errcodec"
)

// Envelope kinds.
const (
	KindRequest  = "request"
	KindResponse = "response"
)

// Request asks the host to run one operation.
type Request struct {
	Kind      string             `json:"kind"`
	ID        string             `json:"id"`
	Operation string             `json:"operation"`
	Args      []json.RawMessage  `json:"args"`
	Ctx       *InvocationContext `json:"ctx,omitempty"`
}

// Response settles exactly one pending request. Payload holds the result
// when Ok is true and an errcodec.SerializedError otherwise.
type Response struct {
	Kind    string          `json:"kind"`
	ID      string          `json:"id"`
	Ok      bool            `json:"ok"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// InvocationContext holds context from the caller.
type InvocationContext struct {
	Role       string `json:"role,omitempty"`
	Platform   string `json:"platform,omitempty"`
	ClientName string `json:"clientName,omitempty"`
	DeadlineMs int    `json:"deadlineMs,omitempty"`
}

// NewRequest builds a request, encoding each argument as JSON.
func NewRequest(id, operation string, args ...any) (*Request, error) {
	raw := make([]json.RawMessage, 0, len(args))
	for i, a := range args {
		if r, ok := a.(json.RawMessage); ok {
			raw = append(raw, r)
			continue
		}
		data, err := json.Marshal(a)
		if err != nil {
			return nil, bridgeerr.Wrap(bridgeerr.CodeInvalidArgument, err, "argument %d of %s is not serializable: %v", i, operation, err)
		}
		raw = append(raw, data)
	}
	return &Request{Kind: KindRequest, ID: id, Operation: operation, Args: raw}, nil
}

// Validate checks the fields every request must carry.
func (r *Request) Validate() error {
	if r.Kind != KindRequest {
		return bridgeerr.Protocol("unexpected kind %q in request", r.Kind)
	}
	if r.ID == "" {
		return bridgeerr.Protocol("request is missing id")
	}
	if r.Operation == "" {
		return bridgeerr.Protocol("request %s is missing operation", r.ID)
	}
	return nil
}

// Arg decodes argument i into v.
func (r *Request) Arg(i int, v any) error {
	if i >= len(r.Args) {
		return bridgeerr.New(bridgeerr.CodeInvalidArgument, fmt.Sprintf("%s expects at least %d arguments, got %d", r.Operation, i+1, len(r.Args)))
	}
	if err := json.Unmarshal(r.Args[i], v); err != nil {
		return bridgeerr.Wrap(bridgeerr.CodeInvalidArgument, err, "argument %d of %s: %v", i, r.Operation, err)
	}
	return nil
}

// Validate checks the fields every response must carry.
func (r *Response) Validate() error {
	if r.Kind != KindResponse {
		return bridgeerr.Protocol("unexpected kind %q in response", r.Kind)
	}
	if r.ID == "" {
		return bridgeerr.Protocol("response is missing id")
	}
	return nil
}

// Success builds an ok response carrying result.
func Success(id string, result any) (*Response, error) {
	data, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("wire:envelope - failed to encode result for %s: %w", id, err)
	}
	return &Response{Kind: KindResponse, ID: id, Ok: true, Payload: data}, nil
}

// Failure builds a failed response carrying the serialized error.
func Failure(id string, err error) *Response {
	return &Response{Kind: KindResponse, ID: id, Ok: false, Payload: errcodec.Marshal(err)}
}
