package commsutil

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strings"

	"github.com/fxamacker/cbor/v2"
)

// Wire codec names accepted by CodecByName.
const (
	CodecJSON = "json"
	CodecCBOR = "cbor"
)

// Codec encodes envelopes for the transport.
type Codec interface {
	Name() string
	Marshal(v interface{}) ([]byte, error)
	Unmarshal(data []byte, v interface{}) error
}

type jsonCodec struct{}

func (jsonCodec) Name() string                               { return CodecJSON }
func (jsonCodec) Marshal(v interface{}) ([]byte, error)      { return json.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, v interface{}) error { return json.Unmarshal(data, v) }

// cborCodec uses Core Deterministic Encoding so identical envelopes produce
// identical bytes. Envelope structs carry json tags only; the CBOR library
// falls back to them.
type cborCodec struct {
	enc cbor.EncMode
	dec cbor.DecMode
}

func (c cborCodec) Name() string                               { return CodecCBOR }
func (c cborCodec) Marshal(v interface{}) ([]byte, error)      { return c.enc.Marshal(v) }
func (c cborCodec) Unmarshal(data []byte, v interface{}) error { return c.dec.Unmarshal(data, v) }

var (
	// JSON is the default envelope codec.
	JSON Codec = jsonCodec{}
	// CBOR is the compact binary envelope codec.
	CBOR Codec
)

func init() {
	enc, err := cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("commsutil: CBOR encoder initialization failed: " + err.Error())
	}
	dec, err := cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]interface{}(nil)),
	}.DecMode()
	if err != nil {
		panic("commsutil: CBOR decoder initialization failed: " + err.Error())
	}
	CBOR = cborCodec{enc: enc, dec: dec}
}

// CodecByName returns the codec for a configured name. Empty means JSON.
func CodecByName(name string) (Codec, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", CodecJSON:
		return JSON, nil
	case CodecCBOR:
		return CBOR, nil
	default:
		return nil, fmt.Errorf("commsutil:codec - unknown wire codec %q", name)
	}
}

// EncodePayload serializes a value to JSON bytes.
func EncodePayload(v interface{}) ([]byte, error) {
	return JSON.Marshal(v)
}

// DecodePayload deserializes JSON bytes into the given target.
func DecodePayload(data []byte, v interface{}) error {
	return JSON.Unmarshal(data, v)
}
