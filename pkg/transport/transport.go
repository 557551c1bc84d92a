// Package transport moves bridge envelopes between a client correlator and a host.
package transport

import (
	"context"

	comms "github.com/nats-io/nats.go"

	"github.com/morezero/capability-bridge/pkg/commsutil"
	"github.com/morezero/capability-bridge/pkg/wire"
)

// HeaderCodec names the codec a message body is encoded with.
const HeaderCodec = "Bridge-Codec"

// Dispatcher executes one request on the host side. It must always return a response.
type Dispatcher interface {
	Dispatch(ctx context.Context, req *wire.Request) *wire.Response
}

// ResponseHandler consumes raw response envelopes on the client side.
type ResponseHandler interface {
	HandleMessage(codec commsutil.Codec, data []byte)
}

// codecFor picks the codec announced in the message header, falling back to def.
func codecFor(msg *comms.Msg, def commsutil.Codec) commsutil.Codec {
	if msg.Header == nil {
		return def
	}
	name := msg.Header.Get(HeaderCodec)
	if name == "" {
		return def
	}
	codec, err := commsutil.CodecByName(name)
	if err != nil {
		return def
	}
	return codec
}

func newMsg(subject, reply string, codec commsutil.Codec, data []byte) *comms.Msg {
	msg := comms.NewMsg(subject)
	msg.Reply = reply
	msg.Data = data
	msg.Header.Set(HeaderCodec, codec.Name())
	return msg
}
