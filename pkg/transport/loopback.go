package transport

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/morezero/capability-bridge/pkg/commsutil"
	"github.com/morezero/capability-bridge/pkg/wire"
)

const loopbackLogPrefix = "transport:loopback"

// Loopback connects a client and a host inside one process. Envelopes are
// still encoded with the configured codec, and every request is dispatched
// on its own goroutine so responses can arrive in any order.
type Loopback struct {
	dispatcher Dispatcher
	codec      commsutil.Codec

	mu      sync.RWMutex
	handler ResponseHandler
	wg      sync.WaitGroup
}

// NewLoopback creates a Loopback that dispatches to d. A nil codec means JSON.
func NewLoopback(d Dispatcher, codec commsutil.Codec) *Loopback {
	if codec == nil {
		codec = commsutil.JSON
	}
	return &Loopback{dispatcher: d, codec: codec}
}

// Listen registers the handler that receives responses.
func (l *Loopback) Listen(h ResponseHandler) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.handler = h
	return nil
}

// SendRequest encodes req and dispatches it asynchronously.
func (l *Loopback) SendRequest(ctx context.Context, req *wire.Request) error {
	l.mu.RLock()
	h := l.handler
	l.mu.RUnlock()
	if h == nil {
		return fmt.Errorf("%s - no response handler attached", loopbackLogPrefix)
	}

	data, err := l.codec.Marshal(req)
	if err != nil {
		return fmt.Errorf("%s - failed to encode request %s: %w", loopbackLogPrefix, req.ID, err)
	}

	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		var decoded wire.Request
		if err := l.codec.Unmarshal(data, &decoded); err != nil {
			slog.Error(fmt.Sprintf("%s - failed to decode request: %v", loopbackLogPrefix, err))
			return
		}
		resp := l.dispatcher.Dispatch(context.WithoutCancel(ctx), &decoded)
		out, err := l.codec.Marshal(resp)
		if err != nil {
			slog.Error(fmt.Sprintf("%s - failed to encode response %s: %v", loopbackLogPrefix, resp.ID, err))
			return
		}
		h.HandleMessage(l.codec, out)
	}()
	return nil
}

// Wait blocks until every dispatched request has produced its response.
func (l *Loopback) Wait() {
	l.wg.Wait()
}
