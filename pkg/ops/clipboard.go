// Package ops implements the operations a host exposes over the bridge.
package ops

import (
	"context"
	"sync"

	"github.com/atotto/clipboard"

	"github.com/morezero/capability-bridge/pkg/bridgeerr"
	"github.com/morezero/capability-bridge/pkg/host"
	"github.com/morezero/capability-bridge/pkg/wire"
)

// Clipboard is a plain-text pasteboard.
type Clipboard interface {
	ReadText() (string, error)
	WriteText(text string) error
}

// SystemClipboard is the operating system clipboard.
type SystemClipboard struct{}

// ReadText reads the system clipboard.
func (SystemClipboard) ReadText() (string, error) {
	if clipboard.Unsupported {
		return "", bridgeerr.New(bridgeerr.CodeCapabilityUnavailable, "no system clipboard available on this host")
	}
	return clipboard.ReadAll()
}

// WriteText replaces the system clipboard contents.
func (SystemClipboard) WriteText(text string) error {
	if clipboard.Unsupported {
		return bridgeerr.New(bridgeerr.CodeCapabilityUnavailable, "no system clipboard available on this host")
	}
	return clipboard.WriteAll(text)
}

// MemoryClipboard keeps its contents in process memory. The host uses one
// for the find pasteboard, which has no portable system counterpart.
type MemoryClipboard struct {
	mu   sync.Mutex
	text string
}

// ReadText returns the stored text.
func (m *MemoryClipboard) ReadText() (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.text, nil
}

// WriteText stores text.
func (m *MemoryClipboard) WriteText(text string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.text = text
	return nil
}

// ReadTextHandler returns the handler for a read operation on cb.
func ReadTextHandler(cb Clipboard) host.Handler {
	return func(_ context.Context, _ *wire.Request) (any, error) {
		return cb.ReadText()
	}
}

// WriteTextHandler returns the handler for a write operation on cb. It takes
// the text as its only argument.
func WriteTextHandler(cb Clipboard) host.Handler {
	return func(_ context.Context, req *wire.Request) (any, error) {
		var text string
		if err := req.Arg(0, &text); err != nil {
			return nil, err
		}
		if err := cb.WriteText(text); err != nil {
			return nil, err
		}
		return nil, nil
	}
}
