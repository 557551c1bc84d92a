package client

import (
	"context"
	"encoding/json"

	"github.com/morezero/capability-bridge/pkg/bridgeerr"
	"github.com/morezero/capability-bridge/pkg/capability"
	"github.com/morezero/capability-bridge/pkg/ops"
)

func decode[T any](raw json.RawMessage, err error) (T, error) {
	var out T
	if err != nil {
		return out, err
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, bridgeerr.Wrap(bridgeerr.CodeProtocolError, err, "undecodable result: %v", err)
	}
	return out, nil
}

// ReadText reads the host clipboard.
func (c *Client) ReadText(ctx context.Context) (string, error) {
	return decode[string](c.Call(ctx, capability.OpClipboardReadText))
}

// WriteText replaces the host clipboard contents.
func (c *Client) WriteText(ctx context.Context, text string) error {
	_, err := c.Call(ctx, capability.OpClipboardWriteText, text)
	return err
}

// ReadFindText reads the find pasteboard.
func (c *Client) ReadFindText(ctx context.Context) (string, error) {
	return decode[string](c.Call(ctx, capability.OpClipboardReadFindText))
}

// WriteFindText replaces the find pasteboard contents.
func (c *Client) WriteFindText(ctx context.Context, text string) error {
	_, err := c.Call(ctx, capability.OpClipboardWriteFindText, text)
	return err
}

// TakeHeapSnapshot asks the host to write a heap profile named file.
func (c *Client) TakeHeapSnapshot(ctx context.Context, file string) (bool, error) {
	return decode[bool](c.Call(ctx, capability.OpHeapTakeSnapshot, file))
}

// RemoteRequire describes a host module.
func (c *Client) RemoteRequire(ctx context.Context, module string) (ops.ModuleDescription, error) {
	return decode[ops.ModuleDescription](c.Call(ctx, capability.OpRemoteRequire, module))
}

// PrimaryDisplay returns the host's primary display.
func (c *Client) PrimaryDisplay(ctx context.Context) (ops.Display, error) {
	return decode[ops.Display](c.Call(ctx, capability.OpScreenPrimaryDisplay))
}
