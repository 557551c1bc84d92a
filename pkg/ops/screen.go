package ops

import (
	"context"

	"github.com/morezero/capability-bridge/pkg/host"
	"github.com/morezero/capability-bridge/pkg/wire"
)

// Rectangle is a screen area in device-independent pixels.
type Rectangle struct {
	X      int `json:"x"`
	Y      int `json:"y"`
	Width  int `json:"width"`
	Height int `json:"height"`
}

// Display describes one monitor.
type Display struct {
	ID          int64     `json:"id"`
	Bounds      Rectangle `json:"bounds"`
	WorkArea    Rectangle `json:"workArea"`
	ScaleFactor float64   `json:"scaleFactor"`
	Rotation    int       `json:"rotation"`
}

// DisplayProvider reports the primary display.
type DisplayProvider func(ctx context.Context) (Display, error)

// StaticDisplay returns a provider that always reports d.
func StaticDisplay(d Display) DisplayProvider {
	return func(context.Context) (Display, error) { return d, nil }
}

// DefaultDisplay is reported by hosts that have no display of their own.
var DefaultDisplay = Display{
	ID:          1,
	Bounds:      Rectangle{Width: 1920, Height: 1080},
	WorkArea:    Rectangle{Width: 1920, Height: 1080},
	ScaleFactor: 1,
}

// PrimaryDisplayHandler returns the screen.getPrimaryDisplay handler.
func PrimaryDisplayHandler(p DisplayProvider) host.Handler {
	return func(ctx context.Context, _ *wire.Request) (any, error) {
		return p(ctx)
	}
}
