package ops

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/morezero/capability-bridge/pkg/capability"
	"github.com/morezero/capability-bridge/pkg/host"
)

const logPrefix = "ops:register"

// Options selects the backends behind the standard operations. Nil fields use defaults.
type Options struct {
	Clipboard       Clipboard
	FindClipboard   Clipboard
	HeapSnapshotDir string
	Display         DisplayProvider
}

// Register installs the standard operation set on h.
func Register(h *host.Host, opts Options) {
	if opts.Clipboard == nil {
		opts.Clipboard = SystemClipboard{}
	}
	if opts.FindClipboard == nil {
		opts.FindClipboard = &MemoryClipboard{}
	}
	if opts.HeapSnapshotDir == "" {
		opts.HeapSnapshotDir = os.TempDir()
	}
	if opts.Display == nil {
		opts.Display = StaticDisplay(DefaultDisplay)
	}

	h.Register(capability.OpClipboardReadText, ReadTextHandler(opts.Clipboard))
	h.Register(capability.OpClipboardWriteText, WriteTextHandler(opts.Clipboard))
	h.Register(capability.OpClipboardReadFindText, ReadTextHandler(opts.FindClipboard))
	h.Register(capability.OpClipboardWriteFindText, WriteTextHandler(opts.FindClipboard))
	h.Register(capability.OpHeapTakeSnapshot, HeapSnapshotHandler(opts.HeapSnapshotDir))
	h.Register(capability.OpRemoteRequire, RemoteRequireHandler(h.Operations))
	h.Register(capability.OpScreenPrimaryDisplay, PrimaryDisplayHandler(opts.Display))

	slog.Info(fmt.Sprintf("%s - Registered %d operations", logPrefix, len(h.Operations())))
}
