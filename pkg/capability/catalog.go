package capability

// Operation names of the default catalog.
const (
	OpDesktopCapturer        = "desktopCapturer"
	OpIPCRenderer            = "ipcRenderer"
	OpRemoteRequire          = "remote.require"
	OpScreenPrimaryDisplay   = "screen.getPrimaryDisplay"
	OpWebFrame               = "webFrame"
	OpClipboardReadText      = "clipboard.readText"
	OpClipboardWriteText     = "clipboard.writeText"
	OpClipboardReadFindText  = "clipboard.readFindText"
	OpClipboardWriteFindText = "clipboard.writeFindText"
	OpHeapTakeSnapshot       = "heap.takeSnapshot"
)

// FlagDesktopCapturer gates desktop capture.
const FlagDesktopCapturer = "desktop_capturer"

// DefaultCatalog returns the built-in declarations. Keep entries sorted by
// family; a declaration without a condition is enabled.
func DefaultCatalog() []Declaration {
	unprivileged := Not(RoleIs(RolePrivileged))
	// On Linux only the privileged process can reach the system clipboard.
	linuxUnprivileged := All(PlatformIs(PlatformLinux), unprivileged)

	return []Declaration{
		{Name: OpClipboardReadText, Description: "Read plain text from the system clipboard", RequiresRemote: linuxUnprivileged},
		{Name: OpClipboardWriteText, Description: "Write plain text to the system clipboard", RequiresRemote: linuxUnprivileged},
		{Name: OpClipboardReadFindText, Description: "Read the find pasteboard", When: PlatformIs(PlatformDarwin), RequiresRemote: unprivileged},
		{Name: OpClipboardWriteFindText, Description: "Write the find pasteboard", When: PlatformIs(PlatformDarwin), RequiresRemote: unprivileged},
		{Name: OpDesktopCapturer, Description: "Enumerate desktop capture sources", When: FlagSet(FlagDesktopCapturer)},
		{Name: OpHeapTakeSnapshot, Description: "Write a heap profile of the host process"},
		{Name: OpIPCRenderer, Description: "Raw message channel to the host"},
		{Name: OpRemoteRequire, Description: "Describe a host module's operations", RequiresRemote: Always},
		{Name: OpScreenPrimaryDisplay, Description: "Primary display geometry", RequiresRemote: Always},
		{Name: OpWebFrame, Description: "Frame-local rendering controls"},
	}
}
