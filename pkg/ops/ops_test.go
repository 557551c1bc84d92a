package ops

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/morezero/capability-bridge/pkg/bridgeerr"
	"github.com/morezero/capability-bridge/pkg/capability"
	"github.com/morezero/capability-bridge/pkg/host"
	"github.com/morezero/capability-bridge/pkg/wire"
)

const testPrefix = "ops:ops_test"

func req(t *testing.T, op string, args ...any) *wire.Request {
	t.Helper()
	r, err := wire.NewRequest("id-1", op, args...)
	if err != nil {
		t.Fatalf("%s - NewRequest: %v", testPrefix, err)
	}
	return r
}

func TestClipboardHandlers(t *testing.T) {
	cb := &MemoryClipboard{}
	write := WriteTextHandler(cb)
	read := ReadTextHandler(cb)

	if _, err := write(context.Background(), req(t, capability.OpClipboardWriteText, "copied")); err != nil {
		t.Fatalf("%s - write: %v", testPrefix, err)
	}
	got, err := read(context.Background(), req(t, capability.OpClipboardReadText))
	if err != nil || got != "copied" {
		t.Errorf("%s - read = %v, %v; want copied", testPrefix, got, err)
	}

	if _, err := write(context.Background(), req(t, capability.OpClipboardWriteText, 42)); !errors.Is(err, bridgeerr.ErrInvalidArgument) {
		t.Errorf("%s - expected INVALID_ARGUMENT for a non-string, got %v", testPrefix, err)
	}
}

func TestHeapSnapshotHandler(t *testing.T) {
	dir := t.TempDir()
	handler := HeapSnapshotHandler(dir)

	got, err := handler(context.Background(), req(t, capability.OpHeapTakeSnapshot, "snap.pprof"))
	if err != nil || got != true {
		t.Fatalf("%s - handler = %v, %v; want true", testPrefix, got, err)
	}
	info, err := os.Stat(filepath.Join(dir, "snap.pprof"))
	if err != nil || info.Size() == 0 {
		t.Errorf("%s - expected a non-empty profile, got %v, %v", testPrefix, info, err)
	}

	if _, err := handler(context.Background(), req(t, capability.OpHeapTakeSnapshot)); err != nil {
		t.Errorf("%s - default name: %v", testPrefix, err)
	}
}

// closeFailer accepts writes but fails to close, like a file whose final flush hits a full disk.
type closeFailer struct {
	bytes.Buffer
	closed bool
}

func (c *closeFailer) Close() error {
	c.closed = true
	return errors.New("no space left on device")
}

func TestWriteHeapSnapshot_CloseErrorFails(t *testing.T) {
	f := &closeFailer{}
	err := writeHeapSnapshot(f, "full.pprof")
	if err == nil || !strings.Contains(err.Error(), "no space left on device") {
		t.Fatalf("%s - expected the close error, got %v", testPrefix, err)
	}
	if !f.closed || f.Len() == 0 {
		t.Errorf("%s - closed=%t wrote=%d, want a written and closed profile", testPrefix, f.closed, f.Len())
	}
}

func TestSnapshotPath(t *testing.T) {
	dir := t.TempDir()
	tests := []struct {
		name    string
		input   string
		wantErr bool
	}{
		{"relative", "a.pprof", false},
		{"nested", "sub/a.pprof", false},
		{"absolute inside", filepath.Join(dir, "b.pprof"), false},
		{"escape", "../evil.pprof", true},
		{"absolute outside", "/etc/evil.pprof", true},
		{"empty", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := snapshotPath(dir, tt.input)
			if (err != nil) != tt.wantErr {
				t.Errorf("%s - snapshotPath(%q) error = %v, wantErr %v", testPrefix, tt.input, err, tt.wantErr)
			}
		})
	}
}

func TestRemoteRequireHandler(t *testing.T) {
	ops := func() []string {
		return []string{"clipboard.readText", "clipboard.writeText", "heap.takeSnapshot", "webFrame"}
	}
	handler := RemoteRequireHandler(ops)

	got, err := handler(context.Background(), req(t, capability.OpRemoteRequire, "clipboard"))
	if err != nil {
		t.Fatalf("%s - remote.require: %v", testPrefix, err)
	}
	desc := got.(ModuleDescription)
	if desc.Module != "clipboard" || len(desc.Operations) != 2 || desc.Operations[0] != "readText" {
		t.Errorf("%s - unexpected description %+v", testPrefix, desc)
	}

	for _, module := range []string{"webFrame", "missing"} {
		if _, err := handler(context.Background(), req(t, capability.OpRemoteRequire, module)); !errors.Is(err, bridgeerr.ErrOperationNotFound) {
			t.Errorf("%s - %s: expected OPERATION_NOT_FOUND, got %v", testPrefix, module, err)
		}
	}
}

func TestRegister(t *testing.T) {
	h := host.NewHost(host.NewHostParams{Config: host.Config{
		Declarations: capability.DefaultCatalog(),
		Platform:     capability.PlatformDarwin,
	}})
	Register(h, Options{Clipboard: &MemoryClipboard{}, HeapSnapshotDir: t.TempDir()})

	if got := len(h.Operations()); got != 7 {
		t.Errorf("%s - registered %d operations, want 7", testPrefix, got)
	}

	r := req(t, capability.OpClipboardWriteFindText, "needle")
	privileged := h.Bind(capability.RolePrivileged)
	if resp := privileged.Dispatch(context.Background(), r); !resp.Ok {
		t.Fatalf("%s - writeFindText failed: %s", testPrefix, resp.Payload)
	}
	r = req(t, capability.OpClipboardReadFindText)
	resp := privileged.Dispatch(context.Background(), r)
	if !resp.Ok || string(resp.Payload) != `"needle"` {
		t.Errorf("%s - readFindText = %s, want \"needle\"", testPrefix, resp.Payload)
	}

	r = req(t, capability.OpScreenPrimaryDisplay)
	if resp := h.Bind(capability.RoleRenderer).Dispatch(context.Background(), r); resp.Ok {
		t.Errorf("%s - expected screen access to be refused for renderer without remote", testPrefix)
	}
}
