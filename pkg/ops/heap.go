package ops

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"runtime/pprof"
	"strings"
	"time"

	"github.com/morezero/capability-bridge/pkg/bridgeerr"
	"github.com/morezero/capability-bridge/pkg/host"
	"github.com/morezero/capability-bridge/pkg/wire"
)

const heapLogPrefix = "ops:heap"

// TakeHeapSnapshot writes a heap profile of the host process to path.
func TakeHeapSnapshot(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("%s - failed to create %s: %w", heapLogPrefix, filepath.Dir(path), err)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("%s - failed to create %s: %w", heapLogPrefix, path, err)
	}
	return writeHeapSnapshot(f, path)
}

// writeHeapSnapshot writes the profile to f and closes it. A failed close
// fails the snapshot, since buffered data may not have reached disk.
func writeHeapSnapshot(f io.WriteCloser, path string) error {
	runtime.GC()
	if err := pprof.WriteHeapProfile(f); err != nil {
		f.Close()
		return fmt.Errorf("%s - failed to write heap profile: %w", heapLogPrefix, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("%s - failed to close %s: %w", heapLogPrefix, path, err)
	}
	slog.Info(fmt.Sprintf("%s - Heap profile written to %s", heapLogPrefix, path))
	return nil
}

// HeapSnapshotHandler returns the heap.takeSnapshot handler. The optional
// argument names the output file; relative names and the default name are
// resolved inside dir, and absolute paths outside dir are refused. The
// result is true once the profile is written.
func HeapSnapshotHandler(dir string) host.Handler {
	return func(_ context.Context, req *wire.Request) (any, error) {
		name := fmt.Sprintf("heap-%s.pprof", time.Now().UTC().Format("20060102T150405.000"))
		if len(req.Args) > 0 {
			if err := req.Arg(0, &name); err != nil {
				return nil, err
			}
		}

		path, err := snapshotPath(dir, name)
		if err != nil {
			return nil, err
		}
		if err := TakeHeapSnapshot(path); err != nil {
			return nil, err
		}
		return true, nil
	}
}

func snapshotPath(dir, name string) (string, error) {
	if name == "" {
		return "", bridgeerr.New(bridgeerr.CodeInvalidArgument, "snapshot file name is empty")
	}
	base, err := filepath.Abs(dir)
	if err != nil {
		return "", fmt.Errorf("%s - failed to resolve %s: %w", heapLogPrefix, dir, err)
	}
	path := name
	if !filepath.IsAbs(path) {
		path = filepath.Join(base, name)
	}
	path = filepath.Clean(path)
	rel, err := filepath.Rel(base, path)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", &bridgeerr.BridgeError{
			Code:    bridgeerr.CodeInvalidArgument,
			Message: fmt.Sprintf("snapshot path %s is outside %s", name, base),
			Details: map[string]any{"path": name},
		}
	}
	return path, nil
}
