package ops

import (
	"context"
	"fmt"
	"strings"

	"github.com/morezero/capability-bridge/pkg/bridgeerr"
	"github.com/morezero/capability-bridge/pkg/commsutil"
	"github.com/morezero/capability-bridge/pkg/host"
	"github.com/morezero/capability-bridge/pkg/wire"
)

// ModuleDescription lists the operations of one host module.
type ModuleDescription struct {
	Module     string   `json:"module"`
	Operations []string `json:"operations"`
}

// RemoteRequireHandler returns the remote.require handler. It describes the
// module named by its argument, a module being every registered operation
// that shares the same family prefix.
func RemoteRequireHandler(operations func() []string) host.Handler {
	return func(_ context.Context, req *wire.Request) (any, error) {
		var module string
		if err := req.Arg(0, &module); err != nil {
			return nil, err
		}
		module = strings.TrimSpace(module)

		desc := ModuleDescription{Module: module, Operations: []string{}}
		for _, op := range operations() {
			if commsutil.OperationFamily(op) == module && strings.Contains(op, ".") {
				desc.Operations = append(desc.Operations, strings.TrimPrefix(op, module+"."))
			}
		}
		if len(desc.Operations) == 0 {
			return nil, &bridgeerr.BridgeError{
				Code:    bridgeerr.CodeOperationNotFound,
				Message: fmt.Sprintf("host has no module %q", module),
				Details: map[string]any{"module": module},
			}
		}
		return desc, nil
	}
}
