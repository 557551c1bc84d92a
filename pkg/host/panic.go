package host

import (
	"fmt"
	"runtime/debug"

	"github.com/morezero/capability-bridge/pkg/bridgeerr"
)

// panicError is the failure reported when a handler panics.
type panicError struct {
	operation string
	value     any
	stack     string
}

func newPanicError(operation string, value any) *panicError {
	return &panicError{operation: operation, value: value, stack: string(debug.Stack())}
}

func (e *panicError) Error() string {
	return fmt.Sprintf("%s panicked: %v", e.operation, e.value)
}

func (e *panicError) StackTrace() string {
	return e.stack
}

func (e *panicError) ErrorFields() map[string]any {
	return map[string]any{"code": bridgeerr.CodeInternal, "details": map[string]any{"operation": e.operation}}
}
