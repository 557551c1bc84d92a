package events

import "context"

// DiagnosticPublisher is the interface for publishing diagnostic events.
type DiagnosticPublisher interface {
	PublishDiagnostic(ctx context.Context, event *DiagnosticEvent) error
}

// NoOpPublisher is a DiagnosticPublisher that does nothing.
type NoOpPublisher struct{}

// PublishDiagnostic is a no-op.
func (p *NoOpPublisher) PublishDiagnostic(_ context.Context, _ *DiagnosticEvent) error {
	return nil
}

// CallbackPublisher is a DiagnosticPublisher that calls a callback function (for testing).
type CallbackPublisher struct {
	callback func(ctx context.Context, event *DiagnosticEvent) error
}

// NewCallbackPublisher creates a new CallbackPublisher.
func NewCallbackPublisher(cb func(ctx context.Context, event *DiagnosticEvent) error) *CallbackPublisher {
	return &CallbackPublisher{callback: cb}
}

// PublishDiagnostic calls the callback.
func (p *CallbackPublisher) PublishDiagnostic(ctx context.Context, event *DiagnosticEvent) error {
	return p.callback(ctx, event)
}
