package errs

import (
	"context"
	"log/slog"
)

// Sink receives fatal-class failures (state corruption, persistent save
// failures) that must not be swallowed. The runtime keeps operating after
// escalating; the sink decides whether to page, count, or abort.
type Sink interface {
	Escalate(ctx context.Context, component string, err error)
}

// SlogSink is the default sink: an error-level log entry per escalation.
type SlogSink struct{}

func (SlogSink) Escalate(ctx context.Context, component string, err error) {
	slog.ErrorContext(ctx, "fatal error escalated", "component", component, "error", err)
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(ctx context.Context, component string, err error)

func (f SinkFunc) Escalate(ctx context.Context, component string, err error) {
	f(ctx, component, err)
}
