// Package trace carries a per-request trace id through contexts, slog
// records and remote calls. The gateway seeds one id per inbound frame;
// async handoffs and RPC attachments inherit it so one player action can be
// followed across nodes.
package trace

import (
	"context"
	"log/slog"

	"github.com/google/uuid"
)

type ctxKey struct{}

// MetadataKey is the gRPC metadata key used to forward trace ids.
const MetadataKey = "x-trace-id"

// New returns a fresh trace id.
func New() string {
	return uuid.NewString()
}

// With returns a child context carrying the trace id.
func With(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxKey{}, id)
}

// Ensure returns ctx unchanged when it already carries a trace id, otherwise
// a child context with a fresh one.
func Ensure(ctx context.Context) context.Context {
	if From(ctx) != "" {
		return ctx
	}
	return With(ctx, New())
}

// From returns the trace id carried by ctx, or "" when absent.
func From(ctx context.Context) string {
	id, _ := ctx.Value(ctxKey{}).(string)
	return id
}

// Attr returns a slog attribute for the context's trace id. Safe on contexts
// without one (empty value).
func Attr(ctx context.Context) slog.Attr {
	return slog.String("trace_id", From(ctx))
}
