package observability

import (
	"context"
	"log/slog"
)

// Audit writes a security-relevant event. Subjects are logged as their keyed
// hash, never as the plaintext username.
func Audit(ctx context.Context, event string, attrs ...any) {
	base := []any{"event", event}
	if rid, ok := ctx.Value(requestIDKey{}).(string); ok && rid != "" {
		base = append(base, "request_id", rid)
	}
	base = append(base, attrs...)
	slog.InfoContext(ctx, "audit", base...)
}

type requestIDKey struct{}

// WithRequestID stores the request id so audit records emitted deeper in the
// call stack can be correlated with the access log.
func WithRequestID(ctx context.Context, id string) context.Context {
	if id == "" {
		return ctx
	}
	return context.WithValue(ctx, requestIDKey{}, id)
}
