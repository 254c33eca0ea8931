package observability

import (
	"context"
	"time"

	"github.com/getsentry/sentry-go"
)

// InitSentry enables error reporting when dsn is set and reports whether it did.
func InitSentry(dsn, environment string) (bool, error) {
	if dsn == "" {
		return false, nil
	}
	err := sentry.Init(sentry.ClientOptions{
		Dsn:              dsn,
		Environment:      environment,
		AttachStacktrace: true,
	})
	if err != nil {
		return false, err
	}
	return true, nil
}

func FlushSentry() {
	sentry.Flush(2 * time.Second)
}

// CaptureError forwards an unexpected error. Without Init it is a no-op.
func CaptureError(ctx context.Context, err error, tags map[string]string) {
	if err == nil {
		return
	}
	hub := sentry.GetHubFromContext(ctx)
	if hub == nil {
		hub = sentry.CurrentHub()
	}
	hub.WithScope(func(scope *sentry.Scope) {
		for k, v := range tags {
			scope.SetTag(k, v)
		}
		hub.CaptureException(err)
	})
}

// CapturePanic reports a recovered panic value with its stack.
func CapturePanic(rec any, stack []byte, path string) {
	sentry.WithScope(func(scope *sentry.Scope) {
		scope.SetExtra("panic", rec)
		scope.SetExtra("stack", string(stack))
		scope.SetTag("path", path)
		sentry.CaptureMessage("panic in request")
	})
}
