package observability

import (
	"context"
	"errors"
	"log/slog"

	sdklog "go.opentelemetry.io/otel/sdk/log"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/sandeepkv93/vehicle-telemetry-bridge/internal/config"
)

type Runtime struct {
	Logger         *slog.Logger
	MeterProvider  *sdkmetric.MeterProvider
	TracerProvider *sdktrace.TracerProvider
	LoggerProvider *sdklog.LoggerProvider
	SentryEnabled  bool
}

// InitRuntime wires logs, metrics, traces and error reporting. The logger on
// the returned runtime replaces base when the OTLP log bridge is enabled.
func InitRuntime(ctx context.Context, cfg *config.Config, base *slog.Logger) (*Runtime, error) {
	logger, lp, err := InitLogs(ctx, cfg, base)
	if err != nil {
		return nil, err
	}
	mp, err := InitMetrics(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	tp, err := InitTracing(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	sentryOn, err := InitSentry(cfg.SentryDSN, cfg.Env)
	if err != nil {
		return nil, err
	}
	return &Runtime{
		Logger:         logger,
		MeterProvider:  mp,
		TracerProvider: tp,
		LoggerProvider: lp,
		SentryEnabled:  sentryOn,
	}, nil
}

func (r *Runtime) Shutdown(ctx context.Context) error {
	if r == nil {
		return nil
	}
	var errs []error
	if r.MeterProvider != nil {
		if err := r.MeterProvider.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if r.TracerProvider != nil {
		if err := r.TracerProvider.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if r.LoggerProvider != nil {
		if err := r.LoggerProvider.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if r.SentryEnabled {
		FlushSentry()
	}
	return errors.Join(errs...)
}
