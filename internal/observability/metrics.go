package observability

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"

	"github.com/sandeepkv93/vehicle-telemetry-bridge/internal/config"
)

const meterName = "vehicle-telemetry-bridge"

type AppMetrics struct {
	authLoginCounter    metric.Int64Counter
	authRefreshCounter  metric.Int64Counter
	authLogoutCounter   metric.Int64Counter
	tokenVerifyCounter  metric.Int64Counter
	rateLimitCounter    metric.Int64Counter
	lockoutCounter      metric.Int64Counter
	credentialCache     metric.Int64Counter
	breakerTransitions  metric.Int64Counter
	telemetryNormalized metric.Int64Counter
	storeOperations     metric.Int64Counter
}

var (
	metricsMu  sync.RWMutex
	appMetrics *AppMetrics
)

func newResource(ctx context.Context, cfg *config.Config) (*resource.Resource, error) {
	return resource.New(ctx,
		resource.WithAttributes(
			attribute.String("service.name", cfg.OTELServiceName),
			attribute.String("deployment.environment", cfg.OTELEnvironment),
		),
	)
}

func InitMetrics(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*sdkmetric.MeterProvider, error) {
	var mp *sdkmetric.MeterProvider
	if !cfg.OTELMetricsEnabled {
		mp = sdkmetric.NewMeterProvider()
		logger.Info("otel metrics export disabled")
	} else {
		opts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithEndpoint(cfg.OTELExporterOTLPEndpoint)}
		if cfg.OTELExporterOTLPInsecure {
			opts = append(opts, otlpmetricgrpc.WithInsecure())
		}
		exporter, err := otlpmetricgrpc.New(ctx, opts...)
		if err != nil {
			return nil, fmt.Errorf("create otlp metric exporter: %w", err)
		}
		res, err := newResource(ctx, cfg)
		if err != nil {
			return nil, fmt.Errorf("create metric resource: %w", err)
		}
		reader := sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(cfg.OTELMetricsExportInterval))
		mp = sdkmetric.NewMeterProvider(
			sdkmetric.WithResource(res),
			sdkmetric.WithReader(reader),
		)
		logger.Info("otel metrics initialized", "endpoint", cfg.OTELExporterOTLPEndpoint)
	}
	otel.SetMeterProvider(mp)

	m, err := newAppMetrics(mp.Meter(meterName))
	if err != nil {
		return nil, err
	}
	metricsMu.Lock()
	appMetrics = m
	metricsMu.Unlock()
	return mp, nil
}

func newAppMetrics(meter metric.Meter) (*AppMetrics, error) {
	var (
		m   AppMetrics
		err error
	)
	counters := []struct {
		dst  *metric.Int64Counter
		name string
	}{
		{&m.authLoginCounter, "auth.login.attempts"},
		{&m.authRefreshCounter, "auth.refresh.attempts"},
		{&m.authLogoutCounter, "auth.logout.attempts"},
		{&m.tokenVerifyCounter, "auth.token.verifications"},
		{&m.rateLimitCounter, "ratelimit.decisions"},
		{&m.lockoutCounter, "auth.lockout.events"},
		{&m.credentialCache, "upstream.credential.cache"},
		{&m.breakerTransitions, "breaker.transitions"},
		{&m.telemetryNormalized, "telemetry.normalizations"},
		{&m.storeOperations, "store.operations"},
	}
	for _, c := range counters {
		*c.dst, err = meter.Int64Counter(c.name)
		if err != nil {
			return nil, fmt.Errorf("create counter %s: %w", c.name, err)
		}
	}
	return &m, nil
}

func current() *AppMetrics {
	metricsMu.RLock()
	defer metricsMu.RUnlock()
	return appMetrics
}

func RecordAuthLogin(ctx context.Context, status string) {
	if m := current(); m != nil {
		m.authLoginCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
	}
}

func RecordAuthRefresh(ctx context.Context, status string) {
	if m := current(); m != nil {
		m.authRefreshCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
	}
}

func RecordAuthLogout(ctx context.Context, status string) {
	if m := current(); m != nil {
		m.authLogoutCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
	}
}

func RecordTokenVerification(ctx context.Context, tokenType, result string) {
	if m := current(); m != nil {
		m.tokenVerifyCounter.Add(ctx, 1, metric.WithAttributes(
			attribute.String("token_type", tokenType),
			attribute.String("result", result),
		))
	}
}

func RecordRateLimitDecision(ctx context.Context, scope, result string) {
	if m := current(); m != nil {
		m.rateLimitCounter.Add(ctx, 1, metric.WithAttributes(
			attribute.String("scope", scope),
			attribute.String("result", result),
		))
	}
}

func RecordLockoutEvent(ctx context.Context, event string) {
	if m := current(); m != nil {
		m.lockoutCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("event", event)))
	}
}

func RecordCredentialCache(ctx context.Context, result string) {
	if m := current(); m != nil {
		m.credentialCache.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
	}
}

func RecordBreakerTransition(ctx context.Context, dependency, from, to string) {
	if m := current(); m != nil {
		m.breakerTransitions.Add(ctx, 1, metric.WithAttributes(
			attribute.String("dependency", dependency),
			attribute.String("from", from),
			attribute.String("to", to),
		))
	}
}

func RecordTelemetryNormalization(ctx context.Context, result string) {
	if m := current(); m != nil {
		m.telemetryNormalized.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
	}
}

func RecordStoreOperation(ctx context.Context, backend, op, result string) {
	if m := current(); m != nil {
		m.storeOperations.Add(ctx, 1, metric.WithAttributes(
			attribute.String("backend", backend),
			attribute.String("operation", op),
			attribute.String("result", result),
		))
	}
}
