package config

import (
	"context"
	"errors"
	"strings"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Load stages reported on LoadError and as the error_class metric attribute.
const (
	StageEnvFile    = "env_file"
	StageConfigFile = "config_file"
	StageParse      = "parse"
	StageValidate   = "validation"
)

// LoadError tags a Load failure with the stage that produced it. Its message
// is the wrapped error's, so callers printing it see the offending variable.
type LoadError struct {
	Stage string
	Err   error
}

func (e *LoadError) Error() string { return e.Err.Error() }

func (e *LoadError) Unwrap() error { return e.Err }

var (
	loadMetricsOnce sync.Once
	loadCounter     metric.Int64Counter
)

// recordConfigLoadEvent uses the global meter provider. Load runs before the
// OTLP pipeline exists, so the event only reaches an exporter on reloads.
func recordConfigLoadEvent(ctx context.Context, profile, outcome, errorClass string) {
	loadMetricsOnce.Do(func() {
		counter, err := otel.Meter("vehicle-telemetry-bridge/config").Int64Counter(
			"config.load.events",
			metric.WithDescription("Configuration load attempts by profile and failing stage"),
		)
		if err == nil {
			loadCounter = counter
		}
	})
	if loadCounter == nil {
		return
	}
	loadCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("profile", normalizeConfigProfile(profile)),
		attribute.String("outcome", outcome),
		attribute.String("error_class", errorClass),
	))
}

func normalizeConfigProfile(profile string) string {
	v := strings.ToLower(strings.TrimSpace(profile))
	if v == "" {
		return "unknown"
	}
	return v
}

func classifyConfigLoadError(err error) string {
	if err == nil {
		return "none"
	}
	var le *LoadError
	if errors.As(err, &le) && le.Stage != "" {
		return le.Stage
	}
	return "load"
}
