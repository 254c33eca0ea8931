package observability

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Upstream resilience series are scraped from the metrics listener rather
// than pushed over OTLP so they stay visible while the collector is down.
var (
	upstreamAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "upstream_attempts_total",
		Help: "Upstream call attempts by operation and classified outcome.",
	}, []string{"operation", "outcome"})
	upstreamExhausted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "upstream_retry_exhausted_total",
		Help: "Upstream operations that failed after their last permitted attempt.",
	}, []string{"operation"})
	upstreamRecovered = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "upstream_retry_recovered_total",
		Help: "Upstream operations that succeeded after at least one retry.",
	}, []string{"operation"})
	upstreamLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "upstream_operation_duration_seconds",
		Help:    "Time spent in an upstream operation including retries and backoff.",
		Buckets: prometheus.DefBuckets,
	}, []string{"operation"})
	breakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "breaker_state",
		Help: "Circuit breaker state per dependency (0 closed, 1 half-open, 2 open).",
	}, []string{"dependency"})
	breakerDenials = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "breaker_denials_total",
		Help: "Calls refused because the breaker was open.",
	}, []string{"dependency"})
)

func RecordUpstreamAttempt(operation, outcome string) {
	upstreamAttempts.WithLabelValues(operation, outcome).Inc()
}

func RecordUpstreamExhausted(operation string) {
	upstreamExhausted.WithLabelValues(operation).Inc()
}

func RecordUpstreamRecovered(operation string) {
	upstreamRecovered.WithLabelValues(operation).Inc()
}

func ObserveUpstreamDuration(operation string, d time.Duration) {
	upstreamLatency.WithLabelValues(operation).Observe(d.Seconds())
}

func SetBreakerState(dependency string, state float64) {
	breakerState.WithLabelValues(dependency).Set(state)
}

func RecordBreakerDenial(dependency string) {
	breakerDenials.WithLabelValues(dependency).Inc()
}

// BootstrapMetricsServer serves /metrics and /healthz on addr in the
// background. The caller owns shutdown of the returned server.
func BootstrapMetricsServer(addr string, health func(context.Context) error, logger *slog.Logger) *http.Server {
	ms := newMetricsServer(addr, health)
	go func() {
		logger.Info("metrics listening", "addr", addr)
		if err := ms.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server error", "error", err)
		}
	}()
	return ms
}

func newMetricsServer(addr string, health func(context.Context) error) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
		defer cancel()
		if health != nil {
			if err := health(ctx); err != nil {
				http.Error(w, "unhealthy", http.StatusServiceUnavailable)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
	})
	return &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		IdleTimeout:  30 * time.Second,
	}
}
