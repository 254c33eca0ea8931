package upstream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"time"

	"github.com/sandeepkv93/vehicle-telemetry-bridge/internal/breaker"
	"github.com/sandeepkv93/vehicle-telemetry-bridge/internal/observability"
	"github.com/sandeepkv93/vehicle-telemetry-bridge/internal/retry"
)

// ExhaustedError is returned when every allowed attempt failed transiently.
type ExhaustedError struct {
	Operation string
	Attempts  int
	Err       error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("upstream %s failed after %d attempts: %v", e.Operation, e.Attempts, e.Err)
}

func (e *ExhaustedError) Unwrap() error { return e.Err }

// Classify maps the error of one attempt to a retry outcome.
func Classify(err error) retry.Outcome {
	if err == nil {
		return retry.OutcomeSuccess
	}
	if errors.Is(err, breaker.ErrOpen) {
		return retry.OutcomeBreakerOpen
	}
	if errors.Is(err, context.Canceled) {
		return retry.OutcomeCanceled
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return retry.OutcomeTimeout
	}
	var se *StatusError
	if errors.As(err, &se) {
		return retry.ClassifyStatus(se.Code)
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return retry.OutcomeTimeout
	}
	var ue *url.Error
	if errors.As(err, &ue) || ne != nil {
		return retry.OutcomeNetwork
	}
	// Decoding and request-building failures will not improve on retry.
	return retry.OutcomeClientError
}

// Guard runs upstream operations behind a circuit breaker with retries.
type Guard struct {
	breaker *breaker.Breaker
	policy  retry.Policy
	logger  *slog.Logger
	wait    func(context.Context, time.Duration) error
}

func NewGuard(b *breaker.Breaker, policy retry.Policy, logger *slog.Logger) *Guard {
	if logger == nil {
		logger = slog.Default()
	}
	return &Guard{breaker: b, policy: policy, logger: logger, wait: retry.Wait}
}

func (g *Guard) Dependency() string { return g.breaker.Name() }

// Execute calls fn until it succeeds, fails permanently, runs out of
// attempts, or the breaker refuses. Only transient outcomes count against
// the breaker; a request the upstream rejected as malformed still proves the
// upstream is up. Attempts abandoned by the caller are not recorded.
func (g *Guard) Execute(ctx context.Context, operation string, fn func(context.Context) error) error {
	start := time.Now()
	defer func() { observability.ObserveUpstreamDuration(operation, time.Since(start)) }()

	for attempt := 1; ; attempt++ {
		if _, err := g.breaker.Allow(ctx); err != nil {
			if errors.Is(err, breaker.ErrOpen) {
				observability.RecordBreakerDenial(g.breaker.Name())
				observability.RecordUpstreamAttempt(operation, retry.OutcomeBreakerOpen.String())
				return err
			}
			return fmt.Errorf("breaker %s: %w", g.breaker.Name(), err)
		}

		err := fn(ctx)
		outcome := Classify(err)
		if err != nil && ctx.Err() != nil {
			outcome = retry.OutcomeCanceled
		}
		observability.RecordUpstreamAttempt(operation, outcome.String())
		g.record(ctx, outcome)

		if err == nil {
			if attempt > 1 {
				observability.RecordUpstreamRecovered(operation)
			}
			return nil
		}
		if !retry.ShouldRetry(outcome, attempt, g.policy.MaxAttempts) {
			if outcome.Transient() {
				observability.RecordUpstreamExhausted(operation)
				return &ExhaustedError{Operation: operation, Attempts: attempt, Err: err}
			}
			return err
		}

		delay := g.policy.Backoff(attempt)
		g.logger.DebugContext(ctx, "retrying upstream call",
			"operation", operation,
			"attempt", attempt,
			"outcome", outcome.String(),
			"delay", delay,
		)
		if werr := g.wait(ctx, delay); werr != nil {
			return fmt.Errorf("upstream %s abandoned after %d attempts: %w", operation, attempt, errors.Join(werr, err))
		}
	}
}

func (g *Guard) record(ctx context.Context, outcome retry.Outcome) {
	var err error
	switch {
	case outcome == retry.OutcomeCanceled:
		return
	case outcome.Transient():
		err = g.breaker.RecordFailure(ctx)
	default:
		err = g.breaker.RecordSuccess(ctx)
	}
	if err != nil {
		g.logger.WarnContext(ctx, "breaker outcome not recorded",
			"dependency", g.breaker.Name(),
			"outcome", outcome.String(),
			"error", err,
		)
	}
}
