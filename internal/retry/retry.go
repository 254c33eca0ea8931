// Package retry decides whether a failed upstream attempt is worth repeating
// and how long to wait first. Everything here except Wait is a pure function;
// the caller owns the loop.
package retry

import (
	"context"
	"errors"
	"math"
	"time"
)

// Outcome is the classified result of one attempt.
type Outcome int

const (
	OutcomeSuccess Outcome = iota
	// OutcomeClientError is a 4xx other than 429.
	OutcomeClientError
	// OutcomeRateLimited is a 429.
	OutcomeRateLimited
	// OutcomeServerError is a 5xx.
	OutcomeServerError
	OutcomeNetwork
	OutcomeTimeout
	// OutcomeBreakerOpen means the attempt was never made.
	OutcomeBreakerOpen
	// OutcomeCanceled means the caller gave up.
	OutcomeCanceled
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeClientError:
		return "client_error"
	case OutcomeRateLimited:
		return "rate_limited"
	case OutcomeServerError:
		return "server_error"
	case OutcomeNetwork:
		return "network"
	case OutcomeTimeout:
		return "timeout"
	case OutcomeBreakerOpen:
		return "breaker_open"
	case OutcomeCanceled:
		return "canceled"
	default:
		return "unknown"
	}
}

// Transient reports whether the outcome says something about the upstream's
// health, as opposed to the request or the caller.
func (o Outcome) Transient() bool {
	switch o {
	case OutcomeRateLimited, OutcomeServerError, OutcomeNetwork, OutcomeTimeout:
		return true
	default:
		return false
	}
}

type Policy struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
}

func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:  3,
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     10 * time.Second,
		Multiplier:   2.0,
	}
}

var ErrInvalidPolicy = errors.New("invalid retry policy")

func (p Policy) Validate() error {
	if p.MaxAttempts < 1 || p.InitialDelay <= 0 || p.MaxDelay < p.InitialDelay || p.Multiplier < 1 {
		return ErrInvalidPolicy
	}
	return nil
}

// Backoff returns the delay to wait after the given 1-based attempt:
// min(InitialDelay * Multiplier^(attempt-1), MaxDelay). Attempts below 1
// wait nothing.
func (p Policy) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		return 0
	}
	d := float64(p.InitialDelay) * math.Pow(p.Multiplier, float64(attempt-1))
	if math.IsInf(d, 0) || math.IsNaN(d) || d >= float64(p.MaxDelay) {
		return p.MaxDelay
	}
	return time.Duration(d)
}

// ShouldRetry reports whether another attempt should follow attempt.
func ShouldRetry(outcome Outcome, attempt, maxAttempts int) bool {
	if attempt >= maxAttempts {
		return false
	}
	return outcome.Transient()
}

// IsRetryableStatus classifies an HTTP status code on its own.
func IsRetryableStatus(code int) bool {
	return ClassifyStatus(code).Transient()
}

// ClassifyStatus maps an HTTP status code to an outcome.
func ClassifyStatus(code int) Outcome {
	switch {
	case code == 429:
		return OutcomeRateLimited
	case code >= 500:
		return OutcomeServerError
	case code >= 400:
		return OutcomeClientError
	default:
		return OutcomeSuccess
	}
}

// Wait blocks the calling goroutine for d or until ctx is done.
func Wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
