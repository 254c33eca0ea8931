// Package breaker is a three-state circuit breaker whose state lives in the
// shared store, one entry per dependency, so every handler and every
// instance sees the same circuit.
//
// The state machine itself is a set of pure transition functions on
// Snapshot; Breaker only loads, transitions and stores atomically.
package breaker

import "time"

type State uint8

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

type Thresholds struct {
	FailureThreshold int
	OpenTimeout      time.Duration
	SuccessThreshold int
}

func DefaultThresholds() Thresholds {
	return Thresholds{FailureThreshold: 5, OpenTimeout: 60 * time.Second, SuccessThreshold: 2}
}

// Snapshot is the persisted breaker state.
type Snapshot struct {
	State                State     `json:"state"`
	ConsecutiveFailures  int       `json:"consecutive_failures"`
	ConsecutiveSuccesses int       `json:"consecutive_successes"`
	OpenedAt             time.Time `json:"opened_at,omitempty"`
	// ProbeStartedAt marks the half-open probe in flight. A probe older than
	// OpenTimeout is treated as abandoned.
	ProbeStartedAt time.Time `json:"probe_started_at,omitempty"`
}

// Decision answers "may I attempt".
type Decision struct {
	Allowed    bool
	RetryAfter time.Duration
	// Probe is set when the caller was admitted as the half-open probe.
	Probe bool
}

// Allow decides whether an attempt may proceed at now and returns the state
// to persist.
func (s Snapshot) Allow(now time.Time, th Thresholds) (Snapshot, Decision) {
	switch s.State {
	case Closed:
		return s, Decision{Allowed: true}
	case Open:
		elapsed := now.Sub(s.OpenedAt)
		if elapsed < th.OpenTimeout {
			return s, Decision{RetryAfter: th.OpenTimeout - elapsed}
		}
		next := s
		next.State = HalfOpen
		next.ConsecutiveSuccesses = 0
		next.ProbeStartedAt = now
		return next, Decision{Allowed: true, Probe: true}
	case HalfOpen:
		if !s.ProbeStartedAt.IsZero() && now.Sub(s.ProbeStartedAt) < th.OpenTimeout {
			return s, Decision{RetryAfter: th.OpenTimeout - now.Sub(s.ProbeStartedAt)}
		}
		next := s
		next.ProbeStartedAt = now
		return next, Decision{Allowed: true, Probe: true}
	default:
		return Snapshot{}, Decision{Allowed: true}
	}
}

// Success records a successful attempt.
func (s Snapshot) Success(th Thresholds) Snapshot {
	switch s.State {
	case Closed:
		s.ConsecutiveFailures = 0
		return s
	case Open:
		// A straggler that started before the trip; the circuit stays open.
		return s
	case HalfOpen:
		s.ConsecutiveSuccesses++
		s.ProbeStartedAt = time.Time{}
		if s.ConsecutiveSuccesses >= th.SuccessThreshold {
			return Snapshot{State: Closed}
		}
		return s
	default:
		return Snapshot{}
	}
}

// Failure records a failed attempt at now.
func (s Snapshot) Failure(now time.Time, th Thresholds) Snapshot {
	switch s.State {
	case Closed:
		s.ConsecutiveFailures++
		if s.ConsecutiveFailures >= th.FailureThreshold {
			return Snapshot{State: Open, ConsecutiveFailures: s.ConsecutiveFailures, OpenedAt: now}
		}
		return s
	case Open:
		s.ConsecutiveFailures++
		return s
	case HalfOpen:
		return Snapshot{State: Open, ConsecutiveFailures: s.ConsecutiveFailures + 1, OpenedAt: now}
	default:
		return Snapshot{State: Open, OpenedAt: now}
	}
}
