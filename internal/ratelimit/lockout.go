package ratelimit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/sandeepkv93/vehicle-telemetry-bridge/internal/kv"
)

type LockoutPolicy struct {
	Threshold int
	Duration  time.Duration
}

func DefaultLockoutPolicy() LockoutPolicy {
	return LockoutPolicy{Threshold: 5, Duration: 15 * time.Minute}
}

type Status struct {
	Locked      bool
	Failures    int
	LockedUntil time.Time
	RetryAfter  time.Duration
}

type lockoutState struct {
	ConsecutiveFailures int       `json:"consecutive_failures"`
	LockedUntil         time.Time `json:"locked_until"`
}

// LockoutTracker counts consecutive failed logins per subject. The entry's
// TTL is the lockout duration, refreshed on every failure, so a subject that
// stops failing is forgotten and a served lockout clears itself.
type LockoutTracker struct {
	store  kv.Store
	policy LockoutPolicy
	now    func() time.Time
}

func NewLockoutTracker(store kv.Store, policy LockoutPolicy) *LockoutTracker {
	if policy.Threshold <= 0 {
		policy.Threshold = DefaultLockoutPolicy().Threshold
	}
	if policy.Duration <= 0 {
		policy.Duration = DefaultLockoutPolicy().Duration
	}
	return &LockoutTracker{store: store, policy: policy, now: time.Now}
}

func (t *LockoutTracker) WithClock(now func() time.Time) *LockoutTracker {
	t.now = now
	return t
}

func lockoutKey(subject string) string { return "lockout:" + subject }

func (t *LockoutTracker) status(s lockoutState, now time.Time) Status {
	st := Status{Failures: s.ConsecutiveFailures, LockedUntil: s.LockedUntil}
	if now.Before(s.LockedUntil) {
		st.Locked = true
		st.RetryAfter = s.LockedUntil.Sub(now)
	}
	return st
}

func (t *LockoutTracker) Check(ctx context.Context, subject string) (Status, error) {
	raw, err := t.store.Get(ctx, lockoutKey(subject))
	if errors.Is(err, kv.ErrNotFound) {
		return Status{}, nil
	}
	if err != nil {
		return Status{}, fmt.Errorf("lockout check: %w", err)
	}
	var s lockoutState
	if err := json.Unmarshal(raw, &s); err != nil {
		return Status{}, nil
	}
	return t.status(s, t.now()), nil
}

// RegisterFailure records one failed login and reports the resulting status.
// Failures arriving while already locked do not extend the lock.
func (t *LockoutTracker) RegisterFailure(ctx context.Context, subject string) (Status, error) {
	var st Status
	err := t.store.Update(ctx, lockoutKey(subject), func(raw []byte, found bool) (kv.Mutation, error) {
		now := t.now()
		var s lockoutState
		if found {
			_ = json.Unmarshal(raw, &s)
		}
		if now.Before(s.LockedUntil) {
			st = t.status(s, now)
			return kv.Keep(), nil
		}
		s.ConsecutiveFailures++
		if s.ConsecutiveFailures >= t.policy.Threshold {
			s.LockedUntil = now.Add(t.policy.Duration)
		}
		st = t.status(s, now)
		encoded, err := json.Marshal(s)
		if err != nil {
			return kv.Mutation{}, err
		}
		return kv.Put(encoded, t.policy.Duration), nil
	})
	if err != nil {
		return Status{}, fmt.Errorf("lockout register failure: %w", err)
	}
	return st, nil
}

// Reset clears the failure count after a successful login.
func (t *LockoutTracker) Reset(ctx context.Context, subject string) error {
	if err := t.store.Delete(ctx, lockoutKey(subject)); err != nil {
		return fmt.Errorf("lockout reset: %w", err)
	}
	return nil
}
