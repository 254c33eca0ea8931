// Package ratelimit holds the two per-subject counters that guard the login
// path: a fixed-window request limiter and a consecutive-failure lockout.
// Both keep their state in the shared store and mutate it atomically.
package ratelimit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/sandeepkv93/vehicle-telemetry-bridge/internal/kv"
)

type Decision struct {
	Allowed    bool
	Limit      int
	Remaining  int
	RetryAfter time.Duration
	ResetAt    time.Time
}

type Policy struct {
	Limit  int
	Window time.Duration
}

func DefaultPolicy() Policy {
	return Policy{Limit: 100, Window: time.Hour}
}

// Limiter is satisfied by FixedWindowLimiter and by test doubles.
type Limiter interface {
	Allow(ctx context.Context, subject string) (Decision, error)
}

type rateCounter struct {
	WindowStart time.Time `json:"window_start"`
	Count       int       `json:"count"`
}

type FixedWindowLimiter struct {
	store  kv.Store
	policy Policy
	now    func() time.Time
}

func NewFixedWindowLimiter(store kv.Store, policy Policy) *FixedWindowLimiter {
	if policy.Limit <= 0 {
		policy.Limit = DefaultPolicy().Limit
	}
	if policy.Window <= 0 {
		policy.Window = DefaultPolicy().Window
	}
	return &FixedWindowLimiter{store: store, policy: policy, now: time.Now}
}

func (l *FixedWindowLimiter) WithClock(now func() time.Time) *FixedWindowLimiter {
	l.now = now
	return l
}

func (l *FixedWindowLimiter) Policy() Policy { return l.policy }

// Allow counts one request for subject. Denied requests are not counted, so
// a client hammering a closed window does not push its reset further out.
func (l *FixedWindowLimiter) Allow(ctx context.Context, subject string) (Decision, error) {
	var d Decision
	err := l.store.Update(ctx, "rate:"+subject, func(raw []byte, found bool) (kv.Mutation, error) {
		now := l.now()
		var c rateCounter
		if found {
			if err := json.Unmarshal(raw, &c); err != nil {
				// Unreadable counters restart rather than lock the subject out.
				c = rateCounter{}
			}
		}
		windowEnd := c.WindowStart.Add(l.policy.Window)
		if c.WindowStart.IsZero() || !now.Before(windowEnd) {
			c = rateCounter{WindowStart: now}
			windowEnd = now.Add(l.policy.Window)
		}

		d = Decision{Limit: l.policy.Limit, ResetAt: windowEnd}
		if c.Count >= l.policy.Limit {
			d.RetryAfter = windowEnd.Sub(now)
			return kv.Keep(), nil
		}
		c.Count++
		d.Allowed = true
		d.Remaining = l.policy.Limit - c.Count
		encoded, err := json.Marshal(c)
		if err != nil {
			return kv.Mutation{}, err
		}
		return kv.Put(encoded, windowEnd.Sub(now)), nil
	})
	if err != nil {
		return Decision{}, fmt.Errorf("rate limit %s: %w", subject, err)
	}
	return d, nil
}
