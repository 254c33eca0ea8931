package breaker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/sandeepkv93/vehicle-telemetry-bridge/internal/kv"
)

// ErrOpen is matched by every OpenError.
var ErrOpen = errors.New("circuit breaker open")

// OpenError is returned instead of attempting a call to a dependency whose
// circuit is open.
type OpenError struct {
	Dependency string
	RetryAfter time.Duration
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("circuit breaker open for %s (retry after %s)", e.Dependency, e.RetryAfter.Round(time.Second))
}

func (e *OpenError) Is(target error) bool { return target == ErrOpen }

// Observer is told about every state change.
type Observer func(ctx context.Context, dependency string, from, to State)

type Breaker struct {
	name       string
	store      kv.Store
	thresholds Thresholds
	now        func() time.Time
	observer   Observer
}

type Option func(*Breaker)

func WithClock(now func() time.Time) Option {
	return func(b *Breaker) { b.now = now }
}

func WithObserver(o Observer) Option {
	return func(b *Breaker) { b.observer = o }
}

func New(name string, store kv.Store, th Thresholds, opts ...Option) *Breaker {
	b := &Breaker{name: name, store: store, thresholds: th, now: time.Now}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *Breaker) Name() string { return b.name }

func (b *Breaker) key() string { return "breaker:" + b.name }

func decode(raw []byte, found bool) (Snapshot, error) {
	if !found {
		return Snapshot{State: Closed}, nil
	}
	var s Snapshot
	if err := json.Unmarshal(raw, &s); err != nil {
		return Snapshot{}, fmt.Errorf("decode breaker state: %w", err)
	}
	return s, nil
}

// transition runs fn against the stored snapshot atomically and persists the
// result without expiry.
func (b *Breaker) transition(ctx context.Context, fn func(Snapshot) Snapshot) (before, after Snapshot, err error) {
	err = b.store.Update(ctx, b.key(), func(raw []byte, found bool) (kv.Mutation, error) {
		cur, err := decode(raw, found)
		if err != nil {
			return kv.Mutation{}, err
		}
		next := fn(cur)
		before, after = cur, next
		if found && next == cur {
			return kv.Keep(), nil
		}
		encoded, err := json.Marshal(next)
		if err != nil {
			return kv.Mutation{}, err
		}
		return kv.Put(encoded, 0), nil
	})
	if err != nil {
		return Snapshot{}, Snapshot{}, err
	}
	if before.State != after.State && b.observer != nil {
		b.observer(ctx, b.name, before.State, after.State)
	}
	return before, after, nil
}

// Allow asks whether an attempt may be made now. A denial is reported as an
// *OpenError.
func (b *Breaker) Allow(ctx context.Context) (Decision, error) {
	var d Decision
	_, _, err := b.transition(ctx, func(s Snapshot) Snapshot {
		next, dec := s.Allow(b.now(), b.thresholds)
		d = dec
		return next
	})
	if err != nil {
		return Decision{}, err
	}
	if !d.Allowed {
		return d, &OpenError{Dependency: b.name, RetryAfter: d.RetryAfter}
	}
	return d, nil
}

func (b *Breaker) RecordSuccess(ctx context.Context) error {
	_, _, err := b.transition(ctx, func(s Snapshot) Snapshot { return s.Success(b.thresholds) })
	return err
}

func (b *Breaker) RecordFailure(ctx context.Context) error {
	_, _, err := b.transition(ctx, func(s Snapshot) Snapshot { return s.Failure(b.now(), b.thresholds) })
	return err
}

// Snapshot reads the current state without changing it.
func (b *Breaker) Snapshot(ctx context.Context) (Snapshot, error) {
	raw, err := b.store.Get(ctx, b.key())
	if errors.Is(err, kv.ErrNotFound) {
		return decode(nil, false)
	}
	if err != nil {
		return Snapshot{}, err
	}
	return decode(raw, true)
}
