// Package kv is the shared key-value store every stateful component of the
// bridge keeps its state in: revocations, cached upstream credentials,
// rate and lockout counters, and circuit breaker state.
//
// All backends give the same guarantees. Entries expire after their TTL
// (a TTL <= 0 stores the entry without expiry) and Update is an atomic
// read-modify-write on a single key.
package kv

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned by Get and TTL when the key is absent or expired.
	ErrNotFound = errors.New("kv: key not found")
	// ErrConflict is returned by Update when the key kept changing underneath
	// it for longer than the backend's retry budget.
	ErrConflict = errors.New("kv: update conflict")
)

// Mutation is what an UpdateFunc wants written back.
type Mutation struct {
	Value  []byte
	TTL    time.Duration
	Delete bool
	// Keep leaves the stored entry untouched.
	Keep bool
}

// UpdateFunc receives the current value of a key and returns the mutation to
// apply. It may run more than once for a single Update call when a backend
// retries after a conflicting write, so it must not have side effects beyond
// the variables it assigns.
type UpdateFunc func(current []byte, found bool) (Mutation, error)

// Store is the contract shared by the memory, Redis and SQL backends.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// SetNX stores value only when key is absent and reports whether it did.
	SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)
	Delete(ctx context.Context, keys ...string) error
	Update(ctx context.Context, key string, fn UpdateFunc) error
	// TTL returns the remaining lifetime of key, or 0 when it never expires.
	TTL(ctx context.Context, key string) (time.Duration, error)
	Ping(ctx context.Context) error
	Close() error
}

// Sweeper is implemented by backends that cannot expire entries on their own
// and need expired rows purged periodically.
type Sweeper interface {
	Sweep(ctx context.Context) (int64, error)
}

// Keep is the Mutation for "leave it as it is".
func Keep() Mutation { return Mutation{Keep: true} }

// Put is the Mutation that writes value with ttl.
func Put(value []byte, ttl time.Duration) Mutation { return Mutation{Value: value, TTL: ttl} }

// Remove is the Mutation that deletes the key.
func Remove() Mutation { return Mutation{Delete: true} }
