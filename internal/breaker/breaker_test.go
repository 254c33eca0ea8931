package breaker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/sandeepkv93/vehicle-telemetry-bridge/internal/kv"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newRedisBackedBreaker(t *testing.T, clock *fakeClock) *Breaker {
	t.Helper()
	server := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: server.Addr()})
	t.Cleanup(func() {
		_ = client.Close()
		server.Close()
	})
	return New("upstream-data", kv.NewRedisStore(client, "test"), DefaultThresholds(), WithClock(clock.Now))
}

func TestSnapshotTransitions(t *testing.T) {
	th := DefaultThresholds()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	s := Snapshot{}

	for i := 0; i < th.FailureThreshold-1; i++ {
		s = s.Failure(now, th)
		if s.State != Closed {
			t.Fatalf("tripped after %d failures", i+1)
		}
	}
	s = s.Success(th)
	if s.ConsecutiveFailures != 0 {
		t.Fatalf("success in closed state must reset failures, got %d", s.ConsecutiveFailures)
	}

	for i := 0; i < th.FailureThreshold; i++ {
		s = s.Failure(now, th)
	}
	if s.State != Open || !s.OpenedAt.Equal(now) {
		t.Fatalf("expected open at %s, got %+v", now, s)
	}

	s, d := s.Allow(now.Add(30*time.Second), th)
	if d.Allowed || d.RetryAfter != 30*time.Second {
		t.Fatalf("expected denial with 30s retry-after, got %+v", d)
	}

	s, d = s.Allow(now.Add(th.OpenTimeout), th)
	if !d.Allowed || !d.Probe || s.State != HalfOpen {
		t.Fatalf("expected probe admission into half-open, got %+v state=%s", d, s.State)
	}
	if _, d2 := s.Allow(now.Add(th.OpenTimeout+time.Second), th); d2.Allowed {
		t.Fatal("second concurrent probe must be denied")
	}

	s = s.Success(th)
	if s.State != HalfOpen || s.ConsecutiveSuccesses != 1 {
		t.Fatalf("expected one success in half-open, got %+v", s)
	}
	s, d = s.Allow(now.Add(th.OpenTimeout+2*time.Second), th)
	if !d.Allowed {
		t.Fatal("next probe must be admitted once the previous one reported")
	}
	s = s.Success(th)
	if s != (Snapshot{State: Closed}) {
		t.Fatalf("expected full reset to closed, got %+v", s)
	}
}

func TestSnapshotHalfOpenFailureReopens(t *testing.T) {
	th := DefaultThresholds()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	s := Snapshot{State: HalfOpen, ConsecutiveSuccesses: 1, OpenedAt: now.Add(-2 * time.Minute)}

	s = s.Failure(now, th)
	if s.State != Open || !s.OpenedAt.Equal(now) || s.ConsecutiveSuccesses != 0 {
		t.Fatalf("expected reopen with reset opened_at and successes, got %+v", s)
	}
}

func TestSnapshotAbandonedProbeExpires(t *testing.T) {
	th := DefaultThresholds()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	s := Snapshot{State: HalfOpen, ProbeStartedAt: now}

	if _, d := s.Allow(now.Add(th.OpenTimeout-time.Second), th); d.Allowed {
		t.Fatal("probe still in flight must block others")
	}
	if _, d := s.Allow(now.Add(th.OpenTimeout), th); !d.Allowed {
		t.Fatal("abandoned probe must not wedge the breaker")
	}
}

func TestBreakerTripsAndRecoversThroughStore(t *testing.T) {
	clock := newFakeClock()
	b := newRedisBackedBreaker(t, clock)
	ctx := context.Background()

	var transitions []string
	b.observer = func(_ context.Context, _ string, from, to State) {
		transitions = append(transitions, from.String()+"->"+to.String())
	}

	for i := 0; i < 5; i++ {
		if _, err := b.Allow(ctx); err != nil {
			t.Fatalf("attempt %d should be allowed: %v", i+1, err)
		}
		if err := b.RecordFailure(ctx); err != nil {
			t.Fatalf("record failure: %v", err)
		}
	}

	_, err := b.Allow(ctx)
	var openErr *OpenError
	if !errors.As(err, &openErr) || !errors.Is(err, ErrOpen) {
		t.Fatalf("expected breaker open error, got %v", err)
	}
	if openErr.RetryAfter != 60*time.Second || openErr.Dependency != "upstream-data" {
		t.Fatalf("unexpected open error %+v", openErr)
	}

	clock.Advance(60 * time.Second)
	admitted := 0
	for i := 0; i < 3; i++ {
		if d, err := b.Allow(ctx); err == nil && d.Probe {
			admitted++
		}
	}
	if admitted != 1 {
		t.Fatalf("expected exactly one probe after timeout, got %d", admitted)
	}

	if err := b.RecordSuccess(ctx); err != nil {
		t.Fatalf("record success: %v", err)
	}
	if _, err := b.Allow(ctx); err != nil {
		t.Fatalf("second probe: %v", err)
	}
	if err := b.RecordSuccess(ctx); err != nil {
		t.Fatalf("record success: %v", err)
	}

	snap, err := b.Snapshot(ctx)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if snap.State != Closed || snap.ConsecutiveFailures != 0 || snap.ConsecutiveSuccesses != 0 {
		t.Fatalf("expected clean closed state, got %+v", snap)
	}
	want := []string{"closed->open", "open->half_open", "half_open->closed"}
	if len(transitions) != len(want) {
		t.Fatalf("transitions=%v want %v", transitions, want)
	}
	for i := range want {
		if transitions[i] != want[i] {
			t.Fatalf("transitions=%v want %v", transitions, want)
		}
	}
}

func TestBreakerHalfOpenFailureReopensThroughStore(t *testing.T) {
	clock := newFakeClock()
	b := newRedisBackedBreaker(t, clock)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_ = b.RecordFailure(ctx)
	}
	clock.Advance(time.Minute)
	if _, err := b.Allow(ctx); err != nil {
		t.Fatalf("probe: %v", err)
	}
	if err := b.RecordFailure(ctx); err != nil {
		t.Fatalf("record failure: %v", err)
	}
	if _, err := b.Allow(ctx); !errors.Is(err, ErrOpen) {
		t.Fatalf("expected immediate reopen, got %v", err)
	}
	snap, _ := b.Snapshot(ctx)
	if !snap.OpenedAt.Equal(clock.Now()) {
		t.Fatalf("expected opened_at reset to %s, got %s", clock.Now(), snap.OpenedAt)
	}
}

func TestBreakerConcurrentFailuresAreNotUndercounted(t *testing.T) {
	clock := newFakeClock()
	store := kv.NewMemoryStore()
	b := New("upstream-auth", store, Thresholds{FailureThreshold: 50, OpenTimeout: time.Minute, SuccessThreshold: 2}, WithClock(clock.Now))
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 49; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := b.RecordFailure(ctx); err != nil {
				t.Errorf("record failure: %v", err)
			}
		}()
	}
	wg.Wait()

	snap, err := b.Snapshot(ctx)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if snap.State != Closed || snap.ConsecutiveFailures != 49 {
		t.Fatalf("expected 49 counted failures while closed, got %+v", snap)
	}
	_ = b.RecordFailure(ctx)
	if _, err := b.Allow(ctx); !errors.Is(err, ErrOpen) {
		t.Fatalf("expected 50th failure to trip, got %v", err)
	}
}

func TestBreakersAreIsolatedPerDependency(t *testing.T) {
	store := kv.NewMemoryStore()
	auth := New("upstream-auth", store, DefaultThresholds())
	data := New("upstream-data", store, DefaultThresholds())
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_ = auth.RecordFailure(ctx)
	}
	if _, err := auth.Allow(ctx); !errors.Is(err, ErrOpen) {
		t.Fatalf("expected auth breaker open, got %v", err)
	}
	if _, err := data.Allow(ctx); err != nil {
		t.Fatalf("data breaker must be unaffected: %v", err)
	}
}
