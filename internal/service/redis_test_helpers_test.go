package service

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"golang.org/x/crypto/bcrypt"

	"github.com/sandeepkv93/vehicle-telemetry-bridge/internal/breaker"
	"github.com/sandeepkv93/vehicle-telemetry-bridge/internal/domain"
	"github.com/sandeepkv93/vehicle-telemetry-bridge/internal/kv"
	"github.com/sandeepkv93/vehicle-telemetry-bridge/internal/ratelimit"
	"github.com/sandeepkv93/vehicle-telemetry-bridge/internal/retry"
	"github.com/sandeepkv93/vehicle-telemetry-bridge/internal/security"
	"github.com/sandeepkv93/vehicle-telemetry-bridge/internal/upstream"
)

const (
	testSigningKey   = "svc-test-signing-key-0123456789abcdef012345"
	testHashKey      = "svc-test-hash-key-0123456789abcdef0123456789"
	testUsername     = "driver@example.com"
	testPassword     = "correct-horse"
	testStatusJSON   = `{"payload":{"vehicleInfo":{"chargeInfo":{"chargeRemainingAmount":72,"chargingStatus":"NOT_CHARGING","evRange":310.5},"lastUpdateTimestamp":"2026-02-01T09:30:00Z"}}}`
	unknownVIN       = "VIN404"
	testLocationJSON = `{"payload":{"vehicleInfo":{"location":{"lat":52.52,"lon":13.405}}}}`
)

func newRedisClientForTest(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()

	server := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: server.Addr()})
	t.Cleanup(func() {
		_ = client.Close()
		server.Close()
	})
	return server, client
}

// stubUpstream stands in for the vehicle API and counts every call.
type stubUpstream struct {
	password      string
	loginDelay    time.Duration
	loginStatus   atomic.Int64
	statusCode    atomic.Int64
	refreshToken  string
	logins        atomic.Int64
	refreshes     atomic.Int64
	statusCalls   atomic.Int64
	mu            sync.Mutex
	accessVersion int
}

func newStubUpstream() *stubUpstream {
	return &stubUpstream{password: testPassword}
}

func (s *stubUpstream) PasswordLogin(ctx context.Context, _ string, password string) (domain.UpstreamCredential, error) {
	s.logins.Add(1)
	if s.loginDelay > 0 {
		select {
		case <-time.After(s.loginDelay):
		case <-ctx.Done():
			return domain.UpstreamCredential{}, ctx.Err()
		}
	}
	if code := s.loginStatus.Load(); code != 0 {
		return domain.UpstreamCredential{}, &upstream.StatusError{Endpoint: upstream.EndpointToken, Code: int(code)}
	}
	if password != s.password {
		return domain.UpstreamCredential{}, &upstream.StatusError{Endpoint: upstream.EndpointToken, Code: http.StatusUnauthorized}
	}
	return s.issue(), nil
}

func (s *stubUpstream) Refresh(_ context.Context, refreshToken string) (domain.UpstreamCredential, error) {
	s.refreshes.Add(1)
	if refreshToken != s.refreshToken || refreshToken == "" {
		return domain.UpstreamCredential{}, &upstream.StatusError{Endpoint: upstream.EndpointToken, Code: http.StatusBadRequest}
	}
	s.statusCode.Store(0)
	return s.issue(), nil
}

func (s *stubUpstream) issue() domain.UpstreamCredential {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accessVersion++
	now := time.Now()
	return domain.UpstreamCredential{
		AccessToken:  "up-access-" + strconv.Itoa(s.accessVersion),
		RefreshToken: s.refreshToken,
		TokenType:    "Bearer",
		ObtainedAt:   now,
		ExpiresAt:    now.Add(2 * time.Hour),
	}
}

func (s *stubUpstream) Vehicles(context.Context, string) ([]domain.Vehicle, error) {
	return []domain.Vehicle{{VIN: "VIN123", ModelName: "bZ4X"}}, nil
}

func (s *stubUpstream) Status(_ context.Context, _ string, vin string) ([]byte, error) {
	s.statusCalls.Add(1)
	if vin == unknownVIN {
		return nil, &upstream.StatusError{Endpoint: upstream.EndpointStatus, Code: http.StatusNotFound}
	}
	if code := s.statusCode.Load(); code != 0 {
		return nil, &upstream.StatusError{Endpoint: upstream.EndpointStatus, Code: int(code)}
	}
	return []byte(testStatusJSON), nil
}

func (s *stubUpstream) Location(context.Context, string, string) ([]byte, error) {
	return []byte(testLocationJSON), nil
}

func (s *stubUpstream) Telemetry(context.Context, string, string) ([]byte, error) {
	return nil, &upstream.StatusError{Endpoint: upstream.EndpointTelemetry, Code: http.StatusNotFound}
}

type testHarness struct {
	server  *miniredis.Miniredis
	store   kv.Store
	stub    *stubUpstream
	jwt     *security.JWTManager
	hasher  *security.SubjectHasher
	lockout *ratelimit.LockoutTracker
	cache   *UpstreamTokenCache
	svc     *AuthService
	authBrk *breaker.Breaker
}

type harnessOptions struct {
	rateLimit int
	wrapStore func(kv.Store) kv.Store
	logger    *slog.Logger
}

func newTestHarness(t *testing.T, stub *stubUpstream, opts harnessOptions) *testHarness {
	t.Helper()
	server, client := newRedisClientForTest(t)
	var store kv.Store = kv.NewRedisStore(client, "test")
	if opts.wrapStore != nil {
		store = opts.wrapStore(store)
	}

	hasher, err := security.NewSubjectHasher(testHashKey)
	if err != nil {
		t.Fatalf("hasher: %v", err)
	}
	policy := retry.Policy{MaxAttempts: 3, InitialDelay: time.Millisecond, MaxDelay: 4 * time.Millisecond, Multiplier: 2}
	authBrk := breaker.New("upstream-auth", store, breaker.DefaultThresholds())
	dataBrk := breaker.New("upstream-data", store, breaker.DefaultThresholds())

	jwtMgr := security.NewJWTManager("bridge-test", "bridge-clients", testSigningKey)
	tokens := NewTokenService(jwtMgr, NewRevocationStore(store), 15*time.Minute, 7*24*time.Hour)
	lockout := ratelimit.NewLockoutTracker(store, ratelimit.DefaultLockoutPolicy())
	cache := NewUpstreamTokenCache(store, hasher, stub, upstream.NewGuard(authBrk, policy, nil), UpstreamCacheConfig{
		TTL:        time.Hour,
		RefreshTTL: 7 * 24 * time.Hour,
		LockTTL:    5 * time.Second,
		BcryptCost: bcrypt.MinCost,
		LockPoll:   5 * time.Millisecond,
	}, opts.logger).WithLoginAttempts(lockout)

	limit := opts.rateLimit
	if limit == 0 {
		limit = 100
	}
	svc := NewAuthService(AuthServiceDeps{
		Tokens:        tokens,
		Cache:         cache,
		Hasher:        hasher,
		Limiter:       ratelimit.NewFixedWindowLimiter(store, ratelimit.Policy{Limit: limit, Window: time.Hour}),
		Lockout:       lockout,
		Data:          stub,
		DataGuard:     upstream.NewGuard(dataBrk, policy, nil),
		Misses:        NewVehicleMissCache(store, time.Minute),
		SchemaVersion: "1.0",
		Logger:        opts.logger,
	})
	return &testHarness{
		server:  server,
		store:   store,
		stub:    stub,
		jwt:     jwtMgr,
		hasher:  hasher,
		lockout: lockout,
		cache:   cache,
		svc:     svc,
		authBrk: authBrk,
	}
}

func (h *testHarness) login(t *testing.T) domain.TokenPair {
	t.Helper()
	pair, err := h.svc.Login(context.Background(), domain.Credential{Username: testUsername, Password: testPassword})
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	return pair
}

func requireKind(t *testing.T, err error, kind domain.Kind) *domain.Error {
	t.Helper()
	de, ok := err.(*domain.Error)
	if !ok {
		t.Fatalf("expected *domain.Error of kind %s, got %T: %v", kind, err, err)
	}
	if de.Kind != kind {
		t.Fatalf("expected kind %s, got %s (%v)", kind, de.Kind, err)
	}
	return de
}
