package service

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sandeepkv93/vehicle-telemetry-bridge/internal/domain"
	"github.com/sandeepkv93/vehicle-telemetry-bridge/internal/kv"
	"github.com/sandeepkv93/vehicle-telemetry-bridge/internal/ratelimit"
	"github.com/sandeepkv93/vehicle-telemetry-bridge/internal/security"
)

func TestLoginVerifyLogoutRoundTrip(t *testing.T) {
	h := newTestHarness(t, newStubUpstream(), harnessOptions{})
	ctx := context.Background()
	pair := h.login(t)

	if pair.TokenType != "Bearer" || pair.ExpiresIn != 900 {
		t.Fatalf("unexpected token pair metadata: %+v", pair)
	}
	first, err := h.svc.Verify(ctx, pair.AccessToken, security.TokenTypeAccess)
	if err != nil {
		t.Fatalf("verify access: %v", err)
	}
	second, err := h.svc.Verify(ctx, pair.AccessToken, security.TokenTypeAccess)
	if err != nil || second.ID != first.ID || second.Subject != first.Subject {
		t.Fatalf("verify must be idempotent: first=%+v second=%+v err=%v", first, second, err)
	}
	if first.Subject != h.hasher.Subject(testUsername) {
		t.Fatal("token subject must be the keyed username hash")
	}

	if err := h.svc.Logout(ctx, pair.AccessToken); err != nil {
		t.Fatalf("logout: %v", err)
	}

	_, err = h.svc.Verify(ctx, pair.AccessToken, security.TokenTypeAccess)
	de := requireKind(t, err, domain.KindAuthorization)
	if de.Code != "token_revoked" || !errors.Is(err, domain.ErrTokenRevoked) {
		t.Fatalf("expected revocation error, got %v", err)
	}
	_, err = h.svc.Refresh(ctx, pair.RefreshToken)
	if de := requireKind(t, err, domain.KindAuthorization); de.Code != "token_revoked" {
		t.Fatalf("paired refresh token must be revoked too, got %v", err)
	}
	if _, err := h.store.Get(ctx, credentialKey(first.Subject)); err == nil {
		t.Fatal("logout must drop the cached upstream credential")
	}
}

func TestVerifyRejectsWrongTokenType(t *testing.T) {
	h := newTestHarness(t, newStubUpstream(), harnessOptions{})
	pair := h.login(t)

	_, err := h.svc.Verify(context.Background(), pair.RefreshToken, security.TokenTypeAccess)
	if de := requireKind(t, err, domain.KindAuthorization); de.Code != "token_type_mismatch" {
		t.Fatalf("expected type mismatch, got %v", err)
	}
	_, err = h.svc.Verify(context.Background(), "garbage", security.TokenTypeAccess)
	if de := requireKind(t, err, domain.KindAuthorization); de.Code != "invalid_token" {
		t.Fatalf("expected invalid token, got %v", err)
	}
}

func TestRevocationRecordsExpireWithTheirTokens(t *testing.T) {
	h := newTestHarness(t, newStubUpstream(), harnessOptions{})
	pair := h.login(t)
	claims, err := h.jwt.Parse(pair.AccessToken, security.TokenTypeAccess)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if err := h.svc.Logout(context.Background(), pair.AccessToken); err != nil {
		t.Fatalf("logout: %v", err)
	}

	accessTTL := h.server.TTL("test:revoked:" + claims.ID)
	if accessTTL <= 14*time.Minute || accessTTL > 15*time.Minute {
		t.Fatalf("access revocation ttl should match remaining lifetime, got %s", accessTTL)
	}
	refreshTTL := h.server.TTL("test:revoked:" + claims.PairedID)
	if refreshTTL <= 7*24*time.Hour-time.Minute || refreshTTL > 7*24*time.Hour {
		t.Fatalf("refresh revocation ttl should match remaining lifetime, got %s", refreshTTL)
	}

	h.server.FastForward(16 * time.Minute)
	if h.server.Exists("test:revoked:" + claims.ID) {
		t.Fatal("access revocation record must be purged once the token expires")
	}
}

func TestRefreshMintsAccessWithoutUpstream(t *testing.T) {
	stub := newStubUpstream()
	h := newTestHarness(t, stub, harnessOptions{})
	ctx := context.Background()
	pair := h.login(t)

	grant, err := h.svc.Refresh(ctx, pair.RefreshToken)
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if grant.TokenType != "Bearer" || grant.AccessToken == pair.AccessToken {
		t.Fatalf("unexpected grant: %+v", grant)
	}
	if got := stub.logins.Load(); got != 1 {
		t.Fatalf("refresh must not contact upstream, got %d logins", got)
	}
	if _, err := h.svc.Refresh(ctx, pair.AccessToken); err == nil {
		t.Fatal("access token must not be accepted as refresh token")
	}

	if err := h.svc.Logout(ctx, grant.AccessToken); err != nil {
		t.Fatalf("logout with refreshed access: %v", err)
	}
	if _, err := h.svc.Refresh(ctx, pair.RefreshToken); err == nil {
		t.Fatal("logout with refreshed access token must revoke the shared refresh token")
	}
}

func TestLoginLockoutAfterFiveFailures(t *testing.T) {
	stub := newStubUpstream()
	h := newTestHarness(t, stub, harnessOptions{})
	ctx := context.Background()
	bad := domain.Credential{Username: testUsername, Password: "wrong"}

	for i := 1; i <= 5; i++ {
		_, err := h.svc.Login(ctx, bad)
		requireKind(t, err, domain.KindAuthentication)
		if !errors.Is(err, domain.ErrInvalidCredentials) {
			t.Fatalf("attempt %d: expected invalid credentials, got %v", i, err)
		}
	}
	if got := stub.logins.Load(); got != 5 {
		t.Fatalf("expected 5 upstream logins, got %d", got)
	}

	_, err := h.svc.Login(ctx, domain.Credential{Username: testUsername, Password: testPassword})
	de := requireKind(t, err, domain.KindLocked)
	if de.RetryAfter <= 14*time.Minute || de.RetryAfter > 15*time.Minute {
		t.Fatalf("expected retry-after close to 15m, got %s", de.RetryAfter)
	}
	if got := stub.logins.Load(); got != 5 {
		t.Fatalf("locked attempt must not reach upstream, got %d logins", got)
	}
}

func TestSuccessfulLoginResetsFailureCount(t *testing.T) {
	h := newTestHarness(t, newStubUpstream(), harnessOptions{})
	ctx := context.Background()
	bad := domain.Credential{Username: testUsername, Password: "wrong"}

	for i := 0; i < 4; i++ {
		_, _ = h.svc.Login(ctx, bad)
	}
	h.login(t)

	st, err := h.lockout.Check(ctx, h.hasher.Subject(testUsername))
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if st.Failures != 0 {
		t.Fatalf("expected failures reset to 0, got %d", st.Failures)
	}
	for i := 0; i < 4; i++ {
		_, err := h.svc.Login(ctx, bad)
		requireKind(t, err, domain.KindAuthentication)
	}
}

func TestLoginRateLimited(t *testing.T) {
	h := newTestHarness(t, newStubUpstream(), harnessOptions{rateLimit: 2})
	h.login(t)
	h.login(t)

	_, err := h.svc.Login(context.Background(), domain.Credential{Username: testUsername, Password: testPassword})
	de := requireKind(t, err, domain.KindRateLimited)
	if de.RetryAfter <= 0 {
		t.Fatalf("expected retry-after, got %s", de.RetryAfter)
	}
}

func TestLoginRejectsMalformedInputWithoutCounting(t *testing.T) {
	stub := newStubUpstream()
	h := newTestHarness(t, stub, harnessOptions{})
	_, err := h.svc.Login(context.Background(), domain.Credential{Username: "not-an-email", Password: "x"})
	requireKind(t, err, domain.KindInput)
	if stub.logins.Load() != 0 {
		t.Fatal("invalid input must not reach upstream")
	}
}

func TestUpstreamOutageIsNotBadPassword(t *testing.T) {
	stub := newStubUpstream()
	stub.loginStatus.Store(http.StatusServiceUnavailable)
	h := newTestHarness(t, stub, harnessOptions{})
	ctx := context.Background()
	cred := domain.Credential{Username: testUsername, Password: testPassword}

	_, err := h.svc.Login(ctx, cred)
	requireKind(t, err, domain.KindTransientUpstream)
	if got := stub.logins.Load(); got != 3 {
		t.Fatalf("expected three attempts, got %d", got)
	}

	// The fifth consecutive failure trips the breaker mid-retry.
	_, err = h.svc.Login(ctx, cred)
	requireKind(t, err, domain.KindUpstreamUnavailable)
	if got := stub.logins.Load(); got != 5 {
		t.Fatalf("expected breaker to stop retries after 5 attempts, got %d", got)
	}

	_, err = h.svc.Login(ctx, cred)
	de := requireKind(t, err, domain.KindUpstreamUnavailable)
	if de.RetryAfter <= 0 {
		t.Fatalf("expected breaker retry-after, got %s", de.RetryAfter)
	}
	if stub.logins.Load() != 5 {
		t.Fatal("open breaker must not call upstream")
	}

	st, _ := h.lockout.Check(ctx, h.hasher.Subject(testUsername))
	if st.Failures != 0 {
		t.Fatalf("upstream outages must not count toward lockout, got %d", st.Failures)
	}
}

func TestConcurrentGetOrRefreshLogsInOnce(t *testing.T) {
	stub := newStubUpstream()
	stub.loginDelay = 50 * time.Millisecond
	h := newTestHarness(t, stub, harnessOptions{})

	const callers = 8
	var wg sync.WaitGroup
	errs := make(chan error, callers)
	tokens := make(chan string, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			cred, err := h.cache.GetOrRefresh(context.Background(), testUsername, testPassword)
			if err != nil {
				errs <- err
				return
			}
			tokens <- cred.AccessToken
		}()
	}
	wg.Wait()
	close(errs)
	close(tokens)
	for err := range errs {
		t.Fatalf("get or refresh: %v", err)
	}
	if got := stub.logins.Load(); got != 1 {
		t.Fatalf("expected exactly one upstream login, got %d", got)
	}
	seen := map[string]bool{}
	for tok := range tokens {
		seen[tok] = true
	}
	if len(seen) != 1 {
		t.Fatalf("all callers must share one credential, got %v", seen)
	}
}

func TestGetOrRefreshCacheHitRequiresMatchingPassword(t *testing.T) {
	stub := newStubUpstream()
	h := newTestHarness(t, stub, harnessOptions{})
	ctx := context.Background()

	if _, err := h.cache.GetOrRefresh(ctx, testUsername, testPassword); err != nil {
		t.Fatalf("first login: %v", err)
	}
	if _, err := h.cache.GetOrRefresh(ctx, "  DRIVER@example.com", testPassword); err != nil {
		t.Fatalf("cached login: %v", err)
	}
	if got := stub.logins.Load(); got != 1 {
		t.Fatalf("expected cache hit for normalized username, got %d logins", got)
	}

	_, err := h.cache.GetOrRefresh(ctx, testUsername, "guess")
	if err == nil {
		t.Fatal("wrong password must not be served from cache")
	}
	if got := stub.logins.Load(); got != 2 {
		t.Fatalf("wrong password must be checked upstream, got %d logins", got)
	}
	if _, err := h.cache.Lookup(ctx, h.hasher.Subject(testUsername)); err != nil {
		t.Fatalf("failed guess must not evict the cached credential: %v", err)
	}
}

func TestUpstreamCredentialTTLIsCappedByUpstreamExpiry(t *testing.T) {
	h := newTestHarness(t, newStubUpstream(), harnessOptions{})
	h.login(t)
	ttl := h.server.TTL("test:" + credentialKey(h.hasher.Subject(testUsername)))
	if ttl <= 59*time.Minute || ttl > time.Hour {
		t.Fatalf("expected cache ttl of one hour, got %s", ttl)
	}

	h.cache.cfg.TTL = 3 * time.Hour
	if err := h.cache.put(context.Background(), "short", domain.UpstreamCredential{AccessToken: "x", ExpiresAt: time.Now().Add(10 * time.Minute)}); err != nil {
		t.Fatalf("put: %v", err)
	}
	if ttl := h.server.TTL("test:" + credentialKey("short")); ttl > 10*time.Minute {
		t.Fatalf("ttl must not outlive the upstream token, got %s", ttl)
	}
}

func TestTelemetryNormalizesPayloads(t *testing.T) {
	h := newTestHarness(t, newStubUpstream(), harnessOptions{})
	h.login(t)
	subject := h.hasher.Subject(testUsername)

	rec, err := h.svc.Telemetry(context.Background(), subject, "VIN123")
	if err != nil {
		t.Fatalf("telemetry: %v", err)
	}
	if rec.ChargePercent != 72 || rec.IsCharging == nil || *rec.IsCharging {
		t.Fatalf("unexpected charge fields: %+v", rec)
	}
	if rec.Latitude == nil || *rec.Latitude != 52.52 {
		t.Fatalf("expected location, got %+v", rec)
	}
	if rec.Odometer != nil {
		t.Fatal("missing mileage payload must leave odometer empty")
	}
	if rec.SchemaVersion != "1.0" {
		t.Fatalf("unexpected schema version %q", rec.SchemaVersion)
	}

	_, err = h.svc.Telemetry(context.Background(), subject, "bad vin!")
	requireKind(t, err, domain.KindInput)
}

func TestTelemetryUpstreamUnauthorizedDropsCredential(t *testing.T) {
	stub := newStubUpstream()
	h := newTestHarness(t, stub, harnessOptions{})
	h.login(t)
	subject := h.hasher.Subject(testUsername)

	stub.statusCode.Store(http.StatusUnauthorized)
	_, err := h.svc.Telemetry(context.Background(), subject, "VIN123")
	if de := requireKind(t, err, domain.KindAuthorization); de.Code != "upstream_session_expired" {
		t.Fatalf("expected upstream session error, got %v", err)
	}
	if _, err := h.cache.Lookup(context.Background(), subject); !errors.Is(err, ErrCredentialNotCached) {
		t.Fatalf("rejected credential must be dropped, got %v", err)
	}
}

func TestTelemetryRenewsRejectedCredentialWithRefreshToken(t *testing.T) {
	stub := newStubUpstream()
	stub.refreshToken = "up-refresh"
	h := newTestHarness(t, stub, harnessOptions{})
	h.login(t)
	subject := h.hasher.Subject(testUsername)

	stub.statusCode.Store(http.StatusUnauthorized)
	if _, err := h.svc.Telemetry(context.Background(), subject, "VIN123"); err != nil {
		t.Fatalf("telemetry after renewal: %v", err)
	}
	if stub.refreshes.Load() != 1 || stub.logins.Load() != 1 {
		t.Fatalf("expected one refresh and no new login, got refreshes=%d logins=%d", stub.refreshes.Load(), stub.logins.Load())
	}
}

func TestVehiclesWithoutCachedCredential(t *testing.T) {
	h := newTestHarness(t, newStubUpstream(), harnessOptions{})
	_, err := h.svc.Vehicles(context.Background(), h.hasher.Subject(testUsername))
	requireKind(t, err, domain.KindAuthorization)

	h.login(t)
	vehicles, err := h.svc.Vehicles(context.Background(), h.hasher.Subject(testUsername))
	if err != nil || len(vehicles) != 1 || vehicles[0].VIN != "VIN123" {
		t.Fatalf("vehicles: %+v err=%v", vehicles, err)
	}
}

func TestTelemetryRemembersUnknownVehicle(t *testing.T) {
	stub := newStubUpstream()
	h := newTestHarness(t, stub, harnessOptions{})
	h.login(t)
	subject := h.hasher.Subject(testUsername)

	for i := 0; i < 3; i++ {
		_, err := h.svc.Telemetry(context.Background(), subject, unknownVIN)
		if de := requireKind(t, err, domain.KindInput); de.Code != "vehicle_not_found" {
			t.Fatalf("attempt %d: expected vehicle_not_found, got %v", i+1, err)
		}
	}
	if got := stub.statusCalls.Load(); got != 1 {
		t.Fatalf("unknown vin should reach the upstream once, got %d", got)
	}
	if ttl := h.server.TTL("test:" + vehicleMissKey(subject, unknownVIN)); ttl <= 0 || ttl > time.Minute {
		t.Fatalf("miss entry must expire, ttl=%s", ttl)
	}

	if _, err := h.svc.Telemetry(context.Background(), subject, "VIN123"); err != nil {
		t.Fatalf("known vin must still work: %v", err)
	}
}

func TestVehicleMissCacheNilIsNoop(t *testing.T) {
	var c *VehicleMissCache
	if known, err := c.Known(context.Background(), "s", "v"); known || err != nil {
		t.Fatalf("nil cache must report nothing, known=%v err=%v", known, err)
	}
	if err := c.Remember(context.Background(), "s", "v"); err != nil {
		t.Fatalf("remember: %v", err)
	}
}

func TestParallelLoginGuessesStopAtLockoutThreshold(t *testing.T) {
	stub := newStubUpstream()
	stub.loginDelay = 20 * time.Millisecond
	h := newTestHarness(t, stub, harnessOptions{})

	const guesses = 20
	var wg sync.WaitGroup
	kinds := make(chan domain.Kind, guesses)
	for i := 0; i < guesses; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := h.svc.Login(context.Background(), domain.Credential{Username: testUsername, Password: fmt.Sprintf("guess-%d", i)})
			kinds <- domain.KindOf(err)
		}(i)
	}
	wg.Wait()
	close(kinds)

	counts := map[domain.Kind]int{}
	for k := range kinds {
		counts[k]++
	}
	threshold := ratelimit.DefaultLockoutPolicy().Threshold
	if got := stub.logins.Load(); got != int64(threshold) {
		t.Fatalf("expected %d upstream logins for %d parallel guesses, got %d", threshold, guesses, got)
	}
	if counts[domain.KindAuthentication] != threshold || counts[domain.KindLocked] != guesses-threshold {
		t.Fatalf("unexpected outcomes %v", counts)
	}

	st, err := h.lockout.Check(context.Background(), h.hasher.Subject(testUsername))
	if err != nil || !st.Locked {
		t.Fatalf("subject must end up locked, status=%+v err=%v", st, err)
	}
}

func TestLookupRenewsWithKeptRefreshTokenAfterCacheTTL(t *testing.T) {
	stub := newStubUpstream()
	stub.refreshToken = "up-refresh"
	h := newTestHarness(t, stub, harnessOptions{})
	pair := h.login(t)
	subject := h.hasher.Subject(testUsername)

	h.server.FastForward(61 * time.Minute)
	if h.server.Exists("test:" + credentialKey(subject)) {
		t.Fatal("access entry should have expired with the cache ttl")
	}
	if _, err := h.svc.Refresh(context.Background(), pair.RefreshToken); err != nil {
		t.Fatalf("local refresh: %v", err)
	}
	if _, err := h.svc.Telemetry(context.Background(), subject, "VIN123"); err != nil {
		t.Fatalf("telemetry after cache ttl: %v", err)
	}
	if stub.refreshes.Load() != 1 || stub.logins.Load() != 1 {
		t.Fatalf("expected one upstream refresh and no new login, got refreshes=%d logins=%d", stub.refreshes.Load(), stub.logins.Load())
	}
	if !h.server.Exists("test:" + credentialKey(subject)) {
		t.Fatal("renewed credential must be cached again")
	}

	if err := h.cache.Invalidate(context.Background(), subject); err != nil {
		t.Fatalf("invalidate: %v", err)
	}
	if h.server.Exists("test:" + refreshKey(subject)) {
		t.Fatal("invalidate must drop the kept refresh token")
	}
	if _, err := h.cache.Lookup(context.Background(), subject); !errors.Is(err, ErrCredentialNotCached) {
		t.Fatalf("expected not cached after invalidate, got %v", err)
	}
}

func TestLookupAfterCacheTTLWithRejectedRefreshToken(t *testing.T) {
	stub := newStubUpstream()
	stub.refreshToken = "up-refresh"
	h := newTestHarness(t, stub, harnessOptions{})
	h.login(t)
	subject := h.hasher.Subject(testUsername)

	stub.refreshToken = "rotated-elsewhere"
	h.server.FastForward(61 * time.Minute)

	_, err := h.svc.Telemetry(context.Background(), subject, "VIN123")
	if de := requireKind(t, err, domain.KindAuthorization); de.Code != "upstream_session_expired" {
		t.Fatalf("expected upstream session error, got %v", err)
	}
	if h.server.Exists("test:" + refreshKey(subject)) {
		t.Fatal("a rejected refresh token must not be kept")
	}
	if _, err := h.svc.Telemetry(context.Background(), subject, "VIN123"); err == nil {
		t.Fatal("expected the session to stay expired")
	}
	if got := stub.refreshes.Load(); got != 1 {
		t.Fatalf("dropped refresh token must not be retried, got %d refreshes", got)
	}
}

type deleteFailingStore struct{ kv.Store }

func (deleteFailingStore) Delete(context.Context, ...string) error {
	return errors.New("store unavailable")
}

func TestFailedCredentialInvalidationIsLogged(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	stub := newStubUpstream()
	h := newTestHarness(t, stub, harnessOptions{
		wrapStore: func(s kv.Store) kv.Store { return deleteFailingStore{s} },
		logger:    logger,
	})
	h.login(t)

	stub.statusCode.Store(http.StatusUnauthorized)
	_, err := h.svc.Telemetry(context.Background(), h.hasher.Subject(testUsername), "VIN123")
	requireKind(t, err, domain.KindAuthorization)
	if !strings.Contains(buf.String(), "upstream credential not invalidated") {
		t.Fatalf("expected a warning for the failed invalidation, got %s", buf.String())
	}
}
