package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/sync/singleflight"

	"github.com/sandeepkv93/vehicle-telemetry-bridge/internal/domain"
	"github.com/sandeepkv93/vehicle-telemetry-bridge/internal/kv"
	"github.com/sandeepkv93/vehicle-telemetry-bridge/internal/observability"
	"github.com/sandeepkv93/vehicle-telemetry-bridge/internal/ratelimit"
	"github.com/sandeepkv93/vehicle-telemetry-bridge/internal/retry"
	"github.com/sandeepkv93/vehicle-telemetry-bridge/internal/security"
	"github.com/sandeepkv93/vehicle-telemetry-bridge/internal/upstream"
)

var ErrCredentialNotCached = errors.New("upstream credential not cached")

// UpstreamCacheConfig bounds the cache. RefreshTTL keeps the upstream
// refresh token after the access entry is gone so a live local session can
// still renew it; it should match the local refresh token lifetime.
type UpstreamCacheConfig struct {
	TTL           time.Duration
	RefreshTTL    time.Duration
	LockTTL       time.Duration
	BcryptCost    int
	FlightTimeout time.Duration
	LockPoll      time.Duration
}

func (c UpstreamCacheConfig) withDefaults() UpstreamCacheConfig {
	if c.TTL <= 0 {
		c.TTL = time.Hour
	}
	if c.RefreshTTL <= 0 {
		c.RefreshTTL = 7 * 24 * time.Hour
	}
	if c.RefreshTTL < c.TTL {
		c.RefreshTTL = c.TTL
	}
	if c.LockTTL <= 0 {
		c.LockTTL = 30 * time.Second
	}
	if c.BcryptCost == 0 {
		c.BcryptCost = bcrypt.DefaultCost
	}
	if c.FlightTimeout <= 0 {
		c.FlightTimeout = time.Minute
	}
	if c.LockPoll <= 0 {
		c.LockPoll = 50 * time.Millisecond
	}
	return c
}

// UpstreamTokenCache holds one vehicle API credential per hashed user.
//
// Concurrent misses for the same credentials collapse into one upstream
// login: in-process through singleflight, across instances through a
// short-lived lock key in the shared store.
type UpstreamTokenCache struct {
	store  kv.Store
	hasher *security.SubjectHasher
	auth   UpstreamAuthenticator
	guard  Executor
	cfg    UpstreamCacheConfig
	logger *slog.Logger
	now    func() time.Time
	group  singleflight.Group

	attempts LoginAttempts
}

// LoginAttempts is consulted while the per-subject login lock is held, so
// failures are counted before the next queued guess reaches the upstream.
// *ratelimit.LockoutTracker implements it.
type LoginAttempts interface {
	Check(ctx context.Context, subject string) (ratelimit.Status, error)
	RegisterFailure(ctx context.Context, subject string) (ratelimit.Status, error)
}

func NewUpstreamTokenCache(store kv.Store, hasher *security.SubjectHasher, auth UpstreamAuthenticator, guard Executor, cfg UpstreamCacheConfig, logger *slog.Logger) *UpstreamTokenCache {
	if logger == nil {
		logger = slog.Default()
	}
	return &UpstreamTokenCache{
		store:  store,
		hasher: hasher,
		auth:   auth,
		guard:  guard,
		cfg:    cfg.withDefaults(),
		logger: logger,
		now:    time.Now,
	}
}

// WithLoginAttempts enforces lockout on every upstream password login.
func (c *UpstreamTokenCache) WithLoginAttempts(a LoginAttempts) *UpstreamTokenCache {
	c.attempts = a
	return c
}

func credentialKey(subject string) string { return "upstream_cred:" + subject }
func refreshKey(subject string) string    { return "upstream_refresh:" + subject }
func loginLockKey(subject string) string  { return "upstream_lock:" + subject }

// GetOrRefresh returns the cached credential for username when it is
// unexpired and was obtained with the same password; otherwise it logs in
// upstream and caches the result.
func (c *UpstreamTokenCache) GetOrRefresh(ctx context.Context, username, password string) (domain.UpstreamCredential, error) {
	subject := c.hasher.Subject(username)
	if cred, ok := c.cached(ctx, subject, password); ok {
		observability.RecordCredentialCache(ctx, "hit")
		return cred, nil
	}
	observability.RecordCredentialCache(ctx, "miss")

	// The flight outlives any single caller so one abandoned request does
	// not fail everyone waiting on it.
	flightKey := "login:" + c.hasher.Fingerprint(username, password)
	ch := c.group.DoChan(flightKey, func() (any, error) {
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.cfg.FlightTimeout)
		defer cancel()
		return c.login(fctx, subject, username, password)
	})
	select {
	case <-ctx.Done():
		return domain.UpstreamCredential{}, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return domain.UpstreamCredential{}, res.Err
		}
		return res.Val.(domain.UpstreamCredential), nil
	}
}

func (c *UpstreamTokenCache) login(ctx context.Context, subject, username, password string) (domain.UpstreamCredential, error) {
	release, cred, hit, err := c.lock(ctx, subject, password)
	if err != nil {
		return domain.UpstreamCredential{}, err
	}
	if hit {
		return cred, nil
	}
	defer release()

	if err := c.admit(ctx, subject); err != nil {
		return domain.UpstreamCredential{}, err
	}
	err = c.guard.Execute(ctx, "login", func(ctx context.Context) error {
		var lerr error
		cred, lerr = c.auth.PasswordLogin(ctx, username, password)
		return lerr
	})
	if err != nil {
		if credentialsRejected(err) {
			c.registerFailure(ctx, subject)
		}
		return domain.UpstreamCredential{}, err
	}
	verifier, err := bcrypt.GenerateFromPassword([]byte(password), c.cfg.BcryptCost)
	if err != nil {
		return domain.UpstreamCredential{}, fmt.Errorf("hash credential verifier: %w", err)
	}
	cred.SecretVerifier = verifier
	if err := c.put(ctx, subject, cred); err != nil {
		return domain.UpstreamCredential{}, err
	}
	return cred, nil
}

func (c *UpstreamTokenCache) admit(ctx context.Context, subject string) error {
	if c.attempts == nil {
		return nil
	}
	st, err := c.attempts.Check(ctx, subject)
	if err != nil {
		return domain.InternalError(err)
	}
	if st.Locked {
		observability.RecordLockoutEvent(ctx, "rejected")
		return domain.LockedError(st.RetryAfter)
	}
	return nil
}

func (c *UpstreamTokenCache) registerFailure(ctx context.Context, subject string) {
	if c.attempts == nil {
		return
	}
	st, err := c.attempts.RegisterFailure(ctx, subject)
	if err != nil {
		c.logger.ErrorContext(ctx, "lockout failure not recorded", "subject", subject, "error", err)
		return
	}
	observability.RecordLockoutEvent(ctx, "failure")
	if st.Locked {
		observability.RecordLockoutEvent(ctx, "locked")
		observability.Audit(ctx, "lockout", "subject", subject, "retry_after", st.RetryAfter.String())
	}
}

// lock takes the per-subject login lock. While another holder is logging
// in, the cache is polled so waiters pick up its result instead of logging
// in again.
func (c *UpstreamTokenCache) lock(ctx context.Context, subject, password string) (release func(), cred domain.UpstreamCredential, hit bool, err error) {
	owner := uuid.NewString()
	key := loginLockKey(subject)
	for {
		acquired, err := c.store.SetNX(ctx, key, []byte(owner), c.cfg.LockTTL)
		if err != nil {
			return nil, domain.UpstreamCredential{}, false, fmt.Errorf("acquire upstream login lock: %w", err)
		}
		if cred, ok := c.cached(ctx, subject, password); ok {
			if acquired {
				c.unlock(key, owner)
			}
			return nil, cred, true, nil
		}
		if acquired {
			return func() { c.unlock(key, owner) }, domain.UpstreamCredential{}, false, nil
		}
		if err := retry.Wait(ctx, c.cfg.LockPoll); err != nil {
			return nil, domain.UpstreamCredential{}, false, err
		}
	}
}

func (c *UpstreamTokenCache) unlock(key, owner string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := c.store.Update(ctx, key, func(current []byte, found bool) (kv.Mutation, error) {
		if found && string(current) == owner {
			return kv.Remove(), nil
		}
		return kv.Keep(), nil
	})
	if err != nil {
		c.logger.WarnContext(ctx, "upstream login lock not released", "error", err)
	}
}

func (c *UpstreamTokenCache) cached(ctx context.Context, subject, password string) (domain.UpstreamCredential, bool) {
	cred, err := c.read(ctx, credentialKey(subject))
	if err != nil || cred.Expired(c.now()) {
		return domain.UpstreamCredential{}, false
	}
	if bcrypt.CompareHashAndPassword(cred.SecretVerifier, []byte(password)) != nil {
		return domain.UpstreamCredential{}, false
	}
	return cred, true
}

func (c *UpstreamTokenCache) read(ctx context.Context, key string) (domain.UpstreamCredential, error) {
	raw, err := c.store.Get(ctx, key)
	if errors.Is(err, kv.ErrNotFound) {
		return domain.UpstreamCredential{}, ErrCredentialNotCached
	}
	if err != nil {
		return domain.UpstreamCredential{}, fmt.Errorf("read upstream credential: %w", err)
	}
	var cred domain.UpstreamCredential
	if err := json.Unmarshal(raw, &cred); err != nil {
		return domain.UpstreamCredential{}, fmt.Errorf("decode upstream credential: %w", err)
	}
	return cred, nil
}

// put stores cred for the cache TTL or until the upstream token expires,
// whichever is sooner. Its refresh token is kept separately for RefreshTTL.
func (c *UpstreamTokenCache) put(ctx context.Context, subject string, cred domain.UpstreamCredential) error {
	if cred.RefreshToken != "" {
		encoded, err := json.Marshal(domain.UpstreamCredential{
			RefreshToken:   cred.RefreshToken,
			SecretVerifier: cred.SecretVerifier,
		})
		if err != nil {
			return fmt.Errorf("encode upstream refresh token: %w", err)
		}
		if err := c.store.Set(ctx, refreshKey(subject), encoded, c.cfg.RefreshTTL); err != nil {
			return fmt.Errorf("store upstream refresh token: %w", err)
		}
	}

	ttl := c.cfg.TTL
	if !cred.ExpiresAt.IsZero() {
		if untilExpiry := cred.ExpiresAt.Sub(c.now()); untilExpiry < ttl {
			ttl = untilExpiry
		}
	}
	if ttl <= 0 {
		return nil
	}
	encoded, err := json.Marshal(cred)
	if err != nil {
		return fmt.Errorf("encode upstream credential: %w", err)
	}
	if err := c.store.Set(ctx, credentialKey(subject), encoded, ttl); err != nil {
		return fmt.Errorf("store upstream credential: %w", err)
	}
	return nil
}

// Lookup returns the credential cached for subject without a password. An
// expired or evicted upstream token is renewed with the kept refresh token
// when one exists.
func (c *UpstreamTokenCache) Lookup(ctx context.Context, subject string) (domain.UpstreamCredential, error) {
	cred, err := c.read(ctx, credentialKey(subject))
	switch {
	case err == nil && !cred.Expired(c.now()):
		observability.RecordCredentialCache(ctx, "hit")
		return cred, nil
	case err == nil:
	case errors.Is(err, ErrCredentialNotCached):
		cred, err = c.read(ctx, refreshKey(subject))
		if err != nil {
			return domain.UpstreamCredential{}, err
		}
	default:
		return domain.UpstreamCredential{}, err
	}
	return c.Renew(ctx, subject, cred)
}

// Renew replaces a credential the upstream no longer accepts. Without a
// refresh token the entry is dropped and the user has to log in again.
func (c *UpstreamTokenCache) Renew(ctx context.Context, subject string, stale domain.UpstreamCredential) (domain.UpstreamCredential, error) {
	if stale.RefreshToken == "" {
		c.invalidate(ctx, subject)
		observability.RecordCredentialCache(ctx, "expired")
		return domain.UpstreamCredential{}, ErrCredentialNotCached
	}

	res, err, _ := c.group.Do("refresh:"+subject, func() (any, error) {
		var renewed domain.UpstreamCredential
		err := c.guard.Execute(ctx, "refresh", func(ctx context.Context) error {
			var rerr error
			renewed, rerr = c.auth.Refresh(ctx, stale.RefreshToken)
			return rerr
		})
		if err != nil {
			return nil, err
		}
		if renewed.RefreshToken == "" {
			renewed.RefreshToken = stale.RefreshToken
		}
		renewed.SecretVerifier = stale.SecretVerifier
		if err := c.put(ctx, subject, renewed); err != nil {
			return nil, err
		}
		return renewed, nil
	})
	if err != nil {
		observability.RecordCredentialCache(ctx, "refresh_failed")
		if credentialsRejected(err) {
			c.invalidate(ctx, subject)
		}
		return domain.UpstreamCredential{}, err
	}
	observability.RecordCredentialCache(ctx, "refreshed")
	return res.(domain.UpstreamCredential), nil
}

// Invalidate drops both the access entry and the kept refresh token.
func (c *UpstreamTokenCache) Invalidate(ctx context.Context, subject string) error {
	if err := c.store.Delete(ctx, credentialKey(subject), refreshKey(subject)); err != nil {
		return fmt.Errorf("invalidate upstream credential: %w", err)
	}
	return nil
}

func (c *UpstreamTokenCache) invalidate(ctx context.Context, subject string) {
	if err := c.Invalidate(ctx, subject); err != nil {
		c.logger.WarnContext(ctx, "upstream credential not invalidated", "subject", subject, "error", err)
	}
}

// Subject exposes the keyed hash used for username.
func (c *UpstreamTokenCache) Subject(username string) string {
	return c.hasher.Subject(username)
}

// credentialsRejected reports whether the upstream refused the presented
// password or refresh token, as opposed to failing to answer.
func credentialsRejected(err error) bool {
	switch upstream.StatusCode(err) {
	case http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden:
		return true
	}
	return false
}
