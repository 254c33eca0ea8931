package service

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"golang.org/x/sync/errgroup"

	"github.com/sandeepkv93/vehicle-telemetry-bridge/internal/breaker"
	"github.com/sandeepkv93/vehicle-telemetry-bridge/internal/domain"
	"github.com/sandeepkv93/vehicle-telemetry-bridge/internal/observability"
	"github.com/sandeepkv93/vehicle-telemetry-bridge/internal/ratelimit"
	"github.com/sandeepkv93/vehicle-telemetry-bridge/internal/retry"
	"github.com/sandeepkv93/vehicle-telemetry-bridge/internal/security"
	"github.com/sandeepkv93/vehicle-telemetry-bridge/internal/telemetry"
	"github.com/sandeepkv93/vehicle-telemetry-bridge/internal/upstream"
)

// AuthService owns the local session lifecycle and is the only place where
// lower-level failures become externally visible domain errors.
type AuthService struct {
	tokens        *TokenService
	cache         *UpstreamTokenCache
	hasher        *security.SubjectHasher
	limiter       ratelimit.Limiter
	lockout       *ratelimit.LockoutTracker
	data          VehicleDataSource
	dataGuard     Executor
	misses        *VehicleMissCache
	schemaVersion string
	logger        *slog.Logger
}

type AuthServiceDeps struct {
	Tokens        *TokenService
	Cache         *UpstreamTokenCache
	Hasher        *security.SubjectHasher
	Limiter       ratelimit.Limiter
	Lockout       *ratelimit.LockoutTracker
	Data          VehicleDataSource
	DataGuard     Executor
	Misses        *VehicleMissCache
	SchemaVersion string
	Logger        *slog.Logger
}

func NewAuthService(deps AuthServiceDeps) *AuthService {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &AuthService{
		tokens:        deps.Tokens,
		cache:         deps.Cache,
		hasher:        deps.Hasher,
		limiter:       deps.Limiter,
		lockout:       deps.Lockout,
		data:          deps.Data,
		dataGuard:     deps.DataGuard,
		misses:        deps.Misses,
		schemaVersion: deps.SchemaVersion,
		logger:        logger,
	}
}

var _ AuthServiceInterface = (*AuthService)(nil)

func (s *AuthService) Login(ctx context.Context, cred domain.Credential) (domain.TokenPair, error) {
	if err := cred.Validate(); err != nil {
		observability.RecordAuthLogin(ctx, "invalid_input")
		return domain.TokenPair{}, err
	}
	subject := s.hasher.Subject(cred.Username)

	status, err := s.lockout.Check(ctx, subject)
	if err != nil {
		observability.RecordAuthLogin(ctx, "error")
		return domain.TokenPair{}, domain.InternalError(err)
	}
	if status.Locked {
		observability.RecordAuthLogin(ctx, "locked")
		observability.RecordLockoutEvent(ctx, "rejected")
		return domain.TokenPair{}, domain.LockedError(status.RetryAfter)
	}
	if err := s.allow(ctx, subject, "login"); err != nil {
		observability.RecordAuthLogin(ctx, "rate_limited")
		return domain.TokenPair{}, err
	}

	// The cache rechecks the lockout and counts rejected passwords while
	// it holds the per-subject login lock.
	if _, err := s.cache.GetOrRefresh(ctx, cred.Username, cred.Password); err != nil {
		mapped := s.loginError(err)
		switch domain.KindOf(mapped) {
		case domain.KindAuthentication:
			observability.RecordAuthLogin(ctx, "invalid_credentials")
		case domain.KindLocked:
			observability.RecordAuthLogin(ctx, "locked")
		default:
			observability.RecordAuthLogin(ctx, "upstream_error")
			s.logger.WarnContext(ctx, "upstream login failed", "subject", subject, "error", err)
		}
		return domain.TokenPair{}, mapped
	}

	if err := s.lockout.Reset(ctx, subject); err != nil {
		s.logger.WarnContext(ctx, "lockout reset failed", "subject", subject, "error", err)
	}
	pair, err := s.tokens.IssuePair(subject)
	if err != nil {
		observability.RecordAuthLogin(ctx, "error")
		return domain.TokenPair{}, domain.InternalError(err)
	}
	observability.RecordAuthLogin(ctx, "success")
	observability.Audit(ctx, "login", "subject", subject)
	return pair, nil
}

func (s *AuthService) allow(ctx context.Context, subject, scope string) error {
	d, err := s.limiter.Allow(ctx, subject)
	if err != nil {
		observability.RecordRateLimitDecision(ctx, scope, "error")
		return domain.InternalError(err)
	}
	if !d.Allowed {
		observability.RecordRateLimitDecision(ctx, scope, "denied")
		return domain.RateLimitedError(d.RetryAfter)
	}
	observability.RecordRateLimitDecision(ctx, scope, "allowed")
	return nil
}

// Verify validates token as expectedType, including revocation.
func (s *AuthService) Verify(ctx context.Context, token, expectedType string) (*security.Claims, error) {
	claims, err := s.tokens.Verify(ctx, token, expectedType)
	if err != nil {
		mapped := verifyError(err)
		observability.RecordTokenVerification(ctx, expectedType, mapped.Code)
		return nil, mapped
	}
	observability.RecordTokenVerification(ctx, expectedType, "valid")
	return claims, nil
}

func verifyError(err error) *domain.Error {
	switch {
	case errors.Is(err, domain.ErrTokenRevoked):
		return domain.AuthorizationError("token_revoked", "token has been revoked", err)
	case errors.Is(err, security.ErrTokenExpired):
		return domain.AuthorizationError("token_expired", "token has expired", err)
	case errors.Is(err, security.ErrTokenTypeMismatch):
		return domain.AuthorizationError("token_type_mismatch", "wrong token type", err)
	case errors.Is(err, security.ErrTokenInvalid):
		return domain.AuthorizationError("invalid_token", "invalid token", err)
	default:
		return domain.InternalError(err)
	}
}

// Refresh mints a new access token for a valid refresh token. The upstream
// is not contacted; the cached upstream credential is used when data is
// requested.
func (s *AuthService) Refresh(ctx context.Context, refreshToken string) (domain.AccessGrant, error) {
	claims, err := s.Verify(ctx, refreshToken, security.TokenTypeRefresh)
	if err != nil {
		observability.RecordAuthRefresh(ctx, "rejected")
		return domain.AccessGrant{}, err
	}
	grant, err := s.tokens.IssueAccess(claims)
	if err != nil {
		observability.RecordAuthRefresh(ctx, "error")
		return domain.AccessGrant{}, domain.InternalError(err)
	}
	observability.RecordAuthRefresh(ctx, "success")
	return grant, nil
}

// Logout revokes the access token and its paired refresh token, then drops
// the subject's cached upstream credential.
func (s *AuthService) Logout(ctx context.Context, accessToken string) error {
	claims, err := s.Verify(ctx, accessToken, security.TokenTypeAccess)
	if err != nil {
		observability.RecordAuthLogout(ctx, "rejected")
		return err
	}
	if err := s.tokens.Revoke(ctx, claims); err != nil {
		observability.RecordAuthLogout(ctx, "error")
		return domain.InternalError(err)
	}
	s.invalidateCredential(ctx, claims.Subject)
	observability.RecordAuthLogout(ctx, "success")
	observability.Audit(ctx, "logout", "subject", claims.Subject, "jti", claims.ID)
	return nil
}

func (s *AuthService) Vehicles(ctx context.Context, subject string) ([]domain.Vehicle, error) {
	if err := s.allow(ctx, subject, "data"); err != nil {
		return nil, err
	}
	var vehicles []domain.Vehicle
	err := s.withCredential(ctx, subject, func(cred domain.UpstreamCredential) error {
		return s.dataGuard.Execute(ctx, "vehicles", func(ctx context.Context) error {
			var err error
			vehicles, err = s.data.Vehicles(ctx, cred.AccessToken)
			return err
		})
	})
	if err != nil {
		return nil, err
	}
	return vehicles, nil
}

// Telemetry fetches the vehicle's status, location and mileage payloads
// concurrently and normalizes them. Only the status payload is required.
func (s *AuthService) Telemetry(ctx context.Context, subject, vin string) (telemetry.Record, error) {
	if err := domain.ValidateVIN(vin); err != nil {
		return telemetry.Record{}, err
	}
	if err := s.allow(ctx, subject, "data"); err != nil {
		return telemetry.Record{}, err
	}
	if known, err := s.misses.Known(ctx, subject, vin); err != nil {
		s.logger.WarnContext(ctx, "vehicle miss cache read failed", "error", err)
	} else if known {
		return telemetry.Record{}, vehicleNotFound(nil)
	}

	var in telemetry.Input
	err := s.withCredential(ctx, subject, func(cred domain.UpstreamCredential) error {
		in = telemetry.Input{}
		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			return s.dataGuard.Execute(gctx, "status", func(ctx context.Context) error {
				var err error
				in.Status, err = s.data.Status(ctx, cred.AccessToken, vin)
				return err
			})
		})
		g.Go(func() error {
			in.Location = s.optional(gctx, "location", func(ctx context.Context) ([]byte, error) {
				return s.data.Location(ctx, cred.AccessToken, vin)
			})
			return nil
		})
		g.Go(func() error {
			in.Telemetry = s.optional(gctx, "telemetry", func(ctx context.Context) ([]byte, error) {
				return s.data.Telemetry(ctx, cred.AccessToken, vin)
			})
			return nil
		})
		return g.Wait()
	})
	if err != nil {
		var de *domain.Error
		if errors.As(err, &de) && de.Code == codeVehicleNotFound {
			if rerr := s.misses.Remember(ctx, subject, vin); rerr != nil {
				s.logger.WarnContext(ctx, "vehicle miss not cached", "error", rerr)
			}
		}
		return telemetry.Record{}, err
	}

	record, err := telemetry.Normalize(in, s.schemaVersion)
	if err != nil {
		observability.RecordTelemetryNormalization(ctx, "parse_error")
		return telemetry.Record{}, &domain.Error{
			Kind:    domain.KindTransientUpstream,
			Code:    "invalid_upstream_payload",
			Message: "vehicle service returned an unreadable payload",
			Err:     err,
		}
	}
	observability.RecordTelemetryNormalization(ctx, "success")
	return record, nil
}

func (s *AuthService) optional(ctx context.Context, operation string, fetch func(context.Context) ([]byte, error)) []byte {
	var body []byte
	err := s.dataGuard.Execute(ctx, operation, func(ctx context.Context) error {
		var err error
		body, err = fetch(ctx)
		return err
	})
	if err != nil {
		s.logger.DebugContext(ctx, "optional upstream payload skipped", "operation", operation, "error", err)
		return nil
	}
	return body
}

// withCredential runs call with the subject's cached upstream credential.
// When the upstream rejects it, the credential is renewed once and call is
// retried; if renewal is impossible the caller must log in again.
func (s *AuthService) withCredential(ctx context.Context, subject string, call func(domain.UpstreamCredential) error) error {
	cred, err := s.cache.Lookup(ctx, subject)
	if err != nil {
		return s.dataError(err)
	}
	err = call(cred)
	if upstream.StatusCode(err) != http.StatusUnauthorized {
		return s.dataError(err)
	}

	renewed, rerr := s.cache.Renew(ctx, subject, cred)
	if rerr != nil {
		s.invalidateCredential(ctx, subject)
		return s.dataError(rerr)
	}
	err = call(renewed)
	if upstream.StatusCode(err) == http.StatusUnauthorized {
		s.invalidateCredential(ctx, subject)
	}
	return s.dataError(err)
}

func (s *AuthService) invalidateCredential(ctx context.Context, subject string) {
	if err := s.cache.Invalidate(ctx, subject); err != nil {
		s.logger.WarnContext(ctx, "upstream credential not invalidated", "subject", subject, "error", err)
	}
}

func (s *AuthService) loginError(err error) error {
	var de *domain.Error
	if errors.As(err, &de) {
		return de
	}
	if credentialsRejected(err) {
		return domain.AuthenticationError(domain.ErrInvalidCredentials)
	}
	return upstreamError(err)
}

func (s *AuthService) dataError(err error) error {
	if err == nil {
		return nil
	}
	var de *domain.Error
	if errors.As(err, &de) {
		return de
	}
	if errors.Is(err, ErrCredentialNotCached) {
		return domain.AuthorizationError("upstream_session_expired", "upstream session expired, log in again", domain.ErrUpstreamSession)
	}
	switch upstream.StatusCode(err) {
	case http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden:
		return domain.AuthorizationError("upstream_session_expired", "upstream session expired, log in again", errors.Join(domain.ErrUpstreamSession, err))
	case http.StatusNotFound:
		return vehicleNotFound(err)
	}
	return upstreamError(err)
}

const codeVehicleNotFound = "vehicle_not_found"

func vehicleNotFound(err error) *domain.Error {
	return &domain.Error{Kind: domain.KindInput, Code: codeVehicleNotFound, Message: "vehicle not found", Err: err}
}

func upstreamError(err error) error {
	var openErr *breaker.OpenError
	if errors.As(err, &openErr) {
		return domain.UpstreamUnavailableError(openErr.RetryAfter, err)
	}
	var exhausted *upstream.ExhaustedError
	if errors.As(err, &exhausted) || upstream.Classify(err).Transient() {
		return domain.TransientUpstreamError(err)
	}
	if upstream.Classify(err) == retry.OutcomeCanceled {
		return domain.TransientUpstreamError(err)
	}
	return domain.InternalError(err)
}
