package domain

import (
	"errors"
	"fmt"
	"time"
)

type Kind int

const (
	KindInternal Kind = iota
	KindInput
	KindAuthentication
	KindAuthorization
	KindRateLimited
	KindLocked
	KindUpstreamUnavailable
	KindTransientUpstream
)

func (k Kind) String() string {
	switch k {
	case KindInput:
		return "input"
	case KindAuthentication:
		return "authentication"
	case KindAuthorization:
		return "authorization"
	case KindRateLimited:
		return "rate_limited"
	case KindLocked:
		return "locked"
	case KindUpstreamUnavailable:
		return "upstream_unavailable"
	case KindTransientUpstream:
		return "transient_upstream"
	default:
		return "internal"
	}
}

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrTokenRevoked       = errors.New("token revoked")
	ErrUpstreamSession    = errors.New("upstream session expired")
)

// Error is the externally visible failure. Only the session layer builds
// these; lower packages return their own sentinel or typed errors.
type Error struct {
	Kind       Kind
	Code       string
	Message    string
	RetryAfter time.Duration
	Err        error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

func KindOf(err error) Kind {
	var de *Error
	if errors.As(err, &de) {
		return de.Kind
	}
	return KindInternal
}

func InputError(code, message string) *Error {
	return &Error{Kind: KindInput, Code: code, Message: message}
}

func AuthenticationError(err error) *Error {
	return &Error{Kind: KindAuthentication, Code: "invalid_credentials", Message: "invalid username or password", Err: err}
}

func AuthorizationError(code, message string, err error) *Error {
	return &Error{Kind: KindAuthorization, Code: code, Message: message, Err: err}
}

func RateLimitedError(retryAfter time.Duration) *Error {
	return &Error{Kind: KindRateLimited, Code: "rate_limited", Message: "too many requests", RetryAfter: retryAfter}
}

func LockedError(retryAfter time.Duration) *Error {
	return &Error{Kind: KindLocked, Code: "account_locked", Message: "too many failed login attempts", RetryAfter: retryAfter}
}

func UpstreamUnavailableError(retryAfter time.Duration, err error) *Error {
	return &Error{Kind: KindUpstreamUnavailable, Code: "upstream_unavailable", Message: "vehicle service is unavailable", RetryAfter: retryAfter, Err: err}
}

func TransientUpstreamError(err error) *Error {
	return &Error{Kind: KindTransientUpstream, Code: "upstream_error", Message: "vehicle service request failed", Err: err}
}

func InternalError(err error) *Error {
	return &Error{Kind: KindInternal, Code: "internal_error", Message: "internal error", Err: err}
}
