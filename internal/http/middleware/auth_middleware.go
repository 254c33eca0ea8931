package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/sandeepkv93/vehicle-telemetry-bridge/internal/domain"
	"github.com/sandeepkv93/vehicle-telemetry-bridge/internal/http/response"
	"github.com/sandeepkv93/vehicle-telemetry-bridge/internal/security"
)

type contextKey string

const (
	ClaimsContextKey      contextKey = "claims"
	AccessTokenContextKey contextKey = "access_token"
)

// TokenVerifier checks signature, expiry, type and revocation of a bridge token.
type TokenVerifier interface {
	Verify(ctx context.Context, token, expectedType string) (*security.Claims, error)
}

func AuthMiddleware(verifier TokenVerifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw := BearerToken(r)
			if raw == "" {
				response.FromError(w, r, domain.AuthorizationError("missing_token", "missing access token", nil))
				return
			}
			claims, err := verifier.Verify(r.Context(), raw, security.TokenTypeAccess)
			if err != nil {
				response.FromError(w, r, err)
				return
			}
			ctx := context.WithValue(r.Context(), ClaimsContextKey, claims)
			ctx = context.WithValue(ctx, AccessTokenContextKey, raw)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// BearerToken returns the token from the Authorization header, or "".
func BearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if len(auth) < 7 || !strings.EqualFold(auth[:7], "bearer ") {
		return ""
	}
	return strings.TrimSpace(auth[7:])
}

func ClaimsFromContext(ctx context.Context) (*security.Claims, bool) {
	c, ok := ctx.Value(ClaimsContextKey).(*security.Claims)
	return c, ok
}

func AccessTokenFromContext(ctx context.Context) string {
	raw, _ := ctx.Value(AccessTokenContextKey).(string)
	return raw
}
