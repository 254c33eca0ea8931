package security

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	TokenTypeAccess  = "access"
	TokenTypeRefresh = "refresh"
)

var (
	ErrTokenInvalid      = errors.New("token invalid")
	ErrTokenExpired      = errors.New("token expired")
	ErrTokenTypeMismatch = errors.New("token type mismatch")
)

// Claims is the session token payload. Access tokens carry the id and expiry
// of the refresh token they were minted with so logout can revoke both.
type Claims struct {
	TokenType       string           `json:"typ"`
	PairedID        string           `json:"pid,omitempty"`
	PairedExpiresAt *jwt.NumericDate `json:"pexp,omitempty"`
	jwt.RegisteredClaims
}

func (c *Claims) ExpiresAtTime() time.Time {
	if c.ExpiresAt == nil {
		return time.Time{}
	}
	return c.ExpiresAt.Time
}

type JWTManager struct {
	issuer     string
	audience   string
	signingKey []byte
	now        func() time.Time
}

func NewJWTManager(issuer, audience, signingKey string) *JWTManager {
	return &JWTManager{
		issuer:     issuer,
		audience:   audience,
		signingKey: []byte(signingKey),
		now:        time.Now,
	}
}

func (m *JWTManager) WithClock(now func() time.Time) *JWTManager {
	m.now = now
	return m
}

func (m *JWTManager) SignRefreshToken(subject string, ttl time.Duration) (string, *Claims, error) {
	return m.sign(subject, TokenTypeRefresh, ttl, nil)
}

// SignAccessToken mints an access token bound to the refresh token described
// by refresh.
func (m *JWTManager) SignAccessToken(subject string, ttl time.Duration, refresh *Claims) (string, *Claims, error) {
	return m.sign(subject, TokenTypeAccess, ttl, refresh)
}

func (m *JWTManager) sign(subject, tokenType string, ttl time.Duration, paired *Claims) (string, *Claims, error) {
	now := m.now()
	claims := &Claims{
		TokenType: tokenType,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    m.issuer,
			Subject:   subject,
			Audience:  []string{m.audience},
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			ID:        uuid.NewString(),
		},
	}
	if paired != nil {
		claims.PairedID = paired.ID
		claims.PairedExpiresAt = paired.ExpiresAt
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.signingKey)
	if err != nil {
		return "", nil, fmt.Errorf("sign %s token: %w", tokenType, err)
	}
	return signed, claims, nil
}

// Parse checks signature, issuer, audience, expiry and token type, in that
// order. A type mismatch is rejected even when the signature is valid.
func (m *JWTManager) Parse(raw, tokenType string) (*Claims, error) {
	claims := &Claims{}
	tok, err := jwt.ParseWithClaims(raw, claims, func(token *jwt.Token) (any, error) {
		if token.Method != jwt.SigningMethodHS256 {
			return nil, errors.New("unexpected signing algorithm")
		}
		return m.signingKey, nil
	},
		jwt.WithIssuer(m.issuer),
		jwt.WithAudience(m.audience),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(m.now),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, fmt.Errorf("%w: %v", ErrTokenInvalid, err)
	}
	if !tok.Valid || claims.ID == "" || claims.Subject == "" {
		return nil, ErrTokenInvalid
	}
	if claims.TokenType != tokenType {
		return nil, fmt.Errorf("%w: got %q want %q", ErrTokenTypeMismatch, claims.TokenType, tokenType)
	}
	return claims, nil
}
