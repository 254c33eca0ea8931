package service

import (
	"context"
	"fmt"
	"time"

	"github.com/sandeepkv93/vehicle-telemetry-bridge/internal/domain"
	"github.com/sandeepkv93/vehicle-telemetry-bridge/internal/security"
)

type TokenService struct {
	jwtMgr      *security.JWTManager
	revocations *RevocationStore
	accessTTL   time.Duration
	refreshTTL  time.Duration
}

func NewTokenService(jwtMgr *security.JWTManager, revocations *RevocationStore, accessTTL, refreshTTL time.Duration) *TokenService {
	return &TokenService{jwtMgr: jwtMgr, revocations: revocations, accessTTL: accessTTL, refreshTTL: refreshTTL}
}

// IssuePair mints a refresh token and an access token bound to it.
func (s *TokenService) IssuePair(subject string) (domain.TokenPair, error) {
	refresh, refreshClaims, err := s.jwtMgr.SignRefreshToken(subject, s.refreshTTL)
	if err != nil {
		return domain.TokenPair{}, err
	}
	access, _, err := s.jwtMgr.SignAccessToken(subject, s.accessTTL, refreshClaims)
	if err != nil {
		return domain.TokenPair{}, err
	}
	return domain.TokenPair{
		AccessToken:  access,
		RefreshToken: refresh,
		TokenType:    domain.TokenTypeBearer,
		ExpiresIn:    int64(s.accessTTL.Seconds()),
	}, nil
}

// IssueAccess mints a fresh access token for a verified refresh token.
func (s *TokenService) IssueAccess(refreshClaims *security.Claims) (domain.AccessGrant, error) {
	access, _, err := s.jwtMgr.SignAccessToken(refreshClaims.Subject, s.accessTTL, refreshClaims)
	if err != nil {
		return domain.AccessGrant{}, err
	}
	return domain.AccessGrant{
		AccessToken: access,
		TokenType:   domain.TokenTypeBearer,
		ExpiresIn:   int64(s.accessTTL.Seconds()),
	}, nil
}

// Verify parses raw as tokenType and then consults the revocation records.
// Revocation is checked even for tokens that are otherwise valid.
func (s *TokenService) Verify(ctx context.Context, raw, tokenType string) (*security.Claims, error) {
	claims, err := s.jwtMgr.Parse(raw, tokenType)
	if err != nil {
		return nil, err
	}
	revoked, err := s.revocations.IsRevoked(ctx, claims.ID)
	if err != nil {
		return nil, err
	}
	if revoked {
		return nil, domain.ErrTokenRevoked
	}
	return claims, nil
}

// Revoke invalidates the token described by claims and, for access tokens,
// the refresh token it was paired with.
func (s *TokenService) Revoke(ctx context.Context, claims *security.Claims) error {
	if err := s.revocations.Revoke(ctx, claims.ID, claims.ExpiresAtTime()); err != nil {
		return err
	}
	if claims.PairedID != "" && claims.PairedExpiresAt != nil {
		if err := s.revocations.Revoke(ctx, claims.PairedID, claims.PairedExpiresAt.Time); err != nil {
			return fmt.Errorf("revoke paired token: %w", err)
		}
	}
	return nil
}
