package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sandeepkv93/vehicle-telemetry-bridge/internal/kv"
)

// RevocationStore marks token ids unusable before their natural expiry.
// Each record lives exactly as long as the token it revokes.
type RevocationStore struct {
	store kv.Store
	now   func() time.Time
}

func NewRevocationStore(store kv.Store) *RevocationStore {
	return &RevocationStore{store: store, now: time.Now}
}

func revocationKey(jti string) string { return "revoked:" + jti }

// Revoke records jti until expiresAt. Tokens already past expiry need no
// record.
func (s *RevocationStore) Revoke(ctx context.Context, jti string, expiresAt time.Time) error {
	if jti == "" {
		return nil
	}
	ttl := expiresAt.Sub(s.now())
	if ttl <= 0 {
		return nil
	}
	value := []byte(expiresAt.UTC().Format(time.RFC3339))
	if err := s.store.Set(ctx, revocationKey(jti), value, ttl); err != nil {
		return fmt.Errorf("revoke token %s: %w", jti, err)
	}
	return nil
}

func (s *RevocationStore) IsRevoked(ctx context.Context, jti string) (bool, error) {
	_, err := s.store.Get(ctx, revocationKey(jti))
	if errors.Is(err, kv.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check revocation %s: %w", jti, err)
	}
	return true, nil
}
